package repository

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/botpros-admin/qb-bitrix-connector/internal/domain"
	"github.com/botpros-admin/qb-bitrix-connector/internal/models"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverSessionRepository uses Redis while it is healthy and the in-memory store otherwise.
// Sessions created during an outage live only in memory until they close.
type FailoverSessionRepository struct {
	primary   domain.SessionRepository
	fallback  *MemorySessionRepository
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
	now       func() time.Time
}

func NewFailoverSessionRepository(primary domain.SessionRepository, fallback *MemorySessionRepository, logger *zerolog.Logger) *FailoverSessionRepository {
	return &FailoverSessionRepository{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

func (r *FailoverSessionRepository) markDown(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("Primary session repository failed, falling back to memory")
	}
	r.lastCheck.Store(r.now().UnixNano())
}

// usePrimary reports whether the primary should be tried, probing it again after recoveryInterval.
func (r *FailoverSessionRepository) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	return r.now().Sub(time.Unix(0, r.lastCheck.Load())) > recoveryInterval
}

func (r *FailoverSessionRepository) recovered() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("Primary session repository recovered")
	}
}

func (r *FailoverSessionRepository) Create(ctx context.Context, session *models.Session) error {
	if r.usePrimary() {
		err := r.primary.Create(ctx, session)
		if err == nil || err == ErrTicketExists {
			r.recovered()
			return err
		}
		r.markDown(err)
	}
	return r.fallback.Create(ctx, session)
}

func (r *FailoverSessionRepository) Get(ctx context.Context, ticket string) (*models.Session, error) {
	// Sessions created during an outage are only in memory.
	if s, _ := r.fallback.Get(ctx, ticket); s != nil {
		return s, nil
	}
	if r.usePrimary() {
		s, err := r.primary.Get(ctx, ticket)
		if err == nil {
			r.recovered()
			return s, nil
		}
		r.markDown(err)
	}
	return nil, nil
}

func (r *FailoverSessionRepository) Save(ctx context.Context, session *models.Session) error {
	if s, _ := r.fallback.Get(ctx, session.Ticket); s != nil {
		return r.fallback.Save(ctx, session)
	}
	if r.usePrimary() {
		err := r.primary.Save(ctx, session)
		if err == nil || err == ErrUnknownTicket {
			return err
		}
		r.markDown(err)
	}
	return ErrUnknownTicket
}

func (r *FailoverSessionRepository) Delete(ctx context.Context, ticket string) error {
	_ = r.fallback.Delete(ctx, ticket)
	if r.usePrimary() {
		if err := r.primary.Delete(ctx, ticket); err != nil {
			r.markDown(err)
		}
	}
	return nil
}

func (r *FailoverSessionRepository) Count(ctx context.Context) (int, error) {
	n, _ := r.fallback.Count(ctx)
	if r.usePrimary() {
		p, err := r.primary.Count(ctx)
		if err == nil {
			return n + p, nil
		}
		r.markDown(err)
	}
	return n, nil
}

func (r *FailoverSessionRepository) EvictIdle(ctx context.Context, cutoff time.Time) (int, error) {
	return r.fallback.EvictIdle(ctx, cutoff)
}
