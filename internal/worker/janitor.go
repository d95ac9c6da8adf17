package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// IdleEvicter drops sessions that have been idle since before cutoff.
type IdleEvicter interface {
	EvictIdle(ctx context.Context, cutoff time.Time) (int, error)
}

// SessionJanitor periodically evicts Web Connector sessions that were never closed.
type SessionJanitor struct {
	store    IdleEvicter
	ttl      time.Duration
	interval time.Duration
	logger   *zerolog.Logger
	now      func() time.Time
}

func NewSessionJanitor(store IdleEvicter, ttl time.Duration, logger *zerolog.Logger) *SessionJanitor {
	interval := ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	return &SessionJanitor{
		store:    store,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

func (j *SessionJanitor) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one eviction pass and returns how many sessions were dropped.
func (j *SessionJanitor) Sweep(ctx context.Context) int {
	n, err := j.store.EvictIdle(ctx, j.now().Add(-j.ttl))
	if err != nil {
		j.logger.Error().Err(err).Msg("Session eviction failed")
		return 0
	}
	if n > 0 {
		j.logger.Info().Int("evicted", n).Dur("ttl", j.ttl).Msg("Evicted idle Web Connector sessions")
	}
	return n
}
