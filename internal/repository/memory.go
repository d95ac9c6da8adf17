package repository

import (
	"context"
	"sync"
	"time"

	"github.com/botpros-admin/qb-bitrix-connector/internal/models"
)

// MemorySessionRepository keeps sessions in a mutex-guarded map. Stored values are copies,
// so callers never share a Session with another goroutine.
type MemorySessionRepository struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	ttl      time.Duration
	now      func() time.Time
}

func NewMemorySessionRepository(ttl time.Duration) *MemorySessionRepository {
	return &MemorySessionRepository{
		sessions: make(map[string]*models.Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (r *MemorySessionRepository) Create(ctx context.Context, session *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[session.Ticket]; exists {
		return ErrTicketExists
	}
	r.sessions[session.Ticket] = session.Clone()
	return nil
}

func (r *MemorySessionRepository) Get(ctx context.Context, ticket string) (*models.Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[ticket]
	r.mu.RUnlock()
	if !ok || r.expired(s) {
		return nil, nil
	}
	return s.Clone(), nil
}

func (r *MemorySessionRepository) Save(ctx context.Context, session *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[session.Ticket]; !ok {
		return ErrUnknownTicket
	}
	r.sessions[session.Ticket] = session.Clone()
	return nil
}

func (r *MemorySessionRepository) Delete(ctx context.Context, ticket string) error {
	r.mu.Lock()
	delete(r.sessions, ticket)
	r.mu.Unlock()
	return nil
}

func (r *MemorySessionRepository) Count(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if !r.expired(s) {
			n++
		}
	}
	return n, nil
}

// EvictIdle removes sessions last seen before cutoff.
func (r *MemorySessionRepository) EvictIdle(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for ticket, s := range r.sessions {
		if lastSeen(s).Before(cutoff) {
			delete(r.sessions, ticket)
			n++
		}
	}
	return n, nil
}

func (r *MemorySessionRepository) expired(s *models.Session) bool {
	return r.ttl > 0 && r.now().Sub(lastSeen(s)) > r.ttl
}

func lastSeen(s *models.Session) time.Time {
	if s.LastSeenAt.IsZero() {
		return s.CreatedAt
	}
	return s.LastSeenAt
}
