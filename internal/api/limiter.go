package api

import (
	"sync"
	"time"

	"github.com/botpros-admin/qb-bitrix-connector/internal/config"

	"golang.org/x/time/rate"
)

const (
	defaultAdminBurst = 5
	minLimiterIdle    = time.Minute
)

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per admin client. Buckets idle long enough to have
// refilled are dropped, so unauthenticated callers cannot grow the table forever.
type rateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*clientBucket
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newRateLimiter(cfg config.APIRateLimitConfig) *rateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultAdminBurst
	}
	idle := minLimiterIdle
	if cfg.RPS > 0 {
		if refill := time.Duration(float64(burst) / cfg.RPS * float64(time.Second)); refill > idle {
			idle = refill
		}
	}
	return &rateLimiter{
		buckets: make(map[string]*clientBucket),
		limit:   rate.Limit(cfg.RPS),
		burst:   burst,
		idle:    idle,
		now:     time.Now,
	}
}

// allow reports whether the client may make another request now.
func (l *rateLimiter) allow(key string) bool {
	if l.limit <= 0 {
		return true
	}

	l.mu.Lock()
	now := l.now()
	if now.Sub(l.lastSweep) >= l.idle {
		l.sweep(now)
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

// sweep drops buckets idle for longer than it takes them to refill. Callers hold mu.
func (l *rateLimiter) sweep(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idle {
			delete(l.buckets, key)
		}
	}
	l.lastSweep = now
}
