package middleware

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/marketrules/internal/domain"
)

// idleLimiterTTL is how long an unused per-key bucket is kept.
const idleLimiterTTL = 10 * time.Minute

// LocalLimiter is an in-process domain.RateLimiter backed by one token bucket
// per key. A bucket refills limit tokens per window and bursts up to limit.
// It limits per replica; use the Redis limiter to share limits.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	limit    int
	window   time.Duration
	lastSeen time.Time
}

var _ domain.RateLimiter = (*LocalLimiter)(nil)

// NewLocalLimiter creates an empty LocalLimiter.
func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow reports whether one more request for key fits in the budget.
func (l *LocalLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return true, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok || b.limit != limit || b.window != window {
		b = &bucket{
			limiter: rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit),
			limit:   limit,
			window:  window,
		}
		l.buckets[key] = b
		if len(l.buckets)%1024 == 0 {
			l.evictIdle(now)
		}
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1), nil
}

// evictIdle drops buckets not used for idleLimiterTTL. Callers hold mu.
func (l *LocalLimiter) evictIdle(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) > idleLimiterTTL {
			delete(l.buckets, k)
		}
	}
}
