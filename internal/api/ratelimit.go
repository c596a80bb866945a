package api

import (
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// ownerLimiter hands out one token bucket per owner. Idle buckets are
// dropped on access once they have been unused for idleTTL.
type ownerLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time
	buckets map[int64]*bucket
	lastGC  time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newOwnerLimiter(perMinute, burst int) *ownerLimiter {
	if burst <= 0 {
		burst = perMinute
	}
	return &ownerLimiter{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   burst,
		idleTTL: 10 * time.Minute,
		now:     time.Now,
		buckets: map[int64]*bucket{},
	}
}

func (l *ownerLimiter) allow(owner int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastGC) > l.idleTTL {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > l.idleTTL {
				delete(l.buckets, k)
			}
		}
		l.lastGC = now
	}
	b := l.buckets[owner]
	if b == nil {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[owner] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

// rateLimited must run after requireOwner.
func (s *Server) rateLimited(l *ownerLimiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if l != nil && !l.allow(ownerFrom(c)) {
				return errRateLimited
			}
			return next(c)
		}
	}
}
