package ratelimiter

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// OriginLimiter applies a token bucket per origin host so one noisy
// aepp cannot starve prompt handling for the rest. Idle entries are
// evicted opportunistically.
type OriginLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu     sync.Mutex
	byHost map[string]*bucket
	checks uint64
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New returns nil for non-positive rps or burst; a nil limiter allows
// everything.
func New(rps float64, burst int, idleTTL time.Duration) *OriginLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &OriginLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		byHost:  make(map[string]*bucket),
	}
}

// Allow reports whether one request from host may proceed at now.
func (l *OriginLimiter) Allow(host string, now time.Time) bool {
	if l == nil || host == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.byHost[host]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byHost[host] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)

	l.checks++
	if l.checks%256 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for host, b := range l.byHost {
			if b.lastSeen.Before(cutoff) {
				delete(l.byHost, host)
			}
		}
	}
	return allowed
}
