package funder

import (
	"sync"

	"golang.org/x/time/rate"
)

// RequestLimiter paces forward-path requests per downstream friend, one
// token-bucket rate.Limiter per friend created on first use, the same
// per-peer-limiter-map shape breez-lightninglib's discovery/syncer.go uses
// for its own per-query pacing.
type RequestLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	ratePerSecond rate.Limit
	burst         int
}

// NewRequestLimiter creates a limiter allowing ratePerSecond sustained
// requests per friend with the given burst, matching spec.md §5's
// per-friend backpressure concern.
func NewRequestLimiter(ratePerSecond float64, burst int) *RequestLimiter {
	return &RequestLimiter{
		limiters:      make(map[string]*rate.Limiter),
		ratePerSecond: rate.Limit(ratePerSecond),
		burst:         burst,
	}
}

// Allow reports whether a forward-path request toward friendPK may proceed
// right now, consuming one token if so.
func (l *RequestLimiter) Allow(friendPK []byte) bool {
	return l.limiterFor(friendPK).Allow()
}

func (l *RequestLimiter) limiterFor(friendPK []byte) *rate.Limiter {
	key := string(friendPK)

	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.ratePerSecond, l.burst)
		l.limiters[key] = lim
	}
	return lim
}
