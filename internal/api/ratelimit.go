package api

import (
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// sendLimiter throttles message sends per user. Limiters of users that stop
// sending expire from the cache.
type sendLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters *cache.Cache
}

func newSendLimiter(perSecond float64, burst int) *sendLimiter {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &sendLimiter{
		limit:    limit,
		burst:    burst,
		limiters: cache.New(15*time.Minute, 5*time.Minute),
	}
}

func (l *sendLimiter) Allow(userID int64) bool {
	key := strconv.FormatInt(userID, 10)
	l.mu.Lock()
	var limiter *rate.Limiter
	if v, ok := l.limiters.Get(key); ok {
		limiter = v.(*rate.Limiter)
	} else {
		limiter = rate.NewLimiter(l.limit, l.burst)
	}
	// refresh the expiry on every use
	l.limiters.SetDefault(key, limiter)
	l.mu.Unlock()
	return limiter.Allow()
}

func (l *sendLimiter) forget(userID int64) {
	l.limiters.Delete(strconv.FormatInt(userID, 10))
}
