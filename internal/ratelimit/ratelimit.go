package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter admits public connections and requests, globally and per key
// (a tunnel key). A zero rate disables that limit.
type RateLimiter struct {
	mu                 sync.Mutex
	globalConnLimiter  *rate.Limiter
	globalReqLimiter   *rate.Limiter
	perKeyConnLimiters map[string]*rate.Limiter
	perKeyReqLimiters  map[string]*rate.Limiter
	connRate           int
	reqRate            int
	burstSize          int
}

// NewRateLimiter creates a new rate limiter with the given configuration
func NewRateLimiter(globalConnLimit, perKeyConnLimit, globalReqLimit, perKeyReqLimit, burstSize int) *RateLimiter {
	if burstSize <= 0 {
		burstSize = 1
	}
	rl := &RateLimiter{
		perKeyConnLimiters: make(map[string]*rate.Limiter),
		perKeyReqLimiters:  make(map[string]*rate.Limiter),
		connRate:           perKeyConnLimit,
		reqRate:            perKeyReqLimit,
		burstSize:          burstSize,
	}
	if globalConnLimit > 0 {
		rl.globalConnLimiter = rate.NewLimiter(rate.Limit(globalConnLimit), burstSize)
	}
	if globalReqLimit > 0 {
		rl.globalReqLimiter = rate.NewLimiter(rate.Limit(globalReqLimit), burstSize)
	}
	return rl
}

func (rl *RateLimiter) keyed(m map[string]*rate.Limiter, key string, r int) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := m[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(r), rl.burstSize)
		m[key] = l
	}
	return l
}

// AllowConnection checks if a new public connection is allowed for key.
func (rl *RateLimiter) AllowConnection(key string) bool {
	if rl == nil {
		return true
	}
	if rl.globalConnLimiter != nil && !rl.globalConnLimiter.Allow() {
		return false
	}
	if rl.connRate > 0 && !rl.keyed(rl.perKeyConnLimiters, key, rl.connRate).Allow() {
		return false
	}
	return true
}

// AllowRequest checks if a routed request is allowed for key.
func (rl *RateLimiter) AllowRequest(key string) bool {
	if rl == nil {
		return true
	}
	if rl.globalReqLimiter != nil && !rl.globalReqLimiter.Allow() {
		return false
	}
	if rl.reqRate > 0 && !rl.keyed(rl.perKeyReqLimiters, key, rl.reqRate).Allow() {
		return false
	}
	return true
}

// Forget drops the per-key limiters of key.
func (rl *RateLimiter) Forget(key string) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.perKeyConnLimiters, key)
	delete(rl.perKeyReqLimiters, key)
}

// CleanupExpiredKeys removes limiters for keys that are no longer active.
func (rl *RateLimiter) CleanupExpiredKeys(active map[string]bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key := range rl.perKeyConnLimiters {
		if !active[key] {
			delete(rl.perKeyConnLimiters, key)
		}
	}
	for key := range rl.perKeyReqLimiters {
		if !active[key] {
			delete(rl.perKeyReqLimiters, key)
		}
	}
}
