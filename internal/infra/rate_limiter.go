package infra

import (
	"sync"
	"time"
)

// RateLimiter implements a token bucket rate limiter.
// Thread-safe and suitable for concurrent API calls.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewRateLimiter creates a new rate limiter.
// maxRequests: maximum burst size; perSecond: refill rate.
func NewRateLimiter(maxRequests int, perSecond float64) *RateLimiter {
	return &RateLimiter{
		tokens:     float64(maxRequests),
		maxTokens:  float64(maxRequests),
		refillRate: perSecond,
		lastRefill: time.Now(),
	}
}

// Wait blocks until a token is available.
func (r *RateLimiter) Wait() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()

	for r.tokens < 1 {
		waitTime := time.Duration(float64(time.Second) / r.refillRate)
		r.mu.Unlock()
		time.Sleep(waitTime)
		r.mu.Lock()
		r.refill()
	}

	r.tokens--
}

// TryAcquire attempts to acquire a token without blocking.
func (r *RateLimiter) TryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()

	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

// refill adds tokens based on elapsed time. Must be called with mutex held.
func (r *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(r.lastRefill).Seconds()
	r.tokens += elapsed * r.refillRate

	if r.tokens > r.maxTokens {
		r.tokens = r.maxTokens
	}

	r.lastRefill = now
}

// Pre-configured limiters for the derivatives exchange REST API. Conservative
// limits to avoid IP bans.
var (
	orderLimiter   *RateLimiter
	accountLimiter *RateLimiter
	marketLimiter  *RateLimiter
	limiterOnce    sync.Once
)

// GetOrderLimiter returns the rate limiter for order placement endpoints.
func GetOrderLimiter() *RateLimiter {
	limiterOnce.Do(initLimiters)
	return orderLimiter
}

// GetAccountLimiter returns the rate limiter for position/account endpoints.
func GetAccountLimiter() *RateLimiter {
	limiterOnce.Do(initLimiters)
	return accountLimiter
}

// GetMarketLimiter returns the rate limiter for market data endpoints.
func GetMarketLimiter() *RateLimiter {
	limiterOnce.Do(initLimiters)
	return marketLimiter
}

func initLimiters() {
	orderLimiter = NewRateLimiter(5, 10)
	accountLimiter = NewRateLimiter(5, 10)
	marketLimiter = NewRateLimiter(10, 20)
}
