package resilience

import (
	"math"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket. Refill is computed lazily by the
// underlying rate.Limiter on every check and never exceeds capacity; a
// failed check consumes nothing.
type RateLimiter struct {
	name       string
	limiter    *rate.Limiter
	capacity   int
	refillRate float64
	clock      Clock
}

// RateLimiterConfig holds configuration for a rate limiter
type RateLimiterConfig struct {
	Name       string
	Capacity   int     // burst size, at least 1
	RefillRate float64 // tokens per second
	Clock      Clock
}

// DefaultRateLimiterConfig returns sensible defaults
func DefaultRateLimiterConfig(name string) RateLimiterConfig {
	return RateLimiterConfig{
		Name:       name,
		Capacity:   10,
		RefillRate: 5,
	}
}

// NewRateLimiter creates a bucket that starts full
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.Capacity <= 0 {
		config.Capacity = 1
	}
	if config.RefillRate < 0 {
		config.RefillRate = 0
	}
	if config.Clock == nil {
		config.Clock = SystemClock
	}
	return &RateLimiter{
		name:       config.Name,
		limiter:    rate.NewLimiter(rate.Limit(config.RefillRate), config.Capacity),
		capacity:   config.Capacity,
		refillRate: config.RefillRate,
		clock:      config.Clock,
	}
}

// Allow takes one token if available
func (rl *RateLimiter) Allow() bool {
	return rl.limiter.AllowN(rl.clock.Now(), 1)
}

// Admit takes one token or reports how long until one will be available
func (rl *RateLimiter) Admit() error {
	now := rl.clock.Now()
	if rl.limiter.AllowN(now, 1) {
		return nil
	}
	return &RateLimitedError{Target: rl.name, RetryAfter: rl.retryAfter(now)}
}

func (rl *RateLimiter) retryAfter(now time.Time) time.Duration {
	if rl.refillRate == 0 {
		return time.Duration(math.MaxInt64)
	}
	deficit := 1 - rl.limiter.TokensAt(now)
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit / rl.refillRate * float64(time.Second))
}

// Tokens returns the tokens available now
func (rl *RateLimiter) Tokens() float64 {
	return rl.limiter.TokensAt(rl.clock.Now())
}

// Capacity returns the bucket size
func (rl *RateLimiter) Capacity() int {
	return rl.capacity
}

// RefillRate returns the refill rate in tokens per second
func (rl *RateLimiter) RefillRate() float64 {
	return rl.refillRate
}
