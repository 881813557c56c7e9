package resilience

import (
	"context"
	"math/rand/v2"
	"time"
)

// Operation is one attempt at an external call
type Operation func(ctx context.Context) (interface{}, error)

// RetryPolicy is a stateless backoff calculator
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	ShouldRetry func(error) bool // defaults to IsTransient
}

// DefaultRetryPolicy returns sensible defaults
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.ShouldRetry == nil {
		p.ShouldRetry = IsTransient
	}
	return p
}

// Ceiling returns min(MaxDelay, BaseDelay*2^attempt), the exclusive upper
// bound of the wait that follows attempt (0-based).
func (p RetryPolicy) Ceiling(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt >= 62 || p.BaseDelay > p.MaxDelay>>uint(attempt) {
		return p.MaxDelay
	}
	return p.BaseDelay << uint(attempt)
}

// Delay draws the full-jitter wait for attempt from [0, Ceiling(attempt))
func (p RetryPolicy) Delay(attempt int, int64n func(int64) int64) time.Duration {
	ceiling := p.Ceiling(attempt)
	if ceiling <= 0 {
		return 0
	}
	if int64n == nil {
		int64n = rand.Int64N
	}
	return time.Duration(int64n(int64(ceiling)))
}

// MaxTotalWait bounds the summed waits of one Execute call
func (p RetryPolicy) MaxTotalWait() time.Duration {
	p = p.withDefaults()
	var total time.Duration
	for i := 0; i < p.MaxAttempts-1; i++ {
		total += p.Ceiling(i)
	}
	return total
}

// RetryResult contains the result of a retry operation
type RetryResult struct {
	Value      interface{}
	Attempts   int
	LastError  error
	TotalDelay time.Duration
	Success    bool
	Canceled   bool
}

// Retryer runs an operation under a RetryPolicy
type Retryer struct {
	policy  RetryPolicy
	clock   Clock
	int64n  func(int64) int64
	onRetry func(attempt int, err error, delay time.Duration)
}

// RetryOption configures a Retryer
type RetryOption func(*Retryer)

// WithRetryClock sets the clock used for backoff waits
func WithRetryClock(clock Clock) RetryOption {
	return func(r *Retryer) { r.clock = clock }
}

// WithJitterSource replaces the random source used for full jitter
func WithJitterSource(int64n func(int64) int64) RetryOption {
	return func(r *Retryer) { r.int64n = int64n }
}

// OnRetry registers a callback invoked before each backoff wait
func OnRetry(fn func(attempt int, err error, delay time.Duration)) RetryOption {
	return func(r *Retryer) { r.onRetry = fn }
}

// NewRetryer creates a new retryer with the given policy
func NewRetryer(policy RetryPolicy, opts ...RetryOption) *Retryer {
	r := &Retryer{
		policy: policy.withDefaults(),
		clock:  SystemClock,
		int64n: rand.Int64N,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the effective policy
func (r *Retryer) Policy() RetryPolicy {
	return r.policy
}

// Execute attempts fn at most MaxAttempts times. Only errors accepted by
// ShouldRetry are retried, and cancellation of ctx ends the loop.
func (r *Retryer) Execute(ctx context.Context, fn Operation) RetryResult {
	result := RetryResult{}

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			result.Canceled = true
			if result.LastError == nil {
				result.LastError = err
			}
			return result
		}

		result.Attempts = attempt
		value, err := fn(ctx)
		if err == nil {
			result.Value = value
			result.Success = true
			result.LastError = nil
			return result
		}
		result.LastError = err

		if ctx.Err() != nil {
			result.Canceled = true
			return result
		}
		if !r.policy.ShouldRetry(err) || attempt == r.policy.MaxAttempts {
			return result
		}

		delay := r.policy.Delay(attempt-1, r.int64n)
		if r.onRetry != nil {
			r.onRetry(attempt, err, delay)
		}
		if delay > 0 {
			select {
			case <-ctx.Done():
				result.Canceled = true
				return result
			case <-r.clock.After(delay):
			}
		}
		result.TotalDelay += delay
	}

	return result
}
