package resilience

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/syntor/taskmesh/pkg/logging"
	"github.com/syntor/taskmesh/pkg/metrics"
	"github.com/syntor/taskmesh/pkg/models"
	"github.com/syntor/taskmesh/pkg/tracing"
)

// TargetConfig overrides invoker defaults for one target. Zero fields keep
// the default.
type TargetConfig struct {
	MaxAttempts      int           `yaml:"max_attempts" json:"max_attempts"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	RateCapacity     int           `yaml:"rate_capacity" json:"rate_capacity"`
	RefillRate       float64       `yaml:"refill_rate" json:"refill_rate"`
}

// InvokerConfig holds configuration for a ResilientInvoker
type InvokerConfig struct {
	Retry            RetryPolicy
	FailureThreshold int
	RecoveryTimeout  time.Duration
	RateCapacity     int
	RefillRate       float64
	AttemptTimeout   time.Duration // per attempt, zero disables
	Targets          map[string]TargetConfig

	Clock   Clock
	Jitter  func(int64) int64
	Logger  logging.Logger
	Metrics metrics.Collector
}

// DefaultInvokerConfig returns sensible defaults
func DefaultInvokerConfig() InvokerConfig {
	return InvokerConfig{
		Retry:            DefaultRetryPolicy(),
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		RateCapacity:     10,
		RefillRate:       5,
	}
}

// Invocation describes a successful protected call
type Invocation struct {
	Value    interface{}
	Attempts int
	Duration time.Duration
}

type guard struct {
	limiter *RateLimiter
	breaker *CircuitBreaker
	retryer *Retryer
}

// ResilientInvoker executes external calls behind rate admission, circuit
// breaking and bounded retries, in that order. Guards are created lazily per
// target and live as long as the invoker.
type ResilientInvoker struct {
	config  InvokerConfig
	logger  logging.Logger
	metrics metrics.Collector

	mu     sync.Mutex
	guards map[string]*guard
}

// NewResilientInvoker creates an invoker
func NewResilientInvoker(config InvokerConfig) *ResilientInvoker {
	defaults := DefaultInvokerConfig()
	if config.Clock == nil {
		config.Clock = SystemClock
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = defaults.RecoveryTimeout
	}
	if config.RateCapacity <= 0 {
		config.RateCapacity = defaults.RateCapacity
	}
	if config.RefillRate <= 0 {
		config.RefillRate = defaults.RefillRate
	}
	return &ResilientInvoker{
		config:  config,
		logger:  logging.OrGlobal(config.Logger).With(logging.Component("invoker")),
		metrics: metrics.OrNop(config.Metrics),
		guards:  make(map[string]*guard),
	}
}

func (inv *ResilientInvoker) guardFor(target string) *guard {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if g, ok := inv.guards[target]; ok {
		return g
	}

	override := inv.config.Targets[target]
	policy := inv.config.Retry
	if override.MaxAttempts > 0 {
		policy.MaxAttempts = override.MaxAttempts
	}

	breakerConfig := CircuitBreakerConfig{
		Name:             target,
		FailureThreshold: firstPositive(override.FailureThreshold, inv.config.FailureThreshold),
		RecoveryTimeout:  firstPositiveDuration(override.RecoveryTimeout, inv.config.RecoveryTimeout),
		Clock:            inv.config.Clock,
		OnStateChange:    inv.onStateChange,
	}
	limiterConfig := RateLimiterConfig{
		Name:       target,
		Capacity:   firstPositive(override.RateCapacity, inv.config.RateCapacity),
		RefillRate: inv.config.RefillRate,
		Clock:      inv.config.Clock,
	}
	if override.RefillRate > 0 {
		limiterConfig.RefillRate = override.RefillRate
	}

	logger := inv.logger.With(logging.String("target", target))
	opts := []RetryOption{
		WithRetryClock(inv.config.Clock),
		OnRetry(func(attempt int, err error, delay time.Duration) {
			logger.Warn("Retrying call",
				logging.Int("attempt", attempt),
				logging.Duration("delay", delay),
				logging.Err(err))
		}),
	}
	if inv.config.Jitter != nil {
		opts = append(opts, WithJitterSource(inv.config.Jitter))
	}

	g := &guard{
		limiter: NewRateLimiter(limiterConfig),
		breaker: NewCircuitBreaker(breakerConfig),
		retryer: NewRetryer(policy, opts...),
	}
	inv.guards[target] = g
	inv.metrics.SetGauge(metrics.CircuitState.Name, models.CircuitClosed.Gauge(), metrics.Labels("target", target))
	return g
}

func (inv *ResilientInvoker) onStateChange(target string, from, to models.CircuitState) {
	inv.logger.Warn("Circuit state changed",
		logging.String("target", target),
		logging.String("from", string(from)),
		logging.String("to", string(to)))
	inv.metrics.SetGauge(metrics.CircuitState.Name, to.Gauge(), metrics.Labels("target", target))
}

// Invoke runs op against target. Guard rejections come back as
// *RateLimitedError or *CircuitOpenError without attempting op; a final
// failure comes back as *OperationFailedError.
func (inv *ResilientInvoker) Invoke(ctx context.Context, target string, op Operation) (out Invocation, err error) {
	ctx, span := tracing.Start(ctx, tracing.OpInvoke, tracing.KeyTarget.String(target))
	defer func() { tracing.End(span, err) }()

	g := inv.guardFor(target)
	start := inv.config.Clock.Now()

	if err := g.limiter.Admit(); err != nil {
		inv.metrics.IncrementCounter(metrics.RateLimited.Name, metrics.Labels("target", target))
		inv.count(target, "rate_limited")
		return Invocation{}, err
	}

	if err := g.breaker.Allow(); err != nil {
		inv.count(target, "circuit_open")
		return Invocation{}, err
	}

	result := g.retryer.Execute(ctx, inv.withAttemptTimeout(op))
	span.SetAttributes(tracing.KeyAttempts.Int(result.Attempts))
	inv.metrics.ObserveHistogram(metrics.InvocationAttempts.Name, float64(result.Attempts), metrics.Labels("target", target))

	if result.Success {
		g.breaker.Record(true)
		inv.count(target, "success")
		return Invocation{
			Value:    result.Value,
			Attempts: result.Attempts,
			Duration: inv.config.Clock.Now().Sub(start),
		}, nil
	}

	if result.Canceled && ctx.Err() != nil {
		g.breaker.Release()
		inv.count(target, "canceled")
	} else {
		g.breaker.Record(false)
		inv.count(target, "failure")
	}

	return Invocation{}, &OperationFailedError{
		Target:   target,
		LastErr:  result.LastError,
		Attempts: result.Attempts,
	}
}

func (inv *ResilientInvoker) withAttemptTimeout(op Operation) Operation {
	if inv.config.AttemptTimeout <= 0 {
		return op
	}
	timeout := inv.config.AttemptTimeout
	return func(ctx context.Context) (interface{}, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return op(attemptCtx)
	}
}

func (inv *ResilientInvoker) count(target, outcome string) {
	inv.metrics.IncrementCounter(metrics.Invocations.Name, metrics.Labels("target", target, "outcome", outcome))
}

// Breaker returns the breaker for target, creating it if needed
func (inv *ResilientInvoker) Breaker(target string) *CircuitBreaker {
	return inv.guardFor(target).breaker
}

// Limiter returns the rate limiter for target, creating it if needed
func (inv *ResilientInvoker) Limiter(target string) *RateLimiter {
	return inv.guardFor(target).limiter
}

// Stats returns breaker statistics for every target seen so far
func (inv *ResilientInvoker) Stats() []CircuitBreakerStats {
	inv.mu.Lock()
	targets := make([]string, 0, len(inv.guards))
	for name := range inv.guards {
		targets = append(targets, name)
	}
	inv.mu.Unlock()

	sort.Strings(targets)
	stats := make([]CircuitBreakerStats, 0, len(targets))
	for _, name := range targets {
		stats = append(stats, inv.guardFor(name).breaker.Stats())
	}
	return stats
}

// String renders a short summary, used by the CLI
func (s CircuitBreakerStats) String() string {
	return s.Name + " " + string(s.State) + " failures=" + strconv.Itoa(s.FailureCount)
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstPositiveDuration(values ...time.Duration) time.Duration {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
