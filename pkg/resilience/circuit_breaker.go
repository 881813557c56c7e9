package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/syntor/taskmesh/pkg/models"
)

// CircuitBreaker guards one target. Transitions out of OPEN are evaluated
// lazily when a call arrives; there is no background timer.
type CircuitBreaker struct {
	name            string
	state           models.CircuitState
	failureCount    int
	openedAt        time.Time
	lastStateChange time.Time
	probeInFlight   bool

	failureThreshold int
	recoveryTimeout  time.Duration

	clock         Clock
	onStateChange func(name string, from, to models.CircuitState)

	mu sync.Mutex
}

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int           // Final failures before opening
	RecoveryTimeout  time.Duration // Time in OPEN before a probe is allowed
	Clock            Clock
	OnStateChange    func(name string, from, to models.CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// NewCircuitBreaker creates a new circuit breaker in the CLOSED state
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if config.Clock == nil {
		config.Clock = SystemClock
	}
	return &CircuitBreaker{
		name:             config.Name,
		state:            models.CircuitClosed,
		failureThreshold: config.FailureThreshold,
		recoveryTimeout:  config.RecoveryTimeout,
		clock:            config.Clock,
		onStateChange:    config.OnStateChange,
		lastStateChange:  config.Clock.Now(),
	}
}

// Execute runs fn with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.Record(err == nil)
	return err
}

// Allow asks for permission to call the target. A nil return must be
// followed by exactly one Record or Release. In HALF_OPEN only the caller
// that performed the OPEN to HALF_OPEN transition gets permission.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case models.CircuitOpen:
		elapsed := cb.clock.Now().Sub(cb.openedAt)
		if elapsed < cb.recoveryTimeout {
			return &CircuitOpenError{Target: cb.name, RetryAfter: cb.recoveryTimeout - elapsed}
		}
		cb.transitionTo(models.CircuitHalfOpen)
		cb.probeInFlight = true
		return nil

	case models.CircuitHalfOpen:
		if cb.probeInFlight {
			return &CircuitOpenError{Target: cb.name}
		}
		cb.probeInFlight = true
		return nil
	}

	return nil
}

// Record reports the final outcome of a permitted call
func (cb *CircuitBreaker) Record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		cb.failureCount = 0
		if cb.state == models.CircuitHalfOpen {
			cb.transitionTo(models.CircuitClosed)
		}
		return
	}

	cb.failureCount++
	switch cb.state {
	case models.CircuitClosed:
		if cb.failureCount >= cb.failureThreshold {
			cb.transitionTo(models.CircuitOpen)
		}
	case models.CircuitHalfOpen:
		cb.transitionTo(models.CircuitOpen)
	}
}

// Release returns a permission without an outcome, for calls abandoned by
// their caller. A released probe lets the next call probe instead.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == models.CircuitHalfOpen {
		cb.probeInFlight = false
	}
}

func (cb *CircuitBreaker) transitionTo(newState models.CircuitState) {
	oldState := cb.state
	if oldState == newState {
		return
	}
	cb.state = newState
	cb.lastStateChange = cb.clock.Now()

	switch newState {
	case models.CircuitClosed:
		cb.failureCount = 0
		cb.probeInFlight = false
		cb.openedAt = time.Time{}
	case models.CircuitOpen:
		cb.openedAt = cb.lastStateChange
		cb.probeInFlight = false
	}

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, oldState, newState)
	}
}

// State returns the current circuit breaker state. It does not evaluate the
// recovery timeout; an expired OPEN breaker reports OPEN until called.
func (cb *CircuitBreaker) State() models.CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the circuit breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// FailureCount returns the current failure count
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(models.CircuitClosed)
	cb.failureCount = 0
}

// ForceOpen manually opens the circuit breaker
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(models.CircuitOpen)
}

// CircuitBreakerStats is a point-in-time copy of breaker state
type CircuitBreakerStats struct {
	Name            string              `json:"name"`
	State           models.CircuitState `json:"state"`
	FailureCount    int                 `json:"failure_count"`
	OpenedAt        time.Time           `json:"opened_at,omitempty"`
	LastStateChange time.Time           `json:"last_state_change"`
	ProbeInFlight   bool                `json:"probe_in_flight"`
}

func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		Name:            cb.name,
		State:           cb.state,
		FailureCount:    cb.failureCount,
		OpenedAt:        cb.openedAt,
		LastStateChange: cb.lastStateChange,
		ProbeInFlight:   cb.probeInFlight,
	}
}
