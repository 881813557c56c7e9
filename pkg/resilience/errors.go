package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
	ErrRateLimited = errors.New("rate limited")

	// ErrTargetRateLimited is reported by a target that throttled the call
	// itself. Unlike ErrRateLimited it is transient and retried.
	ErrTargetRateLimited = errors.New("target reported rate limit")

	// ErrCoordination marks failures of the coordination protocol itself.
	// Sentinels such as no-consensus or replan-exhausted wrap it.
	ErrCoordination = errors.New("coordination failure")
)

// Class is the error taxonomy used to decide retry and propagation.
type Class string

const (
	ClassTransient    Class = "transient"
	ClassRejected     Class = "rejected"
	ClassPermanent    Class = "permanent"
	ClassCoordination Class = "coordination"
)

// RateLimitedError is returned when admission control refuses a call
type RateLimitedError struct {
	Target     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s, retry after %s", e.Target, e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// CircuitOpenError is returned when the target's breaker rejects a call
type CircuitOpenError struct {
	Target     string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry after %s", e.Target, e.RetryAfter)
}

func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }

// OperationFailedError is the final failure of a protected call
type OperationFailedError struct {
	Target   string
	LastErr  error
	Attempts int
}

func (e *OperationFailedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Target, e.Attempts, e.LastErr)
}

func (e *OperationFailedError) Unwrap() error { return e.LastErr }

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Transient marks err as eligible for retry
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Permanent marks err as never retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsTransient reports whether err belongs to a class the invoker retries:
// timeouts, connection errors and target-reported throttling.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var p *permanentError
	if errors.As(err, &p) {
		return false
	}
	var t *transientError
	if errors.As(err, &t) {
		return true
	}

	var marked interface{ Transient() bool }
	if errors.As(err, &marked) {
		return marked.Transient()
	}

	if errors.Is(err, ErrTargetRateLimited) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// IsRejected reports whether err came from a guard rather than the target
func IsRejected(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrCircuitOpen)
}

// Classify maps err onto the error taxonomy
func Classify(err error) Class {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCoordination):
		return ClassCoordination
	case IsRejected(err):
		return ClassRejected
	case IsTransient(err):
		return ClassTransient
	default:
		return ClassPermanent
	}
}
