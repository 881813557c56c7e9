package tools

import (
	"context"
	"fmt"
	"time"
)

// ToolResult represents the result of executing a tool
type ToolResult struct {
	CallID   string        `json:"call_id"`
	ToolName string        `json:"tool_name"`
	Success  bool          `json:"success"`
	Output   interface{}   `json:"output,omitempty"`
	Error    *ToolError    `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ToolError represents an error during tool execution
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *ToolError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ToolError) Unwrap() error { return e.cause }

// Transient reports whether the failure is worth retrying
func (e *ToolError) Transient() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeRateLimited:
		return true
	}
	return false
}

// NewToolError creates a tool error with the given code
func NewToolError(code, message string) *ToolError {
	return &ToolError{Code: code, Message: message}
}

// WrapToolError creates a tool error that keeps cause for errors.Is
func WrapToolError(code string, cause error) *ToolError {
	return &ToolError{Code: code, Message: cause.Error(), cause: cause}
}

// Common error codes
const (
	ErrCodeToolNotFound     = "TOOL_NOT_FOUND"
	ErrCodeInvalidParams    = "INVALID_PARAMS"
	ErrCodeExecutionError   = "EXECUTION_ERROR"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeUnavailable      = "UNAVAILABLE"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
)

// Tool is the interface all tools must implement
type Tool interface {
	Name() string
	Description() string

	// Parameters describes the accepted arguments; they are checked before
	// Execute is called.
	Parameters() []ArgSpec

	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// Compensator is implemented by tools whose side effects can be undone
// after a failed call.
type Compensator interface {
	Compensate(ctx context.Context, args map[string]interface{}, cause error) error
}

// Executor runs a named tool. A failed call returns its *ToolError as err;
// the result is still populated for tracing.
type Executor interface {
	Execute(ctx context.Context, toolName string, args map[string]interface{}) (*ToolResult, error)
}

// Compensating is implemented by executors that can forward compensation
// requests to the tools they run.
type Compensating interface {
	Compensate(ctx context.Context, toolName string, args map[string]interface{}, cause error) error
}

// Func adapts a function into a Tool
type Func struct {
	ToolName string
	Desc     string
	Args     []ArgSpec
	Fn       func(ctx context.Context, args map[string]interface{}) (interface{}, error)
	Undo     func(ctx context.Context, args map[string]interface{}, cause error) error
}

func (f *Func) Name() string          { return f.ToolName }
func (f *Func) Description() string   { return f.Desc }
func (f *Func) Parameters() []ArgSpec { return f.Args }

func (f *Func) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return f.Fn(ctx, args)
}

func (f *Func) Compensate(ctx context.Context, args map[string]interface{}, cause error) error {
	if f.Undo == nil {
		return nil
	}
	return f.Undo(ctx, args, cause)
}
