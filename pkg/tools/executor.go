package tools

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// LocalExecutor runs tools from a Registry in-process
type LocalExecutor struct {
	registry       *Registry
	defaultTimeout time.Duration
	calls          atomic.Int64
}

// NewLocalExecutor creates a new tool executor
func NewLocalExecutor(registry *Registry) *LocalExecutor {
	return &LocalExecutor{
		registry:       registry,
		defaultTimeout: 2 * time.Minute,
	}
}

// SetDefaultTimeout sets the per-call execution timeout
func (e *LocalExecutor) SetDefaultTimeout(d time.Duration) {
	if d > 0 {
		e.defaultTimeout = d
	}
}

// Execute validates args and runs the named tool under the default timeout
func (e *LocalExecutor) Execute(ctx context.Context, toolName string, args map[string]interface{}) (*ToolResult, error) {
	start := time.Now()
	result := &ToolResult{
		CallID:   fmt.Sprintf("%s_%d", toolName, e.calls.Add(1)),
		ToolName: toolName,
	}
	fail := func(toolErr *ToolError) (*ToolResult, error) {
		result.Error = toolErr
		result.Duration = time.Since(start)
		return result, toolErr
	}

	tool, ok := e.registry.Get(toolName)
	if !ok {
		return fail(NewToolError(ErrCodeToolNotFound, fmt.Sprintf("unknown tool: %s", toolName)))
	}

	validated, err := ValidateArgs(tool.Parameters(), args)
	if err != nil {
		return fail(NewToolError(ErrCodeInvalidParams, err.Error()))
	}

	execCtx, cancel := context.WithTimeout(ctx, e.defaultTimeout)
	defer cancel()

	output, err := tool.Execute(execCtx, validated)
	if err != nil {
		var toolErr *ToolError
		switch {
		case errors.As(err, &toolErr):
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded):
			toolErr = WrapToolError(ErrCodeTimeout, err)
		default:
			toolErr = WrapToolError(ErrCodeExecutionError, err)
		}
		return fail(toolErr)
	}

	result.Success = true
	result.Output = output
	result.Duration = time.Since(start)
	return result, nil
}

// Compensate asks the named tool to undo a failed call, when it supports it
func (e *LocalExecutor) Compensate(ctx context.Context, toolName string, args map[string]interface{}, cause error) error {
	tool, ok := e.registry.Get(toolName)
	if !ok {
		return NewToolError(ErrCodeToolNotFound, fmt.Sprintf("unknown tool: %s", toolName))
	}
	if c, ok := tool.(Compensator); ok {
		return c.Compensate(ctx, args, cause)
	}
	return nil
}
