package implementations

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/syntor/taskmesh/pkg/tools"
)

// FlakyTool fails with a transient error for its first Failures calls and
// succeeds afterwards. It is used to exercise retry paths.
type FlakyTool struct {
	ToolName string
	Failures int
	Output   interface{}

	mu    sync.Mutex
	calls int
}

// NewFlakyTool creates a tool that fails transiently failures times
func NewFlakyTool(name string, failures int, output interface{}) *FlakyTool {
	return &FlakyTool{ToolName: name, Failures: failures, Output: output}
}

func (t *FlakyTool) Name() string                { return t.ToolName }
func (t *FlakyTool) Description() string         { return "Fails transiently before succeeding." }
func (t *FlakyTool) Parameters() []tools.ArgSpec { return nil }

func (t *FlakyTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	t.mu.Lock()
	t.calls++
	n := t.calls
	t.mu.Unlock()

	if n <= t.Failures {
		return nil, tools.NewToolError(tools.ErrCodeUnavailable, fmt.Sprintf("%s unavailable (call %d)", t.ToolName, n))
	}
	return t.Output, nil
}

// Calls returns how many times the tool ran
func (t *FlakyTool) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// SlowTool sleeps for Delay before returning Output. It stops early when
// the context is done.
type SlowTool struct {
	ToolName string
	Delay    time.Duration
	Output   interface{}
}

// NewSlowTool creates a tool that takes delay to complete
func NewSlowTool(name string, delay time.Duration, output interface{}) *SlowTool {
	return &SlowTool{ToolName: name, Delay: delay, Output: output}
}

func (t *SlowTool) Name() string                { return t.ToolName }
func (t *SlowTool) Description() string         { return "Takes a fixed time to complete." }
func (t *SlowTool) Parameters() []tools.ArgSpec { return nil }

func (t *SlowTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	timer := time.NewTimer(t.Delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return t.Output, nil
	}
}

// FailingTool always fails with a permanent error
type FailingTool struct {
	ToolName string
	Message  string
}

// NewFailingTool creates a tool that always fails
func NewFailingTool(name, message string) *FailingTool {
	return &FailingTool{ToolName: name, Message: message}
}

func (t *FailingTool) Name() string                { return t.ToolName }
func (t *FailingTool) Description() string         { return "Always fails." }
func (t *FailingTool) Parameters() []tools.ArgSpec { return nil }

func (t *FailingTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return nil, tools.NewToolError(tools.ErrCodeExecutionError, t.Message)
}
