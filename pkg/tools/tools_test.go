package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/taskmesh/pkg/metrics"
)

func echoTool(name string) *Func {
	return &Func{
		ToolName: name,
		Desc:     "echoes its input",
		Args: []ArgSpec{
			{Name: "text", Type: ArgString, Required: true},
			{Name: "times", Type: ArgInteger, Default: 1},
		},
		Fn: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return args["text"], nil
		},
	}
}

func TestRegistry(t *testing.T) {
	t.Run("Register and Get", func(t *testing.T) {
		reg := NewRegistry()
		require.NoError(t, reg.Register(echoTool("echo")))

		tool, ok := reg.Get("echo")
		require.True(t, ok)
		assert.Equal(t, "echo", tool.Name())
		assert.Equal(t, 1, reg.Count())
	})

	t.Run("Duplicate registration", func(t *testing.T) {
		reg := NewRegistry()
		require.NoError(t, reg.Register(echoTool("echo")))
		assert.Error(t, reg.Register(echoTool("echo")))
	})

	t.Run("Empty name", func(t *testing.T) {
		assert.Error(t, NewRegistry().Register(echoTool("")))
	})

	t.Run("List is sorted", func(t *testing.T) {
		reg := NewRegistry().MustRegister(echoTool("b"), echoTool("a"), echoTool("c"))
		assert.Equal(t, []string{"a", "b", "c"}, reg.List())
	})
}

func TestValidateArgs(t *testing.T) {
	specs := []ArgSpec{
		{Name: "query", Type: ArgString, Required: true, MaxLength: 10},
		{Name: "limit", Type: ArgInteger, Default: 5},
		{Name: "ratio", Type: ArgNumber},
		{Name: "style", Type: ArgString, Enum: []string{"markdown", "plain"}},
	}

	tests := []struct {
		name    string
		args    map[string]interface{}
		want    map[string]interface{}
		wantErr string
	}{
		{
			name: "defaults filled",
			args: map[string]interface{}{"query": "go"},
			want: map[string]interface{}{"query": "go", "limit": 5},
		},
		{
			name: "json numbers normalized",
			args: map[string]interface{}{"query": "go", "limit": float64(3), "ratio": 2},
			want: map[string]interface{}{"query": "go", "limit": 3, "ratio": float64(2)},
		},
		{
			name:    "missing required",
			args:    map[string]interface{}{},
			wantErr: "missing required argument",
		},
		{
			name:    "unknown argument",
			args:    map[string]interface{}{"query": "go", "path": "/etc"},
			wantErr: "unknown argument(s): path",
		},
		{
			name:    "too long",
			args:    map[string]interface{}{"query": "a rather long query"},
			wantErr: "exceeds 10 characters",
		},
		{
			name:    "wrong type",
			args:    map[string]interface{}{"query": 42},
			wantErr: "must be a string",
		},
		{
			name:    "fractional integer",
			args:    map[string]interface{}{"query": "go", "limit": 1.5},
			wantErr: "must be an integer",
		},
		{
			name:    "enum mismatch",
			args:    map[string]interface{}{"query": "go", "style": "html"},
			wantErr: "must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateArgs(specs, tt.args)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLocalExecutor(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		exec := NewLocalExecutor(NewRegistry().MustRegister(echoTool("echo")))

		result, err := exec.Execute(ctx, "echo", map[string]interface{}{"text": "hi"})
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, "hi", result.Output)
		assert.Equal(t, "echo_1", result.CallID)
	})

	t.Run("Unknown tool", func(t *testing.T) {
		exec := NewLocalExecutor(NewRegistry())

		result, err := exec.Execute(ctx, "missing", nil)
		var toolErr *ToolError
		require.True(t, errors.As(err, &toolErr))
		assert.Equal(t, ErrCodeToolNotFound, toolErr.Code)
		assert.False(t, result.Success)
		assert.False(t, toolErr.Transient())
	})

	t.Run("Invalid params", func(t *testing.T) {
		exec := NewLocalExecutor(NewRegistry().MustRegister(echoTool("echo")))

		_, err := exec.Execute(ctx, "echo", map[string]interface{}{"text": "hi", "rm": "-rf"})
		var toolErr *ToolError
		require.True(t, errors.As(err, &toolErr))
		assert.Equal(t, ErrCodeInvalidParams, toolErr.Code)
	})

	t.Run("Timeout is transient", func(t *testing.T) {
		slow := &Func{
			ToolName: "slow",
			Fn: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}
		exec := NewLocalExecutor(NewRegistry().MustRegister(slow))
		exec.SetDefaultTimeout(10 * time.Millisecond)

		_, err := exec.Execute(ctx, "slow", nil)
		var toolErr *ToolError
		require.True(t, errors.As(err, &toolErr))
		assert.Equal(t, ErrCodeTimeout, toolErr.Code)
		assert.True(t, toolErr.Transient())
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	})

	t.Run("Plain errors become execution errors", func(t *testing.T) {
		boom := errors.New("boom")
		tool := &Func{
			ToolName: "boom",
			Fn: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				return nil, boom
			},
		}
		exec := NewLocalExecutor(NewRegistry().MustRegister(tool))

		_, err := exec.Execute(ctx, "boom", nil)
		var toolErr *ToolError
		require.True(t, errors.As(err, &toolErr))
		assert.Equal(t, ErrCodeExecutionError, toolErr.Code)
		assert.True(t, errors.Is(err, boom))
	})

	t.Run("Compensate reaches the tool", func(t *testing.T) {
		var undone bool
		tool := echoTool("echo")
		tool.Undo = func(ctx context.Context, args map[string]interface{}, cause error) error {
			undone = true
			return nil
		}
		exec := NewLocalExecutor(NewRegistry().MustRegister(tool))

		require.NoError(t, exec.Compensate(ctx, "echo", nil, errors.New("failed")))
		assert.True(t, undone)
		assert.Error(t, exec.Compensate(ctx, "missing", nil, nil))
	})
}

func TestToolError(t *testing.T) {
	err := NewToolError(ErrCodeUnavailable, "backend down")
	assert.Equal(t, "UNAVAILABLE: backend down", err.Error())
	assert.True(t, err.Transient())

	err.Details = "retry later"
	assert.Equal(t, "UNAVAILABLE: backend down (retry later)", err.Error())

	assert.False(t, NewToolError(ErrCodePermissionDenied, "no").Transient())
}

func TestTracer(t *testing.T) {
	ctx := context.Background()
	failing := &Func{
		ToolName: "fail",
		Fn: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return nil, errors.New("nope")
		},
	}
	exec := NewLocalExecutor(NewRegistry().MustRegister(echoTool("echo"), failing))
	tracer := NewTracer(exec, metrics.NopCollector{})

	for i := 0; i < 3; i++ {
		_, err := tracer.Execute(ctx, "echo", map[string]interface{}{"text": "hi"})
		require.NoError(t, err)
	}
	_, err := tracer.Execute(ctx, "fail", nil)
	require.Error(t, err)

	t.Run("Stats", func(t *testing.T) {
		stats := tracer.Stats()
		assert.Equal(t, 4, stats.TotalCalls)
		assert.Equal(t, 3, stats.SuccessfulCalls)
		assert.Equal(t, 1, stats.FailedCalls)
		assert.InDelta(t, 75.0, stats.SuccessRate, 0.001)
		assert.Equal(t, []string{"echo", "fail"}, stats.ToolsUsed)

		echo := stats.PerTool["echo"]
		assert.Equal(t, 3, echo.Calls)
		assert.LessOrEqual(t, echo.MinDuration, echo.AvgDuration)
		assert.LessOrEqual(t, echo.AvgDuration, echo.MaxDuration)
	})

	t.Run("Filters", func(t *testing.T) {
		assert.Len(t, tracer.Calls(""), 4)
		assert.Len(t, tracer.Calls("echo"), 3)
		require.Len(t, tracer.Errors(), 1)
		assert.Equal(t, "fail", tracer.Errors()[0].ToolName)
		assert.Len(t, tracer.Slow(0), 4)
		assert.Empty(t, tracer.Slow(time.Hour))
	})

	t.Run("Health", func(t *testing.T) {
		health := tracer.Health()
		assert.Equal(t, Degraded, health.Status)
		assert.InDelta(t, 25.0, health.ErrorRate, 0.001)
		assert.Equal(t, 4, health.TotalCalls)
		assert.False(t, health.Timestamp.IsZero())
	})

	t.Run("ExportJSON", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, tracer.ExportJSON(&buf))

		var records []CallRecord
		require.NoError(t, json.Unmarshal(buf.Bytes(), &records))
		assert.Len(t, records, 4)
		assert.Equal(t, "echo_1", records[0].CallID)
	})

	t.Run("Reset", func(t *testing.T) {
		tracer.Reset()
		assert.Zero(t, tracer.Stats().TotalCalls)
		assert.Equal(t, Healthy, tracer.Health().Status)
	})
}

func TestHealthOf(t *testing.T) {
	tests := []struct {
		rate float64
		want HealthStatus
	}{
		{0, Healthy},
		{5, Healthy},
		{5.1, Warning},
		{20, Warning},
		{20.5, Degraded},
		{50, Degraded},
		{51, Critical},
		{100, Critical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HealthOf(tt.rate), "rate %.1f", tt.rate)
	}
}
