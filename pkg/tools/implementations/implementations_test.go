package implementations

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/taskmesh/pkg/resilience"
	"github.com/syntor/taskmesh/pkg/tools"
)

func newExecutor(t *testing.T) *tools.LocalExecutor {
	t.Helper()
	reg := tools.NewRegistry()
	require.NoError(t, RegisterAll(reg))
	return tools.NewLocalExecutor(reg)
}

func TestRegisterAll(t *testing.T) {
	reg := tools.NewRegistry()
	require.NoError(t, RegisterAll(reg))
	assert.ElementsMatch(t, DefaultToolNames(), reg.List())

	for role, names := range RoleTools() {
		for _, name := range names {
			_, ok := reg.Get(name)
			assert.True(t, ok, "role %s references unknown tool %s", role, name)
		}
	}
}

func TestBuiltinTools(t *testing.T) {
	exec := newExecutor(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		tool     string
		args     map[string]interface{}
		contains string
	}{
		{"web search hit", "web_search", map[string]interface{}{"query": "What is Machine Learning?"}, "subset of AI"},
		{"web search miss", "web_search", map[string]interface{}{"query": "gardening"}, "Search results for 'gardening'"},
		{"database hit", "search_database", map[string]interface{}{"query": "error handling tips"}, "Error handling"},
		{"database miss", "search_database", map[string]interface{}{"query": "zzz"}, "Found 4 related entries"},
		{"code structure", "code_executor", map[string]interface{}{"code": "def main():\n  pass"}, "structure looks valid"},
		{"code imports", "code_executor", map[string]interface{}{"code": "import os"}, "includes imports"},
		{"validate short", "validate", map[string]interface{}{"content": "tiny"}, "quite short"},
		{"validate issues", "validate", map[string]interface{}{"content": "this report lists one problem"}, "issue mentions"},
		{"format markdown", "format_document", map[string]interface{}{"content": "body"}, "# Document\n\nbody"},
		{"format plain", "format_document", map[string]interface{}{"content": "body", "style": "plain"}, "body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := exec.Execute(ctx, tt.tool, tt.args)
			require.NoError(t, err)
			assert.Contains(t, result.Output, tt.contains)
		})
	}

	t.Run("rejects unknown style", func(t *testing.T) {
		_, err := exec.Execute(ctx, "format_document", map[string]interface{}{"content": "x", "style": "html"})
		var toolErr *tools.ToolError
		require.True(t, errors.As(err, &toolErr))
		assert.Equal(t, tools.ErrCodeInvalidParams, toolErr.Code)
	})
}

func TestFaultTools(t *testing.T) {
	ctx := context.Background()

	t.Run("Flaky fails transiently then succeeds", func(t *testing.T) {
		flaky := NewFlakyTool("flaky", 2, "ok")
		exec := tools.NewLocalExecutor(tools.NewRegistry().MustRegister(flaky))

		for i := 0; i < 2; i++ {
			_, err := exec.Execute(ctx, "flaky", nil)
			require.Error(t, err)
			assert.True(t, resilience.IsTransient(err))
		}
		result, err := exec.Execute(ctx, "flaky", nil)
		require.NoError(t, err)
		assert.Equal(t, "ok", result.Output)
		assert.Equal(t, 3, flaky.Calls())
	})

	t.Run("Slow honours cancellation", func(t *testing.T) {
		slow := NewSlowTool("slow", time.Second, "late")
		ctx, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err := slow.Execute(ctx, nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})

	t.Run("Failing is permanent", func(t *testing.T) {
		_, err := NewFailingTool("broken", "no route").Execute(ctx, nil)
		require.Error(t, err)
		assert.False(t, resilience.IsTransient(err))
	})
}
