package coordination

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParser(t *testing.T) {
	parser := NewParser()

	t.Run("Native object in fenced block", func(t *testing.T) {
		response := "Here is the plan:\n```json\n" +
			`{"subtasks":[{"id":"a","role":"researcher","description":"fetch A","critical":true},` +
			`{"id":"b","role":"writer","description":"combine $a with B"}]}` +
			"\n```\nDone."

		plan, err := parser.ParsePlan("fetch A then combine with B", response)
		require.NoError(t, err)
		require.Len(t, plan.SubTasks, 2)
		assert.Equal(t, "fetch A then combine with B", plan.Goal)
		assert.True(t, plan.SubTasks[0].Critical)
		assert.NotEmpty(t, plan.ID)
	})

	t.Run("Bare array with agent/task fields", func(t *testing.T) {
		plan, err := parser.ParsePlan("g", `[{"agent":"coder","task":"write it"},{"agent":"reviewer","task":"check $step1"}]`)
		require.NoError(t, err)
		assert.Equal(t, "step1", plan.SubTasks[0].ID)
		assert.Equal(t, "coder", plan.SubTasks[0].Role)
		assert.Equal(t, "write it", plan.SubTasks[0].Description)
		assert.Equal(t, []string{"step1"}, plan.Dependencies(plan.SubTasks[1]))
	})

	t.Run("JSON embedded in prose", func(t *testing.T) {
		plan, err := parser.ParsePlan("g", `I think {"steps":[{"step":3,"role":"coder","description":"x"}]} works`)
		require.NoError(t, err)
		assert.Equal(t, "step3", plan.SubTasks[0].ID)
	})

	t.Run("No JSON", func(t *testing.T) {
		_, err := parser.ParsePlan("g", "I cannot help with that")
		assert.ErrorIs(t, err, ErrNoPlan)
	})

	t.Run("Empty plan", func(t *testing.T) {
		_, err := parser.ParsePlan("g", `{"subtasks":[]}`)
		assert.ErrorIs(t, err, ErrEmptyPlan)
	})

	t.Run("Malformed JSON", func(t *testing.T) {
		_, err := parser.ParsePlan("g", "```json\n{\"subtasks\": [\n```")
		assert.Error(t, err)
	})

	t.Run("Oversized output", func(t *testing.T) {
		_, err := parser.ParsePlan("g", strings.Repeat("x", MaxPlanBytes+1))
		assert.Error(t, err)
	})

	t.Run("Round trip through MarshalPlan", func(t *testing.T) {
		plan := NewPlan("g",
			SubTask{ID: "a", Role: "researcher", Description: "fetch", Tool: "web_search", Arguments: map[string]interface{}{"query": "A"}},
			SubTask{ID: "b", Role: "writer", Description: "write", DependsOn: []string{"a"}},
		)
		text, err := MarshalPlan(plan)
		require.NoError(t, err)

		parsed, err := parser.ParsePlan("", text)
		require.NoError(t, err)
		assert.Equal(t, "g", parsed.Goal)
		assert.Equal(t, plan.SubTasks, parsed.SubTasks)
	})
}

func TestPlanValidate(t *testing.T) {
	roles := []string{"researcher", "writer"}

	tests := []struct {
		name    string
		tasks   []SubTask
		wantErr error
	}{
		{"valid", []SubTask{{ID: "a", Role: "researcher"}, {ID: "b", Role: "writer", DependsOn: []string{"a"}}}, nil},
		{"empty", nil, ErrEmptyPlan},
		{"duplicate", []SubTask{{ID: "a", Role: "writer"}, {ID: "a", Role: "writer"}}, ErrDuplicateStep},
		{"unknown role", []SubTask{{ID: "a", Role: "pilot"}}, ErrUnknownRole},
		{"unknown dependency", []SubTask{{ID: "a", Role: "writer", DependsOn: []string{"z"}}}, ErrUnknownDep},
		{"self dependency", []SubTask{{ID: "a", Role: "writer", DependsOn: []string{"a"}}}, ErrCycle},
		{"explicit cycle", []SubTask{
			{ID: "a", Role: "writer", DependsOn: []string{"b"}},
			{ID: "b", Role: "writer", DependsOn: []string{"a"}},
		}, ErrCycle},
		{"cycle through references", []SubTask{
			{ID: "a", Role: "writer", Description: "use {{b}}"},
			{ID: "b", Role: "writer", Description: "use $a"},
		}, ErrCycle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewPlan("g", tt.tasks...).Validate(roles)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}

	t.Run("roles unchecked when none given", func(t *testing.T) {
		assert.NoError(t, NewPlan("g", SubTask{ID: "a", Role: "pilot"}).Validate(nil))
	})
}

func TestReferences(t *testing.T) {
	st := SubTask{
		ID:          "c",
		Description: "combine $a with {{ b }} and $a again",
		Arguments: map[string]interface{}{
			"content": "{{a}}",
			"nested":  map[string]interface{}{"list": []interface{}{"$z", 3}},
		},
	}
	assert.Equal(t, []string{"a", "b", "z"}, References(st))

	t.Run("Resolve is single pass", func(t *testing.T) {
		resolved := Resolve(st, map[string]string{"a": "A($b)", "b": "B"})
		assert.Equal(t, "combine A($b) with B and A($b) again", resolved.Description)
		assert.Equal(t, "A($b)", resolved.Arguments["content"])

		nested := resolved.Arguments["nested"].(map[string]interface{})
		assert.Equal(t, "$z", nested["list"].([]interface{})[0])
	})

	t.Run("Resolve leaves the original untouched", func(t *testing.T) {
		Resolve(st, map[string]string{"a": "A"})
		assert.Equal(t, "{{a}}", st.Arguments["content"])
	})

	t.Run("Unknown ids are not dependencies", func(t *testing.T) {
		plan := NewPlan("g", SubTask{ID: "a"}, st)
		assert.Equal(t, []string{"a"}, plan.Dependencies(st))
		assert.True(t, plan.HasDependencies())
	})
}

func TestExecution(t *testing.T) {
	plan := NewPlan("g",
		SubTask{ID: "a", Role: "researcher", Description: "fetch A"},
		SubTask{ID: "b", Role: "researcher", Description: "fetch B"},
		SubTask{ID: "c", Role: "writer", Description: "combine $a and $b"},
	)
	exec := NewExecution(plan)
	now := time.Now()

	ready := exec.Ready()
	require.Len(t, ready, 2)
	assert.Equal(t, "a", ready[0].ID)
	assert.Equal(t, "b", ready[1].ID)

	exec.MarkDispatched("a", "r1", now)
	exec.MarkDispatched("b", "r2", now)
	assert.Empty(t, exec.Ready())
	assert.Equal(t, []string{"a", "b"}, exec.InFlight())

	exec.MarkSucceeded("a", "A", 1, now)
	assert.Empty(t, exec.Ready(), "c still waits on b")

	exec.MarkFailed("b", "boom", 3, now)
	assert.Empty(t, exec.Ready())
	require.Len(t, exec.Blocked(), 1)
	assert.Equal(t, "c", exec.Blocked()[0].ID)

	exec.MarkSkipped("c", "dependency b failed", now)
	assert.True(t, exec.IsComplete())
	assert.False(t, exec.Succeeded())

	succeeded, total := exec.Counts()
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 3, total)
	assert.InDelta(t, 33.33, exec.GetProgress(), 0.01)
	assert.Equal(t, map[string]string{"a": "A"}, exec.Outputs())

	t.Run("PartialAnswer", func(t *testing.T) {
		text := PartialAnswer(exec)
		assert.Contains(t, text, "Completed 1 of 3 sub-tasks")
		assert.Contains(t, text, "+ fetch A: A")
		assert.Contains(t, text, "- fetch B: boom")
		assert.Contains(t, text, "2 sub-tasks did not complete")
	})

	t.Run("FailureContext", func(t *testing.T) {
		failures := FailureContext(exec)
		assert.Equal(t, []string{"sub-task b (researcher) failed: boom"}, failures)

		goal := WithFailureContext("fetch A and fetch B", failures)
		assert.Contains(t, goal, "Previous attempt failed:\n- sub-task b")
		assert.Equal(t, goal, WithFailureContext(goal, failures), "context is not stacked")
		assert.Equal(t, "fetch A and fetch B", StripFailureContext(goal))
		assert.Equal(t, "g", WithFailureContext("g", nil))
	})

	t.Run("Concatenate", func(t *testing.T) {
		assert.Equal(t, "A", Concatenate(exec))
	})
}

func TestPlanOrder(t *testing.T) {
	plan := NewPlan("g",
		SubTask{ID: "c", Description: "needs $b"},
		SubTask{ID: "a"},
		SubTask{ID: "b", DependsOn: []string{"a"}},
	)
	order, err := plan.Order()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestFormatPlanForDisplay(t *testing.T) {
	plan := NewPlan("ship it",
		SubTask{ID: "a", Role: "coder", Description: "write", Critical: true},
		SubTask{ID: "b", Role: "reviewer", Description: "review $a"},
	)
	out := FormatPlanForDisplay(plan, true)
	assert.Contains(t, out, "Plan: ship it")
	assert.Contains(t, out, "Roles: 2 | Sub-tasks: 2")
	assert.Contains(t, out, "a. [coder] write [critical]")
	assert.Contains(t, out, "b. [reviewer] review $a (after a)")
}
