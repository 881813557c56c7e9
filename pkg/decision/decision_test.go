package decision

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/taskmesh/pkg/coordination"
)

func TestDecisionValidate(t *testing.T) {
	tests := []struct {
		name    string
		d       Decision
		allowed []Action
		wantErr bool
	}{
		{"answer", Answer("ok"), nil, false},
		{"allowed delegate", Delegate("{}"), []Action{ActionDelegate}, false},
		{"unknown action", Decision{Action: "launch", Payload: "x"}, nil, true},
		{"disallowed action", Answer("x"), []Action{ActionDelegate}, true},
		{"empty payload", Answer(""), nil, true},
		{"oversized payload", Answer(strings.Repeat("a", MaxPayloadBytes+1)), nil, true},
		{"invalid utf8", Answer("\xff\xfe"), nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.d.Validate(tt.allowed...)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidDecision)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestScripted(t *testing.T) {
	ctx := context.Background()
	s := NewScripted(Delegate("plan"), Answer("done"))

	d, err := s.Decide(ctx, Context{Stage: StageDecompose})
	require.NoError(t, err)
	assert.Equal(t, ActionDelegate, d.Action)

	d, err = s.Decide(ctx, Context{Stage: StageSynthesize})
	require.NoError(t, err)
	assert.Equal(t, "done", d.Payload)
	assert.Zero(t, s.Remaining())

	_, err = s.Decide(ctx, Context{})
	assert.ErrorIs(t, err, ErrScriptExhausted)
	assert.Len(t, s.Seen(), 3)

	s.Fallback = Func(func(ctx context.Context, dc Context) (Decision, error) {
		return Answer("fallback"), nil
	})
	d, err = s.Decide(ctx, Context{})
	require.NoError(t, err)
	assert.Equal(t, "fallback", d.Payload)
}

func TestRuleBasedPlan(t *testing.T) {
	r := NewRuleBased()
	roles := []string{"researcher", "coder", "reviewer", "writer"}

	t.Run("Sequential stages reference earlier outputs", func(t *testing.T) {
		plan, err := r.Plan("fetch A then combine with B", roles)
		require.NoError(t, err)
		require.Len(t, plan.SubTasks, 2)

		first, second := plan.SubTasks[0], plan.SubTasks[1]
		assert.Equal(t, "researcher", first.Role)
		assert.Equal(t, "web_search", first.Tool)
		assert.Equal(t, "writer", second.Role)
		assert.Equal(t, "combine with B\n\n{{s1}}", second.Arguments["content"])
		assert.Equal(t, []string{"s1"}, plan.Dependencies(second))
		assert.NoError(t, plan.Validate(roles))
	})

	t.Run("Parallel parts when every part matches", func(t *testing.T) {
		plan, err := r.Plan("research Go and write code, then review", roles)
		require.NoError(t, err)
		require.Len(t, plan.SubTasks, 3)
		assert.Empty(t, plan.Dependencies(plan.SubTasks[0]))
		assert.Empty(t, plan.Dependencies(plan.SubTasks[1]))
		assert.Equal(t, "coder", plan.SubTasks[1].Role)
		assert.Equal(t, []string{"s1", "s2"}, plan.Dependencies(plan.SubTasks[2]))
	})

	t.Run("Clauses with unmatched parts stay whole", func(t *testing.T) {
		plan, err := r.Plan("search cats and dogs", roles)
		require.NoError(t, err)
		require.Len(t, plan.SubTasks, 1)
		assert.Equal(t, "search cats and dogs", plan.SubTasks[0].Description)
	})

	t.Run("Unknown clauses use the default role", func(t *testing.T) {
		plan, err := r.Plan("ponder", []string{"writer"})
		require.NoError(t, err)
		assert.Equal(t, "writer", plan.SubTasks[0].Role)
	})

	t.Run("Empty goal", func(t *testing.T) {
		_, err := r.Plan("  ", roles)
		assert.ErrorIs(t, err, ErrInvalidDecision)
	})
}

func TestRuleBasedDecide(t *testing.T) {
	ctx := context.Background()
	r := NewRuleBased()

	d, err := r.Decide(ctx, Context{Stage: StageDecompose, Goal: "find docs then summarize"})
	require.NoError(t, err)
	require.NoError(t, d.Validate(ActionDelegate))

	plan, err := coordination.NewParser().ParsePlan("find docs then summarize", d.Payload)
	require.NoError(t, err)
	assert.Len(t, plan.SubTasks, 2)

	d, err = r.Decide(ctx, Context{Stage: StageSynthesize, Inputs: []Input{{ID: "s1", Text: "one"}, {ID: "s2", Text: "two"}}})
	require.NoError(t, err)
	assert.Equal(t, "one\n\ntwo", d.Payload)

	d, err = r.Decide(ctx, Context{Stage: StageCollaborate, Agent: "p1", Role: "analyst", Goal: "g", Inputs: []Input{{Source: "p2", Text: "hi"}}})
	require.NoError(t, err)
	assert.Contains(t, d.Payload, "- p2: hi")

	_, err = r.Decide(ctx, Context{Stage: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidDecision)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = r.Decide(canceled, Context{Stage: StageAnswer})
	assert.ErrorIs(t, err, context.Canceled)
}
