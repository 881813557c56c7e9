package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/taskmesh/pkg/agent"
	"github.com/syntor/taskmesh/pkg/models"
	"github.com/syntor/taskmesh/pkg/tools"
)

func worker(name, role string, toolNames ...string) *agent.Worker {
	return agent.NewWorker(agent.WorkerConfig{Name: name, Role: role, Tools: toolNames, Executor: tools.NewLocalExecutor(tools.NewRegistry())})
}

func TestRegister(t *testing.T) {
	r := New()
	m := agent.NewManager(agent.ManagerConfig{Name: "manager", Directory: r})
	require.NoError(t, r.Register(m, worker("w1", "researcher", "web_search"), worker("w2", "writer")))

	assert.Equal(t, 3, r.Len())
	assert.True(t, r.Has("w1"))
	assert.False(t, r.Has("w9"))

	assert.ErrorIs(t, r.Register(worker("w1", "coder")), ErrDuplicateAgent)
	assert.ErrorIs(t, r.Register(worker(models.OrchestratorID, "coder")), ErrReservedName)
	assert.ErrorIs(t, r.Register(worker(models.Broadcast, "coder")), ErrReservedName)

	entries := r.List()
	require.Len(t, entries, 3)
	assert.Equal(t, "manager", entries[0].Kind)
	assert.Equal(t, []string{"web_search"}, entries[1].Tools)

	assert.Len(t, r.OfKind(agent.KindWorker), 2)
	assert.Len(t, r.OfKind(agent.KindManager), 1)
	assert.Empty(t, r.OfKind(agent.KindPeer))

	require.NoError(t, r.Deregister("w2"))
	assert.ErrorIs(t, r.Deregister("w2"), ErrUnknownAgent)
	assert.Equal(t, []string{"researcher"}, r.Roles())
}

func TestCandidates(t *testing.T) {
	r := New().MustRegister(
		worker("w1", "researcher"),
		worker("w2", "senior researcher"),
		worker("w3", "Researcher"),
		worker("w4", "writer"),
		agent.NewPeer(agent.PeerConfig{Name: "p1", Role: "researcher"}),
	)

	assert.Equal(t, []string{"w1", "w3", "w2"}, r.Candidates("researcher"), "exact matches first, peers excluded")
	assert.Equal(t, []string{"w4"}, r.Candidates("writer"))
	assert.Empty(t, r.Candidates("astronaut"))
	assert.Equal(t, []string{"Researcher", "researcher", "senior researcher", "writer"}, r.Roles())
}

func TestRoleMatcher(t *testing.T) {
	m := NewRoleMatcher()
	tests := []struct {
		required, offered string
		score             float64
	}{
		{"coder", "coder", 1},
		{"Coder", "coder", 1},
		{"coder", "senior coder", 0.9},
		{"code reviewer", "reviewer", 0.45},
		{"coder", "writer", 0},
		{"", "writer", 0},
	}
	for _, tt := range tests {
		t.Run(tt.required+"/"+tt.offered, func(t *testing.T) {
			assert.InDelta(t, tt.score, m.Score(tt.required, tt.offered), 0.001)
		})
	}
	assert.True(t, m.Match("coder", "senior coder"))
	assert.False(t, m.Match("code reviewer", "reviewer"))
}
