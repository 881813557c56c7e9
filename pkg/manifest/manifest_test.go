package manifest

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const teamYAML = `
apiVersion: taskmesh.dev/v1
kind: Team
metadata:
  name: research-desk
spec:
  agents:
    - name: lead
      kind: manager
      critical: true
      maxReplans: 2
    - name: researcher-1
      kind: worker
      role: researcher
      tools: [web_search]
    - name: alice
      kind: peer
      role: analyst
      answerWindow: 250ms
      neighbors: [bob]
    - name: bob
      kind: peer
      role: analyst
    - name: drafter
      kind: blackboard
      role: draft
`

func TestParse(t *testing.T) {
	m, err := Parse([]byte(teamYAML))
	require.NoError(t, err)

	assert.Equal(t, "research-desk", m.Metadata.Name)
	assert.Equal(t, []string{"lead", "researcher-1", "alice", "bob", "drafter"}, m.Names())
	assert.Len(t, m.Agents(KindPeer), 2)
	assert.True(t, m.HasAgent("drafter"))
	assert.False(t, m.HasAgent("carol"))

	lead := m.Agents(KindManager)[0]
	assert.True(t, lead.Critical)
	assert.Equal(t, 2, lead.MaxReplans)

	alice := m.Agents(KindPeer)[0]
	assert.Equal(t, 250*time.Millisecond, alice.Window(time.Second))
	assert.Equal(t, time.Second, m.Agents(KindPeer)[1].Window(time.Second))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		edit func(*TeamManifest)
		want string
	}{
		{"wrong api version", func(m *TeamManifest) { m.APIVersion = "v0" }, "unsupported apiVersion"},
		{"wrong kind", func(m *TeamManifest) { m.Kind = "Agent" }, "invalid kind"},
		{"bad team name", func(m *TeamManifest) { m.Metadata.Name = "Research" }, "metadata.name"},
		{"duplicate agent", func(m *TeamManifest) { m.Spec.Agents[1].Name = "lead" }, "declared twice"},
		{"worker without tools", func(m *TeamManifest) { m.Spec.Agents[1].Tools = nil }, "at least one tool"},
		{"unknown kind", func(m *TeamManifest) { m.Spec.Agents[0].Kind = "boss" }, "invalid spec.agents[0].kind"},
		{"neighbor is not a peer", func(m *TeamManifest) { m.Spec.Agents[2].Neighbors = []string{"lead"} }, "is not a peer"},
		{"self neighbor", func(m *TeamManifest) { m.Spec.Agents[2].Neighbors = []string{"alice"} }, "itself"},
		{"bad window", func(m *TeamManifest) { m.Spec.Agents[2].AnswerWindow = "soon" }, "answerWindow"},
		{"blackboard without role", func(m *TeamManifest) { m.Spec.Agents[4].Role = "" }, "board key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Parse([]byte(teamYAML))
			require.NoError(t, err)
			tt.edit(m)

			err = Validate(m)
			require.Error(t, err)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	m, err := Parse([]byte(teamYAML))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "teams", "desk.yaml")
	require.NoError(t, Save(path, m))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, m, loaded)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	m.Kind = ""
	assert.Error(t, Save(path, m))
}

func TestCheckTools(t *testing.T) {
	m, err := Parse([]byte(teamYAML))
	require.NoError(t, err)

	assert.NoError(t, CheckTools(m, func(name string) bool { return name == "web_search" }))
	err = CheckTools(m, func(string) bool { return false })
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown tool "web_search"`)
}
