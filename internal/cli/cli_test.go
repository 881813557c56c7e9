package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/taskmesh/pkg/agent"
	"github.com/syntor/taskmesh/pkg/blackboard"
	"github.com/syntor/taskmesh/pkg/config"
	"github.com/syntor/taskmesh/pkg/logging"
	"github.com/syntor/taskmesh/pkg/manifest"
	"github.com/syntor/taskmesh/pkg/orchestrator"
)

const testConfig = `
logging:
  level: error
metrics:
  enabled: false
orchestrator:
  mode: hierarchical
  timeout_seconds: 5
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0644))
	return path
}

// execute runs the root command with fresh flag values
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgFile, verbose, jsonOutput = "", false, false
	runMode, runTimeout, runMaxRetries, runCircuitThreshold, runTeam = "", 0, 0, 0, ""
	initGlobal, initForce = false, false

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version", "--config", writeConfig(t))
	require.NoError(t, err)
	assert.Contains(t, out, "taskmesh dev")
}

func TestRunHierarchicalJSON(t *testing.T) {
	out, err := execute(t, "run", "--config", writeConfig(t), "--json", "search the archive then write a summary")
	require.NoError(t, err)

	var res struct {
		RunID  string             `json:"run_id"`
		Mode   string             `json:"mode"`
		Status string             `json:"status"`
		Result string             `json:"result"`
		Trace  orchestrator.Trace `json:"trace"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "hierarchical", res.Mode)
	assert.Equal(t, "complete", res.Status)
	assert.NotEmpty(t, res.RunID)
	assert.Len(t, res.Trace.Filter("dispatch"), 2)
}

func TestRunModes(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "run", "--config", cfg, "--mode", "PEER", "pick", "a", "database")
	require.NoError(t, err)
	assert.Contains(t, out, "peer")
	assert.Contains(t, out, "complete")
	assert.Contains(t, out, "peer-researcher:")

	out, err = execute(t, "run", "--config", cfg, "-m", "blackboard", "draft a release plan")
	require.NoError(t, err)
	assert.Contains(t, out, "converged: true")
	assert.Contains(t, out, `writer = writer: draft a release plan`)

	_, err = execute(t, "run", "--config", cfg, "--mode", "swarm", "anything")
	assert.ErrorIs(t, err, orchestrator.ErrUnknownMode)
}

func TestRunVerboseReportsToolHealth(t *testing.T) {
	out, err := execute(t, "run", "--config", writeConfig(t), "-v", "search the archive")
	require.NoError(t, err)
	assert.Contains(t, out, "tool calls: 1 (100% ok)")
	assert.Contains(t, out, "tool health: healthy (0.0% errors)")
}

func TestConfigCommands(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "config", "show", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "timeout_seconds: 5")
	assert.Contains(t, out, "level: error")

	target := filepath.Join(t.TempDir(), "nested", "config.yaml")
	out, err = execute(t, "config", "init", "--config", cfg, target)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+target)

	loaded, err := config.Load(target)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), *loaded)

	_, err = execute(t, "config", "init", "--config", cfg, target)
	assert.Error(t, err, "existing file needs --force")
	_, err = execute(t, "config", "init", "--config", cfg, "--force", target)
	assert.NoError(t, err)

	out, err = execute(t, "config", "path", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Explicit: "+cfg)
}

func TestBuildTeam(t *testing.T) {
	cfg := config.Default()
	team, err := BuildTeam(&cfg, DefaultTeam(), logging.NewNopLogger(), nil)
	require.NoError(t, err)

	reg := team.Registry
	assert.Len(t, reg.OfKind(agent.KindManager), 1)
	assert.Len(t, reg.OfKind(agent.KindWorker), 4)
	assert.Len(t, reg.OfKind(agent.KindPeer), 4)
	assert.Len(t, reg.OfKind(agent.KindBlackboard), 4)
	assert.Equal(t, []string{"coder", "researcher", "reviewer", "writer"}, reg.Roles())
	require.NotEmpty(t, reg.Candidates("researcher"))
	assert.Equal(t, "researcher-1", reg.Candidates("researcher")[0])
}

const deskYAML = `
apiVersion: taskmesh.dev/v1
kind: Team
metadata:
  name: desk
spec:
  agents:
    - name: lead
      kind: manager
    - name: searcher
      kind: worker
      role: researcher
      tools: [web_search]
    - name: alice
      kind: peer
      role: analyst
    - name: bob
      kind: peer
      role: analyst
      answerWindow: 200ms
`

func TestTeamManifests(t *testing.T) {
	cfg := writeConfig(t)
	desk := filepath.Join(t.TempDir(), "desk.yaml")
	require.NoError(t, os.WriteFile(desk, []byte(deskYAML), 0644))

	out, err := execute(t, "team", "validate", "--config", cfg, desk)
	require.NoError(t, err)
	assert.Contains(t, out, "desk: 4 agents, worker roles [researcher]")

	out, err = execute(t, "team", "show", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "name: board-writer")

	out, err = execute(t, "run", "--config", cfg, "--team", desk, "--json", "search the archive")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "complete"`)

	out, err = execute(t, "run", "--config", cfg, "--team", desk, "--mode", "peer", "pick a database")
	require.NoError(t, err)
	assert.Contains(t, out, "alice:")
	assert.Contains(t, out, "bob:")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(strings.Replace(deskYAML, "web_search", "teleport", 1)), 0644))
	_, err = execute(t, "team", "validate", "--config", cfg, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "teleport")
}

func TestConnectPeers(t *testing.T) {
	m := DefaultTeam()
	m.Spec.Agents = append(m.Spec.Agents, manifest.AgentSpec{Name: "loner", Kind: manifest.KindPeer, Role: "critic", Neighbors: []string{"peer-coder"}})
	cfg := config.Default()
	team, err := BuildTeam(&cfg, m, logging.NewNopLogger(), nil)
	require.NoError(t, err)

	get := func(name string) *agent.PeerAgent {
		a, ok := team.Registry.Get(name)
		require.True(t, ok)
		return a.(*agent.PeerAgent)
	}
	assert.Equal(t, []string{"peer-coder"}, get("loner").Neighbors())
	assert.Equal(t, []string{"loner", "peer-researcher", "peer-reviewer", "peer-writer"}, get("peer-coder").Neighbors())
	assert.Equal(t, []string{"peer-coder", "peer-reviewer", "peer-writer"}, get("peer-researcher").Neighbors())
}

func TestRenderResult(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	res := &orchestrator.RunResult{
		RunID:  "run-1",
		Mode:   orchestrator.ModeBlackboard,
		Status: orchestrator.StatusPartial,
		Err:    errors.New("deadline"),
		Result: orchestrator.BlackboardOutcome{
			Entries: map[string]blackboard.Entry{
				"b": {Value: "second"},
				"a": {Value: "first"},
			},
			Rounds: 2,
		},
		Trace: orchestrator.Trace{
			{Agent: "orchestrator", Action: "round", Detail: "1 writes=2", Timestamp: at},
		},
	}

	var buf bytes.Buffer
	RenderResult(&buf, res, DefaultStyles())
	out := buf.String()

	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "partial")
	assert.Contains(t, out, "deadline")
	assert.Contains(t, out, "Trace (1 entries)")
	assert.Contains(t, out, "03:04:05.000")
	assert.Contains(t, out, "1 writes=2")
	assert.Less(t, strings.Index(out, "a = first"), strings.Index(out, "b = second"))
	assert.Contains(t, out, "rounds: 2, converged: false")
}

func TestFormatPeerOutcome(t *testing.T) {
	got := formatResult(orchestrator.PeerOutcome{
		Contributions: map[string]string{"alice": "yes"},
		Failures:      map[string]string{"bob": "timeout"},
		Responded:     []string{"alice"},
		Missing:       []string{"bob"},
	})
	assert.Equal(t, "alice: yes\nbob: no contribution (timeout)", got)
}
