// Package manifest describes agent teams in YAML.
package manifest

import (
	"time"
)

const (
	APIVersion = "taskmesh.dev/v1"
	KindTeam   = "Team"
)

// TeamManifest defines the agents of one team
type TeamManifest struct {
	APIVersion string   `yaml:"apiVersion" json:"apiVersion"`
	Kind       string   `yaml:"kind" json:"kind"`
	Metadata   TeamMeta `yaml:"metadata" json:"metadata"`
	Spec       TeamSpec `yaml:"spec" json:"spec"`
}

// TeamMeta contains team identification
type TeamMeta struct {
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
}

// TeamSpec lists the agents
type TeamSpec struct {
	Agents []AgentSpec `yaml:"agents" json:"agents"`
}

// AgentKind selects the agent variant
type AgentKind string

const (
	KindManager    AgentKind = "manager"
	KindWorker     AgentKind = "worker"
	KindPeer       AgentKind = "peer"
	KindBlackboard AgentKind = "blackboard"
)

// AgentSpec defines one agent
type AgentSpec struct {
	Name  string    `yaml:"name" json:"name"`
	Kind  AgentKind `yaml:"kind" json:"kind"`
	Role  string    `yaml:"role,omitempty" json:"role,omitempty"`
	Tools []string  `yaml:"tools,omitempty" json:"tools,omitempty"`

	// Peers only. Empty means every other peer of the team.
	Neighbors    []string `yaml:"neighbors,omitempty" json:"neighbors,omitempty"`
	AnswerWindow string   `yaml:"answerWindow,omitempty" json:"answerWindow,omitempty"`

	// Managers only
	Critical   bool `yaml:"critical,omitempty" json:"critical,omitempty"`
	MaxReplans int  `yaml:"maxReplans,omitempty" json:"maxReplans,omitempty"`
}

// Window parses AnswerWindow, returning fallback when it is unset
func (a AgentSpec) Window(fallback time.Duration) time.Duration {
	if a.AnswerWindow == "" {
		return fallback
	}
	d, err := time.ParseDuration(a.AnswerWindow)
	if err != nil {
		return fallback
	}
	return d
}

// Agents returns the agents of kind, in declaration order
func (m *TeamManifest) Agents(kind AgentKind) []AgentSpec {
	var out []AgentSpec
	for _, a := range m.Spec.Agents {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// Names returns every agent name, in declaration order
func (m *TeamManifest) Names() []string {
	names := make([]string, len(m.Spec.Agents))
	for i, a := range m.Spec.Agents {
		names[i] = a.Name
	}
	return names
}

// HasAgent checks if the team declares an agent called name
func (m *TeamManifest) HasAgent(name string) bool {
	for _, a := range m.Spec.Agents {
		if a.Name == name {
			return true
		}
	}
	return false
}
