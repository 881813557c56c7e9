package manifest

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a manifest validation error
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("manifest validation failed:\n  - %s", strings.Join(e.Problems, "\n  - "))
}

// Validate checks the envelope, agent names and per-kind fields
func Validate(m *TeamManifest) error {
	var problems []string

	if m.APIVersion == "" {
		problems = append(problems, "apiVersion is required")
	} else if m.APIVersion != APIVersion {
		problems = append(problems, fmt.Sprintf("unsupported apiVersion: %s (expected %s)", m.APIVersion, APIVersion))
	}

	if m.Kind == "" {
		problems = append(problems, "kind is required")
	} else if m.Kind != KindTeam {
		problems = append(problems, fmt.Sprintf("invalid kind: %s (expected %s)", m.Kind, KindTeam))
	}

	if m.Metadata.Name == "" {
		problems = append(problems, "metadata.name is required")
	} else if !isValidName(m.Metadata.Name) {
		problems = append(problems, "metadata.name must be lowercase alphanumeric with hyphens")
	}

	if len(m.Spec.Agents) == 0 {
		problems = append(problems, "spec.agents must have at least one agent")
	}
	seen := make(map[string]bool, len(m.Spec.Agents))
	for i, a := range m.Spec.Agents {
		field := fmt.Sprintf("spec.agents[%d]", i)
		switch {
		case a.Name == "":
			problems = append(problems, field+".name is required")
		case !isValidName(a.Name):
			problems = append(problems, fmt.Sprintf("%s.name %q must be lowercase alphanumeric with hyphens", field, a.Name))
		case seen[a.Name]:
			problems = append(problems, fmt.Sprintf("%s.name %q is declared twice", field, a.Name))
		}
		seen[a.Name] = true
		problems = append(problems, validateAgent(field, a)...)
	}

	for i, a := range m.Spec.Agents {
		for _, n := range a.Neighbors {
			if n == a.Name {
				problems = append(problems, fmt.Sprintf("spec.agents[%d] lists itself as a neighbor", i))
				continue
			}
			if !isPeer(m, n) {
				problems = append(problems, fmt.Sprintf("spec.agents[%d].neighbors: %q is not a peer of this team", i, n))
			}
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func validateAgent(field string, a AgentSpec) []string {
	var problems []string

	switch a.Kind {
	case KindManager, KindPeer:
	case KindBlackboard:
		if a.Role == "" {
			problems = append(problems, field+".role is required for blackboard agents, it names the board key")
		}
	case KindWorker:
		if a.Role == "" {
			problems = append(problems, field+".role is required for workers")
		}
		if len(a.Tools) == 0 {
			problems = append(problems, field+".tools must list at least one tool for workers")
		}
	case "":
		problems = append(problems, field+".kind is required")
	default:
		problems = append(problems, fmt.Sprintf("invalid %s.kind: %s (expected manager, worker, peer or blackboard)", field, a.Kind))
	}

	if len(a.Neighbors) > 0 && a.Kind != KindPeer {
		problems = append(problems, field+".neighbors is only valid for peers")
	}
	if a.AnswerWindow != "" {
		if d, err := time.ParseDuration(a.AnswerWindow); err != nil || d <= 0 {
			problems = append(problems, fmt.Sprintf("invalid %s.answerWindow: %q", field, a.AnswerWindow))
		}
	}
	if a.MaxReplans < 0 && a.MaxReplans != -1 {
		problems = append(problems, field+".maxReplans must be -1 (disabled) or non-negative")
	}
	return problems
}

func isPeer(m *TeamManifest, name string) bool {
	for _, a := range m.Spec.Agents {
		if a.Name == name {
			return a.Kind == KindPeer
		}
	}
	return false
}

// isValidName checks if a name follows the naming convention
func isValidName(name string) bool {
	if len(name) == 0 || len(name) > 63 {
		return false
	}

	// Must start with lowercase letter
	if name[0] < 'a' || name[0] > 'z' {
		return false
	}

	// Must end with alphanumeric
	last := name[len(name)-1]
	if !((last >= 'a' && last <= 'z') || (last >= '0' && last <= '9')) {
		return false
	}

	for _, c := range name {
		if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-') {
			return false
		}
	}

	return !strings.Contains(name, "--")
}

// CheckTools reports the worker tools that known does not recognize
func CheckTools(m *TeamManifest, known func(string) bool) error {
	var problems []string
	for _, a := range m.Agents(KindWorker) {
		for _, tool := range a.Tools {
			if !known(tool) {
				problems = append(problems, fmt.Sprintf("agent %s: unknown tool %q", a.Name, tool))
			}
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
