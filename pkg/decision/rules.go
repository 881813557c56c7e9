package decision

import (
	"context"
	"fmt"
	"strings"

	"github.com/syntor/taskmesh/pkg/coordination"
)

// Rule assigns goal clauses containing one of Keywords to Role, running
// Tool with the clause text passed as argument Arg.
type Rule struct {
	Role     string   `yaml:"role" json:"role"`
	Keywords []string `yaml:"keywords" json:"keywords"`
	Tool     string   `yaml:"tool,omitempty" json:"tool,omitempty"`
	Arg      string   `yaml:"arg,omitempty" json:"arg,omitempty"`
}

// DefaultRules covers the default researcher/coder/reviewer/writer team.
// Earlier rules win, so "write code" goes to the coder.
func DefaultRules() []Rule {
	return []Rule{
		{Role: "researcher", Keywords: []string{"research", "search", "find", "fetch", "look up", "gather"}, Tool: "web_search", Arg: "query"},
		{Role: "coder", Keywords: []string{"code", "implement", "program", "function", "build"}, Tool: "code_executor", Arg: "code"},
		{Role: "reviewer", Keywords: []string{"review", "validate", "check", "verify", "test"}, Tool: "validate", Arg: "content"},
		{Role: "writer", Keywords: []string{"write", "document", "format", "summarize", "combine", "report"}, Tool: "format_document", Arg: "content"},
	}
}

// RuleBased is a deterministic keyword planner. Goals split on " then "
// into sequential stages, and a stage splits on " and " into parallel
// sub-tasks when every part matches a rule. Later stages reference the
// outputs of the stage before them.
type RuleBased struct {
	Rules       []Rule
	DefaultRole string
	Critical    bool
}

// NewRuleBased creates a planner over DefaultRules
func NewRuleBased() *RuleBased {
	return &RuleBased{Rules: DefaultRules(), DefaultRole: "researcher"}
}

func (r *RuleBased) Decide(ctx context.Context, dc Context) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	switch dc.Stage {
	case StageDecompose:
		plan, err := r.Plan(coordination.StripFailureContext(dc.Goal), dc.Roles)
		if err != nil {
			return Decision{}, err
		}
		payload, err := coordination.MarshalPlan(plan)
		if err != nil {
			return Decision{}, err
		}
		return Delegate(payload), nil

	case StageSynthesize:
		return Answer(joinInputs(dc, "No results for: "+coordination.StripFailureContext(dc.Goal))), nil

	case StageCollaborate:
		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("%s (%s) on %q", dc.Agent, dc.Role, dc.Goal))
		for _, in := range dc.Inputs {
			sb.WriteString(fmt.Sprintf("\n- %s: %s", in.Source, in.Text))
		}
		return Answer(sb.String()), nil

	case StageAnswer:
		return Answer(fmt.Sprintf("%s view from %s on %q", dc.Role, dc.Agent, dc.Goal)), nil

	case StageContribute:
		return Answer(fmt.Sprintf("%s: %s", dc.Role, dc.Goal)), nil
	}
	return Decision{}, fmt.Errorf("%w: unsupported stage %q", ErrInvalidDecision, dc.Stage)
}

// Plan decomposes goal into sub-tasks for the given roles
func (r *RuleBased) Plan(goal string, roles []string) (*coordination.Plan, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, fmt.Errorf("%w: empty goal", ErrInvalidDecision)
	}

	var (
		subTasks []coordination.SubTask
		previous []string
	)
	for _, stage := range splitClauses(goal, " then ") {
		parts := splitClauses(stage, " and ")
		if len(parts) > 1 && !r.allMatch(parts, roles) {
			parts = []string{stage}
		}

		var current []string
		for _, part := range parts {
			id := fmt.Sprintf("s%d", len(subTasks)+1)
			rule := r.match(part, roles)

			st := coordination.SubTask{
				ID:          id,
				Role:        rule.Role,
				Description: part,
				Tool:        rule.Tool,
				Critical:    r.Critical,
			}
			if rule.Arg != "" {
				text := part
				for _, dep := range previous {
					text += "\n\n{{" + dep + "}}"
				}
				st.Arguments = map[string]interface{}{rule.Arg: text}
			} else if len(previous) > 0 {
				st.DependsOn = append([]string(nil), previous...)
			}

			subTasks = append(subTasks, st)
			current = append(current, id)
		}
		previous = current
	}
	return coordination.NewPlan(goal, subTasks...), nil
}

func (r *RuleBased) allMatch(parts []string, roles []string) bool {
	for _, part := range parts {
		if _, ok := r.find(part, roles); !ok {
			return false
		}
	}
	return true
}

func (r *RuleBased) match(text string, roles []string) Rule {
	if rule, ok := r.find(text, roles); ok {
		return rule
	}

	role := r.DefaultRole
	if len(roles) > 0 && !contains(roles, role) {
		role = roles[0]
	}
	for _, rule := range r.Rules {
		if rule.Role == role {
			return rule
		}
	}
	return Rule{Role: role}
}

func (r *RuleBased) find(text string, roles []string) (Rule, bool) {
	lower := strings.ToLower(text)
	for _, rule := range r.Rules {
		if len(roles) > 0 && !contains(roles, rule.Role) {
			continue
		}
		for _, kw := range rule.Keywords {
			if strings.Contains(lower, kw) {
				return rule, true
			}
		}
	}
	return Rule{}, false
}

func splitClauses(text, sep string) []string {
	var out []string
	for _, part := range strings.Split(text, sep) {
		if part = strings.Trim(part, " ,;"); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func joinInputs(dc Context, empty string) string {
	if len(dc.Inputs) == 0 {
		return empty
	}
	parts := make([]string, 0, len(dc.Inputs))
	for _, in := range dc.Inputs {
		parts = append(parts, in.Text)
	}
	return strings.Join(parts, "\n\n")
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
