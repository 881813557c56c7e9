package coordination

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// MaxPlanBytes bounds the decider output accepted as a plan
	MaxPlanBytes = 256 * 1024
	// MaxSubTasks bounds the size of a parsed plan
	MaxSubTasks = 64
)

var ErrNoPlan = errors.New("no plan found in decider output")

// Parser extracts plans from untrusted decider output
type Parser struct {
	jsonBlockRegex *regexp.Regexp
}

// NewParser creates a new plan parser
func NewParser() *Parser {
	return &Parser{
		// Match ```json ... ``` blocks
		jsonBlockRegex: regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.+?)\\n?```"),
	}
}

// rawSubTask accepts both the native field names and the agent/task
// shape used by simple planners.
type rawSubTask struct {
	ID          string                 `json:"id"`
	Step        int                    `json:"step,omitempty"`
	Role        string                 `json:"role"`
	Agent       string                 `json:"agent,omitempty"`
	Description string                 `json:"description"`
	Task        string                 `json:"task,omitempty"`
	Tool        string                 `json:"tool,omitempty"`
	Arguments   map[string]interface{} `json:"arguments,omitempty"`
	DependsOn   []string               `json:"depends_on,omitempty"`
	Critical    bool                   `json:"critical,omitempty"`
}

type rawPlan struct {
	Goal     string       `json:"goal"`
	SubTasks []rawSubTask `json:"subtasks"`
	Steps    []rawSubTask `json:"steps,omitempty"`
}

// ParsePlan extracts a plan for goal from response. The response may be
// a bare JSON object or array, or contain one in a fenced block. The plan
// is not validated against roles; call Plan.Validate for that.
func (p *Parser) ParsePlan(goal, response string) (*Plan, error) {
	if len(response) > MaxPlanBytes {
		return nil, fmt.Errorf("decider output exceeds %d bytes", MaxPlanBytes)
	}

	doc := p.extractJSON(response)
	if doc == "" {
		return nil, ErrNoPlan
	}

	var items []rawSubTask
	if strings.HasPrefix(doc, "[") {
		if err := json.Unmarshal([]byte(doc), &items); err != nil {
			return nil, fmt.Errorf("failed to parse plan: %w", err)
		}
	} else {
		var raw rawPlan
		if err := json.Unmarshal([]byte(doc), &raw); err != nil {
			return nil, fmt.Errorf("failed to parse plan: %w", err)
		}
		items = raw.SubTasks
		if len(items) == 0 {
			items = raw.Steps
		}
		if raw.Goal != "" && goal == "" {
			goal = raw.Goal
		}
	}

	if len(items) == 0 {
		return nil, ErrEmptyPlan
	}
	if len(items) > MaxSubTasks {
		return nil, fmt.Errorf("plan has %d sub-tasks, limit is %d", len(items), MaxSubTasks)
	}

	subTasks := make([]SubTask, 0, len(items))
	for i, item := range items {
		subTasks = append(subTasks, item.normalize(i))
	}
	return NewPlan(goal, subTasks...), nil
}

func (r rawSubTask) normalize(index int) SubTask {
	st := SubTask{
		ID:          strings.TrimSpace(r.ID),
		Role:        strings.TrimSpace(r.Role),
		Description: r.Description,
		Tool:        strings.TrimSpace(r.Tool),
		Arguments:   r.Arguments,
		DependsOn:   r.DependsOn,
		Critical:    r.Critical,
	}
	if st.ID == "" {
		step := r.Step
		if step == 0 {
			step = index + 1
		}
		st.ID = fmt.Sprintf("step%d", step)
	}
	if st.Role == "" {
		st.Role = strings.TrimSpace(r.Agent)
	}
	if st.Description == "" {
		st.Description = r.Task
	}
	return st
}

// extractJSON returns the first JSON document in response
func (p *Parser) extractJSON(response string) string {
	if m := p.jsonBlockRegex.FindStringSubmatch(response); len(m) == 2 {
		return strings.TrimSpace(m[1])
	}

	start := strings.IndexAny(response, "{[")
	if start < 0 {
		return ""
	}
	dec := json.NewDecoder(strings.NewReader(response[start:]))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return ""
	}
	return string(raw)
}

// MarshalPlan renders plan as the JSON accepted by ParsePlan
func MarshalPlan(plan *Plan) (string, error) {
	data, err := json.Marshal(rawPlanOf(plan))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func rawPlanOf(plan *Plan) rawPlan {
	raw := rawPlan{Goal: plan.Goal}
	for _, st := range plan.SubTasks {
		raw.SubTasks = append(raw.SubTasks, rawSubTask{
			ID:          st.ID,
			Role:        st.Role,
			Description: st.Description,
			Tool:        st.Tool,
			Arguments:   st.Arguments,
			DependsOn:   st.DependsOn,
			Critical:    st.Critical,
		})
	}
	return raw
}

// FormatPlanForDisplay formats a plan for user display
func FormatPlanForDisplay(plan *Plan, detailed bool) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Plan: %s\n", plan.Goal))
	sb.WriteString(fmt.Sprintf("Roles: %d | Sub-tasks: %d\n", len(plan.Roles()), len(plan.SubTasks)))

	if detailed {
		sb.WriteString("\nSub-tasks:\n")
		for _, st := range plan.SubTasks {
			deps := ""
			if d := plan.Dependencies(st); len(d) > 0 {
				deps = fmt.Sprintf(" (after %s)", strings.Join(d, ", "))
			}
			critical := ""
			if st.Critical {
				critical = " [critical]"
			}
			sb.WriteString(fmt.Sprintf("  %s. [%s] %s%s%s\n", st.ID, st.Role, st.Description, deps, critical))
		}
	}

	return sb.String()
}
