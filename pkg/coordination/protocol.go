package coordination

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEmptyPlan     = errors.New("plan has no sub-tasks")
	ErrDuplicateStep = errors.New("duplicate sub-task id")
	ErrUnknownRole   = errors.New("unknown role")
	ErrUnknownDep    = errors.New("unknown dependency")
	ErrCycle         = errors.New("dependency cycle")
)

// SubTask is one unit of delegated work within a plan
type SubTask struct {
	ID          string                 `json:"id"`
	Role        string                 `json:"role"`
	Description string                 `json:"description"`
	Tool        string                 `json:"tool,omitempty"`
	Arguments   map[string]interface{} `json:"arguments,omitempty"`
	DependsOn   []string               `json:"depends_on,omitempty"`
	Critical    bool                   `json:"critical,omitempty"`
}

// Plan is a decomposition of a goal into sub-tasks
type Plan struct {
	ID        string    `json:"id"`
	Goal      string    `json:"goal"`
	SubTasks  []SubTask `json:"subtasks"`
	CreatedAt time.Time `json:"created_at"`
}

// NewPlan creates a plan with a fresh id
func NewPlan(goal string, subTasks ...SubTask) *Plan {
	return &Plan{
		ID:        uuid.New().String(),
		Goal:      goal,
		SubTasks:  subTasks,
		CreatedAt: time.Now(),
	}
}

// Get returns the sub-task with the given id
func (p *Plan) Get(id string) (SubTask, bool) {
	for _, st := range p.SubTasks {
		if st.ID == id {
			return st, true
		}
	}
	return SubTask{}, false
}

// Roles returns the unique roles in plan order
func (p *Plan) Roles() []string {
	seen := make(map[string]bool)
	roles := make([]string, 0)

	for _, st := range p.SubTasks {
		if !seen[st.Role] {
			seen[st.Role] = true
			roles = append(roles, st.Role)
		}
	}

	return roles
}

// Dependencies returns the explicit and reference-implied dependencies of
// a sub-task, sorted and deduplicated. Only ids present in the plan count.
func (p *Plan) Dependencies(st SubTask) []string {
	ids := make(map[string]bool, len(p.SubTasks))
	for _, other := range p.SubTasks {
		ids[other.ID] = true
	}

	deps := make(map[string]bool)
	for _, d := range st.DependsOn {
		deps[d] = true
	}
	for _, ref := range References(st) {
		if ids[ref] && ref != st.ID {
			deps[ref] = true
		}
	}

	out := make([]string, 0, len(deps))
	for d := range deps {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// HasDependencies reports whether any sub-task waits on another
func (p *Plan) HasDependencies() bool {
	for _, st := range p.SubTasks {
		if len(p.Dependencies(st)) > 0 {
			return true
		}
	}
	return false
}

// Validate checks the plan structure. When roles is non-empty every
// sub-task role must be in it.
func (p *Plan) Validate(roles []string) error {
	if len(p.SubTasks) == 0 {
		return ErrEmptyPlan
	}

	known := make(map[string]bool, len(roles))
	for _, r := range roles {
		known[r] = true
	}

	ids := make(map[string]bool, len(p.SubTasks))
	for _, st := range p.SubTasks {
		if st.ID == "" {
			return fmt.Errorf("sub-task with description %q has no id", st.Description)
		}
		if ids[st.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateStep, st.ID)
		}
		ids[st.ID] = true
		if len(roles) > 0 && !known[st.Role] {
			return fmt.Errorf("%w %q for sub-task %s", ErrUnknownRole, st.Role, st.ID)
		}
	}

	for _, st := range p.SubTasks {
		for _, d := range st.DependsOn {
			if !ids[d] {
				return fmt.Errorf("%w %q in sub-task %s", ErrUnknownDep, d, st.ID)
			}
			if d == st.ID {
				return fmt.Errorf("%w: %s depends on itself", ErrCycle, st.ID)
			}
		}
	}

	_, err := p.Order()
	return err
}

// Order returns the sub-task ids in a dependency-respecting order, keeping
// plan order among independent sub-tasks.
func (p *Plan) Order() ([]string, error) {
	deps := make(map[string][]string, len(p.SubTasks))
	for _, st := range p.SubTasks {
		deps[st.ID] = p.Dependencies(st)
	}

	done := make(map[string]bool, len(p.SubTasks))
	order := make([]string, 0, len(p.SubTasks))
	for len(order) < len(p.SubTasks) {
		progressed := false
		for _, st := range p.SubTasks {
			if done[st.ID] || !satisfied(deps[st.ID], done) {
				continue
			}
			done[st.ID] = true
			order = append(order, st.ID)
			progressed = true
		}
		if !progressed {
			var stuck []string
			for _, st := range p.SubTasks {
				if !done[st.ID] {
					stuck = append(stuck, st.ID)
				}
			}
			return nil, fmt.Errorf("%w among %v", ErrCycle, stuck)
		}
	}
	return order, nil
}

func satisfied(deps []string, done map[string]bool) bool {
	for _, d := range deps {
		if !done[d] {
			return false
		}
	}
	return true
}

// StepStatus is the progress of one sub-task within an execution
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepDispatched StepStatus = "dispatched"
	StepSucceeded  StepStatus = "succeeded"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// StepResult is the outcome of one sub-task
type StepResult struct {
	SubTaskID  string     `json:"subtask_id"`
	Agent      string     `json:"agent,omitempty"`
	Status     StepStatus `json:"status"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	Attempts   int        `json:"attempts,omitempty"`
	Dispatched time.Time  `json:"dispatched,omitempty"`
	Finished   time.Time  `json:"finished,omitempty"`
}

// Execution tracks the progress of a plan. It is not safe for concurrent
// use; the owning manager serializes access.
type Execution struct {
	Plan    *Plan                  `json:"plan"`
	Results map[string]*StepResult `json:"results"`
	Replans int                    `json:"replans"`
}

// NewExecution starts tracking plan with every sub-task pending
func NewExecution(plan *Plan) *Execution {
	e := &Execution{Plan: plan, Results: make(map[string]*StepResult, len(plan.SubTasks))}
	for _, st := range plan.SubTasks {
		e.Results[st.ID] = &StepResult{SubTaskID: st.ID, Status: StepPending}
	}
	return e
}

// Status returns the status of a sub-task
func (e *Execution) Status(id string) StepStatus {
	if r, ok := e.Results[id]; ok {
		return r.Status
	}
	return StepPending
}

// Ready returns the pending sub-tasks whose dependencies all succeeded,
// in plan order.
func (e *Execution) Ready() []SubTask {
	var ready []SubTask
	for _, st := range e.Plan.SubTasks {
		if e.Status(st.ID) != StepPending {
			continue
		}
		ok := true
		for _, d := range e.Plan.Dependencies(st) {
			if e.Status(d) != StepSucceeded {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, st)
		}
	}
	return ready
}

// Blocked returns pending sub-tasks with a failed or skipped dependency
func (e *Execution) Blocked() []SubTask {
	var blocked []SubTask
	for _, st := range e.Plan.SubTasks {
		if e.Status(st.ID) != StepPending {
			continue
		}
		for _, d := range e.Plan.Dependencies(st) {
			if s := e.Status(d); s == StepFailed || s == StepSkipped {
				blocked = append(blocked, st)
				break
			}
		}
	}
	return blocked
}

// MarkDispatched records that id was sent to agent
func (e *Execution) MarkDispatched(id, agent string, at time.Time) {
	r := e.result(id)
	r.Status = StepDispatched
	r.Agent = agent
	r.Dispatched = at
}

// MarkSucceeded records a successful output for id
func (e *Execution) MarkSucceeded(id, output string, attempts int, at time.Time) {
	r := e.result(id)
	r.Status = StepSucceeded
	r.Output = output
	r.Error = ""
	r.Attempts = attempts
	r.Finished = at
}

// MarkFailed records a failure for id
func (e *Execution) MarkFailed(id, reason string, attempts int, at time.Time) {
	r := e.result(id)
	r.Status = StepFailed
	r.Error = reason
	r.Attempts = attempts
	r.Finished = at
}

// MarkSkipped records that id will not run because a dependency failed
func (e *Execution) MarkSkipped(id, reason string, at time.Time) {
	r := e.result(id)
	r.Status = StepSkipped
	r.Error = reason
	r.Finished = at
}

func (e *Execution) result(id string) *StepResult {
	r, ok := e.Results[id]
	if !ok {
		r = &StepResult{SubTaskID: id}
		e.Results[id] = r
	}
	return r
}

// Outputs returns the outputs of succeeded sub-tasks keyed by id
func (e *Execution) Outputs() map[string]string {
	out := make(map[string]string)
	for id, r := range e.Results {
		if r.Status == StepSucceeded {
			out[id] = r.Output
		}
	}
	return out
}

// InFlight returns the ids currently dispatched, in plan order
func (e *Execution) InFlight() []string {
	var ids []string
	for _, st := range e.Plan.SubTasks {
		if e.Status(st.ID) == StepDispatched {
			ids = append(ids, st.ID)
		}
	}
	return ids
}

// IsComplete reports whether no sub-task is pending or dispatched
func (e *Execution) IsComplete() bool {
	for _, r := range e.Results {
		if r.Status == StepPending || r.Status == StepDispatched {
			return false
		}
	}
	return true
}

// Succeeded reports whether every sub-task succeeded
func (e *Execution) Succeeded() bool {
	for _, r := range e.Results {
		if r.Status != StepSucceeded {
			return false
		}
	}
	return true
}

// Counts returns the number of succeeded sub-tasks and the plan size
func (e *Execution) Counts() (succeeded, total int) {
	for _, r := range e.Results {
		if r.Status == StepSucceeded {
			succeeded++
		}
	}
	return succeeded, len(e.Plan.SubTasks)
}

// GetProgress returns execution progress as a percentage
func (e *Execution) GetProgress() float64 {
	succeeded, total := e.Counts()
	if total == 0 {
		return 0
	}
	return float64(succeeded) / float64(total) * 100
}

// Snapshot returns a copy of the step results in plan order
func (e *Execution) Snapshot() []StepResult {
	out := make([]StepResult, 0, len(e.Plan.SubTasks))
	for _, st := range e.Plan.SubTasks {
		if r, ok := e.Results[st.ID]; ok {
			out = append(out, *r)
		}
	}
	return out
}
