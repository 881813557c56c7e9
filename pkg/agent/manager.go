package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/syntor/taskmesh/pkg/coordination"
	"github.com/syntor/taskmesh/pkg/decision"
	"github.com/syntor/taskmesh/pkg/logging"
	"github.com/syntor/taskmesh/pkg/models"
	"github.com/syntor/taskmesh/pkg/resilience"
	"github.com/syntor/taskmesh/pkg/tracing"
)

// Discipline selects how a manager dispatches independent sub-tasks
type Discipline string

const (
	// DisciplineAuto dispatches sequentially when any sub-task references
	// another, and concurrently otherwise.
	DisciplineAuto       Discipline = "auto"
	DisciplineSequential Discipline = "sequential"
	DisciplineConcurrent Discipline = "concurrent"
)

const (
	DefaultPoolSize   = 4
	DefaultMaxReplans = 1
)

// ManagerConfig configures a Manager
type ManagerConfig struct {
	Name       string
	Role       string
	Decider    decision.Decider
	Directory  Directory
	Parser     *coordination.Parser
	Discipline Discipline
	PoolSize   int

	// MaxReplans bounds replanning per critical sub-task. Zero means
	// DefaultMaxReplans and a negative value disables replanning.
	MaxReplans int

	Logger logging.Logger
}

// Progress is a point-in-time view of a manager's work on one run
type Progress struct {
	PlanID    string                    `json:"plan_id"`
	Goal      string                    `json:"goal"`
	Steps     []coordination.StepResult `json:"steps"`
	Succeeded int                       `json:"succeeded"`
	Total     int                       `json:"total"`
	InFlight  []string                  `json:"in_flight,omitempty"`
	Replans   int                       `json:"replans"`
	Partial   string                    `json:"partial"`
}

// Manager decomposes a goal into a plan, dispatches sub-tasks to workers
// and synthesizes their results.
type Manager struct {
	*base

	decider    decision.Decider
	directory  Directory
	parser     *coordination.Parser
	discipline Discipline
	poolSize   int
	maxReplans int

	mu       sync.Mutex
	next     map[string]int
	progress map[string]Progress
}

// NewManager creates a manager
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Role == "" {
		cfg.Role = "manager"
	}
	if cfg.Parser == nil {
		cfg.Parser = coordination.NewParser()
	}
	if cfg.Discipline == "" {
		cfg.Discipline = DisciplineAuto
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	switch {
	case cfg.MaxReplans == 0:
		cfg.MaxReplans = DefaultMaxReplans
	case cfg.MaxReplans < 0:
		cfg.MaxReplans = 0
	}

	return &Manager{
		base:       newBase(cfg.Name, cfg.Role, cfg.Logger),
		decider:    cfg.Decider,
		directory:  cfg.Directory,
		parser:     cfg.Parser,
		discipline: cfg.Discipline,
		poolSize:   cfg.PoolSize,
		maxReplans: cfg.MaxReplans,
		next:       make(map[string]int),
		progress:   make(map[string]Progress),
	}
}

func (m *Manager) kind() Kind { return KindManager }

// Progress returns the latest view of run runID
func (m *Manager) Progress(runID string) (Progress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.progress[runID]
	return p, ok
}

// Forget drops the progress kept for runID
func (m *Manager) Forget(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.progress, runID)
}

func (m *Manager) publish(runID string, exec *coordination.Execution) {
	succeeded, total := exec.Counts()
	p := Progress{
		PlanID:    exec.Plan.ID,
		Goal:      exec.Plan.Goal,
		Steps:     exec.Snapshot(),
		Succeeded: succeeded,
		Total:     total,
		InFlight:  exec.InFlight(),
		Replans:   exec.Replans,
		Partial:   coordination.PartialAnswer(exec),
	}
	m.mu.Lock()
	m.progress[runID] = p
	m.mu.Unlock()
}

// run is the state of one goal being worked on
type run struct {
	id        string
	goal      string
	request   models.Message
	exec      *coordination.Execution
	replanned map[string]int
	replans   int
}

func (r *run) correlation(subTaskID string) string {
	return r.exec.Plan.ID + "/" + subTaskID
}

// Process handles a goal TASK: decompose, dispatch, collect, synthesize.
// The reply is a RESULT, partial when some sub-task did not succeed, or
// an ERROR when planning fails or replanning is exhausted.
func (m *Manager) Process(ctx context.Context, msg models.Message) (reply models.Message, err error) {
	if !msg.Is(models.MsgTask) {
		return models.Message{}, fmt.Errorf("%w: manager %s got %s", ErrUnexpectedMessage, m.name, msg.Type())
	}
	task, ok := msg.Task()
	if !ok {
		return models.Message{}, fmt.Errorf("%w: TASK without a task payload", ErrUnexpectedMessage)
	}
	if err := m.state.Begin(); err != nil {
		return models.Message{}, err
	}
	start := time.Now()

	ctx, span := tracing.Start(ctx, tracing.OpDispatch,
		tracing.KeyRunID.String(msg.RunID()),
		tracing.KeyAgent.String(m.name))
	defer func() {
		tracing.End(span, err)
		m.finish(start, err)
	}()

	r := &run{
		id:        msg.RunID(),
		goal:      task.Description,
		request:   msg,
		replanned: make(map[string]int),
	}

	m.record(r.id, "decompose", r.goal)
	plan, err := m.decompose(ctx, r.goal, nil)
	if err != nil {
		if ctx.Err() != nil {
			return models.Message{}, ctx.Err()
		}
		m.logger.Warn("Decomposition failed", logging.Err(err))
		return failure(msg, task.SubTaskID, string(resilience.ClassPermanent), CodeInvalidPlan, err.Error(), 0), err
	}
	r.exec = coordination.NewExecution(plan)
	m.publish(r.id, r.exec)

	if err := m.drive(ctx, r); err != nil {
		if ctx.Err() != nil {
			return m.partial(r), ctx.Err()
		}
		code := CodeExecution
		if errors.Is(err, ErrReplanExhausted) {
			code = CodeReplanExhausted
		}
		return failure(msg, task.SubTaskID, string(resilience.Classify(err)), code, err.Error(), 0), err
	}

	if !r.exec.Succeeded() {
		return m.partial(r), nil
	}

	answer := m.synthesize(ctx, r)
	return models.NewResultMessage(msg, models.ResultPayload{
		SubTaskID: task.SubTaskID,
		Output:    answer,
		Duration:  time.Since(start),
	}), nil
}

func (m *Manager) partial(r *run) models.Message {
	m.record(r.id, "partial", fmt.Sprintf("%d in flight", len(r.exec.InFlight())))
	task, _ := r.request.Task()
	return models.NewResultMessage(r.request, models.ResultPayload{
		SubTaskID: task.SubTaskID,
		Output:    coordination.PartialAnswer(r.exec),
		Partial:   true,
	})
}

// drive dispatches and collects until the current plan is complete
func (m *Manager) drive(ctx context.Context, r *run) error {
	for {
		for _, st := range r.exec.Blocked() {
			r.exec.MarkSkipped(st.ID, "dependency did not succeed", time.Now())
			m.record(r.id, "skip", st.ID)
		}

		limit := m.limit(r.exec.Plan)
		for _, st := range r.exec.Ready() {
			if len(r.exec.InFlight()) >= limit {
				break
			}
			if err := m.dispatch(ctx, r, st); err != nil {
				r.exec.MarkFailed(st.ID, err.Error(), 0, time.Now())
				m.record(r.id, "failure", st.ID+": "+err.Error())
				replanned, err := m.onFailure(ctx, r, st)
				if err != nil {
					return err
				}
				if replanned {
					break
				}
			}
		}
		m.publish(r.id, r.exec)

		if r.exec.IsComplete() {
			return nil
		}
		if len(r.exec.InFlight()) == 0 {
			// nothing to wait for; the next pass skips dependents of the
			// sub-tasks that failed to dispatch
			continue
		}

		if err := m.state.Transition(models.AgentWaiting); err != nil {
			return err
		}
		reply, err := m.inbox.Receive(ctx, InRun(r.id, OfType(models.MsgResult, models.MsgError)))
		if terr := m.state.Transition(models.AgentWorking); terr != nil {
			return terr
		}
		if err != nil {
			return err
		}
		if err := m.collect(ctx, r, reply); err != nil {
			return err
		}
		m.publish(r.id, r.exec)
	}
}

func (m *Manager) limit(plan *coordination.Plan) int {
	switch m.discipline {
	case DisciplineSequential:
		return 1
	case DisciplineConcurrent:
		return m.poolSize
	}
	if plan.HasDependencies() {
		return 1
	}
	return m.poolSize
}

func (m *Manager) pick(role string) (string, error) {
	var candidates []string
	if m.directory != nil {
		candidates = m.directory.Candidates(role)
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w %q", ErrNoCandidate, role)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	name := candidates[m.next[role]%len(candidates)]
	m.next[role]++
	return name, nil
}

func (m *Manager) dispatch(ctx context.Context, r *run, st coordination.SubTask) error {
	worker, err := m.pick(st.Role)
	if err != nil {
		return err
	}

	resolved := coordination.Resolve(st, r.exec.Outputs())
	msg := models.NewTaskMessage(m.name, worker, models.TaskPayload{
		SubTaskID:   st.ID,
		Description: resolved.Description,
		Tool:        resolved.Tool,
		Arguments:   resolved.Arguments,
		Context:     r.goal,
	}).WithRunID(r.id).WithCorrelationID(r.correlation(st.ID))

	r.exec.MarkDispatched(st.ID, worker, time.Now())
	m.record(r.id, "dispatch", st.ID+" -> "+worker)
	return m.send(ctx, msg)
}

// collect applies one RESULT or ERROR reply to the execution
func (m *Manager) collect(ctx context.Context, r *run, reply models.Message) error {
	prefix := r.exec.Plan.ID + "/"
	if !strings.HasPrefix(reply.CorrelationID(), prefix) {
		m.record(r.id, "discard", reply.CorrelationID())
		return nil
	}
	id := strings.TrimPrefix(reply.CorrelationID(), prefix)
	if r.exec.Status(id) != coordination.StepDispatched {
		m.record(r.id, "discard", id)
		return nil
	}

	if result, ok := reply.Result(); ok {
		r.exec.MarkSucceeded(id, outputString(result.Output), result.Attempts, time.Now())
		m.record(r.id, "result", id+" <- "+reply.Sender())
		return nil
	}

	fail, _ := reply.Failure()
	r.exec.MarkFailed(id, fail.Message, fail.Attempts, time.Now())
	m.record(r.id, "failure", id+": "+fail.Error())

	st, _ := r.exec.Plan.Get(id)
	_, err := m.onFailure(ctx, r, st)
	return err
}

// onFailure replans after a critical failure and reports whether the
// execution was replaced. Non-critical failures are left for partial
// synthesis.
func (m *Manager) onFailure(ctx context.Context, r *run, st coordination.SubTask) (bool, error) {
	if !st.Critical {
		return false, nil
	}

	budget := m.maxReplans * len(r.exec.Plan.SubTasks)
	if r.replanned[st.ID] >= m.maxReplans || r.replans >= budget {
		m.record(r.id, "replan_exhausted", st.ID)
		return false, fmt.Errorf("%w: sub-task %s failed after %d replan(s)", ErrReplanExhausted, st.ID, r.replanned[st.ID])
	}
	r.replanned[st.ID]++
	r.replans++

	ctx, span := tracing.Start(ctx, tracing.OpReplan,
		tracing.KeyRunID.String(r.id),
		tracing.KeySubTask.String(st.ID))

	failures := coordination.FailureContext(r.exec)
	m.record(r.id, "replan", st.ID)
	m.logger.Info("Replanning after critical failure",
		logging.String("run_id", r.id),
		logging.String("subtask", st.ID),
		logging.Int("replans", r.replans))

	plan, err := m.decompose(ctx, r.goal, failures)
	tracing.End(span, err)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("%w: %v", ErrReplanExhausted, err)
	}

	old := r.exec
	r.exec = coordination.NewExecution(plan)
	r.exec.Replans = old.Replans + 1
	for _, next := range plan.SubTasks {
		prev, ok := old.Plan.Get(next.ID)
		if !ok || old.Status(next.ID) != coordination.StepSucceeded {
			continue
		}
		if prev.Role == next.Role && prev.Description == next.Description {
			res := old.Results[next.ID]
			r.exec.MarkSucceeded(next.ID, res.Output, res.Attempts, res.Finished)
			r.exec.Results[next.ID].Agent = res.Agent
		}
	}

	dropped := m.inbox.Discard(func(msg models.Message) bool {
		return msg.RunID() == r.id && strings.HasPrefix(msg.CorrelationID(), old.Plan.ID+"/")
	})
	if dropped > 0 {
		m.logger.Debug("Discarded replies for the superseded plan", logging.Int("count", dropped))
	}
	return true, nil
}

func (m *Manager) roles() []string {
	if m.directory == nil {
		return nil
	}
	return m.directory.Roles()
}

func (m *Manager) decompose(ctx context.Context, goal string, failures []string) (*coordination.Plan, error) {
	if m.decider == nil {
		return nil, fmt.Errorf("%w: manager %s has no decider", decision.ErrInvalidDecision, m.name)
	}

	roles := m.roles()
	d, err := m.decider.Decide(ctx, decision.Context{
		Agent:    m.name,
		Role:     m.role,
		Goal:     coordination.WithFailureContext(goal, failures),
		Stage:    decision.StageDecompose,
		Roles:    roles,
		Failures: failures,
	})
	if err != nil {
		return nil, err
	}
	if err := d.Validate(decision.ActionDelegate); err != nil {
		return nil, err
	}

	plan, err := m.parser.ParsePlan(goal, d.Payload)
	if err != nil {
		return nil, err
	}
	if err := plan.Validate(roles); err != nil {
		return nil, err
	}
	return plan, nil
}

func (m *Manager) synthesize(ctx context.Context, r *run) string {
	m.record(r.id, "synthesize", r.exec.Plan.ID)

	steps := r.exec.Snapshot()
	inputs := make([]decision.Input, 0, len(steps))
	for _, s := range steps {
		inputs = append(inputs, decision.Input{ID: s.SubTaskID, Source: s.Agent, Text: s.Output})
	}

	d, err := m.decider.Decide(ctx, decision.Context{
		Agent:  m.name,
		Role:   m.role,
		Goal:   r.goal,
		Stage:  decision.StageSynthesize,
		Roles:  m.roles(),
		Inputs: inputs,
	})
	if err == nil {
		err = d.Validate(decision.ActionAnswer)
	}
	if err != nil {
		m.logger.Warn("Synthesis decision rejected, concatenating results", logging.Err(err))
		return coordination.Concatenate(r.exec)
	}
	return d.Payload
}

func outputString(v interface{}) string {
	switch o := v.(type) {
	case nil:
		return ""
	case string:
		return o
	case fmt.Stringer:
		return o.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
