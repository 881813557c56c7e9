// Package orchestrator runs goals against a registered team of agents in
// hierarchical, peer or blackboard mode. All messages travel through the
// Router, which also keeps the per-run trace.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/syntor/taskmesh/pkg/agent"
	"github.com/syntor/taskmesh/pkg/blackboard"
	"github.com/syntor/taskmesh/pkg/logging"
	"github.com/syntor/taskmesh/pkg/metrics"
	"github.com/syntor/taskmesh/pkg/models"
	"github.com/syntor/taskmesh/pkg/registry"
	"github.com/syntor/taskmesh/pkg/resilience"
	"github.com/syntor/taskmesh/pkg/tracing"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoConsensus = fmt.Errorf("%w: no peer responded", resilience.ErrCoordination)
	ErrTimeout     = fmt.Errorf("%w: run deadline exceeded", resilience.ErrCoordination)

	ErrEmptyGoal   = errors.New("goal is required")
	ErrUnknownMode = errors.New("unknown run mode")
	ErrNoManager   = errors.New("no manager registered")
	ErrNoAgents    = errors.New("no agents registered for mode")
)

// Mode selects how a goal is worked on
type Mode string

const (
	ModeHierarchical Mode = "hierarchical"
	ModePeer         Mode = "peer"
	ModeBlackboard   Mode = "blackboard"
)

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	switch m {
	case ModeHierarchical, ModePeer, ModeBlackboard:
		return true
	}
	return false
}

// ParseMode converts a mode name, case-insensitively
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
	return m, nil
}

// Status is the outcome of a run
type Status string

const (
	StatusComplete Status = "complete"
	StatusPartial  Status = "partial"
	StatusFailed   Status = "failed"
)

// RunRequest is the input of Run. Zero TimeoutSeconds, MaxRetries and
// CircuitThreshold keep the configured defaults; TimeoutSeconds may be
// fractional.
type RunRequest struct {
	Goal             string  `json:"goal" yaml:"goal"`
	Mode             Mode    `json:"mode" yaml:"mode"`
	TimeoutSeconds   float64 `json:"timeoutSeconds,omitempty" yaml:"timeout_seconds"`
	MaxRetries       int     `json:"maxRetries,omitempty" yaml:"max_retries"`
	CircuitThreshold int     `json:"circuitThreshold,omitempty" yaml:"circuit_threshold"`
}

// RunResult is the outcome of Run. Err carries the cause of a failed or
// partial run.
type RunResult struct {
	RunID    string        `json:"run_id"`
	Mode     Mode          `json:"mode"`
	Status   Status        `json:"status"`
	Result   interface{}   `json:"result"`
	Trace    Trace         `json:"trace"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// MarshalJSON renders Err as a string
func (r RunResult) MarshalJSON() ([]byte, error) {
	type plain RunResult
	out := struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain: plain(r)}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// PeerOutcome is the result of a peer-mode run
type PeerOutcome struct {
	Contributions map[string]string `json:"contributions"`
	Failures      map[string]string `json:"failures,omitempty"`
	Responded     []string          `json:"responded"`
	Missing       []string          `json:"missing,omitempty"`
}

// BlackboardOutcome is the result of a blackboard-mode run
type BlackboardOutcome struct {
	Entries   map[string]blackboard.Entry `json:"entries"`
	History   []blackboard.HistoryRecord  `json:"history"`
	Rounds    int                         `json:"rounds"`
	Converged bool                        `json:"converged"`
}

// BoardExporter persists the final board of a blackboard run
type BoardExporter interface {
	Export(ctx context.Context, runID string, board *blackboard.Board) error
}

const (
	DefaultMaxRounds     = 5
	DefaultTimeout       = time.Minute
	DefaultShutdownGrace = 50 * time.Millisecond
)

// Config holds orchestrator settings. ShutdownGrace bounds how long a
// finished run waits for agents to stop before leaving them to finish in
// the background.
type Config struct {
	MaxRounds      int              `yaml:"max_rounds" json:"max_rounds"`
	PoolSize       int              `yaml:"pool_size" json:"pool_size"`
	Discipline     agent.Discipline `yaml:"discipline" json:"discipline"`
	DefaultTimeout time.Duration    `yaml:"default_timeout" json:"default_timeout"`
	ShutdownGrace  time.Duration    `yaml:"shutdown_grace" json:"shutdown_grace"`
}

// DefaultConfig returns the defaults used for zero fields
func DefaultConfig() Config {
	return Config{
		MaxRounds:      DefaultMaxRounds,
		PoolSize:       agent.DefaultPoolSize,
		Discipline:     agent.DisciplineAuto,
		DefaultTimeout: DefaultTimeout,
		ShutdownGrace:  DefaultShutdownGrace,
	}
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the metrics collector, shared with the router
func WithMetrics(c metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = c }
}

// WithHopSink adds a sink observing every routed hop
func WithHopSink(s HopSink) Option {
	return func(o *Orchestrator) { o.sinks = append(o.sinks, s) }
}

// WithBoardExporter exports the board at the end of blackboard runs
func WithBoardExporter(e BoardExporter) Option {
	return func(o *Orchestrator) { o.exporter = e }
}

// WithInvokerConfig gives every run a fresh invoker built from cfg,
// adjusted by the request's MaxRetries and CircuitThreshold, and installs
// it on every worker. Without it workers keep their own invokers unless a
// request overrides those limits.
func WithInvokerConfig(cfg resilience.InvokerConfig) Option {
	return func(o *Orchestrator) { o.invoker = &cfg }
}

// Orchestrator runs goals against the agents of a registry. Runs are
// serialized; agents hold per-run state in their inboxes. A run returns
// at its deadline even when agents are still busy; a later run first
// waits for that leftover work.
type Orchestrator struct {
	registry *registry.Registry
	router   *Router
	config   Config
	logger   logging.Logger
	metrics  metrics.Collector
	sinks    []HopSink
	exporter BoardExporter
	invoker  *resilience.InvokerConfig

	mu       sync.Mutex
	draining []<-chan struct{}
}

// New creates an orchestrator over reg
func New(reg *registry.Registry, cfg Config, opts ...Option) *Orchestrator {
	defaults := DefaultConfig()
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = defaults.MaxRounds
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.Discipline == "" {
		cfg.Discipline = defaults.Discipline
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaults.DefaultTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaults.ShutdownGrace
	}

	o := &Orchestrator{registry: reg, config: cfg}
	for _, opt := range opts {
		opt(o)
	}
	base := logging.OrGlobal(o.logger)
	o.logger = base.With(logging.Component("orchestrator"))
	o.metrics = metrics.OrNop(o.metrics)
	o.router = NewRouter(reg,
		WithRouterLogger(base),
		WithRouterMetrics(o.metrics),
		WithHopSinks(o.sinks...))
	return o
}

// Router returns the router all messages travel through
func (o *Orchestrator) Router() *Router { return o.router }

// Config returns the effective configuration
func (o *Orchestrator) Config() Config { return o.config }

// Run works on req.Goal in req.Mode until it completes or the deadline
// passes. The result is always returned; the error is non-nil only for
// invalid requests and coordination failures, which also mark the result
// failed.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if strings.TrimSpace(req.Goal) == "" {
		return nil, ErrEmptyGoal
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeHierarchical
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.settle(ctx); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	start := time.Now()
	ctx = logging.WithRunID(ctx, runID)
	ctx, span := tracing.Start(ctx, tracing.OpRun,
		tracing.KeyRunID.String(runID),
		tracing.KeyMode.String(string(mode)))

	logger := o.logger.WithContext(ctx).With(logging.String("mode", string(mode)))
	logger.Info("Run started", logging.String("goal", req.Goal))

	inbox, err := o.router.Open(runID)
	if err != nil {
		tracing.End(span, err)
		return nil, err
	}
	restore := o.prepare(req)
	defer restore()

	runCtx, cancel := context.WithTimeout(ctx, o.timeout(req))
	defer cancel()

	res := &RunResult{RunID: runID, Mode: mode}
	switch mode {
	case ModeHierarchical:
		err = o.runHierarchical(runCtx, runID, inbox, req.Goal, res)
	case ModePeer:
		err = o.runPeer(runCtx, runID, inbox, req.Goal, res)
	case ModeBlackboard:
		err = o.runBlackboard(runCtx, runID, req.Goal, res)
	}
	o.router.Record(runID, models.OrchestratorID, "finish", string(res.Status))
	res.Trace = o.router.Close(runID)
	res.Duration = time.Since(start)

	labels := metrics.Labels("mode", string(mode), "status", string(res.Status))
	o.metrics.IncrementCounter(metrics.Runs.Name, labels)
	o.metrics.ObserveDuration(metrics.RunDuration.Name, start, metrics.Labels("mode", string(mode)))
	span.SetAttributes(tracing.KeyStatus.String(string(res.Status)))
	tracing.End(span, err)

	fields := []logging.Field{
		logging.String("status", string(res.Status)),
		logging.Duration("duration", res.Duration),
		logging.Int("trace_entries", len(res.Trace)),
	}
	if res.Err != nil {
		fields = append(fields, logging.Err(res.Err))
	}
	logger.Info("Run finished", fields...)
	return res, err
}

func (o *Orchestrator) timeout(req RunRequest) time.Duration {
	if req.TimeoutSeconds > 0 {
		return time.Duration(req.TimeoutSeconds * float64(time.Second))
	}
	return o.config.DefaultTimeout
}

// Wait blocks until agent work left behind by earlier runs that hit
// their deadline has finished, or ctx is done
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settle(ctx)
}

func (o *Orchestrator) settle(ctx context.Context) error {
	for len(o.draining) > 0 {
		select {
		case <-o.draining[0]:
			o.draining = o.draining[1:]
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// linger gives work that should be stopping the shutdown grace to finish,
// then leaves it for the next run to wait on
func (o *Orchestrator) linger(runID string, done <-chan struct{}) {
	timer := time.NewTimer(o.config.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		o.logger.Warn("Agents still busy after run ended", logging.String("run_id", runID))
		o.draining = append(o.draining, done)
	}
}

// prepare attaches every agent to the router and installs the run's
// invoker on the workers when one is called for. The returned function
// puts the workers' own invokers back.
func (o *Orchestrator) prepare(req RunRequest) (restore func()) {
	agents := o.registry.Agents()
	for _, a := range agents {
		if at, ok := a.(interface{ Attach(agent.Router) }); ok {
			at.Attach(o.router)
		}
	}

	if o.invoker == nil && req.MaxRetries <= 0 && req.CircuitThreshold <= 0 {
		return func() {}
	}
	cfg := resilience.DefaultInvokerConfig()
	if o.invoker != nil {
		cfg = *o.invoker
	}
	if req.MaxRetries > 0 {
		cfg.Retry.MaxAttempts = req.MaxRetries + 1
	}
	if req.CircuitThreshold > 0 {
		cfg.FailureThreshold = req.CircuitThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = o.logger
	}
	if cfg.Metrics == nil {
		cfg.Metrics = o.metrics
	}
	inv := resilience.NewResilientInvoker(cfg)
	saved := make(map[*agent.Worker]agent.Invoker)
	for _, a := range agents {
		if w, ok := a.(*agent.Worker); ok {
			saved[w] = w.Invoker()
			w.SetInvoker(inv)
		}
	}
	return func() {
		for w, prev := range saved {
			w.SetInvoker(prev)
		}
	}
}

// serve runs the serve loops of agents until the returned function is
// called. Once the loops exit, whatever the run left in the inboxes is
// cleared, even when that happens after the run has returned.
func (o *Orchestrator) serve(ctx context.Context, runID string, agents []agent.Agent) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var g errgroup.Group
	for _, a := range agents {
		a := a
		g.Go(func() error { return agent.Run(ctx, a, o.router) })
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = g.Wait()
		for _, a := range agents {
			if n := a.Inbox().Discard(agent.InRun(runID, nil)); n > 0 {
				o.logger.Debug("Discarded unprocessed messages",
					logging.String("agent", a.Name()),
					logging.Int("count", n))
			}
			if m, ok := a.(*agent.Manager); ok {
				m.Forget(runID)
			}
		}
	}()

	return func() {
		cancel()
		o.linger(runID, done)
	}
}

// cause names why ctx ended: ErrTimeout for the run deadline, the
// caller's error otherwise.
func cause(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}

func fail(res *RunResult, err error) error {
	res.Status = StatusFailed
	res.Err = err
	return err
}

func (o *Orchestrator) runHierarchical(ctx context.Context, runID string, inbox *agent.Inbox, goal string, res *RunResult) error {
	managers := o.registry.OfKind(agent.KindManager)
	if len(managers) == 0 {
		return fail(res, ErrNoManager)
	}
	lead := managers[0]

	task := models.NewTaskMessage(models.OrchestratorID, lead.Name(), models.TaskPayload{
		SubTaskID:   "goal",
		Description: goal,
	}).WithRunID(runID)
	if err := o.router.Send(ctx, task); err != nil {
		return fail(res, err)
	}

	team := append(managers, o.registry.OfKind(agent.KindWorker)...)
	stop := o.serve(ctx, runID, team)
	reply, err := inbox.Receive(ctx, agent.OfType(models.MsgResult, models.MsgError))
	stop()

	var progress agent.Progress
	var planned bool
	if m, ok := lead.(*agent.Manager); ok {
		progress, planned = m.Progress(runID)
		m.Forget(runID)
	}

	if err != nil {
		why := cause(ctx)
		for _, id := range progress.InFlight {
			o.router.Record(runID, models.OrchestratorID, "unresolved", id)
		}
		if !planned {
			return fail(res, why)
		}
		res.Status = StatusPartial
		res.Result = progress.Partial
		res.Err = why
		return nil
	}

	if failure, ok := reply.Failure(); ok {
		err := agent.ErrorFromPayload(failure)
		res.Status = StatusFailed
		res.Err = err
		if errors.Is(err, resilience.ErrCoordination) {
			return err
		}
		return nil
	}

	result, _ := reply.Result()
	res.Result = result.Output
	res.Status = StatusComplete
	if result.Partial {
		res.Status = StatusPartial
	}
	return nil
}

func (o *Orchestrator) runPeer(ctx context.Context, runID string, inbox *agent.Inbox, goal string, res *RunResult) error {
	peers := o.registry.OfKind(agent.KindPeer)
	if len(peers) == 0 {
		return fail(res, fmt.Errorf("%w: %s", ErrNoAgents, ModePeer))
	}

	stop := o.serve(ctx, runID, peers)
	pending := make(map[string]bool, len(peers))
	for _, p := range peers {
		task := models.NewTaskMessage(models.OrchestratorID, p.Name(), models.TaskPayload{
			SubTaskID:   p.Name(),
			Description: goal,
		}).WithRunID(runID)
		if err := o.router.Send(ctx, task); err != nil {
			o.logger.Warn("Peer task not delivered", logging.String("peer", p.Name()), logging.Err(err))
			continue
		}
		pending[p.Name()] = true
	}

	outcome := PeerOutcome{Contributions: make(map[string]string)}
	degraded := false
	var waitErr error
	for len(pending) > 0 {
		reply, err := inbox.Receive(ctx, agent.OfType(models.MsgResult, models.MsgError))
		if err != nil {
			waitErr = cause(ctx)
			break
		}
		if !pending[reply.Sender()] {
			continue
		}
		delete(pending, reply.Sender())

		if failure, ok := reply.Failure(); ok {
			if outcome.Failures == nil {
				outcome.Failures = make(map[string]string)
			}
			outcome.Failures[reply.Sender()] = failure.Error()
			continue
		}
		result, _ := reply.Result()
		outcome.Contributions[reply.Sender()] = fmt.Sprint(result.Output)
		outcome.Responded = append(outcome.Responded, reply.Sender())
		degraded = degraded || result.Partial
	}
	stop()

	for _, p := range peers {
		if _, ok := outcome.Contributions[p.Name()]; !ok {
			outcome.Missing = append(outcome.Missing, p.Name())
		}
	}
	sort.Strings(outcome.Responded)
	res.Result = outcome

	switch {
	case len(outcome.Contributions) == 0:
		o.router.Record(runID, models.OrchestratorID, "no_consensus", fmt.Sprintf("0 of %d peers", len(peers)))
		return fail(res, ErrNoConsensus)
	case len(outcome.Missing) > 0 || degraded:
		res.Status = StatusPartial
		res.Err = waitErr
	default:
		res.Status = StatusComplete
	}
	return nil
}

func (o *Orchestrator) runBlackboard(ctx context.Context, runID, goal string, res *RunResult) error {
	var agents []*agent.BlackboardAgent
	for _, a := range o.registry.OfKind(agent.KindBlackboard) {
		if b, ok := a.(*agent.BlackboardAgent); ok {
			agents = append(agents, b)
		}
	}
	if len(agents) == 0 {
		return fail(res, fmt.Errorf("%w: %s", ErrNoAgents, ModeBlackboard))
	}

	board := blackboard.New(blackboard.WithMetrics(o.metrics))
	for _, a := range agents {
		a.Bind(board)
	}
	defer func() {
		for _, a := range agents {
			a.Bind(nil)
		}
	}()

	outcome := BlackboardOutcome{}
	var stopped error
	for round := 1; round <= o.config.MaxRounds; round++ {
		if ctx.Err() != nil {
			stopped = cause(ctx)
			break
		}
		writes := o.round(ctx, runID, round, agents, board, goal)
		outcome.Rounds = round
		o.router.Record(runID, models.OrchestratorID, "round", fmt.Sprintf("%d writes=%d", round, writes))
		if ctx.Err() != nil {
			stopped = cause(ctx)
			break
		}
		if writes == 0 {
			outcome.Converged = true
			o.router.Record(runID, models.OrchestratorID, "converged", fmt.Sprintf("round %d", round))
			break
		}
	}

	outcome.Entries = board.Snapshot()
	outcome.History = board.History()
	res.Result = outcome

	if o.exporter != nil {
		if err := o.exporter.Export(context.WithoutCancel(ctx), runID, board); err != nil {
			o.logger.Warn("Board export failed", logging.Err(err))
		}
	}

	if stopped != nil {
		if board.Len() == 0 {
			return fail(res, stopped)
		}
		res.Status = StatusPartial
		res.Err = stopped
		return nil
	}
	res.Status = StatusComplete
	return nil
}

// round asks every agent to contribute once and returns the number of
// writes. A failing contributor is logged and recorded but does not stop
// the round. When ctx ends first, the writes made so far are counted and
// the stragglers are left to finish in the background.
func (o *Orchestrator) round(ctx context.Context, runID string, round int, agents []*agent.BlackboardAgent, board *blackboard.Board, problem string) int {
	limit := o.config.PoolSize
	if o.config.Discipline == agent.DisciplineSequential {
		limit = 1
	}

	var writes atomic.Int64
	contribute := func(a *agent.BlackboardAgent) {
		wrote, err := a.Contribute(ctx, board, problem)
		if err != nil {
			o.router.Record(runID, a.Name(), "failure", err.Error())
			if ctx.Err() == nil {
				o.logger.Warn("Contribution failed",
					logging.String("agent", a.Name()),
					logging.Int("round", round),
					logging.Err(err))
			}
			return
		}
		if wrote {
			writes.Add(1)
		}
		o.router.Record(runID, a.Name(), "contribute", fmt.Sprintf("round %d wrote=%t", round, wrote))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		var g errgroup.Group
		g.SetLimit(limit)
		for _, a := range agents {
			a := a
			g.Go(func() error {
				contribute(a)
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		o.linger(runID, done)
	}
	return int(writes.Load())
}
