package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syntor/taskmesh/pkg/agent"
	"github.com/syntor/taskmesh/pkg/logging"
	"github.com/syntor/taskmesh/pkg/metrics"
	"github.com/syntor/taskmesh/pkg/models"
)

var (
	ErrInvalidMessage  = errors.New("invalid message")
	ErrUnknownSender   = errors.New("unknown sender")
	ErrUnknownReceiver = errors.New("unknown receiver")
	ErrRunOpen         = errors.New("run already open")
)

// Drop reasons reported on the dropped-messages metric
const (
	DropRunClosed = "run_closed"
	DropInvalid   = "invalid"
	DropUnknown   = "unknown_agent"
)

// Hop is one routed message, as published to hop sinks
type Hop struct {
	RunID         string    `json:"run_id"`
	MessageID     string    `json:"message_id"`
	Type          string    `json:"type"`
	Sender        string    `json:"sender"`
	Receiver      string    `json:"receiver"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Dropped       bool      `json:"dropped,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

// HopSink receives every hop the router handles
type HopSink interface {
	Publish(ctx context.Context, hop Hop) error
}

// Agents is the view of the agent set the router resolves receivers
// against. *registry.Registry implements it.
type Agents interface {
	Get(name string) (agent.Agent, bool)
	Agents() []agent.Agent
}

type openRun struct {
	inbox *agent.Inbox
	trace *traceLog
}

// Router is the single delivery point for messages. Delivery is
// serialized, so messages from one sender to one receiver arrive in send
// order. Messages for runs that are not open are dropped. Hops reach the
// sinks asynchronously through a bounded queue.
type Router struct {
	agents    Agents
	sinks     []HopSink
	hopBuffer int
	hops      *hopQueue
	logger    logging.Logger
	metrics   metrics.Collector
	now       func() time.Time

	mu   sync.Mutex
	runs map[string]*openRun

	delivered atomic.Int64
	dropped   atomic.Int64
}

// RouterOption configures a Router
type RouterOption func(*Router)

// WithHopSinks adds sinks that observe every hop
func WithHopSinks(sinks ...HopSink) RouterOption {
	return func(r *Router) { r.sinks = append(r.sinks, sinks...) }
}

// WithHopBuffer sets how many hops may wait for the sinks before new
// ones are dropped
func WithHopBuffer(n int) RouterOption {
	return func(r *Router) { r.hopBuffer = n }
}

// WithRouterLogger sets the router logger
func WithRouterLogger(l logging.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// WithRouterMetrics sets the metrics collector
func WithRouterMetrics(c metrics.Collector) RouterOption {
	return func(r *Router) { r.metrics = c }
}

// NewRouter creates a router delivering to agents
func NewRouter(agents Agents, opts ...RouterOption) *Router {
	r := &Router{
		agents: agents,
		now:    time.Now,
		runs:   make(map[string]*openRun),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrGlobal(r.logger).With(logging.Component("router"))
	r.metrics = metrics.OrNop(r.metrics)
	r.hops = newHopQueue(r.sinks, r.hopBuffer, r.logger, r.metrics)
	return r
}

// Open starts accepting messages for runID and returns the inbox that
// receives messages addressed to the orchestrator.
func (r *Router) Open(runID string) (*agent.Inbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[runID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrRunOpen, runID)
	}
	run := &openRun{inbox: agent.NewInbox(), trace: &traceLog{now: r.now}}
	r.runs[runID] = run
	return run.inbox, nil
}

// Close stops accepting messages for runID and returns its trace
func (r *Router) Close(runID string) Trace {
	r.mu.Lock()
	run, ok := r.runs[runID]
	delete(r.runs, runID)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return run.trace.snapshot()
}

// Trace returns the trace recorded so far for an open run
func (r *Router) Trace(runID string) Trace {
	r.mu.Lock()
	run, ok := r.runs[runID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return run.trace.snapshot()
}

// Record appends an agent action to the run trace. Actions for runs that
// are not open are ignored.
func (r *Router) Record(runID, name, action, detail string) {
	r.mu.Lock()
	run, ok := r.runs[runID]
	r.mu.Unlock()
	if ok {
		run.trace.add(name, action, detail)
	}
}

// Send validates msg and delivers it. A broadcast goes to every agent
// except the sender. Messages for closed runs are dropped without error.
func (r *Router) Send(ctx context.Context, msg models.Message) error {
	if err := msg.Validate(); err != nil {
		r.drop(ctx, msg, DropInvalid)
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if !r.known(msg.Sender()) {
		r.drop(ctx, msg, DropUnknown)
		return fmt.Errorf("%w: %s", ErrUnknownSender, msg.Sender())
	}
	if !msg.IsBroadcast() && !r.known(msg.Receiver()) {
		r.drop(ctx, msg, DropUnknown)
		return fmt.Errorf("%w: %s", ErrUnknownReceiver, msg.Receiver())
	}

	r.mu.Lock()
	run, ok := r.runs[msg.RunID()]
	if !ok {
		r.mu.Unlock()
		r.drop(ctx, msg, DropRunClosed)
		return nil
	}

	var hops []models.Message
	if msg.IsBroadcast() {
		for _, a := range r.agents.Agents() {
			if a.Name() != msg.Sender() {
				hops = append(hops, msg.WithReceiver(a.Name()))
			}
		}
	} else {
		hops = []models.Message{msg}
	}
	for _, h := range hops {
		run.trace.add(h.Receiver(), "deliver", fmt.Sprintf("%s from %s %s", h.Type(), h.Sender(), h.CorrelationID()))
		r.inboxOf(run, h.Receiver()).Deliver(h)
	}
	r.mu.Unlock()

	for _, h := range hops {
		r.delivered.Add(1)
		r.metrics.IncrementCounter(metrics.MessagesRouted.Name, metrics.Labels("type", string(h.Type())))
		r.logger.Debug("Message routed",
			logging.String("run_id", h.RunID()),
			logging.String("type", string(h.Type())),
			logging.String("sender", h.Sender()),
			logging.String("receiver", h.Receiver()),
			logging.String("correlation_id", h.CorrelationID()))
		r.publish(ctx, hopOf(h, r.now(), ""))
	}
	return nil
}

func (r *Router) known(name string) bool {
	if name == models.OrchestratorID {
		return true
	}
	_, ok := r.agents.Get(name)
	return ok
}

func (r *Router) inboxOf(run *openRun, name string) *agent.Inbox {
	if name == models.OrchestratorID {
		return run.inbox
	}
	a, _ := r.agents.Get(name)
	return a.Inbox()
}

func (r *Router) drop(ctx context.Context, msg models.Message, reason string) {
	r.dropped.Add(1)
	r.metrics.IncrementCounter(metrics.MessagesDropped.Name, metrics.Labels("reason", reason))
	r.logger.Debug("Message dropped",
		logging.String("run_id", msg.RunID()),
		logging.String("type", string(msg.Type())),
		logging.String("sender", msg.Sender()),
		logging.String("receiver", msg.Receiver()),
		logging.String("reason", reason))
	r.publish(ctx, hopOf(msg, r.now(), reason))
}

func (r *Router) publish(ctx context.Context, hop Hop) {
	r.hops.push(ctx, hop)
}

// Flush waits until every hop routed so far has been handed to the sinks,
// or ctx is done
func (r *Router) Flush(ctx context.Context) error {
	return r.hops.flush(ctx)
}

// HopsDropped returns the number of hops lost to a full hop queue
func (r *Router) HopsDropped() int64 {
	return r.hops.dropped.Load()
}

// Delivered returns the number of messages delivered so far
func (r *Router) Delivered() int64 { return r.delivered.Load() }

// Dropped returns the number of messages dropped so far
func (r *Router) Dropped() int64 { return r.dropped.Load() }

func hopOf(msg models.Message, at time.Time, dropReason string) Hop {
	return Hop{
		RunID:         msg.RunID(),
		MessageID:     msg.ID(),
		Type:          string(msg.Type()),
		Sender:        msg.Sender(),
		Receiver:      msg.Receiver(),
		CorrelationID: msg.CorrelationID(),
		Timestamp:     at,
		Dropped:       dropReason != "",
		Reason:        dropReason,
	}
}

// LogSink writes hops to a logger at Debug level
type LogSink struct {
	Logger logging.Logger
}

func (s LogSink) Publish(ctx context.Context, hop Hop) error {
	logging.OrGlobal(s.Logger).Debug("Hop",
		logging.String("run_id", hop.RunID),
		logging.String("type", hop.Type),
		logging.String("sender", hop.Sender),
		logging.String("receiver", hop.Receiver),
		logging.Bool("dropped", hop.Dropped))
	return nil
}
