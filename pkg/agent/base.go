package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syntor/taskmesh/pkg/logging"
	"github.com/syntor/taskmesh/pkg/models"
)

// Stats counts the tasks an agent has processed
type Stats struct {
	Processed    int64         `json:"processed"`
	Succeeded    int64         `json:"succeeded"`
	Failed       int64         `json:"failed"`
	TotalLatency time.Duration `json:"total_latency"`
}

// base carries the state shared by every variant
type base struct {
	name   string
	role   string
	state  *StateMachine
	inbox  *Inbox
	logger logging.Logger

	mu     sync.RWMutex
	router Router

	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	latency   atomic.Int64
}

func newBase(name, role string, logger logging.Logger) *base {
	return &base{
		name:   name,
		role:   role,
		state:  NewStateMachine(),
		inbox:  NewInbox(),
		logger: logging.OrGlobal(logger).With(logging.Component("agent"), logging.String("agent", name)),
	}
}

func (b *base) Name() string             { return b.name }
func (b *base) Role() string             { return b.role }
func (b *base) State() models.AgentState { return b.state.Current() }
func (b *base) Inbox() *Inbox            { return b.inbox }
func (b *base) Logger() logging.Logger   { return b.logger }

// StateMachine exposes the lifecycle for observers
func (b *base) StateMachine() *StateMachine { return b.state }

// Attach sets the router replies and outgoing messages go through
func (b *base) Attach(r Router) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.router = r
}

func (b *base) routerOrNil() Router {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.router
}

func (b *base) record(runID, action, detail string) {
	if r := b.routerOrNil(); r != nil {
		r.Record(runID, b.name, action, detail)
	}
}

func (b *base) send(ctx context.Context, msg models.Message) error {
	r := b.routerOrNil()
	if r == nil {
		return ErrNotAttached
	}
	return r.Send(ctx, msg)
}

// finish moves the agent to DONE or FAILED and updates the counters
func (b *base) finish(start time.Time, err error) {
	b.processed.Add(1)
	b.latency.Add(int64(time.Since(start)))

	to := models.AgentDone
	if err != nil {
		to = models.AgentFailed
		b.failed.Add(1)
	} else {
		b.succeeded.Add(1)
	}
	if terr := b.state.Transition(to); terr != nil {
		b.logger.Warn("State transition rejected", logging.Err(terr))
	}
}

// Stats returns the processing counters
func (b *base) Stats() Stats {
	return Stats{
		Processed:    b.processed.Load(),
		Succeeded:    b.succeeded.Load(),
		Failed:       b.failed.Load(),
		TotalLatency: time.Duration(b.latency.Load()),
	}
}

func failure(msg models.Message, subTaskID, class, code, message string, attempts int) models.Message {
	return models.NewErrorMessage(msg, models.ErrorPayload{
		SubTaskID: subTaskID,
		Class:     class,
		Code:      code,
		Message:   message,
		Attempts:  attempts,
	})
}
