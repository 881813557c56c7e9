package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/syntor/taskmesh/pkg/logging"
	"github.com/syntor/taskmesh/pkg/models"
	"github.com/syntor/taskmesh/pkg/resilience"
)

var (
	ErrInvalidTransition = errors.New("invalid agent state transition")
	ErrUnexpectedMessage = errors.New("unexpected message type")
	ErrNoCandidate       = errors.New("no agent available for role")
	ErrNotBound          = errors.New("blackboard agent is not bound to a board")
	ErrNotAttached       = errors.New("agent is not attached to a router")

	// ErrReplanExhausted is returned by a Manager when a critical sub-task
	// keeps failing after its replanning budget is spent.
	ErrReplanExhausted = fmt.Errorf("%w: replan exhausted", resilience.ErrCoordination)
)

// Error codes carried by ERROR messages that agents produce themselves
const (
	CodeReplanExhausted = "REPLAN_EXHAUSTED"
	CodeInvalidPlan     = "INVALID_PLAN"
	CodeNoCandidate     = "NO_CANDIDATE"
	CodeCircuitOpen     = "CIRCUIT_OPEN"
	CodeRateLimited     = "RATE_LIMITED"
	CodeExecution       = "EXECUTION_ERROR"
	CodeCanceled        = "CANCELED"
)

// Kind enumerates the closed set of agent variants
type Kind int

const (
	KindWorker Kind = iota + 1
	KindManager
	KindPeer
	KindBlackboard
)

func (k Kind) String() string {
	switch k {
	case KindWorker:
		return "worker"
	case KindManager:
		return "manager"
	case KindPeer:
		return "peer"
	case KindBlackboard:
		return "blackboard"
	}
	return "unknown"
}

// Agent is implemented only by the variants in this package
type Agent interface {
	Name() string
	Role() string
	State() models.AgentState
	Inbox() *Inbox
	Logger() logging.Logger

	// Process handles one message and returns the reply to route back, or
	// a zero Message when there is nothing to send.
	Process(ctx context.Context, msg models.Message) (models.Message, error)

	kind() Kind
}

// KindOf returns the variant of a
func KindOf(a Agent) Kind {
	return a.kind()
}

// Router is the single delivery point agents send through
type Router interface {
	Send(ctx context.Context, msg models.Message) error
	Record(runID, agent, action, detail string)
}

// Directory resolves a role to the names of agents that can serve it
type Directory interface {
	Roles() []string
	Candidates(role string) []string
}

// Invoker runs an operation against a named target under admission and
// retry control. *resilience.ResilientInvoker implements it.
type Invoker interface {
	Invoke(ctx context.Context, target string, op resilience.Operation) (resilience.Invocation, error)
}

// ErrorFromPayload maps an ERROR message payload back to the sentinel it
// was produced from, where there is one.
func ErrorFromPayload(p models.ErrorPayload) error {
	switch p.Code {
	case CodeReplanExhausted:
		return fmt.Errorf("%w: %s", ErrReplanExhausted, p.Message)
	case CodeNoCandidate:
		return fmt.Errorf("%w: %s", ErrNoCandidate, p.Message)
	}
	return p
}
