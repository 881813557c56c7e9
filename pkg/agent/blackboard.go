package agent

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/syntor/taskmesh/pkg/blackboard"
	"github.com/syntor/taskmesh/pkg/decision"
	"github.com/syntor/taskmesh/pkg/logging"
	"github.com/syntor/taskmesh/pkg/models"
	"github.com/syntor/taskmesh/pkg/resilience"
	"github.com/syntor/taskmesh/pkg/tracing"
)

// Contribution is one proposed write to the board. Update runs under the
// board lock and may still decline to write.
type Contribution struct {
	Key    string
	Update blackboard.UpdateFunc
}

// Contributor decides what, if anything, an agent adds to the board
type Contributor interface {
	Propose(ctx context.Context, snapshot map[string]blackboard.Entry, problem string) (Contribution, bool, error)
}

// ContributorFunc adapts a function into a Contributor
type ContributorFunc func(ctx context.Context, snapshot map[string]blackboard.Entry, problem string) (Contribution, bool, error)

func (f ContributorFunc) Propose(ctx context.Context, snapshot map[string]blackboard.Entry, problem string) (Contribution, bool, error) {
	return f(ctx, snapshot, problem)
}

// DeciderContributor writes the decider's answer under Key, only when it
// differs from what the board already holds. Unchanged input therefore
// produces no write.
type DeciderContributor struct {
	Agent   string
	Role    string
	Key     string
	Decider decision.Decider
}

func (c *DeciderContributor) Propose(ctx context.Context, snapshot map[string]blackboard.Entry, problem string) (Contribution, bool, error) {
	inputs := make([]decision.Input, 0, len(snapshot))
	for _, key := range sortedKeys(snapshot) {
		e := snapshot[key]
		inputs = append(inputs, decision.Input{ID: key, Source: e.Writer, Text: fmt.Sprint(e.Value)})
	}

	d, err := c.Decider.Decide(ctx, decision.Context{
		Agent:  c.Agent,
		Role:   c.Role,
		Goal:   problem,
		Stage:  decision.StageContribute,
		Inputs: inputs,
	})
	if err != nil {
		return Contribution{}, false, err
	}
	if err := d.Validate(decision.ActionAnswer); err != nil {
		return Contribution{}, false, err
	}

	if e, ok := snapshot[c.Key]; ok && reflect.DeepEqual(e.Value, d.Payload) {
		return Contribution{}, false, nil
	}
	return Contribution{Key: c.Key, Update: SetIfChanged(d.Payload)}, true, nil
}

// SetIfChanged returns an UpdateFunc that writes value unless the key
// already holds an equal value.
func SetIfChanged(value interface{}) blackboard.UpdateFunc {
	return func(current interface{}, exists bool) (interface{}, bool, error) {
		if exists && reflect.DeepEqual(current, value) {
			return nil, false, nil
		}
		return value, true, nil
	}
}

// BlackboardConfig configures a BlackboardAgent. When Contributor is nil a
// DeciderContributor keyed by the agent role is used.
type BlackboardConfig struct {
	Name        string
	Role        string
	Contributor Contributor
	Decider     decision.Decider
	Logger      logging.Logger
}

// BlackboardAgent collaborates by reading and writing a shared board
type BlackboardAgent struct {
	*base

	contributor Contributor

	mu    sync.RWMutex
	board *blackboard.Board
}

// NewBlackboardAgent creates a blackboard agent
func NewBlackboardAgent(cfg BlackboardConfig) *BlackboardAgent {
	c := cfg.Contributor
	if c == nil {
		c = &DeciderContributor{Agent: cfg.Name, Role: cfg.Role, Key: cfg.Role, Decider: cfg.Decider}
	}
	return &BlackboardAgent{
		base:        newBase(cfg.Name, cfg.Role, cfg.Logger),
		contributor: c,
	}
}

func (b *BlackboardAgent) kind() Kind { return KindBlackboard }

// Bind sets the board Process contributes to
func (b *BlackboardAgent) Bind(board *blackboard.Board) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.board = board
}

func (b *BlackboardAgent) boardOrNil() *blackboard.Board {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.board
}

// Contribute reads the board, asks the contributor whether it can add
// value and performs at most one atomic write. It reports whether
// anything was written.
func (b *BlackboardAgent) Contribute(ctx context.Context, board *blackboard.Board, problem string) (wrote bool, err error) {
	if err := b.state.Begin(); err != nil {
		return false, err
	}
	start := time.Now()

	ctx, span := tracing.Start(ctx, tracing.OpContribute, tracing.KeyAgent.String(b.name))
	defer func() {
		span.SetAttributes(tracing.KeyStatus.Bool(wrote))
		tracing.End(span, err)
		b.finish(start, err)
	}()

	c, ok, err := b.contributor.Propose(ctx, board.Snapshot(), problem)
	if err != nil || !ok {
		return false, err
	}
	if c.Key == "" || c.Update == nil {
		return false, fmt.Errorf("%w: contribution from %s has no key or update", blackboard.ErrEmptyKey, b.name)
	}
	return board.Update(b.name, c.Key, c.Update)
}

// Process contributes to the bound board for a TASK and replies with a
// RESULT whose output reports whether anything was written.
func (b *BlackboardAgent) Process(ctx context.Context, msg models.Message) (models.Message, error) {
	if !msg.Is(models.MsgTask) {
		return models.Message{}, fmt.Errorf("%w: blackboard agent %s got %s", ErrUnexpectedMessage, b.name, msg.Type())
	}
	task, _ := msg.Task()

	board := b.boardOrNil()
	if board == nil {
		return failure(msg, task.SubTaskID, string(resilience.ClassPermanent), CodeExecution, ErrNotBound.Error(), 0), ErrNotBound
	}

	wrote, err := b.Contribute(ctx, board, task.Description)
	if err != nil {
		return failure(msg, task.SubTaskID, string(resilience.Classify(err)), errorCode(err), err.Error(), 0), err
	}
	b.record(msg.RunID(), "contribute", fmt.Sprintf("wrote=%t", wrote))
	return models.NewResultMessage(msg, models.ResultPayload{SubTaskID: task.SubTaskID, Output: wrote}), nil
}

func sortedKeys(m map[string]blackboard.Entry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
