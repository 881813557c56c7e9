package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syntor/taskmesh/pkg/decision"
	"github.com/syntor/taskmesh/pkg/logging"
	"github.com/syntor/taskmesh/pkg/models"
	"github.com/syntor/taskmesh/pkg/resilience"
	"github.com/syntor/taskmesh/pkg/tracing"
)

// DefaultAnswerWindow bounds how long a peer waits for ANSWERs
const DefaultAnswerWindow = 2 * time.Second

// PeerConfig configures a PeerAgent
type PeerConfig struct {
	Name         string
	Role         string
	Decider      decision.Decider
	AnswerWindow time.Duration
	Logger       logging.Logger
}

// PeerAgent collaborates with its neighbors by exchanging QUERY and
// ANSWER messages.
type PeerAgent struct {
	*base

	decider decision.Decider
	window  time.Duration

	mu        sync.RWMutex
	neighbors map[string]bool
}

// NewPeer creates a peer with no neighbors
func NewPeer(cfg PeerConfig) *PeerAgent {
	if cfg.AnswerWindow <= 0 {
		cfg.AnswerWindow = DefaultAnswerWindow
	}
	return &PeerAgent{
		base:      newBase(cfg.Name, cfg.Role, cfg.Logger),
		decider:   cfg.Decider,
		window:    cfg.AnswerWindow,
		neighbors: make(map[string]bool),
	}
}

func (p *PeerAgent) kind() Kind { return KindPeer }

// Connect links a and b in both directions
func Connect(a, b *PeerAgent) {
	if a == b {
		return
	}
	a.addNeighbor(b.name)
	b.addNeighbor(a.name)
}

// ConnectAll links every pair of peers
func ConnectAll(peers ...*PeerAgent) {
	for i := range peers {
		for j := i + 1; j < len(peers); j++ {
			Connect(peers[i], peers[j])
		}
	}
}

func (p *PeerAgent) addNeighbor(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.neighbors[name] = true
}

// Neighbors returns the connected peer names, sorted
func (p *PeerAgent) Neighbors() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.neighbors))
	for n := range p.neighbors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Process answers QUERY messages and collaborates on TASK messages
func (p *PeerAgent) Process(ctx context.Context, msg models.Message) (models.Message, error) {
	switch msg.Type() {
	case models.MsgQuery:
		return p.answer(ctx, msg)
	case models.MsgTask:
		task, _ := msg.Task()
		contribution, answered, err := p.Collaborate(ctx, msg.RunID(), task.Description)
		if err != nil {
			return failure(msg, task.SubTaskID, string(resilience.Classify(err)), errorCode(err), err.Error(), 0), err
		}
		return models.NewResultMessage(msg, models.ResultPayload{
			SubTaskID: task.SubTaskID,
			Output:    contribution,
			Partial:   answered < len(p.Neighbors()),
		}), nil
	}
	return models.Message{}, fmt.Errorf("%w: peer %s got %s", ErrUnexpectedMessage, p.name, msg.Type())
}

// answer replies to a neighbor's QUERY. It leaves the peer's state alone
// so a peer can answer while it waits on its own queries.
func (p *PeerAgent) answer(ctx context.Context, query models.Message) (models.Message, error) {
	d, err := p.decide(ctx, decision.Context{
		Agent: p.name,
		Role:  p.role,
		Goal:  query.Text(),
		Stage: decision.StageAnswer,
	})
	if err != nil {
		return models.Message{}, err
	}
	p.record(query.RunID(), "answer", query.Sender())
	return models.NewAnswerMessage(query, d.Payload), nil
}

// Collaborate sends a QUERY about problem to every neighbor, waits up to
// the answer window for their ANSWERs and produces this peer's
// contribution from whatever arrived. Peers that did not answer in time
// are left out. It returns the contribution and the number of answers.
func (p *PeerAgent) Collaborate(ctx context.Context, runID, problem string) (contribution string, answered int, err error) {
	if err := p.state.Begin(); err != nil {
		return "", 0, err
	}
	start := time.Now()

	ctx, span := tracing.Start(ctx, tracing.OpCollab,
		tracing.KeyRunID.String(runID),
		tracing.KeyAgent.String(p.name))
	defer func() {
		tracing.End(span, err)
		p.finish(start, err)
	}()

	neighbors := p.Neighbors()
	queryID := uuid.New().String()
	sent := 0
	for _, n := range neighbors {
		q := models.NewQueryMessage(p.name, n, queryID, problem).WithRunID(runID)
		if err := p.send(ctx, q); err != nil {
			p.logger.Warn("Query not delivered", logging.String("peer", n), logging.Err(err))
			continue
		}
		sent++
	}
	p.record(runID, "query", fmt.Sprintf("%d peers", sent))

	inputs, err := p.await(ctx, runID, queryID, sent)
	if err != nil {
		return "", 0, err
	}

	d, err := p.decide(ctx, decision.Context{
		Agent:  p.name,
		Role:   p.role,
		Goal:   problem,
		Stage:  decision.StageCollaborate,
		Inputs: inputs,
	})
	if err != nil {
		return "", len(inputs), err
	}
	p.record(runID, "contribute", fmt.Sprintf("%d answers", len(inputs)))
	return d.Payload, len(inputs), nil
}

// await collects up to want ANSWERs for queryID within the answer window
func (p *PeerAgent) await(ctx context.Context, runID, queryID string, want int) ([]decision.Input, error) {
	if err := p.state.Transition(models.AgentWaiting); err != nil {
		return nil, err
	}
	defer func() {
		if err := p.state.Transition(models.AgentWorking); err != nil {
			p.logger.Warn("State transition rejected", logging.Err(err))
		}
	}()

	windowCtx, cancel := context.WithTimeout(ctx, p.window)
	defer cancel()

	match := InRun(runID, func(m models.Message) bool {
		return m.Is(models.MsgAnswer) && m.CorrelationID() == queryID
	})

	var inputs []decision.Input
	for len(inputs) < want {
		msg, err := p.inbox.Receive(windowCtx, match)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			break
		}
		inputs = append(inputs, decision.Input{ID: msg.ID(), Source: msg.Sender(), Text: msg.Text()})
	}

	// answers arriving after the window are no longer wanted
	p.inbox.Discard(match)
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].Source < inputs[j].Source })
	return inputs, nil
}

func (p *PeerAgent) decide(ctx context.Context, dc decision.Context) (decision.Decision, error) {
	if p.decider == nil {
		return decision.Decision{}, fmt.Errorf("%w: peer %s has no decider", decision.ErrInvalidDecision, p.name)
	}
	d, err := p.decider.Decide(ctx, dc)
	if err != nil {
		return decision.Decision{}, err
	}
	if err := d.Validate(decision.ActionAnswer); err != nil {
		return decision.Decision{}, err
	}
	return d, nil
}
