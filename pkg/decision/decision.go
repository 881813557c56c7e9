// Package decision defines the boundary between agents and whatever
// produces their decisions: a language model, a script or a rule set.
// Decider output is untrusted and must pass Validate before use.
package decision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"
)

// Action is what a decider asks the agent to do next
type Action string

const (
	ActionDelegate Action = "delegate"
	ActionAnswer   Action = "answer"
	ActionQuery    Action = "query"
)

// Stage tells the decider which step of agent behavior it is serving
type Stage string

const (
	StageDecompose   Stage = "decompose"
	StageSynthesize  Stage = "synthesize"
	StageCollaborate Stage = "collaborate"
	StageAnswer      Stage = "answer"
	StageContribute  Stage = "contribute"
)

// MaxPayloadBytes bounds an accepted decision payload
const MaxPayloadBytes = 256 * 1024

var (
	ErrInvalidDecision = errors.New("invalid decision")
	ErrScriptExhausted = errors.New("scripted decider has no decisions left")
)

// Input is one labelled piece of material the decider works from, such
// as a sub-task output or a peer answer.
type Input struct {
	ID     string `json:"id"`
	Source string `json:"source,omitempty"`
	Text   string `json:"text"`
}

// Context is everything an agent hands to its decider
type Context struct {
	Agent    string   `json:"agent"`
	Role     string   `json:"role"`
	Goal     string   `json:"goal"`
	Stage    Stage    `json:"stage"`
	Roles    []string `json:"roles,omitempty"`
	Inputs   []Input  `json:"inputs,omitempty"`
	Failures []string `json:"failures,omitempty"`
}

// Decision is the decider's reply
type Decision struct {
	Action  Action `json:"action"`
	Payload string `json:"payload"`
}

// Validate checks the decision is well formed and, when allowed is
// non-empty, that its action is one of them.
func (d Decision) Validate(allowed ...Action) error {
	switch d.Action {
	case ActionDelegate, ActionAnswer, ActionQuery:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidDecision, d.Action)
	}
	if len(allowed) > 0 {
		ok := false
		for _, a := range allowed {
			if a == d.Action {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%w: action %q not allowed here", ErrInvalidDecision, d.Action)
		}
	}
	if d.Payload == "" {
		return fmt.Errorf("%w: empty payload", ErrInvalidDecision)
	}
	if len(d.Payload) > MaxPayloadBytes {
		return fmt.Errorf("%w: payload exceeds %d bytes", ErrInvalidDecision, MaxPayloadBytes)
	}
	if !utf8.ValidString(d.Payload) {
		return fmt.Errorf("%w: payload is not valid UTF-8", ErrInvalidDecision)
	}
	return nil
}

// Decider produces the next decision for an agent
type Decider interface {
	Decide(ctx context.Context, dc Context) (Decision, error)
}

// Func adapts a function into a Decider
type Func func(ctx context.Context, dc Context) (Decision, error)

// Decide calls f
func (f Func) Decide(ctx context.Context, dc Context) (Decision, error) {
	return f(ctx, dc)
}

// Scripted replays a fixed sequence of decisions, one per call. After the
// script runs out it defers to Fallback, or fails with ErrScriptExhausted.
type Scripted struct {
	Fallback Decider

	mu        sync.Mutex
	decisions []Decision
	seen      []Context
}

// NewScripted creates a decider that returns decisions in order
func NewScripted(decisions ...Decision) *Scripted {
	return &Scripted{decisions: decisions}
}

func (s *Scripted) Decide(ctx context.Context, dc Context) (Decision, error) {
	s.mu.Lock()
	s.seen = append(s.seen, dc)
	if len(s.decisions) == 0 {
		s.mu.Unlock()
		if s.Fallback != nil {
			return s.Fallback.Decide(ctx, dc)
		}
		return Decision{}, ErrScriptExhausted
	}
	d := s.decisions[0]
	s.decisions = s.decisions[1:]
	s.mu.Unlock()
	return d, nil
}

// Seen returns the contexts the decider was called with
func (s *Scripted) Seen() []Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Context, len(s.seen))
	copy(out, s.seen)
	return out
}

// Remaining returns how many scripted decisions are left
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.decisions)
}

// Delegate is shorthand for a delegate decision
func Delegate(payload string) Decision { return Decision{Action: ActionDelegate, Payload: payload} }

// Answer is shorthand for an answer decision
func Answer(payload string) Decision { return Decision{Action: ActionAnswer, Payload: payload} }
