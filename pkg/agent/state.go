package agent

import (
	"fmt"
	"sync"

	"github.com/syntor/taskmesh/pkg/models"
)

var transitions = map[models.AgentState][]models.AgentState{
	models.AgentIdle:    {models.AgentWorking},
	models.AgentWorking: {models.AgentWaiting, models.AgentDone, models.AgentFailed},
	models.AgentWaiting: {models.AgentWorking, models.AgentDone, models.AgentFailed},
}

// StateMachine enforces the agent lifecycle within one task execution
type StateMachine struct {
	mu       sync.RWMutex
	state    models.AgentState
	onChange func(from, to models.AgentState)
}

// NewStateMachine starts in IDLE
func NewStateMachine() *StateMachine {
	return &StateMachine{state: models.AgentIdle}
}

// OnChange registers a callback run after every transition
func (s *StateMachine) OnChange(fn func(from, to models.AgentState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Current returns the current state
func (s *StateMachine) Current() models.AgentState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Transition moves to state to, or returns ErrInvalidTransition
func (s *StateMachine) Transition(to models.AgentState) error {
	s.mu.Lock()
	from := s.state
	if !allowed(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.state = to
	cb := s.onChange
	s.mu.Unlock()

	if cb != nil {
		cb(from, to)
	}
	return nil
}

// Reset returns a finished agent to IDLE. It fails while a task is in
// progress.
func (s *StateMachine) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case models.AgentIdle:
		return nil
	case models.AgentDone, models.AgentFailed:
		s.state = models.AgentIdle
		return nil
	}
	return fmt.Errorf("%w: cannot reset while %s", ErrInvalidTransition, s.state)
}

// Begin resets a finished agent and moves it to WORKING
func (s *StateMachine) Begin() error {
	if err := s.Reset(); err != nil {
		return err
	}
	return s.Transition(models.AgentWorking)
}

func allowed(from, to models.AgentState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
