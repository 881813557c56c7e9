package models

import (
	"time"
)

// MessageType defines the category of message
type MessageType string

const (
	MsgTask   MessageType = "TASK"
	MsgResult MessageType = "RESULT"
	MsgError  MessageType = "ERROR"
	MsgQuery  MessageType = "QUERY"
	MsgAnswer MessageType = "ANSWER"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MsgTask, MsgResult, MsgError, MsgQuery, MsgAnswer:
		return true
	}
	return false
}

const (
	// Broadcast addresses every registered agent except the sender.
	Broadcast = "*"

	// OrchestratorID is the reserved identity the orchestrator uses when it
	// sends goals and receives final answers.
	OrchestratorID = "orchestrator"
)

// AgentState represents the lifecycle state of an agent within one task execution
type AgentState string

const (
	AgentIdle    AgentState = "IDLE"
	AgentWorking AgentState = "WORKING"
	AgentWaiting AgentState = "WAITING"
	AgentDone    AgentState = "DONE"
	AgentFailed  AgentState = "FAILED"
)

// CircuitState represents circuit breaker state
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// Gauge returns the numeric encoding exported through metrics.
func (s CircuitState) Gauge() float64 {
	switch s {
	case CircuitOpen:
		return 2
	case CircuitHalfOpen:
		return 1
	}
	return 0
}

// TaskPayload is the content of a TASK message sent by a manager to a worker.
type TaskPayload struct {
	SubTaskID   string                 `json:"subtask_id"`
	Description string                 `json:"description"`
	Tool        string                 `json:"tool,omitempty"`
	Arguments   map[string]interface{} `json:"arguments,omitempty"`
	Context     string                 `json:"context,omitempty"`
}

// ResultPayload is the content of a RESULT message.
type ResultPayload struct {
	SubTaskID string        `json:"subtask_id,omitempty"`
	Output    interface{}   `json:"output"`
	Attempts  int           `json:"attempts,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Partial   bool          `json:"partial,omitempty"`
}

// ErrorPayload is the content of an ERROR message.
type ErrorPayload struct {
	SubTaskID string `json:"subtask_id,omitempty"`
	Class     string `json:"class"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Attempts  int    `json:"attempts,omitempty"`
}

func (e ErrorPayload) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}
