package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message is the only unit of communication between agents. Fields are
// unexported so a message cannot change after construction; the With*
// methods return modified copies.
type Message struct {
	id            string
	runID         string
	msgType       MessageType
	sender        string
	receiver      string
	content       interface{}
	correlationID string
	timestamp     time.Time
}

// NewMessage creates a new message with a fresh id and creation timestamp
func NewMessage(msgType MessageType, sender, receiver string, content interface{}) Message {
	return Message{
		id:        uuid.New().String(),
		msgType:   msgType,
		sender:    sender,
		receiver:  receiver,
		content:   content,
		timestamp: time.Now(),
	}
}

// NewTaskMessage creates a TASK message carrying a sub-task
func NewTaskMessage(sender, receiver string, task TaskPayload) Message {
	return NewMessage(MsgTask, sender, receiver, task).WithCorrelationID(task.SubTaskID)
}

// NewResultMessage replies to msg with a RESULT
func NewResultMessage(msg Message, result ResultPayload) Message {
	return msg.reply(MsgResult, result)
}

// NewErrorMessage replies to msg with an ERROR
func NewErrorMessage(msg Message, failure ErrorPayload) Message {
	return msg.reply(MsgError, failure)
}

// NewQueryMessage creates a QUERY addressed to receiver and correlated by queryID
func NewQueryMessage(sender, receiver, queryID, question string) Message {
	return NewMessage(MsgQuery, sender, receiver, question).WithCorrelationID(queryID)
}

// NewAnswerMessage replies to a QUERY with an ANSWER
func NewAnswerMessage(query Message, answer string) Message {
	return query.reply(MsgAnswer, answer)
}

func (m Message) reply(msgType MessageType, content interface{}) Message {
	r := NewMessage(msgType, m.receiver, m.sender, content)
	r.correlationID = m.correlationID
	r.runID = m.runID
	return r
}

func (m Message) ID() string            { return m.id }
func (m Message) RunID() string         { return m.runID }
func (m Message) Type() MessageType     { return m.msgType }
func (m Message) Sender() string        { return m.sender }
func (m Message) Receiver() string      { return m.receiver }
func (m Message) Content() interface{}  { return m.content }
func (m Message) CorrelationID() string { return m.correlationID }
func (m Message) Timestamp() time.Time  { return m.timestamp }
func (m Message) IsZero() bool          { return m.id == "" }
func (m Message) IsBroadcast() bool     { return m.receiver == Broadcast }
func (m Message) Is(t MessageType) bool { return m.msgType == t }

// WithCorrelationID returns a copy correlated to id
func (m Message) WithCorrelationID(id string) Message {
	m.correlationID = id
	return m
}

// WithRunID returns a copy scoped to the given run
func (m Message) WithRunID(runID string) Message {
	m.runID = runID
	return m
}

// WithReceiver returns a copy addressed to receiver. The router uses it to
// fan a broadcast out into per-agent deliveries.
func (m Message) WithReceiver(receiver string) Message {
	m.receiver = receiver
	return m
}

// Task returns the sub-task carried by a TASK message.
func (m Message) Task() (TaskPayload, bool) {
	switch c := m.content.(type) {
	case TaskPayload:
		return c, true
	case *TaskPayload:
		if c != nil {
			return *c, true
		}
	case string:
		return TaskPayload{SubTaskID: m.correlationID, Description: c}, true
	}
	return TaskPayload{}, false
}

// Result returns the payload of a RESULT message.
func (m Message) Result() (ResultPayload, bool) {
	r, ok := m.content.(ResultPayload)
	return r, ok
}

// Failure returns the payload of an ERROR message.
func (m Message) Failure() (ErrorPayload, bool) {
	e, ok := m.content.(ErrorPayload)
	return e, ok
}

// Text returns string content, used by QUERY and ANSWER messages.
func (m Message) Text() string {
	if s, ok := m.content.(string); ok {
		return s
	}
	return ""
}

type wireMessage struct {
	ID            string      `json:"id"`
	RunID         string      `json:"run_id,omitempty"`
	Type          MessageType `json:"type"`
	Sender        string      `json:"sender"`
	Receiver      string      `json:"receiver"`
	Content       interface{} `json:"content,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// MarshalJSON renders the message for logs and hop export
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMessage{
		ID:            m.id,
		RunID:         m.runID,
		Type:          m.msgType,
		Sender:        m.sender,
		Receiver:      m.receiver,
		Content:       m.content,
		CorrelationID: m.correlationID,
		Timestamp:     m.timestamp,
	})
}

// Validate checks if the message has all required fields
func (m Message) Validate() error {
	if m.id == "" {
		return &ValidationError{Field: "id", Message: "message ID is required"}
	}
	if !m.msgType.Valid() {
		return &ValidationError{Field: "type", Message: "unknown message type " + string(m.msgType)}
	}
	if m.sender == "" {
		return &ValidationError{Field: "sender", Message: "message sender is required"}
	}
	if m.sender == Broadcast {
		return &ValidationError{Field: "sender", Message: "sender cannot be the broadcast marker"}
	}
	if m.receiver == "" {
		return &ValidationError{Field: "receiver", Message: "message receiver is required"}
	}
	if m.timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "message timestamp is required"}
	}
	return nil
}

// ValidationError represents a message validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error on field '" + e.Field + "': " + e.Message
}
