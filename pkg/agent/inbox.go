package agent

import (
	"context"
	"sync"

	"github.com/syntor/taskmesh/pkg/models"
)

// Inbox is an ordered FIFO of delivered messages. Receivers may select
// by predicate; matching messages still come out in delivery order.
type Inbox struct {
	mu     sync.Mutex
	msgs   []models.Message
	notify chan struct{}
}

// NewInbox creates an empty inbox
func NewInbox() *Inbox {
	return &Inbox{notify: make(chan struct{})}
}

// Deliver appends msg and wakes any waiting receivers
func (in *Inbox) Deliver(msg models.Message) {
	in.mu.Lock()
	in.msgs = append(in.msgs, msg)
	close(in.notify)
	in.notify = make(chan struct{})
	in.mu.Unlock()
}

// Receive removes and returns the oldest message accepted by match,
// waiting until one arrives or ctx is done. A message that is already
// queued is returned even when ctx is done.
func (in *Inbox) Receive(ctx context.Context, match func(models.Message) bool) (models.Message, error) {
	for {
		msg, ok, wait := in.take(match)
		if ok {
			return msg, nil
		}

		select {
		case <-ctx.Done():
			return models.Message{}, ctx.Err()
		case <-wait:
		}
	}
}

// TryReceive is Receive without waiting
func (in *Inbox) TryReceive(match func(models.Message) bool) (models.Message, bool) {
	msg, ok, _ := in.take(match)
	return msg, ok
}

func (in *Inbox) take(match func(models.Message) bool) (models.Message, bool, <-chan struct{}) {
	in.mu.Lock()
	defer in.mu.Unlock()

	for i, msg := range in.msgs {
		if match == nil || match(msg) {
			in.msgs = append(in.msgs[:i], in.msgs[i+1:]...)
			return msg, true, nil
		}
	}
	return models.Message{}, false, in.notify
}

// Discard drops every queued message accepted by match and returns how
// many were dropped.
func (in *Inbox) Discard(match func(models.Message) bool) int {
	in.mu.Lock()
	defer in.mu.Unlock()

	kept := in.msgs[:0]
	dropped := 0
	for _, msg := range in.msgs {
		if match(msg) {
			dropped++
			continue
		}
		kept = append(kept, msg)
	}
	for i := len(kept); i < len(in.msgs); i++ {
		in.msgs[i] = models.Message{}
	}
	in.msgs = kept
	return dropped
}

// Len returns the number of queued messages
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.msgs)
}

// OfType matches messages of any of the given types
func OfType(types ...models.MessageType) func(models.Message) bool {
	return func(m models.Message) bool {
		for _, t := range types {
			if m.Is(t) {
				return true
			}
		}
		return false
	}
}

// InRun narrows match to messages of one run
func InRun(runID string, match func(models.Message) bool) func(models.Message) bool {
	return func(m models.Message) bool {
		return m.RunID() == runID && (match == nil || match(m))
	}
}
