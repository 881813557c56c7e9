package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/taskmesh/pkg/logging"
	"github.com/syntor/taskmesh/pkg/orchestrator"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func header(msg kafka.Message, key string) (string, bool) {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value), true
		}
	}
	return "", false
}

func TestHopSink(t *testing.T) {
	w := &fakeWriter{}
	sink := NewHopSink(w, time.Second, logging.NewNopLogger())

	hop := orchestrator.Hop{
		RunID:         "run-1",
		MessageID:     "m1",
		Type:          "TASK",
		Sender:        "manager",
		Receiver:      "researcher-1",
		CorrelationID: "plan/s1",
		Timestamp:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, sink.Publish(context.Background(), hop))
	require.Len(t, w.messages, 1)

	msg := w.messages[0]
	assert.Equal(t, "run-1", string(msg.Key))
	typ, _ := header(msg, "message_type")
	assert.Equal(t, "TASK", typ)
	corr, _ := header(msg, "correlation_id")
	assert.Equal(t, "plan/s1", corr)
	_, dropped := header(msg, "dropped")
	assert.False(t, dropped)

	decoded, err := DecodeRecord(msg)
	require.NoError(t, err)
	assert.Equal(t, hop, decoded)

	t.Run("dropped hops carry the reason", func(t *testing.T) {
		hop.Dropped, hop.Reason = true, orchestrator.DropRunClosed
		msg, err := Record(hop)
		require.NoError(t, err)
		reason, ok := header(msg, "dropped")
		assert.True(t, ok)
		assert.Equal(t, orchestrator.DropRunClosed, reason)
	})

	t.Run("write errors are returned", func(t *testing.T) {
		w.err = errors.New("broker down")
		err := sink.Publish(context.Background(), hop)
		assert.ErrorContains(t, err, "broker down")
		w.err = nil
	})

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
	assert.ErrorIs(t, sink.Publish(context.Background(), hop), ErrSinkClosed)
	assert.NoError(t, sink.Close())
}

func TestConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, DefaultTopic, cfg.Topic)

	w := NewWriter(cfg)
	assert.Equal(t, DefaultTopic, w.Topic)
	assert.Equal(t, kafka.RequireOne, w.RequiredAcks)
	assert.Equal(t, kafka.Snappy, w.Compression)

	assert.Equal(t, kafka.RequireAll, requiredAcks("all"))
	assert.Equal(t, kafka.RequireNone, requiredAcks("0"))
	assert.Equal(t, kafka.Compression(0), compressionCodec("none"))

	_, err := Open(Config{}, nil)
	assert.Error(t, err)
}
