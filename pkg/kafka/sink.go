package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/syntor/taskmesh/pkg/logging"
	"github.com/syntor/taskmesh/pkg/orchestrator"
)

var ErrSinkClosed = errors.New("hop sink closed")

// Writer is the part of *kafka.Writer the sink uses
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// HopSink publishes router hops as JSON records keyed by run id, so the
// hops of one run stay in one partition and in order.
type HopSink struct {
	writer  Writer
	timeout time.Duration
	logger  logging.Logger

	mu     sync.RWMutex
	closed bool
}

// NewHopSink creates a sink writing through w
func NewHopSink(w Writer, timeout time.Duration, logger logging.Logger) *HopSink {
	return &HopSink{
		writer:  w,
		timeout: timeout,
		logger:  logging.OrGlobal(logger).With(logging.Component("kafka")),
	}
}

// Open creates a sink over a new kafka-go writer for cfg
func Open(cfg Config, logger logging.Logger) (*HopSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker is required")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	return NewHopSink(NewWriter(cfg), cfg.WriteTimeout, logger), nil
}

// Publish writes one hop
func (s *HopSink) Publish(ctx context.Context, hop orchestrator.Hop) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}

	msg, err := Record(hop)
	if err != nil {
		return err
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish hop: %w", err)
	}
	return nil
}

// Close flushes and closes the writer
func (s *HopSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Debug("Closing hop sink")
	return s.writer.Close()
}

// Record encodes hop as a Kafka message
func Record(hop orchestrator.Hop) (kafka.Message, error) {
	value, err := json.Marshal(hop)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to serialize hop: %w", err)
	}
	headers := []kafka.Header{
		{Key: "message_type", Value: []byte(hop.Type)},
		{Key: "sender", Value: []byte(hop.Sender)},
		{Key: "receiver", Value: []byte(hop.Receiver)},
		{Key: "timestamp", Value: []byte(hop.Timestamp.Format(time.RFC3339Nano))},
	}
	if hop.CorrelationID != "" {
		headers = append(headers, kafka.Header{Key: "correlation_id", Value: []byte(hop.CorrelationID)})
	}
	if hop.Dropped {
		headers = append(headers, kafka.Header{Key: "dropped", Value: []byte(hop.Reason)})
	}
	return kafka.Message{
		Key:     []byte(hop.RunID),
		Value:   value,
		Headers: headers,
		Time:    hop.Timestamp,
	}, nil
}

// DecodeRecord is the inverse of Record
func DecodeRecord(msg kafka.Message) (orchestrator.Hop, error) {
	var hop orchestrator.Hop
	if err := json.Unmarshal(msg.Value, &hop); err != nil {
		return orchestrator.Hop{}, fmt.Errorf("failed to decode hop: %w", err)
	}
	return hop, nil
}

// EnsureTopic creates the hop topic through the cluster controller when
// it does not exist yet.
func EnsureTopic(ctx context.Context, cfg Config) error {
	if len(cfg.Brokers) == 0 {
		return fmt.Errorf("kafka: at least one broker is required")
	}
	conn, err := kafka.DialContext(ctx, "tcp", cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to kafka: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to get controller: %w", err)
	}
	controllerConn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("failed to connect to controller: %w", err)
	}
	defer controllerConn.Close()

	err = controllerConn.CreateTopics(kafka.TopicConfig{
		Topic:             cfg.Topic,
		NumPartitions:     cfg.Topics.NumPartitions,
		ReplicationFactor: cfg.Topics.ReplicationFactor,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("failed to create topic %s: %w", cfg.Topic, err)
	}
	return nil
}
