package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/syntor/taskmesh/pkg/logging"
	"github.com/syntor/taskmesh/pkg/metrics"
)

// DefaultHopBuffer is the number of hops held for sinks before new ones
// are dropped
const DefaultHopBuffer = 1024

type queuedHop struct {
	ctx context.Context
	hop Hop
}

// hopQueue hands hops to sinks from a single background goroutine, so a
// slow sink never delays delivery. The goroutine runs only while hops are
// queued. When the buffer is full the newest hop is dropped.
type hopQueue struct {
	sinks   []HopSink
	limit   int
	logger  logging.Logger
	metrics metrics.Collector

	mu      sync.Mutex
	pending []queuedHop
	idle    chan struct{}

	dropped atomic.Int64
}

func newHopQueue(sinks []HopSink, limit int, logger logging.Logger, collector metrics.Collector) *hopQueue {
	if limit <= 0 {
		limit = DefaultHopBuffer
	}
	return &hopQueue{sinks: sinks, limit: limit, logger: logger, metrics: collector}
}

func (q *hopQueue) push(ctx context.Context, hop Hop) {
	if len(q.sinks) == 0 {
		return
	}

	q.mu.Lock()
	if len(q.pending) >= q.limit {
		q.mu.Unlock()
		q.dropped.Add(1)
		q.metrics.IncrementCounter(metrics.HopsDropped.Name, nil)
		q.logger.Debug("Hop queue full, dropping hop",
			logging.String("run_id", hop.RunID),
			logging.String("message_id", hop.MessageID))
		return
	}
	q.pending = append(q.pending, queuedHop{ctx: context.WithoutCancel(ctx), hop: hop})
	if q.idle == nil {
		q.idle = make(chan struct{})
		go q.drain(q.idle)
	}
	q.mu.Unlock()
}

func (q *hopQueue) drain(idle chan struct{}) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.idle = nil
			q.mu.Unlock()
			close(idle)
			return
		}
		next := q.pending[0]
		q.pending[0] = queuedHop{}
		q.pending = q.pending[1:]
		q.mu.Unlock()

		for _, s := range q.sinks {
			if err := s.Publish(next.ctx, next.hop); err != nil {
				q.logger.Warn("Hop sink failed", logging.Err(err))
			}
		}
	}
}

// flush waits until every queued hop has been handed to the sinks
func (q *hopQueue) flush(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	if idle == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
