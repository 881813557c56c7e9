package integration

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/taskmesh/pkg/agent"
	"github.com/syntor/taskmesh/pkg/blackboard"
	"github.com/syntor/taskmesh/pkg/decision"
	"github.com/syntor/taskmesh/pkg/kafka"
	"github.com/syntor/taskmesh/pkg/logging"
	"github.com/syntor/taskmesh/pkg/metrics"
	"github.com/syntor/taskmesh/pkg/models"
	"github.com/syntor/taskmesh/pkg/orchestrator"
	"github.com/syntor/taskmesh/pkg/registry"
	"github.com/syntor/taskmesh/pkg/tools"
)

// recordingWriter stands in for a Kafka producer
type recordingWriter struct {
	mu   sync.Mutex
	msgs []kafkago.Message
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafkago.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func (w *recordingWriter) records() []kafkago.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafkago.Message(nil), w.msgs...)
}

func textTool(name, arg string, delay time.Duration, fn func(string) string) *tools.Func {
	return &tools.Func{
		ToolName: name,
		Args:     []tools.ArgSpec{{Name: arg, Type: tools.ArgString, Required: true}},
		Fn: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return fn(args[arg].(string)), nil
		},
	}
}

func buildTeam(t *testing.T, toolReg *tools.Registry, collector metrics.Collector) *registry.Registry {
	t.Helper()
	nop := logging.NewNopLogger()
	reg := registry.New()
	reg.MustRegister(
		agent.NewManager(agent.ManagerConfig{Name: "manager", Decider: decision.NewRuleBased(), Directory: reg, Logger: nop}),
		agent.NewWorker(agent.WorkerConfig{
			Name:     "researcher-1",
			Role:     "researcher",
			Tools:    []string{"web_search"},
			Executor: tools.NewTracer(tools.NewLocalExecutor(toolReg), collector),
			Logger:   nop,
		}),
		agent.NewWorker(agent.WorkerConfig{
			Name:     "writer-1",
			Role:     "writer",
			Tools:    []string{"format_document"},
			Executor: tools.NewTracer(tools.NewLocalExecutor(toolReg), collector),
			Logger:   nop,
		}),
		agent.NewBlackboardAgent(agent.BlackboardConfig{Name: "board-researcher", Role: "researcher", Decider: decision.NewRuleBased(), Logger: nop}),
		agent.NewBlackboardAgent(agent.BlackboardConfig{Name: "board-writer", Role: "writer", Decider: decision.NewRuleBased(), Logger: nop}),
	)
	return reg
}

func defaultTools() *tools.Registry {
	return tools.NewRegistry().MustRegister(
		textTool("web_search", "query", 20*time.Millisecond, func(string) string { return "A-data" }),
		textTool("format_document", "content", 0, func(c string) string { return "combined[" + c + "]" }),
	)
}

// A sub-task that references an earlier output is dispatched only after
// that output arrived
func TestDependentSubTaskWaitsForResult(t *testing.T) {
	o := orchestrator.New(buildTeam(t, defaultTools(), nil), orchestrator.Config{},
		orchestrator.WithLogger(logging.NewNopLogger()))

	res, err := o.Run(context.Background(), orchestrator.RunRequest{Goal: "fetch A then combine with B", TimeoutSeconds: 5})
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusComplete, res.Status)
	assert.Contains(t, res.Result, "combined[combine with B\n\nA-data]")

	first, ok := res.Trace.Find("result", "s1")
	require.True(t, ok)
	second, ok := res.Trace.Find("dispatch", "s2")
	require.True(t, ok)
	assert.False(t, second.Timestamp.Before(first.Timestamp), "s2 dispatched before s1 resolved")

	dispatched, _ := res.Trace.Find("dispatch", "s1")
	assert.True(t, dispatched.Timestamp.Before(second.Timestamp))
}

// Hops of a run reach Kafka keyed by run id
func TestHopsPublishedToKafka(t *testing.T) {
	writer := &recordingWriter{}
	sink := kafka.NewHopSink(writer, time.Second, logging.NewNopLogger())
	defer sink.Close()

	collector, err := metrics.NewEngineCollector()
	require.NoError(t, err)
	o := orchestrator.New(buildTeam(t, defaultTools(), collector), orchestrator.Config{},
		orchestrator.WithLogger(logging.NewNopLogger()),
		orchestrator.WithMetrics(collector),
		orchestrator.WithHopSink(sink))

	res, err := o.Run(context.Background(), orchestrator.RunRequest{Goal: "fetch A then combine with B", TimeoutSeconds: 5})
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusComplete, res.Status)

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Router().Flush(flushCtx))

	records := writer.records()
	require.NotEmpty(t, records)

	var delivered []orchestrator.Hop
	for _, rec := range records {
		assert.Equal(t, res.RunID, string(rec.Key))
		hop, err := kafka.DecodeRecord(rec)
		require.NoError(t, err)
		if !hop.Dropped {
			delivered = append(delivered, hop)
		}
	}
	require.Len(t, delivered, len(res.Trace.Filter("deliver")))

	first := delivered[0]
	assert.Equal(t, string(models.MsgTask), first.Type)
	assert.Equal(t, models.OrchestratorID, first.Sender)
	assert.Equal(t, "manager", first.Receiver)
	assert.Equal(t, models.OrchestratorID, delivered[len(delivered)-1].Receiver)

	families, err := collector.Gatherer().Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, strings.Join(names, ","), metrics.Runs.Name)
}

// The final board of a blackboard run is exported to Redis
func TestBlackboardExportedToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	exporter := blackboard.NewRedisExporterFromClient(client, "", time.Hour)
	defer exporter.Close()

	o := orchestrator.New(buildTeam(t, defaultTools(), nil), orchestrator.Config{MaxRounds: 4},
		orchestrator.WithLogger(logging.NewNopLogger()),
		orchestrator.WithBoardExporter(exporter))

	res, err := o.Run(context.Background(), orchestrator.RunRequest{Goal: "a launch plan", Mode: orchestrator.ModeBlackboard, TimeoutSeconds: 5})
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusComplete, res.Status)

	outcome, ok := res.Result.(orchestrator.BlackboardOutcome)
	require.True(t, ok)
	assert.True(t, outcome.Converged)
	assert.LessOrEqual(t, outcome.Rounds, 2)

	dump, err := exporter.Load(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Len(t, dump.Entries, 2)
	assert.Equal(t, "writer: a launch plan", dump.Entries["writer"].Value)
	assert.Equal(t, "board-researcher", dump.Entries["researcher"].Writer)
	assert.Len(t, dump.History, len(outcome.History))
	assert.True(t, mr.Exists(blackboard.BoardKey(blackboard.DefaultRedisConfig().Prefix, res.RunID)))
}
