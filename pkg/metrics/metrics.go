package metrics

import (
	"time"
)

// Collector interface for metrics collection
type Collector interface {
	IncrementCounter(name string, labels map[string]string)
	AddCounter(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	ObserveDuration(name string, start time.Time, labels map[string]string)
}

// Metric represents a metric definition
type Metric struct {
	Name    string
	Type    MetricType
	Help    string
	Labels  []string
	Buckets []float64 // For histograms
}

// MetricType represents the type of metric
type MetricType string

const (
	CounterType   MetricType = "counter"
	GaugeType     MetricType = "gauge"
	HistogramType MetricType = "histogram"
)

// Engine metrics
var (
	Invocations = Metric{
		Name:   "taskmesh_invocations_total",
		Type:   CounterType,
		Help:   "Protected external calls by target and outcome",
		Labels: []string{"target", "outcome"},
	}

	InvocationAttempts = Metric{
		Name:    "taskmesh_invocation_attempts",
		Type:    HistogramType,
		Help:    "Attempts consumed per invocation",
		Labels:  []string{"target"},
		Buckets: []float64{1, 2, 3, 4, 5, 8, 10},
	}

	CircuitState = Metric{
		Name:   "taskmesh_circuit_state",
		Type:   GaugeType,
		Help:   "Circuit breaker state per target (0 closed, 1 half-open, 2 open)",
		Labels: []string{"target"},
	}

	RateLimited = Metric{
		Name:   "taskmesh_rate_limited_total",
		Type:   CounterType,
		Help:   "Calls rejected by admission control",
		Labels: []string{"target"},
	}

	MessagesRouted = Metric{
		Name:   "taskmesh_messages_routed_total",
		Type:   CounterType,
		Help:   "Messages delivered by the router",
		Labels: []string{"type"},
	}

	MessagesDropped = Metric{
		Name:   "taskmesh_messages_dropped_total",
		Type:   CounterType,
		Help:   "Messages the router refused to deliver",
		Labels: []string{"reason"},
	}

	HopsDropped = Metric{
		Name: "taskmesh_hops_dropped_total",
		Type: CounterType,
		Help: "Hops not handed to sinks because the hop queue was full",
	}

	Runs = Metric{
		Name:   "taskmesh_runs_total",
		Type:   CounterType,
		Help:   "Orchestration runs by mode and final status",
		Labels: []string{"mode", "status"},
	}

	RunDuration = Metric{
		Name:    "taskmesh_run_duration_seconds",
		Type:    HistogramType,
		Help:    "Wall time of orchestration runs",
		Labels:  []string{"mode"},
		Buckets: []float64{.001, .01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
	}

	BlackboardWrites = Metric{
		Name:   "taskmesh_blackboard_writes_total",
		Type:   CounterType,
		Help:   "Writes applied to shared blackboards",
		Labels: []string{"writer"},
	}

	ToolCalls = Metric{
		Name:    "taskmesh_tool_call_duration_seconds",
		Type:    HistogramType,
		Help:    "Duration of tool executions",
		Labels:  []string{"tool", "status"},
		Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
	}
)

// EngineMetrics lists every metric the engine reports.
func EngineMetrics() []Metric {
	return []Metric{
		Invocations,
		InvocationAttempts,
		CircuitState,
		RateLimited,
		MessagesRouted,
		MessagesDropped,
		HopsDropped,
		Runs,
		RunDuration,
		BlackboardWrites,
		ToolCalls,
	}
}

// Labels creates a labels map from key-value pairs
func Labels(kvs ...string) map[string]string {
	labels := make(map[string]string)
	for i := 0; i < len(kvs)-1; i += 2 {
		labels[kvs[i]] = kvs[i+1]
	}
	return labels
}

// NopCollector discards everything.
type NopCollector struct{}

func (NopCollector) IncrementCounter(string, map[string]string)           {}
func (NopCollector) AddCounter(string, float64, map[string]string)        {}
func (NopCollector) SetGauge(string, float64, map[string]string)          {}
func (NopCollector) ObserveHistogram(string, float64, map[string]string)  {}
func (NopCollector) ObserveDuration(string, time.Time, map[string]string) {}

// OrNop returns c, or a NopCollector when c is nil.
func OrNop(c Collector) Collector {
	if c == nil {
		return NopCollector{}
	}
	return c
}
