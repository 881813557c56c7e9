package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/syntor/taskmesh/pkg/metrics"
)

// CallRecord is the trace of a single tool call
type CallRecord struct {
	CallID    string                 `json:"call_id"`
	ToolName  string                 `json:"tool_name"`
	Timestamp time.Time              `json:"timestamp"`
	Args      map[string]interface{} `json:"args,omitempty"`
	Output    interface{}            `json:"result,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration"`
}

// ToolStats aggregates the calls of one tool
type ToolStats struct {
	Calls         int           `json:"calls"`
	Successes     int           `json:"successes"`
	Failures      int           `json:"failures"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	MinDuration   time.Duration `json:"min_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
}

// Statistics summarizes every traced call
type Statistics struct {
	TotalCalls      int                  `json:"total_calls"`
	SuccessfulCalls int                  `json:"successful_calls"`
	FailedCalls     int                  `json:"failed_calls"`
	SuccessRate     float64              `json:"success_rate"`
	TotalToolTime   time.Duration        `json:"total_tool_time"`
	ToolsUsed       []string             `json:"tools_used"`
	PerTool         map[string]ToolStats `json:"per_tool_stats"`
}

// Tracer wraps an Executor and records every call passing through it
type Tracer struct {
	next    Executor
	metrics metrics.Collector
	counter int

	mu    sync.Mutex
	calls []CallRecord
}

// NewTracer creates a tracing decorator around next
func NewTracer(next Executor, collector metrics.Collector) *Tracer {
	return &Tracer{next: next, metrics: metrics.OrNop(collector)}
}

// Execute forwards to the wrapped executor and records the outcome
func (t *Tracer) Execute(ctx context.Context, toolName string, args map[string]interface{}) (*ToolResult, error) {
	t.mu.Lock()
	t.counter++
	callID := fmt.Sprintf("%s_%d", toolName, t.counter)
	t.mu.Unlock()

	start := time.Now()
	result, err := t.next.Execute(ctx, toolName, args)
	duration := time.Since(start)

	record := CallRecord{
		CallID:    callID,
		ToolName:  toolName,
		Timestamp: start,
		Args:      args,
		Success:   err == nil,
		Duration:  duration,
	}
	if result != nil {
		record.Output = serializable(result.Output)
	}
	if err != nil {
		record.Error = err.Error()
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	t.metrics.ObserveHistogram(metrics.ToolCalls.Name, duration.Seconds(), metrics.Labels("tool", toolName, "status", status))

	t.mu.Lock()
	t.calls = append(t.calls, record)
	t.mu.Unlock()

	return result, err
}

// Compensate forwards to the wrapped executor when it supports compensation
func (t *Tracer) Compensate(ctx context.Context, toolName string, args map[string]interface{}, cause error) error {
	if c, ok := t.next.(Compensating); ok {
		return c.Compensate(ctx, toolName, args, cause)
	}
	return nil
}

// Calls returns the recorded calls, optionally filtered by tool name
func (t *Tracer) Calls(toolName string) []CallRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]CallRecord, 0, len(t.calls))
	for _, c := range t.calls {
		if toolName == "" || c.ToolName == toolName {
			out = append(out, c)
		}
	}
	return out
}

// Errors returns the failed calls
func (t *Tracer) Errors() []CallRecord {
	return t.filter(func(c CallRecord) bool { return !c.Success })
}

// Slow returns the calls that took at least threshold
func (t *Tracer) Slow(threshold time.Duration) []CallRecord {
	return t.filter(func(c CallRecord) bool { return c.Duration >= threshold })
}

func (t *Tracer) filter(keep func(CallRecord) bool) []CallRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []CallRecord
	for _, c := range t.calls {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

// Stats computes summary statistics over the recorded calls
func (t *Tracer) Stats() Statistics {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := Statistics{PerTool: make(map[string]ToolStats)}
	for _, c := range t.calls {
		stats.TotalCalls++
		stats.TotalToolTime += c.Duration

		ts := stats.PerTool[c.ToolName]
		ts.Calls++
		if c.Success {
			stats.SuccessfulCalls++
			ts.Successes++
		} else {
			stats.FailedCalls++
			ts.Failures++
		}
		ts.TotalDuration += c.Duration
		if ts.Calls == 1 || c.Duration < ts.MinDuration {
			ts.MinDuration = c.Duration
		}
		if c.Duration > ts.MaxDuration {
			ts.MaxDuration = c.Duration
		}
		stats.PerTool[c.ToolName] = ts
	}

	for name, ts := range stats.PerTool {
		ts.AvgDuration = ts.TotalDuration / time.Duration(ts.Calls)
		stats.PerTool[name] = ts
		stats.ToolsUsed = append(stats.ToolsUsed, name)
	}
	sort.Strings(stats.ToolsUsed)

	if stats.TotalCalls > 0 {
		stats.SuccessRate = float64(stats.SuccessfulCalls) / float64(stats.TotalCalls) * 100
	}
	return stats
}

// HealthStatus grades the tool error rate
type HealthStatus string

const (
	Healthy  HealthStatus = "healthy"
	Warning  HealthStatus = "warning"
	Degraded HealthStatus = "degraded"
	Critical HealthStatus = "critical"
)

// Health summarizes the error rate of the traced calls
type Health struct {
	Status     HealthStatus `json:"status"`
	ErrorRate  float64      `json:"error_rate"`
	TotalCalls int          `json:"total_calls"`
	Timestamp  time.Time    `json:"timestamp"`
}

// HealthOf grades an error rate given in percent: above 50 is critical,
// above 20 degraded, above 5 a warning.
func HealthOf(errorRate float64) HealthStatus {
	switch {
	case errorRate > 50:
		return Critical
	case errorRate > 20:
		return Degraded
	case errorRate > 5:
		return Warning
	}
	return Healthy
}

// Health reports the health of the traced tools. With no calls it is
// healthy.
func (t *Tracer) Health() Health {
	stats := t.Stats()
	var rate float64
	if stats.TotalCalls > 0 {
		rate = float64(stats.FailedCalls) / float64(stats.TotalCalls) * 100
	}
	return Health{
		Status:     HealthOf(rate),
		ErrorRate:  rate,
		TotalCalls: stats.TotalCalls,
		Timestamp:  time.Now(),
	}
}

// ExportJSON writes the recorded calls as a JSON array
func (t *Tracer) ExportJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(t.Calls(""))
}

// Reset drops every recorded call
func (t *Tracer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = nil
	t.counter = 0
}

func serializable(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	if _, err := json.Marshal(v); err != nil {
		return fmt.Sprint(v)
	}
	return v
}
