package orchestrator

import (
	"strings"
	"sync"
	"time"
)

// TraceEntry is one step of a run as observed by the router
type TraceEntry struct {
	Agent     string    `json:"agent"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Trace is the ordered record of a run
type Trace []TraceEntry

// Filter returns the entries with the given action
func (t Trace) Filter(action string) Trace {
	var out Trace
	for _, e := range t {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// Find returns the first entry with action whose detail contains detail
func (t Trace) Find(action, detail string) (TraceEntry, bool) {
	for _, e := range t {
		if e.Action == action && strings.Contains(e.Detail, detail) {
			return e, true
		}
	}
	return TraceEntry{}, false
}

// Agents returns the distinct agents in order of first appearance
func (t Trace) Agents() []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range t {
		if !seen[e.Agent] {
			seen[e.Agent] = true
			out = append(out, e.Agent)
		}
	}
	return out
}

type traceLog struct {
	mu      sync.Mutex
	entries Trace
	now     func() time.Time
}

func (l *traceLog) add(agent, action, detail string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, TraceEntry{Agent: agent, Action: action, Detail: detail, Timestamp: l.now()})
}

func (l *traceLog) snapshot() Trace {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(Trace, len(l.entries))
	copy(out, l.entries)
	return out
}
