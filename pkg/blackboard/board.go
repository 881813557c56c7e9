// Package blackboard implements the shared store used by blackboard-mode
// runs: last-writer-wins entries plus an append-only write history.
package blackboard

import (
	"encoding/json"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/syntor/taskmesh/pkg/metrics"
)

var ErrEmptyKey = errors.New("blackboard key is required")

// Entry is the current value of a key
type Entry struct {
	Key       string      `json:"key"`
	Value     interface{} `json:"value"`
	Writer    string      `json:"writer"`
	Version   int         `json:"version"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// HistoryRecord is one applied write
type HistoryRecord struct {
	Seq       int         `json:"seq"`
	Key       string      `json:"key"`
	Value     interface{} `json:"value"`
	Writer    string      `json:"writer"`
	Timestamp time.Time   `json:"timestamp"`
}

// UpdateFunc computes the next value of a key from its current one. It
// returns write=false to leave the key untouched. It runs under the board
// lock and must not call back into the board.
type UpdateFunc func(current interface{}, exists bool) (next interface{}, write bool, err error)

// Board is safe for concurrent use. A write and its history record are
// applied in the same critical section, so history order is write order.
type Board struct {
	mu      sync.RWMutex
	entries map[string]Entry
	history []HistoryRecord

	now     func() time.Time
	metrics metrics.Collector
}

// Option configures a Board
type Option func(*Board)

// WithClock overrides the timestamp source
func WithClock(now func() time.Time) Option {
	return func(b *Board) { b.now = now }
}

// WithMetrics reports writes to collector
func WithMetrics(collector metrics.Collector) Option {
	return func(b *Board) { b.metrics = metrics.OrNop(collector) }
}

// New creates an empty board
func New(opts ...Option) *Board {
	b := &Board{
		entries: make(map[string]Entry),
		now:     time.Now,
		metrics: metrics.NopCollector{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Write sets key to value unconditionally
func (b *Board) Write(writer, key string, value interface{}) (HistoryRecord, error) {
	if key == "" {
		return HistoryRecord{}, ErrEmptyKey
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.apply(writer, key, value), nil
}

// Update atomically reads key, calls fn and applies its result
func (b *Board) Update(writer, key string, fn UpdateFunc) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	current, exists := b.entries[key]
	next, write, err := fn(current.Value, exists)
	if err != nil || !write {
		return false, err
	}
	b.apply(writer, key, next)
	return true, nil
}

// apply must be called with b.mu held
func (b *Board) apply(writer, key string, value interface{}) HistoryRecord {
	now := b.now()
	prev := b.entries[key]
	b.entries[key] = Entry{
		Key:       key,
		Value:     value,
		Writer:    writer,
		Version:   prev.Version + 1,
		UpdatedAt: now,
	}

	rec := HistoryRecord{
		Seq:       len(b.history) + 1,
		Key:       key,
		Value:     value,
		Writer:    writer,
		Timestamp: now,
	}
	b.history = append(b.history, rec)
	b.metrics.IncrementCounter(metrics.BlackboardWrites.Name, metrics.Labels("writer", writer))
	return rec
}

// Get returns the current entry for key
func (b *Board) Get(key string) (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[key]
	return e, ok
}

// Snapshot returns a copy of every current entry
func (b *Board) Snapshot() map[string]Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]Entry, len(b.entries))
	for k, v := range b.entries {
		out[k] = v
	}
	return out
}

// Keys returns the current keys, sorted
func (b *Board) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// History returns a copy of every write in order
func (b *Board) History() []HistoryRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]HistoryRecord, len(b.history))
	copy(out, b.history)
	return out
}

// HistorySince returns the writes with a sequence number above seq
func (b *Board) HistorySince(seq int) []HistoryRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if seq < 0 {
		seq = 0
	}
	if seq >= len(b.history) {
		return nil
	}
	out := make([]HistoryRecord, len(b.history)-seq)
	copy(out, b.history[seq:])
	return out
}

// Len returns the number of keys
func (b *Board) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Written returns the number of writes applied so far
func (b *Board) Written() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.history)
}

// Dump is the serialized form of a board
type Dump struct {
	Entries map[string]Entry `json:"entries"`
	History []HistoryRecord  `json:"history"`
}

// Dump captures entries and history under a single read lock
func (b *Board) Dump() Dump {
	b.mu.RLock()
	defer b.mu.RUnlock()

	d := Dump{
		Entries: make(map[string]Entry, len(b.entries)),
		History: make([]HistoryRecord, len(b.history)),
	}
	for k, v := range b.entries {
		d.Entries[k] = v
	}
	copy(d.History, b.history)
	return d
}

func (b *Board) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Dump())
}

// ExportJSON writes the board as indented JSON
func (b *Board) ExportJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(b.Dump())
}
