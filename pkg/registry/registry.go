// Package registry keeps the set of agents taking part in a run and
// resolves worker roles to agent names.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/syntor/taskmesh/pkg/agent"
	"github.com/syntor/taskmesh/pkg/models"
)

var (
	ErrDuplicateAgent = errors.New("agent already registered")
	ErrUnknownAgent   = errors.New("unknown agent")
	ErrReservedName   = errors.New("agent name is reserved")
)

// Entry describes a registered agent
type Entry struct {
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	Kind         string    `json:"kind"`
	Tools        []string  `json:"tools,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Registry is an in-memory agent registry. It implements agent.Directory.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]agent.Agent
	kinds   map[string]agent.Kind
	entries map[string]Entry
	order   []string

	matcher  RoleMatcher
	strategy Strategy
}

// Option configures a Registry
type Option func(*Registry)

// WithMatcher replaces the role matcher
func WithMatcher(m RoleMatcher) Option {
	return func(r *Registry) { r.matcher = m }
}

// WithStrategy sets the order Candidates returns workers in
func WithStrategy(s Strategy) Option {
	return func(r *Registry) { r.strategy = s }
}

// New creates an empty registry
func New(opts ...Option) *Registry {
	r := &Registry{
		agents:   make(map[string]agent.Agent),
		kinds:    make(map[string]agent.Kind),
		entries:  make(map[string]Entry),
		matcher:  NewRoleMatcher(),
		strategy: RoundRobin,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds agents. Names must be unique and must not collide with
// the orchestrator or broadcast identifiers.
func (r *Registry) Register(agents ...agent.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range agents {
		name := a.Name()
		switch {
		case name == "":
			return fmt.Errorf("agent name is required")
		case name == models.Broadcast || name == models.OrchestratorID:
			return fmt.Errorf("%w: %s", ErrReservedName, name)
		}
		if _, exists := r.agents[name]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateAgent, name)
		}

		entry := Entry{
			Name:         name,
			Role:         a.Role(),
			Kind:         agent.KindOf(a).String(),
			RegisteredAt: time.Now(),
		}
		if w, ok := a.(*agent.Worker); ok {
			entry.Tools = w.Tools()
		}

		r.agents[name] = a
		r.kinds[name] = agent.KindOf(a)
		r.entries[name] = entry
		r.order = append(r.order, name)
	}
	return nil
}

// MustRegister registers agents and panics on error
func (r *Registry) MustRegister(agents ...agent.Agent) *Registry {
	if err := r.Register(agents...); err != nil {
		panic(err)
	}
	return r
}

// Deregister removes the named agent
func (r *Registry) Deregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	delete(r.agents, name)
	delete(r.kinds, name)
	delete(r.entries, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns the named agent
func (r *Registry) Get(name string) (agent.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// Has reports whether name is registered
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Len returns the number of registered agents
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Agents returns every agent in registration order
func (r *Registry) Agents() []agent.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]agent.Agent, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.agents[name])
	}
	return out
}

// OfKind returns the agents of one variant in registration order
func (r *Registry) OfKind(k agent.Kind) []agent.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []agent.Agent
	for _, name := range r.order {
		if r.kinds[name] == k {
			out = append(out, r.agents[name])
		}
	}
	return out
}

// List returns the entries in registration order
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name])
	}
	return out
}

// Roles returns the distinct worker roles, sorted
func (r *Registry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var roles []string
	for _, name := range r.order {
		e := r.entries[name]
		if r.kinds[name] != agent.KindWorker || seen[e.Role] {
			continue
		}
		seen[e.Role] = true
		roles = append(roles, e.Role)
	}
	sort.Strings(roles)
	return roles
}

// Candidates returns the workers able to serve role, best match first
// and ordered by the registry strategy among equal matches.
func (r *Registry) Candidates(role string) []string {
	r.mu.RLock()
	type scored struct {
		name  string
		score float64
		load  int64
		index int
	}
	var matches []scored
	for i, name := range r.order {
		if r.kinds[name] != agent.KindWorker {
			continue
		}
		score := r.matcher.Score(role, r.entries[name].Role)
		if score <= 0 {
			continue
		}
		matches = append(matches, scored{name: name, score: score, load: load(r.agents[name]), index: i})
	}
	strategy := r.strategy
	r.mu.RUnlock()

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		if strategy == LeastLoaded && matches[i].load != matches[j].load {
			return matches[i].load < matches[j].load
		}
		return matches[i].index < matches[j].index
	})

	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m.name)
	}
	return names
}

func load(a agent.Agent) int64 {
	if s, ok := a.(interface{ Stats() agent.Stats }); ok {
		busy := int64(0)
		if st := a.State(); st == models.AgentWorking || st == models.AgentWaiting {
			busy = 1
		}
		return s.Stats().Processed + busy
	}
	return 0
}
