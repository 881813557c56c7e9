package cli

import (
	"fmt"
	"sort"

	"github.com/syntor/taskmesh/pkg/agent"
	"github.com/syntor/taskmesh/pkg/config"
	"github.com/syntor/taskmesh/pkg/decision"
	"github.com/syntor/taskmesh/pkg/logging"
	"github.com/syntor/taskmesh/pkg/manifest"
	"github.com/syntor/taskmesh/pkg/metrics"
	"github.com/syntor/taskmesh/pkg/registry"
	"github.com/syntor/taskmesh/pkg/resilience"
	"github.com/syntor/taskmesh/pkg/tools"
	"github.com/syntor/taskmesh/pkg/tools/implementations"
)

// Team is a registry of built agents plus the tracer their tool calls
// pass through
type Team struct {
	Registry *registry.Registry
	Tracer   *tools.Tracer
}

// DefaultTeam describes the built-in team: a manager over one worker per
// default role, plus a peer and a blackboard agent per role.
func DefaultTeam() *manifest.TeamManifest {
	roleTools := implementations.RoleTools()
	roles := make([]string, 0, len(roleTools))
	for role := range roleTools {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	agents := []manifest.AgentSpec{{Name: "manager", Kind: manifest.KindManager}}
	for _, role := range roles {
		agents = append(agents, manifest.AgentSpec{Name: role + "-1", Kind: manifest.KindWorker, Role: role, Tools: roleTools[role]})
	}
	for _, role := range roles {
		agents = append(agents, manifest.AgentSpec{Name: "peer-" + role, Kind: manifest.KindPeer, Role: role})
	}
	for _, role := range roles {
		agents = append(agents, manifest.AgentSpec{Name: "board-" + role, Kind: manifest.KindBlackboard, Role: role})
	}

	return &manifest.TeamManifest{
		APIVersion: manifest.APIVersion,
		Kind:       manifest.KindTeam,
		Metadata:   manifest.TeamMeta{Name: "default", Description: "one agent of each kind per default role"},
		Spec:       manifest.TeamSpec{Agents: agents},
	}
}

// BuildTeam instantiates m against the built-in tools. Every agent decides
// with the rule-based decider, so runs need no external model.
func BuildTeam(cfg *config.Config, m *manifest.TeamManifest, logger logging.Logger, collector metrics.Collector) (*Team, error) {
	toolReg := tools.NewRegistry()
	if err := implementations.RegisterAll(toolReg); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}
	if err := manifest.CheckTools(m, func(name string) bool { _, ok := toolReg.Get(name); return ok }); err != nil {
		return nil, err
	}
	tracer := tools.NewTracer(tools.NewLocalExecutor(toolReg), collector)

	invokerConfig := cfg.InvokerConfig()
	invokerConfig.Logger = logger
	invokerConfig.Metrics = collector

	reg := registry.New()
	oc := cfg.Orchestrator
	peers := make(map[string]*agent.PeerAgent)

	for _, spec := range m.Spec.Agents {
		var a agent.Agent
		switch spec.Kind {
		case manifest.KindManager:
			planner := decision.NewRuleBased()
			planner.Critical = spec.Critical
			maxReplans := oc.MaxReplans
			if spec.MaxReplans != 0 {
				maxReplans = spec.MaxReplans
			}
			a = agent.NewManager(agent.ManagerConfig{
				Name:       spec.Name,
				Role:       spec.Role,
				Decider:    planner,
				Directory:  reg,
				Discipline: agent.Discipline(oc.Discipline),
				PoolSize:   oc.PoolSize,
				MaxReplans: maxReplans,
				Logger:     logger,
			})
		case manifest.KindWorker:
			a = agent.NewWorker(agent.WorkerConfig{
				Name:     spec.Name,
				Role:     spec.Role,
				Tools:    spec.Tools,
				Executor: tracer,
				Invoker:  resilience.NewResilientInvoker(invokerConfig),
				Logger:   logger,
			})
		case manifest.KindPeer:
			p := agent.NewPeer(agent.PeerConfig{
				Name:         spec.Name,
				Role:         spec.Role,
				Decider:      decision.NewRuleBased(),
				AnswerWindow: spec.Window(oc.AnswerWindow),
				Logger:       logger,
			})
			peers[spec.Name] = p
			a = p
		case manifest.KindBlackboard:
			a = agent.NewBlackboardAgent(agent.BlackboardConfig{
				Name:    spec.Name,
				Role:    spec.Role,
				Decider: decision.NewRuleBased(),
				Logger:  logger,
			})
		default:
			return nil, fmt.Errorf("agent %s: unsupported kind %q", spec.Name, spec.Kind)
		}
		if err := reg.Register(a); err != nil {
			return nil, err
		}
	}

	connectPeers(m, peers)
	return &Team{Registry: reg, Tracer: tracer}, nil
}

// connectPeers links peers to their declared neighbors. Peers declaring
// none are linked to each other.
func connectPeers(m *manifest.TeamManifest, peers map[string]*agent.PeerAgent) {
	specs := m.Agents(manifest.KindPeer)
	for i, spec := range specs {
		if len(spec.Neighbors) > 0 {
			for _, n := range spec.Neighbors {
				agent.Connect(peers[spec.Name], peers[n])
			}
			continue
		}
		for _, other := range specs[i+1:] {
			if len(other.Neighbors) == 0 {
				agent.Connect(peers[spec.Name], peers[other.Name])
			}
		}
	}
}
