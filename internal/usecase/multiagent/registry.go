// Package multiagent manages the lifecycle of running agent instances and
// routes messages between them.
package multiagent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"maestro/internal/domain"
	"maestro/internal/usecase"
)

// AgentFactory builds the tool loop for a spawned identity.
type AgentFactory func(identity domain.AgentIdentity) (*usecase.Agent, error)

// AgentInstance bundles a running agent with its exclusively-owned session
// and mutable lifecycle state.
type AgentInstance struct {
	Identity domain.AgentIdentity
	Agent    *usecase.Agent
	Session  *usecase.Session

	mu    sync.Mutex
	state domain.AgentState
}

// State returns the instance's current lifecycle state.
func (i *AgentInstance) State() domain.AgentState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *AgentInstance) setState(s domain.AgentState) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

// Status returns a read-only snapshot.
func (i *AgentInstance) Status() domain.AgentStatus {
	return domain.AgentStatus{
		ID:       i.Identity.ID,
		Name:     i.Identity.Name,
		Model:    i.Identity.Model,
		State:    i.State(),
		Messages: i.Session.Len(),
	}
}

// Registry holds all live agent instances.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]*AgentInstance
	factory  AgentFactory
	sessions *usecase.SessionManager // optional
	bus      domain.EventBus         // optional
	logger   *slog.Logger
}

// NewRegistry creates a Registry.
func NewRegistry(factory AgentFactory, bus domain.EventBus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents:  make(map[string]*AgentInstance),
		factory: factory,
		bus:     bus,
		logger:  logger,
	}
}

// UseSessionManager makes Spawn restore agent sessions from, and Terminate
// persist them to, the given manager instead of starting fresh each time.
func (r *Registry) UseSessionManager(sm *usecase.SessionManager) {
	r.sessions = sm
}

// Spawn creates an agent instance with a fresh session and registers it.
// Duplicate ids are rejected.
func (r *Registry) Spawn(ctx context.Context, identity domain.AgentIdentity) (*AgentInstance, error) {
	const op = "Registry.Spawn"

	agent, err := r.factory(identity)
	if err != nil {
		return nil, domain.NewDomainError(op, err, identity.ID)
	}
	session := usecase.NewSession(identity.ID)
	if r.sessions != nil {
		session = r.sessions.GetOrCreate(identity.ID)
	}
	restored := session.Len() > 0
	inst := &AgentInstance{
		Identity: identity,
		Agent:    agent,
		Session:  session,
		state:    domain.AgentIdle,
	}

	r.mu.Lock()
	if _, exists := r.agents[identity.ID]; exists {
		r.mu.Unlock()
		return nil, domain.NewDomainError(op, domain.ErrDuplicate, identity.ID)
	}
	r.agents[identity.ID] = inst
	r.mu.Unlock()

	r.logger.Info("agent spawned", "agent_id", identity.ID, "name", identity.Name, "model", identity.Model)
	r.publish(ctx, domain.EventAgentSpawned, identity.ID, map[string]string{"name": identity.Name})
	if !restored {
		r.publish(ctx, domain.EventSessionCreated, identity.ID, nil)
	}
	return inst, nil
}

// Terminate removes an agent and destroys its session.
func (r *Registry) Terminate(ctx context.Context, agentID string) error {
	const op = "Registry.Terminate"

	r.mu.Lock()
	inst, ok := r.agents[agentID]
	if ok {
		delete(r.agents, agentID)
	}
	r.mu.Unlock()

	if !ok {
		return domain.NewDomainError(op, domain.ErrAgentNotFound, agentID)
	}
	inst.setState(domain.AgentTerminated)
	if r.sessions != nil {
		if err := r.sessions.Save(agentID); err != nil {
			r.logger.Warn("session save failed", "agent_id", agentID, "error", err)
		}
	}
	inst.Session.Clear()
	r.publish(ctx, domain.EventSessionCleared, agentID, nil)

	r.logger.Info("agent terminated", "agent_id", agentID)
	r.publish(ctx, domain.EventAgentTerminated, agentID, nil)
	return nil
}

// Get returns the live instance for an id.
func (r *Registry) Get(agentID string) (*AgentInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.agents[agentID]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrAgentNotFound, agentID)
	}
	return inst, nil
}

// List returns a status snapshot for every live agent, sorted by id.
func (r *Registry) List() []domain.AgentStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make([]domain.AgentStatus, 0, len(r.agents))
	for _, inst := range r.agents {
		statuses = append(statuses, inst.Status())
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].ID < statuses[j].ID
	})
	return statuses
}

func (r *Registry) publish(ctx context.Context, eventType domain.EventType, agentID string, payload any) {
	if r.bus == nil {
		return
	}
	var data json.RawMessage
	if payload != nil {
		data, _ = json.Marshal(payload)
	}
	r.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		AgentID:   agentID,
		Payload:   data,
	})
}
