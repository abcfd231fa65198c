package multiagent

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/domain"
	"maestro/internal/usecase"
	"maestro/internal/usecase/eventbus"
)

// echoProvider answers every request with a fixed prefix plus the last user
// message, or fails when broken.
type echoProvider struct {
	prefix string
	broken bool
}

func (p *echoProvider) Send(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if p.broken {
		return nil, fmt.Errorf("provider down")
	}
	last := req.Messages[len(req.Messages)-1]
	return &domain.ChatResponse{
		Message:    domain.Message{Role: domain.RoleAssistant, Content: p.prefix + last.Content},
		StopReason: domain.StopEndTurn,
		Usage:      domain.Usage{InputTokens: 1, OutputTokens: 1},
	}, nil
}

func (p *echoProvider) Name() string { return "echo" }

type emptyTools struct{}

func (emptyTools) Get(name string) (domain.Tool, error) {
	return nil, domain.NewDomainError("emptyTools.Get", domain.ErrToolNotFound, name)
}
func (emptyTools) Schemas() []domain.ToolSchema { return nil }

func echoFactory(prefix string, bus domain.EventBus) AgentFactory {
	return func(identity domain.AgentIdentity) (*usecase.Agent, error) {
		return usecase.NewAgent(usecase.AgentDeps{
			Model:    &echoProvider{prefix: prefix},
			Tools:    emptyTools{},
			Identity: identity,
			Bus:      bus,
		}), nil
	}
}

func brokenFactory() AgentFactory {
	return func(identity domain.AgentIdentity) (*usecase.Agent, error) {
		return usecase.NewAgent(usecase.AgentDeps{
			Model:    &echoProvider{broken: true},
			Tools:    emptyTools{},
			Identity: identity,
		}), nil
	}
}

func TestRegistrySpawnAndGet(t *testing.T) {
	reg := NewRegistry(echoFactory("ok: ", nil), nil, nil)

	inst, err := reg.Spawn(context.Background(), domain.AgentIdentity{ID: "a1", Name: "alpha", Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, domain.AgentIdle, inst.State())
	assert.NotNil(t, inst.Session)

	got, err := reg.Get("a1")
	require.NoError(t, err)
	assert.Same(t, inst, got)

	_, err = reg.Spawn(context.Background(), domain.AgentIdentity{ID: "a1"})
	require.ErrorIs(t, err, domain.ErrDuplicate)
}

func TestRegistryTerminate(t *testing.T) {
	reg := NewRegistry(echoFactory("", nil), nil, nil)
	inst, err := reg.Spawn(context.Background(), domain.AgentIdentity{ID: "a1"})
	require.NoError(t, err)
	inst.Session.AddMessage(domain.Message{Role: domain.RoleUser, Content: "hi"})

	require.NoError(t, reg.Terminate(context.Background(), "a1"))
	assert.Equal(t, domain.AgentTerminated, inst.State())
	assert.Equal(t, 0, inst.Session.Len(), "terminate destroys the session history")

	_, err = reg.Get("a1")
	require.ErrorIs(t, err, domain.ErrAgentNotFound)
	require.ErrorIs(t, reg.Terminate(context.Background(), "a1"), domain.ErrAgentNotFound)
}

func TestRegistryList(t *testing.T) {
	reg := NewRegistry(echoFactory("", nil), nil, nil)
	for _, id := range []string{"charlie", "alpha", "bravo"} {
		_, err := reg.Spawn(context.Background(), domain.AgentIdentity{ID: id, Name: id})
		require.NoError(t, err)
	}
	statuses := reg.List()
	require.Len(t, statuses, 3)
	assert.Equal(t, "alpha", statuses[0].ID)
	assert.Equal(t, "bravo", statuses[1].ID)
	assert.Equal(t, "charlie", statuses[2].ID)
}

func TestBrokerRouteMessage(t *testing.T) {
	reg := NewRegistry(echoFactory("echo: ", nil), nil, nil)
	inst, err := reg.Spawn(context.Background(), domain.AgentIdentity{ID: "a1", Model: "m"})
	require.NoError(t, err)

	broker := NewBroker(reg, nil, nil)
	result, err := broker.RouteMessage(context.Background(), "a1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", result.Text)
	assert.Equal(t, domain.AgentIdle, inst.State(), "state returns to idle after a turn")
	assert.Equal(t, 2, inst.Session.Len(), "history accumulates across turns")

	_, err = broker.RouteMessage(context.Background(), "ghost", "hi")
	require.ErrorIs(t, err, domain.ErrAgentNotFound)
}

func TestBrokerRouteMessageFailureSetsErrorState(t *testing.T) {
	reg := NewRegistry(brokenFactory(), nil, nil)
	inst, err := reg.Spawn(context.Background(), domain.AgentIdentity{ID: "a1"})
	require.NoError(t, err)

	broker := NewBroker(reg, nil, nil)
	_, err = broker.RouteMessage(context.Background(), "a1", "hello")
	require.Error(t, err)
	assert.Equal(t, domain.AgentError, inst.State())
}

func TestBrokerFanOut(t *testing.T) {
	reg := NewRegistry(echoFactory("r: ", nil), nil, nil)
	for _, id := range []string{"w1", "w2", "w3"} {
		_, err := reg.Spawn(context.Background(), domain.AgentIdentity{ID: id})
		require.NoError(t, err)
	}

	broker := NewBroker(reg, nil, nil)
	results := broker.FanOut(context.Background(), "lead", []string{"w1", "w2", "missing"}, "task")

	require.Len(t, results, 3)
	byAgent := make(map[string]FanOutResult, len(results))
	for _, r := range results {
		byAgent[r.AgentID] = r
	}
	require.NoError(t, byAgent["w1"].Err)
	assert.Equal(t, "r: task", byAgent["w1"].Result.Text)
	require.NoError(t, byAgent["w2"].Err)
	assert.ErrorIs(t, byAgent["missing"].Err, domain.ErrAgentNotFound,
		"one failed delegation must not affect the others")
}

func TestLifecycleEvents(t *testing.T) {
	bus := eventbus.New(nil)
	var types []domain.EventType
	bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		types = append(types, e.Type)
	})

	reg := NewRegistry(echoFactory("", bus), bus, nil)
	broker := NewBroker(reg, bus, nil)

	_, err := reg.Spawn(context.Background(), domain.AgentIdentity{ID: "a1"})
	require.NoError(t, err)
	_, err = broker.RouteMessage(context.Background(), "a1", "hi")
	require.NoError(t, err)
	require.NoError(t, reg.Terminate(context.Background(), "a1"))

	assert.Equal(t, []domain.EventType{
		domain.EventAgentSpawned,
		domain.EventSessionCreated,
		domain.EventAgentRouted,
		domain.EventModelCallStarted,
		domain.EventModelCallCompleted,
		domain.EventSessionCleared,
		domain.EventAgentTerminated,
	}, types)
}

func TestRegistrySessionPersistence(t *testing.T) {
	dir := t.TempDir()
	identity := domain.AgentIdentity{ID: "a1", Name: "alpha", Model: "m"}

	reg := NewRegistry(echoFactory("ok: ", nil), nil, nil)
	reg.UseSessionManager(usecase.NewSessionManager(dir))
	broker := NewBroker(reg, nil, nil)

	_, err := reg.Spawn(context.Background(), identity)
	require.NoError(t, err)
	_, err = broker.RouteMessage(context.Background(), "a1", "remember me")
	require.NoError(t, err)
	require.NoError(t, reg.Terminate(context.Background(), "a1"))

	// A fresh registry over the same directory restores the history.
	reg2 := NewRegistry(echoFactory("ok: ", nil), nil, nil)
	reg2.UseSessionManager(usecase.NewSessionManager(dir))
	inst, err := reg2.Spawn(context.Background(), identity)
	require.NoError(t, err)
	assert.Equal(t, 2, inst.Session.Len(), "user + assistant message survive the restart")
}
