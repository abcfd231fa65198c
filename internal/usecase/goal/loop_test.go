package goal

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/domain"
	"maestro/internal/usecase/eventbus"
)

// scriptedProcess returns canned turn texts in order and records inputs.
type scriptedProcess struct {
	texts    []string
	messages []string
	prompts  []string
}

func (p *scriptedProcess) run(_ context.Context, message, systemPrompt string) (*domain.TurnResult, error) {
	p.messages = append(p.messages, message)
	p.prompts = append(p.prompts, systemPrompt)
	if len(p.texts) == 0 {
		return nil, fmt.Errorf("no scripted text left")
	}
	text := p.texts[0]
	p.texts = p.texts[1:]
	return &domain.TurnResult{Text: text, Iterations: 1}, nil
}

type memGoalStore struct {
	saved []domain.GoalRecord
}

func (s *memGoalStore) SaveGoal(_ context.Context, record domain.GoalRecord) error {
	s.saved = append(s.saved, record)
	return nil
}

func (s *memGoalStore) GetGoal(_ context.Context, id string) (*domain.GoalRecord, error) {
	for i := len(s.saved) - 1; i >= 0; i-- {
		if s.saved[i].ID == id {
			rec := s.saved[i]
			return &rec, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memGoalStore) ListGoals(_ context.Context, agentID string, limit int) ([]domain.GoalRecord, error) {
	return s.saved, nil
}

func newTestLoop(process *scriptedProcess, store domain.GoalStore, bus domain.EventBus) *Loop {
	return NewLoop(Deps{
		Process: process.run,
		Store:   store,
		Bus:     bus,
	})
}

func TestPursueCompletes(t *testing.T) {
	process := &scriptedProcess{texts: []string{
		"1. A\n2. B",
		"did everything [GOAL_COMPLETE]",
	}}
	store := &memGoalStore{}
	record, err := newTestLoop(process, store, nil).Pursue(context.Background(), "a1", "do the thing", nil, 0)
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B"}, record.Steps)
	assert.Equal(t, domain.GoalCompleted, record.Status)
	assert.Equal(t, 1, record.Iterations)
	assert.Contains(t, record.Reflection, "did everything")
	require.NotNil(t, record.CompletedAt)

	// Active record first, terminal record last.
	require.GreaterOrEqual(t, len(store.saved), 2)
	assert.Equal(t, domain.GoalActive, store.saved[0].Status)
	assert.Equal(t, domain.GoalCompleted, store.saved[len(store.saved)-1].Status)
}

func TestPursueFallbackStep(t *testing.T) {
	process := &scriptedProcess{texts: []string{
		"no list here, I'd just do it",
		"[GOAL_COMPLETE]",
	}}
	record, err := newTestLoop(process, nil, nil).Pursue(context.Background(), "a1", "simple goal", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"Execute the goal directly"}, record.Steps)
}

func TestPursueBlocked(t *testing.T) {
	process := &scriptedProcess{texts: []string{
		"1. A",
		"[BLOCKED: no api key configured]",
	}}
	record, err := newTestLoop(process, nil, nil).Pursue(context.Background(), "a1", "g", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.GoalBlocked, record.Status)
	assert.Equal(t, "no api key configured", record.BlockedReason)
}

func TestPursueMaxIterations(t *testing.T) {
	process := &scriptedProcess{texts: []string{
		"1. A",
		"working [GOAL_STEP_DONE]",
		"still working",
		"more work",
	}}
	record, err := newTestLoop(process, nil, nil).Pursue(context.Background(), "a1", "g", nil, 3)
	require.NoError(t, err, "hitting the cap is a terminal status, not an error")
	assert.Equal(t, domain.GoalMaxIterations, record.Status)
	assert.Equal(t, 3, record.Iterations)
}

func TestPursuePersonaBound(t *testing.T) {
	process := &scriptedProcess{texts: []string{"1. A", "x", "y"}}
	persona := &domain.Persona{
		Name:     "planner",
		Identity: "You are a careful planner.",
		Autonomy: domain.Autonomy{MaxGoalIterations: 2},
	}
	record, err := newTestLoop(process, nil, nil).Pursue(context.Background(), "a1", "g", persona, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.GoalMaxIterations, record.Status)
	assert.Equal(t, 2, record.Iterations)

	// Persona identity flows into the iteration system prompt.
	require.Len(t, process.prompts, 3)
	assert.Empty(t, process.prompts[0], "decomposition call carries no override")
	assert.Contains(t, process.prompts[1], "careful planner")
	assert.Contains(t, process.prompts[1], "1. A")
}

func TestPursueEvents(t *testing.T) {
	bus := eventbus.New(nil)
	var types []domain.EventType
	bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		types = append(types, e.Type)
	})

	process := &scriptedProcess{texts: []string{
		"1. A\n2. B",
		"[GOAL_STEP_DONE]",
		"[GOAL_COMPLETE]",
	}}
	_, err := newTestLoop(process, nil, bus).Pursue(context.Background(), "a1", "g", nil, 5)
	require.NoError(t, err)
	assert.Equal(t, []domain.EventType{
		domain.EventGoalStarted,
		domain.EventGoalStepCompleted,
		domain.EventGoalCompleted,
	}, types)
}

func TestPursueMemoriesInPrompt(t *testing.T) {
	process := &scriptedProcess{texts: []string{"1. A", "[GOAL_COMPLETE]"}}
	loop := NewLoop(Deps{
		Process: process.run,
		Memory:  staticMemory{"the deploy password lives in vault"},
	})
	_, err := loop.Pursue(context.Background(), "a1", "deploy", nil, 0)
	require.NoError(t, err)
	require.Len(t, process.prompts, 2)
	assert.True(t, strings.Contains(process.prompts[1], "deploy password"))
}

type staticMemory []string

func (m staticMemory) Recall(context.Context, string, int) ([]domain.MemoryEntry, error) {
	entries := make([]domain.MemoryEntry, len(m))
	for i, content := range m {
		entries[i] = domain.MemoryEntry{ID: fmt.Sprintf("m%d", i), Content: content}
	}
	return entries, nil
}
