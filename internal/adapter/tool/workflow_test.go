package tool

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/domain"
	"maestro/internal/usecase/workflow"
)

type stubRouter struct{}

func (stubRouter) RouteMessage(_ context.Context, agentID, text string) (*domain.TurnResult, error) {
	return &domain.TurnResult{Text: agentID + ": " + text}, nil
}

type stubWorkflowStore struct {
	mu   sync.Mutex
	defs map[string]domain.WorkflowDefinition
	runs map[string]domain.WorkflowRun
}

func newStubWorkflowStore(defs ...domain.WorkflowDefinition) *stubWorkflowStore {
	s := &stubWorkflowStore{
		defs: make(map[string]domain.WorkflowDefinition),
		runs: make(map[string]domain.WorkflowRun),
	}
	for _, d := range defs {
		s.defs[d.ID] = d
	}
	return s
}

func (s *stubWorkflowStore) SaveDefinition(_ context.Context, def domain.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[def.ID] = def
	return nil
}

func (s *stubWorkflowStore) GetDefinition(_ context.Context, id string) (*domain.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[id]
	if !ok {
		return nil, domain.ErrWorkflowNotFound
	}
	return &d, nil
}

func (s *stubWorkflowStore) ListDefinitions(_ context.Context) ([]domain.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.WorkflowDefinition, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d)
	}
	return out, nil
}

func (s *stubWorkflowStore) SaveRun(_ context.Context, run domain.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *stubWorkflowStore) GetRun(_ context.Context, id string) (*domain.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	return &r, nil
}

func (s *stubWorkflowStore) ListRuns(_ context.Context, limit int) ([]domain.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.WorkflowRun, 0, len(s.runs))
	for _, r := range s.runs {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, r)
	}
	return out, nil
}

func newWorkflowToolFixture(defs ...domain.WorkflowDefinition) (*WorkflowTool, *stubWorkflowStore) {
	store := newStubWorkflowStore(defs...)
	engine := workflow.NewEngine(stubRouter{}, store, nil, nil)
	return NewWorkflowTool(engine, store), store
}

func greetDef() domain.WorkflowDefinition {
	return domain.WorkflowDefinition{
		ID:   "greet",
		Name: "Greeting",
		Steps: []domain.WorkflowStep{
			{ID: "s1", Type: domain.StepAgent, AgentID: "greeter", Message: "hello"},
		},
	}
}

func TestWorkflowToolRun(t *testing.T) {
	wt, _ := newWorkflowToolFixture(greetDef())

	res, err := wt.Execute(context.Background(),
		json.RawMessage(`{"action":"run","workflow_id":"greet"}`))
	require.NoError(t, err)
	require.False(t, res.IsError, res.Content)

	var env workflowRunEnvelope
	require.NoError(t, json.Unmarshal([]byte(res.Content), &env))
	assert.True(t, env.OK)
	assert.Equal(t, string(domain.RunCompleted), env.Status)
	assert.NotEmpty(t, env.RunID)
}

func TestWorkflowToolRunUnknownWorkflow(t *testing.T) {
	wt, _ := newWorkflowToolFixture()

	res, err := wt.Execute(context.Background(),
		json.RawMessage(`{"action":"run","workflow_id":"nope"}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestWorkflowToolStatus(t *testing.T) {
	wt, _ := newWorkflowToolFixture(greetDef())

	res, err := wt.Execute(context.Background(),
		json.RawMessage(`{"action":"run","workflow_id":"greet"}`))
	require.NoError(t, err)
	var env workflowRunEnvelope
	require.NoError(t, json.Unmarshal([]byte(res.Content), &env))

	res, err = wt.Execute(context.Background(),
		json.RawMessage(`{"action":"status","run_id":"`+env.RunID+`"}`))
	require.NoError(t, err)
	require.False(t, res.IsError, res.Content)

	var run domain.WorkflowRun
	require.NoError(t, json.Unmarshal([]byte(res.Content), &run))
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, "greeter: hello", run.StepResults["s1"].Output)
}

func TestWorkflowToolList(t *testing.T) {
	wt, _ := newWorkflowToolFixture(greetDef())

	res, err := wt.Execute(context.Background(), json.RawMessage(`{"action":"list"}`))
	require.NoError(t, err)
	require.False(t, res.IsError, res.Content)

	var env workflowListEnvelope
	require.NoError(t, json.Unmarshal([]byte(res.Content), &env))
	require.Len(t, env.Workflows, 1)
	assert.Equal(t, "greet", env.Workflows[0].ID)
}

func TestWorkflowToolBadAction(t *testing.T) {
	wt, _ := newWorkflowToolFixture()

	res, err := wt.Execute(context.Background(), json.RawMessage(`{"action":"resume"}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "unknown action")
}
