package tool

import (
	"context"
	"encoding/json"
	"time"

	"maestro/internal/domain"
	"maestro/internal/usecase/workflow"
)

type workflowRunEnvelope struct {
	OK     bool   `json:"ok"`
	RunID  string `json:"run_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type workflowDefSummary struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type workflowRunSummary struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

type workflowListEnvelope struct {
	Workflows []workflowDefSummary `json:"workflows"`
	Runs      []workflowRunSummary `json:"runs"`
}

// WorkflowTool exposes workflow operations to the model via function
// calling: start a run, list definitions and recent runs, inspect a run.
type WorkflowTool struct {
	engine *workflow.Engine
	store  domain.WorkflowStore
}

// NewWorkflowTool creates a workflow tool backed by the given engine and store.
func NewWorkflowTool(engine *workflow.Engine, store domain.WorkflowStore) *WorkflowTool {
	return &WorkflowTool{engine: engine, store: store}
}

func (t *WorkflowTool) Name() string { return "workflow" }
func (t *WorkflowTool) Description() string {
	return "Start, list, and inspect multi-agent workflows"
}

func (t *WorkflowTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {
					"type": "string",
					"enum": ["run", "list", "status"],
					"description": "The operation to perform"
				},
				"workflow_id": {
					"type": "string",
					"description": "Workflow definition ID (for 'run')"
				},
				"inputs": {
					"type": "object",
					"description": "Run inputs keyed by input name (for 'run')"
				},
				"run_id": {
					"type": "string",
					"description": "Run ID to inspect (for 'status')"
				}
			},
			"required": ["action"]
		}`),
	}
}

type workflowParams struct {
	Action     string         `json:"action"`
	WorkflowID string         `json:"workflow_id"`
	Inputs     map[string]any `json:"inputs"`
	RunID      string         `json:"run_id"`
}

func (t *WorkflowTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	p, errResult := ParseParams[workflowParams](params)
	if errResult != nil {
		return errResult, nil
	}

	switch p.Action {
	case "run":
		return t.run(ctx, p)
	case "list":
		return t.list(ctx)
	case "status":
		return t.status(ctx, p)
	default:
		return ErrResult("unknown action %q (want: list, run, status)", p.Action), nil
	}
}

func (t *WorkflowTool) run(ctx context.Context, p workflowParams) (*domain.ToolResult, error) {
	if err := RequireFields("workflow_id", p.WorkflowID); err != nil {
		return ErrResult("%s", err.Error()), nil
	}
	run, err := t.engine.StartRun(ctx, p.WorkflowID, p.Inputs)
	if err != nil {
		return ErrResult("workflow run failed: %v", err), nil
	}
	return JSONResult(workflowRunEnvelope{
		OK:     run.Status == domain.RunCompleted,
		RunID:  run.ID,
		Status: string(run.Status),
		Error:  run.Error,
	}), nil
}

func (t *WorkflowTool) list(ctx context.Context) (*domain.ToolResult, error) {
	defs, err := t.store.ListDefinitions(ctx)
	if err != nil {
		return ErrResult("list workflows: %v", err), nil
	}
	runs, err := t.store.ListRuns(ctx, 10)
	if err != nil {
		return ErrResult("list runs: %v", err), nil
	}

	out := workflowListEnvelope{
		Workflows: make([]workflowDefSummary, 0, len(defs)),
		Runs:      make([]workflowRunSummary, 0, len(runs)),
	}
	for _, d := range defs {
		out.Workflows = append(out.Workflows, workflowDefSummary{ID: d.ID, Name: d.Name})
	}
	for _, r := range runs {
		out.Runs = append(out.Runs, workflowRunSummary{
			ID:         r.ID,
			WorkflowID: r.WorkflowID,
			Status:     string(r.Status),
			CreatedAt:  r.CreatedAt,
		})
	}
	return JSONResult(out), nil
}

func (t *WorkflowTool) status(ctx context.Context, p workflowParams) (*domain.ToolResult, error) {
	if err := RequireFields("run_id", p.RunID); err != nil {
		return ErrResult("%s", err.Error()), nil
	}
	run, err := t.engine.GetRunStatus(ctx, p.RunID)
	if err != nil {
		return ErrResult("run %s: %v", p.RunID, err), nil
	}
	return JSONResult(run), nil
}
