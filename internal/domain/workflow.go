package domain

import (
	"context"
	"time"
)

// StepType discriminates workflow step variants. The set is closed: the
// engine dispatches through a single recursive evaluator.
type StepType string

const (
	StepAgent       StepType = "agent"
	StepParallel    StepType = "parallel"
	StepConditional StepType = "conditional"
	StepLoop        StepType = "loop"
)

// WorkflowStep is one node in a workflow's step tree. Fields beyond ID and
// Type are variant-specific.
type WorkflowStep struct {
	ID   string   `json:"id" yaml:"id"`
	Type StepType `json:"type" yaml:"type"`

	// agent step fields
	AgentID string `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	Message string `json:"message,omitempty" yaml:"message,omitempty"`

	// parallel and loop children
	Steps []WorkflowStep `json:"steps,omitempty" yaml:"steps,omitempty"`

	// conditional step fields
	Condition string         `json:"condition,omitempty" yaml:"condition,omitempty"`
	Then      []WorkflowStep `json:"then,omitempty" yaml:"then,omitempty"`
	Else      []WorkflowStep `json:"else,omitempty" yaml:"else,omitempty"`

	// loop step fields
	Over          string `json:"over,omitempty" yaml:"over,omitempty"`
	As            string `json:"as,omitempty" yaml:"as,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
}

// WorkflowInput declares one typed workflow input.
type WorkflowInput struct {
	Type        string `json:"type" yaml:"type"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
}

// WorkflowDefinition is an immutable multi-agent step graph.
type WorkflowDefinition struct {
	ID     string                   `json:"id" yaml:"id"`
	Name   string                   `json:"name" yaml:"name"`
	Inputs map[string]WorkflowInput `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Steps  []WorkflowStep           `json:"steps" yaml:"steps"`
}

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// StepStatus is the lifecycle state of a single step execution.
type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// StepResult records the outcome of executing a single step.
type StepResult struct {
	Status      StepStatus `json:"status"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// WorkflowRun tracks the runtime state of one workflow execution.
// Immutable once terminal.
type WorkflowRun struct {
	ID          string                `json:"id"`
	WorkflowID  string                `json:"workflow_id"`
	Status      RunStatus             `json:"status"`
	Inputs      map[string]any        `json:"inputs,omitempty"`
	StepResults map[string]StepResult `json:"step_results"`
	Error       string                `json:"error,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}

// WorkflowStore persists workflow definitions and runs.
type WorkflowStore interface {
	SaveDefinition(ctx context.Context, def WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*WorkflowDefinition, error)
	ListDefinitions(ctx context.Context) ([]WorkflowDefinition, error)
	SaveRun(ctx context.Context, run WorkflowRun) error
	GetRun(ctx context.Context, id string) (*WorkflowRun, error)
	ListRuns(ctx context.Context, limit int) ([]WorkflowRun, error)
}

// MessageRouter routes a message to a named agent and returns the turn
// result. Implemented by the multi-agent broker; consumed by the workflow
// engine and goal loop.
type MessageRouter interface {
	RouteMessage(ctx context.Context, agentID, text string) (*TurnResult, error)
}

// TurnResult is the aggregated outcome of one full tool-loop turn.
type TurnResult struct {
	Text       string         `json:"text"`
	Usage      Usage          `json:"usage"`
	Iterations int            `json:"iterations"`
	Blocks     []ContentBlock `json:"blocks,omitempty"`
}
