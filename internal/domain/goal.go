package domain

import (
	"context"
	"time"
)

// GoalStatus is the lifecycle state of a goal record.
type GoalStatus string

const (
	GoalActive        GoalStatus = "active"
	GoalCompleted     GoalStatus = "completed"
	GoalBlocked       GoalStatus = "blocked"
	GoalMaxIterations GoalStatus = "max_iterations"
)

// GoalRecord tracks one autonomous goal pursuit. Records are append-only
// per agent; a record is mutated once at its terminal state and never
// deleted.
type GoalRecord struct {
	ID            string     `json:"id"`
	AgentID       string     `json:"agent_id"`
	Goal          string     `json:"goal"`
	Steps         []string   `json:"steps"`
	Status        GoalStatus `json:"status"`
	Iterations    int        `json:"iterations"`
	Reflection    string     `json:"reflection,omitempty"`
	BlockedReason string     `json:"blocked_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// GoalStore persists goal records.
type GoalStore interface {
	SaveGoal(ctx context.Context, record GoalRecord) error
	GetGoal(ctx context.Context, id string) (*GoalRecord, error)
	ListGoals(ctx context.Context, agentID string, limit int) ([]GoalRecord, error)
}

// MemoryEntry is a piece of recalled knowledge injected into goal prompts.
type MemoryEntry struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// MemoryRecaller retrieves memories relevant to a query. Optional
// collaborator of the goal loop.
type MemoryRecaller interface {
	Recall(ctx context.Context, query string, limit int) ([]MemoryEntry, error)
}
