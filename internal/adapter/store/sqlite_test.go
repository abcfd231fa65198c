package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"maestro/internal/domain"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "maestro.db")
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteGoalRoundTrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	created := time.Now().UTC().Truncate(time.Millisecond)
	rec := domain.GoalRecord{
		ID:         "g1",
		AgentID:    "writer",
		Goal:       "write a blog post",
		Steps:      []string{"outline", "draft", "edit"},
		Status:     domain.GoalActive,
		Iterations: 0,
		CreatedAt:  created,
	}
	if err := s.SaveGoal(ctx, rec); err != nil {
		t.Fatalf("SaveGoal: %v", err)
	}

	got, err := s.GetGoal(ctx, "g1")
	if err != nil {
		t.Fatalf("GetGoal: %v", err)
	}
	if got.Goal != "write a blog post" {
		t.Errorf("Goal = %q", got.Goal)
	}
	if len(got.Steps) != 3 || got.Steps[1] != "draft" {
		t.Errorf("Steps = %v", got.Steps)
	}
	if got.Status != domain.GoalActive {
		t.Errorf("Status = %q", got.Status)
	}
	if got.CompletedAt != nil {
		t.Errorf("CompletedAt = %v, want nil", got.CompletedAt)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
	}
}

func TestSQLiteGoalTerminalUpdate(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	rec := domain.GoalRecord{
		ID: "g1", AgentID: "a", Goal: "g",
		Status: domain.GoalActive, CreatedAt: time.Now().UTC(),
	}
	if err := s.SaveGoal(ctx, rec); err != nil {
		t.Fatalf("SaveGoal: %v", err)
	}

	done := time.Now().UTC().Truncate(time.Millisecond)
	rec.Status = domain.GoalCompleted
	rec.Iterations = 4
	rec.Reflection = "done well"
	rec.CompletedAt = &done
	if err := s.SaveGoal(ctx, rec); err != nil {
		t.Fatalf("SaveGoal update: %v", err)
	}

	got, err := s.GetGoal(ctx, "g1")
	if err != nil {
		t.Fatalf("GetGoal: %v", err)
	}
	if got.Status != domain.GoalCompleted || got.Iterations != 4 {
		t.Errorf("got %+v", got)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, done)
	}
}

func TestSQLiteGoalNotFound(t *testing.T) {
	s := newTestSQLite(t)
	_, err := s.GetGoal(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteListGoalsPerAgent(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, agent := range []string{"a", "a", "b"} {
		rec := domain.GoalRecord{
			ID: string(rune('x' + i)), AgentID: agent, Goal: "g",
			Status: domain.GoalActive, CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.SaveGoal(ctx, rec); err != nil {
			t.Fatalf("SaveGoal: %v", err)
		}
	}

	got, err := s.ListGoals(ctx, "a", 10)
	if err != nil {
		t.Fatalf("ListGoals: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d goals, want 2", len(got))
	}
	// Newest first.
	if !got[0].CreatedAt.After(got[1].CreatedAt) {
		t.Errorf("goals not sorted newest first: %v then %v", got[0].CreatedAt, got[1].CreatedAt)
	}

	limited, err := s.ListGoals(ctx, "a", 1)
	if err != nil {
		t.Fatalf("ListGoals limit: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("got %d goals with limit 1", len(limited))
	}
}

func TestSQLiteAlerts(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	alert := domain.BudgetAlert{
		ID:        "al1",
		Scope:     "agent:writer",
		Kind:      "warning",
		Threshold: 0.8,
		Current:   8.5,
		Max:       10,
		Unit:      domain.UnitCost,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.SaveAlert(ctx, alert); err != nil {
		t.Fatalf("SaveAlert: %v", err)
	}

	got, err := s.ListAlerts(ctx, "agent:writer", 10)
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d alerts, want 1", len(got))
	}
	if got[0].Kind != "warning" || got[0].Threshold != 0.8 || got[0].Unit != domain.UnitCost {
		t.Errorf("alert = %+v", got[0])
	}

	other, err := s.ListAlerts(ctx, "agent:other", 10)
	if err != nil {
		t.Fatalf("ListAlerts other: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("got %d alerts for unrelated scope", len(other))
	}
}

func TestSQLiteAuditEntries(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	entries := []domain.AuditEntry{
		{AgentID: "a", Tool: "search", Permitted: true, Duration: 120 * time.Millisecond, Timestamp: time.Now().UTC()},
		{AgentID: "a", Tool: "shell", Permitted: false, Reason: "tool not in allowlist", Timestamp: time.Now().UTC().Add(time.Second)},
	}
	for _, e := range entries {
		if err := s.SaveEntry(ctx, e); err != nil {
			t.Fatalf("SaveEntry: %v", err)
		}
	}

	got, err := s.ListEntries(ctx, "a", 10)
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	// Newest first: the denied shell call.
	if got[0].Tool != "shell" || got[0].Permitted {
		t.Errorf("entry[0] = %+v", got[0])
	}
	if got[0].Reason != "tool not in allowlist" {
		t.Errorf("Reason = %q", got[0].Reason)
	}
	if got[1].Duration != 120*time.Millisecond {
		t.Errorf("Duration = %v", got[1].Duration)
	}
}

func TestSQLiteReopenPersists(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "maestro.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	rec := domain.GoalRecord{ID: "g1", AgentID: "a", Goal: "g", Status: domain.GoalActive, CreatedAt: time.Now().UTC()}
	if err := s.SaveGoal(ctx, rec); err != nil {
		t.Fatalf("SaveGoal: %v", err)
	}
	s.Close()

	reopened, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetGoal(ctx, "g1")
	if err != nil {
		t.Fatalf("GetGoal after reopen: %v", err)
	}
	if got.AgentID != "a" {
		t.Errorf("AgentID = %q", got.AgentID)
	}
}
