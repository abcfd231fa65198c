// Package store provides persistence adapters for goal records, budget
// alerts, tool audit entries, and workflow definitions and runs.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"maestro/internal/domain"
)

const defaultListLimit = 50

// SQLiteStore implements domain.GoalStore, domain.AlertStore, and
// domain.AuditStore backed by a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs the
// schema migration. Use ":memory:" for an in-process throwaway store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS goals (
			id             TEXT PRIMARY KEY,
			agent_id       TEXT NOT NULL,
			goal           TEXT NOT NULL,
			steps          TEXT NOT NULL DEFAULT '[]',
			status         TEXT NOT NULL,
			iterations     INTEGER NOT NULL DEFAULT 0,
			reflection     TEXT NOT NULL DEFAULT '',
			blocked_reason TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,
			completed_at   TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_goals_agent ON goals(agent_id, created_at);

		CREATE TABLE IF NOT EXISTS budget_alerts (
			id         TEXT PRIMARY KEY,
			scope      TEXT NOT NULL,
			kind       TEXT NOT NULL,
			threshold  REAL NOT NULL DEFAULT 0,
			current    REAL NOT NULL,
			max        REAL NOT NULL,
			unit       TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_scope ON budget_alerts(scope, created_at);

		CREATE TABLE IF NOT EXISTS tool_audit (
			agent_id    TEXT NOT NULL,
			tool        TEXT NOT NULL,
			permitted   INTEGER NOT NULL,
			reason      TEXT NOT NULL DEFAULT '',
			duration_ns INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_agent ON tool_audit(agent_id, created_at)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- GoalStore ---

func (s *SQLiteStore) SaveGoal(_ context.Context, record domain.GoalRecord) error {
	stepsJSON, err := json.Marshal(record.Steps)
	if err != nil {
		return fmt.Errorf("marshal goal steps: %w", err)
	}
	var completed sql.NullString
	if record.CompletedAt != nil {
		completed = sql.NullString{String: record.CompletedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	_, err = s.db.Exec(`
		INSERT INTO goals (id, agent_id, goal, steps, status, iterations, reflection, blocked_reason, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			iterations = excluded.iterations,
			reflection = excluded.reflection,
			blocked_reason = excluded.blocked_reason,
			completed_at = excluded.completed_at`,
		record.ID, record.AgentID, record.Goal, string(stepsJSON), string(record.Status),
		record.Iterations, record.Reflection, record.BlockedReason,
		record.CreatedAt.UTC().Format(time.RFC3339Nano), completed,
	)
	if err != nil {
		return &domain.DomainError{Op: "store.save_goal", Err: domain.ErrStoreWrite, Detail: err.Error()}
	}
	return nil
}

func (s *SQLiteStore) GetGoal(_ context.Context, id string) (*domain.GoalRecord, error) {
	row := s.db.QueryRow(
		"SELECT id, agent_id, goal, steps, status, iterations, reflection, blocked_reason, created_at, completed_at FROM goals WHERE id = ?", id,
	)
	rec, err := scanGoal(row)
	if err == sql.ErrNoRows {
		return nil, &domain.DomainError{Op: "store.get_goal", Err: domain.ErrNotFound, Detail: id}
	}
	return rec, err
}

func (s *SQLiteStore) ListGoals(_ context.Context, agentID string, limit int) ([]domain.GoalRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.Query(
		"SELECT id, agent_id, goal, steps, status, iterations, reflection, blocked_reason, created_at, completed_at FROM goals WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?",
		agentID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.GoalRecord
	for rows.Next() {
		rec, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGoal(row scanner) (*domain.GoalRecord, error) {
	var rec domain.GoalRecord
	var stepsStr, status, createdStr string
	var completed sql.NullString
	if err := row.Scan(&rec.ID, &rec.AgentID, &rec.Goal, &stepsStr, &status,
		&rec.Iterations, &rec.Reflection, &rec.BlockedReason, &createdStr, &completed); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stepsStr), &rec.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal goal steps: %w", err)
	}
	rec.Status = domain.GoalStatus(status)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	if completed.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completed.String)
		rec.CompletedAt = &t
	}
	return &rec, nil
}

// --- AlertStore ---

func (s *SQLiteStore) SaveAlert(_ context.Context, alert domain.BudgetAlert) error {
	_, err := s.db.Exec(
		"INSERT INTO budget_alerts (id, scope, kind, threshold, current, max, unit, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		alert.ID, alert.Scope, alert.Kind, alert.Threshold, alert.Current, alert.Max,
		string(alert.Unit), alert.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return &domain.DomainError{Op: "store.save_alert", Err: domain.ErrStoreWrite, Detail: err.Error()}
	}
	return nil
}

func (s *SQLiteStore) ListAlerts(_ context.Context, scope string, limit int) ([]domain.BudgetAlert, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.Query(
		"SELECT id, scope, kind, threshold, current, max, unit, created_at FROM budget_alerts WHERE scope = ? ORDER BY created_at DESC LIMIT ?",
		scope, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []domain.BudgetAlert
	for rows.Next() {
		var a domain.BudgetAlert
		var unit, createdStr string
		if err := rows.Scan(&a.ID, &a.Scope, &a.Kind, &a.Threshold, &a.Current, &a.Max, &unit, &createdStr); err != nil {
			return nil, err
		}
		a.Unit = domain.BudgetUnit(unit)
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// --- AuditStore ---

func (s *SQLiteStore) SaveEntry(_ context.Context, entry domain.AuditEntry) error {
	permitted := 0
	if entry.Permitted {
		permitted = 1
	}
	_, err := s.db.Exec(
		"INSERT INTO tool_audit (agent_id, tool, permitted, reason, duration_ns, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		entry.AgentID, entry.Tool, permitted, entry.Reason, entry.Duration.Nanoseconds(),
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return &domain.DomainError{Op: "store.save_audit", Err: domain.ErrStoreWrite, Detail: err.Error()}
	}
	return nil
}

func (s *SQLiteStore) ListEntries(_ context.Context, agentID string, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.Query(
		"SELECT agent_id, tool, permitted, reason, duration_ns, created_at FROM tool_audit WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?",
		agentID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var permitted int
		var durNs int64
		var createdStr string
		if err := rows.Scan(&e.AgentID, &e.Tool, &permitted, &e.Reason, &durNs, &createdStr); err != nil {
			return nil, err
		}
		e.Permitted = permitted == 1
		e.Duration = time.Duration(durNs)
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, createdStr)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var (
	_ domain.GoalStore  = (*SQLiteStore)(nil)
	_ domain.AlertStore = (*SQLiteStore)(nil)
	_ domain.AuditStore = (*SQLiteStore)(nil)
)
