package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"maestro/internal/domain"
)

// WorkflowStarter abstracts workflow execution so the scheduler does not
// depend on the concrete Engine type.
type WorkflowStarter interface {
	StartRun(ctx context.Context, workflowID string, inputs map[string]any) (*domain.WorkflowRun, error)
}

// Entry defines a recurring workflow trigger.
type Entry struct {
	ID         string         `json:"id" yaml:"id"`
	Name       string         `json:"name" yaml:"name"`
	Schedule   string         `json:"schedule" yaml:"schedule"` // cron expression "*/5 * * * *" OR duration "30m"
	WorkflowID string         `json:"workflow_id" yaml:"workflow_id"`
	Inputs     map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Enabled    bool           `json:"enabled" yaml:"enabled"`
	OneShot    bool           `json:"one_shot,omitempty" yaml:"one_shot,omitempty"`
}

// Scheduler fires workflow runs on cron expressions or fixed intervals.
type Scheduler struct {
	cron    *cron.Cron
	starter WorkflowStarter
	bus     domain.EventBus
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	started bool
	ctx     context.Context
	cancel  context.CancelFunc

	runTimeout time.Duration
}

// NewScheduler creates a scheduler. Entries are added with Add or Load and
// fire only after Start.
func NewScheduler(starter WorkflowStarter, bus domain.EventBus, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:       cron.New(),
		starter:    starter,
		bus:        bus,
		logger:     logger,
		entries:    make(map[string]cron.EntryID),
		runTimeout: 5 * time.Minute,
	}
}

// Add registers an entry with the scheduler.
func (s *Scheduler) Add(entry Entry) error {
	if entry.ID == "" {
		return &domain.DomainError{Op: "schedule.add", Err: domain.ErrInvalidInput, Detail: "entry id is required"}
	}
	if entry.WorkflowID == "" {
		return &domain.DomainError{Op: "schedule.add", Err: domain.ErrInvalidInput, Detail: "workflow id is required"}
	}
	sched, err := parseSchedule(entry.Schedule)
	if err != nil {
		return &domain.DomainError{Op: "schedule.add", Err: domain.ErrInvalidInput, Detail: err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[entry.ID]; exists {
		return &domain.DomainError{Op: "schedule.add", Err: domain.ErrDuplicate, Detail: entry.ID}
	}

	var entryID cron.EntryID
	entryID = s.cron.Schedule(sched, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()

		if ctx == nil {
			s.logger.Debug("scheduler stopped, skipping entry", "id", entry.ID)
			return
		}

		s.fire(ctx, entry)

		if entry.OneShot {
			s.cron.Remove(entryID)
			s.mu.Lock()
			delete(s.entries, entry.ID)
			s.mu.Unlock()
		}
	}))

	s.entries[entry.ID] = entryID
	s.logger.Info("schedule added", "id", entry.ID, "workflow", entry.WorkflowID, "schedule", entry.Schedule)
	return nil
}

// Load adds every enabled entry, skipping invalid ones with a warning.
// Returns the number of entries scheduled.
func (s *Scheduler) Load(entries []Entry) int {
	scheduled := 0
	for _, e := range entries {
		if !e.Enabled {
			continue
		}
		if err := s.Add(e); err != nil {
			s.logger.Warn("failed to schedule entry", "id", e.ID, "error", err)
			continue
		}
		scheduled++
	}
	s.logger.Info("schedules loaded", "total", len(entries), "scheduled", scheduled)
	return scheduled
}

// Remove unregisters an entry by id.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entries[id]
	if !ok {
		return &domain.DomainError{Op: "schedule.remove", Err: domain.ErrNotFound, Detail: id}
	}
	s.cron.Remove(entryID)
	delete(s.entries, id)
	s.logger.Info("schedule removed", "id", id)
	return nil
}

// NextRun returns the next fire time for an entry, or nil if not scheduled.
func (s *Scheduler) NextRun(id string) *time.Time {
	s.mu.Lock()
	entryID, ok := s.entries[id]
	s.mu.Unlock()

	if !ok {
		return nil
	}
	entry := s.cron.Entry(entryID)
	if entry.ID == 0 {
		return nil
	}
	t := entry.Next
	return &t
}

// Start begins firing entries. Safe to call once; subsequent calls are no-ops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
}

// Stop halts the scheduler and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.started = false
	s.ctx = nil
}

// FiredPayload is attached to schedule.fired events.
type FiredPayload struct {
	ScheduleID string `json:"schedule_id"`
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id,omitempty"`
	RunStatus  string `json:"run_status,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (s *Scheduler) fire(ctx context.Context, entry Entry) {
	runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	start := time.Now()
	run, err := s.starter.StartRun(runCtx, entry.WorkflowID, entry.Inputs)

	payload := FiredPayload{ScheduleID: entry.ID, WorkflowID: entry.WorkflowID}
	switch {
	case err != nil:
		payload.Error = err.Error()
		s.logger.Warn("scheduled run failed to start",
			"id", entry.ID, "workflow", entry.WorkflowID, "error", err, "duration", time.Since(start))
	default:
		payload.RunID = run.ID
		payload.RunStatus = string(run.Status)
		s.logger.Info("scheduled run finished",
			"id", entry.ID, "workflow", entry.WorkflowID, "run", run.ID,
			"status", run.Status, "duration", time.Since(start))
	}
	s.emit(ctx, payload)
}

func (s *Scheduler) emit(ctx context.Context, payload FiredPayload) {
	if s.bus == nil {
		return
	}
	data, _ := json.Marshal(payload)
	s.bus.Publish(ctx, domain.Event{
		Type:      domain.EventScheduleFired,
		Timestamp: time.Now(),
		Payload:   data,
	})
}

// parseSchedule tries a standard five-field cron expression first, then
// falls back to a duration string ("30m", "1h").
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return &constantDelay{delay: dur}, nil
}

// constantDelay fires at a fixed interval. Unlike cron.Every it supports
// sub-second delays.
type constantDelay struct {
	delay time.Duration
}

func (c *constantDelay) Next(t time.Time) time.Time {
	return t.Add(c.delay)
}
