// Package goal implements autonomous multi-step goal pursuit on top of a
// turn-processing callback.
package goal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"maestro/internal/domain"
)

// defaultMaxIterations applies when neither the caller nor the persona
// sets a bound.
const defaultMaxIterations = 5

const fallbackStep = "Execute the goal directly"

// ProcessFunc runs one turn: a message plus an optional system prompt
// override, returning the aggregated turn result. Normally backed by the
// agent tool loop.
type ProcessFunc func(ctx context.Context, message, systemPrompt string) (*domain.TurnResult, error)

// Deps holds the goal loop's collaborators.
type Deps struct {
	Process ProcessFunc
	Store   domain.GoalStore      // optional, nil = no persistence
	Memory  domain.MemoryRecaller // optional, nil = no recall
	Bus     domain.EventBus       // optional, nil = no events
	Logger  *slog.Logger
}

// Loop decomposes a goal into steps and iterates turns until a terminal
// marker or the iteration budget is reached.
type Loop struct {
	deps Deps
	now  func() time.Time
}

// NewLoop creates a goal loop.
func NewLoop(deps Deps) *Loop {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Loop{deps: deps, now: time.Now}
}

type startedPayload struct {
	Goal  string   `json:"goal"`
	Steps []string `json:"steps"`
}

type stepPayload struct {
	Goal      string `json:"goal"`
	Iteration int    `json:"iteration"`
}

type blockedPayload struct {
	Goal   string `json:"goal"`
	Reason string `json:"reason"`
}

// Pursue runs the full goal protocol for one agent. maxIterations <= 0
// defers to the persona's autonomy bound, then to the default. The returned
// record is always terminal unless an error occurred mid-flight.
func (l *Loop) Pursue(ctx context.Context, agentID, goalText string, persona *domain.Persona, maxIterations int) (*domain.GoalRecord, error) {
	const op = "Loop.Pursue"

	if maxIterations <= 0 {
		if persona != nil && persona.Autonomy.MaxGoalIterations > 0 {
			maxIterations = persona.Autonomy.MaxGoalIterations
		} else {
			maxIterations = defaultMaxIterations
		}
	}

	steps, err := l.decompose(ctx, goalText)
	if err != nil {
		return nil, domain.NewSubSystemError("goal", op, err, "decompose")
	}

	record := &domain.GoalRecord{
		ID:        newGoalID(l.now()),
		AgentID:   agentID,
		Goal:      goalText,
		Steps:     steps,
		Status:    domain.GoalActive,
		CreatedAt: l.now(),
	}
	l.saveRecord(ctx, record)
	l.publish(ctx, domain.EventGoalStarted, agentID, startedPayload{Goal: goalText, Steps: steps})

	memories := l.recallMemories(ctx, goalText)
	systemPrompt := buildSystemPrompt(persona, goalText, steps, memories)

	for i := 0; i < maxIterations; i++ {
		if ctx.Err() != nil {
			return record, ctx.Err()
		}

		result, err := l.deps.Process(ctx, iterationMessage(i), systemPrompt)
		if err != nil {
			return record, domain.NewSubSystemError("goal", op, err, fmt.Sprintf("iteration %d", i))
		}
		record.Iterations = i + 1

		marker := ParseMarker(result.Text)
		switch marker.Signal {
		case SignalComplete:
			l.finish(ctx, record, domain.GoalCompleted, result.Text, "")
			l.publish(ctx, domain.EventGoalCompleted, agentID, stepPayload{Goal: goalText, Iteration: i})
			return record, nil
		case SignalBlocked:
			l.finish(ctx, record, domain.GoalBlocked, result.Text, marker.Reason)
			l.publish(ctx, domain.EventGoalBlocked, agentID, blockedPayload{Goal: goalText, Reason: marker.Reason})
			return record, nil
		case SignalStepDone:
			l.publish(ctx, domain.EventGoalStepCompleted, agentID, stepPayload{Goal: goalText, Iteration: i})
		}

		l.deps.Logger.Debug("goal iteration",
			"agent", agentID,
			"iteration", i,
			"signal", marker.Signal,
		)
	}

	l.finish(ctx, record, domain.GoalMaxIterations, "", "")
	return record, nil
}

// decompose asks the model to break the goal into steps and parses the
// resulting numbered list.
func (l *Loop) decompose(ctx context.Context, goalText string) ([]string, error) {
	msg := "Break down the following goal into a short numbered list of concrete steps.\n" +
		"Respond with the list only.\n\nGoal: " + goalText
	result, err := l.deps.Process(ctx, msg, "")
	if err != nil {
		return nil, err
	}
	steps := ParseSteps(result.Text)
	if len(steps) == 0 {
		steps = []string{fallbackStep}
	}
	return steps, nil
}

func (l *Loop) recallMemories(ctx context.Context, goalText string) []domain.MemoryEntry {
	if l.deps.Memory == nil {
		return nil
	}
	memories, err := l.deps.Memory.Recall(ctx, goalText, 5)
	if err != nil {
		l.deps.Logger.Warn("memory recall failed", "error", err)
		return nil
	}
	return memories
}

func (l *Loop) finish(ctx context.Context, record *domain.GoalRecord, status domain.GoalStatus, reflection, blockedReason string) {
	now := l.now()
	record.Status = status
	record.Reflection = reflection
	record.BlockedReason = blockedReason
	record.CompletedAt = &now
	l.saveRecord(ctx, record)
}

func (l *Loop) saveRecord(ctx context.Context, record *domain.GoalRecord) {
	if l.deps.Store == nil {
		return
	}
	if err := l.deps.Store.SaveGoal(ctx, *record); err != nil {
		l.deps.Logger.Error("goal record save failed", "goal_id", record.ID, "error", err)
	}
}

func (l *Loop) publish(ctx context.Context, eventType domain.EventType, agentID string, payload any) {
	if l.deps.Bus == nil {
		return
	}
	data, _ := json.Marshal(payload)
	l.deps.Bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: l.now(),
		AgentID:   agentID,
		Payload:   data,
	})
}

// iterationMessage is the per-iteration instruction sent through the turn
// callback.
func iterationMessage(iteration int) string {
	if iteration == 0 {
		return "Begin working on the goal, starting with step 1."
	}
	return "Continue working on the goal. Move to the next step if the previous one is done."
}

// buildSystemPrompt embeds persona identity, the active goal, its steps and
// any recalled memories, plus the marker protocol.
func buildSystemPrompt(persona *domain.Persona, goalText string, steps []string, memories []domain.MemoryEntry) string {
	var b strings.Builder

	if persona != nil {
		if persona.Identity != "" {
			b.WriteString(persona.Identity)
			b.WriteString("\n\n")
		}
		if persona.Soul != "" {
			b.WriteString(persona.Soul)
			b.WriteString("\n\n")
		}
	}

	b.WriteString("You are pursuing this goal autonomously:\n")
	b.WriteString(goalText)
	b.WriteString("\n\nPlanned steps:\n")
	for i, step := range steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}

	if len(memories) > 0 {
		b.WriteString("\nRelevant memories:\n")
		for _, m := range memories {
			b.WriteString("- ")
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
	}

	b.WriteString("\nProtocol: append " + markerStepDone + " when you finish a step, " +
		markerComplete + " when the whole goal is achieved, or [BLOCKED: reason] if you cannot proceed.")

	return b.String()
}

func newGoalID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
