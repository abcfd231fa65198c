// Package workflow implements a small interpreter for declarative
// multi-agent step graphs with cross-step variable resolution.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/kaptinlin/jsonschema"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"maestro/internal/domain"
)

// Engine interprets workflow definitions, routing agent steps through the
// injected message router.
type Engine struct {
	router domain.MessageRouter
	store  domain.WorkflowStore
	bus    domain.EventBus // optional, nil = no events
	logger *slog.Logger

	mu     sync.RWMutex
	active map[string]*runState
}

// NewEngine creates a workflow engine.
func NewEngine(router domain.MessageRouter, store domain.WorkflowStore, bus domain.EventBus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		router: router,
		store:  store,
		bus:    bus,
		logger: logger,
		active: make(map[string]*runState),
	}
}

// runState guards one run's mutable step-result map. Parallel branches
// write results concurrently.
type runState struct {
	mu  sync.Mutex
	run *domain.WorkflowRun
}

func (rs *runState) setResult(id string, result domain.StepResult) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.run.StepResults[id] = result
}

func (rs *runState) getResult(id string) (domain.StepResult, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r, ok := rs.run.StepResults[id]
	return r, ok
}

func (rs *runState) snapshot() *domain.WorkflowRun {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	cp := *rs.run
	cp.StepResults = make(map[string]domain.StepResult, len(rs.run.StepResults))
	for k, v := range rs.run.StepResults {
		cp.StepResults[k] = v
	}
	return &cp
}

// StartRun loads a definition by id and executes it to a terminal state.
// An unknown workflow id is a fatal lookup error. A failed run is returned
// with status failed, not as a Go error.
func (e *Engine) StartRun(ctx context.Context, workflowID string, inputs map[string]any) (*domain.WorkflowRun, error) {
	const op = "Engine.StartRun"

	def, err := e.store.GetDefinition(ctx, workflowID)
	if err != nil {
		return nil, domain.NewSubSystemError("workflow", op, domain.ErrWorkflowNotFound, workflowID)
	}
	return e.execute(ctx, *def, inputs)
}

// StartRunInline executes a definition without requiring it to be stored.
func (e *Engine) StartRunInline(ctx context.Context, def domain.WorkflowDefinition, inputs map[string]any) (*domain.WorkflowRun, error) {
	return e.execute(ctx, def, inputs)
}

// GetRunStatus returns the in-memory run while it is active, falling back
// to the persisted copy once terminal.
func (e *Engine) GetRunStatus(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	e.mu.RLock()
	rs, ok := e.active[runID]
	e.mu.RUnlock()
	if ok {
		return rs.snapshot(), nil
	}
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, domain.NewSubSystemError("workflow", "Engine.GetRunStatus", domain.ErrRunNotFound, runID)
	}
	return run, nil
}

func (e *Engine) execute(ctx context.Context, def domain.WorkflowDefinition, inputs map[string]any) (*domain.WorkflowRun, error) {
	const op = "Engine.execute"

	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}
	merged, err := mergeInputs(def.Inputs, inputs)
	if err != nil {
		return nil, domain.NewSubSystemError("workflow", op, domain.ErrInvalidInput, err.Error())
	}

	now := time.Now()
	rs := &runState{run: &domain.WorkflowRun{
		ID:          newRunID(now),
		WorkflowID:  def.ID,
		Status:      domain.RunRunning,
		Inputs:      merged,
		StepResults: make(map[string]domain.StepResult),
		CreatedAt:   now,
	}}

	e.mu.Lock()
	e.active[rs.run.ID] = rs
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, rs.run.ID)
		e.mu.Unlock()
	}()

	e.emit(ctx, domain.EventWorkflowStarted, map[string]string{
		"run_id":   rs.run.ID,
		"workflow": def.ID,
	})

	execErr := e.executeSteps(ctx, rs, def.Steps, nil)

	rs.mu.Lock()
	done := time.Now()
	rs.run.CompletedAt = &done
	if execErr != nil {
		rs.run.Status = domain.RunFailed
		rs.run.Error = execErr.Error()
	} else {
		rs.run.Status = domain.RunCompleted
	}
	rs.mu.Unlock()

	snapshot := rs.snapshot()
	if err := e.store.SaveRun(ctx, *snapshot); err != nil {
		e.logger.Error("workflow run save failed", "run_id", snapshot.ID, "error", err)
	}

	if execErr != nil {
		e.emit(ctx, domain.EventWorkflowFailed, map[string]string{
			"run_id": snapshot.ID,
			"error":  snapshot.Error,
		})
	} else {
		e.emit(ctx, domain.EventWorkflowCompleted, map[string]string{
			"run_id":   snapshot.ID,
			"workflow": def.ID,
		})
	}
	return snapshot, nil
}

// executeSteps runs steps strictly in order; the first failure aborts the
// remainder.
func (e *Engine) executeSteps(ctx context.Context, rs *runState, steps []domain.WorkflowStep, scope map[string]string) error {
	for _, step := range steps {
		if err := e.executeStep(ctx, rs, step, scope); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) executeStep(ctx context.Context, rs *runState, step domain.WorkflowStep, scope map[string]string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	switch step.Type {
	case domain.StepAgent:
		return e.executeAgentStep(ctx, rs, step, scope, step.ID)
	case domain.StepParallel:
		return e.executeParallelStep(ctx, rs, step, scope)
	case domain.StepConditional:
		return e.executeConditionalStep(ctx, rs, step, scope)
	case domain.StepLoop:
		return e.executeLoopStep(ctx, rs, step, scope)
	default:
		return domain.NewSubSystemError("workflow", "Engine.executeStep", domain.ErrInvalidInput,
			fmt.Sprintf("unknown step type %q", step.Type))
	}
}

// executeAgentStep routes the resolved message to the step's agent. The
// resultID differs from step.ID only for loop-nested agent children.
func (e *Engine) executeAgentStep(ctx context.Context, rs *runState, step domain.WorkflowStep, scope map[string]string, resultID string) error {
	start := time.Now()
	rs.setResult(resultID, domain.StepResult{Status: domain.StepRunning, StartedAt: start})
	e.emit(ctx, domain.EventWorkflowStepStarted, map[string]string{
		"run_id":  rs.run.ID,
		"step_id": resultID,
		"agent":   step.AgentID,
	})

	message := e.resolve(step.Message, rs, scope)
	turn, err := e.router.RouteMessage(ctx, step.AgentID, message)
	done := time.Now()

	if err != nil {
		rs.setResult(resultID, domain.StepResult{
			Status:      domain.StepFailed,
			Error:       err.Error(),
			StartedAt:   start,
			CompletedAt: &done,
		})
		e.emit(ctx, domain.EventWorkflowStepFailed, map[string]string{
			"run_id":  rs.run.ID,
			"step_id": resultID,
			"error":   err.Error(),
		})
		return domain.NewSubSystemError("workflow", "Engine.executeAgentStep", domain.ErrStepFailed,
			fmt.Sprintf("step %q: %v", resultID, err))
	}

	rs.setResult(resultID, domain.StepResult{
		Status:      domain.StepCompleted,
		Output:      turn.Text,
		StartedAt:   start,
		CompletedAt: &done,
	})
	e.emit(ctx, domain.EventWorkflowStepCompleted, map[string]string{
		"run_id":  rs.run.ID,
		"step_id": resultID,
	})
	return nil
}

// executeParallelStep launches all children concurrently. Siblings are not
// cancelled when one fails; the step settles once every child has finished
// and reports the first failure.
func (e *Engine) executeParallelStep(ctx context.Context, rs *runState, step domain.WorkflowStep, scope map[string]string) error {
	start := time.Now()
	rs.setResult(step.ID, domain.StepResult{Status: domain.StepRunning, StartedAt: start})

	var g errgroup.Group
	for _, child := range step.Steps {
		child := child
		g.Go(func() error {
			return e.executeStep(ctx, rs, child, scope)
		})
	}
	err := g.Wait()
	done := time.Now()

	if err != nil {
		rs.setResult(step.ID, domain.StepResult{
			Status:      domain.StepFailed,
			Error:       err.Error(),
			StartedAt:   start,
			CompletedAt: &done,
		})
		return err
	}
	rs.setResult(step.ID, domain.StepResult{
		Status:      domain.StepCompleted,
		StartedAt:   start,
		CompletedAt: &done,
	})
	return nil
}

// executeConditionalStep resolves the condition, applies the truthiness
// rule, and executes exactly one branch. A falsy condition with no else
// branch executes nothing.
func (e *Engine) executeConditionalStep(ctx context.Context, rs *runState, step domain.WorkflowStep, scope map[string]string) error {
	start := time.Now()
	condValue := e.resolve(step.Condition, rs, scope)

	branch := step.Then
	if !isTruthy(condValue) {
		branch = step.Else
	}
	err := e.executeSteps(ctx, rs, branch, scope)
	done := time.Now()

	result := domain.StepResult{
		Status:      domain.StepCompleted,
		Output:      condValue,
		StartedAt:   start,
		CompletedAt: &done,
	}
	if err != nil {
		result.Status = domain.StepFailed
		result.Error = err.Error()
	}
	rs.setResult(step.ID, result)
	return err
}

// executeLoopStep iterates over the resolved item list, binding each item
// into the child scope. Directly nested agent children get a synthetic
// per-iteration result id; other child types recurse as-is.
func (e *Engine) executeLoopStep(ctx context.Context, rs *runState, step domain.WorkflowStep, scope map[string]string) error {
	start := time.Now()
	items := parseLoopItems(e.resolve(step.Over, rs, scope))

	iterations := len(items)
	if step.MaxIterations > 0 && iterations > step.MaxIterations {
		iterations = step.MaxIterations
	}

	for i := 0; i < iterations; i++ {
		childScope := make(map[string]string, len(scope)+1)
		for k, v := range scope {
			childScope[k] = v
		}
		if step.As != "" {
			childScope[step.As] = items[i]
		}

		for _, child := range step.Steps {
			var err error
			if child.Type == domain.StepAgent {
				err = e.executeAgentStep(ctx, rs, child, childScope, fmt.Sprintf("%s_%d", child.ID, i))
			} else {
				err = e.executeStep(ctx, rs, child, childScope)
			}
			if err != nil {
				done := time.Now()
				rs.setResult(step.ID, domain.StepResult{
					Status:      domain.StepFailed,
					Error:       err.Error(),
					StartedAt:   start,
					CompletedAt: &done,
				})
				return err
			}
		}
	}

	done := time.Now()
	rs.setResult(step.ID, domain.StepResult{
		Status:      domain.StepCompleted,
		Output:      strconv.Itoa(iterations),
		StartedAt:   start,
		CompletedAt: &done,
	})
	return nil
}

func (e *Engine) resolve(input string, rs *runState, scope map[string]string) string {
	return resolveTemplate(input, rs.run.Inputs, rs.getResult, scope)
}

func (e *Engine) emit(ctx context.Context, eventType domain.EventType, payload any) {
	if e.bus == nil {
		return
	}
	data, _ := json.Marshal(payload)
	e.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   data,
	})
}

// ValidateDefinition checks structural invariants before a run starts:
// steps present, ids unique across the whole tree including nested
// branches, and variant-required fields populated.
func ValidateDefinition(def domain.WorkflowDefinition) error {
	const op = "ValidateDefinition"
	if len(def.Steps) == 0 {
		return domain.NewSubSystemError("workflow", op, domain.ErrInvalidInput, "workflow has no steps")
	}
	seen := make(map[string]bool)
	return validateSteps(def.Steps, seen)
}

func validateSteps(steps []domain.WorkflowStep, seen map[string]bool) error {
	const op = "ValidateDefinition"
	for _, s := range steps {
		if s.ID == "" {
			return domain.NewSubSystemError("workflow", op, domain.ErrInvalidInput, "step has no id")
		}
		if seen[s.ID] {
			return domain.NewSubSystemError("workflow", op, domain.ErrInvalidInput,
				fmt.Sprintf("duplicate step id %q", s.ID))
		}
		seen[s.ID] = true

		switch s.Type {
		case domain.StepAgent:
			if s.AgentID == "" {
				return domain.NewSubSystemError("workflow", op, domain.ErrInvalidInput,
					fmt.Sprintf("step %q (agent) requires agent_id", s.ID))
			}
		case domain.StepParallel:
			if len(s.Steps) == 0 {
				return domain.NewSubSystemError("workflow", op, domain.ErrInvalidInput,
					fmt.Sprintf("step %q (parallel) requires children", s.ID))
			}
		case domain.StepConditional:
			if s.Condition == "" {
				return domain.NewSubSystemError("workflow", op, domain.ErrInvalidInput,
					fmt.Sprintf("step %q (conditional) requires condition", s.ID))
			}
		case domain.StepLoop:
			if s.Over == "" {
				return domain.NewSubSystemError("workflow", op, domain.ErrInvalidInput,
					fmt.Sprintf("step %q (loop) requires over", s.ID))
			}
		default:
			return domain.NewSubSystemError("workflow", op, domain.ErrInvalidInput,
				fmt.Sprintf("step %q has invalid type %q", s.ID, s.Type))
		}

		for _, children := range [][]domain.WorkflowStep{s.Steps, s.Then, s.Else} {
			if err := validateSteps(children, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

// mergeInputs applies declared defaults and validates the result against a
// JSON schema built from the input declarations.
func mergeInputs(decls map[string]domain.WorkflowInput, inputs map[string]any) (map[string]any, error) {
	merged := make(map[string]any, len(inputs))
	for k, v := range inputs {
		merged[k] = v
	}
	for name, decl := range decls {
		if _, ok := merged[name]; !ok && decl.Default != nil {
			merged[name] = decl.Default
		}
	}
	if len(decls) == 0 {
		return merged, nil
	}

	properties := make(map[string]any, len(decls))
	var required []string
	for name, decl := range decls {
		prop := map[string]any{}
		if decl.Type != "" {
			prop["type"] = decl.Type
		}
		properties[name] = prop
		if decl.Required {
			required = append(required, name)
		}
	}
	schemaDoc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schemaDoc["required"] = required
	}
	schemaBytes, err := json.Marshal(schemaDoc)
	if err != nil {
		return nil, fmt.Errorf("build input schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(schemaBytes)
	if err != nil {
		return nil, fmt.Errorf("compile input schema: %w", err)
	}
	result := schema.Validate(merged)
	if !result.IsValid() {
		return nil, fmt.Errorf("invalid inputs: %s", result.Error())
	}
	return merged, nil
}

func newRunID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
