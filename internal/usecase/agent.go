package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"maestro/internal/domain"
	"maestro/internal/infra/tracer"
)

// MaxIterationsText is the sentinel returned as final text when a turn hits
// the iteration cap while the model still wants tools.
const MaxIterationsText = "[Max iterations reached]"

// ToolGate decides whether a tool call may run and records completed calls
// against the rate window.
type ToolGate interface {
	CanExecute(ctx context.Context, agentID, toolName string, args json.RawMessage) domain.Admission
	RecordExecution(agentID, toolName string)
}

// BudgetGate admits model calls and records their usage afterwards. Check
// receives the request about to be sent so implementations can project its
// cost before admitting it.
type BudgetGate interface {
	Check(ctx context.Context, agentID string, req domain.ChatRequest) domain.Admission
	RecordTurnUsage(ctx context.Context, agentID string, usage domain.Usage)
}

// AgentDeps holds injected dependencies for the agent.
type AgentDeps struct {
	Model         domain.ModelProvider
	Tools         domain.ToolExecutor
	Logger        *slog.Logger
	Identity      domain.AgentIdentity
	MaxIterations int                 // <= 0 means unbounded
	Bus           domain.EventBus     // optional, nil = no events
	Security      ToolGate            // optional, nil = all tools allowed
	Budget        BudgetGate          // optional, nil = no budget enforcement
}

// Agent runs the receive-think-act loop for one agent identity.
type Agent struct {
	deps AgentDeps
}

// NewAgent creates an agent with the given dependencies.
func NewAgent(deps AgentDeps) *Agent {
	// Identity.MaxIter overrides MaxIterations when set.
	if deps.Identity.MaxIter > 0 {
		deps.MaxIterations = deps.Identity.MaxIter
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Agent{deps: deps}
}

// Identity returns the identity the agent was built with.
func (a *Agent) Identity() domain.AgentIdentity {
	return a.deps.Identity
}

// HandleMessage processes a single user message through the agent loop.
func (a *Agent) HandleMessage(ctx context.Context, session *Session, userMsg string) (*domain.TurnResult, error) {
	return a.handleInner(ctx, session, userMsg, "", nil, nil)
}

// HandleMessageWithSystem is HandleMessage with a per-turn system prompt
// override. An empty override keeps the identity prompt.
func (a *Agent) HandleMessageWithSystem(ctx context.Context, session *Session, userMsg, systemPrompt string) (*domain.TurnResult, error) {
	return a.handleInner(ctx, session, userMsg, systemPrompt, nil, nil)
}

// HandleMessageStream processes a user message with incremental delivery to
// the sink. If the model provider does not support streaming, it falls back
// to the synchronous path and delivers the full response in one chunk.
func (a *Agent) HandleMessageStream(ctx context.Context, session *Session, userMsg string, sink domain.StreamSink) (*domain.TurnResult, error) {
	sp, canStream := a.deps.Model.(domain.StreamingModelProvider)
	if !canStream {
		result, err := a.HandleMessage(ctx, session, userMsg)
		if err == nil {
			if sink != nil && result.Text != "" {
				sink.Text(result.Text)
			}
			a.publishEvent(ctx, domain.EventStreamCompleted, domain.StreamCompletedPayload{
				Content: result.Text,
				Usage:   &result.Usage,
			})
		}
		return result, err
	}
	return a.handleInner(ctx, session, userMsg, "", sp, sink)
}

// handleInner is the shared loop for both sync and streaming modes. When sp
// is non-nil it accumulates deltas from SendStream; otherwise it uses Send.
func (a *Agent) handleInner(ctx context.Context, session *Session, userMsg, systemPrompt string, sp domain.StreamingModelProvider, sink domain.StreamSink) (*domain.TurnResult, error) {
	streaming := sp != nil

	spanName := "agent.handle_message"
	opName := "Agent.HandleMessage"
	if streaming {
		spanName = "agent.handle_message_stream"
		opName = "Agent.HandleMessageStream"
	}

	ctx, span := tracer.StartSpan(ctx, spanName,
		trace.WithAttributes(tracer.StringAttr("agent.id", a.deps.Identity.ID)),
	)
	defer span.End()

	userMessage := domain.Message{
		Role:      domain.RoleUser,
		Content:   userMsg,
		Timestamp: time.Now(),
	}

	// Admit the turn before the message lands in the session so a denied
	// turn leaves no unanswered history behind.
	if a.deps.Budget != nil {
		pending := a.buildRequest(append(session.Messages(), userMessage), systemPrompt)
		if adm := a.deps.Budget.Check(ctx, a.deps.Identity.ID, pending); !adm.Allowed {
			err := domain.NewDomainError(opName, domain.ErrBudgetExceeded, adm.Reason)
			tracer.RecordError(span, err)
			return nil, err
		}
	}

	session.AddMessage(userMessage)

	if streaming {
		a.publishEvent(ctx, domain.EventStreamStarted, nil)
	}

	var (
		totalUsage domain.Usage
		blocks     []domain.ContentBlock
		iterations int
	)

	for i := 0; a.deps.MaxIterations <= 0 || i < a.deps.MaxIterations; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		iterations = i + 1
		span.AddEvent("agent.iteration", trace.WithAttributes(tracer.IntAttr("iteration", i)))

		req := a.buildRequest(session.Messages(), systemPrompt)

		// The first iteration was admitted before the user message was
		// appended; later ones carry tool results the gate has not seen.
		if a.deps.Budget != nil && i > 0 {
			if adm := a.deps.Budget.Check(ctx, a.deps.Identity.ID, req); !adm.Allowed {
				err := domain.NewDomainError(opName, domain.ErrBudgetExceeded, adm.Reason)
				tracer.RecordError(span, err)
				return nil, err
			}
		}

		a.publishEvent(ctx, domain.EventModelCallStarted, nil)
		msg, stop, usage, callErr := a.callModel(ctx, req, sp, sink, i)
		if callErr != nil {
			if streaming {
				a.publishEvent(ctx, domain.EventStreamError, domain.StreamErrorPayload{Error: callErr.Error()})
			}
			a.publishEvent(ctx, domain.EventAgentError, map[string]string{"error": callErr.Error()})
			tracer.RecordError(span, callErr)
			return nil, callErr
		}
		a.publishEvent(ctx, domain.EventModelCallCompleted, map[string]string{"stop_reason": string(stop)})

		totalUsage.Add(usage)
		if a.deps.Budget != nil {
			a.deps.Budget.RecordTurnUsage(ctx, a.deps.Identity.ID, usage)
		}

		session.AddMessage(msg)
		if msg.Content != "" {
			blocks = append(blocks, domain.ContentBlock{Type: domain.BlockText, Text: msg.Content})
		}
		for i := range msg.ToolCalls {
			call := msg.ToolCalls[i]
			blocks = append(blocks, domain.ContentBlock{Type: domain.BlockToolUse, ToolUse: &call})
		}

		a.deps.Logger.Debug("model response",
			"agent", a.deps.Identity.ID,
			"iteration", i,
			"stop_reason", stop,
			"tool_calls", len(msg.ToolCalls),
		)

		if stop != domain.StopToolUse || len(msg.ToolCalls) == 0 {
			if streaming {
				a.publishEvent(ctx, domain.EventStreamCompleted, domain.StreamCompletedPayload{
					Content: msg.Content,
					Usage:   &totalUsage,
				})
			}
			tracer.SetOK(span)
			return &domain.TurnResult{
				Text:       msg.Content,
				Usage:      totalUsage,
				Iterations: iterations,
				Blocks:     blocks,
			}, nil
		}

		// Tool calls execute strictly in order; each result goes back into
		// the history before the next model call.
		for _, call := range msg.ToolCalls {
			if sink != nil {
				sink.ToolStart(call)
			}
			result := a.executeTool(ctx, call)
			if sink != nil {
				sink.ToolEnd(result)
			}
			blocks = append(blocks, domain.ContentBlock{Type: domain.BlockToolResult, ToolResult: &result})
			session.AddMessage(domain.Message{
				Role:      domain.RoleTool,
				Name:      call.Name,
				Content:   result.Content,
				IsError:   result.IsError,
				ToolCalls: []domain.ToolCall{{ID: call.ID, Name: call.Name}},
				Timestamp: time.Now(),
			})
		}
	}

	// Iteration cap reached with the model still asking for tools. The turn
	// ends with a sentinel so callers always get a usable result.
	if streaming {
		if sink != nil {
			sink.Text(MaxIterationsText)
		}
		a.publishEvent(ctx, domain.EventStreamCompleted, domain.StreamCompletedPayload{
			Content: MaxIterationsText,
			Usage:   &totalUsage,
		})
	}
	tracer.RecordError(span, domain.ErrMaxIterations)
	blocks = append(blocks, domain.ContentBlock{Type: domain.BlockText, Text: MaxIterationsText})
	return &domain.TurnResult{
		Text:       MaxIterationsText,
		Usage:      totalUsage,
		Iterations: iterations,
		Blocks:     blocks,
	}, nil
}

// buildRequest projects the agent identity and history into a model request.
func (a *Agent) buildRequest(messages []domain.Message, systemPrompt string) domain.ChatRequest {
	if systemPrompt == "" {
		systemPrompt = a.deps.Identity.SystemPrompt
	}
	return domain.ChatRequest{
		Model:        a.deps.Identity.Model,
		Messages:     messages,
		SystemPrompt: systemPrompt,
		Tools:        a.toolSchemas(),
		MaxTokens:    a.deps.Identity.MaxTokens,
		Temperature:  a.deps.Identity.Temperature,
	}
}

// toolSchemas returns the schemas this identity may call. An empty Tools
// list on the identity grants the full registry.
func (a *Agent) toolSchemas() []domain.ToolSchema {
	all := a.deps.Tools.Schemas()
	if len(a.deps.Identity.Tools) == 0 {
		return all
	}
	filtered := make([]domain.ToolSchema, 0, len(a.deps.Identity.Tools))
	for _, s := range all {
		if a.toolAllowed(s.Name) {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

func (a *Agent) toolAllowed(name string) bool {
	if len(a.deps.Identity.Tools) == 0 {
		return true
	}
	for _, t := range a.deps.Identity.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// callModel performs one model call in sync or streaming mode.
func (a *Agent) callModel(ctx context.Context, req domain.ChatRequest, sp domain.StreamingModelProvider, sink domain.StreamSink, iteration int) (domain.Message, domain.StopReason, domain.Usage, error) {
	if sp == nil {
		mctx, mspan := tracer.StartSpan(ctx, "agent.model_call")
		resp, err := a.deps.Model.Send(mctx, req)
		mspan.End()
		if err != nil {
			return domain.Message{}, "", domain.Usage{}, err
		}
		return resp.Message, resp.StopReason, resp.Usage, nil
	}

	mctx, mspan := tracer.StartSpan(ctx, "agent.model_stream")
	deltaCh, err := sp.SendStream(mctx, req)
	mspan.End()
	if err != nil {
		return domain.Message{}, "", domain.Usage{}, err
	}

	acc := newStreamAccumulator()
	for delta := range deltaCh {
		acc.addDelta(delta)
		if sink != nil && delta.Content != "" {
			sink.Text(delta.Content)
		}
		a.publishEvent(ctx, domain.EventStreamDelta, domain.StreamDeltaPayload{
			Content:   delta.Content,
			ToolCalls: delta.ToolCalls,
			Done:      delta.Done,
			Iteration: iteration,
		})
	}
	msg, usage := acc.build()

	stop := domain.StopEndTurn
	if len(msg.ToolCalls) > 0 {
		stop = domain.StopToolUse
	}
	return msg, stop, usage, nil
}

// executeTool resolves admission and runs a single tool call. Denials and
// failures come back as error-flagged results, never as Go errors, so the
// model can react to them on the next iteration.
func (a *Agent) executeTool(ctx context.Context, call domain.ToolCall) domain.ToolResult {
	ctx, span := tracer.StartSpan(ctx, "agent.execute_tool",
		trace.WithAttributes(tracer.StringAttr("tool.name", call.Name)),
	)
	defer span.End()

	deniedResult := func(reason string) domain.ToolResult {
		return domain.ToolResult{
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    reason,
			IsError:    true,
		}
	}

	if !a.toolAllowed(call.Name) {
		tracer.RecordError(span, domain.ErrPermissionDenied)
		return deniedResult("tool not granted to this agent: " + call.Name)
	}

	if a.deps.Security != nil {
		if adm := a.deps.Security.CanExecute(ctx, a.deps.Identity.ID, call.Name, call.Arguments); !adm.Allowed {
			tracer.RecordError(span, domain.ErrPermissionDenied)
			return deniedResult(adm.Reason)
		}
	}

	tool, err := a.deps.Tools.Get(call.Name)
	if err != nil {
		tracer.RecordError(span, err)
		return deniedResult(err.Error())
	}

	a.publishEvent(ctx, domain.EventToolCallStarted, map[string]string{"tool": call.Name})
	result, err := tool.Execute(ctx, call.Arguments)
	success := err == nil && (result == nil || !result.IsError)
	a.publishEvent(ctx, domain.EventToolCallCompleted, map[string]any{
		"tool":    call.Name,
		"success": success,
	})

	if a.deps.Security != nil {
		a.deps.Security.RecordExecution(a.deps.Identity.ID, call.Name)
	}

	if err != nil {
		tracer.RecordError(span, err)
		return deniedResult(err.Error())
	}
	if result == nil {
		// A tool may legally return (nil, nil) for a no-output success.
		result = &domain.ToolResult{}
	}

	tracer.SetOK(span)
	return domain.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    result.Content,
		IsError:    result.IsError,
	}
}

func (a *Agent) publishEvent(ctx context.Context, eventType domain.EventType, payload any) {
	publishEvent(a.deps.Bus, ctx, eventType, a.deps.Identity.ID, payload)
}

// publishEvent marshals the payload and publishes on the bus if configured.
func publishEvent(bus domain.EventBus, ctx context.Context, eventType domain.EventType, agentID string, payload any) {
	if bus == nil {
		return
	}
	var data json.RawMessage
	if payload != nil {
		data, _ = json.Marshal(payload)
	}
	bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		AgentID:   agentID,
		Payload:   data,
	})
}
