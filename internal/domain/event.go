package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventAgentSpawned    EventType = "agent.spawned"
	EventAgentTerminated EventType = "agent.terminated"
	EventAgentRouted     EventType = "agent.routed"
	EventAgentDelegated  EventType = "agent.delegated"
	EventAgentError      EventType = "agent.error"

	EventModelCallStarted   EventType = "model.call.started"
	EventModelCallCompleted EventType = "model.call.completed"
	EventToolCallStarted    EventType = "tool.call.started"
	EventToolCallCompleted  EventType = "tool.call.completed"

	EventStreamStarted   EventType = "stream.started"
	EventStreamDelta     EventType = "stream.delta"
	EventStreamCompleted EventType = "stream.completed"
	EventStreamError     EventType = "stream.error"

	EventSessionCreated EventType = "session.created"
	EventSessionCleared EventType = "session.cleared"

	// Budget manager events.
	EventBudgetWarning  EventType = "budget.warning"
	EventBudgetExceeded EventType = "budget.exceeded"
	EventBudgetBlocked  EventType = "budget.request_blocked"

	// Tool security manager events.
	EventToolDenied      EventType = "security.tool_denied"
	EventToolRateLimited EventType = "security.rate_limited"

	// Goal loop events.
	EventGoalStarted       EventType = "goal.started"
	EventGoalStepCompleted EventType = "goal.step_completed"
	EventGoalCompleted     EventType = "goal.completed"
	EventGoalBlocked       EventType = "goal.blocked"

	// Workflow engine events.
	EventWorkflowStarted       EventType = "workflow.started"
	EventWorkflowCompleted     EventType = "workflow.completed"
	EventWorkflowFailed        EventType = "workflow.failed"
	EventWorkflowStepStarted   EventType = "workflow.step.started"
	EventWorkflowStepCompleted EventType = "workflow.step.completed"
	EventWorkflowStepFailed    EventType = "workflow.step.failed"

	// Scheduler events.
	EventScheduleFired EventType = "schedule.fired"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	AgentID   string          `json:"agent_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// StreamDeltaPayload is published for each incremental model chunk.
type StreamDeltaPayload struct {
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Done      bool       `json:"done,omitempty"`
	Iteration int        `json:"iteration"`
}

// StreamCompletedPayload carries the final text of a streamed turn.
type StreamCompletedPayload struct {
	Content string `json:"content"`
	Usage   *Usage `json:"usage,omitempty"`
}

// StreamErrorPayload carries a stream failure.
type StreamErrorPayload struct {
	Error string `json:"error"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
// Delivery is synchronous and in subscription order; a panicking handler
// must not prevent delivery to the remaining handlers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// Once registers a handler that auto-unsubscribes after first delivery.
	Once(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
}
