package multiagent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"maestro/internal/domain"
)

// Broker routes messages to live agents and orchestrates cross-agent
// delegation. It implements domain.MessageRouter.
type Broker struct {
	registry *Registry
	bus      domain.EventBus // optional
	logger   *slog.Logger
}

// NewBroker creates a Broker over a registry.
func NewBroker(registry *Registry, bus domain.EventBus, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{registry: registry, bus: bus, logger: logger}
}

// RouteMessage delivers one turn to the named agent. Unknown ids are fatal
// lookup errors. The instance transitions idle -> processing -> idle, or to
// error when the turn fails.
func (b *Broker) RouteMessage(ctx context.Context, agentID, text string) (*domain.TurnResult, error) {
	const op = "Broker.RouteMessage"

	inst, err := b.registry.Get(agentID)
	if err != nil {
		return nil, err
	}
	if inst.State() == domain.AgentTerminated {
		return nil, domain.NewDomainError(op, domain.ErrAgentTerminated, agentID)
	}

	inst.setState(domain.AgentProcessing)
	b.publish(ctx, domain.EventAgentRouted, agentID, map[string]int{"message_len": len(text)})

	result, err := inst.Agent.HandleMessage(ctx, inst.Session, text)
	if err != nil {
		inst.setState(domain.AgentError)
		b.publish(ctx, domain.EventAgentError, agentID, map[string]string{"error": err.Error()})
		return nil, err
	}

	inst.setState(domain.AgentIdle)
	return result, nil
}

// DelegateRequest is a cross-agent sub-goal handoff.
type DelegateRequest struct {
	FromAgent string `json:"from_agent"`
	ToAgent   string `json:"to_agent"`
	Message   string `json:"message"`
}

// Delegate sends a message from one agent to another and returns the
// target's turn result.
func (b *Broker) Delegate(ctx context.Context, req DelegateRequest) (*domain.TurnResult, error) {
	b.logger.Info("delegating", "from", req.FromAgent, "to", req.ToAgent)
	b.publish(ctx, domain.EventAgentDelegated, req.ToAgent, req)
	return b.RouteMessage(ctx, req.ToAgent, req.Message)
}

// FanOutResult is one agent's outcome of a fan-out delegation.
type FanOutResult struct {
	AgentID string             `json:"agent_id"`
	Result  *domain.TurnResult `json:"result,omitempty"`
	Err     error              `json:"-"`
}

// FanOut delegates the same message to several agents concurrently and
// waits for all of them. Per-agent failures land in the result slice; they
// do not cancel the siblings.
func (b *Broker) FanOut(ctx context.Context, fromAgent string, agentIDs []string, message string) []FanOutResult {
	results := make([]FanOutResult, len(agentIDs))
	var wg sync.WaitGroup
	for i, id := range agentIDs {
		wg.Add(1)
		go func(idx int, agentID string) {
			defer wg.Done()
			result, err := b.Delegate(ctx, DelegateRequest{
				FromAgent: fromAgent,
				ToAgent:   agentID,
				Message:   message,
			})
			results[idx] = FanOutResult{AgentID: agentID, Result: result, Err: err}
		}(i, id)
	}
	wg.Wait()
	return results
}

func (b *Broker) publish(ctx context.Context, eventType domain.EventType, agentID string, payload any) {
	if b.bus == nil {
		return
	}
	var data json.RawMessage
	if payload != nil {
		data, _ = json.Marshal(payload)
	}
	b.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		AgentID:   agentID,
		Payload:   data,
	})
}
