package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"maestro/internal/domain"
	"maestro/internal/usecase/multiagent"
)

// DelegateTool lets an agent hand a sub-task to another registered agent.
type DelegateTool struct {
	broker   *multiagent.Broker
	registry *multiagent.Registry
	agentID  string // the agent that owns this tool instance
}

// NewDelegateTool creates a delegate tool for the given agent.
func NewDelegateTool(broker *multiagent.Broker, registry *multiagent.Registry, agentID string) *DelegateTool {
	return &DelegateTool{broker: broker, registry: registry, agentID: agentID}
}

func (t *DelegateTool) Name() string        { return "delegate" }
func (t *DelegateTool) Description() string { return "Delegate a task to another agent" }

func (t *DelegateTool) Schema() domain.ToolSchema {
	// The live agent list goes into the description so the model knows
	// who it can delegate to.
	var names []string
	for _, a := range t.registry.List() {
		if a.ID != t.agentID {
			names = append(names, fmt.Sprintf("%s (%s)", a.ID, a.Name))
		}
	}
	agentList := "none"
	if len(names) > 0 {
		agentList = strings.Join(names, ", ")
	}

	return domain.ToolSchema{
		Name:        t.Name(),
		Description: fmt.Sprintf("Delegate a task to another agent. Available agents: %s", agentList),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"agent_id": {
					"type": "string",
					"description": "The ID of the agent to delegate to"
				},
				"message": {
					"type": "string",
					"description": "The message or task to delegate"
				}
			},
			"required": ["agent_id", "message"]
		}`),
	}
}

type delegateParams struct {
	AgentID string `json:"agent_id"`
	Message string `json:"message"`
}

func (t *DelegateTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	p, errResult := ParseParams[delegateParams](params)
	if errResult != nil {
		return errResult, nil
	}
	if err := RequireFields("agent_id", p.AgentID, "message", p.Message); err != nil {
		return ErrResult("%s", err.Error()), nil
	}
	if p.AgentID == t.agentID {
		return ErrResult("cannot delegate to self"), nil
	}

	resp, err := t.broker.Delegate(ctx, multiagent.DelegateRequest{
		FromAgent: t.agentID,
		ToAgent:   p.AgentID,
		Message:   p.Message,
	})
	if err != nil {
		return ErrResult("delegation to %s failed: %v", p.AgentID, err), nil
	}

	return &domain.ToolResult{Content: resp.Text}, nil
}
