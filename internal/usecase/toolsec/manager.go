package toolsec

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maestro/internal/domain"
)

// rateWindow is the sliding window over which per-agent call counts apply.
const rateWindow = time.Minute

// DeniedPayload is the event payload for a denied tool call.
type DeniedPayload struct {
	AgentID string `json:"agent_id"`
	Tool    string `json:"tool"`
	Reason  string `json:"reason"`
}

// RateLimitedPayload is the event payload for a rate-limited tool call.
type RateLimitedPayload struct {
	AgentID string `json:"agent_id"`
	Tool    string `json:"tool"`
	Limit   int    `json:"limit"`
}

// Manager is the per-agent tool permission, rate-limit and path/URL policy
// engine. Decisions are structured admissions, never errors. A single mutex
// guards the sliding call windows.
type Manager struct {
	mu     sync.Mutex
	policy domain.ToolSecurityPolicy
	calls  map[string][]time.Time

	bus    domain.EventBus
	audit  domain.AuditStore // optional, nil = no audit persistence
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a tool security manager for the given policy.
// The audit store may be nil.
func NewManager(policy domain.ToolSecurityPolicy, bus domain.EventBus, audit domain.AuditStore, logger *slog.Logger) *Manager {
	return &Manager{
		policy: policy,
		calls:  make(map[string][]time.Time),
		bus:    bus,
		audit:  audit,
		logger: logger,
		now:    time.Now,
	}
}

// CanExecute decides whether an agent may call a tool, in strict precedence
// order: denylist, allowlist, permission level, rate limit, path policy,
// URL policy. The caller must separately invoke RecordExecution once the
// tool actually runs.
func (m *Manager) CanExecute(ctx context.Context, agentID, toolName string, args json.RawMessage) domain.Admission {
	start := m.now()
	adm := m.decide(ctx, agentID, toolName, args)
	m.writeAudit(ctx, domain.AuditEntry{
		AgentID:   agentID,
		Tool:      toolName,
		Permitted: adm.Allowed,
		Reason:    adm.Reason,
		Duration:  m.now().Sub(start),
		Timestamp: start,
	})
	return adm
}

// RecordExecution adds one call to the agent's sliding rate-limit window.
// It never allows or denies by itself.
func (m *Manager) RecordExecution(agentID, toolName string) {
	_ = toolName
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.calls[agentID] = append(pruneWindow(m.calls[agentID], now), now)
}

func (m *Manager) decide(ctx context.Context, agentID, toolName string, args json.RawMessage) domain.Admission {
	agentPolicy := m.policy.Agents[agentID]

	// 1. Denylist wins over everything, including the allowlist.
	if contains(agentPolicy.Denylist, toolName) {
		return m.deny(ctx, agentID, toolName,
			fmt.Sprintf("tool %q is on the denylist for agent %q", toolName, agentID))
	}

	// 2. Allowlist match bypasses all remaining checks.
	if contains(agentPolicy.Allowlist, toolName) {
		return domain.Allow()
	}

	// 3. Permission level against the policy's configured ceiling.
	level := m.policy.LevelFor(toolName)
	if level.Rank() > m.policy.DefaultLevel.Rank() {
		return m.deny(ctx, agentID, toolName,
			fmt.Sprintf("tool %q requires %s permission, policy allows up to %s",
				toolName, level, m.policy.DefaultLevel))
	}

	// 4. Per-agent sliding-window rate limit.
	if limit := agentPolicy.MaxCallsPerMinute; limit > 0 {
		m.mu.Lock()
		m.calls[agentID] = pruneWindow(m.calls[agentID], m.now())
		count := len(m.calls[agentID])
		m.mu.Unlock()
		if count >= limit {
			m.publish(ctx, domain.EventToolRateLimited, agentID, RateLimitedPayload{
				AgentID: agentID,
				Tool:    toolName,
				Limit:   limit,
			})
			return m.deny(ctx, agentID, toolName,
				fmt.Sprintf("agent %q exceeded %d tool calls per minute", agentID, limit))
		}
	}

	// 5+6. Path and URL prefix policies apply only when the arguments carry
	// the corresponding field.
	fields := argFields(args)
	if path, ok := fields["path"]; ok && m.policy.Filesystem != nil {
		if reason := checkPrefixPolicy(path, m.policy.Filesystem.AllowedPaths, m.policy.Filesystem.DeniedPaths, "path"); reason != "" {
			return m.deny(ctx, agentID, toolName, reason)
		}
	}
	if url, ok := fields["url"]; ok && m.policy.Network != nil {
		if reason := checkPrefixPolicy(url, m.policy.Network.AllowedURLs, m.policy.Network.DeniedURLs, "url"); reason != "" {
			return m.deny(ctx, agentID, toolName, reason)
		}
	}

	return domain.Allow()
}

func (m *Manager) deny(ctx context.Context, agentID, toolName, reason string) domain.Admission {
	m.publish(ctx, domain.EventToolDenied, agentID, DeniedPayload{
		AgentID: agentID,
		Tool:    toolName,
		Reason:  reason,
	})
	return domain.Deny(reason)
}

func (m *Manager) writeAudit(ctx context.Context, entry domain.AuditEntry) {
	if m.audit == nil {
		return
	}
	if err := m.audit.SaveEntry(ctx, entry); err != nil {
		m.logger.Warn("failed to persist audit entry", "agent_id", entry.AgentID, "tool", entry.Tool, "error", err)
	}
}

func (m *Manager) publish(ctx context.Context, eventType domain.EventType, agentID string, payload any) {
	if m.bus == nil {
		return
	}
	data, _ := json.Marshal(payload)
	m.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: m.now(),
		AgentID:   agentID,
		Payload:   data,
	})
}

// checkPrefixPolicy applies deny-first prefix matching. A denied prefix wins
// even when the value is nested under an allowed one. Returns "" when the
// value passes.
func checkPrefixPolicy(value string, allowed, denied []string, kind string) string {
	for _, prefix := range denied {
		if strings.HasPrefix(value, prefix) {
			return fmt.Sprintf("%s %q matches denied prefix %q", kind, value, prefix)
		}
	}
	if len(allowed) == 0 {
		return ""
	}
	for _, prefix := range allowed {
		if strings.HasPrefix(value, prefix) {
			return ""
		}
	}
	return fmt.Sprintf("%s %q matches no allowed prefix", kind, value)
}

// argFields extracts top-level string fields from a tool's JSON arguments.
func argFields(args json.RawMessage) map[string]string {
	if len(args) == 0 {
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal(args, &raw); err != nil {
		return nil
	}
	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			fields[k] = s
		}
	}
	return fields
}

func pruneWindow(stamps []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-rateWindow)
	i := 0
	for ; i < len(stamps); i++ {
		if stamps[i].After(cutoff) {
			break
		}
	}
	return stamps[i:]
}

func contains(list []string, name string) bool {
	for _, item := range list {
		if item == name {
			return true
		}
	}
	return false
}
