package domain

import (
	"context"
	"time"
)

// PermissionLevel orders tools by increasing risk.
type PermissionLevel string

const (
	LevelPublic     PermissionLevel = "public"
	LevelRestricted PermissionLevel = "restricted"
	LevelDangerous  PermissionLevel = "dangerous"
)

var levelRank = map[PermissionLevel]int{
	LevelPublic:     0,
	LevelRestricted: 1,
	LevelDangerous:  2,
}

// Rank returns the ordinal risk rank of a level. Unknown levels rank as
// dangerous so that a typo in config fails closed.
func (l PermissionLevel) Rank() int {
	if r, ok := levelRank[l]; ok {
		return r
	}
	return levelRank[LevelDangerous]
}

// AgentToolPolicy holds per-agent overrides for the security manager.
type AgentToolPolicy struct {
	Allowlist         []string `json:"allowlist,omitempty" yaml:"allowlist,omitempty"`
	Denylist          []string `json:"denylist,omitempty" yaml:"denylist,omitempty"`
	MaxCallsPerMinute int      `json:"max_calls_per_minute,omitempty" yaml:"max_calls_per_minute,omitempty"`
}

// PathPolicy is a prefix-match filesystem policy. A denied prefix wins over
// an allowed one even when nested under an allowed root.
type PathPolicy struct {
	AllowedPaths []string `json:"allowed_paths,omitempty" yaml:"allowed_paths,omitempty"`
	DeniedPaths  []string `json:"denied_paths,omitempty" yaml:"denied_paths,omitempty"`
}

// URLPolicy is a prefix-match network policy, analogous to PathPolicy.
type URLPolicy struct {
	AllowedURLs []string `json:"allowed_urls,omitempty" yaml:"allowed_urls,omitempty"`
	DeniedURLs  []string `json:"denied_urls,omitempty" yaml:"denied_urls,omitempty"`
}

// ToolSecurityPolicy configures the tool security manager.
type ToolSecurityPolicy struct {
	DefaultLevel PermissionLevel            `json:"default_level" yaml:"default_level"`
	ToolLevels   map[string]PermissionLevel `json:"tool_levels,omitempty" yaml:"tool_levels,omitempty"`
	Agents       map[string]AgentToolPolicy `json:"agents,omitempty" yaml:"agents,omitempty"`
	Filesystem   *PathPolicy                `json:"filesystem,omitempty" yaml:"filesystem,omitempty"`
	Network      *URLPolicy                 `json:"network,omitempty" yaml:"network,omitempty"`
}

// LevelFor returns the configured level for a tool, falling back to the
// policy default.
func (p ToolSecurityPolicy) LevelFor(tool string) PermissionLevel {
	if lvl, ok := p.ToolLevels[tool]; ok {
		return lvl
	}
	if p.DefaultLevel == "" {
		return LevelPublic
	}
	return p.DefaultLevel
}

// AuditEntry is a write-only record of a tool admission decision.
type AuditEntry struct {
	AgentID   string        `json:"agent_id"`
	Tool      string        `json:"tool"`
	Permitted bool          `json:"permitted"`
	Reason    string        `json:"reason,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// AuditStore persists tool audit entries.
type AuditStore interface {
	SaveEntry(ctx context.Context, entry AuditEntry) error
	ListEntries(ctx context.Context, agentID string, limit int) ([]AuditEntry, error)
}
