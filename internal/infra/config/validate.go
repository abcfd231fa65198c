package config

import (
	"fmt"
	"strings"

	"maestro/internal/domain"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateModel(cfg, ve)
	validateBudget(cfg, ve)
	validateSecurity(cfg, ve)
	validateAgents(cfg, ve)
	validateSchedules(cfg, ve)
	validatePricing(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
var validLogFormats = map[string]bool{"json": true, "text": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	if !validLogFormats[strings.ToLower(cfg.Logger.Format)] {
		ve.Add("logger.format %q is not one of json, text", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "stdout", "noop":
	default:
		ve.Add("tracer.exporter %q is not one of stdout, noop", cfg.Tracer.Exporter)
	}
}

func validateModel(cfg *Config, ve *ValidationError) {
	if cfg.Model.Name == "" {
		ve.Add("model.name must not be empty")
	}
	if cfg.Model.BreakerTimeout < 0 {
		ve.Add("model.breaker_timeout must not be negative")
	}
}

func validateBudget(cfg *Config, ve *ValidationError) {
	if cfg.Budget.Global != nil {
		validateLimit("budget.global", *cfg.Budget.Global, ve)
	}
	for id, limit := range cfg.Budget.AgentLimits {
		validateLimit("budget.agents."+id, limit, ve)
	}
}

func validateLimit(name string, limit domain.BudgetLimit, ve *ValidationError) {
	if limit.MaxAmount <= 0 {
		ve.Add("%s.max_amount must be > 0", name)
	}
	switch limit.Period {
	case domain.PeriodDaily, domain.PeriodMonthly, domain.PeriodTotal:
	default:
		ve.Add("%s.period %q is not one of daily, monthly, total", name, limit.Period)
	}
	switch limit.Unit {
	case "", domain.UnitCost, domain.UnitPremiumRequests:
	default:
		ve.Add("%s.unit %q is not one of cost, premium_requests", name, limit.Unit)
	}
	prev := 0.0
	for _, th := range limit.WarnThresholds {
		if th <= 0 || th >= 1 {
			ve.Add("%s.warn_thresholds entry %v must be in (0, 1)", name, th)
		}
		if th <= prev {
			ve.Add("%s.warn_thresholds must be strictly ascending", name)
			break
		}
		prev = th
	}
}

var validLevels = map[domain.PermissionLevel]bool{
	domain.LevelPublic:     true,
	domain.LevelRestricted: true,
	domain.LevelDangerous:  true,
}

func validateSecurity(cfg *Config, ve *ValidationError) {
	policy := cfg.Security.Policy
	if policy.DefaultLevel != "" && !validLevels[policy.DefaultLevel] {
		ve.Add("security.policy.default_level %q is not one of public, restricted, dangerous", policy.DefaultLevel)
	}
	for tool, lvl := range policy.ToolLevels {
		if !validLevels[lvl] {
			ve.Add("security.policy.tool_levels.%s level %q is unknown", tool, lvl)
		}
	}
	for id, agent := range policy.Agents {
		if agent.MaxCallsPerMinute < 0 {
			ve.Add("security.policy.agents.%s.max_calls_per_minute must not be negative", id)
		}
	}
}

func validateAgents(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, agent := range cfg.Agents {
		if agent.ID == "" {
			ve.Add("agents[%d].id must not be empty", i)
			continue
		}
		if seen[agent.ID] {
			ve.Add("agents[%d].id %q is duplicated", i, agent.ID)
		}
		seen[agent.ID] = true
		if agent.Model == "" {
			ve.Add("agents.%s.model must not be empty", agent.ID)
		}
		if agent.MaxIter < 0 {
			ve.Add("agents.%s.max_iter must not be negative", agent.ID)
		}
	}
}

func validateSchedules(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, s := range cfg.Schedules {
		if s.ID == "" {
			ve.Add("schedules[%d].id must not be empty", i)
			continue
		}
		if seen[s.ID] {
			ve.Add("schedules[%d].id %q is duplicated", i, s.ID)
		}
		seen[s.ID] = true
		if s.Schedule == "" {
			ve.Add("schedules.%s.schedule must not be empty", s.ID)
		}
		if s.WorkflowID == "" {
			ve.Add("schedules.%s.workflow_id must not be empty", s.ID)
		}
	}
}

func validatePricing(cfg *Config, ve *ValidationError) {
	checkPrice := func(name string, p ModelPricing) {
		if p.InputPerMTok < 0 || p.OutputPerMTok < 0 {
			ve.Add("%s prices must not be negative", name)
		}
	}
	checkPrice("pricing.default", cfg.Pricing.Default)
	for model, p := range cfg.Pricing.Models {
		checkPrice("pricing.models."+model, p)
	}
}
