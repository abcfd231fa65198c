// Package config loads and validates the YAML configuration file that wires
// the orchestration core: agents, budgets, security policy, workflows,
// schedules, and the ambient logger/tracer settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"maestro/internal/domain"
)

// Config is the root configuration document.
type Config struct {
	DataDir   string                 `yaml:"data_dir"`
	Logger    LoggerConfig           `yaml:"logger"`
	Tracer    TracerConfig           `yaml:"tracer"`
	Model     ModelConfig            `yaml:"model"`
	Budget    BudgetConfig           `yaml:"budget"`
	Security  SecurityConfig         `yaml:"security"`
	Agents    []domain.AgentIdentity `yaml:"agents"`
	Workflows WorkflowsConfig        `yaml:"workflows"`
	Schedules []ScheduleConfig       `yaml:"schedules,omitempty"`
	Pricing   PricingConfig          `yaml:"pricing"`
}

// LoggerConfig holds structured logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// ModelConfig selects the default model backend and its resilience settings.
type ModelConfig struct {
	Provider string `yaml:"provider"`
	Name     string `yaml:"name"`
	APIKey   string `yaml:"api_key,omitempty"`
	BaseURL  string `yaml:"base_url,omitempty"`
	// Connection timeouts; zero values use the adapter defaults.
	ConnTimeout time.Duration `yaml:"conn_timeout,omitempty"`
	RespTimeout time.Duration `yaml:"resp_timeout,omitempty"`
	// Breaker settings; zero values use the adapter defaults.
	BreakerMaxFailures uint32        `yaml:"breaker_max_failures,omitempty"`
	BreakerTimeout     time.Duration `yaml:"breaker_timeout,omitempty"`
	BreakerInterval    time.Duration `yaml:"breaker_interval,omitempty"`
}

// BudgetConfig configures the budget manager.
type BudgetConfig struct {
	// Global is the process-wide limit. Nil = no global metering.
	Global *domain.BudgetLimit `yaml:"global,omitempty"`
	// AgentLimits holds per-agent limits keyed by agent ID.
	AgentLimits map[string]domain.BudgetLimit `yaml:"agents,omitempty"`
}

// SecurityConfig configures the tool security manager.
type SecurityConfig struct {
	Policy domain.ToolSecurityPolicy `yaml:"policy"`
}

// WorkflowsConfig locates workflow definition files.
type WorkflowsConfig struct {
	// Dir is a directory of YAML workflow definitions loaded at startup.
	Dir string `yaml:"dir,omitempty"`
}

// ScheduleConfig declares one cron-triggered workflow run.
type ScheduleConfig struct {
	ID         string         `yaml:"id"`
	Name       string         `yaml:"name,omitempty"`
	Schedule   string         `yaml:"schedule"`
	WorkflowID string         `yaml:"workflow_id"`
	Inputs     map[string]any `yaml:"inputs,omitempty"`
	Enabled    bool           `yaml:"enabled"`
}

// ModelPricing is a per-million-token price pair.
type ModelPricing struct {
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

// PricingConfig maps model names to prices for cost metering.
type PricingConfig struct {
	Default ModelPricing            `yaml:"default"`
	Models  map[string]ModelPricing `yaml:"models,omitempty"`
}

// defaultDataDir returns the persistent data directory under
// $HOME/.maestro/data, falling back to "./data".
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".maestro", "data")
}

// Defaults returns a config with conservative defaults. Loading a file
// overlays onto these values.
func Defaults() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Logger: LoggerConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "stdout",
		},
		Model: ModelConfig{
			Provider: "anthropic",
			Name:     "claude-sonnet-4-5",
		},
		Security: SecurityConfig{
			Policy: domain.ToolSecurityPolicy{
				DefaultLevel: domain.LevelPublic,
			},
		},
		Pricing: PricingConfig{
			Default: ModelPricing{InputPerMTok: 3, OutputPerMTok: 15},
		},
	}
}

// Load reads the config file at path, applies env overrides, and validates.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps MAESTRO_* env vars onto config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MAESTRO_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("MAESTRO_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("MAESTRO_LOG_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("MAESTRO_MODEL"); v != "" {
		cfg.Model.Name = v
	}
	if v := os.Getenv("MAESTRO_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv("MAESTRO_WORKFLOW_DIR"); v != "" {
		cfg.Workflows.Dir = v
	}
	if v := os.Getenv("MAESTRO_TRACING"); v == "1" || v == "true" {
		cfg.Tracer.Enabled = true
	}
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable).
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
