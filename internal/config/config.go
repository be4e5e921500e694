// Package config loads the single frozen configuration struct the rest of
// the system consumes. Nothing inside workflow code reads configuration or
// the process environment; the engine receives a copy at startup and passes
// the pieces down as activity arguments.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all capsmith configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// DataDir holds the SQLite store, logs, and the audit trail.
	DataDir string `yaml:"data_dir"`

	Server    ServerConfig    `yaml:"server"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Governor  GovernorConfig  `yaml:"governor"`
	Circuit   CircuitConfig   `yaml:"circuit"`
	Review    ReviewConfig    `yaml:"review"`
	Providers ProvidersConfig `yaml:"providers"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Memory    MemoryConfig    `yaml:"memory"`
	Capsule   CapsuleConfig   `yaml:"capsule"`
	VCS       VCSConfig       `yaml:"vcs"`
	HAP       HAPConfig       `yaml:"hap"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// WorkflowConfig configures the engine.
type WorkflowConfig struct {
	MaxConcurrentTasks     int    `yaml:"max_concurrent_tasks"`
	MaxConcurrentWorkflows int    `yaml:"max_concurrent_workflows"`
	RetryMax               int    `yaml:"retry_max"`
	RetryCap               string `yaml:"retry_cap"`
	WorkflowDeadline       string `yaml:"workflow_deadline"`
	ActivityDeadline       string `yaml:"activity_deadline"`
	HeartbeatInterval      string `yaml:"heartbeat_interval"`
	CancelGrace            string `yaml:"cancel_grace"`
	CheckpointEvery        int    `yaml:"checkpoint_every_tasks"`
}

// GovernorConfig configures rate, concurrency, token, and budget limits.
type GovernorConfig struct {
	RPSFloor        int     `yaml:"rps_floor"`
	QueueWatermark  int     `yaml:"queue_watermark"`
	TenantBudgetUSD float64 `yaml:"tenant_budget_usd"` // 0 = unlimited
	// Per-provider defaults; provider entries may override.
	RPSLimit        int `yaml:"rps_limit"`
	TPMLimit        int `yaml:"tpm_limit"`
	ConcurrentLimit int `yaml:"concurrent_limit"`
}

// CircuitConfig configures the breaker set.
type CircuitConfig struct {
	FailureThreshold int    `yaml:"failure_threshold"`
	RecoveryTimeout  string `yaml:"recovery_timeout"`
}

// ReviewConfig configures the human/AI review gate and the confidence
// score penalties that decide when the gate applies.
type ReviewConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	WeightError         float64 `yaml:"weight_error"`
	WeightLowCoverage   float64 `yaml:"weight_low_coverage"`
	WeightThrottle      float64 `yaml:"weight_throttle"`
	Timeout             string  `yaml:"timeout"`
	OnTimeout           string  `yaml:"on_timeout"` // approve, reject, fail
}

// ProvidersConfig configures LLM providers by name.
type ProvidersConfig struct {
	Anthropic ProviderEntry `yaml:"anthropic"`
	OpenAI    ProviderEntry `yaml:"openai"`
}

// ProviderEntry is one LLM provider endpoint.
type ProviderEntry struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// SandboxConfig configures sandboxed artifact execution.
type SandboxConfig struct {
	WorkDir         string   `yaml:"work_dir"`
	CPUSeconds      int      `yaml:"cpu_seconds"`
	MemoryMB        int      `yaml:"memory_mb"`
	WallClock       string   `yaml:"wall_clock"`
	AllowedBinaries []string `yaml:"allowed_binaries"`
}

// MemoryConfig configures the vector memory store.
type MemoryConfig struct {
	Enabled        bool   `yaml:"enabled"`
	GeminiAPIKey   string `yaml:"gemini_api_key"`
	EmbeddingModel string `yaml:"embedding_model"`
	TopK           int    `yaml:"top_k"`
}

// CapsuleConfig configures assembly and signing.
type CapsuleConfig struct {
	SigningSecret string `yaml:"signing_secret"`
}

// VCSConfig configures the version-control delivery target.
type VCSConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
	Timeout string `yaml:"timeout"`
}

// HAPConfig configures the content filter gate.
type HAPConfig struct {
	BlockThreshold float64 `yaml:"block_threshold"`
}

// LoggingConfig configures debug logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "capsmith",
		Version: "0.4.0",
		DataDir: "data",

		Server: ServerConfig{Listen: ":8370"},

		Workflow: WorkflowConfig{
			MaxConcurrentTasks:     100,
			MaxConcurrentWorkflows: 50,
			RetryMax:               3,
			RetryCap:               "60s",
			WorkflowDeadline:       "2h",
			ActivityDeadline:       "10m",
			HeartbeatInterval:      "30s",
			CancelGrace:            "30s",
			CheckpointEvery:        5,
		},

		Governor: GovernorConfig{
			RPSFloor:        1,
			QueueWatermark:  1000,
			RPSLimit:        10,
			TPMLimit:        200000,
			ConcurrentLimit: 8,
		},

		Circuit: CircuitConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  "60s",
		},

		Review: ReviewConfig{
			ConfidenceThreshold: 0.7,
			WeightError:         0.2,
			WeightLowCoverage:   0.1,
			WeightThrottle:      0.05,
			Timeout:             "24h",
			OnTimeout:           "approve",
		},

		Providers: ProvidersConfig{
			Anthropic: ProviderEntry{
				BaseURL: "https://api.anthropic.com/v1",
				Timeout: "120s",
			},
			OpenAI: ProviderEntry{
				BaseURL: "https://api.openai.com/v1",
				Timeout: "120s",
			},
		},

		Sandbox: SandboxConfig{
			WorkDir:    "data/sandbox",
			CPUSeconds: 30,
			MemoryMB:   512,
			WallClock:  "60s",
			AllowedBinaries: []string{
				"go", "python", "python3", "node", "npm", "cargo", "rustc",
			},
		},

		Memory: MemoryConfig{
			Enabled:        true,
			EmbeddingModel: "gemini-embedding-001",
			TopK:           5,
		},

		VCS: VCSConfig{Timeout: "30s"},

		HAP: HAPConfig{BlockThreshold: 0.8},

		Logging: LoggingConfig{Level: "info"},
	}
}

// Load loads configuration from a YAML file, falling back to defaults when
// the file does not exist, then applies environment overrides for secrets.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides pulls secrets from the environment. Only credentials are
// overridable this way; behavior knobs live in the file.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.Providers.Anthropic.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Providers.OpenAI.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Memory.GeminiAPIKey = key
	}
	if secret := os.Getenv("CAPSMITH_SIGNING_SECRET"); secret != "" {
		c.Capsule.SigningSecret = secret
	}
	if token := os.Getenv("CAPSMITH_VCS_TOKEN"); token != "" {
		c.VCS.Token = token
	}
}

// Validate checks the configuration for startup.
func (c *Config) Validate() error {
	if c.Capsule.SigningSecret == "" {
		return fmt.Errorf("capsule signing secret not configured (set CAPSMITH_SIGNING_SECRET)")
	}
	if c.Providers.Anthropic.APIKey == "" && c.Providers.OpenAI.APIKey == "" {
		return fmt.Errorf("no LLM provider configured (set ANTHROPIC_API_KEY or OPENAI_API_KEY)")
	}
	if c.Workflow.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("max_concurrent_tasks must be positive")
	}
	if c.Review.ConfidenceThreshold < 0 || c.Review.ConfidenceThreshold > 1 {
		return fmt.Errorf("review confidence threshold must be in [0,1]")
	}
	switch c.Review.OnTimeout {
	case "approve", "reject", "fail":
	default:
		return fmt.Errorf("review.on_timeout must be approve, reject, or fail (got %q)", c.Review.OnTimeout)
	}
	return nil
}

func duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// RetryCapDuration returns the max retry backoff as a duration.
func (c *Config) RetryCapDuration() time.Duration {
	return duration(c.Workflow.RetryCap, 60*time.Second)
}

// WorkflowDeadline returns the whole-workflow deadline.
func (c *Config) WorkflowDeadline() time.Duration {
	return duration(c.Workflow.WorkflowDeadline, 2*time.Hour)
}

// ActivityDeadline returns the per-activity deadline.
func (c *Config) ActivityDeadline() time.Duration {
	return duration(c.Workflow.ActivityDeadline, 10*time.Minute)
}

// HeartbeatInterval returns the activity heartbeat interval.
func (c *Config) HeartbeatInterval() time.Duration {
	return duration(c.Workflow.HeartbeatInterval, 30*time.Second)
}

// CancelGrace returns the cancellation grace period.
func (c *Config) CancelGrace() time.Duration {
	return duration(c.Workflow.CancelGrace, 30*time.Second)
}

// RecoveryTimeout returns the breaker recovery timeout.
func (c *Config) RecoveryTimeout() time.Duration {
	return duration(c.Circuit.RecoveryTimeout, 60*time.Second)
}

// ReviewTimeout returns how long a review gate waits before the configured
// on_timeout behavior applies.
func (c *Config) ReviewTimeout() time.Duration {
	return duration(c.Review.Timeout, 24*time.Hour)
}

// SandboxWallClock returns the sandbox wall-clock cap.
func (c *Config) SandboxWallClock() time.Duration {
	return duration(c.Sandbox.WallClock, 60*time.Second)
}

// VCSTimeout returns the VCS client timeout.
func (c *Config) VCSTimeout() time.Duration {
	return duration(c.VCS.Timeout, 30*time.Second)
}

// ProviderTimeout returns the timeout for a provider entry.
func (p ProviderEntry) TimeoutDuration() time.Duration {
	return duration(p.Timeout, 120*time.Second)
}
