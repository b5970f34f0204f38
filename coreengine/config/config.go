// Package config provides core orchestration configuration.
//
// This module contains ONLY configuration relevant to the forge loop:
//   - iteration budgets and thresholds
//   - timeouts
//   - sandbox resource limits
//   - safety scanner tunables
//
// Collaborator endpoints (LLM providers, embedding services) are wired by
// the embedding application, not configured here.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CoreConfig holds loop control configuration.
type CoreConfig struct {
	// DefaultBudget is the iteration budget used when submit omits one.
	DefaultBudget int `json:"default_budget" yaml:"default_budget"`

	// WarningThreshold is the iteration at which a budget warning is
	// logged. 0 disables the warning. Must be below the budget to be
	// meaningful; the breaker itself ignores it.
	WarningThreshold int `json:"warning_threshold" yaml:"warning_threshold"`

	// CheckpointEvery writes a checkpoint snapshot every N iterations.
	CheckpointEvery int `json:"checkpoint_every" yaml:"checkpoint_every"`

	// CollaboratorRetries bounds retry attempts for a failing
	// collaborator call before it escalates to a synthetic analysis
	// failure.
	CollaboratorRetries int `json:"collaborator_retries" yaml:"collaborator_retries"`

	// RetryInitialBackoffMS is the first backoff interval for
	// collaborator retries; subsequent intervals grow exponentially.
	RetryInitialBackoffMS int `json:"retry_initial_backoff_ms" yaml:"retry_initial_backoff_ms"`

	// WorkspaceRoot is the base directory under which per-task
	// workspaces are created.
	WorkspaceRoot string `json:"workspace_root" yaml:"workspace_root"`

	// DataDir is the checkpoint store directory.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// LogLevel controls the CLI logger (debug, info, warn, error).
	LogLevel string `json:"log_level" yaml:"log_level"`
}

// SandboxConfig holds resource limits for sandboxed execution.
type SandboxConfig struct {
	CPUCount       float64 `json:"cpu_count" yaml:"cpu_count"`
	MemoryMB       int     `json:"memory_mb" yaml:"memory_mb"`
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds"`

	// NetworkEnabled is the default network posture. Disabled unless an
	// approval decision enables it for a task's remaining lifetime.
	NetworkEnabled bool `json:"network_enabled" yaml:"network_enabled"`

	// LenientIsolation downgrades isolation-mechanism failures (network
	// namespace, filesystem confinement) to logged warnings instead of
	// refusing to run. Off by default: untrusted code does not run
	// unconfined unless an operator opts in.
	LenientIsolation bool `json:"lenient_isolation" yaml:"lenient_isolation"`
}

// Timeout returns the wall-clock timeout as a duration.
func (c *SandboxConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SafetyConfig holds scanner and approval gate tunables.
type SafetyConfig struct {
	// DenylistedCalls are call targets the static scanner denies outright
	// (dynamic code evaluation, reflection-based invocation).
	DenylistedCalls []string `json:"denylisted_calls" yaml:"denylisted_calls"`

	// DenylistedImports are modules the static scanner denies outright.
	DenylistedImports []string `json:"denylisted_imports" yaml:"denylisted_imports"`

	// ApprovalCalls are call prefixes that require human sign-off
	// (network access, external-process invocation).
	ApprovalCalls []string `json:"approval_calls" yaml:"approval_calls"`

	// ApprovalImports are module imports that require human sign-off.
	ApprovalImports []string `json:"approval_imports" yaml:"approval_imports"`

	// PatternFile optionally overrides the built-in vulnerability
	// pattern classifications (YAML, see safety package).
	PatternFile string `json:"pattern_file" yaml:"pattern_file"`

	// ApprovalTimeoutSeconds bounds the wait for an operator decision.
	// No response within the timeout is a deny.
	ApprovalTimeoutSeconds int `json:"approval_timeout_seconds" yaml:"approval_timeout_seconds"`
}

// ApprovalTimeout returns the gate timeout as a duration.
func (c *SafetyConfig) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutSeconds) * time.Second
}

// Config is the root configuration document.
type Config struct {
	Core    CoreConfig    `json:"core" yaml:"core"`
	Sandbox SandboxConfig `json:"sandbox" yaml:"sandbox"`
	Safety  SafetyConfig  `json:"safety" yaml:"safety"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Core: CoreConfig{
			DefaultBudget:         15,
			WarningThreshold:      12,
			CheckpointEvery:       5,
			CollaboratorRetries:   3,
			RetryInitialBackoffMS: 250,
			WorkspaceRoot:         "./workspaces",
			DataDir:               "./data",
			LogLevel:              "info",
		},
		Sandbox: SandboxConfig{
			CPUCount:         1.0,
			MemoryMB:         1024,
			TimeoutSeconds:   300,
			NetworkEnabled:   false,
			LenientIsolation: false,
		},
		Safety: SafetyConfig{
			DenylistedCalls: []string{
				"eval", "exec", "compile", "__import__",
				"getattr", "globals", "importlib.import_module",
			},
			DenylistedImports: []string{
				"ctypes", "marshal", "pickle",
			},
			ApprovalCalls: []string{
				"requests.get", "requests.post", "requests.put", "requests.delete",
				"urllib.request.urlopen", "socket.connect",
				"subprocess.run", "subprocess.Popen", "subprocess.call",
				"os.system", "os.popen",
			},
			ApprovalImports: []string{
				"socket", "subprocess", "os",
			},
			ApprovalTimeoutSeconds: 120,
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Core.DefaultBudget < 1 {
		return fmt.Errorf("core.default_budget must be >= 1, got %d", c.Core.DefaultBudget)
	}
	if c.Core.WarningThreshold < 0 {
		return fmt.Errorf("core.warning_threshold must be >= 0, got %d", c.Core.WarningThreshold)
	}
	if c.Core.CheckpointEvery < 1 {
		return fmt.Errorf("core.checkpoint_every must be >= 1, got %d", c.Core.CheckpointEvery)
	}
	if c.Core.CollaboratorRetries < 0 {
		return fmt.Errorf("core.collaborator_retries must be >= 0, got %d", c.Core.CollaboratorRetries)
	}
	if c.Sandbox.CPUCount <= 0 {
		return fmt.Errorf("sandbox.cpu_count must be > 0, got %v", c.Sandbox.CPUCount)
	}
	if c.Sandbox.MemoryMB < 1 {
		return fmt.Errorf("sandbox.memory_mb must be >= 1, got %d", c.Sandbox.MemoryMB)
	}
	if c.Sandbox.TimeoutSeconds < 1 {
		return fmt.Errorf("sandbox.timeout_seconds must be >= 1, got %d", c.Sandbox.TimeoutSeconds)
	}
	if c.Safety.ApprovalTimeoutSeconds < 1 {
		return fmt.Errorf("safety.approval_timeout_seconds must be >= 1, got %d", c.Safety.ApprovalTimeoutSeconds)
	}
	return nil
}

// Load reads a YAML config file and merges it over defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
