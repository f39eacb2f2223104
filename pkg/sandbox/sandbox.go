// Package sandbox provides OS-level isolation for tool execution.
//
// A Manager probes the platform once for isolation mechanisms
// (bubblewrap, docker) and hands out per-invocation Handles. Strict
// isolation never degrades: when no real mechanism is available,
// Acquire fails with ErrIsolationUnavailable rather than running the
// command unsandboxed.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/neul-labs/openclaw/internal/observability"
	"github.com/rs/zerolog/log"
)

// Level defines the isolation level for one tool invocation
type Level string

const (
	// LevelNone performs no isolation (development only)
	LevelNone Level = "none"
	// LevelRelaxed restricts the filesystem but permits network access
	LevelRelaxed Level = "relaxed"
	// LevelStrict forbids network access and restricts the filesystem
	// to the explicit allow-list
	LevelStrict Level = "strict"
)

// Config defines the isolation boundary for one tool invocation.
// A config is constructed per invocation and scoped to its duration.
type Config struct {
	// Level specifies the isolation level (none, relaxed, strict)
	Level Level `json:"level"`

	// AllowedPaths lists host paths visible inside the sandbox in
	// addition to the working directory
	AllowedPaths []string `json:"allowed_paths"`

	// NetworkAccess permits outbound network traffic. Strict ignores
	// this and always denies.
	NetworkAccess bool `json:"network_access"`

	// MaxMemoryMB limits memory usage in megabytes
	MaxMemoryMB int `json:"max_memory_mb"`

	// Timeout limits execution time for a single Run
	Timeout time.Duration `json:"timeout"`

	// WorkDir is the working directory mounted read-write. Empty means
	// an ephemeral directory owned and removed by the handle.
	WorkDir string `json:"work_dir"`

	// Image is the container image used when isolation falls to the
	// docker strategy
	Image string `json:"image"`

	// Env are extra environment variables visible inside the sandbox
	Env map[string]string `json:"env,omitempty"`
}

// Output is the outcome of one sandboxed command.
type Output struct {
	// Stdout is the captured standard output
	Stdout []byte `json:"stdout"`

	// Stderr is the captured standard error
	Stderr []byte `json:"stderr"`

	// ExitCode is the process exit code, -1 when the process was killed
	ExitCode int `json:"exit_code"`

	// Duration is the execution duration
	Duration time.Duration `json:"duration"`

	// Killed reports whether the process was terminated by the sandbox
	Killed bool `json:"killed"`

	// KillReason is set when Killed: "timeout" or "cancelled"
	KillReason string `json:"kill_reason,omitempty"`
}

// runStrategy realizes one isolation mechanism by building the host
// command for an invocation.
type runStrategy interface {
	name() string
	command(ctx context.Context, cfg Config, workDir string, argv []string) (*exec.Cmd, error)
}

// Manager selects isolation strategies by platform capability, detected
// once at construction, and acquires scoped handles.
type Manager struct {
	defaults    Config
	bwrapPath   string
	dockerPath  string
	prlimitPath string
}

// New creates a sandbox manager. Platform capabilities are probed once:
// bubblewrap for namespace isolation, docker as the container fallback.
func New(defaults Config) *Manager {
	observability.EnsureRegistered()

	if defaults.Level == "" {
		defaults.Level = LevelStrict
	}
	if defaults.MaxMemoryMB == 0 {
		defaults.MaxMemoryMB = 512
	}
	if defaults.Timeout == 0 {
		defaults.Timeout = 60 * time.Second
	}

	m := &Manager{defaults: defaults}
	if path, err := exec.LookPath("bwrap"); err == nil {
		m.bwrapPath = path
	}
	if path, err := exec.LookPath("docker"); err == nil {
		m.dockerPath = path
	}
	if path, err := exec.LookPath("prlimit"); err == nil {
		m.prlimitPath = path
	}

	log.Info().
		Str("level", string(defaults.Level)).
		Bool("bwrap", m.bwrapPath != "").
		Bool("docker", m.dockerPath != "").
		Msg("Sandbox manager initialized")

	return m
}

// Defaults returns the manager's default config for one invocation.
// Callers override fields per tool call.
func (m *Manager) Defaults() Config {
	return m.defaults
}

// ValidateConfig validates a sandbox configuration
func ValidateConfig(cfg Config) error {
	switch cfg.Level {
	case LevelNone, LevelRelaxed, LevelStrict:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLevel, cfg.Level)
	}

	if cfg.MaxMemoryMB < 0 {
		return ErrInvalidMemoryLimit
	}
	if cfg.Timeout < 0 {
		return ErrInvalidTimeout
	}

	return nil
}

// Acquire constructs the isolation boundary for one tool invocation and
// returns its scoped handle. The caller must Release the handle on
// every exit path; Release is idempotent. Strict fails with
// ErrIsolationUnavailable when no real isolation mechanism exists on
// the host, never falling back to an unsandboxed run.
func (m *Manager) Acquire(ctx context.Context, cfg Config) (*Handle, error) {
	if cfg.Level == "" {
		cfg.Level = m.defaults.Level
	}
	if cfg.MaxMemoryMB == 0 {
		cfg.MaxMemoryMB = m.defaults.MaxMemoryMB
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = m.defaults.Timeout
	}
	if cfg.Image == "" {
		cfg.Image = m.defaults.Image
	}

	if err := ValidateConfig(cfg); err != nil {
		observability.RecordSandboxAcquire("invalid", false)
		return nil, err
	}

	strategy, err := m.selectStrategy(cfg)
	if err != nil {
		observability.RecordSandboxAcquire("unavailable", false)
		return nil, err
	}

	workDir := cfg.WorkDir
	ownsDir := false
	if workDir == "" {
		workDir, err = os.MkdirTemp("", "openclaw-sandbox-")
		if err != nil {
			observability.RecordSandboxAcquire(strategy.name(), false)
			return nil, fmt.Errorf("failed to create sandbox workspace: %w", err)
		}
		ownsDir = true
	} else if err := os.MkdirAll(workDir, 0700); err != nil {
		observability.RecordSandboxAcquire(strategy.name(), false)
		return nil, fmt.Errorf("failed to create sandbox workspace: %w", err)
	}

	observability.RecordSandboxAcquire(strategy.name(), true)
	log.Debug().
		Str("strategy", strategy.name()).
		Str("level", string(cfg.Level)).
		Str("work_dir", workDir).
		Msg("Sandbox acquired")

	return &Handle{
		config:   cfg,
		strategy: strategy,
		workDir:  workDir,
		ownsDir:  ownsDir,
	}, nil
}

// selectStrategy maps an isolation level onto the strongest mechanism
// the platform offers.
func (m *Manager) selectStrategy(cfg Config) (runStrategy, error) {
	switch cfg.Level {
	case LevelNone:
		return passthroughStrategy{}, nil

	case LevelStrict:
		if m.bwrapPath != "" {
			return &bubblewrapStrategy{bwrapPath: m.bwrapPath, prlimitPath: m.prlimitPath}, nil
		}
		if m.dockerPath != "" {
			return &dockerStrategy{dockerPath: m.dockerPath}, nil
		}
		return nil, fmt.Errorf("%w: strict isolation needs bubblewrap or docker", ErrIsolationUnavailable)

	case LevelRelaxed:
		if m.bwrapPath != "" {
			return &bubblewrapStrategy{bwrapPath: m.bwrapPath, prlimitPath: m.prlimitPath}, nil
		}
		if m.dockerPath != "" {
			return &dockerStrategy{dockerPath: m.dockerPath}, nil
		}
		log.Warn().Msg("No isolation mechanism available, relaxed level degrades to host execution")
		return hostexecStrategy{}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrInvalidLevel, cfg.Level)
}
