package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main openclaw configuration
type Config struct {
	// StateDir is the root directory for all durable state
	StateDir string `json:"state_dir" mapstructure:"state_dir"`

	// Agents
	Agents []AgentConfig `json:"agents" mapstructure:"agents"`

	// Models
	Models ModelsConfig `json:"models" mapstructure:"models"`

	// Event log
	EventLog EventLogConfig `json:"eventlog" mapstructure:"eventlog"`

	// Turn runtime
	Runtime RuntimeConfig `json:"runtime" mapstructure:"runtime"`

	// Model providers
	Providers ProvidersConfig `json:"providers" mapstructure:"providers"`

	// Sandbox defaults
	Sandbox SandboxConfig `json:"sandbox" mapstructure:"sandbox"`

	// Tools
	Tools ToolsConfig `json:"tools" mapstructure:"tools"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Transcript recall
	Recall RecallConfig `json:"recall" mapstructure:"recall"`

	// Scheduled deliveries and the idle janitor
	Schedule ScheduleConfig `json:"schedule" mapstructure:"schedule"`

	// Plugin tools
	Plugins PluginsConfig `json:"plugins" mapstructure:"plugins"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Observability
	Observability ObservabilityConfig `json:"observability" mapstructure:"observability"`
}

// AgentConfig represents an agent configuration
type AgentConfig struct {
	ID           string        `json:"id" mapstructure:"id"`
	Name         string        `json:"name" mapstructure:"name"`
	Model        string        `json:"model" mapstructure:"model"`
	Temperature  float64       `json:"temperature" mapstructure:"temperature"`
	MaxTokens    int           `json:"max_tokens" mapstructure:"max_tokens"`
	SystemPrompt string        `json:"system_prompt" mapstructure:"system_prompt"`
	Tools        ToolPolicy    `json:"tools" mapstructure:"tools"`
	Sandbox      SandboxConfig `json:"sandbox" mapstructure:"sandbox"`
}

// ToolPolicy defines per-agent tool access
type ToolPolicy struct {
	Allow []string `json:"allow" mapstructure:"allow"`
	Deny  []string `json:"deny" mapstructure:"deny"`
}

// ModelsConfig holds model configuration
type ModelsConfig struct {
	Default  string            `json:"default" mapstructure:"default"`
	Aliases  map[string]string `json:"aliases" mapstructure:"aliases"`
	Fallback []string          `json:"fallback" mapstructure:"fallback"`
}

// EventLogConfig holds event log settings
type EventLogConfig struct {
	// Dir is the session log directory, defaulted under StateDir
	Dir string `json:"dir" mapstructure:"dir"`

	// MaxPayloadBytes is the per-event payload ceiling
	MaxPayloadBytes int64 `json:"max_payload_bytes" mapstructure:"max_payload_bytes"`

	// WatchExternal enables the fsnotify watcher that revalidates
	// cached projections when another process writes the log dir
	WatchExternal bool `json:"watch_external" mapstructure:"watch_external"`

	// WatchDebounceMs coalesces bursts of file events per session
	WatchDebounceMs int `json:"watch_debounce_ms" mapstructure:"watch_debounce_ms"`
}

// RuntimeConfig holds turn runtime settings
type RuntimeConfig struct {
	// MaxToolTurns bounds provider/tool iterations within one turn
	MaxToolTurns int `json:"max_tool_turns" mapstructure:"max_tool_turns"`

	// Retry governs transient provider error retries
	Retry RetryConfig `json:"retry" mapstructure:"retry"`

	// ContextWindow bounds the history sent to the provider
	ContextWindow ContextWindowConfig `json:"context_window" mapstructure:"context_window"`
}

// RetryConfig holds retry settings for transient failures
type RetryConfig struct {
	MaxAttempts      int `json:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `json:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `json:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// ContextWindowConfig bounds conversation history per provider call
type ContextWindowConfig struct {
	MaxMessages int `json:"max_messages" mapstructure:"max_messages"`
}

// ProvidersConfig holds model provider profiles
type ProvidersConfig struct {
	// Profiles are tried in priority order; a profile enters cooldown
	// after a fatal error
	Profiles []ProviderProfile `json:"profiles" mapstructure:"profiles"`

	// CooldownSeconds is how long a failed profile is skipped
	CooldownSeconds int `json:"cooldown_seconds" mapstructure:"cooldown_seconds"`
}

// ProviderProfile represents one provider credential set
type ProviderProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url" mapstructure:"base_url"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// SandboxConfig holds sandbox defaults for tool execution
type SandboxConfig struct {
	Level          string   `json:"level" mapstructure:"level"` // none, relaxed, strict
	AllowedPaths   []string `json:"allowed_paths" mapstructure:"allowed_paths"`
	NetworkAccess  bool     `json:"network_access" mapstructure:"network_access"`
	MaxMemoryMB    int      `json:"max_memory_mb" mapstructure:"max_memory_mb"`
	TimeoutSeconds int      `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	WorkspaceDir   string   `json:"workspace_dir" mapstructure:"workspace_dir"`
	Image          string   `json:"image" mapstructure:"image"`
}

// Timeout returns the sandbox timeout as a duration
func (s SandboxConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// ToolsConfig holds tool registry settings
type ToolsConfig struct {
	// Enabled gates which builtin tools are registered
	Enabled []string `json:"enabled" mapstructure:"enabled"`

	// TimeoutSeconds is the per-invocation tool deadline
	TimeoutSeconds int `json:"timeout_seconds" mapstructure:"timeout_seconds"`

	// MaxOutputBytes truncates tool results folded into the log
	MaxOutputBytes int `json:"max_output_bytes" mapstructure:"max_output_bytes"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Host    string `json:"host" mapstructure:"host"`
	Port    int    `json:"port" mapstructure:"port"`
	Token   string `json:"token" mapstructure:"token"`
}

// RecallConfig holds transcript recall settings
type RecallConfig struct {
	Enabled        bool   `json:"enabled" mapstructure:"enabled"`
	DBPath         string `json:"db_path" mapstructure:"db_path"`
	EmbeddingModel string `json:"embedding_model" mapstructure:"embedding_model"`
	Dimensions     int    `json:"dimensions" mapstructure:"dimensions"`
	MaxResults     int    `json:"max_results" mapstructure:"max_results"`
}

// ScheduleConfig holds schedule service settings
type ScheduleConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	// IdleTimeoutMinutes ends sessions inactive this long; 0 disables
	// the janitor
	IdleTimeoutMinutes int `json:"idle_timeout_minutes" mapstructure:"idle_timeout_minutes"`
}

// PluginsConfig holds plugin bridge settings
type PluginsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Dir     string `json:"dir" mapstructure:"dir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// ObservabilityConfig holds metrics and tracing configuration
type ObservabilityConfig struct {
	MetricsEnabled bool   `json:"metrics_enabled" mapstructure:"metrics_enabled"`
	MetricsAddr    string `json:"metrics_addr" mapstructure:"metrics_addr"`
	TracingEnabled bool   `json:"tracing_enabled" mapstructure:"tracing_enabled"`
	OTLPEndpoint   string `json:"otlp_endpoint" mapstructure:"otlp_endpoint"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Models: ModelsConfig{
			Default: "claude-sonnet-4-5",
			Aliases: map[string]string{
				"sonnet": "claude-sonnet-4-5",
				"opus":   "claude-opus-4-1",
				"gpt":    "gpt-4o",
			},
			Fallback: []string{"claude-sonnet-4-5", "gpt-4o"},
		},
		EventLog: EventLogConfig{
			MaxPayloadBytes: 1 << 20,
			WatchDebounceMs: 500,
		},
		Runtime: RuntimeConfig{
			MaxToolTurns: 10,
			Retry: RetryConfig{
				MaxAttempts:      3,
				InitialBackoffMs: 1000,
				MaxBackoffMs:     8000,
			},
			ContextWindow: ContextWindowConfig{
				MaxMessages: 50,
			},
		},
		Providers: ProvidersConfig{
			Profiles:        []ProviderProfile{},
			CooldownSeconds: 300,
		},
		Sandbox: SandboxConfig{
			Level:          "strict",
			MaxMemoryMB:    512,
			TimeoutSeconds: 60,
		},
		Tools: ToolsConfig{
			Enabled:        []string{"shell", "session_state"},
			TimeoutSeconds: 60,
			MaxOutputBytes: 10 * 1024,
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8793,
		},
		Recall: RecallConfig{
			Enabled:        false,
			EmbeddingModel: "text-embedding-3-small",
			Dimensions:     1536,
			MaxResults:     5,
		},
		Schedule: ScheduleConfig{
			Enabled:            true,
			IdleTimeoutMinutes: 0,
		},
		Plugins: PluginsConfig{
			Enabled: false,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: false,
			MetricsAddr:    "127.0.0.1:9793",
		},
		Agents: []AgentConfig{
			{
				ID:          "main",
				Name:        "Main Agent",
				Model:       "claude-sonnet-4-5",
				Temperature: 0.7,
				MaxTokens:   4096,
				Tools: ToolPolicy{
					Allow: []string{"*"},
					Deny:  []string{},
				},
			},
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks the hard requirements a running daemon depends on.
// Field-level format checks live on Validator.
func (c *Config) Validate() error {
	if len(c.Providers.Profiles) == 0 {
		return fmt.Errorf("no provider credentials configured: at least one provider profile is required")
	}

	seen := make(map[string]bool, len(c.Providers.Profiles))
	for i, profile := range c.Providers.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("provider profile %d: ID is required", i)
		}
		if seen[profile.ID] {
			return fmt.Errorf("provider profile %s: duplicate ID", profile.ID)
		}
		seen[profile.ID] = true
		if profile.Provider != "anthropic" && profile.Provider != "openai" {
			return fmt.Errorf("provider profile %s: invalid provider %s (must be: anthropic, openai)", profile.ID, profile.Provider)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("provider profile %s: api_key is required", profile.ID)
		}
	}

	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent must be configured")
	}
	for i, agent := range c.Agents {
		if agent.ID == "" {
			return fmt.Errorf("agent %d: ID is required", i)
		}
		if agent.Model == "" {
			return fmt.Errorf("agent %s: model is required", agent.ID)
		}
	}

	if c.Runtime.MaxToolTurns < 1 {
		return fmt.Errorf("runtime.max_tool_turns must be >= 1")
	}
	if c.EventLog.MaxPayloadBytes < 1 {
		return fmt.Errorf("eventlog.max_payload_bytes must be >= 1")
	}

	if c.Gateway.Enabled && c.Gateway.Token == "" {
		return fmt.Errorf("gateway token is required when the gateway is enabled")
	}

	return nil
}
