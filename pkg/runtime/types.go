package runtime

import (
	"time"

	"github.com/neul-labs/openclaw/pkg/eventlog"
	"github.com/neul-labs/openclaw/pkg/toolregistry"
)

// TurnState is one position in the turn state machine.
type TurnState string

const (
	StateIdle          TurnState = "idle"
	StateReceiving     TurnState = "receiving"
	StateGenerating    TurnState = "generating"
	StateToolPending   TurnState = "tool_pending"
	StateToolExecuting TurnState = "tool_executing"
	StateResponding    TurnState = "responding"
	StateErrored       TurnState = "errored"
)

// ProviderProfile is one credential set in the failover order. Lower
// priority values are tried first.
type ProviderProfile struct {
	ID       string `json:"id"`
	Provider string `json:"provider"` // "anthropic" or "openai"
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url,omitempty"`
	Priority int    `json:"priority"`
}

// AgentProfile carries one agent's model settings and tool policy.
type AgentProfile struct {
	ID           string              `json:"id"`
	Model        string              `json:"model"`
	Temperature  float64             `json:"temperature,omitempty"`
	MaxTokens    int                 `json:"max_tokens,omitempty"`
	SystemPrompt string              `json:"system_prompt,omitempty"`
	Tools        *toolregistry.Policy `json:"tools,omitempty"`
}

// Options tunes turn execution. Zero values select the defaults.
type Options struct {
	// MaxToolTurns bounds provider/tool iterations within one turn
	MaxToolTurns int

	// MaxAttempts bounds transient provider retries per call
	MaxAttempts int

	// InitialBackoff is the first retry delay; it doubles per attempt
	InitialBackoff time.Duration

	// MaxBackoff caps the retry delay
	MaxBackoff time.Duration

	// ContextWindow is how many recent messages a provider call sees
	ContextWindow int

	// Cooldown is how long a failed provider profile is skipped
	Cooldown time.Duration

	// WarnAfter is the queue wait that triggers a slow-lane warning
	WarnAfter time.Duration
}

const (
	defaultMaxToolTurns   = 10
	defaultMaxAttempts    = 3
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 8 * time.Second
	defaultContextWindow  = 50
	defaultCooldown       = 5 * time.Minute
	defaultWarnAfter      = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.MaxToolTurns <= 0 {
		o.MaxToolTurns = defaultMaxToolTurns
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = defaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = defaultMaxBackoff
	}
	if o.ContextWindow <= 0 {
		o.ContextWindow = defaultContextWindow
	}
	if o.Cooldown <= 0 {
		o.Cooldown = defaultCooldown
	}
	if o.WarnAfter <= 0 {
		o.WarnAfter = defaultWarnAfter
	}
	return o
}

// TurnResult is the completed outcome of one delivered message.
// Interrupted results carry the text streamed before cancellation;
// LimitReached results carry the synthetic notice recorded when the
// tool iteration ceiling was hit.
type TurnResult struct {
	TurnID       string              `json:"turn_id"`
	SessionKey   eventlog.SessionKey `json:"session_key"`
	Content      string              `json:"content"`
	Model        string              `json:"model"`
	Usage        eventlog.TokenUsage `json:"usage"`
	ToolCalls    int                 `json:"tool_calls"`
	MessageID    string              `json:"message_id,omitempty"`
	Interrupted  bool                `json:"interrupted,omitempty"`
	LimitReached bool                `json:"limit_reached,omitempty"`
}
