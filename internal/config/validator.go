package config

import (
	"fmt"
	"strings"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateModel validates a model name
func (v *Validator) ValidateModel(model string) error {
	if model == "" {
		return fmt.Errorf("model name cannot be empty")
	}

	// Unknown models are allowed; providers reject them at call time
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateSandboxLevel validates a sandbox isolation level
func (v *Validator) ValidateSandboxLevel(level string) error {
	if level == "" {
		return nil // Use default
	}

	validLevels := []string{"none", "relaxed", "strict"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid sandbox level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidatePort validates a TCP port number
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", port)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	for i, profile := range cfg.Providers.Profiles {
		if profile.Provider != "" {
			if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
				errors = append(errors, fmt.Errorf("provider profile %d (%s): %w", i, profile.ID, err))
			}
		}
	}
	if cfg.Providers.CooldownSeconds < 0 {
		errors = append(errors, fmt.Errorf("providers.cooldown_seconds must be >= 0"))
	}

	for i, agent := range cfg.Agents {
		if err := v.ValidateModel(agent.Model); err != nil {
			errors = append(errors, fmt.Errorf("agent %d (%s): %w", i, agent.ID, err))
		}
		if agent.Temperature != 0 {
			if err := v.ValidateTemperature(agent.Temperature); err != nil {
				errors = append(errors, fmt.Errorf("agent %d (%s): %w", i, agent.ID, err))
			}
		}
		if agent.MaxTokens != 0 {
			if err := v.ValidateMaxTokens(agent.MaxTokens); err != nil {
				errors = append(errors, fmt.Errorf("agent %d (%s): %w", i, agent.ID, err))
			}
		}
		if err := v.ValidateSandboxLevel(agent.Sandbox.Level); err != nil {
			errors = append(errors, fmt.Errorf("agent %d (%s): %w", i, agent.ID, err))
		}
	}

	if cfg.Runtime.MaxToolTurns < 1 {
		errors = append(errors, fmt.Errorf("runtime.max_tool_turns must be >= 1"))
	}
	if cfg.Runtime.Retry.MaxAttempts < 0 {
		errors = append(errors, fmt.Errorf("runtime.retry.max_attempts must be >= 0"))
	}
	if cfg.Runtime.Retry.InitialBackoffMs < 0 {
		errors = append(errors, fmt.Errorf("runtime.retry.initial_backoff_ms must be >= 0"))
	}
	if cfg.Runtime.Retry.MaxBackoffMs < 0 {
		errors = append(errors, fmt.Errorf("runtime.retry.max_backoff_ms must be >= 0"))
	}
	if cfg.Runtime.ContextWindow.MaxMessages < 1 {
		errors = append(errors, fmt.Errorf("runtime.context_window.max_messages must be >= 1"))
	}

	if err := v.ValidateSandboxLevel(cfg.Sandbox.Level); err != nil {
		errors = append(errors, err)
	}
	if cfg.Sandbox.MaxMemoryMB < 0 {
		errors = append(errors, fmt.Errorf("sandbox.max_memory_mb must be >= 0"))
	}
	if cfg.Sandbox.TimeoutSeconds < 0 {
		errors = append(errors, fmt.Errorf("sandbox.timeout_seconds must be >= 0"))
	}

	if cfg.Tools.TimeoutSeconds < 0 {
		errors = append(errors, fmt.Errorf("tools.timeout_seconds must be >= 0"))
	}
	if cfg.Tools.MaxOutputBytes < 0 {
		errors = append(errors, fmt.Errorf("tools.max_output_bytes must be >= 0"))
	}

	if cfg.Gateway.Enabled {
		if err := v.ValidatePort(cfg.Gateway.Port); err != nil {
			errors = append(errors, fmt.Errorf("gateway: %w", err))
		}
		if cfg.Gateway.Token == "" {
			errors = append(errors, fmt.Errorf("gateway token is required when the gateway is enabled"))
		}
	}

	if cfg.Recall.Enabled {
		if cfg.Recall.Dimensions < 1 {
			errors = append(errors, fmt.Errorf("recall.dimensions must be >= 1"))
		}
		if cfg.Recall.MaxResults < 1 {
			errors = append(errors, fmt.Errorf("recall.max_results must be >= 1"))
		}
	}

	if cfg.Schedule.IdleTimeoutMinutes < 0 {
		errors = append(errors, fmt.Errorf("schedule.idle_timeout_minutes must be >= 0"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
