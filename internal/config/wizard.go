package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
}

// NewWizard creates a new configuration wizard
func NewWizard() *Wizard {
	return &Wizard{
		reader: bufio.NewReader(os.Stdin),
	}
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	fmt.Println("=== openclaw Configuration Wizard ===")
	fmt.Println()

	cfg := DefaultConfig()
	validator := NewValidator()

	fmt.Println("Provider credentials (at least one is required):")
	fmt.Println()

	// Anthropic API Key
	for {
		fmt.Print("Anthropic API Key (press Enter to skip): ")
		key, err := w.readLine()
		if err != nil {
			return nil, err
		}

		if key == "" {
			break
		}

		if err := validator.ValidateAPIKey(key, "anthropic"); err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}

		cfg.Providers.Profiles = append(cfg.Providers.Profiles, ProviderProfile{
			ID:       "anthropic-primary",
			Provider: "anthropic",
			APIKey:   key,
			Priority: 1,
		})
		break
	}

	// OpenAI API Key
	for {
		fmt.Print("OpenAI API Key (press Enter to skip): ")
		key, err := w.readLine()
		if err != nil {
			return nil, err
		}

		if key == "" {
			break
		}

		if err := validator.ValidateAPIKey(key, "openai"); err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}

		cfg.Providers.Profiles = append(cfg.Providers.Profiles, ProviderProfile{
			ID:       "openai-primary",
			Provider: "openai",
			APIKey:   key,
			Priority: 2,
		})
		break
	}

	if len(cfg.Providers.Profiles) == 0 {
		return nil, fmt.Errorf("at least one provider API key is required")
	}

	fmt.Println()

	// Default model
	fmt.Println("Default Model:")
	fmt.Printf("Model name [%s]: ", cfg.Models.Default)
	model, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if model != "" {
		cfg.Models.Default = model
		if len(cfg.Agents) > 0 {
			cfg.Agents[0].Model = model
		}
	}

	fmt.Println()

	// Sandbox level
	fmt.Println("Sandbox level for tool execution:")
	fmt.Println("  strict  - no network, filesystem allow-list only (default)")
	fmt.Println("  relaxed - filesystem restricted, network permitted")
	fmt.Println("  none    - no isolation (development only)")
	fmt.Print("Sandbox level [strict]: ")
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if level != "" {
		if err := validator.ValidateSandboxLevel(level); err != nil {
			fmt.Printf("Warning: %v, using default (strict)\n", err)
		} else {
			cfg.Sandbox.Level = level
		}
	}

	fmt.Println()

	// Gateway
	fmt.Print("Enable the WebSocket gateway? (y/n) [n]: ")
	enable, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if strings.ToLower(enable) == "y" {
		cfg.Gateway.Enabled = true

		for {
			fmt.Print("Gateway auth token: ")
			token, err := w.readLine()
			if err != nil {
				return nil, err
			}
			if token == "" {
				fmt.Println("Error: a token is required when the gateway is enabled")
				continue
			}
			cfg.Gateway.Token = token
			break
		}

		fmt.Printf("Gateway port [%d]: ", cfg.Gateway.Port)
		portStr, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if portStr != "" {
			var port int
			if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil || validator.ValidatePort(port) != nil {
				fmt.Printf("Warning: invalid port, using default (%d)\n", cfg.Gateway.Port)
			} else {
				cfg.Gateway.Port = port
			}
		}
	}

	fmt.Println()

	// Log level
	fmt.Println("Logging:")
	fmt.Print("Log level (debug/info/warn/error) [info]: ")
	logLevel, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		if err := validator.ValidateLogLevel(logLevel); err != nil {
			fmt.Printf("Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = logLevel
		}
	}

	fmt.Println()
	fmt.Println("Configuration complete!")

	return cfg, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
