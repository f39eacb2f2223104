package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// defaultStateDir resolves the state directory: OPENCLAW_STATE_DIR wins,
// otherwise ~/.openclaw.
func defaultStateDir() (string, error) {
	if dir := os.Getenv("OPENCLAW_STATE_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".openclaw"), nil
}

// Load loads the configuration from file
func (l *Loader) Load() (*Config, error) {
	configPath := l.configPath
	if configPath == "" {
		stateDir, err := defaultStateDir()
		if err != nil {
			return nil, err
		}
		configPath = filepath.Join(stateDir, "openclaw.json")
	}

	cfg := DefaultConfig()

	// Missing file means pure defaults plus env overrides
	if _, err := os.Stat(configPath); !os.IsNotExist(err) {
		v := viper.New()
		v.SetConfigFile(configPath)
		v.SetConfigType("json")

		v.SetEnvPrefix("OPENCLAW")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if err := l.applyDerivedPaths(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDerivedPaths fills path fields left empty with locations under
// the state directory.
func (l *Loader) applyDerivedPaths(cfg *Config) error {
	if cfg.StateDir == "" {
		stateDir, err := defaultStateDir()
		if err != nil {
			return err
		}
		cfg.StateDir = stateDir
	}

	if cfg.EventLog.Dir == "" {
		cfg.EventLog.Dir = filepath.Join(cfg.StateDir, "sessions")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.StateDir, "openclaw.log")
	}
	if cfg.Recall.DBPath == "" {
		cfg.Recall.DBPath = filepath.Join(cfg.StateDir, "recall.db")
	}
	if cfg.Plugins.Dir == "" {
		cfg.Plugins.Dir = filepath.Join(cfg.StateDir, "plugins")
	}
	if cfg.Sandbox.WorkspaceDir == "" {
		cfg.Sandbox.WorkspaceDir = filepath.Join(cfg.StateDir, "workspace")
	}

	return nil
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.configPath
	if configPath == "" {
		stateDir, err := defaultStateDir()
		if err != nil {
			return err
		}
		configPath = filepath.Join(stateDir, "openclaw.json")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("state_dir", cfg.StateDir)
	v.Set("agents", cfg.Agents)
	v.Set("models", cfg.Models)
	v.Set("eventlog", cfg.EventLog)
	v.Set("runtime", cfg.Runtime)
	v.Set("providers", cfg.Providers)
	v.Set("sandbox", cfg.Sandbox)
	v.Set("tools", cfg.Tools)
	v.Set("gateway", cfg.Gateway)
	v.Set("recall", cfg.Recall)
	v.Set("schedule", cfg.Schedule)
	v.Set("plugins", cfg.Plugins)
	v.Set("logging", cfg.Logging)
	v.Set("observability", cfg.Observability)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	stateDir, err := defaultStateDir()
	if err != nil {
		return ""
	}
	return filepath.Join(stateDir, "openclaw.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
