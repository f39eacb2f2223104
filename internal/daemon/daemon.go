// Package daemon wires the openclaw modules into one long-running
// process: the event log and its projection engine, the tool registry
// and sandbox manager, the turn runtime, and the optional services
// around them (gateway, session index, recall, schedules, plugins).
package daemon

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/neul-labs/openclaw/internal/config"
	"github.com/neul-labs/openclaw/internal/observability"
	"github.com/neul-labs/openclaw/pkg/commandqueue"
	"github.com/neul-labs/openclaw/pkg/eventlog"
	"github.com/neul-labs/openclaw/pkg/gateway"
	"github.com/neul-labs/openclaw/pkg/plugin"
	"github.com/neul-labs/openclaw/pkg/projection"
	"github.com/neul-labs/openclaw/pkg/provider"
	"github.com/neul-labs/openclaw/pkg/recall"
	"github.com/neul-labs/openclaw/pkg/runtime"
	"github.com/neul-labs/openclaw/pkg/sandbox"
	"github.com/neul-labs/openclaw/pkg/schedule"
	"github.com/neul-labs/openclaw/pkg/sessionindex"
	"github.com/neul-labs/openclaw/pkg/toolregistry"
)

// hostVersion is checked against plugin min_host_version constraints.
const hostVersion = "0.4.0"

// Daemon owns every module of a running openclaw instance.
type Daemon struct {
	cfg *config.Config

	eventLog   *eventlog.Log
	engine     *projection.Engine
	watcher    *projection.Watcher
	registry   *toolregistry.Registry
	sandboxMgr *sandbox.Manager
	queue      *commandqueue.Queue
	runtime    *runtime.Runtime

	index     *sessionindex.Index
	recall    *recall.Store
	schedules *schedule.Service
	janitor   *schedule.Janitor
	plugins   *plugin.Bridge
	gateway   *gateway.Server

	metricsSrv *metricsServer

	// closers are torn down last, in reverse order.
	closers []func() error
}

// New builds the daemon from a validated config. Construction opens
// the log directory and databases but starts no goroutines beyond the
// module-internal workers; Start brings the services up.
func New(cfg *config.Config) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d := &Daemon{cfg: cfg}

	if err := d.initCore(); err != nil {
		d.closeAll()
		return nil, err
	}
	if err := d.initServices(); err != nil {
		d.closeAll()
		return nil, err
	}

	log.Info().
		Int("agents", len(cfg.Agents)).
		Int("tools", len(d.registry.List())).
		Bool("gateway", d.gateway != nil).
		Msg("Daemon initialized")

	return d, nil
}

// initCore builds the log, projection, tools, sandbox, and runtime.
func (d *Daemon) initCore() error {
	cfg := d.cfg

	lg, err := eventlog.New(cfg.EventLog.Dir, cfg.EventLog.MaxPayloadBytes)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	d.eventLog = lg
	d.closers = append(d.closers, lg.Close)

	d.engine = projection.NewEngine(lg)

	if cfg.EventLog.WatchExternal {
		debounce := time.Duration(cfg.EventLog.WatchDebounceMs) * time.Millisecond
		watcher, err := projection.NewWatcher(
			log.With().Str("component", "projection-watcher").Logger(),
			debounce,
			func(key eventlog.SessionKey) {
				lg.Invalidate(key)
				d.engine.Revalidate(key)
			},
		)
		if err != nil {
			return fmt.Errorf("failed to create log watcher: %w", err)
		}
		if err := watcher.Watch(cfg.EventLog.Dir); err != nil {
			watcher.Stop()
			return fmt.Errorf("failed to watch log dir: %w", err)
		}
		d.watcher = watcher
		d.closers = append(d.closers, watcher.Stop)
	}

	d.registry = toolregistry.New(
		time.Duration(cfg.Tools.TimeoutSeconds)*time.Second,
		cfg.Tools.MaxOutputBytes,
	)
	if err := d.registerBuiltins(); err != nil {
		return err
	}

	d.sandboxMgr = sandbox.New(sandboxConfig(cfg.Sandbox))

	d.queue = commandqueue.New(0)

	agents := make(map[string]runtime.AgentProfile, len(cfg.Agents))
	for _, a := range cfg.Agents {
		profile := runtime.AgentProfile{
			ID:           a.ID,
			Model:        resolveModel(cfg.Models, a.Model),
			Temperature:  a.Temperature,
			MaxTokens:    a.MaxTokens,
			SystemPrompt: a.SystemPrompt,
		}
		if len(a.Tools.Allow) > 0 || len(a.Tools.Deny) > 0 {
			profile.Tools = &toolregistry.Policy{
				Allow: a.Tools.Allow,
				Deny:  a.Tools.Deny,
			}
		}
		agents[a.ID] = profile
	}

	profiles := make([]runtime.ProviderProfile, 0, len(cfg.Providers.Profiles))
	for _, p := range cfg.Providers.Profiles {
		profiles = append(profiles, runtime.ProviderProfile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			BaseURL:  p.BaseURL,
			Priority: p.Priority,
		})
	}

	rt, err := runtime.New(runtime.Config{
		Log:             lg,
		Projection:      d.engine,
		Registry:        d.registry,
		Sandbox:         d.sandboxMgr,
		Queue:           d.queue,
		Profiles:        profiles,
		Agents:          agents,
		SandboxDefaults: sandboxConfig(cfg.Sandbox),
		Options: runtime.Options{
			MaxToolTurns:   cfg.Runtime.MaxToolTurns,
			MaxAttempts:    cfg.Runtime.Retry.MaxAttempts,
			InitialBackoff: time.Duration(cfg.Runtime.Retry.InitialBackoffMs) * time.Millisecond,
			MaxBackoff:     time.Duration(cfg.Runtime.Retry.MaxBackoffMs) * time.Millisecond,
			ContextWindow:  cfg.Runtime.ContextWindow.MaxMessages,
			Cooldown:       time.Duration(cfg.Providers.CooldownSeconds) * time.Second,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create runtime: %w", err)
	}
	d.runtime = rt

	return nil
}

// initServices builds the optional modules around the runtime.
func (d *Daemon) initServices() error {
	cfg := d.cfg

	if err := observability.InitAuditLogger(filepath.Join(cfg.StateDir, "audit.log")); err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	d.closers = append(d.closers, observability.GetAuditLogger().Close)

	index, err := sessionindex.New(sessionindex.Config{
		DBPath:     filepath.Join(cfg.StateDir, "sessions.db"),
		Log:        d.eventLog,
		Projection: d.engine,
		Logger:     log.With().Str("component", "sessionindex").Logger(),
	})
	if err != nil {
		return fmt.Errorf("failed to open session index: %w", err)
	}
	d.index = index
	d.closers = append(d.closers, index.Close)

	if cfg.Recall.Enabled {
		if err := d.initRecall(); err != nil {
			return err
		}
	}

	if cfg.Schedule.Enabled {
		svc, err := schedule.NewService(schedule.Options{
			StorePath:      filepath.Join(cfg.StateDir, "schedule.json"),
			DefaultAgentID: cfg.Agents[0].ID,
			Deliver:        d.deliverScheduled,
		})
		if err != nil {
			return fmt.Errorf("failed to start schedule service: %w", err)
		}
		d.schedules = svc
	}

	if cfg.Schedule.IdleTimeoutMinutes > 0 {
		janitor, err := schedule.NewJanitor(schedule.JanitorConfig{
			Log:         d.eventLog,
			Projection:  d.engine,
			IdleTimeout: time.Duration(cfg.Schedule.IdleTimeoutMinutes) * time.Minute,
		})
		if err != nil {
			return fmt.Errorf("failed to create idle janitor: %w", err)
		}
		d.janitor = janitor
	}

	if cfg.Plugins.Enabled {
		bridge, err := plugin.NewBridge(plugin.Config{
			Dir:         cfg.Plugins.Dir,
			HostVersion: hostVersion,
			Registry:    d.registry,
			Logger:      log.With().Str("component", "plugins").Logger(),
		})
		if err != nil {
			return fmt.Errorf("failed to create plugin bridge: %w", err)
		}
		d.plugins = bridge
	}

	if cfg.Gateway.Enabled {
		srv, err := gateway.NewServer(gateway.Config{
			Addr:       fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
			AuthToken:  cfg.Gateway.Token,
			Runtime:    d.runtime,
			Log:        d.eventLog,
			Projection: d.engine,
			Index:      d.index,
			Logger:     log.With().Str("component", "gateway").Logger(),
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway: %w", err)
		}
		d.gateway = srv
	}

	// The gateway serves /metrics on its own mux; the standalone
	// listener only matters when the gateway is off.
	if cfg.Observability.MetricsEnabled && !cfg.Gateway.Enabled && cfg.Observability.MetricsAddr != "" {
		d.metricsSrv = newMetricsServer(cfg.Observability.MetricsAddr)
	}

	return nil
}

// initRecall wires the transcript recall store and its tool. Embedding
// needs an OpenAI-capable profile; without one recall stays off.
func (d *Daemon) initRecall() error {
	cfg := d.cfg

	var embedder provider.Embedder
	for _, p := range cfg.Providers.Profiles {
		if p.Provider == "openai" {
			embedder = provider.NewOpenAIProvider(p.APIKey, p.BaseURL)
			break
		}
	}
	if embedder == nil {
		log.Warn().Msg("Recall enabled but no openai profile provides embeddings; recall disabled")
		return nil
	}

	store, err := recall.New(recall.Config{
		DBPath:    cfg.Recall.DBPath,
		Embedder:  embedder,
		Model:     cfg.Recall.EmbeddingModel,
		Dimension: cfg.Recall.Dimensions,
		Log:       d.eventLog,
		Logger:    log.With().Str("component", "recall").Logger(),
	})
	if err != nil {
		return fmt.Errorf("failed to open recall store: %w", err)
	}
	d.recall = store
	d.closers = append(d.closers, store.Close)

	if err := d.registry.Register(recall.Tool(store, cfg.Recall.MaxResults)); err != nil {
		return fmt.Errorf("failed to register recall tool: %w", err)
	}

	return nil
}

// registerBuiltins registers the builtin tools named in the config.
func (d *Daemon) registerBuiltins() error {
	for _, name := range d.cfg.Tools.Enabled {
		var def toolregistry.Definition
		switch name {
		case "shell":
			def = toolregistry.ShellTool()
		case "session_state":
			def = toolregistry.SessionStateTool(d.eventLog, d.engine)
		case "browse":
			browseDef, runner := toolregistry.BrowseTool()
			def = browseDef
			d.closers = append(d.closers, runner.Close)
		case "recall":
			// Registered by initRecall when the store comes up.
			continue
		default:
			return fmt.Errorf("unknown builtin tool: %s", name)
		}
		if err := d.registry.Register(def); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", name, err)
		}
	}
	return nil
}

// closeAll runs the registered closers newest-first.
func (d *Daemon) closeAll() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			log.Warn().Err(err).Msg("Close failed during teardown")
		}
	}
	d.closers = nil
}

// sandboxConfig maps the config file's sandbox section onto the
// sandbox package's config.
func sandboxConfig(sc config.SandboxConfig) sandbox.Config {
	return sandbox.Config{
		Level:         sandbox.Level(sc.Level),
		AllowedPaths:  sc.AllowedPaths,
		NetworkAccess: sc.NetworkAccess,
		MaxMemoryMB:   sc.MaxMemoryMB,
		Timeout:       sc.Timeout(),
		WorkDir:       sc.WorkspaceDir,
		Image:         sc.Image,
	}
}

// resolveModel expands a model alias and falls back to the default
// model for agents that name none.
func resolveModel(models config.ModelsConfig, model string) string {
	if model == "" {
		model = models.Default
	}
	if resolved, ok := models.Aliases[model]; ok {
		return resolved
	}
	return model
}
