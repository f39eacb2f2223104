package plugin

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"
	"github.com/rs/zerolog"

	"github.com/neul-labs/openclaw/pkg/sandbox"
	"github.com/neul-labs/openclaw/pkg/toolregistry"
)

// shutdownTimeout bounds the Shutdown call made before a plugin
// process is killed.
const shutdownTimeout = 5 * time.Second

// Config configures the plugin bridge.
type Config struct {
	// Dir is the plugins root. Each plugin lives in its own
	// subdirectory next to its plugin.json manifest.
	Dir string

	// HostVersion is checked against each manifest's min_host_version
	// constraint before the plugin is spawned.
	HostVersion string

	// Registry receives the bridged tool definitions.
	Registry *toolregistry.Registry

	Logger zerolog.Logger
}

// Bridge discovers, spawns, and supervises tool plugins, registering
// their declared tools alongside the builtins.
type Bridge struct {
	dir         string
	hostVersion string
	registry    *toolregistry.Registry
	logger      zerolog.Logger

	mu     sync.Mutex
	loaded map[string]*loadedPlugin
}

type loadedPlugin struct {
	manifest *Manifest
	client   *goplugin.Client
	executor Executor
	tools    []string
}

// NewBridge creates a plugin bridge. It does not touch the filesystem;
// plugins load on LoadAll.
func NewBridge(cfg Config) (*Bridge, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("plugin directory is required")
	}
	if cfg.HostVersion == "" {
		return nil, fmt.Errorf("host version is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}

	return &Bridge{
		dir:         cfg.Dir,
		hostVersion: cfg.HostVersion,
		registry:    cfg.Registry,
		logger:      cfg.Logger.With().Str("component", "pluginbridge").Logger(),
		loaded:      make(map[string]*loadedPlugin),
	}, nil
}

// LoadAll discovers and loads every plugin under the bridge directory,
// returning the IDs that loaded. A plugin that fails to load is skipped
// with a warning; one bad plugin does not block the rest.
func (b *Bridge) LoadAll(ctx context.Context) ([]string, error) {
	discovered, err := Discover(b.dir)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, d := range discovered {
		id, err := b.load(ctx, d)
		if err != nil {
			b.logger.Warn().Err(err).Str("dir", d.Dir).Msg("Skipping plugin")
			continue
		}
		ids = append(ids, id)
	}

	return ids, nil
}

func (b *Bridge) load(ctx context.Context, d Discovered) (string, error) {
	manifest, err := LoadManifest(d.ManifestPath)
	if err != nil {
		return "", err
	}

	if err := HostCompatible(manifest, b.hostVersion); err != nil {
		return "", err
	}

	b.mu.Lock()
	_, dup := b.loaded[manifest.ID]
	b.mu.Unlock()
	if dup {
		return "", fmt.Errorf("plugin %s is already loaded", manifest.ID)
	}

	executor, client, err := b.spawn(filepath.Join(d.Dir, manifest.Main))
	if err != nil {
		return "", err
	}

	registered, err := b.registerTools(executor, manifest)
	if err != nil {
		client.Kill()
		return "", err
	}

	b.mu.Lock()
	b.loaded[manifest.ID] = &loadedPlugin{
		manifest: manifest,
		client:   client,
		executor: executor,
		tools:    registered,
	}
	b.mu.Unlock()

	b.logger.Info().
		Str("plugin", manifest.ID).
		Str("version", manifest.Version).
		Int("tools", len(registered)).
		Msg("Plugin loaded")

	return manifest.ID, nil
}

// spawn starts the plugin process and dispenses its tool executor.
func (b *Bridge) spawn(mainPath string) (Executor, *goplugin.Client, error) {
	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          PluginMap,
		Cmd:              exec.Command(mainPath),
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
		// go-plugin logs through hclog; keep only warnings so plugin
		// process chatter stays out of the daemon log.
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:  "plugin-host",
			Level: hclog.Warn,
		}),
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("failed to start plugin process: %w", err)
	}

	raw, err := rpcClient.Dispense(dispenseName)
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("failed to dispense tool executor: %w", err)
	}

	executor, ok := raw.(Executor)
	if !ok {
		client.Kill()
		return nil, nil, fmt.Errorf("plugin does not implement the tool executor interface")
	}

	return executor, client, nil
}

// registerTools registers every manifest tool, rolling back on the
// first failure so a plugin is either fully registered or not at all.
func (b *Bridge) registerTools(executor Executor, manifest *Manifest) ([]string, error) {
	var registered []string
	for _, spec := range manifest.Tools {
		if err := b.registry.Register(bridgeTool(executor, manifest, spec)); err != nil {
			for _, name := range registered {
				b.registry.Unregister(name)
			}
			return nil, fmt.Errorf("failed to register tool %s: %w", spec.Name, err)
		}
		registered = append(registered, spec.Name)
	}
	return registered, nil
}

// bridgeTool converts a manifest tool declaration into a registry
// definition whose executor proxies over the plugin's RPC channel.
// Bridged executors run in the plugin's own process and never take a
// sandbox handle.
func bridgeTool(executor Executor, manifest *Manifest, spec ToolSpec) toolregistry.Definition {
	params := make([]toolregistry.Parameter, 0, len(spec.Parameters))
	for _, p := range spec.Parameters {
		params = append(params, toolregistry.Parameter{
			Name:        p.Name,
			Type:        p.Type,
			Description: p.Description,
			Required:    p.Required,
		})
	}

	return toolregistry.Definition{
		Name:        spec.Name,
		Description: spec.Description,
		Parameters:  params,
		PluginID:    manifest.ID,
		Execute: func(ctx context.Context, args map[string]interface{}, _ *sandbox.Handle) (interface{}, error) {
			return executor.ExecuteTool(ctx, spec.Name, args)
		},
	}
}

// Unload stops a single plugin and removes its tools from the registry.
func (b *Bridge) Unload(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	lp, ok := b.loaded[id]
	if !ok {
		return fmt.Errorf("plugin %s is not loaded", id)
	}

	b.unloadLocked(id, lp)
	return nil
}

// Loaded returns the IDs of the currently loaded plugins, sorted.
func (b *Bridge) Loaded() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.loaded))
	for id := range b.loaded {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close shuts down every loaded plugin and unregisters its tools.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, lp := range b.loaded {
		b.unloadLocked(id, lp)
	}
}

func (b *Bridge) unloadLocked(id string, lp *loadedPlugin) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := lp.executor.Shutdown(ctx); err != nil {
		b.logger.Warn().Err(err).Str("plugin", id).Msg("Plugin shutdown returned error")
	}
	cancel()

	if lp.client != nil {
		lp.client.Kill()
	}

	for _, name := range lp.tools {
		b.registry.Unregister(name)
	}
	delete(b.loaded, id)

	b.logger.Info().Str("plugin", id).Msg("Plugin unloaded")
}
