package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"

	hplugin "github.com/hashicorp/go-plugin"

	"github.com/nextlevelbuilder/gatewaycore/internal/tools"
)

// loadedPlugin tracks one running plugin process: the go-plugin client that
// owns its lifecycle, and the tool names it registered (so Stop/Reload can
// unregister exactly what this plugin added, mirroring mcp.serverState).
type loadedPlugin struct {
	manifest  *Manifest
	client    *hplugin.Client
	toolNames []string
}

// Manager discovers, loads, and supervises directory-sourced tool plugins
// (§4.9), registering each manifest's declared tools into the shared
// tools.Registry by tool name and tracking those names per plugin. No
// tool-policy group is registered for a plugin.
type Manager struct {
	mu       sync.RWMutex
	dir      string
	registry *tools.Registry
	loaded   map[string]*loadedPlugin
	status   map[string]Status
}

// NewManager creates a Manager that will scan dir for "*.plugin.json"
// manifests on Start/Reload.
func NewManager(registry *tools.Registry, dir string) *Manager {
	return &Manager{
		dir:      dir,
		registry: registry,
		loaded:   make(map[string]*loadedPlugin),
		status:   make(map[string]Status),
	}
}

// Start discovers and loads every enabled plugin in dir. Discovery or
// per-plugin load failures are logged and skipped rather than aborting
// startup — one broken plugin manifest must not take the gateway down.
func (m *Manager) Start(ctx context.Context) error {
	manifests, discoverErrs := Discover(m.dir)
	for _, err := range discoverErrs {
		slog.Warn("plugins.discover_failed", "error", err)
	}

	for _, manifest := range manifests {
		if !manifest.Enabled {
			slog.Info("plugins.disabled", "plugin", manifest.Name)
			continue
		}
		if err := m.load(manifest); err != nil {
			slog.Warn("plugins.load_failed", "plugin", manifest.Name, "error", err)
			m.setStatus(manifest.Name, StatusError)
		}
	}
	return nil
}

// Reload stops every running plugin and re-discovers/re-loads from dir,
// picking up manifest additions/edits/removals — the fsnotify-triggered
// path a Watcher drives.
func (m *Manager) Reload(ctx context.Context) error {
	m.Stop()
	return m.Start(ctx)
}

// Stop kills every plugin process and unregisters its tools.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, lp := range m.loaded {
		for _, toolName := range lp.toolNames {
			m.registry.Unregister(toolName)
		}
		lp.client.Kill()
		m.status[name] = StatusUnloaded
	}
	m.loaded = make(map[string]*loadedPlugin)
}

// ListPlugins reports the load status of every plugin seen since the last
// Start/Reload, for the doctor/health subsystem (§4.10).
func (m *Manager) ListPlugins() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.status))
	for k, v := range m.status {
		out[k] = v
	}
	return out
}

func (m *Manager) setStatus(name string, s Status) {
	m.mu.Lock()
	m.status[name] = s
	m.mu.Unlock()
}

// load launches one plugin binary, dispenses its "tool" implementation,
// and registers a toolAdapter per declared ToolSpec.
func (m *Manager) load(manifest *Manifest) error {
	m.setStatus(manifest.Name, StatusLoading)

	client := hplugin.NewClient(&hplugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          PluginMap(),
		Cmd:              exec.Command(manifest.Path),
		AllowedProtocols: []hplugin.Protocol{hplugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return newError(manifest.Name, "connect", err)
	}

	raw, err := rpcClient.Dispense("tool")
	if err != nil {
		client.Kill()
		return newError(manifest.Name, "dispense", err)
	}

	impl, ok := raw.(ToolPlugin)
	if !ok {
		client.Kill()
		return newError(manifest.Name, "dispense", fmt.Errorf("plugin does not implement ToolPlugin"))
	}

	toolNames := make([]string, 0, len(manifest.Tools))
	for _, spec := range manifest.Tools {
		m.registry.Register(&toolAdapter{spec: spec, client: impl})
		toolNames = append(toolNames, spec.Name)
	}

	m.mu.Lock()
	m.loaded[manifest.Name] = &loadedPlugin{manifest: manifest, client: client, toolNames: toolNames}
	m.status[manifest.Name] = StatusReady
	m.mu.Unlock()

	slog.Info("plugins.loaded", "plugin", manifest.Name, "tools", toolNames)
	return nil
}
