package plugins

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/gatewaycore/internal/bus"
	"github.com/nextlevelbuilder/gatewaycore/internal/tools"
)

func newTestManager(t *testing.T, dir string) *Manager {
	t.Helper()
	reg := tools.NewRegistry(bus.New())
	return NewManager(reg, dir)
}

func TestManager_StartWithEmptyDirIsNotAnError(t *testing.T) {
	mgr := newTestManager(t, t.TempDir())
	require.NoError(t, mgr.Start(context.Background()))
	assert.Empty(t, mgr.ListPlugins())
}

func TestManager_StartWithMissingDirIsNotAnError(t *testing.T) {
	mgr := newTestManager(t, "/nonexistent/plugins/dir")
	require.NoError(t, mgr.Start(context.Background()))
	assert.Empty(t, mgr.ListPlugins())
}

func TestManager_DisabledManifestIsSkippedWithoutError(t *testing.T) {
	dir := t.TempDir()
	writeExecutable(t, dir, "tool")
	writeManifest(t, dir, "off.plugin.json", `{
		"name": "off",
		"path": "tool",
		"enabled": false,
		"tools": [{"name": "t"}]
	}`)

	mgr := newTestManager(t, dir)
	require.NoError(t, mgr.Start(context.Background()))
	assert.Empty(t, mgr.ListPlugins())
}

func TestManager_StopWithNothingLoadedIsSafe(t *testing.T) {
	mgr := newTestManager(t, t.TempDir())
	mgr.Stop() // must not panic on an empty loaded map
	assert.Empty(t, mgr.ListPlugins())
}

func TestManager_ListPluginsReturnsACopy(t *testing.T) {
	mgr := newTestManager(t, t.TempDir())
	mgr.setStatus("echo", StatusReady)

	snapshot := mgr.ListPlugins()
	snapshot["echo"] = StatusCrashed

	assert.Equal(t, StatusReady, mgr.ListPlugins()["echo"])
}
