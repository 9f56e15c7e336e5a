package plugins

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func writeExecutable(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
	return path
}

func TestDiscover_MissingDir(t *testing.T) {
	manifests, errs := Discover(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Nil(t, manifests)
	assert.Nil(t, errs)
}

func TestDiscover_IgnoresNonManifestFiles(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "README.md", "not a manifest")
	manifests, errs := Discover(dir)
	assert.Empty(t, manifests)
	assert.Empty(t, errs)
}

func TestDiscover_ValidManifest(t *testing.T) {
	dir := t.TempDir()
	writeExecutable(t, dir, "echo-plugin")
	writeManifest(t, dir, "echo.plugin.json", `{
		"name": "echo",
		"version": "1.0.0",
		"path": "echo-plugin",
		"enabled": true,
		"tools": [{"name": "echo", "description": "echoes input"}]
	}`)

	manifests, errs := Discover(dir)
	require.Empty(t, errs)
	require.Len(t, manifests, 1)
	assert.Equal(t, "echo", manifests[0].Name)
	assert.Equal(t, filepath.Join(dir, "echo-plugin"), manifests[0].Path)
}

func TestDiscover_RelativePathResolvedAgainstManifestDir(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "bin")
	require.NoError(t, os.Mkdir(sub, 0o755))
	writeExecutable(t, sub, "tool")
	writeManifest(t, dir, "nested.plugin.json", `{
		"name": "nested",
		"path": "bin/tool",
		"tools": [{"name": "t"}]
	}`)

	manifests, errs := Discover(dir)
	require.Empty(t, errs)
	require.Len(t, manifests, 1)
	assert.Equal(t, filepath.Join(dir, "bin", "tool"), manifests[0].Path)
}

func TestDiscover_NonExecutablePathFailsWithError(t *testing.T) {
	dir := t.TempDir()
	// Plain, non-executable file standing in for the plugin binary.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tool"), []byte("x"), 0o644))
	writeManifest(t, dir, "bad.plugin.json", `{
		"name": "bad",
		"path": "tool",
		"tools": [{"name": "t"}]
	}`)

	manifests, errs := Discover(dir)
	assert.Empty(t, manifests)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "not executable")
}

func TestDiscover_MissingExecutableFailsWithError(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "ghost.plugin.json", `{
		"name": "ghost",
		"path": "does-not-exist",
		"tools": [{"name": "t"}]
	}`)

	manifests, errs := Discover(dir)
	assert.Empty(t, manifests)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "ghost.plugin.json")
}

func TestDiscover_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "broken.plugin.json", `{not json`)

	manifests, errs := Discover(dir)
	assert.Empty(t, manifests)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "parse manifest")
}

func TestValidate(t *testing.T) {
	t.Run("missing name", func(t *testing.T) {
		err := validate(&Manifest{Path: "x", Tools: []ToolSpec{{Name: "t"}}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "name")
	})

	t.Run("missing path", func(t *testing.T) {
		err := validate(&Manifest{Name: "n", Tools: []ToolSpec{{Name: "t"}}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "path")
	})

	t.Run("no tools", func(t *testing.T) {
		err := validate(&Manifest{Name: "n", Path: "x"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no tools")
	})

	t.Run("empty tool name", func(t *testing.T) {
		err := validate(&Manifest{Name: "n", Path: "x", Tools: []ToolSpec{{Name: ""}}})
		require.Error(t, err)
	})

	t.Run("duplicate tool name", func(t *testing.T) {
		err := validate(&Manifest{Name: "n", Path: "x", Tools: []ToolSpec{{Name: "t"}, {Name: "t"}}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "twice")
	})

	t.Run("valid", func(t *testing.T) {
		err := validate(&Manifest{Name: "n", Path: "x", Tools: []ToolSpec{{Name: "a"}, {Name: "b"}}})
		assert.NoError(t, err)
	})
}
