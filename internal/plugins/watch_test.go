package plugins

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewWatcher_MissingDirFails(t *testing.T) {
	mgr := newTestManager(t, t.TempDir())
	_, err := NewWatcher(filepath.Join(t.TempDir(), "missing"), mgr)
	require.Error(t, err)
}

func TestWatcher_RunExitsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	mgr := newTestManager(t, dir)
	require.NoError(t, mgr.Start(context.Background()))

	w, err := NewWatcher(dir, mgr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}

func TestWatcher_IgnoresNonManifestFiles(t *testing.T) {
	dir := t.TempDir()
	mgr := newTestManager(t, dir)
	require.NoError(t, mgr.Start(context.Background()))

	w, err := NewWatcher(dir, mgr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// A non-manifest file write must not be mistaken for a manifest change.
	writeManifest(t, dir, "README.md", "not a manifest")

	time.Sleep(300 * time.Millisecond)
	require.Empty(t, mgr.ListPlugins())
}
