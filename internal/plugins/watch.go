package plugins

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher triggers Manager.Reload on any "*.plugin.json" add/write/remove
// in the plugin directory, the same debounced fsnotify pattern
// internal/config.Watcher uses for the main config file.
type Watcher struct {
	dir     string
	mgr     *Manager
	watcher *fsnotify.Watcher
}

// NewWatcher starts watching dir for manifest changes.
func NewWatcher(dir string, mgr *Manager) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{dir: dir, mgr: mgr, watcher: fw}, nil
}

// Run blocks, reloading the plugin set on debounced manifest changes until
// ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	var debounce *time.Timer
	reload := func() {
		if err := w.mgr.Reload(ctx); err != nil {
			slog.Warn("plugins.watch.reload_failed", "error", err)
			return
		}
		slog.Info("plugins.watch.reloaded", "dir", w.dir)
	}

	for {
		select {
		case <-ctx.Done():
			w.watcher.Close()
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(filepath.Clean(ev.Name), ".plugin.json") {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("plugins.watch.error", "error", err)
		}
	}
}
