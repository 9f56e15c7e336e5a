package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads Config from disk, emitting a callback on every
// successful reload so the caller can translate it into a config.changed /
// config.reloaded bus event (§6).
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onReload func(*Config)
}

// NewWatcher starts watching the directory containing path (fsnotify
// requires watching a directory to reliably catch editor rename-replace
// writes) and invokes onReload with the freshly loaded Config after each
// debounced change.
func NewWatcher(path string, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{path: path, watcher: fw, onReload: onReload}, nil
}

// Run blocks, processing filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	var debounce *time.Timer
	reload := func() {
		cfg, err := Load(w.path)
		if err != nil {
			slog.Warn("config.watch.reload_failed", "path", w.path, "error", err)
			return
		}
		slog.Info("config.watch.reloaded", "path", w.path)
		w.onReload(cfg)
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
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
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
			slog.Warn("config.watch.error", "error", err)
		}
	}
}
