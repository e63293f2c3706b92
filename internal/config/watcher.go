package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Davincible/claude-code-mux/internal/routing"
)

const DefaultDebounce = 250 * time.Millisecond

// ReloadFunc receives the outcome of one reload. On error cfg and snap are
// nil and the previous configuration stays active.
type ReloadFunc func(cfg *Config, snap *routing.Snapshot, err error)

// Watcher reloads the configuration when its files change. The directory is
// watched rather than the files so editors that replace files on save are
// still seen.
type Watcher struct {
	manager  *Manager
	logger   *slog.Logger
	debounce time.Duration
	onReload ReloadFunc

	mu    sync.Mutex
	timer *time.Timer
}

func NewWatcher(m *Manager, logger *slog.Logger, onReload ReloadFunc) *Watcher {
	return &Watcher{
		manager:  m,
		logger:   logger,
		debounce: DefaultDebounce,
		onReload: onReload,
	}
}

// Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.manager.BaseDir()); err != nil {
		return fmt.Errorf("watch %s: %w", w.manager.BaseDir(), err)
	}

	w.logger.Info("Watching configuration", "dir", w.manager.BaseDir())

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			w.logger.Debug("Configuration file changed", "path", ev.Name, "op", ev.Op.String())
			w.schedule()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("File watcher error", "error", err)
		}
	}
}

func relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	switch filepath.Base(ev.Name) {
	case DefaultYAMLFilename, DefaultConfigFilename, DefaultEnvFilename:
		return true
	}
	return false
}

// schedule coalesces bursts of events into one reload.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watcher) reload() {
	cfg, snap, err := w.manager.Reload()
	if err != nil {
		w.logger.Error("Configuration reload failed, keeping previous configuration", "error", err)
	} else {
		w.logger.Info("Configuration reloaded", "providers", len(cfg.Providers))
	}
	w.onReload(cfg, snap, err)
}
