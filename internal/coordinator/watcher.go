package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 250 * time.Millisecond

// SyncScopeWatcher reloads settings when another process rewrites the
// sync-scope file. Bursts of events are collapsed into one reload.
type SyncScopeWatcher struct {
	path     string
	debounce time.Duration
	reload   func(context.Context) error
	logger   *slog.Logger
}

func NewSyncScopeWatcher(path string, debounce time.Duration, reload func(context.Context) error, logger *slog.Logger) *SyncScopeWatcher {
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncScopeWatcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		reload:   reload,
		logger:   logger,
	}
}

// Run watches until ctx is done. The parent directory is watched because
// writes land through a rename.
func (w *SyncScopeWatcher) Run(ctx context.Context) error {
	if w.reload == nil {
		return ErrInvalidInput
	}
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return err
	}
	w.logger.Info("sync scope watch started", "path", w.path)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			w.logger.Info("sync scope watch stopped", "path", w.path)
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.Warn("sync scope watch overflowed, reloading")
				fire = time.After(0)
				continue
			}
			w.logger.Error("sync scope watch error", "error", err)
		case <-fire:
			fire = nil
			if err := w.reload(ctx); err != nil {
				w.logger.Error("settings reload failed", "error", err)
			}
		}
	}
}
