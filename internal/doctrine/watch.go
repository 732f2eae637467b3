package doctrine

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce coalesces the burst of events editors produce on save.
const DefaultDebounce = 150 * time.Millisecond

// Watch calls Reload whenever the doctrine file changes, until ctx is done.
// The parent directory is watched so atomic rename-on-save is seen.
// Reload failures are logged and the previous doctrine stays active.
func (s *Store) Watch(ctx context.Context, debounce time.Duration) error {
	if s.path == "" {
		return ErrNoPath
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(s.path)
	if err != nil {
		return fmt.Errorf("resolving doctrine path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	go s.watchLoop(ctx, watcher, abs, debounce)
	s.logger.Info("watching doctrine file", zap.String("path", abs))
	return nil
}

func (s *Store) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string, debounce time.Duration) {
	defer watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			_ = s.Reload(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("doctrine watcher error", zap.Error(err))
		}
	}
}
