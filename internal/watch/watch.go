// Package watch reloads the outline when its backing file changes on disk,
// so external edits (another editor, a sync client) flow into a running
// engine.
package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/sofer/internal/engine"
	"github.com/starford/sofer/internal/sofer"
)

const debounce = 200 * time.Millisecond

// Watch watches the outline file at path and replaces the engine's outline
// with a fresh parse after each change, until ctx is cancelled.
//
// The parent directory is watched rather than the file itself: editors that
// save via rename-and-replace would otherwise detach the watch on the first
// write. Events are debounced so a burst of writes triggers one reload. A
// file that fails to parse is logged and skipped; the engine keeps the last
// good outline.
func Watch(ctx context.Context, svc *engine.Service, path string, logger *slog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	logger.Info("watcher: started", slog.String("path", abs))

	var reloadTimer *time.Timer
	var reloadCh <-chan time.Time

	scheduleReload := func() {
		if reloadTimer == nil {
			reloadTimer = time.NewTimer(debounce)
			reloadCh = reloadTimer.C
		} else {
			reloadTimer.Reset(debounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case <-reloadCh:
			reload(ctx, svc, abs, logger)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				scheduleReload()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

func reload(ctx context.Context, svc *engine.Service, path string, logger *slog.Logger) {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("watcher: read failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	out, err := sofer.Parse(data)
	if err != nil {
		logger.Warn("watcher: parse failed, keeping previous outline",
			slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	if err := svc.Replace(ctx, out); err != nil {
		logger.Warn("watcher: reload failed", slog.String("error", err.Error()))
		return
	}
	logger.Info("watcher: outline reloaded", slog.Int("nodes", out.Len()))
}
