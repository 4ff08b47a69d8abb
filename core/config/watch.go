package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/adalundhe/coedit/core/concurrency"
)

// reloadDebounce collapses editor save bursts (truncate, write, chmod) into
// one reload.
const reloadDebounce = 100 * time.Millisecond

// Watch reloads the configuration whenever one of the manager's files is
// written or created, until ctx is done. The parent directories are watched
// so files that do not exist yet, or are replaced by rename, are picked up.
// A reload that fails keeps the previous configuration.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	targets := make(map[string]struct{}, len(m.paths))
	dirs := make(map[string]struct{})
	for _, path := range m.paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", path, err)
		}
		targets[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	reloads := concurrency.NewDeferred(m.logger)
	defer reloads.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			if _, ok := targets[abs]; !ok {
				continue
			}
			err = reloads.Schedule("reload", reloadDebounce, func(context.Context) {
				if err := m.Reload(); err != nil {
					m.logger.Warn("config reload failed", "path", abs, "error", err)
					return
				}
				m.logger.Info("config reloaded", "path", abs)
			})
			if err != nil {
				m.logger.Warn("config reload not scheduled", "path", abs, "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("config watcher error", "error", err)
		}
	}
}
