package configs

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"agentex/app/pkg/logger"
)

// Watch re-applies the config file whenever it changes on disk. onChange runs
// with the freshly loaded config; malformed edits are logged and skipped.
func (m *Manager) Watch(ctx context.Context, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(m.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := m.Reload()
				if err != nil {
					logger.Error("[Config] Reload failed: %v", err)
					continue
				}
				logger.Info("[Config] Reloaded from %s", m.path)
				if onChange != nil {
					onChange(cfg)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("[Config] Watcher error: %v", err)
			}
		}
	}()
	return nil
}
