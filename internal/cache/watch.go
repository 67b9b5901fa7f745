package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch drops metadata for artifacts removed from the cache directory by
// something other than the manager. It blocks until ctx is done.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close() //nolint:errcheck

	if err := watcher.Add(m.audio.Dir()); err != nil {
		return fmt.Errorf("watch %s: %w", m.audio.Dir(), err)
	}
	m.log.Debug("Watching cache directory", "dir", m.audio.Dir())

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			m.handleRemoved(ctx, event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("Cache watcher error", "err", err)
		}
	}
}

// handleRemoved drops the entry whose authoritative file was at path, if
// that file is really gone.
func (m *Manager) handleRemoved(ctx context.Context, path string) {
	key, format, err := parseArtifactName(filepath.Base(path))
	if err != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || m.audio.formatFor(e.State) != format {
		return
	}
	if _, err := os.Stat(path); err == nil {
		return
	}

	m.dropLocked(key)
	if err := m.store.RemoveEntry(ctx, key); err != nil {
		m.log.Warn("Failed to remove metadata", "key", key, "err", err)
	}
	m.afterMutationLocked()
	m.log.Info("Artifact removed externally", "key", key)
}
