package config

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher hot-reloads the config file and pushes the re-validated result
// to a callback. Invalid or unreadable new configs are logged and the
// previous configuration stays in effect.
type Watcher struct {
	path     string
	onReload func(*Config)
	logger   *zap.Logger

	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher watches the directory containing path, since editors often
// replace files by rename and a direct file watch would go stale.
func NewWatcher(path string, onReload func(*Config), logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := fsWatcher.Add(dir); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w := &Watcher{
		path:      path,
		onReload:  onReload,
		logger:    logger,
		fsWatcher: fsWatcher,
		done:      make(chan struct{}),
	}
	go w.run()

	return w, nil
}

func (w *Watcher) run() {
	target := filepath.Clean(w.path)

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Warn("ignoring invalid config change",
					zap.String("path", w.path), zap.Error(err))
				continue
			}

			w.logger.Info("configuration reloaded", zap.String("path", w.path))
			w.onReload(cfg)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsWatcher.Close()
}
