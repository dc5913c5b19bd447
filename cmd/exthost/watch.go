package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/kingrea/exthost/internal/config"
	"github.com/kingrea/exthost/internal/fswatch"
	"github.com/kingrea/exthost/internal/logging"
)

// configRescanInterval is the fallback when a notification is missed.
const configRescanInterval = 10 * time.Second

// configNotifier is the part of the supervisor the watcher drives.
type configNotifier interface {
	ConfigChanged(cfg *config.Config) error
}

// configWatcher follows config.yaml and pushes every valid edit to the
// supervisor. Invalid edits are logged and skipped.
type configWatcher struct {
	path     string
	target   configNotifier
	logger   *logging.Logger
	interval time.Duration
	parse    func([]byte) (*config.Config, error)

	modTime time.Time
	size    int64
}

func newConfigWatcher(path string, target configNotifier, logger *logging.Logger) *configWatcher {
	w := &configWatcher{
		path:     filepath.Clean(path),
		target:   target,
		logger:   logger,
		interval: configRescanInterval,
		parse:    config.Parse,
	}
	w.modTime, w.size = w.stat()
	return w
}

// Run watches the config directory until ctx is done. Editors that
// replace the file by rename are covered because the directory is watched.
func (w *configWatcher) Run(ctx context.Context) {
	fswatch.Run(ctx, w.interval, []string{filepath.Dir(w.path)}, func() { w.check() },
		fswatch.WithLogger(w.logger),
		fswatch.WithFilter(func(name string) bool { return filepath.Clean(name) == w.path }),
	)
}

// check reports whether a new config was delivered.
func (w *configWatcher) check() bool {
	modTime, size := w.stat()
	if modTime.Equal(w.modTime) && size == w.size {
		return false
	}
	w.modTime, w.size = modTime, size

	var cfg *config.Config
	data, err := os.ReadFile(w.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = config.Default()
	case err != nil:
		w.logger.Warnw("config: read failed", "path", w.path, "error", err)
		return false
	default:
		cfg, err = w.parse(data)
		if err != nil {
			w.logger.Warnw("config: ignoring invalid edit", "path", w.path, "error", err)
			return false
		}
	}
	if err := w.target.ConfigChanged(cfg); err != nil {
		w.logger.Warnw("config: push failed", "error", err)
		return false
	}
	w.logger.Infow("config: pushed to worker", "modules", len(cfg.Modules))
	return true
}

func (w *configWatcher) stat() (time.Time, int64) {
	info, err := os.Stat(w.path)
	if err != nil {
		return time.Time{}, -1
	}
	return info.ModTime(), info.Size()
}
