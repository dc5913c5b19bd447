// Package fswatch turns file system notifications into change callbacks.
// A periodic rescan runs alongside the notifications so paths that do not
// exist yet, or events the kernel queue dropped, are still picked up.
package fswatch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kingrea/exthost/internal/logging"
)

type options struct {
	logger    *logging.Logger
	filter    func(path string) bool
	recursive bool
}

// Option configures Run.
type Option func(*options)

// WithLogger sets the logger for watcher problems.
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithFilter drops notifications for paths fn rejects. Rescans always
// call back.
func WithFilter(fn func(path string) bool) Option {
	return func(o *options) {
		o.filter = fn
	}
}

// Recursive watches every directory below the roots, including ones
// created later. Hidden directories are skipped.
func Recursive() Option {
	return func(o *options) {
		o.recursive = true
	}
}

// Run calls onChange after every accepted notification and on every
// interval tick until ctx is done. onChange runs on the calling goroutine.
// Without notification support Run only rescans.
func Run(ctx context.Context, interval time.Duration, roots []string, onChange func(), opts ...Option) {
	o := options{logger: logging.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		o.logger.Warnw("fswatch: notifications unavailable; rescanning only", "error", err)
	} else {
		defer watcher.Close()
		for _, root := range roots {
			o.add(watcher, root)
		}
		events, errs = watcher.Events, watcher.Errors
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			onChange()
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if o.recursive && event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					o.add(watcher, event.Name)
				}
			}
			if o.filter != nil && !o.filter(event.Name) {
				continue
			}
			onChange()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			o.logger.Warnw("fswatch: watcher error", "error", err)
		}
	}
}

func (o *options) add(watcher *fsnotify.Watcher, root string) {
	if !o.recursive {
		if err := watcher.Add(root); err != nil {
			o.logger.Debugf("fswatch: watch %s: %v", root, err)
		}
		return
	}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
	if err != nil {
		o.logger.Debugf("fswatch: watch %s: %v", root, err)
	}
}
