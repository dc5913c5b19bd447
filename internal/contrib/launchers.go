package contrib

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/exthost/extension"
	"github.com/kingrea/exthost/internal/logging"
	"github.com/kingrea/exthost/internal/protocol"
)

type launcherEntry struct {
	launcher extension.Launcher
	desc     extension.LauncherDescriptor
	moduleID string
	logs     extension.Disposable
	disposed atomic.Bool
}

// Launchers keys registered launchers by descriptor id and answers the
// host's start and stop requests.
type Launchers struct {
	sender protocol.Sender
	logger *logging.Logger
	run    Runner

	mu      sync.Mutex
	entries map[string]*launcherEntry
}

func newLaunchers(sender protocol.Sender, o options) *Launchers {
	return &Launchers{
		sender:  sender,
		logger:  o.logger,
		run:     o.run,
		entries: map[string]*launcherEntry{},
	}
}

// Register announces l to the host and forwards its log stream tagged with
// the launcher id.
func (l *Launchers) Register(moduleID string, launcher extension.Launcher) extension.Disposable {
	if launcher == nil {
		return extension.Nop
	}
	desc := launcher.Descriptor()
	desc.ID = strings.TrimSpace(desc.ID)
	if desc.ID == "" {
		l.logger.Warnf("contrib: module %s registered a launcher without an id; ignoring it", moduleID)
		return extension.Nop
	}
	entry := &launcherEntry{launcher: launcher, desc: desc, moduleID: moduleID}
	entry.logs = launcher.OnLog(func(e extension.LogEntry) {
		if entry.disposed.Load() {
			return
		}
		send(l.sender, l.logger, protocol.LauncherLog{LauncherID: desc.ID, Entry: e})
	})

	l.mu.Lock()
	if _, exists := l.entries[desc.ID]; exists {
		l.logger.Warnf("contrib: launcher %s registered again by %s; the later registration wins", desc.ID, moduleID)
	}
	l.entries[desc.ID] = entry
	l.mu.Unlock()

	send(l.sender, l.logger, protocol.LauncherRegistered{Descriptor: desc})

	return extension.DisposeFunc(func() error {
		entry.disposed.Store(true)
		l.mu.Lock()
		if l.entries[desc.ID] == entry {
			delete(l.entries, desc.ID)
		}
		l.mu.Unlock()
		if entry.logs != nil {
			return entry.logs.Dispose()
		}
		return nil
	})
}

func (l *Launchers) lookup(id string) (extension.Launcher, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[id]
	if !ok {
		return nil, false
	}
	return entry.launcher, true
}

// Start runs the launcher asynchronously and replies with launcher-started
// or launcher-error. Unknown ids are answered immediately.
func (l *Launchers) Start(ctx context.Context, launcherID string, opts extension.LaunchOptions, correlationID string) {
	launcher, ok := l.lookup(launcherID)
	if !ok {
		l.notFound(launcherID, correlationID)
		return
	}
	l.run(func() {
		result, err := launcher.Start(ctx, opts)
		if err != nil {
			send(l.sender, l.logger, protocol.LauncherError{
				CorrelationID: correlationID,
				LauncherID:    launcherID,
				Error:         protocol.NewError(protocol.CodeLauncherStartFailed, "%v", err),
			})
			return
		}
		send(l.sender, l.logger, protocol.LauncherStarted{CorrelationID: correlationID, LauncherID: launcherID, Result: result})
	})
}

// Stop stops the launcher asynchronously and replies with launcher-stopped
// or launcher-error. Unknown ids are answered immediately.
func (l *Launchers) Stop(ctx context.Context, launcherID, correlationID string) {
	launcher, ok := l.lookup(launcherID)
	if !ok {
		l.notFound(launcherID, correlationID)
		return
	}
	l.run(func() {
		if err := launcher.Stop(ctx); err != nil {
			send(l.sender, l.logger, protocol.LauncherError{
				CorrelationID: correlationID,
				LauncherID:    launcherID,
				Error:         protocol.NewError(protocol.CodeLauncherStopFailed, "%v", err),
			})
			return
		}
		send(l.sender, l.logger, protocol.LauncherStopped{CorrelationID: correlationID, LauncherID: launcherID})
	})
}

func (l *Launchers) notFound(launcherID, correlationID string) {
	send(l.sender, l.logger, protocol.LauncherError{
		CorrelationID: correlationID,
		LauncherID:    launcherID,
		Error:         protocol.NewError(protocol.CodeLauncherNotFound, "launcher %s is not registered", launcherID),
	})
}

// StopAll stops every registered launcher concurrently and returns the
// first failure.
func (l *Launchers) StopAll(ctx context.Context) error {
	l.mu.Lock()
	targets := make(map[string]extension.Launcher, len(l.entries))
	for id, entry := range l.entries {
		targets[id] = entry.launcher
	}
	l.mu.Unlock()

	var g errgroup.Group
	for id, launcher := range targets {
		id, launcher := id, launcher
		g.Go(func() error {
			if err := launcher.Stop(ctx); err != nil {
				return fmt.Errorf("contrib: stop launcher %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Descriptors returns the registered descriptors sorted by id.
func (l *Launchers) Descriptors() []extension.LauncherDescriptor {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]extension.LauncherDescriptor, 0, len(l.entries))
	for _, entry := range l.entries {
		out = append(out, entry.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reset forgets every launcher and detaches their log forwarding.
func (l *Launchers) Reset() {
	l.mu.Lock()
	entries := l.entries
	l.entries = map[string]*launcherEntry{}
	l.mu.Unlock()
	for _, entry := range entries {
		entry.disposed.Store(true)
		if entry.logs != nil {
			_ = entry.logs.Dispose()
		}
	}
}
