// Package hoststate holds everything the host knows about the worker's
// contributions. It implements the supervisor's consumer interfaces and
// serves the inspector and the dashboard.
package hoststate

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kingrea/exthost/extension"
	"github.com/kingrea/exthost/graph"
	"github.com/kingrea/exthost/internal/config"
	"github.com/kingrea/exthost/internal/logging"
	"github.com/kingrea/exthost/internal/metrics"
	"github.com/kingrea/exthost/internal/module"
	"github.com/kingrea/exthost/internal/protocol"
	"github.com/kingrea/exthost/internal/supervisor"
)

const maxWorkerErrors = 20

// ModuleInfo is the last reported status of one module.
type ModuleInfo struct {
	ID     string          `json:"id"`
	Status module.Status   `json:"status"`
	Error  *protocol.Error `json:"error,omitempty"`
}

// WorkerError is a worker-wide error with the time the host saw it.
type WorkerError struct {
	Time  time.Time       `json:"time"`
	Error *protocol.Error `json:"error"`
}

// WorkerInfo summarizes the supervised worker.
type WorkerInfo struct {
	State   supervisor.State `json:"state"`
	Since   time.Time        `json:"since"`
	Crashes int              `json:"crashes"`
	Errors  []WorkerError    `json:"errors,omitempty"`
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the host state logger.
func WithLogger(logger *logging.Logger) Option {
	return func(h *Host) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics counts graph patch outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Host) {
		h.metrics = m
	}
}

// WithLauncherLogDir persists launcher output under dir.
func WithLauncherLogDir(dir string) Option {
	return func(h *Host) {
		h.logDir = dir
	}
}

// WithFeed replaces the default change feed.
func WithFeed(feed *Feed) Option {
	return func(h *Host) {
		if feed != nil {
			h.feed = feed
		}
	}
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Host) {
		if now != nil {
			h.now = now
		}
	}
}

// Host aggregates the host-side state.
type Host struct {
	logger  *logging.Logger
	metrics *metrics.Metrics
	logDir  string
	now     func() time.Time
	feed    *Feed

	Registry  *RegistryManager
	Graph     *GraphView
	Launchers *LauncherDirectory

	mu       sync.RWMutex
	modules  map[string]ModuleInfo
	sections []extension.Section
	worker   WorkerInfo
}

// New builds an empty host state seeded with cfg's overrides.
func New(cfg *config.Config, opts ...Option) *Host {
	h := &Host{
		logger:  logging.NewNop(),
		now:     time.Now,
		modules: map[string]ModuleInfo{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.feed == nil {
		h.feed = NewFeed(FeedWithLogger(h.logger), FeedWithClock(h.now))
	}
	var overrides map[string]extension.ComponentOverride
	if cfg != nil {
		overrides = cfg.ComponentOverrides
	}
	h.Registry = NewRegistryManager(overrides)
	h.Graph = NewGraphView(h.logger.Named("graph"), h.metrics)
	h.Launchers = NewLauncherDirectory(h.logDir, h.logger)
	h.worker = WorkerInfo{State: supervisor.StateStopped, Since: h.now()}
	return h
}

// Feed returns the change feed.
func (h *Host) Feed() *Feed {
	return h.feed
}

// Consumers wires the host into a supervisor.
func (h *Host) Consumers() supervisor.Consumers {
	return supervisor.ConsumersOf(h)
}

func (h *Host) RegistryContributed(contribs []extension.RegistryContribution) {
	h.Registry.SetContributions(contribs)
	h.feed.Publish(TopicRegistry, "", fmt.Sprintf("%d contributions", len(contribs)), false)
}

func (h *Host) ConfigChanged(cfg *config.Config) {
	if cfg == nil {
		return
	}
	h.Registry.SetOverrides(cfg.ComponentOverrides)
	h.feed.Publish(TopicRegistry, "", "overrides updated", false)
}

func (h *Host) GraphSnapshot(producerID string, snap graph.Snapshot) {
	h.Graph.ApplySnapshot(producerID, snap)
	h.feed.Publish(TopicGraph, producerID, fmt.Sprintf("snapshot r%d", snap.Revision), false)
}

func (h *Host) GraphPatch(producerID string, patch graph.Patch) {
	if !h.Graph.ApplyPatch(producerID, patch) {
		return
	}
	h.feed.Publish(TopicGraph, producerID, fmt.Sprintf("patch r%d (%d ops)", patch.Revision, len(patch.Ops)), false)
}

func (h *Host) LauncherRegistered(desc extension.LauncherDescriptor) {
	h.Launchers.Register(desc)
	h.feed.Publish(TopicLaunchers, desc.ID, "registered", false)
}

func (h *Host) LauncherLog(launcherID string, entry extension.LogEntry) {
	h.Launchers.Log(launcherID, entry)
	h.feed.Publish(TopicLaunchers, launcherID, entry.Message, false)
}

// ModuleStatus records the module's status. A deactivated module is
// forgotten together with its sections.
func (h *Host) ModuleStatus(moduleID string, status module.Status, err *protocol.Error) {
	h.mu.Lock()
	if status == module.StatusDeactivated {
		delete(h.modules, moduleID)
		kept := h.sections[:0]
		for _, section := range h.sections {
			if section.ModuleID != moduleID {
				kept = append(kept, section)
			}
		}
		h.sections = kept
	} else {
		h.modules[moduleID] = ModuleInfo{ID: moduleID, Status: status, Error: err}
	}
	h.mu.Unlock()
	detail := string(status)
	if err != nil {
		detail = fmt.Sprintf("%s: %s", status, err.Message)
	}
	h.feed.Publish(TopicModules, moduleID, detail, status == module.StatusFailed)
}

// SectionRegistered appends section in arrival order.
func (h *Host) SectionRegistered(section extension.Section) {
	h.mu.Lock()
	h.sections = append(h.sections, section)
	h.mu.Unlock()
	h.feed.Publish(TopicSections, section.ID, section.Title, false)
}

func (h *Host) WorkerState(state supervisor.State) {
	h.mu.Lock()
	h.worker.State = state
	h.worker.Since = h.now()
	if state == supervisor.StateCrashed {
		h.worker.Crashes++
	}
	h.mu.Unlock()
	h.feed.Publish(TopicWorker, "", string(state), state == supervisor.StateFailed)
}

func (h *Host) WorkerError(err *protocol.Error) {
	if err == nil {
		return
	}
	h.mu.Lock()
	h.worker.Errors = append(h.worker.Errors, WorkerError{Time: h.now(), Error: err})
	if len(h.worker.Errors) > maxWorkerErrors {
		h.worker.Errors = h.worker.Errors[len(h.worker.Errors)-maxWorkerErrors:]
	}
	h.mu.Unlock()
	h.feed.Publish(TopicWorker, string(err.Code), err.Message, true)
}

// ResetWorkerState drops what the previous worker generation contributed.
// Launcher logs stay on disk and worker errors are kept.
func (h *Host) ResetWorkerState() {
	h.mu.Lock()
	h.modules = map[string]ModuleInfo{}
	h.sections = nil
	h.mu.Unlock()
	h.Registry.SetContributions(nil)
	h.Graph.Reset()
	h.Launchers.Reset()
	h.feed.Publish(TopicWorker, "", "state reset", false)
}

// Modules returns every module status sorted by id.
func (h *Host) Modules() []ModuleInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ModuleInfo, 0, len(h.modules))
	for _, m := range h.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sections returns the inspector sections in arrival order.
func (h *Host) Sections() []extension.Section {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]extension.Section(nil), h.sections...)
}

// Worker returns the worker summary.
func (h *Host) Worker() WorkerInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	info := h.worker
	info.Errors = append([]WorkerError(nil), h.worker.Errors...)
	return info
}
