// Package contrib holds the worker-side contribution registries. Each
// module's extension.Context writes into them through Hooks; the registries
// announce contributions to the host through a protocol.Sender.
package contrib

import (
	"github.com/kingrea/exthost/extension"
	"github.com/kingrea/exthost/internal/logging"
	"github.com/kingrea/exthost/internal/protocol"
)

// Runner starts fn on its own goroutine. The worker supplies one that turns
// panics into error messages.
type Runner func(fn func())

// Option configures the registries built by NewSet.
type Option func(*options)

type options struct {
	logger *logging.Logger
	run    Runner
}

// WithLogger routes registry warnings through logger.
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRunner overrides how asynchronous work (producer startup, launcher
// requests, promotions) is scheduled.
func WithRunner(run Runner) Option {
	return func(o *options) {
		if run != nil {
			o.run = run
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger: logging.NewNop(),
		run:    func(fn func()) { go fn() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Set bundles the five registries owned by one worker.
type Set struct {
	Metadata  *Metadata
	Producers *Producers
	Launchers *Launchers
	Promoters *Promoters
	Sections  *Sections
}

// NewSet builds empty registries that announce to sender.
func NewSet(sender protocol.Sender, opts ...Option) *Set {
	o := buildOptions(opts)
	return &Set{
		Metadata:  NewMetadata(),
		Producers: newProducers(sender, o),
		Launchers: newLaunchers(sender, o),
		Promoters: newPromoters(sender, o),
		Sections:  newSections(sender, o),
	}
}

// Hooks returns the sinks a Context for moduleID writes into.
func (s *Set) Hooks(moduleID string) extension.Hooks {
	return extension.Hooks{
		Registry: registryHook{s.Metadata, moduleID},
		Graph:    graphHook{s.Producers, moduleID},
		Preview:  previewHook{s.Launchers, moduleID},
		Save:     saveHook{s.Promoters, moduleID},
		UI:       uiHook{s.Sections, moduleID},
	}
}

// Reset clears every registry. Running producers are cancelled.
func (s *Set) Reset() {
	if s == nil {
		return
	}
	s.Metadata.Reset()
	s.Producers.Reset()
	s.Launchers.Reset()
	s.Promoters.Reset()
	s.Sections.Reset()
}

type registryHook struct {
	m        *Metadata
	moduleID string
}

func (h registryHook) ContributeRegistry(r extension.Registry) extension.Disposable {
	return h.m.Contribute(h.moduleID, r)
}

type graphHook struct {
	p        *Producers
	moduleID string
}

func (h graphHook) RegisterProducer(p extension.Producer) extension.Disposable {
	return h.p.Register(h.moduleID, p)
}

type previewHook struct {
	l        *Launchers
	moduleID string
}

func (h previewHook) RegisterLauncher(l extension.Launcher) extension.Disposable {
	return h.l.Register(h.moduleID, l)
}

type saveHook struct {
	p        *Promoters
	moduleID string
}

func (h saveHook) RegisterPromoter(p extension.Promoter) extension.Disposable {
	return h.p.Register(h.moduleID, p)
}

type uiHook struct {
	s        *Sections
	moduleID string
}

func (h uiHook) RegisterInspectorSection(s extension.Section) extension.Disposable {
	return h.s.Register(h.moduleID, s)
}

func send(sender protocol.Sender, logger *logging.Logger, m protocol.Message) {
	if sender == nil {
		return
	}
	if err := sender.Send(m); err != nil {
		logger.Warnw("contrib: send failed", "type", m.Type(), "error", err)
	}
}
