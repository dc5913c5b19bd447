// Package loader resolves, imports, activates and deactivates extension
// modules inside the worker.
//
// Every configured module is handled on its own: a resolution, import or
// activation failure is reported as a failed status for that module and
// the pass moves on. Once every module has been processed the ordered
// registry contributions are announced in a single message.
package loader

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/kingrea/exthost/extension"
	"github.com/kingrea/exthost/internal/config"
	"github.com/kingrea/exthost/internal/contrib"
	"github.com/kingrea/exthost/internal/logging"
	"github.com/kingrea/exthost/internal/module"
	"github.com/kingrea/exthost/internal/protocol"
)

// loadedModule is owned by the Loader; nothing else mutates it.
type loadedModule struct {
	id     string
	module extension.Module
	ctx    *extension.Context
}

// Option configures a Loader.
type Option func(*Loader)

// WithBuiltins sets the registry of compiled-in packages used when a
// package is not installed in the workspace.
func WithBuiltins(reg *module.Registry) Option {
	return func(l *Loader) {
		l.builtins = reg
	}
}

// WithLogger sets the loader logger.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithInterpreterOutput redirects what interpreted modules print.
func WithInterpreterOutput(w io.Writer) Option {
	return func(l *Loader) {
		if w != nil {
			l.output = w
		}
	}
}

// Loader owns the loaded modules and the contribution registries they
// write into.
type Loader struct {
	sender     protocol.Sender
	registries *contrib.Set
	builtins   *module.Registry
	logger     *logging.Logger
	output     io.Writer

	mu       sync.Mutex
	loaded   []*loadedModule
	statuses map[string]module.Status
}

// New builds a loader announcing to sender and writing contributions into
// registries.
func New(sender protocol.Sender, registries *contrib.Set, opts ...Option) *Loader {
	l := &Loader{
		sender:     sender,
		registries: registries,
		logger:     logging.NewNop(),
		output:     os.Stderr,
		statuses:   map[string]module.Status{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// LoadAndActivate processes every module in cfg in order, then sends one
// registry-contribution message. It only fails when cfg is nil; module
// failures are reported as statuses.
func (l *Loader) LoadAndActivate(ctx context.Context, workspace string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("loader: config is required")
	}
	for _, d := range cfg.Modules {
		if err := ctx.Err(); err != nil {
			l.fail(d.ID, protocol.WrapError(protocol.CodeModuleLoadFailed, fmt.Errorf("loader: %s skipped: %w", d.ID, err)))
			continue
		}
		l.activate(workspace, d)
	}
	l.send(protocol.RegistryContribution{Registries: l.registries.Metadata.Contributions()})
	return nil
}

func (l *Loader) activate(workspace string, d config.ModuleDescriptor) {
	l.setStatus(d.ID, module.StatusActivating, nil)

	mod, err := l.importModule(workspace, d)
	if err != nil {
		l.fail(d.ID, protocol.WrapError(protocol.CodeModuleLoadFailed, err))
		return
	}

	moduleCtx := extension.NewContext(d.ID, workspace, l.registries.Hooks(d.ID))
	if perr := safeActivate(mod, moduleCtx); perr != nil {
		for _, releaseErr := range moduleCtx.Release() {
			l.logger.Warnw("loader: release after failed activation", "module", d.ID, "error", releaseErr)
		}
		l.fail(d.ID, perr)
		return
	}

	l.mu.Lock()
	l.loaded = append(l.loaded, &loadedModule{id: d.ID, module: mod, ctx: moduleCtx})
	l.mu.Unlock()
	l.logger.Infow("loader: module active", "module", d.ID)
	l.setStatus(d.ID, module.StatusActive, nil)
}

func (l *Loader) importModule(workspace string, d config.ModuleDescriptor) (extension.Module, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}
	res, err := Resolve(workspace, d, l.builtins)
	if err != nil {
		return nil, err
	}
	if res.Builtin {
		builtin, err := l.builtins.Resolve(res.Package)
		if err != nil {
			return nil, err
		}
		return builtin, nil
	}
	mod, err := interpret(res.Source, l.output)
	if err != nil {
		return nil, err
	}
	return mod, nil
}

func safeActivate(mod extension.Module, ctx *extension.Context) (perr *protocol.Error) {
	defer func() {
		if r := recover(); r != nil {
			perr = protocol.PanicError(protocol.CodeModuleLoadFailed, r)
		}
	}()
	if err := mod.Activate(ctx); err != nil {
		return protocol.WrapError(protocol.CodeModuleLoadFailed, err)
	}
	return nil
}

func safeDeactivate(d extension.Deactivator) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &extension.PanicError{Value: r}
		}
	}()
	return d.Deactivate()
}

// DeactivateAll tears down every loaded module in reverse load order:
// Deactivate first, then the module's disposables. Failures are logged and
// aggregated; they never stop the remaining modules.
func (l *Loader) DeactivateAll(ctx context.Context) error {
	l.mu.Lock()
	loaded := l.loaded
	l.loaded = nil
	l.mu.Unlock()

	var errs error
	for i := len(loaded) - 1; i >= 0; i-- {
		m := loaded[i]
		var moduleErr error
		if d, ok := m.module.(extension.Deactivator); ok {
			if err := safeDeactivate(d); err != nil {
				moduleErr = multierr.Append(moduleErr, fmt.Errorf("deactivate: %w", err))
			}
		}
		for _, err := range m.ctx.Release() {
			moduleErr = multierr.Append(moduleErr, fmt.Errorf("dispose: %w", err))
		}
		if moduleErr != nil {
			l.logger.Warnw("loader: teardown failed", "module", m.id, "error", moduleErr)
			errs = multierr.Append(errs, fmt.Errorf("loader: module %s: %w", m.id, moduleErr))
		}
		l.setStatus(m.id, module.StatusDeactivated, nil)
	}
	return errs
}

// Reload deactivates everything, clears every registry and activates cfg.
func (l *Loader) Reload(ctx context.Context, workspace string, cfg *config.Config) error {
	if err := l.DeactivateAll(ctx); err != nil {
		l.logger.Warnw("loader: reload teardown reported errors", "error", err)
	}
	l.registries.Reset()
	l.mu.Lock()
	l.statuses = map[string]module.Status{}
	l.mu.Unlock()
	return l.LoadAndActivate(ctx, workspace, cfg)
}

// Statuses returns the last reported status per module id.
func (l *Loader) Statuses() map[string]module.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]module.Status, len(l.statuses))
	for id, status := range l.statuses {
		out[id] = status
	}
	return out
}

// Loaded returns the ids of active modules, sorted.
func (l *Loader) Loaded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.loaded))
	for _, m := range l.loaded {
		ids = append(ids, m.id)
	}
	sort.Strings(ids)
	return ids
}

func (l *Loader) fail(id string, perr *protocol.Error) {
	l.logger.Errorw("loader: module failed", "module", id, "code", perr.Code, "error", perr.Message)
	l.setStatus(id, module.StatusFailed, perr)
}

func (l *Loader) setStatus(id string, status module.Status, perr *protocol.Error) {
	l.mu.Lock()
	l.statuses[id] = status
	l.mu.Unlock()
	l.send(protocol.ModuleActivationStatus{ModuleID: id, Status: status, Error: perr})
}

func (l *Loader) send(m protocol.Message) {
	if l.sender == nil {
		return
	}
	if err := l.sender.Send(m); err != nil {
		l.logger.Warnw("loader: send failed", "type", m.Type(), "error", err)
	}
}
