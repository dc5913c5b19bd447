// Package worker is the extension worker runtime: it reads host messages
// one at a time, runs long operations on goroutines so the loop keeps
// reading, and reports panics to the host instead of dying silently.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/kingrea/exthost/extension"
	"github.com/kingrea/exthost/internal/config"
	"github.com/kingrea/exthost/internal/contrib"
	"github.com/kingrea/exthost/internal/loader"
	"github.com/kingrea/exthost/internal/logging"
	"github.com/kingrea/exthost/internal/module"
	"github.com/kingrea/exthost/internal/protocol"
)

// DefaultShutdownGrace bounds teardown after a shutdown request.
const DefaultShutdownGrace = 5 * time.Second

// Transport is the worker's end of the host channel.
type Transport interface {
	protocol.Sender
	Receive() (protocol.Message, error)
}

type phase int32

const (
	phaseIdle phase = iota
	phaseInitializing
	phaseReady
	phaseStopping
)

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the worker logger. It must not write to stdout.
func WithLogger(logger *logging.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithBuiltins sets the compiled-in module registry.
func WithBuiltins(reg *module.Registry) Option {
	return func(w *Worker) {
		w.builtins = reg
	}
}

// WithShutdownGrace bounds how long teardown may take.
func WithShutdownGrace(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.grace = d
		}
	}
}

// WithModuleOutput redirects what interpreted modules print.
func WithModuleOutput(out io.Writer) Option {
	return func(w *Worker) {
		if out != nil {
			w.output = out
		}
	}
}

// Worker hosts the module loader and registries behind a Transport.
type Worker struct {
	transport Transport
	logger    *logging.Logger
	builtins  *module.Registry
	grace     time.Duration
	output    io.Writer

	registries *contrib.Set
	loader     *loader.Loader

	ctx    context.Context
	cancel context.CancelFunc
	async  sync.WaitGroup

	phase     atomic.Int32
	lifecycle sync.Mutex

	mu        sync.Mutex
	workspace string
	cfg       *config.Config
}

// New builds a worker talking over transport.
func New(transport Transport, opts ...Option) *Worker {
	w := &Worker{
		transport: transport,
		logger:    logging.NewNop(),
		builtins:  module.NewRegistry(),
		grace:     DefaultShutdownGrace,
		output:    os.Stderr,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.registries = contrib.NewSet(transport, contrib.WithLogger(w.logger.Named("contrib")), contrib.WithRunner(w.goSafe))
	w.loader = loader.New(transport, w.registries,
		loader.WithBuiltins(w.builtins),
		loader.WithLogger(w.logger.Named("loader")),
		loader.WithInterpreterOutput(w.output),
	)
	return w
}

// Run reads messages until shutdown, end of input or ctx cancellation.
// End of input is treated like shutdown.
func (w *Worker) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, w.cancel)
	defer stop()

	messages := make(chan protocol.Message)
	readErr := make(chan error, 1)
	go func() {
		defer close(messages)
		for {
			msg, err := w.transport.Receive()
			if err != nil {
				if errors.Is(err, protocol.ErrMalformed) {
					w.logger.Warnw("worker: dropping malformed message", "error", err)
					continue
				}
				readErr <- err
				return
			}
			select {
			case messages <- msg:
			case <-w.ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-w.ctx.Done():
			w.shutdown()
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				err := <-readErr
				w.shutdown()
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
					return nil
				}
				return fmt.Errorf("worker: receive: %w", err)
			}
			if done := w.dispatch(msg); done {
				return nil
			}
		}
	}
}

// dispatch handles one message. Panics are reported as UNCAUGHT_EXCEPTION
// and the loop continues.
func (w *Worker) dispatch(msg protocol.Message) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			w.report(protocol.PanicError(protocol.CodeUncaughtException, r))
			done = false
		}
	}()
	switch m := msg.(type) {
	case protocol.Init:
		w.handleInit(m)
	case protocol.ConfigChanged:
		w.handleConfigChanged(m)
	case protocol.Shutdown:
		w.shutdown()
		return true
	case protocol.StartLauncher:
		if !w.ready() {
			w.send(protocol.LauncherError{CorrelationID: m.CorrelationID, LauncherID: m.LauncherID, Error: notInitialized()})
			return false
		}
		w.registries.Launchers.Start(w.ctx, m.LauncherID, w.launchOptions(m), m.CorrelationID)
	case protocol.StopLauncher:
		if !w.ready() {
			w.send(protocol.LauncherError{CorrelationID: m.CorrelationID, LauncherID: m.LauncherID, Error: notInitialized()})
			return false
		}
		w.registries.Launchers.Stop(w.ctx, m.LauncherID, m.CorrelationID)
	case protocol.PromoteOverrides:
		if !w.ready() {
			w.send(protocol.PromotionError{CorrelationID: m.CorrelationID, Error: notInitialized()})
			return false
		}
		w.registries.Promoters.Promote(w.ctx, m.Overrides, m.CorrelationID)
	default:
		w.logger.Warnw("worker: ignoring unexpected message", "type", msg.Type())
	}
	return false
}

func notInitialized() *protocol.Error {
	return protocol.NewError(protocol.CodeNotInitialized, "worker has not finished init")
}

func (w *Worker) ready() bool {
	return phase(w.phase.Load()) == phaseReady
}

func (w *Worker) handleInit(m protocol.Init) {
	if !w.phase.CompareAndSwap(int32(phaseIdle), int32(phaseInitializing)) {
		w.logger.Warnw("worker: duplicate init ignored")
		return
	}
	w.goSafe(func() {
		w.lifecycle.Lock()
		defer w.lifecycle.Unlock()
		if phase(w.phase.Load()) == phaseStopping {
			return
		}
		if err := validateInit(m); err != nil {
			w.phase.Store(int32(phaseIdle))
			w.report(protocol.WrapError(protocol.CodeInitFailed, err))
			return
		}
		w.mu.Lock()
		w.workspace, w.cfg = m.Workspace, m.Config
		w.mu.Unlock()
		if err := w.loader.LoadAndActivate(w.ctx, m.Workspace, m.Config); err != nil {
			w.phase.Store(int32(phaseIdle))
			w.report(protocol.WrapError(protocol.CodeInitFailed, err))
			return
		}
		if !w.phase.CompareAndSwap(int32(phaseInitializing), int32(phaseReady)) {
			return
		}
		w.logActivation("worker: ready")
		w.send(protocol.Ready{})
	})
}

func validateInit(m protocol.Init) error {
	if m.Config == nil {
		return errors.New("worker: init carries no config")
	}
	if m.Workspace == "" {
		return nil
	}
	info, err := os.Stat(m.Workspace)
	if err != nil {
		return fmt.Errorf("worker: workspace: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("worker: workspace %s is not a directory", m.Workspace)
	}
	return nil
}

// handleConfigChanged reloads every module against the new config. It is
// ignored until the worker is ready.
func (w *Worker) handleConfigChanged(m protocol.ConfigChanged) {
	if m.Config == nil {
		w.logger.Warnw("worker: config-changed without config ignored")
		return
	}
	if !w.ready() {
		w.logger.Warnw("worker: config-changed before ready; keeping the init config")
		return
	}
	w.goSafe(func() {
		w.lifecycle.Lock()
		defer w.lifecycle.Unlock()
		if !w.ready() {
			return
		}
		w.mu.Lock()
		w.cfg = m.Config
		workspace := w.workspace
		w.mu.Unlock()
		if err := w.loader.Reload(w.ctx, workspace, m.Config); err != nil {
			w.report(protocol.WrapError(protocol.CodeInitFailed, err))
			return
		}
		w.logActivation("worker: reloaded")
	})
}

// logActivation summarizes what the last activation pass left registered.
func (w *Worker) logActivation(msg string) {
	descriptors := w.registries.Launchers.Descriptors()
	launchers := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		launchers = append(launchers, d.ID)
	}
	w.logger.Infow(msg,
		"modules", w.loader.Loaded(),
		"statuses", w.loader.Statuses(),
		"producers", w.registries.Producers.IDs(),
		"launchers", launchers,
	)
}

func (w *Worker) launchOptions(m protocol.StartLauncher) (opts extension.LaunchOptions) {
	opts = m.Options
	w.mu.Lock()
	defer w.mu.Unlock()
	if opts.WorkspaceRoot == "" {
		opts.WorkspaceRoot = w.workspace
	}
	if opts.Preview == nil && w.cfg != nil {
		opts.Preview = w.cfg.Preview
	}
	return opts
}

// shutdown stops launchers, deactivates modules and waits for in-flight
// work, all within the grace period.
func (w *Worker) shutdown() {
	if phase(w.phase.Swap(int32(phaseStopping))) == phaseStopping {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.grace)
	defer cancel()

	w.lifecycle.Lock()
	if err := w.registries.Launchers.StopAll(ctx); err != nil {
		w.logger.Warnw("worker: stopping launchers", "error", err)
	}
	if err := w.loader.DeactivateAll(ctx); err != nil {
		w.logger.Warnw("worker: deactivating modules", "error", err)
	}
	w.registries.Reset()
	w.lifecycle.Unlock()
	w.cancel()

	drained := make(chan struct{})
	go func() {
		w.async.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		w.logger.Warnw("worker: shutdown grace elapsed with work in flight", "grace", w.grace)
	}
}

// goSafe runs fn on a goroutine. A panic is reported as
// UNHANDLED_REJECTION and does not take the worker down.
func (w *Worker) goSafe(fn func()) {
	w.async.Add(1)
	go func() {
		defer w.async.Done()
		defer func() {
			if r := recover(); r != nil {
				w.report(protocol.PanicError(protocol.CodeUnhandledRejection, r))
			}
		}()
		fn()
	}()
}

func (w *Worker) report(perr *protocol.Error) {
	w.logger.Errorw("worker: error", "code", perr.Code, "error", perr.Message)
	w.send(protocol.Failure{Error: perr})
}

func (w *Worker) send(m protocol.Message) {
	if err := w.transport.Send(m); err != nil {
		w.logger.Warnw("worker: send failed", "type", m.Type(), "error", err)
	}
}
