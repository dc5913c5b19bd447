// Package supervisor owns the extension worker process on the host side:
// it spawns the worker, sends init, waits for ready, restarts it after a
// crash within a bounded budget, and correlates request/reply pairs.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/flowchartsman/retry"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/kingrea/exthost/extension"
	"github.com/kingrea/exthost/internal/config"
	"github.com/kingrea/exthost/internal/logging"
	"github.com/kingrea/exthost/internal/metrics"
	"github.com/kingrea/exthost/internal/protocol"
)

// State is the supervisor's view of the worker.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateStopping State = "stopping"
	StateCrashed  State = "crashed"
	StateFailed   State = "failed"
)

var stateNames = []string{
	string(StateStopped),
	string(StateStarting),
	string(StateReady),
	string(StateStopping),
	string(StateCrashed),
	string(StateFailed),
}

var (
	// ErrRunning is returned by Start while a worker is already running.
	ErrRunning = errors.New("supervisor: worker already running")
	// ErrStopped is returned to a Start that was interrupted by Stop.
	ErrStopped = errors.New("supervisor: stopped")
	// ErrReadyTimeout is returned when the worker does not report ready
	// within Settings.ReadyTimeout.
	ErrReadyTimeout = errors.New("supervisor: timed out waiting for worker ready")
	// ErrRestartCeiling marks the fatal state reached after too many
	// consecutive crashes.
	ErrRestartCeiling = errors.New("supervisor: restart ceiling exceeded")
)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithSettings replaces the default tuning.
func WithSettings(settings Settings) Option {
	return func(s *Supervisor) {
		settings.normalize()
		s.settings = settings
	}
}

// WithLogger sets the supervisor logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records lifecycle and request metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// WithConsumers sets the targets worker messages are forwarded to.
func WithConsumers(c Consumers) Option {
	return func(s *Supervisor) {
		s.consumers = c
	}
}

type reply struct {
	msg protocol.Message
	err error
}

// Supervisor runs one worker at a time.
type Supervisor struct {
	spawner   Spawner
	settings  Settings
	consumers Consumers
	logger    *logging.Logger
	metrics   *metrics.Metrics

	state          atomic.String
	restarts       atomic.Int32
	restartEnabled atomic.Bool
	generation     atomic.Uint64

	lifecycle sync.Mutex
	readers   sync.WaitGroup

	mu        sync.Mutex
	proc      Process
	conn      *protocol.Conn
	gen       uint64
	workspace string
	cfg       *config.Config
	pending   map[string]chan reply
	started   chan error
	quit      chan struct{}
	stopping  bool
	fatal     error
}

// New builds a stopped supervisor.
func New(spawner Spawner, opts ...Option) *Supervisor {
	s := &Supervisor{
		spawner:  spawner,
		settings: DefaultSettings(),
		logger:   logging.NewNop(),
		pending:  map[string]chan reply{},
	}
	s.state.Store(string(StateStopped))
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// State reports the current worker state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Err returns the fatal error once the restart ceiling was exceeded.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// Restarts returns the number of consecutive restarts since the last ready.
func (s *Supervisor) Restarts() int {
	return int(s.restarts.Load())
}

// Settings returns the effective tuning.
func (s *Supervisor) Settings() Settings {
	return s.settings
}

// Start spawns the worker, sends init and blocks until the worker reports
// ready. An INIT_FAILED report, the ready timeout, ctx or a concurrent Stop
// abort the wait and stop the worker.
func (s *Supervisor) Start(ctx context.Context, workspace string, cfg *config.Config) error {
	if cfg == nil {
		return errors.New("supervisor: config is required")
	}
	s.lifecycle.Lock()
	switch s.State() {
	case StateStopped, StateFailed:
	default:
		s.lifecycle.Unlock()
		return ErrRunning
	}
	started := make(chan error, 1)
	s.mu.Lock()
	s.workspace, s.cfg = workspace, cfg
	s.started = started
	s.quit = make(chan struct{})
	s.stopping = false
	s.fatal = nil
	s.mu.Unlock()
	s.restarts.Store(0)
	s.restartEnabled.Store(true)

	err := s.spawn(ctx)
	s.lifecycle.Unlock()
	if err != nil {
		s.restartEnabled.Store(false)
		s.setState(StateStopped)
		return err
	}
	return s.awaitReady(ctx, started)
}

func (s *Supervisor) awaitReady(ctx context.Context, started <-chan error) error {
	var timeout <-chan time.Time
	if s.settings.ReadyTimeout > 0 {
		timer := time.NewTimer(s.settings.ReadyTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	var err error
	select {
	case err = <-started:
		if err == nil {
			return nil
		}
	case <-timeout:
		err = ErrReadyTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.logger.Errorw("supervisor: worker did not become ready", "error", err)
	if s.State() != StateFailed {
		stopCtx, cancel := context.WithTimeout(context.Background(), s.settings.ShutdownTimeout)
		defer cancel()
		if stopErr := s.Stop(stopCtx); stopErr != nil {
			s.logger.Warnw("supervisor: stop after failed start", "error", stopErr)
		}
	}
	return err
}

// Stop disables restarts, asks the worker to shut down and kills it when it
// has not exited within ShutdownTimeout or when ctx ends first.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.restartEnabled.Store(false)
	s.mu.Lock()
	s.stopping = true
	if s.quit != nil {
		select {
		case <-s.quit:
		default:
			close(s.quit)
		}
	}
	proc, conn := s.proc, s.conn
	s.mu.Unlock()
	s.notifyStarted(ErrStopped)

	if proc != nil {
		s.setState(StateStopping)
		if err := conn.Send(protocol.Shutdown{}); err != nil {
			s.logger.Warnw("supervisor: send shutdown", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.readers.Wait()
		close(done)
	}()
	timer := time.NewTimer(s.settings.ShutdownTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-done:
	case <-timer.C:
		s.logger.Warnw("supervisor: worker ignored shutdown; killing", "timeout", s.settings.ShutdownTimeout)
		err = s.kill()
		<-done
	case <-ctx.Done():
		err = multierr.Combine(ctx.Err(), s.kill())
		<-done
	}
	if s.State() != StateFailed {
		s.setState(StateStopped)
	}
	return err
}

func (s *Supervisor) kill() error {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Kill()
}

// Restart stops the worker, drops host state derived from it and starts a
// fresh one. A nil cfg reuses the current config.
func (s *Supervisor) Restart(ctx context.Context, workspace string, cfg *config.Config) error {
	if cfg == nil {
		s.mu.Lock()
		cfg = s.cfg
		s.mu.Unlock()
	}
	if err := s.Stop(ctx); err != nil {
		s.logger.Warnw("supervisor: stop before restart", "error", err)
	}
	if c := s.consumers.Reset; c != nil {
		c.ResetWorkerState()
	}
	return s.Start(ctx, workspace, cfg)
}

// ConfigChanged forwards cfg to the worker and keeps it for later inits.
// Without a running worker only the stored config changes. A ready worker
// reloads every module, so host state derived from the previous activation
// is dropped before the message goes out.
func (s *Supervisor) ConfigChanged(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("supervisor: config is required")
	}
	s.mu.Lock()
	s.cfg = cfg
	conn := s.conn
	s.mu.Unlock()
	if c := s.consumers.Config; c != nil {
		c.ConfigChanged(cfg)
	}
	if conn == nil {
		return nil
	}
	if c := s.consumers.Reset; c != nil && s.State() == StateReady {
		c.ResetWorkerState()
	}
	if err := conn.Send(protocol.ConfigChanged{Config: cfg}); err != nil {
		return protocol.WrapError(protocol.CodeWorkerUnavailable, err)
	}
	return nil
}

// PromoteOverrides asks the active promoter for an edit plan.
func (s *Supervisor) PromoteOverrides(ctx context.Context, overrides []extension.Override) (extension.PromotionPlan, error) {
	msg, err := s.request(ctx, "promote", func(corr string) protocol.HostMessage {
		return protocol.PromoteOverrides{Overrides: overrides, CorrelationID: corr}
	})
	if err != nil {
		return extension.PromotionPlan{}, err
	}
	switch m := msg.(type) {
	case protocol.PromotionResult:
		return m.Plan, nil
	case protocol.PromotionError:
		return extension.PromotionPlan{}, replyError(m.Error)
	}
	return extension.PromotionPlan{}, unexpectedReply(msg)
}

// StartLauncher starts the launcher with the given id.
func (s *Supervisor) StartLauncher(ctx context.Context, launcherID string, opts extension.LaunchOptions) (extension.LaunchResult, error) {
	msg, err := s.request(ctx, "start-launcher", func(corr string) protocol.HostMessage {
		return protocol.StartLauncher{LauncherID: launcherID, Options: opts, CorrelationID: corr}
	})
	if err != nil {
		return extension.LaunchResult{}, err
	}
	switch m := msg.(type) {
	case protocol.LauncherStarted:
		return m.Result, nil
	case protocol.LauncherError:
		return extension.LaunchResult{}, replyError(m.Error)
	}
	return extension.LaunchResult{}, unexpectedReply(msg)
}

// StopLauncher stops the launcher with the given id.
func (s *Supervisor) StopLauncher(ctx context.Context, launcherID string) error {
	msg, err := s.request(ctx, "stop-launcher", func(corr string) protocol.HostMessage {
		return protocol.StopLauncher{LauncherID: launcherID, CorrelationID: corr}
	})
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case protocol.LauncherStopped:
		return nil
	case protocol.LauncherError:
		return replyError(m.Error)
	}
	return unexpectedReply(msg)
}

func replyError(perr *protocol.Error) error {
	if perr == nil {
		return protocol.NewError(protocol.CodeUncaughtException, "worker replied with an empty error")
	}
	return perr
}

func unexpectedReply(msg protocol.Message) error {
	return fmt.Errorf("supervisor: unexpected reply %s", msg.Type())
}

// Pending returns the number of requests awaiting a reply.
func (s *Supervisor) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// request sends a correlated message and blocks until its reply, ctx ends
// or the worker exits.
func (s *Supervisor) request(ctx context.Context, kind string, build func(corr string) protocol.HostMessage) (msg protocol.Message, err error) {
	defer func() {
		s.metrics.RequestCompleted(kind, outcome(msg, err))
	}()
	corr := uuid.NewString()
	ch := make(chan reply, 1)
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return nil, protocol.NewError(protocol.CodeWorkerUnavailable, "worker is %s", s.State())
	}
	s.pending[corr] = ch
	n := len(s.pending)
	s.mu.Unlock()
	s.metrics.PendingRequests(n)

	if err := conn.Send(build(corr)); err != nil {
		s.forget(corr)
		return nil, protocol.WrapError(protocol.CodeWorkerUnavailable, err)
	}
	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
		s.forget(corr)
		return nil, ctx.Err()
	}
}

func outcome(msg protocol.Message, err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case err != nil:
		return "error"
	}
	switch msg.(type) {
	case protocol.LauncherError, protocol.PromotionError:
		return "error"
	}
	return "ok"
}

func (s *Supervisor) forget(corr string) {
	s.mu.Lock()
	delete(s.pending, corr)
	n := len(s.pending)
	s.mu.Unlock()
	s.metrics.PendingRequests(n)
}

// spawn starts a worker generation and sends init. Spawn errors are retried.
func (s *Supervisor) spawn(ctx context.Context) error {
	var proc Process
	retrier := retry.NewRetrier(s.settings.SpawnAttempts, 100*time.Millisecond, time.Second)
	err := retrier.RunContext(ctx, func(ctx context.Context) error {
		p, err := s.spawner.Spawn(ctx)
		if err != nil {
			s.logger.Warnw("supervisor: spawn failed", "error", err)
			return err
		}
		proc = p
		return nil
	})
	if err != nil {
		return fmt.Errorf("supervisor: spawn worker: %w", err)
	}

	conn := protocol.NewConn(proc.Stdout(), proc.Stdin(), proc.Stdin())
	gen := s.generation.Inc()
	s.mu.Lock()
	s.proc, s.conn, s.gen = proc, conn, gen
	stopping := s.stopping
	workspace, cfg := s.workspace, s.cfg
	s.mu.Unlock()

	s.readers.Add(1)
	go s.read(gen, proc, conn)
	if stopping {
		// Stop ran while this generation was being spawned.
		_ = proc.Kill()
		return ErrStopped
	}

	if c := s.consumers.Reset; c != nil {
		c.ResetWorkerState()
	}
	s.setState(StateStarting)
	s.logger.Infow("supervisor: worker spawned", "pid", proc.PID(), "generation", gen)
	if err := conn.Send(protocol.Init{Workspace: workspace, Config: cfg}); err != nil {
		s.logger.Warnw("supervisor: send init", "error", err)
	}
	return nil
}

// read is the single reader of one worker generation.
func (s *Supervisor) read(gen uint64, proc Process, conn *protocol.Conn) {
	defer s.readers.Done()
	for {
		msg, err := conn.Receive()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				s.logger.Warnw("supervisor: dropping malformed message", "error", err)
				continue
			}
			if !errors.Is(err, io.EOF) {
				s.logger.Debugf("supervisor: worker channel closed: %v", err)
			}
			break
		}
		s.handle(msg)
	}
	exitErr := proc.Wait()
	_ = conn.Close()
	s.exited(gen, exitErr)
}

func (s *Supervisor) handle(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Ready:
		s.mu.Lock()
		stopping := s.stopping
		s.mu.Unlock()
		if stopping {
			s.logger.Debugf("supervisor: ready after stop ignored")
			return
		}
		s.restarts.Store(0)
		s.setState(StateReady)
		s.notifyStarted(nil)
	case protocol.Failure:
		perr := replyError(m.Error).(*protocol.Error)
		s.logger.Errorw("supervisor: worker error", "code", perr.Code, "error", perr.Message)
		if perr.Code == protocol.CodeInitFailed && !s.notifyStarted(perr) && s.State() == StateStarting {
			// A respawned worker that cannot init counts as another crash.
			s.logger.Warnw("supervisor: respawned worker failed init; killing it")
			if err := s.kill(); err != nil {
				s.logger.Warnw("supervisor: kill worker", "error", err)
			}
		}
		if c := s.consumers.Worker; c != nil {
			c.WorkerError(perr)
		}
	case protocol.RegistryContribution:
		if c := s.consumers.Registry; c != nil {
			c.RegistryContributed(m.Registries)
		}
	case protocol.GraphSnapshot:
		if c := s.consumers.Graph; c != nil {
			c.GraphSnapshot(m.ProducerID, m.Snapshot)
		}
	case protocol.GraphPatch:
		if c := s.consumers.Graph; c != nil {
			c.GraphPatch(m.ProducerID, m.Patch)
		}
	case protocol.LauncherRegistered:
		if c := s.consumers.Launchers; c != nil {
			c.LauncherRegistered(m.Descriptor)
		}
	case protocol.LauncherLog:
		s.metrics.LauncherLog()
		if c := s.consumers.Launchers; c != nil {
			c.LauncherLog(m.LauncherID, m.Entry)
		}
	case protocol.ModuleActivationStatus:
		s.metrics.ModuleStatus(string(m.Status))
		if c := s.consumers.Modules; c != nil {
			c.ModuleStatus(m.ModuleID, m.Status, m.Error)
		}
	case protocol.SectionRegistered:
		if c := s.consumers.Sections; c != nil {
			c.SectionRegistered(m.Section)
		}
	case protocol.Correlated:
		s.resolve(m.Correlation(), msg)
	default:
		s.logger.Warnw("supervisor: ignoring unexpected message", "type", msg.Type())
	}
}

func (s *Supervisor) resolve(corr string, msg protocol.Message) {
	s.mu.Lock()
	ch, ok := s.pending[corr]
	delete(s.pending, corr)
	n := len(s.pending)
	s.mu.Unlock()
	if !ok {
		s.logger.Warnw("supervisor: reply for unknown correlation", "type", msg.Type(), "correlation", corr)
		return
	}
	s.metrics.PendingRequests(n)
	ch <- reply{msg: msg}
}

// notifyStarted completes a waiting Start. It reports false when no Start
// was waiting.
func (s *Supervisor) notifyStarted(err error) bool {
	s.mu.Lock()
	ch := s.started
	s.started = nil
	s.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- err:
	default:
	}
	return true
}

// exited runs on the reader goroutine once a generation is gone. Pending
// requests are rejected; an unexpected exit is restarted within budget.
func (s *Supervisor) exited(gen uint64, exitErr error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.proc, s.conn = nil, nil
	pending := s.pending
	s.pending = map[string]chan reply{}
	quit := s.quit
	s.mu.Unlock()

	s.metrics.PendingRequests(0)
	for corr, ch := range pending {
		ch <- reply{err: protocol.NewError(protocol.CodeWorkerCrashed, "worker exited before replying to %s", corr)}
	}

	if !s.restartEnabled.Load() {
		s.logger.Infow("supervisor: worker exited", "generation", gen, "error", exitErr)
		if s.State() != StateFailed {
			s.setState(StateStopped)
		}
		return
	}

	s.logger.Errorw("supervisor: worker exited unexpectedly", "generation", gen, "error", exitErr)
	if c := s.consumers.Worker; c != nil {
		c.WorkerError(protocol.NewError(protocol.CodeWorkerCrashed, "worker exited: %v", exitErr))
	}
	attempt := int(s.restarts.Load())
	if attempt >= s.settings.MaxRestarts {
		s.fail(fmt.Errorf("%w: worker crashed %d times in a row: %v", ErrRestartCeiling, attempt+1, exitErr))
		return
	}

	s.setState(StateCrashed)
	delay := s.settings.Delay(attempt)
	s.restarts.Inc()
	s.metrics.WorkerRestarted()
	s.logger.Warnw("supervisor: restarting worker", "attempt", attempt+1, "delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-quit:
		s.setState(StateStopped)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-quit:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := s.spawn(ctx); err != nil {
		if errors.Is(err, ErrStopped) || !s.restartEnabled.Load() {
			return
		}
		s.fail(fmt.Errorf("%w: respawn: %v", ErrRestartCeiling, err))
	}
}

func (s *Supervisor) fail(fatal error) {
	s.restartEnabled.Store(false)
	s.mu.Lock()
	s.fatal = fatal
	s.mu.Unlock()
	s.setState(StateFailed)
	s.logger.Errorw("supervisor: giving up on the worker", "error", fatal)
	s.notifyStarted(fatal)
	if c := s.consumers.Worker; c != nil {
		c.WorkerError(protocol.NewError(protocol.CodeWorkerCrashed, "%v", fatal))
	}
}

func (s *Supervisor) setState(next State) {
	prev := State(s.state.Swap(string(next)))
	if prev == next {
		return
	}
	s.metrics.WorkerState(string(next), stateNames)
	s.logger.Infow("supervisor: state", "from", prev, "to", next)
	if c := s.consumers.Worker; c != nil {
		c.WorkerState(next)
	}
}
