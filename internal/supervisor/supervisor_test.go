package supervisor

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kingrea/exthost/extension"
	"github.com/kingrea/exthost/graph"
	"github.com/kingrea/exthost/internal/config"
	"github.com/kingrea/exthost/internal/metrics"
	"github.com/kingrea/exthost/internal/module"
	"github.com/kingrea/exthost/internal/protocol"
	"github.com/kingrea/exthost/internal/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeProcess plays the worker side of the channel from inside the test.
type fakeProcess struct {
	hostR   *io.PipeReader
	hostW   *io.PipeWriter
	workerR *io.PipeReader
	workerW *io.PipeWriter
	conn    *protocol.Conn

	received chan protocol.Message
	done     chan struct{}
	once     sync.Once
	exitErr  error
}

type fakeBehavior struct {
	ready           bool
	ignoreStop      bool
	exitAtSpawn     bool
	initFailures    bool
	readyOnShutdown bool
}

func newFakeProcess(b fakeBehavior) *fakeProcess {
	p := &fakeProcess{
		received: make(chan protocol.Message, 64),
		done:     make(chan struct{}),
	}
	p.hostR, p.workerW = io.Pipe()
	p.workerR, p.hostW = io.Pipe()
	p.conn = protocol.NewConn(p.workerR, p.workerW, p.workerW)
	if b.exitAtSpawn {
		p.exit(errors.New("exit status 1"))
		return p
	}
	go p.loop(b)
	return p
}

func (p *fakeProcess) loop(b fakeBehavior) {
	for {
		msg, err := p.conn.Receive()
		if err != nil {
			p.exit(nil)
			return
		}
		select {
		case p.received <- msg:
		default:
		}
		switch msg.(type) {
		case protocol.Init:
			switch {
			case b.initFailures:
				_ = p.conn.Send(protocol.Failure{Error: protocol.NewError(protocol.CodeInitFailed, "bad workspace")})
			case b.ready:
				_ = p.conn.Send(protocol.ModuleActivationStatus{ModuleID: "m", Status: module.StatusActive})
				_ = p.conn.Send(protocol.Ready{})
			}
		case protocol.Shutdown:
			if b.readyOnShutdown {
				_ = p.conn.Send(protocol.Ready{})
			}
			if !b.ignoreStop {
				p.exit(nil)
				return
			}
		}
	}
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.exitErr = err
		_ = p.workerW.Close()
		_ = p.workerR.Close()
		close(p.done)
	})
}

func (p *fakeProcess) crash() { p.exit(errors.New("exit status 2")) }

func (p *fakeProcess) Stdin() io.WriteCloser { return p.hostW }
func (p *fakeProcess) Stdout() io.ReadCloser { return p.hostR }
func (p *fakeProcess) PID() int              { return 42 }

func (p *fakeProcess) Wait() error {
	<-p.done
	return p.exitErr
}

func (p *fakeProcess) Kill() error {
	p.exit(errors.New("killed"))
	return nil
}

// await returns the next message of type T the fake received.
func await[T protocol.Message](t *testing.T, p *fakeProcess) T {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-p.received:
			if typed, ok := msg.(T); ok {
				return typed
			}
		case <-timeout:
			var zero T
			t.Fatalf("fake worker never received %T", zero)
		}
	}
}

type fakeSpawner struct {
	mu       sync.Mutex
	behavior func(n int) fakeBehavior
	procs    []*fakeProcess
	spawned  chan *fakeProcess
}

func newFakeSpawner(behavior func(n int) fakeBehavior) *fakeSpawner {
	return &fakeSpawner{behavior: behavior, spawned: make(chan *fakeProcess, 16)}
}

func (f *fakeSpawner) Spawn(context.Context) (Process, error) {
	f.mu.Lock()
	p := newFakeProcess(f.behavior(len(f.procs)))
	f.procs = append(f.procs, p)
	f.mu.Unlock()
	f.spawned <- p
	return p, nil
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}

func (f *fakeSpawner) next(t *testing.T) *fakeProcess {
	t.Helper()
	select {
	case p := <-f.spawned:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("no process spawned")
		return nil
	}
}

func alwaysReady(int) fakeBehavior { return fakeBehavior{ready: true} }

func fastSettings() Settings {
	s := DefaultSettings()
	s.RestartDelay = time.Millisecond
	s.MaxRestartDelay = 5 * time.Millisecond
	s.ShutdownTimeout = time.Second
	s.ReadyTimeout = 5 * time.Second
	s.SpawnAttempts = 1
	return s
}

type recordingConsumer struct {
	mu       sync.Mutex
	states   []State
	errs     []*protocol.Error
	statuses map[string]module.Status
	contribs []extension.RegistryContribution
	launcher []extension.LauncherDescriptor
	resets   int
}

func (r *recordingConsumer) WorkerState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recordingConsumer) WorkerError(err *protocol.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingConsumer) ModuleStatus(id string, status module.Status, _ *protocol.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statuses == nil {
		r.statuses = map[string]module.Status{}
	}
	r.statuses[id] = status
}

func (r *recordingConsumer) RegistryContributed(c []extension.RegistryContribution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contribs = c
}

func (r *recordingConsumer) LauncherRegistered(d extension.LauncherDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.launcher = append(r.launcher, d)
}

func (r *recordingConsumer) LauncherLog(string, extension.LogEntry) {}

func (r *recordingConsumer) ResetWorkerState() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
}

func (r *recordingConsumer) sawState(s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.states {
		if got == s {
			return true
		}
	}
	return false
}

func cfg() *config.Config { return config.Default() }

func stop(t *testing.T, s *Supervisor) {
	t.Helper()
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, StateStopped, s.State())
}

func TestStartWaitsForReadyAndStopIsGraceful(t *testing.T) {
	spawner := newFakeSpawner(alwaysReady)
	consumer := &recordingConsumer{}
	s := New(spawner, WithSettings(fastSettings()), WithConsumers(ConsumersOf(consumer)))

	require.NoError(t, s.Start(context.Background(), "/ws", cfg()))
	assert.Equal(t, StateReady, s.State())
	p := spawner.next(t)
	initMsg := await[protocol.Init](t, p)
	assert.Equal(t, "/ws", initMsg.Workspace)
	assert.ErrorIs(t, s.Start(context.Background(), "/ws", cfg()), ErrRunning)

	stop(t, s)
	await[protocol.Shutdown](t, p)
	assert.True(t, consumer.sawState(StateStarting))
	assert.True(t, consumer.sawState(StateStopping))
	assert.Equal(t, module.StatusActive, consumer.statuses["m"])
	assert.Equal(t, 1, consumer.resets)
}

func TestStopKillsWorkerThatIgnoresShutdown(t *testing.T) {
	spawner := newFakeSpawner(func(int) fakeBehavior { return fakeBehavior{ready: true, ignoreStop: true} })
	settings := fastSettings()
	settings.ShutdownTimeout = 20 * time.Millisecond
	s := New(spawner, WithSettings(settings))

	require.NoError(t, s.Start(context.Background(), "", cfg()))
	stop(t, s)
	assert.Equal(t, 1, spawner.count(), "a stopped worker is not restarted")
}

func TestCrashRestartsAndRejectsPending(t *testing.T) {
	spawner := newFakeSpawner(alwaysReady)
	consumer := &recordingConsumer{}
	m := metrics.New()
	s := New(spawner, WithSettings(fastSettings()), WithConsumers(ConsumersOf(consumer)), WithMetrics(m))
	require.NoError(t, s.Start(context.Background(), "", cfg()))
	first := spawner.next(t)

	errs := make(chan error, 1)
	go func() {
		_, err := s.PromoteOverrides(context.Background(), []extension.Override{{Address: "a#1"}})
		errs <- err
	}()
	await[protocol.PromoteOverrides](t, first)
	first.crash()

	select {
	case err := <-errs:
		assert.Equal(t, protocol.CodeWorkerCrashed, protocol.CodeOf(err))
	case <-time.After(5 * time.Second):
		t.Fatal("pending request was not rejected")
	}

	second := spawner.next(t)
	await[protocol.Init](t, second)
	require.Eventually(t, func() bool { return s.State() == StateReady }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.Restarts(), "ready resets the counter")
	assert.True(t, consumer.sawState(StateCrashed))
	assert.Equal(t, 0, s.Pending())
	expected := `
# HELP exthost_worker_restarts_total Number of times the worker process was respawned after an unexpected exit.
# TYPE exthost_worker_restarts_total counter
exthost_worker_restarts_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "exthost_worker_restarts_total"))

	stop(t, s)
}

func TestRestartCeilingIsFatal(t *testing.T) {
	spawner := newFakeSpawner(func(int) fakeBehavior { return fakeBehavior{exitAtSpawn: true} })
	settings := fastSettings()
	settings.MaxRestarts = 2
	consumer := &recordingConsumer{}
	s := New(spawner, WithSettings(settings), WithConsumers(ConsumersOf(consumer)))

	err := s.Start(context.Background(), "", cfg())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRestartCeiling)
	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.Err(), ErrRestartCeiling)
	assert.Equal(t, 3, spawner.count(), "initial spawn plus two restarts")

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, StateFailed, s.State(), "the fatal state stays visible")
}

func TestInitFailedAbortsStart(t *testing.T) {
	spawner := newFakeSpawner(func(int) fakeBehavior { return fakeBehavior{initFailures: true} })
	s := New(spawner, WithSettings(fastSettings()))

	err := s.Start(context.Background(), "", cfg())
	assert.Equal(t, protocol.CodeInitFailed, protocol.CodeOf(err))
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, 1, spawner.count())
}

func TestRespawnThatFailsInitCountsAsCrash(t *testing.T) {
	spawner := newFakeSpawner(func(n int) fakeBehavior {
		if n == 0 {
			return fakeBehavior{ready: true}
		}
		return fakeBehavior{initFailures: true}
	})
	settings := fastSettings()
	settings.MaxRestarts = 2
	consumer := &recordingConsumer{}
	s := New(spawner, WithSettings(settings), WithConsumers(ConsumersOf(consumer)))
	require.NoError(t, s.Start(context.Background(), "", cfg()))

	spawner.next(t).crash()
	require.Eventually(t, func() bool { return s.State() == StateFailed }, 5*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, s.Err(), ErrRestartCeiling)
	assert.Equal(t, 3, spawner.count(), "initial spawn plus two respawns that failed init")

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, StateFailed, s.State())
}

func TestReadyAfterStopIsIgnored(t *testing.T) {
	spawner := newFakeSpawner(func(int) fakeBehavior { return fakeBehavior{readyOnShutdown: true} })
	consumer := &recordingConsumer{}
	s := New(spawner, WithSettings(fastSettings()), WithConsumers(ConsumersOf(consumer)))

	started := make(chan error, 1)
	go func() { started <- s.Start(context.Background(), "", cfg()) }()
	await[protocol.Init](t, spawner.next(t))

	stop(t, s)
	select {
	case err := <-started:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(5 * time.Second):
		t.Fatal("start did not return")
	}
	assert.False(t, consumer.sawState(StateReady))
	assert.Equal(t, StateStopped, s.State())
}

func TestReadyTimeout(t *testing.T) {
	spawner := newFakeSpawner(func(int) fakeBehavior { return fakeBehavior{} })
	settings := fastSettings()
	settings.ReadyTimeout = 30 * time.Millisecond
	s := New(spawner, WithSettings(settings))

	err := s.Start(context.Background(), "", cfg())
	assert.ErrorIs(t, err, ErrReadyTimeout)
	assert.Equal(t, StateStopped, s.State())
}

func TestRequestsWithoutWorkerAreUnavailable(t *testing.T) {
	s := New(newFakeSpawner(alwaysReady))
	_, err := s.StartLauncher(context.Background(), "x", extension.LaunchOptions{})
	assert.Equal(t, protocol.CodeWorkerUnavailable, protocol.CodeOf(err))
	assert.NoError(t, s.ConfigChanged(cfg()), "config is kept for the next init")
}

func TestRequestHonoursContext(t *testing.T) {
	spawner := newFakeSpawner(alwaysReady)
	s := New(spawner, WithSettings(fastSettings()))
	require.NoError(t, s.Start(context.Background(), "", cfg()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.StopLauncher(ctx, "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, s.Pending())
	stop(t, s)
}

func TestConfigChangedIsForwarded(t *testing.T) {
	spawner := newFakeSpawner(alwaysReady)
	s := New(spawner, WithSettings(fastSettings()))
	require.NoError(t, s.Start(context.Background(), "", cfg()))
	p := spawner.next(t)

	next := config.Default()
	next.Modules = []config.ModuleDescriptor{{ID: "x", Package: "@x/y"}}
	require.NoError(t, s.ConfigChanged(next))
	got := await[protocol.ConfigChanged](t, p)
	require.Len(t, got.Config.Modules, 1)
	stop(t, s)
}

// In-process runs against the real worker.

type promoter struct{}

func (promoter) ID() string { return "echo" }

func (promoter) Promote(_ context.Context, overrides []extension.Override) (extension.PromotionPlan, error) {
	plan := extension.PromotionPlan{}
	for _, o := range overrides {
		plan.Edits = append(plan.Edits, extension.Edit{File: "page.tsx", Address: o.Address})
	}
	return plan, nil
}

type producer struct{}

func (producer) ID() string { return "routes" }

func (producer) Initialize(context.Context) (graph.Snapshot, error) {
	return graph.Snapshot{Revision: 1, Nodes: []graph.Node{{Kind: graph.NodeRoute, ID: "/", Path: "/"}}}, nil
}

func (producer) Start(context.Context, func(graph.Patch)) error { return nil }

type hostModule struct{ module.Base }

func (hostModule) Activate(ctx *extension.Context) error {
	ctx.Save().RegisterPromoter(promoter{})
	ctx.Graph().RegisterProducer(producer{})
	ctx.Registry().ContributeRegistry(extension.Registry{"Card": {DisplayName: "Card"}})
	return nil
}

type graphRecorder struct {
	recordingConsumer
	snapshots chan graph.Snapshot
}

func (g *graphRecorder) GraphSnapshot(_ string, snap graph.Snapshot) { g.snapshots <- snap }
func (g *graphRecorder) GraphPatch(string, graph.Patch)             {}

func TestInProcessWorkerRoundTrip(t *testing.T) {
	reg := module.NewRegistry()
	reg.MustRegister("@test/host", func() module.Builtin {
		return hostModule{Base: module.NewBase(module.Info{Package: "@test/host", Name: "Host", Version: "1.0.0"})}
	})
	spawner := InProcess{Options: []worker.Option{worker.WithBuiltins(reg), worker.WithModuleOutput(io.Discard), worker.WithShutdownGrace(time.Second)}}
	consumer := &graphRecorder{snapshots: make(chan graph.Snapshot, 4)}
	s := New(spawner, WithSettings(fastSettings()), WithConsumers(ConsumersOf(consumer)))

	c := config.Default()
	c.Modules = []config.ModuleDescriptor{{ID: "host", Package: "@test/host"}}
	require.NoError(t, s.Start(context.Background(), t.TempDir(), c))

	plan, err := s.PromoteOverrides(context.Background(), []extension.Override{{Address: "page.tsx#hero"}})
	require.NoError(t, err)
	require.Len(t, plan.Edits, 1)
	assert.Equal(t, "page.tsx#hero", plan.Edits[0].Address)

	err = s.StopLauncher(context.Background(), "L3")
	assert.Equal(t, protocol.CodeLauncherNotFound, protocol.CodeOf(err))

	select {
	case snap := <-consumer.snapshots:
		assert.Equal(t, graph.Revision(1), snap.Revision)
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot forwarded")
	}
	consumer.mu.Lock()
	require.Len(t, consumer.contribs, 1)
	consumer.mu.Unlock()

	stop(t, s)
}

func TestInProcessInitFailure(t *testing.T) {
	s := New(InProcess{Options: []worker.Option{worker.WithModuleOutput(io.Discard)}}, WithSettings(fastSettings()))
	err := s.Start(context.Background(), "/definitely/not/here", config.Default())
	assert.Equal(t, protocol.CodeInitFailed, protocol.CodeOf(err))
	assert.Equal(t, StateStopped, s.State())
}
