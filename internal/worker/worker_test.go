package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kingrea/exthost/extension"
	"github.com/kingrea/exthost/internal/config"
	"github.com/kingrea/exthost/internal/logging"
	"github.com/kingrea/exthost/internal/module"
	"github.com/kingrea/exthost/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	conn     *protocol.Conn
	incoming chan protocol.Message
	done     chan error
}

func startWorker(t *testing.T, reg *module.Registry, opts ...Option) *harness {
	t.Helper()
	hostR, workerW := io.Pipe()
	workerR, hostW := io.Pipe()
	workerConn := protocol.NewConn(workerR, workerW, workerW)
	h := &harness{
		conn:     protocol.NewConn(hostR, hostW, hostW),
		incoming: make(chan protocol.Message, 1024),
		done:     make(chan error, 1),
	}
	opts = append([]Option{WithBuiltins(reg), WithShutdownGrace(time.Second), WithModuleOutput(io.Discard)}, opts...)
	w := New(workerConn, opts...)
	go func() {
		h.done <- w.Run(context.Background())
		_ = workerConn.Close()
	}()
	go func() {
		defer close(h.incoming)
		for {
			msg, err := h.conn.Receive()
			if err != nil {
				return
			}
			h.incoming <- msg
		}
	}()
	return h
}

// next returns the first message of type T, skipping others.
func next[T protocol.Message](t *testing.T, h *harness) T {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-h.incoming:
			require.True(t, ok, "worker closed the channel")
			if typed, ok := msg.(T); ok {
				return typed
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
		}
	}
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	require.NoError(t, h.conn.Send(protocol.Shutdown{}))
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	_ = h.conn.Close()
	for range h.incoming {
	}
}

type panicLauncher struct{}

func (panicLauncher) Descriptor() extension.LauncherDescriptor {
	return extension.LauncherDescriptor{ID: "boom", DisplayName: "Boom"}
}

func (panicLauncher) Start(context.Context, extension.LaunchOptions) (extension.LaunchResult, error) {
	panic("launcher exploded")
}

func (panicLauncher) Stop(context.Context) error { return nil }

func (panicLauncher) OnLog(func(extension.LogEntry)) extension.Disposable { return extension.Nop }

type launcherModule struct {
	module.Base
}

func (launcherModule) Activate(ctx *extension.Context) error {
	ctx.Preview().RegisterLauncher(panicLauncher{})
	ctx.Registry().ContributeRegistry(extension.Registry{"Card": {DisplayName: "Card"}})
	return nil
}

func builtins() *module.Registry {
	reg := module.NewRegistry()
	reg.MustRegister("@test/launcher", func() module.Builtin {
		return launcherModule{Base: module.NewBase(module.Info{Package: "@test/launcher", Name: "Launcher", Version: "1.0.0"})}
	})
	return reg
}

func TestRequestsBeforeInitAreRejected(t *testing.T) {
	h := startWorker(t, builtins())

	require.NoError(t, h.conn.Send(protocol.PromoteOverrides{CorrelationID: "p1"}))
	promoteErr := next[protocol.PromotionError](t, h)
	assert.Equal(t, "p1", promoteErr.CorrelationID)
	assert.Equal(t, protocol.CodeNotInitialized, promoteErr.Error.Code)

	require.NoError(t, h.conn.Send(protocol.StartLauncher{LauncherID: "boom", CorrelationID: "s1"}))
	launcherErr := next[protocol.LauncherError](t, h)
	assert.Equal(t, "s1", launcherErr.CorrelationID)
	assert.Equal(t, protocol.CodeNotInitialized, launcherErr.Error.Code)

	h.stop(t)
}

func TestInitActivatesModulesThenReady(t *testing.T) {
	h := startWorker(t, builtins())
	cfg := &config.Config{SchemaVersion: "1.0.0", Modules: []config.ModuleDescriptor{
		{ID: "launcher", Package: "@test/launcher"},
		{ID: "missing", Package: "@test/missing"},
	}}
	require.NoError(t, h.conn.Send(protocol.Init{Workspace: t.TempDir(), Config: cfg}))

	registered := next[protocol.LauncherRegistered](t, h)
	assert.Equal(t, "boom", registered.Descriptor.ID)
	contribution := next[protocol.RegistryContribution](t, h)
	require.Len(t, contribution.Registries, 1)
	next[protocol.Ready](t, h)

	require.NoError(t, h.conn.Send(protocol.PromoteOverrides{CorrelationID: "p", Overrides: []extension.Override{{Address: "a#1"}}}))
	result := next[protocol.PromotionResult](t, h)
	require.Len(t, result.Plan.Failed, 1)
	assert.Equal(t, string(protocol.CodeUnpromotable), result.Plan.Failed[0].Result.Code)

	require.NoError(t, h.conn.Send(protocol.StopLauncher{LauncherID: "L3", CorrelationID: "corr"}))
	notFound := next[protocol.LauncherError](t, h)
	assert.Equal(t, "corr", notFound.CorrelationID)
	assert.Equal(t, protocol.CodeLauncherNotFound, notFound.Error.Code)

	require.NoError(t, h.conn.Send(protocol.StartLauncher{LauncherID: "boom", CorrelationID: "s"}))
	failure := next[protocol.Failure](t, h)
	assert.Equal(t, protocol.CodeUnhandledRejection, failure.Error.Code)
	assert.Contains(t, failure.Error.Message, "launcher exploded")

	h.stop(t)
}

func TestActivationSummaryIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := startWorker(t, builtins(), WithLogger(logging.NewWithCore(core)))
	cfg := &config.Config{SchemaVersion: "1.0.0", Modules: []config.ModuleDescriptor{{ID: "launcher", Package: "@test/launcher"}}}
	require.NoError(t, h.conn.Send(protocol.Init{Workspace: t.TempDir(), Config: cfg}))
	next[protocol.Ready](t, h)

	ready := logs.FilterMessage("worker: ready").All()
	require.Len(t, ready, 1)
	fields := ready[0].ContextMap()
	assert.Equal(t, []any{"launcher"}, fields["modules"])
	assert.Equal(t, []any{"boom"}, fields["launchers"])

	require.NoError(t, h.conn.Send(protocol.ConfigChanged{Config: config.Default()}))
	require.Eventually(t, func() bool {
		return logs.FilterMessage("worker: reloaded").Len() == 1
	}, 5*time.Second, 5*time.Millisecond)
	reloaded := logs.FilterMessage("worker: reloaded").All()[0].ContextMap()
	assert.Equal(t, []any{}, reloaded["modules"])

	h.stop(t)
}

func TestInitFailsForMissingWorkspace(t *testing.T) {
	h := startWorker(t, builtins())
	require.NoError(t, h.conn.Send(protocol.Init{Workspace: "/definitely/not/here", Config: config.Default()}))
	failure := next[protocol.Failure](t, h)
	assert.Equal(t, protocol.CodeInitFailed, failure.Error.Code)
	h.stop(t)
}

func TestEndOfInputStopsWorker(t *testing.T) {
	h := startWorker(t, builtins())
	require.NoError(t, h.conn.Close())
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop on EOF")
	}
	for range h.incoming {
	}
}

type recordingTransport struct {
	mu   sync.Mutex
	sent []protocol.Message
}

func (r *recordingTransport) Send(m protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, m)
	return nil
}

func (r *recordingTransport) Receive() (protocol.Message, error) {
	return nil, errors.New("not used")
}

func TestDispatchPanicIsReported(t *testing.T) {
	transport := &recordingTransport{}
	w := New(transport)
	w.phase.Store(int32(phaseReady))
	w.registries = nil

	done := w.dispatch(protocol.StartLauncher{LauncherID: "x", CorrelationID: "c"})

	assert.False(t, done)
	require.Len(t, transport.sent, 1)
	failure := transport.sent[0].(protocol.Failure)
	assert.Equal(t, protocol.CodeUncaughtException, failure.Error.Code)
	assert.NotEmpty(t, failure.Error.Stack)
	w.cancel()
}
