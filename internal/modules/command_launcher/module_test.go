package command_launcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kingrea/exthost/extension"
	"github.com/kingrea/exthost/internal/module"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type logSink struct {
	mu      sync.Mutex
	entries []extension.LogEntry
}

func (s *logSink) add(e extension.LogEntry) {
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
}

func (s *logSink) find(stream, substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Stream == stream && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func options(t *testing.T, preview map[string]any) extension.LaunchOptions {
	return extension.LaunchOptions{SessionType: "dev", WorkspaceRoot: t.TempDir(), Preview: preview}
}

func stopOnCleanup(t *testing.T, l *Launcher) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.Stop(ctx)
	})
}

func TestStartStreamsOutputAndStops(t *testing.T) {
	l := NewLauncher("preview", time.Second)
	stopOnCleanup(t, l)
	sink := &logSink{}
	sub := l.OnLog(sink.add)
	defer sub.Dispose()

	result, err := l.Start(context.Background(), options(t, map[string]any{
		"command": "echo hello; echo oops 1>&2; sleep 30",
	}))
	require.NoError(t, err)
	assert.Positive(t, result.ProcessID)
	assert.Empty(t, result.URL)
	assert.True(t, l.Running())

	assert.Eventually(t, func() bool {
		return sink.find("stdout", "hello") && sink.find("stderr", "oops")
	}, 5*time.Second, 10*time.Millisecond)

	again, err := l.Start(context.Background(), options(t, map[string]any{"command": "true"}))
	require.NoError(t, err)
	assert.Equal(t, result, again, "second start returns the running process")

	require.NoError(t, l.Stop(context.Background()))
	assert.False(t, l.Running())
	require.NoError(t, l.Stop(context.Background()), "stopping twice is a no-op")
}

func TestStartPassesEnvAndWorkingDirectory(t *testing.T) {
	l := NewLauncher("preview", time.Second)
	stopOnCleanup(t, l)
	sink := &logSink{}
	l.OnLog(sink.add)

	opts := options(t, map[string]any{"command": `echo "$GREETING from $(pwd)"; sleep 30`})
	opts.Env = map[string]string{"GREETING": "hi"}
	_, err := l.Start(context.Background(), opts)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return sink.find("stdout", "hi from "+opts.WorkspaceRoot)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartWaitsForURL(t *testing.T) {
	var hits sync.WaitGroup
	hits.Add(1)
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(hits.Done)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	l := NewLauncher("preview", time.Second)
	stopOnCleanup(t, l)
	result, err := l.Start(context.Background(), options(t, map[string]any{
		"command": "sleep 30",
		"url":     srv.URL,
	}))
	require.NoError(t, err)
	assert.Equal(t, srv.URL, result.URL)
	hits.Wait()
}

func TestStartFailsWhenProcessExitsBeforeReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	l := NewLauncher("preview", time.Second)
	_, err := l.Start(context.Background(), options(t, map[string]any{
		"command":      "exit 3",
		"url":          srv.URL,
		"startTimeout": "10s",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited before")
	assert.Contains(t, err.Error(), "exit status 3")
	assert.False(t, l.Running())
}

func TestStartTimesOutAndStopsProcess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	l := NewLauncher("preview", time.Second)
	_, err := l.Start(context.Background(), options(t, map[string]any{
		"command":      "sleep 30",
		"url":          srv.URL,
		"startTimeout": "300ms",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ready")
	assert.False(t, l.Running())
}

func TestStartRequiresCommand(t *testing.T) {
	l := NewLauncher("preview", 0)
	_, err := l.Start(context.Background(), options(t, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "preview.command")
}

func TestParsePreviewStartTimeout(t *testing.T) {
	cases := []struct {
		value any
		want  time.Duration
	}{
		{nil, defaultStartTimeout},
		{"2s", 2 * time.Second},
		{"1.5", 1500 * time.Millisecond},
		{3, 3 * time.Second},
		{float64(0.25), 250 * time.Millisecond},
		{0, defaultStartTimeout},
	}
	for _, tc := range cases {
		settings, err := parsePreview(map[string]any{"command": "true", "startTimeout": tc.value})
		require.NoError(t, err, "%v", tc.value)
		assert.Equal(t, tc.want, settings.startTimeout, "%v", tc.value)
	}
	_, err := parsePreview(map[string]any{"command": "true", "startTimeout": "soon"})
	assert.Error(t, err)
	_, err = parsePreview(map[string]any{"command": "true", "startTimeout": []string{"x"}})
	assert.Error(t, err)
}

type launcherHook struct {
	launchers []extension.Launcher
}

func (h *launcherHook) RegisterLauncher(l extension.Launcher) extension.Disposable {
	h.launchers = append(h.launchers, l)
	return extension.Nop
}

func TestActivateRegistersLauncherAndDeactivateStops(t *testing.T) {
	hook := &launcherHook{}
	mod := New(WithStopGrace(time.Second))
	require.NoError(t, mod.Activate(extension.NewContext("preview-cmd", t.TempDir(), extension.Hooks{Preview: hook})))
	require.Len(t, hook.launchers, 1)
	desc := hook.launchers[0].Descriptor()
	assert.Equal(t, "preview-cmd", desc.ID)
	assert.Equal(t, SessionTypes, desc.SupportedSessionTypes)

	_, err := hook.launchers[0].Start(context.Background(), options(t, map[string]any{"command": "sleep 30"}))
	require.NoError(t, err)
	require.NoError(t, mod.Deactivate())
	assert.False(t, mod.launcher.Running())
}

func TestRegister(t *testing.T) {
	reg := module.NewRegistry()
	Register(reg)
	mod, err := reg.Resolve(Package)
	require.NoError(t, err)
	assert.Equal(t, "Command Launcher", mod.Info().Name)
}
