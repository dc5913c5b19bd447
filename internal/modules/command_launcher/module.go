// Package command_launcher is the built-in preview launcher. It runs the
// configured preview.command through the shell, streams its output as log
// entries and reports ready once preview.url answers.
package command_launcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flowchartsman/retry"

	"github.com/kingrea/exthost/extension"
	"github.com/kingrea/exthost/internal/module"
)

const (
	// Package is the specifier the module is registered under.
	Package       = "@exthost/command-launcher"
	moduleVersion = "1.0.0"

	defaultStartTimeout = 60 * time.Second
	defaultStopGrace    = 5 * time.Second
	probeInterval       = 100 * time.Millisecond
	maxProbeInterval    = time.Second
)

// SessionTypes lists the session types the launcher accepts.
var SessionTypes = []string{"dev", "preview"}

// Module registers one command launcher whose id is the module id.
type Module struct {
	module.Base
	launcher *Launcher
	grace    time.Duration
}

// Option customizes the module.
type Option func(*Module)

// WithStopGrace sets how long Stop waits after the interrupt before killing.
func WithStopGrace(d time.Duration) Option {
	return func(m *Module) {
		if d > 0 {
			m.grace = d
		}
	}
}

// Register installs the command launcher factory.
func Register(reg *module.Registry) {
	if reg == nil {
		return
	}
	reg.MustRegister(Package, func() module.Builtin {
		return New()
	})
}

// New constructs the module.
func New(opts ...Option) *Module {
	mod := &Module{
		Base: module.NewBase(module.Info{
			Package:     Package,
			Name:        "Command Launcher",
			Description: "Runs preview.command and waits for preview.url.",
			Version:     moduleVersion,
		}),
		grace: defaultStopGrace,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mod)
		}
	}
	return mod
}

// Activate registers the launcher.
func (m *Module) Activate(ctx *extension.Context) error {
	m.launcher = NewLauncher(ctx.ModuleID(), m.grace)
	ctx.Preview().RegisterLauncher(m.launcher)
	return nil
}

// Deactivate stops a running preview process.
func (m *Module) Deactivate() error {
	if m.launcher == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*m.grace)
	defer cancel()
	return m.launcher.Stop(ctx)
}

// Launcher runs one shell command at a time.
type Launcher struct {
	id    string
	grace time.Duration

	startMu sync.Mutex

	mu        sync.Mutex
	run       *run
	listeners map[int]func(extension.LogEntry)
	nextID    int
}

type run struct {
	cmd    *exec.Cmd
	result extension.LaunchResult
	done   chan struct{}
	err    error
}

// NewLauncher creates a launcher. grace <= 0 uses the default stop grace.
func NewLauncher(id string, grace time.Duration) *Launcher {
	if grace <= 0 {
		grace = defaultStopGrace
	}
	return &Launcher{id: id, grace: grace, listeners: map[int]func(extension.LogEntry){}}
}

// Descriptor implements extension.Launcher.
func (l *Launcher) Descriptor() extension.LauncherDescriptor {
	return extension.LauncherDescriptor{
		ID:                    l.id,
		DisplayName:           "Preview command",
		SupportedSessionTypes: append([]string(nil), SessionTypes...),
	}
}

// OnLog subscribes fn to output lines until the returned disposable runs.
func (l *Launcher) OnLog(fn func(extension.LogEntry)) extension.Disposable {
	if fn == nil {
		return extension.Nop
	}
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = fn
	l.mu.Unlock()
	return extension.DisposeFunc(func() error {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
		return nil
	})
}

// Running reports whether a process is alive.
func (l *Launcher) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.run != nil
}

// Start runs the command and blocks until it is ready. Starting while
// already running returns the existing result.
func (l *Launcher) Start(ctx context.Context, opts extension.LaunchOptions) (extension.LaunchResult, error) {
	l.startMu.Lock()
	defer l.startMu.Unlock()
	l.mu.Lock()
	if l.run != nil {
		result := l.run.result
		l.mu.Unlock()
		return result, nil
	}
	l.mu.Unlock()

	settings, err := parsePreview(opts.Preview)
	if err != nil {
		return extension.LaunchResult{}, err
	}

	cmd := exec.Command("sh", "-c", settings.command)
	cmd.Dir = opts.WorkspaceRoot
	cmd.Env = append(os.Environ(), envList(opts.Env)...)
	setProcessGroup(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return extension.LaunchResult{}, fmt.Errorf("command-launcher: stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return extension.LaunchResult{}, fmt.Errorf("command-launcher: stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return extension.LaunchResult{}, fmt.Errorf("command-launcher: start %q: %w", settings.command, err)
	}

	r := &run{
		cmd:    cmd,
		done:   make(chan struct{}),
		result: extension.LaunchResult{URL: settings.url, ProcessID: cmd.Process.Pid},
	}
	l.mu.Lock()
	l.run = r
	l.mu.Unlock()

	var streams sync.WaitGroup
	streams.Add(2)
	go l.scan(&streams, stdout, "stdout", "info")
	go l.scan(&streams, stderr, "stderr", "warn")
	go func() {
		streams.Wait()
		r.err = cmd.Wait()
		l.mu.Lock()
		if l.run == r {
			l.run = nil
		}
		l.mu.Unlock()
		close(r.done)
	}()
	l.emit("info", "", fmt.Sprintf("started %q (pid %d)", settings.command, r.result.ProcessID))

	if settings.url == "" {
		return r.result, nil
	}
	if err := l.waitReady(ctx, r, settings); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*l.grace)
		defer cancel()
		_ = l.stopRun(stopCtx, r)
		return extension.LaunchResult{}, err
	}
	l.emit("info", "", "ready at "+settings.url)
	return r.result, nil
}

// Stop interrupts the process group and kills it after the grace period.
// Stopping an idle launcher is a no-op.
func (l *Launcher) Stop(ctx context.Context) error {
	l.mu.Lock()
	r := l.run
	l.mu.Unlock()
	if r == nil {
		return nil
	}
	return l.stopRun(ctx, r)
}

func (l *Launcher) stopRun(ctx context.Context, r *run) error {
	select {
	case <-r.done:
		return nil
	default:
	}
	if err := interruptGroup(r.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		l.emit("warn", "", fmt.Sprintf("interrupt failed: %v", err))
	}
	timer := time.NewTimer(l.grace)
	defer timer.Stop()
	select {
	case <-r.done:
	case <-timer.C:
		_ = killGroup(r.cmd)
		<-r.done
	case <-ctx.Done():
		_ = killGroup(r.cmd)
		<-r.done
		return ctx.Err()
	}
	l.emit("info", "", "stopped")
	return nil
}

// waitReady probes the preview url until it answers, the process exits or
// the start timeout elapses.
func (l *Launcher) waitReady(ctx context.Context, r *run, settings previewSettings) error {
	probeCtx, cancel := context.WithTimeout(ctx, settings.startTimeout)
	defer cancel()
	go func() {
		select {
		case <-r.done:
			cancel()
		case <-probeCtx.Done():
		}
	}()

	client := &http.Client{
		Timeout:   maxProbeInterval,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
	attempts := int(settings.startTimeout/probeInterval) + 1
	retrier := retry.NewRetrier(attempts, probeInterval, maxProbeInterval)
	err := retrier.RunContext(probeCtx, func(ctx context.Context) error {
		return probe(ctx, client, settings.url)
	})
	if err == nil {
		return nil
	}
	select {
	case <-r.done:
		return fmt.Errorf("command-launcher: process exited before %s was ready: %v", settings.url, exitReason(r.err))
	default:
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("command-launcher: %s not ready after %s: %w", settings.url, settings.startTimeout, err)
}

func probe(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe %s: %s", url, resp.Status)
	}
	return nil
}

func exitReason(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

func (l *Launcher) scan(wg *sync.WaitGroup, rd io.Reader, stream, level string) {
	defer wg.Done()
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		l.emit(level, stream, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		l.emit("warn", stream, fmt.Sprintf("output truncated: %v", err))
		_, _ = io.Copy(io.Discard, rd)
	}
}

func (l *Launcher) emit(level, stream, message string) {
	entry := extension.LogEntry{Time: time.Now(), Level: level, Stream: stream, Message: message}
	l.mu.Lock()
	ids := make([]int, 0, len(l.listeners))
	for id := range l.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(extension.LogEntry), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.listeners[id])
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(entry)
	}
}

type previewSettings struct {
	command      string
	url          string
	startTimeout time.Duration
}

// parsePreview reads command, url and startTimeout from the preview section.
// startTimeout accepts a duration string or a number of seconds.
func parsePreview(preview map[string]any) (previewSettings, error) {
	settings := previewSettings{startTimeout: defaultStartTimeout}
	command, _ := preview["command"].(string)
	settings.command = strings.TrimSpace(command)
	if settings.command == "" {
		return settings, errors.New("command-launcher: preview.command is not configured")
	}
	url, _ := preview["url"].(string)
	settings.url = strings.TrimSpace(url)
	switch v := preview["startTimeout"].(type) {
	case nil:
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			secs, convErr := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if convErr != nil {
				return settings, fmt.Errorf("command-launcher: preview.startTimeout: %w", err)
			}
			d = time.Duration(secs * float64(time.Second))
		}
		settings.startTimeout = d
	case int:
		settings.startTimeout = time.Duration(v) * time.Second
	case float64:
		settings.startTimeout = time.Duration(v * float64(time.Second))
	default:
		return settings, fmt.Errorf("command-launcher: preview.startTimeout has unsupported type %T", v)
	}
	if settings.startTimeout <= 0 {
		settings.startTimeout = defaultStartTimeout
	}
	return settings, nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
