// cmd/exthost/main.go
//
// This is the entry point for the extension host.
// Run it from a workspace directory (or pass -workspace).
//
// Flow:
// 1. Make sure .exthost exists and load its config
// 2. Start the worker under the supervisor and wait for ready
// 3. Serve the inspector and run the dashboard until the user quits

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap/zapcore"

	"github.com/kingrea/exthost/internal/config"
	"github.com/kingrea/exthost/internal/hoststate"
	"github.com/kingrea/exthost/internal/inspector"
	"github.com/kingrea/exthost/internal/logging"
	"github.com/kingrea/exthost/internal/metrics"
	"github.com/kingrea/exthost/internal/module"
	"github.com/kingrea/exthost/internal/modules"
	"github.com/kingrea/exthost/internal/supervisor"
	"github.com/kingrea/exthost/internal/tui"
	"github.com/kingrea/exthost/internal/worker"
)

const workerBinary = "exthost-worker"

func main() {
	if handleValidateCommand() {
		return
	}

	workspaceFlag := flag.String("workspace", "", "workspace root (defaults to cwd)")
	workerPath := flag.String("worker", "", "path to the exthost-worker binary (defaults to the one next to this executable)")
	inProcess := flag.Bool("in-process", false, "run the worker inside this process instead of a child process")
	noTUI := flag.Bool("no-tui", false, "run headless until interrupted")
	debug := flag.Bool("debug", false, "log at debug level")
	flag.Parse()

	root, err := workspaceRoot(*workspaceFlag)
	if err != nil {
		die("resolve workspace: %v", err)
	}
	if err := config.InitWorkspaceDir(root); err != nil {
		die("init .exthost: %v", err)
	}
	cfg, err := config.Load(root)
	if err != nil {
		die("load config: %v", err)
	}

	level := zapcore.InfoLevel
	if *debug {
		level = zapcore.DebugLevel
	}
	logger, err := logging.New(root, level)
	if err != nil {
		die("open log: %v", err)
	}
	defer logger.Close()

	ws, err := config.NewWorkspace(root)
	if err != nil {
		die("resolve workspace: %v", err)
	}
	m := metrics.New()
	host := hoststate.New(cfg,
		hoststate.WithLogger(logger.Named("host")),
		hoststate.WithMetrics(m),
		hoststate.WithLauncherLogDir(ws.LauncherLogsDir()),
	)

	spawner, err := newSpawner(*workerPath, *inProcess, root, logger, level)
	if err != nil {
		die("%v", err)
	}
	sup := supervisor.New(spawner,
		supervisor.WithSettings(supervisor.SettingsFromConfig(cfg)),
		supervisor.WithLogger(logger.Named("supervisor")),
		supervisor.WithMetrics(m),
		supervisor.WithConsumers(host.Consumers()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := inspector.NewServer(inspector.SettingsFromConfig(cfg), host,
		inspector.WithController(sup),
		inspector.WithMetrics(m),
		inspector.WithLogger(logger.Named("inspector")),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, inspector.ErrDisabled) {
		logger.Warnw("inspector unavailable", "error", err)
	}

	watcher := newConfigWatcher(ws.ConfigPath(), sup, logger.Named("config"))
	go watcher.Run(ctx)

	startErr := make(chan error, 1)
	go func() {
		startErr <- sup.Start(ctx, root, cfg)
	}()

	exitCode := 0
	if *noTUI {
		if err := <-startErr; err != nil {
			logger.Errorw("worker failed to start", "error", err)
			fmt.Fprintf(os.Stderr, "worker failed to start: %v\n", err)
			exitCode = 1
		} else {
			if url := server.BaseURL(); url != "" {
				fmt.Printf("exthost ready, inspector at %s\n", url)
			}
			<-ctx.Done()
		}
	} else {
		go func() {
			if err := <-startErr; err != nil {
				logger.Errorw("worker failed to start", "error", err)
			}
		}()
		app := tui.NewApp(host,
			tui.WithController(sup),
			tui.WithLogger(logger.Named("tui")),
		)
		p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(ctx))
		if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			logger.Errorw("dashboard exited", "error", err)
			fmt.Fprintf(os.Stderr, "Error running TUI: %v\n", err)
			exitCode = 1
		}
		app.Close()
	}

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), sup.Settings().ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := sup.Stop(shutdownCtx); err != nil {
		logger.Warnw("stopping worker", "error", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("stopping inspector", "error", err)
	}
	if exitCode != 0 {
		logger.Close()
		os.Exit(exitCode)
	}
}

func workspaceRoot(flagValue string) (string, error) {
	root := flagValue
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		root = cwd
	}
	return filepath.Abs(root)
}

// newSpawner picks the in-process worker or the worker binary. The binary
// is looked up next to this executable first, then on PATH.
func newSpawner(path string, inProcess bool, root string, logger *logging.Logger, level zapcore.Level) (supervisor.Spawner, error) {
	if inProcess {
		reg := module.NewRegistry()
		modules.RegisterBuiltins(reg)
		return supervisor.InProcess{Options: []worker.Option{
			worker.WithLogger(logger.Named("worker")),
			worker.WithBuiltins(reg),
			worker.WithModuleOutput(supervisor.StderrWriter(logger.Named("module"))),
		}}, nil
	}
	if path == "" {
		resolved, err := locateWorker()
		if err != nil {
			return nil, err
		}
		path = resolved
	}
	args := []string{}
	if level == zapcore.DebugLevel {
		args = append(args, "-debug")
	}
	return supervisor.ExecSpawner{
		Path:   path,
		Args:   args,
		Dir:    root,
		Stderr: supervisor.StderrWriter(logger.Named("worker")),
	}, nil
}

func locateWorker() (string, error) {
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), workerBinary)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	path, err := exec.LookPath(workerBinary)
	if err != nil {
		return "", fmt.Errorf("locate %s (use -worker or -in-process): %w", workerBinary, err)
	}
	return path, nil
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
