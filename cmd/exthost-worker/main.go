// cmd/exthost-worker/main.go
//
// The worker process. The host spawns it with the workspace as working
// directory and talks to it over stdin/stdout, one JSON message per line.
// Anything else the process prints must go to stderr, so os.Stdout is
// pointed at stderr before any module code runs.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/kingrea/exthost/internal/logging"
	"github.com/kingrea/exthost/internal/module"
	"github.com/kingrea/exthost/internal/modules"
	"github.com/kingrea/exthost/internal/protocol"
	"github.com/kingrea/exthost/internal/worker"
)

func main() {
	debug := flag.Bool("debug", false, "log at debug level")
	grace := flag.Duration("shutdown-grace", worker.DefaultShutdownGrace, "how long teardown may take")
	flag.Parse()

	channelOut := os.Stdout
	os.Stdout = os.Stderr

	level := zapcore.InfoLevel
	if *debug {
		level = zapcore.DebugLevel
	}
	logger := logging.NewConsole(os.Stderr, level)
	defer logger.Close()

	reg := module.NewRegistry()
	modules.RegisterBuiltins(reg)

	conn := protocol.NewConn(os.Stdin, channelOut, channelOut)
	w := worker.New(conn,
		worker.WithLogger(logger),
		worker.WithBuiltins(reg),
		worker.WithShutdownGrace(*grace),
		worker.WithModuleOutput(os.Stderr),
	)

	// The host ends the worker with a shutdown message. Ctrl-C in the host's
	// terminal reaches this process too and is left to the host; SIGTERM
	// covers a host that died without sending shutdown.
	signal.Ignore(os.Interrupt)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	started := time.Now()
	err := w.Run(ctx)
	logger.Infow("worker exited", "uptime", time.Since(started).Round(time.Millisecond).String())
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "exthost-worker: %v\n", err)
		logger.Close()
		os.Exit(1)
	}
}
