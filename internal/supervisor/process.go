package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/atomic"

	"github.com/kingrea/exthost/internal/logging"
	"github.com/kingrea/exthost/internal/protocol"
	"github.com/kingrea/exthost/internal/worker"
)

// Process is a running worker as seen by the supervisor. Stdout must be
// read to EOF before Wait is called.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Wait() error
	Kill() error
	PID() int
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(ctx context.Context) (Process, error)
}

// SpawnerFunc adapts a function into a Spawner.
type SpawnerFunc func(ctx context.Context) (Process, error)

// Spawn executes f(ctx).
func (f SpawnerFunc) Spawn(ctx context.Context) (Process, error) {
	return f(ctx)
}

// ExecSpawner runs the worker binary as a child process. The protocol
// travels over the child's stdin and stdout; its stderr goes to Stderr.
type ExecSpawner struct {
	Path   string
	Args   []string
	Env    []string
	Dir    string
	Stderr io.Writer
}

// Spawn starts one child process.
func (e ExecSpawner) Spawn(ctx context.Context) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.Path == "" {
		return nil, errors.New("supervisor: worker path is required")
	}
	cmd := exec.Command(e.Path, e.Args...)
	cmd.Dir = e.Dir
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Stderr = e.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: start %s: %w", e.Path, err)
	}
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *execProcess) Wait() error           { return p.cmd.Wait() }
func (p *execProcess) PID() int              { return p.cmd.Process.Pid }

func (p *execProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

var inProcessPIDs atomic.Int64

// InProcess runs the worker on goroutines of the host process, connected by
// pipes. It serves tests and single-binary setups; a panic escaping a
// module still takes the whole host down.
type InProcess struct {
	Options []worker.Option
}

// Spawn starts one in-process worker.
func (s InProcess) Spawn(ctx context.Context) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hostR, workerW := io.Pipe()
	workerR, hostW := io.Pipe()
	runCtx, cancel := context.WithCancel(context.Background())
	p := &pipeProcess{
		stdin:  hostW,
		stdout: hostR,
		cancel: cancel,
		done:   make(chan struct{}),
		pid:    int(inProcessPIDs.Inc()),
	}
	w := worker.New(protocol.NewConn(workerR, workerW, workerW), s.Options...)
	go func() {
		err := w.Run(runCtx)
		_ = workerW.Close()
		_ = workerR.Close()
		if p.killed.Load() {
			err = errors.New("supervisor: in-process worker killed")
		}
		p.err = err
		close(p.done)
	}()
	return p, nil
}

type pipeProcess struct {
	stdin  *io.PipeWriter
	stdout *io.PipeReader
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	killed atomic.Bool
	pid    int
}

func (p *pipeProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *pipeProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *pipeProcess) PID() int              { return p.pid }

func (p *pipeProcess) Wait() error {
	<-p.done
	p.cancel()
	return p.err
}

func (p *pipeProcess) Kill() error {
	p.killed.Store(true)
	p.cancel()
	_ = p.stdin.Close()
	return nil
}

// lineWriter forwards complete lines written by the worker's stderr into
// the host logger.
type lineWriter struct {
	logger *logging.Logger
	mu     sync.Mutex
	buf    bytes.Buffer
}

func newLineWriter(logger *logging.Logger) *lineWriter {
	return &lineWriter{logger: logger}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// incomplete line; keep it for the next write
			w.buf.Reset()
			w.buf.Write(line)
			return len(p), nil
		}
		if text := string(bytes.TrimRight(line, "\r\n")); text != "" {
			w.logger.Infow("worker", "line", text)
		}
	}
}

// StderrWriter returns a writer that copies worker stderr lines into
// logger. Pass it as ExecSpawner.Stderr.
func StderrWriter(logger *logging.Logger) io.Writer {
	return newLineWriter(logger)
}
