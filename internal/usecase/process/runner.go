package process

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"wave-agent/internal/domain"
)

// waitDelay bounds how long Wait keeps copying output after the shell exits
// while a detached grandchild still holds the pipes open.
const waitDelay = 2 * time.Second

// Command describes one shell invocation.
type Command struct {
	Command string
	Dir     string
	Env     map[string]string // merged over the inherited environment

	// Optional writers that receive a copy of every output chunk.
	Stdout io.Writer
	Stderr io.Writer
}

// RunResult is the final state of a run.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Aborted  bool
}

// OutputFunc receives the accumulated output after every chunk. The last
// call always has isRunning false, and no call follows it.
type OutputFunc func(stdout, stderr string, isRunning bool)

// Runner runs one shell command at a time and supports forced termination.
type Runner struct {
	logger    *slog.Logger
	maxOutput int

	mu     sync.Mutex
	active *activeRun
}

// NewRunner creates a Runner. maxOutput caps each accumulated stream in
// bytes; zero keeps everything.
func NewRunner(logger *slog.Logger, maxOutput int) *Runner {
	return &Runner{logger: logger, maxOutput: maxOutput}
}

// IsRunning reports whether a command is currently active.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// Abort force-kills the active command, if any. Run returns promptly with
// exit code 130 and the process exit is not reported.
func (r *Runner) Abort() {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()
	if active != nil {
		active.cancel()
	}
}

// Run spawns the command through the platform shell and blocks until it
// exits or is aborted through Abort or ctx. A second Run while one is
// active fails with domain.ErrCommandRunning. Spawn failures are reported
// in the output with exit code 1 rather than as an error.
func (r *Runner) Run(ctx context.Context, c Command, onUpdate OutputFunc) (*RunResult, error) {
	r.mu.Lock()
	if r.active != nil {
		r.mu.Unlock()
		return nil, domain.NewDomainError("Runner.Run", domain.ErrCommandRunning, c.Command)
	}
	runCtx, cancel := context.WithCancel(ctx)
	run := &activeRun{
		cancel:   cancel,
		onUpdate: onUpdate,
		stdout:   newOutputBuffer(r.maxOutput),
		stderr:   newOutputBuffer(r.maxOutput),
	}
	r.active = run
	r.mu.Unlock()

	defer func() {
		cancel()
		r.mu.Lock()
		r.active = nil
		r.mu.Unlock()
	}()

	if runCtx.Err() != nil {
		return run.finish(domain.ExitCodeKilled, true), nil
	}

	cmd := shellCommand(c.Command)
	cmd.Dir = c.Dir
	cmd.Env = mergeEnv(os.Environ(), c.Env)
	stderr := &streamWriter{run: run, buf: run.stderr, tee: c.Stderr}
	cmd.Stdout = &streamWriter{run: run, buf: run.stdout, tee: c.Stdout}
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	setupProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		r.logger.Warn("command spawn failed", "command", c.Command, "error", err)
		stderr.writeError(err)
		return run.finish(1, false), nil
	}
	r.logger.Debug("command started", "command", c.Command, "pid", cmd.Process.Pid, "dir", c.Dir)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case err := <-waitCh:
		code := exitCodeOf(cmd, err)
		r.logger.Debug("command exited", "command", c.Command, "exit_code", code)
		return run.finish(code, false), nil
	case <-runCtx.Done():
		res := run.finish(domain.ExitCodeKilled, true)
		if err := killProcessGroup(cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
			r.logger.Debug("kill command", "command", c.Command, "error", err)
		}
		// Reap in the background; the exit status is intentionally dropped.
		go func() { <-waitCh }()
		r.logger.Info("command aborted", "command", c.Command)
		return res, nil
	}
}

// activeRun is the bookkeeping of one Run call. mu serializes output
// callbacks so they arrive in order and never after the final one.
type activeRun struct {
	cancel   context.CancelFunc
	onUpdate OutputFunc
	stdout   *outputBuffer
	stderr   *outputBuffer

	mu     sync.Mutex
	closed bool
}

func (a *activeRun) write(buf *outputBuffer, tee io.Writer, p []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	buf.Write(p)
	if tee != nil {
		_, _ = tee.Write(p)
	}
	if a.onUpdate != nil {
		a.onUpdate(a.stdout.String(), a.stderr.String(), true)
	}
}

func (a *activeRun) finish(code int, aborted bool) *RunResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	res := &RunResult{
		ExitCode: code,
		Stdout:   a.stdout.String(),
		Stderr:   a.stderr.String(),
		Aborted:  aborted,
	}
	if !a.closed {
		a.closed = true
		if a.onUpdate != nil {
			a.onUpdate(res.Stdout, res.Stderr, false)
		}
	}
	return res
}

type streamWriter struct {
	run *activeRun
	buf *outputBuffer
	tee io.Writer
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.run.write(w.buf, w.tee, p)
	return len(p), nil
}

// writeError folds err into the stream like any other output so tee
// writers and onUpdate see it too.
func (w *streamWriter) writeError(err error) {
	line := "Error: " + err.Error()
	if w.buf.TotalWritten() > 0 {
		line = "\n" + line
	}
	_, _ = w.Write([]byte(line))
}

// exitCodeOf normalizes a Wait result. Signal deaths map to 130.
func exitCodeOf(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
		return domain.ExitCodeKilled
	}
	if cmd.ProcessState != nil {
		if code := cmd.ProcessState.ExitCode(); code >= 0 {
			return code
		}
		return domain.ExitCodeKilled
	}
	return 1
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}
