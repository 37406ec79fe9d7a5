package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randomizedcoder/go-autodetect/internal/errkind"
	"github.com/randomizedcoder/go-autodetect/internal/logging"
)

const (
	// DefaultStatePersistTimeout bounds the wait for persisted state while
	// closing.
	DefaultStatePersistTimeout = 30 * time.Second

	// DefaultLogDrainTimeout bounds the wait for the log loop while closing.
	DefaultLogDrainTimeout = 2 * time.Second

	// DefaultStopGrace is how long a closed engine may take to exit before
	// its process group is signalled.
	DefaultStopGrace = 10 * time.Second
)

// StateSink receives the state documents an engine persists.
type StateSink interface {
	PersistState(ctx context.Context, jobID string, doc []byte) error
}

// StateSinkFunc adapts a function to StateSink.
type StateSinkFunc func(ctx context.Context, jobID string, doc []byte) error

// PersistState calls f.
func (f StateSinkFunc) PersistState(ctx context.Context, jobID string, doc []byte) error {
	return f(ctx, jobID, doc)
}

// Callbacks contains optional callback functions for process events.
type Callbacks struct {
	// OnStart is called when the engine process starts.
	OnStart func(jobID string, pid int)

	// OnExit is called when the engine process has been reaped.
	OnExit func(jobID string, exitCode int, uptime time.Duration)

	// OnCrash is called at most once, when the engine's log channel ends
	// without a close having been initiated.
	OnCrash func(jobID string, err error)

	// OnStateDoc is called after each state document is persisted.
	OnStateDoc func(jobID string, size int, err error)
}

// Config holds configuration for starting a Controller.
type Config struct {
	JobID     string
	Runner    Runner
	StateSink StateSink // optional; state is drained and dropped without one
	Logger    *slog.Logger
	Callbacks Callbacks

	// Verbose re-logs all engine log lines without throttling.
	Verbose bool

	// ErrorLines is the number of engine error lines kept for diagnostics.
	ErrorLines int

	StatePersistTimeout time.Duration
	LogDrainTimeout     time.Duration
	StopGrace           time.Duration
}

// Controller owns one running engine process: its pipes, its log and
// state loops, and its shutdown.
type Controller struct {
	jobID     string
	engine    string
	logger    *slog.Logger
	callbacks Callbacks
	sink      StateSink
	logs      *logging.EngineLogHandler

	statePersistTimeout time.Duration
	logDrainTimeout     time.Duration
	stopGrace           time.Duration

	cmd       *exec.Cmd
	startTime time.Time

	stdin  *os.File
	stdout *os.File
	stderr *os.File
	state  *os.File

	alive          atomic.Bool
	closeInitiated atomic.Bool
	killed         atomic.Bool

	crashOnce sync.Once

	logDone   chan struct{}
	stateDone chan struct{}
	exited    chan struct{}
	waitErr   error

	closeOnce   sync.Once
	closed      chan struct{}
	releaseOnce sync.Once

	stateDocs atomic.Int64
}

// Start launches the engine for cfg.JobID. The returned controller is
// alive until the engine's log channel ends.
func Start(cfg Config) (*Controller, error) {
	if cfg.Runner == nil {
		return nil, errkind.Config("start_process", errors.New("runner is required"))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("job_id", cfg.JobID)

	cmd, err := cfg.Runner.BuildCommand(cfg.JobID)
	if err != nil {
		logger.Error("failed_to_build_command", "error", err)
		return nil, errkind.WithJob(errkind.Config("build_command", err), cfg.JobID)
	}

	c := &Controller{
		jobID:               cfg.JobID,
		engine:              cfg.Runner.Name(),
		logger:              logger,
		callbacks:           cfg.Callbacks,
		sink:                cfg.StateSink,
		logs:                logging.NewEngineLogHandler(cfg.JobID, logger, cfg.Verbose, cfg.ErrorLines),
		statePersistTimeout: orDefault(cfg.StatePersistTimeout, DefaultStatePersistTimeout),
		logDrainTimeout:     orDefault(cfg.LogDrainTimeout, DefaultLogDrainTimeout),
		stopGrace:           orDefault(cfg.StopGrace, DefaultStopGrace),
		cmd:                 cmd,
		logDone:             make(chan struct{}),
		stateDone:           make(chan struct{}),
		exited:              make(chan struct{}),
		closed:              make(chan struct{}),
	}

	if err := c.start(); err != nil {
		logger.Error("failed_to_start_process", "error", err)
		return nil, errkind.WithJob(errkind.IO("start_process", err), cfg.JobID)
	}
	return c, nil
}

// start creates the four pipes, starts the process and the loops. The
// child ends are closed in the parent once the child holds them so that
// EOF is seen when the engine exits.
func (c *Controller) start() error {
	var childEnds, parentEnds []*os.File
	cleanup := func() {
		for _, f := range append(childEnds, parentEnds...) {
			f.Close()
		}
	}

	pipe := func() (r, w *os.File, err error) {
		r, w, err = os.Pipe()
		if err != nil {
			return nil, nil, fmt.Errorf("create pipe: %w", err)
		}
		return r, w, nil
	}

	stdinR, stdinW, err := pipe()
	if err != nil {
		return err
	}
	childEnds, parentEnds = append(childEnds, stdinR), append(parentEnds, stdinW)

	stdoutR, stdoutW, err := pipe()
	if err != nil {
		cleanup()
		return err
	}
	childEnds, parentEnds = append(childEnds, stdoutW), append(parentEnds, stdoutR)

	stderrR, stderrW, err := pipe()
	if err != nil {
		cleanup()
		return err
	}
	childEnds, parentEnds = append(childEnds, stderrW), append(parentEnds, stderrR)

	stateR, stateW, err := pipe()
	if err != nil {
		cleanup()
		return err
	}
	childEnds, parentEnds = append(childEnds, stateW), append(parentEnds, stateR)

	c.cmd.Stdin = stdinR
	c.cmd.Stdout = stdoutW
	c.cmd.Stderr = stderrW
	c.cmd.ExtraFiles = []*os.File{stateW}
	setProcessGroup(c.cmd)

	c.startTime = time.Now()
	if err := c.cmd.Start(); err != nil {
		cleanup()
		return err
	}
	for _, f := range childEnds {
		f.Close()
	}

	c.stdin, c.stdout, c.stderr, c.state = stdinW, stdoutR, stderrR, stateR
	c.alive.Store(true)

	pid := c.cmd.Process.Pid
	c.logger.Info("process_started", "pid", pid, "engine", c.engine)
	if c.callbacks.OnStart != nil {
		c.callbacks.OnStart(c.jobID, pid)
	}

	go c.reap()
	go c.logLoop()
	go c.stateLoop()
	return nil
}

// reap waits for the process so it never lingers as a zombie.
func (c *Controller) reap() {
	err := c.cmd.Wait()
	c.waitErr = err
	close(c.exited)

	uptime := time.Since(c.startTime)
	code := exitCode(err)
	c.logger.Info("process_exited",
		"pid", c.cmd.Process.Pid,
		"exit_code", code,
		"uptime", uptime.String(),
		"killed", c.killed.Load(),
	)
	if c.callbacks.OnExit != nil {
		c.callbacks.OnExit(c.jobID, code, uptime)
	}
}

// logLoop tails the engine's log channel. The engine is alive until the
// channel ends; an end that no close initiated is a crash.
func (c *Controller) logLoop() {
	defer close(c.logDone)

	if err := c.logs.HandleReader(c.stderr); err != nil {
		c.logger.Warn("engine_log_read_failed", "error", err)
	}
	c.alive.Store(false)

	if c.closeInitiated.Load() {
		return
	}
	c.crashOnce.Do(func() {
		err := c.crashError()
		c.logger.Error("process_crashed", "error", err, "recent_errors", c.logs.RecentErrors())
		if c.callbacks.OnCrash != nil {
			c.callbacks.OnCrash(c.jobID, err)
		}
	})
}

func (c *Controller) crashError() error {
	msg := "engine log channel closed unexpectedly"
	if fatal, ok := c.logs.Fatal(); ok {
		msg = fatal
	} else if errs := c.logs.RecentErrors(); len(errs) > 0 {
		msg = errs[len(errs)-1]
	}
	return errkind.WithJob(errkind.Crashed("process", errors.New(msg)), c.jobID)
}

// stateLoop drains persisted state documents. Documents are separated by
// NUL bytes.
func (c *Controller) stateLoop() {
	defer close(c.stateDone)

	sc := bufio.NewScanner(c.state)
	sc.Buffer(make([]byte, 64*1024), 256*1024*1024)
	sc.Split(splitNUL)
	for sc.Scan() {
		doc := bytes.TrimSpace(sc.Bytes())
		if len(doc) == 0 {
			continue
		}
		c.persistState(append([]byte(nil), doc...))
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		c.logger.Warn("state_read_failed", "error", err)
	}
}

func (c *Controller) persistState(doc []byte) {
	c.stateDocs.Add(1)
	var err error
	if c.sink != nil {
		err = c.sink.PersistState(context.Background(), c.jobID, doc)
	}
	if err != nil {
		c.logger.Error("state_persist_failed", "bytes", len(doc), "error", err)
	} else {
		c.logger.Debug("state_persisted", "bytes", len(doc))
	}
	if c.callbacks.OnStateDoc != nil {
		c.callbacks.OnStateDoc(c.jobID, len(doc), err)
	}
}

// splitNUL is a bufio.SplitFunc for NUL-terminated documents. A trailing
// document without a terminator is returned at EOF.
func splitNUL(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Input returns the engine's input pipe.
func (c *Controller) Input() io.Writer {
	return c.stdin
}

// Output returns the engine's result pipe.
func (c *Controller) Output() io.Reader {
	return c.stdout
}

// IsAlive reports whether the engine's log channel is still open and the
// process has not been killed.
func (c *Controller) IsAlive() bool {
	return c.alive.Load()
}

// StartTime returns when the process was started.
func (c *Controller) StartTime() time.Time {
	return c.startTime
}

// Pid returns the process id.
func (c *Controller) Pid() int {
	return c.cmd.Process.Pid
}

// RecentErrors returns the engine's most recent error log lines.
func (c *Controller) RecentErrors() []string {
	return c.logs.RecentErrors()
}

// Logs returns the handler tailing the engine's log channel.
func (c *Controller) Logs() *logging.EngineLogHandler {
	return c.logs
}

// StateDocs returns the number of state documents received.
func (c *Controller) StateDocs() int64 {
	return c.stateDocs.Load()
}

// Exited is closed once the process has been reaped.
func (c *Controller) Exited() <-chan struct{} {
	return c.exited
}

// ExitCode returns the exit code, or -1 while the process is running.
func (c *Controller) ExitCode() int {
	select {
	case <-c.exited:
		return exitCode(c.waitErr)
	default:
		return -1
	}
}

// Close shuts the engine down: it closes the input pipe, waits for the
// state loop (bounded), waits briefly for the log loop and reaps the
// process. A fatal error in the engine's log is reported as
// ProcessCrashed. Only the first call does any work; later calls return
// nil.
func (c *Controller) Close(ctx context.Context, restart bool, reason string) error {
	var err error
	first := false
	c.closeOnce.Do(func() {
		first = true
		err = c.close(ctx, restart, reason)
		close(c.closed)
	})
	if !first {
		<-c.closed
		return nil
	}
	return err
}

func (c *Controller) close(ctx context.Context, restart bool, reason string) error {
	c.closeInitiated.Store(true)
	c.logger.Info("process_closing", "reason", reason, "restart", restart)
	start := time.Now()

	if err := c.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		c.logger.Warn("input_close_failed", "error", err)
	}

	if !c.waitFor(ctx, c.stateDone, c.statePersistTimeout) {
		err := errkind.Timeout("state_persist", fmt.Errorf("state not persisted within %s", c.statePersistTimeout))
		c.logger.Warn("state_persist_timeout", "timeout", c.statePersistTimeout.String(), "error", err)
	}

	if !c.waitFor(ctx, c.logDone, c.logDrainTimeout) {
		c.logger.Warn("log_drain_timeout", "timeout", c.logDrainTimeout.String())
	}

	if !c.waitFor(ctx, c.exited, c.stopGrace) {
		forced := terminateGroup(c.cmd, c.exited, c.stopGrace)
		c.logger.Warn("process_terminated", "forced_kill", forced)
	}
	c.alive.Store(false)

	c.logger.Info("process_closed",
		"reason", reason,
		"exit_code", exitCode(c.waitErr),
		"duration", time.Since(start).String(),
		"state_docs", c.stateDocs.Load(),
	)

	if fatal, ok := c.logs.Fatal(); ok {
		return errkind.WithJob(errkind.Crashed("close", fmt.Errorf("engine reported fatal error: %s", fatal)), c.jobID)
	}
	return nil
}

// waitFor waits for ch to close, for at most timeout or until ctx is done.
func (c *Controller) waitFor(ctx context.Context, ch <-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Kill marks the engine dead and sends SIGKILL to its process group. It
// does not wait and never fires the crash callback.
func (c *Controller) Kill() {
	c.killed.Store(true)
	c.closeInitiated.Store(true)
	c.alive.Store(false)
	c.logger.Warn("process_killed", "pid", c.cmd.Process.Pid)
	if err := killGroup(c.cmd); err != nil {
		c.logger.Warn("process_kill_failed", "error", err)
	}
	c.stdin.Close()
}

// Killed reports whether Kill was called.
func (c *Controller) Killed() bool {
	return c.killed.Load()
}

// Release closes the parent's read ends of the output, log and state
// pipes. Call it after the result stream has been fully consumed.
func (c *Controller) Release() {
	c.releaseOnce.Do(func() {
		c.stdout.Close()
		c.stderr.Close()
		c.state.Close()
	})
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
