package enginesim

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randomizedcoder/go-autodetect/internal/errkind"
	"github.com/randomizedcoder/go-autodetect/internal/logging"
	"github.com/randomizedcoder/go-autodetect/internal/process"
)

var errKilled = errors.New("engine killed")

// ProcessConfig configures an in-process engine.
type ProcessConfig struct {
	Engine    Config
	Logger    *slog.Logger
	StateSink process.StateSink // optional

	// OnCrash is called at most once if the engine stops without a close
	// having been initiated.
	OnCrash func(jobID string, err error)
}

// Process runs an Engine on a goroutine connected by pipes. It offers the
// same methods as process.Controller so it can stand in for a real
// engine process.
type Process struct {
	jobID   string
	engine  *Engine
	logs    *logging.EngineLogHandler
	sink    process.StateSink
	onCrash func(jobID string, err error)

	inR  *io.PipeReader
	inW  *io.PipeWriter
	outR *io.PipeReader
	outW *io.PipeWriter

	startTime      time.Time
	alive          atomic.Bool
	closeInitiated atomic.Bool
	killed         atomic.Bool
	stateDocs      atomic.Int64

	done   chan struct{}
	runErr error

	crashOnce sync.Once
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// StartProcess starts the engine goroutine.
func StartProcess(cfg ProcessConfig) *Process {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Process{
		jobID:     cfg.Engine.JobID,
		engine:    New(cfg.Engine),
		logs:      logging.NewEngineLogHandler(cfg.Engine.JobID, logger, false, logging.DefaultErrorLines),
		sink:      cfg.StateSink,
		onCrash:   cfg.OnCrash,
		startTime: time.Now(),
		done:      make(chan struct{}),
		closed:    make(chan struct{}),
	}
	p.inR, p.inW = io.Pipe()
	p.outR, p.outW = io.Pipe()
	p.alive.Store(true)

	go p.run()
	return p
}

func (p *Process) run() {
	var state io.Writer
	if p.sink != nil {
		state = &stateWriter{p: p}
	}
	err := p.engine.Run(p.inR, p.outW, state, &logWriter{p: p})

	p.runErr = err
	p.alive.Store(false)
	_ = p.inR.CloseWithError(io.ErrClosedPipe)
	_ = p.outW.Close()
	close(p.done)

	if !p.closeInitiated.Load() {
		p.crashOnce.Do(func() {
			if p.onCrash != nil {
				p.onCrash(p.jobID, p.crashError())
			}
		})
	}
}

func (p *Process) crashError() error {
	if msg, ok := p.logs.Fatal(); ok {
		return errkind.WithJob(errkind.Crashed("engine", errors.New(msg)), p.jobID)
	}
	return errkind.WithJob(errkind.Crashed("engine", errors.New("engine stopped unexpectedly")), p.jobID)
}

// Input returns the engine's input pipe.
func (p *Process) Input() io.Writer { return p.inW }

// Output returns the engine's result pipe.
func (p *Process) Output() io.Reader { return p.outR }

// IsAlive reports whether the engine goroutine is still running and has
// not been closed or killed.
func (p *Process) IsAlive() bool { return p.alive.Load() }

// StartTime returns when the engine was started.
func (p *Process) StartTime() time.Time { return p.startTime }

// RecentErrors returns the engine's most recent error log lines.
func (p *Process) RecentErrors() []string { return p.logs.RecentErrors() }

// Logs returns the engine's log handler.
func (p *Process) Logs() *logging.EngineLogHandler { return p.logs }

// StateDocs returns the number of state documents delivered.
func (p *Process) StateDocs() int64 { return p.stateDocs.Load() }

// Done is closed when the engine goroutine has stopped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Engine returns the simulated engine. Its counters are only stable
// after Done is closed.
func (p *Process) Engine() *Engine { return p.engine }

// Close ends the engine's input and waits for it to finish. Only the
// first call does the work; later calls wait for it and return nil.
func (p *Process) Close(ctx context.Context, restart bool, reason string) error {
	first := false
	p.closeOnce.Do(func() {
		first = true
		p.closeErr = p.close(ctx)
		close(p.closed)
	})
	if !first {
		<-p.closed
		return nil
	}
	return p.closeErr
}

func (p *Process) close(ctx context.Context) error {
	p.closeInitiated.Store(true)
	_ = p.inW.Close()

	select {
	case <-p.done:
	case <-ctx.Done():
		p.Kill()
		<-p.done
		return errkind.WithJob(errkind.Timeout("close", ctx.Err()), p.jobID)
	}
	p.alive.Store(false)

	if msg, ok := p.logs.Fatal(); ok && !p.killed.Load() {
		return errkind.WithJob(errkind.Crashed("close", errors.New(msg)), p.jobID)
	}
	return nil
}

// Kill stops the engine immediately. It does not report a crash.
func (p *Process) Kill() {
	p.killed.Store(true)
	p.closeInitiated.Store(true)
	p.alive.Store(false)
	_ = p.inR.CloseWithError(errKilled)
	_ = p.outW.Close()
}

// Killed reports whether Kill was called.
func (p *Process) Killed() bool { return p.killed.Load() }

// Release closes the reading end of the result pipe.
func (p *Process) Release() {
	_ = p.outR.Close()
}

// logWriter feeds engine log lines to the log handler. Lines written
// after a kill are dropped, as a killed process writes nothing more.
type logWriter struct {
	p *Process
}

func (w *logWriter) Write(b []byte) (int, error) {
	if w.p.killed.Load() {
		return len(b), nil
	}
	for _, line := range bytes.Split(bytes.TrimRight(b, "\n"), []byte{'\n'}) {
		w.p.logs.HandleLine(string(line))
	}
	return len(b), nil
}

// stateWriter splits NUL-terminated documents and hands them to the sink.
type stateWriter struct {
	p   *Process
	buf []byte
}

func (w *stateWriter) Write(b []byte) (int, error) {
	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, 0)
		if i < 0 {
			return len(b), nil
		}
		doc := bytes.TrimSpace(w.buf[:i])
		w.buf = w.buf[i+1:]
		if len(doc) == 0 {
			continue
		}
		if err := w.p.sink.PersistState(context.Background(), w.p.jobID, append([]byte(nil), doc...)); err != nil {
			w.p.logs.HandleLine("ERROR failed to persist state: " + err.Error())
			continue
		}
		w.p.stateDocs.Add(1)
	}
}
