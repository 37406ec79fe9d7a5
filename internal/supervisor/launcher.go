package supervisor

import (
	"log/slog"
	"sync"

	"github.com/randomizedcoder/go-autodetect/internal/communicator"
	"github.com/randomizedcoder/go-autodetect/internal/process"
)

// JobSpec describes one job.
type JobSpec struct {
	ID string

	// Engine holds the analysis settings passed to the engine. Bucket
	// span, latency and detectors are also used by the communicator.
	Engine process.EngineConfig

	DataDescription communicator.DataDescription

	// AnalysisFields are written after the time field, in order.
	AnalysisFields []string
}

// RestorePoint carries the state a restarted engine resumes from.
type RestorePoint struct {
	SnapshotID string
	Quantiles  []byte
}

// IsZero reports whether there is nothing to restore.
func (r RestorePoint) IsZero() bool {
	return r.SnapshotID == "" && len(r.Quantiles) == 0
}

// Launcher starts an engine instance for a job. onCrash must be called
// at most once if the instance dies without being closed.
type Launcher interface {
	Launch(spec *JobSpec, restore RestorePoint, onCrash func(jobID string, err error)) (communicator.Process, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(spec *JobSpec, restore RestorePoint, onCrash func(jobID string, err error)) (communicator.Process, error)

// Launch calls f.
func (f LauncherFunc) Launch(spec *JobSpec, restore RestorePoint, onCrash func(jobID string, err error)) (communicator.Process, error) {
	return f(spec, restore, onCrash)
}

// ExecLauncher starts the engine binary as a child process.
type ExecLauncher struct {
	// BinaryPath and HomeDir are used when the job does not set them.
	BinaryPath string
	HomeDir    string

	StateSink process.StateSink
	Logger    *slog.Logger
	Verbose   bool

	// Callbacks are passed to each controller. OnCrash is chained with
	// the manager's crash handling.
	Callbacks process.Callbacks
}

// Launch builds the engine command for spec and starts it.
func (l *ExecLauncher) Launch(spec *JobSpec, restore RestorePoint, onCrash func(jobID string, err error)) (communicator.Process, error) {
	cfg := spec.Engine
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = l.BinaryPath
	}
	if cfg.HomeDir == "" {
		cfg.HomeDir = l.HomeDir
	}
	if restore.SnapshotID != "" {
		cfg.RestoreSnapshotID = restore.SnapshotID
	}
	if len(restore.Quantiles) > 0 {
		cfg.QuantilesState = restore.Quantiles
	}

	callbacks := l.Callbacks
	userCrash := callbacks.OnCrash
	callbacks.OnCrash = func(jobID string, err error) {
		if userCrash != nil {
			userCrash(jobID, err)
		}
		onCrash(jobID, err)
	}

	ctrl, err := process.Start(process.Config{
		JobID:     spec.ID,
		Runner:    process.NewEngineRunner(&cfg),
		StateSink: l.StateSink,
		Logger:    l.Logger,
		Verbose:   l.Verbose,
		Callbacks: callbacks,
	})
	if err != nil {
		return nil, err
	}
	return ctrl, nil
}

// crashForwarder hands an engine crash to the communicator created after
// the engine started. A crash reported before attach is held until then.
type crashForwarder struct {
	mu      sync.Mutex
	target  func(err error)
	pending error
}

func (f *crashForwarder) forward(_ string, err error) {
	f.mu.Lock()
	target := f.target
	if target == nil && f.pending == nil {
		f.pending = err
	}
	f.mu.Unlock()
	if target != nil {
		target(err)
	}
}

func (f *crashForwarder) attach(target func(err error)) {
	f.mu.Lock()
	f.target = target
	pending := f.pending
	f.mu.Unlock()
	if pending != nil {
		target(pending)
	}
}
