package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/randomizedcoder/go-autodetect/internal/communicator"
	"github.com/randomizedcoder/go-autodetect/internal/errkind"
	"github.com/randomizedcoder/go-autodetect/internal/processor"
	"github.com/randomizedcoder/go-autodetect/internal/renormalizer"
	"github.com/randomizedcoder/go-autodetect/internal/results"
	"github.com/randomizedcoder/go-autodetect/internal/stats"
	"github.com/randomizedcoder/go-autodetect/internal/store"
)

const (
	// DefaultCloseTimeout bounds closing one job's engine.
	DefaultCloseTimeout = 2 * time.Minute

	// maxInactivityCheck caps the interval between idle-job sweeps.
	maxInactivityCheck = time.Minute
)

var (
	// ErrUnknownJob is the cause reported for operations on a job that
	// was never opened.
	ErrUnknownJob = errors.New("unknown job")

	// ErrJobOpen is the cause reported when opening a job that is open.
	ErrJobOpen = errors.New("job is already open")

	// ErrJobNotOpen is the cause reported for operations on a job that is
	// restarting, closing or closed.
	ErrJobNotOpen = errors.New("job is not open")

	// ErrMaxRestarts is recorded when a job fails after too many crashes.
	ErrMaxRestarts = errors.New("max restarts reached")
)

// RestoreStore provides the restore points recorded for jobs.
// *store.BadgerState implements it.
type RestoreStore interface {
	Quantiles(jobID string) (*results.Quantiles, error)
	LatestSnapshot(jobID string) (*results.ModelSnapshot, error)
}

// CountsStore keeps data counts across job close and open.
// *store.SQLite implements it.
type CountsStore interface {
	SaveDataCounts(ctx context.Context, c stats.DataCounts) error
	LoadDataCounts(ctx context.Context, jobID string) (stats.DataCounts, error)
}

// Callbacks contains optional callback functions for job events.
type Callbacks struct {
	// OnStateChange is called when a job changes state.
	OnStateChange func(jobID string, oldState, newState JobState)

	// OnCrash is called once per engine instance that dies unexpectedly.
	OnCrash func(jobID string, err error)

	// OnRestart is called before a restart attempt.
	OnRestart func(jobID string, attempt int, delay time.Duration)

	// OnFlush is called after every flush attempt.
	OnFlush func(jobID string, took time.Duration, err error)

	// OnData is called after every data write.
	OnData func(jobID string, counts stats.DataCounts, err error)

	// OnResult is called for each result message handled.
	OnResult func(jobID string, kind results.Kind, interim bool)
}

// Config holds configuration for creating a Manager.
type Config struct {
	Launcher  Launcher
	Persister processor.Persister

	Restore      RestoreStore              // optional
	CountsStore  CountsStore               // optional
	ScoreUpdater renormalizer.ScoreUpdater // optional
	Stats        *stats.Aggregator         // created when nil

	Backoff     BackoffConfig
	ConfigSeed  int64
	MaxRestarts int // 0 = unlimited

	// InactivityTimeout closes jobs that saw no operation for this long.
	// Zero disables it.
	InactivityTimeout time.Duration
	CloseTimeout      time.Duration

	FlushPollInterval time.Duration
	ResultsTimeout    time.Duration

	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	Callbacks      Callbacks
}

// Manager owns the jobs on this node.
type Manager struct {
	cfg          Config
	logger       *slog.Logger
	stats        *stats.Aggregator
	closeTimeout time.Duration

	mu   sync.RWMutex
	jobs map[string]*job

	// ctx ends when the manager shuts down; pending restarts give up.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Launcher == nil {
		return nil, errkind.Newf(errkind.KindConfig, "new_manager", "launcher is required")
	}
	if cfg.Persister == nil {
		return nil, errkind.Newf(errkind.KindConfig, "new_manager", "persister is required")
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = DefaultBackoffConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	agg := cfg.Stats
	if agg == nil {
		agg = stats.NewAggregator()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:          cfg,
		logger:       logger,
		stats:        agg,
		closeTimeout: orDefault(cfg.CloseTimeout, DefaultCloseTimeout),
		jobs:         make(map[string]*job),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Stats returns the aggregator holding per-job statistics.
func (m *Manager) Stats() *stats.Aggregator {
	return m.stats
}

// =============================================================================
// Lifecycle
// =============================================================================

// Open starts an engine for spec and makes the job accept operations.
// A closed or failed job with the same id is replaced.
func (m *Manager) Open(ctx context.Context, spec JobSpec) error {
	if err := validateSpec(&spec); err != nil {
		return errkind.WithJob(errkind.Config("open_job", err), spec.ID)
	}

	m.mu.Lock()
	if old, ok := m.jobs[spec.ID]; ok && !old.currentState().IsTerminal() {
		m.mu.Unlock()
		return errkind.WithJob(errkind.Config("open_job", ErrJobOpen), spec.ID)
	}
	js := m.stats.Job(spec.ID)
	j := &job{
		spec:    spec,
		stats:   js,
		backoff: NewBackoff(spec.ID, m.cfg.ConfigSeed, m.cfg.Backoff),
		renorm: renormalizer.New(renormalizer.Config{
			JobID:   spec.ID,
			Updater: m.cfg.ScoreUpdater,
			Logger:  m.logger,
		}),
		state: StateOpening,
	}
	m.jobs[spec.ID] = j
	m.mu.Unlock()

	if m.cfg.CountsStore != nil {
		counts, err := m.cfg.CountsStore.LoadDataCounts(ctx, spec.ID)
		switch {
		case err == nil:
			js.Counts.Restore(counts)
		case !errors.Is(err, store.ErrNotFound):
			m.logger.Warn("data_counts_load_failed", "job_id", spec.ID, "error", err)
		}
	}

	m.notify(spec.ID, StateClosed, StateOpening)
	if err := m.launch(j); err != nil {
		j.renorm.Shutdown()
		return err
	}
	return nil
}

func validateSpec(spec *JobSpec) error {
	var errs []error
	if spec.ID == "" {
		errs = append(errs, errors.New("job id is required"))
	}
	if spec.Engine.BucketSpan <= 0 {
		errs = append(errs, errors.New("bucket span must be positive"))
	}
	if len(spec.Engine.Detectors) == 0 {
		errs = append(errs, errors.New("at least one detector is required"))
	}
	if err := spec.DataDescription.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// launch starts an engine for j and attaches a new communicator. On
// failure the job is left Failed.
func (m *Manager) launch(j *job) error {
	id := j.spec.ID
	restore := m.restorePoint(id)

	j.mu.Lock()
	j.gen++
	gen := j.gen
	j.mu.Unlock()

	fwd := &crashForwarder{}
	proc, err := m.cfg.Launcher.Launch(&j.spec, restore, fwd.forward)
	if err != nil {
		m.logger.Error("job_launch_failed", "job_id", id, "error", err)
		m.fail(j, err)
		return errkind.WithJob(err, id)
	}

	cb := m.cfg.Callbacks
	comm, err := communicator.New(communicator.Config{
		JobID:             id,
		Process:           proc,
		Persister:         m.cfg.Persister,
		Renormalizer:      j.renorm,
		DataDescription:   j.spec.DataDescription,
		AnalysisFields:    j.spec.AnalysisFields,
		Detectors:         len(j.spec.Engine.Detectors),
		BucketSpan:        j.spec.Engine.BucketSpan,
		Latency:           j.spec.Engine.Latency,
		Counts:            j.stats.Counts,
		Logger:            m.logger,
		TracerProvider:    m.cfg.TracerProvider,
		FlushPollInterval: m.cfg.FlushPollInterval,
		ResultsTimeout:    m.cfg.ResultsTimeout,
		Callbacks: communicator.Callbacks{
			OnCrash: func(jobID string, err error) {
				m.handleCrash(j, gen, err)
			},
			OnFlush: func(jobID string, took time.Duration, err error) {
				if err == nil {
					j.stats.RecordFlush(took)
				}
				if cb.OnFlush != nil {
					cb.OnFlush(jobID, took, err)
				}
			},
			OnData: cb.OnData,
		},
		ResultCallbacks: processor.Callbacks{
			OnResult: func(kind results.Kind, interim bool) {
				j.stats.ResultMsgs.Add(1)
				if cb.OnResult != nil {
					cb.OnResult(id, kind, interim)
				}
			},
		},
	})
	if err != nil {
		proc.Kill()
		proc.Release()
		_ = proc.Close(context.Background(), false, "communicator setup failed")
		m.fail(j, err)
		return err
	}
	fwd.attach(comm.HandleCrash)

	now := time.Now()
	j.mu.Lock()
	old := j.state
	j.comm = comm
	j.state = StateOpened
	j.openedAt = now
	j.lastUsed = now
	j.restoreID = restore.SnapshotID
	pending := j.pendingCrash
	j.pendingCrash = nil
	j.mu.Unlock()
	m.notify(id, old, StateOpened)
	if pending != nil {
		m.scheduleRestart(j, gen, pending)
		return nil
	}

	m.logger.Info("job_opened",
		"job_id", id,
		"restore_snapshot", restore.SnapshotID,
		"restore_quantiles", len(restore.Quantiles) > 0,
	)
	return nil
}

// restorePoint returns the latest snapshot and quantiles recorded for the
// job, or a zero RestorePoint.
func (m *Manager) restorePoint(jobID string) RestorePoint {
	var rp RestorePoint
	if m.cfg.Restore == nil {
		return rp
	}
	if snap, err := m.cfg.Restore.LatestSnapshot(jobID); err == nil {
		rp.SnapshotID = snap.SnapshotID
	} else if !errors.Is(err, store.ErrNotFound) {
		m.logger.Warn("restore_snapshot_lookup_failed", "job_id", jobID, "error", err)
	}
	if q, err := m.cfg.Restore.Quantiles(jobID); err == nil && q.QuantileState != "" {
		rp.Quantiles = []byte(q.QuantileState)
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Warn("restore_quantiles_lookup_failed", "job_id", jobID, "error", err)
	}
	return rp
}

func (m *Manager) fail(j *job, err error) {
	j.mu.Lock()
	old := j.state
	j.state = StateFailed
	j.lastErr = err
	j.comm = nil
	j.mu.Unlock()
	m.notify(j.spec.ID, old, StateFailed)
}

// handleCrash moves an opened job to Backoff and schedules a restart.
// Reports from an engine the job no longer holds are ignored.
func (m *Manager) handleCrash(j *job, gen int, err error) {
	id := j.spec.ID
	j.stats.Crashes.Add(1)
	if m.cfg.Callbacks.OnCrash != nil {
		m.cfg.Callbacks.OnCrash(id, err)
	}

	m.scheduleRestart(j, gen, err)
}

func (m *Manager) scheduleRestart(j *job, gen int, err error) {
	id := j.spec.ID
	j.mu.Lock()
	if j.gen == gen && j.state == StateOpening {
		// The engine died before launch finished; launch picks this up.
		j.pendingCrash = err
		j.mu.Unlock()
		return
	}
	if j.gen != gen || j.state != StateOpened {
		j.mu.Unlock()
		return
	}
	comm := j.comm
	j.comm = nil
	j.lastErr = err
	j.state = StateBackoff
	j.restarting = make(chan struct{})
	j.abort = make(chan struct{})
	restarting, abort := j.restarting, j.abort
	j.mu.Unlock()
	m.notify(id, StateOpened, StateBackoff)

	uptime := time.Since(comm.ProcessStartTime())
	m.logger.Warn("job_engine_crashed", "job_id", id, "uptime", uptime.String(), "error", err)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(restarting)
		m.restart(j, comm, uptime, abort)
	}()
}

// restart releases the crashed engine, waits out the backoff and
// launches a new engine, unless the job is closed or the manager shuts
// down first.
func (m *Manager) restart(j *job, crashed *communicator.Communicator, uptime time.Duration, abort <-chan struct{}) {
	id := j.spec.ID

	ctx, cancel := context.WithTimeout(m.ctx, m.closeTimeout)
	_ = crashed.Close(ctx, true, "engine crashed")
	cancel()
	m.saveCounts(id, j)

	j.mu.Lock()
	if j.state != StateBackoff {
		j.mu.Unlock()
		return
	}
	if ShouldReset(uptime) {
		j.backoff.Reset()
	}
	if m.cfg.MaxRestarts > 0 && j.restarts >= m.cfg.MaxRestarts {
		restarts := j.restarts
		j.mu.Unlock()
		m.logger.Warn("max_restarts_reached", "job_id", id, "restarts", restarts, "max", m.cfg.MaxRestarts)
		m.fail(j, errkind.WithJob(errkind.Crashed("restart", ErrMaxRestarts), id))
		j.renorm.Shutdown()
		return
	}
	delay := j.backoff.Next()
	j.restarts++
	attempt := j.restarts
	j.mu.Unlock()

	if m.cfg.Callbacks.OnRestart != nil {
		m.cfg.Callbacks.OnRestart(id, attempt, delay)
	}
	m.logger.Info("job_restart_scheduled", "job_id", id, "attempt", attempt, "delay", delay.String())

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-abort:
		return
	case <-m.ctx.Done():
		return
	}

	j.mu.Lock()
	if j.state != StateBackoff {
		j.mu.Unlock()
		return
	}
	j.state = StateOpening
	j.mu.Unlock()
	m.notify(id, StateBackoff, StateOpening)

	j.stats.Restarts.Add(1)
	if err := m.launch(j); err != nil {
		m.logger.Error("job_restart_failed", "job_id", id, "attempt", attempt, "error", err)
	}
}

// Close closes the job's engine and waits for its remaining results.
// A pending restart is abandoned. Closing a closed job returns nil.
func (m *Manager) Close(ctx context.Context, jobID, reason string) error {
	j, err := m.lookup(jobID, "close_job")
	if err != nil {
		return err
	}

	j.mu.Lock()
	switch j.state {
	case StateClosing, StateClosed:
		j.mu.Unlock()
		return nil
	}
	restarting := j.restarting
	if restarting != nil {
		select {
		case <-j.abort:
		default:
			close(j.abort)
		}
	}
	j.mu.Unlock()

	if restarting != nil {
		select {
		case <-restarting:
		case <-ctx.Done():
			return errkind.WithJob(errkind.Timeout("close_job", ctx.Err()), jobID)
		}
	}

	j.mu.Lock()
	if j.state == StateClosing || j.state == StateClosed {
		j.mu.Unlock()
		return nil
	}
	old := j.state
	comm := j.comm
	j.comm = nil
	j.gen++
	j.state = StateClosing
	j.restarting = nil
	j.mu.Unlock()
	m.notify(jobID, old, StateClosing)

	if comm != nil {
		closeCtx, cancel := context.WithTimeout(ctx, m.closeTimeout)
		err = comm.Close(closeCtx, false, reason)
		cancel()
	}
	j.renorm.Shutdown()
	m.saveCounts(jobID, j)

	j.mu.Lock()
	j.state = StateClosed
	if err != nil {
		j.lastErr = err
	}
	j.mu.Unlock()
	m.notify(jobID, StateClosing, StateClosed)

	m.logger.Info("job_closed", "job_id", jobID, "reason", reason, "error", err)
	return err
}

// CloseAll closes every job concurrently and stops pending restarts. The
// returned error joins the individual close errors.
func (m *Manager) CloseAll(ctx context.Context, reason string) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if err := m.Close(ctx, id, reason); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	m.cancel()
	m.wg.Wait()
	return errors.Join(errs...)
}

func (m *Manager) saveCounts(jobID string, j *job) {
	if m.cfg.CountsStore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.cfg.CountsStore.SaveDataCounts(ctx, j.stats.Counts.Snapshot()); err != nil {
		m.logger.Warn("data_counts_save_failed", "job_id", jobID, "error", err)
	}
}

// Run closes idle jobs until ctx is cancelled. It returns immediately
// when no inactivity timeout is configured.
func (m *Manager) Run(ctx context.Context) error {
	timeout := m.cfg.InactivityTimeout
	if timeout <= 0 {
		return nil
	}
	interval := min(max(timeout/4, 10*time.Millisecond), maxInactivityCheck)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			m.closeIdle(ctx, now, timeout)
		}
	}
}

func (m *Manager) closeIdle(ctx context.Context, now time.Time, timeout time.Duration) {
	for _, s := range m.Jobs() {
		if s.State != StateOpened || s.Idle < timeout {
			continue
		}
		m.logger.Info("job_inactive", "job_id", s.ID, "idle", s.Idle.String())
		if err := m.Close(ctx, s.ID, "inactivity timeout"); err != nil {
			m.logger.Warn("inactive_job_close_failed", "job_id", s.ID, "error", err)
		}
	}
}

// =============================================================================
// Operations
// =============================================================================

func (m *Manager) lookup(jobID, op string) (*job, error) {
	m.mu.RLock()
	j, ok := m.jobs[jobID]
	m.mu.RUnlock()
	if !ok {
		return nil, errkind.WithJob(errkind.Config(op, ErrUnknownJob), jobID)
	}
	return j, nil
}

// acquire returns the communicator of an opened job and marks it used.
func (m *Manager) acquire(jobID, op string) (*communicator.Communicator, error) {
	j, err := m.lookup(jobID, op)
	if err != nil {
		return nil, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateOpened || j.comm == nil {
		cause := ErrJobNotOpen
		if j.state == StateBackoff || j.state == StateFailed {
			return nil, errkind.WithJob(errkind.Crashed(op, errors.Join(cause, j.lastErr)), jobID)
		}
		return nil, errkind.WithJob(errkind.Crashed(op, cause), jobID)
	}
	j.lastUsed = time.Now()
	return j.comm, nil
}

// WriteData streams r to the job's engine and waits for it to be
// written.
func (m *Manager) WriteData(ctx context.Context, jobID string, r io.Reader, params communicator.DataLoadParams) (stats.DataCounts, error) {
	comm, err := m.acquire(jobID, "write_data")
	if err != nil {
		return stats.DataCounts{}, err
	}
	type result struct {
		counts stats.DataCounts
		err    error
	}
	ch := make(chan result, 1)
	comm.WriteData(ctx, r, params, func(c stats.DataCounts, err error) {
		ch <- result{c, err}
	})
	res := <-ch
	return res.counts, res.err
}

// Flush asks the job's engine to flush and waits for the acknowledgement.
func (m *Manager) Flush(ctx context.Context, jobID string, params communicator.FlushParams) (*results.FlushAcknowledgement, error) {
	comm, err := m.acquire(jobID, "flush")
	if err != nil {
		return nil, err
	}
	type result struct {
		ack *results.FlushAcknowledgement
		err error
	}
	ch := make(chan result, 1)
	comm.Flush(ctx, params, func(ack *results.FlushAcknowledgement, err error) {
		ch <- result{ack, err}
	})
	res := <-ch
	return res.ack, res.err
}

// UpdateConfig sends a model plot or detector rules update to the job's
// engine.
func (m *Manager) UpdateConfig(ctx context.Context, jobID string, params communicator.UpdateParams) error {
	comm, err := m.acquire(jobID, "update_config")
	if err != nil {
		return err
	}
	ch := make(chan error, 1)
	comm.UpdateConfig(ctx, params, func(err error) { ch <- err })
	return <-ch
}

// Kill stops the job's engine immediately. The job is then closed.
func (m *Manager) Kill(ctx context.Context, jobID string) error {
	j, err := m.lookup(jobID, "kill_job")
	if err != nil {
		return err
	}
	j.mu.Lock()
	comm := j.comm
	j.mu.Unlock()
	if comm != nil {
		comm.Kill()
	}
	if err := m.Close(ctx, jobID, "killed"); err != nil && !errors.Is(err, errkind.ErrProcessCrashed) {
		return err
	}
	return nil
}

// =============================================================================
// Queries
// =============================================================================

// Jobs returns the status of every job, ordered by id.
func (m *Manager) Jobs() []JobStatus {
	m.mu.RLock()
	jobs := make([]*job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.RUnlock()

	now := time.Now()
	out := make([]JobStatus, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.status(now))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// Job returns the status of one job.
func (m *Manager) Job(jobID string) (JobStatus, bool) {
	m.mu.RLock()
	j, ok := m.jobs[jobID]
	m.mu.RUnlock()
	if !ok {
		return JobStatus{}, false
	}
	return j.status(time.Now()), true
}

// State returns the job's lifecycle state.
func (m *Manager) State(jobID string) (JobState, bool) {
	m.mu.RLock()
	j, ok := m.jobs[jobID]
	m.mu.RUnlock()
	if !ok {
		return StateClosed, false
	}
	return j.currentState(), true
}

// ActiveJobs returns the number of jobs holding or waiting for an engine.
func (m *Manager) ActiveJobs() int {
	n := 0
	for _, s := range m.Jobs() {
		if s.State.IsActive() {
			n++
		}
	}
	return n
}

func (j *job) currentState() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (m *Manager) notify(jobID string, oldState, newState JobState) {
	if oldState == newState {
		return
	}
	m.logger.Debug("job_state_change", "job_id", jobID, "from", oldState.String(), "to", newState.String())
	if m.cfg.Callbacks.OnStateChange != nil {
		m.cfg.Callbacks.OnStateChange(jobID, oldState, newState)
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
