package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/randomizedcoder/go-autodetect/internal/config"
	"github.com/randomizedcoder/go-autodetect/internal/errkind"
	"github.com/randomizedcoder/go-autodetect/internal/metrics"
	"github.com/randomizedcoder/go-autodetect/internal/preflight"
	"github.com/randomizedcoder/go-autodetect/internal/results"
	"github.com/randomizedcoder/go-autodetect/internal/stats"
	"github.com/randomizedcoder/go-autodetect/internal/store"
	"github.com/randomizedcoder/go-autodetect/internal/supervisor"
	"github.com/randomizedcoder/go-autodetect/internal/tui"
)

const (
	resultsDBName = "results.db"
	stateDirName  = "state"
	engineDirName = "engine"

	shutdownReason = "shutdown"
)

// Orchestrator coordinates all components for one run.
type Orchestrator struct {
	config  *config.Config
	logger  *slog.Logger
	version string

	stdin  io.Reader
	stdout io.Writer

	jobs       *config.JobsFile
	engineHome string

	stats         *stats.Aggregator
	results       *store.SQLite
	state         *store.BadgerState
	manager       *supervisor.Manager
	registry      *prometheus.Registry
	metrics       *metrics.Collector
	metricsServer *metrics.Server
	scheduler     *OpenScheduler
	tracer        *sdktrace.TracerProvider // nil unless verbose

	// signals is replaced in tests.
	signals chan os.Signal

	mu        sync.Mutex
	startTime time.Time
}

// New loads the job file and prepares an Orchestrator.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Orchestrator, error) {
	jobs, err := config.LoadJobs(cfg.JobsFile)
	if err != nil {
		return nil, err
	}
	if cfg.InputJob != "" {
		if _, ok := jobs.Job(cfg.InputJob); !ok {
			return nil, errkind.Newf(errkind.KindConfig, "input_job", "job %q is not in %s", cfg.InputJob, cfg.JobsFile)
		}
	}

	home := cfg.EngineHome
	if home == "" {
		home = filepath.Join(cfg.DataDir, engineDirName)
	}

	return &Orchestrator{
		config:     cfg,
		logger:     logger,
		version:    version,
		stdin:      os.Stdin,
		stdout:     os.Stdout,
		jobs:       jobs,
		engineHome: home,
		stats:      stats.NewAggregator(),
		registry:   prometheus.NewRegistry(),
		scheduler:  NewOpenScheduler(cfg.OpenRate, cfg.OpenJitter),
	}, nil
}

// Specs returns the engine settings of every job in the job file.
func (o *Orchestrator) Specs() ([]supervisor.JobSpec, error) {
	return o.jobsFile().Specs(o.config.EngineBinary, o.engineHome)
}

func (o *Orchestrator) jobsFile() *config.JobsFile {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.jobs
}

// Run executes the jobs. It blocks until the input is exhausted, the
// dashboard is closed or a signal arrives, then closes every job.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	o.startTime = time.Now()
	o.mu.Unlock()

	specs, err := o.Specs()
	if err != nil {
		return err
	}

	if !o.config.SkipPreflight {
		result := preflight.RunAll(ctx, preflight.Options{
			Jobs:     len(specs),
			Engines:  engineBinaries(specs),
			HomeDir:  o.engineHome,
			DataDir:  o.config.DataDir,
			Simulate: o.config.Simulate,
		})
		preflight.WriteResults(o.stdout, result)
		if !result.Passed {
			return fmt.Errorf("preflight checks failed (use --skip-preflight to override)")
		}
	}
	if o.config.Check {
		o.logger.Info("check_passed", "jobs", len(specs), "jobs_file", o.config.JobsFile)
		return nil
	}

	if err := o.openStores(); err != nil {
		return err
	}
	defer o.closeStores()

	if err := o.startManager(); err != nil {
		return err
	}

	if o.config.MetricsAddr != "" {
		o.metricsServer = metrics.NewServer(o.config.MetricsAddr, o.registry, o.ready, o.logger)
		if err := o.metricsServer.Start(); err != nil {
			_ = o.manager.CloseAll(context.Background(), shutdownReason)
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := o.signals
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		defer signal.Stop(sigCh)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = o.manager.Run(ctx)
	}()

	o.logger.Info("jobs_opening",
		"jobs", len(specs),
		"rate", o.scheduler.Rate(),
		"estimated_duration", o.scheduler.EstimatedDuration(len(specs)).String(),
	)
	if err := o.openJobs(ctx, specs); err != nil {
		o.logger.Warn("jobs_open_incomplete", "error", err)
	}

	if o.config.WatchJobs {
		watcher := config.NewJobWatcher(o.config.JobsFile, o.jobsFile(), config.WatcherCallbacks{
			OnChange: func(changes config.JobChanges, file *config.JobsFile) {
				o.applyJobChanges(ctx, changes, file)
			},
			OnError: func(err error) {
				o.logger.Warn("jobs_reload_failed", "error", err)
			},
		}, o.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := watcher.Run(ctx); err != nil {
				o.logger.Warn("jobs_watcher_failed", "error", err)
			}
		}()
	}

	inputDone := make(chan error, 1)
	go func() {
		inputDone <- o.feedInputs(ctx)
	}()

	tuiDone := make(chan error, 1)
	if o.config.TUIEnabled {
		go func() {
			tuiDone <- o.runTUI(ctx)
		}()
	}

	var runErr error
	inputFinished := false
	for done := false; !done; {
		select {
		case sig := <-sigCh:
			o.logger.Info("received_signal", "signal", sig.String())
			done = true
		case err := <-inputDone:
			inputFinished = true
			if err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("input_failed", "error", err)
				runErr = err
			}
			// The dashboard keeps running until it is closed.
			done = !o.config.TUIEnabled
		case err := <-tuiDone:
			if err != nil {
				o.logger.Warn("tui_failed", "error", err)
			}
			done = true
		case <-ctx.Done():
			o.logger.Info("context_cancelled")
			done = true
		}
	}

	cancel()
	if !inputFinished {
		<-inputDone
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), o.config.CloseTimeout+10*time.Second)
	defer closeCancel()
	closeErr := o.manager.CloseAll(closeCtx, shutdownReason)
	if closeErr != nil {
		o.logger.Warn("shutdown_incomplete", "error", closeErr)
	}
	wg.Wait()

	if o.tracer != nil {
		if err := o.tracer.Shutdown(closeCtx); err != nil {
			o.logger.Warn("tracer_shutdown_error", "error", err)
		}
	}

	if o.metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := o.metricsServer.Shutdown(shutdownCtx); err != nil {
			o.logger.Warn("metrics_server_shutdown_error", "error", err)
		}
		shutdownCancel()
	}

	o.printExitSummary(closeErr)

	if o.config.DumpMetrics != "" {
		if err := metrics.DumpFile(o.config.DumpMetrics, o.registry); err != nil {
			o.logger.Warn("metrics_dump_failed", "path", o.config.DumpMetrics, "error", err)
		} else {
			o.logger.Info("metrics_dumped", "path", o.config.DumpMetrics)
		}
	}

	return runErr
}

// openStores opens the results database and the state store.
func (o *Orchestrator) openStores() error {
	if err := os.MkdirAll(o.config.DataDir, 0o755); err != nil {
		return errkind.IO("open_stores", err)
	}

	res, err := store.OpenSQLite(filepath.Join(o.config.DataDir, resultsDBName), store.DefaultSQLiteConfig())
	if err != nil {
		return err
	}
	state, err := store.OpenBadgerState(filepath.Join(o.config.DataDir, stateDirName))
	if err != nil {
		res.Close()
		return err
	}
	o.results = res
	o.state = state
	return nil
}

func (o *Orchestrator) closeStores() {
	if o.state != nil {
		if err := o.state.Close(); err != nil {
			o.logger.Warn("state_store_close_failed", "error", err)
		}
	}
	if o.results != nil {
		if err := o.results.Close(); err != nil {
			o.logger.Warn("results_store_close_failed", "error", err)
		}
	}
}

// startManager creates the metrics collector and the job manager.
func (o *Orchestrator) startManager() error {
	engineName := filepath.Base(o.config.EngineBinary)
	if o.config.Simulate {
		engineName = "simulated"
	}

	var launcher supervisor.Launcher
	if o.config.Simulate {
		launcher = newSimLauncher(o.state, o.config.SimThreshold, o.logger)
	} else {
		launcher = &supervisor.ExecLauncher{
			BinaryPath: o.config.EngineBinary,
			HomeDir:    o.engineHome,
			StateSink:  o.state,
			Logger:     o.logger,
			Verbose:    o.config.EngineVerbose,
		}
	}

	var tp trace.TracerProvider
	if o.tracer = newTracerProvider(o.config.Verbose, o.logger); o.tracer != nil {
		tp = o.tracer
	}

	mgr, err := supervisor.NewManager(supervisor.Config{
		Launcher:     launcher,
		Persister:    o.state.Track(o.results),
		Restore:      o.state,
		CountsStore:  o.results,
		ScoreUpdater: o.results,
		Stats:        o.stats,
		Backoff: supervisor.BackoffConfig{
			Initial:    o.config.BackoffInitial,
			Max:        o.config.BackoffMax,
			Multiplier: o.config.BackoffMultiply,
			JitterPct:  0.4,
		},
		MaxRestarts:       o.config.MaxRestarts,
		InactivityTimeout: o.config.InactivityTimeout,
		CloseTimeout:      o.config.CloseTimeout,
		ResultsTimeout:    o.config.ResultsTimeout,
		Logger:            o.logger,
		TracerProvider:    tp,
		Callbacks: supervisor.Callbacks{
			OnStateChange: o.onStateChange,
			OnCrash:       o.onCrash,
			OnRestart:     o.onRestart,
			OnFlush:       o.onFlush,
			OnData:        o.onData,
			OnResult:      o.onResult,
		},
	})
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.manager = mgr
	o.mu.Unlock()

	o.metrics = metrics.NewCollectorWithRegistry(metrics.CollectorConfig{
		Version:       o.version,
		EngineName:    engineName,
		PerJobMetrics: o.config.PromJobMetrics,
		Stats:         o.stats,
		ActiveJobs:    mgr.ActiveJobs,
	}, o.registry)
	return nil
}

// openJobs opens each job at the scheduled pace.
func (o *Orchestrator) openJobs(ctx context.Context, specs []supervisor.JobSpec) error {
	var errs []error
	for i, spec := range specs {
		if i > 0 {
			if err := o.scheduler.Schedule(ctx, spec.ID); err != nil {
				return errors.Join(append(errs, err)...)
			}
		}
		if err := o.manager.Open(ctx, spec); err != nil {
			o.logger.Error("job_open_failed", "job_id", spec.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		o.logger.Info("job_opened", "job_id", spec.ID, "engine", spec.Engine.BinaryPath)
	}
	return errors.Join(errs...)
}

// inputJob returns the job that receives the input.
func (o *Orchestrator) inputJob(file *config.JobsFile) (config.JobDef, bool) {
	if o.config.InputJob != "" {
		return file.Job(o.config.InputJob)
	}
	if len(file.Jobs) == 0 {
		return config.JobDef{}, false
	}
	return file.Jobs[0], true
}

func (o *Orchestrator) feedInputs(ctx context.Context) error {
	file := o.jobsFile()
	def, ok := o.inputJob(file)
	if !ok {
		return errkind.Newf(errkind.KindConfig, "feed_inputs", "no job to receive input")
	}
	spec, err := def.Spec(file.Defaults, o.config.EngineBinary, o.engineHome)
	if err != nil {
		return err
	}

	feeder := NewFeeder(o.manager, FeedConfig{
		JobID:      spec.ID,
		Format:     spec.DataDescription.Format,
		Delimiter:  spec.DataDescription.FieldDelimiter,
		FlushEvery: o.config.FlushEvery,
		Interim:    o.config.Interim,
	}, o.stdin, o.logger)

	res, err := feeder.FeedFiles(ctx, o.config.Inputs)
	o.logger.Info("inputs_finished",
		"job_id", spec.ID,
		"batches", res.Batches,
		"flushes", res.Flushes,
		"processed_records", res.Counts.ProcessedRecordCount,
	)
	return err
}

func (o *Orchestrator) runTUI(ctx context.Context) error {
	model := tui.New(tui.Config{
		JobsFile:    o.config.JobsFile,
		MetricsAddr: o.config.MetricsAddr,
		StatsSource: o.stats,
		JobSource:   o.manager,
	})
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}

// ready reports whether every job has an engine.
func (o *Orchestrator) ready() error {
	mgr := o.Manager()
	if mgr == nil {
		return errors.New("starting")
	}
	var waiting []string
	for _, s := range mgr.Jobs() {
		if s.State != supervisor.StateOpened {
			waiting = append(waiting, s.ID+"="+s.State.String())
		}
	}
	if len(waiting) > 0 {
		return fmt.Errorf("jobs not open: %s", strings.Join(waiting, ", "))
	}
	return nil
}

// =============================================================================
// Callback handlers
// =============================================================================

func (o *Orchestrator) onStateChange(jobID string, oldState, newState supervisor.JobState) {
	o.metrics.RecordStateChange(newState.String())
	if o.config.Verbose {
		o.logger.Debug("job_state_changed",
			"job_id", jobID,
			"from", oldState.String(),
			"to", newState.String(),
		)
	}
}

func (o *Orchestrator) onCrash(jobID string, err error) {
	o.metrics.RecordCrash()
	o.logger.Warn("engine_crashed", "job_id", jobID, "error", err)
}

func (o *Orchestrator) onRestart(jobID string, attempt int, delay time.Duration) {
	o.metrics.RecordRestart(delay)
	if o.config.Verbose {
		o.logger.Debug("engine_restart_scheduled",
			"job_id", jobID,
			"attempt", attempt,
			"delay", delay.String(),
		)
	}
}

func (o *Orchestrator) onFlush(_ string, took time.Duration, err error) {
	o.metrics.RecordFlush(took, err)
}

func (o *Orchestrator) onData(_ string, _ stats.DataCounts, err error) {
	o.metrics.RecordWrite(err)
}

func (o *Orchestrator) onResult(_ string, kind results.Kind, interim bool) {
	o.metrics.RecordResult(kind, interim)
}

// =============================================================================
// Exit summary
// =============================================================================

// printExitSummary prints a summary of the run.
func (o *Orchestrator) printExitSummary(closeErr error) {
	o.mu.Lock()
	elapsed := time.Since(o.startTime)
	o.mu.Unlock()

	cfg := stats.SummaryConfig{
		Duration:        elapsed,
		MetricsAddr:     o.config.MetricsAddr,
		ShowPerJobStats: o.config.PromJobMetrics || len(o.jobsFile().Jobs) > 1,
		CloseErrors:     closeErrorKinds(closeErr),
	}
	if snap, err := metrics.Snapshot(o.registry); err == nil {
		cfg.ResultsByKind = resultsByKind(snap)
	}

	fmt.Fprintln(o.stdout)
	fmt.Fprint(o.stdout, stats.FormatExitSummary(o.stats.Aggregate(), cfg))
}

// resultsByKind sums the results counter over interim and final results.
func resultsByKind(snap map[string]float64) map[string]int64 {
	const prefix = "autodetect_results_total{"
	out := make(map[string]int64)
	for key, v := range snap {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		_, rest, ok := strings.Cut(key, `kind="`)
		if !ok {
			continue
		}
		kind, _, _ := strings.Cut(rest, `"`)
		out[kind] += int64(v)
	}
	return out
}

// closeErrorKinds counts the errors joined by CloseAll by kind.
func closeErrorKinds(err error) map[string]int {
	if err == nil {
		return nil
	}
	errs := []error{err}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	}
	out := make(map[string]int)
	for _, e := range errs {
		out[errkind.KindOf(e).String()]++
	}
	return out
}

// engineBinaries returns the distinct engine binaries, sorted.
func engineBinaries(specs []supervisor.JobSpec) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range specs {
		if s.Engine.BinaryPath == "" || seen[s.Engine.BinaryPath] {
			continue
		}
		seen[s.Engine.BinaryPath] = true
		out = append(out, s.Engine.BinaryPath)
	}
	sort.Strings(out)
	return out
}

// Manager returns the job manager for external access. It is nil until
// Run has started.
func (o *Orchestrator) Manager() *supervisor.Manager {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.manager
}

// Registry returns the Prometheus registry holding the run's metrics.
func (o *Orchestrator) Registry() *prometheus.Registry {
	return o.registry
}
