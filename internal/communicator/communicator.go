// Package communicator is the per-job façade over a running engine.
//
// A Communicator owns one engine instance. Data writes, flushes, config
// updates and the final close are queued to a single worker goroutine
// and run strictly in submission order, so the engine never sees
// interleaved input. Results are consumed concurrently by a
// processor.ResultProcessor reading the engine's output.
package communicator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/randomizedcoder/go-autodetect/internal/errkind"
	"github.com/randomizedcoder/go-autodetect/internal/processor"
	"github.com/randomizedcoder/go-autodetect/internal/results"
	"github.com/randomizedcoder/go-autodetect/internal/stats"
	"github.com/randomizedcoder/go-autodetect/internal/wire"
)

const tracerName = "github.com/randomizedcoder/go-autodetect/internal/communicator"

const (
	// DefaultFlushPollInterval is how often a flush re-checks that the
	// engine is alive while waiting for its acknowledgement.
	DefaultFlushPollInterval = time.Second

	// DefaultResultsTimeout bounds the wait for the result stream to end
	// after the engine is closed.
	DefaultResultsTimeout = 30 * time.Second

	// DefaultQueueSize is the number of operations that may be queued
	// before submitters block.
	DefaultQueueSize = 64
)

// ErrClosed is the cause reported for operations submitted after Close.
var ErrClosed = errors.New("communicator closed")

// Process is the engine instance a Communicator drives.
// *process.Controller and *enginesim.Process implement it.
type Process interface {
	Input() io.Writer
	Output() io.Reader
	IsAlive() bool
	StartTime() time.Time
	Close(ctx context.Context, restart bool, reason string) error
	Kill()
	RecentErrors() []string
	Release()
}

// Callbacks contains optional callback functions for job events.
type Callbacks struct {
	// OnCrash is called at most once, when the engine dies unexpectedly
	// or its result stream is malformed.
	OnCrash func(jobID string, err error)

	// OnFlush is called after every flush attempt.
	OnFlush func(jobID string, took time.Duration, err error)

	// OnData is called after every data write with the updated counts.
	OnData func(jobID string, counts stats.DataCounts, err error)
}

// Config holds configuration for creating a Communicator.
type Config struct {
	JobID        string
	Process      Process
	Persister    processor.Persister
	Renormalizer processor.Renormalizer // optional

	DataDescription DataDescription
	AnalysisFields  []string
	Detectors       int
	BucketSpan      time.Duration
	Latency         time.Duration

	// Counts carries data counts across engine restarts. A new reporter
	// is created when nil.
	Counts *stats.DataCountsReporter

	// FlushLatency records flush round trips. Optional.
	FlushLatency *stats.FlushLatency

	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	Callbacks      Callbacks

	// ResultCallbacks are passed to the result processor. Its OnFatal is
	// chained with the crash callback.
	ResultCallbacks processor.Callbacks

	FlushPollInterval time.Duration
	ResultsTimeout    time.Duration
	QueueSize         int
}

// task is one queued operation. run executes on the worker.
type task struct {
	run   func()
	final bool
}

// Communicator serializes operations against one engine instance.
type Communicator struct {
	jobID     string
	process   Process
	processor *processor.ResultProcessor
	enc       *wire.Encoder
	ctrl      *wire.ControlWriter
	data      *DataWriter
	counts    *stats.DataCountsReporter
	latency   *stats.FlushLatency
	logger    *slog.Logger
	tracer    trace.Tracer
	callbacks Callbacks

	bucketSpan     time.Duration
	detectors      int
	pollInterval   time.Duration
	resultsTimeout time.Duration

	tasks   chan task
	stopped chan struct{}

	// closing is closed when Close starts, releasing submitters blocked
	// on a full queue.
	closing  chan struct{}
	submitMu sync.RWMutex
	closed   bool

	closeOnce sync.Once
	closeDone chan struct{}
	closeErr  error

	crashOnce sync.Once

	cancel context.CancelFunc
}

// New creates a Communicator for a started process and starts its worker
// and result processor.
func New(cfg Config) (*Communicator, error) {
	if cfg.Process == nil {
		return nil, errkind.Newf(errkind.KindConfig, "new_communicator", "process is required")
	}
	if err := cfg.DataDescription.Validate(); err != nil {
		return nil, errkind.WithJob(errkind.Config("new_communicator", err), cfg.JobID)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("job_id", cfg.JobID)
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	counts := cfg.Counts
	if counts == nil {
		counts = stats.NewDataCountsReporter(cfg.JobID)
	}
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = DefaultQueueSize
	}

	c := &Communicator{
		jobID:          cfg.JobID,
		process:        cfg.Process,
		counts:         counts,
		latency:        cfg.FlushLatency,
		logger:         logger,
		tracer:         tp.Tracer(tracerName),
		callbacks:      cfg.Callbacks,
		bucketSpan:     cfg.BucketSpan,
		detectors:      cfg.Detectors,
		pollInterval:   orDefault(cfg.FlushPollInterval, DefaultFlushPollInterval),
		resultsTimeout: orDefault(cfg.ResultsTimeout, DefaultResultsTimeout),
		tasks:          make(chan task, queue),
		stopped:        make(chan struct{}),
		closing:        make(chan struct{}),
		closeDone:      make(chan struct{}),
	}
	c.enc = wire.NewEncoder(cfg.Process.Input())
	c.ctrl = wire.NewControlWriter(c.enc)
	c.data = NewDataWriter(c.enc, cfg.DataDescription, cfg.AnalysisFields, cfg.Latency, counts, logger)

	resultCallbacks := cfg.ResultCallbacks
	onFatal := resultCallbacks.OnFatal
	resultCallbacks.OnFatal = func(err error) {
		if onFatal != nil {
			onFatal(err)
		}
		c.HandleCrash(err)
	}
	c.processor = processor.New(processor.Config{
		JobID:        cfg.JobID,
		Persister:    cfg.Persister,
		Renormalizer: cfg.Renormalizer,
		Logger:       cfg.Logger,
		Callbacks:    resultCallbacks,
	})

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go func() {
		_ = c.processor.Run(ctx, cfg.Process.Output())
	}()
	go c.work()

	return c, nil
}

func (c *Communicator) work() {
	defer close(c.stopped)
	for t := range c.tasks {
		t.run()
		if t.final {
			return
		}
	}
}

// submit queues run, or reports ErrClosed through reject once Close has
// started. A submitter waiting on a full queue is rejected when Close
// starts.
func (c *Communicator) submit(run func(), reject func(error)) {
	c.submitMu.RLock()
	defer c.submitMu.RUnlock()
	if c.closed {
		reject(c.closedErr())
		return
	}
	select {
	case c.tasks <- task{run: run}:
	case <-c.closing:
		reject(c.closedErr())
	}
}

func (c *Communicator) closedErr() error {
	return errkind.WithJob(errkind.Crashed("submit", ErrClosed), c.jobID)
}

// HandleCrash reports a fatal engine failure. Only the first report
// reaches Callbacks.OnCrash. It is safe to call from any goroutine.
func (c *Communicator) HandleCrash(err error) {
	c.crashOnce.Do(func() {
		c.logger.Error("engine_crashed", "error", err, "recent_errors", c.process.RecentErrors())
		if c.callbacks.OnCrash != nil {
			c.callbacks.OnCrash(c.jobID, err)
		}
	})
}

// checkAlive fails an operation against a dead engine before any I/O.
func (c *Communicator) checkAlive(op string) error {
	if c.process.IsAlive() {
		return nil
	}
	return errkind.WithJob(errkind.Crashed(op, c.deathCause()), c.jobID)
}

func (c *Communicator) deathCause() error {
	if errs := c.process.RecentErrors(); len(errs) > 0 {
		return errors.New(errs[len(errs)-1])
	}
	if err := c.processor.Err(); err != nil {
		return err
	}
	return errors.New("engine is not running")
}

// writeFailed classifies a failed pipe write: a dead engine makes it a
// crash, otherwise it fails only this operation.
func (c *Communicator) writeFailed(op string, err error) error {
	if !c.process.IsAlive() {
		return errkind.WithJob(errkind.Crashed(op, err), c.jobID)
	}
	if errkind.KindOf(err) != 0 {
		return errkind.WithJob(err, c.jobID)
	}
	return errkind.WithJob(errkind.IO(op, err), c.jobID)
}

func (c *Communicator) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("autodetect.job_id", c.jobID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// =============================================================================
// Operations
// =============================================================================

// WriteData queues a write of all records in r. done is called exactly
// once with the job's data counts after the write.
func (c *Communicator) WriteData(ctx context.Context, r io.Reader, params DataLoadParams, done func(stats.DataCounts, error)) {
	finish := func(counts stats.DataCounts, err error) {
		if c.callbacks.OnData != nil {
			c.callbacks.OnData(c.jobID, counts, err)
		}
		if done != nil {
			done(counts, err)
		}
	}
	c.submit(func() {
		counts, err := c.writeData(ctx, r, params)
		finish(counts, err)
	}, func(err error) { finish(c.counts.Snapshot(), err) })
}

func (c *Communicator) writeData(ctx context.Context, r io.Reader, params DataLoadParams) (counts stats.DataCounts, err error) {
	ctx, span := c.startSpan(ctx, "autodetect.write_data")
	defer func() {
		span.SetAttributes(
			attribute.Int64("autodetect.processed_records", counts.ProcessedRecordCount),
			attribute.Int64("autodetect.input_bytes", counts.InputBytes),
		)
		endSpan(span, err)
	}()

	reset, hasReset, err := params.resetRange()
	if err != nil {
		return c.counts.Snapshot(), errkind.WithJob(err, c.jobID)
	}
	if err := c.checkAlive("write_data"); err != nil {
		return c.counts.Snapshot(), err
	}

	if hasReset {
		if err := c.data.WriteHeader(); err != nil {
			return c.counts.Snapshot(), c.writeFailed("write_header", err)
		}
		if err := c.ctrl.WriteResetBuckets(reset); err != nil {
			return c.counts.Snapshot(), c.writeFailed("reset_buckets", err)
		}
	}

	counts, err = c.data.Write(ctx, r)
	if ferr := c.enc.Flush(); err == nil && ferr != nil {
		err = ferr
	}
	if err != nil {
		return counts, c.writeFailed("write_data", err)
	}
	c.logger.Debug("data_written", "processed", counts.ProcessedRecordCount, "bytes", counts.InputBytes)
	return counts, nil
}

// Flush queues a flush. done is called exactly once: with the
// acknowledgement after the engine has processed everything written
// before the flush and the renormalizer is idle, or with an error.
func (c *Communicator) Flush(ctx context.Context, params FlushParams, done func(*results.FlushAcknowledgement, error)) {
	finish := func(ack *results.FlushAcknowledgement, took time.Duration, err error) {
		if c.callbacks.OnFlush != nil {
			c.callbacks.OnFlush(c.jobID, took, err)
		}
		if done != nil {
			done(ack, err)
		}
	}
	c.submit(func() {
		start := time.Now()
		ack, err := c.flush(ctx, params)
		finish(ack, time.Since(start), err)
	}, func(err error) { finish(nil, 0, err) })
}

func (c *Communicator) flush(ctx context.Context, params FlushParams) (ack *results.FlushAcknowledgement, err error) {
	ctx, span := c.startSpan(ctx, "autodetect.flush")
	defer func() { endSpan(span, err) }()

	interim, err := params.interimRange(c.bucketSpan)
	if err != nil {
		return nil, errkind.WithJob(err, c.jobID)
	}
	if err := c.checkAlive("flush"); err != nil {
		return nil, err
	}

	start := time.Now()
	token, err := c.writeFlush(params, interim)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("autodetect.flush_id", token))
	defer c.processor.ClearAwaitingFlush(token)

	for {
		var ok bool
		ack, ok = c.processor.WaitForFlushAcknowledgement(token, c.pollInterval)
		if ok {
			break
		}
		if !c.process.IsAlive() || c.processor.Stopped() || c.processor.Err() != nil {
			return nil, errkind.WithJob(errkind.Crashed("flush", c.deathCause()), c.jobID)
		}
		if err := ctx.Err(); err != nil {
			return nil, errkind.WithJob(errkind.Timeout("flush", err), c.jobID)
		}
	}

	if err := c.processor.WaitUntilRenormalizerIdle(ctx); err != nil {
		return nil, errkind.WithJob(errkind.Timeout("flush", err), c.jobID)
	}

	took := time.Since(start)
	if c.latency != nil {
		c.latency.Record(took)
	}
	c.logger.Debug("flush_complete", "flush_id", token, "took", took.String())
	return ack, nil
}

func (c *Communicator) writeFlush(params FlushParams, interim wire.TimeRange) (string, error) {
	if err := c.data.WriteHeader(); err != nil {
		return "", c.writeFailed("write_header", err)
	}
	if params.CalcInterim {
		if err := c.ctrl.WriteCalcInterim(interim); err != nil {
			return "", c.writeFailed("calc_interim", err)
		}
	}
	if !params.AdvanceTime.IsZero() {
		if err := c.ctrl.WriteAdvanceTime(params.AdvanceTime); err != nil {
			return "", c.writeFailed("advance_time", err)
		}
	}
	if !params.SkipTime.IsZero() {
		if err := c.ctrl.WriteSkipTime(params.SkipTime); err != nil {
			return "", c.writeFailed("skip_time", err)
		}
	}
	token, err := c.ctrl.WriteFlush()
	if err != nil {
		return "", c.writeFailed("flush", err)
	}
	if err := c.enc.Flush(); err != nil {
		return "", c.writeFailed("flush", err)
	}
	return token, nil
}

// UpdateConfig queues a model plot or detector rules update. done is
// called exactly once.
func (c *Communicator) UpdateConfig(ctx context.Context, params UpdateParams, done func(error)) {
	finish := func(err error) {
		if done != nil {
			done(err)
		}
	}
	c.submit(func() { finish(c.updateConfig(ctx, params)) }, finish)
}

func (c *Communicator) updateConfig(ctx context.Context, params UpdateParams) (err error) {
	_, span := c.startSpan(ctx, "autodetect.update_config")
	defer func() { endSpan(span, err) }()

	if err := params.validate(c.detectors); err != nil {
		return errkind.WithJob(err, c.jobID)
	}
	if err := c.checkAlive("update_config"); err != nil {
		return err
	}
	if err := c.data.WriteHeader(); err != nil {
		return c.writeFailed("write_header", err)
	}
	if params.ModelPlotConfig != nil {
		if err := c.ctrl.WriteModelPlotConfig(params.ModelPlotConfig); err != nil {
			return c.writeFailed("update_model_plot", err)
		}
	}
	for _, r := range params.DetectorRules {
		if err := c.ctrl.WriteDetectorRules(r.DetectorIndex, r.Rules); err != nil {
			return c.writeFailed("update_detector_rules", err)
		}
	}
	if err := c.enc.Flush(); err != nil {
		return c.writeFailed("update_config", err)
	}
	c.logger.Info("config_updated", "model_plot", params.ModelPlotConfig != nil, "detector_rules", len(params.DetectorRules))
	return nil
}

// Close queues the final operation and waits for it. It closes the
// engine, waits for its remaining results and stops the worker. Only the
// first call does the work; later calls wait for it and return nil.
func (c *Communicator) Close(ctx context.Context, restart bool, reason string) error {
	first := false
	c.closeOnce.Do(func() {
		first = true
		close(c.closing)
		c.submitMu.Lock()
		c.closed = true
		c.submitMu.Unlock()

		final := task{
			run: func() {
				c.closeErr = c.close(ctx, restart, reason)
			},
			final: true,
		}
		killed := false
		select {
		case c.tasks <- final:
		case <-ctx.Done():
			// The queue is full behind an operation the engine never
			// answers. Killing it fails the queued work and frees a slot.
			c.killOnCloseTimeout(ctx)
			killed = true
			c.tasks <- final
		}
		select {
		case <-c.stopped:
		case <-ctx.Done():
			if !killed {
				c.killOnCloseTimeout(ctx)
			}
			<-c.stopped
		}
		close(c.closeDone)
	})
	if !first {
		<-c.closeDone
		return nil
	}
	return c.closeErr
}

// killOnCloseTimeout kills an engine that stopped answering, failing the
// flush it blocks.
func (c *Communicator) killOnCloseTimeout(ctx context.Context) {
	c.logger.Warn("close_timeout_killing_engine", "error", ctx.Err())
	c.process.Kill()
}

func (c *Communicator) close(ctx context.Context, restart bool, reason string) (err error) {
	ctx, span := c.startSpan(ctx, "autodetect.close")
	span.SetAttributes(attribute.Bool("autodetect.restart", restart), attribute.String("autodetect.reason", reason))
	defer func() { endSpan(span, err) }()

	if ferr := c.enc.Flush(); ferr != nil && c.process.IsAlive() {
		c.logger.Warn("input_flush_failed", "error", ferr)
	}
	err = c.process.Close(ctx, restart, reason)

	awaitCtx, cancel := context.WithTimeout(ctx, c.resultsTimeout)
	if aerr := c.processor.AwaitCompletion(awaitCtx); aerr != nil {
		c.logger.Warn("results_drain_timeout", "timeout", c.resultsTimeout.String(), "error", aerr)
		c.process.Kill()
	}
	cancel()

	c.process.Release()
	c.cancel()
	<-c.processor.Done()
	c.logger.Info("communicator_closed", "restart", restart, "reason", reason, "error", err)
	return err
}

// Kill stops the engine immediately. Operations in flight fail with
// ProcessCrashed and no crash is reported. Close must still be called to
// release resources.
func (c *Communicator) Kill() {
	c.logger.Warn("engine_killed")
	c.process.Kill()
}

// =============================================================================
// Queries
// =============================================================================

// ModelSizeStats returns the latest model size stats from the engine.
func (c *Communicator) ModelSizeStats() (results.ModelSizeStats, bool) {
	return c.processor.ModelState().ModelSizeStats()
}

// ModelSnapshot returns the latest model snapshot from the engine.
func (c *Communicator) ModelSnapshot() (results.ModelSnapshot, bool) {
	return c.processor.ModelState().ModelSnapshot()
}

// Quantiles returns the latest quantiles from the engine.
func (c *Communicator) Quantiles() (results.Quantiles, bool) {
	return c.processor.ModelState().Quantiles()
}

// DataCounts returns the job's data counts.
func (c *Communicator) DataCounts() stats.DataCounts {
	return c.counts.Snapshot()
}

// ProcessStartTime returns when the engine was started.
func (c *Communicator) ProcessStartTime() time.Time {
	return c.process.StartTime()
}

// IsAlive reports whether the engine is running.
func (c *Communicator) IsAlive() bool {
	return c.process.IsAlive()
}

// Processor returns the result processor.
func (c *Communicator) Processor() *processor.ResultProcessor {
	return c.processor
}

// JobID returns the job identifier.
func (c *Communicator) JobID() string {
	return c.jobID
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
