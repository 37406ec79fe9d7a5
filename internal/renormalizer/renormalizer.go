// Package renormalizer re-scores persisted results when the engine emits
// new normalization quantiles.
//
// Work is coalesced: at most one update runs at a time and a newer
// quantiles document replaces any that is still queued, since only the
// latest normalization matters.
package renormalizer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randomizedcoder/go-autodetect/internal/results"
)

// ScoreUpdater applies a quantiles document to stored results.
type ScoreUpdater interface {
	UpdateScores(ctx context.Context, jobID string, q *results.Quantiles) error
}

// ScoreUpdaterFunc adapts a function to ScoreUpdater.
type ScoreUpdaterFunc func(ctx context.Context, jobID string, q *results.Quantiles) error

// UpdateScores calls f.
func (f ScoreUpdaterFunc) UpdateScores(ctx context.Context, jobID string, q *results.Quantiles) error {
	return f(ctx, jobID, q)
}

// Callbacks contains optional callback functions for renormalization events.
type Callbacks struct {
	// OnRenormalized is called after an update completes successfully.
	OnRenormalized func(q *results.Quantiles, took time.Duration)

	// OnError is called when an update fails. The quantiles are dropped.
	OnError func(q *results.Quantiles, err error)
}

// Config holds configuration for creating a Renormalizer.
type Config struct {
	JobID     string
	Updater   ScoreUpdater // nil means no-op
	Logger    *slog.Logger
	Callbacks Callbacks
}

// Renormalizer runs score updates on a single background worker.
type Renormalizer struct {
	jobID     string
	updater   ScoreUpdater
	logger    *slog.Logger
	callbacks Callbacks

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending *results.Quantiles
	running bool
	closed  bool
	wg      sync.WaitGroup

	completed  atomic.Int64
	superseded atomic.Int64
	failed     atomic.Int64
}

// New creates a Renormalizer. The worker starts on the first Renormalize.
func New(cfg Config) *Renormalizer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	updater := cfg.Updater
	if updater == nil {
		updater = ScoreUpdaterFunc(func(context.Context, string, *results.Quantiles) error { return nil })
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Renormalizer{
		jobID:     cfg.JobID,
		updater:   updater,
		logger:    logger.With("job_id", cfg.JobID),
		callbacks: cfg.Callbacks,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Renormalize queues q. It never blocks on the update itself.
func (r *Renormalizer) Renormalize(q *results.Quantiles) {
	if q == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.pending != nil {
		r.superseded.Add(1)
		r.logger.Debug("quantiles_superseded", "timestamp", r.pending.Timestamp)
	}
	r.pending = q
	if !r.running {
		r.running = true
		r.wg.Add(1)
		go r.loop()
	}
}

func (r *Renormalizer) loop() {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		q := r.pending
		r.pending = nil
		if q == nil || r.closed {
			r.running = false
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		r.apply(q)
	}
}

func (r *Renormalizer) apply(q *results.Quantiles) {
	start := time.Now()
	err := r.updater.UpdateScores(r.ctx, r.jobID, q)
	took := time.Since(start)
	if err != nil {
		r.failed.Add(1)
		r.logger.Warn("renormalization_failed", "timestamp", q.Timestamp, "error", err)
		if r.callbacks.OnError != nil {
			r.callbacks.OnError(q, err)
		}
		return
	}
	r.completed.Add(1)
	r.logger.Debug("renormalization_complete", "timestamp", q.Timestamp, "took", took.String())
	if r.callbacks.OnRenormalized != nil {
		r.callbacks.OnRenormalized(q, took)
	}
}

// IsIdle reports whether no update is queued or running.
func (r *Renormalizer) IsIdle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.running && r.pending == nil
}

// Shutdown drops queued work, cancels the running update's context and
// waits for the worker to exit.
func (r *Renormalizer) Shutdown() {
	r.mu.Lock()
	r.closed = true
	r.pending = nil
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}

// Stats returns how many updates completed, were superseded before
// running, and failed.
func (r *Renormalizer) Stats() (completed, superseded, failed int64) {
	return r.completed.Load(), r.superseded.Load(), r.failed.Load()
}
