// Package processor consumes the analytics engine's result stream for one
// job. It applies interim/final replacement when persisting scored
// results, tracks running model state and releases callers waiting on
// flush acknowledgements.
package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randomizedcoder/go-autodetect/internal/errkind"
	"github.com/randomizedcoder/go-autodetect/internal/results"
)

// Persister stores results for one job.
type Persister interface {
	// PersistInterim stores a provisional bucket, record batch or
	// influencer batch.
	PersistInterim(ctx context.Context, jobID string, m results.Scored) error

	// PersistFinal stores a finalized bucket, record batch or influencer
	// batch.
	PersistFinal(ctx context.Context, jobID string, m results.Scored) error

	// DeleteInterim removes every interim result stored for the job.
	DeleteInterim(ctx context.Context, jobID string) error

	// PersistModelState stores category definitions, model size stats,
	// snapshots, quantiles and model plot output.
	PersistModelState(ctx context.Context, jobID string, m results.Message) error
}

// Renormalizer adjusts the scores of persisted results after quantiles
// change.
type Renormalizer interface {
	Renormalize(q *results.Quantiles)
	IsIdle() bool
}

// Callbacks contains optional callback functions for result events.
type Callbacks struct {
	// OnResult is called after each message has been handled.
	OnResult func(kind results.Kind, interim bool)

	// OnFlushAck is called when a flush acknowledgement is recorded.
	OnFlushAck func(ack *results.FlushAcknowledgement)

	// OnPersistError is called when the persister rejects a message.
	// Processing continues; the engine must keep being drained.
	OnPersistError func(kind results.Kind, err error)

	// OnFatal is called once if the stream ends with a protocol error.
	OnFatal func(err error)
}

// Config holds configuration for creating a ResultProcessor.
type Config struct {
	JobID        string
	Persister    Persister
	Renormalizer Renormalizer // optional
	Logger       *slog.Logger
	Callbacks    Callbacks

	// IdlePollInterval is how often the renormalizer is polled while
	// waiting for it to go idle.
	IdlePollInterval time.Duration

	// DrainTimeout bounds the wait for the renormalizer after the stream
	// ends.
	DrainTimeout time.Duration
}

// DefaultIdlePollInterval is used when Config.IdlePollInterval is zero.
const DefaultIdlePollInterval = 100 * time.Millisecond

// DefaultDrainTimeout is used when Config.DrainTimeout is zero.
const DefaultDrainTimeout = 30 * time.Second

// ResultProcessor is the single consumer of one engine's output stream.
type ResultProcessor struct {
	jobID        string
	persister    Persister
	renormalizer Renormalizer
	logger       *slog.Logger
	callbacks    Callbacks

	idlePoll     time.Duration
	drainTimeout time.Duration

	state   atomic.Int32
	model   RunningModelState
	flushes *flushRegistry

	// Interim bookkeeping, owned by the result loop. interimPersisted is
	// true while an interim set may be stored; interimStale becomes true
	// when a flush ack closes the request that produced that set, so the
	// next interim message starts a new set.
	interimPersisted bool
	interimStale     bool

	done    chan struct{}
	errMu   sync.Mutex
	err     error
	started atomic.Bool
}

// New creates a ResultProcessor. Call Run to start consuming.
func New(cfg Config) *ResultProcessor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	idlePoll := cfg.IdlePollInterval
	if idlePoll <= 0 {
		idlePoll = DefaultIdlePollInterval
	}
	drainTimeout := cfg.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = DefaultDrainTimeout
	}

	return &ResultProcessor{
		jobID:        cfg.JobID,
		persister:    cfg.Persister,
		renormalizer: cfg.Renormalizer,
		logger:       logger.With("job_id", cfg.JobID),
		callbacks:    cfg.Callbacks,
		idlePoll:     idlePoll,
		drainTimeout: drainTimeout,
		flushes:      newFlushRegistry(),
		done:         make(chan struct{}),
		// A previous process instance may have left interim results
		// behind, so the first scored message clears them.
		interimPersisted: true,
		interimStale:     true,
	}
}

// Run consumes r until it ends. It returns nil on an orderly end of
// stream. After a decode failure the remainder of r is discarded so the
// engine never blocks writing to a full pipe.
func (p *ResultProcessor) Run(ctx context.Context, r io.Reader) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("result processor already running")
	}
	defer close(p.done)
	defer p.flushes.shutdown()

	dec := results.NewDecoder(r)
	err := p.consume(ctx, dec)

	if err != nil {
		p.setErr(err)
		if errkind.KindOf(err) == errkind.KindProtocol {
			p.logger.Error("result_stream_malformed", "error", err, "decoded", dec.Decoded())
			if p.callbacks.OnFatal != nil {
				p.callbacks.OnFatal(err)
			}
		} else {
			p.logger.Warn("result_stream_read_failed", "error", err, "decoded", dec.Decoded())
		}
		if n, cerr := io.Copy(io.Discard, r); n > 0 || (cerr != nil && !errors.Is(cerr, io.EOF)) {
			p.logger.Debug("result_stream_discarded", "bytes", n, "error", cerr)
		}
	}

	p.setState(StateDraining)
	drainCtx, cancel := context.WithTimeout(ctx, p.drainTimeout)
	if werr := p.WaitUntilRenormalizerIdle(drainCtx); werr != nil {
		p.logger.Warn("renormalizer_drain_timeout", "timeout", p.drainTimeout.String())
	}
	cancel()

	p.setState(StateStopped)
	p.logger.Debug("result_processor_stopped", "decoded", dec.Decoded())
	return err
}

func (p *ResultProcessor) consume(ctx context.Context, dec *results.Decoder) error {
	for {
		msg, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errkind.WithJob(err, p.jobID)
		}
		if p.State() == StateAwaitingInitial {
			p.setState(StateSteadyState)
		}
		p.handle(ctx, msg)
	}
}

func (p *ResultProcessor) handle(ctx context.Context, msg results.Message) {
	interim := false

	switch m := msg.(type) {
	case *results.Bucket:
		interim = m.IsInterim
		p.model.observeBucket(m)
		p.persistScored(ctx, m)
	case results.RecordBatch:
		interim = m.Interim()
		p.persistScored(ctx, m)
	case results.InfluencerBatch:
		interim = m.Interim()
		p.persistScored(ctx, m)
	case *results.ModelSizeStats:
		p.model.setModelSizeStats(m)
		p.persistModelState(ctx, m)
	case *results.ModelSnapshot:
		p.model.setModelSnapshot(m)
		p.persistModelState(ctx, m)
	case *results.Quantiles:
		p.model.setQuantiles(m)
		p.persistModelState(ctx, m)
		if p.renormalizer != nil {
			p.renormalizer.Renormalize(m)
		}
	case *results.CategoryDefinition, *results.ModelPlot:
		p.persistModelState(ctx, m)
	case *results.FlushAcknowledgement:
		p.model.observeFlush(m)
		p.interimStale = true
		p.flushes.acknowledge(m)
		p.logger.Debug("flush_acknowledged", "flush_id", m.ID)
		if p.callbacks.OnFlushAck != nil {
			p.callbacks.OnFlushAck(m)
		}
	}

	if p.callbacks.OnResult != nil {
		p.callbacks.OnResult(msg.Kind(), interim)
	}
}

// persistScored applies interim/final replacement. Deletion always happens
// before the new results are written so readers never see an interim and
// a final result for the same bucket together.
func (p *ResultProcessor) persistScored(ctx context.Context, m results.Scored) {
	if p.persister == nil {
		return
	}

	if m.Interim() {
		if p.interimPersisted && p.interimStale {
			if err := p.deleteInterim(ctx); err != nil {
				p.persistFailed(m.Kind(), err)
				return
			}
		}
		if err := p.persister.PersistInterim(ctx, p.jobID, m); err != nil {
			p.persistFailed(m.Kind(), err)
			return
		}
		p.interimPersisted = true
		p.interimStale = false
		return
	}

	// A final result is never stored next to the interim set it replaces;
	// the next final retries the delete.
	if p.interimPersisted {
		if err := p.deleteInterim(ctx); err != nil {
			p.persistFailed(m.Kind(), err)
			return
		}
	}
	if err := p.persister.PersistFinal(ctx, p.jobID, m); err != nil {
		p.persistFailed(m.Kind(), err)
	}
}

func (p *ResultProcessor) deleteInterim(ctx context.Context) error {
	if err := p.persister.DeleteInterim(ctx, p.jobID); err != nil {
		return fmt.Errorf("delete interim results: %w", err)
	}
	p.interimPersisted = false
	return nil
}

func (p *ResultProcessor) persistModelState(ctx context.Context, m results.Message) {
	if p.persister == nil {
		return
	}
	if err := p.persister.PersistModelState(ctx, p.jobID, m); err != nil {
		p.persistFailed(m.Kind(), err)
	}
}

func (p *ResultProcessor) persistFailed(kind results.Kind, err error) {
	p.logger.Error("result_persist_failed", "kind", kind.String(), "error", err)
	if p.callbacks.OnPersistError != nil {
		p.callbacks.OnPersistError(kind, err)
	}
}

// WaitForFlushAcknowledgement waits up to timeout for the flush with the
// given token to be acknowledged. It returns false on timeout or once the
// result stream has ended without the acknowledgement; callers loop it
// with their own liveness checks.
func (p *ResultProcessor) WaitForFlushAcknowledgement(token string, timeout time.Duration) (*results.FlushAcknowledgement, bool) {
	return p.flushes.wait(token, timeout)
}

// ClearAwaitingFlush forgets a token once its caller stops waiting.
func (p *ResultProcessor) ClearAwaitingFlush(token string) {
	p.flushes.forget(token)
}

// PendingFlushes returns the number of tokens being tracked.
func (p *ResultProcessor) PendingFlushes() int {
	return p.flushes.pending()
}

// WaitUntilRenormalizerIdle blocks until the renormalizer reports no
// pending work or ctx is done.
func (p *ResultProcessor) WaitUntilRenormalizerIdle(ctx context.Context) error {
	if p.renormalizer == nil || p.renormalizer.IsIdle() {
		return nil
	}
	ticker := time.NewTicker(p.idlePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if p.renormalizer.IsIdle() {
				return nil
			}
		}
	}
}

// AwaitCompletion blocks until Run has returned or ctx is done.
func (p *ResultProcessor) AwaitCompletion(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return errkind.Timeout("await_results", ctx.Err())
	}
}

// Done is closed when Run returns.
func (p *ResultProcessor) Done() <-chan struct{} {
	return p.done
}

// Stopped reports whether Run has finished.
func (p *ResultProcessor) Stopped() bool {
	return p.State() == StateStopped
}

// Err returns the error that ended the stream, if any.
func (p *ResultProcessor) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

func (p *ResultProcessor) setErr(err error) {
	p.errMu.Lock()
	p.err = err
	p.errMu.Unlock()
}

// State returns the current loop state.
func (p *ResultProcessor) State() State {
	return State(p.state.Load())
}

func (p *ResultProcessor) setState(s State) {
	p.state.Store(int32(s))
}

// ModelState returns the running model state.
func (p *ResultProcessor) ModelState() *RunningModelState {
	return &p.model
}
