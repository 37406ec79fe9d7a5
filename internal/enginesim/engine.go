// Package enginesim is a deterministic stand-in for the analytics engine.
//
// It reads length-encoded records, groups data into buckets by the time
// in the first field and writes results in the engine's output format.
// Control messages are honoured: flush is acknowledged, calc-interim
// emits the open bucket as interim, advance/skip move the clock and
// updates are logged. At end of input the final bucket, model size
// stats, quantiles and a model snapshot are emitted, and the state
// documents are written NUL-separated to the state writer.
//
// It backs the autodetect-sim binary and lets tests run the manager
// without a real engine.
package enginesim

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/randomizedcoder/go-autodetect/internal/logging"
	"github.com/randomizedcoder/go-autodetect/internal/results"
	"github.com/randomizedcoder/go-autodetect/internal/wire"
)

// DefaultBucketSpan is used when Config.BucketSpan is zero.
const DefaultBucketSpan = 5 * time.Minute

// ErrInjected is reported by the engine when a hook fails it.
var ErrInjected = errors.New("injected engine failure")

// Hooks lets tests script the engine.
type Hooks struct {
	// OnControl is called before a control message is handled. Returning
	// false skips the default handling, for example to withhold a flush
	// acknowledgement.
	OnControl func(msg wire.ControlMessage) bool

	// OnRecord is called for every data record. A non-nil error makes the
	// engine log it as FATAL and stop.
	OnRecord func(fields []string) error
}

// Config configures an Engine.
type Config struct {
	JobID      string
	BucketSpan time.Duration

	// AnomalyThreshold reports an anomaly record for any bucket whose
	// maximum value in the first analysis field exceeds it. Zero disables
	// anomaly records.
	AnomalyThreshold float64

	// ModelPlot enables model plot output from the start.
	ModelPlot bool

	// CrashAfter makes the engine fail fatally after that many data
	// records. Zero disables it.
	CrashAfter int64

	// IgnoreFlush withholds every flush acknowledgement.
	IgnoreFlush bool

	Hooks Hooks
}

// Engine is one simulated engine instance. Run may be called once.
type Engine struct {
	cfg  Config
	span int64

	res   *results.Writer
	state io.Writer
	logMu sync.Mutex
	logW  io.Writer

	header    []string
	open      *bucket
	lastFinal int64
	latest    int64
	records   int64
	buckets   int64
	modelPlot bool
	rules     map[int]string
}

type bucket struct {
	start  int64
	count  int64
	sum    float64
	max    float64
	maxBy  string
	values int64
}

// New creates an Engine.
func New(cfg Config) *Engine {
	span := cfg.BucketSpan
	if span <= 0 {
		span = DefaultBucketSpan
	}
	return &Engine{
		cfg:       cfg,
		span:      int64(span / time.Second),
		modelPlot: cfg.ModelPlot,
		rules:     make(map[int]string),
	}
}

// Run processes in until EOF. Results go to out, state documents to
// state and JSON log lines to logw; state and logw may be nil.
func (e *Engine) Run(in io.Reader, out, state, logw io.Writer) error {
	e.res = results.NewWriter(out)
	e.state = state
	e.logW = logw

	e.log(logging.LevelInfo, fmt.Sprintf("simulated engine starting for job %s, bucket span %ds", e.cfg.JobID, e.span))

	r := wire.NewReader(in)
	for {
		fields, err := r.ReadRecord()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			e.log(logging.LevelFatal, "failed to read input: "+err.Error())
			return err
		}
		if err := e.handleRecord(fields); err != nil {
			e.log(logging.LevelFatal, err.Error())
			return err
		}
	}

	if err := e.finish(); err != nil {
		e.log(logging.LevelError, "failed to write final results: "+err.Error())
		return err
	}
	e.log(logging.LevelInfo, "simulated engine exiting")
	return nil
}

func (e *Engine) handleRecord(fields []string) error {
	if wire.IsControl(fields) {
		msg, ok, err := wire.ParseControl(fields)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if e.cfg.Hooks.OnControl != nil && !e.cfg.Hooks.OnControl(msg) {
			return nil
		}
		return e.handleControl(msg)
	}

	if e.header == nil {
		e.header = append([]string(nil), fields...)
		e.log(logging.LevelDebug, fmt.Sprintf("input fields: %v", e.header))
		return nil
	}

	if e.cfg.Hooks.OnRecord != nil {
		if err := e.cfg.Hooks.OnRecord(fields); err != nil {
			return fmt.Errorf("%w: %v", ErrInjected, err)
		}
	}
	e.records++
	if e.cfg.CrashAfter > 0 && e.records >= e.cfg.CrashAfter {
		return fmt.Errorf("%w after %d records", ErrInjected, e.records)
	}
	return e.observe(fields)
}

func (e *Engine) observe(fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	t, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		e.log(logging.LevelWarn, fmt.Sprintf("unparseable time %q", fields[0]))
		return nil
	}
	start := t - t%e.span

	switch {
	case start < e.lastFinal:
		e.log(logging.LevelDebug, fmt.Sprintf("record at %d precedes finalized time %d", t, e.lastFinal))
		return nil
	case e.open == nil:
		e.open = &bucket{start: start, max: math.Inf(-1)}
	case start > e.open.start:
		if err := e.finalize(e.open, false); err != nil {
			return err
		}
		e.open = &bucket{start: start, max: math.Inf(-1)}
	case start < e.open.start:
		return nil
	}

	b := e.open
	b.count++
	if t > e.latest {
		e.latest = t
	}
	if len(fields) > 1 {
		if v, err := strconv.ParseFloat(fields[1], 64); err == nil {
			b.values++
			b.sum += v
			if v > b.max {
				b.max = v
				if len(fields) > 2 {
					b.maxBy = fields[2]
				}
			}
		}
	}
	return nil
}

// finalize writes the results for b. Final buckets advance the finalized
// time; interim ones leave b open.
func (e *Engine) finalize(b *bucket, interim bool) error {
	score := e.score(b)
	var influencers []results.BucketInfluencer

	if score > 0 {
		mean := b.sum / float64(b.values)
		rec := results.AnomalyRecord{
			JobID:                 e.cfg.JobID,
			Timestamp:             b.start,
			BucketSpan:            e.span,
			Probability:           probability(score),
			AnomalyScore:          score,
			NormalizedProbability: score,
			Function:              "max",
			FieldName:             e.fieldName(1),
			Actual:                []float64{b.max},
			Typical:               []float64{mean},
			IsInterim:             interim,
		}
		if b.maxBy != "" {
			rec.ByFieldName = e.fieldName(2)
			rec.ByFieldValue = b.maxBy
		}
		if err := e.res.Write(results.RecordBatch{rec}); err != nil {
			return err
		}
		if b.maxBy != "" {
			inf := results.Influencer{
				JobID:                e.cfg.JobID,
				Timestamp:            b.start,
				InfluencerFieldName:  e.fieldName(2),
				InfluencerFieldValue: b.maxBy,
				Probability:          probability(score),
				InitialAnomalyScore:  score,
				AnomalyScore:         score,
				IsInterim:            interim,
			}
			if err := e.res.Write(results.InfluencerBatch{inf}); err != nil {
				return err
			}
			influencers = append(influencers, results.BucketInfluencer{
				InfluencerFieldName: e.fieldName(2),
				InitialAnomalyScore: score,
				AnomalyScore:        score,
				RawAnomalyScore:     score / 100,
				Probability:         probability(score),
			})
		}
	}

	if e.modelPlot && b.values > 0 {
		mean := b.sum / float64(b.values)
		plot := &results.ModelPlot{
			JobID:        e.cfg.JobID,
			Timestamp:    b.start,
			ModelFeature: "'arithmetic mean value by person'",
			ModelLower:   mean * 0.5,
			ModelUpper:   mean * 1.5,
			ModelMedian:  mean,
			Actual:       b.max,
		}
		if err := e.res.Write(plot); err != nil {
			return err
		}
	}

	recordCount := 0
	if score > 0 {
		recordCount = 1
	}
	bk := &results.Bucket{
		JobID:                    e.cfg.JobID,
		Timestamp:                b.start,
		BucketSpan:               e.span,
		AnomalyScore:             score,
		InitialAnomalyScore:      score,
		MaxNormalizedProbability: score,
		RecordCount:              recordCount,
		EventCount:               b.count,
		IsInterim:                interim,
		BucketInfluencers:        influencers,
	}
	if err := e.res.Write(bk); err != nil {
		return err
	}
	if !interim {
		e.buckets++
		e.lastFinal = b.start + e.span
	}
	return nil
}

func (e *Engine) score(b *bucket) float64 {
	if e.cfg.AnomalyThreshold <= 0 || b.values == 0 || b.max <= e.cfg.AnomalyThreshold {
		return 0
	}
	s := 100 * (b.max - e.cfg.AnomalyThreshold) / e.cfg.AnomalyThreshold
	return math.Min(100, math.Round(s*1000)/1000)
}

func probability(score float64) float64 {
	return math.Pow(10, -score/10)
}

func (e *Engine) fieldName(i int) string {
	if i < len(e.header) {
		return e.header[i]
	}
	return ""
}

func (e *Engine) handleControl(msg wire.ControlMessage) error {
	switch msg.Kind {
	case wire.ControlFlush:
		if e.cfg.IgnoreFlush {
			e.log(logging.LevelDebug, "withholding flush acknowledgement "+msg.Payload)
			return nil
		}
		return e.res.Write(&results.FlushAcknowledgement{ID: msg.Payload, LastFinalizedBucketEnd: e.lastFinal})

	case wire.ControlCalcInterim:
		r, err := wire.ParseTimeRange(msg.Payload)
		if err != nil {
			e.log(logging.LevelWarn, "bad interim range: "+err.Error())
			return nil
		}
		if e.open == nil {
			return nil
		}
		if !r.IsZero() && (e.open.start < r.Start || e.open.start >= r.End) {
			return nil
		}
		return e.finalize(e.open, true)

	case wire.ControlResetBuckets:
		r, err := wire.ParseTimeRange(msg.Payload)
		if err != nil || r.IsZero() {
			e.log(logging.LevelWarn, fmt.Sprintf("bad reset range %q", msg.Payload))
			return nil
		}
		if e.open != nil && e.open.start >= r.Start && e.open.start < r.End {
			e.open = nil
		}
		e.log(logging.LevelInfo, fmt.Sprintf("reset buckets in [%d, %d)", r.Start, r.End))
		return nil

	case wire.ControlAdvanceTime:
		t, err := strconv.ParseInt(msg.Payload, 10, 64)
		if err != nil {
			e.log(logging.LevelWarn, "bad advance time: "+err.Error())
			return nil
		}
		if e.open != nil && e.open.start+e.span <= t {
			if err := e.finalize(e.open, false); err != nil {
				return err
			}
			e.open = nil
		}
		if end := t - t%e.span; end > e.lastFinal {
			e.lastFinal = end
		}
		return nil

	case wire.ControlSkipTime:
		t, err := strconv.ParseInt(msg.Payload, 10, 64)
		if err != nil {
			e.log(logging.LevelWarn, "bad skip time: "+err.Error())
			return nil
		}
		e.open = nil
		if end := t - t%e.span; end > e.lastFinal {
			e.lastFinal = end
		}
		e.log(logging.LevelInfo, fmt.Sprintf("skipped to %d", t))
		return nil

	case wire.ControlUpdate:
		return e.handleUpdate(msg.Payload)

	default:
		e.log(logging.LevelWarn, fmt.Sprintf("ignoring unknown control message %s", msg.Kind))
		return nil
	}
}

func (e *Engine) handleUpdate(payload string) error {
	section, body, err := wire.ParseUpdate(payload)
	if err != nil {
		e.log(logging.LevelError, "bad update: "+err.Error())
		return nil
	}
	switch section {
	case "modelPlotConfig":
		var cfg struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.Unmarshal([]byte(body), &cfg); err != nil {
			e.log(logging.LevelError, "bad model plot config: "+err.Error())
			return nil
		}
		e.modelPlot = cfg.Enabled
		e.log(logging.LevelInfo, fmt.Sprintf("model plot enabled=%t", cfg.Enabled))
	case "detectorRules":
		u, err := wire.ParseDetectorRules(body)
		if err != nil {
			e.log(logging.LevelError, "bad detector rules: "+err.Error())
			return nil
		}
		e.rules[u.DetectorIndex] = u.RulesJSON
		e.log(logging.LevelInfo, fmt.Sprintf("updated rules for detector %d", u.DetectorIndex))
	default:
		e.log(logging.LevelWarn, "ignoring update section "+section)
	}
	return nil
}

// finish finalizes the open bucket and emits end-of-run model state.
func (e *Engine) finish() error {
	if e.open != nil {
		if err := e.finalize(e.open, false); err != nil {
			return err
		}
		e.open = nil
	}

	now := time.Now().Unix()
	sizeStats := &results.ModelSizeStats{
		JobID:             e.cfg.JobID,
		ModelBytes:        4096 + 64*e.buckets,
		TotalByFieldCount: int64(len(e.header)),
		MemoryStatus:      results.MemoryStatusOK,
		Timestamp:         e.lastFinal,
		LogTime:           now,
	}
	quantileState, _ := json.Marshal(map[string]any{"buckets": e.buckets, "records": e.records})
	quantiles := &results.Quantiles{
		JobID:         e.cfg.JobID,
		Timestamp:     e.lastFinal,
		QuantileState: string(quantileState),
	}
	snapshot := &results.ModelSnapshot{
		JobID:                 e.cfg.JobID,
		SnapshotID:            strconv.FormatInt(now, 10),
		Timestamp:             now,
		Description:           fmt.Sprintf("State persisted due to job close at %s", time.Unix(now, 0).UTC().Format(time.RFC3339)),
		SnapshotDocCount:      1,
		LatestRecordTimeStamp: e.latest,
		LatestResultTimeStamp: e.lastFinal,
		ModelSizeStats:        sizeStats,
	}

	if err := e.persistState(snapshot, quantiles); err != nil {
		e.log(logging.LevelError, "failed to persist state: "+err.Error())
	}

	for _, m := range []results.Message{sizeStats, quantiles, snapshot} {
		if err := e.res.Write(m); err != nil {
			return err
		}
	}
	return e.res.Close()
}

func (e *Engine) persistState(snapshot *results.ModelSnapshot, quantiles *results.Quantiles) error {
	if e.state == nil {
		return nil
	}
	doc, err := json.Marshal(map[string]any{
		"job_id":      e.cfg.JobID,
		"snapshot_id": snapshot.SnapshotID,
		"records":     e.records,
		"buckets":     e.buckets,
		"rules":       e.rules,
	})
	if err != nil {
		return err
	}
	qdoc, err := json.Marshal(quantiles)
	if err != nil {
		return err
	}
	for _, d := range [][]byte{doc, qdoc} {
		if _, err := e.state.Write(append(d, 0)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) log(level, msg string) {
	if e.logW == nil {
		return
	}
	line, err := json.Marshal(logging.EngineLogEntry{
		Logger:    "sim",
		Timestamp: time.Now().UnixMilli(),
		Level:     level,
		Message:   msg,
	})
	if err != nil {
		return
	}
	e.logMu.Lock()
	defer e.logMu.Unlock()
	_, _ = e.logW.Write(append(line, '\n'))
}

// Records returns the number of data records seen.
func (e *Engine) Records() int64 {
	return e.records
}
