// Package metrics provides Prometheus metrics for go-autodetect.
//
// Metrics are organized into two tiers:
//   - Tier 1 (always enabled): event counters and totals across all jobs
//   - Tier 2 (optional, -prom-job-metrics): per-job data counts, labelled
//     by job id
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-autodetect/internal/results"
	"github.com/randomizedcoder/go-autodetect/internal/stats"
)

const namespace = "autodetect"

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Version    string
	EngineName string

	// PerJobMetrics enables the Tier 2 per-job series.
	PerJobMetrics bool

	// Stats is read at scrape time. Optional.
	Stats *stats.Aggregator

	// ActiveJobs reports the number of jobs with a live engine. Optional.
	ActiveJobs func() int
}

// Collector manages all Prometheus metrics for the job manager.
type Collector struct {
	info            *prometheus.GaugeVec
	stateChanges    *prometheus.CounterVec
	crashes         prometheus.Counter
	restarts        prometheus.Counter
	restartDelay    prometheus.Histogram
	flushes         *prometheus.CounterVec
	flushLatency    prometheus.Histogram
	dataWrites      *prometheus.CounterVec
	resultsTotal    *prometheus.CounterVec
	configUpdates   *prometheus.CounterVec
	lastFlushUnix   prometheus.Gauge
	perJobEnabled   bool
	activeJobsFn    func() int
	statsCollector  *statsCollector
	peakActiveJobs  int
	peakActiveMutex sync.Mutex
}

// NewCollector creates a collector registered with the default registry.
func NewCollector(cfg CollectorConfig) *Collector {
	return NewCollectorWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector with a custom registry.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	c := &Collector{
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Information about the running manager (value always 1)",
		}, []string{"version", "engine"}),

		stateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_state_changes_total",
			Help:      "Job state transitions by new state",
		}, []string{"state"}),

		crashes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_crashes_total",
			Help:      "Engine processes that died without being closed",
		}),

		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_restarts_total",
			Help:      "Engine restart attempts",
		}),

		restartDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_restart_delay_seconds",
			Help:      "Backoff delay before each restart",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),

		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Flush requests by outcome",
		}, []string{"result"}),

		flushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Time from flush request to acknowledgement",
			Buckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05,
				0.1, 0.25, 0.5, 1, 2.5, 5, 10,
			},
		}),

		dataWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_writes_total",
			Help:      "Data upload operations by outcome",
		}, []string{"result"}),

		resultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_total",
			Help:      "Result messages handled, by kind",
		}, []string{"kind", "interim"}),

		configUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_updates_total",
			Help:      "Configuration updates sent to engines, by outcome",
		}, []string{"result"}),

		lastFlushUnix: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_flush_timestamp_seconds",
			Help:      "Unix time of the last acknowledged flush",
		}),

		perJobEnabled: cfg.PerJobMetrics,
		activeJobsFn:  cfg.ActiveJobs,
	}

	registry.MustRegister(
		c.info,
		c.stateChanges,
		c.crashes,
		c.restarts,
		c.restartDelay,
		c.flushes,
		c.flushLatency,
		c.dataWrites,
		c.resultsTotal,
		c.configUpdates,
		c.lastFlushUnix,
	)

	if cfg.ActiveJobs != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Jobs with a live engine process",
		}, func() float64 { return float64(c.observeActive()) }))
	}

	if cfg.Stats != nil {
		c.statsCollector = newStatsCollector(cfg.Stats, cfg.PerJobMetrics)
		registry.MustRegister(c.statsCollector)
	}

	engine := cfg.EngineName
	if engine == "" {
		engine = "autodetect"
	}
	c.info.WithLabelValues(cfg.Version, engine).Set(1)

	return c
}

// =============================================================================
// Event Recording Methods
// =============================================================================

// RecordStateChange counts a job entering state.
func (c *Collector) RecordStateChange(state string) {
	c.stateChanges.WithLabelValues(state).Inc()
}

// RecordCrash counts an engine crash.
func (c *Collector) RecordCrash() {
	c.crashes.Inc()
}

// RecordRestart counts a restart attempt and its backoff delay.
func (c *Collector) RecordRestart(delay time.Duration) {
	c.restarts.Inc()
	c.restartDelay.Observe(delay.Seconds())
}

// RecordFlush records a flush outcome. Latency is only observed for
// acknowledged flushes.
func (c *Collector) RecordFlush(took time.Duration, err error) {
	if err != nil {
		c.flushes.WithLabelValues("error").Inc()
		return
	}
	c.flushes.WithLabelValues("ok").Inc()
	c.flushLatency.Observe(took.Seconds())
	c.lastFlushUnix.SetToCurrentTime()
}

// RecordWrite records a data upload outcome.
func (c *Collector) RecordWrite(err error) {
	c.dataWrites.WithLabelValues(outcome(err)).Inc()
}

// RecordConfigUpdate records a configuration update outcome.
func (c *Collector) RecordConfigUpdate(err error) {
	c.configUpdates.WithLabelValues(outcome(err)).Inc()
}

// RecordResult counts one handled result message.
func (c *Collector) RecordResult(kind results.Kind, interim bool) {
	c.resultsTotal.WithLabelValues(kind.String(), strconv.FormatBool(interim)).Inc()
}

// =============================================================================
// Summary Accessors
// =============================================================================

// PerJobEnabled returns whether per-job metrics are enabled.
func (c *Collector) PerJobEnabled() bool {
	return c.perJobEnabled
}

// PeakActiveJobs returns the highest active job count seen by a scrape or
// by SampleActive.
func (c *Collector) PeakActiveJobs() int {
	c.peakActiveMutex.Lock()
	defer c.peakActiveMutex.Unlock()
	return c.peakActiveJobs
}

// SampleActive reads the active job count and updates the peak.
func (c *Collector) SampleActive() int {
	return c.observeActive()
}

func (c *Collector) observeActive() int {
	if c.activeJobsFn == nil {
		return 0
	}
	n := c.activeJobsFn()
	c.peakActiveMutex.Lock()
	if n > c.peakActiveJobs {
		c.peakActiveJobs = n
	}
	c.peakActiveMutex.Unlock()
	return n
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// =============================================================================
// Stats collector (read at scrape time)
// =============================================================================

// statsCollector exposes the aggregator's cumulative data counts. The
// counts are owned by the aggregator, so they are emitted as const
// metrics on every scrape rather than mirrored into counters.
type statsCollector struct {
	agg    *stats.Aggregator
	perJob bool

	inputRecords     *prometheus.Desc
	processedRecords *prometheus.Desc
	inputBytes       *prometheus.Desc
	invalidDates     *prometheus.Desc
	missingFields    *prometheus.Desc
	outOfOrder       *prometheus.Desc
	flushQuantiles   *prometheus.Desc

	jobProcessed *prometheus.Desc
	jobBytes     *prometheus.Desc
	jobLatest    *prometheus.Desc
}

func newStatsCollector(agg *stats.Aggregator, perJob bool) *statsCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &statsCollector{
		agg:              agg,
		perJob:           perJob,
		inputRecords:     desc("input_records_total", "Records read from job inputs"),
		processedRecords: desc("processed_records_total", "Records sent to engines"),
		inputBytes:       desc("input_bytes_total", "Bytes read from job inputs"),
		invalidDates:     desc("invalid_date_records_total", "Records dropped for an unparseable time"),
		missingFields:    desc("missing_fields_total", "Analysis fields absent from input records"),
		outOfOrder:       desc("out_of_order_records_total", "Records dropped for arriving behind the latency window"),
		flushQuantiles:   desc("flush_latency_seconds", "Flush latency quantiles from the t-digest", "quantile"),
		jobProcessed:     desc("job_processed_records_total", "Records sent to the engine, per job", "job"),
		jobBytes:         desc("job_input_bytes_total", "Bytes read from input, per job", "job"),
		jobLatest:        desc("job_latest_record_timestamp_seconds", "Time of the newest record sent, per job", "job"),
	}
}

func (s *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.inputRecords
	ch <- s.processedRecords
	ch <- s.inputBytes
	ch <- s.invalidDates
	ch <- s.missingFields
	ch <- s.outOfOrder
	ch <- s.flushQuantiles
	if s.perJob {
		ch <- s.jobProcessed
		ch <- s.jobBytes
		ch <- s.jobLatest
	}
}

func (s *statsCollector) Collect(ch chan<- prometheus.Metric) {
	agg := s.agg.Aggregate()

	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	counter(s.inputRecords, agg.TotalInputRecords)
	counter(s.processedRecords, agg.TotalProcessedRecords)
	counter(s.inputBytes, agg.TotalInputBytes)
	counter(s.invalidDates, agg.TotalInvalidDates)
	counter(s.missingFields, agg.TotalMissingFields)
	counter(s.outOfOrder, agg.TotalOutOfOrder)

	if agg.Flushes.Count > 0 {
		for _, q := range []struct {
			label string
			v     time.Duration
		}{
			{"0.5", agg.Flushes.P50},
			{"0.95", agg.Flushes.P95},
			{"0.99", agg.Flushes.P99},
		} {
			ch <- prometheus.MustNewConstMetric(s.flushQuantiles, prometheus.GaugeValue, q.v.Seconds(), q.label)
		}
	}

	if !s.perJob {
		return
	}
	for _, dc := range agg.PerJob {
		counter(s.jobProcessed, dc.ProcessedRecordCount, dc.JobID)
		counter(s.jobBytes, dc.InputBytes, dc.JobID)
		if !dc.LatestRecordTime.IsZero() {
			ch <- prometheus.MustNewConstMetric(s.jobLatest, prometheus.GaugeValue,
				float64(dc.LatestRecordTime.Unix()), dc.JobID)
		}
	}
}
