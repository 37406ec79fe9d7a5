package stats

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// JobStats holds the statistics of one job across process restarts.
//
// Thread-safe: counters are atomics and the reporters lock internally.
type JobStats struct {
	JobID     string
	StartTime time.Time

	Counts  *DataCountsReporter
	Flushes *FlushLatency

	Restarts   atomic.Int64
	Crashes    atomic.Int64
	ResultMsgs atomic.Int64

	// all receives every flush observation so run-wide quantiles need no
	// digest merge.
	all *FlushLatency
}

// RecordFlush records a flush round trip for this job and the run.
func (s *JobStats) RecordFlush(d time.Duration) {
	s.Flushes.Record(d)
	if s.all != nil {
		s.all.Record(d)
	}
}

// Uptime returns how long the job has been open.
func (s *JobStats) Uptime() time.Duration {
	return time.Since(s.StartTime)
}

// AggregatedStats holds metrics across all jobs.
//
// This is a snapshot - values are computed at the time of Aggregate() call.
type AggregatedStats struct {
	Timestamp time.Time
	Elapsed   time.Duration

	TotalJobs int

	TotalInputRecords     int64
	TotalProcessedRecords int64
	TotalInputBytes       int64
	TotalInvalidDates     int64
	TotalMissingFields    int64
	TotalOutOfOrder       int64
	TotalResults          int64

	TotalRestarts int64
	TotalCrashes  int64

	// Rates (per second) calculated from start time
	RecordRate     float64
	ThroughputRate float64

	// Instantaneous record rate since the previous Aggregate call
	InstantRecordRate float64

	Flushes LatencySnapshot

	PerJob []DataCounts
}

// rateSnapshot holds values for calculating instantaneous rates
type rateSnapshot struct {
	timestamp time.Time
	records   int64
}

// Aggregator aggregates stats from multiple jobs.
//
// Thread-safe: all methods can be called concurrently.
type Aggregator struct {
	mu        sync.RWMutex
	jobs      map[string]*JobStats
	startTime time.Time

	flushes *FlushLatency

	prevSnapshot atomic.Pointer[rateSnapshot]

	totalRestarts atomic.Int64
	totalCrashes  atomic.Int64
}

// NewAggregator creates a new aggregator.
func NewAggregator() *Aggregator {
	a := &Aggregator{
		jobs:      make(map[string]*JobStats),
		startTime: time.Now(),
		flushes:   NewFlushLatency(),
	}
	a.prevSnapshot.Store(&rateSnapshot{timestamp: a.startTime})
	return a
}

// Job returns the stats for jobID, creating them on first use. Stats
// survive process restarts of the same job.
func (a *Aggregator) Job(jobID string) *JobStats {
	a.mu.RLock()
	s, ok := a.jobs[jobID]
	a.mu.RUnlock()
	if ok {
		return s
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.jobs[jobID]; ok {
		return s
	}
	s = &JobStats{
		JobID:     jobID,
		StartTime: time.Now(),
		Counts:    NewDataCountsReporter(jobID),
		Flushes:   NewFlushLatency(),
		all:       a.flushes,
	}
	a.jobs[jobID] = s
	return s
}

// RemoveJob unregisters a job. Its restart and crash counts stay in the
// run totals.
func (a *Aggregator) RemoveJob(jobID string) {
	a.mu.Lock()
	if s, ok := a.jobs[jobID]; ok {
		a.totalRestarts.Add(s.Restarts.Load())
		a.totalCrashes.Add(s.Crashes.Load())
		delete(a.jobs, jobID)
	}
	a.mu.Unlock()
}

// JobCount returns the number of registered jobs.
func (a *Aggregator) JobCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.jobs)
}

// ForEachJob calls fn for each job in id order.
func (a *Aggregator) ForEachJob(fn func(s *JobStats)) {
	a.mu.RLock()
	jobs := make([]*JobStats, 0, len(a.jobs))
	for _, s := range a.jobs {
		jobs = append(jobs, s)
	}
	a.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].JobID < jobs[j].JobID })
	for _, s := range jobs {
		fn(s)
	}
}

// Aggregate computes aggregated statistics across all jobs.
func (a *Aggregator) Aggregate() *AggregatedStats {
	now := time.Now()
	result := &AggregatedStats{
		Timestamp:     now,
		Elapsed:       now.Sub(a.startTime),
		TotalRestarts: a.totalRestarts.Load(),
		TotalCrashes:  a.totalCrashes.Load(),
		Flushes:       a.flushes.Snapshot(),
	}

	a.ForEachJob(func(s *JobStats) {
		c := s.Counts.Snapshot()
		result.TotalJobs++
		result.TotalInputRecords += c.InputRecordCount
		result.TotalProcessedRecords += c.ProcessedRecordCount
		result.TotalInputBytes += c.InputBytes
		result.TotalInvalidDates += c.InvalidDateCount
		result.TotalMissingFields += c.MissingFieldCount
		result.TotalOutOfOrder += c.OutOfOrderTimeStampCount
		result.TotalResults += s.ResultMsgs.Load()
		result.TotalRestarts += s.Restarts.Load()
		result.TotalCrashes += s.Crashes.Load()
		result.PerJob = append(result.PerJob, c)
	})

	if secs := result.Elapsed.Seconds(); secs > 0 {
		result.RecordRate = float64(result.TotalProcessedRecords) / secs
		result.ThroughputRate = float64(result.TotalInputBytes) / secs
	}

	prev := a.prevSnapshot.Swap(&rateSnapshot{timestamp: now, records: result.TotalProcessedRecords})
	if prev != nil {
		if dt := now.Sub(prev.timestamp).Seconds(); dt > 0 {
			result.InstantRecordRate = float64(result.TotalProcessedRecords-prev.records) / dt
		}
	}

	return result
}

// StartTime returns when the aggregator was created.
func (a *Aggregator) StartTime() time.Time {
	return a.startTime
}
