// Package stats provides per-job and aggregated statistics for the jobs
// managed by go-autodetect.
//
// This file implements DataCountsReporter which tracks the input side of a
// single job:
//   - records and fields read and written to the engine
//   - input bytes
//   - records dropped for an unparseable time or arriving out of order
//   - missing fields
//   - earliest and latest record time
package stats

import (
	"sync"
	"time"
)

// DataCounts is a snapshot of a job's input statistics.
type DataCounts struct {
	JobID string `json:"job_id"`

	ProcessedRecordCount int64 `json:"processed_record_count"`
	ProcessedFieldCount  int64 `json:"processed_field_count"`
	InputBytes           int64 `json:"input_bytes"`
	InputRecordCount     int64 `json:"input_record_count"`
	InputFieldCount      int64 `json:"input_field_count"`

	InvalidDateCount         int64 `json:"invalid_date_count"`
	MissingFieldCount        int64 `json:"missing_field_count"`
	OutOfOrderTimeStampCount int64 `json:"out_of_order_timestamp_count"`

	EarliestRecordTime time.Time `json:"earliest_record_timestamp,omitzero"`
	LatestRecordTime   time.Time `json:"latest_record_timestamp,omitzero"`
	LastDataTime       time.Time `json:"last_data_time,omitzero"`
}

// DroppedRecordCount returns the number of input records not sent to the
// engine.
func (c DataCounts) DroppedRecordCount() int64 {
	return c.InvalidDateCount + c.OutOfOrderTimeStampCount
}

// DataCountsReporter accumulates DataCounts for one job.
//
// Thread-safe: the writer updates counts while queries read snapshots.
type DataCountsReporter struct {
	jobID string
	now   func() time.Time

	mu     sync.Mutex
	counts DataCounts
}

// NewDataCountsReporter creates a reporter for a job.
func NewDataCountsReporter(jobID string) *DataCountsReporter {
	return &DataCountsReporter{
		jobID:  jobID,
		now:    time.Now,
		counts: DataCounts{JobID: jobID},
	}
}

// RecordInput counts one record read from the input, before any checks.
func (r *DataCountsReporter) RecordInput(fields int, bytes int64) {
	r.mu.Lock()
	r.counts.InputRecordCount++
	r.counts.InputFieldCount += int64(fields)
	r.counts.InputBytes += bytes
	r.mu.Unlock()
}

// RecordProcessed counts a record written to the engine. written is the
// number of analysis fields sent and missing the number of those that
// were absent from the input.
func (r *DataCountsReporter) RecordProcessed(recordTime time.Time, written, missing int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := &r.counts
	c.ProcessedRecordCount++
	c.ProcessedFieldCount += int64(written - missing)
	c.MissingFieldCount += int64(missing)
	if c.EarliestRecordTime.IsZero() || recordTime.Before(c.EarliestRecordTime) {
		c.EarliestRecordTime = recordTime
	}
	if recordTime.After(c.LatestRecordTime) {
		c.LatestRecordTime = recordTime
	}
	c.LastDataTime = r.now()
}

// RecordInvalidDate counts a record dropped because its time could not
// be parsed.
func (r *DataCountsReporter) RecordInvalidDate() {
	r.mu.Lock()
	r.counts.InvalidDateCount++
	r.mu.Unlock()
}

// RecordOutOfOrder counts a record dropped because it arrived after the
// latency window for its time had closed.
func (r *DataCountsReporter) RecordOutOfOrder() {
	r.mu.Lock()
	r.counts.OutOfOrderTimeStampCount++
	r.mu.Unlock()
}

// LatestRecordTime returns the time of the newest record processed.
func (r *DataCountsReporter) LatestRecordTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts.LatestRecordTime
}

// Snapshot returns a copy of the current counts.
func (r *DataCountsReporter) Snapshot() DataCounts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts
}

// Restore seeds the reporter with counts from a previous run of the job.
func (r *DataCountsReporter) Restore(c DataCounts) {
	r.mu.Lock()
	c.JobID = r.jobID
	r.counts = c
	r.mu.Unlock()
}
