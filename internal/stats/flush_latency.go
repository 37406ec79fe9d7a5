package stats

import (
	"sync"
	"time"

	"github.com/influxdata/tdigest"
)

// LatencySnapshot summarizes recorded flush round trips.
type LatencySnapshot struct {
	Count int64
	Mean  time.Duration
	Max   time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
}

// FlushLatency tracks the time from writing a flush request to the
// engine acknowledging it.
type FlushLatency struct {
	mu     sync.Mutex // TDigest is not thread-safe
	digest *tdigest.TDigest
	count  int64
	sum    time.Duration
	max    time.Duration
}

// NewFlushLatency creates an empty tracker.
func NewFlushLatency() *FlushLatency {
	return &FlushLatency{
		digest: tdigest.NewWithCompression(100),
	}
}

// Record adds one observation. Negative durations are ignored.
func (l *FlushLatency) Record(d time.Duration) {
	if d < 0 {
		return
	}
	l.mu.Lock()
	l.digest.Add(float64(d.Nanoseconds()), 1)
	l.count++
	l.sum += d
	if d > l.max {
		l.max = d
	}
	l.mu.Unlock()
}

// Quantile returns the q-th quantile, or zero with no observations.
func (l *FlushLatency) Quantile(q float64) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		return 0
	}
	return time.Duration(l.digest.Quantile(q))
}

// Count returns the number of observations.
func (l *FlushLatency) Count() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Snapshot returns the current summary.
func (l *FlushLatency) Snapshot() LatencySnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := LatencySnapshot{Count: l.count, Max: l.max}
	if l.count == 0 {
		return s
	}
	s.Mean = l.sum / time.Duration(l.count)
	s.P50 = time.Duration(l.digest.Quantile(0.50))
	s.P95 = time.Duration(l.digest.Quantile(0.95))
	s.P99 = time.Duration(l.digest.Quantile(0.99))
	return s
}
