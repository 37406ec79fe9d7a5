package processor

import (
	"sync"

	"github.com/randomizedcoder/go-autodetect/internal/results"
)

// RunningModelState holds the most recently seen model statistics for a
// job. Only the result loop writes it; status queries read it
// concurrently. Values are copied in and out so readers never observe a
// partially applied update.
type RunningModelState struct {
	mu sync.RWMutex

	sizeStats    *results.ModelSizeStats
	snapshot     *results.ModelSnapshot
	quantiles    *results.Quantiles
	bucketCount  int64
	latestBucket int64
	lastFinal    int64
}

func (s *RunningModelState) setModelSizeStats(m *results.ModelSizeStats) {
	cp := *m
	s.mu.Lock()
	s.sizeStats = &cp
	s.mu.Unlock()
}

func (s *RunningModelState) setModelSnapshot(m *results.ModelSnapshot) {
	cp := *m
	if m.ModelSizeStats != nil {
		mss := *m.ModelSizeStats
		cp.ModelSizeStats = &mss
	}
	s.mu.Lock()
	s.snapshot = &cp
	s.mu.Unlock()
}

func (s *RunningModelState) setQuantiles(q *results.Quantiles) {
	cp := *q
	s.mu.Lock()
	s.quantiles = &cp
	s.mu.Unlock()
}

func (s *RunningModelState) observeBucket(b *results.Bucket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !b.IsInterim {
		s.bucketCount++
	}
	if b.Timestamp > s.latestBucket {
		s.latestBucket = b.Timestamp
	}
}

func (s *RunningModelState) observeFlush(ack *results.FlushAcknowledgement) {
	if ack.LastFinalizedBucketEnd == 0 {
		return
	}
	s.mu.Lock()
	if ack.LastFinalizedBucketEnd > s.lastFinal {
		s.lastFinal = ack.LastFinalizedBucketEnd
	}
	s.mu.Unlock()
}

// ModelSizeStats returns the latest model size stats, if any were seen.
func (s *RunningModelState) ModelSizeStats() (results.ModelSizeStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sizeStats == nil {
		return results.ModelSizeStats{}, false
	}
	return *s.sizeStats, true
}

// ModelSnapshot returns the latest model snapshot, if any was seen.
func (s *RunningModelState) ModelSnapshot() (results.ModelSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return results.ModelSnapshot{}, false
	}
	cp := *s.snapshot
	if s.snapshot.ModelSizeStats != nil {
		mss := *s.snapshot.ModelSizeStats
		cp.ModelSizeStats = &mss
	}
	return cp, true
}

// Quantiles returns the latest normalization quantiles, if any were seen.
func (s *RunningModelState) Quantiles() (results.Quantiles, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.quantiles == nil {
		return results.Quantiles{}, false
	}
	return *s.quantiles, true
}

// BucketCount returns the number of final buckets seen.
func (s *RunningModelState) BucketCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bucketCount
}

// LatestBucketTime returns the start of the newest bucket seen, in epoch
// seconds.
func (s *RunningModelState) LatestBucketTime() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestBucket
}

// LastFinalizedBucketEnd returns the largest finalized bucket end reported
// by a flush acknowledgement.
func (s *RunningModelState) LastFinalizedBucketEnd() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastFinal
}
