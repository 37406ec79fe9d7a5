package supervisor

import (
	"sync"
	"time"

	"github.com/randomizedcoder/go-autodetect/internal/communicator"
	"github.com/randomizedcoder/go-autodetect/internal/renormalizer"
	"github.com/randomizedcoder/go-autodetect/internal/stats"
)

// job is the manager's record of one job. Fields below mu are guarded
// by it.
type job struct {
	spec    JobSpec
	stats   *stats.JobStats
	backoff *Backoff
	renorm  *renormalizer.Renormalizer

	mu        sync.Mutex
	state     JobState
	comm      *communicator.Communicator
	gen       int
	restarts  int
	lastErr   error
	openedAt  time.Time
	lastUsed  time.Time
	restoreID string

	// pendingCrash holds a crash reported while the engine was starting.
	pendingCrash error

	// restarting is closed when the pending restart goroutine exits;
	// abort asks it to give up.
	restarting chan struct{}
	abort      chan struct{}
}

// JobStatus is a point-in-time view of a job.
type JobStatus struct {
	ID        string
	State     JobState
	Restarts  int
	Crashes   int64
	Uptime    time.Duration
	Idle      time.Duration
	LastError string

	// SnapshotID is the snapshot the current engine restored from.
	SnapshotID string

	Counts  stats.DataCounts
	Flushes stats.LatencySnapshot

	ModelBytes   int64
	MemoryStatus string
	Buckets      int64
}

func (j *job) status(now time.Time) JobStatus {
	j.mu.Lock()
	s := JobStatus{
		ID:         j.spec.ID,
		State:      j.state,
		Restarts:   j.restarts,
		SnapshotID: j.restoreID,
	}
	if j.lastErr != nil {
		s.LastError = j.lastErr.Error()
	}
	comm := j.comm
	if j.state == StateOpened {
		s.Uptime = now.Sub(j.openedAt)
		s.Idle = now.Sub(j.lastUsed)
	}
	j.mu.Unlock()

	s.Crashes = j.stats.Crashes.Load()
	s.Counts = j.stats.Counts.Snapshot()
	s.Flushes = j.stats.Flushes.Snapshot()
	if comm != nil {
		if m, ok := comm.ModelSizeStats(); ok {
			s.ModelBytes = m.ModelBytes
			s.MemoryStatus = m.MemoryStatus
		}
		s.Buckets = comm.Processor().ModelState().BucketCount()
	}
	return s
}
