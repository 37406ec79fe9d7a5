// Package supervisor manages the lifecycle of the jobs on this node: it
// opens them, restarts their engines after a crash with backoff, closes
// idle jobs and closes everything on shutdown.
package supervisor

// JobState represents the lifecycle state of a job.
type JobState int

const (
	// StateOpening indicates the engine is being started.
	StateOpening JobState = iota

	// StateOpened indicates the job accepts data.
	StateOpened

	// StateBackoff indicates the engine crashed and the job is waiting
	// before a restart.
	StateBackoff

	// StateClosing indicates the job is being closed.
	StateClosing

	// StateClosed indicates the job was closed and can be opened again.
	StateClosed

	// StateFailed indicates the job stopped after too many restarts or a
	// failed launch.
	StateFailed
)

// String returns a human-readable name for the state.
func (s JobState) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpened:
		return "opened"
	case StateBackoff:
		return "backoff"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsActive returns true if the job holds or is about to hold an engine.
func (s JobState) IsActive() bool {
	return s == StateOpening || s == StateOpened || s == StateBackoff
}

// IsTerminal returns true if the job no longer has an engine.
func (s JobState) IsTerminal() bool {
	return s == StateClosed || s == StateFailed
}
