// Package process starts and controls analytics engine processes.
package process

import (
	"os/exec"
)

// Runner creates executable commands for jobs.
// This interface keeps the controller independent of how the engine is
// invoked; tests substitute scripts for the engine binary.
type Runner interface {
	// BuildCommand returns a ready-to-start command for the given job.
	// The command should NOT be started yet.
	BuildCommand(jobID string) (*exec.Cmd, error)

	// Name returns a human-readable name for this process type.
	Name() string
}

// StateFD is the descriptor number the engine writes persisted model
// state to. ExtraFiles[0] becomes FD 3 in the child.
const StateFD = 3
