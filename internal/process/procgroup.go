//go:build unix

package process

import (
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// setProcessGroup starts the command in its own process group so signals
// reach any children the engine spawns.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// signalGroup sends sig to the command's process group. An exited process
// is not an error.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
	if err := syscall.Kill(-pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// terminateGroup sends SIGTERM, waits up to grace for exited to close,
// then sends SIGKILL. It reports whether SIGKILL was needed.
func terminateGroup(cmd *exec.Cmd, exited <-chan struct{}, grace time.Duration) bool {
	_ = signalGroup(cmd, syscall.SIGTERM)
	select {
	case <-exited:
		return false
	case <-time.After(grace):
	}
	_ = signalGroup(cmd, syscall.SIGKILL)
	<-exited
	return true
}

// killGroup sends SIGKILL without waiting.
func killGroup(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGKILL)
}

// exitCode extracts the exit code from a Wait() error. A signal exit is
// reported as 128 + signal number.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
	}
	return 1
}
