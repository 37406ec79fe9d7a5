// Package preflight provides startup validation checks.
package preflight

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/randomizedcoder/go-autodetect/internal/process"
)

// Each job holds stdin, stdout, stderr and the state pipe. Both ends of
// each pipe are open in this process until the engine has started.
const fdsPerJob = 8

// DefaultProbeTimeout bounds each engine --version probe.
const DefaultProbeTimeout = 10 * time.Second

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// Options selects what RunAll checks.
type Options struct {
	Jobs     int
	Engines  []string // distinct engine binaries
	HomeDir  string   // HOME for the version probe
	DataDir  string
	Simulate bool

	ProbeTimeout time.Duration
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

func (r *Result) add(c Check) {
	r.Checks = append(r.Checks, c)
	if !c.Passed {
		r.Passed = false
	}
}

// RunAll executes all preflight checks.
func RunAll(ctx context.Context, opts Options) *Result {
	result := &Result{
		Checks: make([]Check, 0, 4+len(opts.Engines)),
		Passed: true,
	}

	result.add(checkFileDescriptors(opts.Jobs))
	result.add(checkProcessLimit(opts.Jobs))
	result.add(checkDataDir(opts.DataDir))

	if opts.Simulate {
		result.add(Check{Name: "engine", Passed: true, Message: "simulated engine, no binary needed"})
		return result
	}

	timeout := opts.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	for _, bin := range opts.Engines {
		result.add(checkEngine(ctx, bin, opts.HomeDir, timeout))
	}

	return result
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors(jobs int) Check {
	var limit syscall.Rlimit
	_ = syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit)

	// Plus the results database, the state store and the metrics server.
	required := jobs*fdsPerJob + 100
	actual := int(limit.Cur)

	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -n %d (need %d for %d jobs)", actual, required, jobs),
	}
}

// checkProcessLimit verifies sufficient process slots are available.
func checkProcessLimit(jobs int) Check {
	required := jobs + 50

	// syscall does not export RLIMIT_NPROC on every platform.
	data, err := os.ReadFile("/proc/self/limits")
	if err != nil {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to check (non-Linux or restricted)",
		}
	}

	actual := 0
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "Max processes") {
			fields := strings.Fields(line)
			if len(fields) >= 4 {
				if fields[3] == "unlimited" {
					actual = 1000000
				} else {
					fmt.Sscanf(fields[3], "%d", &actual)
				}
			}
			break
		}
	}

	if actual == 0 {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to determine (assuming OK)",
		}
	}

	return Check{
		Name:     "process_limit",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -u %d (need %d)", actual, required),
	}
}

// checkDataDir creates the data directory if needed and verifies a file
// can be created in it.
func checkDataDir(dir string) Check {
	if dir == "" {
		return Check{Name: "data_dir", Passed: false, Message: "no data directory configured"}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Check{Name: "data_dir", Passed: false, Message: fmt.Sprintf("cannot create %s: %v", dir, err)}
	}
	f, err := os.CreateTemp(dir, ".preflight-*")
	if err != nil {
		return Check{Name: "data_dir", Passed: false, Message: fmt.Sprintf("%s is not writable: %v", dir, err)}
	}
	name := f.Name()
	f.Close()
	os.Remove(name)

	abs, _ := filepath.Abs(dir)
	return Check{Name: "data_dir", Passed: true, Message: fmt.Sprintf("%s is writable", abs)}
}

// checkEngine verifies the engine binary is executable and answers
// --version.
func checkEngine(ctx context.Context, path, home string, timeout time.Duration) Check {
	name := "engine"
	if path != "" {
		name = "engine " + filepath.Base(path)
	}

	resolved, err := exec.LookPath(path)
	if err != nil {
		return Check{
			Name:    name,
			Passed:  false,
			Message: fmt.Sprintf("not found at %s: %v", path, err),
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	info, err := process.ProbeVersion(probeCtx, resolved, home)
	if err != nil {
		return Check{
			Name:    name,
			Passed:  false,
			Message: fmt.Sprintf("found at %s but --version failed: %v", resolved, err),
		}
	}

	msg := fmt.Sprintf("found at %s (version %s)", resolved, info.Version)
	if info.Build != "" {
		msg += ", build " + info.Build
	}
	return Check{
		Name:    name,
		Passed:  true,
		Warning: info.Version == process.UnknownVersion,
		Message: msg,
	}
}

// PrintResults prints the preflight check results to stdout.
func PrintResults(result *Result) {
	WriteResults(os.Stdout, result)
}

// WriteResults writes the preflight check results to w.
func WriteResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch {
	case name == "file_descriptors":
		return "ulimit -n 8192 (or edit /etc/security/limits.conf)"
	case name == "process_limit":
		return "ulimit -u 4096 (or edit /etc/security/limits.conf)"
	case name == "data_dir":
		return "choose a writable -data-dir"
	case strings.HasPrefix(name, "engine"):
		return "install the engine or pass -engine /path/to/autodetect (or -simulate)"
	default:
		return "see documentation"
	}
}
