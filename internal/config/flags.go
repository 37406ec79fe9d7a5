package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// ParseFlags parses the process command line.
func ParseFlags() (*Config, error) {
	return ParseArgs(os.Args[1:], os.Stderr)
}

// ParseArgs parses args into a Config. Usage is written to out.
func ParseArgs(args []string, out io.Writer) (*Config, error) {
	cfg := DefaultConfig()
	fs := flag.NewFlagSet("go-autodetect", flag.ContinueOnError)
	fs.SetOutput(out)

	fs.Usage = func() {
		fmt.Fprintf(out, `go-autodetect - run anomaly detection jobs on an external analytics engine

Usage:
  go-autodetect [flags] [input files...]

With no input files, data is read from stdin. Use "-" for stdin explicitly.

Jobs:
`)
		printFlagCategory(fs, out, []string{"jobs", "watch", "job", "flush-every", "interim", "open-rate", "open-jitter"})

		fmt.Fprintf(out, "\nEngine:\n")
		printFlagCategory(fs, out, []string{"engine", "engine-home", "simulate", "sim-threshold", "engine-verbose"})

		fmt.Fprintf(out, "\nStorage:\n")
		printFlagCategory(fs, out, []string{"data-dir"})

		fmt.Fprintf(out, "\nRestart Policy:\n")
		printFlagCategory(fs, out, []string{"max-restarts", "backoff-initial", "backoff-max", "backoff-multiply"})

		fmt.Fprintf(out, "\nTimeouts:\n")
		printFlagCategory(fs, out, []string{"inactivity-timeout", "close-timeout", "results-timeout"})

		fmt.Fprintf(out, "\nSafety & Diagnostics:\n")
		printFlagCategory(fs, out, []string{"print-cmd", "check", "skip-preflight"})

		fmt.Fprintf(out, "\nObservability:\n")
		printFlagCategory(fs, out, []string{"metrics", "v", "log-format", "log-file", "log-max-size", "prom-job-metrics", "dump-metrics", "tui"})

		fmt.Fprintf(out, `
Flag Convention:
  Single-dash flags (-jobs, -flush-every) are normal options.
  Double-dash flags (--check, --print-cmd) are diagnostic modes.

Examples:
  # Run the jobs in jobs.yaml over a CSV file, flushing every 1000 records
  go-autodetect -jobs jobs.yaml -flush-every 1000 farequote.csv

  # Validate the job file and print the engine command
  go-autodetect -jobs jobs.yaml --check --print-cmd

  # Try a job file without an engine binary
  cat data.csv | go-autodetect -jobs jobs.yaml -simulate -tui

`)
	}

	// Jobs
	fs.StringVar(&cfg.JobsFile, "jobs", cfg.JobsFile, "YAML job definitions")
	fs.BoolVar(&cfg.WatchJobs, "watch", cfg.WatchJobs, "Reload the job file on change")
	fs.StringVar(&cfg.InputJob, "job", cfg.InputJob, "Job that receives the input (default: first job)")
	fs.IntVar(&cfg.FlushEvery, "flush-every", cfg.FlushEvery, "Flush after this many input records (0 = only at end)")
	fs.BoolVar(&cfg.Interim, "interim", cfg.Interim, "Request interim results on each flush")
	fs.Float64Var(&cfg.OpenRate, "open-rate", cfg.OpenRate, "Jobs opened per second at startup (0 = all at once)")
	fs.DurationVar(&cfg.OpenJitter, "open-jitter", cfg.OpenJitter, "Maximum extra delay before opening each job")

	// Engine
	fs.StringVar(&cfg.EngineBinary, "engine", cfg.EngineBinary, "Default engine binary for jobs that do not set one")
	fs.StringVar(&cfg.EngineHome, "engine-home", cfg.EngineHome, "Engine home directory (default: <data-dir>/engine)")
	fs.BoolVar(&cfg.Simulate, "simulate", cfg.Simulate, "Use the in-process simulated engine")
	fs.Float64Var(&cfg.SimThreshold, "sim-threshold", cfg.SimThreshold, "Simulated engine: report buckets whose maximum exceeds this")
	fs.BoolVar(&cfg.EngineVerbose, "engine-verbose", cfg.EngineVerbose, "Log every engine log line")

	// Storage
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory for the results database and state store")

	// Restart policy
	fs.IntVar(&cfg.MaxRestarts, "max-restarts", cfg.MaxRestarts, "Restarts per job before it fails (0 = unlimited)")
	fs.DurationVar(&cfg.BackoffInitial, "backoff-initial", cfg.BackoffInitial, "First restart delay")
	fs.DurationVar(&cfg.BackoffMax, "backoff-max", cfg.BackoffMax, "Maximum restart delay")
	fs.Float64Var(&cfg.BackoffMultiply, "backoff-multiply", cfg.BackoffMultiply, "Restart delay multiplier")

	// Timeouts
	fs.DurationVar(&cfg.InactivityTimeout, "inactivity-timeout", cfg.InactivityTimeout, "Close jobs idle this long (0 = never)")
	fs.DurationVar(&cfg.CloseTimeout, "close-timeout", cfg.CloseTimeout, "Time allowed for an engine to finish on close")
	fs.DurationVar(&cfg.ResultsTimeout, "results-timeout", cfg.ResultsTimeout, "Time allowed for result processing to finish")

	// Safety & Diagnostics (double-dash convention)
	fs.BoolVar(&cfg.PrintCmd, "print-cmd", cfg.PrintCmd, "Print each job's engine command and exit")
	fs.BoolVar(&cfg.Check, "check", cfg.Check, "Validate config and job file, run preflight, and exit")
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics address (empty disables)")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Also write logs to this rotating file")
	fs.IntVar(&cfg.LogMaxSizeMB, "log-max-size", cfg.LogMaxSizeMB, "Log file size in MB before rotation")
	fs.BoolVar(&cfg.PromJobMetrics, "prom-job-metrics", cfg.PromJobMetrics, "Enable per-job Prometheus metrics")
	fs.StringVar(&cfg.DumpMetrics, "dump-metrics", cfg.DumpMetrics, "Write final metrics in text format to this file")
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Enable live terminal dashboard")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Inputs = fs.Args()
	return cfg, nil
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(fs *flag.FlagSet, out io.Writer, names []string) {
	fs.VisitAll(func(f *flag.Flag) {
		for _, name := range names {
			if f.Name == name {
				fmt.Fprintf(out, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
				if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" && f.DefValue != "[]" {
					fmt.Fprintf(out, " (default %s)", f.DefValue)
				}
				fmt.Fprintln(out)
				return
			}
		}
	})
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	switch f.DefValue {
	case "true", "false":
		return ""
	}

	if strings.HasSuffix(f.DefValue, "s") || strings.HasSuffix(f.DefValue, "m") || strings.HasSuffix(f.DefValue, "h") {
		return "duration"
	}

	if _, err := fmt.Sscanf(f.DefValue, "%d", new(int)); err == nil {
		return "int"
	}

	return "string"
}
