// Package main provides the go-autodetect CLI entry point.
//
// go-autodetect runs anomaly detection jobs on an external analytics
// engine: it streams input records to one engine process per job, stores
// the results it reports and restarts engines that crash.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/randomizedcoder/go-autodetect/internal/config"
	"github.com/randomizedcoder/go-autodetect/internal/logging"
	"github.com/randomizedcoder/go-autodetect/internal/orchestrator"
	"github.com/randomizedcoder/go-autodetect/internal/process"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/go-autodetect
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Handle version flag early (before flag parsing)
	if len(os.Args) > 1 {
		arg := os.Args[1]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Printf("go-autodetect %s\n", version)
			return 0
		}
	}

	cfg, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 1
	}

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	if cfg.Check {
		config.ApplyCheckMode(cfg)
	}

	fileCfg := logging.DefaultFileConfig()
	fileCfg.Path = cfg.LogFile
	fileCfg.MaxSizeMB = cfg.LogMaxSizeMB

	// When TUI is enabled, logs only go to the log file
	var logger *slog.Logger
	var logCloser io.Closer
	if cfg.TUIEnabled {
		logger, logCloser = logging.NewFileOnlyLogger(cfg.LogFormat, "info", cfg.Verbose, fileCfg)
	} else {
		logger, logCloser = logging.NewLoggerWithFile(cfg.LogFormat, "info", cfg.Verbose, fileCfg)
	}
	defer logCloser.Close()
	logging.SetDefault(logger)

	if cfg.Check {
		logger.Info("check_mode_enabled", "jobs_file", cfg.JobsFile)
	}

	orch, err := orchestrator.New(cfg, logger, version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Job file error: %v\n", err)
		return 1
	}

	if cfg.PrintCmd {
		if err := printEngineCommands(os.Stdout, orch); err != nil {
			fmt.Fprintf(os.Stderr, "Job file error: %v\n", err)
			return 1
		}
		return 0
	}

	logger.Info("starting",
		"version", version,
		"jobs_file", cfg.JobsFile,
		"data_dir", cfg.DataDir,
		"simulate", cfg.Simulate,
		"metrics_addr", cfg.MetricsAddr,
	)

	if !cfg.TUIEnabled && !cfg.Check {
		printBanner(os.Stdout, cfg)
	}

	if err := orch.Run(context.Background()); err != nil {
		logger.Error("orchestrator_failed", "error", err)
		if cfg.TUIEnabled {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}

	return 0
}

// printBanner prints the startup banner.
func printBanner(w io.Writer, cfg *config.Config) {
	engine := cfg.EngineBinary
	if cfg.Simulate {
		engine = "simulated (in-process)"
	}
	inputs := "stdin"
	if len(cfg.Inputs) > 0 {
		inputs = fmt.Sprintf("%d file(s)", len(cfg.Inputs))
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║                          go-autodetect                            ║")
	fmt.Fprintln(w, "║        Anomaly Detection with Supervised Engine Processes         ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Jobs:        %s\n", cfg.JobsFile)
	fmt.Fprintf(w, "  Engine:      %s\n", engine)
	fmt.Fprintf(w, "  Input:       %s\n", inputs)
	fmt.Fprintf(w, "  Data:        %s\n", cfg.DataDir)
	if cfg.FlushEvery > 0 {
		fmt.Fprintf(w, "  Flush:       every %d records\n", cfg.FlushEvery)
	}
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(w, "  Metrics:     http://%s/metrics\n", cfg.MetricsAddr)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Press Ctrl+C to stop.")
	fmt.Fprintln(w)
}

// printEngineCommands prints the engine command line of every job.
func printEngineCommands(w io.Writer, orch *orchestrator.Orchestrator) error {
	specs, err := orch.Specs()
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "# Engine command that would be run for each job:")
	for _, spec := range specs {
		engine := spec.Engine
		fmt.Fprintln(w)
		fmt.Fprintf(w, "# %s\n", spec.ID)
		fmt.Fprintln(w, process.NewEngineRunner(&engine).CommandString(spec.ID))
	}
	return nil
}
