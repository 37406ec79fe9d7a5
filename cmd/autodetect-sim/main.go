// Package main provides autodetect-sim, a deterministic stand-in for the
// analytics engine binary.
//
// It accepts the engine's command line, reads length-encoded records on
// stdin, writes results to stdout, JSON log lines to stderr and state
// documents to the persist file descriptor. Flags prefixed with "sim"
// script failures for testing.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/randomizedcoder/go-autodetect/internal/enginesim"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/autodetect-sim
var version = "dev"

type options struct {
	jobID               string
	bucketSpan          int64
	latency             int64
	lengthEncoded       bool
	timeField           string
	persistFd           int
	period              int64
	summaryCountField   string
	influencers         string
	categorizationField string
	maxAnomalyRecords   int
	restoreSnapshotID   string
	persistInterval     int64
	maxQuantileInterval int64
	modelPlotConfig     string
	memoryLimit         int
	ignoreDowntime      bool
	quantilesState      string
	deleteStateFiles    bool
	showVersion         bool

	anomalyThreshold float64
	crashAfter       int64
	ignoreFlush      bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	opts, detectors, err := parseArgs(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if opts.showVersion {
		fmt.Fprintf(stdout, "autodetect-sim version %s\nBuild sim-%s\n", version, version)
		return 0
	}
	if !opts.lengthEncoded {
		fmt.Fprintln(stderr, `{"level":"FATAL","message":"only length encoded input is supported"}`)
		return 1
	}

	cfg := enginesim.Config{
		JobID:            opts.jobID,
		BucketSpan:       time.Duration(opts.bucketSpan) * time.Second,
		AnomalyThreshold: opts.anomalyThreshold,
		CrashAfter:       opts.crashAfter,
		IgnoreFlush:      opts.ignoreFlush,
	}
	if opts.modelPlotConfig != "" {
		var mp struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.Unmarshal([]byte(opts.modelPlotConfig), &mp); err != nil {
			fmt.Fprintf(stderr, `{"level":"FATAL","message":"invalid model plot config: %s"}`+"\n", jsonEscape(err.Error()))
			return 1
		}
		cfg.ModelPlot = mp.Enabled
	}
	if opts.quantilesState != "" {
		if err := loadQuantiles(opts.quantilesState, opts.deleteStateFiles); err != nil {
			fmt.Fprintf(stderr, `{"level":"ERROR","message":"%s"}`+"\n", jsonEscape(err.Error()))
		}
	}

	var state io.Writer
	if opts.persistFd > 0 {
		if f := os.NewFile(uintptr(opts.persistFd), "persist"); f != nil {
			defer f.Close()
			state = f
		}
	}

	fmt.Fprintf(stderr, `{"level":"DEBUG","message":"detectors: %s"}`+"\n", jsonEscape(strings.Join(detectors, " ")))
	if err := enginesim.New(cfg).Run(stdin, stdout, state, stderr); err != nil {
		return 1
	}
	return 0
}

func parseArgs(args []string, stderr io.Writer) (*options, []string, error) {
	o := &options{}
	fs := flag.NewFlagSet("autodetect-sim", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&o.jobID, "jobid", "", "Job identifier")
	fs.Int64Var(&o.bucketSpan, "bucketspan", 300, "Bucket span in seconds")
	fs.Int64Var(&o.latency, "latency", 0, "Latency in seconds")
	fs.BoolVar(&o.lengthEncoded, "lengthEncodedInput", false, "Input is length encoded")
	fs.StringVar(&o.timeField, "timefield", "time", "Name of the time field")
	fs.IntVar(&o.persistFd, "persistFd", 0, "File descriptor for state documents")
	fs.Int64Var(&o.period, "period", 0, "Periodicity in seconds")
	fs.StringVar(&o.summaryCountField, "summarycountfield", "", "Summary count field")
	fs.StringVar(&o.influencers, "influencers", "", "Comma-separated influencer fields")
	fs.StringVar(&o.categorizationField, "categorizationfield", "", "Categorization field")
	fs.IntVar(&o.maxAnomalyRecords, "maxAnomalyRecords", 500, "Maximum records per bucket")
	fs.StringVar(&o.restoreSnapshotID, "restoreSnapshotId", "", "Snapshot to restore")
	fs.Int64Var(&o.persistInterval, "persistInterval", 0, "Background persist interval in seconds")
	fs.Int64Var(&o.maxQuantileInterval, "maxQuantileInterval", 0, "Maximum quantile interval in seconds")
	fs.StringVar(&o.modelPlotConfig, "modelplotconfig", "", "Model plot config JSON")
	fs.IntVar(&o.memoryLimit, "memoryLimit", 0, "Model memory limit in MB")
	fs.BoolVar(&o.ignoreDowntime, "ignoreDowntime", false, "Ignore downtime on restart")
	fs.StringVar(&o.quantilesState, "quantilesState", "", "Quantiles state file")
	fs.BoolVar(&o.deleteStateFiles, "deleteStateFiles", false, "Delete state files after reading")
	fs.BoolVar(&o.showVersion, "version", false, "Print version and exit")

	fs.Float64Var(&o.anomalyThreshold, "simAnomalyThreshold", 0, "Report buckets whose max value exceeds this")
	fs.Int64Var(&o.crashAfter, "simCrashAfter", 0, "Fail fatally after this many records")
	fs.BoolVar(&o.ignoreFlush, "simIgnoreFlush", false, "Never acknowledge flushes")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return o, fs.Args(), nil
}

func loadQuantiles(path string, remove bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read quantiles state: %w", err)
	}
	if !json.Valid(data) {
		return fmt.Errorf("quantiles state %s is not valid JSON", path)
	}
	if remove {
		return os.Remove(path)
	}
	return nil
}

func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}
