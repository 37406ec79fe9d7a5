// Package config provides configuration management for go-autodetect.
package config

import "time"

// Config holds all configuration options for the orchestrator.
type Config struct {
	// Jobs
	JobsFile   string `json:"jobs_file"`
	WatchJobs  bool   `json:"watch_jobs"`
	InputJob   string `json:"input_job"` // job that receives the inputs; default first job
	Inputs     []string
	FlushEvery int  `json:"flush_every"` // records between flushes, 0 = only at EOF
	Interim    bool `json:"interim"`     // calc-interim on each flush

	// Job opening
	OpenRate   float64       `json:"open_rate"`   // jobs opened per second, 0 = all at once
	OpenJitter time.Duration `json:"open_jitter"` // extra per-job delay, derived from the job id

	// Engine
	EngineBinary string `json:"engine_binary"`
	EngineHome   string `json:"engine_home"`
	Simulate     bool   `json:"simulate"` // in-process simulated engine

	// SimThreshold makes the simulated engine report an anomaly for any
	// bucket whose maximum value exceeds it. Zero reports none.
	SimThreshold float64 `json:"sim_threshold"`

	// Storage
	DataDir string `json:"data_dir"`

	// Observability
	MetricsAddr    string `json:"metrics_addr"`
	Verbose        bool   `json:"verbose"`
	LogFormat      string `json:"log_format"` // json, text
	LogFile        string `json:"log_file"`
	LogMaxSizeMB   int    `json:"log_max_size_mb"`
	EngineVerbose  bool   `json:"engine_verbose"`
	PromJobMetrics bool   `json:"prom_job_metrics"`
	DumpMetrics    string `json:"dump_metrics"`
	TUIEnabled     bool   `json:"tui"`

	// Diagnostic modes
	PrintCmd      bool `json:"print_cmd"`
	Check         bool `json:"check"`
	SkipPreflight bool `json:"skip_preflight"`

	// Restart policy
	MaxRestarts     int           `json:"max_restarts"` // 0 = unlimited
	BackoffInitial  time.Duration `json:"backoff_initial"`
	BackoffMax      time.Duration `json:"backoff_max"`
	BackoffMultiply float64       `json:"backoff_multiply"`

	// Timeouts
	InactivityTimeout time.Duration `json:"inactivity_timeout"` // 0 = never
	CloseTimeout      time.Duration `json:"close_timeout"`
	ResultsTimeout    time.Duration `json:"results_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		JobsFile:   "jobs.yaml",
		WatchJobs:  true,
		FlushEvery: 0,
		Interim:    false,

		EngineBinary: "autodetect",
		EngineHome:   "",

		DataDir: "./autodetect-data",

		MetricsAddr:  "0.0.0.0:17093",
		LogFormat:    "json",
		LogMaxSizeMB: 100,
		TUIEnabled:   false,

		MaxRestarts:     0,
		BackoffInitial:  500 * time.Millisecond,
		BackoffMax:      30 * time.Second,
		BackoffMultiply: 1.7,

		InactivityTimeout: 0,
		CloseTimeout:      2 * time.Minute,
		ResultsTimeout:    30 * time.Minute,
	}
}
