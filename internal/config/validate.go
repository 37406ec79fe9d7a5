package config

import (
	"errors"
	"fmt"
	"net"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or an error describing the problem.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.JobsFile == "" {
		errs = append(errs, ValidationError{
			Field:   "jobs_file",
			Message: "a job file is required",
		})
	}

	if cfg.FlushEvery < 0 {
		errs = append(errs, ValidationError{
			Field:   "flush_every",
			Message: "must not be negative",
		})
	}

	if cfg.OpenRate < 0 {
		errs = append(errs, ValidationError{
			Field:   "open_rate",
			Message: "must not be negative",
		})
	}

	if cfg.OpenJitter < 0 {
		errs = append(errs, ValidationError{
			Field:   "open_jitter",
			Message: "must not be negative",
		})
	}

	if cfg.EngineBinary == "" && !cfg.Simulate {
		errs = append(errs, ValidationError{
			Field:   "engine_binary",
			Message: "an engine binary is required unless -simulate is set",
		})
	}

	if cfg.DataDir == "" {
		errs = append(errs, ValidationError{
			Field:   "data_dir",
			Message: "must not be empty",
		})
	}

	if cfg.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.MetricsAddr); err != nil {
			errs = append(errs, ValidationError{
				Field:   "metrics_addr",
				Message: fmt.Sprintf("must be host:port (got %q)", cfg.MetricsAddr),
			})
		}
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat),
		})
	}

	if cfg.LogFile != "" && cfg.LogMaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "log_max_size_mb",
			Message: "must be at least 1",
		})
	}

	if cfg.MaxRestarts < 0 {
		errs = append(errs, ValidationError{
			Field:   "max_restarts",
			Message: "must not be negative",
		})
	}

	// Backoff settings
	if cfg.BackoffInitial <= 0 {
		errs = append(errs, ValidationError{
			Field:   "backoff_initial",
			Message: "must be positive",
		})
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		errs = append(errs, ValidationError{
			Field:   "backoff_max",
			Message: "must be >= backoff_initial",
		})
	}
	if cfg.BackoffMultiply < 1.0 {
		errs = append(errs, ValidationError{
			Field:   "backoff_multiply",
			Message: "must be >= 1.0",
		})
	}

	if cfg.InactivityTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "inactivity_timeout",
			Message: "must not be negative",
		})
	}
	if cfg.CloseTimeout <= 0 {
		errs = append(errs, ValidationError{
			Field:   "close_timeout",
			Message: "must be positive",
		})
	}
	if cfg.ResultsTimeout <= 0 {
		errs = append(errs, ValidationError{
			Field:   "results_timeout",
			Message: "must be positive",
		})
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// ApplyCheckMode modifies config for --check mode.
func ApplyCheckMode(cfg *Config) {
	cfg.Verbose = true
	cfg.WatchJobs = false
	cfg.TUIEnabled = false
}
