package orchestrator

import (
	"encoding/json"
	"log/slog"

	"github.com/randomizedcoder/go-autodetect/internal/communicator"
	"github.com/randomizedcoder/go-autodetect/internal/enginesim"
	"github.com/randomizedcoder/go-autodetect/internal/process"
	"github.com/randomizedcoder/go-autodetect/internal/supervisor"
)

// newSimLauncher returns a launcher running each job on the in-process
// simulated engine. Restore points are ignored: the simulated engine
// starts with an empty model.
func newSimLauncher(sink process.StateSink, threshold float64, logger *slog.Logger) supervisor.Launcher {
	return supervisor.LauncherFunc(func(spec *supervisor.JobSpec, restore supervisor.RestorePoint, onCrash func(string, error)) (communicator.Process, error) {
		if !restore.IsZero() {
			logger.Debug("sim_restore_ignored", "job_id", spec.ID, "snapshot_id", restore.SnapshotID)
		}
		return enginesim.StartProcess(enginesim.ProcessConfig{
			Engine: enginesim.Config{
				JobID:            spec.ID,
				BucketSpan:       spec.Engine.BucketSpan,
				AnomalyThreshold: threshold,
				ModelPlot:        modelPlotEnabled(spec.Engine.ModelPlotConfig),
			},
			Logger:    logger,
			StateSink: sink,
			OnCrash:   onCrash,
		}), nil
	})
}

// modelPlotEnabled reads the "enabled" field of a model plot config.
func modelPlotEnabled(cfg string) bool {
	if cfg == "" {
		return false
	}
	var mp struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.Unmarshal([]byte(cfg), &mp); err != nil {
		return false
	}
	return mp.Enabled
}
