package orchestrator

import (
	"context"
	"sort"

	"github.com/randomizedcoder/go-autodetect/internal/config"
)

const reloadReason = "job file changed"

// applyJobChanges brings the running jobs in line with a reloaded job
// file. Failures are logged; the remaining changes are still applied.
func (o *Orchestrator) applyJobChanges(ctx context.Context, changes config.JobChanges, file *config.JobsFile) {
	o.mu.Lock()
	o.jobs = file
	o.mu.Unlock()

	o.logger.Info("jobs_reloaded",
		"added", len(changes.Added),
		"removed", len(changes.Removed),
		"updated", len(changes.Updated),
		"replaced", len(changes.Replaced),
	)

	for _, id := range changes.Removed {
		if err := o.manager.Close(ctx, id, reloadReason); err != nil {
			o.logger.Warn("job_close_failed", "job_id", id, "error", err)
		}
	}

	for _, def := range changes.Replaced {
		if err := o.manager.Close(ctx, def.ID, reloadReason); err != nil {
			o.logger.Warn("job_close_failed", "job_id", def.ID, "error", err)
		}
		o.openDef(ctx, file, def)
	}

	for _, def := range changes.Added {
		if err := o.scheduler.Schedule(ctx, def.ID); err != nil {
			return
		}
		o.openDef(ctx, file, def)
	}

	ids := make([]string, 0, len(changes.Updated))
	for id := range changes.Updated {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		err := o.manager.UpdateConfig(ctx, id, changes.Updated[id])
		o.metrics.RecordConfigUpdate(err)
		if err != nil {
			o.logger.Warn("job_update_failed", "job_id", id, "error", err)
			continue
		}
		o.logger.Info("job_updated", "job_id", id)
	}
}

func (o *Orchestrator) openDef(ctx context.Context, file *config.JobsFile, def config.JobDef) {
	spec, err := def.Spec(file.Defaults, o.config.EngineBinary, o.engineHome)
	if err != nil {
		o.logger.Warn("job_spec_invalid", "job_id", def.ID, "error", err)
		return
	}
	if err := o.manager.Open(ctx, spec); err != nil {
		o.logger.Warn("job_open_failed", "job_id", def.ID, "error", err)
		return
	}
	o.logger.Info("job_opened", "job_id", def.ID, "engine", spec.Engine.BinaryPath)
}
