package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/randomizedcoder/go-autodetect/internal/communicator"
)

// DefaultReloadDebounce collapses the burst of events an editor save
// produces into one reload.
const DefaultReloadDebounce = 250 * time.Millisecond

// JobChanges is the difference between two job files.
type JobChanges struct {
	Added   []JobDef
	Removed []string

	// Updated holds rule and model plot changes that a running engine
	// can apply.
	Updated map[string]communicator.UpdateParams

	// Replaced jobs changed in ways that need a new engine.
	Replaced []JobDef
}

// Empty reports whether nothing changed.
func (c JobChanges) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Updated) == 0 && len(c.Replaced) == 0
}

// DiffJobs compares two job files by job id. Defaults changes mark every
// job as replaced.
func DiffJobs(old, cur *JobsFile) (JobChanges, error) {
	changes := JobChanges{Updated: make(map[string]communicator.UpdateParams)}
	defaultsChanged := old.Defaults != cur.Defaults

	for _, nj := range cur.Jobs {
		oj, ok := old.Job(nj.ID)
		if !ok {
			changes.Added = append(changes.Added, nj)
			continue
		}
		if defaultsChanged || !reflect.DeepEqual(structural(oj), structural(nj)) {
			changes.Replaced = append(changes.Replaced, nj)
			continue
		}
		upd, changed, err := liveUpdate(oj, nj)
		if err != nil {
			return JobChanges{}, fmt.Errorf("job %s: %w", nj.ID, err)
		}
		if changed {
			changes.Updated[nj.ID] = upd
		}
	}
	for _, oj := range old.Jobs {
		if _, ok := cur.Job(oj.ID); !ok {
			changes.Removed = append(changes.Removed, oj.ID)
		}
	}
	return changes, nil
}

// structural strips the settings a running engine accepts as updates.
func structural(j JobDef) JobDef {
	j.ModelPlot = nil
	dets := make([]DetectorDef, len(j.Analysis.Detectors))
	for i, d := range j.Analysis.Detectors {
		d.Rules = nil
		dets[i] = d
	}
	j.Analysis.Detectors = dets
	return j
}

func liveUpdate(old, cur JobDef) (communicator.UpdateParams, bool, error) {
	var upd communicator.UpdateParams
	changed := false

	if !reflect.DeepEqual(old.ModelPlot, cur.ModelPlot) {
		plot, err := cur.modelPlotJSON()
		if err != nil {
			return upd, false, err
		}
		if plot == nil {
			plot = json.RawMessage(`{"enabled":false}`)
		}
		upd.ModelPlotConfig = plot
		changed = true
	}

	for i, d := range cur.Analysis.Detectors {
		if reflect.DeepEqual(old.Analysis.Detectors[i].Rules, d.Rules) {
			continue
		}
		rules := d.Rules
		if rules == nil {
			rules = []map[string]any{}
		}
		raw, err := json.Marshal(rules)
		if err != nil {
			return upd, false, fmt.Errorf("detector %d rules: %w", i, err)
		}
		upd.DetectorRules = append(upd.DetectorRules, communicator.DetectorRules{DetectorIndex: i, Rules: raw})
		changed = true
	}
	return upd, changed, nil
}

// WatcherCallbacks receive applied job file changes.
type WatcherCallbacks struct {
	// OnChange is called once per successful reload that changed anything.
	OnChange func(changes JobChanges, file *JobsFile)

	// OnError is called when a reload fails; the previous file stays current.
	OnError func(err error)
}

// JobWatcher reloads a job file when it changes on disk.
type JobWatcher struct {
	path      string
	logger    *slog.Logger
	callbacks WatcherCallbacks
	debounce  time.Duration

	mu      sync.Mutex
	current *JobsFile
}

// NewJobWatcher creates a watcher. initial is the file already applied.
func NewJobWatcher(path string, initial *JobsFile, callbacks WatcherCallbacks, logger *slog.Logger) *JobWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobWatcher{
		path:      filepath.Clean(path),
		logger:    logger,
		callbacks: callbacks,
		debounce:  DefaultReloadDebounce,
		current:   initial,
	}
}

// Current returns the last successfully loaded file.
func (w *JobWatcher) Current() *JobsFile {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload loads the file and applies the differences. A file that fails
// to load or validate leaves the current one in place.
func (w *JobWatcher) Reload() error {
	next, err := LoadJobs(w.path)
	if err != nil {
		w.logger.Error("jobs_reload_failed", "path", w.path, "error", err)
		if w.callbacks.OnError != nil {
			w.callbacks.OnError(err)
		}
		return err
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	w.mu.Unlock()

	if prev == nil {
		prev = &JobsFile{}
	}
	changes, err := DiffJobs(prev, next)
	if err != nil {
		w.logger.Error("jobs_diff_failed", "path", w.path, "error", err)
		if w.callbacks.OnError != nil {
			w.callbacks.OnError(err)
		}
		return err
	}
	if changes.Empty() {
		w.logger.Debug("jobs_reload_unchanged", "path", w.path)
		return nil
	}

	w.logger.Info("jobs_reloaded",
		"path", w.path,
		"added", len(changes.Added),
		"removed", len(changes.Removed),
		"updated", len(changes.Updated),
		"replaced", len(changes.Replaced),
	)
	if w.callbacks.OnChange != nil {
		w.callbacks.OnChange(changes, next)
	}
	return nil
}

// Run watches the file's directory until ctx is done. Editors that save
// by rename replace the watched inode, so the directory is watched and
// events are filtered by name.
func (w *JobWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	w.logger.Info("jobs_watcher_started", "path", w.path)

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("jobs_watcher_stopped", "path", w.path)
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("jobs_file_changed", "op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerCh = timer.C

		case <-timerCh:
			timerCh = nil
			_ = w.Reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("jobs_watcher_error", "error", err)
		}
	}
}
