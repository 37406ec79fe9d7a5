package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/randomizedcoder/go-autodetect/internal/communicator"
	"github.com/randomizedcoder/go-autodetect/internal/enginesim"
	"github.com/randomizedcoder/go-autodetect/internal/errkind"
	"github.com/randomizedcoder/go-autodetect/internal/logging"
	"github.com/randomizedcoder/go-autodetect/internal/process"
	"github.com/randomizedcoder/go-autodetect/internal/results"
	"github.com/randomizedcoder/go-autodetect/internal/stats"
	"github.com/randomizedcoder/go-autodetect/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// Test doubles
// =============================================================================

// simLauncher starts in-process simulated engines and records every
// launch.
type simLauncher struct {
	engine enginesim.Config
	fail   error

	mu       sync.Mutex
	restores []RestorePoint
	procs    []*enginesim.Process
}

func (l *simLauncher) Launch(spec *JobSpec, restore RestorePoint, onCrash func(string, error)) (communicator.Process, error) {
	if l.fail != nil {
		return nil, l.fail
	}
	cfg := l.engine
	cfg.JobID = spec.ID
	cfg.BucketSpan = spec.Engine.BucketSpan
	p := enginesim.StartProcess(enginesim.ProcessConfig{
		Engine:  cfg,
		Logger:  logging.Discard(),
		OnCrash: onCrash,
	})
	l.mu.Lock()
	l.restores = append(l.restores, restore)
	l.procs = append(l.procs, p)
	l.mu.Unlock()
	return p, nil
}

func (l *simLauncher) launches() []RestorePoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]RestorePoint(nil), l.restores...)
}

// memRestore serves restore points from the model state held by a
// store.Memory.
type memRestore struct{ *store.Memory }

func (r memRestore) Quantiles(jobID string) (*results.Quantiles, error) {
	ms := r.ModelState(jobID, results.KindQuantiles)
	if len(ms) == 0 {
		return nil, store.ErrNotFound
	}
	return ms[len(ms)-1].(*results.Quantiles), nil
}

func (r memRestore) LatestSnapshot(jobID string) (*results.ModelSnapshot, error) {
	ms := r.ModelState(jobID, results.KindModelSnapshot)
	if len(ms) == 0 {
		return nil, store.ErrNotFound
	}
	return ms[len(ms)-1].(*results.ModelSnapshot), nil
}

type memCounts struct {
	mu     sync.Mutex
	counts map[string]stats.DataCounts
	saves  int
}

func (c *memCounts) SaveDataCounts(_ context.Context, dc stats.DataCounts) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]stats.DataCounts)
	}
	c.counts[dc.JobID] = dc
	c.saves++
	return nil
}

func (c *memCounts) LoadDataCounts(_ context.Context, jobID string) (stats.DataCounts, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dc, ok := c.counts[jobID]
	if !ok {
		return stats.DataCounts{}, store.ErrNotFound
	}
	return dc, nil
}

var (
	_ RestoreStore = (*store.BadgerState)(nil)
	_ CountsStore  = (*store.SQLite)(nil)
	_ Launcher     = (*ExecLauncher)(nil)
)

func testSpec(id string) JobSpec {
	return JobSpec{
		ID: id,
		Engine: process.EngineConfig{
			BucketSpan: time.Minute,
			Detectors:  []process.Detector{{Function: "max", FieldName: "value"}},
		},
		DataDescription: communicator.DataDescription{Format: communicator.FormatCSV, TimeField: "time"},
		AnalysisFields:  []string{"value"},
	}
}

type harness struct {
	mgr      *Manager
	launcher *simLauncher
	mem      *store.Memory
	counts   *memCounts

	mu       sync.Mutex
	states   []string
	restarts []int
}

func newManager(t *testing.T, engine enginesim.Config, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		launcher: &simLauncher{engine: engine},
		mem:      store.NewMemory(),
		counts:   &memCounts{},
	}
	cfg := Config{
		Launcher:    h.launcher,
		Persister:   h.mem,
		Restore:     memRestore{h.mem},
		CountsStore: h.counts,
		Backoff: BackoffConfig{
			Initial:    5 * time.Millisecond,
			Max:        20 * time.Millisecond,
			Multiplier: 2,
		},
		CloseTimeout:      5 * time.Second,
		FlushPollInterval: 20 * time.Millisecond,
		ResultsTimeout:    5 * time.Second,
		Logger:            logging.Discard(),
		Callbacks: Callbacks{
			OnStateChange: func(_ string, _, s JobState) {
				h.mu.Lock()
				h.states = append(h.states, s.String())
				h.mu.Unlock()
			},
			OnRestart: func(_ string, attempt int, _ time.Duration) {
				h.mu.Lock()
				h.restarts = append(h.restarts, attempt)
				h.mu.Unlock()
			},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	mgr, err := NewManager(cfg)
	require.NoError(t, err)
	h.mgr = mgr
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = mgr.CloseAll(ctx, "test cleanup")
	})
	return h
}

func (h *harness) write(t *testing.T, jobID, csv string) (stats.DataCounts, error) {
	t.Helper()
	return h.mgr.WriteData(context.Background(), jobID, strings.NewReader(csv), communicator.DataLoadParams{})
}

func (h *harness) waitState(t *testing.T, jobID string, want JobState) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := h.mgr.State(jobID)
		return ok && s == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", jobID, want)
}

func finalBuckets(mem *store.Memory, jobID string) int {
	n := 0
	for _, r := range mem.Final(jobID) {
		if _, ok := r.(*results.Bucket); ok {
			n++
		}
	}
	return n
}

// =============================================================================
// Open / operate / close
// =============================================================================

func TestManager_OpenWriteFlushClose(t *testing.T) {
	h := newManager(t, enginesim.Config{}, nil)
	ctx := context.Background()

	require.NoError(t, h.mgr.Open(ctx, testSpec("farequote")))
	s, ok := h.mgr.Job("farequote")
	require.True(t, ok)
	assert.Equal(t, StateOpened, s.State)

	counts, err := h.write(t, "farequote", "time,value\n0,10\n30,20\n60,30\n")
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts.ProcessedRecordCount)

	ack, err := h.mgr.Flush(ctx, "farequote", communicator.FlushParams{CalcInterim: true})
	require.NoError(t, err)
	assert.NotEmpty(t, ack.ID)
	assert.Equal(t, 1, finalBuckets(h.mem, "farequote"))
	assert.Len(t, h.mem.Interim("farequote"), 1)

	require.NoError(t, h.mgr.UpdateConfig(ctx, "farequote", communicator.UpdateParams{
		ModelPlotConfig: []byte(`{"enabled":true}`),
	}))

	require.NoError(t, h.mgr.Close(ctx, "farequote", "done"))
	assert.Equal(t, 2, finalBuckets(h.mem, "farequote"))
	assert.Empty(t, h.mem.Interim("farequote"))

	s, _ = h.mgr.Job("farequote")
	assert.Equal(t, StateClosed, s.State)
	assert.Equal(t, int64(3), s.Counts.ProcessedRecordCount)
	assert.Equal(t, int64(1), s.Flushes.Count)

	saved, err := h.counts.LoadDataCounts(ctx, "farequote")
	require.NoError(t, err)
	assert.Equal(t, int64(3), saved.ProcessedRecordCount)

	h.mu.Lock()
	assert.Equal(t, []string{"opening", "opened", "closing", "closed"}, h.states)
	h.mu.Unlock()

	// Closing again is a no-op.
	require.NoError(t, h.mgr.Close(ctx, "farequote", "again"))
}

func TestManager_ReopenRestoresState(t *testing.T) {
	h := newManager(t, enginesim.Config{}, nil)
	ctx := context.Background()

	require.NoError(t, h.mgr.Open(ctx, testSpec("job")))
	_, err := h.write(t, "job", "time,value\n0,1\n60,2\n")
	require.NoError(t, err)
	require.NoError(t, h.mgr.Close(ctx, "job", "first run"))

	require.NoError(t, h.mgr.Open(ctx, testSpec("job")))
	launches := h.launcher.launches()
	require.Len(t, launches, 2)
	assert.True(t, launches[0].IsZero(), "first open has nothing to restore")
	assert.NotEmpty(t, launches[1].SnapshotID)
	assert.NotEmpty(t, launches[1].Quantiles)

	s, _ := h.mgr.Job("job")
	assert.Equal(t, launches[1].SnapshotID, s.SnapshotID)
	assert.Equal(t, int64(2), s.Counts.ProcessedRecordCount, "data counts carry over a close and reopen")
}

func TestManager_OpenErrors(t *testing.T) {
	h := newManager(t, enginesim.Config{}, nil)
	ctx := context.Background()

	bad := testSpec("bad")
	bad.Engine.BucketSpan = 0
	err := h.mgr.Open(ctx, bad)
	assert.ErrorIs(t, err, errkind.ErrConfig)
	assert.Contains(t, err.Error(), "bucket span")

	require.NoError(t, h.mgr.Open(ctx, testSpec("job")))
	err = h.mgr.Open(ctx, testSpec("job"))
	assert.ErrorIs(t, err, ErrJobOpen)

	_, err = h.write(t, "missing", "time,value\n")
	assert.ErrorIs(t, err, ErrUnknownJob)
	_, err = h.mgr.Flush(ctx, "missing", communicator.FlushParams{})
	assert.ErrorIs(t, err, ErrUnknownJob)
	assert.ErrorIs(t, h.mgr.Close(ctx, "missing", "x"), ErrUnknownJob)

	require.NoError(t, h.mgr.Close(ctx, "job", "done"))
	_, err = h.write(t, "job", "time,value\n")
	assert.ErrorIs(t, err, errkind.ErrProcessCrashed)
	assert.ErrorIs(t, err, ErrJobNotOpen)
}

func TestManager_LaunchFailure(t *testing.T) {
	boom := errors.New("no engine")
	h := newManager(t, enginesim.Config{}, nil)
	h.launcher.fail = boom

	err := h.mgr.Open(context.Background(), testSpec("job"))
	assert.ErrorIs(t, err, boom)

	s, ok := h.mgr.Job("job")
	require.True(t, ok)
	assert.Equal(t, StateFailed, s.State)
	assert.Contains(t, s.LastError, "no engine")

	// A failed job can be opened again.
	h.launcher.fail = nil
	require.NoError(t, h.mgr.Open(context.Background(), testSpec("job")))
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(Config{Persister: store.NewMemory()})
	assert.ErrorIs(t, err, errkind.ErrConfig)
	_, err = NewManager(Config{Launcher: &simLauncher{}})
	assert.ErrorIs(t, err, errkind.ErrConfig)
}

// =============================================================================
// Crash handling
// =============================================================================

func TestManager_RestartAfterCrash(t *testing.T) {
	var crashes sync.WaitGroup
	crashes.Add(1)
	var once sync.Once
	h := newManager(t, enginesim.Config{CrashAfter: 1}, func(c *Config) {
		c.Callbacks.OnCrash = func(string, error) { once.Do(crashes.Done) }
	})
	ctx := context.Background()

	require.NoError(t, h.mgr.Open(ctx, testSpec("job")))
	_, _ = h.write(t, "job", "time,value\n0,1\n")
	crashes.Wait()

	require.Eventually(t, func() bool {
		s, _ := h.mgr.Job("job")
		return s.State == StateOpened && s.Restarts == 1
	}, 5*time.Second, 5*time.Millisecond)

	s, _ := h.mgr.Job("job")
	assert.Equal(t, int64(1), s.Crashes)
	assert.Contains(t, s.LastError, "injected")
	assert.Len(t, h.launcher.launches(), 2)
	h.mu.Lock()
	assert.Equal(t, []int{1}, h.restarts)
	assert.Contains(t, h.states, "backoff")
	h.mu.Unlock()

	assert.Equal(t, int64(1), h.mgr.Stats().Job("job").Restarts.Load())
}

func TestManager_MaxRestarts(t *testing.T) {
	h := newManager(t, enginesim.Config{CrashAfter: 1}, func(c *Config) {
		c.MaxRestarts = 1
	})
	ctx := context.Background()

	require.NoError(t, h.mgr.Open(ctx, testSpec("job")))
	_, _ = h.write(t, "job", "time,value\n0,1\n")
	require.Eventually(t, func() bool {
		s, _ := h.mgr.Job("job")
		return s.State == StateOpened && s.Restarts == 1
	}, 5*time.Second, 5*time.Millisecond)

	_, _ = h.write(t, "job", "time,value\n60,1\n")
	h.waitState(t, "job", StateFailed)

	_, err := h.write(t, "job", "time,value\n120,1\n")
	assert.ErrorIs(t, err, errkind.ErrProcessCrashed)
	assert.ErrorIs(t, err, ErrMaxRestarts)
	assert.Len(t, h.launcher.launches(), 2)
}

func TestManager_CloseDuringBackoff(t *testing.T) {
	h := newManager(t, enginesim.Config{CrashAfter: 1}, func(c *Config) {
		c.Backoff = BackoffConfig{Initial: time.Hour, Max: time.Hour, Multiplier: 1}
	})
	ctx := context.Background()

	require.NoError(t, h.mgr.Open(ctx, testSpec("job")))
	_, _ = h.write(t, "job", "time,value\n0,1\n")
	h.waitState(t, "job", StateBackoff)

	_, err := h.mgr.Flush(ctx, "job", communicator.FlushParams{})
	assert.ErrorIs(t, err, errkind.ErrProcessCrashed)

	start := time.Now()
	require.NoError(t, h.mgr.Close(ctx, "job", "operator"))
	assert.Less(t, time.Since(start), 5*time.Second)
	h.waitState(t, "job", StateClosed)
	assert.Len(t, h.launcher.launches(), 1, "no restart after close")
}

func TestManager_Kill(t *testing.T) {
	var crashed atomic.Bool
	h := newManager(t, enginesim.Config{}, func(c *Config) {
		c.Callbacks.OnCrash = func(string, error) { crashed.Store(true) }
	})
	ctx := context.Background()

	require.NoError(t, h.mgr.Open(ctx, testSpec("job")))
	require.NoError(t, h.mgr.Kill(ctx, "job"))
	h.waitState(t, "job", StateClosed)
	assert.False(t, crashed.Load(), "kill is not a crash")
	assert.Len(t, h.launcher.launches(), 1)
}

// =============================================================================
// Inactivity and shutdown
// =============================================================================

func TestManager_InactivityTimeout(t *testing.T) {
	h := newManager(t, enginesim.Config{}, func(c *Config) {
		c.InactivityTimeout = 50 * time.Millisecond
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, h.mgr.Open(ctx, testSpec("idle")))
	require.NoError(t, h.mgr.Open(ctx, testSpec("busy")))

	done := make(chan error, 1)
	go func() { done <- h.mgr.Run(ctx) }()

	stop := time.After(300 * time.Millisecond)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
keepBusy:
	for {
		select {
		case <-ticker.C:
			_, _ = h.write(t, "busy", "time,value\n")
		case <-stop:
			break keepBusy
		}
	}

	h.waitState(t, "idle", StateClosed)
	st, _ := h.mgr.State("busy")
	assert.Equal(t, StateOpened, st)

	cancel()
	require.NoError(t, <-done)
}

func TestManager_RunWithoutTimeout(t *testing.T) {
	h := newManager(t, enginesim.Config{}, nil)
	require.NoError(t, h.mgr.Run(context.Background()))
}

func TestManager_CloseAll(t *testing.T) {
	h := newManager(t, enginesim.Config{}, nil)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, h.mgr.Open(ctx, testSpec(id)))
		_, err := h.write(t, id, "time,value\n0,1\n")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, h.mgr.ActiveJobs())

	require.NoError(t, h.mgr.CloseAll(ctx, "shutdown"))
	for _, s := range h.mgr.Jobs() {
		assert.Equal(t, StateClosed, s.State, s.ID)
		assert.Equal(t, 1, finalBuckets(h.mem, s.ID))
	}
	assert.Zero(t, h.mgr.ActiveJobs())
	assert.Equal(t, 3, h.counts.saves)
}

// =============================================================================
// ExecLauncher
// =============================================================================

func TestExecLauncher_PassesRestorePoint(t *testing.T) {
	home := t.TempDir()
	bin := filepath.Join(t.TempDir(), "engine.sh")
	script := `#!/bin/bash
printf '%s\n' "$@" > "$HOME/args"
while read -r _; do :; done
echo '[]'
`
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))

	spec := testSpec("exec-job")
	l := &ExecLauncher{BinaryPath: bin, HomeDir: home, Logger: logging.Discard()}
	proc, err := l.Launch(&spec, RestorePoint{SnapshotID: "snap-9", Quantiles: []byte(`{"q":1}`)}, func(string, error) {
		t.Error("clean exit must not be reported as a crash")
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, proc.Close(ctx, false, "test"))
	proc.Release()

	data, err := os.ReadFile(filepath.Join(home, "args"))
	require.NoError(t, err)
	args := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Contains(t, args, "--jobid=exec-job")
	assert.Contains(t, args, "--restoreSnapshotId=snap-9")
	assert.Contains(t, args, "--deleteStateFiles")
	assert.Equal(t, "max(value)", args[len(args)-1])
}

func TestCrashForwarder_HoldsEarlyCrash(t *testing.T) {
	var got []error
	f := &crashForwarder{}
	f.forward("job", errors.New("early"))
	f.forward("job", errors.New("second"))
	f.attach(func(err error) { got = append(got, err) })
	f.forward("job", errors.New("late"))

	require.Len(t, got, 2)
	assert.EqualError(t, got[0], "early")
	assert.EqualError(t, got[1], "late")
}
