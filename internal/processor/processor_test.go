package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/randomizedcoder/go-autodetect/internal/errkind"
	"github.com/randomizedcoder/go-autodetect/internal/results"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// Test doubles
// =============================================================================

// recordingPersister keeps interim and final buckets in separate sets and
// fails the test if a bucket is ever visible in both at once.
type recordingPersister struct {
	t *testing.T

	mu      sync.Mutex
	calls   []string
	interim map[int64]bool
	final   map[int64]bool
	state   []results.Kind
	failOn  string

	// failDeletes lists delete calls, counted from 1, that fail.
	failDeletes map[int]bool
	deletes     int
}

func newRecordingPersister(t *testing.T) *recordingPersister {
	return &recordingPersister{t: t, interim: map[int64]bool{}, final: map[int64]bool{}}
}

func describe(m results.Scored) string {
	switch v := m.(type) {
	case *results.Bucket:
		return fmt.Sprintf("bucket@%d", v.Timestamp)
	case results.RecordBatch:
		return fmt.Sprintf("records(%d)", len(v))
	case results.InfluencerBatch:
		return fmt.Sprintf("influencers(%d)", len(v))
	}
	return "?"
}

func (p *recordingPersister) check() {
	for ts := range p.final {
		if p.interim[ts] {
			p.t.Errorf("bucket %d visible as interim and final at once", ts)
		}
	}
}

func (p *recordingPersister) PersistInterim(_ context.Context, _ string, m results.Scored) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	call := "interim " + describe(m)
	if p.failOn == call {
		return errors.New("store unavailable")
	}
	p.calls = append(p.calls, call)
	if b, ok := m.(*results.Bucket); ok {
		p.interim[b.Timestamp] = true
	}
	p.check()
	return nil
}

func (p *recordingPersister) PersistFinal(_ context.Context, _ string, m results.Scored) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	call := "final " + describe(m)
	if p.failOn == call {
		return errors.New("store unavailable")
	}
	p.calls = append(p.calls, call)
	if b, ok := m.(*results.Bucket); ok {
		p.final[b.Timestamp] = true
	}
	p.check()
	return nil
}

func (p *recordingPersister) DeleteInterim(context.Context, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deletes++
	if p.failDeletes[p.deletes] {
		p.calls = append(p.calls, "delete failed")
		return errors.New("store unavailable")
	}
	p.calls = append(p.calls, "delete")
	p.interim = map[int64]bool{}
	return nil
}

func (p *recordingPersister) PersistModelState(_ context.Context, _ string, m results.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = append(p.state, m.Kind())
	return nil
}

func (p *recordingPersister) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *recordingPersister) FinalCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.final)
}

func (p *recordingPersister) InterimCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.interim)
}

type fakeRenormalizer struct {
	pending atomic.Int32
	calls   atomic.Int32
}

func (r *fakeRenormalizer) Renormalize(*results.Quantiles) {
	r.calls.Add(1)
	r.pending.Add(1)
}

func (r *fakeRenormalizer) IsIdle() bool { return r.pending.Load() == 0 }

func (r *fakeRenormalizer) finish() { r.pending.Store(0) }

// stream builds an engine output document from messages.
func stream(t *testing.T, msgs ...results.Message) string {
	t.Helper()
	var b strings.Builder
	w := results.NewWriter(&b)
	for _, m := range msgs {
		require.NoError(t, w.Write(m))
	}
	require.NoError(t, w.Close())
	return b.String()
}

func newTestProcessor(p Persister, r Renormalizer) *ResultProcessor {
	return New(Config{
		JobID:            "job",
		Persister:        p,
		Renormalizer:     r,
		IdlePollInterval: 5 * time.Millisecond,
		DrainTimeout:     time.Second,
	})
}

// =============================================================================
// Interim / final replacement
// =============================================================================

func TestInterimReplacedByFinal(t *testing.T) {
	pers := newRecordingPersister(t)
	proc := newTestProcessor(pers, nil)

	input := stream(t,
		&results.Bucket{Timestamp: 3600, IsInterim: true},
		results.RecordBatch{{Timestamp: 3600, IsInterim: true}},
		&results.FlushAcknowledgement{ID: "1"},
		results.RecordBatch{{Timestamp: 3600}},
		&results.Bucket{Timestamp: 3600},
		&results.FlushAcknowledgement{ID: "2"},
	)
	require.NoError(t, proc.Run(context.Background(), strings.NewReader(input)))

	want := []string{
		"delete", // stale interim results from an earlier process
		"interim bucket@3600",
		"interim records(1)",
		"delete",
		"final records(1)",
		"final bucket@3600",
	}
	if diff := cmp.Diff(want, pers.Calls()); diff != "" {
		t.Errorf("persist calls mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, pers.FinalCount())
	assert.Equal(t, 0, pers.InterimCount())
}

func TestInterimGenerations(t *testing.T) {
	pers := newRecordingPersister(t)
	proc := newTestProcessor(pers, nil)

	input := stream(t,
		&results.Bucket{Timestamp: 0},
		&results.Bucket{Timestamp: 3600, IsInterim: true},
		results.InfluencerBatch{{Timestamp: 3600, IsInterim: true}},
		&results.FlushAcknowledgement{ID: "1"},
		&results.Bucket{Timestamp: 3600, IsInterim: true},
		&results.FlushAcknowledgement{ID: "2"},
	)
	require.NoError(t, proc.Run(context.Background(), strings.NewReader(input)))

	want := []string{
		"delete",
		"final bucket@0",
		"interim bucket@3600",
		"interim influencers(1)",
		"delete",
		"interim bucket@3600",
	}
	if diff := cmp.Diff(want, pers.Calls()); diff != "" {
		t.Errorf("persist calls mismatch (-want +got):\n%s", diff)
	}
}

func TestFinalWithoutInterimDoesNotDelete(t *testing.T) {
	pers := newRecordingPersister(t)
	proc := newTestProcessor(pers, nil)

	input := stream(t,
		&results.Bucket{Timestamp: 0},
		&results.Bucket{Timestamp: 3600},
	)
	require.NoError(t, proc.Run(context.Background(), strings.NewReader(input)))
	assert.Equal(t, []string{"delete", "final bucket@0", "final bucket@3600"}, pers.Calls())
}

func TestPersistErrorDoesNotStopStream(t *testing.T) {
	pers := newRecordingPersister(t)
	pers.failOn = "final bucket@0"
	var persistErrors atomic.Int32
	proc := New(Config{
		JobID:     "job",
		Persister: pers,
		Callbacks: Callbacks{
			OnPersistError: func(results.Kind, error) { persistErrors.Add(1) },
		},
	})

	input := stream(t,
		&results.Bucket{Timestamp: 0},
		&results.Bucket{Timestamp: 3600},
	)
	require.NoError(t, proc.Run(context.Background(), strings.NewReader(input)))
	assert.Equal(t, int32(1), persistErrors.Load())
	assert.Contains(t, pers.Calls(), "final bucket@3600")
}

func TestDeleteInterimFailureSkipsFinal(t *testing.T) {
	pers := newRecordingPersister(t)
	pers.failDeletes = map[int]bool{2: true}
	var persistErrors atomic.Int32
	proc := New(Config{
		JobID:     "job",
		Persister: pers,
		Callbacks: Callbacks{
			OnPersistError: func(results.Kind, error) { persistErrors.Add(1) },
		},
	})

	input := stream(t,
		&results.Bucket{Timestamp: 0},
		&results.Bucket{Timestamp: 60, IsInterim: true},
		&results.FlushAcknowledgement{ID: "1"},
		&results.Bucket{Timestamp: 60},
		&results.Bucket{Timestamp: 120},
	)
	require.NoError(t, proc.Run(context.Background(), strings.NewReader(input)))

	want := []string{
		"delete",
		"final bucket@0",
		"interim bucket@60",
		"delete failed",
		"delete", // retried by the next final
		"final bucket@120",
	}
	if diff := cmp.Diff(want, pers.Calls()); diff != "" {
		t.Errorf("persist calls mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, int32(1), persistErrors.Load())
	assert.Equal(t, 0, pers.InterimCount())
}

// =============================================================================
// Model state
// =============================================================================

func TestModelStateTracksLatest(t *testing.T) {
	pers := newRecordingPersister(t)
	proc := newTestProcessor(pers, nil)

	_, ok := proc.ModelState().ModelSizeStats()
	assert.False(t, ok)

	input := stream(t,
		&results.ModelSizeStats{ModelBytes: 100, MemoryStatus: results.MemoryStatusOK},
		&results.CategoryDefinition{CategoryID: 1},
		&results.ModelSizeStats{ModelBytes: 200, MemoryStatus: results.MemoryStatusSoftLimit},
		&results.ModelSnapshot{SnapshotID: "s1", ModelSizeStats: &results.ModelSizeStats{ModelBytes: 200}},
		&results.Quantiles{Timestamp: 7200, QuantileState: "q"},
		&results.ModelPlot{Timestamp: 3600},
		&results.Bucket{Timestamp: 3600},
		&results.Bucket{Timestamp: 7200, IsInterim: true},
		&results.FlushAcknowledgement{ID: "f", LastFinalizedBucketEnd: 7200},
	)
	require.NoError(t, proc.Run(context.Background(), strings.NewReader(input)))

	state := proc.ModelState()
	mss, ok := state.ModelSizeStats()
	require.True(t, ok)
	assert.Equal(t, int64(200), mss.ModelBytes)
	assert.Equal(t, results.MemoryStatusSoftLimit, mss.MemoryStatus)

	snap, ok := state.ModelSnapshot()
	require.True(t, ok)
	assert.Equal(t, "s1", snap.SnapshotID)
	snap.ModelSizeStats.ModelBytes = 1
	again, _ := state.ModelSnapshot()
	assert.Equal(t, int64(200), again.ModelSizeStats.ModelBytes, "snapshot must be returned by copy")

	q, ok := state.Quantiles()
	require.True(t, ok)
	assert.Equal(t, "q", q.QuantileState)

	assert.Equal(t, int64(1), state.BucketCount())
	assert.Equal(t, int64(7200), state.LatestBucketTime())
	assert.Equal(t, int64(7200), state.LastFinalizedBucketEnd())

	assert.Equal(t, []results.Kind{
		results.KindModelSizeStats, results.KindCategoryDefinition, results.KindModelSizeStats,
		results.KindModelSnapshot, results.KindQuantiles, results.KindModelPlot,
	}, pers.state)
}

// =============================================================================
// Flush acknowledgement
// =============================================================================

func TestWaitForFlushAcknowledgementOrdering(t *testing.T) {
	pers := newRecordingPersister(t)
	proc := newTestProcessor(pers, nil)

	pr, pw := io.Pipe()
	runDone := make(chan error, 1)
	go func() { runDone <- proc.Run(context.Background(), pr) }()

	w := results.NewWriter(pw)
	waitDone := make(chan int, 1)
	go func() {
		for {
			if _, ok := proc.WaitForFlushAcknowledgement("tok", 10*time.Millisecond); ok {
				waitDone <- pers.FinalCount()
				return
			}
		}
	}()

	for ts := int64(0); ts < 5; ts++ {
		require.NoError(t, w.Write(&results.Bucket{Timestamp: ts * 3600}))
	}

	select {
	case <-waitDone:
		t.Fatal("flush wait returned before acknowledgement")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, w.Write(&results.FlushAcknowledgement{ID: "tok"}))

	select {
	case seen := <-waitDone:
		assert.Equal(t, 5, seen, "all results written before the ack must be persisted first")
	case <-time.After(2 * time.Second):
		t.Fatal("flush wait did not return")
	}

	require.NoError(t, w.Close())
	require.NoError(t, pw.Close())
	require.NoError(t, <-runDone)
}

func TestWaitForFlushAcknowledgementAckBeforeWait(t *testing.T) {
	proc := newTestProcessor(nil, nil)
	input := stream(t, &results.FlushAcknowledgement{ID: "early", LastFinalizedBucketEnd: 10})
	require.NoError(t, proc.Run(context.Background(), strings.NewReader(input)))

	ack, ok := proc.WaitForFlushAcknowledgement("early", time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, int64(10), ack.LastFinalizedBucketEnd)

	assert.Equal(t, 1, proc.PendingFlushes())
	proc.ClearAwaitingFlush("early")
	assert.Equal(t, 0, proc.PendingFlushes())
}

func TestWaitForFlushAcknowledgementTimeout(t *testing.T) {
	proc := newTestProcessor(nil, nil)
	start := time.Now()
	_, ok := proc.WaitForFlushAcknowledgement("never", 20*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	proc.ClearAwaitingFlush("never")
}

func TestLateAcknowledgementAfterClearIsDropped(t *testing.T) {
	proc := newTestProcessor(nil, nil)

	_, ok := proc.WaitForFlushAcknowledgement("late", 5*time.Millisecond)
	require.False(t, ok)
	proc.ClearAwaitingFlush("late")

	input := stream(t, &results.FlushAcknowledgement{ID: "late"})
	require.NoError(t, proc.Run(context.Background(), strings.NewReader(input)))
	assert.Zero(t, proc.PendingFlushes())
}

func TestWaitForFlushAcknowledgementStreamEnded(t *testing.T) {
	proc := newTestProcessor(nil, nil)
	require.NoError(t, proc.Run(context.Background(), strings.NewReader("[]")))

	start := time.Now()
	_, ok := proc.WaitForFlushAcknowledgement("never", 5*time.Second)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second, "wait must not sit out its timeout after the stream ended")
}

// =============================================================================
// Renormalizer
// =============================================================================

func TestQuantilesTriggerRenormalization(t *testing.T) {
	renorm := &fakeRenormalizer{}
	proc := newTestProcessor(nil, renorm)

	pr, pw := io.Pipe()
	runDone := make(chan error, 1)
	go func() { runDone <- proc.Run(context.Background(), pr) }()

	w := results.NewWriter(pw)
	require.NoError(t, w.Write(&results.Quantiles{QuantileState: "q"}))
	require.NoError(t, w.Write(&results.FlushAcknowledgement{ID: "f"}))
	_, ok := proc.WaitForFlushAcknowledgement("f", time.Second)
	require.True(t, ok)
	assert.Equal(t, int32(1), renorm.calls.Load())

	idle := make(chan error, 1)
	go func() { idle <- proc.WaitUntilRenormalizerIdle(context.Background()) }()

	select {
	case <-idle:
		t.Fatal("returned while renormalizer busy")
	case <-time.After(30 * time.Millisecond):
	}
	renorm.finish()
	select {
	case err := <-idle:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("did not return once renormalizer idle")
	}

	require.NoError(t, pw.Close())
	require.NoError(t, <-runDone)
}

func TestWaitUntilRenormalizerIdleContext(t *testing.T) {
	renorm := &fakeRenormalizer{}
	renorm.pending.Store(1)
	proc := newTestProcessor(nil, renorm)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, proc.WaitUntilRenormalizerIdle(ctx), context.DeadlineExceeded)
}

// =============================================================================
// Lifecycle and failures
// =============================================================================

func TestStateTransitions(t *testing.T) {
	proc := newTestProcessor(nil, nil)
	assert.Equal(t, StateAwaitingInitial, proc.State())

	pr, pw := io.Pipe()
	runDone := make(chan error, 1)
	go func() { runDone <- proc.Run(context.Background(), pr) }()

	w := results.NewWriter(pw)
	require.NoError(t, w.Write(&results.FlushAcknowledgement{ID: "1"}))
	_, ok := proc.WaitForFlushAcknowledgement("1", time.Second)
	require.True(t, ok)
	assert.Equal(t, StateSteadyState, proc.State())

	require.NoError(t, pw.Close())
	require.NoError(t, <-runDone)
	assert.Equal(t, StateStopped, proc.State())
	assert.True(t, proc.Stopped())
	assert.NoError(t, proc.AwaitCompletion(context.Background()))
}

func TestRunTwice(t *testing.T) {
	proc := newTestProcessor(nil, nil)
	require.NoError(t, proc.Run(context.Background(), strings.NewReader("")))
	assert.Error(t, proc.Run(context.Background(), strings.NewReader("")))
}

func TestProtocolErrorIsFatalAndDrains(t *testing.T) {
	var fatal atomic.Int32
	var fatalErr error
	proc := New(Config{
		JobID: "job",
		Callbacks: Callbacks{
			OnFatal: func(err error) {
				fatal.Add(1)
				fatalErr = err
			},
		},
	})

	pr, pw := io.Pipe()
	runDone := make(chan error, 1)
	go func() { runDone <- proc.Run(context.Background(), pr) }()

	// Keep writing after the malformed frame; the processor must keep
	// reading so the writer never blocks.
	writeDone := make(chan error, 1)
	go func() {
		_, err := io.WriteString(pw, `[{"flushAck":{"id":"1"}},{"bogus":true}`)
		if err == nil {
			_, err = io.WriteString(pw, strings.Repeat(" more output ", 10000))
		}
		pw.Close()
		writeDone <- err
	}()

	select {
	case err := <-writeDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("writer blocked after protocol error")
	}

	err := <-runDone
	require.Error(t, err)
	assert.True(t, errors.Is(err, errkind.ErrProtocol))
	assert.Equal(t, int32(1), fatal.Load())
	assert.Equal(t, err, fatalErr)
	assert.Equal(t, err, proc.Err())
	assert.True(t, proc.Stopped())

	var ke *errkind.Error
	require.True(t, errors.As(err, &ke))
	assert.Equal(t, "job", ke.JobID)
}

func TestReadErrorIsNotFatal(t *testing.T) {
	var fatal atomic.Int32
	proc := New(Config{Callbacks: Callbacks{OnFatal: func(error) { fatal.Add(1) }}})

	pr, pw := io.Pipe()
	pw.CloseWithError(errors.New("pipe torn down"))

	err := proc.Run(context.Background(), pr)
	assert.True(t, errors.Is(err, errkind.ErrIO), "got %v", err)
	assert.Equal(t, int32(0), fatal.Load())
}

func TestAwaitCompletionTimeout(t *testing.T) {
	proc := newTestProcessor(nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := proc.AwaitCompletion(ctx)
	assert.True(t, errors.Is(err, errkind.ErrTimeout))
}

func TestOnResultCallback(t *testing.T) {
	type seen struct {
		kind    results.Kind
		interim bool
	}
	var got []seen
	proc := New(Config{Callbacks: Callbacks{OnResult: func(k results.Kind, interim bool) {
		got = append(got, seen{k, interim})
	}}})

	input := stream(t,
		&results.Bucket{IsInterim: true},
		results.RecordBatch{{}},
		&results.FlushAcknowledgement{ID: "x"},
	)
	require.NoError(t, proc.Run(context.Background(), strings.NewReader(input)))
	assert.Equal(t, []seen{
		{results.KindBucket, true},
		{results.KindRecords, false},
		{results.KindFlushAck, false},
	}, got)
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateAwaitingInitial, "awaiting_initial"},
		{StateSteadyState, "steady_state"},
		{StateDraining, "draining"},
		{StateStopped, "stopped"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
