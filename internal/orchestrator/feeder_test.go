package orchestrator

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randomizedcoder/go-autodetect/internal/communicator"
	"github.com/randomizedcoder/go-autodetect/internal/logging"
	"github.com/randomizedcoder/go-autodetect/internal/results"
	"github.com/randomizedcoder/go-autodetect/internal/stats"
)

// fakeWriter records every batch and flush.
type fakeWriter struct {
	mu       sync.Mutex
	batches  []string
	flushes  []communicator.FlushParams
	records  int64
	writeErr error
	flushErr error
}

func (w *fakeWriter) WriteData(_ context.Context, jobID string, r io.Reader, _ communicator.DataLoadParams) (stats.DataCounts, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return stats.DataCounts{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writeErr != nil {
		return stats.DataCounts{JobID: jobID, InputRecordCount: w.records}, w.writeErr
	}
	w.batches = append(w.batches, string(data))
	w.records += int64(strings.Count(string(data), "\n"))
	return stats.DataCounts{JobID: jobID, InputRecordCount: w.records, ProcessedRecordCount: w.records}, nil
}

func (w *fakeWriter) Flush(_ context.Context, _ string, params communicator.FlushParams) (*results.FlushAcknowledgement, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.flushErr != nil {
		return nil, w.flushErr
	}
	w.flushes = append(w.flushes, params)
	return &results.FlushAcknowledgement{ID: "1"}, nil
}

const csvInput = "time,value\n1,10\n2,20\n3,30\n4,40\n5,50\n"

// =============================================================================
// Tests: batching
// =============================================================================

func TestFeeder_SingleBatch(t *testing.T) {
	w := &fakeWriter{}
	f := NewFeeder(w, FeedConfig{JobID: "farequote"}, nil, logging.Discard())

	require.NoError(t, f.Feed(context.Background(), strings.NewReader(csvInput)))

	require.Len(t, w.batches, 1)
	assert.Equal(t, csvInput, w.batches[0], "without batching the input passes through untouched")
	assert.Len(t, w.flushes, 1)
	assert.Equal(t, 1, f.Result().Flushes)
}

func TestFeeder_CSVBatches(t *testing.T) {
	w := &fakeWriter{}
	f := NewFeeder(w, FeedConfig{JobID: "farequote", FlushEvery: 2, Interim: true}, nil, logging.Discard())

	require.NoError(t, f.Feed(context.Background(), strings.NewReader(csvInput)))

	want := []string{
		"time,value\n1,10\n2,20\n",
		"time,value\n3,30\n4,40\n",
		"time,value\n5,50\n",
	}
	assert.Equal(t, want, w.batches, "every batch repeats the header")
	require.Len(t, w.flushes, 3)
	for _, p := range w.flushes {
		assert.True(t, p.CalcInterim)
	}

	res := f.Result()
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, 3, res.Flushes)
}

func TestFeeder_CSVDelimiter(t *testing.T) {
	w := &fakeWriter{}
	f := NewFeeder(w, FeedConfig{JobID: "j", Delimiter: ';', FlushEvery: 10}, nil, logging.Discard())

	require.NoError(t, f.Feed(context.Background(), strings.NewReader("time;value\n1;a,b\n")))
	require.Len(t, w.batches, 1)
	assert.Equal(t, "time;value\n1;a,b\n", w.batches[0])
}

func TestFeeder_CSVHeaderOnly(t *testing.T) {
	w := &fakeWriter{}
	f := NewFeeder(w, FeedConfig{JobID: "j", FlushEvery: 2}, nil, logging.Discard())

	require.NoError(t, f.Feed(context.Background(), strings.NewReader("time,value\n")))
	assert.Empty(t, w.batches)

	require.NoError(t, f.Feed(context.Background(), strings.NewReader("")))
	assert.Empty(t, w.flushes)
}

func TestFeeder_NDJSONBatches(t *testing.T) {
	w := &fakeWriter{}
	f := NewFeeder(w, FeedConfig{JobID: "j", Format: communicator.FormatNDJSON, FlushEvery: 2}, nil, logging.Discard())

	input := `{"time":1,"value":10}

{"time":2,"value":20}
  {"time":3,"value":30}
`
	require.NoError(t, f.Feed(context.Background(), strings.NewReader(input)))

	want := []string{
		"{\"time\":1,\"value\":10}\n{\"time\":2,\"value\":20}\n",
		"{\"time\":3,\"value\":30}\n",
	}
	assert.Equal(t, want, w.batches)
	assert.Len(t, w.flushes, 2)
}

// =============================================================================
// Tests: errors
// =============================================================================

func TestFeeder_WriteError(t *testing.T) {
	boom := errors.New("engine gone")
	w := &fakeWriter{writeErr: boom}
	f := NewFeeder(w, FeedConfig{JobID: "j", FlushEvery: 2}, nil, logging.Discard())

	err := f.Feed(context.Background(), strings.NewReader(csvInput))
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "write batch 1")
	assert.Empty(t, w.flushes)
}

func TestFeeder_FlushError(t *testing.T) {
	boom := errors.New("flush timed out")
	w := &fakeWriter{flushErr: boom}
	f := NewFeeder(w, FeedConfig{JobID: "j"}, nil, logging.Discard())

	err := f.Feed(context.Background(), strings.NewReader(csvInput))
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "flush after batch 1")
}

func TestFeeder_MalformedCSV(t *testing.T) {
	w := &fakeWriter{}
	f := NewFeeder(w, FeedConfig{JobID: "j", FlushEvery: 2}, nil, logging.Discard())

	err := f.Feed(context.Background(), strings.NewReader("time,value\n1,\"unterminated\n"))
	require.Error(t, err)
}

// =============================================================================
// Tests: inputs
// =============================================================================

func TestFeeder_FeedFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.csv")
	b := filepath.Join(dir, "b.csv")
	require.NoError(t, os.WriteFile(a, []byte("time,value\n1,10\n"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("time,value\n2,20\n3,30\n"), 0o644))

	w := &fakeWriter{}
	stdin := strings.NewReader("time,value\n4,40\n")
	f := NewFeeder(w, FeedConfig{JobID: "j", FlushEvery: 100}, stdin, logging.Discard())

	res, err := f.FeedFiles(context.Background(), []string{a, StdinInput, b})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"time,value\n1,10\n",
		"time,value\n4,40\n",
		"time,value\n2,20\n3,30\n",
	}, w.batches)
	assert.Equal(t, 3, res.Flushes)
	// The fake counts lines, headers included.
	assert.Equal(t, int64(7), res.Counts.InputRecordCount)
}

func TestFeeder_FeedFiles_DefaultsToStdin(t *testing.T) {
	w := &fakeWriter{}
	f := NewFeeder(w, FeedConfig{JobID: "j"}, strings.NewReader(csvInput), logging.Discard())

	_, err := f.FeedFiles(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, w.batches, 1)
}

func TestFeeder_FeedFiles_Missing(t *testing.T) {
	f := NewFeeder(&fakeWriter{}, FeedConfig{JobID: "j"}, nil, logging.Discard())

	_, err := f.FeedFiles(context.Background(), []string{filepath.Join(t.TempDir(), "nope.csv")})
	require.Error(t, err)

	_, err = f.FeedFiles(context.Background(), []string{StdinInput})
	require.Error(t, err, "no stdin reader configured")
}
