package orchestrator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/randomizedcoder/go-autodetect/internal/communicator"
	"github.com/randomizedcoder/go-autodetect/internal/errkind"
	"github.com/randomizedcoder/go-autodetect/internal/results"
	"github.com/randomizedcoder/go-autodetect/internal/stats"
)

// StdinInput names standard input in an input list.
const StdinInput = "-"

// JobWriter is the part of supervisor.Manager the feeder uses.
type JobWriter interface {
	WriteData(ctx context.Context, jobID string, r io.Reader, params communicator.DataLoadParams) (stats.DataCounts, error)
	Flush(ctx context.Context, jobID string, params communicator.FlushParams) (*results.FlushAcknowledgement, error)
}

// FeedConfig describes how input is sent to one job.
type FeedConfig struct {
	JobID     string
	Format    communicator.DataFormat
	Delimiter rune // CSV only; zero means ','

	// FlushEvery splits the input into batches of this many records, each
	// followed by a flush. Zero sends all input at once and flushes at the
	// end.
	FlushEvery int
	Interim    bool
}

// FeedResult summarizes a feed.
type FeedResult struct {
	Batches int
	Flushes int

	// Counts are the job's data counts after the last write. They include
	// records written before this feed started.
	Counts stats.DataCounts
}

// Feeder streams input to a job in batches.
type Feeder struct {
	w      JobWriter
	cfg    FeedConfig
	logger *slog.Logger
	stdin  io.Reader

	result FeedResult
}

// NewFeeder creates a Feeder. stdin is read for the "-" input.
func NewFeeder(w JobWriter, cfg FeedConfig, stdin io.Reader, logger *slog.Logger) *Feeder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Format == "" {
		cfg.Format = communicator.FormatCSV
	}
	return &Feeder{w: w, cfg: cfg, stdin: stdin, logger: logger}
}

// Result returns the totals so far.
func (f *Feeder) Result() FeedResult {
	return f.result
}

// FeedFiles feeds each input in turn. "-" reads stdin. Each file carries
// its own CSV header.
func (f *Feeder) FeedFiles(ctx context.Context, inputs []string) (FeedResult, error) {
	if len(inputs) == 0 {
		inputs = []string{StdinInput}
	}
	for _, name := range inputs {
		if err := f.feedFile(ctx, name); err != nil {
			return f.result, err
		}
	}
	return f.result, nil
}

func (f *Feeder) feedFile(ctx context.Context, name string) error {
	var r io.Reader
	if name == StdinInput {
		if f.stdin == nil {
			return errkind.Newf(errkind.KindConfig, "open_input", "no stdin available")
		}
		r = f.stdin
	} else {
		file, err := os.Open(name)
		if err != nil {
			return errkind.Config("open_input", err)
		}
		defer file.Close()
		r = file
	}

	f.logger.Info("input_started", "job_id", f.cfg.JobID, "input", name)
	err := f.Feed(ctx, r)
	f.logger.Info("input_finished",
		"job_id", f.cfg.JobID,
		"input", name,
		"batches", f.result.Batches,
		"input_records", f.result.Counts.InputRecordCount,
		"processed_records", f.result.Counts.ProcessedRecordCount,
		"error", err,
	)
	return err
}

// Feed sends everything in r to the job.
func (f *Feeder) Feed(ctx context.Context, r io.Reader) error {
	if f.cfg.FlushEvery <= 0 {
		if err := f.write(ctx, r); err != nil {
			return err
		}
		return f.flush(ctx)
	}

	switch f.cfg.Format {
	case communicator.FormatNDJSON:
		return f.feedJSONBatches(ctx, r)
	default:
		return f.feedCSVBatches(ctx, r)
	}
}

func (f *Feeder) feedCSVBatches(ctx context.Context, r io.Reader) error {
	cr := csv.NewReader(r)
	if f.cfg.Delimiter != 0 {
		cr.Comma = f.cfg.Delimiter
	}
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return errkind.Config("read_csv_header", err)
	}
	header = append([]string(nil), header...)

	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	cw.Comma = cr.Comma

	startBatch := func() error {
		buf.Reset()
		return cw.Write(header)
	}
	if err := startBatch(); err != nil {
		return errkind.IO("write_batch", err)
	}

	pending := 0
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errkind.Config("read_csv", err)
		}
		if err := cw.Write(row); err != nil {
			return errkind.IO("write_batch", err)
		}
		pending++
		if pending < f.cfg.FlushEvery {
			continue
		}

		if err := f.sendBatch(ctx, cw, &buf); err != nil {
			return err
		}
		pending = 0
		if err := startBatch(); err != nil {
			return errkind.IO("write_batch", err)
		}
	}

	if pending > 0 {
		return f.sendBatch(ctx, cw, &buf)
	}
	return nil
}

func (f *Feeder) sendBatch(ctx context.Context, cw *csv.Writer, buf *bytes.Buffer) error {
	cw.Flush()
	if err := cw.Error(); err != nil {
		return errkind.IO("write_batch", err)
	}
	if err := f.write(ctx, bytes.NewReader(buf.Bytes())); err != nil {
		return err
	}
	return f.flush(ctx)
}

func (f *Feeder) feedJSONBatches(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), communicator.MaxJSONLineSize)

	var batch strings.Builder
	pending := 0
	send := func() error {
		if err := f.write(ctx, strings.NewReader(batch.String())); err != nil {
			return err
		}
		batch.Reset()
		pending = 0
		return f.flush(ctx)
	}

	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		batch.Write(line)
		batch.WriteByte('\n')
		pending++
		if pending >= f.cfg.FlushEvery {
			if err := send(); err != nil {
				return err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return errkind.IO("read_ndjson", err)
	}
	if pending > 0 {
		return send()
	}
	return nil
}

func (f *Feeder) write(ctx context.Context, r io.Reader) error {
	counts, err := f.w.WriteData(ctx, f.cfg.JobID, r, communicator.DataLoadParams{})
	f.result.Batches++
	f.result.Counts = counts
	if err != nil {
		return fmt.Errorf("write batch %d: %w", f.result.Batches, err)
	}
	return nil
}

func (f *Feeder) flush(ctx context.Context) error {
	ack, err := f.w.Flush(ctx, f.cfg.JobID, communicator.FlushParams{CalcInterim: f.cfg.Interim})
	if err != nil {
		return fmt.Errorf("flush after batch %d: %w", f.result.Batches, err)
	}
	f.result.Flushes++
	f.logger.Debug("input_flushed",
		"job_id", f.cfg.JobID,
		"flush_id", ack.ID,
		"batch", f.result.Batches,
	)
	return nil
}
