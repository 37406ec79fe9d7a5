package communicator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/randomizedcoder/go-autodetect/internal/errkind"
	"github.com/randomizedcoder/go-autodetect/internal/stats"
	"github.com/randomizedcoder/go-autodetect/internal/wire"
)

// DataFormat is the encoding of input submitted to WriteData.
type DataFormat string

const (
	FormatCSV    DataFormat = "csv"
	FormatNDJSON DataFormat = "ndjson"
)

// Time formats understood besides Go layouts.
const (
	TimeFormatEpoch   = "epoch"
	TimeFormatEpochMs = "epoch_ms"
)

// MaxJSONLineSize bounds one NDJSON input document.
const MaxJSONLineSize = 16 << 20

// DataDescription describes the caller's input data.
type DataDescription struct {
	Format DataFormat
	// TimeField names the field holding each record's time.
	TimeField string
	// TimeFormat is "epoch", "epoch_ms" or a Go time layout.
	TimeFormat string
	// FieldDelimiter separates CSV fields; zero means ','.
	FieldDelimiter rune
}

// Validate checks the description.
func (d DataDescription) Validate() error {
	var errs []error
	switch d.Format {
	case FormatCSV, FormatNDJSON:
	default:
		errs = append(errs, fmt.Errorf("unsupported data format %q", d.Format))
	}
	if d.TimeField == "" {
		errs = append(errs, errors.New("time field is required"))
	}
	if d.FieldDelimiter == '\n' || d.FieldDelimiter == '"' {
		errs = append(errs, fmt.Errorf("invalid field delimiter %q", d.FieldDelimiter))
	}
	return errors.Join(errs...)
}

// DataWriter converts caller input into engine records. The first record
// it writes to an engine instance is the header: the time field followed
// by the analysis fields. Each data record carries the time as epoch
// seconds in the first field.
type DataWriter struct {
	enc     *wire.Encoder
	desc    DataDescription
	fields  []string
	latency time.Duration
	counts  *stats.DataCountsReporter
	logger  *slog.Logger

	headerWritten bool
	record        []string
}

// NewDataWriter creates a DataWriter for one engine instance.
func NewDataWriter(enc *wire.Encoder, desc DataDescription, analysisFields []string, latency time.Duration, counts *stats.DataCountsReporter, logger *slog.Logger) *DataWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DataWriter{
		enc:     enc,
		desc:    desc,
		fields:  analysisFields,
		latency: latency,
		counts:  counts,
		logger:  logger,
		record:  make([]string, len(analysisFields)+1),
	}
}

// Header returns the header record.
func (w *DataWriter) Header() []string {
	return append([]string{w.desc.TimeField}, w.fields...)
}

// WriteHeader writes the header if it has not been written yet.
func (w *DataWriter) WriteHeader() error {
	if w.headerWritten {
		return nil
	}
	if err := w.enc.WriteRecord(w.Header()); err != nil {
		return err
	}
	w.headerWritten = true
	return nil
}

// Write converts everything in r and returns the counts after it. ctx is
// checked between records.
func (w *DataWriter) Write(ctx context.Context, r io.Reader) (stats.DataCounts, error) {
	if err := w.WriteHeader(); err != nil {
		return w.counts.Snapshot(), errkind.IO("write_header", err)
	}

	var err error
	switch w.desc.Format {
	case FormatNDJSON:
		err = w.writeJSON(ctx, r)
	default:
		err = w.writeCSV(ctx, r)
	}
	return w.counts.Snapshot(), err
}

func (w *DataWriter) writeCSV(ctx context.Context, r io.Reader) error {
	cr := csv.NewReader(r)
	if w.desc.FieldDelimiter != 0 {
		cr.Comma = w.desc.FieldDelimiter
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
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[name] = i
	}
	timeIdx, ok := index[w.desc.TimeField]
	if !ok {
		return errkind.Newf(errkind.KindConfig, "read_csv_header", "time field %q not in header %v", w.desc.TimeField, header)
	}
	cols := make([]int, len(w.fields))
	for i, f := range w.fields {
		if c, ok := index[f]; ok {
			cols[i] = c
		} else {
			cols[i] = -1
		}
	}

	offset := cr.InputOffset()
	for {
		if err := ctx.Err(); err != nil {
			return errkind.Timeout("write_data", err)
		}
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				return errkind.Config("read_csv", err)
			}
			return errkind.IO("read_csv", err)
		}
		next := cr.InputOffset()
		w.counts.RecordInput(len(row), next-offset)
		offset = next

		lookup := func(col int) (string, bool) {
			if col < 0 || col >= len(row) {
				return "", false
			}
			return row[col], true
		}
		timeValue, _ := lookup(timeIdx)
		if err := w.writeRecord(timeValue, func(i int) (string, bool) { return lookup(cols[i]) }); err != nil {
			return err
		}
	}
}

func (w *DataWriter) writeJSON(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxJSONLineSize)

	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return errkind.Timeout("write_data", err)
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var doc map[string]any
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return errkind.Config("read_json", fmt.Errorf("input record %d: %w", w.counts.Snapshot().InputRecordCount+1, err))
		}
		w.counts.RecordInput(len(doc), int64(len(sc.Bytes())+1))

		timeValue, _ := jsonField(doc, w.desc.TimeField)
		if err := w.writeRecord(timeValue, func(i int) (string, bool) { return jsonField(doc, w.fields[i]) }); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return errkind.IO("read_json", err)
	}
	return nil
}

// jsonField renders a top-level JSON value as an engine field. Null and
// absent values are missing.
func jsonField(doc map[string]any, name string) (string, bool) {
	v, ok := doc[name]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

// writeRecord applies time conversion and ordering checks and writes one
// record. field returns analysis field i and whether it was present.
func (w *DataWriter) writeRecord(timeValue string, field func(i int) (string, bool)) error {
	t, err := w.parseTime(timeValue)
	if err != nil {
		w.counts.RecordInvalidDate()
		w.logger.Debug("record_invalid_date", "value", timeValue, "error", err)
		return nil
	}

	if latest := w.counts.LatestRecordTime(); !latest.IsZero() && t.Before(latest.Add(-w.latency)) {
		w.counts.RecordOutOfOrder()
		w.logger.Debug("record_out_of_order", "time", t.Unix(), "latest", latest.Unix())
		return nil
	}

	w.record[0] = strconv.FormatInt(t.Unix(), 10)
	missing := 0
	for i := range w.fields {
		v, ok := field(i)
		if !ok {
			missing++
		}
		w.record[i+1] = v
	}
	if err := w.enc.WriteRecord(w.record); err != nil {
		return errkind.IO("write_record", err)
	}
	w.counts.RecordProcessed(t, len(w.fields), missing)
	return nil
}

func (w *DataWriter) parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, errors.New("empty time")
	}
	switch w.desc.TimeFormat {
	case "", TimeFormatEpoch:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return time.Time{}, err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return time.Time{}, fmt.Errorf("time %q out of range", v)
		}
		return time.Unix(int64(f), 0), nil
	case TimeFormatEpochMs:
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms), nil
	default:
		return time.Parse(w.desc.TimeFormat, v)
	}
}
