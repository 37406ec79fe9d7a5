// Package wire implements the length-encoded input format read by the
// analytics engine.
//
// A record is written as a 4-byte big-endian field count followed by one
// (4-byte big-endian length, UTF-8 bytes) pair per field. The first record
// of a stream is the header naming the fields. A record whose first field
// is ControlField is a control message rather than data.
package wire

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/randomizedcoder/go-autodetect/internal/errkind"
)

// ControlField is the reserved field value marking a control record.
const ControlField = "."

// DefaultBufferSize is the write buffer size used by NewEncoder.
const DefaultBufferSize = 64 * 1024

// Encoder writes length-encoded records. It is not safe for concurrent use;
// a job's single worker owns it.
type Encoder struct {
	w       *bufio.Writer
	scratch [4]byte
	written int64
}

// NewEncoder returns an Encoder writing to w through a buffer.
func NewEncoder(w io.Writer) *Encoder {
	return NewEncoderSize(w, DefaultBufferSize)
}

// NewEncoderSize returns an Encoder with the given buffer size.
func NewEncoderSize(w io.Writer, size int) *Encoder {
	return &Encoder{w: bufio.NewWriterSize(w, size)}
}

// WriteRecord appends one record. Nothing reaches the underlying writer
// until the buffer fills or Flush is called.
func (e *Encoder) WriteRecord(fields []string) error {
	if err := e.writeUint32(uint32(len(fields))); err != nil {
		return err
	}
	for _, f := range fields {
		if err := e.writeField(f); err != nil {
			return err
		}
	}
	return nil
}

// WriteNullableRecord appends one record, writing nil fields as "".
func (e *Encoder) WriteNullableRecord(fields []*string) error {
	if err := e.writeUint32(uint32(len(fields))); err != nil {
		return err
	}
	for _, f := range fields {
		var s string
		if f != nil {
			s = *f
		}
		if err := e.writeField(s); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) writeField(s string) error {
	if err := e.writeUint32(uint32(len(s))); err != nil {
		return err
	}
	n, err := e.w.WriteString(s)
	e.written += int64(n)
	if err != nil {
		return errkind.IO("write_record", err)
	}
	return nil
}

func (e *Encoder) writeUint32(v uint32) error {
	binary.BigEndian.PutUint32(e.scratch[:], v)
	n, err := e.w.Write(e.scratch[:])
	e.written += int64(n)
	if err != nil {
		return errkind.IO("write_record", err)
	}
	return nil
}

// Flush writes any buffered data to the underlying writer.
func (e *Encoder) Flush() error {
	if err := e.w.Flush(); err != nil {
		return errkind.IO("flush_pipe", err)
	}
	return nil
}

// Buffered returns the number of bytes not yet flushed.
func (e *Encoder) Buffered() int {
	return e.w.Buffered()
}

// BytesWritten returns the total encoded bytes accepted so far.
func (e *Encoder) BytesWritten() int64 {
	return e.written
}
