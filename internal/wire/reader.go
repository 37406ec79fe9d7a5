package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/randomizedcoder/go-autodetect/internal/errkind"
)

// Limits applied by Reader to reject corrupt frames before allocating.
const (
	MaxFields    = 1 << 16
	MaxFieldSize = 64 << 20
)

// Reader decodes length-encoded records. It is the engine side of the
// format and is used by the simulator and in tests.
type Reader struct {
	r       *bufio.Reader
	scratch [4]byte
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, DefaultBufferSize)}
}

// ReadRecord returns the next record. It returns io.EOF when the stream
// ends cleanly on a record boundary and a protocol error when it ends
// mid-record or a length is out of bounds.
func (r *Reader) ReadRecord() ([]string, error) {
	n, err := r.readUint32()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, truncated(err)
	}
	if n > MaxFields {
		return nil, errkind.Newf(errkind.KindProtocol, "read_record", "field count %d exceeds %d", n, MaxFields)
	}

	fields := make([]string, n)
	for i := range fields {
		size, err := r.readUint32()
		if err != nil {
			return nil, truncated(err)
		}
		if size > MaxFieldSize {
			return nil, errkind.Newf(errkind.KindProtocol, "read_record", "field length %d exceeds %d", size, MaxFieldSize)
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(r.r, buf); err != nil {
			return nil, truncated(err)
		}
		fields[i] = string(buf)
	}
	return fields, nil
}

func (r *Reader) readUint32() (uint32, error) {
	if _, err := io.ReadFull(r.r, r.scratch[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(r.scratch[:]), nil
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return errkind.Protocol("read_record", fmt.Errorf("truncated record: %w", io.ErrUnexpectedEOF))
	}
	return errkind.IO("read_record", err)
}
