package results

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/randomizedcoder/go-autodetect/internal/errkind"
)

// Decoder reads Messages from the engine's output stream. It is a
// single-pass sequence: once Next returns an error every later call
// returns the same error.
type Decoder struct {
	br      *bufio.Reader
	dec     *json.Decoder
	started bool
	inArray bool
	err     error
	decoded int64
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	br := bufio.NewReader(r)
	return &Decoder{br: br, dec: json.NewDecoder(br)}
}

// Next blocks until the next message is available. It returns io.EOF when
// the stream ends in an orderly way, a protocol error for malformed input
// and an I/O error when reading the pipe fails.
func (d *Decoder) Next() (Message, error) {
	if d.err != nil {
		return nil, d.err
	}
	msg, err := d.next()
	if err != nil {
		d.err = err
		return nil, err
	}
	d.decoded++
	return msg, nil
}

// Decoded returns the number of messages returned so far.
func (d *Decoder) Decoded() int64 {
	return d.decoded
}

func (d *Decoder) next() (Message, error) {
	if !d.started {
		d.started = true
		first, err := d.peekNonSpace()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, errkind.IO("decode_result", err)
		}
		if first == '[' {
			if _, err := d.dec.Token(); err != nil {
				return nil, classify(err)
			}
			d.inArray = true
		}
	}

	if d.inArray && !d.dec.More() {
		tok, err := d.dec.Token()
		if err != nil {
			// Engine exited without closing the array.
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, classify(err)
		}
		if delim, ok := tok.(json.Delim); !ok || delim != ']' {
			return nil, errkind.Protocol("decode_result", fmt.Errorf("unexpected token %v", tok))
		}
		return nil, io.EOF
	}

	var raw map[string]json.RawMessage
	if err := d.dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, classify(err)
	}
	return decodeTagged(raw)
}

func (d *Decoder) peekNonSpace() (byte, error) {
	for {
		b, err := d.br.Peek(1)
		if err != nil {
			return 0, err
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			if _, err := d.br.ReadByte(); err != nil {
				return 0, err
			}
		default:
			return b[0], nil
		}
	}
}

func decodeTagged(raw map[string]json.RawMessage) (Message, error) {
	var (
		kind    Kind
		payload json.RawMessage
		found   []string
	)
	for key, value := range raw {
		k, ok := tagKinds[key]
		if !ok {
			continue
		}
		kind, payload = k, value
		found = append(found, key)
	}
	switch len(found) {
	case 0:
		keys := make([]string, 0, len(raw))
		for k := range raw {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return nil, errkind.Protocol("decode_result", fmt.Errorf("no result tag in object with keys [%s]", strings.Join(keys, ",")))
	case 1:
	default:
		sort.Strings(found)
		return nil, errkind.Protocol("decode_result", fmt.Errorf("ambiguous result object tagged %s", strings.Join(found, ",")))
	}

	msg, err := newMessage(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, msg); err != nil {
		return nil, errkind.Protocol("decode_result", fmt.Errorf("%s: %w", kind, err))
	}
	return deref(msg), nil
}

// newMessage returns a pointer suitable for json.Unmarshal.
func newMessage(k Kind) (any, error) {
	switch k {
	case KindBucket:
		return &Bucket{}, nil
	case KindRecords:
		return &RecordBatch{}, nil
	case KindInfluencers:
		return &InfluencerBatch{}, nil
	case KindCategoryDefinition:
		return &CategoryDefinition{}, nil
	case KindModelSizeStats:
		return &ModelSizeStats{}, nil
	case KindModelSnapshot:
		return &ModelSnapshot{}, nil
	case KindQuantiles:
		return &Quantiles{}, nil
	case KindFlushAck:
		return &FlushAcknowledgement{}, nil
	case KindModelPlot:
		return &ModelPlot{}, nil
	}
	return nil, errkind.Protocol("decode_result", fmt.Errorf("unhandled kind %d", k))
}

// deref turns the batch pointers back into their slice message types.
func deref(v any) Message {
	switch m := v.(type) {
	case *RecordBatch:
		return *m
	case *InfluencerBatch:
		return *m
	}
	return v.(Message)
}

func classify(err error) error {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF):
		return errkind.Protocol("decode_result", fmt.Errorf("truncated result: %w", err))
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return errkind.Protocol("decode_result", err)
	default:
		return errkind.IO("decode_result", err)
	}
}
