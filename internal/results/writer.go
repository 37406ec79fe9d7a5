package results

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Writer emits Messages in the engine's output format: one JSON array
// whose elements are tagged objects. Each message is written to the
// underlying writer immediately.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	opened bool
	closed bool
}

// NewWriter returns a Writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write emits one message.
func (w *Writer) Write(m Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", m.Kind(), err)
	}
	obj, err := json.Marshal(map[string]json.RawMessage{m.Kind().String(): payload})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", m.Kind(), err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return io.ErrClosedPipe
	}
	sep := ","
	if !w.opened {
		sep = "["
		w.opened = true
	}
	_, err = io.WriteString(w.w, sep+string(obj)+"\n")
	return err
}

// Close terminates the array. It does not close the underlying writer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	end := "]\n"
	if !w.opened {
		end = "[]\n"
	}
	_, err := io.WriteString(w.w, end)
	return err
}
