// Package errkind defines the error taxonomy shared by the engine
// process, the result stream, and the job communicator.
//
// Every error produced by those layers is an *Error carrying a Kind.
// Callers classify errors with errors.Is against the sentinel values:
//
//	if errors.Is(err, errkind.ErrProcessCrashed) { ... }
package errkind

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how callers must react to it.
type Kind int

const (
	// KindProtocol means the result stream was malformed. The stream is
	// terminated and the job is torn down.
	KindProtocol Kind = iota + 1

	// KindProcessCrashed means the engine ended unexpectedly. All pending
	// and future operations on the job fail.
	KindProcessCrashed

	// KindIO means a pipe read or write failed. Only the current operation
	// fails.
	KindIO

	// KindTimeout means a bounded wait during close was exceeded.
	KindTimeout

	// KindConfig means caller supplied parameters were rejected before any
	// I/O took place.
	KindConfig
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindProcessCrashed:
		return "process_crashed"
	case KindIO:
		return "io"
	case KindTimeout:
		return "timeout"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Fatal reports whether errors of this kind end the job's process instance.
func (k Kind) Fatal() bool {
	return k == KindProtocol || k == KindProcessCrashed
}

// Sentinels for errors.Is.
var (
	ErrProtocol       = &Error{Kind: KindProtocol}
	ErrProcessCrashed = &Error{Kind: KindProcessCrashed}
	ErrIO             = &Error{Kind: KindIO}
	ErrTimeout        = &Error{Kind: KindTimeout}
	ErrConfig         = &Error{Kind: KindConfig}
)

// Error is a classified error.
type Error struct {
	Kind  Kind
	Op    string // operation that failed, e.g. "flush"
	JobID string
	Err   error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.JobID != "" {
		msg = fmt.Sprintf("job %s: %s", e.JobID, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Kind, so sentinels compare by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New returns an error of the given kind wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf returns an error of the given kind with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithJob returns a copy of err tagged with jobID. Non-classified errors
// are returned unchanged.
func WithJob(err error, jobID string) error {
	var e *Error
	if !errors.As(err, &e) {
		return err
	}
	cp := *e
	cp.JobID = jobID
	return &cp
}

// KindOf returns the kind of err, or 0 if err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Protocol wraps err as a protocol error.
func Protocol(op string, err error) *Error { return New(KindProtocol, op, err) }

// Crashed wraps err as a process-crashed error.
func Crashed(op string, err error) *Error { return New(KindProcessCrashed, op, err) }

// IO wraps err as an I/O error.
func IO(op string, err error) *Error { return New(KindIO, op, err) }

// Timeout wraps err as a timeout error.
func Timeout(op string, err error) *Error { return New(KindTimeout, op, err) }

// Config wraps err as a configuration error.
func Config(op string, err error) *Error { return New(KindConfig, op, err) }
