package errkind

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestErrorIs(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"same kind", IO("write", io.ErrClosedPipe), ErrIO, true},
		{"different kind", IO("write", io.ErrClosedPipe), ErrProtocol, false},
		{"wrapped", fmt.Errorf("flush: %w", Crashed("flush", nil)), ErrProcessCrashed, true},
		{"underlying", IO("write", io.ErrClosedPipe), io.ErrClosedPipe, true},
		{"plain error", errors.New("boom"), ErrConfig, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Errorf("errors.Is(%v, %v) = %v, want %v", tt.err, tt.target, got, tt.want)
			}
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := WithJob(Timeout("close", errors.New("state persist did not finish")), "job-1")
	want := "job job-1: close: timeout: state persist did not finish"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestWithJobDoesNotMutate(t *testing.T) {
	orig := Config("update", errors.New("bad index"))
	tagged := WithJob(orig, "j")

	if orig.JobID != "" {
		t.Errorf("original mutated: JobID = %q", orig.JobID)
	}
	if KindOf(tagged) != KindConfig {
		t.Errorf("KindOf(tagged) = %v, want config", KindOf(tagged))
	}
}

func TestWithJobPlainError(t *testing.T) {
	plain := errors.New("x")
	if got := WithJob(plain, "j"); got != plain {
		t.Errorf("WithJob(plain) = %v, want unchanged", got)
	}
}

func TestKindFatal(t *testing.T) {
	fatal := map[Kind]bool{
		KindProtocol:       true,
		KindProcessCrashed: true,
		KindIO:             false,
		KindTimeout:        false,
		KindConfig:         false,
	}
	for k, want := range fatal {
		if k.Fatal() != want {
			t.Errorf("%s.Fatal() = %v, want %v", k, k.Fatal(), want)
		}
	}
}

func TestKindString(t *testing.T) {
	if Kind(0).String() != "unknown" {
		t.Errorf("Kind(0).String() = %q", Kind(0).String())
	}
	if KindProcessCrashed.String() != "process_crashed" {
		t.Errorf("KindProcessCrashed.String() = %q", KindProcessCrashed.String())
	}
}
