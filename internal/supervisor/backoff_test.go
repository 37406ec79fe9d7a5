package supervisor

import (
	"testing"
	"time"
)

// =============================================================================
// Table-Driven Tests: DefaultBackoffConfig
// =============================================================================

func TestDefaultBackoffConfig(t *testing.T) {
	cfg := DefaultBackoffConfig()

	if cfg.Initial != 500*time.Millisecond {
		t.Errorf("Initial = %v, want 500ms", cfg.Initial)
	}
	if cfg.Max != 30*time.Second {
		t.Errorf("Max = %v, want 30s", cfg.Max)
	}
	if cfg.Multiplier != 1.7 {
		t.Errorf("Multiplier = %v, want 1.7", cfg.Multiplier)
	}
	if cfg.JitterPct != 0.4 {
		t.Errorf("JitterPct = %v, want 0.4", cfg.JitterPct)
	}
}

// =============================================================================
// Table-Driven Tests: Backoff.Calculate (no jitter)
// =============================================================================

func TestBackoff_Calculate_NoJitter(t *testing.T) {
	tests := []struct {
		name     string
		attempts int
		initial  time.Duration
		max      time.Duration
		mult     float64
		want     time.Duration
	}{
		{"attempt 0", 0, 100 * time.Millisecond, 10 * time.Second, 2.0, 100 * time.Millisecond},
		{"attempt 1", 1, 100 * time.Millisecond, 10 * time.Second, 2.0, 200 * time.Millisecond},
		{"attempt 3", 3, 100 * time.Millisecond, 10 * time.Second, 2.0, 800 * time.Millisecond},
		{"capped at max", 10, 100 * time.Millisecond, time.Second, 2.0, time.Second},
		{"multiplier 1.5", 2, 100 * time.Millisecond, 10 * time.Second, 1.5, 225 * time.Millisecond},
		{"multiplier 1.0 (no growth)", 5, 100 * time.Millisecond, 10 * time.Second, 1.0, 100 * time.Millisecond},
		{"zero initial", 4, 0, 10 * time.Second, 2.0, 0},
		{"very large attempts", 1000, 100 * time.Millisecond, 5 * time.Second, 2.0, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := BackoffConfig{
				Initial:    tt.initial,
				Max:        tt.max,
				Multiplier: tt.mult,
			}
			b := NewBackoff("job", 0, cfg)
			b.SetAttempts(tt.attempts)

			if got := b.Calculate(); got != tt.want {
				t.Errorf("Calculate() = %v, want %v", got, tt.want)
			}
		})
	}
}

// =============================================================================
// Backoff.Next and Reset
// =============================================================================

func TestBackoff_NextAndReset(t *testing.T) {
	b := NewBackoff("job", 0, BackoffConfig{
		Initial:    100 * time.Millisecond,
		Max:        10 * time.Second,
		Multiplier: 2.0,
	})

	for i, want := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond} {
		if d := b.Next(); d != want {
			t.Errorf("Next() #%d = %v, want %v", i+1, d, want)
		}
		if b.Attempts() != i+1 {
			t.Errorf("Attempts() after #%d = %d", i+1, b.Attempts())
		}
	}

	b.Reset()
	if b.Attempts() != 0 {
		t.Errorf("Attempts() after reset = %d, want 0", b.Attempts())
	}
	if d := b.Next(); d != 100*time.Millisecond {
		t.Errorf("Next() after reset = %v, want 100ms", d)
	}
}

// =============================================================================
// Jitter
// =============================================================================

func TestBackoff_Jitter(t *testing.T) {
	cfg := BackoffConfig{
		Initial:    time.Second,
		Max:        10 * time.Second,
		Multiplier: 1.0,
		JitterPct:  0.4, // ±20%
	}

	b1 := NewBackoff("job-a", 12345, cfg)
	b2 := NewBackoff("job-b", 12345, cfg)

	allSame := true
	for i := 0; i < 10; i++ {
		d1, d2 := b1.Calculate(), b2.Calculate()
		if d1 != d2 {
			allSame = false
		}
		if d1 < 800*time.Millisecond || d1 > 1200*time.Millisecond {
			t.Errorf("sample %d = %v, want between 800ms and 1200ms", i, d1)
		}
	}
	if allSame {
		t.Error("different jobs should produce different jitter")
	}
}

func TestBackoff_DeterministicJitter(t *testing.T) {
	cfg := BackoffConfig{
		Initial:    time.Second,
		Max:        10 * time.Second,
		Multiplier: 1.0,
		JitterPct:  0.4,
	}

	b1 := NewBackoff("farequote", 12345, cfg)
	b2 := NewBackoff("farequote", 12345, cfg)
	for i := 0; i < 10; i++ {
		if d1, d2 := b1.Calculate(), b2.Calculate(); d1 != d2 {
			t.Errorf("iteration %d: d1=%v != d2=%v (should be deterministic)", i, d1, d2)
		}
	}
}

func TestShouldReset(t *testing.T) {
	tests := []struct {
		uptime time.Duration
		want   bool
	}{
		{0, false},
		{BackoffResetThreshold - time.Second, false},
		{BackoffResetThreshold, true},
		{time.Hour, true},
	}
	for _, tt := range tests {
		if got := ShouldReset(tt.uptime); got != tt.want {
			t.Errorf("ShouldReset(%v) = %v, want %v", tt.uptime, got, tt.want)
		}
	}
}

// =============================================================================
// JobState
// =============================================================================

func TestJobState(t *testing.T) {
	tests := []struct {
		state    JobState
		name     string
		active   bool
		terminal bool
	}{
		{StateOpening, "opening", true, false},
		{StateOpened, "opened", true, false},
		{StateBackoff, "backoff", true, false},
		{StateClosing, "closing", false, false},
		{StateClosed, "closed", false, true},
		{StateFailed, "failed", false, true},
		{JobState(99), "unknown", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.state.String() != tt.name {
				t.Errorf("String() = %q, want %q", tt.state.String(), tt.name)
			}
			if tt.state.IsActive() != tt.active {
				t.Errorf("IsActive() = %v, want %v", tt.state.IsActive(), tt.active)
			}
			if tt.state.IsTerminal() != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", tt.state.IsTerminal(), tt.terminal)
			}
		})
	}
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkBackoff_Next(b *testing.B) {
	backoff := NewBackoff("job", 12345, DefaultBackoffConfig())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = backoff.Next()
		if backoff.Attempts() > 100 {
			backoff.Reset()
		}
	}
}
