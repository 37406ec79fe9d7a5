package supervisor

import (
	"math"
	"math/rand"
	"time"

	"github.com/randomizedcoder/go-autodetect/internal/process"
)

// BackoffConfig holds the configuration for exponential restart backoff.
type BackoffConfig struct {
	Initial    time.Duration // Initial backoff delay (default: 500ms)
	Max        time.Duration // Maximum backoff delay (default: 30s)
	Multiplier float64       // Multiplier for each attempt (default: 1.7)
	JitterPct  float64       // Jitter as a percentage of delay (default: 0.4 = ±20%)
}

// DefaultBackoffConfig returns the defaults for engine restarts.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 1.7,
		JitterPct:  0.4, // ±20% jitter
	}
}

// Backoff calculates exponential backoff delays with jitter.
// Each instance is tied to one job so its jitter is deterministic.
//
// Not thread-safe: a job restarts from one goroutine at a time.
type Backoff struct {
	config   BackoffConfig
	attempts int
	rng      *rand.Rand
}

// NewBackoff creates a Backoff for a job. The job id and configSeed
// together seed the jitter.
func NewBackoff(jobID string, configSeed int64, cfg BackoffConfig) *Backoff {
	return &Backoff{
		config: cfg,
		rng:    rand.New(rand.NewSource(process.JobSeed(jobID) ^ configSeed)),
	}
}

// Next returns the next backoff delay and increments the attempt counter.
func (b *Backoff) Next() time.Duration {
	delay := b.Calculate()
	b.attempts++
	return delay
}

// Calculate returns the current backoff delay without incrementing attempts.
func (b *Backoff) Calculate() time.Duration {
	// initial * multiplier^attempts, capped
	delay := float64(b.config.Initial) * math.Pow(b.config.Multiplier, float64(b.attempts))
	if delay > float64(b.config.Max) {
		delay = float64(b.config.Max)
	}

	// ±(JitterPct/2) of the delay
	if b.config.JitterPct > 0 {
		jitterRange := delay * b.config.JitterPct
		delay += jitterRange*b.rng.Float64() - jitterRange/2
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Reset resets the attempt counter to zero.
func (b *Backoff) Reset() {
	b.attempts = 0
}

// Attempts returns the current attempt count.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// SetAttempts sets the attempt counter.
func (b *Backoff) SetAttempts(n int) {
	b.attempts = n
}

// BackoffResetThreshold is the minimum engine uptime before backoff is
// reset. An engine that ran this long is considered stable and its next
// crash starts from the initial delay again.
const BackoffResetThreshold = 5 * time.Minute

// ShouldReset reports whether backoff should restart from the initial
// delay after an engine that ran for uptime crashed.
func ShouldReset(uptime time.Duration) bool {
	return uptime >= BackoffResetThreshold
}
