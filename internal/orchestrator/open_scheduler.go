// Package orchestrator wires the job manager, stores, metrics and input
// streaming into one run of go-autodetect.
package orchestrator

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/randomizedcoder/go-autodetect/internal/process"
)

// OpenScheduler controls the rate at which jobs are opened, so a large
// job file does not start every engine at once. Each job also waits a
// jitter derived from its id, so the delay is the same on every run.
type OpenScheduler struct {
	limiter   *rate.Limiter // nil when unlimited
	perSecond float64
	maxJitter time.Duration
}

// NewOpenScheduler creates a scheduler opening perSecond jobs per second.
// Zero means no pacing.
func NewOpenScheduler(perSecond float64, maxJitter time.Duration) *OpenScheduler {
	s := &OpenScheduler{perSecond: perSecond, maxJitter: maxJitter}
	if perSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return s
}

// Schedule waits until jobID may be opened. It returns the context error
// if cancelled first.
func (s *OpenScheduler) Schedule(ctx context.Context, jobID string) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}

	delay := s.Jitter(jobID)
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Jitter returns the extra delay for jobID, in [0, maxJitter).
func (s *OpenScheduler) Jitter(jobID string) time.Duration {
	if s.maxJitter <= 0 {
		return 0
	}
	rng := rand.New(rand.NewSource(process.JobSeed(jobID)))
	return time.Duration(rng.Int63n(int64(s.maxJitter)))
}

// EstimatedDuration returns the expected time to open jobs jobs.
func (s *OpenScheduler) EstimatedDuration(jobs int) time.Duration {
	var base time.Duration
	if s.perSecond > 0 && jobs > 1 {
		base = time.Duration(float64(jobs-1) / s.perSecond * float64(time.Second))
	}
	return base + s.maxJitter/2
}

// Rate returns the configured rate (jobs per second).
func (s *OpenScheduler) Rate() float64 {
	return s.perSecond
}

// MaxJitter returns the configured maximum jitter.
func (s *OpenScheduler) MaxJitter() time.Duration {
	return s.maxJitter
}
