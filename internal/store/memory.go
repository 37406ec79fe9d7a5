package store

import (
	"context"
	"slices"
	"sync"

	"github.com/randomizedcoder/go-autodetect/internal/results"
)

// Memory is an in-memory result store.
type Memory struct {
	mu       sync.RWMutex
	interim  map[string][]results.Scored
	final    map[string][]results.Scored
	model    map[string][]results.Message
	renormed map[string]int64
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		interim:  make(map[string][]results.Scored),
		final:    make(map[string][]results.Scored),
		model:    make(map[string][]results.Message),
		renormed: make(map[string]int64),
	}
}

// PersistInterim stores a provisional result.
func (m *Memory) PersistInterim(_ context.Context, jobID string, r results.Scored) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interim[jobID] = append(m.interim[jobID], r)
	return nil
}

// PersistFinal stores a finalized result.
func (m *Memory) PersistFinal(_ context.Context, jobID string, r results.Scored) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.final[jobID] = append(m.final[jobID], r)
	return nil
}

// DeleteInterim drops every interim result for the job.
func (m *Memory) DeleteInterim(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.interim, jobID)
	return nil
}

// PersistModelState stores a model state message.
func (m *Memory) PersistModelState(_ context.Context, jobID string, msg results.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.model[jobID] = append(m.model[jobID], msg)
	return nil
}

// UpdateScores records that the job's results were renormalized.
func (m *Memory) UpdateScores(_ context.Context, jobID string, q *results.Quantiles) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renormed[jobID] = q.Timestamp
	return nil
}

// Interim returns the job's interim results.
func (m *Memory) Interim(jobID string) []results.Scored {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.interim[jobID])
}

// Final returns the job's final results in arrival order.
func (m *Memory) Final(jobID string) []results.Scored {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.final[jobID])
}

// ModelState returns the job's model state messages of kind k.
func (m *Memory) ModelState(jobID string, k results.Kind) []results.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []results.Message
	for _, msg := range m.model[jobID] {
		if msg.Kind() == k {
			out = append(out, msg)
		}
	}
	return out
}

// RenormalizedAt returns the quantiles timestamp last applied to the job.
func (m *Memory) RenormalizedAt(jobID string) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, ok := m.renormed[jobID]
	return ts, ok
}
