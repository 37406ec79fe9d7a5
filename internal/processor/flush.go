package processor

import (
	"sync"
	"time"

	"github.com/randomizedcoder/go-autodetect/internal/results"
)

// flushRegistry correlates flush acknowledgements with waiting callers.
// Each token gets a channel closed on acknowledgement, so waiters wake as
// soon as their own token arrives instead of re-polling a shared map.
type flushRegistry struct {
	mu      sync.Mutex
	entries map[string]*flushEntry
	// abandoned holds tokens whose waiter gave up before the
	// acknowledgement arrived.
	abandoned map[string]struct{}
	stopped   chan struct{}
	stop      sync.Once
}

type flushEntry struct {
	done chan struct{}
	ack  *results.FlushAcknowledgement
}

func newFlushRegistry() *flushRegistry {
	return &flushRegistry{
		entries:   make(map[string]*flushEntry),
		abandoned: make(map[string]struct{}),
		stopped:   make(chan struct{}),
	}
}

// entryLocked returns the entry for id, creating it. r.mu must be held.
func (r *flushRegistry) entryLocked(id string) *flushEntry {
	e, ok := r.entries[id]
	if !ok {
		e = &flushEntry{done: make(chan struct{})}
		r.entries[id] = e
	}
	return e
}

// acknowledge marks the token satisfied. An acknowledgement may arrive
// before anyone waits on it, so the entry is kept until forget. A late
// acknowledgement for an abandoned token is dropped.
func (r *flushRegistry) acknowledge(ack *results.FlushAcknowledgement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.abandoned[ack.ID]; ok {
		delete(r.abandoned, ack.ID)
		return
	}
	e := r.entryLocked(ack.ID)
	if e.ack != nil {
		return
	}
	e.ack = ack
	close(e.done)
}

// wait blocks until the token is acknowledged, timeout elapses or the
// registry is stopped.
func (r *flushRegistry) wait(id string, timeout time.Duration) (*results.FlushAcknowledgement, bool) {
	r.mu.Lock()
	e := r.entryLocked(id)
	r.mu.Unlock()

	select {
	case <-e.done:
		return e.ack, true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-e.done:
		return e.ack, true
	case <-r.stopped:
		// The last message may have been the ack itself.
		select {
		case <-e.done:
			return e.ack, true
		default:
			return nil, false
		}
	case <-timer.C:
		return nil, false
	}
}

// forget drops the entry for id. An unacknowledged id is remembered so
// its acknowledgement does not recreate the entry.
func (r *flushRegistry) forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; !ok || e.ack == nil {
		r.abandoned[id] = struct{}{}
	}
	delete(r.entries, id)
}

// pending returns the number of tracked tokens.
func (r *flushRegistry) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// shutdown releases all current and future waiters.
func (r *flushRegistry) shutdown() {
	r.stop.Do(func() { close(r.stopped) })
}
