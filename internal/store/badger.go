package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/randomizedcoder/go-autodetect/internal/processor"
	"github.com/randomizedcoder/go-autodetect/internal/results"
)

// BadgerState keeps engine state documents and the restore points of each
// job in a Badger database:
//   - state:<job>:<seq>   raw state document from the persist pipe
//   - quantiles:<job>     latest quantiles (JSON)
//   - snapshot:<job>      latest model snapshot (JSON)
type BadgerState struct {
	db  *badger.DB
	seq atomic.Uint64
}

// OpenBadgerState opens the database at path. An empty path opens an
// in-memory database.
func OpenBadgerState(path string) (*BadgerState, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open %q: %w", path, err)
	}
	s := &BadgerState{db: db}
	s.seq.Store(uint64(time.Now().UnixNano()))
	return s, nil
}

// Close closes the database.
func (s *BadgerState) Close() error { return s.db.Close() }

func stateKey(jobID string, seq uint64) []byte {
	return fmt.Appendf(nil, "state:%s:%020d", jobID, seq)
}

func statePrefix(jobID string) []byte { return []byte("state:" + jobID + ":") }

// PersistState stores one state document written by the engine.
func (s *BadgerState) PersistState(_ context.Context, jobID string, doc []byte) error {
	key := stateKey(jobID, s.seq.Add(1))
	buf := append([]byte(nil), doc...)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, buf)
	})
}

// StateDocs returns the job's state documents in the order they were
// persisted.
func (s *BadgerState) StateDocs(jobID string) ([][]byte, error) {
	var docs [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := statePrefix(jobID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			doc, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			docs = append(docs, doc)
		}
		return nil
	})
	return docs, err
}

// DeleteJob removes every document stored for the job.
func (s *BadgerState) DeleteJob(jobID string) error {
	keys := [][]byte{[]byte("quantiles:" + jobID), []byte("snapshot:" + jobID)}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := statePrefix(jobID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutQuantiles records the job's latest quantiles.
func (s *BadgerState) PutQuantiles(jobID string, q *results.Quantiles) error {
	return s.put("quantiles:"+jobID, q)
}

// Quantiles returns the job's latest quantiles, or ErrNotFound.
func (s *BadgerState) Quantiles(jobID string) (*results.Quantiles, error) {
	var q results.Quantiles
	if err := s.get("quantiles:"+jobID, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// PutSnapshot records the job's latest model snapshot.
func (s *BadgerState) PutSnapshot(jobID string, snap *results.ModelSnapshot) error {
	return s.put("snapshot:"+jobID, snap)
}

// LatestSnapshot returns the job's latest model snapshot, or ErrNotFound.
func (s *BadgerState) LatestSnapshot(jobID string) (*results.ModelSnapshot, error) {
	var snap results.ModelSnapshot
	if err := s.get("snapshot:"+jobID, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *BadgerState) put(key string, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), buf)
	})
}

func (s *BadgerState) get(key string, v any) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}

// Track wraps p so that quantiles and model snapshots passing through it
// are also recorded as restore points.
func (s *BadgerState) Track(p processor.Persister) processor.Persister {
	return &trackingPersister{Persister: p, state: s}
}

type trackingPersister struct {
	processor.Persister
	state *BadgerState
}

func (t *trackingPersister) PersistModelState(ctx context.Context, jobID string, m results.Message) error {
	switch v := m.(type) {
	case *results.Quantiles:
		if err := t.state.PutQuantiles(jobID, v); err != nil {
			return err
		}
	case *results.ModelSnapshot:
		if err := t.state.PutSnapshot(jobID, v); err != nil {
			return err
		}
	}
	return t.Persister.PersistModelState(ctx, jobID, m)
}
