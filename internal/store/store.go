// Package store persists job results and engine state.
//
// Memory and SQLite implement processor.Persister for results and
// model state; SQLite also keeps data counts so they survive restarts.
// BadgerState implements process.StateSink for the engine's persisted
// state documents and holds the quantiles and snapshots needed to
// restore a job.
package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/randomizedcoder/go-autodetect/internal/results"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("not found")

// ResultTime returns the epoch seconds timestamp a scored result belongs
// to, or -1 for an empty batch.
func ResultTime(m results.Scored) int64 {
	switch v := m.(type) {
	case *results.Bucket:
		return v.Timestamp
	case results.RecordBatch:
		if len(v) > 0 {
			return v[0].Timestamp
		}
	case results.InfluencerBatch:
		if len(v) > 0 {
			return v[0].Timestamp
		}
	}
	return -1
}

// modelStateTime returns the timestamp carried by a model state message.
func modelStateTime(m results.Message) int64 {
	switch v := m.(type) {
	case *results.ModelSizeStats:
		return v.Timestamp
	case *results.ModelSnapshot:
		return v.Timestamp
	case *results.Quantiles:
		return v.Timestamp
	case *results.ModelPlot:
		return v.Timestamp
	}
	return 0
}

func encode(m results.Message) ([]byte, error) {
	doc, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	return doc, nil
}
