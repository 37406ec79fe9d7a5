package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go driver

	"github.com/randomizedcoder/go-autodetect/internal/results"
	"github.com/randomizedcoder/go-autodetect/internal/stats"
)

// SQLiteConfig holds SQLite connection parameters.
type SQLiteConfig struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultSQLiteConfig returns the connection parameters used by the
// manager.
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 4,
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS results (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id       TEXT    NOT NULL,
	kind         TEXT    NOT NULL,
	timestamp    INTEGER NOT NULL,
	interim      INTEGER NOT NULL,
	renormalized INTEGER NOT NULL DEFAULT 0,
	doc          BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS results_job ON results (job_id, interim, timestamp);

CREATE TABLE IF NOT EXISTS model_state (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id    TEXT    NOT NULL,
	kind      TEXT    NOT NULL,
	timestamp INTEGER NOT NULL,
	doc       BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS model_state_job ON model_state (job_id, kind, id);

CREATE TABLE IF NOT EXISTS data_counts (
	job_id TEXT PRIMARY KEY,
	doc    BLOB NOT NULL
);
`

// SQLite is a result store backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. WAL mode and
// the busy timeout are set in the DSN so every pooled connection gets them.
func OpenSQLite(path string, cfg SQLiteConfig) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

// PersistInterim stores a provisional result.
func (s *SQLite) PersistInterim(ctx context.Context, jobID string, m results.Scored) error {
	return s.insertResult(ctx, jobID, m, true)
}

// PersistFinal stores a finalized result.
func (s *SQLite) PersistFinal(ctx context.Context, jobID string, m results.Scored) error {
	return s.insertResult(ctx, jobID, m, false)
}

func (s *SQLite) insertResult(ctx context.Context, jobID string, m results.Scored, interim bool) error {
	doc, err := encode(m)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO results (job_id, kind, timestamp, interim, doc) VALUES (?, ?, ?, ?, ?)`,
		jobID, m.Kind().String(), ResultTime(m), interim, doc)
	if err != nil {
		return fmt.Errorf("sqlite: insert %s: %w", m.Kind(), err)
	}
	return nil
}

// DeleteInterim drops every interim result for the job.
func (s *SQLite) DeleteInterim(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE job_id = ? AND interim = 1`, jobID); err != nil {
		return fmt.Errorf("sqlite: delete interim: %w", err)
	}
	return nil
}

// PersistModelState stores a model state message.
func (s *SQLite) PersistModelState(ctx context.Context, jobID string, m results.Message) error {
	doc, err := encode(m)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO model_state (job_id, kind, timestamp, doc) VALUES (?, ?, ?, ?)`,
		jobID, m.Kind().String(), modelStateTime(m), doc)
	if err != nil {
		return fmt.Errorf("sqlite: insert %s: %w", m.Kind(), err)
	}
	return nil
}

// UpdateScores marks the job's final results as renormalized against the
// quantiles. Results newer than the quantiles are left alone.
func (s *SQLite) UpdateScores(ctx context.Context, jobID string, q *results.Quantiles) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE results SET renormalized = ? WHERE job_id = ? AND interim = 0 AND timestamp <= ?`,
		q.Timestamp, jobID, q.Timestamp)
	if err != nil {
		return fmt.Errorf("sqlite: renormalize: %w", err)
	}
	return nil
}

// Buckets returns the job's buckets ordered by time. Interim buckets are
// included only when interim is true.
func (s *SQLite) Buckets(ctx context.Context, jobID string, interim bool) ([]results.Bucket, error) {
	q := `SELECT doc FROM results WHERE job_id = ? AND kind = ? AND interim = 0 ORDER BY timestamp, id`
	if interim {
		q = `SELECT doc FROM results WHERE job_id = ? AND kind = ? ORDER BY timestamp, id`
	}
	rows, err := s.db.QueryContext(ctx, q, jobID, results.KindBucket.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: query buckets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []results.Bucket
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var b results.Bucket
		if err := json.Unmarshal(doc, &b); err != nil {
			return nil, fmt.Errorf("sqlite: decode bucket: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ResultCounts returns the number of interim and final results stored for
// the job.
func (s *SQLite) ResultCounts(ctx context.Context, jobID string) (interim, final int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(interim), 0), COALESCE(SUM(1 - interim), 0) FROM results WHERE job_id = ?`,
		jobID).Scan(&interim, &final)
	if err != nil {
		return 0, 0, fmt.Errorf("sqlite: count results: %w", err)
	}
	return interim, final, nil
}

// RenormalizedCount returns the number of final results renormalized
// against quantiles at or after ts.
func (s *SQLite) RenormalizedCount(ctx context.Context, jobID string, ts int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM results WHERE job_id = ? AND renormalized >= ? AND renormalized > 0`,
		jobID, ts).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count renormalized: %w", err)
	}
	return n, nil
}

// LatestModelState returns the raw document of the newest model state
// message of kind k, or ErrNotFound.
func (s *SQLite) LatestModelState(ctx context.Context, jobID string, k results.Kind) (json.RawMessage, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM model_state WHERE job_id = ? AND kind = ? ORDER BY id DESC LIMIT 1`,
		jobID, k.String()).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: query %s: %w", k, err)
	}
	return doc, nil
}

// SaveDataCounts stores the job's data counts, replacing earlier ones.
func (s *SQLite) SaveDataCounts(ctx context.Context, c stats.DataCounts) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO data_counts (job_id, doc) VALUES (?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET doc = excluded.doc`,
		c.JobID, doc)
	if err != nil {
		return fmt.Errorf("sqlite: save data counts: %w", err)
	}
	return nil
}

// LoadDataCounts returns the job's stored data counts, or ErrNotFound.
func (s *SQLite) LoadDataCounts(ctx context.Context, jobID string) (stats.DataCounts, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM data_counts WHERE job_id = ?`, jobID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return stats.DataCounts{}, ErrNotFound
	}
	if err != nil {
		return stats.DataCounts{}, fmt.Errorf("sqlite: load data counts: %w", err)
	}
	var c stats.DataCounts
	if err := json.Unmarshal(doc, &c); err != nil {
		return stats.DataCounts{}, fmt.Errorf("sqlite: decode data counts: %w", err)
	}
	return c, nil
}
