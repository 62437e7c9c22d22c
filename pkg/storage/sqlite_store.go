package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 database/sql driver

	"github.com/polisai/polis-flow/pkg/domain"
)

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const runTable = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	pipeline_id TEXT NOT NULL,
	state TEXT NOT NULL,
	branch TEXT,
	started_at TEXT NOT NULL,
	ended_at TEXT,
	record TEXT NOT NULL
);
`

const runIndex = `CREATE INDEX IF NOT EXISTS runs_pipeline_started ON runs (pipeline_id, started_at);`

// SQLiteRunStore persists run records in a SQLite database. The full record is
// stored as JSON next to the columns used for filtering.
type SQLiteRunStore struct {
	db *sql.DB
}

// NewSQLiteRunStore opens (and if needed creates) the database at dsn.
func NewSQLiteRunStore(dsn string) (*SQLiteRunStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%w: sqlite history requires a dsn", domain.ErrConfigInvalid)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	// SQLite serialises writers; a single connection avoids "database is locked".
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{runTable, runIndex} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init run store: %w", err)
		}
	}

	return &SQLiteRunStore{db: db}, nil
}

// SaveRun inserts or replaces a run record.
func (s *SQLiteRunStore) SaveRun(ctx context.Context, record *domain.RunRecord) error {
	if record == nil || record.ID == "" {
		return fmt.Errorf("run record requires an ID")
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", record.ID, err)
	}

	var endedAt sql.NullString
	if !record.EndedAt.IsZero() {
		endedAt = sql.NullString{String: formatTime(record.EndedAt), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, pipeline_id, state, branch, started_at, ended_at, record)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			branch = excluded.branch,
			ended_at = excluded.ended_at,
			record = excluded.record`,
		record.ID, record.PipelineID, string(record.State), record.Branch,
		formatTime(record.StartedAt), endedAt, string(payload),
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", record.ID, err)
	}
	return nil
}

// GetRun fetches a run record by ID.
func (s *SQLiteRunStore) GetRun(ctx context.Context, id string) (*domain.RunRecord, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM runs WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return decodeRecord(payload)
}

// ListRuns returns stored runs, most recent first.
func (s *SQLiteRunStore) ListRuns(ctx context.Context, pipelineID string, limit int) ([]*domain.RunRecord, error) {
	query := `SELECT record FROM runs`
	var args []any
	if pipelineID != "" {
		query += ` WHERE pipeline_id = ?`
		args = append(args, pipelineID)
	}
	query += ` ORDER BY started_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	return s.queryRecords(ctx, query, args...)
}

// LastSuccessful returns the most recent DONE run of the pipeline.
func (s *SQLiteRunStore) LastSuccessful(ctx context.Context, pipelineID string) (*domain.RunRecord, error) {
	records, err := s.queryRecords(ctx,
		`SELECT record FROM runs WHERE pipeline_id = ? AND state = ? ORDER BY started_at DESC, id DESC LIMIT 1`,
		pipelineID, string(domain.RunDone),
	)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no successful run of %s", domain.ErrRunNotFound, pipelineID)
	}
	return records[0], nil
}

// Close releases the database handle.
func (s *SQLiteRunStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteRunStore) queryRecords(ctx context.Context, query string, args ...any) ([]*domain.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var records []*domain.RunRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		record, err := decodeRecord(payload)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func decodeRecord(payload string) (*domain.RunRecord, error) {
	var record domain.RunRecord
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}
	return &record, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
