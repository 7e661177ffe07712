package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // postgres driver
)

const pgQueryTimeout = 10 * time.Second

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS fit_records (
		job_id      TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		record      JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS fit_records_fingerprint_idx
		ON fit_records (fingerprint, created_at DESC)`,
}

// PGStore implements the Store interface on a PostgreSQL table. Records are
// kept as JSONB; traces are not stored.
type PGStore struct {
	db *sql.DB
}

// NewPGStore connects to the database and creates the records table if it
// does not exist.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	for _, stmt := range pgSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return &PGStore{db: db}, nil
}

// Close closes the database connection pool.
func (s *PGStore) Close() error {
	return s.db.Close()
}

func (s *PGStore) queryContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), pgQueryTimeout)
}

// SaveRecord inserts or replaces the record of a job.
func (s *PGStore) SaveRecord(jobID string, record *FitRecord) error {
	if jobID == "" {
		return fmt.Errorf("jobID cannot be empty")
	}
	if record == nil {
		return fmt.Errorf("record cannot be nil")
	}
	if err := record.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}

	ctx, cancel := s.queryContext()
	defer cancel()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fit_records (job_id, fingerprint, created_at, record)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id) DO UPDATE
		SET fingerprint = EXCLUDED.fingerprint,
		    created_at = EXCLUDED.created_at,
		    record = EXCLUDED.record`,
		jobID, record.Fingerprint, record.Timestamp, data)
	if err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}

	slog.Debug("Fit record saved", "job_id", jobID, "store", "postgres")
	return nil
}

// LoadRecord retrieves the record of a job.
func (s *PGStore) LoadRecord(jobID string) (*FitRecord, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID cannot be empty")
	}

	ctx, cancel := s.queryContext()
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT record FROM fit_records WHERE job_id = $1`, jobID)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{JobID: jobID}
	}
	return record, err
}

// ListRecords returns metadata for all records, oldest first.
func (s *PGStore) ListRecords() ([]FitInfo, error) {
	ctx, cancel := s.queryContext()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM fit_records ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	infos := []FitInfo{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			slog.Warn("Failed to load fit record", "error", err)
			continue
		}
		infos = append(infos, record.ToInfo())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return infos, nil
}

// DeleteRecord removes the record of a job.
func (s *PGStore) DeleteRecord(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID cannot be empty")
	}

	ctx, cancel := s.queryContext()
	defer cancel()
	res, err := s.db.ExecContext(ctx, `DELETE FROM fit_records WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if n == 0 {
		return &NotFoundError{JobID: jobID}
	}
	return nil
}

// FindByFingerprint returns the most recent record with the fingerprint.
func (s *PGStore) FindByFingerprint(fingerprint string) (*FitRecord, error) {
	ctx, cancel := s.queryContext()
	defer cancel()
	row := s.db.QueryRowContext(ctx, `
		SELECT record FROM fit_records
		WHERE fingerprint = $1
		ORDER BY created_at DESC
		LIMIT 1`, fingerprint)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{}
	}
	return record, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*FitRecord, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	var record FitRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to deserialize record: %w", err)
	}
	return &record, nil
}
