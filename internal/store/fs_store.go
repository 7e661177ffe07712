package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// FSStore implements the Store interface using filesystem-based persistence.
// Records are stored in a directory structure: <baseDir>/jobs/<jobID>/
//
// Writes use temp file + rename, so readers never see partial records and
// no locks are needed.
type FSStore struct {
	baseDir    string // Root directory for all fit data (e.g., "./data")
	traceCodec Codec
}

// NewFSStore creates a new filesystem-based store.
// The baseDir will be created if it doesn't exist.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FSStore{
		baseDir:    baseDir,
		traceCodec: CodecZstd,
	}, nil
}

// SetTraceCodec selects the compression of traces opened afterwards.
func (fs *FSStore) SetTraceCodec(c Codec) {
	fs.traceCodec = c
}

// OpenTrace creates the trace of a job with the store's codec.
func (fs *FSStore) OpenTrace(jobID string) (*TraceWriter, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID cannot be empty")
	}
	return NewTraceWriterCodec(fs.baseDir, jobID, fs.traceCodec, false)
}

// ReadTrace reads the trace of a job, whatever codec wrote it.
func (fs *FSStore) ReadTrace(jobID string) ([]TraceEntry, error) {
	reader, err := NewTraceReader(fs.baseDir, jobID)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return reader.ReadAll()
}

// BaseDir returns the root directory of the store.
func (fs *FSStore) BaseDir() string {
	return fs.baseDir
}

// jobDir returns the directory path for a given job ID.
func (fs *FSStore) jobDir(jobID string) string {
	return filepath.Join(fs.baseDir, "jobs", jobID)
}

// recordPath returns the path to the record.json file for a job.
func (fs *FSStore) recordPath(jobID string) string {
	return filepath.Join(fs.jobDir(jobID), "record.json")
}

// SaveRecord atomically saves a record for the given job.
func (fs *FSStore) SaveRecord(jobID string, record *FitRecord) error {
	if jobID == "" {
		return fmt.Errorf("jobID cannot be empty")
	}
	if record == nil {
		return fmt.Errorf("record cannot be nil")
	}
	if err := record.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	jobDir := fs.jobDir(jobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return fmt.Errorf("failed to create job directory: %w", err)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}

	tempPath := fs.recordPath(jobID) + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp record file: %w", err)
	}

	finalPath := fs.recordPath(jobID)
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename record file: %w", err)
	}

	slog.Debug("Fit record saved", "job_id", jobID, "path", finalPath)
	return nil
}

// LoadRecord retrieves the record for the given job.
func (fs *FSStore) LoadRecord(jobID string) (*FitRecord, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID cannot be empty")
	}

	path := fs.recordPath(jobID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, &NotFoundError{JobID: jobID}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read record file: %w", err)
	}

	var record FitRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to deserialize record: %w", err)
	}

	slog.Debug("Fit record loaded", "job_id", jobID, "path", path)
	return &record, nil
}

// loadAll reads every readable record, skipping corrupted ones.
func (fs *FSStore) loadAll() ([]*FitRecord, error) {
	jobsDir := filepath.Join(fs.baseDir, "jobs")

	entries, err := os.ReadDir(jobsDir)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read jobs directory: %w", err)
	}

	var records []*FitRecord
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		jobID := entry.Name()
		if _, err := os.Stat(fs.recordPath(jobID)); os.IsNotExist(err) {
			continue // running job or trace only
		}
		record, err := fs.LoadRecord(jobID)
		if err != nil {
			slog.Warn("Failed to load fit record", "job_id", jobID, "error", err)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// ListRecords returns metadata for all stored records.
func (fs *FSStore) ListRecords() ([]FitInfo, error) {
	records, err := fs.loadAll()
	if err != nil {
		return nil, err
	}

	infos := make([]FitInfo, 0, len(records))
	for _, r := range records {
		infos = append(infos, r.ToInfo())
	}

	slog.Debug("Listed fit records", "count", len(infos))
	return infos, nil
}

// FindByFingerprint returns the most recent record with the given fingerprint.
func (fs *FSStore) FindByFingerprint(fingerprint string) (*FitRecord, error) {
	records, err := fs.loadAll()
	if err != nil {
		return nil, err
	}

	var found *FitRecord
	for _, r := range records {
		if r.Fingerprint != fingerprint {
			continue
		}
		if found == nil || r.Timestamp.After(found.Timestamp) {
			found = r
		}
	}
	if found == nil {
		return nil, &NotFoundError{}
	}
	return found, nil
}

// DeleteRecord removes the record and all associated artifacts.
func (fs *FSStore) DeleteRecord(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID cannot be empty")
	}

	jobDir := fs.jobDir(jobID)
	if _, err := os.Stat(jobDir); os.IsNotExist(err) {
		return &NotFoundError{JobID: jobID}
	} else if err != nil {
		return fmt.Errorf("failed to stat job directory: %w", err)
	}

	if err := os.RemoveAll(jobDir); err != nil {
		return fmt.Errorf("failed to remove job directory: %w", err)
	}

	slog.Debug("Fit record deleted", "job_id", jobID, "path", jobDir)
	return nil
}
