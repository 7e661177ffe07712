package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

// setupPGStore connects to the database named by CURVEFIT_TEST_PG_DSN and
// empties the records table. Tests are skipped without it.
func setupPGStore(t *testing.T) *PGStore {
	t.Helper()
	dsn := os.Getenv("CURVEFIT_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("CURVEFIT_TEST_PG_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := NewPGStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPGStore failed: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM fit_records`); err != nil {
		t.Fatalf("Failed to clear table: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPGStore_SaveLoadDelete(t *testing.T) {
	s := setupPGStore(t)

	record := createTestRecord("pg-job-1")
	if err := s.SaveRecord(record.JobID, record); err != nil {
		t.Fatalf("SaveRecord failed: %v", err)
	}

	loaded, err := s.LoadRecord(record.JobID)
	if err != nil {
		t.Fatalf("LoadRecord failed: %v", err)
	}
	if loaded.Fingerprint != record.Fingerprint || len(loaded.Params) != 2 {
		t.Errorf("Loaded record mismatch: %+v", loaded)
	}

	record.Status = "MaxRestartsExceeded"
	if err := s.SaveRecord(record.JobID, record); err != nil {
		t.Fatalf("Overwrite failed: %v", err)
	}
	infos, err := s.ListRecords()
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(infos) != 1 || infos[0].Status != "MaxRestartsExceeded" {
		t.Errorf("Unexpected records after overwrite: %+v", infos)
	}

	if err := s.DeleteRecord(record.JobID); err != nil {
		t.Fatalf("DeleteRecord failed: %v", err)
	}
	if err := s.DeleteRecord(record.JobID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected NotFoundError on second delete, got %v", err)
	}
	if _, err := s.LoadRecord(record.JobID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected NotFoundError after delete, got %v", err)
	}
}

func TestPGStore_FindByFingerprint(t *testing.T) {
	s := setupPGStore(t)

	older := createTestRecord("pg-old")
	older.Fingerprint = "fp-pg"
	older.Timestamp = time.Now().Add(-time.Hour)
	newer := createTestRecord("pg-new")
	newer.Fingerprint = "fp-pg"

	for _, r := range []*FitRecord{older, newer} {
		if err := s.SaveRecord(r.JobID, r); err != nil {
			t.Fatalf("SaveRecord failed: %v", err)
		}
	}

	found, err := s.FindByFingerprint("fp-pg")
	if err != nil {
		t.Fatalf("FindByFingerprint failed: %v", err)
	}
	if found.JobID != "pg-new" {
		t.Errorf("Expected the most recent record, got %s", found.JobID)
	}
	if _, err := s.FindByFingerprint("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected NotFoundError, got %v", err)
	}
}

func TestPGStore_InvalidInput(t *testing.T) {
	s := setupPGStore(t)

	if err := s.SaveRecord("", createTestRecord("x")); err == nil {
		t.Error("Expected error for empty jobID")
	}
	bad := createTestRecord("pg-bad")
	bad.Params = nil
	var ve *ValidationError
	if err := s.SaveRecord(bad.JobID, bad); !errors.As(err, &ve) {
		t.Errorf("Expected ValidationError, got %v", err)
	}
}
