package store

// Store defines the interface for fit record persistence.
// Implementations must be safe for concurrent use.
//
// Error handling conventions:
//   - Return a *NotFoundError if a record doesn't exist (for Load/Delete/Find)
//   - Wrap underlying errors with context using fmt.Errorf("context: %w", err)
type Store interface {
	// SaveRecord atomically saves the record of a job, replacing an
	// existing one.
	SaveRecord(jobID string, record *FitRecord) error

	// LoadRecord retrieves the record of a job.
	LoadRecord(jobID string) (*FitRecord, error)

	// ListRecords returns metadata for all stored records.
	ListRecords() ([]FitInfo, error)

	// DeleteRecord removes the record and its trace.
	DeleteRecord(jobID string) error

	// FindByFingerprint returns a stored record with the given request
	// fingerprint, preferring the most recent one.
	FindByFingerprint(fingerprint string) (*FitRecord, error)
}

// ErrNotFound is returned when a requested record does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing record error.
type NotFoundError struct {
	JobID string
}

func (e *NotFoundError) Error() string {
	if e.JobID != "" {
		return "fit record not found: " + e.JobID
	}
	return "fit record not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}

// TraceStore is implemented by stores that keep the minimization trace of
// a job next to its record.
type TraceStore interface {
	// OpenTrace creates the trace of a job, replacing an existing one.
	OpenTrace(jobID string) (*TraceWriter, error)

	// ReadTrace returns all entries of a closed trace.
	ReadTrace(jobID string) ([]TraceEntry, error)
}
