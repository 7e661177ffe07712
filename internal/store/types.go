package store

import (
	"fmt"
	"math"
	"time"
)

// JobConfig describes a fit request. It is stored with every record so a fit
// can be repeated; it lives here to avoid an import cycle with the server.
type JobConfig struct {
	FitType       string    `json:"fitType,omitempty" yaml:"fitType,omitempty"` // family name, alias or code
	Formula       string    `json:"formula,omitempty" yaml:"formula,omitempty"` // custom "y = ..." formula
	X             []float64 `json:"x" yaml:"x,flow"`
	Y             []float64 `json:"y" yaml:"y,flow"`
	InitialParams []float64 `json:"initialParams,omitempty" yaml:"initialParams,flow,omitempty"`
	MaxIterations int       `json:"maxIterations,omitempty" yaml:"maxIterations,omitempty"` // 0 = automatic
	MaxRestarts   int       `json:"maxRestarts" yaml:"maxRestarts"`
	MaxRelError   float64   `json:"maxRelError,omitempty" yaml:"maxRelError,omitempty"`
	Seed          int64     `json:"seed" yaml:"seed"`
	PreSearch     bool      `json:"preSearch,omitempty" yaml:"preSearch,omitempty"` // mayfly pre-search for formulas
}

// Validate checks that the request names exactly one function and carries
// usable data.
func (c JobConfig) Validate() error {
	if c.FitType == "" && c.Formula == "" {
		return &ValidationError{Field: "FitType", Reason: "or Formula must be set"}
	}
	if c.FitType != "" && c.Formula != "" {
		return &ValidationError{Field: "Formula", Reason: "cannot be combined with FitType"}
	}
	if len(c.X) == 0 {
		return &ValidationError{Field: "X", Reason: "cannot be empty"}
	}
	if len(c.X) != len(c.Y) {
		return &ValidationError{Field: "Y", Reason: fmt.Sprintf("length mismatch: %d x values, %d y values", len(c.X), len(c.Y))}
	}
	if c.MaxIterations < 0 {
		return &ValidationError{Field: "MaxIterations", Reason: "cannot be negative"}
	}
	if c.MaxRestarts < 0 {
		return &ValidationError{Field: "MaxRestarts", Reason: "cannot be negative"}
	}
	if c.MaxRelError < 0 {
		return &ValidationError{Field: "MaxRelError", Reason: "cannot be negative"}
	}
	return nil
}

// FitRecord is the persisted result of a finished fit.
type FitRecord struct {
	JobID       string `json:"jobId"`
	Fingerprint string `json:"fingerprint"`

	// FitType is the resolved family name ("Custom" for formulas).
	FitType string `json:"fitType"`

	// Equation is the fitted formula.
	Equation string `json:"equation"`

	Params     []float64     `json:"params"`
	Status     string        `json:"status"`
	Accurate   bool          `json:"accurate"`
	SSE        float64       `json:"sse"`
	RSquared   float64       `json:"rSquared"`
	Iterations int           `json:"iterations"`
	Restarts   int           `json:"restarts"`
	Elapsed    time.Duration `json:"elapsed"`
	Timestamp  time.Time     `json:"timestamp"`

	// Config is the request that produced this record; refits start from it.
	Config JobConfig `json:"config"`
}

// FitInfo contains metadata about a record without parameters or data.
// Used for listing records efficiently.
type FitInfo struct {
	JobID      string    `json:"jobId"`
	FitType    string    `json:"fitType"`
	Status     string    `json:"status"`
	SSE        float64   `json:"sse"`
	RSquared   float64   `json:"rSquared"`
	Iterations int       `json:"iterations"`
	Points     int       `json:"points"`
	Timestamp  time.Time `json:"timestamp"`
}

// ToInfo converts a full FitRecord to FitInfo (metadata only).
func (r *FitRecord) ToInfo() FitInfo {
	return FitInfo{
		JobID:      r.JobID,
		FitType:    r.FitType,
		Status:     r.Status,
		SSE:        r.SSE,
		RSquared:   r.RSquared,
		Iterations: r.Iterations,
		Points:     len(r.Config.X),
		Timestamp:  r.Timestamp,
	}
}

// Validate checks if the record has valid data.
func (r *FitRecord) Validate() error {
	if r.JobID == "" {
		return &ValidationError{Field: "JobID", Reason: "cannot be empty"}
	}
	if len(r.Params) == 0 {
		return &ValidationError{Field: "Params", Reason: "cannot be empty"}
	}
	for _, p := range r.Params {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return &ValidationError{Field: "Params", Reason: "must be finite"}
		}
	}
	if math.IsNaN(r.SSE) || r.SSE < 0 {
		return &ValidationError{Field: "SSE", Reason: "must be a non-negative number"}
	}
	if math.IsNaN(r.RSquared) || math.IsInf(r.RSquared, 0) {
		return &ValidationError{Field: "RSquared", Reason: "must be finite"}
	}
	if r.Iterations < 0 {
		return &ValidationError{Field: "Iterations", Reason: "cannot be negative"}
	}
	if r.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	if r.Status == "" {
		return &ValidationError{Field: "Status", Reason: "cannot be empty"}
	}
	if err := r.Config.Validate(); err != nil {
		return err
	}
	return nil
}

// ValidationError represents a record or request validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// IsCompatible checks whether config fits the same function to the same data
// as this record, so that the record's parameters can seed it.
func (r *FitRecord) IsCompatible(config JobConfig) error {
	if r.Config.FitType != config.FitType {
		return &CompatibilityError{Field: "FitType", Expected: r.Config.FitType, Actual: config.FitType}
	}
	if r.Config.Formula != config.Formula {
		return &CompatibilityError{Field: "Formula", Expected: r.Config.Formula, Actual: config.Formula}
	}
	if len(r.Config.X) != len(config.X) {
		return &CompatibilityError{
			Field:    "X",
			Expected: fmt.Sprintf("%d points", len(r.Config.X)),
			Actual:   fmt.Sprintf("%d points", len(config.X)),
		}
	}
	return nil
}

// CompatibilityError represents a refit compatibility error.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}
