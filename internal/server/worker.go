package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cwbudde/curvefit/internal/fit"
	"github.com/cwbudde/curvefit/internal/minimizer"
	"github.com/cwbudde/curvefit/internal/store"
)

// runJob executes a fit job in the background.
// If recordStore is not nil, finished fits are saved and a stored record with
// the same request fingerprint is returned instead of fitting again.
func runJob(ctx context.Context, jm *JobManager, recordStore store.Store, jobID string) error {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}

	ctx, cancel := context.WithCancel(ctx)
	jm.setCancel(jobID, cancel)
	defer jm.clearCancel(jobID)

	fingerprint, err := store.Fingerprint(job.Config)
	if err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}

	err = jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateRunning
		j.Fingerprint = fingerprint
	})
	if err != nil {
		return err
	}
	jm.metrics.running.Inc()
	defer jm.metrics.running.Dec()

	slog.Info("Starting job", "job_id", jobID, "fit_type", job.Config.FitType, "formula", job.Config.Formula, "points", len(job.Config.X))

	if recordStore != nil {
		if record, err := recordStore.FindByFingerprint(fingerprint); err == nil {
			slog.Info("Reusing stored fit", "job_id", jobID, "record", record.JobID)
			completeFromRecord(jm, jobID, job.Config, record)
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("Fingerprint lookup failed", "job_id", jobID, "error", err)
		}
	}

	// Check for cancellation before starting expensive operation
	select {
	case <-ctx.Done():
		markJobCancelled(jm, jobID)
		return ctx.Err()
	default:
	}

	var trace *store.TraceWriter
	if traces, ok := recordStore.(store.TraceStore); ok {
		trace, err = traces.OpenTrace(jobID)
		if err != nil {
			slog.Warn("Failed to open trace", "job_id", jobID, "error", err)
		}
	}

	progress := func(p minimizer.Progress) {
		reportProgress(jm, trace, jobID, p)
	}

	cf, err := RunFit(ctx, job.Config, progress)
	if trace != nil {
		if err := trace.Close(); err != nil {
			slog.Warn("Failed to close trace", "job_id", jobID, "error", err)
		}
	}
	if err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}

	if cf.Status() == minimizer.Aborted && ctx.Err() != nil {
		markJobCancelled(jm, jobID)
		return ctx.Err()
	}

	if Failed(cf) {
		err := errors.New(cf.StatusString())
		markJobFailed(jm, jobID, err)
		return err
	}

	endTime := time.Now()
	err = jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCompleted
		j.FitType = fitTypeName(cf)
		j.Equation = cf.Formula()
		j.Params = cf.Params()
		j.Status = cf.StatusString()
		j.Accurate = cf.Status().Accurate()
		j.BestCost = cf.SumResidualsSqr()
		j.RSquared = finiteOrZero(cf.RSquared())
		j.Iterations = cf.Iterations()
		j.Restarts = cf.Restarts()
		j.EndTime = &endTime
		j.fitter = cf
	})
	if err != nil {
		return err
	}

	jm.metrics.jobFinished("completed")
	jm.metrics.observeFit(fitTypeName(cf), cf.Elapsed(), cf.Iterations())

	slog.Info("Job completed",
		"job_id", jobID,
		"elapsed", cf.Elapsed(),
		"status", cf.StatusString(),
		"sse", cf.SumResidualsSqr(),
		"iterations", cf.Iterations(),
		"restarts", cf.Restarts(),
	)

	if recordStore != nil {
		if err := saveRecord(recordStore, jobID, job.Config, cf); err != nil {
			slog.Error("Failed to save fit record", "job_id", jobID, "error", err)
		}
	}

	// Broadcast final completion event
	jm.broadcaster.Broadcast(ProgressEvent{
		JobID:      jobID,
		State:      StateCompleted,
		Iterations: cf.Iterations(),
		BestCost:   cf.SumResidualsSqr(),
		Status:     cf.StatusString(),
		Timestamp:  time.Now(),
	})

	return nil
}

// reportProgress updates the job after a finished single minimization and
// forwards the result to SSE clients and the trace.
func reportProgress(jm *JobManager, trace *store.TraceWriter, jobID string, p minimizer.Progress) {
	jm.metrics.minimizations.Inc()
	if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
		slog.Debug("Skipping non-finite progress", "job_id", jobID, "round", p.Round, "worker", p.Worker)
		return
	}

	var state JobState
	var best float64
	jm.UpdateJob(jobID, func(j *Job) {
		j.Iterations = p.Iterations
		if !j.hasCost || p.Value < j.BestCost {
			j.BestCost = p.Value
			j.hasCost = true
		}
		state = j.State
		best = j.BestCost
	})

	now := time.Now()
	jm.broadcaster.Broadcast(ProgressEvent{
		JobID:      jobID,
		State:      state,
		Round:      p.Round,
		Worker:     p.Worker,
		Iterations: p.Iterations,
		BestCost:   best,
		Status:     p.Status.String(),
		Timestamp:  now,
	})

	if trace == nil {
		return
	}
	entry := store.TraceEntry{
		Round:      p.Round,
		Worker:     p.Worker,
		Iterations: p.Iterations,
		Cost:       p.Value,
		Status:     p.Status.String(),
		Timestamp:  now,
	}
	if err := trace.Write(entry); err != nil {
		slog.Warn("Failed to write trace entry", "job_id", jobID, "error", err)
	}
}

// saveRecord stores the result of a finished fit
func saveRecord(recordStore store.Store, jobID string, config JobConfig, cf *fit.CurveFitter) error {
	record, err := NewRecord(jobID, config, cf)
	if err != nil {
		return fmt.Errorf("failed to build record: %w", err)
	}
	if err := recordStore.SaveRecord(jobID, record); err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	slog.Info("Fit record saved", "job_id", jobID, "fingerprint", record.Fingerprint)
	return nil
}

// completeFromRecord finishes a job with a stored result. The fitter is
// rebuilt from the stored parameters for the residual and plot endpoints.
func completeFromRecord(jm *JobManager, jobID string, config JobConfig, record *store.FitRecord) {
	cf, err := RestoreFit(config, record.Params)
	if err != nil {
		slog.Warn("Cannot restore stored fit", "job_id", jobID, "record", record.JobID, "error", err)
	}

	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.fitter = cf
		j.State = StateCompleted
		j.FitType = record.FitType
		j.Equation = record.Equation
		j.Params = append([]float64(nil), record.Params...)
		j.Status = record.Status
		j.Accurate = record.Accurate
		j.BestCost = record.SSE
		j.RSquared = record.RSquared
		j.Iterations = record.Iterations
		j.Restarts = record.Restarts
		j.Cached = true
		j.EndTime = &endTime
	})
	jm.metrics.jobFinished("cached")

	jm.broadcaster.Broadcast(ProgressEvent{
		JobID:      jobID,
		State:      StateCompleted,
		Iterations: record.Iterations,
		BestCost:   record.SSE,
		Status:     record.Status,
		Timestamp:  endTime,
	})
}

// markJobFailed marks a job as failed with an error message
func markJobFailed(jm *JobManager, jobID string, err error) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateFailed
		j.Error = err.Error()
		j.EndTime = &endTime
	})
	jm.metrics.jobFinished("failed")
	jm.broadcaster.Broadcast(ProgressEvent{
		JobID:     jobID,
		State:     StateFailed,
		Status:    err.Error(),
		Timestamp: endTime,
	})
	slog.Error("Job failed", "job_id", jobID, "error", err)
}

// markJobCancelled marks a job as cancelled
func markJobCancelled(jm *JobManager, jobID string) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCancelled
		j.EndTime = &endTime
	})
	jm.metrics.jobFinished("cancelled")
	jm.broadcaster.Broadcast(ProgressEvent{
		JobID:     jobID,
		State:     StateCancelled,
		Timestamp: endTime,
	})
	slog.Info("Job cancelled", "job_id", jobID)
}

func fitTypeName(cf *fit.CurveFitter) string {
	if cf.FitType() == fit.Custom {
		return "Custom"
	}
	if family, err := fit.Lookup(cf.FitType()); err == nil {
		return family.Name
	}
	return ""
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
