package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cwbudde/curvefit/internal/fit"
	"github.com/cwbudde/curvefit/internal/plot"
	"github.com/cwbudde/curvefit/internal/store"
)

// maxRequestBytes limits the size of a fit request body.
const maxRequestBytes = 32 << 20

// Server represents the HTTP server
type Server struct {
	jobManager *JobManager
	store      store.Store
	addr       string
	server     *http.Server
}

// NewServer creates a new HTTP server. A nil store disables persistence.
func NewServer(addr string, recordStore store.Store) *Server {
	return &Server{
		jobManager: NewJobManager(),
		store:      recordStore,
		addr:       addr,
	}
}

// Handler returns the routed handler wrapped with middleware
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/families", s.handleFamilies)
	mux.HandleFunc("/api/v1/fits", s.handleFits)
	mux.HandleFunc("/api/v1/fits/", s.handleFitsWithID)
	mux.HandleFunc("/api/v1/records", s.handleRecords)
	mux.HandleFunc("/api/v1/records/", s.handleRecordWithID)
	mux.Handle("/metrics", s.jobManager.metrics.handler())

	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting HTTP server", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server and cancels running fits
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server")
	for _, job := range s.jobManager.GetRunningJobs() {
		s.jobManager.CancelJob(job.ID)
	}
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// familyInfo describes a built-in fit function
type familyInfo struct {
	Code       int    `json:"code"`
	Name       string `json:"name"`
	Alias      string `json:"alias"`
	Equation   string `json:"equation"`
	NumParams  int    `json:"numParams"`
	Regression int    `json:"regressionParams"`
}

// handleFamilies handles GET /api/v1/families
func (s *Server) handleFamilies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	families := fit.Families()
	infos := make([]familyInfo, len(families))
	for i, f := range families {
		infos[i] = familyInfo{
			Code:       int(f.Type),
			Name:       f.Name,
			Alias:      f.Alias,
			Equation:   f.Equation,
			NumParams:  f.NumParams,
			Regression: f.NumRegressionParams(),
		}
	}
	writeJSON(w, http.StatusOK, infos)
}

// handleFits handles /api/v1/fits
func (s *Server) handleFits(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateFit(w, r)
	case http.MethodGet:
		s.handleListFits(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleFitsWithID handles /api/v1/fits/:id/*
func (s *Server) handleFitsWithID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/fits/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "Job ID required", http.StatusBadRequest)
		return
	}

	jobID := parts[0]
	sub := ""
	if len(parts) > 1 {
		sub = parts[1]
	}

	switch sub {
	case "", "status":
		s.handleGetFitStatus(w, r, jobID)
	case "residuals":
		s.handleGetResiduals(w, r, jobID)
	case "plot.png":
		s.handleGetPlot(w, r, jobID)
	case "trace":
		s.handleGetTrace(w, r, jobID)
	case "stream":
		s.handleJobStream(w, r, jobID)
	case "cancel":
		s.handleCancelFit(w, r, jobID)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// handleCreateFit handles POST /api/v1/fits
func (s *Server) handleCreateFit(w http.ResponseWriter, r *http.Request) {
	config := JobConfig{MaxRestarts: fit.DefaultSettings().MaxRestarts, Seed: fit.DefaultSettings().Seed}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&config); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	if err := config.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if config.FitType != "" {
		if _, err := fit.LookupName(config.FitType); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	job := s.jobManager.CreateJob(config)

	go runJob(context.Background(), s.jobManager, s.store, job.ID)

	writeJSON(w, http.StatusCreated, job)
}

// handleListFits handles GET /api/v1/fits
func (s *Server) handleListFits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobManager.ListJobs())
}

// handleGetFitStatus handles GET /api/v1/fits/:id/status
func (s *Server) handleGetFitStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	var elapsed time.Duration
	if job.EndTime != nil {
		elapsed = job.EndTime.Sub(job.StartTime)
	} else {
		elapsed = time.Since(job.StartTime)
	}

	response := map[string]interface{}{
		"id":         job.ID,
		"state":      job.State,
		"fitType":    job.FitType,
		"equation":   job.Equation,
		"params":     job.Params,
		"status":     job.Status,
		"accurate":   job.Accurate,
		"bestCost":   job.BestCost,
		"rSquared":   job.RSquared,
		"iterations": job.Iterations,
		"restarts":   job.Restarts,
		"cached":     job.Cached,
		"elapsed":    elapsed.Seconds(),
		"startTime":  job.StartTime,
		"endTime":    job.EndTime,
		"error":      job.Error,
	}

	writeJSON(w, http.StatusOK, response)
}

// residualPoint is one data point with the fitted value
type residualPoint struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Fit      float64 `json:"fit"`
	Residual float64 `json:"residual"`
}

// handleGetResiduals handles GET /api/v1/fits/:id/residuals
func (s *Server) handleGetResiduals(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	cf := job.fitter
	if cf == nil {
		http.Error(w, "No results yet", http.StatusNotFound)
		return
	}

	residuals := cf.Residuals()
	points := make([]residualPoint, len(job.Config.X))
	for i, x := range job.Config.X {
		points[i] = residualPoint{
			X:        x,
			Y:        job.Config.Y[i],
			Fit:      finiteOrZero(cf.F(x)),
			Residual: finiteOrZero(residuals[i]),
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       job.ID,
		"sse":      finiteOrZero(cf.SumResidualsSqr()),
		"sd":       finiteOrZero(cf.SD()),
		"rSquared": finiteOrZero(cf.RSquared()),
		"goodness": finiteOrZero(cf.FitGoodness()),
		"points":   points,
	})
}

// handleGetPlot handles GET /api/v1/fits/:id/plot.png
func (s *Server) handleGetPlot(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	cf := job.fitter
	if cf == nil {
		http.Error(w, "No results yet", http.StatusNotFound)
		return
	}

	opts := plot.DefaultOptions()
	opts.Title = cf.Formula()

	var buf bytes.Buffer
	if err := plot.Render(&buf, job.Config.X, job.Config.Y, cf.F, opts); err != nil {
		http.Error(w, fmt.Sprintf("Failed to render plot: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Error("Failed to write PNG", "error", err)
	}
}

// handleGetTrace handles GET /api/v1/fits/:id/trace
func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request, jobID string) {
	traces, ok := s.store.(store.TraceStore)
	if !ok {
		http.Error(w, "Traces are not kept by this store", http.StatusNotFound)
		return
	}

	entries, err := traces.ReadTrace(jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Trace not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []store.TraceEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleCancelFit handles POST /api/v1/fits/:id/cancel
func (s *Server) handleCancelFit(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, exists := s.jobManager.GetJob(jobID); !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err := s.jobManager.CancelJob(jobID); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleRecords handles GET /api/v1/records
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		writeJSON(w, http.StatusOK, []store.FitInfo{})
		return
	}
	infos, err := s.store.ListRecords()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

// handleRecordWithID handles GET and DELETE /api/v1/records/:id
func (s *Server) handleRecordWithID(w http.ResponseWriter, r *http.Request) {
	jobID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/records/"), "/")
	if jobID == "" {
		http.Error(w, "Job ID required", http.StatusBadRequest)
		return
	}
	if s.store == nil {
		http.Error(w, "Record not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		record, err := s.store.LoadRecord(jobID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
	case http.MethodDelete:
		if err := s.store.DeleteRecord(jobID); err != nil {
			writeStoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Record not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
