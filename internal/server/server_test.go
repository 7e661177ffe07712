package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cwbudde/curvefit/internal/store"
)

func TestServer_Families(t *testing.T) {
	s := NewServer(":8080", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/families", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var families []familyInfo
	if err := json.NewDecoder(w.Body).Decode(&families); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(families) != 25 {
		t.Errorf("Expected 25 families, got %d", len(families))
	}
	for _, f := range families {
		if f.Alias == "line" && (f.NumParams != 2 || f.Regression != 2) {
			t.Errorf("Unexpected straight line entry: %+v", f)
		}
	}
}

func TestServer_CreateFit(t *testing.T) {
	s := NewServer(":8080", nil)

	body, _ := json.Marshal(testLineConfig())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/fits", bytes.NewReader(body))
	w := httptest.NewRecorder()

	s.handleCreateFit(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var job Job
	if err := json.NewDecoder(w.Body).Decode(&job); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if job.ID == "" {
		t.Error("Job ID should not be empty")
	}

	// State should be pending or running (since worker starts immediately)
	if job.State != StatePending && job.State != StateRunning {
		t.Errorf("Expected pending or running state, got %s", job.State)
	}
}

func TestServer_CreateFit_Defaults(t *testing.T) {
	s := NewServer(":8080", nil)

	body := `{"fitType":"line","x":[0,1,2],"y":[1,2,3]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/fits", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.handleCreateFit(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", w.Code)
	}
	var job Job
	if err := json.NewDecoder(w.Body).Decode(&job); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if job.Config.MaxRestarts != 2 || job.Config.Seed != 1 {
		t.Errorf("Expected default restarts and seed, got %d and %d", job.Config.MaxRestarts, job.Config.Seed)
	}
}

func TestServer_CreateFit_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"fitType":`},
		{"no function", `{"x":[1,2],"y":[1,2]}`},
		{"both functions", `{"fitType":"line","formula":"y=a*x","x":[1,2],"y":[1,2]}`},
		{"length mismatch", `{"fitType":"line","x":[1,2,3],"y":[1,2]}`},
		{"empty data", `{"fitType":"line","x":[],"y":[]}`},
		{"unknown type", `{"fitType":"spline","x":[1,2],"y":[1,2]}`},
		{"negative restarts", `{"fitType":"line","x":[1,2],"y":[1,2],"maxRestarts":-1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(":8080", nil)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/fits", strings.NewReader(tt.body))
			w := httptest.NewRecorder()

			s.handleCreateFit(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", w.Code)
			}
			if len(s.jobManager.ListJobs()) != 0 {
				t.Error("No job should be created")
			}
		})
	}
}

func TestServer_ListFits(t *testing.T) {
	s := NewServer(":8080", nil)

	s.jobManager.CreateJob(testLineConfig())
	s.jobManager.CreateJob(testLineConfig())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/fits", nil)
	w := httptest.NewRecorder()

	s.handleListFits(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var jobs []*Job
	if err := json.NewDecoder(w.Body).Decode(&jobs); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if len(jobs) != 2 {
		t.Errorf("Expected 2 jobs, got %d", len(jobs))
	}
}

func TestServer_GetFitStatus(t *testing.T) {
	s := NewServer(":8080", nil)

	job := s.jobManager.CreateJob(testLineConfig())

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/fits/%s/status", job.ID), nil)
	w := httptest.NewRecorder()

	s.handleGetFitStatus(w, req, job.ID)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response["id"] != job.ID {
		t.Error("Response should contain job ID")
	}

	if response["state"] != string(StatePending) {
		t.Errorf("Expected pending state, got %v", response["state"])
	}
}

func TestServer_GetFitStatus_NotFound(t *testing.T) {
	s := NewServer(":8080", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/fits/nonexistent/status", nil)
	w := httptest.NewRecorder()

	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestServer_Residuals(t *testing.T) {
	s := NewServer(":8080", nil)

	job := s.jobManager.CreateJob(testLineConfig())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/fits/"+job.ID+"/residuals", nil)
	w := httptest.NewRecorder()
	s.handleGetResiduals(w, req, job.ID)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 before the fit finished, got %d", w.Code)
	}

	if err := runJob(context.Background(), s.jobManager, nil, job.ID); err != nil {
		t.Fatalf("runJob failed: %v", err)
	}

	w = httptest.NewRecorder()
	s.handleGetResiduals(w, req, job.ID)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var response struct {
		SSE    float64         `json:"sse"`
		Points []residualPoint `json:"points"`
	}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(response.Points) != 5 {
		t.Fatalf("Expected 5 points, got %d", len(response.Points))
	}
	for _, p := range response.Points {
		if diff := p.Fit - p.Y; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("Point %+v should lie on the fitted line", p)
		}
	}
}

func TestServer_Plot(t *testing.T) {
	s := NewServer(":8080", nil)

	job := s.jobManager.CreateJob(expRecoveryConfig())
	if err := runJob(context.Background(), s.jobManager, nil, job.ID); err != nil {
		t.Fatalf("runJob failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/fits/"+job.ID+"/plot.png", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Content-Type") != "image/png" {
		t.Errorf("Expected image/png, got %s", w.Header().Get("Content-Type"))
	}
	if _, err := png.Decode(w.Body); err != nil {
		t.Errorf("Failed to decode PNG: %v", err)
	}
}

func TestServer_CancelFit(t *testing.T) {
	s := NewServer(":8080", nil)

	job := s.jobManager.CreateJob(testLineConfig())
	ctx, cancel := context.WithCancel(context.Background())
	s.jobManager.setCancel(job.ID, cancel)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/fits/"+job.ID+"/cancel", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Errorf("Expected status 202, got %d", w.Code)
	}
	if ctx.Err() == nil {
		t.Error("Job context should be cancelled")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/fits/"+job.ID+"/cancel", nil)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestServer_Integration(t *testing.T) {
	tmpDir := t.TempDir()
	fsStore, err := store.NewFSStore(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	s := NewServer(":8080", fsStore)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	body, _ := json.Marshal(expRecoveryConfig())
	resp, err := http.Post(ts.URL+"/api/v1/fits", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create fit: %v", err)
	}
	var job Job
	json.NewDecoder(resp.Body).Decode(&job)
	resp.Body.Close()

	// Poll until finished
	deadline := time.Now().Add(10 * time.Second)
	var status map[string]interface{}
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.URL + "/api/v1/fits/" + job.ID)
		if err != nil {
			t.Fatalf("Failed to get status: %v", err)
		}
		json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()
		if JobState(status["state"].(string)).Finished() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if status["state"] != string(StateCompleted) {
		t.Fatalf("Expected completed job, got %v (%v)", status["state"], status["error"])
	}

	// Record is saved after the job is marked completed
	var records []store.FitInfo
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.URL + "/api/v1/records")
		if err != nil {
			t.Fatalf("Failed to list records: %v", err)
		}
		json.NewDecoder(resp.Body).Decode(&records)
		resp.Body.Close()
		if len(records) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(records) != 1 || records[0].JobID != job.ID {
		t.Fatalf("Expected one record for %s, got %+v", job.ID, records)
	}

	resp, err = http.Get(ts.URL + "/api/v1/fits/" + job.ID + "/trace")
	if err != nil {
		t.Fatalf("Failed to get trace: %v", err)
	}
	var entries []store.TraceEntry
	json.NewDecoder(resp.Body).Decode(&entries)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || len(entries) == 0 {
		t.Errorf("Expected trace entries, got status %d with %d entries", resp.StatusCode, len(entries))
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/records/"+job.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to delete record: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/api/v1/records/" + job.ID)
	if err != nil {
		t.Fatalf("Failed to get record: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404 after delete, got %d", resp.StatusCode)
	}
}

func TestServer_JobStream_SSE(t *testing.T) {
	s := NewServer(":8080", nil)

	job := s.jobManager.CreateJob(expRecoveryConfig())
	if err := runJob(context.Background(), s.jobManager, nil, job.ID); err != nil {
		t.Fatalf("runJob failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/fits/%s/stream", job.ID), nil)
	w := httptest.NewRecorder()

	// A finished job yields its final state and closes the stream
	done := make(chan bool)
	go func() {
		s.handleJobStream(w, req, job.ID)
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stream of a finished job should close")
	}

	if w.Header().Get("Content-Type") != "text/event-stream" {
		t.Error("Expected text/event-stream content type")
	}

	body := w.Body.String()
	if !containsString(body, "event: completed\n") {
		t.Fatalf("Expected a completed event, got %q", body)
	}

	var event ProgressEvent
	for _, line := range strings.Split(body, "\n") {
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				t.Fatalf("Failed to parse event: %v", err)
			}
			break
		}
	}
	if event.State != StateCompleted {
		t.Errorf("Expected completed state, got %s", event.State)
	}
	if !containsString(body, fmt.Sprintf("id: %d\n", event.Seq)) || event.Seq == 0 {
		t.Errorf("Expected the event id to carry its sequence number, got %q", body)
	}
}

func TestServer_JobStream_NotFound(t *testing.T) {
	s := NewServer(":8080", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/fits/nonexistent/stream", nil)
	w := httptest.NewRecorder()

	s.handleJobStream(w, req, "nonexistent")

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestServer_CORS(t *testing.T) {
	s := NewServer(":8080", nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/fits", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}
}

func TestEventBroadcaster(t *testing.T) {
	eb := NewEventBroadcaster()

	sub := eb.Subscribe("job1")
	defer eb.Unsubscribe(sub)

	eb.Broadcast(ProgressEvent{
		JobID:      "job1",
		State:      StateRunning,
		Round:      1,
		Iterations: 10,
		BestCost:   100.5,
		Timestamp:  time.Now(),
	})

	select {
	case received := <-sub.Events():
		if received.JobID != "job1" {
			t.Errorf("Expected jobID job1, got %s", received.JobID)
		}
		if received.Iterations != 10 {
			t.Errorf("Expected 10 iterations, got %d", received.Iterations)
		}
		if received.Seq != 1 {
			t.Errorf("Expected seq 1, got %d", received.Seq)
		}
	case <-time.After(1 * time.Second):
		t.Error("Timeout waiting for event")
	}

	// Late subscribers get the last event
	late := eb.Subscribe("job1")
	select {
	case received := <-late.Events():
		if received.Round != 1 {
			t.Errorf("Expected round 1, got %d", received.Round)
		}
	case <-time.After(1 * time.Second):
		t.Error("Timeout waiting for replayed event")
	}
	eb.Unsubscribe(late)
	if _, ok := <-late.Events(); ok {
		t.Error("Channel should be closed after Unsubscribe")
	}
	eb.Unsubscribe(late)
}

func TestEventBroadcaster_FinalEventNotDropped(t *testing.T) {
	eb := NewEventBroadcaster()

	sub := eb.Subscribe("job1")
	defer eb.Unsubscribe(sub)

	for i := 0; i < subscriberBuffer+5; i++ {
		eb.Broadcast(ProgressEvent{JobID: "job1", State: StateRunning, Round: i})
	}
	eb.Broadcast(ProgressEvent{JobID: "job1", State: StateCompleted})

	var last ProgressEvent
	for n := 0; n < subscriberBuffer; n++ {
		last = <-sub.Events()
	}
	if last.State != StateCompleted {
		t.Errorf("Expected the completed event last, got %s", last.State)
	}
	if last.Seq != subscriberBuffer+6 {
		t.Errorf("Expected seq %d, got %d", subscriberBuffer+6, last.Seq)
	}
	if got, ok := eb.Last("job1"); !ok || got.Seq != last.Seq {
		t.Errorf("Last should return the completed event, got %+v", got)
	}
}

func containsString(haystack, needle string) bool {
	return bytes.Contains([]byte(haystack), []byte(needle))
}
