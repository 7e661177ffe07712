package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_JobOutcomes(t *testing.T) {
	jm := NewJobManager()

	completed := jm.CreateJob(expRecoveryConfig())
	if err := runJob(context.Background(), jm, nil, completed.ID); err != nil {
		t.Fatalf("runJob should succeed: %v", err)
	}

	rejected := jm.CreateJob(JobConfig{
		FitType: "power",
		X:       []float64{-1, 1, 2, 3},
		Y:       []float64{1, 1, 4, 9},
	})
	runJob(context.Background(), jm, nil, rejected.ID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cancelled := jm.CreateJob(expRecoveryConfig())
	runJob(ctx, jm, nil, cancelled.ID)

	m := jm.metrics
	for outcome, want := range map[string]float64{"completed": 1, "failed": 1, "cancelled": 1, "cached": 0} {
		if got := testutil.ToFloat64(m.jobs.WithLabelValues(outcome)); got != want {
			t.Errorf("%s jobs = %v, want %v", outcome, got, want)
		}
	}
	if got := testutil.ToFloat64(m.running); got != 0 {
		t.Errorf("Running gauge should be back to 0, got %v", got)
	}
	if testutil.ToFloat64(m.minimizations) == 0 {
		t.Error("Minimizations should be counted")
	}
	if n := testutil.CollectAndCount(m.duration); n != 1 {
		t.Errorf("Expected one duration series, got %d", n)
	}
}

func TestMetrics_Endpoint(t *testing.T) {
	s := NewServer(":0", nil)

	job := s.jobManager.CreateJob(testLineConfig())
	if err := runJob(context.Background(), s.jobManager, nil, job.ID); err != nil {
		t.Fatalf("runJob should succeed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	body, _ := io.ReadAll(w.Body)
	for _, name := range []string{
		`curvefit_jobs_total{outcome="completed"} 1`,
		"curvefit_jobs_running 0",
		`curvefit_fit_duration_seconds_count{fit_type="Straight Line"} 1`,
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("Metrics output missing %q", name)
		}
	}
}
