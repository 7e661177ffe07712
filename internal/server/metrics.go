package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// fitMetrics holds the Prometheus metrics of one JobManager. Each manager has
// its own registry so several servers can live in one process.
type fitMetrics struct {
	registry *prometheus.Registry

	jobs          *prometheus.CounterVec
	running       prometheus.Gauge
	minimizations prometheus.Counter
	duration      *prometheus.HistogramVec
	iterations    prometheus.Histogram
}

func newFitMetrics() *fitMetrics {
	m := &fitMetrics{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "curvefit_jobs_total",
				Help: "Finished fit jobs by outcome (completed, cached, failed, cancelled)",
			},
			[]string{"outcome"},
		),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "curvefit_jobs_running",
			Help: "Fit jobs currently running",
		}),
		minimizations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "curvefit_minimizations_total",
			Help: "Single simplex minimizations finished",
		}),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "curvefit_fit_duration_seconds",
				Help:    "Duration of completed fits",
				Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
			},
			[]string{"fit_type"},
		),
		iterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "curvefit_fit_iterations",
			Help:    "Simplex iterations of completed fits",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
	}
	m.registry.MustRegister(m.jobs, m.running, m.minimizations, m.duration, m.iterations)
	return m
}

func (m *fitMetrics) jobFinished(outcome string) {
	m.jobs.WithLabelValues(outcome).Inc()
}

func (m *fitMetrics) observeFit(fitType string, elapsed time.Duration, iterations int) {
	m.duration.WithLabelValues(fitType).Observe(elapsed.Seconds())
	m.iterations.Observe(float64(iterations))
}

// handler serves the registry in the Prometheus text format.
func (m *fitMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
