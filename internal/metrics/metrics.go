// Package metrics exposes request and job instrumentation for Prometheus.
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns a private registry so tests can create as many as they like.
type Recorder struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	testsTotal      *prometheus.CounterVec
	jobsActive      prometheus.Gauge
	jobsFinished    *prometheus.CounterVec
	resultsTotal    *prometheus.CounterVec
}

// New creates a Recorder with all collectors registered.
func New() (*Recorder, error) {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apicli_requests_total",
			Help: "HTTP requests executed, by method and outcome",
		},
		[]string{"method", "outcome"},
	)
	r.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apicli_request_duration_seconds",
			Help:    "Request round-trip time in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"outcome"},
	)
	r.testsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apicli_tests_total",
			Help: "Test script outcomes",
		},
		[]string{"result"},
	)
	r.jobsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "apicli_jobs_active",
		Help: "Jobs currently running",
	})
	r.jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apicli_jobs_finished_total",
			Help: "Jobs that reached a terminal status",
		},
		[]string{"status"},
	)
	r.resultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apicli_scan_results_total",
			Help: "Scan results persisted, by verdict",
		},
		[]string{"verdict"},
	)

	collectors := []prometheus.Collector{
		r.requestsTotal,
		r.requestDuration,
		r.testsTotal,
		r.jobsActive,
		r.jobsFinished,
		r.resultsTotal,
	}
	for _, c := range collectors {
		if err := r.registry.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return r, nil
}

// ObserveRequest records one executed call. status 0 means a transport failure.
func (r *Recorder) ObserveRequest(method string, status int, elapsed time.Duration) {
	if r == nil {
		return
	}
	outcome := Outcome(status)
	r.requestsTotal.WithLabelValues(method, outcome).Inc()
	r.requestDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveTest records a single test outcome.
func (r *Recorder) ObserveTest(passed bool) {
	if r == nil {
		return
	}
	if passed {
		r.testsTotal.WithLabelValues("passed").Inc()
	} else {
		r.testsTotal.WithLabelValues("failed").Inc()
	}
}

// ObserveResult records one persisted scan result.
func (r *Recorder) ObserveResult(passed bool) {
	if r == nil {
		return
	}
	if passed {
		r.resultsTotal.WithLabelValues("pass").Inc()
	} else {
		r.resultsTotal.WithLabelValues("fail").Inc()
	}
}

// JobStarted bumps the active-job gauge.
func (r *Recorder) JobStarted() {
	if r == nil {
		return
	}
	r.jobsActive.Inc()
}

// JobFinished drops the active-job gauge and counts the terminal status.
func (r *Recorder) JobFinished(status string) {
	if r == nil {
		return
	}
	r.jobsActive.Dec()
	r.jobsFinished.WithLabelValues(status).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve exposes /metrics on addr until ctx is done.
func (r *Recorder) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Outcome buckets an HTTP status into a low-cardinality label.
func Outcome(status int) string {
	switch {
	case status == 0:
		return "error"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
