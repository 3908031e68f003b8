// Package metrics exposes Prometheus collectors for the resolution pipeline.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "patchwright"

// Metrics holds every collector the orchestrator reports to. Each instance
// owns its registry, so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	IssuesTotal        *prometheus.CounterVec
	AttemptsTotal      prometheus.Counter
	ValidationOutcomes *prometheus.CounterVec
	ScannerDuration    *prometheus.HistogramVec
	ScannerFailures    *prometheus.CounterVec
	LLMDuration        prometheus.Histogram
	InFlight           prometheus.Gauge
}

// New registers the pipeline collectors, plus the standard Go and process
// collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		IssuesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "issues_total",
			Help:      "Issues that reached a terminal state, by state",
		}, []string{"state"}),
		AttemptsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fix_attempts_total",
			Help:      "Fix generation attempts started",
		}),
		ValidationOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_outcomes_total",
			Help:      "Patch validation results, by outcome",
		}, []string{"outcome"}),
		ScannerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scanner_duration_seconds",
			Help:      "Wall-clock time of scanner invocations",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"tool"}),
		ScannerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scanner_failures_total",
			Help:      "Scanner invocations that failed, by tool",
		}, []string{"tool"}),
		LLMDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_generation_duration_seconds",
			Help:      "Time taken by fix generation requests",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "issues_in_flight",
			Help:      "Issues currently owned by a worker",
		}),
	}
}

func (m *Metrics) IssueFinished(state string)        { m.IssuesTotal.WithLabelValues(state).Inc() }
func (m *Metrics) AttemptStarted()                   { m.AttemptsTotal.Inc() }
func (m *Metrics) ValidationFinished(outcome string) { m.ValidationOutcomes.WithLabelValues(outcome).Inc() }
func (m *Metrics) ScannerFailed(tool string)         { m.ScannerFailures.WithLabelValues(tool).Inc() }
func (m *Metrics) ObserveLLM(d time.Duration)        { m.LLMDuration.Observe(d.Seconds()) }

func (m *Metrics) ObserveScanner(tool string, d time.Duration) {
	m.ScannerDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// TrackIssue keeps the in-flight gauge up while f runs.
func (m *Metrics) TrackIssue(f func()) {
	m.InFlight.Inc()
	defer m.InFlight.Dec()
	f()
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr until ctx is done.
func (m *Metrics) StartServer(ctx context.Context, addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		logger.Info("Metrics endpoint listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
}
