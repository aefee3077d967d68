package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "creatorbot"

// Metrics owns a private registry so tests can build as many instances as they like.
// All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	jobsSubmitted   *prometheus.CounterVec
	jobsFinished    *prometheus.CounterVec
	pollAttempts    *prometheus.CounterVec
	creditDecisions *prometheus.CounterVec
	notifyFailures  *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted by the provider.",
		}, []string{"kind"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal status.",
		}, []string{"kind", "status"}),
		pollAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_attempts_total",
			Help:      "Provider poll attempts.",
		}, []string{"kind"}),
		creditDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_decisions_total",
			Help:      "Outcomes of the billable action gate.",
		}, []string{"result"}),
		notifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_failures_total",
			Help:      "Messenger deliveries that failed after all attempts.",
		}, []string{"stage"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from provider acceptance to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~8.5m
		}, []string{"kind"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		m.jobsSubmitted,
		m.jobsFinished,
		m.pollAttempts,
		m.creditDecisions,
		m.notifyFailures,
		m.jobDuration,
		m.httpRequests,
		m.httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) JobSubmitted(kind string) {
	if m == nil {
		return
	}
	m.jobsSubmitted.WithLabelValues(kind).Inc()
}

func (m *Metrics) JobFinished(kind, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(kind, status).Inc()
	m.jobDuration.WithLabelValues(kind).Observe(took.Seconds())
}

func (m *Metrics) PollAttempt(kind string) {
	if m == nil {
		return
	}
	m.pollAttempts.WithLabelValues(kind).Inc()
}

func (m *Metrics) CreditDecision(result string) {
	if m == nil {
		return
	}
	m.creditDecisions.WithLabelValues(result).Inc()
}

func (m *Metrics) NotifyFailure(stage string) {
	if m == nil {
		return
	}
	m.notifyFailures.WithLabelValues(stage).Inc()
}

// Middleware records request counts by chi route pattern, never by raw path.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		method := strings.ToUpper(r.Method)
		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}
