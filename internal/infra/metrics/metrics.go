package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"reasonchain/internal/domain"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reasonchain_build_info",
			Help: "Build information of the reasonchain gateway",
		},
		[]string{"version"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reasonchain_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reasonchain_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"method", "path"},
	)

	WorkflowsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reasonchain_inflight_workflows",
			Help: "Number of workflow runs currently executing",
		},
	)

	WorkflowRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reasonchain_workflow_runs_total",
			Help: "Total number of finalized workflow runs",
		},
		[]string{"outcome"}, // "success", "failure"
	)

	WorkflowDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reasonchain_workflow_duration_seconds",
			Help:    "Wall time of a workflow run from start to finalization",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12), // 250ms to ~512s
		},
	)

	PhaseAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reasonchain_phase_attempts_total",
			Help: "Total number of phase attempts by outcome",
		},
		[]string{"phase", "mode", "outcome"}, // outcome: "success", "failure", "canceled"
	)

	ChatCompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reasonchain_chat_completions_total",
			Help: "Total number of chat completion requests served, by composite model",
		},
		[]string{"model", "mode", "outcome"},
	)

	BackendRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reasonchain_backend_requests_total",
			Help: "Total number of backend requests by result code",
		},
		[]string{"backend", "status"},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// Prometheus records workflow activity into the package collectors.
type Prometheus struct{}

// WorkflowStarted marks a run as in flight.
func (Prometheus) WorkflowStarted() { WorkflowsInFlight.Inc() }

// WorkflowFinished records a finalized run.
func (Prometheus) WorkflowFinished(success bool, d time.Duration) {
	WorkflowsInFlight.Dec()
	WorkflowRunsTotal.WithLabelValues(outcome(success)).Inc()
	WorkflowDuration.Observe(d.Seconds())
}

// PhaseAttempt records the outcome of one phase attempt.
func (Prometheus) PhaseAttempt(phase domain.Phase, stream bool, result string) {
	mode := "batch"
	if stream {
		mode = "stream"
	}
	PhaseAttemptsTotal.WithLabelValues(string(phase), mode, result).Inc()
}

// BackendRequest records one backend call; err is classified by its code.
func BackendRequest(backend string, err error) {
	status := "ok"
	if err != nil {
		status = string(domain.ErrorCodeOf(err))
	}
	BackendRequestsTotal.WithLabelValues(backend, status).Inc()
}

// ChatCompletion records one served chat completion request.
func ChatCompletion(model string, stream, success bool) {
	mode := "batch"
	if stream {
		mode = "stream"
	}
	ChatCompletionsTotal.WithLabelValues(model, mode, outcome(success)).Inc()
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
