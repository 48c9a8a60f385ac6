package observability

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pitabwire/traveler/internal/dispatch"
	"github.com/pitabwire/traveler/internal/transfer"
)

var (
	httpDurationBuckets     = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	transferDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets         = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds the service's Prometheus instruments.
type Metrics struct {
	// HTTP
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Stage engine
	TransfersTotal           *prometheus.CounterVec
	TransferDuration         *prometheus.HistogramVec
	ReadinessRejectionsTotal *prometheus.CounterVec
	StaleTransfersTotal      *prometheus.CounterVec
	WorkOrdersCreatedTotal   *prometheus.CounterVec
	StagesLoaded             prometheus.Gauge

	// Dispatch
	DispatchRecordsTotal *prometheus.CounterVec
	DispatchBreakerState prometheus.Gauge

	// Idempotency
	IdempotencyReplaysTotal   prometheus.Counter
	IdempotencyConflictsTotal prometheus.Counter
}

// InitMetrics creates and registers all instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "traveler_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "traveler_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "traveler_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "traveler_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		TransfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "traveler_transfers_total",
			Help: "Stage transfer attempts by origin stage and outcome.",
		}, []string{"from_stage", "outcome"}),
		TransferDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "traveler_transfer_duration_seconds",
			Help:    "Stage transfer duration in seconds.",
			Buckets: transferDurationBuckets,
		}, []string{"from_stage"}),
		ReadinessRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "traveler_readiness_rejections_total",
			Help: "Transfers rejected per unmet readiness flag.",
		}, []string{"stage", "flag"}),
		StaleTransfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "traveler_stale_transfers_total",
			Help: "Transfers rejected because the work order had already moved.",
		}, []string{"stage"}),
		WorkOrdersCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "traveler_work_orders_created_total",
			Help: "Work orders created by initial stage.",
		}, []string{"stage"}),
		StagesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "traveler_stages_loaded",
			Help: "Number of stages in the loaded stage table.",
		}),

		DispatchRecordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "traveler_dispatch_records_total",
			Help: "Dispatch record creations by dispatch stage and result.",
		}, []string{"stage", "result"}),
		DispatchBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "traveler_dispatch_breaker_state",
			Help: "Dispatch store circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),

		IdempotencyReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "traveler_idempotency_replays_total",
			Help: "Responses replayed for a repeated idempotency key.",
		}),
		IdempotencyConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "traveler_idempotency_conflicts_total",
			Help: "Idempotency keys reused with a different request.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.TransfersTotal,
		m.TransferDuration,
		m.ReadinessRejectionsTotal,
		m.StaleTransfersTotal,
		m.WorkOrdersCreatedTotal,
		m.StagesLoaded,
		m.DispatchRecordsTotal,
		m.DispatchBreakerState,
		m.IdempotencyReplaysTotal,
		m.IdempotencyConflictsTotal,
	)
	return m
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// OnTransfer implements transfer.Observer.
func (m *Metrics) OnTransfer(_ context.Context, evt transfer.Event) {
	m.TransfersTotal.WithLabelValues(evt.FromStage, evt.Outcome).Inc()
	m.TransferDuration.WithLabelValues(evt.FromStage).Observe(evt.Duration.Seconds())

	switch evt.Outcome {
	case transfer.OutcomeNotReady:
		for _, flag := range evt.Failing {
			m.ReadinessRejectionsTotal.WithLabelValues(evt.FromStage, flag).Inc()
		}
	case transfer.OutcomeStale:
		m.StaleTransfersTotal.WithLabelValues(evt.FromStage).Inc()
	case transfer.OutcomeDispatchFailed:
		m.DispatchRecordsTotal.WithLabelValues(evt.ToStage, "failed").Inc()
	}
	if evt.Dispatched {
		m.DispatchRecordsTotal.WithLabelValues(evt.ToStage, "created").Inc()
	}
}

// RecordWorkOrderCreated counts an intake.
func (m *Metrics) RecordWorkOrderCreated(stage string) {
	m.WorkOrdersCreatedTotal.WithLabelValues(stage).Inc()
}

// SetStagesLoaded sets the size of the loaded stage table.
func (m *Metrics) SetStagesLoaded(n int) {
	m.StagesLoaded.Set(float64(n))
}

// SetBreakerState records a dispatch breaker state change. It has the
// signature expected by dispatch.WithStateListener.
func (m *Metrics) SetBreakerState(s dispatch.BreakerState) {
	var v float64
	switch s {
	case dispatch.BreakerHalfOpen:
		v = 1
	case dispatch.BreakerOpen:
		v = 2
	}
	m.DispatchBreakerState.Set(v)
}

// RecordIdempotencyReplay counts a replayed response.
func (m *Metrics) RecordIdempotencyReplay() {
	m.IdempotencyReplaysTotal.Inc()
}

// RecordIdempotencyConflict counts a key reused with another request.
func (m *Metrics) RecordIdempotencyConflict() {
	m.IdempotencyConflictsTotal.Inc()
}

// MetricsMiddleware records request metrics labelled with chi's route
// pattern rather than the raw path, keeping work-order ids out of labels.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus scrape handler for reg.
func Handler(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.TrimSuffix(strings.Join(rctx.RoutePatterns, ""), "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return strings.ReplaceAll(pattern, "/*/", "/")
}

type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
