package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/snarg/scribe-engine/internal/stream"
)

const namespace = "scribe_engine"

// HTTP metrics (incremented by middleware).
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed.",
	}, []string{"method", "path_pattern", "status_code"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path_pattern"})
)

// Task pipeline counters (incremented through Observer).
var (
	TasksCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_created_total",
		Help:      "Total transcription tasks created.",
	})

	TasksFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_finished_total",
		Help:      "Transcription tasks that reached a terminal status.",
	}, []string{"status"})

	SegmentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segments_total",
		Help:      "Transcribed segments by quality gate outcome.",
	}, []string{"outcome"})

	InferenceErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inference_errors_total",
		Help:      "Blocks whose inference call failed.",
	})

	InferenceDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "inference_duration_seconds",
		Help:      "Time spent transcribing one block.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms → ~25s
	})

	EventsDeliveredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_delivered_total",
		Help:      "Events delivered to subscribers.",
	}, []string{"event"})

	DeliveryFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivery_failures_total",
		Help:      "Failed deliveries; each one prunes a subscriber.",
	}, []string{"event"})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TasksCreatedTotal,
		TasksFinishedTotal,
		SegmentsTotal,
		InferenceErrorsTotal,
		InferenceDuration,
		EventsDeliveredTotal,
		DeliveryFailuresTotal,
	)
}

// Observer feeds task pipeline signals into the package counters.
type Observer struct{}

func (Observer) TaskCreated() { TasksCreatedTotal.Inc() }

func (Observer) TaskFinished(status stream.Status) {
	TasksFinishedTotal.WithLabelValues(string(status)).Inc()
}

func (Observer) InferenceDone(elapsed time.Duration, err error) {
	InferenceDuration.Observe(elapsed.Seconds())
	if err != nil {
		InferenceErrorsTotal.Inc()
	}
}

func (Observer) SegmentsGated(accepted, rejected int) {
	SegmentsTotal.WithLabelValues("accepted").Add(float64(accepted))
	SegmentsTotal.WithLabelValues("rejected").Add(float64(rejected))
}

func (Observer) Delivered(event stream.EventType, ok bool) {
	if ok {
		EventsDeliveredTotal.WithLabelValues(string(event)).Inc()
		return
	}
	DeliveryFailuresTotal.WithLabelValues(string(event)).Inc()
}

// InstrumentHandler returns middleware that records HTTP request metrics.
// It uses chi's route pattern as the path label to avoid cardinality explosion.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)

		pattern := "unknown"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			pattern = rc.RoutePattern()
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(sw.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Flush keeps SSE responses streaming through the wrapper.
func (w *statusWriter) Flush() {
	http.NewResponseController(w.ResponseWriter).Flush()
}

// Hijack lets the WebSocket upgrade take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(w.ResponseWriter).Hijack()
}
