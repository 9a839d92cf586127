package obs

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Исходящие запросы к Microsoft Graph и события жизненного цикла токена.
var (
	graphRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pim_graph_requests_total",
			Help: "Microsoft Graph requests by method, canonical endpoint and status.",
		},
		[]string{"method", "endpoint", "status"},
	)

	graphRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pim_graph_request_duration_seconds",
			Help:    "Microsoft Graph request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	tokenEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pim_token_events_total",
			Help: "Token lifecycle events (authenticate, refresh, clear) by outcome.",
		},
		[]string{"event", "outcome"},
	)

	policyDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pim_policy_decisions_total",
			Help: "Justification decisions by the rule source that produced them.",
		},
		[]string{"source", "required"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pim_ready",
		Help: "1 when the daemon holds a usable credential, 0 otherwise.",
	})

	initOnce sync.Once
)

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			graphRequestsTotal, graphRequestDuration,
			tokenEventsTotal, policyDecisionsTotal, readyGauge,
		)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument wraps an inbound handler with RPS/latency/in-flight metrics.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// ObserveGraphRequest records one outbound Graph call. status is the HTTP
// status code, or 0 when the request never produced a response.
func ObserveGraphRequest(method, endpoint string, status int, elapsed time.Duration) {
	path := CanonicalPath(endpoint)
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	graphRequestsTotal.WithLabelValues(method, path, label).Inc()
	graphRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// TokenEvent counts a token lifecycle event such as ("refresh", "failed").
func TokenEvent(event, outcome string) {
	tokenEventsTotal.WithLabelValues(event, outcome).Inc()
}

// PolicyDecision counts a justification decision by its source.
func PolicyDecision(source string, required bool) {
	policyDecisionsTotal.WithLabelValues(source, strconv.FormatBool(required)).Inc()
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

var guidSegment = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// CanonicalPath trims the query string and replaces identifier segments with
// ":id" so metric label cardinality stays bounded. Graph policy ids
// (DirectoryRole_<tenant>_<guid>) count as identifiers too.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if scheme := strings.Index(path, "://"); scheme >= 0 {
		rest := path[scheme+3:]
		if i := strings.Index(rest, "/"); i >= 0 {
			path = rest[i:]
		} else {
			path = "/"
		}
	}
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if guidSegment.MatchString(seg) || strings.HasPrefix(seg, "DirectoryRole_") {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}

// statusWriter: локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE handlers working behind the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
