package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics.
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
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orgpass_ready",
		Help: "1 when the service passed its last readiness check.",
	})
)

// Domain metrics.
var (
	credentialsIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orgpass_credentials_issued_total",
		Help: "Credentials issued, single or batch.",
	})

	credentialRedemptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orgpass_credential_redemptions_total",
			Help: "Credential redemption attempts by result.",
		},
		[]string{"result"},
	)

	fieldDecodeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orgpass_fieldcodec_decode_failures_total",
			Help: "Sensitive field values that could not be decoded.",
		},
		[]string{"reason"},
	)
)

var initOnce sync.Once

// Init registers all collectors with the default registry. Safe to call
// more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
			credentialsIssued, credentialRedemptions, fieldDecodeFailures,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordIssued counts n newly issued credentials.
func RecordIssued(n int) {
	if n > 0 {
		credentialsIssued.Add(float64(n))
	}
}

// RecordRedemption counts one redemption attempt.
func RecordRedemption(result string) {
	credentialRedemptions.WithLabelValues(result).Inc()
}

// RecordDecodeFailure counts one unreadable field value.
func RecordDecodeFailure(reason string) {
	fieldDecodeFailures.WithLabelValues(reason).Inc()
}

// SetReady records the outcome of a readiness check.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument measures request count, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// idCollections are path segments followed by a resource identifier.
var idCollections = map[string]bool{
	"credentials":   true,
	"organizations": true,
	"identities":    true,
}

// fixedSegments are never identifiers even after an id collection.
var fixedSegments = map[string]bool{
	"batch":  true,
	"stats":  true,
	"check":  true,
	"redeem": true,
}

// CanonicalPath replaces identifiers in path with ":id" so metric label
// cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for i := 1; i < len(segs); i++ {
		if idCollections[segs[i-1]] && !fixedSegments[segs[i]] && segs[i] != "" {
			segs[i] = ":id"
		}
	}
	return "/" + strings.Join(segs, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
