// Package middleware provides the HTTP middleware chain shared by the match
// and analytics services: request IDs, Prometheus metrics, and timeouts.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/awarddata/linkage-platform/pkg/metrics"
)

// Metrics records request count, latency, and an in-flight gauge per
// method/route/status.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			m.HTTPRequestsInFlight.Inc()
			defer m.HTTPRequestsInFlight.Dec()

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			route := normalizeRoute(r.URL.Path)
			m.HTTPRequestsTotal.WithLabelValues(
				r.Method,
				route,
				strconv.Itoa(sw.status),
			).Inc()
			m.HTTPRequestDuration.WithLabelValues(
				r.Method,
				route,
			).Observe(time.Since(start).Seconds())
		})
	}
}

// statusWriter captures the response status code for labelling.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.wroteHeader = true
	}
	return sw.ResponseWriter.Write(b)
}

// normalizeRoute collapses unknown paths into "other" so a scanner probing
// random URLs cannot blow up the route label cardinality. The API surface is
// fixed, so an allowlist is enough.
func normalizeRoute(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/match"),
		strings.HasPrefix(path, "/v1/reference"),
		strings.HasPrefix(path, "/v1/cache"),
		strings.HasPrefix(path, "/v1/stats"),
		strings.HasPrefix(path, "/v1/cycles"),
		strings.HasPrefix(path, "/health"):
		return path
	default:
		return "other"
	}
}
