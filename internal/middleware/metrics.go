package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dskow/devtoken/internal/metrics"
)

// Metrics returns middleware that records request count, latency, and
// in-flight gauge. Paths not listed in knownPaths are labelled "other" to
// keep label cardinality bounded.
func Metrics(knownPaths ...string) func(http.Handler) http.Handler {
	known := make(map[string]bool, len(knownPaths))
	for _, p := range knownPaths {
		known[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if !known[path] {
				path = "other"
			}

			metrics.ActiveRequests.Inc()
			defer metrics.ActiveRequests.Dec()

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			metrics.RequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(rec.statusCode)).Inc()
			metrics.RequestDuration.WithLabelValues(path, r.Method).Observe(time.Since(start).Seconds())
		})
	}
}
