package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nkiryanov/machinepay/internal/metrics"
)

// Requests that matched no route share one label value
const unmatchedRoute = "unmatched"

// Metrics counts requests and observes latency per route pattern.
// It has to wrap the mux itself: the mux stores the matched pattern into the request it was given.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := newStatusRecorder(w)
			next.ServeHTTP(rw, r)

			route := r.Pattern
			if route == "" {
				route = unmatchedRoute
			}

			m.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
			m.HTTPLatency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}
