package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/janhq/companion-memory/internal/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// MetricsMiddleware records request counts and latency per path. Unknown
// paths share one label so scanners cannot inflate cardinality.
func MetricsMiddleware(knownPaths map[string]bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			endpoint := r.URL.Path
			if !knownPaths[endpoint] {
				endpoint = "other"
			}
			metrics.RecordRequest(r.Method, endpoint, strconv.Itoa(rec.status), time.Since(start).Seconds())
		})
	}
}
