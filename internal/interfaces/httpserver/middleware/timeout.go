package middleware

import (
	"net/http"
	"time"
)

// TimeoutMiddleware bounds each request. The handler's context carries the
// deadline, so provider calls made on its behalf are cancelled with it.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.TimeoutHandler(next, timeout, `{"error":"request timeout"}`)
	}
}
