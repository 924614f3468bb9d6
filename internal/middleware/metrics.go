// Package middleware provides HTTP middleware for metrics collection.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/promptforge/promptforge/internal/metrics"
)

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		endpoint := normalizeEndpoint(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)

		metrics.RecordHTTPRequest(r.Method, endpoint, status, duration)
	})
}

// normalizeEndpoint collapses task IDs so the endpoint label stays bounded.
func normalizeEndpoint(path string) string {
	if !strings.HasPrefix(path, "/api/tasks/") {
		return path
	}

	rest := strings.TrimPrefix(path, "/api/tasks/")
	switch {
	case strings.HasSuffix(rest, "/iterations"):
		return "/api/tasks/:id/iterations"
	case strings.HasSuffix(rest, "/cancel"):
		return "/api/tasks/:id/cancel"
	default:
		return "/api/tasks/:id"
	}
}
