// Package middleware provides HTTP middleware for metrics collection.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/draftforge/genqueue/internal/metrics"
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

// normalizeEndpoint collapses IDs and provider names so metric cardinality
// stays bounded.
func normalizeEndpoint(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/jobs/") && !strings.Contains(path[10:], "/"):
		return "/api/jobs/:id"
	case strings.HasPrefix(path, "/api/providers/"):
		rest := strings.TrimPrefix(path, "/api/providers/")
		parts := strings.Split(rest, "/")
		if len(parts) >= 2 && parts[1] == "healthcheck" {
			return "/api/providers/:name/healthcheck"
		}
		if len(parts) >= 2 && parts[1] == "stats" {
			return "/api/providers/:name/stats"
		}
		return "/api/providers/:name"
	default:
		return path
	}
}
