package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/example/sinpe-node/internal/security"
)

const auditKindHTTP = "http.request"

// requestRecord is what the logger and the audit journal learn about a
// finished request. Paths are reported as route patterns so account
// numbers and phone numbers stay out of both.
type requestRecord struct {
	route    string
	status   int
	bytes    int
	duration time.Duration
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func observe(next http.Handler, w http.ResponseWriter, r *http.Request) requestRecord {
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	next.ServeHTTP(sw, r)
	return requestRecord{
		route:    routePattern(r),
		status:   sw.status,
		bytes:    sw.bytes,
		duration: time.Since(start),
	}
}

// routePattern is only complete once the router has matched, so call it
// after the handler returns.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func RequestLogger(l *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := observe(next, w, r)

			level := slog.LevelInfo
			switch {
			case rec.status >= http.StatusInternalServerError:
				level = slog.LevelError
			case rec.status >= http.StatusBadRequest:
				level = slog.LevelWarn
			}
			l.LogAttrs(r.Context(), level, "http_request",
				slog.String("cid", security.CorrelationIDFromContext(r.Context())),
				slog.String("method", r.Method),
				slog.String("route", rec.route),
				slog.Int("status", rec.status),
				slog.Int("bytes", rec.bytes),
				slog.Int64("duration_ms", rec.duration.Milliseconds()),
			)
		})
	}
}

// AuditMiddleware journals one entry per request under its correlation id.
func AuditMiddleware(a Auditor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := observe(next, w, r)

			entry := map[string]any{
				"method":      r.Method,
				"route":       rec.route,
				"status":      rec.status,
				"duration_ms": rec.duration.Milliseconds(),
			}
			if key := security.RateLimitKey(r); key != "" {
				entry["caller"] = key
			}
			_, _ = a.Record(auditKindHTTP, security.CorrelationIDFromContext(r.Context()), entry)
		})
	}
}
