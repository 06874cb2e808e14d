package middleware

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// NewRequestLogger logs every finished request. Health checks are logged at
// debug level so polling does not flood the logs.
func NewRequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				ctx   = r.Context()
				start = time.Now()
				args  = make([]any, 0, 8)
			)
			args = append(args,
				slog.String("method", r.Method),
				slog.String("uri", r.RequestURI),
				slog.String("host", r.Host),
				slog.String("remote", r.RemoteAddr),
			)
			logger.DebugContext(ctx, "starting request", append(args, headerGroup(r.Header))...)
			sw := NewStatusWriter(w)
			next.ServeHTTP(sw, r)
			if pattern := routePattern(r); len(pattern) > 0 {
				args = append(args, slog.String("pattern", pattern))
			}
			args = append(args,
				slog.Int("status", sw.Status),
				slog.Duration("duration", time.Since(start)),
			)
			logfn := logger.InfoContext
			if r.URL.Path == "/_health" {
				logfn = logger.DebugContext
			}
			logfn(ctx, "finished request", args...)
		})
	}
}

func NewStatusWriter(w http.ResponseWriter) *StatusWriter {
	return &StatusWriter{w: w, Status: http.StatusOK}
}

type StatusWriter struct {
	w      http.ResponseWriter
	Status int
	Bytes  int
}

func (sw *StatusWriter) WriteHeader(status int) {
	sw.Status = status
	sw.w.WriteHeader(status)
}

func (sw *StatusWriter) Header() http.Header { return sw.w.Header() }

func (sw *StatusWriter) Write(b []byte) (int, error) {
	n, err := sw.w.Write(b)
	sw.Bytes += n
	return n, err
}

func (sw *StatusWriter) Unwrap() http.ResponseWriter { return sw.w }

// Hijack is needed for websocket upgrades.
func (sw *StatusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(sw.w).Hijack()
}

func (sw *StatusWriter) Flush() { _ = http.NewResponseController(sw.w).Flush() }

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); len(p) > 0 {
			return p
		}
	}
	return r.Pattern
}

func headerGroup(header http.Header) slog.Attr {
	args := make([]any, 0, len(header))
	for k, v := range header {
		switch strings.ToLower(k) {
		case "authorization", "cookie":
			continue
		}
		args = append(args, slog.String(k, strings.Join(v, ",")))
	}
	return slog.Group("headers", args...)
}
