package middleware

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/xarb/internal/domain"
)

// Logging returns middleware that logs every HTTP request with its status,
// latency and, for failures, the envelope error code. 4xx responses log at
// warn, 5xx at error. WebSocket sessions are logged once they end.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Bool("success", rec.status < http.StatusBadRequest),
				slog.Int64("latency_ms", time.Since(start).Milliseconds()),
				slog.String("remote_addr", ClientIP(r)),
			}
			if r.URL.RawQuery != "" {
				attrs = append(attrs, slog.String("query", r.URL.RawQuery))
			}
			if code := rec.Header().Get(domain.ErrorCodeHeader); code != "" {
				attrs = append(attrs, slog.String("error_code", code))
			}

			msg, level := "http request", slog.LevelInfo
			switch {
			case rec.hijacked:
				msg = "ws session closed"
			case rec.status >= http.StatusInternalServerError:
				level = slog.LevelError
			case rec.status >= http.StatusBadRequest:
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, msg, attrs...)
		})
	}
}

// statusRecorder captures the status code of the first WriteHeader.
type statusRecorder struct {
	http.ResponseWriter
	status   int
	written  bool
	hijacked bool
}

func (rec *statusRecorder) WriteHeader(code int) {
	if !rec.written {
		rec.status = code
		rec.written = true
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	rec.written = true
	return rec.ResponseWriter.Write(b)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("middleware: response writer does not support hijacking")
	}
	rec.hijacked = true
	rec.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
