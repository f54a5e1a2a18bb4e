package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// Logging returns middleware that emits one structured log line per HTTP
// request once the handler has returned. The line records the method, path,
// status code, duration and remote address. Responses with a 5xx status are
// logged at Warn and everything else at Info.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rw, r)

			level := slog.LevelInfo
			if rw.status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "server: http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rw.status),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// statusRecorder wraps an http.ResponseWriter and remembers the first status
// code the handler writes. It starts at 200, which is what net/http sends
// when a handler writes a body without calling WriteHeader.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

// WriteHeader records code the first time it is called and forwards it to
// the wrapped writer.
func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

// Write marks the header as sent, so a later WriteHeader call cannot change
// the recorded status, and forwards b to the wrapped writer.
func (rw *statusRecorder) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}
