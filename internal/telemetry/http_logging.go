package telemetry

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/modelshelf/internal/logctx"
)

// probePaths are polled by orchestrators and scrapers; they log at DEBUG.
var probePaths = map[string]struct{}{
	"/healthz": {},
	"/metrics": {},
}

// responseWriter records the status code and body size of a response.
type responseWriter struct {
	http.ResponseWriter

	status      int
	written     int64
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}

	rw.status = code
	rw.wroteHeader = true

	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}

	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)

	return n, err
}

// HTTPLogging logs every control API request with its outcome.
func HTTPLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		start := time.Now()
		wrapped := wrapResponseWriter(w)

		next.ServeHTTP(wrapped, r)

		logctx.LoggerFromContext(ctx).Log(ctx, requestLevel(r.URL.Path, wrapped.status), "http request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"size", humanize.IBytes(uint64(wrapped.written)),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", GetRequestID(ctx),
		)
	})
}

func requestLevel(path string, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	}

	if _, ok := probePaths[path]; ok {
		return slog.LevelDebug
	}

	return slog.LevelInfo
}
