package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// Timeout bounds each request with a context deadline. Match requests are
// CPU-bound and fast; anything hitting the deadline is stuck on a dependency,
// so answer 504 rather than hold the connection.
func Timeout(limit time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), limit)
			defer cancel()

			done := make(chan struct{})
			gw := &guardedWriter{ResponseWriter: w}
			go func() {
				defer close(done)
				next.ServeHTTP(gw, r.WithContext(ctx))
			}()

			select {
			case <-done:
			case <-ctx.Done():
				if gw.started.Load() {
					return
				}
				slog.Warn("request deadline exceeded",
					"method", r.Method,
					"path", r.URL.Path,
					"limit", limit,
				)
				http.Error(w, `{"error":"request timeout"}`, http.StatusGatewayTimeout)
			}
		})
	}
}

// guardedWriter remembers whether the handler began a response, so the
// timeout path never writes a second status line.
type guardedWriter struct {
	http.ResponseWriter
	started atomic.Bool
}

func (gw *guardedWriter) WriteHeader(code int) {
	gw.started.Store(true)
	gw.ResponseWriter.WriteHeader(code)
}

func (gw *guardedWriter) Write(b []byte) (int, error) {
	gw.started.Store(true)
	return gw.ResponseWriter.Write(b)
}
