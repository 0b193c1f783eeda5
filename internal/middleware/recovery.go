package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/dskow/devtoken/internal/apierror"
	"github.com/dskow/devtoken/internal/metrics"
)

// Recovery turns a handler panic into a 500 DEVTOKEN_INTERNAL_ERROR and an
// error log with the stack and request ID. Request headers stay out of the
// log since Authorization may carry a token. http.ErrAbortHandler is
// re-raised so net/http still aborts the connection.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tw := &startTracker{ResponseWriter: w}
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				metrics.PanicsRecovered.Inc()
				// Recovery sits outside RequestID, so the ID is only on the
				// shared header map, not on this request's context.
				requestID := GetRequestID(r.Context())
				if requestID == "" {
					requestID = r.Header.Get("X-Request-ID")
				}
				logger.Error("handler panic",
					"panic", fmt.Sprint(v),
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", requestID,
					"response_started", tw.started,
					"stack", string(debug.Stack()),
				)
				// A partly written response cannot be turned into an error body.
				if tw.started {
					return
				}
				apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.InternalError, "an unexpected error occurred")
			}()
			next.ServeHTTP(tw, r)
		})
	}
}

// startTracker records whether the response status line has been sent.
type startTracker struct {
	http.ResponseWriter
	started bool
}

func (t *startTracker) WriteHeader(code int) {
	t.started = true
	t.ResponseWriter.WriteHeader(code)
}

func (t *startTracker) Write(b []byte) (int, error) {
	t.started = true
	return t.ResponseWriter.Write(b)
}

func (t *startTracker) Unwrap() http.ResponseWriter { return t.ResponseWriter }
