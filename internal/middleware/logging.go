// Package middleware provides the HTTP middleware stack for the devtoken
// issuer: request IDs, structured access logging, panic recovery, security
// headers, body limits, and request metrics.
package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// LoggingOptions controls optional body capture in access logs.
type LoggingOptions struct {
	BodyLogging     bool
	MaxBodyLogBytes int
}

// Logging returns middleware that logs each request as structured JSON with
// method, path, status, latency, client address, and request ID. With body
// logging on, JSON request and response bodies are included after sensitive
// values (tokens, secrets, passwords) are redacted.
func Logging(logger *slog.Logger, opts LoggingOptions) func(http.Handler) http.Handler {
	maxBody := opts.MaxBodyLogBytes
	if maxBody <= 0 {
		maxBody = 4096
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			var reqBody string
			if opts.BodyLogging && r.Body != nil && isTextual(r.Header.Get("Content-Type")) {
				reqBody = captureRequestBody(r, maxBody)
			}

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			var capture *bodyCapture
			if opts.BodyLogging {
				capture = &bodyCapture{ResponseWriter: w, max: maxBody}
				rec.ResponseWriter = capture
			}

			next.ServeHTTP(rec, r)

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.statusCode,
				"latency_ms", time.Since(start).Milliseconds(),
				"client_ip", r.RemoteAddr,
				"request_id", GetRequestID(r.Context()),
			}
			if reqBody != "" {
				attrs = append(attrs, "request_body", reqBody)
			}
			if capture != nil && capture.buf.Len() > 0 && isTextual(w.Header().Get("Content-Type")) {
				attrs = append(attrs, "response_body", redactSensitive(capture.buf.String()))
			}

			level := slog.LevelInfo
			if rec.statusCode >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.Log(r.Context(), level, "request", attrs...)
		})
	}
}

func isTextual(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "json") || strings.HasPrefix(ct, "text/")
}

// captureRequestBody reads up to maxBytes of r.Body for logging and
// restores the body for downstream handlers.
func captureRequestBody(r *http.Request, maxBytes int) string {
	var buf bytes.Buffer
	captured, _ := io.ReadAll(io.LimitReader(io.TeeReader(r.Body, &buf), int64(maxBytes)+1))
	r.Body = io.NopCloser(io.MultiReader(&buf, r.Body))

	s := string(captured)
	if len(captured) > maxBytes {
		s = s[:maxBytes] + "...[truncated]"
	}
	return redactSensitive(s)
}

// sensitiveFieldRe matches JSON string values of credential-bearing keys.
var sensitiveFieldRe = regexp.MustCompile(
	`(?i)("(?:password|secret|token|key|authorization)"\s*:\s*)"[^"]*"`,
)

// redactSensitive replaces sensitive JSON string values with "***".
func redactSensitive(s string) string {
	return sensitiveFieldRe.ReplaceAllString(s, `$1"***"`)
}

// bodyCapture tees up to max bytes of the response body.
type bodyCapture struct {
	http.ResponseWriter
	buf bytes.Buffer
	max int
}

func (bc *bodyCapture) Write(p []byte) (int, error) {
	if remaining := bc.max - bc.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			bc.buf.Write(p[:remaining])
		} else {
			bc.buf.Write(p)
		}
	}
	return bc.ResponseWriter.Write(p)
}
