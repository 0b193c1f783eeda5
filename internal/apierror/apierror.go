// Package apierror provides the JSON error body used by every devtoken HTTP
// response. WriteJSON produces consistent, machine-readable errors with
// stable codes.
package apierror

import (
	"encoding/json"
	"net/http"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Error codes form a public contract; clients can program against them.
// Do not rename or remove existing codes.
const (
	InvalidClaims     ErrorCode = "DEVTOKEN_INVALID_CLAIMS"
	SigningFailed     ErrorCode = "DEVTOKEN_SIGNING_FAILED"
	MethodNotAllowed  ErrorCode = "DEVTOKEN_METHOD_NOT_ALLOWED"
	Forbidden         ErrorCode = "DEVTOKEN_FORBIDDEN"
	RateLimitExceeded ErrorCode = "DEVTOKEN_RATE_LIMIT_EXCEEDED"
	BodyTooLarge      ErrorCode = "DEVTOKEN_BODY_TOO_LARGE"
	InternalError     ErrorCode = "DEVTOKEN_INTERNAL_ERROR"
)

// ErrorResponse is the standardized error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Pre-serialized bodies for the rejections that can arrive in bursts.
// These do NOT include request_id since it varies per request.
var (
	preRateLimitExceeded = mustMarshal(http.StatusTooManyRequests, RateLimitExceeded, "rate limit exceeded, retry later")
	preBodyTooLarge      = mustMarshal(http.StatusRequestEntityTooLarge, BodyTooLarge, "request body exceeds maximum allowed size")
)

func mustMarshal(status int, code ErrorCode, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response. When the request carries
// an X-Request-ID header it is echoed in the body. r may be nil.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	if requestID == "" {
		if body := preSerialized(status, code, message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(ErrorResponse{ //nolint:errcheck
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}

func preSerialized(status int, code ErrorCode, message string) []byte {
	switch {
	case code == RateLimitExceeded && status == http.StatusTooManyRequests && message == "rate limit exceeded, retry later":
		return preRateLimitExceeded
	case code == BodyTooLarge && status == http.StatusRequestEntityTooLarge && message == "request body exceeds maximum allowed size":
		return preBodyTooLarge
	}
	return nil
}
