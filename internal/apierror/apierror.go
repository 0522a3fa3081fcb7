// Package apierror provides a centralized error response format for the ops
// gateway. All handlers use WriteJSON to produce consistent, machine-readable
// error responses with stable error codes.
package apierror

import (
	"encoding/json"
	"net/http"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Gateway error codes. These form a public API contract — clients can program
// against these stable codes. Do not rename or remove existing codes.
const (
	AuthMissingKey    ErrorCode = "OPS_AUTH_MISSING_KEY"
	AuthInvalidKey    ErrorCode = "OPS_AUTH_INVALID_KEY"
	AuthNotConfigured ErrorCode = "OPS_AUTH_NOT_CONFIGURED"
	ServiceNotFound   ErrorCode = "OPS_SERVICE_NOT_FOUND"
	ValidationFailed  ErrorCode = "OPS_VALIDATION_FAILED"
	UpstreamError     ErrorCode = "OPS_UPSTREAM_ERROR"
	RateLimitExceeded ErrorCode = "OPS_RATE_LIMIT_EXCEEDED"
	MethodNotAllowed  ErrorCode = "OPS_METHOD_NOT_ALLOWED"
	BodyTooLarge      ErrorCode = "OPS_BODY_TOO_LARGE"
	DeadlineExceeded  ErrorCode = "OPS_DEADLINE_EXCEEDED"
	InternalError     ErrorCode = "OPS_INTERNAL_ERROR"
)

// ErrorResponse is the standardized gateway error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Pre-serialized JSON bodies for the most common error responses.
// Avoids json.Encoder allocation on every error in the hot path.
// These do NOT include request_id since it varies per request.
var (
	preAuthMissingKey    = mustMarshal(http.StatusUnauthorized, AuthMissingKey, "API key required")
	preAuthInvalidKey    = mustMarshal(http.StatusUnauthorized, AuthInvalidKey, "invalid API key")
	preRateLimitExceeded = mustMarshal(http.StatusTooManyRequests, RateLimitExceeded, "rate limit exceeded, retry later")
)

func mustMarshal(status int, code ErrorCode, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response. For common error
// code+message combinations, pre-serialized bodies are used (no allocation).
// When request_id is available (from X-Request-ID header), it is included in
// the response. The request parameter may be nil for contexts where the
// request is not available.
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

	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}

// preSerialized returns a pre-built response body for common error
// combinations, or nil if no match.
func preSerialized(status int, code ErrorCode, message string) []byte {
	switch {
	case code == AuthMissingKey && status == http.StatusUnauthorized && message == "API key required":
		return preAuthMissingKey
	case code == AuthInvalidKey && status == http.StatusUnauthorized && message == "invalid API key":
		return preAuthInvalidKey
	case code == RateLimitExceeded && status == http.StatusTooManyRequests && message == "rate limit exceeded, retry later":
		return preRateLimitExceeded
	}
	return nil
}
