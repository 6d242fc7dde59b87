// Package apierror provides a centralized error response format for the
// admin API. All handlers use WriteJSON to produce consistent,
// machine-readable error responses with stable error codes.
package apierror

import (
	"encoding/json"
	"net/http"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Admin API error codes. These form a public contract for operator
// tooling — do not rename or remove existing codes.
const (
	NotFound              ErrorCode = "HEALTHD_NOT_FOUND"
	MethodNotAllowed      ErrorCode = "HEALTHD_METHOD_NOT_ALLOWED"
	Forbidden             ErrorCode = "HEALTHD_FORBIDDEN"
	UnknownEndpoint       ErrorCode = "HEALTHD_UNKNOWN_ENDPOINT"
	InvalidAction         ErrorCode = "HEALTHD_INVALID_ACTION"
	MalformedRequest      ErrorCode = "HEALTHD_MALFORMED_REQUEST"
	AuthMissingToken      ErrorCode = "HEALTHD_AUTH_MISSING_TOKEN"
	AuthInvalidToken      ErrorCode = "HEALTHD_AUTH_INVALID_TOKEN"
	AuthInsufficientScope ErrorCode = "HEALTHD_AUTH_INSUFFICIENT_SCOPE"
	RateLimitExceeded     ErrorCode = "HEALTHD_RATE_LIMIT_EXCEEDED"
	BodyTooLarge          ErrorCode = "HEALTHD_BODY_TOO_LARGE"
	InternalError         ErrorCode = "HEALTHD_INTERNAL_ERROR"
)

// ErrorResponse is the standardized admin API error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Pre-serialized JSON bodies for the most common error responses, so the
// frequent rejections never allocate an encoder. These do NOT include
// request_id since it varies per request.
var (
	preForbidden         = mustMarshal(http.StatusForbidden, Forbidden, "client address not in allowlist")
	preRateLimitExceeded = mustMarshal(http.StatusTooManyRequests, RateLimitExceeded, "rate limit exceeded, retry later")
	preAuthMissingToken  = mustMarshal(http.StatusUnauthorized, AuthMissingToken, "missing or malformed Authorization header")
)

func mustMarshal(status int, code ErrorCode, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response. For common
// code+message combinations a pre-serialized body is used. When a
// request ID is available (X-Request-ID header) it is included. The
// request parameter may be nil.
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

// preSerialized returns a pre-built response body for common error
// combinations, or nil if no match.
func preSerialized(status int, code ErrorCode, message string) []byte {
	switch {
	case code == Forbidden && status == http.StatusForbidden && message == "client address not in allowlist":
		return preForbidden
	case code == RateLimitExceeded && status == http.StatusTooManyRequests && message == "rate limit exceeded, retry later":
		return preRateLimitExceeded
	case code == AuthMissingToken && status == http.StatusUnauthorized && message == "missing or malformed Authorization header":
		return preAuthMissingToken
	}
	return nil
}
