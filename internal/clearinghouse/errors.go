// Package clearinghouse implements the integration engine for the external
// practice-management API: token management, rate limiting, and the request
// pipeline that all outbound calls flow through.
package clearinghouse

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error codes surfaced by the engine.
const (
	CodeAuthFailed            = "AUTH_001"
	CodeTokenExpired          = "AUTH_002"
	CodeInvalidCredentials    = "AUTH_003"
	CodeRateLimitExceeded     = "RATE_001"
	CodeQuotaExceeded         = "RATE_002"
	CodeInvalidParameter      = "REQ_001"
	CodeMissingParameter      = "REQ_002"
	CodeInvalidValue          = "REQ_003"
	CodeNetworkError          = "NET_001"
	CodeTimeout               = "NET_002"
	CodePayerNotFound         = "BIZ_001"
	CodePatientNotCovered     = "BIZ_002"
	CodeClaimValidationFailed = "BIZ_003"
)

// APIError is the structured error raised by the request pipeline.
type APIError struct {
	Code    string
	Message string
	Details map[string]interface{}
	// Retryable marks errors the pipeline may retry
	Retryable bool
	// RetryAfter is set for rate-limit rejections
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("%s: %s (retryable)", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsAPIError extracts an APIError from an error chain if present.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return nil
}

// IsRetryable reports whether the pipeline may retry after this error.
func IsRetryable(err error) bool {
	if apiErr := AsAPIError(err); apiErr != nil {
		return apiErr.Retryable
	}
	return false
}

// transientIndicators are substrings that mark a relay failure as retryable.
var transientIndicators = []string{
	"timeout",
	"timed out",
	"network",
	"connection",
	"rate limit",
	"too many requests",
	"temporarily unavailable",
}

// classifyRelayError wraps a relay failure as a NETWORK_ERROR, marking it
// retryable when the message indicates a timeout, network fault, or
// server-side throttling.
func classifyRelayError(err error) *APIError {
	msg := err.Error()
	lower := strings.ToLower(msg)

	code := CodeNetworkError
	retryable := false
	for _, ind := range transientIndicators {
		if strings.Contains(lower, ind) {
			retryable = true
			break
		}
	}
	if strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out") {
		code = CodeTimeout
	}

	return &APIError{
		Code:      code,
		Message:   msg,
		Retryable: retryable,
	}
}
