// Package apierror defines the gateway error taxonomy and the OpenAI-style
// error envelope returned to clients. Upstream provider errors are sanitized
// before they become user-visible.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a gateway failure. Every kind maps to exactly one HTTP
// status code via Status.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindUnauthorized     Kind = "unauthorized"
	KindBudgetExceeded   Kind = "budget_exceeded"
	KindForbidden        Kind = "forbidden"
	KindNotFound         Kind = "not_found"
	KindContextTooLarge  Kind = "context_too_large"
	KindRateLimited      Kind = "rate_limited"
	KindInternal         Kind = "internal"
	KindUpstream         Kind = "upstream"
	KindNoEndpoint       Kind = "no_endpoint"
	KindOverloaded       Kind = "overloaded"
	KindAdmissionTimeout Kind = "admission_timeout"
	KindUpstreamTimeout  Kind = "upstream_timeout"
	KindCancelled        Kind = "cancelled"
)

// Error is a classified gateway error. Message is safe to show to clients;
// wrapped errors are for logs only.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error

	// RetryAfter, when > 0, is surfaced as a Retry-After header (seconds).
	RetryAfter int
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error with Code defaulting to the kind name.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Code: string(kind), Message: message}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap attaches an internal cause to a client-safe message.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Code: string(kind), Message: message, Err: err}
}

// Upstream builds an error for a non-2xx upstream response. The code carries
// the upstream status ("upstream_503") and the body snippet is sanitized.
func Upstream(status int, body string) *Error {
	return &Error{
		Kind:    KindUpstream,
		Code:    fmt.Sprintf("upstream_%d", status),
		Message: Sanitize(fmt.Sprintf("upstream returned %d: %s", status, body)),
	}
}

// Status maps a kind to its HTTP status code.
func Status(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindBudgetExceeded:
		return http.StatusPaymentRequired
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindContextTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstream:
		return http.StatusBadGateway
	case KindNoEndpoint, KindOverloaded:
		return http.StatusServiceUnavailable
	case KindAdmissionTimeout, KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindCancelled:
		// Client went away; status is never seen but 499 keeps logs honest.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// errorType is the OpenAI envelope "type" field for a kind.
func errorType(kind Kind) string {
	switch kind {
	case KindUnauthorized, KindForbidden:
		return "authentication_error"
	case KindRateLimited:
		return "rate_limit_error"
	case KindValidation, KindContextTooLarge, KindNotFound:
		return "invalid_request_error"
	case KindBudgetExceeded:
		return "insufficient_quota"
	default:
		return "api_error"
	}
}

type envelope struct {
	Error envelopeBody `json:"error"`
}

type envelopeBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

// From normalizes any error into an *Error. Unclassified errors become
// internal with a generic message; the cause stays wrapped for logging.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Wrap(KindInternal, "internal server error", err)
}

// Write renders err as the OpenAI-style JSON envelope with the mapped status.
func Write(w http.ResponseWriter, requestID string, err error) {
	ae := From(err)
	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set("X-Request-Id", requestID)
	}
	if ae.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", ae.RetryAfter))
	}
	w.WriteHeader(Status(ae.Kind))
	_ = json.NewEncoder(w).Encode(envelope{Error: envelopeBody{
		Code:      ae.Code,
		Message:   ae.Message,
		Type:      errorType(ae.Kind),
		RequestID: requestID,
	}})
}

// Retriable reports whether a dispatch attempt that failed with err may be
// retried on another endpoint: connection failures, upstream 5xx, and
// timeouts before the first byte. Anything already streamed to the client is
// the caller's problem.
func Retriable(err error) bool {
	ae := From(err)
	switch ae.Kind {
	case KindUpstreamTimeout, KindNoEndpoint:
		return true
	case KindUpstream:
		// upstream_5xx retries, upstream_4xx does not.
		var status int
		if _, err := fmt.Sscanf(ae.Code, "upstream_%d", &status); err == nil {
			return status >= 500
		}
		return true
	default:
		return false
	}
}
