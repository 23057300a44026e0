package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing relay errors.
type ErrorCode string

// Complete error code constants.
// All components MUST use these constants instead of hardcoded strings.
const (
	// Notification authenticity. Acknowledged to the channel, never delivered.
	ErrCodeSignatureInvalid ErrorCode = "signature_invalid"

	// A signature version we do not know how to canonicalize. Deliberately
	// outside the signature_ prefix so it is not acknowledged like a forgery.
	ErrCodeUnsupportedSignatureVersion ErrorCode = "protocol_unsupported_signature_version"

	// Bad JSON or missing required keys. Acknowledged, counted, never retried.
	ErrCodePayloadMalformed ErrorCode = "payload_malformed"

	// Delivery
	ErrCodeDuplicateExhausted ErrorCode = "delivery_duplicate_exhausted"
	ErrCodeDeliveryFailed     ErrorCode = "delivery_failed"
	ErrCodeDeliveryTimeout    ErrorCode = "delivery_timeout"

	// Upstream
	ErrCodeUpstreamCertificate ErrorCode = "upstream_certificate_fetch"
	ErrCodeUpstreamObjectFetch ErrorCode = "upstream_object_fetch"
	ErrCodeUpstreamQueue       ErrorCode = "upstream_queue_unavailable"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"

	// Internal
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// HTTPStatus maps an ErrorCode to the status returned to the notification
// channel. Authenticity and payload faults are acknowledged with 200 so the
// channel does not redeliver something that can never succeed; everything
// else is a 500.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "signature_"):
		return http.StatusOK
	case strings.HasPrefix(s, "payload_"):
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// Acknowledged reports whether errors with this code are handled at the
// boundary and acknowledged rather than surfaced as a failure.
func (c ErrorCode) Acknowledged() bool {
	return c.HTTPStatus() == http.StatusOK
}

// AppError is the standard error type used throughout the relay.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// CodeOf returns the code of the first AppError in err's chain, or "" if
// there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsCode reports whether err's chain contains an AppError with the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}
