package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

// TestAppErrorImplementsError verifies that *AppError satisfies the error interface.
func TestAppErrorImplementsError(t *testing.T) {
	var _ error = (*AppError)(nil)
}

func TestAppErrorErrorFormat(t *testing.T) {
	appErr := &AppError{Code: ErrCodeSignatureInvalid, Message: "bad signature"}

	expected := "signature_invalid: bad signature"
	if appErr.Error() != expected {
		t.Errorf("Error() = %q, want %q", appErr.Error(), expected)
	}

	appErr.Err = errors.New("crypto/rsa: verification error")
	expected = "signature_invalid: bad signature: crypto/rsa: verification error"
	if appErr.Error() != expected {
		t.Errorf("Error() = %q, want %q", appErr.Error(), expected)
	}
}

func TestAppErrorUnwrap(t *testing.T) {
	underlying := errors.New("exit status 75")
	appErr := NewAppError(ErrCodeDeliveryFailed, "sendmail failed", underlying)

	if appErr.Unwrap() != underlying {
		t.Errorf("Unwrap() = %v, want %v", appErr.Unwrap(), underlying)
	}
	if NewAppError(ErrCodePayloadMalformed, "bad", nil).Unwrap() != nil {
		t.Error("Unwrap() should return nil when Err is nil")
	}
}

// TestAppErrorErrorsAs verifies that errors.As can extract AppError from an error chain.
func TestAppErrorErrorsAs(t *testing.T) {
	wrapped := fmt.Errorf("receive: %w", NewAppError(ErrCodeDuplicateExhausted, "too many attempts", nil))

	var target *AppError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As should find AppError in the chain")
	}
	if target.Code != ErrCodeDuplicateExhausted {
		t.Errorf("extracted Code = %q, want %q", target.Code, ErrCodeDuplicateExhausted)
	}
}

func TestAppErrorErrorsIs(t *testing.T) {
	sentinel := errors.New("sentinel")
	appErr := NewAppError(ErrCodeInternalUnexpected, "unexpected failure", sentinel)

	if !errors.Is(appErr, sentinel) {
		t.Error("errors.Is should find the sentinel error through Unwrap")
	}
}

func TestAppErrorWithDetails(t *testing.T) {
	original := NewAppError(ErrCodeDuplicateExhausted, "too many attempts", nil)
	original.Details = map[string]any{"message_id": "m-1"}

	updated := original.WithDetails(map[string]any{"dup_count": 4, "message_id": "m-2"})

	if updated == original {
		t.Fatal("WithDetails should return a copy")
	}
	if updated.Details["dup_count"] != 4 || updated.Details["message_id"] != "m-2" {
		t.Errorf("merged details = %v", updated.Details)
	}
	if original.Details["message_id"] != "m-1" || len(original.Details) != 1 {
		t.Errorf("original details modified: %v", original.Details)
	}
	if updated.Code != original.Code || updated.Message != original.Message {
		t.Error("WithDetails should preserve Code and Message")
	}
}

func TestErrorCodeHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeSignatureInvalid, http.StatusOK},
		{ErrCodePayloadMalformed, http.StatusOK},
		{ErrCodeUnsupportedSignatureVersion, http.StatusInternalServerError},
		{ErrCodeDuplicateExhausted, http.StatusInternalServerError},
		{ErrCodeDeliveryFailed, http.StatusInternalServerError},
		{ErrCodeDeliveryTimeout, http.StatusInternalServerError},
		{ErrCodeUpstreamCertificate, http.StatusInternalServerError},
		{ErrCodeUpstreamObjectFetch, http.StatusInternalServerError},
		{ErrCodeUpstreamQueue, http.StatusInternalServerError},
		{ErrCodeUpstreamUnavailable, http.StatusInternalServerError},
		{ErrCodeUpstreamRateLimited, http.StatusInternalServerError},
		{ErrCodeInternalUnexpected, http.StatusInternalServerError},
		{ErrorCode(""), http.StatusInternalServerError},
		{ErrorCode("something_new"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
			if got := tt.code.Acknowledged(); got != (tt.want == http.StatusOK) {
				t.Errorf("Acknowledged() = %v", got)
			}
		})
	}
}

func TestAppErrorHTTPStatus(t *testing.T) {
	if got := NewAppError(ErrCodeSignatureInvalid, "x", nil).HTTPStatus(); got != http.StatusOK {
		t.Errorf("HTTPStatus() = %d, want 200", got)
	}
	if got := NewAppError(ErrCodeDeliveryFailed, "x", nil).HTTPStatus(); got != http.StatusInternalServerError {
		t.Errorf("HTTPStatus() = %d, want 500", got)
	}
}

func TestCodeOfAndIsCode(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", NewAppError(ErrCodeDeliveryTimeout, "timed out", nil))

	if got := CodeOf(wrapped); got != ErrCodeDeliveryTimeout {
		t.Errorf("CodeOf() = %q, want %q", got, ErrCodeDeliveryTimeout)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Errorf("CodeOf(plain) = %q, want empty", got)
	}
	if CodeOf(nil) != "" {
		t.Error("CodeOf(nil) should be empty")
	}
	if !IsCode(wrapped, ErrCodeDeliveryTimeout) {
		t.Error("IsCode should match through wrapping")
	}
	if IsCode(wrapped, ErrCodeDeliveryFailed) {
		t.Error("IsCode should not match a different code")
	}
	if IsCode(nil, "") {
		t.Error("IsCode(nil) should be false")
	}
}
