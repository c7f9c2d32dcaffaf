package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorIsComparesCodes(t *testing.T) {
	sentinel := New(CodeNotFound, "agent not found")
	wrapped := fmt.Errorf("lookup: %w", Wrap(CodeNotFound, stdErrors.New("no rows"), "查询失败"))

	if !stdErrors.Is(wrapped, sentinel) {
		t.Fatalf("expected wrapped error to match sentinel by code")
	}
	if stdErrors.Is(wrapped, New(CodeConflict, "")) {
		t.Fatalf("different codes must not match")
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_PAYMENT_REQUIRED"
	Register(code, Attributes{Message: "payment required", Severity: SeverityInfo, HTTPStatus: http.StatusPaymentRequired})

	err := New(code, "")
	if err.Message() != "payment required" {
		t.Fatalf("default message not applied: %q", err.Message())
	}
	if HTTPStatusOf(err) != http.StatusPaymentRequired {
		t.Fatalf("unexpected status %d", HTTPStatusOf(err))
	}
}

func TestUnknownErrorDefaults(t *testing.T) {
	err := stdErrors.New("plain")
	if CodeOf(err) != CodeUnknown {
		t.Fatalf("expected unknown code")
	}
	if HTTPStatusOf(err) != http.StatusInternalServerError {
		t.Fatalf("expected 500 for plain errors")
	}
	if RetryableError(err) {
		t.Fatalf("plain errors are not retryable")
	}
}

func TestRetryableOverride(t *testing.T) {
	err := New(CodeStorageFailure, "", WithRetryable(false))
	if err.Retryable() {
		t.Fatalf("override should win over registered attribute")
	}
	if SeverityOf(err) != SeverityCritical {
		t.Fatalf("unexpected severity %s", SeverityOf(err))
	}
}
