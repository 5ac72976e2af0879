package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestConductorErrorFormat(t *testing.T) {
	tests := []struct {
		name     string
		err      *ConductorError
		wantErr  string
		wantUser string
	}{
		{
			name:     "what only",
			err:      &ConductorError{What: "something broke"},
			wantErr:  "something broke",
			wantUser: "Error: something broke",
		},
		{
			name:     "what and why",
			err:      &ConductorError{What: "something broke", Why: "bad input"},
			wantErr:  "something broke: bad input",
			wantUser: "Error: something broke\n\nWhy: bad input",
		},
		{
			name: "full error",
			err: &ConductorError{
				What: "something broke",
				Why:  "bad input",
				Fix:  "try again",
			},
			wantErr:  "something broke: bad input",
			wantUser: "Error: something broke\n\nWhy: bad input\n\nFix: try again",
		},
		{
			name: "with cause",
			err: &ConductorError{
				What:  "something broke",
				Cause: errors.New("underlying error"),
			},
			wantErr:  "something broke: underlying error",
			wantUser: "Error: something broke",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantErr {
				t.Errorf("Error() = %q, want %q", got, tt.wantErr)
			}
			if got := tt.err.UserMessage(); got != tt.wantUser {
				t.Errorf("UserMessage() = %q, want %q", got, tt.wantUser)
			}
		})
	}
}

func TestConductorErrorJSON(t *testing.T) {
	err := &ConductorError{
		Code:  CodeRunNotFound,
		What:  "run run_abc not found",
		Why:   "No accessible run with this ID exists",
		Cause: errors.New("sql: no rows in result set"),
	}

	data, marshalErr := json.Marshal(err)
	if marshalErr != nil {
		t.Fatalf("MarshalJSON failed: %v", marshalErr)
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if result["code"] != string(CodeRunNotFound) {
		t.Errorf("code = %v, want %v", result["code"], CodeRunNotFound)
	}
	if result["what"] != "run run_abc not found" {
		t.Errorf("what = %v, want %v", result["what"], "run run_abc not found")
	}
	if result["cause"] != "sql: no rows in result set" {
		t.Errorf("cause = %v, want %v", result["cause"], "sql: no rows in result set")
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		err  *ConductorError
		want int
	}{
		{ErrValidation("action", "unknown kind"), 400},
		{ErrRunNotFound("run_x"), 404},
		{ErrProjectNotFound("proj_x"), 404},
		{ErrInvalidTransition("run_x", "pending", "completed"), 409},
		{ErrAlreadyTerminal("run_x", "cancelled"), 409},
		{ErrGateNotPassed("plan_approval"), 409},
		{ErrNotAuthenticated(), 401},
		{ErrSignatureInvalid(), 401},
		{ErrStoreNotReady(), 503},
		{Wrap(errors.New("boom"), "unexpected"), 500},
	}

	for _, tt := range tests {
		if got := tt.err.HTTPStatus(); got != tt.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tt.err.Code, got, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(nil) {
		t.Error("nil error should not be retryable")
	}
	if !Retryable(errors.New("dial tcp: connection refused")) {
		t.Error("plain errors default to retryable")
	}
	if !Retryable(ErrForgeTransient("create_pr", errors.New("503"))) {
		t.Error("forge transient should be retryable")
	}
	if Retryable(ErrForgePermanent("create_pr", 422, errors.New("validation failed"))) {
		t.Error("forge permanent should not be retryable")
	}
	wrapped := fmt.Errorf("execute write: %w", ErrForgePermanent("post_comment", 404, nil))
	if Retryable(wrapped) {
		t.Error("wrapped permanent error should not be retryable")
	}
}

func TestErrorIs(t *testing.T) {
	err := ErrRunNotFound("run_1")
	wrapped := fmt.Errorf("dispatch action: %w", err)

	if !errors.Is(wrapped, &ConductorError{Code: CodeRunNotFound}) {
		t.Error("errors.Is should match by code through wrapping")
	}
	if errors.Is(wrapped, &ConductorError{Code: CodeAlreadyTerminal}) {
		t.Error("errors.Is should not match a different code")
	}
}

func TestAsConductorError(t *testing.T) {
	plain := errors.New("plain")
	if AsConductorError(plain) != nil {
		t.Error("plain error should not convert")
	}

	ce := ErrGateNotPassed("plan_approval")
	wrapped := fmt.Errorf("approve: %w", ce)
	got := AsConductorError(wrapped)
	if got == nil || got.Code != CodeGateNotPassed {
		t.Errorf("AsConductorError(wrapped) = %v, want code %s", got, CodeGateNotPassed)
	}
}

func TestWithCause(t *testing.T) {
	base := ErrEnqueueFailed("runs")
	cause := errors.New("redis: connection pool timeout")
	withCause := base.WithCause(cause)

	if withCause.Cause != cause {
		t.Error("WithCause should attach the cause")
	}
	if base.Cause != nil {
		t.Error("WithCause must not mutate the original")
	}
	if !errors.Is(withCause, &ConductorError{Code: CodeEnqueueFailed}) {
		t.Error("code should be preserved")
	}
}
