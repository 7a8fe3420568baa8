package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"validation", Validation("total mismatch"), "validation_error"},
		{"state", State("job locked"), "state_error"},
		{"conflict", Conflict("head moved"), "conflict"},
		{"stale", Stale("superseded"), "conflict"},
		{"not found", NotFound("proposal", "prop_1"), "not_found"},
		{"forbidden", Forbidden("freelancer cannot approve"), "forbidden"},
		{"wrapped", fmt.Errorf("negotiation: accept: %w", State("expired")), "state_error"},
		{"plain", errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Code(tt.err); got != tt.want {
				t.Errorf("Code(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(Conflict("version moved")) {
		t.Error("Conflict should be retryable")
	}
	if IsRetryable(Stale("superseded")) {
		t.Error("Stale should not be retryable")
	}
	if !IsRetryable(fmt.Errorf("wrap: %w", Conflict("x"))) {
		t.Error("wrapped Conflict should be retryable")
	}
	if IsRetryable(State("x")) {
		t.Error("StateError should not be retryable")
	}
}

func TestErrorMessages(t *testing.T) {
	if got := State("job locked").Error(); got != "state: job locked" {
		t.Errorf("State message = %q", got)
	}
	if got := NotFound("milestone", "ms_1").Error(); got != "not found: milestone ms_1" {
		t.Errorf("NotFound message = %q", got)
	}
}
