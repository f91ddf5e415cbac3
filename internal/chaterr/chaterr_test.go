package chaterr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, 0},
		{"plain error is transient", errors.New("boom"), Transient},
		{"auth", New(Auth, "send", errors.New("401")), Auth},
		{"wrapped rejected", fmt.Errorf("deliver: %w", New(Rejected, "send", nil)), Rejected},
		{"canceled", context.Canceled, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorsIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", Newf(Auth, "ack_read", "status %d", 401))
	if !errors.Is(err, ErrAuth) {
		t.Error("errors.Is(err, ErrAuth) = false, want true")
	}
	if errors.Is(err, ErrTransient) {
		t.Error("errors.Is(err, ErrTransient) = true, want false")
	}
}

func TestUnwrapReachesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := New(Transient, "send", cause)
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
	if got := err.Error(); got != "send: transient: connection reset" {
		t.Errorf("Error() = %q", got)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(errors.New("timeout")) {
		t.Error("plain error should be retryable")
	}
	if IsRetryable(New(Rejected, "send", nil)) {
		t.Error("rejection should not be retryable")
	}
}
