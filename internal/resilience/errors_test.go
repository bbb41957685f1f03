package resilience

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("invalid output"), false},
		{"transient", NewTransientError(errors.New("429"), 429), true},
		{"wrapped transient", fmt.Errorf("creative: %w", NewTransientError(errors.New("502"), 502)), true},
		{"conn reset", fmt.Errorf("post: %w", syscall.ECONNRESET), true},
		{"deadline", context.DeadlineExceeded, true},
		{"message pattern", errors.New("read tcp: i/o timeout"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected %d transient", code)
		}
	}
	for _, code := range []int{200, 400, 401, 404, 422} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected %d permanent", code)
		}
	}
}

func TestTransientErrorUnwrap(t *testing.T) {
	inner := errors.New("upstream")
	te := NewTransientError(inner, 503)
	if !errors.Is(te, inner) {
		t.Error("expected TransientError to unwrap to inner")
	}
	if te.StatusCode != 503 {
		t.Errorf("expected 503, got %d", te.StatusCode)
	}
}

func TestExhaustedError(t *testing.T) {
	inner := NewTransientError(errors.New("503"), 503)
	err := fmt.Errorf("step: %w", &ExhaustedError{Capability: "experiment", Attempts: 3, Err: inner})
	if !IsExhausted(err) {
		t.Fatal("expected exhausted")
	}
	if Classify(err) != "transient" {
		t.Errorf("expected transient, got %s", Classify(err))
	}
	if Classify(errors.New("bad schema")) != "permanent" {
		t.Error("expected permanent")
	}
}
