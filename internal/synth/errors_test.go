package synth

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorCodes(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("segment 3: %w", NewError(CodeCacheWrite, "storing synthesized audio", cause))

	if code := CodeOf(err); code != CodeCacheWrite {
		t.Errorf("Expected %s, got %q", CodeCacheWrite, code)
	}
	if !errors.Is(err, cause) {
		t.Error("Expected the cause to be reachable")
	}
	if code := CodeOf(cause); code != "" {
		t.Errorf("Expected no code, got %q", code)
	}

	retryable := map[ErrorCode]bool{
		CodeTimeout:            true,
		CodeQueueOverflow:      true,
		CodeCanceled:           true,
		CodeCacheWrite:         true,
		CodeCorruptArtifact:    true,
		CodeSynthesisFailure:   false,
		CodeBackendUnavailable: false,
	}
	for code, want := range retryable {
		if got := NewError(code, "x", nil).IsRetryable(); got != want {
			t.Errorf("%s: expected retryable=%v", code, want)
		}
	}
}

func TestParsePriority(t *testing.T) {
	for _, p := range []Priority{PriorityBackground, PriorityPrefetch, PriorityImmediate} {
		got, err := ParsePriority(p.String())
		if err != nil {
			t.Fatalf("Failed to parse %q: %v", p, err)
		}
		if got != p {
			t.Errorf("Expected %v, got %v", p, got)
		}
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Error("Expected an error for an unknown priority")
	}
	if !(PriorityImmediate > PriorityPrefetch && PriorityPrefetch > PriorityBackground) {
		t.Error("Priorities are out of order")
	}
}
