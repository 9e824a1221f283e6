package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testPolicy(maxRetries int) Policy {
	return Policy{
		MaxRetries:     maxRetries,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), testPolicy(3), func(context.Context) error {
		attempts++
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), testPolicy(3), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return Retryable(errors.New("503 from provider"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("400 bad request")
	attempts := 0
	err := Do(context.Background(), testPolicy(3), func(context.Context) error {
		attempts++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestDoMaxRetriesExceeded(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), testPolicy(2), func(context.Context) error {
		attempts++
		return Retryable(errors.New("still failing"))
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoWithNoRetryRunsOnce(t *testing.T) {
	attempts := 0
	cause := errors.New("transient")
	err := Do(context.Background(), NoRetry(), func(context.Context) error {
		attempts++
		return Retryable(cause)
	})
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{MaxRetries: 5, InitialBackoff: time.Second, MaxBackoff: time.Second, BackoffFactor: 1}

	attempts := 0
	err := Do(ctx, policy, func(context.Context) error {
		attempts++
		cancel()
		return Retryable(errors.New("transient"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	policy := Policy{InitialBackoff: time.Second, MaxBackoff: 4 * time.Second, BackoffFactor: 2}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 4 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(policy, tt.attempt); got != tt.expected {
			t.Errorf("Backoff(attempt=%d) = %v, want %v", tt.attempt, got, tt.expected)
		}
	}
}

func TestBackoffJitterStaysWithinTenPercent(t *testing.T) {
	policy := Policy{InitialBackoff: time.Second, MaxBackoff: time.Second, BackoffFactor: 1, Jitter: true}
	for i := 0; i < 50; i++ {
		got := Backoff(policy, 0)
		if got < 900*time.Millisecond || got > 1100*time.Millisecond {
			t.Fatalf("jittered backoff %v outside +/-10%%", got)
		}
	}
}
