package offcourse

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetryConfig(maxAttempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:       maxAttempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func transientErr() error {
	return &BackendError{Message: "connection refused"}
}

func rejectedErr() error {
	return &BackendError{StatusCode: 422, Message: "validation failed"}
}

func TestRetryerSucceedsAfterTransientFailures(t *testing.T) {
	r := NewRetryer(fastRetryConfig(5))

	attempts := 0
	result := r.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return transientErr()
		}
		return nil
	})

	if result.LastErr != nil {
		t.Fatalf("expected success, got %v", result.LastErr)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
}

func TestRetryerStopsOnRejection(t *testing.T) {
	r := NewRetryer(fastRetryConfig(5))

	attempts := 0
	result := r.Do(context.Background(), func() error {
		attempts++
		return rejectedErr()
	})

	if attempts != 1 {
		t.Errorf("rejections must not be retried, got %d attempts", attempts)
	}
	if !errors.Is(result.LastErr, ErrBackendRejected) {
		t.Errorf("expected ErrBackendRejected, got %v", result.LastErr)
	}
}

func TestRetryerExhaustsAttempts(t *testing.T) {
	r := NewRetryer(fastRetryConfig(3))

	attempts := 0
	result := r.Do(context.Background(), func() error {
		attempts++
		return transientErr()
	})

	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if !errors.Is(result.LastErr, ErrNetworkUnavailable) {
		t.Errorf("expected transient error surfaced, got %v", result.LastErr)
	}
}

func TestRetryerRespectsContextCancellation(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:    10,
		InitialBackoff: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	result := r.Do(ctx, func() error { return transientErr() })
	if !errors.Is(result.LastErr, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", result.LastErr)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", transientErr(), true},
		{"server error", &BackendError{StatusCode: 503}, true},
		{"rejection", rejectedErr(), false},
		{"context canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"unrelated", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Errorf("%s: IsRetryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestCircuitBreakerOpensOnTransientFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Hour)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return transientErr() })
	}
	if cb.State() != "open" {
		t.Fatalf("expected open after 3 failures, got %s", cb.State())
	}

	err := cb.Execute(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreakerIgnoresRejections(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Hour)

	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return rejectedErr() })
	}
	if cb.State() != "closed" {
		t.Errorf("rejections must not trip the breaker, got %s", cb.State())
	}
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)

	_ = cb.Execute(func() error { return transientErr() })
	if cb.State() != "open" {
		t.Fatalf("expected open, got %s", cb.State())
	}

	time.Sleep(15 * time.Millisecond)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected half-open probe allowed, got %v", err)
	}
	if cb.State() != "closed" {
		t.Errorf("expected closed after successful probe, got %s", cb.State())
	}
}
