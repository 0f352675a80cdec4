package nodesync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryer_SucceedsFirstAttempt(t *testing.T) {
	r := NewRetryer(RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond})

	result := r.Do(context.Background(), func() error { return nil })
	if result.Attempts != 1 || result.LastErr != nil {
		t.Errorf("result = %+v", result)
	}
}

func TestRetryer_RetriesUntilSuccess(t *testing.T) {
	r := NewRetryer(RetryConfig{MaxAttempts: 5, InitialBackoff: time.Millisecond})

	calls := 0
	result := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if result.Attempts != 3 || result.LastErr != nil {
		t.Errorf("result = %+v, calls = %d", result, calls)
	}
}

func TestRetryer_ExhaustsAttempts(t *testing.T) {
	r := NewRetryer(RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond})

	wantErr := errors.New("down")
	result := r.Do(context.Background(), func() error { return wantErr })
	if result.Attempts != 3 || !errors.Is(result.LastErr, wantErr) {
		t.Errorf("result = %+v", result)
	}
}

func TestRetryer_RetryIfStopsEarly(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
		RetryIf:        func(err error) bool { return false },
	})

	result := r.Do(context.Background(), func() error { return errors.New("permanent") })
	if result.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 for non-retryable error", result.Attempts)
	}
}

func TestRetryer_ContextCancellation(t *testing.T) {
	r := NewRetryer(RetryConfig{MaxAttempts: 10, InitialBackoff: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	result := r.Do(ctx, func() error { return errors.New("down") })
	if !errors.Is(result.LastErr, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", result.LastErr)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("connection refused"), true},
		{errors.New("read tcp: connection reset by peer"), true},
		{errors.New("request timeout"), true},
		{errors.New("503 Service Unavailable"), true},
		{errors.New("invalid payload"), false},
		{context.Canceled, false},
		{context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
