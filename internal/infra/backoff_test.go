package infra

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		name  string
		retry int
		want  time.Duration
	}{
		{"Negative", -1, 1 * time.Second},
		{"Zero", 0, 1 * time.Second},
		{"One", 1, 2 * time.Second},
		{"Five", 5, 32 * time.Second},
		{"Capped", 6, 60 * time.Second},
		{"Huge", 63, 60 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CalculateBackoff(tt.retry); got != tt.want {
				t.Errorf("CalculateBackoff(%d) = %v, want %v", tt.retry, got, tt.want)
			}
		})
	}
}

func TestRetry_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, nil, func() error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Errorf("Retry = %v after %d calls, want nil after 1", err, calls)
	}
}

func TestRetry_StopsOnPermanent(t *testing.T) {
	permanent := errors.New("blocked")
	calls := 0
	err := Retry(context.Background(), 5, func(err error) bool { return errors.Is(err, permanent) }, func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Errorf("Retry error = %v, want permanent", err)
	}
	if calls != 1 {
		t.Errorf("permanent error retried %d times, want 1 call", calls)
	}
}

func TestRetry_HonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, 3, nil, func() error { return errors.New("transient") })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retry with canceled context = %v, want context.Canceled", err)
	}
}
