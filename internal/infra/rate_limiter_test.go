package infra

import (
	"testing"
	"time"
)

func TestRateLimiter_BurstThenDeny(t *testing.T) {
	rl := NewRateLimiter(3, 1) // burst 3, 1/s refill

	for i := 0; i < 3; i++ {
		if !rl.TryAcquire() {
			t.Fatalf("burst token %d should be available", i)
		}
	}
	if rl.TryAcquire() {
		t.Error("fourth immediate acquire should fail")
	}
}

func TestRateLimiter_Refills(t *testing.T) {
	rl := NewRateLimiter(1, 50) // refills fast: 50/s

	if !rl.TryAcquire() {
		t.Fatal("first token should be available")
	}
	if rl.TryAcquire() {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(30 * time.Millisecond)

	if !rl.TryAcquire() {
		t.Error("token should have refilled")
	}
}
