package engine

import (
	"context"
	"testing"
	"time"

	"trade_guard/internal/infra"
	"trade_guard/internal/storage"
)

func TestGateFiresAfterQuorum(t *testing.T) {
	g := NewGate(storage.NewMemory(), 30*time.Second)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		fired, count, err := g.Confirm(ctx, "p1:pnl_emergency", 3, "{}")
		if err != nil {
			t.Fatal(err)
		}
		if fired {
			t.Fatalf("fired after %d confirmations, want 3", i)
		}
		if count != i {
			t.Fatalf("count = %d, want %d", count, i)
		}
	}

	fired, count, err := g.Confirm(ctx, "p1:pnl_emergency", 3, "{}")
	if err != nil {
		t.Fatal(err)
	}
	if !fired || count != 3 {
		t.Fatalf("fired=%v count=%d, want fired at 3", fired, count)
	}

	// State is consumed on firing: the next observation starts over.
	fired, count, err = g.Confirm(ctx, "p1:pnl_emergency", 3, "{}")
	if err != nil {
		t.Fatal(err)
	}
	if fired || count != 1 {
		t.Fatalf("after firing, fired=%v count=%d, want fresh count 1", fired, count)
	}
}

func TestGateWindowExpiryRestartsCount(t *testing.T) {
	g := NewGate(storage.NewMemory(), 30*time.Second)
	base := time.Now()
	g.now = func() time.Time { return base }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if fired, _, err := g.Confirm(ctx, "k", 3, "{}"); err != nil || fired {
			t.Fatalf("fired=%v err=%v on observation %d", fired, err, i+1)
		}
	}

	// A gap beyond the window invalidates the accumulated count.
	g.now = func() time.Time { return base.Add(31 * time.Second) }
	fired, count, err := g.Confirm(ctx, "k", 3, "{}")
	if err != nil {
		t.Fatal(err)
	}
	if fired {
		t.Fatal("stale observations must not count toward the quorum")
	}
	if count != 1 {
		t.Fatalf("count = %d, want restart at 1", count)
	}
}

// TestGateQuorumReachableAtDefaultTickSpacing drives the gate the way the
// monitor does in production: one observation per tick, spaced by the default
// monitor interval. With the shipped window and confirmation count the quorum
// must fire on the final required tick rather than restarting forever.
func TestGateQuorumReachableAtDefaultTickSpacing(t *testing.T) {
	cfg := infra.DefaultConfig()
	required := cfg.Guard.Confirmations
	interval := time.Duration(cfg.Monitor.IntervalSec) * time.Second

	g := NewGate(storage.NewMemory(), time.Duration(cfg.Guard.ConfirmationWindowSec)*time.Second)
	base := time.Now()
	ctx := context.Background()

	for i := 1; i <= required; i++ {
		tick := base.Add(time.Duration(i-1) * interval)
		g.now = func() time.Time { return tick }
		fired, count, err := g.Confirm(ctx, "p1:pnl_emergency", required, "{}")
		if err != nil {
			t.Fatal(err)
		}
		if count != i {
			t.Fatalf("tick %d: count = %d, want %d (window must span the full quorum)", i, count, i)
		}
		if fired != (i == required) {
			t.Fatalf("tick %d: fired = %v, want fire exactly at %d", i, fired, required)
		}
	}
}

func TestGateSingleConfirmationFiresImmediately(t *testing.T) {
	g := NewGate(storage.NewMemory(), 30*time.Second)
	fired, count, err := g.Confirm(context.Background(), "k", 1, "{}")
	if err != nil {
		t.Fatal(err)
	}
	if !fired || count != 1 {
		t.Fatalf("fired=%v count=%d, want immediate fire", fired, count)
	}
}

func TestGateKeysAreIndependent(t *testing.T) {
	g := NewGate(storage.NewMemory(), 30*time.Second)
	ctx := context.Background()

	g.Confirm(ctx, "p1:pnl_emergency", 3, "{}")
	g.Confirm(ctx, "p1:pnl_emergency", 3, "{}")

	fired, count, err := g.Confirm(ctx, "p2:pnl_emergency", 3, "{}")
	if err != nil {
		t.Fatal(err)
	}
	if fired || count != 1 {
		t.Fatalf("fired=%v count=%d, another key must not inherit confirmations", fired, count)
	}
}

func TestGateReset(t *testing.T) {
	g := NewGate(storage.NewMemory(), 30*time.Second)
	ctx := context.Background()

	g.Confirm(ctx, "k", 3, "{}")
	g.Confirm(ctx, "k", 3, "{}")
	if err := g.Reset(ctx, "k"); err != nil {
		t.Fatal(err)
	}

	_, count, err := g.Confirm(ctx, "k", 3, "{}")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("count = %d after reset, want 1", count)
	}
}
