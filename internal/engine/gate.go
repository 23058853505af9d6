package engine

import (
	"context"
	"log/slog"
	"time"

	"trade_guard/internal/domain"
)

// Gate is the generic N-confirmations-before-acting primitive. Instantaneous
// metrics are noisy; requiring several ticks to agree within a bounded window
// avoids over-reacting to a single bad tick while still reacting within a
// bounded number of monitor cycles.
//
// State lives in the Store and is stepped atomically, so overlapping ticks
// cannot double-fire an action.
type Gate struct {
	store  domain.Store
	window time.Duration
	now    func() time.Time
}

// NewGate creates a gate with the given confirmation window.
func NewGate(store domain.Store, window time.Duration) *Gate {
	return &Gate{store: store, window: window, now: time.Now}
}

// Confirm records one positive observation for key. It returns fired=true
// once required observations have accumulated inside the window; the state is
// consumed on firing. required <= 1 fires immediately with no state kept.
// A window that elapses before the threshold restarts the count at 1.
func (g *Gate) Confirm(ctx context.Context, key string, required int, metrics string) (fired bool, count int, err error) {
	if required <= 1 {
		// No quorum for single-confirmation actions, and no stale state to
		// leak if an earlier configuration required more.
		if err := g.store.DeleteConfirmation(ctx, key); err != nil {
			slog.Warn("Failed to clear confirmation state", slog.String("key", key), slog.Any("error", err))
		}
		return true, 1, nil
	}

	count, err = g.store.StepConfirmation(ctx, key, g.window, metrics, g.now())
	if err != nil {
		return false, 0, err
	}

	if count >= required {
		if err := g.store.DeleteConfirmation(ctx, key); err != nil {
			slog.Warn("Failed to consume confirmation state", slog.String("key", key), slog.Any("error", err))
		}
		return true, count, nil
	}
	return false, count, nil
}

// Reset discards any pending confirmation state for key.
func (g *Gate) Reset(ctx context.Context, key string) error {
	return g.store.DeleteConfirmation(ctx, key)
}
