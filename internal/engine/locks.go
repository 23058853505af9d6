package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"trade_guard/internal/domain"
)

// SymbolLocker serializes the opening phase per symbol+side so two
// near-simultaneous alerts cannot open duplicate positions on the same
// instrument. Unrelated symbols are never blocked.
type SymbolLocker struct {
	store      domain.Store
	staleAfter time.Duration
}

// NewSymbolLocker creates a locker. Leases older than staleAfter are assumed
// to be crashes mid-open and are reclaimable.
func NewSymbolLocker(store domain.Store, staleAfter time.Duration) *SymbolLocker {
	return &SymbolLocker{store: store, staleAfter: staleAfter}
}

// Acquire claims the opening lease for symbol+side. Returns
// domain.ErrLockBusy while another opening is in flight.
func (l *SymbolLocker) Acquire(ctx context.Context, symbol, side string) (string, error) {
	token := uuid.NewString()
	if err := l.store.AcquireSymbolLock(ctx, symbol, side, token, l.staleAfter); err != nil {
		return "", err
	}
	return token, nil
}

// Release ends the lease with the given outcome. Release failures are logged,
// not propagated: the stale-lease timeout covers them.
func (l *SymbolLocker) Release(ctx context.Context, token, outcome string) {
	if err := l.store.ReleaseSymbolLock(ctx, token, outcome); err != nil {
		slog.Error("Failed to release symbol lock",
			slog.String("token", token),
			slog.String("outcome", outcome),
			slog.Any("error", err))
	}
}
