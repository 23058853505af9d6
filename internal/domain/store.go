package domain

import (
	"context"
	"errors"
	"time"
)

// ErrLockBusy is returned by AcquireSymbolLock while an unexpired lease is
// held for the same symbol+side.
var ErrLockBusy = errors.New("symbol lock busy")

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence collaborator. Implementations must provide
// read-your-writes consistency within a single process, and the confirmation
// and breaker operations must be atomic so overlapping monitor ticks cannot
// double-fire an action or double-trip the breaker.
type Store interface {
	// Alerts.
	SaveAlert(ctx context.Context, a *Alert) error
	SetAlertStatus(ctx context.Context, id, status, reason string) error
	GetAlert(ctx context.Context, id string) (*Alert, error)

	// Positions. symbol == "" matches all symbols.
	SavePosition(ctx context.Context, p *Position) error
	UpdatePosition(ctx context.Context, p *Position) error
	GetPosition(ctx context.Context, id string) (*Position, error)
	OpenPositions(ctx context.Context, symbol string) ([]*Position, error)

	// Closed-position history. Exit price and realized PnL are recorded for
	// post-incident reasoning together with the close reason.
	ArchivePosition(ctx context.Context, p *Position, exitPriceMicros, realizedPnlMicros int64) error

	// Close-side claims. Both are atomic compare-and-set operations so that
	// overlapping monitor ticks acting on stale copies of the same position
	// reach the exchange exactly once. ClaimTakeProfit marks level idx hit
	// if it was not; ClaimClose moves an open or partially closed position
	// to the closing status. Both return false when another caller already
	// holds the claim or the position is gone.
	ClaimTakeProfit(ctx context.Context, id string, idx int) (bool, error)
	ClaimClose(ctx context.Context, id string) (bool, error)

	// Symbol locks. Acquire atomically claims the lease, reclaiming leases
	// older than staleAfter; every reclaim leaves a guard action recording
	// the displaced token with outcome "failed".
	AcquireSymbolLock(ctx context.Context, symbol, side, token string, staleAfter time.Duration) error
	ReleaseSymbolLock(ctx context.Context, token, outcome string) error
	ClearSymbolLocks(ctx context.Context) (int, error)

	// Symbol bans.
	SaveBan(ctx context.Context, b *SymbolBan) error
	ActiveBan(ctx context.Context, symbol string, now time.Time) (*SymbolBan, error)
	ClearBans(ctx context.Context, symbol string) error

	// Capitulation counters.
	BumpCapitulation(ctx context.Context, symbol string) (int, error)
	ResetCapitulation(ctx context.Context, symbol string) error

	// Confirmation state. StepConfirmation atomically starts the window at
	// count 1, increments within the window, or restarts after expiry, and
	// returns the resulting count.
	StepConfirmation(ctx context.Context, key string, window time.Duration, metrics string, now time.Time) (int, error)
	DeleteConfirmation(ctx context.Context, key string) error

	// Breaker lock. EngageBreaker is compare-and-set: it returns false when
	// the flag was already engaged.
	EngageBreaker(ctx context.Context, reason string, now time.Time) (bool, error)
	BreakerLock(ctx context.Context) (*BreakerLock, error)
	ClearBreaker(ctx context.Context) error

	// Audit log, append-only.
	AppendGuardAction(ctx context.Context, a *GuardAction) error
	RecentGuardActions(ctx context.Context, limit int) ([]*GuardAction, error)

	Close() error
}
