package domain

import "time"

// Symbol lock lease outcomes.
const (
	LockOutcomeOpened    = "opened"
	LockOutcomeFailed    = "failed"
	LockOutcomeAbandoned = "abandoned"
)

// SymbolLockLease serializes the opening phase per symbol+side. The lease
// spans only the opening transaction; a lease that outlives its stale timeout
// is treated as a crash mid-open and reclaimed by the next attempt.
type SymbolLockLease struct {
	Symbol          string `json:"symbol"`
	Side            string `json:"side"`
	Token           string `json:"token"`
	AcquiredAtUnixM int64  `json:"acquired_at_unix,string"`
	Outcome         string `json:"outcome"` // empty while held
}

// Ban reasons.
const (
	BanReasonCapitulation = "capitulation"
	BanReasonVerifyFail   = "verify_hard_fail"
)

// SymbolBan blocks new opens on a symbol. Expires by time; a zero expiry
// means manual-clear only (verification hard failures).
type SymbolBan struct {
	Symbol         string `json:"symbol"`
	Reason         string `json:"reason"`
	BannedAtUnixM  int64  `json:"banned_at_unix,string"`
	ExpiresAtUnixM int64  `json:"expires_at_unix,string"`
}

// Active reports whether the ban still applies at the given time.
func (b *SymbolBan) Active(now time.Time) bool {
	if b == nil {
		return false
	}
	if b.ExpiresAtUnixM == 0 {
		return true // manual clear only
	}
	return now.UnixMicro() < b.ExpiresAtUnixM
}

// BreakerLock is the process-wide circuit breaker trip flag. While engaged the
// engine performs no new opens and raises no duplicate alerts. Cleared only by
// explicit operator action, never by time.
type BreakerLock struct {
	Engaged        bool   `json:"engaged"`
	Reason         string `json:"reason"`
	TrippedAtUnixM int64  `json:"tripped_at_unix,string"`
}

// Guard action kinds recorded in the audit log.
const (
	ActionSLBreach       = "sl_breach_close"
	ActionPnlEmergency   = "pnl_emergency_close"
	ActionTimeExit       = "time_exit_close"
	ActionDrawdownClose  = "drawdown_close_all"
	ActionCapitulation   = "capitulation_ban"
	ActionVerifyHardFail = "verify_hard_fail"
	ActionVerifySoftFail = "verify_soft_fail"
	ActionVerifyPass     = "verify_pass"
	ActionBreakerTrip    = "breaker_trip"
	ActionReversal       = "reversal_close"
	ActionTPHit          = "tp_hit"
	ActionBackfill       = "protective_backfill"
	ActionLockReclaimed  = "stale_lock_reclaimed"
)

// GuardAction is one append-only audit record: the decision taken and the
// metrics that justified it. Never mutated; this is the primary forensic tool
// after an incident.
type GuardAction struct {
	ID         int64  `json:"id"`
	PositionID string `json:"position_id"`
	Symbol     string `json:"symbol"`
	Kind       string `json:"kind"`
	Reason     string `json:"reason"`
	Metrics    string `json:"metrics"` // JSON blob of observations
	AtUnixM    int64  `json:"at_unix,string"`
}

// ConfirmationState is the ephemeral quorum counter keyed by
// positionID+actionKind. Reset when the window elapses, consumed when the
// threshold fires.
type ConfirmationState struct {
	Key          string `json:"key"`
	Count        int    `json:"count"`
	FirstAtUnixM int64  `json:"first_at_unix,string"`
	LastMetrics  string `json:"last_metrics"`
}
