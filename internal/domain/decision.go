package domain

// Decision is the conflict resolver's verdict for an incoming alert.
type Decision int

const (
	DecisionProceed Decision = iota
	DecisionReject
	DecisionUpgrade
	DecisionCloseAndOpen
)

func (d Decision) String() string {
	switch d {
	case DecisionProceed:
		return "PROCEED"
	case DecisionReject:
		return "REJECT"
	case DecisionUpgrade:
		return "UPGRADE"
	case DecisionCloseAndOpen:
		return "CLOSE_AND_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Machine-readable rejection reason codes surfaced to alert callers.
const (
	ReasonSymbolBanned      = "symbol_banned"
	ReasonSymbolLocked      = "symbol_locked"
	ReasonDuplicatePosition = "duplicate_position"
	ReasonOppositeIgnored   = "opposite_direction_ignored"
	ReasonFailedCloseOpp    = "failed_close_opposite"
	ReasonEngineDisabled    = "engine_disabled"
	ReasonValidation        = "validation_failed"
	ReasonVerifyHardFail    = "verify_hard_fail"
	ReasonOpenFailed        = "open_failed"
	ReasonConfigMissing     = "config_missing"
)

// Same-direction conflict strategies.
const (
	SameDirIgnore             = "ignore"
	SameDirTrackConfirmations = "track_confirmations"
)

// Opposite-direction conflict strategies.
const (
	OppositeMarketReversal = "market_reversal"
	OppositeDefensiveClose = "defensive_close"
)

// Emergency override rules gating defensive_close reversals on current
// unrealized profit.
const (
	OverrideNever        = "never"
	OverrideOnlyProfit   = "only_profit"
	OverrideProfitAboveX = "profit_above_x"
	OverrideAlways       = "always"
)
