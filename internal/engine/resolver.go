package engine

import (
	"time"

	"trade_guard/internal/domain"
	"trade_guard/pkg/quant"
)

// ResolverConfig selects the strategies for same-symbol conflicts.
type ResolverConfig struct {
	SameDirection     string // ignore | track_confirmations
	OppositeDirection string // market_reversal | defensive_close
	EmergencyOverride string // never | only_profit | profit_above_x | always
	OverrideProfitBps int64
}

// Resolution is the resolver's verdict plus the position it applies to.
type Resolution struct {
	Decision  domain.Decision
	Reason    string           // machine-readable reject reason
	ToClose   *domain.Position // set for CLOSE_AND_OPEN
	ToUpgrade *domain.Position // set for UPGRADE
}

// Resolve is the conflict decision table. It is a pure function of its
// inputs: identical inputs always yield identical decisions, which is what
// makes every combination unit-testable.
//
// curPrice is only consulted by profit-gated overrides; callers may pass 0
// when no position exists.
func Resolve(alert *domain.Alert, open []*domain.Position, ban *domain.SymbolBan, curPrice quant.PriceMicros, cfg ResolverConfig, now time.Time) Resolution {
	if ban.Active(now) {
		return Resolution{Decision: domain.DecisionReject, Reason: domain.ReasonSymbolBanned}
	}

	var same, opposite *domain.Position
	for _, p := range open {
		if p.Symbol != alert.Symbol || !p.IsOpen() {
			continue
		}
		if p.Side == alert.Side {
			if same == nil {
				same = p
			}
		} else if opposite == nil {
			opposite = p
		}
	}

	// Opposite direction is the riskier conflict; it wins when both exist.
	if opposite != nil {
		switch cfg.OppositeDirection {
		case domain.OppositeMarketReversal:
			return Resolution{Decision: domain.DecisionCloseAndOpen, ToClose: opposite}
		case domain.OppositeDefensiveClose:
			if overrideAllows(cfg, opposite, curPrice) {
				return Resolution{Decision: domain.DecisionCloseAndOpen, ToClose: opposite}
			}
			return Resolution{Decision: domain.DecisionReject, Reason: domain.ReasonOppositeIgnored}
		default:
			return Resolution{Decision: domain.DecisionReject, Reason: domain.ReasonOppositeIgnored}
		}
	}

	if same != nil {
		switch cfg.SameDirection {
		case domain.SameDirTrackConfirmations:
			return Resolution{Decision: domain.DecisionUpgrade, ToUpgrade: same}
		default: // ignore
			return Resolution{Decision: domain.DecisionReject, Reason: domain.ReasonDuplicatePosition}
		}
	}

	return Resolution{Decision: domain.DecisionProceed}
}

// overrideAllows evaluates the emergency-override rule that can turn a
// defensive close into a full reversal, gated on current unrealized profit.
func overrideAllows(cfg ResolverConfig, p *domain.Position, curPrice quant.PriceMicros) bool {
	switch cfg.EmergencyOverride {
	case domain.OverrideAlways:
		return true
	case domain.OverrideOnlyProfit:
		return curPrice > 0 && p.PnlBps(curPrice) > 0
	case domain.OverrideProfitAboveX:
		return curPrice > 0 && p.PnlBps(curPrice) >= cfg.OverrideProfitBps
	default: // never
		return false
	}
}
