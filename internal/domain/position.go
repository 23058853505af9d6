package domain

import (
	"time"

	"trade_guard/pkg/quant"
)

// Position statuses. The transition open -> partial_close -> closing ->
// closed is monotonic; closing reverts only when the close order itself
// failed and the position is still live on the exchange.
const (
	PositionOpen         = "open"
	PositionPartialClose = "partial_close"
	PositionClosing      = "closing"
	PositionClosed       = "closed"
)

// Close reasons written to archived positions and the guard action log.
const (
	CloseReasonSLHit             = "sl_hit"
	CloseReasonPnlEmergency      = "pnl_emergency"
	CloseReasonTimeExit          = "time_exit"
	CloseReasonDrawdown          = "account_drawdown"
	CloseReasonOppositeDirection = "opposite_direction"
	CloseReasonVerifyHardFail    = "verify_hard_fail"
	CloseReasonCircuitBreaker    = "circuit_breaker"
	CloseReasonTPFinal           = "tp_final"
	CloseReasonManual            = "manual"
)

// TPLevel is one take-profit target. PortionBps is the share of the original
// quantity to close when the level is hit (10000 = 100%).
type TPLevel struct {
	PriceMicros quant.PriceMicros `json:"price_micros,string"`
	PortionBps  int64             `json:"portion_bps"`
	Hit         bool              `json:"hit"`
}

// Position is the engine's belief about an open trade. The exchange may
// disagree at any moment; reconciliation is the monitor's job.
type Position struct {
	ID               string            `json:"id"`
	AlertID          string            `json:"alert_id"`
	Symbol           string            `json:"symbol"`
	Side             string            `json:"side"`
	EntryPriceMicros quant.PriceMicros `json:"entry_price_micros,string"`
	QtySats          quant.QtySats     `json:"qty_sats,string"`
	RemainingSats    quant.QtySats     `json:"remaining_sats,string"`
	Leverage         int64             `json:"leverage"`
	StopLossMicros   quant.PriceMicros `json:"stop_loss_micros,string"`
	TakeProfits      []TPLevel         `json:"take_profits"`
	Status           string            `json:"status"`
	CloseReason      string            `json:"close_reason"`
	Confirmations    int               `json:"confirmations"`
	OpenedAtUnixM    int64             `json:"opened_at_unix,string"`
	ClosedAtUnixM    int64             `json:"closed_at_unix,string"`
}

// IsLong checks if the position is Long.
func (p *Position) IsLong() bool {
	return p.Side == SideLong
}

// IsOpen reports whether the position still has exposure.
func (p *Position) IsOpen() bool {
	return p.Status == PositionOpen || p.Status == PositionPartialClose
}

// UnrealizedPnlMicros computes the mark-to-market PnL of the remaining
// quantity at the given price.
func (p *Position) UnrealizedPnlMicros(cur quant.PriceMicros) int64 {
	diff := int64(cur - p.EntryPriceMicros)
	if !p.IsLong() {
		diff = -diff
	}
	return quant.MulDiv(diff, int64(p.RemainingSats), quant.QtyScale)
}

// MarginMicros is the initial margin backing the remaining quantity.
func (p *Position) MarginMicros() int64 {
	if p.Leverage <= 0 {
		return 0
	}
	notional := quant.MulDiv(int64(p.EntryPriceMicros), int64(p.RemainingSats), quant.QtyScale)
	return notional / p.Leverage
}

// PnlBps is unrealized PnL as basis points of initial margin.
// Returns 0 when the margin is zero (nothing at risk).
func (p *Position) PnlBps(cur quant.PriceMicros) int64 {
	margin := p.MarginMicros()
	if margin == 0 {
		return 0
	}
	return quant.MulDiv(p.UnrealizedPnlMicros(cur), quant.BpsScale, margin)
}

// SLBreachBps returns how far the price has moved beyond the stop loss in the
// adverse direction, in basis points of the stop-loss price. Zero if the stop
// loss is unset or not breached.
func (p *Position) SLBreachBps(cur quant.PriceMicros) int64 {
	if p.StopLossMicros <= 0 {
		return 0
	}
	if p.IsLong() {
		if cur >= p.StopLossMicros {
			return 0
		}
	} else {
		if cur <= p.StopLossMicros {
			return 0
		}
	}
	return quant.DiffBps(int64(p.StopLossMicros), int64(cur))
}

// TPCrossed reports whether the given target price has been reached in the
// profitable direction for this position's side.
func (p *Position) TPCrossed(cur, target quant.PriceMicros) bool {
	if target <= 0 {
		return false
	}
	if p.IsLong() {
		return cur >= target
	}
	return cur <= target
}

// SLCrossed reports whether the given stop price has been reached in the
// adverse direction for this position's side.
func (p *Position) SLCrossed(cur, stop quant.PriceMicros) bool {
	if stop <= 0 {
		return false
	}
	if p.IsLong() {
		return cur <= stop
	}
	return cur >= stop
}

// Age returns how long the position has been open.
func (p *Position) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMicro(p.OpenedAtUnixM))
}

// NextUnhitTP returns the index of the first take-profit level not yet hit,
// or -1 when all levels are exhausted.
func (p *Position) NextUnhitTP() int {
	for i := range p.TakeProfits {
		if !p.TakeProfits[i].Hit {
			return i
		}
	}
	return -1
}

// ComputeStopLoss derives a stop loss from the entry price and a risk
// distance in basis points (100 = 1%). Entry 100 LONG at 100bps -> 99.
func ComputeStopLoss(side string, entry quant.PriceMicros, riskBps int64) quant.PriceMicros {
	if side == SideLong {
		return quant.PriceMicros(quant.ApplyBps(int64(entry), -riskBps))
	}
	return quant.PriceMicros(quant.ApplyBps(int64(entry), riskBps))
}

// ComputeTakeProfit derives a take-profit target from the entry price and a
// reward distance in basis points. Entry 100 LONG at 100bps -> 101.
func ComputeTakeProfit(side string, entry quant.PriceMicros, rewardBps int64) quant.PriceMicros {
	if side == SideLong {
		return quant.PriceMicros(quant.ApplyBps(int64(entry), rewardBps))
	}
	return quant.PriceMicros(quant.ApplyBps(int64(entry), -rewardBps))
}

// FallbackRealizedPnl computes (exit-entry)*qty*sign(side) for when the
// exchange does not report realized PnL for a close.
func FallbackRealizedPnl(side string, entry, exit quant.PriceMicros, qty quant.QtySats) int64 {
	diff := int64(exit - entry)
	if side == SideShort {
		diff = -diff
	}
	return quant.MulDiv(diff, int64(qty), quant.QtyScale)
}
