package domain

import (
	"fmt"
	"time"

	"trade_guard/pkg/quant"
)

// Side of a position or signal.
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// Alert execution statuses. An alert is created pending and mutated exactly
// once to a terminal status.
const (
	AlertPending       = "pending"
	AlertExecuted      = "executed"
	AlertRejected      = "rejected"
	AlertErrorRejected = "error_rejected"
)

// Alert is an immutable record of a received trade signal.
type Alert struct {
	ID               string            `json:"id"`
	Symbol           string            `json:"symbol"`
	Side             string            `json:"side"`
	Tier             string            `json:"tier"`
	EntryPriceMicros quant.PriceMicros `json:"entry_price_micros,string"`
	StopLossMicros   quant.PriceMicros `json:"stop_loss_micros,string"`
	TP1Micros        quant.PriceMicros `json:"tp1_micros,string"`
	TP2Micros        quant.PriceMicros `json:"tp2_micros,string"`
	TP3Micros        quant.PriceMicros `json:"tp3_micros,string"`
	Strength         int               `json:"strength"`
	ReceivedAtUnixM  int64             `json:"received_at_unix,string"`
	Status           string            `json:"status"`
	Reason           string            `json:"reason"`
}

// OppositeSide returns the opposing direction for a side.
func OppositeSide(side string) string {
	if side == SideLong {
		return SideShort
	}
	return SideLong
}

// Validate checks the alert for the fields the engine cannot work without.
// Validation failures are terminal: the alert is rejected, never retried.
func (a *Alert) Validate() error {
	if a.Symbol == "" {
		return fmt.Errorf("alert missing symbol")
	}
	if a.Side != SideLong && a.Side != SideShort {
		return fmt.Errorf("alert side must be %s or %s, got %q", SideLong, SideShort, a.Side)
	}
	if a.EntryPriceMicros <= 0 {
		return fmt.Errorf("alert entry price must be positive, got %d", a.EntryPriceMicros)
	}
	if a.StopLossMicros < 0 || a.TP1Micros < 0 || a.TP2Micros < 0 || a.TP3Micros < 0 {
		return fmt.Errorf("alert protective prices must not be negative")
	}
	return nil
}

// Age returns how long ago the alert was received.
func (a *Alert) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMicro(a.ReceivedAtUnixM))
}
