package domain

import (
	"testing"

	"trade_guard/pkg/quant"
)

func TestPosition_UnrealizedPnl(t *testing.T) {
	tests := []struct {
		name  string
		side  string
		entry quant.PriceMicros
		qty   quant.QtySats
		cur   quant.PriceMicros
		want  int64
	}{
		{"LongProfit", SideLong, 100_000000, quant.QtyScale, 110_000000, 10_000000},
		{"LongLoss", SideLong, 100_000000, quant.QtyScale, 95_000000, -5_000000},
		{"ShortProfit", SideShort, 100_000000, quant.QtyScale, 90_000000, 10_000000},
		{"ShortLoss", SideShort, 100_000000, quant.QtyScale, 103_000000, -3_000000},
		{"HalfQty", SideLong, 100_000000, quant.QtyScale / 2, 110_000000, 5_000000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Position{Side: tt.side, EntryPriceMicros: tt.entry, QtySats: tt.qty, RemainingSats: tt.qty}
			if got := p.UnrealizedPnlMicros(tt.cur); got != tt.want {
				t.Errorf("UnrealizedPnlMicros() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPosition_PnlBps(t *testing.T) {
	// Entry 100, qty 1.0, 10x leverage: margin = 10. A move to 95 is a -5
	// PnL, i.e. -50% of margin.
	p := &Position{
		Side:             SideLong,
		EntryPriceMicros: 100_000000,
		QtySats:          quant.QtyScale,
		RemainingSats:    quant.QtyScale,
		Leverage:         10,
	}
	if got := p.MarginMicros(); got != 10_000000 {
		t.Fatalf("MarginMicros() = %d, want 10_000000", got)
	}
	if got := p.PnlBps(95_000000); got != -5000 {
		t.Errorf("PnlBps(95) = %d, want -5000", got)
	}
}

func TestComputeProtectiveLevels(t *testing.T) {
	// Entry 100 LONG, SL-RR 1.0%, TP1-RR 1.0% -> SL 99.0, TP1 101.0.
	entry := quant.PriceMicros(100_000000)

	sl := ComputeStopLoss(SideLong, entry, 100)
	if sl != 99_000000 {
		t.Errorf("ComputeStopLoss(LONG) = %d, want 99_000000", sl)
	}
	tp := ComputeTakeProfit(SideLong, entry, 100)
	if tp != 101_000000 {
		t.Errorf("ComputeTakeProfit(LONG) = %d, want 101_000000", tp)
	}

	slShort := ComputeStopLoss(SideShort, entry, 100)
	if slShort != 101_000000 {
		t.Errorf("ComputeStopLoss(SHORT) = %d, want 101_000000", slShort)
	}
}

func TestPosition_SLAndTPClassification(t *testing.T) {
	// Current price 98.5 against SL 99.0 / TP 101.0: SL hit, TP not.
	p := &Position{
		Side:             SideLong,
		EntryPriceMicros: 100_000000,
		StopLossMicros:   99_000000,
		QtySats:          quant.QtyScale,
		RemainingSats:    quant.QtyScale,
	}
	cur := quant.PriceMicros(98_500000)

	if !p.SLCrossed(cur, p.StopLossMicros) {
		t.Error("SLCrossed should be true at 98.5 vs SL 99.0")
	}
	if p.TPCrossed(cur, 101_000000) {
		t.Error("TPCrossed should be false at 98.5 vs TP 101.0")
	}
}

func TestPosition_SLBreachBps(t *testing.T) {
	p := &Position{Side: SideLong, StopLossMicros: 100_000000}

	if got := p.SLBreachBps(100_500000); got != 0 {
		t.Errorf("no breach above SL, got %d", got)
	}
	// 2.5% beyond the stop.
	if got := p.SLBreachBps(97_500000); got != 250 {
		t.Errorf("SLBreachBps = %d, want 250", got)
	}

	short := &Position{Side: SideShort, StopLossMicros: 100_000000}
	if got := short.SLBreachBps(103_000000); got != 300 {
		t.Errorf("short SLBreachBps = %d, want 300", got)
	}
}

func TestFallbackRealizedPnl(t *testing.T) {
	if got := FallbackRealizedPnl(SideLong, 100_000000, 105_000000, quant.QtyScale); got != 5_000000 {
		t.Errorf("long fallback pnl = %d, want 5_000000", got)
	}
	if got := FallbackRealizedPnl(SideShort, 100_000000, 105_000000, quant.QtyScale); got != -5_000000 {
		t.Errorf("short fallback pnl = %d, want -5_000000", got)
	}
}

func TestPosition_NextUnhitTP(t *testing.T) {
	p := &Position{TakeProfits: []TPLevel{
		{PriceMicros: 101_000000, Hit: true},
		{PriceMicros: 102_000000},
		{PriceMicros: 103_000000},
	}}
	if got := p.NextUnhitTP(); got != 1 {
		t.Errorf("NextUnhitTP() = %d, want 1", got)
	}
	p.TakeProfits[1].Hit = true
	p.TakeProfits[2].Hit = true
	if got := p.NextUnhitTP(); got != -1 {
		t.Errorf("NextUnhitTP() exhausted = %d, want -1", got)
	}
}
