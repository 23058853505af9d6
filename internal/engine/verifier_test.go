package engine

import (
	"strings"
	"testing"

	"trade_guard/internal/domain"
	"trade_guard/internal/exchange"
	"trade_guard/pkg/quant"
)

func defaultTolerances() Tolerances {
	return Tolerances{QtyBps: 300, PriceBps: 100, SoftEntryDriftBps: 150}
}

func plannedPosition() *domain.Position {
	return &domain.Position{
		ID:               "p1",
		Symbol:           "BTCUSDT",
		Side:             domain.SideLong,
		EntryPriceMicros: quant.ToPriceMicros(50000),
		QtySats:          quant.ToQtySats(0.1),
		RemainingSats:    quant.ToQtySats(0.1),
		StopLossMicros:   quant.ToPriceMicros(49500),
		TakeProfits:      []domain.TPLevel{{PriceMicros: quant.ToPriceMicros(50500), PortionBps: 4000}},
		Status:           domain.PositionOpen,
	}
}

func matchingSnapshot(p *domain.Position) exchange.PositionSnapshot {
	return exchange.PositionSnapshot{
		Symbol:           p.Symbol,
		Side:             p.Side,
		SizeSats:         p.QtySats,
		AvgPriceMicros:   p.EntryPriceMicros,
		StopLossMicros:   p.StopLossMicros,
		TakeProfitMicros: p.TakeProfits[0].PriceMicros,
	}
}

func TestVerifyPosition(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*exchange.PositionSnapshot)
		missing bool
		want    VerifyOutcome
	}{
		{
			name:   "exact match passes",
			mutate: func(s *exchange.PositionSnapshot) {},
			want:   VerifyPass,
		},
		{
			name: "quantity within tolerance passes",
			mutate: func(s *exchange.PositionSnapshot) {
				s.SizeSats = quant.ToQtySats(0.098) // -2%
			},
			want: VerifyPass,
		},
		{
			name: "quantity beyond tolerance is hard",
			mutate: func(s *exchange.PositionSnapshot) {
				s.SizeSats = quant.ToQtySats(0.095) // -5%
			},
			want: VerifyHardFail,
		},
		{
			name: "quantity wrong stays hard even with everything else missing",
			mutate: func(s *exchange.PositionSnapshot) {
				s.SizeSats = quant.ToQtySats(0.095)
				s.StopLossMicros = 0
				s.TakeProfitMicros = 0
			},
			want: VerifyHardFail,
		},
		{
			name: "missing stop loss is soft",
			mutate: func(s *exchange.PositionSnapshot) {
				s.StopLossMicros = 0
			},
			want: VerifySoftFail,
		},
		{
			name: "missing take profit is soft",
			mutate: func(s *exchange.PositionSnapshot) {
				s.TakeProfitMicros = 0
			},
			want: VerifySoftFail,
		},
		{
			name: "small entry drift alone is soft",
			mutate: func(s *exchange.PositionSnapshot) {
				s.AvgPriceMicros = quant.ToPriceMicros(50600) // +1.2%
			},
			want: VerifySoftFail,
		},
		{
			name: "large entry drift is hard",
			mutate: func(s *exchange.PositionSnapshot) {
				s.AvgPriceMicros = quant.ToPriceMicros(51000) // +2%
			},
			want: VerifyHardFail,
		},
		{
			name:    "no snapshot at all is hard",
			missing: true,
			want:    VerifyHardFail,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			planned := plannedPosition()
			var snaps []exchange.PositionSnapshot
			if !tt.missing {
				snap := matchingSnapshot(planned)
				tt.mutate(&snap)
				snaps = append(snaps, snap)
			}

			rep := VerifyPosition(planned, snaps, defaultTolerances())
			if rep.Outcome != tt.want {
				t.Fatalf("outcome = %s, want %s\nreport: %s", rep.Outcome, tt.want, rep.Summary())
			}
			if rep.Outcome != VerifyPass && len(rep.Discrepancies) == 0 {
				t.Error("failed verification must carry discrepancies")
			}
		})
	}
}

func TestVerifyMissingSnapshotReport(t *testing.T) {
	planned := plannedPosition()
	rep := VerifyPosition(planned, nil, defaultTolerances())

	if rep.Outcome != VerifyHardFail {
		t.Fatalf("outcome = %s, want HARD_FAIL", rep.Outcome)
	}
	if len(rep.Discrepancies) != 1 || rep.Discrepancies[0].Actual != ActualMissing {
		t.Fatalf("want single MISSING quantity discrepancy, got %+v", rep.Discrepancies)
	}
	if !strings.Contains(rep.Summary(), ActualMissing) {
		t.Errorf("summary should mention MISSING: %s", rep.Summary())
	}
}

func TestVerifyIgnoresOtherSymbols(t *testing.T) {
	planned := plannedPosition()
	other := matchingSnapshot(planned)
	other.Symbol = "ETHUSDT"

	rep := VerifyPosition(planned, []exchange.PositionSnapshot{other}, defaultTolerances())
	if rep.Outcome != VerifyHardFail {
		t.Fatalf("a snapshot for a different symbol must not satisfy verification, got %s", rep.Outcome)
	}
}
