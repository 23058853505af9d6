package engine

import (
	"fmt"

	"trade_guard/internal/domain"
	"trade_guard/internal/exchange"
	"trade_guard/pkg/quant"
)

// VerifyOutcome classifies a post-open verification.
type VerifyOutcome int

const (
	VerifyPass VerifyOutcome = iota
	// VerifySoftFail: protective orders are missing or drifted but the
	// position itself is right. Accept it; the monitor backfills later.
	VerifySoftFail
	// VerifyHardFail: quantity or entry is wrong beyond tolerance. The
	// position must be unwound immediately.
	VerifyHardFail
)

func (o VerifyOutcome) String() string {
	switch o {
	case VerifyPass:
		return "PASS"
	case VerifySoftFail:
		return "SOFT_FAIL"
	case VerifyHardFail:
		return "HARD_FAIL"
	default:
		return "UNKNOWN"
	}
}

// Verification field names and the MISSING marker.
const (
	FieldQuantity   = "quantity"
	FieldEntryPrice = "entry_price"
	FieldStopLoss   = "stop_loss"
	FieldTakeProfit = "take_profit_1"

	ActualMissing = "MISSING"
)

// Discrepancy records one planned-vs-actual field beyond tolerance.
type Discrepancy struct {
	Field        string `json:"field"`
	Planned      string `json:"planned"`
	Actual       string `json:"actual"`
	DiffBps      int64  `json:"diff_bps"`
	ThresholdBps int64  `json:"threshold_bps"`
}

// Tolerances are the verification thresholds in force. The soft entry drift
// is the largest entry slippage still acceptable alongside missing
// protective orders.
type Tolerances struct {
	QtyBps            int64
	PriceBps          int64
	SoftEntryDriftBps int64
}

// VerifyReport is the full comparison result, kept for the audit trail.
type VerifyReport struct {
	Outcome       VerifyOutcome `json:"outcome"`
	Discrepancies []Discrepancy `json:"discrepancies"`
	Tolerances    Tolerances    `json:"tolerances"`
}

// VerifyPosition compares the planned position against the exchange's
// reported snapshots. Pure function; the caller fetches, logs and acts.
func VerifyPosition(planned *domain.Position, snaps []exchange.PositionSnapshot, tol Tolerances) VerifyReport {
	rep := VerifyReport{Tolerances: tol}

	var snap *exchange.PositionSnapshot
	for i := range snaps {
		if snaps[i].Symbol == planned.Symbol && snaps[i].Side == planned.Side {
			snap = &snaps[i]
			break
		}
	}

	if snap == nil {
		rep.Discrepancies = append(rep.Discrepancies, Discrepancy{
			Field:        FieldQuantity,
			Planned:      planned.QtySats.String(),
			Actual:       ActualMissing,
			ThresholdBps: tol.QtyBps,
		})
		rep.Outcome = VerifyHardFail
		return rep
	}

	qtyDiff := quant.DiffBps(int64(planned.QtySats), int64(snap.SizeSats))
	qtyBad := qtyDiff > tol.QtyBps
	if qtyBad {
		rep.Discrepancies = append(rep.Discrepancies, Discrepancy{
			Field:        FieldQuantity,
			Planned:      planned.QtySats.String(),
			Actual:       snap.SizeSats.String(),
			DiffBps:      qtyDiff,
			ThresholdBps: tol.QtyBps,
		})
	}

	entryDiff := quant.DiffBps(int64(planned.EntryPriceMicros), int64(snap.AvgPriceMicros))
	entryBad := entryDiff > tol.PriceBps
	if entryBad {
		rep.Discrepancies = append(rep.Discrepancies, Discrepancy{
			Field:        FieldEntryPrice,
			Planned:      planned.EntryPriceMicros.String(),
			Actual:       snap.AvgPriceMicros.String(),
			DiffBps:      entryDiff,
			ThresholdBps: tol.PriceBps,
		})
	}

	protectiveBad := false
	if planned.StopLossMicros > 0 {
		if d, bad := comparePrice(FieldStopLoss, planned.StopLossMicros, snap.StopLossMicros, tol.PriceBps); bad {
			rep.Discrepancies = append(rep.Discrepancies, d)
			protectiveBad = true
		}
	}
	if len(planned.TakeProfits) > 0 && planned.TakeProfits[0].PriceMicros > 0 {
		if d, bad := comparePrice(FieldTakeProfit, planned.TakeProfits[0].PriceMicros, snap.TakeProfitMicros, tol.PriceBps); bad {
			rep.Discrepancies = append(rep.Discrepancies, d)
			protectiveBad = true
		}
	}

	switch {
	case len(rep.Discrepancies) == 0:
		rep.Outcome = VerifyPass
	case qtyBad:
		rep.Outcome = VerifyHardFail
	case entryBad && entryDiff > tol.SoftEntryDriftBps:
		rep.Outcome = VerifyHardFail
	case protectiveBad || entryBad:
		// Missing or drifted protective orders, possibly with a small entry
		// drift: the monitor self-heals this.
		rep.Outcome = VerifySoftFail
	default:
		rep.Outcome = VerifyHardFail
	}
	return rep
}

// Summary renders the report for log lines and audit records.
func (r VerifyReport) Summary() string {
	if len(r.Discrepancies) == 0 {
		return fmt.Sprintf("%s: all fields within tolerance", r.Outcome)
	}
	s := r.Outcome.String() + ":"
	for _, d := range r.Discrepancies {
		s += fmt.Sprintf(" %s planned=%s actual=%s diff=%dbps limit=%dbps;",
			d.Field, d.Planned, d.Actual, d.DiffBps, d.ThresholdBps)
	}
	return s
}

func comparePrice(field string, planned, actual quant.PriceMicros, tolBps int64) (Discrepancy, bool) {
	if actual == 0 {
		return Discrepancy{
			Field:        field,
			Planned:      planned.String(),
			Actual:       ActualMissing,
			ThresholdBps: tolBps,
		}, true
	}
	diff := quant.DiffBps(int64(planned), int64(actual))
	if diff <= tolBps {
		return Discrepancy{}, false
	}
	return Discrepancy{
		Field:        field,
		Planned:      planned.String(),
		Actual:       actual.String(),
		DiffBps:      diff,
		ThresholdBps: tolBps,
	}, true
}
