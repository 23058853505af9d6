package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"trade_guard/internal/domain"
	"trade_guard/internal/infra"
	"trade_guard/pkg/quant"
)

// GuardConfig holds the safety-net thresholds, all in basis points of the
// relevant base (stop price, initial margin).
type GuardConfig struct {
	SLBreachBps     int64 // adverse move beyond the live SL that forces a close
	PnlEmergencyBps int64 // negative; uPnL as bps of margin
	DrawdownBps     int64 // negative; account-wide
	TimeExitHours   int   // 0 disables
	Confirmations   int   // quorum for non-instant checks
}

// Closer executes forced closes on behalf of the guard. "Position no longer
// found on exchange" is a benign outcome for these, not an error: a reversal
// or manual close may already be in flight.
type Closer interface {
	ForceClose(ctx context.Context, p *domain.Position, reason string, cur quant.PriceMicros) error
	CloseAll(ctx context.Context, reason string) error
}

// Guard is the per-position and per-account safety net, run on every
// monitoring tick.
type Guard struct {
	cfg    GuardConfig
	gate   *Gate
	store  domain.Store
	closer Closer
	now    func() time.Time
}

// NewGuard wires the guard against its collaborators.
func NewGuard(cfg GuardConfig, gate *Gate, store domain.Store, closer Closer) *Guard {
	return &Guard{cfg: cfg, gate: gate, store: store, closer: closer, now: time.Now}
}

type guardMetrics struct {
	PriceMicros  int64 `json:"price_micros"`
	PnlMicros    int64 `json:"pnl_micros"`
	PnlBps       int64 `json:"pnl_bps"`
	BreachBps    int64 `json:"breach_bps,omitempty"`
	AgeHours     int64 `json:"age_hours,omitempty"`
	MarginMicros int64 `json:"margin_micros,omitempty"`
}

// ScanPosition runs the per-position checks in priority order and stops at
// the first action that fires. Returns true when a close was requested.
func (g *Guard) ScanPosition(ctx context.Context, p *domain.Position, cur quant.PriceMicros) (bool, error) {
	metrics := guardMetrics{
		PriceMicros:  int64(cur),
		PnlMicros:    p.UnrealizedPnlMicros(cur),
		PnlBps:       p.PnlBps(cur),
		MarginMicros: p.MarginMicros(),
	}

	// 1. Stop-loss breach: the protective order should have triggered
	// already; the engine does not wait for consensus before acting.
	if breach := p.SLBreachBps(cur); breach > g.cfg.SLBreachBps {
		metrics.BreachBps = breach
		g.audit(ctx, p, domain.ActionSLBreach, domain.CloseReasonSLHit, metrics, 1)
		return true, g.closer.ForceClose(ctx, p, domain.CloseReasonSLHit, cur)
	}

	// 2. PnL emergency.
	if metrics.PnlBps <= g.cfg.PnlEmergencyBps {
		key := p.ID + ":pnl_emergency"
		fired, count, err := g.gate.Confirm(ctx, key, g.cfg.Confirmations, mustJSON(metrics))
		if err != nil {
			return false, fmt.Errorf("pnl emergency confirmation: %w", err)
		}
		if fired {
			g.audit(ctx, p, domain.ActionPnlEmergency, domain.CloseReasonPnlEmergency, metrics, count)
			return true, g.closer.ForceClose(ctx, p, domain.CloseReasonPnlEmergency, cur)
		}
		slog.Info("PnL emergency pending confirmation",
			slog.String("position", p.ID),
			slog.Int64("pnl_bps", metrics.PnlBps),
			slog.Int("count", count))
		return false, nil
	}

	// 3. Optional time-based exit, only while underwater.
	if g.cfg.TimeExitHours > 0 {
		age := p.Age(g.now())
		if age > time.Duration(g.cfg.TimeExitHours)*time.Hour && metrics.PnlMicros < 0 {
			metrics.AgeHours = int64(age.Hours())
			key := p.ID + ":time_exit"
			fired, count, err := g.gate.Confirm(ctx, key, g.cfg.Confirmations, mustJSON(metrics))
			if err != nil {
				return false, fmt.Errorf("time exit confirmation: %w", err)
			}
			if fired {
				g.audit(ctx, p, domain.ActionTimeExit, domain.CloseReasonTimeExit, metrics, count)
				return true, g.closer.ForceClose(ctx, p, domain.CloseReasonTimeExit, cur)
			}
			return false, nil
		}
	}

	return false, nil
}

type drawdownMetrics struct {
	TotalPnlMicros    int64 `json:"total_pnl_micros"`
	TotalMarginMicros int64 `json:"total_margin_micros"`
	DrawdownBps       int64 `json:"drawdown_bps"`
	Positions         int   `json:"positions"`
}

// ScanAccount evaluates account-wide drawdown: sum of unrealized PnL over sum
// of initial margin across all open positions. Positions without a usable
// price are excluded from both sums. Returns true when close-all fired.
func (g *Guard) ScanAccount(ctx context.Context, positions []*domain.Position, prices map[string]quant.PriceMicros) (bool, error) {
	var totalPnl, totalMargin int64
	counted := 0
	for _, p := range positions {
		if !p.IsOpen() {
			continue
		}
		cur, ok := prices[p.Symbol]
		if !ok {
			continue
		}
		totalPnl += p.UnrealizedPnlMicros(cur)
		totalMargin += p.MarginMicros()
		counted++
	}
	if totalMargin == 0 {
		return false, nil
	}

	ddBps := quant.MulDiv(totalPnl, quant.BpsScale, totalMargin)
	if ddBps > g.cfg.DrawdownBps {
		return false, nil
	}

	metrics := drawdownMetrics{
		TotalPnlMicros:    totalPnl,
		TotalMarginMicros: totalMargin,
		DrawdownBps:       ddBps,
		Positions:         counted,
	}
	fired, count, err := g.gate.Confirm(ctx, "account:drawdown", g.cfg.Confirmations, mustJSON(metrics))
	if err != nil {
		return false, fmt.Errorf("drawdown confirmation: %w", err)
	}
	if !fired {
		slog.Warn("Account drawdown pending confirmation",
			slog.Int64("drawdown_bps", ddBps),
			slog.Int("count", count))
		return false, nil
	}

	slog.Error("Account drawdown breached, closing all positions",
		slog.Int64("drawdown_bps", ddBps),
		slog.Int64("total_pnl", totalPnl),
		slog.Int64("total_margin", totalMargin))
	g.auditAccount(ctx, domain.ActionDrawdownClose, metrics, count)
	return true, g.closer.CloseAll(ctx, domain.CloseReasonDrawdown)
}

func (g *Guard) audit(ctx context.Context, p *domain.Position, kind, reason string, m guardMetrics, confirmations int) {
	infra.MtxGuardActions.WithLabelValues(kind).Inc()
	rec := &domain.GuardAction{
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Kind:       kind,
		Reason:     fmt.Sprintf("%s (confirmations=%d)", reason, confirmations),
		Metrics:    mustJSON(m),
		AtUnixM:    g.now().UnixMicro(),
	}
	if err := g.store.AppendGuardAction(ctx, rec); err != nil {
		slog.Error("Failed to append guard action", slog.String("kind", kind), slog.Any("error", err))
	}
}

func (g *Guard) auditAccount(ctx context.Context, kind string, m drawdownMetrics, confirmations int) {
	infra.MtxGuardActions.WithLabelValues(kind).Inc()
	rec := &domain.GuardAction{
		Symbol:  "*",
		Kind:    kind,
		Reason:  fmt.Sprintf("%s (confirmations=%d)", domain.CloseReasonDrawdown, confirmations),
		Metrics: mustJSON(m),
		AtUnixM: g.now().UnixMicro(),
	}
	if err := g.store.AppendGuardAction(ctx, rec); err != nil {
		slog.Error("Failed to append guard action", slog.String("kind", kind), slog.Any("error", err))
	}
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
