package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"trade_guard/internal/domain"
	"trade_guard/internal/exchange"
	"trade_guard/pkg/quant"
)

// MonitorConfig controls take-profit execution and protective-order repair.
type MonitorConfig struct {
	SLPolicy    string // none | breakeven | trailing, applied after TP1
	TrailingBps int64
}

// PriceSource is a cache of live mark prices; the websocket feed implements
// it. A miss falls back to the REST client.
type PriceSource interface {
	Price(symbol string) (quant.PriceMicros, bool)
}

// Monitor is the periodic reconciliation pass: it executes take-profit
// levels, adjusts stops after TP1, backfills protective orders that failed to
// attach, and then hands each position to the guard. Ticks are safe to
// overlap: every irreversible action sits behind the store-backed
// confirmation gate or an idempotent close.
type Monitor struct {
	cfg   MonitorConfig
	store domain.Store
	exch  exchange.Client
	guard *Guard
	eng   *Engine
	feed  PriceSource
	now   func() time.Time
}

// Tick runs one reconciliation pass over every open and partially closed
// position.
func (m *Monitor) Tick(ctx context.Context) error {
	positions, err := m.store.OpenPositions(ctx, "")
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}
	if len(positions) == 0 {
		return nil
	}

	prices := m.collectPrices(ctx, positions)

	algos, err := m.exch.GetAlgoOrders(ctx, "")
	algosOK := err == nil
	if err != nil {
		// Backfill detection is skipped this tick; TP and guard checks
		// still run on cached state.
		slog.Warn("Failed to fetch algo orders", slog.Any("error", err))
	}

	for _, p := range positions {
		cur, ok := prices[p.Symbol]
		if !ok {
			slog.Warn("No price for symbol, skipping this tick", slog.String("symbol", p.Symbol))
			continue
		}

		closed, err := m.handleTakeProfits(ctx, p, cur)
		if err != nil {
			slog.Error("Take-profit handling failed",
				slog.String("position", p.ID), slog.Any("error", err))
		}
		if closed || !p.IsOpen() {
			continue
		}

		closed, err = m.repairProtective(ctx, p, cur, algos, algosOK)
		if err != nil {
			slog.Error("Protective-order repair failed",
				slog.String("position", p.ID), slog.Any("error", err))
		}
		if closed || !p.IsOpen() {
			continue
		}

		if _, err := m.guard.ScanPosition(ctx, p, cur); err != nil {
			slog.Error("Guard scan failed",
				slog.String("position", p.ID), slog.Any("error", err))
		}
	}

	if _, err := m.guard.ScanAccount(ctx, positions, prices); err != nil {
		slog.Error("Account drawdown scan failed", slog.Any("error", err))
	}
	return nil
}

func (m *Monitor) collectPrices(ctx context.Context, positions []*domain.Position) map[string]quant.PriceMicros {
	prices := make(map[string]quant.PriceMicros)
	for _, p := range positions {
		if _, done := prices[p.Symbol]; done {
			continue
		}
		if m.feed != nil {
			if price, ok := m.feed.Price(p.Symbol); ok {
				prices[p.Symbol] = price
				continue
			}
		}
		price, err := m.exch.GetMarketPrice(ctx, p.Symbol)
		if err != nil {
			slog.Warn("Market price fetch failed",
				slog.String("symbol", p.Symbol), slog.Any("error", err))
			continue
		}
		prices[p.Symbol] = price
	}
	return prices
}

type tpMetrics struct {
	Level        int   `json:"level"`
	TargetMicros int64 `json:"target_micros"`
	PriceMicros  int64 `json:"price_micros"`
	ClosedSats   int64 `json:"closed_sats"`
	NewSLMicros  int64 `json:"new_sl_micros,omitempty"`
}

// handleTakeProfits walks the unmet TP levels in order and executes every
// level the current price has crossed. Returns true when the position was
// fully closed by its final level.
func (m *Monitor) handleTakeProfits(ctx context.Context, p *domain.Position, cur quant.PriceMicros) (bool, error) {
	for i := range p.TakeProfits {
		level := &p.TakeProfits[i]
		if level.Hit || !p.TPCrossed(cur, level.PriceMicros) {
			continue
		}

		// Claim the level before touching the exchange: overlapping ticks
		// holding stale copies of this position race here, and only one may
		// sell the portion.
		claimed, err := m.store.ClaimTakeProfit(ctx, p.ID, i)
		if err != nil {
			return false, fmt.Errorf("claim tp%d: %w", i+1, err)
		}
		if !claimed {
			level.Hit = true
			continue
		}

		last := i == len(p.TakeProfits)-1
		if last {
			if err := m.eng.CloseForProfit(ctx, p, domain.CloseReasonTPFinal, cur); err != nil {
				m.releaseTPClaim(ctx, p)
				return false, err
			}
			level.Hit = true
			m.auditTP(ctx, p, tpMetrics{
				Level:        i + 1,
				TargetMicros: int64(level.PriceMicros),
				PriceMicros:  int64(cur),
				ClosedSats:   int64(p.RemainingSats),
			})
			return true, nil
		}

		qty := quant.QtySats(quant.MulDiv(int64(p.QtySats), level.PortionBps, quant.BpsScale))
		if qty > p.RemainingSats {
			qty = p.RemainingSats
		}
		if qty <= 0 {
			level.Hit = true
			continue
		}

		if _, err := m.exch.ClosePartial(ctx, p.Symbol, p.Side, qty); err != nil {
			m.releaseTPClaim(ctx, p)
			return false, fmt.Errorf("partial close tp%d: %w", i+1, err)
		}

		level.Hit = true
		p.RemainingSats -= qty
		p.Status = domain.PositionPartialClose

		metrics := tpMetrics{
			Level:        i + 1,
			TargetMicros: int64(level.PriceMicros),
			PriceMicros:  int64(cur),
			ClosedSats:   int64(qty),
		}

		if i == 0 {
			if newSL := m.postTP1StopLoss(p, cur); newSL > 0 && newSL != p.StopLossMicros {
				p.StopLossMicros = newSL
				metrics.NewSLMicros = int64(newSL)
				if err := m.exch.PlaceAlgoOrders(ctx, p.Symbol, p.Side, newSL, 0); err != nil {
					slog.Warn("Post-TP1 stop-loss update failed on exchange",
						slog.String("position", p.ID), slog.Any("error", err))
				}
			}
		}

		if err := m.store.UpdatePosition(ctx, p); err != nil {
			return false, fmt.Errorf("persist tp%d hit: %w", i+1, err)
		}
		m.auditTP(ctx, p, metrics)

		slog.Info("Take-profit level executed",
			slog.String("position", p.ID),
			slog.Int("level", i+1),
			slog.String("qty", qty.String()),
			slog.String("price", cur.String()))
	}
	return false, nil
}

// releaseTPClaim rewrites the position from the caller's pre-claim copy so
// the next tick can retry the level whose sell order failed.
func (m *Monitor) releaseTPClaim(ctx context.Context, p *domain.Position) {
	if err := m.store.UpdatePosition(ctx, p); err != nil {
		slog.Error("Failed to release take-profit claim",
			slog.String("position", p.ID), slog.Any("error", err))
	}
}

// postTP1StopLoss applies the configured stop-loss policy after the first
// take-profit fill.
func (m *Monitor) postTP1StopLoss(p *domain.Position, cur quant.PriceMicros) quant.PriceMicros {
	switch m.cfg.SLPolicy {
	case "breakeven":
		return p.EntryPriceMicros
	case "trailing":
		if p.IsLong() {
			return quant.PriceMicros(quant.ApplyBps(int64(cur), -m.cfg.TrailingBps))
		}
		return quant.PriceMicros(quant.ApplyBps(int64(cur), m.cfg.TrailingBps))
	default:
		return 0
	}
}

type backfillMetrics struct {
	SLMicros    int64 `json:"sl_micros,omitempty"`
	TPMicros    int64 `json:"tp_micros,omitempty"`
	PriceMicros int64 `json:"price_micros"`
	Crossed     bool  `json:"crossed,omitempty"`
}

// repairProtective re-issues protective orders the exchange should be holding
// but is not. A stop whose price has already been crossed is never re-armed,
// since it would trigger instantly or never; the position is closed instead.
// Returns true when the position was closed.
func (m *Monitor) repairProtective(ctx context.Context, p *domain.Position, cur quant.PriceMicros, algos []exchange.AlgoOrder, algosOK bool) (bool, error) {
	if !algosOK || p.StopLossMicros <= 0 {
		return false, nil
	}

	hasSL := false
	hasTP := false
	for _, a := range algos {
		if a.Symbol != p.Symbol || a.Side != p.Side {
			continue
		}
		if a.StopLossMicros > 0 {
			hasSL = true
		}
		if a.TakeProfitMicros > 0 {
			hasTP = true
		}
	}
	if hasSL {
		return false, nil
	}

	if p.SLCrossed(cur, p.StopLossMicros) {
		metrics := backfillMetrics{SLMicros: int64(p.StopLossMicros), PriceMicros: int64(cur), Crossed: true}
		m.auditBackfill(ctx, p, metrics)
		slog.Warn("Stop-loss already crossed while unprotected, closing",
			slog.String("position", p.ID),
			slog.String("sl", p.StopLossMicros.String()),
			slog.String("price", cur.String()))
		return true, m.eng.ForceClose(ctx, p, domain.CloseReasonSLHit, cur)
	}

	var tp quant.PriceMicros
	if !hasTP {
		if idx := p.NextUnhitTP(); idx >= 0 {
			tp = p.TakeProfits[idx].PriceMicros
		}
	}

	if err := m.exch.PlaceAlgoOrders(ctx, p.Symbol, p.Side, p.StopLossMicros, tp); err != nil {
		return false, fmt.Errorf("re-issue protective orders: %w", err)
	}
	m.auditBackfill(ctx, p, backfillMetrics{
		SLMicros:    int64(p.StopLossMicros),
		TPMicros:    int64(tp),
		PriceMicros: int64(cur),
	})
	slog.Info("Protective orders backfilled",
		slog.String("position", p.ID),
		slog.String("sl", p.StopLossMicros.String()))
	return false, nil
}

func (m *Monitor) auditTP(ctx context.Context, p *domain.Position, metrics tpMetrics) {
	m.appendAudit(ctx, p, domain.ActionTPHit, fmt.Sprintf("tp%d_hit", metrics.Level), metrics)
}

func (m *Monitor) auditBackfill(ctx context.Context, p *domain.Position, metrics backfillMetrics) {
	m.appendAudit(ctx, p, domain.ActionBackfill, domain.ActionBackfill, metrics)
}

func (m *Monitor) appendAudit(ctx context.Context, p *domain.Position, kind, reason string, metrics any) {
	data, _ := json.Marshal(metrics)
	rec := &domain.GuardAction{
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Kind:       kind,
		Reason:     reason,
		Metrics:    string(data),
		AtUnixM:    m.now().UnixMicro(),
	}
	if err := m.store.AppendGuardAction(ctx, rec); err != nil {
		slog.Error("Failed to append monitor audit record", slog.Any("error", err))
	}
}
