package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"trade_guard/internal/domain"
	"trade_guard/internal/exchange"
	"trade_guard/internal/infra"
	"trade_guard/pkg/quant"
)

// Notifier raises external alerts. Used exactly once per breaker trip.
type Notifier interface {
	Notify(ctx context.Context, event, message string) error
}

// AlertResult tells the caller which branch alert processing took.
type AlertResult struct {
	Status     string `json:"status"` // pending | executed | rejected | error_rejected
	Reason     string `json:"reason,omitempty"`
	Message    string `json:"message,omitempty"`
	PositionID string `json:"position_id,omitempty"`
}

// Engine is the position lifecycle and guard engine: it decides, for every
// incoming alert and every open position, what action is safe to take right
// now, given a store that may be stale and an exchange that may lie, fail, or
// vanish.
type Engine struct {
	cfg      *infra.Config
	store    domain.Store
	exch     exchange.Client // block-guarded
	gate     *Gate
	locks    *SymbolLocker
	guard    *Guard
	monitor  *Monitor
	notifier Notifier
	feed     PriceSource
	enabled  atomic.Bool
	now      func() time.Time
}

// New wires the engine. raw is the bare exchange client; every call the
// engine makes goes through the platform-block guard. feed may be nil (REST
// prices only).
func New(cfg *infra.Config, store domain.Store, raw exchange.Client, notifier Notifier, feed PriceSource) *Engine {
	e := &Engine{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		feed:     feed,
		now:      time.Now,
	}
	e.exch = NewBlockGuard(raw, e.handleBlock)
	e.gate = NewGate(store, time.Duration(cfg.Guard.ConfirmationWindowSec)*time.Second)
	e.locks = NewSymbolLocker(store, time.Duration(cfg.Lock.StaleAfterSec)*time.Second)
	e.guard = NewGuard(GuardConfig{
		SLBreachBps:     cfg.SLBreachBps(),
		PnlEmergencyBps: cfg.PnlEmergencyBps(),
		DrawdownBps:     cfg.DrawdownBps(),
		TimeExitHours:   cfg.Guard.TimeExitHours,
		Confirmations:   cfg.Guard.Confirmations,
	}, e.gate, store, e)
	e.monitor = &Monitor{
		cfg: MonitorConfig{
			SLPolicy:    cfg.Monitor.SLPolicy,
			TrailingBps: cfg.TrailingBps(),
		},
		store: store,
		exch:  e.exch,
		guard: e.guard,
		eng:   e,
		feed:  feed,
		now:   time.Now,
	}
	e.enabled.Store(true)
	return e
}

// Init synchronizes the enabled flag with the persisted breaker lock. Must be
// called before serving traffic: a tripped breaker survives restarts.
func (e *Engine) Init(ctx context.Context) error {
	lock, err := e.store.BreakerLock(ctx)
	if err != nil {
		return fmt.Errorf("read breaker lock: %w", err)
	}
	if lock != nil && lock.Engaged {
		e.enabled.Store(false)
		slog.Warn("Engine starting disabled: breaker lock is engaged",
			slog.String("reason", lock.Reason))
	}
	return nil
}

// Enabled reports whether the engine accepts new opens.
func (e *Engine) Enabled() bool {
	return e.enabled.Load()
}

// Enable is the operator re-arm action: it clears the breaker lock and any
// symbol locks the crash left behind, then re-admits opens. This is the only
// path that clears a tripped breaker.
func (e *Engine) Enable(ctx context.Context) error {
	if err := e.store.ClearBreaker(ctx); err != nil {
		return fmt.Errorf("clear breaker lock: %w", err)
	}
	cleared, err := e.store.ClearSymbolLocks(ctx)
	if err != nil {
		return fmt.Errorf("clear symbol locks: %w", err)
	}
	e.enabled.Store(true)
	slog.Info("Engine re-enabled by operator", slog.Int("locks_cleared", cleared))
	return nil
}

// Tick runs one monitor pass. No-op while the engine is disabled: after a
// breaker trip the book has been force-closed and guard actions must not
// fire against a blocked exchange.
func (e *Engine) Tick(ctx context.Context) error {
	if !e.Enabled() {
		return nil
	}
	return e.monitor.Tick(ctx)
}

// ProcessAlert runs the full opening pipeline for one signal:
// lock -> resolve -> (optional reversal) -> open -> verify -> persist.
func (e *Engine) ProcessAlert(ctx context.Context, alert *domain.Alert) (*AlertResult, error) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.ReceivedAtUnixM == 0 {
		alert.ReceivedAtUnixM = e.now().UnixMicro()
	}
	alert.Status = domain.AlertPending
	if err := e.store.SaveAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("persist alert: %w", err)
	}

	if err := alert.Validate(); err != nil {
		return e.finishAlert(ctx, alert, domain.AlertRejected, domain.ReasonValidation, err.Error()), nil
	}

	if e.cfg.Exchange.AccessKey == "" || e.cfg.Exchange.SecretKey == "" {
		// Configuration error: the alert is stored, the engine takes no action.
		slog.Error("Exchange credentials missing, alert stored without action",
			slog.String("alert", alert.ID))
		return &AlertResult{Status: domain.AlertPending, Reason: domain.ReasonConfigMissing,
			Message: "exchange credentials not configured"}, nil
	}

	if !e.Enabled() {
		return e.finishAlert(ctx, alert, domain.AlertRejected, domain.ReasonEngineDisabled,
			"engine is disabled (breaker engaged or operator hold)"), nil
	}

	token, err := e.locks.Acquire(ctx, alert.Symbol, alert.Side)
	if err != nil {
		if errors.Is(err, domain.ErrLockBusy) {
			return e.finishAlert(ctx, alert, domain.AlertRejected, domain.ReasonSymbolLocked,
				"another opening is in flight for this symbol"), nil
		}
		return nil, fmt.Errorf("acquire symbol lock: %w", err)
	}
	outcome := domain.LockOutcomeFailed
	defer func() { e.locks.Release(ctx, token, outcome) }()

	open, err := e.store.OpenPositions(ctx, alert.Symbol)
	if err != nil {
		return nil, fmt.Errorf("load open positions: %w", err)
	}
	ban, err := e.store.ActiveBan(ctx, alert.Symbol, e.now())
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("load symbol ban: %w", err)
	}

	var cur quant.PriceMicros
	if len(open) > 0 {
		if cur, err = e.currentPrice(ctx, alert.Symbol); err != nil {
			slog.Warn("Price unavailable for conflict resolution",
				slog.String("symbol", alert.Symbol), slog.Any("error", err))
		}
	}

	res := Resolve(alert, open, ban, cur, ResolverConfig{
		SameDirection:     e.cfg.Trading.SameDirection,
		OppositeDirection: e.cfg.Trading.OppositeDirection,
		EmergencyOverride: e.cfg.Trading.EmergencyOverride,
		OverrideProfitBps: e.cfg.OverrideProfitBps(),
	}, e.now())
	infra.MtxDecisions.WithLabelValues(res.Decision.String()).Inc()

	switch res.Decision {
	case domain.DecisionReject:
		return e.finishAlert(ctx, alert, domain.AlertRejected, res.Reason,
			"conflict resolver rejected the alert"), nil

	case domain.DecisionUpgrade:
		res.ToUpgrade.Confirmations++
		if err := e.store.UpdatePosition(ctx, res.ToUpgrade); err != nil {
			return nil, fmt.Errorf("track confirmation: %w", err)
		}
		slog.Info("Alert tracked as confirmation",
			slog.String("position", res.ToUpgrade.ID),
			slog.Int("confirmations", res.ToUpgrade.Confirmations))
		r := e.finishAlert(ctx, alert, domain.AlertExecuted, "", "confirmation tracked, no order placed")
		r.PositionID = res.ToUpgrade.ID
		return r, nil

	case domain.DecisionCloseAndOpen:
		if err := e.closeForReversal(ctx, res.ToClose, cur); err != nil {
			// Partial reversal must never stand silently: nothing was
			// opened, and the failure is loud.
			slog.Error("Reversal close failed, alert rejected",
				slog.String("position", res.ToClose.ID),
				slog.String("alert", alert.ID),
				slog.Any("error", err))
			return e.finishAlert(ctx, alert, domain.AlertRejected, domain.ReasonFailedCloseOpp, err.Error()), nil
		}
	}

	result := e.openAndVerify(ctx, alert)
	if result.Status == domain.AlertExecuted {
		outcome = domain.LockOutcomeOpened
	}
	return result, nil
}

// finishAlert sets the alert's terminal status and builds the caller-visible
// result.
func (e *Engine) finishAlert(ctx context.Context, alert *domain.Alert, status, reason, message string) *AlertResult {
	if err := e.store.SetAlertStatus(ctx, alert.ID, status, reason); err != nil {
		slog.Error("Failed to persist alert status",
			slog.String("alert", alert.ID), slog.Any("error", err))
	}
	infra.MtxAlerts.WithLabelValues(status).Inc()
	return &AlertResult{Status: status, Reason: reason, Message: message}
}

// currentPrice prefers the websocket cache and falls back to REST.
func (e *Engine) currentPrice(ctx context.Context, symbol string) (quant.PriceMicros, error) {
	if e.feed != nil {
		if price, ok := e.feed.Price(symbol); ok {
			return price, nil
		}
	}
	return e.exch.GetMarketPrice(ctx, symbol)
}

// closeForReversal closes an opposite-direction position at market, realizes
// PnL (exchange-reported when available) and archives it.
func (e *Engine) closeForReversal(ctx context.Context, p *domain.Position, cur quant.PriceMicros) error {
	orderID, err := e.exch.ClosePosition(ctx, p.Symbol, p.Side)
	if err != nil {
		return fmt.Errorf("close opposite position: %w", err)
	}

	pnl := e.realizedPnl(ctx, orderID, p, cur)
	e.archiveClosed(ctx, p, domain.CloseReasonOppositeDirection, cur, pnl)

	e.appendAudit(ctx, p, domain.ActionReversal, domain.CloseReasonOppositeDirection, map[string]any{
		"exit_price_micros": int64(cur),
		"realized_pnl":      pnl,
		"duration_sec":      int64(p.Age(e.now()).Seconds()),
	})
	slog.Info("Opposite position closed for reversal",
		slog.String("position", p.ID),
		slog.Int64("realized_pnl", pnl))
	return nil
}

// openAndVerify sizes, opens and verifies a new position for the alert.
func (e *Engine) openAndVerify(ctx context.Context, alert *domain.Alert) *AlertResult {
	pos := e.planPosition(alert)

	req := exchange.OpenRequest{
		Symbol:         pos.Symbol,
		Side:           pos.Side,
		QtySats:        pos.QtySats,
		Leverage:       pos.Leverage,
		StopLossMicros: pos.StopLossMicros,
	}
	if len(pos.TakeProfits) > 0 {
		req.TakeProfitMicros = pos.TakeProfits[0].PriceMicros
	}

	if _, err := e.exch.OpenPosition(ctx, req); err != nil {
		slog.Error("Open order failed",
			slog.String("symbol", pos.Symbol), slog.Any("error", err))
		return e.finishAlert(ctx, alert, domain.AlertErrorRejected, domain.ReasonOpenFailed, err.Error())
	}

	tol := Tolerances{
		QtyBps:            e.cfg.QtyToleranceBps(),
		PriceBps:          e.cfg.PriceToleranceBps(),
		SoftEntryDriftBps: e.cfg.SoftEntryDriftBps(),
	}

	snaps, err := e.exch.GetPositions(ctx, pos.Symbol)
	if err != nil {
		// Cannot verify right now. Accept the position and let the monitor
		// reconcile; hiding an opened order would be worse.
		slog.Error("Verification fetch failed, deferring to monitor",
			slog.String("symbol", pos.Symbol), slog.Any("error", err))
		e.appendAudit(ctx, pos, domain.ActionVerifySoftFail, "verify_fetch_failed", map[string]any{"error": err.Error()})
		return e.acceptPosition(ctx, alert, pos)
	}

	rep := VerifyPosition(pos, snaps, tol)
	infra.MtxVerifications.WithLabelValues(rep.Outcome.String()).Inc()
	e.auditVerification(ctx, pos, snaps, rep)

	switch rep.Outcome {
	case VerifyPass:
		return e.acceptPosition(ctx, alert, pos)

	case VerifySoftFail:
		slog.Warn("Verification soft fail, monitor will backfill",
			slog.String("position", pos.ID),
			slog.String("report", rep.Summary()))
		return e.acceptPosition(ctx, alert, pos)

	default: // VerifyHardFail
		slog.Error("Verification hard fail, unwinding position",
			slog.String("position", pos.ID),
			slog.String("report", rep.Summary()))

		if _, closeErr := e.exch.ClosePosition(ctx, pos.Symbol, pos.Side); closeErr != nil {
			var exErr *exchange.Error
			if !errors.As(closeErr, &exErr) {
				// Compensating close failed: flag for manual review, do not
				// retry indefinitely.
				slog.Error("COMPENSATING CLOSE FAILED, MANUAL REVIEW REQUIRED",
					slog.String("symbol", pos.Symbol), slog.Any("error", closeErr))
				e.appendAudit(ctx, pos, domain.ActionVerifyHardFail, "compensating_close_failed",
					map[string]any{"error": closeErr.Error()})
			}
		}

		// Lock the symbol from auto-opening until an operator clears it.
		ban := &domain.SymbolBan{
			Symbol:        pos.Symbol,
			Reason:        domain.BanReasonVerifyFail,
			BannedAtUnixM: e.now().UnixMicro(),
		}
		if err := e.store.SaveBan(ctx, ban); err != nil {
			slog.Error("Failed to persist verification ban", slog.Any("error", err))
		}
		return e.finishAlert(ctx, alert, domain.AlertErrorRejected, domain.ReasonVerifyHardFail, rep.Summary())
	}
}

// planPosition sizes the position and derives protective levels, preferring
// the alert's explicit hints over risk-reward computation.
func (e *Engine) planPosition(alert *domain.Alert) *domain.Position {
	entry := alert.EntryPriceMicros
	marginMicros := int64(quant.ToPriceMicros(e.cfg.Trading.MarginUSD))
	notional := marginMicros * e.cfg.Trading.Leverage
	qty := quant.QtySats(quant.MulDiv(notional, quant.QtyScale, int64(entry)))

	sl := alert.StopLossMicros
	if sl <= 0 {
		sl = domain.ComputeStopLoss(alert.Side, entry, e.cfg.SLRiskBps())
	}

	hints := []quant.PriceMicros{alert.TP1Micros, alert.TP2Micros, alert.TP3Micros}
	levels := make([]domain.TPLevel, 0, len(e.cfg.Trading.TPRewardPcts))
	for i, rewardPct := range e.cfg.Trading.TPRewardPcts {
		price := quant.PriceMicros(0)
		if i < len(hints) && hints[i] > 0 {
			price = hints[i]
		} else {
			price = domain.ComputeTakeProfit(alert.Side, entry, quant.PctToBps(rewardPct))
		}
		levels = append(levels, domain.TPLevel{
			PriceMicros: price,
			PortionBps:  quant.PctToBps(e.cfg.Trading.TPPortionPcts[i]),
		})
	}

	return &domain.Position{
		ID:               uuid.NewString(),
		AlertID:          alert.ID,
		Symbol:           alert.Symbol,
		Side:             alert.Side,
		EntryPriceMicros: entry,
		QtySats:          qty,
		RemainingSats:    qty,
		Leverage:         e.cfg.Trading.Leverage,
		StopLossMicros:   sl,
		TakeProfits:      levels,
		Status:           domain.PositionOpen,
		OpenedAtUnixM:    e.now().UnixMicro(),
	}
}

func (e *Engine) acceptPosition(ctx context.Context, alert *domain.Alert, pos *domain.Position) *AlertResult {
	if err := e.store.SavePosition(ctx, pos); err != nil {
		slog.Error("Failed to persist position", slog.String("position", pos.ID), slog.Any("error", err))
		return e.finishAlert(ctx, alert, domain.AlertErrorRejected, domain.ReasonOpenFailed,
			"position opened but could not be persisted; manual review required")
	}
	infra.MtxOpenPositions.Inc()
	if e.feed != nil {
		if f, ok := e.feed.(*exchange.PriceFeed); ok {
			f.Track(pos.Symbol)
		}
	}
	r := e.finishAlert(ctx, alert, domain.AlertExecuted, "", "position opened")
	r.PositionID = pos.ID
	return r
}

// ForceClose closes a position because a guard fired. "Position not found" on
// the exchange is benign: a reversal or manual close may have beaten us.
// Every forced closure counts toward the symbol's capitulation threshold.
// The store-side close claim makes the exchange call exclusive across
// overlapping ticks; a caller that loses the claim is a silent no-op.
func (e *Engine) ForceClose(ctx context.Context, p *domain.Position, reason string, cur quant.PriceMicros) error {
	claimed, err := e.store.ClaimClose(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("claim close: %w", err)
	}
	if !claimed {
		return nil
	}

	orderID, err := e.exch.ClosePosition(ctx, p.Symbol, p.Side)
	if err != nil {
		var exErr *exchange.Error
		if !errors.As(err, &exErr) {
			e.releaseCloseClaim(ctx, p)
			slog.Error("Forced close failed, position flagged for manual review",
				slog.String("position", p.ID),
				slog.String("reason", reason),
				slog.Any("error", err))
			return err
		}
		slog.Info("Position already gone on exchange, archiving locally",
			slog.String("position", p.ID))
		orderID = ""
	}

	pnl := e.realizedPnl(ctx, orderID, p, cur)
	e.archiveClosed(ctx, p, reason, cur, pnl)
	e.bumpCapitulation(ctx, p.Symbol)
	return nil
}

// CloseAll force-closes the whole book, collecting per-position errors
// without aborting the batch.
func (e *Engine) CloseAll(ctx context.Context, reason string) error {
	positions, err := e.store.OpenPositions(ctx, "")
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}
	var errs []error
	for _, p := range positions {
		if !p.IsOpen() {
			continue
		}
		cur, _ := e.currentPrice(ctx, p.Symbol)
		if err := e.ForceClose(ctx, p, reason, cur); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Symbol, err))
		}
	}
	return errors.Join(errs...)
}

// CloseForProfit fully closes a position on its final take-profit level.
// Not a forced closure: it does not touch the capitulation counter. Claims
// the close the same way ForceClose does; losing the claim is a no-op.
func (e *Engine) CloseForProfit(ctx context.Context, p *domain.Position, reason string, cur quant.PriceMicros) error {
	claimed, err := e.store.ClaimClose(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("claim close: %w", err)
	}
	if !claimed {
		return nil
	}

	orderID, err := e.exch.ClosePosition(ctx, p.Symbol, p.Side)
	if err != nil {
		var exErr *exchange.Error
		if !errors.As(err, &exErr) {
			e.releaseCloseClaim(ctx, p)
			return err
		}
		orderID = ""
	}
	pnl := e.realizedPnl(ctx, orderID, p, cur)
	e.archiveClosed(ctx, p, reason, cur, pnl)
	return nil
}

// releaseCloseClaim returns a claimed position to the book after the close
// order failed, so the next tick can retry. p still carries its pre-claim
// status.
func (e *Engine) releaseCloseClaim(ctx context.Context, p *domain.Position) {
	if err := e.store.UpdatePosition(ctx, p); err != nil {
		slog.Error("Failed to release close claim",
			slog.String("position", p.ID), slog.Any("error", err))
	}
}

func (e *Engine) realizedPnl(ctx context.Context, orderID string, p *domain.Position, cur quant.PriceMicros) int64 {
	if orderID != "" {
		if pnl, ok, err := e.exch.GetRealizedPnl(ctx, orderID, p.Symbol); err == nil && ok {
			return pnl
		}
	}
	if cur <= 0 {
		return 0
	}
	return domain.FallbackRealizedPnl(p.Side, p.EntryPriceMicros, cur, p.RemainingSats)
}

func (e *Engine) archiveClosed(ctx context.Context, p *domain.Position, reason string, exitPrice quant.PriceMicros, pnl int64) {
	p.Status = domain.PositionClosed
	p.CloseReason = reason
	p.ClosedAtUnixM = e.now().UnixMicro()
	if err := e.store.ArchivePosition(ctx, p, int64(exitPrice), pnl); err != nil {
		slog.Error("Failed to archive closed position",
			slog.String("position", p.ID), slog.Any("error", err))
		return
	}
	infra.MtxOpenPositions.Dec()
}

// bumpCapitulation counts a forced closure against the symbol and bans it
// once repeated closures show the engine keeps losing on this instrument.
func (e *Engine) bumpCapitulation(ctx context.Context, symbol string) {
	count, err := e.store.BumpCapitulation(ctx, symbol)
	if err != nil {
		slog.Error("Failed to bump capitulation counter",
			slog.String("symbol", symbol), slog.Any("error", err))
		return
	}
	if count < e.cfg.Guard.CapitulationThreshold {
		return
	}

	ban := &domain.SymbolBan{
		Symbol:         symbol,
		Reason:         domain.BanReasonCapitulation,
		BannedAtUnixM:  e.now().UnixMicro(),
		ExpiresAtUnixM: e.now().Add(time.Duration(e.cfg.Guard.CapitulationBanMin) * time.Minute).UnixMicro(),
	}
	if err := e.store.SaveBan(ctx, ban); err != nil {
		slog.Error("Failed to persist capitulation ban", slog.Any("error", err))
		return
	}
	if err := e.store.ResetCapitulation(ctx, symbol); err != nil {
		slog.Error("Failed to reset capitulation counter", slog.Any("error", err))
	}

	infra.MtxGuardActions.WithLabelValues(domain.ActionCapitulation).Inc()
	e.appendAudit(ctx, &domain.Position{Symbol: symbol}, domain.ActionCapitulation,
		domain.BanReasonCapitulation, map[string]any{
			"forced_closures": count,
			"banned_until":    ban.ExpiresAtUnixM,
		})
	slog.Warn("Symbol banned after repeated forced closures",
		slog.String("symbol", symbol),
		slog.Int("closures", count))
}

// handleBlock is the breaker trip path, invoked by the block guard on any
// platform-block classification. The store CAS makes it idempotent: only the
// first detection acts, later ones are silent until an operator re-arms.
func (e *Engine) handleBlock(ctx context.Context, blockErr *exchange.PlatformBlockError) {
	engaged, err := e.store.EngageBreaker(ctx, blockErr.Error(), e.now())
	if err != nil {
		slog.Error("Failed to engage breaker lock", slog.Any("error", err))
		return
	}
	if !engaged {
		return // already tripped
	}

	infra.MtxBreakerTrips.Inc()
	e.enabled.Store(false)
	slog.Error("PLATFORM BLOCK DETECTED: engine disabled, closing whole book",
		slog.String("endpoint", blockErr.Endpoint),
		slog.Int("status", blockErr.Status))

	// Best-effort close against a possibly-blocked exchange. Further block
	// errors inside these calls lose the CAS above and are silent.
	positions, err := e.store.OpenPositions(ctx, "")
	if err != nil {
		slog.Error("Failed to load book for breaker close-all", slog.Any("error", err))
		positions = nil
	}
	var closeErrs []string
	closed := 0
	for _, p := range positions {
		if !p.IsOpen() {
			continue
		}
		if _, err := e.exch.ClosePosition(ctx, p.Symbol, p.Side); err != nil {
			closeErrs = append(closeErrs, fmt.Sprintf("%s: %v", p.Symbol, err))
			continue
		}
		e.archiveClosed(ctx, p, domain.CloseReasonCircuitBreaker, 0, 0)
		closed++
	}

	e.appendAudit(ctx, &domain.Position{Symbol: "*"}, domain.ActionBreakerTrip, blockErr.Error(),
		map[string]any{
			"endpoint":     blockErr.Endpoint,
			"status":       blockErr.Status,
			"server":       blockErr.Server,
			"close_errors": closeErrs,
		})

	msg := fmt.Sprintf("Platform block detected (%s). Engine disabled, %d positions closed, %d close failures. Manual re-enable required.",
		blockErr.Endpoint, closed, len(closeErrs))
	if err := e.notifier.Notify(ctx, "circuit_breaker_trip", msg); err != nil {
		slog.Error("Breaker trip notification failed", slog.Any("error", err))
	}
}

func (e *Engine) auditVerification(ctx context.Context, pos *domain.Position, snaps []exchange.PositionSnapshot, rep VerifyReport) {
	kind := domain.ActionVerifyPass
	switch rep.Outcome {
	case VerifySoftFail:
		kind = domain.ActionVerifySoftFail
	case VerifyHardFail:
		kind = domain.ActionVerifyHardFail
	}
	e.appendAudit(ctx, pos, kind, rep.Outcome.String(), map[string]any{
		"planned":       pos,
		"actual":        snaps,
		"discrepancies": rep.Discrepancies,
		"tolerances":    rep.Tolerances,
	})
}

func (e *Engine) appendAudit(ctx context.Context, p *domain.Position, kind, reason string, metrics any) {
	data, err := json.Marshal(metrics)
	if err != nil {
		data = []byte("{}")
	}
	rec := &domain.GuardAction{
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Kind:       kind,
		Reason:     reason,
		Metrics:    string(data),
		AtUnixM:    e.now().UnixMicro(),
	}
	if err := e.store.AppendGuardAction(ctx, rec); err != nil {
		slog.Error("Failed to append audit record",
			slog.String("kind", kind), slog.Any("error", err))
	}
}
