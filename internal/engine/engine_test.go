package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"trade_guard/internal/domain"
	"trade_guard/internal/exchange"
	"trade_guard/internal/infra"
	"trade_guard/internal/storage"
	"trade_guard/pkg/quant"
)

type fakeNotifier struct {
	mu       sync.Mutex
	events   []string
	messages []string
}

func (f *fakeNotifier) Notify(ctx context.Context, event, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeNotifier) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return ""
	}
	return f.messages[len(f.messages)-1]
}

func testConfig() *infra.Config {
	cfg := infra.DefaultConfig()
	cfg.Exchange.RestURL = "http://exchange.test"
	cfg.Exchange.AccessKey = "k"
	cfg.Exchange.SecretKey = "s"
	return cfg
}

func newTestEngine(t *testing.T) (*Engine, *storage.Memory, *exchange.Mock, *fakeNotifier) {
	t.Helper()
	store := storage.NewMemory()
	mock := exchange.NewMock()
	notifier := &fakeNotifier{}
	e := New(testConfig(), store, mock, notifier, nil)
	if err := e.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return e, store, mock, notifier
}

func testAlert(symbol, side string) *domain.Alert {
	return &domain.Alert{
		Symbol:           symbol,
		Side:             side,
		EntryPriceMicros: quant.ToPriceMicros(100),
	}
}

// seedSnapshot plants the exchange state the verifier will see for a freshly
// opened position: 100 USD margin at 10x on entry 100 = 10 units.
func seedSnapshot(mock *exchange.Mock, symbol, side string) {
	seed := exchange.PositionSnapshot{
		Symbol:         symbol,
		Side:           side,
		SizeSats:       quant.ToQtySats(10),
		AvgPriceMicros: quant.ToPriceMicros(100),
	}
	if side == domain.SideLong {
		seed.StopLossMicros = quant.ToPriceMicros(99)
		seed.TakeProfitMicros = quant.ToPriceMicros(101)
	} else {
		seed.StopLossMicros = quant.ToPriceMicros(101)
		seed.TakeProfitMicros = quant.ToPriceMicros(99)
	}
	mock.SetPosition(seed)
}

func TestProcessAlertOpensPosition(t *testing.T) {
	e, store, mock, _ := newTestEngine(t)
	ctx := context.Background()
	seedSnapshot(mock, "BTCUSDT", domain.SideLong)

	res, err := e.ProcessAlert(ctx, testAlert("BTCUSDT", domain.SideLong))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.AlertExecuted {
		t.Fatalf("status = %s (%s: %s), want executed", res.Status, res.Reason, res.Message)
	}
	if res.PositionID == "" {
		t.Fatal("executed result must carry the position id")
	}

	if len(mock.OpenCalls) != 1 {
		t.Fatalf("open calls = %d, want 1", len(mock.OpenCalls))
	}
	req := mock.OpenCalls[0]
	if req.QtySats != quant.ToQtySats(10) {
		t.Errorf("qty = %s, want 10 (100 USD margin at 10x on entry 100)", req.QtySats)
	}
	if req.StopLossMicros != quant.ToPriceMicros(99) {
		t.Errorf("sl = %s, want 99 (1%% risk)", req.StopLossMicros)
	}
	if req.TakeProfitMicros != quant.ToPriceMicros(101) {
		t.Errorf("tp1 = %s, want 101 (1%% reward)", req.TakeProfitMicros)
	}

	pos, err := store.GetPosition(ctx, res.PositionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pos.TakeProfits) != 3 {
		t.Fatalf("tp levels = %d, want 3", len(pos.TakeProfits))
	}
	if pos.RemainingSats != pos.QtySats {
		t.Error("fresh position must have full remaining quantity")
	}

	// The lock must be released: a duplicate is rejected as duplicate, not
	// as locked.
	res2, err := e.ProcessAlert(ctx, testAlert("BTCUSDT", domain.SideLong))
	if err != nil {
		t.Fatal(err)
	}
	if res2.Reason != domain.ReasonDuplicatePosition {
		t.Fatalf("duplicate reason = %s, want duplicate_position", res2.Reason)
	}
}

func TestProcessAlertUsesAlertProtectiveHints(t *testing.T) {
	e, _, mock, _ := newTestEngine(t)
	seedSnapshot(mock, "BTCUSDT", domain.SideLong)

	alert := testAlert("BTCUSDT", domain.SideLong)
	alert.StopLossMicros = quant.ToPriceMicros(98.2)
	alert.TP1Micros = quant.ToPriceMicros(103)

	// Snapshot must match the hints or verification soft-fails; either way
	// the hints must reach the exchange.
	mock.SetPosition(exchange.PositionSnapshot{
		Symbol:           "BTCUSDT",
		Side:             domain.SideLong,
		SizeSats:         quant.ToQtySats(10),
		AvgPriceMicros:   quant.ToPriceMicros(100),
		StopLossMicros:   quant.ToPriceMicros(98.2),
		TakeProfitMicros: quant.ToPriceMicros(103),
	})

	if _, err := e.ProcessAlert(context.Background(), alert); err != nil {
		t.Fatal(err)
	}
	req := mock.OpenCalls[0]
	if req.StopLossMicros != quant.ToPriceMicros(98.2) {
		t.Errorf("sl = %s, want the alert hint 98.2", req.StopLossMicros)
	}
	if req.TakeProfitMicros != quant.ToPriceMicros(103) {
		t.Errorf("tp1 = %s, want the alert hint 103", req.TakeProfitMicros)
	}
}

func TestProcessAlertInvalidIsRejected(t *testing.T) {
	e, _, mock, _ := newTestEngine(t)

	res, err := e.ProcessAlert(context.Background(), &domain.Alert{Symbol: "BTCUSDT", Side: "SIDEWAYS"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.AlertRejected || res.Reason != domain.ReasonValidation {
		t.Fatalf("status=%s reason=%s, want validation reject", res.Status, res.Reason)
	}
	if len(mock.OpenCalls) != 0 {
		t.Error("invalid alert must never reach the exchange")
	}
}

func TestProcessAlertWithoutCredentialsTakesNoAction(t *testing.T) {
	store := storage.NewMemory()
	mock := exchange.NewMock()
	cfg := testConfig()
	cfg.Exchange.AccessKey = ""
	e := New(cfg, store, mock, &fakeNotifier{}, nil)

	res, err := e.ProcessAlert(context.Background(), testAlert("BTCUSDT", domain.SideLong))
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != domain.ReasonConfigMissing {
		t.Fatalf("reason = %s, want config_missing", res.Reason)
	}
	if res.Status != domain.AlertPending {
		t.Fatalf("status = %s, want the alert stored as pending", res.Status)
	}
	if len(mock.OpenCalls) != 0 {
		t.Error("no credentials means no exchange calls")
	}
	_ = store
}

func TestProcessAlertSymbolLocked(t *testing.T) {
	e, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	if err := store.AcquireSymbolLock(ctx, "BTCUSDT", domain.SideLong, "other-token", time.Minute); err != nil {
		t.Fatal(err)
	}

	res, err := e.ProcessAlert(ctx, testAlert("BTCUSDT", domain.SideLong))
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != domain.ReasonSymbolLocked {
		t.Fatalf("reason = %s, want symbol_locked", res.Reason)
	}
}

func TestProcessAlertOpenFailure(t *testing.T) {
	e, _, mock, _ := newTestEngine(t)
	mock.OpenErr = &exchange.Error{Code: "40015", Message: "insufficient balance"}

	res, err := e.ProcessAlert(context.Background(), testAlert("BTCUSDT", domain.SideLong))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.AlertErrorRejected || res.Reason != domain.ReasonOpenFailed {
		t.Fatalf("status=%s reason=%s, want error_rejected/open_failed", res.Status, res.Reason)
	}

	// The lock must not leak after a failed open.
	mock.OpenErr = nil
	seedSnapshot(mock, "BTCUSDT", domain.SideLong)
	res2, err := e.ProcessAlert(context.Background(), testAlert("BTCUSDT", domain.SideLong))
	if err != nil {
		t.Fatal(err)
	}
	if res2.Status != domain.AlertExecuted {
		t.Fatalf("retry after failure: status=%s reason=%s, want executed", res2.Status, res2.Reason)
	}
}

func TestProcessAlertHardFailUnwindsAndBans(t *testing.T) {
	e, store, mock, _ := newTestEngine(t)
	ctx := context.Background()

	// Exchange reports half the planned quantity: hard fail.
	mock.SetPosition(exchange.PositionSnapshot{
		Symbol:         "BTCUSDT",
		Side:           domain.SideLong,
		SizeSats:       quant.ToQtySats(5),
		AvgPriceMicros: quant.ToPriceMicros(100),
	})

	res, err := e.ProcessAlert(ctx, testAlert("BTCUSDT", domain.SideLong))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.AlertErrorRejected || res.Reason != domain.ReasonVerifyHardFail {
		t.Fatalf("status=%s reason=%s, want error_rejected/verify_hard_fail", res.Status, res.Reason)
	}
	if len(mock.CloseCalls) != 1 {
		t.Fatalf("close calls = %d, want compensating close", len(mock.CloseCalls))
	}

	// Nothing persisted locally.
	open, _ := store.OpenPositions(ctx, "BTCUSDT")
	if len(open) != 0 {
		t.Fatalf("open positions = %d, want 0 after unwind", len(open))
	}

	// The symbol is banned until an operator clears it.
	ban, err := store.ActiveBan(ctx, "BTCUSDT", time.Now().Add(1000*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if ban == nil || ban.Reason != domain.BanReasonVerifyFail {
		t.Fatalf("ban = %+v, want a non-expiring verify_hard_fail ban", ban)
	}

	res2, err := e.ProcessAlert(ctx, testAlert("BTCUSDT", domain.SideLong))
	if err != nil {
		t.Fatal(err)
	}
	if res2.Reason != domain.ReasonSymbolBanned {
		t.Fatalf("follow-up reason = %s, want symbol_banned", res2.Reason)
	}
}

func TestProcessAlertMarketReversal(t *testing.T) {
	e, store, mock, _ := newTestEngine(t)
	ctx := context.Background()
	seedSnapshot(mock, "BTCUSDT", domain.SideLong)

	first, err := e.ProcessAlert(ctx, testAlert("BTCUSDT", domain.SideLong))
	if err != nil || first.Status != domain.AlertExecuted {
		t.Fatalf("setup open failed: %v %+v", err, first)
	}

	mock.Prices["BTCUSDT"] = quant.ToPriceMicros(102)
	seedSnapshot(mock, "BTCUSDT", domain.SideShort)

	res, err := e.ProcessAlert(ctx, testAlert("BTCUSDT", domain.SideShort))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.AlertExecuted {
		t.Fatalf("reversal status = %s (%s), want executed", res.Status, res.Reason)
	}

	hist := store.History()
	if len(hist) != 1 {
		t.Fatalf("archived = %d, want the old long closed", len(hist))
	}
	if hist[0].Position.CloseReason != domain.CloseReasonOppositeDirection {
		t.Errorf("close reason = %s, want opposite_direction", hist[0].Position.CloseReason)
	}
	if hist[0].RealizedPnlMicros <= 0 {
		t.Errorf("realized pnl = %d, want profit from 100 -> 102 long", hist[0].RealizedPnlMicros)
	}

	open, _ := store.OpenPositions(ctx, "BTCUSDT")
	if len(open) != 1 || open[0].Side != domain.SideShort {
		t.Fatalf("open after reversal = %+v, want one short", open)
	}
}

func TestProcessAlertReversalCloseFailureRejects(t *testing.T) {
	e, store, mock, _ := newTestEngine(t)
	ctx := context.Background()
	seedSnapshot(mock, "BTCUSDT", domain.SideLong)

	if res, err := e.ProcessAlert(ctx, testAlert("BTCUSDT", domain.SideLong)); err != nil || res.Status != domain.AlertExecuted {
		t.Fatalf("setup open failed: %v %+v", err, res)
	}

	mock.CloseErr = context.DeadlineExceeded

	res, err := e.ProcessAlert(ctx, testAlert("BTCUSDT", domain.SideShort))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.AlertRejected || res.Reason != domain.ReasonFailedCloseOpp {
		t.Fatalf("status=%s reason=%s, want rejected/failed_close_opposite", res.Status, res.Reason)
	}

	// The original long survives; nothing new opened.
	open, _ := store.OpenPositions(ctx, "BTCUSDT")
	if len(open) != 1 || open[0].Side != domain.SideLong {
		t.Fatalf("open = %+v, want the original long untouched", open)
	}
}

func TestProcessAlertTracksConfirmations(t *testing.T) {
	e, store, mock, _ := newTestEngine(t)
	e.cfg.Trading.SameDirection = domain.SameDirTrackConfirmations
	ctx := context.Background()
	seedSnapshot(mock, "BTCUSDT", domain.SideLong)

	first, err := e.ProcessAlert(ctx, testAlert("BTCUSDT", domain.SideLong))
	if err != nil || first.Status != domain.AlertExecuted {
		t.Fatalf("setup open failed: %v %+v", err, first)
	}

	res, err := e.ProcessAlert(ctx, testAlert("BTCUSDT", domain.SideLong))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.AlertExecuted || res.PositionID != first.PositionID {
		t.Fatalf("upgrade result = %+v, want executed against the same position", res)
	}
	if len(mock.OpenCalls) != 1 {
		t.Fatal("a tracked confirmation must not place a second order")
	}

	pos, _ := store.GetPosition(ctx, first.PositionID)
	if pos.Confirmations != 1 {
		t.Fatalf("confirmations = %d, want 1", pos.Confirmations)
	}
}

func TestForceCloseCapitulationBan(t *testing.T) {
	e, store, _, _ := newTestEngine(t)
	ctx := context.Background()
	cur := quant.ToPriceMicros(95)

	for i := 0; i < 3; i++ {
		p := guardPosition()
		p.ID = "p" + string(rune('1'+i))
		if err := store.SavePosition(ctx, p); err != nil {
			t.Fatal(err)
		}
		if err := e.ForceClose(ctx, p, domain.CloseReasonSLHit, cur); err != nil {
			t.Fatal(err)
		}
	}

	ban, err := store.ActiveBan(ctx, "BTCUSDT", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if ban == nil || ban.Reason != domain.BanReasonCapitulation {
		t.Fatalf("ban = %+v, want capitulation ban after 3 forced closes", ban)
	}
	if ban.ExpiresAtUnixM == 0 {
		t.Error("capitulation bans must expire on their own")
	}

	res, err := e.ProcessAlert(ctx, testAlert("BTCUSDT", domain.SideLong))
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != domain.ReasonSymbolBanned {
		t.Fatalf("reason = %s, want symbol_banned", res.Reason)
	}
}

func TestCloseForProfitDoesNotCountTowardCapitulation(t *testing.T) {
	e, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		p := guardPosition()
		p.ID = "p" + string(rune('1'+i))
		store.SavePosition(ctx, p)
		if err := e.CloseForProfit(ctx, p, domain.CloseReasonTPFinal, quant.ToPriceMicros(105)); err != nil {
			t.Fatal(err)
		}
	}

	ban, err := store.ActiveBan(ctx, "BTCUSDT", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if ban != nil {
		t.Fatalf("profitable closes must never ban a symbol, got %+v", ban)
	}
}

func TestForceCloseBenignWhenPositionGone(t *testing.T) {
	e, store, mock, _ := newTestEngine(t)
	ctx := context.Background()
	mock.CloseErr = &exchange.Error{Code: "40012", Message: "position not found"}

	p := guardPosition()
	store.SavePosition(ctx, p)

	if err := e.ForceClose(ctx, p, domain.CloseReasonSLHit, quant.ToPriceMicros(95)); err != nil {
		t.Fatalf("position gone on exchange must archive cleanly, got %v", err)
	}
	if len(store.History()) != 1 {
		t.Fatal("position must be archived locally")
	}
}

func TestOverlappingForceClosesArchiveOnce(t *testing.T) {
	e, store, mock, _ := newTestEngine(t)
	ctx := context.Background()
	store.SavePosition(ctx, guardPosition())

	// Two guard scans holding copies of the same pre-tick snapshot.
	a, _ := store.GetPosition(ctx, "p1")
	b, _ := store.GetPosition(ctx, "p1")
	cur := quant.ToPriceMicros(95)
	if err := e.ForceClose(ctx, a, domain.CloseReasonSLHit, cur); err != nil {
		t.Fatal(err)
	}
	if err := e.ForceClose(ctx, b, domain.CloseReasonSLHit, cur); err != nil {
		t.Fatal(err)
	}

	if len(mock.CloseCalls) != 1 {
		t.Fatalf("close calls = %d, want exactly 1", len(mock.CloseCalls))
	}
	if len(store.History()) != 1 {
		t.Fatalf("archived = %d, want exactly 1", len(store.History()))
	}
	// The losing call must not have counted toward capitulation.
	if count, _ := store.BumpCapitulation(ctx, "BTCUSDT"); count != 2 {
		t.Fatalf("capitulation count = %d, want 1 forced close + this bump = 2", count)
	}
}

func TestForceCloseFailureReturnsPositionToBook(t *testing.T) {
	e, store, mock, _ := newTestEngine(t)
	ctx := context.Background()
	store.SavePosition(ctx, guardPosition())
	mock.CloseErr = context.DeadlineExceeded

	p, _ := store.GetPosition(ctx, "p1")
	if err := e.ForceClose(ctx, p, domain.CloseReasonSLHit, quant.ToPriceMicros(95)); err == nil {
		t.Fatal("transport failure on close must surface")
	}
	open, _ := store.OpenPositions(ctx, "BTCUSDT")
	if len(open) != 1 {
		t.Fatalf("open = %d, want the position back for the next tick", len(open))
	}

	mock.CloseErr = nil
	p2, _ := store.GetPosition(ctx, "p1")
	if err := e.ForceClose(ctx, p2, domain.CloseReasonSLHit, quant.ToPriceMicros(95)); err != nil {
		t.Fatal(err)
	}
	if len(store.History()) != 1 {
		t.Fatalf("archived = %d after retry, want 1", len(store.History()))
	}
}

func TestBreakerTripsOnceAndNotifiesOnce(t *testing.T) {
	e, store, mock, notifier := newTestEngine(t)
	ctx := context.Background()

	p := guardPosition()
	store.SavePosition(ctx, p)

	block := &exchange.PlatformBlockError{Status: 403, ContentType: "text/html", Server: "CloudFront", Endpoint: "/api/v2/order"}
	e.handleBlock(ctx, block)
	e.handleBlock(ctx, block) // second detection must be silent

	if notifier.count() != 1 {
		t.Fatalf("notifications = %d, want exactly 1", notifier.count())
	}
	if e.Enabled() {
		t.Fatal("engine must be disabled after a trip")
	}

	lock, err := store.BreakerLock(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !lock.Engaged {
		t.Fatal("breaker lock must be persisted")
	}

	// The book was force-closed exactly once.
	if len(mock.CloseCalls) != 1 {
		t.Fatalf("close calls = %d, want 1", len(mock.CloseCalls))
	}
	hist := store.History()
	if len(hist) != 1 || hist[0].Position.CloseReason != domain.CloseReasonCircuitBreaker {
		t.Fatalf("history = %+v, want one circuit_breaker close", hist)
	}

	// New alerts are refused while tripped.
	res, err := e.ProcessAlert(ctx, testAlert("ETHUSDT", domain.SideLong))
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != domain.ReasonEngineDisabled {
		t.Fatalf("reason = %s, want engine_disabled", res.Reason)
	}
}

func TestBreakerNotificationCountsOnlyClosedPositions(t *testing.T) {
	e, store, mock, notifier := newTestEngine(t)
	ctx := context.Background()

	p1 := guardPosition()
	p2 := guardPosition()
	p2.ID = "p2"
	p2.Symbol = "ETHUSDT"
	store.SavePosition(ctx, p1)
	store.SavePosition(ctx, p2)
	mock.CloseErrBySymbol["ETHUSDT"] = context.DeadlineExceeded

	e.handleBlock(ctx, &exchange.PlatformBlockError{Status: 403, Endpoint: "/x"})

	msg := notifier.last()
	if !strings.Contains(msg, "1 positions closed") || !strings.Contains(msg, "1 close failures") {
		t.Fatalf("notification = %q, want one closed and one failure reported", msg)
	}
	if len(store.History()) != 1 {
		t.Fatalf("archived = %d, want only the successful close", len(store.History()))
	}
}

func TestBreakerTripViaExchangeCall(t *testing.T) {
	e, _, mock, notifier := newTestEngine(t)
	mock.OpenErr = &exchange.PlatformBlockError{Status: 403, Endpoint: "/api/v2/order"}

	res, err := e.ProcessAlert(context.Background(), testAlert("BTCUSDT", domain.SideLong))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.AlertErrorRejected {
		t.Fatalf("status = %s, want error_rejected", res.Status)
	}
	if e.Enabled() {
		t.Fatal("a block surfacing through any call must trip the breaker")
	}
	if notifier.count() != 1 {
		t.Fatalf("notifications = %d, want 1", notifier.count())
	}
}

func TestEnableRearmsAfterTrip(t *testing.T) {
	e, store, mock, _ := newTestEngine(t)
	ctx := context.Background()

	e.handleBlock(ctx, &exchange.PlatformBlockError{Status: 403, Endpoint: "/x"})
	if e.Enabled() {
		t.Fatal("tripped")
	}

	if err := e.Enable(ctx); err != nil {
		t.Fatal(err)
	}
	if !e.Enabled() {
		t.Fatal("enable must re-admit opens")
	}
	lock, _ := store.BreakerLock(ctx)
	if lock.Engaged {
		t.Fatal("enable must clear the persisted breaker lock")
	}

	seedSnapshot(mock, "BTCUSDT", domain.SideLong)
	res, err := e.ProcessAlert(ctx, testAlert("BTCUSDT", domain.SideLong))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.AlertExecuted {
		t.Fatalf("post-enable status = %s (%s), want executed", res.Status, res.Reason)
	}
}

func TestInitHonorsPersistedBreaker(t *testing.T) {
	store := storage.NewMemory()
	if _, err := store.EngageBreaker(context.Background(), "previous run", time.Now()); err != nil {
		t.Fatal(err)
	}

	e := New(testConfig(), store, exchange.NewMock(), &fakeNotifier{}, nil)
	if err := e.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if e.Enabled() {
		t.Fatal("a breaker engaged before restart must keep the engine disabled")
	}
}

func TestConcurrentAlertsOpenOnePosition(t *testing.T) {
	e, store, mock, _ := newTestEngine(t)
	ctx := context.Background()
	seedSnapshot(mock, "BTCUSDT", domain.SideLong)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.ProcessAlert(ctx, testAlert("BTCUSDT", domain.SideLong))
		}()
	}
	wg.Wait()

	open, err := store.OpenPositions(ctx, "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 {
		t.Fatalf("open positions = %d, want exactly 1 under concurrency", len(open))
	}
	if len(mock.OpenCalls) != 1 {
		t.Fatalf("open orders placed = %d, want exactly 1", len(mock.OpenCalls))
	}
}
