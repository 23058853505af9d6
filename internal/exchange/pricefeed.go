package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trade_guard/internal/infra"
	"trade_guard/pkg/quant"
)

// PriceFeed maintains a live mark-price cache over the exchange's websocket
// ticker stream. The monitor reads from this cache each tick and falls back
// to REST when a symbol has no fresh entry. It reconnects with exponential
// backoff and tolerates being down: staleness is surfaced, not hidden.
type PriceFeed struct {
	wsURL   string
	symbols []string

	mu       sync.RWMutex
	conn     *websocket.Conn
	pingDone chan struct{} // closed with the connection it belongs to
	prices   map[string]feedEntry

	writeMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	ReadTimeout  time.Duration
	PingInterval time.Duration
	MaxAge       time.Duration
}

type feedEntry struct {
	price quant.PriceMicros
	at    time.Time
}

// NewPriceFeed creates a feed for the given symbols.
func NewPriceFeed(wsURL string, symbols []string) *PriceFeed {
	return &PriceFeed{
		wsURL:        wsURL,
		symbols:      symbols,
		prices:       make(map[string]feedEntry),
		ReadTimeout:  60 * time.Second,
		PingInterval: 30 * time.Second,
		MaxAge:       15 * time.Second,
	}
}

// Start begins the connection loop in the background.
func (f *PriceFeed) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(1)
	go f.runLoop(ctx)
}

// Stop terminates the feed.
func (f *PriceFeed) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.close()
	f.wg.Wait()
}

// Price returns the cached mark price if it is fresh enough to act on.
func (f *PriceFeed) Price(symbol string) (quant.PriceMicros, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.prices[symbol]
	if !ok || time.Since(entry.at) > f.MaxAge {
		return 0, false
	}
	return entry.price, true
}

// Track adds a symbol to the subscription set; takes effect on the next
// (re)connect.
func (f *PriceFeed) Track(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.symbols {
		if s == symbol {
			return
		}
	}
	f.symbols = append(f.symbols, symbol)
}

func (f *PriceFeed) runLoop(ctx context.Context) {
	defer f.wg.Done()
	retry := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := f.connect(ctx); err != nil {
			slog.Warn("Price feed connect failed", slog.Any("error", err), slog.Int("retry", retry))
			delay := infra.CalculateBackoff(retry)
			retry++

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		retry = 0
		f.readLoop(ctx)
	}
}

func (f *PriceFeed) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.pingDone = make(chan struct{})
	done := f.pingDone
	symbols := make([]string, len(f.symbols))
	copy(symbols, f.symbols)
	f.mu.Unlock()

	sub := map[string]any{"op": "subscribe", "channel": "ticker", "symbols": symbols}
	data, _ := json.Marshal(sub)
	if err := f.write(websocket.TextMessage, data); err != nil {
		f.close()
		return err
	}

	go f.pingLoop(ctx, done)

	slog.Info("Price feed connected", slog.Int("symbols", len(symbols)))
	return nil
}

type tickerMsg struct {
	Symbol    string `json:"symbol"`
	MarkPrice string `json:"markPrice"`
}

func (f *PriceFeed) readLoop(ctx context.Context) {
	for {
		f.mu.RLock()
		c := f.conn
		f.mu.RUnlock()
		if c == nil {
			return
		}

		c.SetReadDeadline(time.Now().Add(f.ReadTimeout))
		_, msg, err := c.ReadMessage()
		if err != nil {
			slog.Warn("Price feed read error", slog.Any("error", err))
			f.close()
			return
		}

		var tick tickerMsg
		if err := json.Unmarshal(msg, &tick); err != nil || tick.Symbol == "" {
			continue
		}
		price := quant.ToPriceMicrosStr(tick.MarkPrice)
		if price <= 0 {
			continue
		}

		f.mu.Lock()
		f.prices[tick.Symbol] = feedEntry{price: price, at: time.Now()}
		f.mu.Unlock()
	}
}

// pingLoop keeps one connection alive. done belongs to that connection and is
// closed with it, so a reconnect never accumulates loops pinging the new
// socket.
func (f *PriceFeed) pingLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(f.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := f.write(websocket.PingMessage, nil); err != nil {
				slog.Warn("Price feed ping error", slog.Any("error", err))
				f.close()
				return
			}
		}
	}
}

func (f *PriceFeed) write(msgType int, data []byte) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	f.mu.RLock()
	c := f.conn
	f.mu.RUnlock()
	if c == nil {
		return websocket.ErrCloseSent
	}
	return c.WriteMessage(msgType, data)
}

func (f *PriceFeed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	if f.pingDone != nil {
		close(f.pingDone)
		f.pingDone = nil
	}
}
