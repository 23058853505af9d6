package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"trade_guard/internal/infra"
	"trade_guard/pkg/quant"
)

// RESTClient talks to the derivatives exchange's REST API. Request signing,
// symbol-name conversion and precision rounding live behind this boundary;
// the engine above only ever sees typed results.
type RESTClient struct {
	baseURL    string
	accessKey  string
	secretKey  string
	maxRetries int
	httpClient *http.Client
}

// NewRESTClient creates a REST client from config.
func NewRESTClient(cfg *infra.Config) *RESTClient {
	timeout := time.Duration(cfg.Exchange.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RESTClient{
		baseURL:    strings.TrimRight(cfg.Exchange.RestURL, "/"),
		accessKey:  cfg.Exchange.AccessKey,
		secretKey:  cfg.Exchange.SecretKey,
		maxRetries: cfg.Exchange.MaxRetries,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// envelope is the exchange's standard response wrapper. Numeric fields arrive
// as strings and are parsed with decimal at this boundary only.
type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

const codeOK = "00000"

type wirePosition struct {
	Symbol     string `json:"symbol"`
	Side       string `json:"holdSide"`
	Size       string `json:"total"`
	AvgPrice   string `json:"averageOpenPrice"`
	Leverage   int64  `json:"leverage"`
	StopLoss   string `json:"presetStopLossPrice"`
	TakeProfit string `json:"presetTakeProfitPrice"`
}

type wireAlgoOrder struct {
	Symbol     string `json:"symbol"`
	Side       string `json:"holdSide"`
	StopLoss   string `json:"triggerStopPrice"`
	TakeProfit string `json:"triggerProfitPrice"`
}

// OpenPosition implements Client.
func (c *RESTClient) OpenPosition(ctx context.Context, req OpenRequest) (string, error) {
	body := map[string]any{
		"symbol":   req.Symbol,
		"holdSide": req.Side,
		"size":     req.QtySats.String(),
		"leverage": req.Leverage,
	}
	if req.StopLossMicros > 0 {
		body["presetStopLossPrice"] = req.StopLossMicros.String()
	}
	if req.TakeProfitMicros > 0 {
		body["presetTakeProfitPrice"] = req.TakeProfitMicros.String()
	}

	var out struct {
		OrderID string `json:"orderId"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/v1/position/open", nil, body, &out, infra.GetOrderLimiter()); err != nil {
		return "", err
	}
	return out.OrderID, nil
}

// ClosePosition implements Client.
func (c *RESTClient) ClosePosition(ctx context.Context, symbol, side string) (string, error) {
	var out struct {
		OrderID string `json:"orderId"`
	}
	body := map[string]any{"symbol": symbol, "holdSide": side}
	if err := c.call(ctx, http.MethodPost, "/api/v1/position/close", nil, body, &out, infra.GetOrderLimiter()); err != nil {
		return "", err
	}
	return out.OrderID, nil
}

// ClosePartial implements Client.
func (c *RESTClient) ClosePartial(ctx context.Context, symbol, side string, qty quant.QtySats) (string, error) {
	var out struct {
		OrderID string `json:"orderId"`
	}
	body := map[string]any{"symbol": symbol, "holdSide": side, "size": qty.String()}
	if err := c.call(ctx, http.MethodPost, "/api/v1/position/close", nil, body, &out, infra.GetOrderLimiter()); err != nil {
		return "", err
	}
	return out.OrderID, nil
}

// GetPositions implements Client.
func (c *RESTClient) GetPositions(ctx context.Context, symbol string) ([]PositionSnapshot, error) {
	q := url.Values{}
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	var wire []wirePosition
	if err := c.call(ctx, http.MethodGet, "/api/v1/positions", q, nil, &wire, infra.GetAccountLimiter()); err != nil {
		return nil, err
	}

	snaps := make([]PositionSnapshot, 0, len(wire))
	for _, w := range wire {
		snaps = append(snaps, PositionSnapshot{
			Symbol:           w.Symbol,
			Side:             strings.ToUpper(w.Side),
			SizeSats:         parseQty(w.Size),
			AvgPriceMicros:   parsePrice(w.AvgPrice),
			Leverage:         w.Leverage,
			StopLossMicros:   parsePrice(w.StopLoss),
			TakeProfitMicros: parsePrice(w.TakeProfit),
		})
	}
	return snaps, nil
}

// GetAlgoOrders implements Client.
func (c *RESTClient) GetAlgoOrders(ctx context.Context, symbol string) ([]AlgoOrder, error) {
	q := url.Values{}
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	var wire []wireAlgoOrder
	if err := c.call(ctx, http.MethodGet, "/api/v1/algo-orders", q, nil, &wire, infra.GetAccountLimiter()); err != nil {
		return nil, err
	}

	orders := make([]AlgoOrder, 0, len(wire))
	for _, w := range wire {
		orders = append(orders, AlgoOrder{
			Symbol:           w.Symbol,
			Side:             strings.ToUpper(w.Side),
			StopLossMicros:   parsePrice(w.StopLoss),
			TakeProfitMicros: parsePrice(w.TakeProfit),
		})
	}
	return orders, nil
}

// PlaceAlgoOrders implements Client.
func (c *RESTClient) PlaceAlgoOrders(ctx context.Context, symbol, side string, sl, tp quant.PriceMicros) error {
	body := map[string]any{"symbol": symbol, "holdSide": side}
	if sl > 0 {
		body["triggerStopPrice"] = sl.String()
	}
	if tp > 0 {
		body["triggerProfitPrice"] = tp.String()
	}
	return c.call(ctx, http.MethodPost, "/api/v1/algo-orders", nil, body, nil, infra.GetOrderLimiter())
}

// GetMarketPrice implements Client.
func (c *RESTClient) GetMarketPrice(ctx context.Context, symbol string) (quant.PriceMicros, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	var out struct {
		MarkPrice string `json:"markPrice"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/ticker", q, nil, &out, infra.GetMarketLimiter()); err != nil {
		return 0, err
	}
	price := parsePrice(out.MarkPrice)
	if price <= 0 {
		return 0, fmt.Errorf("exchange returned non-positive mark price %q for %s", out.MarkPrice, symbol)
	}
	return price, nil
}

// GetRealizedPnl implements Client.
func (c *RESTClient) GetRealizedPnl(ctx context.Context, orderID, symbol string) (int64, bool, error) {
	q := url.Values{}
	q.Set("orderId", orderID)
	q.Set("symbol", symbol)
	var out struct {
		RealizedPnl string `json:"realizedPnl"`
	}
	err := c.call(ctx, http.MethodGet, "/api/v1/fills/pnl", q, nil, &out, infra.GetAccountLimiter())
	if err != nil {
		var exErr *Error
		if errors.As(err, &exErr) {
			// The fill may not be settled yet; caller falls back.
			return 0, false, nil
		}
		return 0, false, err
	}
	if out.RealizedPnl == "" {
		return 0, false, nil
	}
	return int64(parsePrice(out.RealizedPnl)), true, nil
}

// call performs one logical API call: rate limit, retry with backoff on
// transport errors, classify platform blocks. Exchange refusals and platform
// blocks are permanent and never retried here.
func (c *RESTClient) call(ctx context.Context, method, path string, query url.Values, body any, out any, limiter *infra.RateLimiter) error {
	permanent := func(err error) bool {
		var blockErr *PlatformBlockError
		var exErr *Error
		return errors.As(err, &blockErr) || errors.As(err, &exErr)
	}

	return infra.Retry(ctx, c.maxRetries, permanent, func() error {
		limiter.Wait()
		return c.doOnce(ctx, method, path, query, body, out)
	})
}

func (c *RESTClient) doOnce(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Access-Key", c.accessKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if blockErr := classifyBlock(resp, raw, path); blockErr != nil {
		slog.Warn("Platform block detected",
			slog.String("endpoint", path),
			slog.Int("status", blockErr.Status),
			slog.String("server", blockErr.Server))
		return blockErr
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("exchange server error: status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.Code != codeOK {
		return &Error{Code: env.Code, Message: env.Msg}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

// classifyBlock decides whether a response indicates the platform is blocking
// us rather than answering: an HTTP 403, an HTML body where JSON is expected,
// or an edge-network server header.
func classifyBlock(resp *http.Response, body []byte, endpoint string) *PlatformBlockError {
	contentType := resp.Header.Get("Content-Type")
	server := resp.Header.Get("Server")

	blocked := resp.StatusCode == http.StatusForbidden ||
		strings.Contains(strings.ToLower(contentType), "text/html") ||
		strings.Contains(strings.ToLower(server), "cloudfront") ||
		looksLikeHTML(body)

	if !blocked {
		return nil
	}
	return &PlatformBlockError{
		Status:      resp.StatusCode,
		ContentType: contentType,
		Server:      server,
		Endpoint:    endpoint,
	}
}

func looksLikeHTML(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && trimmed[0] == '<'
}

// parsePrice converts a decimal string from the wire to PriceMicros.
func parsePrice(s string) quant.PriceMicros {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return quant.PriceMicros(d.Shift(6).IntPart())
}

// parseQty converts a decimal string from the wire to QtySats.
func parseQty(s string) quant.QtySats {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return quant.QtySats(d.Shift(8).IntPart())
}
