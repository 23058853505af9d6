package engine

import (
	"context"
	"errors"

	"trade_guard/internal/exchange"
	"trade_guard/pkg/quant"
)

// BlockGuard wraps an exchange client and inspects every result for a
// platform block. On detection it invokes onBlock and still returns the
// original error, so callers see the failure while the breaker handles the
// global reaction. The trip itself is idempotent further up (store CAS).
type BlockGuard struct {
	inner   exchange.Client
	onBlock func(ctx context.Context, blockErr *exchange.PlatformBlockError)
}

// NewBlockGuard wraps inner so every call is breaker-inspected.
func NewBlockGuard(inner exchange.Client, onBlock func(ctx context.Context, blockErr *exchange.PlatformBlockError)) *BlockGuard {
	return &BlockGuard{inner: inner, onBlock: onBlock}
}

func (g *BlockGuard) inspect(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var blockErr *exchange.PlatformBlockError
	if errors.As(err, &blockErr) && g.onBlock != nil {
		g.onBlock(ctx, blockErr)
	}
	return err
}

func (g *BlockGuard) OpenPosition(ctx context.Context, req exchange.OpenRequest) (string, error) {
	id, err := g.inner.OpenPosition(ctx, req)
	return id, g.inspect(ctx, err)
}

func (g *BlockGuard) ClosePosition(ctx context.Context, symbol, side string) (string, error) {
	id, err := g.inner.ClosePosition(ctx, symbol, side)
	return id, g.inspect(ctx, err)
}

func (g *BlockGuard) ClosePartial(ctx context.Context, symbol, side string, qty quant.QtySats) (string, error) {
	id, err := g.inner.ClosePartial(ctx, symbol, side, qty)
	return id, g.inspect(ctx, err)
}

func (g *BlockGuard) GetPositions(ctx context.Context, symbol string) ([]exchange.PositionSnapshot, error) {
	snaps, err := g.inner.GetPositions(ctx, symbol)
	return snaps, g.inspect(ctx, err)
}

func (g *BlockGuard) GetAlgoOrders(ctx context.Context, symbol string) ([]exchange.AlgoOrder, error) {
	orders, err := g.inner.GetAlgoOrders(ctx, symbol)
	return orders, g.inspect(ctx, err)
}

func (g *BlockGuard) PlaceAlgoOrders(ctx context.Context, symbol, side string, sl, tp quant.PriceMicros) error {
	return g.inspect(ctx, g.inner.PlaceAlgoOrders(ctx, symbol, side, sl, tp))
}

func (g *BlockGuard) GetMarketPrice(ctx context.Context, symbol string) (quant.PriceMicros, error) {
	price, err := g.inner.GetMarketPrice(ctx, symbol)
	return price, g.inspect(ctx, err)
}

func (g *BlockGuard) GetRealizedPnl(ctx context.Context, orderID, symbol string) (int64, bool, error) {
	pnl, ok, err := g.inner.GetRealizedPnl(ctx, orderID, symbol)
	return pnl, ok, g.inspect(ctx, err)
}
