package exchange

import (
	"context"

	"trade_guard/pkg/quant"
)

// Client is the exchange collaborator. All engine-side exchange traffic goes
// through this interface, which lets the circuit breaker wrap every call and
// lets tests substitute a scripted implementation.
type Client interface {
	// OpenPosition submits a leveraged market open, optionally attaching
	// protective orders, and returns the exchange order id.
	OpenPosition(ctx context.Context, req OpenRequest) (string, error)

	// ClosePosition market-closes the position on symbol+side in full and
	// returns the closing order id.
	ClosePosition(ctx context.Context, symbol, side string) (string, error)

	// ClosePartial market-closes part of the position.
	ClosePartial(ctx context.Context, symbol, side string, qty quant.QtySats) (string, error)

	// GetPositions returns the exchange's view of open positions.
	// symbol == "" returns all.
	GetPositions(ctx context.Context, symbol string) ([]PositionSnapshot, error)

	// GetAlgoOrders returns resting protective orders. symbol == "" returns all.
	GetAlgoOrders(ctx context.Context, symbol string) ([]AlgoOrder, error)

	// PlaceAlgoOrders attaches protective orders to an existing position.
	// Zero prices are skipped.
	PlaceAlgoOrders(ctx context.Context, symbol, side string, sl, tp quant.PriceMicros) error

	// GetMarketPrice returns the current mark price for a symbol.
	GetMarketPrice(ctx context.Context, symbol string) (quant.PriceMicros, error)

	// GetRealizedPnl returns the realized PnL for a closing order, when the
	// exchange has it. ok == false means the caller should fall back to its
	// own computation.
	GetRealizedPnl(ctx context.Context, orderID, symbol string) (pnlMicros int64, ok bool, err error)
}
