package exchange

import (
	"fmt"

	"trade_guard/pkg/quant"
)

// OpenRequest describes a market open with optional protective orders
// attached server-side.
type OpenRequest struct {
	Symbol           string
	Side             string
	QtySats          quant.QtySats
	Leverage         int64
	StopLossMicros   quant.PriceMicros // 0 = none
	TakeProfitMicros quant.PriceMicros // 0 = none
}

// PositionSnapshot is the exchange's current view of a position.
type PositionSnapshot struct {
	Symbol           string
	Side             string
	SizeSats         quant.QtySats
	AvgPriceMicros   quant.PriceMicros
	Leverage         int64
	StopLossMicros   quant.PriceMicros // 0 = not attached
	TakeProfitMicros quant.PriceMicros // 0 = not attached
}

// AlgoOrder is a resting protective order (stop-loss or take-profit trigger).
type AlgoOrder struct {
	Symbol           string
	Side             string
	StopLossMicros   quant.PriceMicros
	TakeProfitMicros quant.PriceMicros
}

// Error is a structured exchange-level failure: the endpoint answered, but
// refused the request. Distinct from transport errors and platform blocks.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("exchange error %s: %s", e.Code, e.Message)
}

// PlatformBlockError indicates the exchange's edge is refusing us wholesale:
// geo-block, WAF, or similar. This is the breaker's trip condition, never
// retried by the transport.
type PlatformBlockError struct {
	Status      int
	ContentType string
	Server      string
	Endpoint    string
}

func (e *PlatformBlockError) Error() string {
	return fmt.Sprintf("platform block at %s: status=%d content_type=%q server=%q",
		e.Endpoint, e.Status, e.ContentType, e.Server)
}
