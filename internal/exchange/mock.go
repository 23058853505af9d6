package exchange

import (
	"context"
	"fmt"
	"sync"

	"trade_guard/pkg/quant"
)

// Mock is a scripted in-memory exchange for tests: state is set directly,
// every mutating call is recorded, and each operation can be forced to fail.
type Mock struct {
	mu sync.Mutex

	Prices    map[string]quant.PriceMicros
	Positions []PositionSnapshot
	Algos     []AlgoOrder
	Pnl       map[string]int64 // orderID -> realized pnl micros

	OpenErr  error
	CloseErr error
	AlgoErr  error
	PriceErr error
	ListErr  error

	CloseErrBySymbol map[string]error

	OpenCalls    []OpenRequest
	CloseCalls   []CloseCall
	PartialCalls []PartialCall
	AlgoCalls    []AlgoCall

	nextID int
}

type CloseCall struct {
	Symbol string
	Side   string
}

type PartialCall struct {
	Symbol string
	Side   string
	Qty    quant.QtySats
}

type AlgoCall struct {
	Symbol string
	Side   string
	SL     quant.PriceMicros
	TP     quant.PriceMicros
}

// NewMock creates an empty mock exchange.
func NewMock() *Mock {
	return &Mock{
		Prices:           make(map[string]quant.PriceMicros),
		Pnl:              make(map[string]int64),
		CloseErrBySymbol: make(map[string]error),
	}
}

func (m *Mock) orderID() string {
	m.nextID++
	return fmt.Sprintf("ord-%d", m.nextID)
}

// SetPosition replaces the snapshot for symbol+side.
func (m *Mock) SetPosition(snap PositionSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.Positions {
		if m.Positions[i].Symbol == snap.Symbol && m.Positions[i].Side == snap.Side {
			m.Positions[i] = snap
			return
		}
	}
	m.Positions = append(m.Positions, snap)
}

func (m *Mock) OpenPosition(ctx context.Context, req OpenRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OpenCalls = append(m.OpenCalls, req)
	if m.OpenErr != nil {
		return "", m.OpenErr
	}
	return m.orderID(), nil
}

func (m *Mock) ClosePosition(ctx context.Context, symbol, side string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls = append(m.CloseCalls, CloseCall{Symbol: symbol, Side: side})
	if err := m.CloseErrBySymbol[symbol]; err != nil {
		return "", err
	}
	if m.CloseErr != nil {
		return "", m.CloseErr
	}
	kept := m.Positions[:0]
	for _, p := range m.Positions {
		if p.Symbol != symbol || p.Side != side {
			kept = append(kept, p)
		}
	}
	m.Positions = kept
	return m.orderID(), nil
}

func (m *Mock) ClosePartial(ctx context.Context, symbol, side string, qty quant.QtySats) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PartialCalls = append(m.PartialCalls, PartialCall{Symbol: symbol, Side: side, Qty: qty})
	if m.CloseErr != nil {
		return "", m.CloseErr
	}
	for i := range m.Positions {
		if m.Positions[i].Symbol == symbol && m.Positions[i].Side == side {
			m.Positions[i].SizeSats -= qty
		}
	}
	return m.orderID(), nil
}

func (m *Mock) GetPositions(ctx context.Context, symbol string) ([]PositionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	var out []PositionSnapshot
	for _, p := range m.Positions {
		if symbol == "" || p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Mock) GetAlgoOrders(ctx context.Context, symbol string) ([]AlgoOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	var out []AlgoOrder
	for _, a := range m.Algos {
		if symbol == "" || a.Symbol == symbol {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Mock) PlaceAlgoOrders(ctx context.Context, symbol, side string, sl, tp quant.PriceMicros) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AlgoCalls = append(m.AlgoCalls, AlgoCall{Symbol: symbol, Side: side, SL: sl, TP: tp})
	if m.AlgoErr != nil {
		return m.AlgoErr
	}
	m.Algos = append(m.Algos, AlgoOrder{Symbol: symbol, Side: side, StopLossMicros: sl, TakeProfitMicros: tp})
	return nil
}

func (m *Mock) GetMarketPrice(ctx context.Context, symbol string) (quant.PriceMicros, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PriceErr != nil {
		return 0, m.PriceErr
	}
	price, ok := m.Prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return price, nil
}

func (m *Mock) GetRealizedPnl(ctx context.Context, orderID, symbol string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pnl, ok := m.Pnl[orderID]
	return pnl, ok, nil
}
