// Package broker defines the broker contract used by the trading engine,
// independent of any specific execution venue, plus a deterministic mock
// implementation for backtesting and tests.
package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/apex-trader/internal/domain"
)

// Order is the broker's view of a placed order.
type Order struct {
	OrderID       string
	Symbol        string
	Quantity      float64
	Side          domain.TradeSide
	TimeInForce   string
	Status        string
	FilledQty     float64
	FilledAvgPrice float64
}

// Client is the broker contract the trading engine depends on. A live
// implementation wraps a specific venue's REST/websocket API; Mock below
// simulates fills in-process for backtests and tests.
type Client interface {
	GetAccount(ctx context.Context) (domain.AccountSnapshot, error)
	GetPositions(ctx context.Context) ([]domain.BrokerPosition, error)
	PlaceMarketOrder(ctx context.Context, symbol string, signedQty float64, timeInForce string) (Order, error)
	ClosePosition(ctx context.Context, symbol string) error
	CloseAllPositions(ctx context.Context) error
	CancelOrder(ctx context.Context, orderID string) error
	CancelAllOrders(ctx context.Context) error
	GetOpenOrders(ctx context.Context) ([]Order, error)
	IsMarketOpen(ctx context.Context) (bool, error)
}

// ExecutionCallback receives asynchronous fill notifications.
type ExecutionCallback func(domain.Execution)

// Mock is an in-process broker simulator: every order fills immediately
// at the supplied reference price, maintaining its own position and cash
// ledger so backtests need no live venue.
type Mock struct {
	mu sync.Mutex

	cash      float64
	positions map[string]*domain.Position
	orders    map[string]*Order
	nextOrder int

	marketOpen bool
	onExecution ExecutionCallback

	log zerolog.Logger
}

// NewMock creates a Mock broker seeded with startingCash.
func NewMock(startingCash float64, log zerolog.Logger) *Mock {
	return &Mock{
		cash:       startingCash,
		positions:  make(map[string]*domain.Position),
		orders:     make(map[string]*Order),
		marketOpen: true,
		log:        log.With().Str("component", "mock_broker").Logger(),
	}
}

// SetExecutionCallback registers a callback invoked on every simulated fill.
func (m *Mock) SetExecutionCallback(cb ExecutionCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExecution = cb
}

// SetMarketOpen controls the result of IsMarketOpen, for test scenarios.
func (m *Mock) SetMarketOpen(open bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marketOpen = open
}

func (m *Mock) GetAccount(ctx context.Context) (domain.AccountSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	equity := m.cash
	for _, p := range m.positions {
		equity += p.MarketValue()
	}
	return domain.AccountSnapshot{
		Cash:           m.cash,
		Equity:         equity,
		BuyingPower:    m.cash,
		PortfolioValue: equity,
		AccountNumber:  "MOCK-0001",
		Flags:          map[string]bool{"pattern_day_trader": false, "trading_blocked": false},
	}, nil
}

func (m *Mock) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.BrokerPosition
	for symbol, p := range m.positions {
		if p.IsFlat() {
			continue
		}
		out = append(out, domain.BrokerPosition{
			Symbol:        symbol,
			SignedQty:     p.Quantity,
			AvgEntryPrice: p.AvgEntryPrice,
			CurrentPrice:  p.CurrentPrice,
			UnrealizedPL:  p.UnrealizedPnL(),
		})
	}
	return out, nil
}

func (m *Mock) PlaceMarketOrder(ctx context.Context, symbol string, signedQty float64, timeInForce string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if signedQty == 0 {
		return Order{}, fmt.Errorf("mock broker: zero quantity order rejected")
	}

	side := domain.TradeSideBuy
	if signedQty < 0 {
		side = domain.TradeSideSell
	}

	pos, ok := m.positions[symbol]
	if !ok {
		pos = &domain.Position{Symbol: symbol}
		m.positions[symbol] = pos
	}
	price := pos.CurrentPrice
	if price <= 0 {
		price = 100.0
	}

	switch {
	case pos.IsFlat():
		pos.AvgEntryPrice = price
	case (pos.Quantity > 0) == (signedQty > 0):
		pos.AvgEntryPrice = (absFloat(pos.Quantity)*pos.AvgEntryPrice + absFloat(signedQty)*price) / absFloat(pos.Quantity+signedQty)
	}
	pos.Quantity += signedQty
	if pos.IsFlat() {
		pos.Quantity = 0
		pos.AvgEntryPrice = 0
	}

	notional := signedQty * price
	m.cash -= notional

	m.nextOrder++
	orderID := fmt.Sprintf("mock-%d", m.nextOrder)
	order := Order{
		OrderID:        orderID,
		Symbol:         symbol,
		Quantity:       signedQty,
		Side:           side,
		TimeInForce:    timeInForce,
		Status:         "filled",
		FilledQty:      signedQty,
		FilledAvgPrice: price,
	}
	m.orders[orderID] = &order

	if m.onExecution != nil {
		m.onExecution(domain.Execution{
			Symbol:       symbol,
			Side:         side,
			FilledQty:    absFloat(signedQty),
			AvgFillPrice: price,
			Status:       "filled",
		})
	}

	m.log.Debug().Str("symbol", symbol).Float64("qty", signedQty).Float64("price", price).Msg("mock order filled")
	return order, nil
}

func (m *Mock) ClosePosition(ctx context.Context, symbol string) error {
	m.mu.Lock()
	pos, ok := m.positions[symbol]
	m.mu.Unlock()
	if !ok || pos.IsFlat() {
		return nil
	}
	_, err := m.PlaceMarketOrder(ctx, symbol, -pos.Quantity, "day")
	return err
}

func (m *Mock) CloseAllPositions(ctx context.Context) error {
	m.mu.Lock()
	symbols := make([]string, 0, len(m.positions))
	for s, p := range m.positions {
		if !p.IsFlat() {
			symbols = append(symbols, s)
		}
	}
	m.mu.Unlock()

	for _, symbol := range symbols {
		if err := m.ClosePosition(ctx, symbol); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mock) CancelOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orders, orderID)
	return nil
}

func (m *Mock) CancelAllOrders(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = make(map[string]*Order)
	return nil
}

func (m *Mock) GetOpenOrders(ctx context.Context) ([]Order, error) {
	// All mock orders fill immediately; there are never open orders.
	return nil, nil
}

func (m *Mock) IsMarketOpen(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marketOpen, nil
}

// UpdateMarketPrice sets the reference price used by subsequent orders
// and unrealized P&L for symbol, used by tests/backtest drivers to
// advance the simulated market.
func (m *Mock) UpdateMarketPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[symbol]
	if !ok {
		pos = &domain.Position{Symbol: symbol}
		m.positions[symbol] = pos
	}
	pos.CurrentPrice = price
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

var _ Client = (*Mock)(nil)
