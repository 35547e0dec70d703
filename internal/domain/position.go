package domain

import "math"

// PositionEpsilon is the quantity threshold below which a position is
// considered flat.
const PositionEpsilon = 1e-9

// Position is the local mirror of a broker position: signed quantity,
// average entry price, and derived market value / unrealized P&L.
type Position struct {
	Symbol         string
	Quantity       float64
	AvgEntryPrice  float64
	CurrentPrice   float64
}

// IsFlat reports whether the position is effectively zero.
func (p Position) IsFlat() bool {
	return math.Abs(p.Quantity) < PositionEpsilon
}

// IsLong reports whether the position is a positive (long) holding.
func (p Position) IsLong() bool {
	return p.Quantity > PositionEpsilon
}

// IsShort reports whether the position is a negative (short) holding.
func (p Position) IsShort() bool {
	return p.Quantity < -PositionEpsilon
}

// MarketValue returns quantity * current price.
func (p Position) MarketValue() float64 {
	return p.Quantity * p.CurrentPrice
}

// UnrealizedPnL computes |qty| * (price - entry), sign-inverted for shorts.
func (p Position) UnrealizedPnL() float64 {
	if p.IsFlat() {
		return 0
	}
	diff := p.CurrentPrice - p.AvgEntryPrice
	if p.IsShort() {
		diff = -diff
	}
	return math.Abs(p.Quantity) * diff
}

// Execution is a fill report consumed by the Position Book.
type Execution struct {
	Symbol        string
	Side          TradeSide
	FilledQty     float64
	AvgFillPrice  float64
	TimestampMS   int64
	Status        string
}

// TradeSide is the direction of an execution or order.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "BUY"
	TradeSideSell TradeSide = "SELL"
)

// SignedQuantity returns +qty for a buy and -qty for a sell.
func (e Execution) SignedQuantity() float64 {
	if e.Side == TradeSideSell {
		return -e.FilledQty
	}
	return e.FilledQty
}

// BrokerPosition mirrors the broker's get_positions() contract: a signed
// quantity view used for reconciliation.
type BrokerPosition struct {
	Symbol        string
	SignedQty     float64
	AvgEntryPrice float64
	CurrentPrice  float64
	UnrealizedPL  float64
}

// AccountSnapshot mirrors the broker's get_account() contract.
type AccountSnapshot struct {
	Cash            float64
	Equity          float64
	BuyingPower     float64
	PortfolioValue  float64
	AccountNumber   string
	Flags           map[string]bool
}

// OrderAction is the directive carried by a TradeOrder.
type OrderAction string

const (
	OrderActionBuy  OrderAction = "BUY"
	OrderActionSell OrderAction = "SELL"
	OrderActionHold OrderAction = "HOLD"
)

// CostModel selects the fee schedule applied to a trade's notional value.
type CostModel string

const (
	CostModelZero       CostModel = "ZERO"
	CostModelFixed      CostModel = "FIXED"
	CostModelPercentage CostModel = "PERCENTAGE"
	CostModelAlpaca     CostModel = "ALPACA"
)

// TradeOrder is the Enhanced Backend's per-bar output: a single symbol
// action with simulation-side pricing, fees, and multi-bar metadata.
type TradeOrder struct {
	TimestampMS int64
	BarID       uint64
	Symbol      string
	Action      OrderAction
	Quantity    float64
	Price       float64
	TradeValue  float64
	Fees        float64

	PredictionHorizon int
	TargetBarID       uint64
	EntryBarID        uint64

	RejectionReason string
}

