// Package positionbook maintains a local, authoritative view of positions
// and realized P&L that can be reconciled against broker truth.
package positionbook

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/apex-trader/internal/domain"
)

// EmptyHash is the distinguished hash of an empty (fully flat) position set.
var EmptyHash = sha256Hex("")

// Book is the Position Book (C2): authoritative local mirror of broker
// positions, realized P&L, and reconciliation.
type Book struct {
	mu          sync.RWMutex
	positions   map[string]*domain.Position
	realizedPnL map[string]float64
	log         zerolog.Logger
}

// New creates an empty Position Book.
func New(log zerolog.Logger) *Book {
	return &Book{
		positions:   make(map[string]*domain.Position),
		realizedPnL: make(map[string]float64),
		log:         log.With().Str("component", "positionbook").Logger(),
	}
}

// OnExecution applies a fill report to the book. Execution updates never
// fail.
func (b *Book) OnExecution(exec domain.Execution) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[exec.Symbol]
	if !ok {
		pos = &domain.Position{Symbol: exec.Symbol}
		b.positions[exec.Symbol] = pos
	}

	signedFill := exec.SignedQuantity()
	prevQty := pos.Quantity
	newQty := prevQty + signedFill

	switch {
	case prevQty == 0:
		pos.AvgEntryPrice = exec.AvgFillPrice
	case sameSign(prevQty, signedFill):
		// Adding to an existing position in the same direction: blend the
		// average entry price by notional.
		pos.AvgEntryPrice = (abs(prevQty)*pos.AvgEntryPrice + abs(signedFill)*exec.AvgFillPrice) / abs(newQty)
	default:
		// Reducing or reversing: realize P&L on the closed portion, keep
		// the previous avg entry price.
		closedQty := closedPortion(prevQty, newQty)
		pnl := closedQty * (exec.AvgFillPrice - pos.AvgEntryPrice)
		if prevQty < 0 {
			pnl = -pnl
		}
		b.realizedPnL[exec.Symbol] += pnl
	}

	pos.Quantity = newQty
	pos.CurrentPrice = exec.AvgFillPrice

	if pos.IsFlat() {
		pos.Quantity = 0
		pos.AvgEntryPrice = 0
	}

	b.log.Debug().Str("symbol", exec.Symbol).Float64("qty", pos.Quantity).
		Float64("avg_entry", pos.AvgEntryPrice).Msg("execution applied")
}

func sameSign(a, b float64) bool {
	return (a >= 0) == (b >= 0)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// closedPortion returns the magnitude of the position closed by a fill that
// reduces or reverses an existing holding.
func closedPortion(prevQty, newQty float64) float64 {
	if sameSign(prevQty, newQty) && abs(newQty) <= abs(prevQty) {
		return abs(prevQty) - abs(newQty)
	}
	// Reversal: the entire previous position was closed.
	return abs(prevQty)
}

// GetPosition returns the position for symbol, or a flat zero-value
// position if unknown.
func (b *Book) GetPosition(symbol string) domain.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if pos, ok := b.positions[symbol]; ok {
		return *pos
	}
	return domain.Position{Symbol: symbol}
}

// GetAllPositions returns all non-flat positions.
func (b *Book) GetAllPositions() map[string]domain.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]domain.Position)
	for symbol, pos := range b.positions {
		if !pos.IsFlat() {
			out[symbol] = *pos
		}
	}
	return out
}

// IsFlat reports whether every tracked position is flat.
func (b *Book) IsFlat() bool {
	return len(b.GetAllPositions()) == 0
}

// UpdateMarketPrice recomputes a position's current price for unrealized
// P&L purposes. Updates for unknown symbols are silently ignored.
func (b *Book) UpdateMarketPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.positions[symbol]
	if !ok {
		return
	}
	pos.CurrentPrice = price
}

// RealizedPnL returns the cumulative realized P&L for symbol.
func (b *Book) RealizedPnL(symbol string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.realizedPnL[symbol]
}

// ReconcileWithBroker compares local non-flat positions against
// broker-reported positions by (symbol, signed_qty). Any mismatch --
// extra, missing, or differing quantity -- raises without mutating local
// state. P&L values are not compared.
func (b *Book) ReconcileWithBroker(brokerPositions []domain.BrokerPosition) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	brokerBySymbol := make(map[string]domain.BrokerPosition, len(brokerPositions))
	for _, bp := range brokerPositions {
		if abs(bp.SignedQty) >= domain.PositionEpsilon {
			brokerBySymbol[bp.Symbol] = bp
		}
	}

	for symbol, pos := range b.positions {
		if pos.IsFlat() {
			continue
		}
		bp, ok := brokerBySymbol[symbol]
		if !ok {
			return &domain.ReconciliationError{Symbol: symbol, LocalQty: pos.Quantity, BrokerQty: 0}
		}
		if abs(pos.Quantity-bp.SignedQty) >= domain.PositionEpsilon {
			return &domain.ReconciliationError{Symbol: symbol, LocalQty: pos.Quantity, BrokerQty: bp.SignedQty}
		}
		delete(brokerBySymbol, symbol)
	}
	for symbol, bp := range brokerBySymbol {
		return &domain.ReconciliationError{Symbol: symbol, LocalQty: 0, BrokerQty: bp.SignedQty}
	}
	return nil
}

// PositionsHash returns a stable hash over the sorted (symbol, signed_qty)
// tuples of all non-flat positions. An empty position set hashes to
// EmptyHash.
func (b *Book) PositionsHash() string {
	positions := b.GetAllPositions()
	if len(positions) == 0 {
		return EmptyHash
	}
	symbols := make([]string, 0, len(positions))
	for symbol := range positions {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	var sb []byte
	for _, symbol := range symbols {
		sb = append(sb, []byte(fmt.Sprintf("%s=%s;", symbol, strconv.FormatFloat(positions[symbol].Quantity, 'f', -1, 64)))...)
	}
	return sha256Hex(string(sb))
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
