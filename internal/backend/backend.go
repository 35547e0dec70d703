// Package backend implements the Enhanced Backend (C6): it orchestrates
// the hysteresis manager, allocation manager, and position state machine
// on each bar to produce a batch of order records, applying risk limits
// and simulated execution pricing.
package backend

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/aristath/apex-trader/internal/allocation"
	"github.com/aristath/apex-trader/internal/domain"
	"github.com/aristath/apex-trader/internal/hysteresis"
	"github.com/aristath/apex-trader/internal/positionbook"
	"github.com/aristath/apex-trader/internal/psm"
)

// SignalGenerationMode controls how often a bar's signal actually drives a
// new decision.
type SignalGenerationMode string

const (
	ModeEveryBar SignalGenerationMode = "EVERY_BAR"
	ModeAdaptive SignalGenerationMode = "ADAPTIVE"
)

// Config holds the Enhanced Backend's tunables.
type Config struct {
	MaxPositionValue     float64
	MaxPortfolioLeverage float64
	DailyLossLimit       float64

	SignalGenerationMode     SignalGenerationMode
	SignalGenerationInterval int

	EnforceMinimumHold bool
	EarlyExitPenalty   float64

	CostModel      domain.CostModel
	SlippageFactor float64

	DefaultPredictionHorizon int
}

// DefaultConfig returns the documented defaults below.
func DefaultConfig() Config {
	return Config{
		MaxPositionValue:         1_000_000.0,
		MaxPortfolioLeverage:     3.0,
		DailyLossLimit:           0.10,
		SignalGenerationMode:     ModeAdaptive,
		SignalGenerationInterval: 3,
		EnforceMinimumHold:       true,
		EarlyExitPenalty:         0.02,
		CostModel:                domain.CostModelAlpaca,
		SlippageFactor:           0.0001,
		DefaultPredictionHorizon: 5,
	}
}

// Engine is the Enhanced Backend: the per-bar orchestrator tying the PSM,
// hysteresis manager, allocation manager, and position book together.
type Engine struct {
	config Config
	log    zerolog.Logger

	hysteresis *hysteresis.Manager
	allocation *allocation.Manager
	psm        *psm.Machine
	book       *positionbook.Book

	barsSinceLastSignal int
	dailyPnL            float64

	horizonStats map[int]*HorizonStats
}

// HorizonStats accumulates win/loss counters for trades grouped by their
// prediction horizon.
type HorizonStats struct {
	Trades   int
	Wins     int
	TotalPnL float64
}

// RecordTradeOutcome folds a closed trade's realized P&L into its
// prediction horizon's running counters. Called by the caller that
// matches an exit execution to the entry order's PredictionHorizon
// (the engine itself does not track order lifecycle past submission).
func (e *Engine) RecordTradeOutcome(horizon int, realizedPnL float64) {
	if e.horizonStats == nil {
		e.horizonStats = make(map[int]*HorizonStats)
	}
	stats, ok := e.horizonStats[horizon]
	if !ok {
		stats = &HorizonStats{}
		e.horizonStats[horizon] = stats
	}
	stats.Trades++
	stats.TotalPnL += realizedPnL
	if realizedPnL > 0 {
		stats.Wins++
	}
}

// HorizonStatsSnapshot returns a copy of the per-horizon performance
// counters, safe for read-only reporting.
func (e *Engine) HorizonStatsSnapshot() map[int]HorizonStats {
	out := make(map[int]HorizonStats, len(e.horizonStats))
	for horizon, stats := range e.horizonStats {
		out[horizon] = *stats
	}
	return out
}

// New creates an Engine wiring together the given components.
func New(cfg Config, hm *hysteresis.Manager, am *allocation.Manager, pm *psm.Machine, book *positionbook.Book, log zerolog.Logger) *Engine {
	return &Engine{
		config:     cfg,
		log:        log.With().Str("component", "backend").Logger(),
		hysteresis: hm,
		allocation: am,
		psm:        pm,
		book:       book,
	}
}

// priceFor maps an instrument symbol to an execution price. All symbols
// of a family fall back to a ratio of the underlying base-symbol close
// when no per-symbol price is supplied; in live trading the feed
// supplies one price per symbol and this fallback is bypassed.
func priceFor(symbol string, barClose float64, prices map[string]float64) float64 {
	if p, ok := prices[symbol]; ok && p > 0 {
		return p
	}
	switch symbol {
	case "TQQQ":
		return barClose * 0.33
	case "SQQQ":
		return barClose * 0.11
	case "PSQ":
		return barClose * 0.25
	default:
		return barClose
	}
}

// Process runs one bar through the full pipeline: signal history update,
// state determination, threshold computation, classification, PSM
// transition, allocation, risk gate, and order construction. prices may
// supply per-symbol live quotes; any symbol absent from it falls back to
// the bar's close-price ratio.
func (e *Engine) Process(bar domain.Bar, signal domain.Signal, currentCapital float64, prices map[string]float64) ([]domain.TradeOrder, error) {
	if err := bar.Validate(); err != nil {
		return nil, err
	}
	if err := signal.Validate(); err != nil {
		return nil, err
	}

	e.hysteresis.UpdateHistory(signal.Probability)

	positions := e.book.GetAllPositions()
	state := psm.DetermineState(positions)
	if state == domain.StateInvalid {
		e.log.Error().Msg("invalid portfolio state detected, forcing liquidation")
		return e.flattenAll(bar, signal, prices), &domain.InvariantError{Reason: "simultaneous long+short holding"}
	}

	barsInPosition := e.psm.UpdateTracking(state)

	shouldProcess := e.shouldProcessSignal()
	if !shouldProcess {
		return []domain.TradeOrder{e.holdOrder(bar, signal)}, nil
	}

	thresholds := e.hysteresis.Thresholds(state, barsInPosition)
	classified := thresholds.Classify(signal.Probability)

	transition := e.psm.Transition(state, classified, barsInPosition, signal.BarID)
	if transition.IsHoldEnforced {
		e.log.Debug().Str("state", string(state)).Msg("hold enforced, no orders")
		return []domain.TradeOrder{e.holdOrder(bar, signal)}, nil
	}
	if transition.TargetState == state {
		return []domain.TradeOrder{e.holdOrder(bar, signal)}, nil
	}

	availableCapital := currentCapital
	for _, pos := range positions {
		availableCapital += pos.MarketValue()
	}

	var orders []domain.TradeOrder
	orders = append(orders, e.liquidationOrders(state, transition.TargetState, bar, signal, prices)...)

	horizon := signal.PredictionHorizon
	if horizon <= 0 {
		horizon = e.config.DefaultPredictionHorizon
	}

	if transition.TargetState.IsDual() {
		market := allocation.MarketConditions{}
		priceBase := priceFor(baseSymbol(transition.TargetState), bar.Close, prices)
		priceLeveraged := priceFor(leveragedSymbol(transition.TargetState), bar.Close, prices)
		alloc := e.allocation.CalculateDualAllocation(transition.TargetState, signal.Probability, availableCapital, priceBase, priceLeveraged, market)
		if alloc.IsValid {
			orders = append(orders, e.allocationOrders(alloc, priceBase, priceLeveraged, bar, signal)...)
			e.psm.RecordEntry(alloc.BaseSymbol, signal.BarID, horizon, priceBase)
			e.psm.RecordEntry(alloc.LeveragedSymbol, signal.BarID, horizon, priceLeveraged)
		} else {
			e.log.Warn().Strs("warnings", alloc.Warnings).Msg("invalid dual allocation, treated as hold")
		}
	} else if transition.TargetState != domain.StateCashOnly {
		symbol := singleSymbol(transition.TargetState)
		isLeveraged := symbol == "TQQQ" || symbol == "SQQQ"
		price := priceFor(symbol, bar.Close, prices)
		alloc := e.allocation.CalculateSingleAllocation(symbol, signal.Probability, availableCapital, price, isLeveraged)
		if alloc.IsValid && alloc.BaseQuantity >= 1 {
			order := e.buildOrder(symbol, domain.OrderActionBuy, float64(alloc.BaseQuantity), price, bar, signal)
			order.EntryBarID = signal.BarID
			order.TargetBarID = signal.BarID + uint64(horizon)
			order.PredictionHorizon = horizon
			orders = append(orders, order)
			e.psm.RecordEntry(symbol, signal.BarID, horizon, price)
		}
	} else {
		for _, symbol := range heldSymbols(state) {
			e.psm.RecordExit(symbol)
		}
	}

	orders = e.applyRiskGate(orders, availableCapital)
	if len(orders) == 0 {
		orders = append(orders, e.holdOrder(bar, signal))
	}

	e.log.Info().Str("from", string(state)).Str("to", string(transition.TargetState)).
		Int("orders", len(orders)).Str("regime", string(thresholds.Regime)).Msg("transition processed")

	return orders, nil
}

// holdOrder is the zero-quantity trade-log placeholder emitted whenever a
// consumed signal results in no state change, keeping the one-record-per-
// signal invariant intact for throttled, hold-enforced, and no-op bars.
func (e *Engine) holdOrder(bar domain.Bar, signal domain.Signal) domain.TradeOrder {
	return domain.TradeOrder{
		TimestampMS: bar.TimestampMS,
		BarID:       bar.BarID,
		Symbol:      bar.Symbol,
		Action:      domain.OrderActionHold,
	}
}

func (e *Engine) shouldProcessSignal() bool {
	if e.config.SignalGenerationMode != ModeAdaptive {
		return true
	}
	if e.barsSinceLastSignal >= e.config.SignalGenerationInterval {
		e.barsSinceLastSignal = 0
		return true
	}
	e.barsSinceLastSignal++
	return false
}

func baseSymbol(state domain.PortfolioState) string {
	if state == domain.StateQQQTQQQ {
		return "QQQ"
	}
	return "PSQ"
}

func leveragedSymbol(state domain.PortfolioState) string {
	if state == domain.StateQQQTQQQ {
		return "TQQQ"
	}
	return "SQQQ"
}

func singleSymbol(state domain.PortfolioState) string {
	switch state {
	case domain.StateQQQOnly:
		return "QQQ"
	case domain.StateTQQQOnly:
		return "TQQQ"
	case domain.StatePSQOnly:
		return "PSQ"
	case domain.StateSQQQOnly:
		return "SQQQ"
	default:
		return ""
	}
}

func heldSymbols(state domain.PortfolioState) []string {
	switch state {
	case domain.StateQQQOnly:
		return []string{"QQQ"}
	case domain.StateTQQQOnly:
		return []string{"TQQQ"}
	case domain.StatePSQOnly:
		return []string{"PSQ"}
	case domain.StateSQQQOnly:
		return []string{"SQQQ"}
	case domain.StateQQQTQQQ:
		return []string{"QQQ", "TQQQ"}
	case domain.StatePSQSQQQ:
		return []string{"PSQ", "SQQQ"}
	default:
		return nil
	}
}

// liquidationOrders sells off any symbol held under fromState that has no
// place in toState. Long-family liquidation releases the leveraged symbol
// first, to reduce risk before the base leg.
func (e *Engine) liquidationOrders(fromState, toState domain.PortfolioState, bar domain.Bar, signal domain.Signal, prices map[string]float64) []domain.TradeOrder {
	if fromState == toState {
		return nil
	}
	held := heldSymbols(fromState)
	keep := make(map[string]bool)
	for _, s := range heldSymbols(toState) {
		keep[s] = true
	}

	order := func(symbols []string) []domain.TradeOrder {
		var out []domain.TradeOrder
		for _, symbol := range symbols {
			if keep[symbol] {
				continue
			}
			pos := e.book.GetPosition(symbol)
			if pos.IsFlat() {
				continue
			}
			price := priceFor(symbol, bar.Close, prices)
			earliestExit := !e.config.EnforceMinimumHold || e.psm.CanClose(symbol, signal.BarID)
			if !earliestExit {
				price *= 1.0 - e.config.EarlyExitPenalty
				e.log.Warn().Str("symbol", symbol).Msg("early exit penalty applied")
			}
			o := e.buildOrder(symbol, domain.OrderActionSell, math.Abs(pos.Quantity), price, bar, signal)
			out = append(out, o)
			e.psm.RecordExit(symbol)
		}
		return out
	}

	if fromState.IsLongFamily() {
		return append(order([]string{"TQQQ"}), order([]string{"QQQ"})...)
	}
	if fromState.IsShortFamily() {
		return append(order([]string{"SQQQ"}), order([]string{"PSQ"})...)
	}
	return order(held)
}

func (e *Engine) allocationOrders(alloc domain.AllocationResult, priceBase, priceLeveraged float64, bar domain.Bar, signal domain.Signal) []domain.TradeOrder {
	var orders []domain.TradeOrder
	if alloc.BaseQuantity > 0 {
		orders = append(orders, e.buildOrder(alloc.BaseSymbol, domain.OrderActionBuy, float64(alloc.BaseQuantity), priceBase, bar, signal))
	}
	if alloc.LeveragedQuantity > 0 {
		orders = append(orders, e.buildOrder(alloc.LeveragedSymbol, domain.OrderActionBuy, float64(alloc.LeveragedQuantity), priceLeveraged, bar, signal))
	}
	return orders
}

// flattenAll liquidates every non-flat position, used on detecting an
// INVALID state.
func (e *Engine) flattenAll(bar domain.Bar, signal domain.Signal, prices map[string]float64) []domain.TradeOrder {
	var orders []domain.TradeOrder
	for symbol, pos := range e.book.GetAllPositions() {
		price := priceFor(symbol, bar.Close, prices)
		orders = append(orders, e.buildOrder(symbol, domain.OrderActionSell, math.Abs(pos.Quantity), price, bar, signal))
	}
	return orders
}

func (e *Engine) buildOrder(symbol string, action domain.OrderAction, quantity, basePrice float64, bar domain.Bar, signal domain.Signal) domain.TradeOrder {
	price := e.estimateExecutionPrice(action, basePrice)
	tradeValue := quantity * price
	return domain.TradeOrder{
		TimestampMS: bar.TimestampMS,
		BarID:       bar.BarID,
		Symbol:      symbol,
		Action:      action,
		Quantity:    quantity,
		Price:       price,
		TradeValue:  tradeValue,
		Fees:        e.calculateFees(tradeValue),
	}
}

// estimateExecutionPrice applies directional slippage to a simulated
// execution price: buys slip up, sells slip down.
func (e *Engine) estimateExecutionPrice(action domain.OrderAction, basePrice float64) float64 {
	slippage := basePrice * e.config.SlippageFactor
	if action == domain.OrderActionBuy {
		return basePrice + slippage
	}
	return basePrice - slippage
}

// calculateFees applies the configured cost model to a trade's notional
// value.
func (e *Engine) calculateFees(tradeValue float64) float64 {
	switch e.config.CostModel {
	case domain.CostModelFixed:
		return 1.0
	case domain.CostModelPercentage:
		return tradeValue * 0.001
	case domain.CostModelZero, domain.CostModelAlpaca:
		return 0.0
	default:
		return 0.0
	}
}

// applyRiskGate scales down orders exceeding the position-value cap, then
// rejects the whole batch if weighted leverage still exceeds the
// portfolio leverage cap.
func (e *Engine) applyRiskGate(orders []domain.TradeOrder, referencePortfolioValue float64) []domain.TradeOrder {
	if len(orders) == 0 {
		return orders
	}

	var totalValue float64
	for _, o := range orders {
		totalValue += o.TradeValue
	}
	if totalValue > e.config.MaxPositionValue && totalValue > 0 {
		scale := e.config.MaxPositionValue / totalValue
		for i := range orders {
			orders[i].Quantity = math.Floor(orders[i].Quantity * scale)
			orders[i].TradeValue = orders[i].Quantity * orders[i].Price
			orders[i].Fees = e.calculateFees(orders[i].TradeValue)
		}
		e.log.Warn().Float64("total_value", totalValue).Msg("position value exceeded limit, orders scaled down")
	}

	var totalLeverage float64
	for _, o := range orders {
		if o.Symbol == "TQQQ" || o.Symbol == "SQQQ" {
			totalLeverage += o.TradeValue * 3.0
		} else {
			totalLeverage += o.TradeValue
		}
	}
	if referencePortfolioValue > 0 {
		effectiveLeverage := totalLeverage / referencePortfolioValue
		if effectiveLeverage > e.config.MaxPortfolioLeverage {
			e.log.Warn().Float64("effective_leverage", effectiveLeverage).Msg("leverage exceeds limit, rejecting order batch")
			for i := range orders {
				orders[i].RejectionReason = fmt.Sprintf("effective leverage %.2fx exceeds cap %.2fx", effectiveLeverage, e.config.MaxPortfolioLeverage)
			}
			return nil
		}
	}
	return orders
}

// UpdateDailyPnL accumulates daily P&L. Breach of the configured loss
// limit is checked separately via CheckDailyLossLimit, since it requires
// a current portfolio value this engine does not itself track.
func (e *Engine) UpdateDailyPnL(pnl float64) {
	e.dailyPnL += pnl
}

// DailyPnL returns the accumulated daily P&L.
func (e *Engine) DailyPnL() float64 {
	return e.dailyPnL
}

// ResetDailyPnL clears the accumulated daily P&L, called at session start.
func (e *Engine) ResetDailyPnL() {
	e.dailyPnL = 0
}

// CheckDailyLossLimit reports whether accumulated daily loss as a fraction
// of portfolioValue has breached DailyLossLimit.
func (e *Engine) CheckDailyLossLimit(portfolioValue float64) bool {
	if e.dailyPnL >= 0 || portfolioValue <= 0 {
		return false
	}
	lossPct := math.Abs(e.dailyPnL) / portfolioValue
	return lossPct > e.config.DailyLossLimit
}
