// Package allocation implements the Dynamic Allocation Manager (C4): for
// dual-position targets it splits available capital between a base (1x)
// and leveraged (3x) instrument; for single-position targets it sizes one
// position. Four strategies are supported (confidence, risk-parity, Kelly,
// hybrid), all sharing the same post-processing pipeline: leverage cap ->
// base floor -> effective-leverage scale-down -> floor-division share
// counts -> volatility scaling -> risk metrics -> validation.
package allocation

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/aristath/apex-trader/internal/domain"
)

// Config holds the DAM's tunable parameters.
type Config struct {
	Strategy domain.AllocationStrategy

	MaxLeverageAllocation float64
	MinBaseAllocation     float64
	MaxTotalLeverage      float64
	MinTotalAllocation    float64
	MaxTotalAllocation    float64

	ConfidencePower   float64
	ConfidenceFloor   float64
	ConfidenceCeiling float64

	BaseVolatility      float64
	LeveragedVolatility float64

	KellyFraction   float64
	AvgWinLossRatio float64

	EnableVolatilityScaling bool
	VolatilityTarget        float64
}

// DefaultConfig returns the documented defaults below.
func DefaultConfig() Config {
	return Config{
		Strategy:                domain.StrategyConfidenceBased,
		MaxLeverageAllocation:   0.85,
		MinBaseAllocation:       0.10,
		MaxTotalLeverage:        3.0,
		MinTotalAllocation:      0.95,
		MaxTotalAllocation:      1.0,
		ConfidencePower:         1.0,
		ConfidenceFloor:         0.5,
		ConfidenceCeiling:       0.95,
		BaseVolatility:          0.15,
		LeveragedVolatility:     0.45,
		KellyFraction:           0.25,
		AvgWinLossRatio:         1.2,
		EnableVolatilityScaling: true,
		VolatilityTarget:        0.20,
	}
}

// MarketConditions is a minimal market-context input to allocation.
type MarketConditions struct {
	CurrentVolatility float64
}

// Manager is the Dynamic Allocation Manager.
type Manager struct {
	config Config
	log    zerolog.Logger
}

// New creates a Manager with the given config.
func New(cfg Config, log zerolog.Logger) *Manager {
	return &Manager{config: cfg, log: log.With().Str("component", "allocation").Logger()}
}

const correlationBaseLeveraged = 0.95

// CalculateDualAllocation splits capital between a base and leveraged
// instrument for a dual-position target (QQQ_TQQQ or PSQ_SQQQ).
func (m *Manager) CalculateDualAllocation(
	targetState domain.PortfolioState,
	probability float64,
	availableCapital float64,
	priceBase float64,
	priceLeveraged float64,
	market MarketConditions,
) domain.AllocationResult {
	isLong := targetState == domain.StateQQQTQQQ
	isShort := targetState == domain.StatePSQSQQQ
	if !isLong && !isShort {
		return domain.AllocationResult{IsValid: false, Warnings: []string{"invalid state for dual allocation"}}
	}

	var result domain.AllocationResult
	switch m.config.Strategy {
	case domain.StrategyRiskParity:
		result = m.riskParityAllocation(isLong, probability, availableCapital, priceBase, priceLeveraged, market)
	case domain.StrategyKellyCriterion:
		result = m.kellyAllocation(isLong, probability, availableCapital, priceBase, priceLeveraged)
	case domain.StrategyHybrid:
		result = m.hybridAllocation(isLong, probability, availableCapital, priceBase, priceLeveraged, market)
	default:
		result = m.confidenceBasedAllocation(isLong, probability, availableCapital, priceBase, priceLeveraged)
	}

	basePct, leveragedPct := result.BaseAllocationPct, result.LeveragedAllocationPct
	m.applyRiskLimits(&result)
	if result.BaseAllocationPct != basePct || result.LeveragedAllocationPct != leveragedPct {
		result.BasePositionValue = availableCapital * result.BaseAllocationPct
		result.LeveragedPositionValue = availableCapital * result.LeveragedAllocationPct
		m.floorQuantities(&result, priceBase, priceLeveraged)
		m.recomputePercentages(&result, availableCapital)
	}
	if m.config.EnableVolatilityScaling {
		m.applyVolatilityScaling(&result, market, priceBase, priceLeveraged)
	}
	m.calculateRiskMetrics(&result)
	m.addValidationWarnings(&result)
	result.IsValid = m.validateAllocation(result)

	m.log.Info().Str("rationale", result.Rationale).Str("base", result.BaseSymbol).
		Float64("base_pct", result.BaseAllocationPct).Str("leveraged", result.LeveragedSymbol).
		Float64("leveraged_pct", result.LeveragedAllocationPct).
		Float64("effective_leverage", result.EffectiveLeverage).
		Float64("risk_score", result.RiskScore).Msg("allocation computed")

	return result
}

func signalStrength(probability float64) float64 {
	return math.Abs(probability-0.5) * 2.0
}

func symbolsFor(isLong bool) (base, leveraged string) {
	if isLong {
		return "QQQ", "TQQQ"
	}
	return "PSQ", "SQQQ"
}

func (m *Manager) confidenceBasedAllocation(isLong bool, probability, availableCapital, priceBase, priceLeveraged float64) domain.AllocationResult {
	var result domain.AllocationResult
	result.BaseSymbol, result.LeveragedSymbol = symbolsFor(isLong)

	rawStrength := signalStrength(probability)
	strength := clamp(rawStrength, m.config.ConfidenceFloor, m.config.ConfidenceCeiling)
	strength = math.Pow(strength, m.config.ConfidencePower)

	result.LeveragedAllocationPct = strength
	result.BaseAllocationPct = 1.0 - strength

	result.LeveragedAllocationPct = math.Min(result.LeveragedAllocationPct, m.config.MaxLeverageAllocation)
	result.BaseAllocationPct = math.Max(result.BaseAllocationPct, m.config.MinBaseAllocation)

	if total := result.LeveragedAllocationPct + result.BaseAllocationPct; total > 0 {
		result.LeveragedAllocationPct /= total
		result.BaseAllocationPct /= total
	}

	totalAllocation := m.config.MinTotalAllocation
	if strength > 0.8 {
		totalAllocation = m.config.MaxTotalAllocation
	}

	allocatedCapital := availableCapital * totalAllocation
	result.BasePositionValue = allocatedCapital * result.BaseAllocationPct
	result.LeveragedPositionValue = allocatedCapital * result.LeveragedAllocationPct

	m.floorQuantities(&result, priceBase, priceLeveraged)
	m.recomputePercentages(&result, availableCapital)

	result.Strategy = domain.StrategyConfidenceBased
	result.ConfidenceUsed = strength
	result.Rationale = fmt.Sprintf(
		"Signal strength-based split: %d%% %s, %d%% %s (signal_strength=%.2f, adjusted=%.2f)",
		int(result.BaseAllocationPct*100), result.BaseSymbol,
		int(result.LeveragedAllocationPct*100), result.LeveragedSymbol,
		rawStrength, strength)
	return result
}

func (m *Manager) riskParityAllocation(isLong bool, probability, availableCapital, priceBase, priceLeveraged float64, market MarketConditions) domain.AllocationResult {
	var result domain.AllocationResult
	result.BaseSymbol, result.LeveragedSymbol = symbolsFor(isLong)

	baseVol := m.config.BaseVolatility
	leveragedVol := m.config.LeveragedVolatility
	if market.CurrentVolatility > 0 {
		multiplier := market.CurrentVolatility / 0.15
		baseVol *= multiplier
		leveragedVol *= multiplier
	}

	baseWeight := 1.0 / baseVol
	leveragedWeight := 1.0 / leveragedVol
	totalWeight := baseWeight + leveragedWeight
	result.BaseAllocationPct = baseWeight / totalWeight
	result.LeveragedAllocationPct = leveragedWeight / totalWeight

	totalAllocation := m.config.MinTotalAllocation + (m.config.MaxTotalAllocation-m.config.MinTotalAllocation)*signalStrength(probability)

	allocatedCapital := availableCapital * totalAllocation
	result.BasePositionValue = allocatedCapital * result.BaseAllocationPct
	result.LeveragedPositionValue = allocatedCapital * result.LeveragedAllocationPct

	m.floorQuantities(&result, priceBase, priceLeveraged)
	m.recomputePercentages(&result, availableCapital)

	result.Strategy = domain.StrategyRiskParity
	result.ConfidenceUsed = signalStrength(probability)
	result.Rationale = "Risk parity allocation with equal risk contribution"
	return result
}

func (m *Manager) kellyAllocation(isLong bool, probability, availableCapital, priceBase, priceLeveraged float64) domain.AllocationResult {
	var result domain.AllocationResult
	result.BaseSymbol, result.LeveragedSymbol = symbolsFor(isLong)

	winProb := probability
	if !isLong {
		winProb = 1.0 - probability
	}
	winProb = clamp(winProb, 0.45, 0.65)

	winLossRatio := m.config.AvgWinLossRatio * (0.8 + 0.4*signalStrength(probability))

	rawKelly := kellyFraction(winProb, winLossRatio)
	kelly := clamp(applyKellySafetyFactor(rawKelly)*m.config.KellyFraction, 0.0, 1.0)

	result.LeveragedAllocationPct = kelly * 0.8
	result.BaseAllocationPct = kelly*0.2 + (1.0-kelly)*0.5

	if total := result.LeveragedAllocationPct + result.BaseAllocationPct; total > 1.0 {
		result.LeveragedAllocationPct /= total
		result.BaseAllocationPct /= total
	}

	result.BasePositionValue = availableCapital * result.BaseAllocationPct
	result.LeveragedPositionValue = availableCapital * result.LeveragedAllocationPct

	m.floorQuantities(&result, priceBase, priceLeveraged)
	m.recomputePercentages(&result, availableCapital)

	result.Strategy = domain.StrategyKellyCriterion
	result.ConfidenceUsed = signalStrength(probability)
	result.KellySizing = kelly
	result.Rationale = fmt.Sprintf("Kelly allocation (f*=%.3f, p=%.3f, b=%.3f)", kelly, winProb, winLossRatio)
	return result
}

func kellyFraction(winProbability, winLossRatio float64) float64 {
	if winLossRatio <= 0 {
		return 0
	}
	q := 1.0 - winProbability
	return (winProbability*winLossRatio - q) / winLossRatio
}

func applyKellySafetyFactor(rawKelly float64) float64 {
	rawKelly = clamp(rawKelly, 0.0, 2.0)
	if rawKelly > 1.0 {
		return 1.0 + 0.5*(rawKelly-1.0)
	}
	return rawKelly
}

func (m *Manager) hybridAllocation(isLong bool, probability, availableCapital, priceBase, priceLeveraged float64, market MarketConditions) domain.AllocationResult {
	confidenceResult := m.confidenceBasedAllocation(isLong, probability, availableCapital, priceBase, priceLeveraged)
	riskParityResult := m.riskParityAllocation(isLong, probability, availableCapital, priceBase, priceLeveraged, market)
	kellyResult := m.kellyAllocation(isLong, probability, availableCapital, priceBase, priceLeveraged)

	const confidenceWeight, riskParityWeight, kellyWeight = 0.5, 0.3, 0.2

	var result domain.AllocationResult
	result.BaseSymbol = confidenceResult.BaseSymbol
	result.LeveragedSymbol = confidenceResult.LeveragedSymbol

	result.BaseAllocationPct = confidenceWeight*confidenceResult.BaseAllocationPct +
		riskParityWeight*riskParityResult.BaseAllocationPct +
		kellyWeight*kellyResult.BaseAllocationPct
	result.LeveragedAllocationPct = confidenceWeight*confidenceResult.LeveragedAllocationPct +
		riskParityWeight*riskParityResult.LeveragedAllocationPct +
		kellyWeight*kellyResult.LeveragedAllocationPct

	result.BasePositionValue = availableCapital * result.BaseAllocationPct
	result.LeveragedPositionValue = availableCapital * result.LeveragedAllocationPct

	m.floorQuantities(&result, priceBase, priceLeveraged)
	m.recomputePercentages(&result, availableCapital)

	result.Strategy = domain.StrategyHybrid
	result.ConfidenceUsed = signalStrength(probability)
	result.KellySizing = kellyResult.KellySizing
	result.Rationale = "Hybrid allocation (50% confidence, 30% risk-parity, 20% Kelly)"
	return result
}

// floorQuantities computes share counts by floor division on the
// respective prices, then recomputes actual dollar values from those
// floored quantities.
func (m *Manager) floorQuantities(result *domain.AllocationResult, priceBase, priceLeveraged float64) {
	if priceBase > 0 {
		result.BaseQuantity = int64(math.Floor(result.BasePositionValue / priceBase))
	}
	if priceLeveraged > 0 {
		result.LeveragedQuantity = int64(math.Floor(result.LeveragedPositionValue / priceLeveraged))
	}
	result.BasePositionValue = float64(result.BaseQuantity) * priceBase
	result.LeveragedPositionValue = float64(result.LeveragedQuantity) * priceLeveraged
	result.TotalPositionValue = result.BasePositionValue + result.LeveragedPositionValue
}

func (m *Manager) recomputePercentages(result *domain.AllocationResult, availableCapital float64) {
	if availableCapital <= 0 {
		return
	}
	result.BaseAllocationPct = result.BasePositionValue / availableCapital
	result.LeveragedAllocationPct = result.LeveragedPositionValue / availableCapital
	result.TotalAllocationPct = result.TotalPositionValue / availableCapital
	result.CashReservePct = 1.0 - result.TotalAllocationPct
}

// applyRiskLimits enforces the leverage cap, the base floor, and the
// effective-leverage scale-down (post-processing steps 1-3).
func (m *Manager) applyRiskLimits(result *domain.AllocationResult) {
	if result.LeveragedAllocationPct > m.config.MaxLeverageAllocation {
		excess := result.LeveragedAllocationPct - m.config.MaxLeverageAllocation
		result.LeveragedAllocationPct = m.config.MaxLeverageAllocation
		result.BaseAllocationPct += excess
	}

	if result.BaseAllocationPct < m.config.MinBaseAllocation {
		shortfall := m.config.MinBaseAllocation - result.BaseAllocationPct
		result.BaseAllocationPct = m.config.MinBaseAllocation
		result.LeveragedAllocationPct = math.Max(0.0, result.LeveragedAllocationPct-shortfall)
	}

	effLeverage := m.calculateEffectiveLeverage(result.BaseAllocationPct, result.LeveragedAllocationPct)
	if effLeverage > m.config.MaxTotalLeverage {
		maxLeveraged := (m.config.MaxTotalLeverage - result.BaseAllocationPct) / 3.0
		result.LeveragedAllocationPct = math.Min(result.LeveragedAllocationPct, maxLeveraged)
	}
}

// applyVolatilityScaling scales both allocations down (never up) when
// current volatility exceeds target (post-processing step 5).
func (m *Manager) applyVolatilityScaling(result *domain.AllocationResult, market MarketConditions, priceBase, priceLeveraged float64) {
	if market.CurrentVolatility <= 0 {
		return
	}
	volScalar := clamp(m.config.VolatilityTarget/market.CurrentVolatility, 0.5, 1.5)
	if volScalar < 1.0 {
		result.BaseAllocationPct *= volScalar
		result.LeveragedAllocationPct *= volScalar
		result.BasePositionValue *= volScalar
		result.LeveragedPositionValue *= volScalar
		m.floorQuantities(result, priceBase, priceLeveraged)
		result.CashReservePct = 1.0 - (result.BaseAllocationPct + result.LeveragedAllocationPct)
		result.Warnings = append(result.Warnings, "Position scaled down due to high volatility")
	}
}

func (m *Manager) calculateRiskMetrics(result *domain.AllocationResult) {
	result.EffectiveLeverage = m.calculateEffectiveLeverage(result.BaseAllocationPct, result.LeveragedAllocationPct)
	result.ExpectedVolatility = m.calculateExpectedVolatility(result.BaseAllocationPct, result.LeveragedAllocationPct)
	result.RiskScore = m.calculateRiskScore(*result)
	result.MaxDrawdownEstimate = estimateMaxDrawdown(result.EffectiveLeverage, result.ExpectedVolatility)
}

func (m *Manager) calculateEffectiveLeverage(basePct, leveragedPct float64) float64 {
	return basePct*1.0 + leveragedPct*3.0
}

// calculateExpectedVolatility computes the closed-form two-asset portfolio
// standard deviation with a fixed 0.95 correlation between base and
// leveraged legs. This is a fixed 2x2 case, so it is implemented
// directly rather than via gonum/mat -- see DESIGN.md.
func (m *Manager) calculateExpectedVolatility(basePct, leveragedPct float64) float64 {
	baseVol := m.config.BaseVolatility
	leveragedVol := m.config.LeveragedVolatility
	variance := basePct*basePct*baseVol*baseVol +
		leveragedPct*leveragedPct*leveragedVol*leveragedVol +
		2*basePct*leveragedPct*baseVol*leveragedVol*correlationBaseLeveraged
	return math.Sqrt(variance)
}

func estimateMaxDrawdown(effectiveLeverage, expectedVol float64) float64 {
	return 2.0 * expectedVol * math.Sqrt(effectiveLeverage)
}

func (m *Manager) calculateRiskScore(result domain.AllocationResult) float64 {
	leverageScore := result.EffectiveLeverage / m.config.MaxTotalLeverage
	concentrationScore := math.Max(result.BaseAllocationPct, result.LeveragedAllocationPct)
	volatilityScore := result.ExpectedVolatility / 0.5
	score := 0.4*leverageScore + 0.3*concentrationScore + 0.3*volatilityScore
	return clamp(score, 0.0, 1.0)
}

func (m *Manager) addValidationWarnings(result *domain.AllocationResult) {
	if result.EffectiveLeverage > 2.5 {
		result.Warnings = append(result.Warnings, fmt.Sprintf("High leverage warning: %.2fx", result.EffectiveLeverage))
	}
	if result.CashReservePct > 0.1 {
		result.Warnings = append(result.Warnings, fmt.Sprintf("Significant cash reserve: %d%%", int(result.CashReservePct*100)))
	}
	if result.BaseQuantity < 1 || result.LeveragedQuantity < 1 {
		result.Warnings = append(result.Warnings, "Insufficient capital for full dual position")
	}
}

// validateAllocation enforces the final invariants: no negative
// quantities, total allocation within 1%, effective leverage within 10%
// of the configured cap.
func (m *Manager) validateAllocation(result domain.AllocationResult) bool {
	if result.BaseQuantity < 0 || result.LeveragedQuantity < 0 {
		return false
	}
	if result.TotalAllocationPct > 1.01 {
		return false
	}
	if result.EffectiveLeverage > m.config.MaxTotalLeverage*1.1 {
		return false
	}
	return true
}

// CalculateSingleAllocation sizes a single position (non-dual target).
func (m *Manager) CalculateSingleAllocation(symbol string, probability, availableCapital, currentPrice float64, isLeveraged bool) domain.AllocationResult {
	var result domain.AllocationResult
	result.BaseSymbol = symbol

	positionPct := m.config.MinTotalAllocation + (m.config.MaxTotalAllocation-m.config.MinTotalAllocation)*signalStrength(probability)
	if isLeveraged {
		positionPct *= 0.7
	}

	result.BaseAllocationPct = positionPct
	result.BasePositionValue = availableCapital * positionPct
	if currentPrice > 0 {
		result.BaseQuantity = int64(math.Floor(result.BasePositionValue / currentPrice))
	}
	result.BasePositionValue = float64(result.BaseQuantity) * currentPrice
	result.TotalPositionValue = result.BasePositionValue

	if availableCapital > 0 {
		result.BaseAllocationPct = result.BasePositionValue / availableCapital
		result.TotalAllocationPct = result.BaseAllocationPct
		result.CashReservePct = 1.0 - result.TotalAllocationPct
	}

	if isLeveraged {
		result.EffectiveLeverage = 3.0 * positionPct
		result.ExpectedVolatility = m.config.LeveragedVolatility
	} else {
		result.EffectiveLeverage = positionPct
		result.ExpectedVolatility = m.config.BaseVolatility
	}
	result.RiskScore = m.calculateRiskScore(result)
	result.MaxDrawdownEstimate = estimateMaxDrawdown(result.EffectiveLeverage, result.ExpectedVolatility)

	result.Strategy = "SINGLE_POSITION"
	result.ConfidenceUsed = signalStrength(probability)
	result.Rationale = fmt.Sprintf("Single position in %s", symbol)
	result.IsValid = true

	if result.BaseQuantity == 0 {
		result.Warnings = append(result.Warnings, "available capital below price of one share")
	}

	return result
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
