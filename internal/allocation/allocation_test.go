package allocation

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/apex-trader/internal/domain"
)

func newManager(cfg Config) *Manager {
	return New(cfg, zerolog.Nop())
}

func TestCalculateDualAllocation_InvalidTargetState(t *testing.T) {
	m := newManager(DefaultConfig())
	result := m.CalculateDualAllocation(domain.StateCashOnly, 0.8, 10000, 100, 50, MarketConditions{})
	assert.False(t, result.IsValid)
	assert.NotEmpty(t, result.Warnings)
}

func TestCalculateDualAllocation_ConfidenceBased_LongSymbols(t *testing.T) {
	m := newManager(DefaultConfig())
	result := m.CalculateDualAllocation(domain.StateQQQTQQQ, 0.9, 100000, 400, 60, MarketConditions{})

	require.True(t, result.IsValid)
	assert.Equal(t, "QQQ", result.BaseSymbol)
	assert.Equal(t, "TQQQ", result.LeveragedSymbol)
	assert.Equal(t, domain.StrategyConfidenceBased, result.Strategy)
	assert.GreaterOrEqual(t, result.BaseQuantity, int64(0))
	assert.GreaterOrEqual(t, result.LeveragedQuantity, int64(0))
}

func TestCalculateDualAllocation_ConfidenceBased_ShortSymbols(t *testing.T) {
	m := newManager(DefaultConfig())
	result := m.CalculateDualAllocation(domain.StatePSQSQQQ, 0.1, 100000, 20, 15, MarketConditions{})
	assert.Equal(t, "PSQ", result.BaseSymbol)
	assert.Equal(t, "SQQQ", result.LeveragedSymbol)
}

func TestCalculateDualAllocation_RespectsMaxLeverageAllocation(t *testing.T) {
	cfg := DefaultConfig()
	m := newManager(cfg)
	result := m.CalculateDualAllocation(domain.StateQQQTQQQ, 0.999, 100000, 400, 60, MarketConditions{})
	assert.LessOrEqual(t, result.LeveragedAllocationPct, cfg.MaxLeverageAllocation+1e-6)
}

func TestCalculateDualAllocation_EffectiveLeverageNeverExceedsCap(t *testing.T) {
	cfg := DefaultConfig()
	m := newManager(cfg)
	result := m.CalculateDualAllocation(domain.StateQQQTQQQ, 0.999, 100000, 400, 60, MarketConditions{})
	assert.LessOrEqual(t, result.EffectiveLeverage, cfg.MaxTotalLeverage*1.1+1e-6)
}

func TestCalculateDualAllocation_VolatilityScalingReducesSizeInHighVol(t *testing.T) {
	m := newManager(DefaultConfig())
	calm := m.CalculateDualAllocation(domain.StateQQQTQQQ, 0.8, 100000, 400, 60, MarketConditions{CurrentVolatility: 0.20})
	stressed := m.CalculateDualAllocation(domain.StateQQQTQQQ, 0.8, 100000, 400, 60, MarketConditions{CurrentVolatility: 0.60})
	assert.Less(t, stressed.TotalPositionValue, calm.TotalPositionValue)
}

func TestCalculateDualAllocation_RiskParityStrategy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = domain.StrategyRiskParity
	m := newManager(cfg)
	result := m.CalculateDualAllocation(domain.StateQQQTQQQ, 0.7, 50000, 400, 60, MarketConditions{})
	assert.Equal(t, domain.StrategyRiskParity, result.Strategy)
	// Lower-volatility base asset gets more weight than the higher-volatility leveraged asset.
	assert.Greater(t, result.BaseAllocationPct, result.LeveragedAllocationPct)
}

func TestCalculateDualAllocation_KellyStrategy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = domain.StrategyKellyCriterion
	m := newManager(cfg)
	result := m.CalculateDualAllocation(domain.StateQQQTQQQ, 0.8, 50000, 400, 60, MarketConditions{})
	assert.Equal(t, domain.StrategyKellyCriterion, result.Strategy)
	assert.GreaterOrEqual(t, result.KellySizing, 0.0)
}

func TestCalculateDualAllocation_HybridStrategy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = domain.StrategyHybrid
	m := newManager(cfg)
	result := m.CalculateDualAllocation(domain.StateQQQTQQQ, 0.8, 50000, 400, 60, MarketConditions{})
	assert.Equal(t, domain.StrategyHybrid, result.Strategy)
}

func TestCalculateSingleAllocation_BaseVsLeveraged(t *testing.T) {
	m := newManager(DefaultConfig())
	base := m.CalculateSingleAllocation("QQQ", 0.9, 100000, 400, false)
	leveraged := m.CalculateSingleAllocation("TQQQ", 0.9, 100000, 60, true)

	assert.True(t, base.IsValid)
	assert.True(t, leveraged.IsValid)
	assert.Greater(t, leveraged.EffectiveLeverage, base.EffectiveLeverage)
}

func TestCalculateSingleAllocation_ZeroPriceYieldsZeroQuantity(t *testing.T) {
	m := newManager(DefaultConfig())
	result := m.CalculateSingleAllocation("QQQ", 0.9, 100000, 0, false)
	assert.Equal(t, int64(0), result.BaseQuantity)
	assert.Contains(t, result.Warnings, "available capital below price of one share")
}

func TestFloorQuantities_NeverFractional(t *testing.T) {
	m := newManager(DefaultConfig())
	result := &domain.AllocationResult{BasePositionValue: 999, LeveragedPositionValue: 499}
	m.floorQuantities(result, 100, 60)
	assert.Equal(t, int64(9), result.BaseQuantity)
	assert.Equal(t, int64(8), result.LeveragedQuantity)
	assert.Equal(t, 900.0, result.BasePositionValue)
	assert.Equal(t, 480.0, result.LeveragedPositionValue)
}

func TestCalculateExpectedVolatility_ZeroAllocationIsZero(t *testing.T) {
	m := newManager(DefaultConfig())
	assert.Equal(t, 0.0, m.calculateExpectedVolatility(0, 0))
}

func TestCalculateExpectedVolatility_PositiveForNonzeroAllocation(t *testing.T) {
	m := newManager(DefaultConfig())
	assert.Greater(t, m.calculateExpectedVolatility(0.5, 0.3), 0.0)
}
