package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPortfolioState_IsDual(t *testing.T) {
	assert.True(t, StateQQQTQQQ.IsDual())
	assert.True(t, StatePSQSQQQ.IsDual())
	assert.False(t, StateQQQOnly.IsDual())
	assert.False(t, StateCashOnly.IsDual())
}

func TestPortfolioState_IsLongFamily(t *testing.T) {
	assert.True(t, StateQQQOnly.IsLongFamily())
	assert.True(t, StateTQQQOnly.IsLongFamily())
	assert.True(t, StateQQQTQQQ.IsLongFamily())
	assert.False(t, StatePSQOnly.IsLongFamily())
	assert.False(t, StateCashOnly.IsLongFamily())
}

func TestPortfolioState_IsShortFamily(t *testing.T) {
	assert.True(t, StatePSQOnly.IsShortFamily())
	assert.True(t, StateSQQQOnly.IsShortFamily())
	assert.True(t, StatePSQSQQQ.IsShortFamily())
	assert.False(t, StateQQQOnly.IsShortFamily())
}

func thresholds() DynamicThresholds {
	return DynamicThresholds{
		Buy: 0.55, Sell: 0.45, StrongBuy: 0.70, StrongSell: 0.30,
	}
}

func TestDynamicThresholds_Classify_StrongBuy(t *testing.T) {
	assert.Equal(t, SignalStrongBuy, thresholds().Classify(0.71))
}

func TestDynamicThresholds_Classify_WeakBuy(t *testing.T) {
	assert.Equal(t, SignalWeakBuy, thresholds().Classify(0.60))
}

func TestDynamicThresholds_Classify_StrongSell(t *testing.T) {
	assert.Equal(t, SignalStrongSell, thresholds().Classify(0.29))
}

func TestDynamicThresholds_Classify_WeakSell(t *testing.T) {
	assert.Equal(t, SignalWeakSell, thresholds().Classify(0.40))
}

func TestDynamicThresholds_Classify_NeutralBand(t *testing.T) {
	assert.Equal(t, SignalNeutral, thresholds().Classify(0.50))
}

func TestDynamicThresholds_Classify_BoundaryEqualsBuyIsNeutral(t *testing.T) {
	// p == buy is strictly not greater than buy, so it classifies NEUTRAL.
	assert.Equal(t, SignalNeutral, thresholds().Classify(0.55))
}

func TestDynamicThresholds_Classify_BoundaryEqualsSellIsNeutral(t *testing.T) {
	assert.Equal(t, SignalNeutral, thresholds().Classify(0.45))
}

func TestDynamicThresholds_Classify_BoundaryEqualsStrongBuyIsWeakBuy(t *testing.T) {
	// p == strong_buy is strictly not greater than strong_buy.
	assert.Equal(t, SignalWeakBuy, thresholds().Classify(0.70))
}

func TestPositionTracking_CanExit(t *testing.T) {
	pt := PositionTracking{EarliestExitBarID: 105}
	assert.False(t, pt.CanExit(104))
	assert.True(t, pt.CanExit(105))
	assert.True(t, pt.CanExit(106))
}
