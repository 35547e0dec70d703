package hysteresis

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/aristath/apex-trader/internal/domain"
)

func newManager() *Manager {
	return New(DefaultConfig(), zerolog.Nop())
}

func TestThresholds_CashOnlyUsesBaseThresholds(t *testing.T) {
	m := newManager()
	th := m.Thresholds(domain.StateCashOnly, 0)
	assert.InDelta(t, 0.55, th.Buy, 1e-9)
	assert.InDelta(t, 0.45, th.Sell, 1e-9)
}

func TestThresholds_BaseLongWidensExitBandAndRaisesEntry(t *testing.T) {
	m := newManager()
	th := m.Thresholds(domain.StateQQQOnly, 0)
	assert.InDelta(t, 0.57, th.Buy, 1e-9)  // base + EntryBias
	assert.InDelta(t, 0.40, th.Sell, 1e-9) // base - ExitBias
}

func TestThresholds_DualLongAppliesMultiplierToEntryBias(t *testing.T) {
	m := newManager()
	th := m.Thresholds(domain.StateQQQTQQQ, 0)
	assert.InDelta(t, 0.55+2*0.02, th.Buy, 1e-9)
	assert.InDelta(t, 0.40, th.Sell, 1e-9)
}

func TestThresholds_StrongMarginsFlankBuySell(t *testing.T) {
	m := newManager()
	th := m.Thresholds(domain.StateCashOnly, 0)
	assert.InDelta(t, th.Buy+0.15, th.StrongBuy, 1e-9)
	assert.InDelta(t, th.Sell-0.15, th.StrongSell, 1e-9)
}

func TestThresholds_ClampsToConfiguredBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EntryBias = 1.0 // huge bias forces clamping
	m := New(cfg, zerolog.Nop())
	th := m.Thresholds(domain.StateQQQOnly, 0)
	assert.LessOrEqual(t, th.Buy, cfg.MaxThreshold)
	assert.GreaterOrEqual(t, th.Sell, cfg.MinThreshold)
}

func TestThresholds_RecentersWhenBandCollapses(t *testing.T) {
	cfg := DefaultConfig()
	// Clamping pins both thresholds to 0.50, collapsing the band.
	cfg.MinThreshold = 0.50
	cfg.MaxThreshold = 0.50
	cfg.EntryBias = 0.08
	cfg.ExitBias = 0.08
	m := New(cfg, zerolog.Nop())
	th := m.Thresholds(domain.StateQQQOnly, 0)
	assert.Greater(t, th.Buy, th.Sell)
	assert.InDelta(t, 0.10, th.Buy-th.Sell, 1e-9)
}

func TestUpdateHistory_TruncatesToWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SignalHistoryWindow = 3
	m := New(cfg, zerolog.Nop())
	m.UpdateHistory(0.1)
	m.UpdateHistory(0.2)
	m.UpdateHistory(0.3)
	m.UpdateHistory(0.4)
	assert.Len(t, m.history, 3)
	assert.Equal(t, []float64{0.2, 0.3, 0.4}, m.history)
}

func TestReset_ClearsHistory(t *testing.T) {
	m := newManager()
	m.UpdateHistory(0.5)
	m.Reset()
	assert.Empty(t, m.history)
}

func TestThresholds_VarianceAdjustmentRequiresTenSamples(t *testing.T) {
	m := newManager()
	for i := 0; i < 9; i++ {
		m.UpdateHistory(0.5 + float64(i%2)*0.3)
	}
	th := m.Thresholds(domain.StateCashOnly, 0)
	assert.InDelta(t, 0.55, th.Buy, 1e-9)
}

func TestThresholds_TimeInPositionNarrowsExitForLong(t *testing.T) {
	m := newManager()
	fresh := m.Thresholds(domain.StateQQQOnly, 0)
	aged := m.Thresholds(domain.StateQQQOnly, 10)
	assert.Less(t, aged.Sell, fresh.Sell)
}
