package psm

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/aristath/apex-trader/internal/domain"
)

func newMachine() *Machine {
	return New(DefaultConfig(), zerolog.Nop())
}

func TestDetermineState_CashOnly(t *testing.T) {
	assert.Equal(t, domain.StateCashOnly, DetermineState(nil))
}

func TestDetermineState_SingleLeg(t *testing.T) {
	positions := map[string]domain.Position{"TQQQ": {Symbol: "TQQQ", Quantity: 100}}
	assert.Equal(t, domain.StateTQQQOnly, DetermineState(positions))
}

func TestDetermineState_DualLongLeg(t *testing.T) {
	positions := map[string]domain.Position{
		"QQQ":  {Symbol: "QQQ", Quantity: 100},
		"TQQQ": {Symbol: "TQQQ", Quantity: 50},
	}
	assert.Equal(t, domain.StateQQQTQQQ, DetermineState(positions))
}

func TestDetermineState_InvalidOnMixedFamilies(t *testing.T) {
	positions := map[string]domain.Position{
		"QQQ": {Symbol: "QQQ", Quantity: 100},
		"PSQ": {Symbol: "PSQ", Quantity: 50},
	}
	assert.Equal(t, domain.StateInvalid, DetermineState(positions))
}

func TestDetermineState_FlatPositionsIgnored(t *testing.T) {
	positions := map[string]domain.Position{"QQQ": {Symbol: "QQQ", Quantity: 0}}
	assert.Equal(t, domain.StateCashOnly, DetermineState(positions))
}

func TestMachine_Transition_InvalidStateForcesLiquidation(t *testing.T) {
	m := newMachine()
	tr := m.Transition(domain.StateInvalid, domain.SignalStrongBuy, 0, 10)
	assert.Equal(t, domain.StateCashOnly, tr.TargetState)
	assert.Equal(t, "Emergency liquidation", tr.Action)
}

func TestMachine_Transition_CashToLeveragedLongOnStrongBuy(t *testing.T) {
	m := newMachine()
	tr := m.Transition(domain.StateCashOnly, domain.SignalStrongBuy, 0, 10)
	assert.Equal(t, domain.StateQQQTQQQ, tr.TargetState)
}

func TestMachine_Transition_CashToBaseLongOnWeakBuy(t *testing.T) {
	m := newMachine()
	tr := m.Transition(domain.StateCashOnly, domain.SignalWeakBuy, 0, 10)
	assert.Equal(t, domain.StateQQQOnly, tr.TargetState)
}

func TestMachine_Transition_LeverageDisabledStaysBaseOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LeverageEnabled = false
	m := New(cfg, zerolog.Nop())
	tr := m.Transition(domain.StateCashOnly, domain.SignalStrongBuy, 0, 10)
	assert.Equal(t, domain.StateQQQOnly, tr.TargetState)
}

func TestMachine_Transition_NeutralHoldsPosition(t *testing.T) {
	m := newMachine()
	tr := m.Transition(domain.StateQQQOnly, domain.SignalNeutral, 10, 20)
	assert.Equal(t, domain.StateQQQOnly, tr.TargetState)
	assert.Equal(t, "Hold position", tr.Action)
}

func TestMachine_Transition_SellWhileLongExitsToCash(t *testing.T) {
	m := newMachine()
	tr := m.Transition(domain.StateQQQOnly, domain.SignalWeakSell, 10, 20)
	assert.Equal(t, domain.StateCashOnly, tr.TargetState)
}

func TestMachine_Transition_HoldEnforcedBlocksExit(t *testing.T) {
	m := newMachine()
	m.RecordEntry("QQQ", 10, 5, 100) // earliest exit bar = 15

	tr := m.Transition(domain.StateQQQOnly, domain.SignalWeakSell, 1, 12)
	assert.True(t, tr.IsHoldEnforced)
	assert.Equal(t, domain.StateQQQOnly, tr.TargetState)
}

func TestMachine_Transition_HoldEnforcementReleasesAtEarliestExitBar(t *testing.T) {
	m := newMachine()
	m.RecordEntry("QQQ", 10, 5, 100) // earliest exit bar = 15

	tr := m.Transition(domain.StateQQQOnly, domain.SignalWeakSell, 1, 15)
	assert.False(t, tr.IsHoldEnforced)
	assert.Equal(t, domain.StateCashOnly, tr.TargetState)
}

func TestMachine_Transition_PositionAgeForcesExitFromLong(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBarsInPosition = 5
	m := New(cfg, zerolog.Nop())

	tr := m.Transition(domain.StateQQQOnly, domain.SignalNeutral, 5, 20)
	assert.Equal(t, domain.StateCashOnly, tr.TargetState)
}

func TestMachine_UpdateTracking_ResetsOnStateChange(t *testing.T) {
	m := newMachine()
	assert.Equal(t, 0, m.UpdateTracking(domain.StateCashOnly))
	assert.Equal(t, 0, m.UpdateTracking(domain.StateQQQOnly))
	assert.Equal(t, 1, m.UpdateTracking(domain.StateQQQOnly))
	assert.Equal(t, 2, m.UpdateTracking(domain.StateQQQOnly))
}

func TestMachine_CanClose_UnknownSymbolAlwaysTrue(t *testing.T) {
	m := newMachine()
	assert.True(t, m.CanClose("QQQ", 1))
}

func TestMachine_RecordExit_ClearsTracking(t *testing.T) {
	m := newMachine()
	m.RecordEntry("QQQ", 10, 5, 100)
	assert.False(t, m.CanClose("QQQ", 11))
	m.RecordExit("QQQ")
	assert.True(t, m.CanClose("QQQ", 11))
}
