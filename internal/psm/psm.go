// Package psm implements the Position State Machine (C5): it maps a
// current portfolio state and a classified signal to a target state, owns
// hold-period enforcement, and derives the current state from the
// Position Book rather than from any stored flag. Orchestration of the
// hysteresis/allocation managers belongs to the backend package.
package psm

import (
	"github.com/rs/zerolog"

	"github.com/aristath/apex-trader/internal/domain"
)

// Config holds the PSM's tunable parameters.
type Config struct {
	MaxBarsInPosition int
	LeverageEnabled   bool
}

// DefaultConfig returns the documented defaults below.
func DefaultConfig() Config {
	return Config{
		MaxBarsInPosition: 100,
		LeverageEnabled:   true,
	}
}

// Transition is the PSM's output for one bar: the state change, its
// rationale, and the hold-enforcement bookkeeping the backend needs to
// attach to order metadata.
type Transition struct {
	CurrentState domain.PortfolioState
	SignalType   domain.ClassifiedSignal
	TargetState  domain.PortfolioState
	Action       string
	Rationale    string

	IsHoldEnforced bool
	BarsInPosition int
}

// Machine is the Position State Machine.
type Machine struct {
	config Config
	log    zerolog.Logger

	tracking map[string]domain.PositionTracking

	prevState      domain.PortfolioState
	barsInPosition int
}

// New creates a Machine.
func New(cfg Config, log zerolog.Logger) *Machine {
	return &Machine{
		config:   cfg,
		log:      log.With().Str("component", "psm").Logger(),
		tracking: make(map[string]domain.PositionTracking),
	}
}

// DetermineState derives the current PortfolioState from a set of
// non-flat positions keyed by symbol: any
// simultaneous long+short holding is INVALID.
func DetermineState(positions map[string]domain.Position) domain.PortfolioState {
	hasQQQ := nonFlat(positions, "QQQ")
	hasTQQQ := nonFlat(positions, "TQQQ")
	hasPSQ := nonFlat(positions, "PSQ")
	hasSQQQ := nonFlat(positions, "SQQQ")

	long := hasQQQ || hasTQQQ
	short := hasPSQ || hasSQQQ
	if long && short {
		return domain.StateInvalid
	}

	switch {
	case hasQQQ && hasTQQQ:
		return domain.StateQQQTQQQ
	case hasTQQQ:
		return domain.StateTQQQOnly
	case hasQQQ:
		return domain.StateQQQOnly
	case hasPSQ && hasSQQQ:
		return domain.StatePSQSQQQ
	case hasSQQQ:
		return domain.StateSQQQOnly
	case hasPSQ:
		return domain.StatePSQOnly
	default:
		return domain.StateCashOnly
	}
}

func nonFlat(positions map[string]domain.Position, symbol string) bool {
	pos, ok := positions[symbol]
	return ok && !pos.IsFlat()
}

// UpdateTracking returns the bars-in-position count for the observed state:
// it resets to zero when state differs from the previous call's state
// (including the first call) and increments by one otherwise.
func (m *Machine) UpdateTracking(state domain.PortfolioState) int {
	if state != m.prevState {
		m.prevState = state
		m.barsInPosition = 0
	} else {
		m.barsInPosition++
	}
	return m.barsInPosition
}

// RecordEntry records a position's opening bar, horizon, and entry price
// so hold enforcement can suppress early exits.
func (m *Machine) RecordEntry(symbol string, barID uint64, horizon int, entryPrice float64) {
	m.tracking[symbol] = domain.PositionTracking{
		Symbol:            symbol,
		OpenBarID:         barID,
		Horizon:           horizon,
		EntryPrice:        entryPrice,
		EarliestExitBarID: barID + uint64(horizon),
	}
}

// RecordExit clears a symbol's hold-enforcement tracking.
func (m *Machine) RecordExit(symbol string) {
	delete(m.tracking, symbol)
}

// ClearTracking wipes all hold-enforcement bookkeeping.
func (m *Machine) ClearTracking() {
	m.tracking = make(map[string]domain.PositionTracking)
}

// CanClose reports whether currentBarID has reached symbol's earliest
// exit bar. Symbols with no recorded entry may always close.
func (m *Machine) CanClose(symbol string, currentBarID uint64) bool {
	t, ok := m.tracking[symbol]
	if !ok {
		return true
	}
	return t.CanExit(currentBarID)
}

// heldSymbolsFor returns the symbols belonging to state that are subject
// to hold enforcement.
func heldSymbolsFor(state domain.PortfolioState) []string {
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

// isHoldEnforced reports whether any symbol held in currentState is still
// inside its minimum hold period at currentBarID.
func (m *Machine) isHoldEnforced(currentState domain.PortfolioState, currentBarID uint64) bool {
	for _, symbol := range heldSymbolsFor(currentState) {
		if !m.CanClose(symbol, currentBarID) {
			return true
		}
	}
	return false
}

// Transition computes the PSM's target state for the given current state
// and classified signal, applying position-age forcing and hold
// enforcement. currentBarID is used only for hold-enforcement lookups.
func (m *Machine) Transition(currentState domain.PortfolioState, signal domain.ClassifiedSignal, barsInPosition int, currentBarID uint64) Transition {
	if currentState == domain.StateInvalid {
		return Transition{
			CurrentState: currentState,
			SignalType:   domain.SignalNeutral,
			TargetState:  domain.StateCashOnly,
			Action:       "Emergency liquidation",
			Rationale:    "Invalid state detected - risk containment",
		}
	}

	effectiveSignal := signal
	if barsInPosition >= m.config.MaxBarsInPosition && currentState != domain.StateCashOnly {
		if currentState.IsLongFamily() {
			effectiveSignal = domain.SignalWeakSell
		} else if currentState.IsShortFamily() {
			effectiveSignal = domain.SignalWeakBuy
		}
	}

	base := m.baseTransition(currentState, effectiveSignal)

	if base.TargetState != currentState && m.isHoldEnforced(currentState, currentBarID) {
		return Transition{
			CurrentState:   currentState,
			SignalType:     effectiveSignal,
			TargetState:    currentState,
			Action:         "Hold enforced",
			Rationale:      "Minimum hold period not yet elapsed",
			IsHoldEnforced: true,
			BarsInPosition: barsInPosition,
		}
	}

	base.BarsInPosition = barsInPosition
	return base
}

// baseTransition implements the fixed (state, signal_type) -> target_state
// table.
func (m *Machine) baseTransition(current domain.PortfolioState, signal domain.ClassifiedSignal) Transition {
	t := Transition{CurrentState: current, SignalType: signal, TargetState: current}

	if signal == domain.SignalNeutral {
		t.Action = "Hold position"
		t.Rationale = "Signal in neutral zone"
		return t
	}

	switch current {
	case domain.StateCashOnly:
		switch signal {
		case domain.SignalStrongBuy:
			t.TargetState = m.leveragedLongTarget()
			t.Action, t.Rationale = "Enter long", "Strong buy signal from cash"
		case domain.SignalWeakBuy:
			t.TargetState = domain.StateQQQOnly
			t.Action, t.Rationale = "Enter base long", "Weak buy signal from cash"
		case domain.SignalWeakSell:
			t.TargetState = domain.StatePSQOnly
			t.Action, t.Rationale = "Enter base short", "Weak sell signal from cash"
		case domain.SignalStrongSell:
			t.TargetState = m.leveragedShortTarget()
			t.Action, t.Rationale = "Enter short", "Strong sell signal from cash"
		}

	case domain.StateQQQOnly, domain.StateTQQQOnly, domain.StateQQQTQQQ:
		switch signal {
		case domain.SignalStrongBuy, domain.SignalWeakBuy:
			t.TargetState = m.scaleLong(current, signal)
			t.Action, t.Rationale = "Scale long", "Buy signal while long"
		case domain.SignalWeakSell, domain.SignalStrongSell:
			t.TargetState = domain.StateCashOnly
			t.Action, t.Rationale = "Exit to cash", "Sell signal while long"
		}

	case domain.StatePSQOnly, domain.StateSQQQOnly, domain.StatePSQSQQQ:
		switch signal {
		case domain.SignalWeakSell, domain.SignalStrongSell:
			t.TargetState = m.scaleShort(current, signal)
			t.Action, t.Rationale = "Scale short", "Sell signal while short"
		case domain.SignalStrongBuy, domain.SignalWeakBuy:
			t.TargetState = domain.StateCashOnly
			t.Action, t.Rationale = "Exit to cash", "Buy signal while short"
		}

	default:
		t.TargetState = domain.StateCashOnly
		t.Action, t.Rationale = "Emergency liquidation", "Unrecognized state"
	}

	if t.TargetState == current && t.Action == "" {
		t.Action = "Hold position"
		t.Rationale = "No qualifying transition"
	}
	return t
}

func (m *Machine) leveragedLongTarget() domain.PortfolioState {
	if m.config.LeverageEnabled {
		return domain.StateQQQTQQQ
	}
	return domain.StateQQQOnly
}

func (m *Machine) leveragedShortTarget() domain.PortfolioState {
	if m.config.LeverageEnabled {
		return domain.StatePSQSQQQ
	}
	return domain.StatePSQOnly
}

// scaleLong returns the long-family state to move into on a further buy
// signal: a strong buy from a single-leg long adds the other leg (when
// leverage is enabled); otherwise the state is unchanged.
func (m *Machine) scaleLong(current domain.PortfolioState, signal domain.ClassifiedSignal) domain.PortfolioState {
	if signal == domain.SignalStrongBuy && m.config.LeverageEnabled && current != domain.StateQQQTQQQ {
		return domain.StateQQQTQQQ
	}
	return current
}

func (m *Machine) scaleShort(current domain.PortfolioState, signal domain.ClassifiedSignal) domain.PortfolioState {
	if signal == domain.SignalStrongSell && m.config.LeverageEnabled && current != domain.StatePSQSQQQ {
		return domain.StatePSQSQQQ
	}
	return current
}
