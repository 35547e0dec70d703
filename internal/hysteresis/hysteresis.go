// Package hysteresis implements the Dynamic Hysteresis Manager (C3): it
// turns a raw probability into a classified signal using state-, regime-,
// and history-dependent thresholds that resist whipsaw and reward trend
// persistence. The threshold pipeline runs state bias -> time-in-position
// -> variance widening -> momentum shift -> clamp -> recenter -> strong
// margins -> confidence bump. Mean/variance/stddev/slope come from
// pkg/formulas, which wraps gonum.org/v1/gonum/stat.
package hysteresis

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/aristath/apex-trader/internal/domain"
	"github.com/aristath/apex-trader/pkg/formulas"
)

// Config holds the DHM's tunable parameters.
type Config struct {
	BaseBuyThreshold  float64
	BaseSellThreshold float64
	StrongMargin      float64
	BaseConfidence    float64

	EntryBias           float64
	ExitBias            float64
	VarianceSensitivity float64

	SignalHistoryWindow int
	MinThreshold        float64
	MaxThreshold        float64

	DualStateEntryMultiplier float64
	MomentumFactor           float64
}

// DefaultConfig returns the documented defaults below.
func DefaultConfig() Config {
	return Config{
		BaseBuyThreshold:         0.55,
		BaseSellThreshold:        0.45,
		StrongMargin:             0.15,
		BaseConfidence:           0.70,
		EntryBias:                0.02,
		ExitBias:                 0.05,
		VarianceSensitivity:      0.10,
		SignalHistoryWindow:      20,
		MinThreshold:             0.35,
		MaxThreshold:             0.65,
		DualStateEntryMultiplier: 2.0,
		MomentumFactor:           0.03,
	}
}

// Manager is the Dynamic Hysteresis Manager.
type Manager struct {
	config  Config
	history []float64
	log     zerolog.Logger
}

// New creates a Manager with the given config.
func New(cfg Config, log zerolog.Logger) *Manager {
	return &Manager{
		config: cfg,
		log:    log.With().Str("component", "hysteresis").Logger(),
	}
}

// UpdateHistory appends a probability to the rolling window, truncating to
// SignalHistoryWindow entries (bounded ring, oldest dropped first).
func (m *Manager) UpdateHistory(probability float64) {
	m.history = append(m.history, probability)
	if over := len(m.history) - m.config.SignalHistoryWindow; over > 0 {
		m.history = m.history[over:]
	}
}

// Reset clears the signal history (new session or test fixture).
func (m *Manager) Reset() {
	m.history = nil
}

// Thresholds computes the state- and regime-dependent DynamicThresholds
// for the given current state and bars-in-position through a nine-step
// pipeline: base thresholds, state bias, time-in-position, variance
// widening, momentum shift, clamp, recenter, strong margins, confidence bump.
func (m *Manager) Thresholds(state domain.PortfolioState, barsInPosition int) domain.DynamicThresholds {
	buy := m.config.BaseBuyThreshold
	sell := m.config.BaseSellThreshold

	switch state {
	case domain.StateCashOnly:
		// no bias
	case domain.StateQQQOnly, domain.StateTQQQOnly:
		buy += m.config.EntryBias
		sell -= m.config.ExitBias
	case domain.StatePSQOnly, domain.StateSQQQOnly:
		sell -= m.config.EntryBias
		buy += m.config.ExitBias
	case domain.StateQQQTQQQ:
		buy += m.config.DualStateEntryMultiplier * m.config.EntryBias
		sell -= m.config.ExitBias
	case domain.StatePSQSQQQ:
		sell -= m.config.DualStateEntryMultiplier * m.config.EntryBias
		buy += m.config.ExitBias
	}

	// Time-in-position: longer in position, harder to exit.
	if barsInPosition > 5 && barsInPosition < 50 {
		timeFactor := math.Min(0.02, float64(barsInPosition)*0.001)
		if isLongState(state) {
			sell -= timeFactor
		} else if isShortState(state) {
			buy += timeFactor
		}
	}

	stats := formulas.CalculateSignalStatistics(m.history)

	varianceAdj := m.varianceAdjustment(stats.Variance)
	buy += varianceAdj
	sell -= varianceAdj

	if m.config.MomentumFactor > 0 {
		momentumAdj := m.momentumAdjustment(stats.Momentum)
		buy += momentumAdj
		sell += momentumAdj
	}

	buy = clamp(buy, m.config.MinThreshold, m.config.MaxThreshold)
	sell = clamp(sell, m.config.MinThreshold, m.config.MaxThreshold)

	// Enforce a minimum neutral-zone width of 0.10 by recentering.
	if buy <= sell {
		mid := (buy + sell) / 2
		buy = mid + 0.05
		sell = mid - 0.05
	}

	strongBuy := buy + m.config.StrongMargin
	strongSell := sell - m.config.StrongMargin

	regimeLabel := formulas.DetermineRegime(len(m.history), stats)
	confidence := m.config.BaseConfidence
	if regimeLabel == string(domain.RegimeVolatile) {
		confidence = math.Min(0.85, m.config.BaseConfidence+0.10)
	}

	if len(m.history) >= 2 {
		if agree := formulas.TalibSlopeSign(m.history); !agree {
			m.log.Debug().Float64("momentum", stats.Momentum).Msg("talib linreg slope disagrees with gonum OLS sign")
		}
	}

	return domain.DynamicThresholds{
		Buy:                 buy,
		Sell:                sell,
		StrongBuy:           strongBuy,
		StrongSell:          strongSell,
		ConfidenceThreshold: confidence,
		Regime:              domain.MarketRegime(regimeLabel),
		SignalVariance:      stats.Variance,
		SignalMean:          stats.Mean,
		SignalMomentum:      stats.Momentum,
		NeutralZoneWidth:    buy - sell,
		BarsInPosition:      barsInPosition,
	}
}

// varianceAdjustment widens the neutral zone in proportion to observed
// variance, capped at 0.10, and requires at least 10 samples to engage.
func (m *Manager) varianceAdjustment(variance float64) float64 {
	if len(m.history) < 10 {
		return 0
	}
	return math.Min(0.10, variance*m.config.VarianceSensitivity)
}

// momentumAdjustment shifts both thresholds in the direction of the
// current trend, requiring at least 10 samples to engage.
func (m *Manager) momentumAdjustment(momentum float64) float64 {
	if len(m.history) < 10 {
		return 0
	}
	return momentum * m.config.MomentumFactor
}

func isLongState(s domain.PortfolioState) bool {
	return s == domain.StateQQQOnly || s == domain.StateTQQQOnly || s == domain.StateQQQTQQQ
}

func isShortState(s domain.PortfolioState) bool {
	return s == domain.StatePSQOnly || s == domain.StateSQQQOnly || s == domain.StatePSQSQQQ
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
