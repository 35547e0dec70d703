package domain

import (
	"fmt"
	"math"
)

// RawSignalType is the producer-emitted directional hint for a bar, distinct
// from the classified SignalType the hysteresis manager later derives from
// probability and thresholds.
type RawSignalType string

const (
	RawSignalLong    RawSignalType = "LONG"
	RawSignalShort   RawSignalType = "SHORT"
	RawSignalNeutral RawSignalType = "NEUTRAL"
)

// Signal is the canonical per-bar probability/confidence payload a
// producer emits once per bar_id.
type Signal struct {
	Version            string        `json:"version"`
	BarID              uint64        `json:"bar_id"`
	TimestampMS        int64         `json:"timestamp_ms"`
	Symbol             string        `json:"symbol"`
	Probability        float64       `json:"probability"`
	SignalType         RawSignalType `json:"signal_type"`
	PredictionHorizon  int           `json:"prediction_horizon"`
	TargetBarID        uint64        `json:"target_bar_id"`
}

// DefaultPredictionHorizon is applied when a producer omits the field.
const DefaultPredictionHorizon = 1

// NewSignal fills in TargetBarID and the default horizon, then validates.
func NewSignal(barID uint64, timestampMS int64, symbol string, probability float64, signalType RawSignalType, horizon int) (Signal, error) {
	if horizon <= 0 {
		horizon = DefaultPredictionHorizon
	}
	s := Signal{
		Version:           "2.0",
		BarID:             barID,
		TimestampMS:       timestampMS,
		Symbol:            symbol,
		Probability:       probability,
		SignalType:        signalType,
		PredictionHorizon: horizon,
		TargetBarID:       barID + uint64(horizon),
	}
	return s, s.Validate()
}

// Validate enforces the Signal invariants: probability in [0,1] and
// never NaN, a non-zero bar_id, and a positive horizon.
func (s Signal) Validate() error {
	if s.BarID == 0 {
		return &ValidationError{Reason: "signal: bar_id is missing (zero)"}
	}
	if math.IsNaN(s.Probability) {
		return &ValidationError{Reason: fmt.Sprintf("signal bar_id=%d: probability is NaN", s.BarID)}
	}
	if s.Probability < 0 || s.Probability > 1 {
		return &ValidationError{Reason: fmt.Sprintf("signal bar_id=%d: probability %.6f outside [0,1]", s.BarID, s.Probability)}
	}
	if s.PredictionHorizon <= 0 {
		return &ValidationError{Reason: fmt.Sprintf("signal bar_id=%d: prediction_horizon must be >= 1", s.BarID)}
	}
	if s.TargetBarID != s.BarID+uint64(s.PredictionHorizon) {
		return &ValidationError{Reason: fmt.Sprintf("signal bar_id=%d: target_bar_id mismatch", s.BarID)}
	}
	return nil
}
