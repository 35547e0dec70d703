// Package domain provides core domain models and types shared by every
// trading-engine component: bars, signals, positions, and portfolio state.
package domain

import (
	"fmt"
	"math"
)

// Bar is a single 1-minute OHLCV record for a symbol.
//
// BarID is assigned by the loader and must be monotonic and unique across
// the loaded dataset; it is the join key between bars, signals, and the
// trade log.
type Bar struct {
	Symbol      string `json:"symbol"`
	BarID       uint64 `json:"bar_id"`
	TimestampMS int64  `json:"timestamp_ms"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      int64   `json:"volume"`
}

// maxIntrabarRatio rejects bars whose high/low implies more than a 50%
// intrabar move -- almost always bad data rather than a real trade.
const maxIntrabarRatio = 1.5

// Validate checks finite positive O/H/L/C, high/low bracket open/close
// correctly, non-negative volume, and a sane intrabar range. A bar
// failing validation is rejected, never corrected.
func (b Bar) Validate() error {
	for name, v := range map[string]float64{"open": b.Open, "high": b.High, "low": b.Low, "close": b.Close} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return &ValidationError{Reason: fmt.Sprintf("bar %s: %s must be finite and positive, got %v", b.Symbol, name, v)}
		}
	}
	if b.Volume < 0 {
		return &ValidationError{Reason: fmt.Sprintf("bar %s: volume must be >= 0, got %d", b.Symbol, b.Volume)}
	}
	maxOC := math.Max(b.Open, b.Close)
	minOC := math.Min(b.Open, b.Close)
	if b.High < maxOC {
		return &ValidationError{Reason: fmt.Sprintf("bar %s: high %.6f < max(open,close) %.6f", b.Symbol, b.High, maxOC)}
	}
	if b.Low > minOC {
		return &ValidationError{Reason: fmt.Sprintf("bar %s: low %.6f > min(open,close) %.6f", b.Symbol, b.Low, minOC)}
	}
	if b.Low <= 0 {
		return &ValidationError{Reason: fmt.Sprintf("bar %s: low must be positive", b.Symbol)}
	}
	if b.High/b.Low > maxIntrabarRatio {
		return &ValidationError{Reason: fmt.Sprintf("bar %s: high/low ratio %.4f exceeds %.2f", b.Symbol, b.High/b.Low, maxIntrabarRatio)}
	}
	return nil
}
