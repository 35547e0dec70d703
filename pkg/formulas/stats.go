// Package formulas provides the statistical primitives and regime labelling
// used by the hysteresis manager.
package formulas

import (
	"math"

	talib "github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"
)

// Mean calculates the arithmetic mean of a slice of float64 values.
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

// Variance calculates the sample variance (n-1 denominator) via gonum/stat.
func Variance(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	return stat.Variance(data, nil)
}

// StdDev calculates the standard deviation of a slice of float64 values.
func StdDev(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	return stat.StdDev(data, nil)
}

// Slope fits an ordinary-least-squares line over (index, value) pairs and
// returns its slope -- the "momentum" used by the hysteresis manager's
// regime detector.
func Slope(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	xs := make([]float64, len(data))
	for i := range data {
		xs[i] = float64(i)
	}
	_, slope := stat.LinearRegression(xs, data, nil, false)
	return slope
}

// TalibSlopeSign cross-checks the OLS slope's sign against talib's
// linear-regression-slope indicator over the window's most recent
// len(data)-1 samples. It returns true
// when the two agree (or when talib has insufficient data to compute),
// false when they disagree. The gonum slope remains the sole input to
// threshold computation; this is a diagnostic only.
func TalibSlopeSign(data []float64) bool {
	if len(data) < 2 {
		return true
	}
	period := len(data) - 1
	if period < 2 {
		return true
	}
	out := talib.LinearRegSlope(data, period)
	if len(out) == 0 {
		return true
	}
	talibSlope := out[len(out)-1]
	if math.IsNaN(talibSlope) {
		return true
	}
	ols := Slope(data)
	return (talibSlope >= 0) == (ols >= 0)
}
