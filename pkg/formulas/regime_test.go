package formulas

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetermineRegime_UnknownBelowMinSamples(t *testing.T) {
	assert.Equal(t, "UNKNOWN", DetermineRegime(3, SignalStatistics{}))
}

func TestDetermineRegime_Volatile(t *testing.T) {
	assert.Equal(t, "VOLATILE", DetermineRegime(10, SignalStatistics{Variance: 0.02}))
}

func TestDetermineRegime_TrendingUp(t *testing.T) {
	assert.Equal(t, "TRENDING_UP", DetermineRegime(10, SignalStatistics{Variance: 0.001, Momentum: 0.05}))
}

func TestDetermineRegime_TrendingDown(t *testing.T) {
	assert.Equal(t, "TRENDING_DOWN", DetermineRegime(10, SignalStatistics{Variance: 0.001, Momentum: -0.05}))
}

func TestDetermineRegime_Stable(t *testing.T) {
	assert.Equal(t, "STABLE", DetermineRegime(10, SignalStatistics{Variance: 0.001, Momentum: 0.001}))
}
