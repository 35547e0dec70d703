// Package walkforward implements the Walk-Forward Validator (C8): it
// slices a bar/signal history into train/test window pairs, replays each
// slice through a freshly constructed backend to avoid cross-window state
// contamination, and aggregates per-window Mean Return per Block (MRB)
// into a pass/fail assessment.
package walkforward

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/aristath/apex-trader/internal/backend"
	"github.com/aristath/apex-trader/internal/domain"
	"github.com/aristath/apex-trader/internal/positionbook"
)

// WindowMode selects how the train window advances between walk-forward
// windows.
type WindowMode string

const (
	ModeRolling   WindowMode = "ROLLING"
	ModeAnchored  WindowMode = "ANCHORED"
	ModeExpanding WindowMode = "EXPANDING"
)

// Config holds the Walk-Forward Validator's tunables.
type Config struct {
	Mode                WindowMode
	TrainWindowBlocks   int
	TestWindowBlocks    int
	StepSizeBlocks      int
	BlockSize           int
	MinMRBThreshold     float64
	MaxDegradationRatio float64
}

// DefaultConfig returns the documented defaults below.
func DefaultConfig() Config {
	return Config{
		Mode:                ModeRolling,
		TrainWindowBlocks:   40,
		TestWindowBlocks:    10,
		StepSizeBlocks:      10,
		BlockSize:           480,
		MinMRBThreshold:     0.0035,
		MaxDegradationRatio: 0.5,
	}
}

// BarSignal pairs a bar with the signal a producer emitted for it, the
// unit the validator replays through the backend.
type BarSignal struct {
	Bar    domain.Bar
	Signal domain.Signal
}

// WindowResult is one train/test window's outcome.
type WindowResult struct {
	WindowIndex int
	TrainStartBar, TrainEndBar int
	TestStartBar, TestEndBar   int

	TrainSignals, TrainNonNeutral int
	TrainAccuracy, TrainMRB       float64

	TestSignals, TestNonNeutral int
	TestAccuracy, TestMRB       float64

	DegradationRatio float64
	IsOverfit        bool
	Passed           bool
	FailureReason    string
}

// Result is the full walk-forward assessment.
type Result struct {
	StrategyName string
	Config       Config
	Windows      []WindowResult

	TotalWindows, PassingWindows, OverfitWindows int
	WinRate, OverfitPercentage                   float64

	MeanTestMRB, MeanTrainMRB, MeanDegradation, StdTestMRB float64
	ConsistencyScore                                       float64

	TStatistic               float64
	PValue                   float64
	StatisticallySignificant bool

	CILower95, CIUpper95 float64

	Passed          bool
	Assessment      string
	Issues          []string
	Recommendations []string
}

// EngineFactory builds a fresh, independent backend engine plus its
// backing position book, seeded with startingCapital. The validator calls
// this once per train slice and once per test slice so no state carries
// across windows.
type EngineFactory func(startingCapital float64) (*backend.Engine, *positionbook.Book)

// Validator is the Walk-Forward Validator.
type Validator struct {
	config    Config
	newEngine EngineFactory
	log       zerolog.Logger
}

// New creates a Validator.
func New(cfg Config, newEngine EngineFactory, log zerolog.Logger) *Validator {
	return &Validator{
		config:    cfg,
		newEngine: newEngine,
		log:       log.With().Str("component", "walkforward").Logger(),
	}
}

type window struct {
	trainStart, trainEnd, testStart, testEnd int
}

// Validate replays data -- ordered, contiguous bar/signal pairs -- through
// the configured window mode and returns the aggregate assessment.
func (v *Validator) Validate(strategyName string, data []BarSignal, startingCapital float64) Result {
	result := Result{StrategyName: strategyName, Config: v.config}

	trainBars := v.config.TrainWindowBlocks * v.config.BlockSize
	testBars := v.config.TestWindowBlocks * v.config.BlockSize
	stepBars := v.config.StepSizeBlocks * v.config.BlockSize
	minWindowBars := trainBars + testBars

	if len(data) < minWindowBars {
		result.Passed = false
		result.Assessment = "FAILED"
		result.Issues = append(result.Issues, fmt.Sprintf("insufficient data: need %d bars, have %d", minWindowBars, len(data)))
		return result
	}
	if stepBars <= 0 {
		result.Passed = false
		result.Assessment = "FAILED"
		result.Issues = append(result.Issues, "step_size_blocks must be positive")
		return result
	}

	windows := v.generateWindows(len(data), trainBars, testBars, stepBars)
	if len(windows) == 0 {
		result.Passed = false
		result.Assessment = "FAILED"
		result.Issues = append(result.Issues, "no valid windows generated")
		return result
	}

	v.log.Info().Int("windows", len(windows)).Str("mode", string(v.config.Mode)).Msg("starting walk-forward validation")

	for i, w := range windows {
		wr := v.processWindow(data, w, i, startingCapital)
		result.Windows = append(result.Windows, wr)
		v.log.Debug().Int("window", i).Bool("passed", wr.Passed).Float64("test_mrb", wr.TestMRB).Msg("window processed")
	}

	calculateAggregateStatistics(&result)
	calculateStatisticalSignificance(&result)
	calculateConfidenceIntervals(&result)
	detectOverfitting(&result)
	generateAssessment(&result)

	return result
}

// generateWindows builds the train/test window pairs for the configured
// mode (ROLLING/ANCHORED/EXPANDING), using int bar offsets.
func (v *Validator) generateWindows(totalBars, trainBars, testBars, stepBars int) []window {
	var windows []window

	switch v.config.Mode {
	case ModeAnchored:
		for trainEnd := trainBars; trainEnd+testBars <= totalBars; trainEnd += stepBars {
			testStart := trainEnd
			testEnd := min(testStart+testBars, totalBars)
			if testEnd-testStart >= testBars {
				windows = append(windows, window{trainStart: 0, trainEnd: trainEnd, testStart: testStart, testEnd: testEnd})
			}
		}

	case ModeExpanding:
		for testStart := trainBars; testStart+testBars <= totalBars; testStart += stepBars {
			trainEnd := testStart
			testEnd := min(testStart+testBars, totalBars)
			if testEnd-testStart >= testBars && trainEnd >= trainBars {
				windows = append(windows, window{trainStart: 0, trainEnd: trainEnd, testStart: testStart, testEnd: testEnd})
			}
		}

	default: // ModeRolling
		for start := 0; start+trainBars+testBars <= totalBars; start += stepBars {
			trainEnd := start + trainBars
			testStart := trainEnd
			testEnd := min(testStart+testBars, totalBars)
			if testEnd-testStart >= testBars {
				windows = append(windows, window{trainStart: start, trainEnd: trainEnd, testStart: testStart, testEnd: testEnd})
			}
		}
	}

	return windows
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// processWindow runs the train slice and the test slice each through an
// independent, freshly constructed engine, then computes degradation and
// checks the pass criteria.
func (v *Validator) processWindow(data []BarSignal, w window, index int, startingCapital float64) WindowResult {
	result := WindowResult{
		WindowIndex:   index,
		TrainStartBar: w.trainStart, TrainEndBar: w.trainEnd,
		TestStartBar: w.testStart, TestEndBar: w.testEnd,
	}

	trainSlice := data[w.trainStart:w.trainEnd]
	testSlice := data[w.testStart:w.testEnd]

	trainMRB, trainAccuracy, trainSignals, trainNonNeutral := v.runSlice(trainSlice, startingCapital)
	result.TrainMRB = trainMRB
	result.TrainAccuracy = trainAccuracy
	result.TrainSignals = trainSignals
	result.TrainNonNeutral = trainNonNeutral

	testMRB, testAccuracy, testSignals, testNonNeutral := v.runSlice(testSlice, startingCapital)
	result.TestMRB = testMRB
	result.TestAccuracy = testAccuracy
	result.TestSignals = testSignals
	result.TestNonNeutral = testNonNeutral

	if result.TrainMRB > 0.0 {
		result.DegradationRatio = (result.TrainMRB - result.TestMRB) / result.TrainMRB
	}
	result.IsOverfit = result.DegradationRatio > v.config.MaxDegradationRatio

	result.Passed = result.TestMRB >= v.config.MinMRBThreshold && !result.IsOverfit
	if !result.Passed {
		switch {
		case result.TestMRB < v.config.MinMRBThreshold:
			result.FailureReason = fmt.Sprintf("low MRB: %.4f%%", result.TestMRB*100.0)
		case result.IsOverfit:
			result.FailureReason = fmt.Sprintf("overfitting: %.2f%% degradation", result.DegradationRatio*100.0)
		}
	}

	return result
}

// runSlice replays one contiguous slice through a fresh engine, returning
// its MRB, signal accuracy, and non-neutral signal counts.
func (v *Validator) runSlice(slice []BarSignal, startingCapital float64) (mrb, accuracy float64, signals, nonNeutral int) {
	if len(slice) == 0 {
		return 0, 0, 0, 0
	}

	engine, book := v.newEngine(startingCapital)
	cash := startingCapital

	equityCurve := make([]float64, 0, len(slice))
	correct := 0

	for i, bs := range slice {
		signals++
		if bs.Signal.SignalType != domain.RawSignalNeutral {
			nonNeutral++
			if signalDirectionCorrect(bs, slice, i) {
				correct++
			}
		}

		prices := map[string]float64{bs.Signal.Symbol: bs.Bar.Close}
		orders, err := engine.Process(bs.Bar, bs.Signal, cash, prices)
		if err != nil {
			v.log.Warn().Err(err).Uint64("bar_id", bs.Bar.BarID).Msg("engine error during walk-forward replay")
		}

		for _, o := range orders {
			if o.RejectionReason != "" || o.Action == domain.OrderActionHold {
				continue
			}
			side := domain.TradeSideBuy
			if o.Action == domain.OrderActionSell {
				side = domain.TradeSideSell
			}
			book.OnExecution(domain.Execution{
				Symbol:       o.Symbol,
				Side:         side,
				FilledQty:    o.Quantity,
				AvgFillPrice: o.Price,
				TimestampMS:  o.TimestampMS,
				Status:       "filled",
			})
			notional := o.Quantity * o.Price
			if side == domain.TradeSideBuy {
				cash -= notional + o.Fees
			} else {
				cash += notional - o.Fees
			}
		}

		for symbol, pos := range book.GetAllPositions() {
			if symbol == bs.Signal.Symbol {
				book.UpdateMarketPrice(symbol, bs.Bar.Close)
			}
			_ = pos
		}

		equity := cash
		for _, pos := range book.GetAllPositions() {
			equity += pos.MarketValue()
		}
		equityCurve = append(equityCurve, equity)
	}

	if nonNeutral > 0 {
		accuracy = float64(correct) / float64(nonNeutral)
	}

	return computeMRB(equityCurve, v.config.BlockSize), accuracy, signals, nonNeutral
}

// signalDirectionCorrect reports whether a non-neutral signal's direction
// matched the realized move from its bar to its target bar -- a
// within-slice proxy for signal accuracy.
func signalDirectionCorrect(bs BarSignal, slice []BarSignal, index int) bool {
	targetIdx := -1
	for j := index + 1; j < len(slice); j++ {
		if slice[j].Bar.BarID == bs.Signal.TargetBarID {
			targetIdx = j
			break
		}
	}
	if targetIdx < 0 {
		return false
	}
	move := slice[targetIdx].Bar.Close - bs.Bar.Close
	switch bs.Signal.SignalType {
	case domain.RawSignalLong:
		return move > 0
	case domain.RawSignalShort:
		return move < 0
	default:
		return false
	}
}

// computeMRB averages the return of each full, non-overlapping block of
// blockSize bars in the equity curve (Mean Return per Block). A trailing
// partial block is dropped.
func computeMRB(equityCurve []float64, blockSize int) float64 {
	if blockSize <= 0 || len(equityCurve) < blockSize {
		return 0
	}

	var returns []float64
	for start := 0; start+blockSize <= len(equityCurve); start += blockSize {
		blockStartEquity := equityCurve[start]
		blockEndEquity := equityCurve[start+blockSize-1]
		if blockStartEquity <= 0 {
			continue
		}
		returns = append(returns, blockEndEquity/blockStartEquity-1.0)
	}
	if len(returns) == 0 {
		return 0
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	return sum / float64(len(returns))
}

// calculateAggregateStatistics computes mean/std MRB, degradation, win
// rate, overfit percentage, and the consistency score.
func calculateAggregateStatistics(result *Result) {
	if len(result.Windows) == 0 {
		return
	}

	var sumTest, sumTrain, sumDegradation float64
	for _, w := range result.Windows {
		sumTest += w.TestMRB
		sumTrain += w.TrainMRB
		sumDegradation += w.DegradationRatio
		if w.Passed {
			result.PassingWindows++
		}
		if w.IsOverfit {
			result.OverfitWindows++
		}
	}

	result.TotalWindows = len(result.Windows)
	result.WinRate = float64(result.PassingWindows) / float64(result.TotalWindows)
	result.OverfitPercentage = float64(result.OverfitWindows) / float64(result.TotalWindows)

	result.MeanTestMRB = sumTest / float64(result.TotalWindows)
	result.MeanTrainMRB = sumTrain / float64(result.TotalWindows)
	result.MeanDegradation = sumDegradation / float64(result.TotalWindows)

	var variance float64
	for _, w := range result.Windows {
		d := w.TestMRB - result.MeanTestMRB
		variance += d * d
	}
	variance /= float64(result.TotalWindows)
	result.StdTestMRB = math.Sqrt(variance)

	if math.Abs(result.MeanTestMRB) > 0.0001 {
		result.ConsistencyScore = math.Max(0.0, 1.0-(result.StdTestMRB/math.Abs(result.MeanTestMRB)))
	}
}

// calculateStatisticalSignificance runs a one-sample t-test against
// H0: mean_test_mrb = 0, approximating the two-tailed p-value at the 95%
// normal-distribution threshold. With few windows this threshold is less
// strict than the matching t-distribution critical value.
func calculateStatisticalSignificance(result *Result) {
	n := float64(len(result.Windows))
	if n < 2 {
		result.StatisticallySignificant = false
		return
	}

	stdError := result.StdTestMRB / math.Sqrt(n)
	if stdError <= 0.0 {
		result.StatisticallySignificant = false
		return
	}

	result.TStatistic = result.MeanTestMRB / stdError
	z := math.Abs(result.TStatistic)
	if z >= 1.96 {
		result.PValue = 0.05
		result.StatisticallySignificant = true
	} else {
		result.PValue = 0.1
		result.StatisticallySignificant = false
	}
}

// calculateConfidenceIntervals computes the 95% CI using the normal
// approximation z=1.96, valid for large window counts.
func calculateConfidenceIntervals(result *Result) {
	n := float64(len(result.Windows))
	if n < 2 {
		result.CILower95 = result.MeanTestMRB
		result.CIUpper95 = result.MeanTestMRB
		return
	}

	stdError := result.StdTestMRB / math.Sqrt(n)
	margin := 1.96 * stdError
	result.CILower95 = result.MeanTestMRB - margin
	result.CIUpper95 = result.MeanTestMRB + margin
}

// detectOverfitting adds an aggregate-level issue when mean training
// performance degrades beyond the configured ratio versus mean test
// performance, on top of the per-window flag already set in processWindow.
func detectOverfitting(result *Result) {
	if result.MeanTrainMRB > 0.0 && result.MeanTestMRB > 0.0 {
		aggregateDegradation := (result.MeanTrainMRB - result.MeanTestMRB) / result.MeanTrainMRB
		if aggregateDegradation > result.Config.MaxDegradationRatio {
			result.Issues = append(result.Issues, fmt.Sprintf(
				"overall overfitting detected: %.2f%% degradation (max: %.2f%%)",
				aggregateDegradation*100.0, result.Config.MaxDegradationRatio*100.0))
		}
	}
}

// generateAssessment scores six pass criteria and buckets the result into
// an EXCELLENT/GOOD/FAIR/POOR/FAILED assessment.
func generateAssessment(result *Result) {
	mrbSufficient := result.MeanTestMRB >= result.Config.MinMRBThreshold
	ciPositive := result.CILower95 > 0.0
	highWinRate := result.WinRate >= 0.6
	consistent := result.ConsistencyScore >= 0.6
	significant := result.StatisticallySignificant
	lowOverfitting := result.OverfitPercentage < 0.3

	passedCriteria := 0
	for _, ok := range []bool{mrbSufficient, ciPositive, highWinRate, consistent, significant, lowOverfitting} {
		if ok {
			passedCriteria++
		}
	}

	switch {
	case passedCriteria >= 5:
		result.Assessment = "EXCELLENT"
		result.Passed = true
	case passedCriteria >= 4:
		result.Assessment = "GOOD"
		result.Passed = true
	case passedCriteria >= 3:
		result.Assessment = "FAIR"
		result.Passed = false
		result.Recommendations = append(result.Recommendations, "strategy shows potential but needs improvement")
	case passedCriteria >= 2:
		result.Assessment = "POOR"
		result.Passed = false
		result.Recommendations = append(result.Recommendations, "significant improvements needed")
	default:
		result.Assessment = "FAILED"
		result.Passed = false
		result.Recommendations = append(result.Recommendations, "strategy not ready for production")
	}

	if !mrbSufficient {
		result.Issues = append(result.Issues, fmt.Sprintf("mean test MRB (%.4f%%) below threshold (%.4f%%)",
			result.MeanTestMRB*100.0, result.Config.MinMRBThreshold*100.0))
	}
	if !ciPositive {
		result.Issues = append(result.Issues, fmt.Sprintf("95%% CI lower bound is negative (%.4f%%)", result.CILower95*100.0))
	}
	if !highWinRate {
		result.Issues = append(result.Issues, fmt.Sprintf("low win rate (%.2f%%, target: 60%%+)", result.WinRate*100.0))
	}
	if !consistent {
		result.Issues = append(result.Issues, fmt.Sprintf("inconsistent performance (consistency: %.2f%%, target: 60%%+)", result.ConsistencyScore*100.0))
	}
	if !significant {
		result.Issues = append(result.Issues, fmt.Sprintf("results not statistically significant (p-value: %.4f)", result.PValue))
	}
	if !lowOverfitting {
		result.Issues = append(result.Issues, fmt.Sprintf("high overfitting rate (%.2f%%)", result.OverfitPercentage*100.0))
	}

	if result.MeanTestMRB < result.Config.MinMRBThreshold {
		result.Recommendations = append(result.Recommendations, "improve signal quality or adjust strategy parameters")
	}
	if result.OverfitPercentage > 0.3 {
		result.Recommendations = append(result.Recommendations, "reduce model complexity or increase regularization")
	}
	if result.ConsistencyScore < 0.6 {
		result.Recommendations = append(result.Recommendations, "investigate regime-dependent performance")
	}
}
