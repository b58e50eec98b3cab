package performance

import (
	"fmt"
	"math"
)

const LogarithmicRegression_PredictionType = "log-reg"

// PerformancePrediction extrapolates test accuracy and loss over global rounds.
type PerformancePrediction struct {
	accuracies Regression
	losses     Regression
}

// NewPerformancePrediction fits the curves to metrics observed at rounds.
func NewPerformancePrediction(rounds []int, accuracies []float64, losses []float64, predictionType string) (*PerformancePrediction, error) {
	if predictionType != LogarithmicRegression_PredictionType {
		return nil, fmt.Errorf("unknown prediction type %q", predictionType)
	}

	xs := make([]float64, len(rounds))
	for i, round := range rounds {
		xs[i] = float64(round)
	}

	accuracyFit, err := NewLogarithmicRegression(xs, accuracies)
	if err != nil {
		return nil, fmt.Errorf("accuracy fit: %w", err)
	}
	lossFit, err := NewLogarithmicRegression(xs, losses)
	if err != nil {
		return nil, fmt.Errorf("loss fit: %w", err)
	}

	return &PerformancePrediction{accuracies: accuracyFit, losses: lossFit}, nil
}

// PredictAccuracy is clamped to [0, 1].
func (pp *PerformancePrediction) PredictAccuracy(round int) float64 {
	return math.Min(1, math.Max(0, pp.accuracies.PredictY(float64(round))))
}

// PredictRoundForAccuracy returns -1 when the fitted curve never reaches accuracy.
func (pp *PerformancePrediction) PredictRoundForAccuracy(accuracy float64) int {
	round := pp.accuracies.PredictX(accuracy)
	if math.IsNaN(round) || math.IsInf(round, 0) || round < 0 {
		return -1
	}
	return int(math.Ceil(round))
}

func (pp *PerformancePrediction) PredictLoss(round int) float64 {
	return math.Max(0, pp.losses.PredictY(float64(round)))
}
