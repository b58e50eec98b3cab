package nn

import (
	"fmt"
	"math"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/common"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// CrossEntropyLoss returns the mean softmax cross-entropy of logits against labels
// and the gradient of that mean with respect to the logits.
func CrossEntropyLoss(logits *mat.Dense, labels []int) (float64, *mat.Dense, error) {
	rows, classes := logits.Dims()
	if rows != len(labels) {
		return 0, nil, fmt.Errorf("%w: %d logit rows for %d labels", common.ErrDimensionMismatch, rows, len(labels))
	}
	if rows == 0 {
		return 0, mat.NewDense(1, classes, nil), nil
	}

	grad := mat.NewDense(rows, classes, nil)
	var total float64
	for i := 0; i < rows; i++ {
		label := labels[i]
		if label < 0 || label >= classes {
			return 0, nil, fmt.Errorf("%w: label %d outside %d classes", common.ErrDimensionMismatch, label, classes)
		}

		row := logits.RawRowView(i)
		logSumExp := floats.LogSumExp(row)
		total += logSumExp - row[label]

		g := grad.RawRowView(i)
		for c, v := range row {
			g[c] = math.Exp(v-logSumExp) / float64(rows)
		}
		g[label] -= 1 / float64(rows)
	}

	return total / float64(rows), grad, nil
}

// Argmax returns the index of the largest logit in every row.
func Argmax(logits *mat.Dense) []int {
	rows, _ := logits.Dims()
	predictions := make([]int, rows)
	for i := 0; i < rows; i++ {
		predictions[i] = floats.MaxIdx(logits.RawRowView(i))
	}
	return predictions
}

// Accuracy is the fraction of predictions equal to labels.
func Accuracy(predictions, labels []int) (float64, error) {
	if len(predictions) != len(labels) {
		return 0, fmt.Errorf("%w: %d predictions for %d labels", common.ErrDimensionMismatch, len(predictions), len(labels))
	}
	if len(labels) == 0 {
		return 0, nil
	}

	correct := 0
	for i := range labels {
		if predictions[i] == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(labels)), nil
}
