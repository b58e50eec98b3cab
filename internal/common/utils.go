package common

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

func CalculateAverageFloat64(numbers []float64) float64 {
	if len(numbers) == 0 {
		return 0
	}

	var sum float64
	for _, number := range numbers {
		sum += number
	}

	return sum / float64(len(numbers))
}

func MovingAverage(values []float64, windowSize int) []float64 {
	if windowSize <= 0 || len(values) < windowSize {
		return nil // Not enough data for the window size
	}
	averages := make([]float64, len(values)-windowSize+1)
	for i := 0; i <= len(values)-windowSize; i++ {
		sum := 0.0
		for j := i; j < i+windowSize; j++ {
			sum += values[j]
		}
		averages[i] = sum / float64(windowSize)
	}
	return averages
}

// HasConverged reports whether the moving average of values moved by less than
// threshold in each of the last patience steps.
func HasConverged(values []float64, threshold float64, patience int, windowSize int) bool {
	averages := MovingAverage(values, windowSize)
	if len(averages) < patience+1 {
		return false
	}

	for i := len(averages) - patience; i < len(averages); i++ {
		improvement := averages[i] - averages[i-1]
		if math.Abs(improvement) > threshold {
			return false
		}
	}
	return true
}

// SortedKeys returns the keys of m in lexical order.
func SortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FormatVariables renders a metrics map as "k1=v1 k2=v2" with stable ordering.
func FormatVariables(vars map[string]float64) string {
	parts := make([]string, 0, len(vars))
	for _, k := range SortedKeys(vars) {
		parts = append(parts, fmt.Sprintf("%s=%.4f", k, vars[k]))
	}
	return strings.Join(parts, " ")
}

func ContainsString(values []string, x string) bool {
	for _, v := range values {
		if v == x {
			return true
		}
	}
	return false
}
