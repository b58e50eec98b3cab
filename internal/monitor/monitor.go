package monitor

import (
	"fmt"
	"math"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/common"
)

// Variables maps a metric name to its value.
type Variables map[string]float64

type record struct {
	value  float64
	weight float64
}

// VariableMonitor accumulates weighted scalars for one loop and reduces them to
// weighted means.
type VariableMonitor struct {
	records map[string][]record
}

func NewVariableMonitor() *VariableMonitor {
	return &VariableMonitor{records: make(map[string][]record)}
}

// Append records one batch of values, usually weighted by the batch size.
func (m *VariableMonitor) Append(values map[string]float64, weight float64) error {
	if weight <= 0 || math.IsNaN(weight) || math.IsInf(weight, 0) {
		return fmt.Errorf("%w: monitor weight must be positive and finite, got %v", common.ErrConfiguration, weight)
	}

	for name, value := range values {
		m.records[name] = append(m.records[name], record{value: value, weight: weight})
	}

	return nil
}

// VariableMean returns a fresh map of sum(v*w)/sum(w) per name. An empty monitor
// yields an empty map.
func (m *VariableMonitor) VariableMean() Variables {
	means := make(Variables, len(m.records))
	for name, records := range m.records {
		var weighted, total float64
		for _, r := range records {
			weighted += r.value * r.weight
			total += r.weight
		}
		means[name] = weighted / total
	}
	return means
}

func (m *VariableMonitor) Len() int {
	return len(m.records)
}

// Merge copies other into v, overwriting shared keys.
func (v Variables) Merge(other Variables) Variables {
	for name, value := range other {
		v[name] = value
	}
	return v
}

// Mean averages every key across items; keys missing from an item are averaged
// over the items that carry them.
func Mean(items []Variables) Variables {
	sums := make(map[string][]float64)
	for _, item := range items {
		for name, value := range item {
			sums[name] = append(sums[name], value)
		}
	}

	mean := make(Variables, len(sums))
	for name, values := range sums {
		mean[name] = common.CalculateAverageFloat64(values)
	}
	return mean
}

func (v Variables) String() string {
	return common.FormatVariables(v)
}
