package monitor

import (
	"math"
	"testing"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVariableMeanIsWeighted(t *testing.T) {
	m := NewVariableMonitor()
	require.NoError(t, m.Append(map[string]float64{"loss": 1.0}, 10))
	require.NoError(t, m.Append(map[string]float64{"loss": 3.0}, 30))

	assert.Equal(t, 2.5, m.VariableMean()["loss"])
}

func TestVariableMeanIsIdempotent(t *testing.T) {
	m := NewVariableMonitor()
	values := []float64{0.2, 0.9, 0.4}
	weights := []float64{3, 1, 6}
	for i := range values {
		require.NoError(t, m.Append(map[string]float64{"acc": values[i], "loss": 2 * values[i]}, weights[i]))
	}

	first := m.VariableMean()
	second := m.VariableMean()
	assert.Equal(t, first, second)
	assert.InDelta(t, (0.2*3+0.9*1+0.4*6)/10, first["acc"], 1e-12)
	assert.InDelta(t, 2*(0.2*3+0.9*1+0.4*6)/10, first["loss"], 1e-12)

	first["acc"] = 100
	assert.NotEqual(t, 100.0, m.VariableMean()["acc"])
}

func TestAppendRejectsInvalidWeight(t *testing.T) {
	m := NewVariableMonitor()
	for _, w := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		assert.ErrorIs(t, m.Append(map[string]float64{"loss": 1}, w), common.ErrConfiguration)
	}
	assert.Empty(t, m.VariableMean())
}

func TestEmptyMonitor(t *testing.T) {
	means := NewVariableMonitor().VariableMean()
	assert.NotNil(t, means)
	assert.Empty(t, means)
}

func TestMean(t *testing.T) {
	mean := Mean([]Variables{
		{"test_acc": 0.5, "train_loss": 1},
		{"test_acc": 0.7},
	})
	assert.InDelta(t, 0.6, mean["test_acc"], 1e-12)
	assert.Equal(t, 1.0, mean["train_loss"])
	assert.Empty(t, Mean(nil))
}

func TestMerge(t *testing.T) {
	merged := Variables{"train_acc": 0.1}.Merge(Variables{"test_acc": 0.2})
	assert.Equal(t, Variables{"train_acc": 0.1, "test_acc": 0.2}, merged)
}
