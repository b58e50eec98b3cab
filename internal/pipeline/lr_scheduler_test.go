package pipeline

import (
	"math/rand"
	"testing"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRScheduler(t *testing.T) {
	for _, tc := range []struct {
		name     string
		cfg      config.SchedulerConfig
		expected map[int]float64
	}{
		{
			name:     "fix",
			cfg:      config.SchedulerConfig{Name: FIX_SCHEDULER},
			expected: map[int]float64{0: 0.1, 50: 0.1},
		},
		{
			name:     "linear",
			cfg:      config.SchedulerConfig{Name: LINEAR_SCHEDULER, MinLR: 0.02, DecayRound: 10},
			expected: map[int]float64{0: 0.1, 5: 0.06, 10: 0.02, 20: 0.02},
		},
		{
			name:     "exp",
			cfg:      config.SchedulerConfig{Name: EXP_SCHEDULER, MinLR: 0.01, DecayCoefficient: 0.5},
			expected: map[int]float64{0: 0.1, 1: 0.05, 2: 0.025, 10: 0.01},
		},
		{
			name:     "cos",
			cfg:      config.SchedulerConfig{Name: COS_SCHEDULER, MinLR: 0, DecayRound: 4},
			expected: map[int]float64{0: 0.1, 2: 0.05, 4: 0, 8: 0},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, err := NewLRScheduler(0.1, tc.cfg)
			require.NoError(t, err)
			for round, lr := range tc.expected {
				assert.InDelta(t, lr, s.LR(round), 1e-12, "round %d", round)
			}
		})
	}
}

func TestLRSchedulerRejectsBadConfig(t *testing.T) {
	for _, cfg := range []config.SchedulerConfig{
		{Name: "step"},
		{Name: LINEAR_SCHEDULER},
		{Name: COS_SCHEDULER, DecayRound: -1},
		{Name: EXP_SCHEDULER, DecayCoefficient: 1.5},
	} {
		_, err := NewLRScheduler(0.1, cfg)
		assert.ErrorIs(t, err, common.ErrConfiguration, cfg.Name)
	}

	_, err := NewLRScheduler(0, config.SchedulerConfig{Name: FIX_SCHEDULER})
	assert.ErrorIs(t, err, common.ErrConfiguration)
}

func TestSampleClients(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	ids := SampleClients(10, 0.35, rng)
	assert.Len(t, ids, 3)
	assert.IsIncreasing(t, ids)
	for _, id := range ids {
		assert.True(t, id >= 0 && id < 10)
	}

	assert.Len(t, SampleClients(10, 0.01, rng), 1)
	assert.Equal(t, []int{0, 1, 2, 3}, SampleClients(4, 1, rng))
	assert.Nil(t, SampleClients(0, 1, rng))
}
