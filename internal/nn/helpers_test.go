package nn

import "github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/config"

func configFor(name string) config.ModelConfig {
	return config.ModelConfig{Name: name, HiddenDims: []int{8}, ClassNumber: 3}
}
