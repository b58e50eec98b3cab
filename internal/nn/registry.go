package nn

import (
	"fmt"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/config"
)

// Constructor builds a model for inputs of inputDim features.
type Constructor func(cfg config.ModelConfig, inputDim int, opts ...Option) (Module, error)

type Registry map[string]Constructor

func NewRegistry() Registry {
	return Registry{
		"mlp": func(cfg config.ModelConfig, inputDim int, opts ...Option) (Module, error) {
			return NewMLP(inputDim, cfg.HiddenDims, cfg.ClassNumber, opts...)
		},
		"logistic": func(cfg config.ModelConfig, inputDim int, opts ...Option) (Module, error) {
			return NewMLP(inputDim, nil, cfg.ClassNumber, opts...)
		},
	}
}

func (r Registry) Build(cfg config.ModelConfig, inputDim int, opts ...Option) (Module, error) {
	constructor, found := r[cfg.Name]
	if !found {
		return nil, fmt.Errorf("%w: unknown model %q", common.ErrConfiguration, cfg.Name)
	}
	return constructor(cfg, inputDim, opts...)
}
