package dataset

import (
	"context"
	"fmt"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/config"
	"github.com/hashicorp/go-hclog"
)

// Constructor loads the untransformed train or test split of a dataset.
type Constructor func(ctx context.Context, dir string, train bool, fetcher Fetcher, logger hclog.Logger) (Source, error)

// Entry is a registered dataset with the statistics of its default normalize step.
type Entry struct {
	Load Constructor
	Mean []float64
	Std  []float64
}

// Registry maps data.dataset names to datasets. It is built once at startup and
// passed to whoever resolves configuration.
type Registry map[string]Entry

func NewRegistry() Registry {
	return Registry{
		"mnist": {
			Load: func(ctx context.Context, dir string, train bool, fetcher Fetcher, logger hclog.Logger) (Source, error) {
				return LoadMNIST(ctx, dir, train, fetcher, logger)
			},
			Mean: []float64{0.1307},
			Std:  []float64{0.3081},
		},
		"cifar10": {
			Load: func(ctx context.Context, dir string, train bool, fetcher Fetcher, logger hclog.Logger) (Source, error) {
				return LoadCIFAR10(ctx, dir, train, fetcher, logger)
			},
			Mean: []float64{0.4914, 0.4822, 0.4465},
			Std:  []float64{0.2470, 0.2435, 0.2616},
		},
		"cifar100": {
			Load: func(ctx context.Context, dir string, train bool, fetcher Fetcher, logger hclog.Logger) (Source, error) {
				return LoadCIFAR100(ctx, dir, train, fetcher, logger)
			},
			Mean: []float64{0.5071, 0.4865, 0.4409},
			Std:  []float64{0.2673, 0.2564, 0.2762},
		},
	}
}

// Build resolves data.dataset and wraps the requested split in an Adapter with
// the configured transform pipeline.
func (r Registry) Build(ctx context.Context, cfg config.DataConfig, train bool, seed int64, logger hclog.Logger) (*Adapter, error) {
	entry, found := r[cfg.Dataset]
	if !found {
		return nil, fmt.Errorf("%w: unknown dataset %q", common.ErrConfiguration, cfg.Dataset)
	}

	fetcher, err := NewFetcher(ctx, cfg.Mirror)
	if err != nil {
		return nil, err
	}

	source, err := entry.Load(ctx, cfg.DataPath, train, fetcher, logger.Named(cfg.Dataset))
	if err != nil {
		return nil, err
	}

	var pipeline []config.TransformConfig
	if cfg.Transforms.UseDefault() {
		pipeline = append(pipeline,
			config.TransformConfig{Name: TO_TENSOR},
			config.TransformConfig{Name: NORMALIZE, Mean: entry.Mean, Std: entry.Std},
		)
	}
	if train {
		pipeline = append(pipeline, cfg.Transforms.Train...)
	} else {
		pipeline = append(pipeline, cfg.Transforms.Test...)
	}

	transforms, err := BuildTransforms(pipeline, source.Shape())
	if err != nil {
		return nil, fmt.Errorf("%s transforms: %w", cfg.Dataset, err)
	}

	return NewAdapter(source, train, transforms, seed), nil
}
