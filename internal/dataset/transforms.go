package dataset

import (
	"fmt"
	"math/rand"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/config"
)

// Transform maps one channel-major image to another.
type Transform interface {
	Name() string
	Apply(x []float64, shape Shape, rng *rand.Rand) []float64
	OutShape(shape Shape) Shape
}

const TO_TENSOR = "to_tensor"
const NORMALIZE = "normalize"
const RANDOM_HORIZONTAL_FLIP = "random_horizontal_flip"
const RANDOM_CROP = "random_crop"
const CENTER_CROP = "center_crop"

// BuildTransforms validates cfgs against the input shape and returns the
// pipeline in order.
func BuildTransforms(cfgs []config.TransformConfig, shape Shape) ([]Transform, error) {
	transforms := make([]Transform, 0, len(cfgs))
	for _, cfg := range cfgs {
		t, err := buildTransform(cfg, shape)
		if err != nil {
			return nil, err
		}
		transforms = append(transforms, t)
		shape = t.OutShape(shape)
	}
	return transforms, nil
}

func buildTransform(cfg config.TransformConfig, shape Shape) (Transform, error) {
	switch cfg.Name {
	case TO_TENSOR:
		return toTensor{}, nil
	case NORMALIZE:
		if len(cfg.Mean) != len(cfg.Std) || (len(cfg.Mean) != 1 && len(cfg.Mean) != shape.Channels) {
			return nil, fmt.Errorf("%w: normalize needs 1 or %d mean/std values, got %d/%d", common.ErrConfiguration,
				shape.Channels, len(cfg.Mean), len(cfg.Std))
		}
		for _, std := range cfg.Std {
			if std <= 0 {
				return nil, fmt.Errorf("%w: normalize std must be positive", common.ErrConfiguration)
			}
		}
		return normalize{mean: cfg.Mean, std: cfg.Std}, nil
	case RANDOM_HORIZONTAL_FLIP:
		p := cfg.P
		if p == 0 {
			p = 0.5
		}
		if p < 0 || p > 1 {
			return nil, fmt.Errorf("%w: random_horizontal_flip p must be in [0, 1], got %v", common.ErrConfiguration, p)
		}
		return randomHorizontalFlip{p: p}, nil
	case RANDOM_CROP:
		if cfg.Size <= 0 || cfg.Padding < 0 || cfg.Size > shape.Height+2*cfg.Padding || cfg.Size > shape.Width+2*cfg.Padding {
			return nil, fmt.Errorf("%w: random_crop size %d padding %d does not fit %s", common.ErrConfiguration,
				cfg.Size, cfg.Padding, shape)
		}
		return randomCrop{size: cfg.Size, padding: cfg.Padding}, nil
	case CENTER_CROP:
		if cfg.Size <= 0 || cfg.Size > shape.Height || cfg.Size > shape.Width {
			return nil, fmt.Errorf("%w: center_crop size %d does not fit %s", common.ErrConfiguration, cfg.Size, shape)
		}
		return centerCrop{size: cfg.Size}, nil
	default:
		return nil, fmt.Errorf("%w: unknown transform %q", common.ErrConfiguration, cfg.Name)
	}
}

type toTensor struct{}

func (toTensor) Name() string { return TO_TENSOR }

func (toTensor) OutShape(shape Shape) Shape { return shape }

func (toTensor) Apply(x []float64, _ Shape, _ *rand.Rand) []float64 {
	for i := range x {
		x[i] /= 255
	}
	return x
}

type normalize struct {
	mean []float64
	std  []float64
}

func (normalize) Name() string { return NORMALIZE }

func (normalize) OutShape(shape Shape) Shape { return shape }

func (n normalize) Apply(x []float64, shape Shape, _ *rand.Rand) []float64 {
	plane := shape.Height * shape.Width
	for i := range x {
		c := 0
		if len(n.mean) > 1 {
			c = i / plane
		}
		x[i] = (x[i] - n.mean[c]) / n.std[c]
	}
	return x
}

type randomHorizontalFlip struct {
	p float64
}

func (randomHorizontalFlip) Name() string { return RANDOM_HORIZONTAL_FLIP }

func (randomHorizontalFlip) OutShape(shape Shape) Shape { return shape }

func (f randomHorizontalFlip) Apply(x []float64, shape Shape, rng *rand.Rand) []float64 {
	if rng.Float64() >= f.p {
		return x
	}
	for c := 0; c < shape.Channels; c++ {
		for h := 0; h < shape.Height; h++ {
			row := x[(c*shape.Height+h)*shape.Width : (c*shape.Height+h+1)*shape.Width]
			for l, r := 0, len(row)-1; l < r; l, r = l+1, r-1 {
				row[l], row[r] = row[r], row[l]
			}
		}
	}
	return x
}

// crop copies a size x size window whose top-left corner is (top, left) in a
// zero-padded frame.
func crop(x []float64, shape Shape, size, padding, top, left int) []float64 {
	out := make([]float64, shape.Channels*size*size)
	for c := 0; c < shape.Channels; c++ {
		for h := 0; h < size; h++ {
			srcH := top + h - padding
			if srcH < 0 || srcH >= shape.Height {
				continue
			}
			for w := 0; w < size; w++ {
				srcW := left + w - padding
				if srcW < 0 || srcW >= shape.Width {
					continue
				}
				out[(c*size+h)*size+w] = x[(c*shape.Height+srcH)*shape.Width+srcW]
			}
		}
	}
	return out
}

type randomCrop struct {
	size    int
	padding int
}

func (randomCrop) Name() string { return RANDOM_CROP }

func (r randomCrop) OutShape(shape Shape) Shape {
	return Shape{Channels: shape.Channels, Height: r.size, Width: r.size}
}

func (r randomCrop) Apply(x []float64, shape Shape, rng *rand.Rand) []float64 {
	top := rng.Intn(shape.Height + 2*r.padding - r.size + 1)
	left := rng.Intn(shape.Width + 2*r.padding - r.size + 1)
	return crop(x, shape, r.size, r.padding, top, left)
}

type centerCrop struct {
	size int
}

func (centerCrop) Name() string { return CENTER_CROP }

func (c centerCrop) OutShape(shape Shape) Shape {
	return Shape{Channels: shape.Channels, Height: c.size, Width: c.size}
}

func (c centerCrop) Apply(x []float64, shape Shape, _ *rand.Rand) []float64 {
	top := (shape.Height - c.size) / 2
	left := (shape.Width - c.size) / 2
	return crop(x, shape, c.size, 0, top, left)
}
