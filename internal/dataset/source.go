package dataset

import (
	"fmt"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/common"
)

// Shape is the channel-major layout of one image.
type Shape struct {
	Channels int
	Height   int
	Width    int
}

func (s Shape) Size() int {
	return s.Channels * s.Height * s.Width
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.Channels, s.Height, s.Width)
}

// Source is an untransformed labeled image dataset. Pixels are raw 0..255 values
// laid out channel-major.
type Source interface {
	Len() int
	Shape() Shape
	Classes() int
	Raw(i int) ([]float64, int, error)
}

// MemorySource keeps a whole dataset in memory. Loaders decode into it and tests
// build fixtures with it.
type MemorySource struct {
	shape   Shape
	classes int
	pixels  [][]float64
	labels  []int
}

func NewMemorySource(shape Shape, classes int) *MemorySource {
	return &MemorySource{shape: shape, classes: classes}
}

func (s *MemorySource) Add(pixels []float64, label int) error {
	if len(pixels) != s.shape.Size() {
		return fmt.Errorf("%w: sample has %d values, shape %s needs %d", common.ErrDimensionMismatch,
			len(pixels), s.shape, s.shape.Size())
	}
	if label < 0 || label >= s.classes {
		return fmt.Errorf("%w: label %d outside %d classes", common.ErrDimensionMismatch, label, s.classes)
	}

	s.pixels = append(s.pixels, pixels)
	s.labels = append(s.labels, label)

	return nil
}

func (s *MemorySource) Len() int {
	return len(s.labels)
}

func (s *MemorySource) Shape() Shape {
	return s.shape
}

func (s *MemorySource) Classes() int {
	return s.classes
}

func (s *MemorySource) Raw(i int) ([]float64, int, error) {
	if i < 0 || i >= len(s.labels) {
		return nil, 0, fmt.Errorf("%w: %d not in [0, %d)", common.ErrIndexOutOfRange, i, len(s.labels))
	}
	return s.pixels[i], s.labels[i], nil
}

// Labels returns the class of every sample, in source order.
func Labels(s Source) ([]int, error) {
	labels := make([]int, s.Len())
	for i := range labels {
		_, label, err := s.Raw(i)
		if err != nil {
			return nil, err
		}
		labels[i] = label
	}
	return labels, nil
}
