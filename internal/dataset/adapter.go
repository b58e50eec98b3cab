package dataset

import (
	"fmt"
	"math/rand"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/common"
)

// Record is one preprocessed sample.
type Record struct {
	Input   []float64
	ClassID int
}

// Adapter is a transformed view over a subset of a Source. Clones share the
// source and transforms but own their index list and random state; an Adapter
// must not be used from more than one goroutine.
type Adapter struct {
	source     Source
	train      bool
	transforms []Transform
	indexes    []int
	rng        *rand.Rand
}

// NewAdapter covers the whole source.
func NewAdapter(source Source, train bool, transforms []Transform, seed int64) *Adapter {
	indexes := make([]int, source.Len())
	for i := range indexes {
		indexes[i] = i
	}

	return &Adapter{
		source:     source,
		train:      train,
		transforms: transforms,
		indexes:    indexes,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// Len is the size of the active subset.
func (a *Adapter) Len() int {
	return len(a.indexes)
}

func (a *Adapter) Train() bool {
	return a.train
}

func (a *Adapter) Source() Source {
	return a.source
}

func (a *Adapter) Classes() int {
	return a.source.Classes()
}

// Shape is the shape of a record after every transform.
func (a *Adapter) Shape() Shape {
	shape := a.source.Shape()
	for _, t := range a.transforms {
		shape = t.OutShape(shape)
	}
	return shape
}

// Get returns the i-th record of the active subset.
func (a *Adapter) Get(i int) (Record, error) {
	if i < 0 || i >= len(a.indexes) {
		return Record{}, fmt.Errorf("%w: %d not in [0, %d)", common.ErrIndexOutOfRange, i, len(a.indexes))
	}

	pixels, label, err := a.source.Raw(a.indexes[i])
	if err != nil {
		return Record{}, err
	}

	x := append([]float64(nil), pixels...)
	shape := a.source.Shape()
	for _, t := range a.transforms {
		x = t.Apply(x, shape, a.rng)
		shape = t.OutShape(shape)
	}

	return Record{Input: x, ClassID: label}, nil
}

// Indexes returns a copy of the active subset, as positions in the source.
func (a *Adapter) Indexes() []int {
	return append([]int(nil), a.indexes...)
}

// SetIndexes replaces the active subset. Indexes must be unique and within the
// source.
func (a *Adapter) SetIndexes(indexes []int) error {
	seen := make(map[int]struct{}, len(indexes))
	for _, index := range indexes {
		if index < 0 || index >= a.source.Len() {
			return fmt.Errorf("%w: source index %d not in [0, %d)", common.ErrIndexOutOfRange, index, a.source.Len())
		}
		if _, duplicate := seen[index]; duplicate {
			return fmt.Errorf("%w: duplicate source index %d", common.ErrConfiguration, index)
		}
		seen[index] = struct{}{}
	}

	a.indexes = append([]int(nil), indexes...)

	return nil
}

// Clone returns an independent view over the same source. Reassigning the
// clone's indexes does not affect a.
func (a *Adapter) Clone() *Adapter {
	return &Adapter{
		source:     a.source,
		train:      a.train,
		transforms: a.transforms,
		indexes:    append([]int(nil), a.indexes...),
		rng:        rand.New(rand.NewSource(a.rng.Int63())),
	}
}
