package dataset

import (
	"math/rand"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/device"
	"gonum.org/v1/gonum/mat"
)

// Batch is a collated set of records, one sample per row of X.
type Batch struct {
	X      *mat.Dense
	Y      []int
	Device device.Device
}

func (b Batch) Size() int {
	return len(b.Y)
}

// Loader iterates an Adapter in batches. With shuffle set, every pass visits the
// samples in a fresh order.
type Loader struct {
	ds        *Adapter
	batchSize int
	shuffle   bool
	rng       *rand.Rand
}

func NewLoader(ds *Adapter, batchSize int, shuffle bool, seed int64) *Loader {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Loader{
		ds:        ds,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

func (l *Loader) Dataset() *Adapter {
	return l.ds
}

// Len is the number of samples in one pass.
func (l *Loader) Len() int {
	return l.ds.Len()
}

func (l *Loader) NumBatches() int {
	return (l.ds.Len() + l.batchSize - 1) / l.batchSize
}

// ForEach runs one pass over the dataset, stopping at the first error.
func (l *Loader) ForEach(fn func(Batch) error) error {
	order := make([]int, l.ds.Len())
	for i := range order {
		order[i] = i
	}
	if l.shuffle {
		l.rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}

	width := l.ds.Shape().Size()
	for start := 0; start < len(order); start += l.batchSize {
		end := start + l.batchSize
		if end > len(order) {
			end = len(order)
		}

		x := mat.NewDense(end-start, width, nil)
		y := make([]int, end-start)
		for row, i := range order[start:end] {
			record, err := l.ds.Get(i)
			if err != nil {
				return err
			}
			x.SetRow(row, record.Input)
			y[row] = record.ClassID
		}

		if err := fn(Batch{X: x, Y: y, Device: device.CPU}); err != nil {
			return err
		}
	}

	return nil
}
