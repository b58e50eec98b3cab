package dataset

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFixture builds n 1x2x2 samples whose pixels encode the sample index.
func newFixture(t *testing.T, n int, classes int) *MemorySource {
	t.Helper()

	source := NewMemorySource(Shape{Channels: 1, Height: 2, Width: 2}, classes)
	for i := 0; i < n; i++ {
		v := float64(i)
		require.NoError(t, source.Add([]float64{v, v, v, v}, i%classes))
	}
	return source
}

func TestAdapterGet(t *testing.T) {
	ds := NewAdapter(newFixture(t, 10, 2), true, nil, 0)

	assert.Equal(t, 10, ds.Len())
	record, err := ds.Get(3)
	require.NoError(t, err)
	assert.Equal(t, Record{Input: []float64{3, 3, 3, 3}, ClassID: 1}, record)

	_, err = ds.Get(10)
	assert.ErrorIs(t, err, common.ErrIndexOutOfRange)
	_, err = ds.Get(-1)
	assert.ErrorIs(t, err, common.ErrIndexOutOfRange)
}

func TestAdapterLenFollowsActiveSubset(t *testing.T) {
	ds := NewAdapter(newFixture(t, 10, 2), true, nil, 0)
	require.NoError(t, ds.SetIndexes([]int{7, 2}))

	assert.Equal(t, 2, ds.Len())
	record, err := ds.Get(0)
	require.NoError(t, err)
	assert.Equal(t, 7.0, record.Input[0])

	_, err = ds.Get(2)
	assert.ErrorIs(t, err, common.ErrIndexOutOfRange)
}

func TestAdapterSetIndexesValidates(t *testing.T) {
	ds := NewAdapter(newFixture(t, 5, 2), true, nil, 0)

	assert.ErrorIs(t, ds.SetIndexes([]int{0, 5}), common.ErrIndexOutOfRange)
	assert.ErrorIs(t, ds.SetIndexes([]int{1, 1}), common.ErrConfiguration)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, ds.Indexes())
}

func TestAdapterCloneIsIndependent(t *testing.T) {
	ds := NewAdapter(newFixture(t, 5, 2), true, nil, 0)
	clone := ds.Clone()

	require.NoError(t, clone.SetIndexes([]int{4}))
	assert.Equal(t, 1, clone.Len())
	assert.Equal(t, 5, ds.Len())

	indexes := ds.Indexes()
	indexes[0] = 3
	assert.Equal(t, 0, ds.Indexes()[0])
}

func TestTransforms(t *testing.T) {
	shape := Shape{Channels: 2, Height: 2, Width: 3}
	x := func() []float64 {
		return []float64{
			0, 51, 102,
			153, 204, 255,

			255, 255, 255,
			0, 0, 0,
		}
	}
	rng := rand.New(rand.NewSource(1))

	t.Run("to_tensor and normalize", func(t *testing.T) {
		transforms, err := BuildTransforms([]config.TransformConfig{
			{Name: TO_TENSOR},
			{Name: NORMALIZE, Mean: []float64{0.5, 1}, Std: []float64{0.5, 1}},
		}, shape)
		require.NoError(t, err)

		out := x()
		for _, tr := range transforms {
			out = tr.Apply(out, shape, rng)
		}
		assert.InDeltaSlice(t, []float64{-1, -0.6, -0.2, 0.2, 0.6, 1, 0, 0, 0, -1, -1, -1}, out, 1e-12)
	})

	t.Run("horizontal flip", func(t *testing.T) {
		flip := randomHorizontalFlip{p: 1}
		out := flip.Apply(x(), shape, rng)
		assert.Equal(t, []float64{102, 51, 0, 255, 204, 153, 255, 255, 255, 0, 0, 0}, out)
	})

	t.Run("center crop", func(t *testing.T) {
		transforms, err := BuildTransforms([]config.TransformConfig{{Name: CENTER_CROP, Size: 2}}, shape)
		require.NoError(t, err)
		out := transforms[0].Apply(x(), shape, rng)
		assert.Equal(t, []float64{0, 51, 153, 204, 255, 255, 0, 0}, out)
		assert.Equal(t, Shape{Channels: 2, Height: 2, Width: 2}, transforms[0].OutShape(shape))
	})

	t.Run("random crop keeps size", func(t *testing.T) {
		crop := randomCrop{size: 2, padding: 1}
		out := crop.Apply(x(), shape, rng)
		assert.Len(t, out, 8)
	})

	t.Run("invalid", func(t *testing.T) {
		for _, cfg := range []config.TransformConfig{
			{Name: "rotate"},
			{Name: NORMALIZE, Mean: []float64{0.1, 0.2, 0.3}, Std: []float64{1, 1, 1}},
			{Name: NORMALIZE, Mean: []float64{0.1}, Std: []float64{0}},
			{Name: CENTER_CROP, Size: 4},
			{Name: RANDOM_CROP, Size: 9, Padding: 1},
			{Name: RANDOM_HORIZONTAL_FLIP, P: 2},
		} {
			_, err := BuildTransforms([]config.TransformConfig{cfg}, shape)
			assert.ErrorIs(t, err, common.ErrConfiguration, cfg.Name)
		}
	})
}

func TestAdapterShapeFollowsTransforms(t *testing.T) {
	source := NewMemorySource(Shape{Channels: 1, Height: 4, Width: 4}, 2)
	require.NoError(t, source.Add(make([]float64, 16), 0))

	transforms, err := BuildTransforms([]config.TransformConfig{{Name: CENTER_CROP, Size: 2}}, source.Shape())
	require.NoError(t, err)
	ds := NewAdapter(source, false, transforms, 0)

	assert.Equal(t, Shape{Channels: 1, Height: 2, Width: 2}, ds.Shape())
	record, err := ds.Get(0)
	require.NoError(t, err)
	assert.Len(t, record.Input, 4)
}

func TestSampleIID(t *testing.T) {
	ds := NewAdapter(newFixture(t, 100, 10), true, nil, 0)

	shards, err := Sample(ds, 4, config.SampleMethodConfig{Name: IID}, 20, 3)
	require.NoError(t, err)
	require.Len(t, shards, 4)

	seen := map[int]bool{}
	for _, shard := range shards {
		assert.Equal(t, 20, shard.Len())
		for _, index := range shard.Indexes() {
			assert.False(t, seen[index], "index %d sampled twice", index)
			seen[index] = true
		}
	}
	assert.Equal(t, 100, ds.Len())

	shards, err = Sample(ds, 3, config.SampleMethodConfig{Name: IID}, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, 33, shards[2].Len())

	_, err = Sample(ds, 6, config.SampleMethodConfig{Name: IID}, 20, 3)
	assert.ErrorIs(t, err, common.ErrConfiguration)
}

func TestSamplePathological(t *testing.T) {
	ds := NewAdapter(newFixture(t, 400, 10), true, nil, 0)

	shards, err := Sample(ds, 5, config.SampleMethodConfig{Name: PATHOLOGICAL, Alpha: 2}, 10, 7)
	require.NoError(t, err)

	for _, shard := range shards {
		assert.Equal(t, 10, shard.Len())
		labels := map[int]bool{}
		for i := 0; i < shard.Len(); i++ {
			record, err := shard.Get(i)
			require.NoError(t, err)
			labels[record.ClassID] = true
		}
		assert.LessOrEqual(t, len(labels), 2)
	}

	_, err = Sample(ds, 5, config.SampleMethodConfig{Name: PATHOLOGICAL, Alpha: 11}, 10, 7)
	assert.ErrorIs(t, err, common.ErrConfiguration)
}

func TestLoaderCoversEveryRecordOnce(t *testing.T) {
	ds := NewAdapter(newFixture(t, 10, 2), true, nil, 0)
	loader := NewLoader(ds, 4, true, 9)
	assert.Equal(t, 3, loader.NumBatches())

	pass := func() []int {
		var order []int
		require.NoError(t, loader.ForEach(func(b Batch) error {
			rows, cols := b.X.Dims()
			assert.Equal(t, 4, cols)
			assert.Equal(t, rows, b.Size())
			for r := 0; r < rows; r++ {
				order = append(order, int(b.X.At(r, 0)))
			}
			return nil
		}))
		return order
	}

	first := pass()
	second := pass()
	assert.NotEqual(t, first, second)

	sort.Ints(first)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, first)
}

func TestLoaderWithoutShuffleKeepsOrder(t *testing.T) {
	ds := NewAdapter(newFixture(t, 5, 2), false, nil, 0)
	var labels []int
	require.NoError(t, NewLoader(ds, 2, false, 0).ForEach(func(b Batch) error {
		labels = append(labels, b.Y...)
		return nil
	}))
	assert.Equal(t, []int{0, 1, 0, 1, 0}, labels)
}
