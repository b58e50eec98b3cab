package dataset

import (
	"context"
	"fmt"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/common"
	"github.com/hashicorp/go-hclog"
	"github.com/petar/GoMNIST"
)

var mnistShape = Shape{Channels: 1, Height: 28, Width: 28}

var mnistFiles = []string{
	"train-images-idx3-ubyte.gz",
	"train-labels-idx1-ubyte.gz",
	"t10k-images-idx3-ubyte.gz",
	"t10k-labels-idx1-ubyte.gz",
}

// LoadMNIST reads the gzipped IDX files under dir, downloading missing ones
// through fetcher.
func LoadMNIST(ctx context.Context, dir string, train bool, fetcher Fetcher, logger hclog.Logger) (*MemorySource, error) {
	for _, name := range mnistFiles {
		if _, err := ensureFile(ctx, fetcher, dir, name, logger); err != nil {
			return nil, err
		}
	}

	trainSet, testSet, err := GoMNIST.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read mnist from %s: %s", common.ErrDataAccess, dir, err.Error())
	}

	set := testSet
	if train {
		set = trainSet
	}

	source := NewMemorySource(mnistShape, 10)
	for i := 0; i < set.Count(); i++ {
		image, label := set.Get(i)
		pixels := make([]float64, len(image))
		for j, b := range image {
			pixels[j] = float64(b)
		}
		if err := source.Add(pixels, int(label)); err != nil {
			return nil, fmt.Errorf("%w: mnist sample %d: %s", common.ErrDataAccess, i, err.Error())
		}
	}

	logger.Debug("Loaded mnist", "train", train, "samples", source.Len())

	return source, nil
}
