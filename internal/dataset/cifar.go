package dataset

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/common"
	"github.com/hashicorp/go-hclog"
)

var cifarShape = Shape{Channels: 3, Height: 32, Width: 32}

// cifarLayout describes one of the binary CIFAR distributions.
type cifarLayout struct {
	archive    string
	folder     string
	trainFiles []string
	testFiles  []string
	labelBytes int // bytes before the image; the last one is the label used
	classes    int
}

var cifar10Layout = cifarLayout{
	archive:    "cifar-10-binary.tar.gz",
	folder:     "cifar-10-batches-bin",
	trainFiles: []string{"data_batch_1.bin", "data_batch_2.bin", "data_batch_3.bin", "data_batch_4.bin", "data_batch_5.bin"},
	testFiles:  []string{"test_batch.bin"},
	labelBytes: 1,
	classes:    10,
}

// CIFAR-100 records carry a coarse then a fine label; the fine one is used.
var cifar100Layout = cifarLayout{
	archive:    "cifar-100-binary.tar.gz",
	folder:     "cifar-100-binary",
	trainFiles: []string{"train.bin"},
	testFiles:  []string{"test.bin"},
	labelBytes: 2,
	classes:    100,
}

func LoadCIFAR10(ctx context.Context, dir string, train bool, fetcher Fetcher, logger hclog.Logger) (*MemorySource, error) {
	return loadCIFAR(ctx, cifar10Layout, dir, train, fetcher, logger)
}

func LoadCIFAR100(ctx context.Context, dir string, train bool, fetcher Fetcher, logger hclog.Logger) (*MemorySource, error) {
	return loadCIFAR(ctx, cifar100Layout, dir, train, fetcher, logger)
}

func loadCIFAR(ctx context.Context, layout cifarLayout, dir string, train bool, fetcher Fetcher, logger hclog.Logger) (*MemorySource, error) {
	files := layout.testFiles
	if train {
		files = layout.trainFiles
	}

	if err := ensureCIFAR(ctx, layout, dir, files, fetcher, logger); err != nil {
		return nil, err
	}

	source := NewMemorySource(cifarShape, layout.classes)
	for _, name := range files {
		if err := readCIFARFile(filepath.Join(dir, layout.folder, name), layout, source); err != nil {
			return nil, err
		}
	}

	logger.Debug("Loaded cifar", "folder", layout.folder, "train", train, "samples", source.Len())

	return source, nil
}

func ensureCIFAR(ctx context.Context, layout cifarLayout, dir string, files []string, fetcher Fetcher, logger hclog.Logger) error {
	missing := false
	for _, name := range files {
		if _, err := os.Stat(filepath.Join(dir, layout.folder, name)); err != nil {
			missing = true
			break
		}
	}
	if !missing {
		return nil
	}

	archive, err := ensureFile(ctx, fetcher, dir, layout.archive, logger)
	if err != nil {
		return err
	}

	logger.Info("Extracting dataset archive", "archive", archive)

	return extractTarGz(archive, dir)
}

func readCIFARFile(path string, layout cifarLayout, source *MemorySource) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %s", common.ErrDataAccess, err.Error())
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	record := make([]byte, layout.labelBytes+cifarShape.Size())
	for n := 0; ; n++ {
		if _, err := io.ReadFull(reader, record); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: %s record %d: %s", common.ErrDataAccess, path, n, err.Error())
		}

		label := int(record[layout.labelBytes-1])
		pixels := make([]float64, cifarShape.Size())
		for i, b := range record[layout.labelBytes:] {
			pixels[i] = float64(b)
		}
		if err := source.Add(pixels, label); err != nil {
			return fmt.Errorf("%w: %s record %d: %s", common.ErrDataAccess, path, n, err.Error())
		}
	}
}
