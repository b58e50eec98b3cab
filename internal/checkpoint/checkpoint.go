package checkpoint

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/nn"
	"github.com/golang/snappy"
	"gonum.org/v1/gonum/mat"
)

type tensor struct {
	Name string
	Rows int
	Cols int
	Data []float64
}

type file struct {
	Round   int
	Tensors []tensor
}

// Save writes the model's state dict as a snappy-compressed gob stream. The file
// is replaced atomically.
func Save(path string, model nn.Module, round int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	state := model.StateDict()
	names := make([]string, 0, len(state))
	for name := range state {
		names = append(names, name)
	}
	sort.Strings(names)

	content := file{Round: round}
	for _, name := range names {
		rows, cols := state[name].Dims()
		content.Tensors = append(content.Tensors, tensor{
			Name: name,
			Rows: rows,
			Cols: cols,
			Data: state[name].RawMatrix().Data,
		})
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	writer := snappy.NewBufferedWriter(tmp)
	if err := gob.NewEncoder(writer).Encode(content); err != nil {
		tmp.Close()
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := writer.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}

// Load reads a checkpoint into model and returns the round it was taken at.
func Load(path string, model nn.Module) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var content file
	if err := gob.NewDecoder(snappy.NewReader(f)).Decode(&content); err != nil {
		return 0, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}

	state := make(map[string]*mat.Dense, len(content.Tensors))
	for _, t := range content.Tensors {
		if t.Rows*t.Cols != len(t.Data) || t.Rows == 0 || t.Cols == 0 {
			return 0, fmt.Errorf("checkpoint %s: tensor %s is corrupt", path, t.Name)
		}
		state[t.Name] = mat.NewDense(t.Rows, t.Cols, t.Data)
	}

	if err := model.LoadStateDict(state); err != nil {
		return 0, err
	}

	return content.Round, nil
}

// ClientPath is where a client's model checkpoint lives under dir.
func ClientPath(dir string, clientID int) string {
	return filepath.Join(dir, fmt.Sprintf("client_%d.ckpt", clientID))
}
