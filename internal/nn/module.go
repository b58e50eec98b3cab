package nn

import (
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/device"
	"gonum.org/v1/gonum/mat"
)

// Parameter is a named trainable tensor with its accumulated gradient.
type Parameter struct {
	Name string
	Data *mat.Dense
	Grad *mat.Dense
}

func newParameter(name string, rows, cols int) *Parameter {
	return &Parameter{
		Name: name,
		Data: mat.NewDense(rows, cols, nil),
		Grad: mat.NewDense(rows, cols, nil),
	}
}

func (p *Parameter) Size() int {
	rows, cols := p.Data.Dims()
	return rows * cols
}

func (p *Parameter) ZeroGrad() {
	p.Grad.Zero()
}

func (p *Parameter) clone() *Parameter {
	return &Parameter{
		Name: p.Name,
		Data: mat.DenseCopyOf(p.Data),
		Grad: mat.DenseCopyOf(p.Grad),
	}
}

// Module is the model contract consumed by clients: inputs are row-major batches
// (one sample per row), outputs are logits.
type Module interface {
	Forward(x *mat.Dense) (*mat.Dense, error)
	// Backward accumulates parameter gradients for the last Forward call.
	Backward(gradOut *mat.Dense) error
	Parameters() []*Parameter
	ZeroGrad()

	Train()
	Eval()
	Training() bool
	// SetGradEnabled toggles activation caching and returns the previous setting.
	SetGradEnabled(enabled bool) bool

	To(d device.Device) error
	Device() device.Device

	Clone() (Module, error)
	StateDict() map[string]*mat.Dense
	LoadStateDict(state map[string]*mat.Dense) error
}

// NoGrad runs fn with gradient tracking disabled on m.
func NoGrad(m Module, fn func() error) error {
	previous := m.SetGradEnabled(false)
	defer m.SetGradEnabled(previous)

	return fn()
}

// Footprint is the number of bytes a module occupies on a device: parameters
// plus gradients, float64 each.
func Footprint(m Module) int64 {
	var total int64
	for _, p := range m.Parameters() {
		total += int64(p.Size()) * 8 * 2
	}
	return total
}

func NumParameters(m Module) int {
	total := 0
	for _, p := range m.Parameters() {
		total += p.Size()
	}
	return total
}
