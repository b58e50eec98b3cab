package nn

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/device"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

type linear struct {
	weight *Parameter // in x out
	bias   *Parameter // 1 x out
	input  *mat.Dense // cached for backward
}

func (l *linear) forward(x *mat.Dense, cache bool) *mat.Dense {
	rows, _ := x.Dims()
	_, out := l.weight.Data.Dims()

	y := mat.NewDense(rows, out, nil)
	y.Mul(x, l.weight.Data)
	bias := l.bias.Data.RawRowView(0)
	for i := 0; i < rows; i++ {
		floats.Add(y.RawRowView(i), bias)
	}

	if cache {
		l.input = x
	}

	return y
}

// MLP is a stack of fully connected layers named fc1..fcN with ReLU between them.
type MLP struct {
	layers      []*linear
	inputDim    int
	hiddenDims  []int
	classes     int
	training    bool
	gradEnabled bool
	device      device.Device
	pool        *device.Pool
}

type Option func(*options)

type options struct {
	pool *device.Pool
	seed int64
}

// WithPool accounts device placement against pool.
func WithPool(pool *device.Pool) Option {
	return func(o *options) {
		o.pool = pool
	}
}

func WithSeed(seed int64) Option {
	return func(o *options) {
		o.seed = seed
	}
}

// NewMLP builds an MLP with PyTorch's default uniform(-1/sqrt(in), 1/sqrt(in))
// initialization. An empty hiddenDims gives multinomial logistic regression.
func NewMLP(inputDim int, hiddenDims []int, classes int, opts ...Option) (*MLP, error) {
	if inputDim <= 0 || classes <= 0 {
		return nil, fmt.Errorf("%w: mlp needs positive input and class dimensions, got %d and %d",
			common.ErrConfiguration, inputDim, classes)
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	rng := rand.New(rand.NewSource(o.seed))

	dims := append([]int{inputDim}, hiddenDims...)
	dims = append(dims, classes)

	m := &MLP{
		inputDim:    inputDim,
		hiddenDims:  append([]int(nil), hiddenDims...),
		classes:     classes,
		training:    true,
		gradEnabled: true,
		device:      device.CPU,
		pool:        o.pool,
	}
	for i := 0; i < len(dims)-1; i++ {
		if dims[i+1] <= 0 {
			return nil, fmt.Errorf("%w: hidden dimension must be positive, got %d", common.ErrConfiguration, dims[i+1])
		}
		name := fmt.Sprintf("fc%d", i+1)
		l := &linear{
			weight: newParameter(name+".weight", dims[i], dims[i+1]),
			bias:   newParameter(name+".bias", 1, dims[i+1]),
		}
		bound := 1 / math.Sqrt(float64(dims[i]))
		for _, p := range []*Parameter{l.weight, l.bias} {
			raw := p.Data.RawMatrix().Data
			for j := range raw {
				raw[j] = (rng.Float64()*2 - 1) * bound
			}
		}
		m.layers = append(m.layers, l)
	}

	return m, nil
}

func (m *MLP) InputDim() int {
	return m.inputDim
}

func (m *MLP) Classes() int {
	return m.classes
}

func (m *MLP) Forward(x *mat.Dense) (*mat.Dense, error) {
	_, cols := x.Dims()
	if cols != m.inputDim {
		return nil, fmt.Errorf("%w: input has %d features, model expects %d", common.ErrDimensionMismatch, cols, m.inputDim)
	}

	h := x
	for i, l := range m.layers {
		h = l.forward(h, m.gradEnabled)
		if i < len(m.layers)-1 {
			h.Apply(func(_, _ int, v float64) float64 {
				return math.Max(v, 0)
			}, h)
		}
	}

	return h, nil
}

func (m *MLP) Backward(gradOut *mat.Dense) error {
	rows, cols := gradOut.Dims()
	if cols != m.classes {
		return fmt.Errorf("%w: gradient has %d columns, model has %d classes", common.ErrDimensionMismatch, cols, m.classes)
	}

	g := gradOut
	for i := len(m.layers) - 1; i >= 0; i-- {
		l := m.layers[i]
		if l.input == nil {
			return errors.New("backward called without a cached forward pass")
		}
		inputRows, _ := l.input.Dims()
		if inputRows != rows {
			return fmt.Errorf("%w: gradient has %d rows, forward batch had %d", common.ErrDimensionMismatch, rows, inputRows)
		}

		var dW mat.Dense
		dW.Mul(l.input.T(), g)
		l.weight.Grad.Add(l.weight.Grad, &dW)

		biasGrad := l.bias.Grad.RawRowView(0)
		for r := 0; r < rows; r++ {
			floats.Add(biasGrad, g.RawRowView(r))
		}

		if i > 0 {
			// l.input is the ReLU output of the previous layer, so it doubles as the mask.
			var dx mat.Dense
			dx.Mul(g, l.weight.Data.T())
			input := l.input
			dx.Apply(func(r, c int, v float64) float64 {
				if input.At(r, c) <= 0 {
					return 0
				}
				return v
			}, &dx)
			g = &dx
		}
		l.input = nil
	}

	return nil
}

func (m *MLP) Parameters() []*Parameter {
	params := make([]*Parameter, 0, 2*len(m.layers))
	for _, l := range m.layers {
		params = append(params, l.weight, l.bias)
	}
	return params
}

func (m *MLP) ZeroGrad() {
	for _, p := range m.Parameters() {
		p.ZeroGrad()
	}
}

func (m *MLP) Train() {
	m.training = true
}

func (m *MLP) Eval() {
	m.training = false
}

func (m *MLP) Training() bool {
	return m.training
}

func (m *MLP) SetGradEnabled(enabled bool) bool {
	previous := m.gradEnabled
	m.gradEnabled = enabled
	if !enabled {
		for _, l := range m.layers {
			l.input = nil
		}
	}
	return previous
}

// To moves the model to d: the footprint is reserved on d before it is
// released from the current device.
func (m *MLP) To(d device.Device) error {
	if d == "" {
		d = device.CPU
	}
	if d == m.device {
		return nil
	}

	footprint := Footprint(m)
	if err := m.pool.Acquire(d, footprint); err != nil {
		return err
	}
	m.pool.Release(m.device, footprint)
	m.device = d

	return nil
}

func (m *MLP) Device() device.Device {
	return m.device
}

// Clone deep-copies parameters, gradients and mode; the copy lives on the same
// device and reserves its own footprint there.
func (m *MLP) Clone() (Module, error) {
	c := &MLP{
		inputDim:    m.inputDim,
		hiddenDims:  append([]int(nil), m.hiddenDims...),
		classes:     m.classes,
		training:    m.training,
		gradEnabled: m.gradEnabled,
		device:      device.CPU,
		pool:        m.pool,
	}
	for _, l := range m.layers {
		c.layers = append(c.layers, &linear{weight: l.weight.clone(), bias: l.bias.clone()})
	}

	if err := c.To(m.device); err != nil {
		return nil, fmt.Errorf("clone onto %s: %w", m.device, err)
	}

	return c, nil
}

func (m *MLP) StateDict() map[string]*mat.Dense {
	state := make(map[string]*mat.Dense, 2*len(m.layers))
	for _, p := range m.Parameters() {
		state[p.Name] = mat.DenseCopyOf(p.Data)
	}
	return state
}

// LoadStateDict copies state into the existing parameters in place; the key set
// and every shape must match exactly.
func (m *MLP) LoadStateDict(state map[string]*mat.Dense) error {
	params := m.Parameters()
	if len(state) != len(params) {
		return fmt.Errorf("%w: state has %d tensors, model has %d", common.ErrDimensionMismatch, len(state), len(params))
	}

	for _, p := range params {
		value, found := state[p.Name]
		if !found {
			return fmt.Errorf("%w: state is missing %s", common.ErrDimensionMismatch, p.Name)
		}
		rows, cols := value.Dims()
		wantRows, wantCols := p.Data.Dims()
		if rows != wantRows || cols != wantCols {
			return fmt.Errorf("%w: %s is %dx%d, model expects %dx%d", common.ErrDimensionMismatch,
				p.Name, rows, cols, wantRows, wantCols)
		}
	}

	for _, p := range params {
		p.Data.Copy(state[p.Name])
	}

	return nil
}
