package optim

import (
	"fmt"
	"math"
	"strings"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/config"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/nn"
	"gonum.org/v1/gonum/floats"
)

const SGD_OPTIMIZER = "sgd"
const ADAM_OPTIMIZER = "adam"

// Optimizer updates a fixed set of parameters from their accumulated gradients.
type Optimizer interface {
	ZeroGrad()
	Step()
	LR() float64
}

// Get is the optimizer factory used by clients.
func Get(name string, lr float64, momentum float64, params []*nn.Parameter) (Optimizer, error) {
	if lr <= 0 {
		return nil, fmt.Errorf("%w: learning rate must be positive, got %v", common.ErrConfiguration, lr)
	}

	switch strings.ToLower(name) {
	case SGD_OPTIMIZER:
		return NewSGD(params, lr, momentum), nil
	case ADAM_OPTIMIZER:
		return NewAdam(params, lr), nil
	default:
		return nil, fmt.Errorf("%w: unknown optimizer %q", common.ErrConfiguration, name)
	}
}

type base struct {
	params []*nn.Parameter
	lr     float64
}

func (b *base) ZeroGrad() {
	for _, p := range b.params {
		p.ZeroGrad()
	}
}

func (b *base) LR() float64 {
	return b.lr
}

// SGD follows PyTorch: buf = momentum*buf + grad, p -= lr*buf, with the buffer
// initialized to the first gradient.
type SGD struct {
	base
	momentum float64
	buffers  [][]float64
}

func NewSGD(params []*nn.Parameter, lr float64, momentum float64) *SGD {
	return &SGD{
		base:     base{params: params, lr: lr},
		momentum: momentum,
		buffers:  make([][]float64, len(params)),
	}
}

func (o *SGD) Step() {
	for i, p := range o.params {
		grad := p.Grad.RawMatrix().Data
		update := grad
		if o.momentum != 0 {
			if o.buffers[i] == nil {
				o.buffers[i] = append([]float64(nil), grad...)
			} else {
				floats.Scale(o.momentum, o.buffers[i])
				floats.Add(o.buffers[i], grad)
			}
			update = o.buffers[i]
		}
		floats.AddScaled(p.Data.RawMatrix().Data, -o.lr, update)
	}
}

type Adam struct {
	base
	beta1, beta2, eps float64
	step              int
	m, v              [][]float64
}

func NewAdam(params []*nn.Parameter, lr float64) *Adam {
	o := &Adam{
		base:  base{params: params, lr: lr},
		beta1: 0.9,
		beta2: 0.999,
		eps:   1e-8,
		m:     make([][]float64, len(params)),
		v:     make([][]float64, len(params)),
	}
	for i, p := range params {
		o.m[i] = make([]float64, p.Size())
		o.v[i] = make([]float64, p.Size())
	}
	return o
}

func (o *Adam) Step() {
	o.step++
	correction1 := 1 - math.Pow(o.beta1, float64(o.step))
	correction2 := 1 - math.Pow(o.beta2, float64(o.step))

	for i, p := range o.params {
		grad := p.Grad.RawMatrix().Data
		data := p.Data.RawMatrix().Data
		m, v := o.m[i], o.v[i]
		for j, g := range grad {
			m[j] = o.beta1*m[j] + (1-o.beta1)*g
			v[j] = o.beta2*v[j] + (1-o.beta2)*g*g
			mHat := m[j] / correction1
			vHat := v[j] / correction2
			data[j] -= o.lr * mHat / (math.Sqrt(vHat) + o.eps)
		}
	}
}

// FinetuneParameters selects the parameters updated during finetuning: all of
// them, those whose name contains any keyword, or those containing none.
func FinetuneParameters(model nn.Module, args config.FinetuneConfig) ([]*nn.Parameter, error) {
	params := model.Parameters()

	matches := func(p *nn.Parameter) bool {
		for _, keyword := range args.Keywords {
			if strings.Contains(p.Name, keyword) {
				return true
			}
		}
		return false
	}

	var selected []*nn.Parameter
	switch args.Name {
	case "all", "":
		return params, nil
	case "contain":
		for _, p := range params {
			if matches(p) {
				selected = append(selected, p)
			}
		}
	case "except":
		for _, p := range params {
			if !matches(p) {
				selected = append(selected, p)
			}
		}
	default:
		return nil, fmt.Errorf("%w: unknown finetune parameter policy %q", common.ErrConfiguration, args.Name)
	}

	if len(selected) == 0 {
		return nil, fmt.Errorf("%w: finetune policy %s %v selects no parameters", common.ErrConfiguration,
			args.Name, args.Keywords)
	}

	return selected, nil
}
