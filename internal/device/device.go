package device

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/common"
)

// Device names a compute placement such as "cpu" or "cuda:0".
type Device string

const CPU Device = common.CPU_DEVICE

func (d Device) IsCPU() bool {
	return d == CPU || d == ""
}

func (d Device) String() string {
	if d == "" {
		return string(CPU)
	}
	return string(d)
}

// Pool accounts accelerator memory. The CPU placement is unbounded; every other
// device must be declared with a byte capacity. A nil Pool accepts everything.
type Pool struct {
	mu       sync.Mutex
	capacity map[Device]int64
	used     map[Device]int64
}

func NewPool(capacities map[string]int64) *Pool {
	pool := &Pool{
		capacity: make(map[Device]int64),
		used:     make(map[Device]int64),
	}
	for name, bytes := range capacities {
		pool.capacity[Device(name)] = bytes
	}
	return pool
}

// Acquire reserves bytes on d.
func (p *Pool) Acquire(d Device, bytes int64) error {
	if p == nil || d.IsCPU() {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	capacity, found := p.capacity[d]
	if !found {
		return fmt.Errorf("%w: unknown device %q", common.ErrConfiguration, d)
	}
	if p.used[d]+bytes > capacity {
		return fmt.Errorf("%w: device %s needs %d bytes, %d of %d in use", common.ErrResourceExhausted,
			d, bytes, p.used[d], capacity)
	}
	p.used[d] += bytes

	return nil
}

// Release returns bytes previously acquired on d.
func (p *Pool) Release(d Device, bytes int64) {
	if p == nil || d.IsCPU() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.used[d] -= bytes
	if p.used[d] < 0 {
		p.used[d] = 0
	}
}

func (p *Pool) InUse(d Device) int64 {
	if p == nil {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.used[d]
}

// Devices lists the declared accelerators.
func (p *Pool) Devices() []Device {
	if p == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	devices := make([]Device, 0, len(p.capacity))
	for d := range p.capacity {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool {
		return strings.Compare(string(devices[i]), string(devices[j])) < 0
	})

	return devices
}

// Placeable is anything that can be moved between devices.
type Placeable interface {
	To(d Device) error
	Device() Device
}

// Scoped moves p onto d, runs fn and moves p back to the CPU on every exit path,
// including a failed move and a panic inside fn. An error from fn wins over an
// error from the release.
func Scoped(p Placeable, d Device, fn func() error) (err error) {
	defer func() {
		if releaseErr := p.To(CPU); releaseErr != nil && err == nil {
			err = fmt.Errorf("release %s: %w", d, releaseErr)
		}
	}()

	if err := p.To(d); err != nil {
		return err
	}

	return fn()
}
