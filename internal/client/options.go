package client

import "github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/device"

type Option func(*callOptions)

type callOptions struct {
	device device.Device
	epochs *int
}

// WithDevice runs a single call on d instead of the configured device.
func WithDevice(d device.Device) Option {
	return func(o *callOptions) {
		o.device = d
	}
}

// WithEpochs overrides the number of finetune epochs.
func WithEpochs(epochs int) Option {
	return func(o *callOptions) {
		o.epochs = &epochs
	}
}

func (c *Client) callOptions(opts []Option) callOptions {
	o := callOptions{device: c.device}
	for _, opt := range opts {
		opt(&o)
	}
	if o.device == "" {
		o.device = device.CPU
	}
	return o
}
