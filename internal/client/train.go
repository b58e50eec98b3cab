package client

import (
	"errors"
	"fmt"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/config"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/dataset"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/device"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/monitor"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/nn"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/optim"
	"gonum.org/v1/gonum/mat"
)

// Train runs learn.local_eps epochs of local optimization, updating the model in
// place, and returns the mean train_acc and train_loss. The model is back on
// the CPU when Train returns.
func (c *Client) Train(lr float64, opts ...Option) (monitor.Variables, error) {
	o := c.callOptions(opts)
	epochs := c.cfg.Learn.LocalEps
	if epochs == 0 {
		return monitor.Variables{}, nil
	}

	var result monitor.Variables
	err := device.Scoped(c.model, o.device, func() error {
		c.model.Train()

		optimizer, err := optim.Get(c.cfg.Learn.Optimizer.Name, lr, c.cfg.Learn.Optimizer.Momentum, c.model.Parameters())
		if err != nil {
			return err
		}

		mon := monitor.NewVariableMonitor()
		for epoch := 0; epoch < epochs; epoch++ {
			if err := c.trainEpoch(o.device, optimizer, mon); err != nil {
				return fmt.Errorf("epoch %d: %w", epoch, err)
			}
		}
		result = mon.VariableMean()

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("client %d train: %w", c.id, err)
	}

	c.logger.Debug("Local training finished", "lr", lr, "epochs", epochs,
		"steps", epochs*c.trainLoader.NumBatches(), "metrics", result.String())

	return result, nil
}

// Test evaluates the model on the test shard without changing it.
func (c *Client) Test(opts ...Option) (monitor.Variables, error) {
	o := c.callOptions(opts)

	result, err := c.test(o.device)
	if err != nil {
		return nil, fmt.Errorf("client %d test: %w", c.id, err)
	}

	return result, nil
}

func (c *Client) test(d device.Device) (monitor.Variables, error) {
	if c.testLoader == nil {
		return nil, fmt.Errorf("%w: client has no test dataset", common.ErrConfiguration)
	}

	var result monitor.Variables
	err := device.Scoped(c.model, d, func() error {
		c.model.Eval()

		return nn.NoGrad(c.model, func() error {
			mon := monitor.NewVariableMonitor()
			err := c.testLoader.ForEach(func(batch dataset.Batch) error {
				return c.testStep(c.preprocess(batch, d), mon)
			})
			if err != nil {
				return err
			}
			result = mon.VariableMean()
			return nil
		})
	})

	return result, err
}

// Finetune measures how well the model personalizes: it trains the parameters
// selected by args for the given epochs, testing after each one, then restores
// the model to its state before the call. Only the per-epoch metrics survive.
func (c *Client) Finetune(lr float64, args config.FinetuneConfig, opts ...Option) (info []monitor.Variables, err error) {
	o := c.callOptions(opts)
	epochs := c.cfg.Learn.FinetuneEpochs()
	if o.epochs != nil {
		epochs = *o.epochs
	}
	if epochs < 0 {
		return nil, fmt.Errorf("%w: client %d finetune epochs must not be negative, got %d", common.ErrConfiguration, c.id, epochs)
	}

	restore, err := c.snapshot()
	if err != nil {
		return nil, fmt.Errorf("client %d finetune: %w", c.id, err)
	}
	defer func() {
		if restoreErr := restore(); restoreErr != nil && err == nil {
			err = fmt.Errorf("client %d finetune restore: %w", c.id, restoreErr)
		}
	}()

	params, err := optim.FinetuneParameters(c.model, args)
	if err != nil {
		return nil, fmt.Errorf("client %d finetune: %w", c.id, err)
	}
	optimizer, err := optim.Get(c.cfg.Learn.Optimizer.Name, lr, c.cfg.Learn.Optimizer.Momentum, params)
	if err != nil {
		return nil, fmt.Errorf("client %d finetune: %w", c.id, err)
	}

	info = make([]monitor.Variables, 0, epochs)
	for epoch := 0; epoch < epochs; epoch++ {
		mon := monitor.NewVariableMonitor()
		err := device.Scoped(c.model, o.device, func() error {
			c.model.Train()
			return c.trainEpoch(o.device, optimizer, mon)
		})
		if err != nil {
			return nil, fmt.Errorf("client %d finetune epoch %d: %w", c.id, epoch, err)
		}

		metrics := mon.VariableMean()
		tested, err := c.test(o.device)
		if err != nil {
			return nil, fmt.Errorf("client %d finetune epoch %d: %w", c.id, epoch, err)
		}
		info = append(info, metrics.Merge(tested))

		c.logger.Debug("Finetune epoch finished", "epoch", epoch, "metrics", metrics.String())
	}

	return info, nil
}

// snapshot deep-copies the model and returns a function that puts the copied
// weights and mode back into the same model object and frees the copy.
func (c *Client) snapshot() (func() error, error) {
	model := c.model
	training := model.Training()
	backup, err := model.Clone()
	if err != nil {
		return nil, err
	}

	return func() error {
		c.model = model
		loadErr := model.LoadStateDict(backup.StateDict())
		model.ZeroGrad()
		if training {
			model.Train()
		} else {
			model.Eval()
		}
		return errors.Join(loadErr, backup.To(device.CPU))
	}, nil
}

func (c *Client) trainEpoch(d device.Device, optimizer optim.Optimizer, mon *monitor.VariableMonitor) error {
	return c.trainLoader.ForEach(func(batch dataset.Batch) error {
		return c.trainStep(c.preprocess(batch, d), optimizer, mon)
	})
}

// preprocess relocates a batch to the compute device.
func (c *Client) preprocess(batch dataset.Batch, d device.Device) dataset.Batch {
	batch.Device = d
	return batch
}

type stepResult struct {
	loss float64
	acc  float64
	grad *mat.Dense
}

func (c *Client) forward(batch dataset.Batch) (stepResult, error) {
	if batch.Device != c.model.Device() {
		return stepResult{}, fmt.Errorf("%w: batch on %s, model on %s", common.ErrDeviceMismatch, batch.Device, c.model.Device())
	}

	logits, err := c.model.Forward(batch.X)
	if err != nil {
		return stepResult{}, err
	}
	loss, grad, err := nn.CrossEntropyLoss(logits, batch.Y)
	if err != nil {
		return stepResult{}, err
	}
	acc, err := nn.Accuracy(nn.Argmax(logits), batch.Y)
	if err != nil {
		return stepResult{}, err
	}

	return stepResult{loss: loss, acc: acc, grad: grad}, nil
}

func (c *Client) trainStep(batch dataset.Batch, optimizer optim.Optimizer, mon *monitor.VariableMonitor) error {
	out, err := c.forward(batch)
	if err != nil {
		return err
	}

	err = mon.Append(map[string]float64{
		common.TRAIN_ACC:  out.acc,
		common.TRAIN_LOSS: out.loss,
	}, float64(batch.Size()))
	if err != nil {
		return err
	}

	c.model.ZeroGrad()
	if err := c.model.Backward(out.grad); err != nil {
		return err
	}
	optimizer.Step()

	return nil
}

func (c *Client) testStep(batch dataset.Batch, mon *monitor.VariableMonitor) error {
	out, err := c.forward(batch)
	if err != nil {
		return err
	}

	return mon.Append(map[string]float64{
		common.TEST_ACC:  out.acc,
		common.TEST_LOSS: out.loss,
	}, float64(batch.Size()))
}
