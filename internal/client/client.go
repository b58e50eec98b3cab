package client

import (
	"fmt"
	"math/rand"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/config"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/dataset"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/device"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/monitor"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/nn"
	"github.com/hashicorp/go-hclog"
)

// FLClient is what the federation loop drives each round.
type FLClient interface {
	ID() int
	SampleNum() int
	Model() nn.Module
	SetModel(model nn.Module)
	Train(lr float64, opts ...Option) (monitor.Variables, error)
	Test(opts ...Option) (monitor.Variables, error)
	Finetune(lr float64, args config.FinetuneConfig, opts ...Option) ([]monitor.Variables, error)
}

type Params struct {
	Config *config.Config
	ID     int
	Train  *dataset.Adapter
	Test   *dataset.Adapter // optional
	Model  nn.Module
	Logger hclog.Logger
	Seed   int64
}

// Client trains, tests and finetunes one participant's model on its own shard.
// A Client is not safe for concurrent use.
type Client struct {
	id        int
	cfg       *config.Config
	model     nn.Module
	device    device.Device
	sampleNum int

	trainLoader *dataset.Loader
	valLoader   *dataset.Loader
	testLoader  *dataset.Loader

	logger hclog.Logger
}

func New(p Params) (*Client, error) {
	if p.Config == nil || p.Train == nil || p.Model == nil {
		return nil, fmt.Errorf("%w: client %d needs a config, a train shard and a model", common.ErrConfiguration, p.ID)
	}
	valFrac := p.Config.Client.ValFrac
	if valFrac < 0 || valFrac >= 1 {
		return nil, fmt.Errorf("%w: client.val_frac must be in [0, 1), got %v", common.ErrConfiguration, valFrac)
	}
	if p.Logger == nil {
		p.Logger = hclog.NewNullLogger()
	}

	c := &Client{
		id:     p.ID,
		cfg:    p.Config,
		model:  p.Model,
		device: device.Device(p.Config.Learn.Device),
		logger: p.Logger.Named(fmt.Sprintf("client-%d", p.ID)),
	}

	rng := rand.New(rand.NewSource(p.Seed))
	batchSize := p.Config.Learn.BatchSize

	if valFrac == 0 {
		c.sampleNum = p.Train.Len()
		c.trainLoader = dataset.NewLoader(p.Train, batchSize, true, rng.Int63())
	} else {
		train, validation, err := splitValidation(p.Train, valFrac, rng)
		if err != nil {
			return nil, err
		}
		c.sampleNum = train.Len()
		c.trainLoader = dataset.NewLoader(train, batchSize, true, rng.Int63())
		c.valLoader = dataset.NewLoader(validation, batchSize, true, rng.Int63())
	}

	if p.Test != nil {
		c.testLoader = dataset.NewLoader(p.Test, batchSize, true, rng.Int63())
	}

	c.logger.Debug("Client created", "sample_num", c.sampleNum, "val_frac", valFrac)

	return c, nil
}

// splitValidation shuffles the shard's indexes and gives the first
// int((1-valFrac)*n) to training and the rest to validation.
func splitValidation(shard *dataset.Adapter, valFrac float64, rng *rand.Rand) (*dataset.Adapter, *dataset.Adapter, error) {
	indexes := shard.Indexes()
	rng.Shuffle(len(indexes), func(i, j int) {
		indexes[i], indexes[j] = indexes[j], indexes[i]
	})
	cut := int((1 - valFrac) * float64(len(indexes)))

	train := shard.Clone()
	if err := train.SetIndexes(indexes[:cut]); err != nil {
		return nil, nil, err
	}
	validation := shard.Clone()
	if err := validation.SetIndexes(indexes[cut:]); err != nil {
		return nil, nil, err
	}

	return train, validation, nil
}

func (c *Client) ID() int {
	return c.id
}

// SampleNum is the size of the train partition, used as the aggregation weight.
func (c *Client) SampleNum() int {
	return c.sampleNum
}

func (c *Client) Model() nn.Module {
	return c.model
}

func (c *Client) SetModel(model nn.Module) {
	c.model = model
}

func (c *Client) Device() device.Device {
	return c.device
}

func (c *Client) TrainLoader() *dataset.Loader {
	return c.trainLoader
}

// ValidationLoader is nil unless client.val_frac > 0.
func (c *Client) ValidationLoader() *dataset.Loader {
	return c.valLoader
}

func (c *Client) TestLoader() *dataset.Loader {
	return c.testLoader
}
