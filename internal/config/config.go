package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/common"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Data      DataConfig      `yaml:"data" json:"data"`
	Learn     LearnConfig     `yaml:"learn" json:"learn"`
	Model     ModelConfig     `yaml:"model" json:"model"`
	Client    ClientConfig    `yaml:"client" json:"client"`
	Launcher  LauncherConfig  `yaml:"launcher" json:"launcher"`
	Resources ResourcesConfig `yaml:"resources" json:"resources"`
	Other     OtherConfig     `yaml:"other" json:"other"`
}

type DataConfig struct {
	Dataset      string             `yaml:"dataset" json:"dataset"`
	DataPath     string             `yaml:"data_path" json:"data_path"`
	Mirror       string             `yaml:"mirror" json:"mirror"` // http(s):// or s3:// base used when files are missing
	Transforms   TransformsConfig   `yaml:"transforms" json:"transforms"`
	SampleMethod SampleMethodConfig `yaml:"sample_method" json:"sample_method"`
}

type TransformsConfig struct {
	IncludeDefault *bool             `yaml:"include_default" json:"include_default"`
	Train          []TransformConfig `yaml:"train" json:"train"`
	Test           []TransformConfig `yaml:"test" json:"test"`
}

// UseDefault reports whether the dataset's to_tensor + normalize prefix applies.
func (t TransformsConfig) UseDefault() bool {
	return t.IncludeDefault == nil || *t.IncludeDefault
}

type TransformConfig struct {
	Name    string    `yaml:"name" json:"name"`
	P       float64   `yaml:"p" json:"p"`
	Size    int       `yaml:"size" json:"size"`
	Padding int       `yaml:"padding" json:"padding"`
	Mean    []float64 `yaml:"mean" json:"mean"`
	Std     []float64 `yaml:"std" json:"std"`
}

type SampleMethodConfig struct {
	Name     string `yaml:"name" json:"name"`
	TrainNum int    `yaml:"train_num" json:"train_num"`
	TestNum  int    `yaml:"test_num" json:"test_num"`
	Alpha    int    `yaml:"alpha" json:"alpha"` // classes per client for pathological sampling
}

type LearnConfig struct {
	Device             string          `yaml:"device" json:"device"`
	LocalEps           int             `yaml:"local_eps" json:"local_eps"`
	GlobalEps          int             `yaml:"global_eps" json:"global_eps"`
	BatchSize          int             `yaml:"batch_size" json:"batch_size"`
	Optimizer          OptimizerConfig `yaml:"optimizer" json:"optimizer"`
	Scheduler          SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	FinetuneParameters FinetuneConfig  `yaml:"finetune_parameters" json:"finetune_parameters"`
	FinetuneEps        *int            `yaml:"finetune_eps" json:"finetune_eps"`
	TestPlace          []string        `yaml:"test_place" json:"test_place"`
}

// FinetuneEpochs falls back to local_eps when finetune_eps is unset.
func (l LearnConfig) FinetuneEpochs() int {
	if l.FinetuneEps == nil {
		return l.LocalEps
	}
	return *l.FinetuneEps
}

type OptimizerConfig struct {
	Name     string  `yaml:"name" json:"name"`
	LR       float64 `yaml:"lr" json:"lr"`
	Momentum float64 `yaml:"momentum" json:"momentum"`
}

type SchedulerConfig struct {
	Name             string  `yaml:"name" json:"name"`
	MinLR            float64 `yaml:"min_lr" json:"min_lr"`
	DecayRound       int     `yaml:"decay_round" json:"decay_round"`
	DecayCoefficient float64 `yaml:"decay_coefficient" json:"decay_coefficient"`
}

// FinetuneConfig selects the parameters updated during finetuning.
type FinetuneConfig struct {
	Name     string   `yaml:"name" json:"name"` // all | contain | except
	Keywords []string `yaml:"keywords" json:"keywords"`
}

type ModelConfig struct {
	Name        string `yaml:"name" json:"name"`
	HiddenDims  []int  `yaml:"hidden_dims" json:"hidden_dims"`
	ClassNumber int    `yaml:"class_number" json:"class_number"`
	// Checkpoint optionally warm-starts every client from a saved model.
	Checkpoint string `yaml:"checkpoint" json:"checkpoint,omitempty"`
}

type ClientConfig struct {
	Name       string  `yaml:"name" json:"name"`
	ClientNum  int     `yaml:"client_num" json:"client_num"`
	SampleRate float64 `yaml:"sample_rate" json:"sample_rate"`
	ValFrac    float64 `yaml:"val_frac" json:"val_frac"`
}

type LauncherConfig struct {
	Name    string `yaml:"name" json:"name"` // serial | parallel
	NumProc int    `yaml:"num_proc" json:"num_proc"`
}

type ResourcesConfig struct {
	Devices map[string]int64 `yaml:"devices" json:"devices"` // accelerator name -> memory in bytes
}

type OtherConfig struct {
	TestFreq    int        `yaml:"test_freq" json:"test_freq"`
	LoggingPath string     `yaml:"logging_path" json:"logging_path"`
	ResultSinks []string   `yaml:"result_sinks" json:"result_sinks"` // csv | sqlite
	Cost        CostConfig `yaml:"cost" json:"cost"`
}

// CostConfig optionally stops training early on a communication budget or a
// target accuracy.
type CostConfig struct {
	Type           string  `yaml:"type" json:"type"` // "" | totalBudget | costMin
	BudgetMB       float64 `yaml:"budget_mb" json:"budget_mb"`
	TargetAccuracy float64 `yaml:"target_accuracy" json:"target_accuracy"`
}

const SerialLauncher = "serial"
const ParallelLauncher = "parallel"

const CsvSink = "csv"
const SqliteSink = "sqlite"

// Default mirrors the tiny-imagenet fedavg argzoo entry, scaled to MNIST.
func Default() *Config {
	return &Config{
		Data: DataConfig{
			Dataset:  "mnist",
			DataPath: "./data/mnist",
			SampleMethod: SampleMethodConfig{
				Name:     "iid",
				TrainNum: 500,
				TestNum:  100,
				Alpha:    2,
			},
		},
		Learn: LearnConfig{
			Device:    common.CPU_DEVICE,
			LocalEps:  8,
			GlobalEps: 40,
			BatchSize: 32,
			Optimizer: OptimizerConfig{
				Name:     "sgd",
				LR:       0.02,
				Momentum: 0.9,
			},
			Scheduler:          SchedulerConfig{Name: "fix"},
			FinetuneParameters: FinetuneConfig{Name: "all"},
			TestPlace:          []string{common.TEST_AFTER_AGGREGATION},
		},
		Model: ModelConfig{
			Name:        "mlp",
			HiddenDims:  []int{200},
			ClassNumber: 10,
		},
		Client: ClientConfig{
			Name:       "base_client",
			ClientNum:  30,
			SampleRate: 1,
			ValFrac:    0,
		},
		Launcher: LauncherConfig{Name: SerialLauncher},
		Other: OtherConfig{
			TestFreq:    3,
			LoggingPath: "./logging/mnist_mlp_iid",
			ResultSinks: []string{CsvSink},
		},
	}
}

// Load reads a YAML file on top of Default and validates the result.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %s", common.ErrConfiguration, path, err.Error())
	}
	defer file.Close()

	return Parse(file)
}

// Parse decodes YAML (or JSON) on top of Default. Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()

	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %s", common.ErrConfiguration, err.Error())
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Data.Dataset != "", "data.dataset is required")
	check(c.Data.DataPath != "", "data.data_path is required")
	check(c.Data.SampleMethod.Name == "iid" || c.Data.SampleMethod.Name == "pathological",
		"data.sample_method.name must be iid or pathological, got %q", c.Data.SampleMethod.Name)
	check(c.Data.SampleMethod.TrainNum >= 0, "data.sample_method.train_num must not be negative")
	check(c.Data.SampleMethod.TestNum >= 0, "data.sample_method.test_num must not be negative")
	if c.Data.SampleMethod.Name == "pathological" {
		check(c.Data.SampleMethod.Alpha > 0, "data.sample_method.alpha must be positive")
	}

	check(c.Learn.LocalEps >= 0, "learn.local_eps must not be negative")
	check(c.Learn.GlobalEps >= 0, "learn.global_eps must not be negative")
	check(c.Learn.BatchSize > 0, "learn.batch_size must be positive")
	check(c.Learn.Optimizer.Name != "", "learn.optimizer.name is required")
	check(c.Learn.Optimizer.LR > 0, "learn.optimizer.lr must be positive")
	check(c.Learn.Optimizer.Momentum >= 0 && c.Learn.Optimizer.Momentum < 1, "learn.optimizer.momentum must be in [0, 1)")
	check(common.ContainsString([]string{"fix", "linear", "exp", "cos"}, c.Learn.Scheduler.Name),
		"learn.scheduler.name must be one of fix, linear, exp, cos, got %q", c.Learn.Scheduler.Name)
	if c.Learn.Scheduler.Name == "linear" || c.Learn.Scheduler.Name == "cos" {
		check(c.Learn.Scheduler.DecayRound > 0, "learn.scheduler.decay_round must be positive")
	}
	check(common.ContainsString([]string{"all", "contain", "except"}, c.Learn.FinetuneParameters.Name),
		"learn.finetune_parameters.name must be one of all, contain, except, got %q", c.Learn.FinetuneParameters.Name)
	if c.Learn.FinetuneEps != nil {
		check(*c.Learn.FinetuneEps >= 0, "learn.finetune_eps must not be negative")
	}
	for _, place := range c.Learn.TestPlace {
		check(place == common.TEST_BEFORE_AGGREGATION || place == common.TEST_AFTER_AGGREGATION,
			"learn.test_place has unknown entry %q", place)
	}
	if c.Learn.Device != "" && c.Learn.Device != common.CPU_DEVICE {
		_, declared := c.Resources.Devices[c.Learn.Device]
		check(declared, "learn.device %q is not declared in resources.devices", c.Learn.Device)
	}

	check(c.Model.Name != "", "model.name is required")
	check(c.Model.ClassNumber > 1, "model.class_number must be at least 2")
	for _, dim := range c.Model.HiddenDims {
		check(dim > 0, "model.hidden_dims entries must be positive")
	}

	check(c.Client.Name != "", "client.name is required")
	check(c.Client.ClientNum > 0, "client.client_num must be positive")
	check(c.Client.SampleRate > 0 && c.Client.SampleRate <= 1, "client.sample_rate must be in (0, 1]")
	check(c.Client.ValFrac >= 0 && c.Client.ValFrac < 1, "client.val_frac must be in [0, 1)")

	check(c.Launcher.Name == SerialLauncher || c.Launcher.Name == ParallelLauncher,
		"launcher.name must be serial or parallel, got %q", c.Launcher.Name)
	check(c.Launcher.NumProc >= 0, "launcher.num_proc must not be negative")

	for name, bytes := range c.Resources.Devices {
		check(name != common.CPU_DEVICE, "resources.devices must not declare cpu")
		check(bytes > 0, "resources.devices.%s must be positive", name)
	}

	check(c.Other.TestFreq > 0, "other.test_freq must be positive")
	check(c.Other.LoggingPath != "", "other.logging_path is required")
	for _, sink := range c.Other.ResultSinks {
		check(sink == CsvSink || sink == SqliteSink, "other.result_sinks has unknown entry %q", sink)
	}

	switch c.Other.Cost.Type {
	case "":
	case "totalBudget":
		check(c.Other.Cost.BudgetMB > 0, "other.cost.budget_mb must be positive")
	case "costMin":
		check(c.Other.Cost.TargetAccuracy > 0 && c.Other.Cost.TargetAccuracy <= 1, "other.cost.target_accuracy must be in (0, 1]")
		check(common.ContainsString(c.Learn.TestPlace, common.TEST_AFTER_AGGREGATION),
			"other.cost.type costMin needs after_aggregation in learn.test_place")
	default:
		check(false, "other.cost.type must be totalBudget or costMin, got %q", c.Other.Cost.Type)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", common.ErrConfiguration, errors.Join(errs...))
	}

	return nil
}
