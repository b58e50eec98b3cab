package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/checkpoint"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/client"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/config"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/cost"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/dataset"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/device"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/events"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/launcher"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/model"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/monitor"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/nn"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/performance"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/results"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// Convergence of the test accuracy curve
const CONVERGENCE_THRESHOLD = 0.01
const CONVERGENCE_PATIENCE = 5
const CONVERGENCE_WINDOW = 3

// Resolver holds the registries configuration names are looked up in.
type Resolver struct {
	Datasets dataset.Registry
	Clients  client.Registry
	Models   nn.Registry
}

func DefaultResolver() Resolver {
	return Resolver{
		Datasets: dataset.NewRegistry(),
		Clients:  client.NewRegistry(),
		Models:   nn.NewRegistry(),
	}
}

// Aggregator exchanges parameters between the participants of a round and
// returns the number of bytes it moved.
type Aggregator interface {
	Aggregate(round int, participants []client.FLClient) (float64, error)
}

type Option func(*Pipeline)

func WithLogger(logger hclog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

func WithEventBus(eventBus *events.EventBus) Option {
	return func(p *Pipeline) {
		p.eventBus = eventBus
	}
}

func WithRunId(runId string) Option {
	return func(p *Pipeline) {
		p.runId = runId
	}
}

func WithSeed(seed int64) Option {
	return func(p *Pipeline) {
		p.seed = seed
	}
}

func WithAggregator(aggregator Aggregator) Option {
	return func(p *Pipeline) {
		p.aggregator = aggregator
	}
}

func WithMetrics(metrics *launcher.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = metrics
	}
}

// WithRecorder replaces the sinks named in other.result_sinks. The caller keeps
// ownership and closes it.
func WithRecorder(recorder results.Recorder) Option {
	return func(p *Pipeline) {
		p.recorder = recorder
	}
}

// Pipeline runs one personalized federated experiment: every client keeps its
// own model, trains it for global_eps rounds and finetunes it at the end.
type Pipeline struct {
	cfg        *config.Config
	resolver   Resolver
	logger     hclog.Logger
	eventBus   *events.EventBus
	runId      string
	seed       int64
	aggregator Aggregator
	metrics    *launcher.Metrics
	recorder   results.Recorder

	launcher  launcher.Launcher
	scheduler *LRScheduler

	mu      sync.RWMutex
	started bool
	status  model.Experiment
}

// run is the state of one Run call.
type run struct {
	recorder     results.Recorder
	clients      []client.FLClient
	rng          *rand.Rand
	tracker      *cost.Tracker
	modelSize    float64
	testedRounds []int
	exitMessage  string
}

func New(cfg *config.Config, resolver Resolver, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: pipeline needs a config", common.ErrConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l, err := launcher.New(cfg.Launcher)
	if err != nil {
		return nil, err
	}
	scheduler, err := NewLRScheduler(cfg.Learn.Optimizer.LR, cfg.Learn.Scheduler)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:       cfg,
		resolver:  resolver,
		logger:    hclog.NewNullLogger(),
		runId:     uuid.New().String(),
		launcher:  l,
		scheduler: scheduler,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("pipeline")

	p.status = model.Experiment{
		RunId:        p.runId,
		State:        common.EXPERIMENT_CREATED,
		Dataset:      cfg.Data.Dataset,
		Model:        cfg.Model.Name,
		Seed:         p.seed,
		GlobalRounds: cfg.Learn.GlobalEps,
	}

	return p, nil
}

func (p *Pipeline) RunId() string {
	return p.runId
}

// Status is a snapshot that is safe to read while Run is in progress.
func (p *Pipeline) Status() model.Experiment {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.status.Copy()
}

func (p *Pipeline) update(fn func(e *model.Experiment)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fn(&p.status)
}

// Run executes the experiment to completion. Cancelling ctx stops it between
// rounds; a client task in flight always finishes first. Run may be called once.
func (p *Pipeline) Run(ctx context.Context) (err error) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("%w: experiment %s was already started", common.ErrConfiguration, p.runId)
	}
	p.started = true
	p.status.State = common.EXPERIMENT_RUNNING
	p.status.StartedAt = time.Now()
	p.mu.Unlock()

	p.logger.Info(fmt.Sprintf("Starting experiment %s", p.runId), "dataset", p.cfg.Data.Dataset,
		"model", p.cfg.Model.Name, "clients", p.cfg.Client.ClientNum, "seed", p.seed)

	r := &run{
		rng:     rand.New(rand.NewSource(p.seed)),
		tracker: cost.NewTracker(p.cfg.Other.Cost),
	}
	defer func() { p.finish(r, err) }()

	r.recorder = p.recorder
	if r.recorder == nil {
		recorder, openErr := results.Open(p.cfg.Other)
		if openErr != nil {
			return openErr
		}
		r.recorder = recorder
		defer func() {
			if closeErr := recorder.Close(); closeErr != nil && err == nil {
				err = fmt.Errorf("close results: %w", closeErr)
			}
		}()
	}

	if err := p.setup(ctx, r); err != nil {
		return err
	}

	lr := p.scheduler.LR(0)
	for i := 0; i < p.cfg.Learn.GlobalEps; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lr = p.scheduler.LR(i)
		stop, err := p.round(ctx, r, i, lr)
		if err != nil {
			return err
		}
		if stop {
			break
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	return p.finetune(ctx, r, lr)
}

// setup loads both splits, shards them and builds one client per shard, each
// with its own replica of the same initial model.
func (p *Pipeline) setup(ctx context.Context, r *run) error {
	trainSet, err := p.resolver.Datasets.Build(ctx, p.cfg.Data, true, p.seed, p.logger)
	if err != nil {
		return err
	}
	testSet, err := p.resolver.Datasets.Build(ctx, p.cfg.Data, false, p.seed, p.logger)
	if err != nil {
		return err
	}
	if p.cfg.Model.ClassNumber < trainSet.Classes() {
		return fmt.Errorf("%w: model.class_number %d is smaller than the %d classes of %s", common.ErrConfiguration,
			p.cfg.Model.ClassNumber, trainSet.Classes(), p.cfg.Data.Dataset)
	}

	clientNum := p.cfg.Client.ClientNum
	method := p.cfg.Data.SampleMethod
	trainSets, err := dataset.Sample(trainSet, clientNum, method, method.TrainNum, p.seed)
	if err != nil {
		return fmt.Errorf("sample train set: %w", err)
	}
	testSets, err := dataset.Sample(testSet, clientNum, method, method.TestNum, p.seed)
	if err != nil {
		return fmt.Errorf("sample test set: %w", err)
	}

	pool := device.NewPool(p.cfg.Resources.Devices)
	initial, err := p.resolver.Models.Build(p.cfg.Model, trainSet.Shape().Size(), nn.WithPool(pool), nn.WithSeed(p.seed))
	if err != nil {
		return err
	}
	if path := p.cfg.Model.Checkpoint; path != "" {
		if err := p.warmStart(path, initial); err != nil {
			return err
		}
	}
	r.modelSize = cost.GetModelSize(initial)
	p.logger.Info(fmt.Sprintf("Model %s has %d parameters", p.cfg.Model.Name, nn.NumParameters(initial)),
		"transferMB", r.modelSize/1e6)

	r.clients = make([]client.FLClient, clientNum)
	entities := make([]model.Client, clientNum)
	for i := range r.clients {
		replica, err := initial.Clone()
		if err != nil {
			return err
		}

		c, err := p.resolver.Clients.Build(client.Params{
			Config: p.cfg,
			ID:     i,
			Train:  trainSets[i],
			Test:   testSets[i],
			Model:  replica,
			Logger: p.logger,
			Seed:   p.seed + int64(i),
		})
		if err != nil {
			return err
		}

		r.clients[i] = c
		entities[i] = model.Client{Id: i, SampleNum: c.SampleNum(), Device: p.cfg.Learn.Device}
	}

	p.update(func(e *model.Experiment) {
		e.Clients = entities
	})

	return nil
}

// round runs one global round and reports whether the cost model asked to stop.
func (p *Pipeline) round(ctx context.Context, r *run, i int, lr float64) (bool, error) {
	p.logger.Info(fmt.Sprintf("Starting round: %d", i), "lr", lr)

	ids := SampleClients(len(r.clients), p.cfg.Client.SampleRate, r.rng)
	participants := make([]client.FLClient, len(ids))
	for j, id := range ids {
		participants[j] = r.clients[id]
	}

	trainResults, err := launcher.LaunchTrain(ctx, p.launcher, p.metrics, p.logger, participants, lr)
	if err != nil {
		return false, fmt.Errorf("round %d: %w", i, err)
	}

	testRound := i%p.cfg.Other.TestFreq == 0
	if testRound && common.ContainsString(p.cfg.Learn.TestPlace, common.TEST_BEFORE_AGGREGATION) {
		if _, err := p.test(ctx, r, common.TEST_BEFORE_AGGREGATION, i); err != nil {
			return false, err
		}
	}

	transCost, err := p.aggregate(r, i, participants)
	if err != nil {
		return false, fmt.Errorf("round %d aggregation: %w", i, err)
	}
	totalCost := r.tracker.Add(transCost)

	meanTrain := monitor.Mean(trainResults)
	meanTrain[common.TRANS_COST_KEY] = transCost / 1e6
	meanTrain[common.LR_KEY] = lr
	if err := results.AddScalars(r.recorder, common.TRAIN_PREFIX, meanTrain, i); err != nil {
		return false, err
	}
	p.logger.Info(fmt.Sprintf("Round %d train: %s", i, meanTrain))

	var meanTest monitor.Variables
	if testRound && common.ContainsString(p.cfg.Learn.TestPlace, common.TEST_AFTER_AGGREGATION) {
		meanTest, err = p.test(ctx, r, common.TEST_AFTER_AGGREGATION, i)
		if err != nil {
			return false, err
		}
		if err := p.saveCheckpoints(r, i); err != nil {
			return false, err
		}
	}

	accuracy := -1.0
	if acc, found := meanTest[common.TEST_ACC]; found {
		accuracy = acc
		r.testedRounds = append(r.testedRounds, i)
	}
	p.updateProgress(r, i, meanTrain, meanTest, totalCost)

	p.eventBus.Publish(events.NewRoundFinishedEvent(events.RoundFinishedEvent{
		RunId:     p.runId,
		Round:     i,
		Train:     meanTrain,
		Test:      meanTest,
		TransCost: transCost / 1e6,
	}))

	stop, message := r.tracker.ShouldStop(accuracy)
	if stop {
		p.logger.Info(message, "round", i)
		r.exitMessage = message
	}

	return stop, nil
}

// test runs every client's local test and records the mean under "<place>_test".
func (p *Pipeline) test(ctx context.Context, r *run, place string, i int) (monitor.Variables, error) {
	testResults, err := launcher.LaunchTest(ctx, p.launcher, p.metrics, p.logger, r.clients)
	if err != nil {
		return nil, fmt.Errorf("round %d %s test: %w", i, place, err)
	}

	meanTest := monitor.Mean(testResults)
	if err := results.AddScalars(r.recorder, place+common.TEST_SUFFIX, meanTest, i); err != nil {
		return nil, err
	}
	p.logger.Info(fmt.Sprintf("Round %d %s test: %s", i, place, meanTest))

	return meanTest, nil
}

// aggregate defaults to a full model download and upload per participant when
// no Aggregator is injected.
func (p *Pipeline) aggregate(r *run, i int, participants []client.FLClient) (float64, error) {
	if p.aggregator != nil {
		return p.aggregator.Aggregate(i, participants)
	}
	return cost.GetGlobalRoundCost(r.modelSize, len(participants)), nil
}

func (p *Pipeline) saveCheckpoints(r *run, i int) error {
	dir := filepath.Join(p.cfg.Other.LoggingPath, common.CHECKPOINT_DIR)
	for _, c := range r.clients {
		if err := checkpoint.Save(checkpoint.ClientPath(dir, c.ID()), c.Model(), i); err != nil {
			return fmt.Errorf("checkpoint client %d: %w", c.ID(), err)
		}
	}
	return nil
}

func (p *Pipeline) updateProgress(r *run, i int, meanTrain, meanTest monitor.Variables, totalCost float64) {
	p.update(func(e *model.Experiment) {
		e.Round = i + 1
		e.Progress.LastTrain = meanTrain
		e.Progress.TotalTransCost = totalCost

		acc, found := meanTest[common.TEST_ACC]
		if !found {
			return
		}
		e.Progress.LastTest = meanTest
		e.Progress.Accuracies = append(e.Progress.Accuracies, acc)
		e.Progress.Losses = append(e.Progress.Losses, meanTest[common.TEST_LOSS])

		e.Progress.AccuracyHasConverged = common.HasConverged(e.Progress.Accuracies, CONVERGENCE_THRESHOLD,
			CONVERGENCE_PATIENCE, CONVERGENCE_WINDOW)
		if e.Progress.AccuracyHasConverged {
			p.logger.Info("Accuracy has converged!", "round", i)
		}

		pp, err := performance.NewPerformancePrediction(r.testedRounds, e.Progress.Accuracies, e.Progress.Losses,
			performance.LogarithmicRegression_PredictionType)
		if err != nil {
			p.logger.Debug("No performance prediction yet", "round", i, "reason", err.Error())
			return
		}
		e.Progress.PredictedFinalAccuracy = pp.PredictAccuracy(p.cfg.Learn.GlobalEps - 1)
		e.Progress.PredictedFinalLoss = pp.PredictLoss(p.cfg.Learn.GlobalEps - 1)
		if target := p.cfg.Other.Cost.TargetAccuracy; target > 0 {
			e.Progress.PredictedTargetRound = pp.PredictRoundForAccuracy(target)
		}
	})
}

// warmStart loads the weights every client starts from.
func (p *Pipeline) warmStart(path string, initial nn.Module) error {
	round, err := checkpoint.Load(path, initial)
	if err != nil {
		return fmt.Errorf("warm start: %w", err)
	}
	p.logger.Info(fmt.Sprintf("Warm start from %s", path), "round", round)
	return nil
}

// finetune finetunes every client and records, per epoch, the mean of each key
// across clients.
func (p *Pipeline) finetune(ctx context.Context, r *run, lr float64) error {
	finetuneResults, err := launcher.LaunchFinetune(ctx, p.launcher, p.metrics, p.logger, r.clients, lr,
		p.cfg.Learn.FinetuneParameters)
	if err != nil {
		return fmt.Errorf("finetune: %w", err)
	}
	if len(finetuneResults) == 0 {
		return nil
	}

	for epoch := range finetuneResults[0] {
		perClient := make([]monitor.Variables, 0, len(finetuneResults))
		for _, info := range finetuneResults {
			if epoch < len(info) {
				perClient = append(perClient, info[epoch])
			}
		}

		mean := monitor.Mean(perClient)
		if err := results.AddScalars(r.recorder, common.FINETUNE_PREFIX, mean, epoch); err != nil {
			return err
		}
		p.logger.Info(fmt.Sprintf("Finetune epoch %d: %s", epoch, mean))
	}

	return nil
}

func (p *Pipeline) finish(r *run, err error) {
	state, exitCode, message := common.EXPERIMENT_FINISHED, int32(0), "experiment finished"
	if r.exitMessage != "" {
		message = r.exitMessage
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		state, exitCode, message = common.EXPERIMENT_STOPPED, 2, "experiment stopped"
	case err != nil:
		state, exitCode, message = common.EXPERIMENT_FAILED, 1, err.Error()
	}

	p.update(func(e *model.Experiment) {
		e.State = state
		e.FinishedAt = time.Now()
		if err != nil {
			e.Error = err.Error()
		}
	})

	if err != nil && exitCode == 1 {
		p.logger.Error(fmt.Sprintf("Experiment %s failed", p.runId), "error", err)
	} else {
		p.logger.Info(fmt.Sprintf("Experiment %s: %s", p.runId, message))
	}

	p.eventBus.Publish(events.NewExperimentFinishedEvent(events.ExperimentFinishedEvent{
		RunId:       p.runId,
		ExitCode:    exitCode,
		ExitMessage: message,
	}))
}
