package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/checkpoint"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/client"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/config"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/dataset"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/events"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/monitor"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/nn"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/results"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryRecorder struct {
	mu      sync.Mutex
	scalars []results.Scalar
}

func (m *memoryRecorder) AddScalar(tag string, value float64, round int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.scalars = append(m.scalars, results.Scalar{Round: round, Tag: tag, Value: value})
	return nil
}

func (m *memoryRecorder) Close() error { return nil }

func (m *memoryRecorder) rounds(tag string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rounds []int
	for _, s := range m.scalars {
		if s.Tag == tag {
			rounds = append(rounds, s.Round)
		}
	}
	sort.Ints(rounds)
	return rounds
}

func (m *memoryRecorder) value(tag string, round int) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.scalars {
		if s.Tag == tag && s.Round == round {
			return s.Value, true
		}
	}
	return 0, false
}

type countingAggregator struct {
	participants []int
}

func (a *countingAggregator) Aggregate(round int, participants []client.FLClient) (float64, error) {
	a.participants = append(a.participants, len(participants))
	return 2e6, nil
}

// toySource is a separable two-class dataset of 1x2x2 images in [0, 255].
func toySource(n int) *dataset.MemorySource {
	source := dataset.NewMemorySource(dataset.Shape{Channels: 1, Height: 2, Width: 2}, 2)
	for i := 0; i < n; i++ {
		label := i % 2
		high := float64(55 + 200*label)
		low := 255 - high
		_ = source.Add([]float64{high, low, high, float64(i % 255)}, label)
	}
	return source
}

func toyResolver() Resolver {
	resolver := DefaultResolver()
	resolver.Datasets["toy"] = dataset.Entry{
		Load: func(ctx context.Context, dir string, train bool, fetcher dataset.Fetcher, logger hclog.Logger) (dataset.Source, error) {
			if train {
				return toySource(160), nil
			}
			return toySource(80), nil
		},
		Mean: []float64{0.5},
		Std:  []float64{0.5},
	}
	return resolver
}

func toyConfig(t *testing.T) *config.Config {
	t.Helper()

	finetuneEps := 2
	cfg := config.Default()
	cfg.Data = config.DataConfig{
		Dataset:      "toy",
		DataPath:     t.TempDir(),
		SampleMethod: config.SampleMethodConfig{Name: dataset.IID},
	}
	cfg.Learn.LocalEps = 1
	cfg.Learn.GlobalEps = 3
	cfg.Learn.BatchSize = 8
	cfg.Learn.Optimizer = config.OptimizerConfig{Name: "sgd", LR: 0.1, Momentum: 0.9}
	cfg.Learn.FinetuneEps = &finetuneEps
	cfg.Learn.TestPlace = []string{common.TEST_BEFORE_AGGREGATION, common.TEST_AFTER_AGGREGATION}
	cfg.Model = config.ModelConfig{Name: "mlp", HiddenDims: []int{8}, ClassNumber: 2}
	cfg.Client.ClientNum = 4
	cfg.Other.TestFreq = 1
	cfg.Other.LoggingPath = t.TempDir()
	require.NoError(t, cfg.Validate())
	return cfg
}

func subscribe(bus *events.EventBus, eventType string) chan events.Event {
	ch := make(chan events.Event, 16)
	bus.Subscribe(eventType, ch)
	return ch
}

func TestRunRecordsEveryRound(t *testing.T) {
	cfg := toyConfig(t)
	recorder := &memoryRecorder{}
	bus := events.NewEventBus()
	rounds := subscribe(bus, common.ROUND_FINISHED_EVENT_TYPE)
	finished := subscribe(bus, common.EXPERIMENT_FINISHED_EVENT_TYPE)

	p, err := New(cfg, toyResolver(), WithRecorder(recorder), WithEventBus(bus), WithSeed(7), WithRunId("run-1"))
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	all := []int{0, 1, 2}
	assert.Equal(t, all, recorder.rounds("train/"+common.TRAIN_ACC))
	assert.Equal(t, all, recorder.rounds("train/"+common.LR_KEY))
	assert.Equal(t, all, recorder.rounds("train/"+common.TRANS_COST_KEY))
	assert.Equal(t, all, recorder.rounds("before_aggregation_test/"+common.TEST_ACC))
	assert.Equal(t, all, recorder.rounds("after_aggregation_test/"+common.TEST_LOSS))
	assert.Equal(t, []int{0, 1}, recorder.rounds("finetune/"+common.TRAIN_LOSS))
	assert.Equal(t, []int{0, 1}, recorder.rounds("finetune/"+common.TEST_ACC))

	lr, _ := recorder.value("train/"+common.LR_KEY, 2)
	assert.Equal(t, 0.1, lr)

	// 58 parameters as float32, down and up, for 4 participants
	transCost, _ := recorder.value("train/"+common.TRANS_COST_KEY, 0)
	assert.InDelta(t, 2*58*4*4/1e6, transCost, 1e-12)

	status := p.Status()
	assert.Equal(t, "run-1", status.RunId)
	assert.Equal(t, common.EXPERIMENT_FINISHED, status.State)
	assert.Equal(t, 3, status.Round)
	assert.Len(t, status.Progress.Accuracies, 3)
	assert.Len(t, status.Clients, 4)
	assert.False(t, status.Running())
	assert.InDelta(t, 3*transCost, status.Progress.TotalTransCost, 1e-12)

	require.Len(t, rounds, 3)
	first := (<-rounds).Data.(events.RoundFinishedEvent)
	assert.Equal(t, 0, first.Round)
	assert.Contains(t, first.Test, common.TEST_ACC)

	require.Len(t, finished, 1)
	done := (<-finished).Data.(events.ExperimentFinishedEvent)
	assert.Equal(t, "run-1", done.RunId)
	assert.Equal(t, int32(0), done.ExitCode)
}

func TestRunLearnsToySeparation(t *testing.T) {
	cfg := toyConfig(t)
	cfg.Learn.GlobalEps = 6
	cfg.Learn.LocalEps = 2
	recorder := &memoryRecorder{}

	p, err := New(cfg, toyResolver(), WithRecorder(recorder))
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	accuracy, found := recorder.value("after_aggregation_test/"+common.TEST_ACC, 5)
	require.True(t, found)
	assert.Greater(t, accuracy, 0.9)
}

func TestRunTestsEveryTestFreqRounds(t *testing.T) {
	cfg := toyConfig(t)
	cfg.Learn.GlobalEps = 5
	cfg.Other.TestFreq = 2
	cfg.Learn.TestPlace = []string{common.TEST_AFTER_AGGREGATION}
	recorder := &memoryRecorder{}

	p, err := New(cfg, toyResolver(), WithRecorder(recorder))
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, []int{0, 2, 4}, recorder.rounds("after_aggregation_test/"+common.TEST_ACC))
	assert.Empty(t, recorder.rounds("before_aggregation_test/"+common.TEST_ACC))
	assert.Len(t, p.Status().Progress.Accuracies, 3)
}

func TestRunWritesResultsAndCheckpoints(t *testing.T) {
	cfg := toyConfig(t)
	cfg.Other.ResultSinks = []string{config.CsvSink, config.SqliteSink}

	p, err := New(cfg, toyResolver())
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	assert.FileExists(t, filepath.Join(cfg.Other.LoggingPath, common.RESULTS_CSV_FILE))

	db, err := results.NewSQLiteRecorder(filepath.Join(cfg.Other.LoggingPath, common.RESULTS_DB_FILE))
	require.NoError(t, err)
	defer db.Close()
	scalars, err := db.Scalars("train/" + common.TRAIN_ACC)
	require.NoError(t, err)
	assert.Len(t, scalars, 3)

	dir := filepath.Join(cfg.Other.LoggingPath, common.CHECKPOINT_DIR)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 4)

	restored, err := nn.NewMLP(4, []int{8}, 2)
	require.NoError(t, err)
	round, err := checkpoint.Load(checkpoint.ClientPath(dir, 0), restored)
	require.NoError(t, err)
	assert.Equal(t, 2, round)
}

func TestWarmStartLoadsCheckpoint(t *testing.T) {
	cfg := toyConfig(t)
	p, err := New(cfg, toyResolver())
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))
	path := checkpoint.ClientPath(filepath.Join(cfg.Other.LoggingPath, common.CHECKPOINT_DIR), 0)

	saved, err := nn.NewMLP(4, []int{8}, 2)
	require.NoError(t, err)
	_, err = checkpoint.Load(path, saved)
	require.NoError(t, err)

	fresh, err := nn.NewMLP(4, []int{8}, 2, nn.WithSeed(99))
	require.NoError(t, err)
	require.NoError(t, p.warmStart(path, fresh))
	want := saved.StateDict()
	for name, tensor := range fresh.StateDict() {
		assert.Equal(t, want[name].RawMatrix().Data, tensor.RawMatrix().Data, name)
	}

	warm := toyConfig(t)
	warm.Model.Checkpoint = path
	p, err = New(warm, toyResolver())
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, common.EXPERIMENT_FINISHED, p.Status().State)

	missing := toyConfig(t)
	missing.Model.Checkpoint = filepath.Join(t.TempDir(), "absent.ckpt")
	p, err = New(missing, toyResolver())
	require.NoError(t, err)
	assert.Error(t, p.Run(context.Background()))
}

func TestUpdateProgressPredictsLossAndTargetRound(t *testing.T) {
	cfg := toyConfig(t)
	cfg.Learn.GlobalEps = 10
	cfg.Other.Cost = config.CostConfig{Type: "costMin", TargetAccuracy: 0.9}
	p, err := New(cfg, toyResolver())
	require.NoError(t, err)

	r := &run{}
	accuracies := []float64{0.5, 0.6, 0.65}
	losses := []float64{1.0, 0.8, 0.7}
	for i := range accuracies {
		r.testedRounds = append(r.testedRounds, i)
		p.updateProgress(r, i, monitor.Variables{},
			monitor.Variables{common.TEST_ACC: accuracies[i], common.TEST_LOSS: losses[i]}, 0)
	}

	progress := p.Status().Progress
	assert.Greater(t, progress.PredictedFinalAccuracy, 0.65)
	assert.LessOrEqual(t, progress.PredictedFinalAccuracy, 1.0)
	assert.Greater(t, progress.PredictedFinalLoss, 0.0)
	assert.Less(t, progress.PredictedFinalLoss, 0.7)
	assert.Greater(t, progress.PredictedTargetRound, 2)
}

func TestRunIsDeterministicForASeed(t *testing.T) {
	run := func() float64 {
		recorder := &memoryRecorder{}
		p, err := New(toyConfig(t), toyResolver(), WithRecorder(recorder), WithSeed(3))
		require.NoError(t, err)
		require.NoError(t, p.Run(context.Background()))

		loss, found := recorder.value("after_aggregation_test/"+common.TEST_LOSS, 2)
		require.True(t, found)
		return loss
	}

	assert.Equal(t, run(), run())
}

func TestRunSamplesParticipants(t *testing.T) {
	cfg := toyConfig(t)
	cfg.Client.SampleRate = 0.5
	recorder := &memoryRecorder{}
	aggregator := &countingAggregator{}

	p, err := New(cfg, toyResolver(), WithRecorder(recorder), WithAggregator(aggregator))
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, []int{2, 2, 2}, aggregator.participants)
	transCost, _ := recorder.value("train/"+common.TRANS_COST_KEY, 1)
	assert.Equal(t, 2.0, transCost)
}

func TestRunStopsWhenBudgetIsSpent(t *testing.T) {
	cfg := toyConfig(t)
	cfg.Other.Cost = config.CostConfig{Type: "totalBudget", BudgetMB: 0.001}
	recorder := &memoryRecorder{}
	bus := events.NewEventBus()
	finished := subscribe(bus, common.EXPERIMENT_FINISHED_EVENT_TYPE)

	p, err := New(cfg, toyResolver(), WithRecorder(recorder), WithEventBus(bus))
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, []int{0}, recorder.rounds("train/"+common.TRAIN_ACC))
	assert.Equal(t, []int{0, 1}, recorder.rounds("finetune/"+common.TEST_ACC))
	assert.Equal(t, common.EXPERIMENT_FINISHED, p.Status().State)

	done := (<-finished).Data.(events.ExperimentFinishedEvent)
	assert.Contains(t, done.ExitMessage, "Budget exceeded")
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	recorder := &memoryRecorder{}
	p, err := New(toyConfig(t), toyResolver(), WithRecorder(recorder))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = p.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, common.EXPERIMENT_STOPPED, p.Status().State)
	assert.Empty(t, recorder.rounds("train/"+common.TRAIN_ACC))
	assert.Empty(t, recorder.rounds("finetune/"+common.TRAIN_ACC))
}

func TestRunFailsOnUnknownDataset(t *testing.T) {
	cfg := toyConfig(t)
	cfg.Data.Dataset = "imagenet"
	bus := events.NewEventBus()
	finished := subscribe(bus, common.EXPERIMENT_FINISHED_EVENT_TYPE)

	p, err := New(cfg, toyResolver(), WithRecorder(&memoryRecorder{}), WithEventBus(bus))
	require.NoError(t, err)

	err = p.Run(context.Background())
	assert.ErrorIs(t, err, common.ErrConfiguration)

	status := p.Status()
	assert.Equal(t, common.EXPERIMENT_FAILED, status.State)
	assert.NotEmpty(t, status.Error)

	done := (<-finished).Data.(events.ExperimentFinishedEvent)
	assert.Equal(t, int32(1), done.ExitCode)
}

func TestRunRejectsTooFewClasses(t *testing.T) {
	cfg := toyConfig(t)
	resolver := toyResolver()
	resolver.Datasets["toy3"] = dataset.Entry{
		Load: func(ctx context.Context, dir string, train bool, fetcher dataset.Fetcher, logger hclog.Logger) (dataset.Source, error) {
			return dataset.NewMemorySource(dataset.Shape{Channels: 1, Height: 2, Width: 2}, 3), nil
		},
		Mean: []float64{0},
		Std:  []float64{1},
	}
	cfg.Data.Dataset = "toy3"

	p, err := New(cfg, resolver, WithRecorder(&memoryRecorder{}))
	require.NoError(t, err)
	assert.ErrorIs(t, p.Run(context.Background()), common.ErrConfiguration)
}

func TestRunOnlyOnce(t *testing.T) {
	p, err := New(toyConfig(t), toyResolver(), WithRecorder(&memoryRecorder{}))
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	assert.ErrorIs(t, p.Run(context.Background()), common.ErrConfiguration)
	assert.Equal(t, common.EXPERIMENT_FINISHED, p.Status().State)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(nil, toyResolver())
	assert.ErrorIs(t, err, common.ErrConfiguration)

	cfg := toyConfig(t)
	cfg.Learn.BatchSize = 0
	_, err = New(cfg, toyResolver())
	assert.ErrorIs(t, err, common.ErrConfiguration)
}

func TestStatusBeforeRun(t *testing.T) {
	p, err := New(toyConfig(t), toyResolver(), WithSeed(9))
	require.NoError(t, err)

	status := p.Status()
	assert.Equal(t, common.EXPERIMENT_CREATED, status.State)
	assert.Equal(t, p.RunId(), status.RunId)
	assert.NotEmpty(t, status.RunId)
	assert.Equal(t, int64(9), status.Seed)
	assert.Equal(t, 3, status.GlobalRounds)
}
