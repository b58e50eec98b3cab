package launcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/client"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/config"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/monitor"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/nn"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	id  int
	err error
}

func (f *fakeClient) ID() int                  { return f.id }
func (f *fakeClient) SampleNum() int           { return 1 }
func (f *fakeClient) Model() nn.Module         { return nil }
func (f *fakeClient) SetModel(model nn.Module) {}

func (f *fakeClient) Train(lr float64, opts ...client.Option) (monitor.Variables, error) {
	// Later clients finish first so ordering is not an accident of timing.
	time.Sleep(time.Duration(10-f.id) * time.Millisecond)
	return monitor.Variables{common.TRAIN_ACC: float64(f.id), common.LR_KEY: lr}, f.err
}

func (f *fakeClient) Test(opts ...client.Option) (monitor.Variables, error) {
	return monitor.Variables{common.TEST_ACC: float64(f.id)}, f.err
}

func (f *fakeClient) Finetune(lr float64, args config.FinetuneConfig, opts ...client.Option) ([]monitor.Variables, error) {
	return []monitor.Variables{{common.TEST_ACC: float64(f.id)}}, f.err
}

func fakeClients(n int) []client.FLClient {
	clients := make([]client.FLClient, n)
	for i := range clients {
		clients[i] = &fakeClient{id: i}
	}
	return clients
}

func TestNew(t *testing.T) {
	l, err := New(config.LauncherConfig{Name: config.SerialLauncher})
	require.NoError(t, err)
	assert.IsType(t, Serial{}, l)

	l, err = New(config.LauncherConfig{Name: config.ParallelLauncher, NumProc: 3})
	require.NoError(t, err)
	assert.Equal(t, Parallel{Workers: 3}, l)

	_, err = New(config.LauncherConfig{Name: "ray"})
	assert.ErrorIs(t, err, common.ErrConfiguration)
}

func TestLaunchKeepsClientOrder(t *testing.T) {
	for name, l := range map[string]Launcher{"serial": Serial{}, "parallel": Parallel{Workers: 4}} {
		t.Run(name, func(t *testing.T) {
			results, err := LaunchTrain(context.Background(), l, nil, hclog.NewNullLogger(), fakeClients(8), 0.5)
			require.NoError(t, err)

			require.Len(t, results, 8)
			for i, r := range results {
				assert.Equal(t, float64(i), r[common.TRAIN_ACC])
				assert.Equal(t, 0.5, r[common.LR_KEY])
			}
		})
	}
}

func TestParallelRespectsWorkerLimit(t *testing.T) {
	var running, peak int32
	err := Parallel{Workers: 2}.Run(context.Background(), 10, func(i int) error {
		now := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if now <= old || atomic.CompareAndSwapInt32(&peak, old, now) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak, int32(2))
}

func TestLaunchReturnsFirstError(t *testing.T) {
	boom := errors.New("boom")
	clients := fakeClients(3)
	clients[1].(*fakeClient).err = boom

	for name, l := range map[string]Launcher{"serial": Serial{}, "parallel": Parallel{}} {
		t.Run(name, func(t *testing.T) {
			_, err := LaunchTest(context.Background(), l, nil, hclog.NewNullLogger(), clients)
			assert.ErrorIs(t, err, boom)
		})
	}
}

func TestRunSkipsQueuedJobsAfterFailure(t *testing.T) {
	boom := errors.New("boom")
	for name, l := range map[string]Launcher{"serial": Serial{}, "parallel": Parallel{Workers: 1}} {
		t.Run(name, func(t *testing.T) {
			var ran int32
			err := l.Run(context.Background(), 5, func(i int) error {
				atomic.AddInt32(&ran, 1)
				return boom
			})
			assert.ErrorIs(t, err, boom)
			assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
		})
	}
}

func TestRunSkipsJobsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for name, l := range map[string]Launcher{"serial": Serial{}, "parallel": Parallel{Workers: 2}} {
		t.Run(name, func(t *testing.T) {
			var ran int32
			err := l.Run(ctx, 4, func(i int) error {
				atomic.AddInt32(&ran, 1)
				return nil
			})
			assert.ErrorIs(t, err, context.Canceled)
			assert.Zero(t, atomic.LoadInt32(&ran))
		})
	}
}

func TestMetricsRecordTasks(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	clients := fakeClients(3)
	_, err = LaunchFinetune(context.Background(), Serial{}, m, hclog.NewNullLogger(), clients, 0.1, config.FinetuneConfig{Name: "all"})
	require.NoError(t, err)

	clients[2].(*fakeClient).err = errors.New("boom")
	_, err = LaunchFinetune(context.Background(), Serial{}, m, hclog.NewNullLogger(), clients, 0.1, config.FinetuneConfig{Name: "all"})
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues(common.TASK_FINETUNE)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.running.WithLabelValues(common.TASK_FINETUNE)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))

	_, err = NewMetrics(reg)
	assert.Error(t, err)
}
