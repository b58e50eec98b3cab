package launcher

import (
	"context"
	"fmt"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/client"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/config"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/monitor"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
)

// Launcher runs one job per index and returns the first error.
type Launcher interface {
	Run(ctx context.Context, n int, job func(i int) error) error
}

type Serial struct{}

func (Serial) Run(ctx context.Context, n int, job func(i int) error) error {
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := job(i); err != nil {
			return err
		}
	}
	return nil
}

// Parallel runs up to Workers jobs at once. Jobs must not share a model: every
// client owns its replica.
type Parallel struct {
	Workers int
}

func (p Parallel) Run(ctx context.Context, n int, job func(i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	if p.Workers > 0 {
		g.SetLimit(p.Workers)
	}

	// queued jobs are skipped once a job fails or ctx is done
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return job(i)
		})
	}

	return g.Wait()
}

func New(cfg config.LauncherConfig) (Launcher, error) {
	switch cfg.Name {
	case config.SerialLauncher, "":
		return Serial{}, nil
	case config.ParallelLauncher:
		return Parallel{Workers: cfg.NumProc}, nil
	default:
		return nil, fmt.Errorf("%w: unknown launcher %q", common.ErrConfiguration, cfg.Name)
	}
}

// Launch runs task on every client and returns the results in client order.
func Launch[T any](ctx context.Context, l Launcher, m *Metrics, logger hclog.Logger, task string,
	clients []client.FLClient, fn func(c client.FLClient) (T, error)) ([]T, error) {
	results := make([]T, len(clients))

	err := l.Run(ctx, len(clients), func(i int) error {
		done := m.start(task)
		result, err := fn(clients[i])
		done(err)
		if err != nil {
			logger.Error("Client task failed", "task", task, "client", clients[i].ID(), "error", err)
			return err
		}
		results[i] = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	return results, nil
}

// LaunchTrain trains every client with the same learning rate.
func LaunchTrain(ctx context.Context, l Launcher, m *Metrics, logger hclog.Logger, clients []client.FLClient,
	lr float64) ([]monitor.Variables, error) {
	return Launch(ctx, l, m, logger, common.TASK_TRAIN, clients, func(c client.FLClient) (monitor.Variables, error) {
		return c.Train(lr)
	})
}

func LaunchTest(ctx context.Context, l Launcher, m *Metrics, logger hclog.Logger,
	clients []client.FLClient) ([]monitor.Variables, error) {
	return Launch(ctx, l, m, logger, common.TASK_TEST, clients, func(c client.FLClient) (monitor.Variables, error) {
		return c.Test()
	})
}

func LaunchFinetune(ctx context.Context, l Launcher, m *Metrics, logger hclog.Logger, clients []client.FLClient,
	lr float64, args config.FinetuneConfig) ([][]monitor.Variables, error) {
	return Launch(ctx, l, m, logger, common.TASK_FINETUNE, clients, func(c client.FLClient) ([]monitor.Variables, error) {
		return c.Finetune(lr, args)
	})
}
