package server

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/config"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/events"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/launcher"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/model"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/pipeline"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
)

type experiment struct {
	pipeline *pipeline.Pipeline
	cancel   context.CancelFunc
}

// Handler serves the experiment API. Every experiment runs its pipeline in its
// own goroutine and writes under <other.logging_path>/<runId>.
type Handler struct {
	logger        hclog.Logger
	eventBus      *events.EventBus
	resolver      pipeline.Resolver
	metrics       *launcher.Metrics
	cronScheduler *cron.Cron

	mu          sync.RWMutex
	experiments map[string]*experiment
	running     sync.WaitGroup
}

func NewHandler(logger hclog.Logger, eventBus *events.EventBus, resolver pipeline.Resolver,
	metrics *launcher.Metrics) *Handler {
	handler := &Handler{
		logger:        logger,
		eventBus:      eventBus,
		resolver:      resolver,
		metrics:       metrics,
		cronScheduler: cron.New(cron.WithSeconds()),
		experiments:   map[string]*experiment{},
	}

	roundFinishedChan := make(chan events.Event)
	eventBus.Subscribe(common.ROUND_FINISHED_EVENT_TYPE, roundFinishedChan)
	go handler.roundFinishedHandler(roundFinishedChan)

	experimentFinishedChan := make(chan events.Event)
	eventBus.Subscribe(common.EXPERIMENT_FINISHED_EVENT_TYPE, experimentFinishedChan)
	go handler.experimentFinishedHandler(experimentFinishedChan)

	return handler
}

// NewRouter wires the experiment API and the prometheus endpoint.
func NewRouter(handler *Handler, gatherer prometheus.Gatherer) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/experiments", handler.StartExperiment).Methods(http.MethodPost)
	router.HandleFunc("/experiments", handler.ListExperiments).Methods(http.MethodGet)
	router.HandleFunc("/experiments/{runId}", handler.GetExperiment).Methods(http.MethodGet)
	router.HandleFunc("/experiments/{runId}/stop", handler.StopExperiment).Methods(http.MethodPost)
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return router
}

// StartExperiment takes a YAML or JSON configuration body and an optional
// ?seed= query parameter and answers with the run id.
func (handler *Handler) StartExperiment(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Add("Content-Type", "application/json")

	var seed int64
	if s := r.URL.Query().Get("seed"); s != "" {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			toJSON(ErrorResponse{Message: fmt.Sprintf("invalid seed %q", s)}, rw)
			return
		}
		seed = parsed
	}

	cfg, err := config.Parse(r.Body)
	if err != nil {
		handler.logger.Error("error starting experiment", "error", err)
		rw.WriteHeader(http.StatusBadRequest)
		toJSON(ErrorResponse{Message: err.Error()}, rw)
		return
	}

	runId := uuid.New().String()
	cfg.Other.LoggingPath = filepath.Join(cfg.Other.LoggingPath, runId)

	p, err := pipeline.New(cfg, handler.resolver,
		pipeline.WithLogger(handler.logger),
		pipeline.WithEventBus(handler.eventBus),
		pipeline.WithRunId(runId),
		pipeline.WithSeed(seed),
		pipeline.WithMetrics(handler.metrics),
	)
	if err != nil {
		handler.logger.Error("error starting experiment", "error", err)
		rw.WriteHeader(http.StatusBadRequest)
		toJSON(ErrorResponse{Message: err.Error()}, rw)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	handler.mu.Lock()
	handler.experiments[runId] = &experiment{pipeline: p, cancel: cancel}
	handler.mu.Unlock()

	handler.logger.Info(fmt.Sprintf("Starting experiment %s with dataset %s, model %s and %d clients", runId,
		cfg.Data.Dataset, cfg.Model.Name, cfg.Client.ClientNum))

	handler.running.Add(1)
	go func() {
		defer handler.running.Done()
		defer cancel()

		// the outcome is reported through the status and the ExperimentFinished event
		_ = p.Run(ctx)
	}()

	rw.WriteHeader(http.StatusAccepted)
	toJSON(StartExperimentResponse{RunId: runId}, rw)
}

func (handler *Handler) StopExperiment(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Add("Content-Type", "application/json")

	runId := getURLParameter(r, "runId")

	handler.logger.Info(fmt.Sprintf("Stopping experiment with run ID: %s", runId))

	exp := handler.get(runId)
	if exp == nil {
		rw.WriteHeader(http.StatusNotFound)
		toJSON(ErrorResponse{Message: "no run with the given ID"}, rw)
		return
	}

	exp.cancel()
	rw.WriteHeader(http.StatusAccepted)
	toJSON(exp.pipeline.Status(), rw)
}

func (handler *Handler) GetExperiment(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Add("Content-Type", "application/json")

	exp := handler.get(getURLParameter(r, "runId"))
	if exp == nil {
		rw.WriteHeader(http.StatusNotFound)
		toJSON(ErrorResponse{Message: "no run with the given ID"}, rw)
		return
	}

	rw.WriteHeader(http.StatusOK)
	toJSON(exp.pipeline.Status(), rw)
}

func (handler *Handler) ListExperiments(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Add("Content-Type", "application/json")

	rw.WriteHeader(http.StatusOK)
	toJSON(handler.statuses(), rw)
}

// StartProgressReporter logs the progress of running experiments on a cron
// schedule such as "@every 30s".
func (handler *Handler) StartProgressReporter(spec string) error {
	if _, err := handler.cronScheduler.AddFunc(spec, handler.reportProgress); err != nil {
		return fmt.Errorf("%w: progress schedule %q: %s", common.ErrConfiguration, spec, err.Error())
	}

	handler.cronScheduler.Start()

	return nil
}

// Shutdown stops the reporter, cancels every experiment and waits for their
// pipelines to return or ctx to expire.
func (handler *Handler) Shutdown(ctx context.Context) error {
	<-handler.cronScheduler.Stop().Done()

	handler.mu.RLock()
	for _, exp := range handler.experiments {
		exp.cancel()
	}
	handler.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		handler.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every started experiment has returned.
func (handler *Handler) Wait() {
	handler.running.Wait()
}

func (handler *Handler) get(runId string) *experiment {
	handler.mu.RLock()
	defer handler.mu.RUnlock()

	return handler.experiments[runId]
}

func (handler *Handler) statuses() []model.Experiment {
	handler.mu.RLock()
	statuses := make([]model.Experiment, 0, len(handler.experiments))
	for _, exp := range handler.experiments {
		statuses = append(statuses, exp.pipeline.Status())
	}
	handler.mu.RUnlock()

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].StartedAt.Before(statuses[j].StartedAt)
	})

	return statuses
}

func (handler *Handler) reportProgress() {
	for _, status := range handler.statuses() {
		if status.State != common.EXPERIMENT_RUNNING {
			continue
		}

		accuracy := -1.0
		if n := len(status.Progress.Accuracies); n > 0 {
			accuracy = status.Progress.Accuracies[n-1]
		}
		handler.logger.Info(fmt.Sprintf("Experiment %s: round %d/%d", status.RunId, status.Round, status.GlobalRounds),
			"accuracy", accuracy, "transCostMB", status.Progress.TotalTransCost,
			"converged", status.Progress.AccuracyHasConverged)
	}
}

func (handler *Handler) roundFinishedHandler(eventChan <-chan events.Event) {
	for event := range eventChan {
		roundFinishedEvent, ok := event.Data.(events.RoundFinishedEvent)
		if !ok {
			handler.logger.Info("Invalid event data")
			continue
		}

		handler.logger.Debug(fmt.Sprintf("Experiment %s finished round %d", roundFinishedEvent.RunId, roundFinishedEvent.Round),
			"transCostMB", roundFinishedEvent.TransCost)
	}
}

func (handler *Handler) experimentFinishedHandler(eventChan <-chan events.Event) {
	for event := range eventChan {
		experimentFinishedEvent, ok := event.Data.(events.ExperimentFinishedEvent)
		if !ok {
			handler.logger.Info("Invalid event data")
			continue
		}

		handler.logger.Info(fmt.Sprintf("Experiment %s finished! Exit message: %s", experimentFinishedEvent.RunId,
			experimentFinishedEvent.ExitMessage), "exitCode", experimentFinishedEvent.ExitCode)
	}
}

func getURLParameter(r *http.Request, parameter string) string {
	vars := mux.Vars(r)
	id := vars[parameter]
	return id
}
