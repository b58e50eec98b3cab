package results

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/config"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/monitor"
)

// Scalar is one recorded value. Tags are "prefix/name".
type Scalar struct {
	Round int
	Tag   string
	Value float64
}

// Recorder persists per-round scalars of an experiment.
type Recorder interface {
	AddScalar(tag string, value float64, round int) error
	Close() error
}

// AddScalars records every variable under prefix, in key order.
func AddScalars(r Recorder, prefix string, vars monitor.Variables, round int) error {
	for _, name := range common.SortedKeys(vars) {
		if err := r.AddScalar(prefix+"/"+name, vars[name], round); err != nil {
			return err
		}
	}
	return nil
}

// Multi fans a scalar out to several recorders.
type Multi []Recorder

func (m Multi) AddScalar(tag string, value float64, round int) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.AddScalar(tag, value, round))
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.Close())
	}
	return errors.Join(errs...)
}

// Open creates the sinks listed in other.result_sinks under other.logging_path.
func Open(cfg config.OtherConfig) (Recorder, error) {
	if err := os.MkdirAll(cfg.LoggingPath, 0755); err != nil {
		return nil, fmt.Errorf("create logging path: %w", err)
	}

	var recorders Multi
	for _, sink := range cfg.ResultSinks {
		var (
			r   Recorder
			err error
		)
		switch sink {
		case config.CsvSink:
			r, err = NewCSVRecorder(filepath.Join(cfg.LoggingPath, common.RESULTS_CSV_FILE))
		case config.SqliteSink:
			r, err = NewSQLiteRecorder(filepath.Join(cfg.LoggingPath, common.RESULTS_DB_FILE))
		default:
			err = fmt.Errorf("%w: unknown result sink %q", common.ErrConfiguration, sink)
		}
		if err != nil {
			recorders.Close()
			return nil, err
		}
		recorders = append(recorders, r)
	}

	return recorders, nil
}
