package launcher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments client tasks. A nil *Metrics records nothing.
type Metrics struct {
	duration *prometheus.HistogramVec
	failures *prometheus.CounterVec
	running  *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flsim",
			Name:      "client_task_duration_seconds",
			Help:      "Duration of client train, test and finetune tasks.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"task"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flsim",
			Name:      "client_task_failures_total",
			Help:      "Client tasks that returned an error.",
		}, []string{"task"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "flsim",
			Name:      "client_tasks_running",
			Help:      "Client tasks currently executing.",
		}, []string{"task"}),
	}

	for _, c := range []prometheus.Collector{m.duration, m.failures, m.running} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) start(task string) func(err error) {
	if m == nil {
		return func(error) {}
	}

	m.running.WithLabelValues(task).Inc()
	started := time.Now()

	return func(err error) {
		m.running.WithLabelValues(task).Dec()
		m.duration.WithLabelValues(task).Observe(time.Since(started).Seconds())
		if err != nil {
			m.failures.WithLabelValues(task).Inc()
		}
	}
}
