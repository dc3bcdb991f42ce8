package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

// Stage run results used as metric labels
const (
	resultDone      = "done"
	resultFailed    = "failed"
	resultDiscarded = "discarded"
	resultCanceled  = "canceled"
)

// Metrics are the Prometheus instruments of the pipeline. A nil *Metrics
// records nothing.
type Metrics struct {
	// runs counts finished stage runs.
	// Labels: stage, result (done, failed, discarded, canceled)
	runs *prometheus.CounterVec

	// duration measures stage run latency.
	// Labels: stage
	duration *prometheus.HistogramVec

	// running tracks in-flight stage runs.
	// Labels: stage
	running *prometheus.GaugeVec

	commits prometheus.Counter
}

// NewMetrics registers the pipeline metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nma",
			Subsystem: "pipeline",
			Name:      "stage_runs_total",
			Help:      "Total finished stage runs by result",
		}, []string{"stage", "result"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nma",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Stage run latency in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		running: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nma",
			Subsystem: "pipeline",
			Name:      "stage_running",
			Help:      "Stage runs currently in flight",
		}, []string{"stage"}),
		commits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nma",
			Subsystem: "pipeline",
			Name:      "commits_total",
			Help:      "Total committed result sets",
		}),
	}
}

func (m *Metrics) runStarted(stage types.StageID) {
	if m == nil {
		return
	}
	m.running.WithLabelValues(string(stage)).Inc()
}

func (m *Metrics) runFinished(stage types.StageID, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.running.WithLabelValues(string(stage)).Dec()
	m.runs.WithLabelValues(string(stage), result).Inc()
	m.duration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
}

func (m *Metrics) committed() {
	if m == nil {
		return
	}
	m.commits.Inc()
}
