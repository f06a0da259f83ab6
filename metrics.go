package jsbridge

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of a runtime. A nil *Metrics records nothing.
type Metrics struct {
	// Evaluation metrics
	Evaluations        *prometheus.CounterVec
	EvaluationDuration prometheus.Histogram
	Terminations       prometheus.Counter

	// Context metrics
	ContextsActive prometheus.Gauge
	ContextsTotal  prometheus.Counter

	// Dispatch metrics
	Dispatches *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg uses the
// default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Evaluations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jsbridge_evaluations_total",
				Help: "Total number of script evaluations",
			},
			[]string{"outcome"},
		),
		EvaluationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "jsbridge_evaluation_duration_seconds",
				Help:    "Script evaluation duration in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		Terminations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "jsbridge_terminations_total",
				Help: "Total number of evaluations stopped by the watchdog",
			},
		),
		ContextsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "jsbridge_contexts_active",
				Help: "Number of live contexts",
			},
		),
		ContextsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "jsbridge_contexts_total",
				Help: "Total number of contexts created",
			},
		),
		Dispatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jsbridge_dispatches_total",
				Help: "Total number of intercepted operations on exposed objects",
			},
			[]string{"op", "type", "outcome"},
		),
	}
}

func (m *Metrics) contextOpened() {
	if m == nil {
		return
	}
	m.ContextsActive.Inc()
	m.ContextsTotal.Inc()
}

func (m *Metrics) contextClosed() {
	if m == nil {
		return
	}
	m.ContextsActive.Dec()
}

// observeEval records one evaluation started at start.
func (m *Metrics) observeEval(start time.Time, err error) {
	if m == nil {
		return
	}
	m.EvaluationDuration.Observe(time.Since(start).Seconds())
	m.Evaluations.WithLabelValues(outcome(err)).Inc()
	if errors.Is(err, ErrTerminated) {
		m.Terminations.Inc()
	}
}

// RecordDispatch counts one intercepted operation.
func (m *Metrics) RecordDispatch(op Op, typeName string, err error) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(op.String(), typeName, outcome(err)).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCompile):
		return "compile_error"
	case errors.Is(err, ErrTerminated):
		return "terminated"
	case errors.Is(err, ErrScript):
		return "script_error"
	}
	return "error"
}

// MetricsHook is a Hook that counts dispatched operations.
type MetricsHook struct {
	Metrics *Metrics
}

func (h MetricsHook) Observe(ev *HookEvent) error {
	h.Metrics.RecordDispatch(ev.Op, ev.TypeName, ev.Err)
	return nil
}
