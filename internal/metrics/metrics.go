// Package metrics exposes Prometheus collectors for the automation engine.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "veo_automator"

// Metrics holds the engine's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	stepDuration    *prometheus.HistogramVec
	stepFailures    *prometheus.CounterVec
	prompts         *prometheus.CounterVec
	downloads       *prometheus.CounterVec
	downloadBytes   prometheus.Counter
	recoveries      prometheus.Counter
	droppedProgress prometheus.Counter
	batchActive     prometheus.Gauge
}

// MustNewMetrics registers the collectors with reg, reusing collectors that
// are already registered under the same names.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "step_duration_seconds",
			Help:      "Time spent in each workflow step.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"step", "status"}),
		stepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "step_failures_total",
			Help:      "Workflow step failures by error class.",
		}, []string{"step", "class"}),
		prompts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "prompts_total",
			Help:      "Prompts processed by outcome.",
		}, []string{"status"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "artifacts_total",
			Help:      "Artifact retrievals by outcome.",
		}, []string{"status"}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "bytes_total",
			Help:      "Bytes written to output files.",
		}),
		recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "recoveries_total",
			Help:      "Browser session recoveries.",
		}),
		droppedProgress: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "progress_dropped_total",
			Help:      "Progress events dropped because the queue was full.",
		}),
		batchActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "active",
			Help:      "1 while a batch is running.",
		}),
	}

	m.stepDuration = register(reg, m.stepDuration)
	m.stepFailures = register(reg, m.stepFailures)
	m.prompts = register(reg, m.prompts)
	m.downloads = register(reg, m.downloads)
	m.downloadBytes = register(reg, m.downloadBytes)
	m.recoveries = register(reg, m.recoveries)
	m.droppedProgress = register(reg, m.droppedProgress)
	m.batchActive = register(reg, m.batchActive)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObserveStep records a finished step.
func (m *Metrics) ObserveStep(step string, success bool, class string, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
		m.stepFailures.WithLabelValues(step, class).Inc()
	}
	m.stepDuration.WithLabelValues(step, status).Observe(d.Seconds())
}

// IncPrompt counts a finished prompt.
func (m *Metrics) IncPrompt(success bool) {
	if m == nil {
		return
	}
	if success {
		m.prompts.WithLabelValues("success").Inc()
		return
	}
	m.prompts.WithLabelValues("failure").Inc()
}

// ObserveDownload counts one artifact retrieval; status is saved, triggered
// or failed.
func (m *Metrics) ObserveDownload(status string, bytes int64) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(status).Inc()
	if bytes > 0 {
		m.downloadBytes.Add(float64(bytes))
	}
}

// IncRecovery counts a session recovery.
func (m *Metrics) IncRecovery() {
	if m == nil {
		return
	}
	m.recoveries.Inc()
}

// IncDroppedProgress counts a dropped progress event.
func (m *Metrics) IncDroppedProgress() {
	if m == nil {
		return
	}
	m.droppedProgress.Inc()
}

// SetBatchActive flips the active-batch gauge.
func (m *Metrics) SetBatchActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.batchActive.Set(1)
		return
	}
	m.batchActive.Set(0)
}
