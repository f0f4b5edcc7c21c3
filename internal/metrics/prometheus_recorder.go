package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	promcollect "github.com/prometheus/client_golang/prometheus/collectors"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docexport"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	taskDuration   *prom.HistogramVec
	taskOutcomes   *prom.CounterVec
	taskRetries    prom.Counter
	runDuration    *prom.HistogramVec
	runStatus      *prom.CounterVec
	lockContention prom.Counter
	queueDepth     prom.Gauge
}

// NewRegistry returns a registry preloaded with the Go and process collectors.
func NewRegistry() *prom.Registry {
	reg := prom.NewRegistry()
	reg.MustRegister(promcollect.NewGoCollector(), promcollect.NewProcessCollector(promcollect.ProcessCollectorOpts{}))
	return reg
}

// NewPrometheusRecorder constructs the export metrics and registers them with reg.
// A nil reg gets a private registry.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		taskDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Duration of individual export tasks",
			Buckets:   prom.DefBuckets,
		}, []string{"outcome"}),
		taskOutcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "task_outcomes_total",
			Help:      "Export task outcomes",
		}, []string{"outcome"}),
		taskRetries: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Export task attempts repeated after a transient failure",
		}),
		runDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of export runs from lock acquisition to release",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}, []string{"trigger"}),
		runStatus: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Export runs by trigger and final status",
		}, []string{"trigger", "status"}),
		lockContention: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "lock_contention_total",
			Help:      "Ticks skipped because another run held the lock",
		}),
		queueDepth: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Tasks remaining in the current export batch",
		}),
	}
	reg.MustRegister(pr.taskDuration, pr.taskOutcomes, pr.taskRetries, pr.runDuration, pr.runStatus, pr.lockContention, pr.queueDepth)
	return pr
}

func (p *PrometheusRecorder) ObserveTaskDuration(outcome OutcomeLabel, d time.Duration) {
	if p == nil {
		return
	}
	p.taskDuration.WithLabelValues(string(outcome)).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncTaskOutcome(outcome OutcomeLabel) {
	if p == nil {
		return
	}
	p.taskOutcomes.WithLabelValues(string(outcome)).Inc()
}

func (p *PrometheusRecorder) IncTaskRetry() {
	if p == nil {
		return
	}
	p.taskRetries.Inc()
}

func (p *PrometheusRecorder) ObserveRunDuration(trigger string, d time.Duration) {
	if p == nil {
		return
	}
	p.runDuration.WithLabelValues(trigger).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncRunStatus(trigger string, status RunStatusLabel) {
	if p == nil {
		return
	}
	p.runStatus.WithLabelValues(trigger, string(status)).Inc()
}

func (p *PrometheusRecorder) IncLockContention() {
	if p == nil {
		return
	}
	p.lockContention.Inc()
}

func (p *PrometheusRecorder) SetQueueDepth(n int) {
	if p == nil {
		return
	}
	p.queueDepth.Set(float64(n))
}

// HTTPHandler serves the metrics of reg.
func HTTPHandler(reg *prom.Registry) http.Handler {
	if reg == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
