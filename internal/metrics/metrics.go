// Package metrics holds the Prometheus collectors for groupcast.
//
// All collectors live on a private registry so tests can build as many
// instances as they like. Every method is safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Namespace = "groupcast"

// Send outcomes.
const (
	OutcomeSent      = "sent"
	OutcomeFailed    = "failed"
	OutcomeFatal     = "fatal"
	OutcomeThrottled = "throttled"
)

type Metrics struct {
	reg *prometheus.Registry

	SendsTotal   *prometheus.CounterVec
	SendDuration *prometheus.HistogramVec

	InvocationsTotal      *prometheus.CounterVec
	JobsFinalized         *prometheus.CounterVec
	ContinuationsEnqueued prometheus.Counter

	SweepRepairs  *prometheus.CounterVec
	SweepErrors   prometheus.Counter
	SweepDuration prometheus.Histogram

	TasksTotal   *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec
	TasksRunning prometheus.Gauge

	HTTPRequests *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	m := &Metrics{reg: reg}

	m.SendsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: "gateway", Name: "sends_total",
		Help: "Gateway send attempts by provider and outcome.",
	}, []string{"provider", "outcome"})
	m.SendDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace, Subsystem: "gateway", Name: "send_duration_seconds",
		Help:    "Latency of a single gateway send.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"provider"})

	m.InvocationsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: "dispatcher", Name: "invocations_total",
		Help: "Dispatcher invocations by result.",
	}, []string{"result"})
	m.JobsFinalized = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: "dispatcher", Name: "jobs_finalized_total",
		Help: "Jobs moved to a terminal status.",
	}, []string{"status"})
	m.ContinuationsEnqueued = f.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: "dispatcher", Name: "continuations_enqueued_total",
		Help: "Continuation messages written to the queue.",
	})

	m.SweepRepairs = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: "watchdog", Name: "repairs_total",
		Help: "Items repaired by the watchdog, by sweep.",
	}, []string{"sweep"})
	m.SweepErrors = f.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: "watchdog", Name: "errors_total",
		Help: "Per-item errors collected by watchdog sweeps.",
	})
	m.SweepDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace, Subsystem: "watchdog", Name: "sweep_duration_seconds",
		Help:    "Duration of a full watchdog sweep.",
		Buckets: prometheus.DefBuckets,
	})

	m.TasksTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: "engine", Name: "tasks_total",
		Help: "Task engine executions by task and result.",
	}, []string{"task", "result"})
	m.TaskDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace, Subsystem: "engine", Name: "task_duration_seconds",
		Help:    "Task engine execution time.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
	}, []string{"task"})
	m.TasksRunning = f.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Subsystem: "engine", Name: "tasks_running",
		Help: "Tasks currently executing.",
	})

	m.HTTPRequests = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: "http", Name: "requests_total",
		Help: "HTTP requests by method, route and status code.",
	}, []string{"method", "route", "code"})
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ObserveSend(provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.SendsTotal.WithLabelValues(provider, outcome).Inc()
	m.SendDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) Invocation(result string) {
	if m == nil {
		return
	}
	m.InvocationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) JobFinalized(status string) {
	if m == nil {
		return
	}
	m.JobsFinalized.WithLabelValues(status).Inc()
}

func (m *Metrics) ContinuationEnqueued() {
	if m == nil {
		return
	}
	m.ContinuationsEnqueued.Inc()
}

func (m *Metrics) SweepRepaired(sweep string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SweepRepairs.WithLabelValues(sweep).Add(float64(n))
}

func (m *Metrics) SweepFinished(d time.Duration, errs int) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(d.Seconds())
	if errs > 0 {
		m.SweepErrors.Add(float64(errs))
	}
}

func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.TasksRunning.Inc()
}

func (m *Metrics) TaskFinished(task, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.TasksRunning.Dec()
	m.TasksTotal.WithLabelValues(task, result).Inc()
	m.TaskDuration.WithLabelValues(task).Observe(d.Seconds())
}

// TaskRejected counts a task that never ran: skipped, dropped or circuit-blocked.
func (m *Metrics) TaskRejected(task, reason string) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(task, reason).Inc()
}

func (m *Metrics) HTTPRequest(method, route string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
}
