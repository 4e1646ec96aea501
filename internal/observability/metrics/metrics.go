// Package metrics owns cronrelay's Prometheus collectors.
//
// All methods are safe on a nil *Metrics so components can run without a
// registry (tests, one-shot mode).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cronrelay/internal/storage"
)

const namespace = "cronrelay"

type Metrics struct {
	reg *prometheus.Registry

	jobsFired         prometheus.Counter
	intentsCreated    prometheus.Counter
	intentsDuplicate  prometheus.Counter
	intentsDispatched prometheus.Counter
	reclaimed         *prometheus.CounterVec
	attempts          *prometheus.CounterVec
	completed         *prometheus.CounterVec
	backlog           *prometheus.GaugeVec
	scheduleErrors    *prometheus.CounterVec
	storeErrors       *prometheus.CounterVec
	breakerOpen       prometheus.Gauge
	attemptDuration   prometheus.Histogram
	tickDuration      prometheus.Histogram
}

// New registers every collector on reg. A nil reg gets a fresh registry
// with the Go and process collectors.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		jobsFired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_fired_total",
			Help:      "Job occurrences committed by the scheduler.",
		}),
		intentsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_created_total",
			Help:      "Delivery intents created.",
		}),
		intentsDuplicate: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_duplicate_total",
			Help:      "Occurrences skipped because an intent already existed.",
		}),
		intentsDispatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_dispatched_total",
			Help:      "Intents claimed by the dispatcher for an attempt.",
		}),
		reclaimed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leases_reclaimed_total",
			Help:      "Expired leases reclaimed, by resulting state.",
		}, []string{"state"}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Delivery attempts by outcome.",
		}, []string{"outcome"}),
		completed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_completed_total",
			Help:      "Intents that reached a terminal state.",
		}, []string{"state"}),
		backlog: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backlog_depth",
			Help:      "Non-terminal intents by state; due counts intents ready for an attempt.",
		}, []string{"state"}),
		scheduleErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_errors_total",
			Help:      "Jobs disabled or skipped by the scheduler, by error kind.",
		}, []string{"kind"}),
		storeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Store operations that failed after retries.",
		}, []string{"op"}),
		breakerOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_breaker_open",
			Help:      "1 while the store circuit breaker is not closed.",
		}),
		attemptDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Wall time of one delivery attempt.",
			Buckets:   prometheus.DefBuckets,
		}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one scheduler tick.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) JobFired(created, duplicates int) {
	if m == nil {
		return
	}
	m.jobsFired.Inc()
	m.intentsCreated.Add(float64(created))
	m.intentsDuplicate.Add(float64(duplicates))
}

func (m *Metrics) IntentsDispatched(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.intentsDispatched.Add(float64(n))
}

func (m *Metrics) Reclaimed(r storage.Reclaimed) {
	if m == nil {
		return
	}
	if n := len(r.Retried); n > 0 {
		m.reclaimed.WithLabelValues(string(storage.IntentRetryScheduled)).Add(float64(n))
	}
	if n := len(r.Exhausted); n > 0 {
		m.reclaimed.WithLabelValues(string(storage.IntentExhausted)).Add(float64(n))
		m.completed.WithLabelValues(string(storage.IntentExhausted)).Add(float64(n))
	}
}

func (m *Metrics) Attempt(outcome storage.Outcome, took time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(string(outcome)).Inc()
	m.attemptDuration.Observe(took.Seconds())
}

func (m *Metrics) Completed(state storage.IntentState) {
	if m == nil {
		return
	}
	m.completed.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) Backlog(b storage.Backlog) {
	if m == nil {
		return
	}
	m.backlog.WithLabelValues(string(storage.IntentPending)).Set(float64(b.Pending))
	m.backlog.WithLabelValues(string(storage.IntentAttempting)).Set(float64(b.Attempting))
	m.backlog.WithLabelValues(string(storage.IntentRetryScheduled)).Set(float64(b.RetryScheduled))
	m.backlog.WithLabelValues("due").Set(float64(b.Due))
}

// ScheduleError counts a scheduler failure; kind is "schedule",
// "configuration" or "store".
func (m *Metrics) ScheduleError(kind string) {
	if m == nil {
		return
	}
	m.scheduleErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) BreakerState(state string) {
	if m == nil {
		return
	}
	if state == "closed" {
		m.breakerOpen.Set(0)
		return
	}
	m.breakerOpen.Set(1)
}

func (m *Metrics) Tick(took time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(took.Seconds())
}
