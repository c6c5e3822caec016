// Package metrics exposes Prometheus counters for the triage loop.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nhle/mailtriage/internal/model"
)

// Result labels for messages_total.
const (
	ResultProcessed = "processed"
	ResultFailed    = "failed"
)

// Metrics holds the Prometheus collectors of one agent. Each instance owns
// its registry so tests can create as many as they like.
type Metrics struct {
	registry  *prometheus.Registry
	startTime time.Time

	cyclesTotal     *prometheus.CounterVec
	messagesTotal   *prometheus.CounterVec
	classifications *prometheus.CounterVec
	sendsTotal      *prometheus.CounterVec
	reconnects      prometheus.Counter
	cycleDuration   prometheus.Histogram
	lastCycle       prometheus.Gauge
	uptimeSeconds   prometheus.Gauge
}

// New creates and registers the triage metrics.
func New(startTime time.Time) *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		startTime: startTime,
		cyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailtriage_cycles_total",
			Help: "Polling cycles run, by result.",
		}, []string{"result"}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailtriage_messages_total",
			Help: "Messages handled, by result.",
		}, []string{"result"}),
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailtriage_classifications_total",
			Help: "Classifications, by provenance and category.",
		}, []string{"provenance", "category"}),
		sendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailtriage_sends_total",
			Help: "Outbound sends, by kind and result.",
		}, []string{"kind", "result"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailtriage_mailbox_connects_total",
			Help: "Mailbox sessions opened.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailtriage_cycle_duration_seconds",
			Help:    "Duration of a polling cycle.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mailtriage_last_cycle_timestamp_seconds",
			Help: "Unix time the last cycle finished.",
		}),
		uptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mailtriage_uptime_seconds",
			Help: "Agent uptime in seconds.",
		}),
	}

	m.registry.MustRegister(
		m.cyclesTotal,
		m.messagesTotal,
		m.classifications,
		m.sendsTotal,
		m.reconnects,
		m.cycleDuration,
		m.lastCycle,
		m.uptimeSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// ObserveCycle records a finished cycle.
func (m *Metrics) ObserveCycle(d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.cyclesTotal.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(d.Seconds())
	m.lastCycle.SetToCurrentTime()
}

// ObserveConnect counts a new mailbox session.
func (m *Metrics) ObserveConnect() {
	m.reconnects.Inc()
}

// ObserveOutcome records one message's outcome.
func (m *Metrics) ObserveOutcome(o model.Outcome) {
	if o.Succeeded() {
		m.messagesTotal.WithLabelValues(ResultProcessed).Inc()
	} else {
		m.messagesTotal.WithLabelValues(ResultFailed).Inc()
	}

	if o.Provenance != "" {
		m.classifications.WithLabelValues(string(o.Provenance), o.Category.Key()).Inc()
	}
	if o.AckAttempted {
		m.sendsTotal.WithLabelValues("acknowledgement", sendResult(o.AckError)).Inc()
	}
	if o.ForwardedTo != "" {
		m.sendsTotal.WithLabelValues("forward", sendResult(o.ForwardError)).Inc()
	}
}

func sendResult(errText string) string {
	if errText != "" {
		return "error"
	}
	return "ok"
}

// Handler returns an http.Handler that refreshes the uptime gauge before
// serving the registry.
func (m *Metrics) Handler() http.Handler {
	inner := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.uptimeSeconds.Set(time.Since(m.startTime).Seconds())
		inner.ServeHTTP(w, r)
	})
}
