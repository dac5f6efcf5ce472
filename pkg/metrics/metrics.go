// Package metrics exposes Prometheus collectors for token and usage activity.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pario-ai/kansas/pkg/events"
	"github.com/pario-ai/kansas/pkg/maintenance"
)

// Metrics holds the kansas collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	events         *prometheus.CounterVec
	consumed       *prometheus.CounterVec
	limitReached   prometheus.Counter
	maxTokens      *prometheus.CounterVec
	policyChanges  *prometheus.CounterVec
	prepopulations *prometheus.CounterVec
	seeded         prometheus.Counter
	scanFailures   prometheus.Counter
	scanDuration   prometheus.Histogram
	requests       *prometheus.CounterVec
	requestTime    *prometheus.HistogramVec
}

// New registers the collectors with reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		events: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kansas_events_total",
				Help: "Total number of events published, by type",
			},
			[]string{"type"},
		),
		consumed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kansas_consumed_units_total",
				Help: "Total units consumed, by token mode",
			},
			[]string{"mode"},
		),
		limitReached: f.NewCounter(prometheus.CounterOpts{
			Name: "kansas_usage_limit_rejections_total",
			Help: "Total consume calls that ran past the period limit",
		}),
		maxTokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kansas_max_tokens_rejections_total",
				Help: "Total token creations refused by the per-owner ceiling, by policy",
			},
			[]string{"policy"},
		),
		policyChanges: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kansas_policy_changes_total",
				Help: "Total owner policy migrations, by target policy",
			},
			[]string{"policy"},
		),
		prepopulations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kansas_prepopulate_runs_total",
				Help: "Total pre-population runs, by result",
			},
			[]string{"result"},
		),
		seeded: f.NewCounter(prometheus.CounterOpts{
			Name: "kansas_prepopulate_counters_seeded_total",
			Help: "Total usage counters created by pre-population",
		}),
		scanFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "kansas_prepopulate_token_failures_total",
			Help: "Total token records pre-population failed to process",
		}),
		scanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kansas_prepopulate_duration_seconds",
			Help:    "Duration of pre-population runs",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kansas_http_requests_total",
				Help: "Total HTTP API requests, by method, route and status code",
			},
			[]string{"method", "route", "code"},
		),
		requestTime: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kansas_http_request_duration_seconds",
				Help:    "HTTP API request latency, by method and route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// Observe records a bus event.
func (m *Metrics) Observe(e events.Event) {
	m.events.WithLabelValues(string(e.Type)).Inc()
	switch e.Type {
	case events.Consume:
		if e.Err != nil {
			return
		}
		mode := "limit"
		if e.Count {
			mode = "count"
		}
		m.consumed.WithLabelValues(mode).Add(float64(e.Units))
		if !e.Count && e.Value < 0 {
			m.limitReached.Inc()
		}
	case events.MaxTokens:
		name := ""
		if e.Request != nil {
			name = e.Request.PolicyName
		}
		m.maxTokens.WithLabelValues(name).Inc()
	case events.PolicyChange:
		name := ""
		if e.Policy != nil {
			name = e.Policy.Name
		}
		m.policyChanges.WithLabelValues(name).Inc()
	}
}

// ObservePrepopulate records a pre-population run.
func (m *Metrics) ObservePrepopulate(s maintenance.Stats, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.prepopulations.WithLabelValues(result).Inc()
	m.seeded.Add(float64(s.Populated))
	m.scanFailures.Add(float64(s.Failed))
	m.scanDuration.Observe(s.Duration.Seconds())
}

// ObserveRequest records a served HTTP API request.
func (m *Metrics) ObserveRequest(method, route string, code int, d time.Duration) {
	m.requests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.requestTime.WithLabelValues(method, route).Observe(d.Seconds())
}

// Attach feeds every event from bus into m until the returned stop function
// is called. It also exports the bus drop count.
func (m *Metrics) Attach(bus *events.Bus, reg prometheus.Registerer) (stop func(), err error) {
	if reg != nil {
		dropped := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "kansas_events_dropped_total",
			Help: "Total event deliveries dropped because a subscriber was full",
		}, func() float64 { return float64(bus.Dropped()) })
		if err := reg.Register(dropped); err != nil {
			return nil, err
		}
	}
	return bus.Handle(m.Observe), nil
}

// Handler serves the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
