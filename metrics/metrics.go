// Package metrics holds the Prometheus collectors of the SSE server. A nil
// *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mcp_sse"

// Metrics holds all collectors. Pass to components that need to record metrics.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	AuthFailures      *prometheus.CounterVec
	RateLimited       prometheus.Counter
	ActiveStreams     prometheus.Gauge
	StreamEvents      prometheus.Counter
	DispatchTotal     *prometheus.CounterVec
	DispatchDuration  prometheus.Histogram
	SessionTerminated *prometheus.CounterVec
	reg               prometheus.Registerer
}

// New creates and registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "HTTP requests handled by the SSE endpoint",
			},
			[]string{"method", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Duration of non-streaming requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		AuthFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Rejected credentials",
			},
			[]string{"reason"}, // missing/invalid/error
		),
		RateLimited: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter",
			},
		),
		ActiveStreams: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_streams",
				Help:      "Open SSE event streams",
			},
		),
		StreamEvents: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_events_total",
				Help:      "Events written to SSE streams",
			},
		),
		DispatchTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Messages handed to the dispatcher, by outcome",
			},
			[]string{"outcome"},
		),
		DispatchDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Dispatcher processing time",
				Buckets:   prometheus.DefBuckets,
			},
		),
		SessionTerminated: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_terminated_total",
				Help:      "Sessions moved to terminated",
			},
			[]string{"transport"},
		),
	}
}

// ObserveRequest counts a finished request and, when dur > 0, its duration.
func (m *Metrics) ObserveRequest(method string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	if dur > 0 {
		m.RequestDuration.WithLabelValues(method).Observe(dur.Seconds())
	}
}

func (m *Metrics) AuthFailure(reason string) {
	if m == nil {
		return
	}
	m.AuthFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) RateLimit() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// StreamOpened increments the open-stream gauge and returns the matching decrement.
func (m *Metrics) StreamOpened() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveStreams.Inc()
	return m.ActiveStreams.Dec
}

func (m *Metrics) StreamEvent() {
	if m == nil {
		return
	}
	m.StreamEvents.Inc()
}

// ObserveDispatch has the signature of a dispatch runner observer.
func (m *Metrics) ObserveDispatch(outcome string, dur time.Duration) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(outcome).Inc()
	m.DispatchDuration.Observe(dur.Seconds())
}

func (m *Metrics) SessionEnded(transport string) {
	if m == nil {
		return
	}
	m.SessionTerminated.WithLabelValues(transport).Inc()
}

// SessionCounter reports how many sessions are in a status.
type SessionCounter func(status string) int

// RegisterSessionGauges exports one gauge per status, read from count at
// scrape time.
func (m *Metrics) RegisterSessionGauges(count SessionCounter, statuses ...string) {
	if m == nil {
		return
	}
	f := promauto.With(m.reg)
	for _, status := range statuses {
		f.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "sessions",
				Help:        "Sessions in the table, by status",
				ConstLabels: prometheus.Labels{"status": status},
			},
			func() float64 { return float64(count(status)) },
		)
	}
}
