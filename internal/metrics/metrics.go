// Package metrics provides Prometheus collectors for the chat engine,
// proximity search and the realtime gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricOperationsTotal   = "proximichat_operations_total"
	MetricRemoteEventsTotal = "proximichat_remote_events_total"
	MetricNearbySearchTotal = "proximichat_nearby_searches_total"
	MetricActiveSessions    = "proximichat_active_sessions"
	MetricPushTotal         = "proximichat_push_notifications_total"
)

// Result labels.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Remote event outcomes.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeEcho      = "echo"
	OutcomeReload    = "reload"
)

// Nearby search paths.
const (
	PathGeo      = "geo"
	PathFallback = "fallback"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	operations   *prometheus.CounterVec
	remoteEvents *prometheus.CounterVec
	nearby       *prometheus.CounterVec
	sessions     prometheus.Gauge
	push         *prometheus.CounterVec
}

// New creates the collectors without registering them.
func New() *Metrics {
	return &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricOperationsTotal,
				Help: "Chat engine operations by name and result",
			},
			[]string{"operation", "result"},
		),
		remoteEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRemoteEventsTotal,
				Help: "Change feed events by table and reconciliation outcome",
			},
			[]string{"table", "outcome"},
		),
		nearby: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricNearbySearchTotal,
				Help: "Nearby searches by query path",
			},
			[]string{"path"},
		),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricActiveSessions,
			Help: "Number of signed-in sessions with live subscriptions",
		}),
		push: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricPushTotal,
				Help: "APNs notifications by result",
			},
			[]string{"result"},
		),
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.operations, m.remoteEvents, m.nearby, m.sessions, m.push}
}

// ObserveOperation counts an engine operation; err decides the result label.
func (m *Metrics) ObserveOperation(operation string, err error) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	m.operations.WithLabelValues(operation, result).Inc()
}

// IncRemoteEvent counts a change feed event by outcome.
func (m *Metrics) IncRemoteEvent(table, outcome string) {
	if m == nil {
		return
	}
	m.remoteEvents.WithLabelValues(table, outcome).Inc()
}

// IncNearbySearch counts a nearby search by the path that served it.
func (m *Metrics) IncNearbySearch(path string) {
	if m == nil {
		return
	}
	m.nearby.WithLabelValues(path).Inc()
}

// SessionStarted increments the live session gauge.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

// SessionStopped decrements the live session gauge.
func (m *Metrics) SessionStopped() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

// IncPush counts an APNs delivery attempt.
func (m *Metrics) IncPush(err error) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	m.push.WithLabelValues(result).Inc()
}

// NearbySearches returns the counter for one search path.
func (m *Metrics) NearbySearches(path string) prometheus.Counter {
	return m.nearby.WithLabelValues(path)
}

// RemoteEvents returns the counter for one table and outcome.
func (m *Metrics) RemoteEvents(table, outcome string) prometheus.Counter {
	return m.remoteEvents.WithLabelValues(table, outcome)
}

// Pushes returns the counter for one push result.
func (m *Metrics) Pushes(result string) prometheus.Counter {
	return m.push.WithLabelValues(result)
}
