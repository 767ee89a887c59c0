package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Register(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() returned error: %v", err)
	}

	m.ObserveOperation("send", nil)
	m.IncRemoteEvent("messages", OutcomeApplied)
	m.IncNearbySearch(PathGeo)
	m.SessionStarted()
	m.IncPush(nil)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() returned error: %v", err)
	}

	expected := map[string]bool{
		MetricOperationsTotal:   false,
		MetricRemoteEventsTotal: false,
		MetricNearbySearchTotal: false,
		MetricActiveSessions:    false,
		MetricPushTotal:         false,
	}
	for _, family := range families {
		if _, ok := expected[family.GetName()]; ok {
			expected[family.GetName()] = true
		}
	}
	for name, found := range expected {
		if !found {
			t.Errorf("metric %s not found in gathered metrics", name)
		}
	}
}

func TestMetrics_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := New().Register(reg); err != nil {
		t.Fatalf("first Register() returned error: %v", err)
	}
	if err := New().Register(reg); err == nil {
		t.Error("expected error registering the same metric names twice")
	}
}

func TestMetrics_ObserveOperationResult(t *testing.T) {
	m := New()
	m.ObserveOperation("accept_request", nil)
	m.ObserveOperation("accept_request", errors.New("boom"))
	m.ObserveOperation("accept_request", errors.New("boom"))

	if got := testutil.ToFloat64(m.operations.WithLabelValues("accept_request", ResultSuccess)); got != 1 {
		t.Errorf("success count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.operations.WithLabelValues("accept_request", ResultFailure)); got != 2 {
		t.Errorf("failure count = %v, want 2", got)
	}
}

func TestMetrics_SessionGauge(t *testing.T) {
	m := New()
	m.SessionStarted()
	m.SessionStarted()
	m.SessionStopped()
	if got := testutil.ToFloat64(m.sessions); got != 1 {
		t.Errorf("sessions = %v, want 1", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveOperation("send", nil)
	m.IncRemoteEvent("messages", OutcomeEcho)
	m.IncNearbySearch(PathFallback)
	m.SessionStarted()
	m.SessionStopped()
	m.IncPush(errors.New("x"))
}
