package metrics

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRequest(http.MethodGet, 200, time.Second)
	m.AuthFailure("missing")
	m.RateLimit()
	m.StreamOpened()()
	m.StreamEvent()
	m.ObserveDispatch("ok", time.Millisecond)
	m.SessionEnded("sse")
	m.RegisterSessionGauges(func(string) int { return 0 }, "active")
}

func TestRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRequest(http.MethodPost, 202, 10*time.Millisecond)
	m.ObserveRequest(http.MethodPost, 202, 0)
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("POST", "202")); got != 2 {
		t.Errorf("requests_total = %v, want 2", got)
	}

	done := m.StreamOpened()
	if got := testutil.ToFloat64(m.ActiveStreams); got != 1 {
		t.Errorf("active_streams = %v, want 1", got)
	}
	done()
	if got := testutil.ToFloat64(m.ActiveStreams); got != 0 {
		t.Errorf("active_streams = %v, want 0", got)
	}

	m.AuthFailure("invalid")
	m.RateLimit()
	m.ObserveDispatch("timeout", time.Second)
	if got := testutil.ToFloat64(m.AuthFailures.WithLabelValues("invalid")); got != 1 {
		t.Errorf("auth_failures_total = %v", got)
	}
	if got := testutil.ToFloat64(m.RateLimited); got != 1 {
		t.Errorf("rate_limited_total = %v", got)
	}
	if got := testutil.ToFloat64(m.DispatchTotal.WithLabelValues("timeout")); got != 1 {
		t.Errorf("dispatch_total = %v", got)
	}
}

func TestSessionGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	counts := map[string]int{"active": 3, "orphaned": 1}
	m.RegisterSessionGauges(func(s string) int { return counts[s] }, "active", "orphaned")

	expected := `
# HELP mcp_sse_sessions Sessions in the table, by status
# TYPE mcp_sse_sessions gauge
mcp_sse_sessions{status="active"} 3
mcp_sse_sessions{status="orphaned"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "mcp_sse_sessions"); err != nil {
		t.Fatal(err)
	}
}
