package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandler_ExposesSnapshot(t *testing.T) {
	m := New()
	m.Inc(SignalRelayed)
	m.Add(InitHandled, 2)
	m.Inc(`quote"back\slash`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	PrometheusHandler(m, Gauge{
		Name:  "aero_webrtc_signaling_relay_connections",
		Help:  "Registered connections.",
		Value: func() float64 { return 3 },
	}).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}

	body := rr.Body.String()
	for _, want := range []string{
		"# TYPE aero_webrtc_signaling_relay_events_total counter",
		`aero_webrtc_signaling_relay_events_total{event="init_handled"} 2`,
		`aero_webrtc_signaling_relay_events_total{event="signal_relayed"} 1`,
		`aero_webrtc_signaling_relay_events_total{event="quote\"back\\slash"} 1`,
		"# TYPE aero_webrtc_signaling_relay_connections gauge",
		"aero_webrtc_signaling_relay_connections 3",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestPrometheusHandler_NilMetrics(t *testing.T) {
	rr := httptest.NewRecorder()
	PrometheusHandler(nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rr.Code)
	}
}

func TestMetrics_SnapshotIsCopy(t *testing.T) {
	m := New()
	m.Inc(ProtocolViolation)

	snap := m.Snapshot()
	snap[ProtocolViolation] = 100

	if got := m.Get(ProtocolViolation); got != 1 {
		t.Fatalf("Get=%d, want 1", got)
	}

	var nilMetrics *Metrics
	nilMetrics.Inc(ProtocolViolation)
	if nilMetrics.Get(ProtocolViolation) != 0 {
		t.Fatalf("nil metrics should read zero")
	}
}
