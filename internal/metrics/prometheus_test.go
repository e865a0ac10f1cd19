package metrics_test

import (
	"strings"
	"testing"
	"time"

	"github.com/nulpointcorp/vllm-gateway/internal/metrics"
)

func gather(t *testing.T, r *metrics.Registry) string {
	t.Helper()
	families, err := r.PromRegistry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var sb strings.Builder
	for _, mf := range families {
		sb.WriteString(mf.String())
	}
	return sb.String()
}

func TestRegistry_RecordDispatch(t *testing.T) {
	r := metrics.New()
	r.RecordDispatch("llama", "http://a", "dispatched", 5*time.Millisecond)

	out := gather(t, r)
	if !strings.Contains(out, "gateway_dispatch_total") {
		t.Error("expected gateway_dispatch_total to be present after RecordDispatch")
	}
	if !strings.Contains(out, "gateway_dispatch_latency_ms") {
		t.Error("expected gateway_dispatch_latency_ms to be present after RecordDispatch")
	}
}

func TestRegistry_RecordDispatch_SentinelHasNoLatencyObservation(t *testing.T) {
	r := metrics.New()
	r.RecordDispatch("llama", "", "sentinel", 0)

	out := gather(t, r)
	if !strings.Contains(out, `decision:"sentinel"`) {
		t.Error("expected a sentinel-labeled dispatch counter entry")
	}
	if strings.Contains(out, "gateway_dispatch_latency_ms") {
		t.Error("expected no gateway_dispatch_latency_ms observation for a sentinel")
	}
}

func TestRegistry_SetBackendHealthy(t *testing.T) {
	r := metrics.New()
	r.SetBackendHealthy("http://a", true)
	r.SetBackendHealthy("http://b", false)

	out := gather(t, r)
	if !strings.Contains(out, "gateway_backend_healthy") {
		t.Error("expected gateway_backend_healthy gauge to be present")
	}
}

func TestRegistry_RecordAdmission(t *testing.T) {
	r := metrics.New()
	r.RecordAdmission("burst", "rejected")
	r.RecordAdmission("queue_depth", "accepted")

	out := gather(t, r)
	if !strings.Contains(out, "gateway_admission_total") {
		t.Error("expected gateway_admission_total to be present")
	}
}

func TestRegistry_InFlightIncDec(t *testing.T) {
	r := metrics.New()
	r.IncInFlight("http://a")
	r.IncInFlight("http://a")
	r.DecInFlight("http://a")

	out := gather(t, r)
	if !strings.Contains(out, "gateway_inflight_requests") {
		t.Error("expected gateway_inflight_requests gauge to be present")
	}
}

func TestRegistry_Handler_NotNil(t *testing.T) {
	r := metrics.New()
	if r.Handler() == nil {
		t.Fatal("Handler() returned nil")
	}
}
