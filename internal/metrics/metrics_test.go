package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.OrderTransition("APPROVED")
	m.OrderTransition("APPROVED")
	m.ProvisionRequest("create", nil)
	m.ProvisionRequest("create", errors.New("timeout"))
	m.JobRun("expiry", nil)
	m.JobItems("expiry", "expired", 3)
	m.JobItems("expiry", "expired", 0)
	m.ProvisioningHealthy(false)

	if got := testutil.ToFloat64(m.orderTransitions.WithLabelValues("APPROVED")); got != 2 {
		t.Fatalf("expected 2 approved transitions, got %v", got)
	}
	if got := testutil.ToFloat64(m.provisionRequests.WithLabelValues("create", "error")); got != 1 {
		t.Fatalf("expected 1 failed create, got %v", got)
	}
	if got := testutil.ToFloat64(m.jobItems.WithLabelValues("expiry", "expired")); got != 3 {
		t.Fatalf("expected 3 expired items, got %v", got)
	}
	if got := testutil.ToFloat64(m.provisioningHealth); got != 0 {
		t.Fatalf("expected unhealthy gauge, got %v", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.OrderTransition("APPROVED")
	m.RateLimited("create_order")
	m.JobRun("expiry", errors.New("x"))
}
