package provisioning

import (
	"sync"

	"VPN-Storefront-bot/internal/metrics"
)

// FailureThreshold is the number of consecutive failed probes that marks the panel down.
const FailureThreshold = 3

// HealthState is the shared healthy flag that gates approvals. It starts healthy
// and recovers on the first successful probe.
type HealthState struct {
	mu       sync.Mutex
	healthy  bool
	failures int
	metrics  *metrics.Metrics
}

func NewHealthState(m *metrics.Metrics) *HealthState {
	m.ProvisioningHealthy(true)
	return &HealthState{healthy: true, metrics: m}
}

func (h *HealthState) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy
}

func (h *HealthState) Failures() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failures
}

// Record feeds one probe result and reports whether the flag flipped.
func (h *HealthState) Record(ok bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	was := h.healthy
	if ok {
		h.failures = 0
		h.healthy = true
	} else {
		h.failures++
		if h.failures >= FailureThreshold {
			h.healthy = false
		}
	}
	if was != h.healthy {
		h.metrics.ProvisioningHealthy(h.healthy)
		return true
	}
	return false
}
