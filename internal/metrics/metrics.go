package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the storefront counters. A nil *Metrics records nothing.
type Metrics struct {
	orderTransitions   *prometheus.CounterVec
	lifecycleErrors    *prometheus.CounterVec
	provisionRequests  *prometheus.CounterVec
	provisionRetries   prometheus.Counter
	provisioningHealth prometheus.Gauge
	jobRuns            *prometheus.CounterVec
	jobItems           *prometheus.CounterVec
	rateLimited        *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the process metrics registered on the default registerer.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		orderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Name:      "order_transitions_total",
			Help:      "Order status transitions by target status.",
		}, []string{"status"}),
		lifecycleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Name:      "lifecycle_errors_total",
			Help:      "Rejected lifecycle operations by operation and error kind.",
		}, []string{"operation", "kind"}),
		provisionRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Name:      "provisioning_requests_total",
			Help:      "Provisioning panel calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		provisionRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "storefront",
			Name:      "provisioning_retries_total",
			Help:      "Provisioning calls retried after a transport failure.",
		}),
		provisioningHealth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "storefront",
			Name:      "provisioning_healthy",
			Help:      "1 while the provisioning panel is considered healthy.",
		}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Name:      "job_runs_total",
			Help:      "Background job ticks by job and outcome.",
		}, []string{"job", "outcome"}),
		jobItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Name:      "job_items_total",
			Help:      "Records changed by background jobs.",
		}, []string{"job", "effect"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Name:      "rate_limited_total",
			Help:      "Calls denied by the rate limiter.",
		}, []string{"action"}),
	}
	registerer.MustRegister(
		m.orderTransitions, m.lifecycleErrors, m.provisionRequests, m.provisionRetries,
		m.provisioningHealth, m.jobRuns, m.jobItems, m.rateLimited,
	)
	return m
}

func (m *Metrics) OrderTransition(status string) {
	if m == nil {
		return
	}
	m.orderTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) LifecycleError(operation, kind string) {
	if m == nil {
		return
	}
	m.lifecycleErrors.WithLabelValues(operation, kind).Inc()
}

func (m *Metrics) ProvisionRequest(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.provisionRequests.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) ProvisionRetry() {
	if m == nil {
		return
	}
	m.provisionRetries.Inc()
}

func (m *Metrics) ProvisioningHealthy(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.provisioningHealth.Set(1)
		return
	}
	m.provisioningHealth.Set(0)
}

func (m *Metrics) JobRun(job string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.jobRuns.WithLabelValues(job, outcome).Inc()
}

func (m *Metrics) JobItems(job, effect string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.jobItems.WithLabelValues(job, effect).Add(float64(n))
}

func (m *Metrics) RateLimited(action string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(action).Inc()
}
