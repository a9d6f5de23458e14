package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DealsMetrics captures escrow engine activity exposed by dealsd.
type DealsMetrics struct {
	operations *prometheus.CounterVec
	errors     *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	escrowed   prometheus.Gauge
	vault      prometheus.Gauge
	paused     prometheus.Gauge
	events     *prometheus.CounterVec
	watcher    *prometheus.CounterVec
}

var (
	dealsMetricsOnce sync.Once
	dealsRegistry    *DealsMetrics
)

// Deals returns the lazily-initialised deal metrics registry.
func Deals() *DealsMetrics {
	dealsMetricsOnce.Do(func() {
		dealsRegistry = newDealsMetrics()
		prometheus.MustRegister(
			dealsRegistry.operations,
			dealsRegistry.errors,
			dealsRegistry.latency,
			dealsRegistry.escrowed,
			dealsRegistry.vault,
			dealsRegistry.paused,
			dealsRegistry.events,
			dealsRegistry.watcher,
		)
	})
	return dealsRegistry
}

func newDealsMetrics() *DealsMetrics {
	return &DealsMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sponsorvault",
			Subsystem: "deals",
			Name:      "operations_total",
			Help:      "Total deal operations segmented by operation and outcome.",
		}, []string{"op", "outcome"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sponsorvault",
			Subsystem: "deals",
			Name:      "errors_total",
			Help:      "Rejected deal operations segmented by operation and error kind.",
		}, []string{"op", "kind"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sponsorvault",
			Subsystem: "deals",
			Name:      "operation_duration_seconds",
			Help:      "Latency distribution for deal operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		escrowed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sponsorvault",
			Subsystem: "deals",
			Name:      "escrowed_amount",
			Help:      "Sum of deal amounts currently held in custody.",
		}),
		vault: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sponsorvault",
			Subsystem: "deals",
			Name:      "vault_balance",
			Help:      "Escrow token balance of the custody vault.",
		}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sponsorvault",
			Subsystem: "deals",
			Name:      "paused",
			Help:      "Circuit breaker state (1 when paused).",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sponsorvault",
			Subsystem: "deals",
			Name:      "events_total",
			Help:      "Emitted deal events segmented by type.",
		}, []string{"type"}),
		watcher: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sponsorvault",
			Subsystem: "watcher",
			Name:      "actions_total",
			Help:      "Automatic settlements attempted by the deadline watcher.",
		}, []string{"action", "outcome"}),
	}
}

// Observe records the outcome of a deal operation. kind is empty on success.
func (m *DealsMetrics) Observe(op, kind string, duration time.Duration) {
	if m == nil {
		return
	}
	op = normalise(op, "unknown")
	outcome := "success"
	if strings.TrimSpace(kind) != "" {
		outcome = "error"
		m.errors.WithLabelValues(op, strings.TrimSpace(kind)).Inc()
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	if duration > 0 {
		m.latency.WithLabelValues(op).Observe(duration.Seconds())
	}
}

// RecordEvent counts an emitted event.
func (m *DealsMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(normalise(eventType, "unknown")).Inc()
}

// RecordWatcher counts an automatic release or refund attempt.
func (m *DealsMetrics) RecordWatcher(action string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.watcher.WithLabelValues(normalise(action, "unknown"), outcome).Inc()
}

// SetSolvency publishes the escrowed total against the vault balance.
func (m *DealsMetrics) SetSolvency(escrowed, vault *big.Int) {
	if m == nil {
		return
	}
	m.escrowed.Set(bigToFloat(escrowed))
	m.vault.Set(bigToFloat(vault))
}

// SetPaused publishes the circuit breaker state.
func (m *DealsMetrics) SetPaused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.paused.Set(1)
		return
	}
	m.paused.Set(0)
}

func normalise(value, fallback string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(value).Float64()
	if math.IsInf(f, 0) {
		return math.MaxFloat64
	}
	return f
}
