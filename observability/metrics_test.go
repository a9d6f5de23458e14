package observability

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := vec.WithLabelValues(labels...).Write(metric); err != nil {
		t.Fatalf("write counter: %v", err)
	}
	return metric.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, gauge prometheus.Gauge) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := gauge.Write(metric); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	return metric.GetGauge().GetValue()
}

func TestObserveSegmentsOutcome(t *testing.T) {
	m := newDealsMetrics()
	m.Observe("ApproveDeal", "", 5*time.Millisecond)
	m.Observe("approvedeal", "invalid_state", time.Millisecond)
	m.Observe(" ", "", 0)

	if got := counterValue(t, m.operations, "approvedeal", "success"); got != 1 {
		t.Fatalf("expected one success, got %v", got)
	}
	if got := counterValue(t, m.operations, "approvedeal", "error"); got != 1 {
		t.Fatalf("expected one error, got %v", got)
	}
	if got := counterValue(t, m.errors, "approvedeal", "invalid_state"); got != 1 {
		t.Fatalf("expected error kind to be counted, got %v", got)
	}
	if got := counterValue(t, m.operations, "unknown", "success"); got != 1 {
		t.Fatalf("expected blank op to fall back to unknown, got %v", got)
	}
}

func TestSolvencyAndPauseGauges(t *testing.T) {
	m := newDealsMetrics()
	m.SetSolvency(big.NewInt(1500), big.NewInt(2000))
	if got := gaugeValue(t, m.escrowed); got != 1500 {
		t.Fatalf("escrowed gauge = %v", got)
	}
	if got := gaugeValue(t, m.vault); got != 2000 {
		t.Fatalf("vault gauge = %v", got)
	}
	m.SetSolvency(nil, nil)
	if got := gaugeValue(t, m.vault); got != 0 {
		t.Fatalf("nil balance should publish zero, got %v", got)
	}

	m.SetPaused(true)
	if got := gaugeValue(t, m.paused); got != 1 {
		t.Fatalf("paused gauge = %v", got)
	}
	m.SetPaused(false)
	if got := gaugeValue(t, m.paused); got != 0 {
		t.Fatalf("paused gauge = %v", got)
	}
}

func TestWatcherAndEventCounters(t *testing.T) {
	m := newDealsMetrics()
	m.RecordWatcher("release", nil)
	m.RecordWatcher("release", errors.New("boom"))
	m.RecordEvent("deals.created")
	m.RecordEvent("deals.created")

	if got := counterValue(t, m.watcher, "release", "error"); got != 1 {
		t.Fatalf("watcher errors = %v", got)
	}
	if got := counterValue(t, m.events, "deals.created"); got != 2 {
		t.Fatalf("event count = %v", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *DealsMetrics
	m.Observe("x", "y", time.Second)
	m.RecordEvent("x")
	m.RecordWatcher("x", nil)
	m.SetSolvency(big.NewInt(1), big.NewInt(1))
	m.SetPaused(true)
}
