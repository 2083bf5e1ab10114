package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func newCounter() *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "test_total",
		Help:      "test counter",
	}, []string{"kind"})
}

func TestRegisterReusesExistingCollector(t *testing.T) {
	reg := prometheus.NewRegistry()

	first, err := Register(reg, newCounter())
	if err != nil {
		t.Fatalf("first register: %v", err)
	}
	second, err := Register(reg, newCounter())
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if first != second {
		t.Fatal("expected the already registered collector to be returned")
	}
}

func TestRegisterConflictingDescriptor(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := Register(reg, newCounter()); err != nil {
		t.Fatal(err)
	}
	clash := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "test_total",
		Help:      "different help",
	}, []string{"other"})
	if _, err := Register(reg, clash); err == nil {
		t.Fatal("expected conflicting descriptor to fail")
	}
}
