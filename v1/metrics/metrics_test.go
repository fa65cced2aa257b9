package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterLockMetrics(reg)
	RegisterEvictionMetrics(reg)
	LockAcquireCounter.WithLabelValues("reentrant").Inc()
	LockContentionCounter.WithLabelValues("reentrant").Inc()
	LockReleaseCounter.WithLabelValues("reentrant").Inc()
	LockWaitHistogram.WithLabelValues("reentrant").Observe(0.01)
	RenewalCounter.Inc()
	RenewalFailureCounter.Inc()
	ActiveRenewalsGauge.Set(1)
	NotifierSubscriptions.Set(2)
	EvictionRemovedCounter.WithLabelValues("c").Add(3)
	EvictionFailureCounter.WithLabelValues("c").Inc()
	EvictionDelayGauge.WithLabelValues("c").Set(10)
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) < 11 {
		t.Fatalf("expected 11 metric families, got %d", len(mfs))
	}
}

func TestRegisterLockMetricsDuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterLockMetrics(reg)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	RegisterLockMetrics(reg)
}
