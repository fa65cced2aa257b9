package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LockAcquireCounter tracks successful acquisitions, labelled by lock kind.
	LockAcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tether_lock_acquire_total",
		Help: "Total number of successful lock acquisitions",
	}, []string{"kind"})
	// LockContentionCounter tracks attempts that found the lock held by another owner.
	LockContentionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tether_lock_contention_total",
		Help: "Total number of acquisition attempts that hit contention",
	}, []string{"kind"})
	// LockReleaseCounter tracks full releases, including forced ones.
	LockReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tether_lock_release_total",
		Help: "Total number of full lock releases",
	}, []string{"kind"})
	// LockWaitHistogram observes how long blocking acquisitions waited.
	LockWaitHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tether_lock_wait_seconds",
		Help:    "Time spent waiting for a contended lock",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"kind"})
	// RenewalCounter tracks lease renewals sent to the store.
	RenewalCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tether_lease_renewal_total",
		Help: "Total number of lease renewals",
	})
	// RenewalFailureCounter tracks lease renewals that failed.
	RenewalFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tether_lease_renewal_failures_total",
		Help: "Total number of failed lease renewals",
	})
	// ActiveRenewalsGauge reports the number of live renewal timers.
	ActiveRenewalsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tether_lease_renewals_active",
		Help: "Current number of active lease renewal timers",
	})
	// NotifierSubscriptions reports the number of live channel subscriptions.
	NotifierSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tether_notifier_subscriptions",
		Help: "Current number of network channel subscriptions",
	})
	// EvictionRemovedCounter tracks entries removed by the eviction scheduler.
	EvictionRemovedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tether_eviction_removed_total",
		Help: "Total number of expired cache entries removed",
	}, []string{"cache"})
	// EvictionFailureCounter tracks cleanup transactions that failed.
	EvictionFailureCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tether_eviction_failures_total",
		Help: "Total number of failed eviction runs",
	}, []string{"cache"})
	// EvictionDelayGauge reports the current eviction delay per cache.
	EvictionDelayGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tether_eviction_delay_seconds",
		Help: "Current delay between eviction runs",
	}, []string{"cache"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers lock, lease and notifier metrics on the
// provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		LockAcquireCounter,
		LockContentionCounter,
		LockReleaseCounter,
		LockWaitHistogram,
		RenewalCounter,
		RenewalFailureCounter,
		ActiveRenewalsGauge,
		NotifierSubscriptions,
	)
}

// RegisterEvictionMetrics registers eviction scheduler metrics on the
// provided registry.
func RegisterEvictionMetrics(reg prometheus.Registerer) {
	reg.MustRegister(EvictionRemovedCounter, EvictionFailureCounter, EvictionDelayGauge)
}
