package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Provisioning metrics
	Provisions   *prometheus.CounterVec
	Revocations  *prometheus.CounterVec
	Compensation *prometheus.CounterVec
	Resources    *prometheus.GaugeVec

	// Pool metrics
	IPAllocations        *prometheus.CounterVec
	IPAllocationErrors   prometheus.Counter
	IPAllocationDuration prometheus.Histogram
	PoolExhausted        *prometheus.CounterVec
	PoolRevocations      *prometheus.CounterVec
	PoolReleases         prometheus.Counter
	PoolAvailable        *prometheus.GaugeVec

	// Backend metrics
	BackendLatency *prometheus.HistogramVec
	BackendErrors  *prometheus.CounterVec

	// Maintenance metrics
	SweepRuns          *prometheus.CounterVec
	SweepExpired       prometheus.Counter
	SweepReleased      prometheus.Counter
	SweepLastTimestamp prometheus.Gauge

	// Git sync metrics
	GitSyncs             *prometheus.CounterVec
	GitSyncDuration      prometheus.Histogram
	GitSyncLastTimestamp prometheus.Gauge
}

// New creates and registers all metrics with reg.
// A nil reg registers with the default Prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		Provisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ironvpn_provisions_total",
				Help: "Total number of provisioning attempts by backend and outcome",
			},
			[]string{"backend", "outcome"}, // outcome is "active" or an error kind
		),

		Revocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ironvpn_revocations_total",
				Help: "Total number of resource teardowns by backend and final status",
			},
			[]string{"backend", "status"},
		),

		Compensation: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ironvpn_compensations_total",
				Help: "Total number of compensating rollbacks by outcome",
			},
			[]string{"backend", "outcome"}, // success, failed
		),

		Resources: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ironvpn_resources_in_flight",
				Help: "Number of provisioning operations currently in flight",
			},
			[]string{"backend"},
		),

		IPAllocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ironvpn_ip_allocations_total",
				Help: "Total number of IP address allocations by pool type",
			},
			[]string{"pool_type"},
		),

		IPAllocationErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ironvpn_ip_allocation_errors_total",
				Help: "Total number of IP allocation errors",
			},
		),

		IPAllocationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ironvpn_ip_allocation_duration_seconds",
				Help:    "Duration of IP allocation operations",
				Buckets: []float64{0.001, 0.005, 0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0},
			},
		),

		PoolExhausted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ironvpn_pool_exhausted_total",
				Help: "Total number of allocations that found the pool empty",
			},
			[]string{"pool_type"},
		),

		PoolRevocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ironvpn_pool_revocations_total",
				Help: "Total number of pool entries revoked",
			},
			[]string{"pool_type"},
		),

		PoolReleases: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ironvpn_pool_releases_total",
				Help: "Total number of revoked pool entries returned to the available set",
			},
		),

		PoolAvailable: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ironvpn_pool_available",
				Help: "Number of available addresses per pool type",
			},
			[]string{"pool_type"},
		),

		BackendLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ironvpn_backend_call_duration_seconds",
				Help:    "Latency of external backend calls by backend and operation",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend", "operation"},
		),

		BackendErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ironvpn_backend_errors_total",
				Help: "Total number of failed backend calls by backend and operation",
			},
			[]string{"backend", "operation"},
		),

		SweepRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ironvpn_sweep_runs_total",
				Help: "Total number of maintenance sweeps by status",
			},
			[]string{"status"}, // success, failed
		),

		SweepExpired: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ironvpn_sweep_expired_total",
				Help: "Total number of resources expired by the sweeper",
			},
		),

		SweepReleased: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ironvpn_sweep_released_total",
				Help: "Total number of pool entries released by the sweeper",
			},
		),

		SweepLastTimestamp: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ironvpn_sweep_last_timestamp",
				Help: "Timestamp of the last successful maintenance sweep",
			},
		),

		GitSyncs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ironvpn_git_syncs_total",
				Help: "Total number of pool inventory git syncs by status",
			},
			[]string{"status"}, // success, failed
		),

		GitSyncDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ironvpn_git_sync_duration_seconds",
				Help:    "Duration of pool inventory git syncs",
				Buckets: prometheus.DefBuckets,
			},
		),

		GitSyncLastTimestamp: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ironvpn_git_sync_last_timestamp",
				Help: "Timestamp of the last successful pool inventory git sync",
			},
		),
	}

	return m
}

// RecordProvision records the outcome of a provisioning attempt
func (m *Metrics) RecordProvision(backend, outcome string) {
	if m == nil {
		return
	}
	m.Provisions.WithLabelValues(backend, outcome).Inc()
}

// RecordRevocation records a completed teardown
func (m *Metrics) RecordRevocation(backend, status string) {
	if m == nil {
		return
	}
	m.Revocations.WithLabelValues(backend, status).Inc()
}

// RecordCompensation records a compensating rollback
func (m *Metrics) RecordCompensation(backend string, success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failed"
	}
	m.Compensation.WithLabelValues(backend, outcome).Inc()
}

// TrackInFlight increments the in-flight gauge and returns its decrement
func (m *Metrics) TrackInFlight(backend string) func() {
	if m == nil {
		return func() {}
	}
	g := m.Resources.WithLabelValues(backend)
	g.Inc()
	return g.Dec
}

// RecordIPAllocation records an IP allocation
func (m *Metrics) RecordIPAllocation(poolType string, duration float64) {
	if m == nil {
		return
	}
	m.IPAllocations.WithLabelValues(poolType).Inc()
	m.IPAllocationDuration.Observe(duration)
}

// RecordIPAllocationError records an IP allocation error
func (m *Metrics) RecordIPAllocationError() {
	if m == nil {
		return
	}
	m.IPAllocationErrors.Inc()
}

// RecordPoolExhausted records an allocation against an empty pool
func (m *Metrics) RecordPoolExhausted(poolType string) {
	if m == nil {
		return
	}
	m.PoolExhausted.WithLabelValues(poolType).Inc()
}

// RecordPoolRevocations records revoked pool entries
func (m *Metrics) RecordPoolRevocations(poolType string, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.PoolRevocations.WithLabelValues(poolType).Add(float64(count))
}

// RecordPoolRelease records a pool entry returned to the available set
func (m *Metrics) RecordPoolRelease() {
	if m == nil {
		return
	}
	m.PoolReleases.Inc()
}

// UpdatePoolAvailable sets the available gauge for a pool type
func (m *Metrics) UpdatePoolAvailable(poolType string, available int64) {
	if m == nil {
		return
	}
	m.PoolAvailable.WithLabelValues(poolType).Set(float64(available))
}

// RecordBackendCall records latency and failure of an external backend call
func (m *Metrics) RecordBackendCall(backend, operation string, duration float64, err error) {
	if m == nil {
		return
	}
	m.BackendLatency.WithLabelValues(backend, operation).Observe(duration)
	if err != nil {
		m.BackendErrors.WithLabelValues(backend, operation).Inc()
	}
}

// RecordSweep records a maintenance sweep
func (m *Metrics) RecordSweep(success bool, expired, released int) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	m.SweepRuns.WithLabelValues(status).Inc()
	m.SweepExpired.Add(float64(expired))
	m.SweepReleased.Add(float64(released))

	if success {
		m.SweepLastTimestamp.SetToCurrentTime()
	}
}

// RecordGitSync records a git sync operation
func (m *Metrics) RecordGitSync(success bool, duration float64) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	m.GitSyncs.WithLabelValues(status).Inc()
	m.GitSyncDuration.Observe(duration)

	if success {
		m.GitSyncLastTimestamp.SetToCurrentTime()
	}
}

// RegisterDatabasePool exports the number of acquired database connections,
// read from acquired on every scrape
func RegisterDatabasePool(reg prometheus.Registerer, acquired func() int32) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "ironvpn_database_connections",
			Help: "Number of active database connections",
		},
		func() float64 { return float64(acquired()) },
	)
}
