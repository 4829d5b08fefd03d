package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordProvision("wireguard", "active")
		m.RecordBackendCall("outline", "create", 0.1, errors.New("boom"))
		m.RecordSweep(true, 1, 2)
		m.TrackInFlight("wireguard")()
	})
}

func TestRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordProvision("wireguard", "active")
	m.RecordProvision("wireguard", "active")
	m.RecordPoolRevocations("wireguard_trial", 3)
	m.UpdatePoolAvailable("wireguard_trial", 7)

	done := m.TrackInFlight("outline")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Resources.WithLabelValues("outline")))
	done()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Resources.WithLabelValues("outline")))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Provisions.WithLabelValues("wireguard", "active")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PoolRevocations.WithLabelValues("wireguard_trial")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.PoolAvailable.WithLabelValues("wireguard_trial")))
}

func TestRegisterDatabasePool(t *testing.T) {
	reg := prometheus.NewRegistry()
	var acquired int32 = 4
	RegisterDatabasePool(reg, func() int32 { return acquired })

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "ironvpn_database_connections", families[0].GetName())
	assert.Equal(t, 4.0, families[0].GetMetric()[0].GetGauge().GetValue())
}
