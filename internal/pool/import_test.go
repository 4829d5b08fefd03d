package pool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sashakarcz/ironvpn/internal/config"
)

func TestImport(t *testing.T) {
	a, store := newTestAllocator(t)
	ctx := context.Background()

	blocks := []config.PoolImportConfig{
		{PoolType: config.PoolWireGuardTrial, CIDR: "10.10.0.0/29", Exclude: []string{"10.10.0.1"}},
		{PoolType: config.PoolWireGuardPaid, CIDR: "10.20.0.0/30"},
	}

	res, err := a.Import(ctx, blocks, "test")
	require.NoError(t, err)
	// /29 has .1-.6 usable, minus the excluded .1
	assert.Equal(t, 5, res.Expanded[config.PoolWireGuardTrial])
	assert.Equal(t, int64(5), res.Added[config.PoolWireGuardTrial])
	assert.Equal(t, int64(2), res.Added[config.PoolWireGuardPaid])
	assert.Equal(t, int64(7), res.TotalAdded())

	assert.Nil(t, store.Entry("10.10.0.1"))
	require.NotNil(t, store.Entry("10.10.0.2"))
	assert.Equal(t, "test", store.Entry("10.10.0.2").Metadata["source"])

	again, err := a.Import(ctx, blocks, "test")
	require.NoError(t, err)
	assert.Equal(t, int64(0), again.TotalAdded())
}

func TestImport_RejectsInvalidBlock(t *testing.T) {
	a, _ := newTestAllocator(t)

	_, err := a.Import(context.Background(), []config.PoolImportConfig{
		{PoolType: "ipsec_paid", CIDR: "10.10.0.0/29"},
	}, "test")
	assert.Error(t, err)

	_, err = a.Import(context.Background(), []config.PoolImportConfig{
		{PoolType: config.PoolOutlinePaid, CIDR: "10.10.0.0/29", Exclude: []string{"192.168.1.1"}},
	}, "test")
	assert.Error(t, err)
}
