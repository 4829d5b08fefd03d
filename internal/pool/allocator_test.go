package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/sashakarcz/ironvpn/internal/config"
	"github.com/sashakarcz/ironvpn/internal/testutil"
)

func newTestAllocator(t *testing.T) (*Allocator, *testutil.MockPoolStore) {
	t.Helper()
	store := testutil.NewMockPoolStore()
	return NewAllocator(store, nil, "test-server"), store
}

func TestAllocate_AssignsHolder(t *testing.T) {
	a, store := newTestAllocator(t)
	store.Seed(config.PoolWireGuardTrial, "10.10.0.5")

	entry, err := a.Allocate(context.Background(), config.PoolWireGuardTrial, "user-1", map[string]interface{}{"resource_id": "r1"})
	require.NoError(t, err)
	require.NotNil(t, entry)

	assert.Equal(t, "10.10.0.5", entry.Address)
	require.NotNil(t, entry.HolderID)
	assert.Equal(t, "user-1", *entry.HolderID)
	assert.False(t, entry.IsAvailable)
	assert.Equal(t, "r1", entry.Metadata["resource_id"])
	assert.Equal(t, "test-server", entry.Metadata["allocated_by"])
	require.NoError(t, store.CheckInvariants())
}

func TestAllocate_ExhaustedPoolReturnsNil(t *testing.T) {
	a, store := newTestAllocator(t)
	store.Seed(config.PoolWireGuardPaid, "10.20.0.2")

	entry, err := a.Allocate(context.Background(), config.PoolWireGuardTrial, "user-1", nil)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestAllocate_SkipsRevokedEntries(t *testing.T) {
	a, store := newTestAllocator(t)
	store.Seed(config.PoolWireGuardTrial, "10.10.0.2")
	ctx := context.Background()

	ok, err := a.Revoke(ctx, "10.10.0.2", "manual")
	require.NoError(t, err)
	require.True(t, ok)

	entry, err := a.Allocate(ctx, config.PoolWireGuardTrial, "user-1", nil)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestAllocate_RejectsUnknownPoolType(t *testing.T) {
	a, _ := newTestAllocator(t)

	_, err := a.Allocate(context.Background(), "mtproto", "user-1", nil)
	assert.Error(t, err)
}

func TestAllocate_StoreError(t *testing.T) {
	a, store := newTestAllocator(t)
	store.SetClaimError(errors.New("connection reset"))

	entry, err := a.Allocate(context.Background(), config.PoolWireGuardTrial, "user-1", nil)
	require.Error(t, err)
	assert.Nil(t, entry)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestAllocate_ConcurrentCallersGetDistinctAddresses(t *testing.T) {
	a, store := newTestAllocator(t)

	const n = 50
	addresses := make([]string, n)
	for i := range addresses {
		addresses[i] = fmt.Sprintf("10.10.%d.%d", i/250, i%250+1)
	}
	store.Seed(config.PoolWireGuardTrial, addresses...)

	var mu sync.Mutex
	seen := make(map[string]bool)

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		holder := fmt.Sprintf("user-%d", i)
		g.Go(func() error {
			entry, err := a.Allocate(ctx, config.PoolWireGuardTrial, holder, nil)
			if err != nil {
				return err
			}
			if entry == nil {
				return errors.New("pool exhausted early")
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[entry.Address] {
				return fmt.Errorf("address %s handed out twice", entry.Address)
			}
			seen[entry.Address] = true
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, seen, n)

	stats, err := a.Stats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(0), stats[0].Available)
	assert.Equal(t, int64(n), stats[0].Assigned)
	require.NoError(t, store.CheckInvariants())
}

func TestRevoke_IsIdempotent(t *testing.T) {
	a, store := newTestAllocator(t)
	store.Seed(config.PoolWireGuardTrial, "10.10.0.5")
	ctx := context.Background()

	_, err := a.Allocate(ctx, config.PoolWireGuardTrial, "user-1", nil)
	require.NoError(t, err)

	ok, err := a.Revoke(ctx, "10.10.0.5", "expired")
	require.NoError(t, err)
	assert.True(t, ok)
	first := store.Entry("10.10.0.5")

	ok, err = a.Revoke(ctx, "10.10.0.5", "expired")
	require.NoError(t, err)
	assert.True(t, ok)
	second := store.Entry("10.10.0.5")

	assert.True(t, second.IsRevoked)
	assert.False(t, second.IsAvailable)
	assert.Nil(t, second.HolderID)
	assert.Equal(t, first.RevokedAt, second.RevokedAt)
	assert.Equal(t, "user-1", second.Metadata["last_holder_id"])
	assert.Equal(t, "expired", second.Metadata["revoke_reason"])
}

func TestRevoke_UnknownAddress(t *testing.T) {
	a, _ := newTestAllocator(t)

	ok, err := a.Revoke(context.Background(), "192.0.2.1", "manual")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRelease_RefusesHeldEntry(t *testing.T) {
	a, store := newTestAllocator(t)
	store.Seed(config.PoolOutlinePaid, "10.30.0.2")
	ctx := context.Background()

	_, err := a.Allocate(ctx, config.PoolOutlinePaid, "user-1", nil)
	require.NoError(t, err)

	ok, err := a.Release(ctx, "10.30.0.2")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrHolderAssigned)

	entry := store.Entry("10.30.0.2")
	require.NotNil(t, entry.HolderID)
	assert.Equal(t, "user-1", *entry.HolderID)
}

func TestRelease_ReinstatesRevokedEntry(t *testing.T) {
	a, store := newTestAllocator(t)
	store.Seed(config.PoolWireGuardPaid, "10.20.0.2")
	ctx := context.Background()

	_, err := a.Allocate(ctx, config.PoolWireGuardPaid, "user-1", nil)
	require.NoError(t, err)
	_, err = a.Revoke(ctx, "10.20.0.2", "teardown")
	require.NoError(t, err)

	ok, err := a.Release(ctx, "10.20.0.2")
	require.NoError(t, err)
	assert.True(t, ok)

	entry, err := a.Allocate(ctx, config.PoolWireGuardPaid, "user-2", nil)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "10.20.0.2", entry.Address)
}

func TestRelease_UnknownAddress(t *testing.T) {
	a, _ := newTestAllocator(t)

	ok, err := a.Release(context.Background(), "192.0.2.1")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestRevokeAllForHolder(t *testing.T) {
	a, store := newTestAllocator(t)
	store.Seed(config.PoolWireGuardPaid, "10.20.0.2", "10.20.0.3", "10.20.0.4")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := a.Allocate(ctx, config.PoolWireGuardPaid, "user-1", nil)
		require.NoError(t, err)
	}
	_, err := a.Allocate(ctx, config.PoolWireGuardPaid, "user-2", nil)
	require.NoError(t, err)

	count, err := a.RevokeAllForHolder(ctx, "user-1", config.PoolWireGuardPaid, "account closed")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	count, err = a.RevokeAllForHolder(ctx, "user-1", config.PoolWireGuardPaid, "account closed")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	count, err = a.RevokeAllForHolder(ctx, "nobody", config.PoolWireGuardPaid, "account closed")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	require.NotNil(t, store.Entry("10.20.0.4").HolderID)
}

func TestReleaseStale_OnlyReleasesAgedEntries(t *testing.T) {
	a, store := newTestAllocator(t)
	store.Seed(config.PoolWireGuardTrial, "10.10.0.2", "10.10.0.3")
	ctx := context.Background()

	for _, addr := range []string{"10.10.0.2", "10.10.0.3"} {
		_, err := a.Revoke(ctx, addr, "expired")
		require.NoError(t, err)
	}
	store.AgeRevocation("10.10.0.2", 8*24*time.Hour)

	released, err := a.ReleaseStale(ctx, 7*24*time.Hour, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	assert.True(t, store.Entry("10.10.0.2").IsAvailable)
	assert.True(t, store.Entry("10.10.0.3").IsRevoked)
}

func TestRegister_SkipsExisting(t *testing.T) {
	a, store := newTestAllocator(t)
	store.Seed(config.PoolWireGuardTrial, "10.10.0.2")

	inserted, err := a.Register(context.Background(), config.PoolWireGuardTrial, []string{"10.10.0.2", "10.10.0.3"}, "test")
	require.NoError(t, err)
	assert.Equal(t, int64(1), inserted)
	assert.Equal(t, "test", store.Entry("10.10.0.3").Metadata["source"])
}
