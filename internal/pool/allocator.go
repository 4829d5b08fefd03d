package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/sashakarcz/ironvpn/internal/config"
	"github.com/sashakarcz/ironvpn/internal/logger"
	"github.com/sashakarcz/ironvpn/internal/metrics"
	"github.com/sashakarcz/ironvpn/internal/storage"
)

var (
	// ErrEntryNotFound is returned when an address is not in any pool
	ErrEntryNotFound = storage.ErrEntryNotFound
	// ErrHolderAssigned is returned when releasing an entry that still has a holder
	ErrHolderAssigned = storage.ErrEntryHeld
)

// Store is the persistence the allocator needs. Every mutating method must
// lock only the rows it touches.
type Store interface {
	ClaimEntry(ctx context.Context, poolType, holderID string, metadata map[string]interface{}) (*storage.PoolEntry, error)
	RevokeEntry(ctx context.Context, address, reason string) (bool, error)
	ReleaseEntry(ctx context.Context, address string) (bool, error)
	RevokeEntriesForHolder(ctx context.Context, holderID, poolType, reason string) (int64, error)
	ReleasableEntries(ctx context.Context, revokedBefore time.Time, limit int) ([]string, error)
	RegisterEntries(ctx context.Context, poolType string, addresses []string, metadata map[string]interface{}) (int64, error)
	GetPoolStatistics(ctx context.Context) ([]*storage.PoolStatistics, error)
}

// Allocator hands out pool entries with at most one holder per address
type Allocator struct {
	store    Store
	metrics  *metrics.Metrics
	serverID string
}

// NewAllocator creates a new IP allocator. m may be nil.
func NewAllocator(store Store, m *metrics.Metrics, serverID string) *Allocator {
	return &Allocator{
		store:    store,
		metrics:  m,
		serverID: serverID,
	}
}

// Allocate assigns one available, unrevoked entry of poolType to holderID.
// An exhausted pool is not an error: it returns nil, nil.
func (a *Allocator) Allocate(ctx context.Context, poolType, holderID string, metadata map[string]interface{}) (*storage.PoolEntry, error) {
	if !config.IsValidPoolType(poolType) {
		return nil, fmt.Errorf("unknown pool type %q", poolType)
	}
	if holderID == "" {
		return nil, fmt.Errorf("holder id is required")
	}

	meta := make(map[string]interface{}, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	if a.serverID != "" {
		meta["allocated_by"] = a.serverID
	}

	start := time.Now()
	entry, err := a.store.ClaimEntry(ctx, poolType, holderID, meta)
	if err != nil {
		a.metrics.RecordIPAllocationError()
		return nil, fmt.Errorf("failed to allocate from %s: %w", poolType, err)
	}

	if entry == nil {
		a.metrics.RecordPoolExhausted(poolType)
		logger.Warn().
			Str("pool_type", poolType).
			Str("holder_id", holderID).
			Msg("Pool exhausted")
		return nil, nil
	}

	a.metrics.RecordIPAllocation(poolType, time.Since(start).Seconds())
	logger.Info().
		Str("address", entry.Address).
		Str("pool_type", poolType).
		Str("holder_id", holderID).
		Msg("Allocated pool entry")

	return entry, nil
}

// Revoke marks an entry revoked. Revoking twice is a no-op that reports true;
// an unknown address reports false.
func (a *Allocator) Revoke(ctx context.Context, address, reason string) (bool, error) {
	ok, err := a.store.RevokeEntry(ctx, address, reason)
	if err != nil {
		return false, fmt.Errorf("failed to revoke %s: %w", address, err)
	}

	if ok {
		logger.Info().
			Str("address", address).
			Str("reason", reason).
			Msg("Revoked pool entry")
	} else {
		logger.Warn().
			Str("address", address).
			Msg("Revoke requested for unknown address")
	}

	return ok, nil
}

// Release returns a revoked, unassigned entry to the available set. It is the
// only way a revoked entry becomes allocatable again and it refuses entries
// that still have a holder.
func (a *Allocator) Release(ctx context.Context, address string) (bool, error) {
	ok, err := a.store.ReleaseEntry(ctx, address)
	if err != nil {
		if err == ErrHolderAssigned {
			logger.Error().
				Str("address", address).
				Msg("Refusing to release pool entry with a holder")
		}
		return false, err
	}

	a.metrics.RecordPoolRelease()
	logger.Info().
		Str("address", address).
		Msg("Released pool entry")

	return ok, nil
}

// RevokeAllForHolder revokes every entry of poolType held by holderID.
// A holder with no entries yields zero.
func (a *Allocator) RevokeAllForHolder(ctx context.Context, holderID, poolType, reason string) (int64, error) {
	count, err := a.store.RevokeEntriesForHolder(ctx, holderID, poolType, reason)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke entries for %s: %w", holderID, err)
	}

	a.metrics.RecordPoolRevocations(poolType, count)
	if count > 0 {
		logger.Info().
			Str("holder_id", holderID).
			Str("pool_type", poolType).
			Int64("count", count).
			Msg("Revoked pool entries for holder")
	}

	return count, nil
}

// ReleaseStale releases up to limit entries revoked longer than olderThan ago.
// Entries that fail to release are logged and skipped.
func (a *Allocator) ReleaseStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	addresses, err := a.store.ReleasableEntries(ctx, time.Now().Add(-olderThan), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list releasable entries: %w", err)
	}

	released := 0
	for _, address := range addresses {
		if err := ctx.Err(); err != nil {
			return released, err
		}
		if _, err := a.Release(ctx, address); err != nil {
			logger.Warn().
				Err(err).
				Str("address", address).
				Msg("Failed to release stale pool entry")
			continue
		}
		released++
	}

	return released, nil
}

// Register adds addresses to poolType, skipping ones already present
func (a *Allocator) Register(ctx context.Context, poolType string, addresses []string, source string) (int64, error) {
	if !config.IsValidPoolType(poolType) {
		return 0, fmt.Errorf("unknown pool type %q", poolType)
	}
	if len(addresses) == 0 {
		return 0, nil
	}

	meta := map[string]interface{}{"source": source}
	inserted, err := a.store.RegisterEntries(ctx, poolType, addresses, meta)
	if err != nil {
		return inserted, fmt.Errorf("failed to register %s entries: %w", poolType, err)
	}

	logger.Info().
		Str("pool_type", poolType).
		Int("requested", len(addresses)).
		Int64("inserted", inserted).
		Str("source", source).
		Msg("Registered pool entries")

	return inserted, nil
}

// Stats returns per pool type counts and refreshes the availability gauges
func (a *Allocator) Stats(ctx context.Context) ([]*storage.PoolStatistics, error) {
	stats, err := a.store.GetPoolStatistics(ctx)
	if err != nil {
		return nil, err
	}

	for _, s := range stats {
		a.metrics.UpdatePoolAvailable(s.PoolType, s.Available)
	}

	return stats, nil
}
