// Package testutil provides in-memory store implementations for package tests.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sashakarcz/ironvpn/internal/storage"
)

// MockPoolStore is an in-memory implementation of pool.Store.
// One mutex stands in for the row locks of the real store.
type MockPoolStore struct {
	mu      sync.Mutex
	entries map[string]*storage.PoolEntry

	// Error injection for testing
	claimError    error
	revokeError   error
	releaseError  error
	registerError error
	statsError    error

	afterClaim func()
}

// NewMockPoolStore creates a new, empty mock pool store.
func NewMockPoolStore() *MockPoolStore {
	return &MockPoolStore{
		entries: make(map[string]*storage.PoolEntry),
	}
}

// Seed adds available entries to poolType.
func (m *MockPoolStore) Seed(poolType string, addresses ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, address := range addresses {
		m.entries[address] = &storage.PoolEntry{
			Address:     address,
			PoolType:    poolType,
			IsAvailable: true,
			Metadata:    map[string]interface{}{},
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
}

// ClaimEntry assigns the lowest available address of poolType to holderID.
func (m *MockPoolStore) ClaimEntry(ctx context.Context, poolType, holderID string, metadata map[string]interface{}) (*storage.PoolEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.claimError != nil {
		return nil, m.claimError
	}

	for _, address := range m.sortedAddresses() {
		e := m.entries[address]
		if e.PoolType != poolType || !e.Allocatable() {
			continue
		}

		now := time.Now()
		holder := holderID
		e.IsAvailable = false
		e.HolderID = &holder
		e.AssignedAt = &now
		e.UpdatedAt = now
		for k, v := range metadata {
			e.Metadata[k] = v
		}
		if m.afterClaim != nil {
			// the claim stands even when the caller gives up on the reply
			m.afterClaim()
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		return copyEntry(e), nil
	}

	return nil, nil
}

// RevokeEntry marks an entry revoked and detaches its holder.
func (m *MockPoolStore) RevokeEntry(ctx context.Context, address, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.revokeError != nil {
		return false, m.revokeError
	}

	e, ok := m.entries[address]
	if !ok {
		return false, nil
	}
	if !e.IsRevoked {
		m.revokeLocked(e, reason)
	}
	return true, nil
}

// RevokeEntriesForHolder revokes every unrevoked entry of holderID in poolType.
func (m *MockPoolStore) RevokeEntriesForHolder(ctx context.Context, holderID, poolType, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.revokeError != nil {
		return 0, m.revokeError
	}

	var count int64
	for _, e := range m.entries {
		if e.HolderID == nil || *e.HolderID != holderID || e.PoolType != poolType || e.IsRevoked {
			continue
		}
		m.revokeLocked(e, reason)
		count++
	}
	return count, nil
}

func (m *MockPoolStore) revokeLocked(e *storage.PoolEntry, reason string) {
	now := time.Now()
	if e.HolderID != nil {
		e.Metadata["last_holder_id"] = *e.HolderID
	}
	reasons, _ := e.Metadata["revoke_reasons"].([]interface{})
	e.Metadata["revoke_reasons"] = append(reasons, reason)
	e.Metadata["revoke_reason"] = reason
	e.IsRevoked = true
	e.IsAvailable = false
	e.HolderID = nil
	e.RevokedAt = &now
	e.UpdatedAt = now
}

// ReleaseEntry returns a revoked, unheld entry to the available set.
func (m *MockPoolStore) ReleaseEntry(ctx context.Context, address string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.releaseError != nil {
		return false, m.releaseError
	}

	e, ok := m.entries[address]
	if !ok {
		return false, storage.ErrEntryNotFound
	}
	if e.HolderID != nil {
		return false, storage.ErrEntryHeld
	}

	e.IsRevoked = false
	e.IsAvailable = true
	e.RevokedAt = nil
	e.AssignedAt = nil
	e.Metadata["released_at"] = time.Now().Format(time.RFC3339)
	e.UpdatedAt = time.Now()
	return true, nil
}

// ReleasableEntries lists revoked, unheld entries revoked before the cutoff.
func (m *MockPoolStore) ReleasableEntries(ctx context.Context, revokedBefore time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for _, address := range m.sortedAddresses() {
		e := m.entries[address]
		if !e.IsRevoked || e.HolderID != nil || e.RevokedAt == nil || !e.RevokedAt.Before(revokedBefore) {
			continue
		}
		out = append(out, address)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// RegisterEntries inserts new available entries, skipping known addresses.
func (m *MockPoolStore) RegisterEntries(ctx context.Context, poolType string, addresses []string, metadata map[string]interface{}) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registerError != nil {
		return 0, m.registerError
	}

	var inserted int64
	now := time.Now()
	for _, address := range addresses {
		if _, ok := m.entries[address]; ok {
			continue
		}
		meta := make(map[string]interface{}, len(metadata))
		for k, v := range metadata {
			meta[k] = v
		}
		m.entries[address] = &storage.PoolEntry{
			Address:     address,
			PoolType:    poolType,
			IsAvailable: true,
			Metadata:    meta,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		inserted++
	}
	return inserted, nil
}

// GetPoolStatistics returns per pool type counts.
func (m *MockPoolStore) GetPoolStatistics(ctx context.Context) ([]*storage.PoolStatistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.statsError != nil {
		return nil, m.statsError
	}

	byType := make(map[string]*storage.PoolStatistics)
	for _, e := range m.entries {
		s, ok := byType[e.PoolType]
		if !ok {
			s = &storage.PoolStatistics{PoolType: e.PoolType}
			byType[e.PoolType] = s
		}
		s.Total++
		if e.IsAvailable && !e.IsRevoked {
			s.Available++
		}
		if e.HolderID != nil {
			s.Assigned++
		}
		if e.IsRevoked {
			s.Revoked++
		}
	}

	stats := make([]*storage.PoolStatistics, 0, len(byType))
	for _, s := range byType {
		stats = append(stats, s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].PoolType < stats[j].PoolType })
	return stats, nil
}

// Entry returns a copy of the entry for address, or nil.
func (m *MockPoolStore) Entry(address string) *storage.PoolEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[address]
	if !ok {
		return nil
	}
	return copyEntry(e)
}

// AgeRevocation moves the revocation time of address back by d.
func (m *MockPoolStore) AgeRevocation(address string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[address]; ok && e.RevokedAt != nil {
		t := e.RevokedAt.Add(-d)
		e.RevokedAt = &t
	}
}

// CheckInvariants returns an error if any entry is both available and held.
func (m *MockPoolStore) CheckInvariants() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.IsAvailable && e.HolderID != nil {
			return fmt.Errorf("entry %s is available but held by %s", e.Address, *e.HolderID)
		}
	}
	return nil
}

// SetClaimError sets the error returned by ClaimEntry.
func (m *MockPoolStore) SetClaimError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claimError = err
}

// SetAfterClaim sets a func run once a claim has been committed and before
// ClaimEntry returns. If ctx is done by then, ClaimEntry reports ctx.Err()
// the way a database driver does, leaving the entry held.
func (m *MockPoolStore) SetAfterClaim(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.afterClaim = fn
}

// SetRevokeError sets the error returned by the revoke methods.
func (m *MockPoolStore) SetRevokeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revokeError = err
}

// SetReleaseError sets the error returned by ReleaseEntry.
func (m *MockPoolStore) SetReleaseError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseError = err
}

// SetRegisterError sets the error returned by RegisterEntries.
func (m *MockPoolStore) SetRegisterError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registerError = err
}

// SetStatsError sets the error returned by GetPoolStatistics.
func (m *MockPoolStore) SetStatsError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statsError = err
}

func (m *MockPoolStore) sortedAddresses() []string {
	addresses := make([]string, 0, len(m.entries))
	for address := range m.entries {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)
	return addresses
}

func copyEntry(e *storage.PoolEntry) *storage.PoolEntry {
	c := *e
	c.Metadata = make(map[string]interface{}, len(e.Metadata))
	for k, v := range e.Metadata {
		c.Metadata[k] = v
	}
	if e.HolderID != nil {
		h := *e.HolderID
		c.HolderID = &h
	}
	return &c
}

// MockResourceStore is an in-memory implementation of provision.ResourceStore.
type MockResourceStore struct {
	mu        sync.Mutex
	resources map[string]*storage.Resource

	// Error injection for testing
	createError    error
	getError       error
	updateError    error
	updateErrorFor storage.ResourceStatus
	listError      error
}

// NewMockResourceStore creates a new, empty mock resource store.
func NewMockResourceStore() *MockResourceStore {
	return &MockResourceStore{
		resources: make(map[string]*storage.Resource),
	}
}

// CreatePendingResource inserts a pending resource, enforcing one live trial per owner.
func (m *MockResourceStore) CreatePendingResource(ctx context.Context, r *storage.Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.createError != nil {
		return m.createError
	}

	if r.IsTrial {
		now := time.Now()
		for _, existing := range m.resources {
			if existing.OwnerID != r.OwnerID || !existing.IsTrial {
				continue
			}
			switch existing.Status {
			case storage.ResourceStatusPending, storage.ResourceStatusProvisioning, storage.ResourceStatusActive:
			default:
				continue
			}
			if existing.ExpiresAt == nil || existing.ExpiresAt.After(now) {
				return storage.ErrTrialActive
			}
		}
	}

	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.Status = storage.ResourceStatusPending
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	m.resources[r.ID] = copyResource(r)
	return nil
}

// GetResource returns a copy of the resource with id.
func (m *MockResourceStore) GetResource(ctx context.Context, id string) (*storage.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.getError != nil {
		return nil, m.getError
	}

	r, ok := m.resources[id]
	if !ok {
		return nil, storage.ErrResourceNotFound
	}
	return copyResource(r), nil
}

// UpdateResource replaces the stored resource if it is still in expected status.
func (m *MockResourceStore) UpdateResource(ctx context.Context, r *storage.Resource, expected storage.ResourceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.updateError != nil && (m.updateErrorFor == "" || m.updateErrorFor == r.Status) {
		return m.updateError
	}

	current, ok := m.resources[r.ID]
	if !ok || current.Status != expected {
		return storage.ErrStatusConflict
	}

	r.UpdatedAt = time.Now()
	m.resources[r.ID] = copyResource(r)
	return nil
}

// DeleteResource removes the resource if it is still in expected status.
func (m *MockResourceStore) DeleteResource(ctx context.Context, id string, expected storage.ResourceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.resources[id]
	if !ok || current.Status != expected {
		return storage.ErrStatusConflict
	}
	delete(m.resources, id)
	return nil
}

// ListDueResources returns active resources whose expiry has passed.
func (m *MockResourceStore) ListDueResources(ctx context.Context, now time.Time, limit int) ([]*storage.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listError != nil {
		return nil, m.listError
	}

	var out []*storage.Resource
	for _, r := range m.resources {
		if r.Status == storage.ResourceStatusActive && r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
			out = append(out, copyResource(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListResourcesByStatus returns resources in status, oldest first.
func (m *MockResourceStore) ListResourcesByStatus(ctx context.Context, status storage.ResourceStatus, limit int) ([]*storage.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listError != nil {
		return nil, m.listError
	}

	var out []*storage.Resource
	for _, r := range m.resources {
		if r.Status == status {
			out = append(out, copyResource(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockResourceStore) ListResourcesByOwner(ctx context.Context, ownerID string) ([]*storage.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listError != nil {
		return nil, m.listError
	}

	var out []*storage.Resource
	for _, r := range m.resources {
		if r.OwnerID == ownerID {
			out = append(out, copyResource(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Put stores r as-is, bypassing the pending-state rules.
func (m *MockResourceStore) Put(r *storage.Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	m.resources[r.ID] = copyResource(r)
}

// Count returns the number of stored resources.
func (m *MockResourceStore) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.resources)
}

// SetCreateError sets the error returned by CreatePendingResource.
func (m *MockResourceStore) SetCreateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createError = err
}

// SetGetError sets the error returned by GetResource.
func (m *MockResourceStore) SetGetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getError = err
}

// SetUpdateError sets the error returned by UpdateResource.
func (m *MockResourceStore) SetUpdateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateError = err
	m.updateErrorFor = ""
}

// SetUpdateErrorFor fails only updates that move a resource into status.
func (m *MockResourceStore) SetUpdateErrorFor(status storage.ResourceStatus, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateError = err
	m.updateErrorFor = status
}

// SetListError sets the error returned by the list methods.
func (m *MockResourceStore) SetListError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listError = err
}

func copyResource(r *storage.Resource) *storage.Resource {
	c := *r
	if r.Extra != nil {
		c.Extra = make(map[string]interface{}, len(r.Extra))
		for k, v := range r.Extra {
			c.Extra[k] = v
		}
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}
