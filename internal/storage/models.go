package storage

import (
	"time"
)

// PoolEntry represents one allocatable address in the ip_pool table.
// An entry with IsAvailable set never has a HolderID, and an entry with a
// HolderID is never available.
type PoolEntry struct {
	Address     string
	PoolType    string
	HolderID    *string
	AssignedAt  *time.Time
	RevokedAt   *time.Time
	IsAvailable bool
	IsRevoked   bool
	Metadata    map[string]interface{} // JSON data
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Allocatable reports whether the allocator may hand this entry out
func (e *PoolEntry) Allocatable() bool {
	return e.IsAvailable && !e.IsRevoked && e.HolderID == nil
}

// PoolStatistics represents aggregated counts per pool type
type PoolStatistics struct {
	PoolType  string `json:"pool_type"`
	Total     int64  `json:"total"`
	Available int64  `json:"available"`
	Assigned  int64  `json:"assigned"`
	Revoked   int64  `json:"revoked"`
}

// BackendType identifies which VPN backend issued a resource
type BackendType string

const (
	BackendWireGuard BackendType = "wireguard"
	BackendOutline   BackendType = "outline"
)

// Valid reports whether b names a known backend
func (b BackendType) Valid() bool {
	return b == BackendWireGuard || b == BackendOutline
}

// ResourceStatus represents the lifecycle state of a resource
type ResourceStatus string

const (
	ResourceStatusPending      ResourceStatus = "pending"
	ResourceStatusProvisioning ResourceStatus = "provisioning"
	ResourceStatusActive       ResourceStatus = "active"
	ResourceStatusRevoked      ResourceStatus = "revoked"
	ResourceStatusExpired      ResourceStatus = "expired"
	ResourceStatusError        ResourceStatus = "error"
)

// Terminal reports whether no further transition is allowed from s
func (s ResourceStatus) Terminal() bool {
	switch s {
	case ResourceStatusRevoked, ResourceStatusExpired, ResourceStatusError:
		return true
	}
	return false
}

// Keys used in Resource.Extra
const (
	ExtraPublicKey      = "public_key"
	ExtraAddress        = "address"
	ExtraConfigPath     = "config_path"
	ExtraPeerTag        = "peer_tag"
	ExtraRemoteAccessID = "remote_access_id"
	ExtraFailure        = "failure"
	ExtraDangling       = "dangling"
	ExtraRevokeReason   = "revoke_reason"
	ExtraProvisionedBy  = "provisioned_by"
)

// Resource represents one issued VPN access credential (vpn_resources table)
type Resource struct {
	ID                string
	OwnerID           string
	BackendType       BackendType
	DisplayName       string
	CredentialPayload string
	Status            ResourceStatus
	IsTrial           bool
	ExpiresAt         *time.Time
	Extra             map[string]interface{} // JSON data
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsLive reports whether the resource is active and not past its expiry
func (r *Resource) IsLive(now time.Time) bool {
	if r.Status != ResourceStatusActive {
		return false
	}
	return r.ExpiresAt == nil || r.ExpiresAt.After(now)
}

// ExtraString returns a string value from Extra, or "" when absent
func (r *Resource) ExtraString(key string) string {
	if r.Extra == nil {
		return ""
	}
	v, _ := r.Extra[key].(string)
	return v
}

// SetExtra sets a value in Extra, allocating the map if needed
func (r *Resource) SetExtra(key string, value interface{}) {
	if r.Extra == nil {
		r.Extra = make(map[string]interface{})
	}
	r.Extra[key] = value
}

// PoolSyncStatus represents the status of a pool inventory sync
type PoolSyncStatus string

const (
	PoolSyncStatusInProgress PoolSyncStatus = "in_progress"
	PoolSyncStatusSuccess    PoolSyncStatus = "success"
	PoolSyncStatusFailed     PoolSyncStatus = "failed"
)

// PoolSyncTrigger represents the source of a sync trigger
type PoolSyncTrigger string

const (
	PoolSyncTriggerPoll    PoolSyncTrigger = "poll"
	PoolSyncTriggerManual  PoolSyncTrigger = "manual"
	PoolSyncTriggerStartup PoolSyncTrigger = "startup"
)

// PoolSyncLog represents one pool inventory synchronization run
type PoolSyncLog struct {
	ID              int64
	SyncStartedAt   time.Time
	SyncCompletedAt *time.Time
	Status          PoolSyncStatus
	CommitHash      string
	CommitMessage   string
	CommitAuthor    string
	CommitTimestamp *time.Time
	ErrorMessage    string
	ChangesApplied  map[string]interface{} // JSON data
	TriggeredBy     PoolSyncTrigger
	TriggeredByUser string
	CreatedAt       time.Time
}
