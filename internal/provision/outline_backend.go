package provision

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/sashakarcz/ironvpn/internal/logger"
	"github.com/sashakarcz/ironvpn/internal/metrics"
	"github.com/sashakarcz/ironvpn/internal/outline"
	"github.com/sashakarcz/ironvpn/internal/storage"
)

// AccessKeyClient is the part of the Outline management API the backend uses
type AccessKeyClient interface {
	CreateAccessKey(ctx context.Context) (*outline.AccessKey, error)
	DeleteAccessKey(ctx context.Context, id string) error
	SetName(ctx context.Context, id, name string) error
	ListAccessKeys(ctx context.Context) ([]outline.AccessKey, error)
}

// OutlineBackend issues access keys on a remote Outline server
type OutlineBackend struct {
	client  AccessKeyClient
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewOutlineBackend creates an Outline backend around an injected client
func NewOutlineBackend(client AccessKeyClient, m *metrics.Metrics) *OutlineBackend {
	return &OutlineBackend{
		client:  client,
		metrics: m,
		log:     logger.Component("provision").With().Str("backend", string(storage.BackendOutline)).Logger(),
	}
}

func (b *OutlineBackend) Type() storage.BackendType {
	return storage.BackendOutline
}

func (b *OutlineBackend) Create(ctx context.Context, r *storage.Resource) error {
	if err := ctx.Err(); err != nil {
		return newError(KindInternal, "provisioning cancelled", err)
	}

	// once the server accepts the POST the key exists; do not abandon it
	mctx := context.WithoutCancel(ctx)

	start := time.Now()
	key, err := b.client.CreateAccessKey(mctx)
	observe(b.metrics, storage.BackendOutline, "create_key", start, err)
	if err != nil {
		b.alertOnPin(err)
		perr := wrap(err, "failed to create access key")
		if errors.Is(err, outline.ErrIncompleteKey) {
			perr.Dangling = b.discardKey(mctx, r, key)
		}
		return perr
	}

	r.SetExtra(storage.ExtraRemoteAccessID, key.ID)
	r.CredentialPayload = key.AccessURL

	if r.DisplayName != "" {
		if err := b.client.SetName(mctx, key.ID, r.DisplayName); err != nil {
			b.log.Warn().Err(err).Str("resource_id", r.ID).Msg("Failed to name access key")
		}
	}

	b.log.Info().
		Str("resource_id", r.ID).
		Str("remote_access_id", key.ID).
		Msg("Access key created")

	return nil
}

// discardKey deletes a key the server created but described badly
func (b *OutlineBackend) discardKey(ctx context.Context, r *storage.Resource, key *outline.AccessKey) []string {
	if key == nil || key.ID == "" {
		b.metrics.RecordCompensation(string(storage.BackendOutline), false)
		b.log.Error().Str("resource_id", r.ID).Msg("Server created an access key without a readable id")
		return []string{"remote_access_key:unknown"}
	}

	start := time.Now()
	err := b.client.DeleteAccessKey(ctx, key.ID)
	observe(b.metrics, storage.BackendOutline, "delete_key", start, err)
	b.metrics.RecordCompensation(string(storage.BackendOutline), err == nil)
	if err != nil {
		b.log.Error().Err(err).Str("remote_access_id", key.ID).Msg("Failed to delete incomplete access key")
		// kept so a later revoke retries the delete
		r.SetExtra(storage.ExtraRemoteAccessID, key.ID)
		return []string{"remote_access_key:" + key.ID}
	}
	return nil
}

func (b *OutlineBackend) Revoke(ctx context.Context, r *storage.Resource, reason string) error {
	id := r.ExtraString(storage.ExtraRemoteAccessID)
	if id == "" {
		if r.Status == storage.ResourceStatusActive {
			return &Error{
				Kind:     KindInternal,
				Message:  "active resource has no remote access id",
				Dangling: []string{"remote_access_key:unknown"},
			}
		}
		// creation never reached the server
		return nil
	}

	start := time.Now()
	err := b.client.DeleteAccessKey(ctx, id)
	observe(b.metrics, storage.BackendOutline, "delete_key", start, err)
	if err != nil {
		b.alertOnPin(err)
		return wrap(err, "failed to delete access key")
	}

	b.log.Info().
		Str("resource_id", r.ID).
		Str("remote_access_id", id).
		Str("reason", reason).
		Msg("Access key deleted")

	return nil
}

// Reconcile compares active Outline resources with the server's key list
func (b *OutlineBackend) Reconcile(ctx context.Context, active []*storage.Resource) (*DriftReport, error) {
	keys, err := b.client.ListAccessKeys(ctx)
	if err != nil {
		b.alertOnPin(err)
		return nil, wrap(err, "failed to list access keys")
	}

	remote := make(map[string]bool, len(keys))
	for _, k := range keys {
		remote[k.ID] = true
	}

	report := &DriftReport{
		Backend:   storage.BackendOutline,
		Tracked:   len(active),
		Missing:   []string{},
		Untracked: []string{},
	}

	tracked := make(map[string]bool, len(active))
	for _, r := range active {
		id := r.ExtraString(storage.ExtraRemoteAccessID)
		tracked[id] = true
		if !remote[id] {
			report.Missing = append(report.Missing, r.ID)
		}
	}
	for id := range remote {
		if !tracked[id] {
			report.Untracked = append(report.Untracked, id)
		}
	}
	sort.Strings(report.Untracked)

	return report, nil
}

func (b *OutlineBackend) alertOnPin(err error) {
	if errors.Is(err, outline.ErrFingerprintMismatch) {
		b.log.Error().
			Bool("alert", true).
			Msg("Outline server certificate does not match the pinned fingerprint")
	}
}
