package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sashakarcz/ironvpn/internal/config"
	"github.com/sashakarcz/ironvpn/internal/logger"
	"github.com/sashakarcz/ironvpn/internal/metrics"
	"github.com/sashakarcz/ironvpn/internal/pool"
	"github.com/sashakarcz/ironvpn/internal/storage"
	"github.com/sashakarcz/ironvpn/internal/wireguard"
)

const rollbackReason = "provisioning rollback"

// WireGuardSettings holds the server-side values rendered into client configs
type WireGuardSettings struct {
	ServerPublicKey     string
	Endpoint            string
	DNS                 []string
	PersistentKeepalive int
}

// WireGuardBackend provisions peers on a local interface. Creation order is
// key material, pool address, config file plus live interface, client config.
type WireGuardBackend struct {
	keys      wireguard.KeyGenerator
	allocator *pool.Allocator
	mutator   *wireguard.Mutator
	settings  WireGuardSettings
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

// NewWireGuardBackend creates a WireGuard backend. m may be nil.
func NewWireGuardBackend(keys wireguard.KeyGenerator, allocator *pool.Allocator, mutator *wireguard.Mutator, settings WireGuardSettings, m *metrics.Metrics) *WireGuardBackend {
	return &WireGuardBackend{
		keys:      keys,
		allocator: allocator,
		mutator:   mutator,
		settings:  settings,
		metrics:   m,
		log:       logger.Component("provision").With().Str("backend", string(storage.BackendWireGuard)).Logger(),
	}
}

func (b *WireGuardBackend) Type() storage.BackendType {
	return storage.BackendWireGuard
}

func (b *WireGuardBackend) Create(ctx context.Context, r *storage.Resource) error {
	start := time.Now()
	km, err := b.keys.Generate(ctx)
	observe(b.metrics, storage.BackendWireGuard, "keygen", start, err)
	if err != nil {
		return wrap(err, "failed to generate key material")
	}

	if err := ctx.Err(); err != nil {
		return newError(KindInternal, "provisioning cancelled", err)
	}

	// a claim committed just before cancellation must still come back to
	// us, or nothing would record the address
	mctx := context.WithoutCancel(ctx)

	poolType := config.PoolTypeFor(string(storage.BackendWireGuard), r.IsTrial)
	entry, err := b.allocator.Allocate(mctx, poolType, r.OwnerID, map[string]interface{}{
		"resource_id": r.ID,
	})
	if err != nil {
		return newError(KindInternal, "failed to allocate address", err)
	}
	if entry == nil {
		return newError(KindPoolExhausted, fmt.Sprintf("pool %s is exhausted", poolType), nil)
	}

	// the address is held from here; every exit below either keeps it or
	// hands it back
	address := entry.Address
	r.SetExtra(storage.ExtraAddress, address)
	r.SetExtra(storage.ExtraPublicKey, km.PublicKey)
	r.SetExtra(storage.ExtraPeerTag, r.ID)

	if err := ctx.Err(); err != nil {
		perr := newError(KindInternal, "provisioning cancelled", err)
		perr.Dangling = b.undoAddress(mctx, r, address)
		return perr
	}

	clientConf, err := wireguard.RenderClientConfig(wireguard.ClientParams{
		PrivateKey:          km.PrivateKey,
		Address:             address,
		DNS:                 b.settings.DNS,
		ServerPublicKey:     b.settings.ServerPublicKey,
		PresharedKey:        km.PresharedKey,
		Endpoint:            b.settings.Endpoint,
		PersistentKeepalive: b.settings.PersistentKeepalive,
	})
	if err != nil {
		perr := newError(KindInternal, "failed to render client config", err)
		perr.Dangling = b.undoAddress(mctx, r, address)
		return perr
	}

	start = time.Now()
	_, err = b.mutator.AddPeer(mctx, wireguard.PeerSpec{
		Tag:          r.ID,
		PublicKey:    km.PublicKey,
		PresharedKey: km.PresharedKey,
		Address:      address,
	})
	observe(b.metrics, storage.BackendWireGuard, "add_peer", start, err)
	if err != nil {
		return b.failedAdd(mctx, r, address, km.PublicKey, err)
	}

	path, err := b.mutator.WriteClientConfig(r.ID, []byte(clientConf))
	if err != nil {
		perr := newError(KindPartialFailure, "peer applied but client config could not be stored", err)
		if dangling := b.undoPeer(mctx, r.ID, km.PublicKey); len(dangling) > 0 {
			perr.Dangling = append(dangling, "ip:"+address)
			return perr
		}
		perr.Dangling = b.undoAddress(mctx, r, address)
		return perr
	}

	r.CredentialPayload = clientConf
	if path != "" {
		r.SetExtra(storage.ExtraConfigPath, path)
	}

	b.log.Info().
		Str("resource_id", r.ID).
		Str("address", address).
		Str("pool_type", poolType).
		Msg("Peer provisioned")

	return nil
}

// failedAdd turns a mutator failure into a typed error and hands the address
// back when the interface is known to be clean
func (b *WireGuardBackend) failedAdd(ctx context.Context, r *storage.Resource, address, publicKey string, cause error) error {
	var partial *wireguard.PartialApplyError
	if !errors.As(cause, &partial) {
		// nothing was written
		perr := wrap(cause, "failed to add peer")
		perr.Dangling = b.undoAddress(ctx, r, address)
		return perr
	}

	perr := newError(KindPartialFailure, "peer could not be applied to the live interface", cause)
	b.metrics.RecordCompensation(string(storage.BackendWireGuard), partial.Compensated)
	if !partial.Compensated {
		// a live peer may still route this address, so it stays held
		perr.Dangling = []string{
			"live_peer:" + publicKey,
			"config_block:" + r.ID,
			"ip:" + address,
		}
		return perr
	}

	perr.Dangling = b.undoAddress(ctx, r, address)
	return perr
}

// undoPeer removes a peer applied during this creation
func (b *WireGuardBackend) undoPeer(ctx context.Context, tag, publicKey string) []string {
	err := b.mutator.RemovePeer(ctx, tag, publicKey)
	b.metrics.RecordCompensation(string(storage.BackendWireGuard), err == nil)
	if err == nil {
		return nil
	}

	b.log.Error().Err(err).Str("tag", tag).Msg("Failed to remove peer during rollback")

	var partial *wireguard.PartialApplyError
	if errors.As(err, &partial) {
		return []string{"config_block:" + tag}
	}
	return []string{"live_peer:" + publicKey, "config_block:" + tag}
}

// undoAddress revokes and immediately reinstates an address that was never
// handed to a client. Once returned, the address is dropped from r so a later
// teardown cannot touch its next holder.
func (b *WireGuardBackend) undoAddress(ctx context.Context, r *storage.Resource, address string) []string {
	_, err := b.allocator.Revoke(ctx, address, rollbackReason)
	if err == nil {
		_, err = b.allocator.Release(ctx, address)
	}
	b.metrics.RecordCompensation(string(storage.BackendWireGuard), err == nil)
	if err != nil {
		b.log.Error().Err(err).Str("address", address).Msg("Failed to return address during rollback")
		return []string{"ip:" + address}
	}
	delete(r.Extra, storage.ExtraAddress)
	return nil
}

func (b *WireGuardBackend) Revoke(ctx context.Context, r *storage.Resource, reason string) error {
	tag := r.ExtraString(storage.ExtraPeerTag)
	if tag == "" {
		tag = r.ID
	}
	publicKey := r.ExtraString(storage.ExtraPublicKey)
	address := r.ExtraString(storage.ExtraAddress)

	var (
		dangling []string
		cause    error
	)

	start := time.Now()
	err := b.mutator.RemovePeer(ctx, tag, publicKey)
	observe(b.metrics, storage.BackendWireGuard, "remove_peer", start, err)
	if err != nil {
		var partial *wireguard.PartialApplyError
		if !errors.As(err, &partial) {
			return wrap(err, "failed to remove peer")
		}
		// the live peer is gone but its block is still in the file
		dangling = append(dangling, "config_block:"+tag)
		cause = err
	}

	if address != "" {
		found, err := b.allocator.Revoke(ctx, address, reason)
		switch {
		case err != nil:
			dangling = append(dangling, "ip:"+address)
			cause = err
		case !found:
			b.log.Warn().Str("resource_id", r.ID).Str("address", address).Msg("Address not found in any pool")
		}
	}

	if len(dangling) > 0 {
		return &Error{
			Kind:     KindPartialFailure,
			Message:  "peer removed from live interface but teardown did not complete",
			Err:      cause,
			Dangling: dangling,
		}
	}

	b.log.Info().
		Str("resource_id", r.ID).
		Str("address", address).
		Str("reason", reason).
		Msg("Peer revoked")

	return nil
}

// Reconcile compares active WireGuard resources with the config file and the
// live interface
func (b *WireGuardBackend) Reconcile(ctx context.Context, active []*storage.Resource) (*DriftReport, error) {
	peers, err := b.mutator.Peers(ctx)
	if err != nil {
		return nil, wrap(err, "failed to read peers")
	}

	live := make(map[string]bool, len(peers.LiveKeys))
	for _, k := range peers.LiveKeys {
		live[k] = true
	}

	report := &DriftReport{
		Backend:   storage.BackendWireGuard,
		Tracked:   len(active),
		Missing:   []string{},
		Untracked: []string{},
		Detail:    peers,
	}

	tracked := make(map[string]bool, len(active))
	for _, r := range active {
		key := r.ExtraString(storage.ExtraPublicKey)
		tracked[key] = true
		if !live[key] {
			report.Missing = append(report.Missing, r.ID)
		}
	}
	for _, k := range peers.LiveKeys {
		if !tracked[k] {
			report.Untracked = append(report.Untracked, k)
		}
	}

	return report, nil
}
