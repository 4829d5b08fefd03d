package provision

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sashakarcz/ironvpn/internal/logger"
	"github.com/sashakarcz/ironvpn/internal/metrics"
	"github.com/sashakarcz/ironvpn/internal/storage"
)

const (
	// MaxDurationDays bounds a single provisioning request
	MaxDurationDays = 3650

	defaultSweepConcurrency = 4
	defaultStuckAfter       = 10 * time.Minute

	lockStripes = 64
)

// ResourceStore persists resources and their status transitions
type ResourceStore interface {
	CreatePendingResource(ctx context.Context, r *storage.Resource) error
	GetResource(ctx context.Context, id string) (*storage.Resource, error)
	UpdateResource(ctx context.Context, r *storage.Resource, expected storage.ResourceStatus) error
	DeleteResource(ctx context.Context, id string, expected storage.ResourceStatus) error
	ListDueResources(ctx context.Context, now time.Time, limit int) ([]*storage.Resource, error)
	ListResourcesByStatus(ctx context.Context, status storage.ResourceStatus, limit int) ([]*storage.Resource, error)
	ListResourcesByOwner(ctx context.Context, ownerID string) ([]*storage.Resource, error)
}

// Notifier is told about every status transition
type Notifier interface {
	ResourceChanged(r *storage.Resource, from storage.ResourceStatus)
}

// Request asks for a new resource
type Request struct {
	OwnerID      string              `json:"owner_id"`
	BackendType  storage.BackendType `json:"backend_type"`
	IsTrial      bool                `json:"is_trial"`
	DurationDays int                 `json:"duration_days"`
	DisplayName  string              `json:"display_name,omitempty"`
}

func (r Request) validate() error {
	switch {
	case strings.TrimSpace(r.OwnerID) == "":
		return newError(KindInvalidRequest, "owner_id is required", nil)
	case !r.BackendType.Valid():
		return newError(KindInvalidRequest, fmt.Sprintf("unknown backend type %q", r.BackendType), nil)
	case r.DurationDays < 0 || r.DurationDays > MaxDurationDays:
		return newError(KindInvalidRequest, fmt.Sprintf("duration_days must be between 0 and %d", MaxDurationDays), nil)
	case r.IsTrial && r.DurationDays == 0:
		return newError(KindInvalidRequest, "trial resources need a duration", nil)
	}
	return nil
}

// Result describes a provisioned resource
type Result struct {
	ResourceID        string                 `json:"resource_id"`
	Status            storage.ResourceStatus `json:"status"`
	CredentialPayload string                 `json:"credential_payload,omitempty"`
	ExpiresAt         *time.Time             `json:"expires_at,omitempty"`
}

// Options configures a Coordinator
type Options struct {
	Metrics          *metrics.Metrics
	Notifier         Notifier
	ServerID         string
	SweepConcurrency int
	StuckAfter       time.Duration
	Now              func() time.Time
}

// Coordinator drives resources through pending, provisioning and active, and
// out to revoked, expired or error. It is the only component that decides a
// resource's status.
type Coordinator struct {
	store    ResourceStore
	backends map[storage.BackendType]Backend
	opts     Options
	log      zerolog.Logger

	// locks serializes teardowns of one resource within this process
	locks [lockStripes]sync.Mutex
}

// NewCoordinator creates a coordinator for the given backends
func NewCoordinator(store ResourceStore, opts Options, backends ...Backend) *Coordinator {
	if opts.SweepConcurrency <= 0 {
		opts.SweepConcurrency = defaultSweepConcurrency
	}
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = defaultStuckAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	byType := make(map[storage.BackendType]Backend, len(backends))
	for _, b := range backends {
		byType[b.Type()] = b
	}

	return &Coordinator{
		store:    store,
		backends: byType,
		opts:     opts,
		log:      logger.Component("coordinator"),
	}
}

// Backends returns the configured backend types
func (c *Coordinator) Backends() []storage.BackendType {
	out := make([]storage.BackendType, 0, len(c.backends))
	for t := range c.backends {
		out = append(out, t)
	}
	return out
}

// Provision creates a resource and drives it to active. On failure the
// resource is either removed, when every side effect was undone, or left in
// error with the leftover state recorded in extra.
func (c *Coordinator) Provision(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	backend, ok := c.backends[req.BackendType]
	if !ok {
		return nil, newError(KindBackendUnavailable, fmt.Sprintf("backend %s is not enabled", req.BackendType), nil)
	}

	done := c.opts.Metrics.TrackInFlight(string(req.BackendType))
	defer done()

	r := &storage.Resource{
		OwnerID:     req.OwnerID,
		BackendType: req.BackendType,
		DisplayName: req.DisplayName,
		IsTrial:     req.IsTrial,
	}
	if req.DurationDays > 0 {
		expires := c.opts.Now().Add(time.Duration(req.DurationDays) * 24 * time.Hour)
		r.ExpiresAt = &expires
	}
	if c.opts.ServerID != "" {
		r.SetExtra(storage.ExtraProvisionedBy, c.opts.ServerID)
	}

	if err := c.store.CreatePendingResource(ctx, r); err != nil {
		perr := wrap(err, "failed to reserve resource")
		c.recordProvision(req.BackendType, perr)
		return nil, perr
	}
	c.notify(r, "")

	// status writes from here on must land even if the caller goes away
	wctx := context.WithoutCancel(ctx)

	if err := ctx.Err(); err != nil {
		perr := newError(KindInternal, "provisioning cancelled", err)
		c.discard(wctx, r)
		c.recordProvision(req.BackendType, perr)
		return nil, perr
	}

	if err := c.transition(wctx, r, storage.ResourceStatusProvisioning); err != nil {
		perr := wrap(err, "failed to start provisioning")
		c.discard(wctx, r)
		c.recordProvision(req.BackendType, perr)
		return nil, perr
	}

	defer func() {
		if p := recover(); p != nil {
			perr := newError(KindInternal, fmt.Sprintf("panic during provisioning: %v", p), nil)
			perr.Dangling = []string{"unknown"}
			c.fail(wctx, r, perr)
			panic(p)
		}
	}()

	if err := backend.Create(ctx, r); err != nil {
		perr := wrap(err, "failed to provision resource")
		c.fail(wctx, r, perr)
		c.recordProvision(req.BackendType, perr)
		return nil, perr
	}

	if err := c.transition(wctx, r, storage.ResourceStatusActive); err != nil {
		// the backend side exists but could not be recorded, so take it down
		perr := newError(KindInternal, "failed to activate resource", err)
		if rerr := backend.Revoke(wctx, r, "activation failed"); rerr != nil {
			perr.Dangling = danglingOf(rerr)
		}
		c.fail(wctx, r, perr)
		c.recordProvision(req.BackendType, perr)
		return nil, perr
	}

	c.recordProvision(req.BackendType, nil)
	c.log.Info().
		Str("resource_id", r.ID).
		Str("owner_id", r.OwnerID).
		Str("backend", string(r.BackendType)).
		Bool("trial", r.IsTrial).
		Msg("Resource provisioned")

	return &Result{
		ResourceID:        r.ID,
		Status:            r.Status,
		CredentialPayload: r.CredentialPayload,
		ExpiresAt:         r.ExpiresAt,
	}, nil
}

// Revoke tears a resource down. Revoking an already revoked or expired
// resource succeeds without doing anything. A resource in error is torn down
// as far as possible, which is how an operator clears it.
func (c *Coordinator) Revoke(ctx context.Context, id, reason string) (bool, error) {
	if reason == "" {
		reason = "revoked"
	}
	_, _, err := c.teardown(ctx, id, reason, storage.ResourceStatusRevoked)
	if err != nil {
		return false, err
	}
	return true, nil
}

// ExpireDue moves every active resource whose expiry has passed to expired.
// Failures are logged per resource and do not stop the sweep.
func (c *Coordinator) ExpireDue(ctx context.Context, limit int) (int, error) {
	due, err := c.store.ListDueResources(ctx, c.opts.Now(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list due resources: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	var expired atomic.Int64
	var g errgroup.Group
	g.SetLimit(c.opts.SweepConcurrency)

	for _, r := range due {
		g.Go(func() error {
			_, changed, err := c.teardown(ctx, r.ID, "expired", storage.ResourceStatusExpired)
			if err != nil {
				c.log.Warn().Err(err).Str("resource_id", r.ID).Msg("Failed to expire resource")
				return nil
			}
			if changed {
				expired.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	n := int(expired.Load())
	c.log.Info().Int("due", len(due)).Int("expired", n).Msg("Expired due resources")
	return n, nil
}

// Get returns a resource by ID
func (c *Coordinator) Get(ctx context.Context, id string) (*storage.Resource, error) {
	r, err := c.store.GetResource(ctx, id)
	if err != nil {
		return nil, wrap(err, "failed to load resource")
	}
	return r, nil
}

// ListByOwner returns every resource of an owner, newest first
func (c *Coordinator) ListByOwner(ctx context.Context, ownerID string) ([]*storage.Resource, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, newError(KindInvalidRequest, "owner_id is required", nil)
	}
	resources, err := c.store.ListResourcesByOwner(ctx, ownerID)
	if err != nil {
		return nil, wrap(err, "failed to list resources")
	}
	return resources, nil
}

// OwnerRevocation summarizes a RevokeOwner call
type OwnerRevocation struct {
	Revoked  int      `json:"revoked"`
	InFlight int      `json:"in_flight"`
	Failed   []string `json:"failed,omitempty"`
}

// RevokeOwner tears down every active or failed resource of an owner.
// Resources still being provisioned are counted as in flight and left alone.
// A resource that fails to tear down is logged and reported in Failed.
func (c *Coordinator) RevokeOwner(ctx context.Context, ownerID, reason string) (*OwnerRevocation, error) {
	resources, err := c.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "owner revoked"
	}

	out := &OwnerRevocation{}
	for _, r := range resources {
		switch {
		case r.Status == storage.ResourceStatusPending, r.Status == storage.ResourceStatusProvisioning:
			out.InFlight++
			continue
		case r.Status.Terminal() && r.Status != storage.ResourceStatusError:
			continue
		}

		_, changed, err := c.teardown(ctx, r.ID, reason, storage.ResourceStatusRevoked)
		if err != nil {
			if KindOf(err) == KindConflict {
				out.InFlight++
				continue
			}
			c.log.Warn().Err(err).Str("resource_id", r.ID).Msg("Failed to revoke owner resource")
			out.Failed = append(out.Failed, r.ID)
			continue
		}
		if changed {
			out.Revoked++
		}
	}

	c.log.Info().
		Str("owner_id", ownerID).
		Int("revoked", out.Revoked).
		Int("in_flight", out.InFlight).
		Int("failed", len(out.Failed)).
		Msg("Revoked owner resources")
	return out, nil
}

// teardown runs the backend's revoke steps and moves the resource to target.
// changed reports whether this call made the transition.
func (c *Coordinator) teardown(ctx context.Context, id, reason string, target storage.ResourceStatus) (*storage.Resource, bool, error) {
	unlock := c.lock(id)
	defer unlock()

	r, err := c.store.GetResource(ctx, id)
	if err != nil {
		return nil, false, wrap(err, "failed to load resource")
	}

	switch {
	case r.Status == storage.ResourceStatusError:
		// operator cleanup of recorded leftovers
	case r.Status.Terminal():
		return r, false, nil
	case r.Status != storage.ResourceStatusActive:
		return nil, false, newError(KindConflict, "resource is still being provisioned", nil)
	}

	backend, ok := c.backends[r.BackendType]
	if !ok {
		return nil, false, newError(KindBackendUnavailable, fmt.Sprintf("backend %s is not enabled", r.BackendType), nil)
	}

	if err := ctx.Err(); err != nil {
		return nil, false, newError(KindInternal, "teardown cancelled", err)
	}
	wctx := context.WithoutCancel(ctx)

	if err := backend.Revoke(wctx, r, reason); err != nil {
		perr := wrap(err, "failed to tear down resource")
		if len(perr.Dangling) > 0 {
			c.fail(wctx, r, perr)
			c.opts.Metrics.RecordRevocation(string(r.BackendType), string(storage.ResourceStatusError))
		}
		return nil, false, perr
	}

	r.SetExtra(storage.ExtraRevokeReason, reason)
	delete(r.Extra, storage.ExtraDangling)
	if err := c.transition(wctx, r, target); err != nil {
		c.log.Error().
			Err(err).
			Str("resource_id", r.ID).
			Msg("Backend torn down but status could not be recorded")
		return nil, false, wrap(err, "failed to record teardown")
	}

	c.opts.Metrics.RecordRevocation(string(r.BackendType), string(target))
	c.log.Info().
		Str("resource_id", r.ID).
		Str("backend", string(r.BackendType)).
		Str("status", string(target)).
		Str("reason", reason).
		Msg("Resource torn down")

	return r, true, nil
}

// transition writes r with a new status, expecting the status it has now
func (c *Coordinator) transition(ctx context.Context, r *storage.Resource, to storage.ResourceStatus) error {
	from := r.Status
	r.Status = to
	if err := c.store.UpdateResource(ctx, r, from); err != nil {
		r.Status = from
		return err
	}
	c.notify(r, from)
	return nil
}

// fail settles a resource after a failed step. Without leftovers the row
// is removed; otherwise it goes to error with the leftovers recorded.
func (c *Coordinator) fail(ctx context.Context, r *storage.Resource, perr *Error) {
	log := c.log.With().Str("resource_id", r.ID).Str("kind", string(perr.Kind)).Logger()

	if len(perr.Dangling) == 0 && r.Status == storage.ResourceStatusProvisioning {
		if err := c.store.DeleteResource(ctx, r.ID, r.Status); err == nil {
			log.Debug().Err(perr).Msg("Provisioning rolled back")
			prev := r.Status
			r.Status = ""
			c.notify(r, prev)
			return
		}
	}

	r.SetExtra(storage.ExtraFailure, string(perr.Kind)+": "+perr.Message)
	if len(perr.Dangling) > 0 {
		r.SetExtra(storage.ExtraDangling, perr.Dangling)
	}

	if r.Status == storage.ResourceStatusError {
		// refresh the recorded leftovers
		if err := c.store.UpdateResource(ctx, r, storage.ResourceStatusError); err != nil {
			log.Error().Err(err).Msg("Failed to update resource in error")
		}
	} else if err := c.transition(ctx, r, storage.ResourceStatusError); err != nil {
		log.Error().
			Err(err).
			Str("status", string(r.Status)).
			Strs("dangling", perr.Dangling).
			Msg("Failed to move resource to error")
		return
	}

	log.Error().
		Err(perr).
		Strs("dangling", perr.Dangling).
		Msg("Resource needs operator review")
}

// discard removes a pending resource that never reached a backend
func (c *Coordinator) discard(ctx context.Context, r *storage.Resource) {
	if err := c.store.DeleteResource(ctx, r.ID, storage.ResourceStatusPending); err != nil {
		c.log.Error().Err(err).Str("resource_id", r.ID).Msg("Failed to discard pending resource")
		return
	}
	r.Status = ""
	c.notify(r, storage.ResourceStatusPending)
}

func (c *Coordinator) notify(r *storage.Resource, from storage.ResourceStatus) {
	if c.opts.Notifier != nil {
		c.opts.Notifier.ResourceChanged(r, from)
	}
}

func (c *Coordinator) recordProvision(backend storage.BackendType, perr *Error) {
	outcome := "success"
	if perr != nil {
		outcome = string(perr.Kind)
	}
	c.opts.Metrics.RecordProvision(string(backend), outcome)

	if perr == nil || perr.Rejection() {
		return
	}
	c.log.Error().
		Err(perr).
		Str("backend", string(backend)).
		Str("kind", string(perr.Kind)).
		Msg("Provisioning failed")
}

func (c *Coordinator) lock(id string) func() {
	h := fnv.New32a()
	h.Write([]byte(id))
	mu := &c.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// danglingOf extracts leftovers from a failed revoke, assuming the worst when
// the error carries none
func danglingOf(err error) []string {
	var perr *Error
	if errors.As(err, &perr) && len(perr.Dangling) > 0 {
		return perr.Dangling
	}
	return []string{"backend_state:unknown"}
}
