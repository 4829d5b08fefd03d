package provision

import (
	"context"
	"fmt"
	"sort"

	"github.com/sashakarcz/ironvpn/internal/storage"
)

// ReconcileReport is a read-only comparison of recorded and live state
type ReconcileReport struct {
	Backends []*DriftReport `json:"backends"`

	// Stuck holds resources left in pending or provisioning past the
	// configured threshold
	Stuck []string `json:"stuck"`
	// Errored holds resources awaiting operator review
	Errored []string `json:"errored"`
}

// InSync reports whether nothing needs attention
func (r *ReconcileReport) InSync() bool {
	for _, b := range r.Backends {
		if !b.InSync() {
			return false
		}
	}
	return len(r.Stuck) == 0 && len(r.Errored) == 0
}

// Reconcile compares active resources with each backend's live state and
// lists resources that need an operator. It changes nothing.
func (c *Coordinator) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	active, err := c.store.ListResourcesByStatus(ctx, storage.ResourceStatusActive, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list active resources: %w", err)
	}

	byBackend := make(map[storage.BackendType][]*storage.Resource)
	for _, r := range active {
		byBackend[r.BackendType] = append(byBackend[r.BackendType], r)
	}

	report := &ReconcileReport{
		Backends: []*DriftReport{},
		Stuck:    []string{},
		Errored:  []string{},
	}

	types := c.Backends()
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	for _, t := range types {
		rec, ok := c.backends[t].(Reconciler)
		if !ok {
			continue
		}
		drift, err := rec.Reconcile(ctx, byBackend[t])
		if err != nil {
			c.log.Warn().Err(err).Str("backend", string(t)).Msg("Failed to reconcile backend")
			continue
		}
		if !drift.InSync() {
			c.log.Warn().
				Str("backend", string(t)).
				Strs("missing", drift.Missing).
				Int("untracked", len(drift.Untracked)).
				Msg("Backend state differs from recorded resources")
		}
		report.Backends = append(report.Backends, drift)
	}

	cutoff := c.opts.Now().Add(-c.opts.StuckAfter)
	for _, status := range []storage.ResourceStatus{storage.ResourceStatusPending, storage.ResourceStatusProvisioning} {
		rs, err := c.store.ListResourcesByStatus(ctx, status, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s resources: %w", status, err)
		}
		for _, r := range rs {
			if r.UpdatedAt.Before(cutoff) {
				report.Stuck = append(report.Stuck, r.ID)
			}
		}
	}

	errored, err := c.store.ListResourcesByStatus(ctx, storage.ResourceStatusError, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list error resources: %w", err)
	}
	for _, r := range errored {
		report.Errored = append(report.Errored, r.ID)
	}

	return report, nil
}
