package provision

import (
	"context"
	"time"

	"github.com/sashakarcz/ironvpn/internal/metrics"
	"github.com/sashakarcz/ironvpn/internal/storage"
)

// Backend creates and tears down the external side of a resource.
//
// Create runs the backend's creation steps in order and fills in the
// resource's payload and extra fields. If a step fails, Create undoes the
// steps that already took effect before returning; whatever it could not undo
// is listed in the returned *Error's Dangling field.
//
// Revoke runs the teardown steps in the reverse order. An error with no
// Dangling entries means nothing was changed and the call may be retried.
type Backend interface {
	Type() storage.BackendType
	Create(ctx context.Context, r *storage.Resource) error
	Revoke(ctx context.Context, r *storage.Resource, reason string) error
}

// Reconciler is implemented by backends that can compare their live state
// with the active resources recorded for them
type Reconciler interface {
	Reconcile(ctx context.Context, active []*storage.Resource) (*DriftReport, error)
}

// DriftReport describes disagreement between the database and one backend
type DriftReport struct {
	Backend storage.BackendType `json:"backend"`
	Tracked int                 `json:"tracked"`

	// Missing holds IDs of active resources the backend does not know about
	Missing []string `json:"missing"`
	// Untracked holds backend identities no active resource refers to
	Untracked []string `json:"untracked"`

	Detail interface{} `json:"detail,omitempty"`
}

// InSync reports whether the backend matches the database
func (d *DriftReport) InSync() bool {
	return len(d.Missing) == 0 && len(d.Untracked) == 0
}

// observe records the latency and outcome of one backend call
func observe(m *metrics.Metrics, backend storage.BackendType, op string, start time.Time, err error) {
	m.RecordBackendCall(string(backend), op, time.Since(start).Seconds(), err)
}
