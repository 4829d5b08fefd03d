package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const resourceColumns = `
	id, owner_id, backend_type, display_name, credential_payload, status,
	is_trial, expires_at, extra, created_at, updated_at`

// CreatePendingResource inserts a new resource in the pending state. For
// trial resources the owner is locked for the duration of the transaction and
// ErrTrialActive is returned if a live, unexpired trial already exists.
func (s *Store) CreatePendingResource(ctx context.Context, r *Resource) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.Status = ResourceStatusPending

	extraJSON, err := marshalJSONB(r.Extra)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx pgx.Tx) error {
		if r.IsTrial {
			if err := lockOwnerTx(ctx, tx, r.OwnerID); err != nil {
				return err
			}

			var exists bool
			err := tx.QueryRow(ctx, `
				SELECT EXISTS(
					SELECT 1 FROM vpn_resources
					WHERE owner_id = $1
					  AND is_trial
					  AND status IN ('pending', 'provisioning', 'active')
					  AND (expires_at IS NULL OR expires_at > NOW())
				)
			`, r.OwnerID).Scan(&exists)
			if err != nil {
				return fmt.Errorf("failed to check active trial: %w", err)
			}
			if exists {
				return ErrTrialActive
			}
		}

		err := tx.QueryRow(ctx, `
			INSERT INTO vpn_resources (
				id, owner_id, backend_type, display_name, credential_payload,
				status, is_trial, expires_at, extra
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
			RETURNING created_at, updated_at
		`, r.ID, r.OwnerID, string(r.BackendType), r.DisplayName, r.CredentialPayload,
			string(r.Status), r.IsTrial, r.ExpiresAt, extraJSON,
		).Scan(&r.CreatedAt, &r.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert resource: %w", err)
		}
		return nil
	})
}

// GetResource retrieves a resource by ID
func (s *Store) GetResource(ctx context.Context, id string) (*Resource, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrResourceNotFound
	}

	query := `SELECT ` + resourceColumns + ` FROM vpn_resources WHERE id = $1`

	r, err := scanResource(s.pool.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, ErrResourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}

	return r, nil
}

// UpdateResource writes status, payload, expiry and extra back to the row,
// provided the row is still in the expected status. ErrStatusConflict is
// returned when another writer moved it first.
func (s *Store) UpdateResource(ctx context.Context, r *Resource, expected ResourceStatus) error {
	extraJSON, err := marshalJSONB(r.Extra)
	if err != nil {
		return err
	}

	err = s.pool.QueryRow(ctx, `
		UPDATE vpn_resources
		SET status = $2,
		    credential_payload = $3,
		    expires_at = $4,
		    extra = $5::jsonb,
		    display_name = $6,
		    updated_at = NOW()
		WHERE id = $1 AND status = $7
		RETURNING updated_at
	`, r.ID, string(r.Status), r.CredentialPayload, r.ExpiresAt, extraJSON,
		r.DisplayName, string(expected),
	).Scan(&r.UpdatedAt)
	if err == pgx.ErrNoRows {
		return ErrStatusConflict
	}
	if err != nil {
		return fmt.Errorf("failed to update resource: %w", err)
	}

	return nil
}

// DeleteResource removes a resource that never reached the backend, provided
// it is still in the expected status
func (s *Store) DeleteResource(ctx context.Context, id string, expected ResourceStatus) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM vpn_resources WHERE id = $1 AND status = $2`,
		id, string(expected),
	)
	if err != nil {
		return fmt.Errorf("failed to delete resource: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

// ListDueResources returns active resources whose expiry has passed
func (s *Store) ListDueResources(ctx context.Context, now time.Time, limit int) ([]*Resource, error) {
	query := `SELECT ` + resourceColumns + `
		FROM vpn_resources
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2
	`

	return s.queryResources(ctx, query, now, limitArg(limit))
}

// ListResourcesByStatus returns resources in the given status, oldest first
func (s *Store) ListResourcesByStatus(ctx context.Context, status ResourceStatus, limit int) ([]*Resource, error) {
	query := `SELECT ` + resourceColumns + `
		FROM vpn_resources
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`

	return s.queryResources(ctx, query, string(status), limitArg(limit))
}

// ListResourcesByOwner returns every resource of an owner, newest first
func (s *Store) ListResourcesByOwner(ctx context.Context, ownerID string) ([]*Resource, error) {
	query := `SELECT ` + resourceColumns + `
		FROM vpn_resources
		WHERE owner_id = $1
		ORDER BY created_at DESC
	`

	return s.queryResources(ctx, query, ownerID)
}

// limitArg maps a non-positive limit to LIMIT NULL, which Postgres reads as
// no limit
func limitArg(limit int) interface{} {
	if limit <= 0 {
		return nil
	}
	return limit
}

func (s *Store) queryResources(ctx context.Context, query string, args ...interface{}) ([]*Resource, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query resources: %w", err)
	}
	defer rows.Close()

	var resources []*Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		resources = append(resources, r)
	}

	return resources, rows.Err()
}

func scanResource(row pgx.Row) (*Resource, error) {
	var r Resource
	var backendType, status string
	var extraJSON []byte

	err := row.Scan(
		&r.ID, &r.OwnerID, &backendType, &r.DisplayName, &r.CredentialPayload, &status,
		&r.IsTrial, &r.ExpiresAt, &extraJSON, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.BackendType = BackendType(backendType)
	r.Status = ResourceStatus(status)

	if len(extraJSON) > 0 {
		if err := json.Unmarshal(extraJSON, &r.Extra); err != nil {
			return nil, fmt.Errorf("failed to unmarshal extra: %w", err)
		}
	}

	return &r, nil
}
