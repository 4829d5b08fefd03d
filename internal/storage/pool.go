package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const poolEntryColumns = `
	address, pool_type, holder_id, assigned_at, revoked_at,
	is_available, is_revoked, metadata, created_at, updated_at`

// ClaimEntry atomically takes one claimable entry of poolType and assigns it
// to holderID. Only the single candidate row is locked; rows locked by other
// claimers are skipped rather than waited on. Returns nil, nil when the pool
// has nothing left to hand out.
func (s *Store) ClaimEntry(ctx context.Context, poolType, holderID string, metadata map[string]interface{}) (*PoolEntry, error) {
	query := `
		UPDATE ip_pool
		SET is_available = FALSE,
		    holder_id = $2,
		    assigned_at = NOW(),
		    metadata = metadata || $3::jsonb,
		    updated_at = NOW()
		WHERE address = (
			SELECT address
			FROM ip_pool
			WHERE pool_type = $1
			  AND is_available
			  AND NOT is_revoked
			  AND holder_id IS NULL
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + poolEntryColumns

	metaJSON, err := marshalJSONB(metadata)
	if err != nil {
		return nil, err
	}

	entry, err := scanPoolEntry(s.pool.QueryRow(ctx, query, poolType, holderID, metaJSON))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim pool entry: %w", err)
	}

	return entry, nil
}

// RevokeEntry marks an entry revoked and unavailable, detaching its holder
// and appending reason to the metadata. Revoking an already revoked entry is
// a no-op that reports true. Returns false when the address is unknown.
func (s *Store) RevokeEntry(ctx context.Context, address, reason string) (bool, error) {
	var revoked bool

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var isRevoked bool
		err := tx.QueryRow(ctx,
			"SELECT is_revoked FROM ip_pool WHERE address = $1 FOR UPDATE", address,
		).Scan(&isRevoked)
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to lock pool entry: %w", err)
		}

		revoked = true
		if isRevoked {
			return nil
		}

		_, err = tx.Exec(ctx, `
			UPDATE ip_pool
			SET is_revoked = TRUE,
			    is_available = FALSE,
			    revoked_at = NOW(),
			    metadata = `+revokeMetadataExpr+`,
			    holder_id = NULL,
			    updated_at = NOW()
			WHERE address = $1
		`, address, reason)
		if err != nil {
			return fmt.Errorf("failed to revoke pool entry: %w", err)
		}
		return nil
	})

	return revoked, err
}

// revokeMetadataExpr records the reason and previous holder; $2 is the reason
const revokeMetadataExpr = `jsonb_set(
				metadata || jsonb_build_object(
					'revoke_reason', $2::text,
					'last_holder_id', holder_id
				),
				'{revoke_reasons}',
				COALESCE(metadata->'revoke_reasons', '[]'::jsonb) || to_jsonb($2::text)
			)`

// RevokeEntriesForHolder revokes every unrevoked entry of poolType held by
// holderID. Each matched row is locked individually by the UPDATE.
func (s *Store) RevokeEntriesForHolder(ctx context.Context, holderID, poolType, reason string) (int64, error) {
	query := `
		UPDATE ip_pool
		SET is_revoked = TRUE,
		    is_available = FALSE,
		    revoked_at = NOW(),
		    metadata = ` + revokeMetadataExpr + `,
		    holder_id = NULL,
		    updated_at = NOW()
		WHERE holder_id = $1 AND pool_type = $3 AND NOT is_revoked
	`

	// $2 must be the reason for revokeMetadataExpr
	result, err := s.pool.Exec(ctx, query, holderID, reason, poolType)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke entries for holder: %w", err)
	}

	return result.RowsAffected(), nil
}

// ReleaseEntry returns a revoked, unassigned entry to the available set. It
// refuses entries that still have a holder.
func (s *Store) ReleaseEntry(ctx context.Context, address string) (bool, error) {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var holderID *string
		err := tx.QueryRow(ctx,
			"SELECT holder_id FROM ip_pool WHERE address = $1 FOR UPDATE", address,
		).Scan(&holderID)
		if err == pgx.ErrNoRows {
			return ErrEntryNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock pool entry: %w", err)
		}
		if holderID != nil {
			return ErrEntryHeld
		}

		_, err = tx.Exec(ctx, `
			UPDATE ip_pool
			SET is_revoked = FALSE,
			    is_available = TRUE,
			    revoked_at = NULL,
			    assigned_at = NULL,
			    metadata = metadata || jsonb_build_object('released_at', NOW()),
			    updated_at = NOW()
			WHERE address = $1
		`, address)
		if err != nil {
			return fmt.Errorf("failed to release pool entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	return true, nil
}

// ReleasableEntries lists revoked, unassigned entries revoked before the cutoff
func (s *Store) ReleasableEntries(ctx context.Context, revokedBefore time.Time, limit int) ([]string, error) {
	query := `
		SELECT address
		FROM ip_pool
		WHERE is_revoked AND holder_id IS NULL AND revoked_at < $1
		ORDER BY revoked_at ASC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, revokedBefore, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to get releasable entries: %w", err)
	}

	addresses, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan releasable entries: %w", err)
	}

	return addresses, nil
}

// RegisterEntries inserts new available entries, ignoring addresses that
// already exist. Returns the number of rows actually inserted.
func (s *Store) RegisterEntries(ctx context.Context, poolType string, addresses []string, metadata map[string]interface{}) (int64, error) {
	metaJSON, err := marshalJSONB(metadata)
	if err != nil {
		return 0, err
	}

	batch := &pgx.Batch{}
	for _, address := range addresses {
		batch.Queue(`
			INSERT INTO ip_pool (address, pool_type, is_available, is_revoked, metadata)
			VALUES ($1, $2, TRUE, FALSE, $3::jsonb)
			ON CONFLICT (address) DO NOTHING
		`, address, poolType, metaJSON)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	var inserted int64
	for range addresses {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("failed to register pool entry: %w", err)
		}
		inserted += tag.RowsAffected()
	}

	return inserted, nil
}

// GetPoolStatistics returns aggregated counts per pool type
func (s *Store) GetPoolStatistics(ctx context.Context) ([]*PoolStatistics, error) {
	query := `
		SELECT pool_type,
		       COUNT(*) AS total,
		       COUNT(*) FILTER (WHERE is_available AND NOT is_revoked) AS available,
		       COUNT(*) FILTER (WHERE holder_id IS NOT NULL) AS assigned,
		       COUNT(*) FILTER (WHERE is_revoked) AS revoked
		FROM ip_pool
		GROUP BY pool_type
		ORDER BY pool_type
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get pool statistics: %w", err)
	}
	defer rows.Close()

	var stats []*PoolStatistics
	for rows.Next() {
		var stat PoolStatistics
		if err := rows.Scan(&stat.PoolType, &stat.Total, &stat.Available, &stat.Assigned, &stat.Revoked); err != nil {
			return nil, fmt.Errorf("failed to scan statistics: %w", err)
		}
		stats = append(stats, &stat)
	}

	return stats, rows.Err()
}

func scanPoolEntry(row pgx.Row) (*PoolEntry, error) {
	var entry PoolEntry
	var metaJSON []byte

	err := row.Scan(
		&entry.Address, &entry.PoolType, &entry.HolderID, &entry.AssignedAt, &entry.RevokedAt,
		&entry.IsAvailable, &entry.IsRevoked, &metaJSON, &entry.CreatedAt, &entry.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &entry.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &entry, nil
}

func marshalJSONB(v map[string]interface{}) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}
