package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const poolSyncColumns = `
	id, sync_started_at, sync_completed_at, status, commit_hash,
	commit_message, commit_author, commit_timestamp, COALESCE(error_message, ''),
	changes_applied, triggered_by, triggered_by_user, created_at`

// CreatePoolSyncLog creates a new pool sync log entry
func (s *Store) CreatePoolSyncLog(ctx context.Context, log *PoolSyncLog) error {
	query := `
		INSERT INTO pool_sync_log (
			sync_started_at, status, commit_hash, commit_message, commit_author,
			commit_timestamp, triggered_by, triggered_by_user
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`

	err := s.pool.QueryRow(ctx, query,
		log.SyncStartedAt,
		log.Status,
		log.CommitHash,
		log.CommitMessage,
		log.CommitAuthor,
		log.CommitTimestamp,
		log.TriggeredBy,
		log.TriggeredByUser,
	).Scan(&log.ID, &log.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create pool sync log: %w", err)
	}

	return nil
}

// UpdatePoolSyncLog updates an existing pool sync log entry
func (s *Store) UpdatePoolSyncLog(ctx context.Context, log *PoolSyncLog) error {
	query := `
		UPDATE pool_sync_log
		SET sync_completed_at = $1,
		    status = $2,
		    error_message = $3,
		    changes_applied = $4,
		    commit_hash = $5,
		    commit_message = $6,
		    commit_author = $7,
		    commit_timestamp = $8
		WHERE id = $9
	`

	var changesJSON []byte
	var err error
	if log.ChangesApplied != nil {
		changesJSON, err = json.Marshal(log.ChangesApplied)
		if err != nil {
			return fmt.Errorf("failed to marshal changes: %w", err)
		}
	}

	_, err = s.pool.Exec(ctx, query,
		log.SyncCompletedAt,
		log.Status,
		log.ErrorMessage,
		changesJSON,
		log.CommitHash,
		log.CommitMessage,
		log.CommitAuthor,
		log.CommitTimestamp,
		log.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update pool sync log: %w", err)
	}

	return nil
}

// GetRecentPoolSyncLogs retrieves the most recent pool sync logs
func (s *Store) GetRecentPoolSyncLogs(ctx context.Context, limit int) ([]*PoolSyncLog, error) {
	query := `SELECT ` + poolSyncColumns + `
		FROM pool_sync_log
		ORDER BY sync_started_at DESC
		LIMIT $1
	`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent pool sync logs: %w", err)
	}
	defer rows.Close()

	var logs []*PoolSyncLog
	for rows.Next() {
		log, err := scanPoolSyncLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}

	return logs, rows.Err()
}

// GetLastSuccessfulPoolSync retrieves the most recent successful sync, or nil
func (s *Store) GetLastSuccessfulPoolSync(ctx context.Context) (*PoolSyncLog, error) {
	query := `SELECT ` + poolSyncColumns + `
		FROM pool_sync_log
		WHERE status = $1
		ORDER BY sync_completed_at DESC
		LIMIT 1
	`

	log, err := scanPoolSyncLog(s.pool.QueryRow(ctx, query, PoolSyncStatusSuccess))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return log, err
}

func scanPoolSyncLog(row pgx.Row) (*PoolSyncLog, error) {
	var log PoolSyncLog
	var changesJSON []byte

	err := row.Scan(
		&log.ID,
		&log.SyncStartedAt,
		&log.SyncCompletedAt,
		&log.Status,
		&log.CommitHash,
		&log.CommitMessage,
		&log.CommitAuthor,
		&log.CommitTimestamp,
		&log.ErrorMessage,
		&changesJSON,
		&log.TriggeredBy,
		&log.TriggeredByUser,
		&log.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan pool sync log: %w", err)
	}

	if len(changesJSON) > 0 {
		if err := json.Unmarshal(changesJSON, &log.ChangesApplied); err != nil {
			return nil, fmt.Errorf("failed to unmarshal changes: %w", err)
		}
	}

	return &log, nil
}
