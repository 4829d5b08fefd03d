package storage

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrEntryNotFound is returned when a pool entry does not exist
	ErrEntryNotFound = errors.New("pool entry not found")
	// ErrEntryHeld is returned when releasing an entry that still has a holder
	ErrEntryHeld = errors.New("pool entry still has a holder")
	// ErrResourceNotFound is returned when a resource does not exist
	ErrResourceNotFound = errors.New("resource not found")
	// ErrTrialActive is returned when the owner already holds a live trial
	ErrTrialActive = errors.New("owner already holds an active trial")
	// ErrStatusConflict is returned when a resource is not in the expected state
	ErrStatusConflict = errors.New("resource status changed concurrently")
)

// Store provides database operations for the provisioning core
type Store struct {
	pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	ConnectionString string
	MaxConnections   int32
	MinConnections   int32
	ConnectTimeout   time.Duration
}

// New creates a new Store with the given configuration
func New(ctx context.Context, cfg Config) (*Store, error) {
	// Set default timeout if not specified
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	// Parse connection string and create pool config
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Set pool limits
	poolConfig.MaxConns = cfg.MaxConnections
	poolConfig.MinConns = cfg.MinConnections

	// Set connection timeout
	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	// Create connection pool
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close closes the database connection pool
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Health checks if the database connection is healthy
func (s *Store) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Stats returns connection pool statistics
func (s *Store) Stats() *pgxpool.Stat {
	return s.pool.Stat()
}

// withTx runs fn inside a transaction, committing on nil and rolling back otherwise
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, fn)
}

// lockOwnerTx takes a transaction-scoped advisory lock for an owner.
// It is released automatically on commit or rollback.
func lockOwnerTx(ctx context.Context, tx pgx.Tx, ownerID string) error {
	_, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey("owner", ownerID))
	if err != nil {
		return fmt.Errorf("failed to acquire owner lock: %w", err)
	}
	return nil
}

// advisoryLockKey generates a lock key for a namespaced identifier
func advisoryLockKey(namespace, id string) int64 {
	h := fnv.New64a()
	h.Write([]byte(namespace))
	h.Write([]byte{0})
	h.Write([]byte(id))
	return int64(h.Sum64())
}
