package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sashakarcz/ironvpn/internal/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// invalid_catalog_name
const pgErrDatabaseMissing = "3D000"

// EnsureDatabase ensures the database exists, creating it if necessary, and
// applies any migrations that have not run yet
func EnsureDatabase(ctx context.Context, connectionString string) error {
	conn, err := pgx.Connect(ctx, connectionString)
	if err != nil {
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != pgErrDatabaseMissing {
			return fmt.Errorf("failed to connect to database: %w", err)
		}

		if err := createDatabase(ctx, connectionString); err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}

		conn, err = pgx.Connect(ctx, connectionString)
		if err != nil {
			return fmt.Errorf("failed to connect to newly created database: %w", err)
		}
	}
	defer conn.Close(ctx)

	if err := runMigrations(ctx, conn); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// createDatabase connects to the maintenance database and creates the target one
func createDatabase(ctx context.Context, connStr string) error {
	cfg, err := pgx.ParseConfig(connStr)
	if err != nil {
		return fmt.Errorf("failed to parse connection string: %w", err)
	}
	dbName := cfg.Database
	if dbName == "" {
		return fmt.Errorf("no database name in connection string")
	}
	// Connect to 'postgres' database to create the new database
	cfg.Database = "postgres"

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres database: %w", err)
	}
	defer conn.Close(ctx)

	// Create database
	// Note: Cannot use parameterized query for CREATE DATABASE
	createSQL := fmt.Sprintf("CREATE DATABASE %s", pgx.Identifier{dbName}.Sanitize())
	if _, err := conn.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("failed to execute CREATE DATABASE: %w", err)
	}

	logger.Info().Str("database", dbName).Msg("Created database")
	return nil
}

// runMigrations applies embedded migrations in file name order, recording
// each one in schema_migrations so it runs only once
func runMigrations(ctx context.Context, conn *pgx.Conn) error {
	_, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name       TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	// List of migration files to run in order
	files, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(files)

	for _, file := range files {
		name := path.Base(file)

		var applied bool
		err := conn.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE name = $1)", name,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("failed to check migration %s: %w", name, err)
		}
		if applied {
			continue
		}

		// Read migration file from embedded FS
		migrationSQL, err := migrationsFS.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}

		// Execute migration
		err = pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(migrationSQL)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (name) VALUES ($1)", name)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", name, err)
		}

		logger.Info().Str("migration", name).Msg("Applied migration")
	}

	return nil
}
