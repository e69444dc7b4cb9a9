package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/Shi33/trae-test-split-images/internal/config"
)

// DSN builds a lib/pq connection string from the configuration.
func DSN(cfg *config.Config) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.PostgresHost,
		cfg.PostgresPort,
		cfg.PostgresUser,
		cfg.PostgresPassword,
		cfg.PostgresDB,
		cfg.PostgresSSLMode,
	)
}

// ConnectPostgres opens the audit database, creates its schema and runs migrations.
func ConnectPostgres(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	connector, err := pq.NewConnector(DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db := sql.OpenDB(connector)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	schema := pq.QuoteIdentifier(cfg.PostgresSchema)
	if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	// Tables are schema-qualified; search_path is per connection.
	if err := runMigrations(ctx, db, cfg.PostgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	logrus.WithFields(logrus.Fields{
		"function": "ConnectPostgres",
		"database": cfg.PostgresDB,
		"schema":   cfg.PostgresSchema,
	}).Info("PostgreSQL connection established")
	return db, nil
}

// Migrations returns the DDL for the session audit tables in schema.
func Migrations(schema string) []string {
	table := pq.QuoteIdentifier(schema) + ".upload_sessions"
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + table + ` (
			id TEXT PRIMARY KEY,
			filename TEXT NOT NULL,
			status TEXT NOT NULL,
			total_frames INTEGER NOT NULL DEFAULT 0,
			frames_decoded INTEGER NOT NULL DEFAULT 0,
			batches_emitted INTEGER NOT NULL DEFAULT 0,
			progress INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_upload_sessions_status ON ` + table + `(status)`,
		`CREATE INDEX IF NOT EXISTS idx_upload_sessions_created_at ON ` + table + `(created_at DESC)`,
	}
}

func runMigrations(ctx context.Context, db *sql.DB, schema string) error {
	log := logrus.WithFields(logrus.Fields{
		"function": "runMigrations",
		"schema":   schema,
	})
	log.Info("Running migrations")

	for i, migration := range Migrations(schema) {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Info("Migrations completed")
	return nil
}
