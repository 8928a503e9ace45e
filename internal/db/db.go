// Package db manages the SQLite store: the ingestion audit tables and the
// batch upsert path for collected rows.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// Import modernc.org/sqlite as a blank import to register the driver
	_ "modernc.org/sqlite"
)

// DB wraps the SQL database connection with application-specific methods.
type DB struct {
	*sql.DB
	path string
}

// New creates a new database connection and initializes the schema.
func New(path string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite has a single writer and per-connection pragmas and temp tables;
	// one pooled connection keeps them consistent.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{
		DB:   sqlDB,
		path: path,
	}

	if err := db.configure(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	if err := db.createSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	if err := db.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Ping verifies the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

// configure sets up database pragmas for optimal performance.
func (db *DB) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-64000", // 64MB cache
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(context.Background(), pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

func (db *DB) createSchema() error {
	if err := db.createSessionsTable(); err != nil {
		return err
	}
	if err := db.createCallLogTable(); err != nil {
		return err
	}
	if err := db.createProviderStatesTable(); err != nil {
		return err
	}
	return db.createCursorsTable()
}

func (db *DB) createSessionsTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS ingestion_sessions (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		status TEXT NOT NULL DEFAULT 'running',
		total_records INTEGER DEFAULT 0,
		total_api_calls INTEGER DEFAULT 0,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_started ON ingestion_sessions(started_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON ingestion_sessions(status);
	`
	_, err := db.ExecContext(context.Background(), query)
	return err
}

func (db *DB) createCallLogTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS api_call_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		collector TEXT,
		provider TEXT NOT NULL,
		endpoint TEXT,
		status TEXT NOT NULL,
		status_code INTEGER DEFAULT 0,
		records_ingested INTEGER DEFAULT 0,
		error TEXT,
		duration_ms INTEGER DEFAULT 0,
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_call_log_session ON api_call_log(session_id);
	CREATE INDEX IF NOT EXISTS idx_call_log_provider ON api_call_log(provider, timestamp);
	`
	_, err := db.ExecContext(context.Background(), query)
	return err
}

func (db *DB) createProviderStatesTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS provider_states (
		provider TEXT PRIMARY KEY,
		rate_limited INTEGER DEFAULT 0,
		reset_time DATETIME,
		failures INTEGER DEFAULT 0,
		last_failure DATETIME,
		updated_at DATETIME
	);
	`
	_, err := db.ExecContext(context.Background(), query)
	return err
}

func (db *DB) createCursorsTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS collector_cursors (
		collector TEXT PRIMARY KEY,
		cursor TEXT NOT NULL,
		updated_at DATETIME
	);
	`
	_, err := db.ExecContext(context.Background(), query)
	return err
}

// Close closes the database connection gracefully.
func (db *DB) Close() error {
	// Checkpoint WAL before closing
	_, _ = db.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)")
	return db.DB.Close()
}

// Vacuum performs database maintenance to reclaim space.
func (db *DB) Vacuum() error {
	_, err := db.ExecContext(context.Background(), "VACUUM")
	return err
}
