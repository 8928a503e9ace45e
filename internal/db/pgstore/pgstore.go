// Package pgstore is the PostgreSQL target for batch upserts. Rows are copied
// into a transaction-scoped staging table and merged in one statement.
package pgstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/j-veylop/provider-ingest/internal/db/staging"
	"github.com/j-veylop/provider-ingest/internal/metrics"
	"github.com/j-veylop/provider-ingest/internal/models"
)

// Store upserts into PostgreSQL through a bounded connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn with at most maxConns pooled connections.
func New(ctx context.Context, dsn string, maxConns int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases every pooled connection.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// splitTable accepts "table" or "schema.table".
func splitTable(table string) (string, string, error) {
	schema, name := "public", table
	if i := strings.IndexByte(table, '.'); i >= 0 {
		schema, name = table[:i], table[i+1:]
	}
	if !staging.ValidIdentifier(schema) || !staging.ValidIdentifier(name) {
		return "", "", fmt.Errorf("%w: %q", staging.ErrInvalidIdentifier, table)
	}
	return schema, name, nil
}

// TableColumns returns the writable columns of table in ordinal order.
func (s *Store) TableColumns(ctx context.Context, table string) ([]string, error) {
	schema, name, err := splitTable(table)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2 AND is_generated = 'NEVER'
		ORDER BY ordinal_position`, schema, name)
	if err != nil {
		return nil, fmt.Errorf("failed to introspect %s: %w", table, err)
	}
	columns, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: %s", staging.ErrUnknownTable, table)
	}
	return columns, nil
}

// UpsertBatch applies rows to table atomically. Unknown fields are dropped,
// duplicate keys inside the batch collapse to the last row, and existing rows
// have their non-key columns overwritten.
func (s *Store) UpsertBatch(ctx context.Context, table string, rows []models.Row, conflictKeys []string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	start := time.Now()

	columns, err := s.TableColumns(ctx, table)
	if err != nil {
		return 0, err
	}
	batch, err := staging.Project(columns, rows, conflictKeys, staging.Native)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", table, err)
	}

	_, name, _ := splitTable(table)
	stage := "stage_" + name
	colList := strings.Join(batch.Columns, ", ")

	var affected int64
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		createStage := fmt.Sprintf(
			"CREATE TEMPORARY TABLE %s ON COMMIT DROP AS SELECT %s FROM %s WITH NO DATA",
			stage, colList, table)
		if _, err := tx.Exec(ctx, createStage); err != nil {
			return fmt.Errorf("failed to create staging table: %w", err)
		}

		if _, err := tx.CopyFrom(ctx, pgx.Identifier{stage}, batch.Columns, pgx.CopyFromRows(batch.Values)); err != nil {
			return fmt.Errorf("failed to copy rows into staging table: %w", err)
		}

		merge := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s %s",
			table, colList, colList, stage, batch.ConflictClause())
		tag, err := tx.Exec(ctx, merge)
		if err != nil {
			return fmt.Errorf("failed to merge staged rows into %s: %w", table, err)
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}

	metrics.ObserveUpsert(table, affected, time.Since(start))
	return affected, nil
}
