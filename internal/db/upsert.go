package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/j-veylop/provider-ingest/internal/db/staging"
	"github.com/j-veylop/provider-ingest/internal/metrics"
	"github.com/j-veylop/provider-ingest/internal/models"
)

// maxBindParams keeps each staging insert below SQLite's variable limit.
const maxBindParams = 32000

// TableColumns returns the declared columns of a table in definition order.
// Generated columns are not included.
func (db *DB) TableColumns(ctx context.Context, table string) ([]string, error) {
	if !staging.ValidIdentifier(table) {
		return nil, fmt.Errorf("%w: %q", staging.ErrInvalidIdentifier, table)
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to introspect %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var columns []string
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column of %s: %w", table, err)
		}
		columns = append(columns, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: %s", staging.ErrUnknownTable, table)
	}
	return columns, nil
}

// UpsertBatch inserts or updates rows in table keyed by conflictKeys, in a
// single transaction. Fields that are not columns of the table are dropped.
// Rows repeating a key within the batch collapse to the last one. Non-key
// columns of existing rows are overwritten. It returns the number of rows
// inserted or updated.
func (db *DB) UpsertBatch(ctx context.Context, table string, rows []models.Row, conflictKeys []string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	start := time.Now()

	tableColumns, err := db.TableColumns(ctx, table)
	if err != nil {
		return 0, err
	}

	batch, err := staging.Project(tableColumns, rows, conflictKeys, staging.JSONText)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", table, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin upsert transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stage := "stage_" + table
	colList := strings.Join(batch.Columns, ", ")

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS temp.%s", stage)); err != nil {
		return 0, fmt.Errorf("failed to clear staging table: %w", err)
	}
	createStage := fmt.Sprintf("CREATE TEMP TABLE %s AS SELECT %s FROM main.%s WHERE 0", stage, colList, table)
	if _, err := tx.ExecContext(ctx, createStage); err != nil {
		return 0, fmt.Errorf("failed to create staging table: %w", err)
	}

	if err := loadStage(ctx, tx, stage, batch); err != nil {
		return 0, err
	}

	merge := fmt.Sprintf("INSERT INTO main.%s (%s) SELECT %s FROM temp.%s WHERE true %s",
		table, colList, colList, stage, batch.ConflictClause())
	result, err := tx.ExecContext(ctx, merge)
	if err != nil {
		return 0, fmt.Errorf("failed to merge staged rows into %s: %w", table, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE temp.%s", stage)); err != nil {
		return 0, fmt.Errorf("failed to drop staging table: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit upsert: %w", err)
	}

	metrics.ObserveUpsert(table, affected, time.Since(start))
	return affected, nil
}

// loadStage bulk-loads the batch with multi-row inserts sized to the bind limit.
func loadStage(ctx context.Context, tx *sql.Tx, stage string, batch *staging.Batch) error {
	perRow := len(batch.Columns)
	chunk := max(maxBindParams/perRow, 1)

	rowPlaceholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", perRow), ", ") + ")"

	for start := 0; start < len(batch.Values); start += chunk {
		end := min(start+chunk, len(batch.Values))
		part := batch.Values[start:end]

		placeholders := make([]string, len(part))
		args := make([]any, 0, len(part)*perRow)
		for i, values := range part {
			placeholders[i] = rowPlaceholder
			args = append(args, values...)
		}

		query := fmt.Sprintf("INSERT INTO temp.%s (%s) VALUES %s",
			stage, strings.Join(batch.Columns, ", "), strings.Join(placeholders, ", "))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to load staging table: %w", err)
		}
	}
	return nil
}
