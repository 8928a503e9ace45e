package db

import (
	"context"
	"fmt"
	"slices"
)

// columnMigration adds a column that databases created by earlier releases lack.
type columnMigration struct {
	table  string
	column string
	decl   string
}

var columnMigrations = []columnMigration{
	{table: "api_call_log", column: "collector", decl: "TEXT"},
}

// migrate brings an existing database up to the current schema.
func (db *DB) migrate(ctx context.Context) error {
	for _, m := range columnMigrations {
		cols, err := db.TableColumns(ctx, m.table)
		if err != nil {
			return err
		}
		if slices.Contains(cols, m.column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.column, m.decl)
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to add %s.%s: %w", m.table, m.column, err)
		}
	}
	return nil
}
