// Package collector provides the budgeted, fallback-aware base embedded by
// every concrete collector.
package collector

import (
	"context"
	"fmt"

	"github.com/j-veylop/provider-ingest/internal/models"
	"github.com/j-veylop/provider-ingest/internal/services/transport"
)

// Collector is what the orchestrator runs.
type Collector interface {
	Name() string
	SetSession(id string)
	Collect(ctx context.Context) error
	Result() models.CollectorResult
}

// Doer performs provider requests. *transport.Transport satisfies it.
type Doer interface {
	Do(ctx context.Context, req *transport.Request) (*transport.Response, error)
}

// Gate reports whether a provider may be called. *breaker.Breaker satisfies it.
type Gate interface {
	CanUse(provider string) bool
}

// Store persists row batches. *db.DB and *pgstore.Store satisfy it.
type Store interface {
	UpsertBatch(ctx context.Context, table string, rows []models.Row, conflictKeys []string) (int64, error)
}

// CursorStore keeps the incremental position of each collector.
type CursorStore interface {
	GetCursor(ctx context.Context, collector string) (string, bool, error)
	SaveCursor(ctx context.Context, collector, cursor string) error
}

// Auditor receives one record per call attempt.
type Auditor interface {
	LogCall(ctx context.Context, record *models.CallRecord)
}

// Deps are the shared services a collector calls through.
type Deps struct {
	Transport Doer
	Gate      Gate
	Store     Store
	Cursors   CursorStore
	Audit     Auditor
}

// PersistenceError is recorded when a batch write fails. The batch is dropped.
type PersistenceError struct {
	Err   error
	Table string
	Rows  int
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error: %d rows into %s: %v", e.Rows, e.Table, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
