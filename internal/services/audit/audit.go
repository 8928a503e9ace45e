// Package audit records sessions, call attempts and provider states. Writes
// never fail the caller: errors are logged and dropped so auditing cannot
// break a collection run.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/j-veylop/provider-ingest/internal/db"
	"github.com/j-veylop/provider-ingest/internal/logger"
	"github.com/j-veylop/provider-ingest/internal/models"
	"github.com/j-veylop/provider-ingest/internal/services/breaker"
)

// DefaultWriteTimeout bounds every audit write.
const DefaultWriteTimeout = 5 * time.Second

// Log writes audit rows to the database.
type Log struct {
	db      *db.DB
	timeout time.Duration
}

// New creates an audit log. A non-positive timeout uses DefaultWriteTimeout.
func New(database *db.DB, timeout time.Duration) *Log {
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	return &Log{db: database, timeout: timeout}
}

func (l *Log) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
}

// CreateSession opens a running session.
func (l *Log) CreateSession(ctx context.Context, id string, metadata map[string]any) {
	ctx, cancel := l.writeContext(ctx)
	defer cancel()

	session := &models.Session{
		ID:        id,
		StartedAt: time.Now(),
		Status:    models.SessionRunning,
		Metadata:  metadata,
	}
	if err := l.db.CreateSession(ctx, session); err != nil {
		logger.Warn("audit: failed to create session", "session", id, "error", err)
	}
}

// UpdateSession sets a session's counters and status. Closed sessions are
// left untouched.
func (l *Log) UpdateSession(ctx context.Context, id string, status models.SessionStatus, totalRecords, totalCalls int) {
	ctx, cancel := l.writeContext(ctx)
	defer cancel()

	err := l.db.UpdateSession(ctx, id, status, totalRecords, totalCalls)
	switch {
	case errors.Is(err, db.ErrSessionNotOpen):
		logger.Debug("audit: session already closed", "session", id, "status", status)
	case err != nil:
		logger.Warn("audit: failed to update session", "session", id, "error", err)
	}
}

// StopOpenSessions marks every running session stopped and returns how many
// were closed.
func (l *Log) StopOpenSessions(ctx context.Context) int64 {
	ctx, cancel := l.writeContext(ctx)
	defer cancel()

	n, err := l.db.StopOpenSessions(ctx)
	if err != nil {
		logger.Warn("audit: failed to stop open sessions", "error", err)
		return 0
	}
	return n
}

// LogCall appends one call attempt.
func (l *Log) LogCall(ctx context.Context, record *models.CallRecord) {
	ctx, cancel := l.writeContext(ctx)
	defer cancel()

	if err := l.db.InsertCallRecord(ctx, record); err != nil {
		logger.Warn("audit: failed to log call",
			"session", record.SessionID,
			"provider", record.Provider,
			"error", err,
		)
	}
}

// ProviderStateChanged persists a breaker state. It makes Log a breaker.Observer.
func (l *Log) ProviderStateChanged(state models.ProviderState) {
	ctx, cancel := l.writeContext(context.Background())
	defer cancel()

	if err := l.db.SaveProviderState(ctx, state); err != nil {
		logger.Warn("audit: failed to save provider state", "provider", state.Provider, "error", err)
	}
}

// RestoreBreaker seeds b with the persisted provider states so cooldowns
// survive a restart.
func (l *Log) RestoreBreaker(ctx context.Context, b *breaker.Breaker) error {
	states, err := l.db.GetProviderStates(ctx)
	if err != nil {
		return err
	}
	b.Restore(states)
	return nil
}

// RecentSessions returns the latest sessions, newest first.
func (l *Log) RecentSessions(ctx context.Context, limit int) ([]models.Session, error) {
	return l.db.GetRecentSessions(ctx, limit)
}

// SessionCalls returns every call attempt of a session.
func (l *Log) SessionCalls(ctx context.Context, sessionID string) ([]models.CallRecord, error) {
	return l.db.GetSessionCalls(ctx, sessionID)
}

// ProviderStats aggregates call outcomes per provider since the given time.
func (l *Log) ProviderStats(ctx context.Context, since time.Time) ([]models.ProviderCallStats, error) {
	return l.db.GetProviderCallStats(ctx, since)
}

// ProviderStates returns every persisted provider state.
func (l *Log) ProviderStates(ctx context.Context) ([]models.ProviderState, error) {
	return l.db.GetProviderStates(ctx)
}

var _ breaker.Observer = (*Log)(nil)
