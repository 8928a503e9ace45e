package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/j-veylop/provider-ingest/internal/logger"
	"github.com/j-veylop/provider-ingest/internal/models"
)

// timeFormat is how timestamps are written so SQLite date functions and the
// driver's DATETIME parsing both understand them.
const timeFormat = "2006-01-02 15:04:05.000"

// ErrSessionNotOpen is returned when updating a session that is missing or already closed.
var ErrSessionNotOpen = errors.New("session not found or already closed")

// CreateSession inserts a new running session.
func (db *DB) CreateSession(ctx context.Context, session *models.Session) error {
	metadata, err := encodeMetadata(session.Metadata)
	if err != nil {
		return err
	}

	status := session.Status
	if status == "" {
		status = models.SessionRunning
	}
	started := session.StartedAt
	if started.IsZero() {
		started = time.Now()
	}

	query := `
		INSERT INTO ingestion_sessions (id, started_at, status, total_records, total_api_calls, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = db.ExecContext(ctx, query,
		session.ID,
		formatTime(started),
		string(status),
		session.TotalRecords,
		session.TotalAPICalls,
		metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// UpdateSession sets a session's counters and status. Terminal statuses also
// stamp ended_at. Closed sessions are never modified again, except that a
// session already swept to stopped still accepts its final stopped totals;
// its ended_at from the sweep is kept.
func (db *DB) UpdateSession(ctx context.Context, id string, status models.SessionStatus, totalRecords, totalCalls int) error {
	var endedAt sql.NullString
	if status.IsTerminal() {
		endedAt = nullString(formatTime(time.Now()))
	}

	query := `
		UPDATE ingestion_sessions
		SET status = ?,
			total_records = ?,
			total_api_calls = ?,
			ended_at = CASE WHEN status = 'running' THEN COALESCE(?, ended_at) ELSE ended_at END
		WHERE id = ? AND (status = 'running' OR (status = 'stopped' AND ? = 'stopped'))
	`
	result, err := db.ExecContext(ctx, query, string(status), totalRecords, totalCalls, endedAt, id, string(status))
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	n, err := result.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotOpen, id)
	}
	return nil
}

// StopOpenSessions marks every still-running session as stopped. It is used
// at startup to close sessions left behind by a previous process.
func (db *DB) StopOpenSessions(ctx context.Context) (int64, error) {
	query := `
		UPDATE ingestion_sessions
		SET status = 'stopped', ended_at = ?
		WHERE status = 'running'
	`
	result, err := db.ExecContext(ctx, query, formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("failed to stop open sessions: %w", err)
	}
	return result.RowsAffected()
}

// PruneSessions deletes closed sessions started before cutoff together with
// their call records. Running sessions are never touched.
func (db *DB) PruneSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin prune transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const expired = `SELECT id FROM ingestion_sessions WHERE status != 'running' AND started_at < ?`
	before := formatTime(cutoff)

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM api_call_log WHERE session_id IN ("+expired+")", before); err != nil {
		return 0, fmt.Errorf("failed to prune call records: %w", err)
	}
	result, err := tx.ExecContext(ctx,
		"DELETE FROM ingestion_sessions WHERE id IN ("+expired+")", before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// GetSession returns one session by id.
func (db *DB) GetSession(ctx context.Context, id string) (*models.Session, error) {
	query := `
		SELECT id, started_at, ended_at, status, total_records, total_api_calls, metadata
		FROM ingestion_sessions
		WHERE id = ?
	`
	session, err := scanSession(db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return session, nil
}

// GetRecentSessions returns the most recently started sessions.
func (db *DB) GetRecentSessions(ctx context.Context, limit int) ([]models.Session, error) {
	query := `
		SELECT id, started_at, ended_at, status, total_records, total_api_calls, metadata
		FROM ingestion_sessions
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			logger.Warn("skipping unreadable session row", "error", err)
			continue
		}
		sessions = append(sessions, *session)
	}

	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		s        models.Session
		status   string
		ended    sql.NullTime
		metadata sql.NullString
	)
	if err := row.Scan(&s.ID, &s.StartedAt, &ended, &status, &s.TotalRecords, &s.TotalAPICalls, &metadata); err != nil {
		return nil, err
	}
	s.Status = models.SessionStatus(status)
	if ended.Valid {
		s.EndedAt = ended.Time
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &s.Metadata); err != nil {
			logger.Debug("session metadata is not valid JSON", "session", s.ID, "error", err)
		}
	}
	return &s, nil
}

// InsertCallRecord appends one call attempt to the audit log.
func (db *DB) InsertCallRecord(ctx context.Context, record *models.CallRecord) error {
	query := `
		INSERT INTO api_call_log (
			session_id, collector, provider, endpoint, status, status_code,
			records_ingested, error, duration_ms, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	timestamp := record.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	result, err := db.ExecContext(ctx, query,
		record.SessionID,
		nullString(record.Collector),
		record.Provider,
		nullString(record.Endpoint),
		string(record.Status),
		record.StatusCode,
		record.RecordsIngested,
		nullString(record.ErrorMessage),
		record.Duration.Milliseconds(),
		formatTime(timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to insert call record: %w", err)
	}

	id, err := result.LastInsertId()
	if err == nil {
		record.ID = id
	}

	return nil
}

// GetSessionCalls returns every call attempt of a session in insertion order.
func (db *DB) GetSessionCalls(ctx context.Context, sessionID string) ([]models.CallRecord, error) {
	query := `
		SELECT id, session_id, collector, provider, endpoint, status, status_code,
			   records_ingested, error, duration_ms, timestamp
		FROM api_call_log
		WHERE session_id = ?
		ORDER BY id
	`

	rows, err := db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session calls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []models.CallRecord
	for rows.Next() {
		var (
			rec                         models.CallRecord
			collector, endpoint, errMsg sql.NullString
			status                      string
			durationMs                  int64
		)
		err := rows.Scan(
			&rec.ID,
			&rec.SessionID,
			&collector,
			&rec.Provider,
			&endpoint,
			&status,
			&rec.StatusCode,
			&rec.RecordsIngested,
			&errMsg,
			&durationMs,
			&rec.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call record: %w", err)
		}
		rec.Collector = collector.String
		rec.Endpoint = endpoint.String
		rec.ErrorMessage = errMsg.String
		rec.Status = models.CallStatus(status)
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		records = append(records, rec)
	}

	return records, rows.Err()
}

// GetProviderCallStats aggregates call outcomes per provider since the given time.
func (db *DB) GetProviderCallStats(ctx context.Context, since time.Time) ([]models.ProviderCallStats, error) {
	query := `
		SELECT
			provider,
			COUNT(*) AS total,
			SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END),
			COALESCE(SUM(records_ingested), 0),
			COALESCE(AVG(duration_ms), 0),
			MAX(timestamp)
		FROM api_call_log
		WHERE timestamp >= ?
		GROUP BY provider
		ORDER BY total DESC, provider
	`

	rows, err := db.QueryContext(ctx, query, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query provider stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stats []models.ProviderCallStats
	for rows.Next() {
		var (
			s    models.ProviderCallStats
			last sql.NullString
		)
		if err := rows.Scan(&s.Provider, &s.TotalCalls, &s.SuccessCount, &s.FailedCount,
			&s.ErrorCount, &s.Records, &s.AvgDurationMs, &last); err != nil {
			return nil, fmt.Errorf("failed to scan provider stats: %w", err)
		}
		if last.Valid {
			s.LastCall, _ = parseTime(last.String)
		}
		stats = append(stats, s)
	}

	return stats, rows.Err()
}

// SaveProviderState persists the breaker's latest view of a provider.
func (db *DB) SaveProviderState(ctx context.Context, state models.ProviderState) error {
	query := `
		INSERT INTO provider_states (provider, rate_limited, reset_time, failures, last_failure, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			rate_limited = excluded.rate_limited,
			reset_time = excluded.reset_time,
			failures = excluded.failures,
			last_failure = excluded.last_failure,
			updated_at = excluded.updated_at
	`
	updated := state.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	_, err := db.ExecContext(ctx, query,
		state.Provider,
		state.RateLimited,
		nullTime(state.ResetTime),
		state.Failures,
		nullTime(state.LastFailure),
		formatTime(updated),
	)
	if err != nil {
		return fmt.Errorf("failed to save provider state: %w", err)
	}
	return nil
}

// GetProviderStates returns every persisted provider state.
func (db *DB) GetProviderStates(ctx context.Context) ([]models.ProviderState, error) {
	query := `
		SELECT provider, rate_limited, reset_time, failures, last_failure, updated_at
		FROM provider_states
		ORDER BY provider
	`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query provider states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var states []models.ProviderState
	for rows.Next() {
		var (
			s                           models.ProviderState
			reset, lastFailure, updated sql.NullTime
		)
		if err := rows.Scan(&s.Provider, &s.RateLimited, &reset, &s.Failures, &lastFailure, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan provider state: %w", err)
		}
		s.ResetTime = reset.Time
		s.LastFailure = lastFailure.Time
		s.UpdatedAt = updated.Time
		states = append(states, s)
	}

	return states, rows.Err()
}

// GetCursor returns the stored cursor for a collector.
func (db *DB) GetCursor(ctx context.Context, collector string) (string, bool, error) {
	var cursor string
	err := db.QueryRowContext(ctx,
		"SELECT cursor FROM collector_cursors WHERE collector = ?", collector).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get cursor: %w", err)
	}
	return cursor, true, nil
}

// SaveCursor stores a collector's cursor, replacing any previous value.
func (db *DB) SaveCursor(ctx context.Context, collector, cursor string) error {
	query := `
		INSERT INTO collector_cursors (collector, cursor, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(collector) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at
	`
	if _, err := db.ExecContext(ctx, query, collector, cursor, formatTime(time.Now())); err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

func encodeMetadata(metadata map[string]any) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode session metadata: %w", err)
	}
	return nullString(string(data)), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{timeFormat, time.DateTime, time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return nullString(formatTime(t))
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
