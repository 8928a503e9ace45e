// Package models defines data structures and domain types.
package models

import (
	"maps"
	"time"
)

// SessionStatus is the lifecycle state of an ingestion session.
type SessionStatus string

// Session states. Completed, failed and stopped are terminal.
const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionStopped   SessionStatus = "stopped"
)

// IsTerminal reports whether a session in this state is closed.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionStopped:
		return true
	default:
		return false
	}
}

// Session bounds one collection cycle.
type Session struct {
	StartedAt     time.Time      `json:"startedAt"`
	EndedAt       time.Time      `json:"endedAt,omitzero"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	ID            string         `json:"id"`
	Status        SessionStatus  `json:"status"`
	TotalRecords  int            `json:"totalRecords"`
	TotalAPICalls int            `json:"totalApiCalls"`
}

// Duration returns how long the session ran, or zero while it is still open.
func (s *Session) Duration() time.Duration {
	if s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() Session {
	clone := *s
	if s.Metadata != nil {
		clone.Metadata = make(map[string]any, len(s.Metadata))
		maps.Copy(clone.Metadata, s.Metadata)
	}
	return clone
}
