package models

import "time"

// CallStatus is the outcome of a single provider call attempt.
type CallStatus string

// Call outcomes written to the audit log.
const (
	CallAttempting CallStatus = "attempting"
	CallSuccess    CallStatus = "success"
	CallFailed     CallStatus = "failed"
	CallError      CallStatus = "error"
)

// CallRecord is one audited call attempt, including skipped and fallback attempts.
type CallRecord struct {
	Timestamp       time.Time
	SessionID       string
	Collector       string
	Provider        string
	Endpoint        string
	Status          CallStatus
	ErrorMessage    string
	Duration        time.Duration
	ID              int64
	StatusCode      int
	RecordsIngested int
}
