package models

import (
	"fmt"
	"time"
)

// Row is one normalized record keyed by column name.
type Row map[string]any

// CollectorResult aggregates what one collector (or group) did during a run.
type CollectorResult struct {
	Collector string   `json:"collector,omitempty"`
	Group     string   `json:"group,omitempty"`
	Errors    []string `json:"errors,omitempty"`
	Records   int      `json:"records"`
	Calls     int      `json:"calls"`
}

// Merge adds other's counts and errors into r.
func (r *CollectorResult) Merge(other CollectorResult) {
	r.Records += other.Records
	r.Calls += other.Calls
	r.Errors = append(r.Errors, other.Errors...)
}

// CycleSummary is the structured outcome of one orchestrated cycle.
type CycleSummary struct {
	StartedAt time.Time                  `json:"startedAt"`
	EndedAt   time.Time                  `json:"endedAt"`
	Groups    map[string]CollectorResult `json:"groups"`
	SessionID string                     `json:"sessionId"`
	Status    SessionStatus              `json:"status"`
	Errors    []string                   `json:"errors,omitempty"`
	Records   int                        `json:"records"`
	Calls     int                        `json:"calls"`
}

// NewCycleSummary returns an empty summary for a freshly opened session.
func NewCycleSummary(sessionID string, startedAt time.Time) *CycleSummary {
	return &CycleSummary{
		SessionID: sessionID,
		Status:    SessionRunning,
		StartedAt: startedAt,
		Groups:    make(map[string]CollectorResult),
	}
}

// AddGroup folds one group's result into the cycle totals. Errors are
// prefixed with the group name so they stay attributable after merging.
func (c *CycleSummary) AddGroup(name string, res CollectorResult) {
	res.Group = name
	c.Groups[name] = res
	c.Records += res.Records
	c.Calls += res.Calls
	for _, e := range res.Errors {
		c.Errors = append(c.Errors, fmt.Sprintf("%s: %s", name, e))
	}
}
