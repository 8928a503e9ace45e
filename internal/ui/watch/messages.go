package watch

import (
	"time"

	"github.com/j-veylop/provider-ingest/internal/models"
)

// tickMsg triggers a periodic reload.
type tickMsg struct {
	Time time.Time
}

// snapshotMsg carries one reload of the audit tables.
type snapshotMsg struct {
	At       time.Time
	Err      error
	Sessions []models.Session
	States   []models.ProviderState
	Stats    []models.ProviderCallStats
}
