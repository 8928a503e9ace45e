// Package alerts sends desktop notifications when a provider starts being
// rate limited or a cycle ends badly.
package alerts

import (
	"fmt"
	"sync"

	"github.com/gen2brain/beeep"

	"github.com/j-veylop/provider-ingest/internal/logger"
	"github.com/j-veylop/provider-ingest/internal/models"
)

// NotifyFunc delivers one notification.
type NotifyFunc func(title, message string) error

// Notifier turns breaker transitions and cycle summaries into notifications.
type Notifier struct {
	notify  NotifyFunc
	limited map[string]bool
	mu      sync.Mutex
}

// New returns a notifier using desktop notifications.
func New() *Notifier {
	return NewWithFunc(func(title, message string) error {
		return beeep.Notify(title, message, "")
	})
}

// NewWithFunc returns a notifier delivering through fn.
func NewWithFunc(fn NotifyFunc) *Notifier {
	return &Notifier{
		notify:  fn,
		limited: make(map[string]bool),
	}
}

// ProviderStateChanged notifies when a provider crosses into the rate-limited
// state. Repeated updates while it stays limited are ignored.
func (n *Notifier) ProviderStateChanged(state models.ProviderState) {
	n.mu.Lock()
	was := n.limited[state.Provider]
	n.limited[state.Provider] = state.RateLimited
	n.mu.Unlock()

	if !state.RateLimited || was {
		return
	}

	title := fmt.Sprintf("Provider rate limited: %s", state.Provider)
	body := fmt.Sprintf("Calls paused until %s", state.ResetTime.Local().Format("15:04:05"))
	n.send(title, body)
}

// CycleFinished notifies about failed cycles and cycles where every group
// reported errors.
func (n *Notifier) CycleFinished(summary *models.CycleSummary) {
	switch {
	case summary.Status == models.SessionFailed:
		n.send("Ingestion cycle failed", firstError(summary.Errors))
	case len(summary.Groups) > 0 && allGroupsFailed(summary):
		n.send("Ingestion cycle collected nothing",
			fmt.Sprintf("%d errors, first: %s", len(summary.Errors), firstError(summary.Errors)))
	}
}

func allGroupsFailed(summary *models.CycleSummary) bool {
	for _, g := range summary.Groups {
		if len(g.Errors) == 0 || g.Records > 0 {
			return false
		}
	}
	return true
}

func firstError(errs []string) string {
	if len(errs) == 0 {
		return "unknown error"
	}
	return errs[0]
}

func (n *Notifier) send(title, body string) {
	if err := n.notify(title, body); err != nil {
		logger.Debug("desktop notification failed", "title", title, "error", err)
	}
}
