// Package services wires the ingestion components together and routes their
// events to the CLI and the terminal monitor.
package services

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/j-veylop/provider-ingest/internal/config"
	"github.com/j-veylop/provider-ingest/internal/db"
	"github.com/j-veylop/provider-ingest/internal/db/pgstore"
	"github.com/j-veylop/provider-ingest/internal/logger"
	"github.com/j-veylop/provider-ingest/internal/models"
	"github.com/j-veylop/provider-ingest/internal/services/alerts"
	"github.com/j-veylop/provider-ingest/internal/services/audit"
	"github.com/j-veylop/provider-ingest/internal/services/breaker"
	"github.com/j-veylop/provider-ingest/internal/services/collector"
	"github.com/j-veylop/provider-ingest/internal/services/collectors/jsonapi"
	"github.com/j-veylop/provider-ingest/internal/services/orchestrator"
	"github.com/j-veylop/provider-ingest/internal/services/transport"
)

type (
	// CycleFinishedEvent is emitted after every cycle.
	CycleFinishedEvent struct {
		Summary *models.CycleSummary
	}

	// ProviderStateEvent is emitted when a provider's breaker state changes.
	ProviderStateEvent struct {
		State models.ProviderState
	}

	// PlanReloadedEvent is emitted when a changed plan file has been applied.
	PlanReloadedEvent struct {
		Groups []string
	}

	// ErrorEvent is emitted when an error occurs in any service.
	ErrorEvent struct {
		Service string
		Error   error
	}
)

// ServiceEvent is the interface implemented by all service events.
type ServiceEvent interface {
	isServiceEvent()
}

func (CycleFinishedEvent) isServiceEvent() {}
func (ProviderStateEvent) isServiceEvent() {}
func (PlanReloadedEvent) isServiceEvent()  {}
func (ErrorEvent) isServiceEvent()         {}

// Manager owns every long-lived component of an ingestion process.
type Manager struct {
	mu           sync.RWMutex
	cfg          *config.Config
	plan         *config.Plan
	database     *db.DB
	store        collector.Store
	pg           *pgstore.Store
	breaker      *breaker.Breaker
	transport    *transport.Transport
	audit        *audit.Log
	notifier     *alerts.Notifier
	orchestrator *orchestrator.Orchestrator
	subscribers  []chan ServiceEvent
}

// NewManager opens storage and builds the transport, breaker, audit log and
// orchestrator from cfg.
func NewManager(ctx context.Context, cfg *config.Config) (*Manager, error) {
	m := &Manager{cfg: cfg}

	var err error
	m.database, err = db.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	m.store = m.database
	if cfg.StoreDriver == config.DriverPostgres {
		m.pg, err = pgstore.New(ctx, cfg.StoreDSN, cfg.MaxInFlight)
		if err != nil {
			_ = m.database.Close()
			return nil, fmt.Errorf("failed to initialize postgres store: %w", err)
		}
		m.store = m.pg
	}

	m.audit = audit.New(m.database, audit.DefaultWriteTimeout)
	m.breaker = breaker.New(nil)
	if err := m.audit.RestoreBreaker(ctx, m.breaker); err != nil {
		logger.Warn("failed to restore provider states", "error", err)
	}
	m.breaker.AddObserver(m.audit)
	m.breaker.AddObserver(breaker.ObserverFunc(func(state models.ProviderState) {
		m.broadcast(ProviderStateEvent{State: state})
	}))
	if cfg.NotifyEnabled {
		m.notifier = alerts.New()
		m.breaker.AddObserver(m.notifier)
	}

	m.transport = transport.New(transportConfig(cfg), m.breaker)

	closers := []io.Closer{m.transport}
	if m.pg != nil {
		closers = append(closers, m.pg)
	}
	closers = append(closers, m.database)

	m.orchestrator = orchestrator.New(
		orchestrator.Config{
			MaxConcurrentGroups: cfg.MaxConcurrentGroups,
			PollTick:            cfg.PollTick,
			ShutdownGrace:       cfg.ShutdownGrace,
		},
		m.audit,
		orchestrator.WithPreflight(m.preflight),
		orchestrator.WithOnCycle(m.cycleFinished),
		orchestrator.WithClosers(closers...),
	)

	// Sessions left running by a previous process can never complete.
	if n := m.audit.StopOpenSessions(ctx); n > 0 {
		logger.Info("closed stale sessions", "count", n)
	}

	return m, nil
}

func transportConfig(cfg *config.Config) transport.Config {
	tc := transport.DefaultConfig()
	tc.DefaultInterval = cfg.DefaultMinInterval
	tc.MaxAttempts = cfg.RetryAttempts
	tc.BackoffBase = cfg.BackoffBase
	tc.BackoffUnit = cfg.BackoffUnit
	tc.MaxJitter = cfg.MaxJitter
	tc.Timeout = cfg.CallTimeout
	tc.MaxInFlight = cfg.MaxInFlight
	tc.DefaultRetryAfter = cfg.DefaultRetryAfter
	tc.UserAgent = cfg.UserAgent
	return tc
}

// preflight fails when a store cannot be reached.
func (m *Manager) preflight(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := m.database.Ping(ctx); err != nil {
		return fmt.Errorf("audit database unreachable: %w", err)
	}
	if m.pg != nil {
		if err := m.pg.Ping(ctx); err != nil {
			return fmt.Errorf("target store unreachable: %w", err)
		}
	}
	return nil
}

func (m *Manager) cycleFinished(summary *models.CycleSummary) {
	if m.notifier != nil {
		m.notifier.CycleFinished(summary)
	}
	m.broadcast(CycleFinishedEvent{Summary: summary})
}

// deps returns the shared services handed to every collector.
func (m *Manager) deps() collector.Deps {
	return collector.Deps{
		Transport: m.transport,
		Gate:      m.breaker,
		Store:     m.store,
		Cursors:   m.database,
		Audit:     m.audit,
	}
}

// BuildGroups turns a plan into runnable groups.
func (m *Manager) BuildGroups(plan *config.Plan) ([]orchestrator.Group, error) {
	groups := make([]orchestrator.Group, 0, len(plan.Groups))
	for _, gp := range plan.Groups {
		grp := orchestrator.Group{Name: gp.Name, Interval: gp.Interval}
		for _, cp := range gp.Collectors {
			c, err := jsonapi.New(plan, cp, m.deps())
			if err != nil {
				return nil, err
			}
			grp.Collectors = append(grp.Collectors, c)
		}
		groups = append(groups, grp)
	}
	return groups, nil
}

// ApplyPlan makes plan the active plan: provider intervals are updated and
// the scheduled groups replaced.
func (m *Manager) ApplyPlan(plan *config.Plan) ([]orchestrator.Group, error) {
	groups, err := m.BuildGroups(plan)
	if err != nil {
		return nil, err
	}
	for provider, interval := range plan.ProviderIntervals() {
		m.transport.SetInterval(provider, interval)
	}

	m.mu.Lock()
	m.plan = plan
	m.mu.Unlock()

	m.orchestrator.ReplaceGroups(groups)
	return groups, nil
}

// ReloadPlan is the plan watcher callback.
func (m *Manager) ReloadPlan(plan *config.Plan) {
	groups, err := m.ApplyPlan(plan)
	if err != nil {
		logger.Warn("ignoring plan reload", "error", err)
		m.broadcast(ErrorEvent{Service: "plan", Error: err})
		return
	}

	names := make([]string, 0, len(groups))
	for _, g := range groups {
		names = append(names, g.Name)
	}
	logger.Info("plan reloaded", "groups", names)
	m.broadcast(PlanReloadedEvent{Groups: names})
}

// RunOnce applies plan and runs one cycle over all of its groups.
func (m *Manager) RunOnce(ctx context.Context, plan *config.Plan) (*models.CycleSummary, error) {
	groups, err := m.ApplyPlan(plan)
	if err != nil {
		return nil, err
	}
	return m.orchestrator.RunOnce(ctx, groups)
}

// Serve applies plan and runs the scheduled loop until ctx is done.
func (m *Manager) Serve(ctx context.Context, plan *config.Plan) error {
	groups, err := m.ApplyPlan(plan)
	if err != nil {
		return err
	}
	return m.orchestrator.RunForever(ctx, groups)
}

// broadcast sends an event to all subscribers without blocking.
func (m *Manager) broadcast(event ServiceEvent) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sub := range m.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber channel full, skip
		}
	}
}

// Subscribe creates a channel for receiving service events.
// Returns a tea.Cmd that can be used in Bubble Tea's Init or Update.
func (m *Manager) Subscribe() (chan ServiceEvent, tea.Cmd) {
	ch := make(chan ServiceEvent, 50)

	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()

	return ch, WaitForEvent(ch)
}

// WaitForEvent returns a tea.Cmd for the next event on a channel.
func WaitForEvent(ch <-chan ServiceEvent) tea.Cmd {
	return func() tea.Msg {
		return <-ch
	}
}

// Unsubscribe removes a subscriber channel.
func (m *Manager) Unsubscribe(ch chan ServiceEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, sub := range m.subscribers {
		if sub == ch {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			close(ch)
			break
		}
	}
}

// Plan returns the active plan, or nil before one is applied.
func (m *Manager) Plan() *config.Plan {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.plan
}

// Audit returns the audit log.
func (m *Manager) Audit() *audit.Log {
	return m.audit
}

// Breaker returns the shared circuit breaker.
func (m *Manager) Breaker() *breaker.Breaker {
	return m.breaker
}

// Database returns the database instance for direct access.
func (m *Manager) Database() *db.DB {
	return m.database
}

// Close stops scheduling, waits for running groups and releases every
// resource.
func (m *Manager) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ShutdownGrace+5*time.Second)
	defer cancel()
	err := m.orchestrator.Shutdown(ctx)

	m.mu.Lock()
	for _, sub := range m.subscribers {
		close(sub)
	}
	m.subscribers = nil
	m.mu.Unlock()

	return err
}
