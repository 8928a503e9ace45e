// Package orchestrator runs named collector groups concurrently, once or on
// a repeating per-group schedule, and turns their results into cycle
// summaries. A failing or panicking group never affects the others.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/j-veylop/provider-ingest/internal/logger"
	"github.com/j-veylop/provider-ingest/internal/metrics"
	"github.com/j-veylop/provider-ingest/internal/models"
	"github.com/j-veylop/provider-ingest/internal/services/collector"
)

// Group is a named set of collectors sharing a schedule interval.
type Group struct {
	Name       string
	Collectors []collector.Collector
	Interval   time.Duration
}

// SessionLog records session lifecycle. *audit.Log satisfies it.
type SessionLog interface {
	CreateSession(ctx context.Context, id string, metadata map[string]any)
	UpdateSession(ctx context.Context, id string, status models.SessionStatus, totalRecords, totalCalls int)
	StopOpenSessions(ctx context.Context) int64
}

// FatalInitError means storage or transport could not be reached at startup.
// It is the only error a cycle returns.
type FatalInitError struct {
	Err error
}

func (e *FatalInitError) Error() string {
	return fmt.Sprintf("initialization failed: %v", e.Err)
}

func (e *FatalInitError) Unwrap() error {
	return e.Err
}

// Config holds orchestrator settings.
type Config struct {
	MaxConcurrentGroups int
	PollTick            time.Duration
	ShutdownGrace       time.Duration
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clk clock.WithTicker) Option {
	return func(o *Orchestrator) { o.clock = clk }
}

// WithPreflight sets a reachability check run before a cycle.
func WithPreflight(fn func(ctx context.Context) error) Option {
	return func(o *Orchestrator) { o.preflight = fn }
}

// WithOnCycle registers a hook receiving every finished summary.
func WithOnCycle(fn func(*models.CycleSummary)) Option {
	return func(o *Orchestrator) { o.onCycle = fn }
}

// WithClosers registers resources closed by Shutdown.
func WithClosers(closers ...io.Closer) Option {
	return func(o *Orchestrator) { o.closers = append(o.closers, closers...) }
}

// Orchestrator schedules collector groups.
type Orchestrator struct {
	clock     clock.WithTicker
	sessions  SessionLog
	preflight func(ctx context.Context) error
	onCycle   func(*models.CycleSummary)
	lastRun   map[string]time.Time
	running   map[string]bool
	groups    []Group
	closers   []io.Closer
	cfg       Config
	inFlight  sync.WaitGroup
	closeOnce sync.Once
	mu        sync.Mutex
	stopped   atomic.Bool
}

// New creates an orchestrator writing sessions to sessions.
func New(cfg Config, sessions SessionLog, opts ...Option) *Orchestrator {
	if cfg.MaxConcurrentGroups < 1 {
		cfg.MaxConcurrentGroups = 1
	}
	if cfg.PollTick <= 0 {
		cfg.PollTick = time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}

	o := &Orchestrator{
		clock:    clock.RealClock{},
		sessions: sessions,
		lastRun:  make(map[string]time.Time),
		running:  make(map[string]bool),
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunOnce runs every group concurrently under one session. It always returns
// a summary; the error is non-nil only for a *FatalInitError.
func (o *Orchestrator) RunOnce(ctx context.Context, groups []Group) (*models.CycleSummary, error) {
	o.inFlight.Add(1)
	defer o.inFlight.Done()
	return o.cycle(ctx, groups, "once", true)
}

func (o *Orchestrator) cycle(ctx context.Context, groups []Group, mode string, preflight bool) (*models.CycleSummary, error) {
	id := uuid.NewString()
	summary := models.NewCycleSummary(id, o.clock.Now())

	o.sessions.CreateSession(ctx, id, map[string]any{
		"mode":   mode,
		"groups": groupNames(groups),
	})

	if preflight && o.preflight != nil {
		if err := o.preflight(ctx); err != nil {
			summary.Status = models.SessionFailed
			summary.EndedAt = o.clock.Now()
			summary.Errors = append(summary.Errors, err.Error())
			o.sessions.UpdateSession(ctx, id, models.SessionFailed, 0, 0)
			logger.Error("preflight failed", "session", id, "error", err)
			o.notify(summary)
			return summary, &FatalInitError{Err: err}
		}
	}

	results := make(map[string]models.CollectorResult, len(groups))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(o.cfg.MaxConcurrentGroups)
	for _, grp := range groups {
		g.Go(func() error {
			res := o.runGroup(ctx, grp, id)
			mu.Lock()
			results[grp.Name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, grp := range groups {
		summary.AddGroup(grp.Name, results[grp.Name])
	}

	summary.Status = models.SessionCompleted
	if o.stopped.Load() {
		summary.Status = models.SessionStopped
	}
	summary.EndedAt = o.clock.Now()
	o.sessions.UpdateSession(ctx, id, summary.Status, summary.Records, summary.Calls)

	logger.Info("cycle finished",
		"session", id,
		"groups", len(groups),
		"records", summary.Records,
		"calls", summary.Calls,
		"errors", len(summary.Errors),
		"duration", summary.EndedAt.Sub(summary.StartedAt),
	)
	o.notify(summary)
	return summary, nil
}

func (o *Orchestrator) notify(summary *models.CycleSummary) {
	if o.onCycle != nil {
		o.onCycle(summary)
	}
}

// runGroup runs a group's collectors in order. Every collector is isolated
// so a panic only costs that collector's contribution.
func (o *Orchestrator) runGroup(ctx context.Context, grp Group, sessionID string) models.CollectorResult {
	start := o.clock.Now()
	res := models.CollectorResult{Group: grp.Name}
	for _, c := range grp.Collectors {
		res.Merge(runCollector(ctx, c, sessionID))
	}
	metrics.ObserveGroup(grp.Name, res.Records, o.clock.Since(start), len(res.Errors) > 0)
	return res
}

func runCollector(ctx context.Context, c collector.Collector, sessionID string) (res models.CollectorResult) {
	name := c.Name()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("collector panicked", "collector", name, "panic", r)
			res = safeResult(c)
			res.Errors = append(res.Errors, fmt.Sprintf("%s: panic: %v", name, r))
		}
	}()

	c.SetSession(sessionID)
	err := c.Collect(ctx)
	res = c.Result()
	if err != nil {
		logger.Warn("collector failed", "collector", name, "error", err)
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", name, err))
	}
	return res
}

func safeResult(c collector.Collector) (res models.CollectorResult) {
	defer func() {
		if r := recover(); r != nil {
			res = models.CollectorResult{Collector: c.Name()}
		}
	}()
	return c.Result()
}

// RunForever launches each group whenever its interval has elapsed since its
// last launch, checking once per poll tick. A group still running is not
// launched again. It returns when ctx is done or Shutdown is called.
func (o *Orchestrator) RunForever(ctx context.Context, groups []Group) error {
	if o.preflight != nil {
		if err := o.preflight(ctx); err != nil {
			return &FatalInitError{Err: err}
		}
	}
	o.ReplaceGroups(groups)

	ticker := o.clock.NewTicker(o.cfg.PollTick)
	defer ticker.Stop()

	o.tick(ctx, o.clock.Now())
	for {
		select {
		case <-ctx.Done():
			o.stopped.Store(true)
			o.wait(o.cfg.ShutdownGrace)
			return nil
		case now := <-ticker.C():
			if o.stopped.Load() {
				return nil
			}
			o.tick(ctx, now)
		}
	}
}

// tick launches every due group that is not already running.
func (o *Orchestrator) tick(ctx context.Context, now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, grp := range o.groups {
		if o.running[grp.Name] {
			continue
		}
		if last, ok := o.lastRun[grp.Name]; ok && now.Sub(last) < grp.Interval {
			continue
		}
		o.lastRun[grp.Name] = now
		o.running[grp.Name] = true
		o.inFlight.Add(1)
		go o.launch(ctx, grp)
	}
}

func (o *Orchestrator) launch(ctx context.Context, grp Group) {
	defer o.inFlight.Done()
	defer func() {
		o.mu.Lock()
		o.running[grp.Name] = false
		o.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("group launch panicked", "group", grp.Name, "panic", r)
		}
	}()

	_, _ = o.cycle(ctx, []Group{grp}, "scheduled", false)
}

// ReplaceGroups swaps the scheduled groups. Last-run times carry over by name.
func (o *Orchestrator) ReplaceGroups(groups []Group) {
	o.mu.Lock()
	defer o.mu.Unlock()

	keep := make(map[string]bool, len(groups))
	for _, g := range groups {
		keep[g.Name] = true
	}
	for name := range o.lastRun {
		if !keep[name] {
			delete(o.lastRun, name)
		}
	}
	o.groups = append([]Group(nil), groups...)
}

// Groups returns the names of the scheduled groups.
func (o *Orchestrator) Groups() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return groupNames(o.groups)
}

// Shutdown stops scheduling, closes every open session as stopped, waits for
// in-flight groups up to the grace period and closes registered resources.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stopped.Store(true)

	if n := o.sessions.StopOpenSessions(ctx); n > 0 {
		logger.Info("marked open sessions stopped", "count", n)
	}

	grace := o.cfg.ShutdownGrace
	if deadline, ok := ctx.Deadline(); ok {
		grace = min(grace, time.Until(deadline))
	}
	if !o.wait(grace) {
		logger.Warn("shutdown grace period elapsed with groups still running", "grace", grace)
	}

	var result *multierror.Error
	o.closeOnce.Do(func() {
		for _, c := range o.closers {
			if err := c.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	})
	return result.ErrorOrNil()
}

// wait blocks until in-flight groups finish or grace elapses.
func (o *Orchestrator) wait(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		o.inFlight.Wait()
		close(done)
	}()

	timer := o.clock.NewTimer(max(grace, 0))
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C():
		return false
	}
}

func groupNames(groups []Group) []string {
	names := make([]string, 0, len(groups))
	for _, g := range groups {
		names = append(names, g.Name)
	}
	sort.Strings(names)
	return names
}
