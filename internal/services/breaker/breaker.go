// Package breaker tracks per-provider backpressure. A provider that signals
// rate limiting is blocked until its reset time passes; there is no half-open
// probing.
package breaker

import (
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/j-veylop/provider-ingest/internal/models"
)

// Observer is notified after every provider state change.
type Observer interface {
	ProviderStateChanged(state models.ProviderState)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(models.ProviderState)

// ProviderStateChanged calls f(state).
func (f ObserverFunc) ProviderStateChanged(state models.ProviderState) {
	f(state)
}

// Breaker holds the state of every provider. It is safe for concurrent use
// and meant to be shared by every transport and collector in the process.
type Breaker struct {
	clock     clock.PassiveClock
	states    map[string]*models.ProviderState
	observers []Observer
	mu        sync.Mutex
}

// New creates a breaker. A nil clock means wall-clock time.
func New(clk clock.PassiveClock) *Breaker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Breaker{
		clock:  clk,
		states: make(map[string]*models.ProviderState),
	}
}

// Now returns the current time on the breaker's clock. Relative deadlines
// handed to MarkRateLimited should be measured against it.
func (b *Breaker) Now() time.Time {
	return b.clock.Now()
}

// AddObserver registers o for state change notifications.
func (b *Breaker) AddObserver(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

// state returns the entry for provider, creating it. Caller holds mu.
func (b *Breaker) state(provider string) *models.ProviderState {
	s, ok := b.states[provider]
	if !ok {
		s = &models.ProviderState{Provider: provider}
		b.states[provider] = s
	}
	return s
}

// CanUse reports whether calls to provider are allowed now. A provider whose
// reset time has passed is closed again on this check.
func (b *Breaker) CanUse(provider string) bool {
	b.mu.Lock()
	s, ok := b.states[provider]
	if !ok || !s.RateLimited {
		b.mu.Unlock()
		return true
	}

	now := b.clock.Now()
	if now.Before(s.ResetTime) {
		b.mu.Unlock()
		return false
	}

	s.RateLimited = false
	s.ResetTime = time.Time{}
	s.UpdatedAt = now
	snapshot := *s
	observers := b.observers
	b.mu.Unlock()

	notify(observers, snapshot)
	return true
}

// MarkRateLimited opens the breaker for provider until now+retryAfter. A
// later reset time already in place is kept.
func (b *Breaker) MarkRateLimited(provider string, retryAfter time.Duration) {
	if retryAfter < 0 {
		retryAfter = 0
	}

	b.mu.Lock()
	now := b.clock.Now()
	s := b.state(provider)
	reset := now.Add(retryAfter)
	if s.RateLimited && s.ResetTime.After(reset) {
		reset = s.ResetTime
	}
	s.RateLimited = true
	s.ResetTime = reset
	s.Failures++
	s.LastFailure = now
	s.UpdatedAt = now
	snapshot := *s
	observers := b.observers
	b.mu.Unlock()

	notify(observers, snapshot)
}

// RecordFailure counts a transient failure without blocking the provider.
func (b *Breaker) RecordFailure(provider string) {
	b.mu.Lock()
	now := b.clock.Now()
	s := b.state(provider)
	s.Failures++
	s.LastFailure = now
	s.UpdatedAt = now
	snapshot := *s
	observers := b.observers
	b.mu.Unlock()

	notify(observers, snapshot)
}

// RecordSuccess clears the failure counter of provider.
func (b *Breaker) RecordSuccess(provider string) {
	b.mu.Lock()
	s := b.state(provider)
	if s.Failures == 0 {
		b.mu.Unlock()
		return
	}
	s.Failures = 0
	s.UpdatedAt = b.clock.Now()
	snapshot := *s
	observers := b.observers
	b.mu.Unlock()

	notify(observers, snapshot)
}

// State returns a copy of provider's current state.
func (b *Breaker) State(provider string) models.ProviderState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.states[provider]; ok {
		return *s
	}
	return models.ProviderState{Provider: provider}
}

// Snapshot returns copies of every known provider state.
func (b *Breaker) Snapshot() []models.ProviderState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.ProviderState, 0, len(b.states))
	for _, s := range b.states {
		out = append(out, *s)
	}
	return out
}

// Restore seeds the breaker with previously persisted states. Expired
// cooldowns are dropped.
func (b *Breaker) Restore(states []models.ProviderState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	for _, st := range states {
		if st.RateLimited && !now.Before(st.ResetTime) {
			st.RateLimited = false
			st.ResetTime = time.Time{}
		}
		s := st
		b.states[st.Provider] = &s
	}
}

func notify(observers []Observer, state models.ProviderState) {
	for _, o := range observers {
		o.ProviderStateChanged(state)
	}
}
