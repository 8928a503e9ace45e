package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/j-veylop/provider-ingest/internal/logger"
	"github.com/j-veylop/provider-ingest/internal/metrics"
	"github.com/j-veylop/provider-ingest/internal/models"
	"github.com/j-veylop/provider-ingest/internal/services/transport"
)

// ErrNoSession is recorded when SafeCall runs before SetSession.
var ErrNoSession = errors.New("no active session")

// ErrBudgetExhausted marks calls skipped because the run's budget is spent.
var ErrBudgetExhausted = errors.New("call budget exhausted")

// RewriteFunc maps the primary request onto a fallback provider.
type RewriteFunc func(req *transport.Request) *transport.Request

// CountFunc counts the records in a successful payload.
type CountFunc func(body []byte) int

type link struct {
	rewrite  RewriteFunc
	provider string
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRateLimited
	outcomeTransient
	outcomeSkipped
	outcomeError
)

// attemptResult is the tagged result of trying one link of the chain.
type attemptResult struct {
	err     error
	resp    *transport.Response
	outcome outcome
}

// Base tracks the call budget and walks fallback chains, auditing every attempt.
// Concrete collectors embed *Base and implement Collect.
type Base struct {
	deps       Deps
	countRules map[string]CountFunc
	name       string
	sessionID  string
	fallbacks  []link
	errors     []string
	budget     int
	calls      int
	records    int
	exhausted  bool
	mu         sync.Mutex
}

// NewBase returns a base with an unlimited budget.
func NewBase(name string, deps Deps) *Base {
	return &Base{
		deps:       deps,
		name:       name,
		budget:     -1,
		countRules: make(map[string]CountFunc),
	}
}

// Name returns the collector name.
func (b *Base) Name() string {
	return b.name
}

// SetSession starts a new run: counters and errors are reset.
func (b *Base) SetSession(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessionID = id
	b.calls = 0
	b.records = 0
	b.errors = nil
	b.exhausted = false
}

// SetBudget caps the calls issued per run. Negative means unlimited.
func (b *Base) SetBudget(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.budget = n
}

// AddFallback appends provider to the fallback chain. A nil rewrite reuses
// the primary request with the provider swapped.
func (b *Base) AddFallback(provider string, rewrite RewriteFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fallbacks = append(b.fallbacks, link{provider: provider, rewrite: rewrite})
}

// SetCountRule overrides how successful payloads from provider are counted.
func (b *Base) SetCountRule(provider string, fn CountFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.countRules[provider] = fn
}

// AddError appends a message to the run's error list.
func (b *Base) AddError(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errors = append(b.errors, msg)
}

// Result returns what the current run has done so far.
func (b *Base) Result() models.CollectorResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	return models.CollectorResult{
		Collector: b.name,
		Records:   b.records,
		Calls:     b.calls,
		Errors:    append([]string(nil), b.errors...),
	}
}

// SafeCall sends req to provider and, on failure, to each fallback in order.
// It returns nil when the budget or the whole chain is exhausted; callers
// treat that as no data this cycle. It never panics.
func (b *Base) SafeCall(ctx context.Context, provider string, req *transport.Request) *transport.Response {
	b.mu.Lock()
	sessionID := b.sessionID
	chain := make([]link, 0, len(b.fallbacks)+1)
	chain = append(chain, link{provider: provider})
	chain = append(chain, b.fallbacks...)
	b.mu.Unlock()

	if sessionID == "" {
		b.AddError(fmt.Sprintf("%s: %v", req.URL, ErrNoSession))
		return nil
	}

	var lastErr error
	for _, l := range chain {
		if err := ctx.Err(); err != nil {
			b.AddError(fmt.Sprintf("%s: %v", req.URL, err))
			return nil
		}

		linkReq := buildLinkRequest(req, l)
		res := b.attempt(ctx, sessionID, linkReq)
		switch res.outcome {
		case outcomeSuccess:
			return res.resp
		case outcomeSkipped:
			if errors.Is(res.err, ErrBudgetExhausted) {
				return nil
			}
		}
		lastErr = res.err
	}

	b.AddError(fmt.Sprintf("%s: all providers failed: %v", req.URL, lastErr))
	return nil
}

func buildLinkRequest(req *transport.Request, l link) *transport.Request {
	if l.rewrite != nil {
		if r := l.rewrite(req.Clone()); r != nil {
			r.Provider = l.provider
			return r
		}
	}
	r := req.Clone()
	r.Provider = l.provider
	return r
}

// attempt tries one link and writes exactly one call record for it.
func (b *Base) attempt(ctx context.Context, sessionID string, req *transport.Request) (res attemptResult) {
	start := time.Now()
	record := &models.CallRecord{
		SessionID: sessionID,
		Collector: b.name,
		Provider:  req.Provider,
		Endpoint:  req.URL,
		Timestamp: start,
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("collector call panicked", "collector", b.name, "provider", req.Provider, "panic", r)
			res = attemptResult{outcome: outcomeError, err: fmt.Errorf("panic: %v", r)}
		}
		record.Duration = time.Since(start)
		switch res.outcome {
		case outcomeSuccess:
			record.Status = models.CallSuccess
		case outcomeError:
			record.Status = models.CallError
		default:
			record.Status = models.CallFailed
		}
		if res.err != nil {
			record.ErrorMessage = res.err.Error()
		}
		b.audit(ctx, record)
	}()

	if !b.reserve() {
		return attemptResult{outcome: outcomeSkipped, err: ErrBudgetExhausted}
	}

	if b.deps.Gate != nil && !b.deps.Gate.CanUse(req.Provider) {
		b.release()
		return attemptResult{outcome: outcomeSkipped, err: fmt.Errorf("%s: blocked by circuit breaker", req.Provider)}
	}

	resp, err := b.deps.Transport.Do(ctx, req)
	switch {
	case err == nil:
		n := b.count(req.Provider, resp.Body)
		record.StatusCode = resp.StatusCode
		record.RecordsIngested = n
		b.mu.Lock()
		b.records += n
		b.mu.Unlock()
		return attemptResult{outcome: outcomeSuccess, resp: resp}
	case transport.IsBlocked(err):
		b.release()
		return attemptResult{outcome: outcomeSkipped, err: err}
	case transport.IsRateLimited(err):
		var rl *transport.RateLimitedError
		if errors.As(err, &rl) {
			record.StatusCode = rl.StatusCode
		}
		return attemptResult{outcome: outcomeRateLimited, err: err}
	case transport.IsTransient(err):
		var te *transport.TransientError
		if errors.As(err, &te) {
			record.StatusCode = te.StatusCode
		}
		return attemptResult{outcome: outcomeTransient, err: err}
	default:
		return attemptResult{outcome: outcomeError, err: err}
	}
}

// reserve takes one unit of budget. On exhaustion it records the skip once.
func (b *Base) reserve() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.budget >= 0 && b.calls >= b.budget {
		if !b.exhausted {
			b.exhausted = true
			b.errors = append(b.errors, fmt.Sprintf("%v after %d calls", ErrBudgetExhausted, b.calls))
			metrics.BudgetExhausted(b.name)
			logger.Warn("collector budget exhausted", "collector", b.name, "budget", b.budget)
		}
		return false
	}
	b.calls++
	return true
}

// release returns a unit for a link that never reached the network.
func (b *Base) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls--
}

func (b *Base) count(provider string, body []byte) int {
	b.mu.Lock()
	fn, ok := b.countRules[provider]
	b.mu.Unlock()
	if !ok {
		fn = CountJSON
	}
	return fn(body)
}

func (b *Base) audit(ctx context.Context, record *models.CallRecord) {
	if b.deps.Audit == nil {
		return
	}
	b.deps.Audit.LogCall(context.WithoutCancel(ctx), record)
}

// CountJSON is the default count rule: the length of a JSON array, 0 for an
// empty body and 1 for anything else.
func CountJSON(body []byte) int {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return 0
	}
	if trimmed[0] != '[' {
		return 1
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return 1
	}
	return len(items)
}

// Persist upserts rows through the store and returns the affected count. A
// failed batch is recorded as a PersistenceError and dropped.
func (b *Base) Persist(ctx context.Context, table string, rows []models.Row, conflictKeys []string) int {
	if len(rows) == 0 {
		return 0
	}
	if b.deps.Store == nil {
		b.AddError((&PersistenceError{Table: table, Rows: len(rows), Err: errors.New("no store configured")}).Error())
		return 0
	}

	n, err := b.deps.Store.UpsertBatch(ctx, table, rows, conflictKeys)
	if err != nil {
		perr := &PersistenceError{Table: table, Rows: len(rows), Err: err}
		logger.Warn("dropping batch", "collector", b.name, "table", table, "rows", len(rows), "error", err)
		b.AddError(perr.Error())
		return 0
	}
	return int(n)
}

// Cursor returns the saved incremental position, or "" when none exists.
func (b *Base) Cursor(ctx context.Context) string {
	if b.deps.Cursors == nil {
		return ""
	}
	cursor, _, err := b.deps.Cursors.GetCursor(ctx, b.name)
	if err != nil {
		logger.Warn("failed to load cursor", "collector", b.name, "error", err)
		return ""
	}
	return cursor
}

// SaveCursor stores the incremental position for the next run.
func (b *Base) SaveCursor(ctx context.Context, cursor string) error {
	if b.deps.Cursors == nil {
		return nil
	}
	if err := b.deps.Cursors.SaveCursor(ctx, b.name, cursor); err != nil {
		b.AddError(fmt.Sprintf("failed to save cursor: %v", err))
		return err
	}
	return nil
}
