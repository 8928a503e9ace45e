package collector

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/j-veylop/provider-ingest/internal/db"
	"github.com/j-veylop/provider-ingest/internal/models"
	"github.com/j-veylop/provider-ingest/internal/services/transport"
)

type fakeDoer struct {
	fn    func(req *transport.Request) (*transport.Response, error)
	calls []string
	mu    sync.Mutex
}

func (f *fakeDoer) Do(_ context.Context, req *transport.Request) (*transport.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Provider)
	f.mu.Unlock()
	return f.fn(req)
}

func (f *fakeDoer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeAudit struct {
	records []models.CallRecord
	mu      sync.Mutex
}

func (f *fakeAudit) LogCall(_ context.Context, record *models.CallRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, *record)
}

type gateFunc func(provider string) bool

func (g gateFunc) CanUse(provider string) bool { return g(provider) }

func ok(body string) func(*transport.Request) (*transport.Response, error) {
	return func(req *transport.Request) (*transport.Response, error) {
		return &transport.Response{Provider: req.Provider, StatusCode: 200, Body: []byte(body)}, nil
	}
}

func TestSafeCall_BudgetCapsCalls(t *testing.T) {
	doer := &fakeDoer{fn: ok(`{"v":1}`)}
	audit := &fakeAudit{}
	b := NewBase("quotes", Deps{Transport: doer, Audit: audit})
	b.SetBudget(5)
	b.SetSession("s1")

	var got int
	for i := range 20 {
		req := &transport.Request{URL: fmt.Sprintf("http://p/item/%d", i)}
		if resp := b.SafeCall(context.Background(), "alpha", req); resp != nil {
			got++
		}
	}

	if doer.count() != 5 {
		t.Errorf("transport calls = %d, want 5", doer.count())
	}
	if got != 5 {
		t.Errorf("responses = %d, want 5", got)
	}
	res := b.Result()
	if res.Calls != 5 {
		t.Errorf("Result().Calls = %d, want 5", res.Calls)
	}
	if res.Records != 5 {
		t.Errorf("Result().Records = %d, want 5", res.Records)
	}
	if len(res.Errors) != 1 {
		t.Errorf("Result().Errors = %v, want one budget entry", res.Errors)
	}

	var skipped int
	for _, r := range audit.records {
		if r.ErrorMessage == ErrBudgetExhausted.Error() {
			skipped++
		}
	}
	if skipped != 15 {
		t.Errorf("skip records = %d, want 15", skipped)
	}
}

func TestSafeCall_FallbackAfterFailure(t *testing.T) {
	doer := &fakeDoer{fn: func(req *transport.Request) (*transport.Response, error) {
		if req.Provider == "primary" {
			return nil, &transport.TransientError{Provider: "primary", StatusCode: 503, Err: errors.New("unavailable")}
		}
		return &transport.Response{Provider: req.Provider, StatusCode: 200, Body: []byte(`[1,2,3]`)}, nil
	}}
	audit := &fakeAudit{}
	b := NewBase("quotes", Deps{Transport: doer, Audit: audit})
	b.AddFallback("backup", nil)
	b.SetSession("s1")

	resp := b.SafeCall(context.Background(), "primary", &transport.Request{URL: "http://p/q"})
	if resp == nil {
		t.Fatal("expected fallback response")
	}
	if resp.Provider != "backup" || string(resp.Body) != `[1,2,3]` {
		t.Errorf("unexpected response %+v", resp)
	}

	if len(audit.records) != 2 {
		t.Fatalf("call records = %d, want 2", len(audit.records))
	}
	first, second := audit.records[0], audit.records[1]
	if first.Provider != "primary" || first.Status != models.CallFailed || first.StatusCode != 503 {
		t.Errorf("first record = %+v", first)
	}
	if second.Provider != "backup" || second.Status != models.CallSuccess || second.RecordsIngested != 3 {
		t.Errorf("second record = %+v", second)
	}
	for _, r := range audit.records {
		if r.SessionID != "s1" || r.Collector != "quotes" {
			t.Errorf("record missing session/collector: %+v", r)
		}
	}
	if res := b.Result(); res.Records != 3 || res.Calls != 2 || len(res.Errors) != 0 {
		t.Errorf("Result() = %+v", res)
	}
}

func TestSafeCall_RewriteFallback(t *testing.T) {
	var seen []string
	doer := &fakeDoer{fn: func(req *transport.Request) (*transport.Response, error) {
		seen = append(seen, req.URL)
		if req.Provider == "primary" {
			return nil, &transport.RateLimitedError{Provider: "primary", StatusCode: 429}
		}
		return &transport.Response{StatusCode: 200}, nil
	}}
	b := NewBase("c", Deps{Transport: doer})
	b.AddFallback("backup", func(req *transport.Request) *transport.Request {
		req.URL = "http://backup/q"
		return req
	})
	b.SetSession("s")

	if resp := b.SafeCall(context.Background(), "primary", &transport.Request{URL: "http://primary/q"}); resp == nil {
		t.Fatal("expected response")
	}
	if len(seen) != 2 || seen[1] != "http://backup/q" {
		t.Errorf("requests = %v", seen)
	}
}

func TestSafeCall_BlockedProviderSkipped(t *testing.T) {
	doer := &fakeDoer{fn: ok(`{}`)}
	audit := &fakeAudit{}
	gate := gateFunc(func(p string) bool { return p != "primary" })
	b := NewBase("c", Deps{Transport: doer, Gate: gate, Audit: audit})
	b.SetBudget(1)
	b.AddFallback("backup", nil)
	b.SetSession("s")

	if resp := b.SafeCall(context.Background(), "primary", &transport.Request{URL: "u"}); resp == nil {
		t.Fatal("expected fallback response")
	}
	if doer.count() != 1 || doer.calls[0] != "backup" {
		t.Errorf("transport calls = %v, want [backup]", doer.calls)
	}
	if len(audit.records) != 2 || audit.records[0].Status != models.CallFailed {
		t.Errorf("records = %+v", audit.records)
	}
	if res := b.Result(); res.Calls != 1 {
		t.Errorf("blocked link consumed budget: calls = %d", res.Calls)
	}
}

func TestSafeCall_ChainExhausted(t *testing.T) {
	doer := &fakeDoer{fn: func(req *transport.Request) (*transport.Response, error) {
		return nil, &transport.TransientError{Provider: req.Provider, Err: errors.New("down")}
	}}
	b := NewBase("c", Deps{Transport: doer})
	b.AddFallback("b", nil)
	b.AddFallback("c", nil)
	b.SetSession("s")

	if resp := b.SafeCall(context.Background(), "a", &transport.Request{URL: "u"}); resp != nil {
		t.Fatal("expected nil when every provider fails")
	}
	if doer.count() != 3 {
		t.Errorf("calls = %d, want 3", doer.count())
	}
	if res := b.Result(); len(res.Errors) != 1 {
		t.Errorf("errors = %v", res.Errors)
	}
}

func TestSafeCall_RecoversPanic(t *testing.T) {
	doer := &fakeDoer{fn: func(req *transport.Request) (*transport.Response, error) {
		if req.Provider == "a" {
			panic("boom")
		}
		return &transport.Response{StatusCode: 200, Body: []byte(`"x"`)}, nil
	}}
	audit := &fakeAudit{}
	b := NewBase("c", Deps{Transport: doer, Audit: audit})
	b.AddFallback("b", nil)
	b.SetSession("s")

	resp := b.SafeCall(context.Background(), "a", &transport.Request{URL: "u"})
	if resp == nil {
		t.Fatal("expected fallback response after panic")
	}
	if len(audit.records) != 2 || audit.records[0].Status != models.CallError {
		t.Errorf("records = %+v", audit.records)
	}
}

func TestSafeCall_NoSession(t *testing.T) {
	doer := &fakeDoer{fn: ok(`{}`)}
	b := NewBase("c", Deps{Transport: doer})

	if resp := b.SafeCall(context.Background(), "a", &transport.Request{URL: "u"}); resp != nil {
		t.Fatal("expected nil without a session")
	}
	if doer.count() != 0 {
		t.Errorf("calls = %d, want 0", doer.count())
	}
	if res := b.Result(); len(res.Errors) != 1 {
		t.Errorf("errors = %v", res.Errors)
	}
}

func TestSetSession_Resets(t *testing.T) {
	doer := &fakeDoer{fn: ok(`[1,2]`)}
	b := NewBase("c", Deps{Transport: doer})
	b.SetBudget(1)
	b.SetSession("s1")
	b.SafeCall(context.Background(), "a", &transport.Request{URL: "u"})
	b.SafeCall(context.Background(), "a", &transport.Request{URL: "u"})

	b.SetSession("s2")
	res := b.Result()
	if res.Calls != 0 || res.Records != 0 || len(res.Errors) != 0 {
		t.Errorf("Result() after SetSession = %+v", res)
	}
	if resp := b.SafeCall(context.Background(), "a", &transport.Request{URL: "u"}); resp == nil {
		t.Error("budget should be available in a new run")
	}
}

func TestCountRule(t *testing.T) {
	doer := &fakeDoer{fn: ok(`{"data":[1,2,3,4]}`)}
	b := NewBase("c", Deps{Transport: doer})
	b.SetCountRule("a", func(body []byte) int { return 4 })
	b.SetSession("s")
	b.SafeCall(context.Background(), "a", &transport.Request{URL: "u"})

	if res := b.Result(); res.Records != 4 {
		t.Errorf("Records = %d, want 4", res.Records)
	}
}

func TestCountJSON(t *testing.T) {
	tests := []struct {
		body string
		want int
	}{
		{"", 0},
		{"   ", 0},
		{`[]`, 0},
		{`[1,2,3]`, 3},
		{`[{"a":1},{"a":2}]`, 2},
		{`{"a":1}`, 1},
		{`"scalar"`, 1},
		{`[broken`, 1},
	}
	for _, tt := range tests {
		if got := CountJSON([]byte(tt.body)); got != tt.want {
			t.Errorf("CountJSON(%q) = %d, want %d", tt.body, got, tt.want)
		}
	}
}

type failingStore struct{}

func (failingStore) UpsertBatch(context.Context, string, []models.Row, []string) (int64, error) {
	return 0, errors.New("disk full")
}

func TestPersist(t *testing.T) {
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if _, err := database.Exec(`CREATE TABLE prices (symbol TEXT PRIMARY KEY, price REAL)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	b := NewBase("c", Deps{Store: database, Cursors: database})
	b.SetSession("s")

	rows := []models.Row{{"symbol": "A", "price": 1.5}, {"symbol": "B", "price": 2.5, "extra": "dropped"}}
	if n := b.Persist(context.Background(), "prices", rows, []string{"symbol"}); n != 2 {
		t.Errorf("Persist() = %d, want 2", n)
	}
	if n := b.Persist(context.Background(), "missing", rows, []string{"symbol"}); n != 0 {
		t.Errorf("Persist() into missing table = %d, want 0", n)
	}
	if res := b.Result(); len(res.Errors) != 1 {
		t.Errorf("errors = %v, want one persistence error", res.Errors)
	}

	failing := NewBase("f", Deps{Store: failingStore{}})
	failing.SetSession("s")
	failing.Persist(context.Background(), "t", rows, []string{"symbol"})
	if res := failing.Result(); len(res.Errors) != 1 {
		t.Errorf("errors = %v", res.Errors)
	}
}

func TestCursor(t *testing.T) {
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	b := NewBase("news", Deps{Cursors: database})
	ctx := context.Background()
	if got := b.Cursor(ctx); got != "" {
		t.Errorf("Cursor() = %q, want empty", got)
	}
	if err := b.SaveCursor(ctx, "2026-01-02"); err != nil {
		t.Fatalf("SaveCursor() error = %v", err)
	}
	if got := b.Cursor(ctx); got != "2026-01-02" {
		t.Errorf("Cursor() = %q", got)
	}

	bare := NewBase("bare", Deps{})
	if got := bare.Cursor(ctx); got != "" {
		t.Errorf("Cursor() without store = %q", got)
	}
}

func TestPersistenceError(t *testing.T) {
	inner := errors.New("constraint")
	err := &PersistenceError{Table: "t", Rows: 3, Err: inner}
	if !errors.Is(err, inner) {
		t.Error("PersistenceError should unwrap")
	}
}
