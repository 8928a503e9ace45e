package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/j-veylop/provider-ingest/internal/models"
)

func TestSessionLifecycle(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()
	ctx := context.Background()

	session := &models.Session{
		ID:        "session-1",
		StartedAt: time.Now().Add(-time.Minute),
		Metadata:  map[string]any{"mode": "once", "groups": []any{"market"}},
	}
	if err := db.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	got, err := db.GetSession(ctx, "session-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Status != models.SessionRunning {
		t.Errorf("status = %q, want running", got.Status)
	}
	if got.Metadata["mode"] != "once" {
		t.Errorf("metadata = %v", got.Metadata)
	}
	if !got.EndedAt.IsZero() {
		t.Errorf("open session has EndedAt %v", got.EndedAt)
	}

	// Progress updates keep the session open.
	if err := db.UpdateSession(ctx, "session-1", models.SessionRunning, 5, 2); err != nil {
		t.Fatalf("UpdateSession(running) failed: %v", err)
	}
	if err := db.UpdateSession(ctx, "session-1", models.SessionCompleted, 10, 4); err != nil {
		t.Fatalf("UpdateSession(completed) failed: %v", err)
	}

	got, err = db.GetSession(ctx, "session-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.SessionCompleted || got.TotalRecords != 10 || got.TotalAPICalls != 4 {
		t.Errorf("closed session = %+v", got)
	}
	if got.EndedAt.IsZero() {
		t.Error("closed session should have EndedAt")
	}

	// Closed sessions are terminal.
	err = db.UpdateSession(ctx, "session-1", models.SessionStopped, 0, 0)
	if !errors.Is(err, ErrSessionNotOpen) {
		t.Errorf("update of closed session error = %v, want ErrSessionNotOpen", err)
	}
	err = db.UpdateSession(ctx, "missing", models.SessionCompleted, 0, 0)
	if !errors.Is(err, ErrSessionNotOpen) {
		t.Errorf("update of missing session error = %v, want ErrSessionNotOpen", err)
	}
}

func TestStopOpenSessions(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := db.CreateSession(ctx, &models.Session{ID: id}); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.UpdateSession(ctx, "c", models.SessionCompleted, 0, 0); err != nil {
		t.Fatal(err)
	}

	n, err := db.StopOpenSessions(ctx)
	if err != nil {
		t.Fatalf("StopOpenSessions failed: %v", err)
	}
	if n != 2 {
		t.Errorf("stopped %d sessions, want 2", n)
	}

	sessions, err := db.GetRecentSessions(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range sessions {
		if s.Status == models.SessionRunning {
			t.Errorf("session %s still running", s.ID)
		}
	}
}

func TestUpdateSession_AfterStopSweep(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()
	ctx := context.Background()

	if err := db.CreateSession(ctx, &models.Session{ID: "s"}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.StopOpenSessions(ctx); err != nil {
		t.Fatal(err)
	}
	swept, err := db.GetSession(ctx, "s")
	if err != nil {
		t.Fatal(err)
	}

	// The run that owned the session still reports its totals.
	if err := db.UpdateSession(ctx, "s", models.SessionStopped, 42, 3); err != nil {
		t.Fatalf("UpdateSession(stopped) failed: %v", err)
	}
	got, err := db.GetSession(ctx, "s")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.SessionStopped || got.TotalRecords != 42 || got.TotalAPICalls != 3 {
		t.Errorf("session = %+v, want stopped with 42 records and 3 calls", got)
	}
	if !got.EndedAt.Equal(swept.EndedAt) {
		t.Errorf("EndedAt = %v, want sweep time %v", got.EndedAt, swept.EndedAt)
	}

	err = db.UpdateSession(ctx, "s", models.SessionCompleted, 1, 1)
	if !errors.Is(err, ErrSessionNotOpen) {
		t.Errorf("completing a stopped session error = %v, want ErrSessionNotOpen", err)
	}
}

func TestGetRecentSessions_Order(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		s := &models.Session{ID: id, StartedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := db.CreateSession(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	sessions, err := db.GetRecentSessions(ctx, 2)
	if err != nil {
		t.Fatalf("GetRecentSessions failed: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "new" || sessions[1].ID != "mid" {
		t.Errorf("unexpected order: %+v", sessions)
	}
	if !sessions[0].StartedAt.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("StartedAt = %v, want %v", sessions[0].StartedAt, base.Add(2*time.Hour))
	}
}

func TestCallRecords(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()
	ctx := context.Background()

	records := []models.CallRecord{
		{SessionID: "s1", Collector: "quotes", Provider: "alpha", Endpoint: "/q", Status: models.CallFailed,
			StatusCode: 500, ErrorMessage: "boom", Duration: 120 * time.Millisecond},
		{SessionID: "s1", Collector: "quotes", Provider: "beta", Endpoint: "/q", Status: models.CallSuccess,
			StatusCode: 200, RecordsIngested: 3, Duration: 80 * time.Millisecond},
		{SessionID: "s2", Provider: "beta", Status: models.CallError, ErrorMessage: "panic"},
	}
	for i := range records {
		if err := db.InsertCallRecord(ctx, &records[i]); err != nil {
			t.Fatalf("InsertCallRecord failed: %v", err)
		}
		if records[i].ID == 0 {
			t.Error("InsertCallRecord did not set ID")
		}
	}

	calls, err := db.GetSessionCalls(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSessionCalls failed: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if calls[0].Status != models.CallFailed || calls[0].ErrorMessage != "boom" || calls[0].Duration != 120*time.Millisecond {
		t.Errorf("first call = %+v", calls[0])
	}
	if calls[1].Provider != "beta" || calls[1].RecordsIngested != 3 || calls[1].Collector != "quotes" {
		t.Errorf("second call = %+v", calls[1])
	}

	stats, err := db.GetProviderCallStats(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("GetProviderCallStats failed: %v", err)
	}
	byProvider := make(map[string]models.ProviderCallStats)
	for _, s := range stats {
		byProvider[s.Provider] = s
	}
	beta := byProvider["beta"]
	if beta.TotalCalls != 2 || beta.SuccessCount != 1 || beta.ErrorCount != 1 || beta.Records != 3 {
		t.Errorf("beta stats = %+v", beta)
	}
	if byProvider["alpha"].FailedCount != 1 {
		t.Errorf("alpha stats = %+v", byProvider["alpha"])
	}
	if beta.LastCall.IsZero() {
		t.Error("LastCall not parsed")
	}
}

func TestPruneSessions(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()
	ctx := context.Background()

	now := time.Now()
	sessions := []models.Session{
		{ID: "old-done", StartedAt: now.Add(-48 * time.Hour), Status: models.SessionCompleted},
		{ID: "old-running", StartedAt: now.Add(-48 * time.Hour), Status: models.SessionRunning},
		{ID: "new-done", StartedAt: now.Add(-time.Hour), Status: models.SessionFailed},
	}
	for i := range sessions {
		if err := db.CreateSession(ctx, &sessions[i]); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
		rec := models.CallRecord{SessionID: sessions[i].ID, Provider: "alpha", Status: models.CallSuccess}
		if err := db.InsertCallRecord(ctx, &rec); err != nil {
			t.Fatalf("InsertCallRecord failed: %v", err)
		}
	}

	n, err := db.PruneSessions(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneSessions failed: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d sessions, want 1", n)
	}

	tests := []struct {
		id        string
		wantKept  bool
		wantCalls int
	}{
		{id: "old-done", wantKept: false, wantCalls: 0},
		{id: "old-running", wantKept: true, wantCalls: 1},
		{id: "new-done", wantKept: true, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			_, err := db.GetSession(ctx, tt.id)
			if kept := err == nil; kept != tt.wantKept {
				t.Errorf("session kept = %v (err %v), want %v", kept, err, tt.wantKept)
			}
			calls, err := db.GetSessionCalls(ctx, tt.id)
			if err != nil {
				t.Fatalf("GetSessionCalls failed: %v", err)
			}
			if len(calls) != tt.wantCalls {
				t.Errorf("calls = %d, want %d", len(calls), tt.wantCalls)
			}
		})
	}

	if err := db.Vacuum(); err != nil {
		t.Errorf("Vacuum after prune failed: %v", err)
	}
}

func TestProviderStates(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()
	ctx := context.Background()

	reset := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	state := models.ProviderState{Provider: "alpha", RateLimited: true, ResetTime: reset, Failures: 2}
	if err := db.SaveProviderState(ctx, state); err != nil {
		t.Fatalf("SaveProviderState failed: %v", err)
	}

	state.RateLimited = false
	state.Failures = 0
	if err := db.SaveProviderState(ctx, state); err != nil {
		t.Fatalf("SaveProviderState (update) failed: %v", err)
	}

	states, err := db.GetProviderStates(ctx)
	if err != nil {
		t.Fatalf("GetProviderStates failed: %v", err)
	}
	if len(states) != 1 {
		t.Fatalf("got %d states, want 1", len(states))
	}
	if states[0].RateLimited || states[0].Failures != 0 || !states[0].ResetTime.Equal(reset) {
		t.Errorf("state = %+v", states[0])
	}
}

func TestCursors(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()
	ctx := context.Background()

	if _, ok, err := db.GetCursor(ctx, "quotes"); err != nil || ok {
		t.Fatalf("GetCursor on empty table = ok %v err %v", ok, err)
	}

	for _, v := range []string{"100", "250"} {
		if err := db.SaveCursor(ctx, "quotes", v); err != nil {
			t.Fatalf("SaveCursor failed: %v", err)
		}
	}

	cursor, ok, err := db.GetCursor(ctx, "quotes")
	if err != nil || !ok || cursor != "250" {
		t.Errorf("GetCursor = %q, %v, %v; want 250", cursor, ok, err)
	}
}
