package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/j-veylop/provider-ingest/internal/db/staging"
	"github.com/j-veylop/provider-ingest/internal/models"
)

func createQuotesTable(t *testing.T, db *DB) {
	t.Helper()
	_, err := db.ExecContext(context.Background(), `
		CREATE TABLE quotes (
			symbol TEXT NOT NULL,
			ts TEXT NOT NULL,
			price REAL CHECK (price >= 0),
			volume INTEGER,
			payload TEXT,
			PRIMARY KEY (symbol, ts)
		)`)
	if err != nil {
		t.Fatalf("failed to create quotes table: %v", err)
	}
}

type quote struct {
	price  float64
	volume int64
}

func readQuotes(t *testing.T, db *DB) map[string]quote {
	t.Helper()
	rows, err := db.QueryContext(context.Background(), "SELECT symbol, ts, price, volume FROM quotes")
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()

	out := make(map[string]quote)
	for rows.Next() {
		var (
			symbol, ts string
			q          quote
		)
		if err := rows.Scan(&symbol, &ts, &q.price, &q.volume); err != nil {
			t.Fatal(err)
		}
		out[symbol+"@"+ts] = q
	}
	return out
}

func TestTableColumns(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()
	createQuotesTable(t, db)
	ctx := context.Background()

	cols, err := db.TableColumns(ctx, "quotes")
	if err != nil {
		t.Fatalf("TableColumns failed: %v", err)
	}
	want := []string{"symbol", "ts", "price", "volume", "payload"}
	if fmt.Sprint(cols) != fmt.Sprint(want) {
		t.Errorf("columns = %v, want %v", cols, want)
	}

	if _, err := db.TableColumns(ctx, "missing"); !errors.Is(err, staging.ErrUnknownTable) {
		t.Errorf("missing table error = %v", err)
	}
	if _, err := db.TableColumns(ctx, "quotes; DROP TABLE quotes"); !errors.Is(err, staging.ErrInvalidIdentifier) {
		t.Errorf("injection error = %v", err)
	}
}

func TestUpsertBatch_InsertAndUpdate(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()
	createQuotesTable(t, db)
	ctx := context.Background()
	keys := []string{"symbol", "ts"}

	n, err := db.UpsertBatch(ctx, "quotes", []models.Row{
		{"symbol": "AAA", "ts": "t1", "price": 1.0, "volume": 10, "unknown_field": "dropped"},
		{"symbol": "BBB", "ts": "t1", "price": 2.0, "volume": 20, "payload": map[string]any{"src": "alpha"}},
	}, keys)
	if err != nil {
		t.Fatalf("UpsertBatch failed: %v", err)
	}
	if n != 2 {
		t.Errorf("rows affected = %d, want 2", n)
	}

	// Last write wins on non-key columns.
	if _, err := db.UpsertBatch(ctx, "quotes", []models.Row{
		{"symbol": "AAA", "ts": "t1", "price": 1.5, "volume": 11},
	}, keys); err != nil {
		t.Fatalf("UpsertBatch update failed: %v", err)
	}

	got := readQuotes(t, db)
	if len(got) != 2 {
		t.Fatalf("got %d rows, want 2", len(got))
	}
	if got["AAA@t1"] != (quote{1.5, 11}) {
		t.Errorf("AAA = %+v, want updated values", got["AAA@t1"])
	}

	var payload string
	if err := db.QueryRowContext(ctx, "SELECT payload FROM quotes WHERE symbol = 'BBB'").Scan(&payload); err != nil {
		t.Fatal(err)
	}
	if payload != `{"src":"alpha"}` {
		t.Errorf("payload = %q, want JSON text", payload)
	}
}

func TestUpsertBatch_Idempotent(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()
	createQuotesTable(t, db)
	ctx := context.Background()

	batch := []models.Row{
		{"symbol": "AAA", "ts": "t1", "price": 1.0, "volume": 10},
		{"symbol": "AAA", "ts": "t2", "price": 1.1, "volume": 12},
		{"symbol": "BBB", "ts": "t1", "price": 2.0, "volume": 20},
	}

	if _, err := db.UpsertBatch(ctx, "quotes", batch, []string{"symbol", "ts"}); err != nil {
		t.Fatal(err)
	}
	once := readQuotes(t, db)

	if _, err := db.UpsertBatch(ctx, "quotes", batch, []string{"symbol", "ts"}); err != nil {
		t.Fatal(err)
	}
	twice := readQuotes(t, db)

	if len(once) != len(twice) {
		t.Fatalf("row count changed: %d then %d", len(once), len(twice))
	}
	for k, v := range once {
		if twice[k] != v {
			t.Errorf("%s changed: %+v then %+v", k, v, twice[k])
		}
	}
}

func TestUpsertBatch_AllOrNothing(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()
	createQuotesTable(t, db)
	ctx := context.Background()
	keys := []string{"symbol", "ts"}

	if _, err := db.UpsertBatch(ctx, "quotes", []models.Row{
		{"symbol": "AAA", "ts": "t1", "price": 1.0, "volume": 10},
	}, keys); err != nil {
		t.Fatal(err)
	}
	before := readQuotes(t, db)

	// The negative price violates the CHECK constraint.
	_, err := db.UpsertBatch(ctx, "quotes", []models.Row{
		{"symbol": "AAA", "ts": "t1", "price": 5.0, "volume": 50},
		{"symbol": "NEW", "ts": "t1", "price": 3.0, "volume": 30},
		{"symbol": "BAD", "ts": "t1", "price": -1.0, "volume": 0},
	}, keys)
	if err == nil {
		t.Fatal("expected constraint violation")
	}

	after := readQuotes(t, db)
	if len(after) != len(before) || after["AAA@t1"] != before["AAA@t1"] {
		t.Errorf("table changed by failed batch: before %+v after %+v", before, after)
	}

	// The staging table does not leak into the next batch.
	if _, err := db.UpsertBatch(ctx, "quotes", []models.Row{
		{"symbol": "CCC", "ts": "t1", "price": 4.0},
	}, keys); err != nil {
		t.Fatalf("UpsertBatch after failure: %v", err)
	}
}

func TestUpsertBatch_DuplicateKeysLastWins(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()
	createQuotesTable(t, db)

	n, err := db.UpsertBatch(context.Background(), "quotes", []models.Row{
		{"symbol": "AAA", "ts": "t1", "price": 1.0, "volume": 1},
		{"symbol": "AAA", "ts": "t1", "price": 2.0, "volume": 2},
	}, []string{"symbol", "ts"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("rows affected = %d, want 1", n)
	}
	if got := readQuotes(t, db)["AAA@t1"]; got != (quote{2.0, 2}) {
		t.Errorf("AAA = %+v, want last row", got)
	}
}

func TestUpsertBatch_MissingColumnStagesNull(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()
	createQuotesTable(t, db)
	ctx := context.Background()
	keys := []string{"symbol", "ts"}

	if _, err := db.UpsertBatch(ctx, "quotes", []models.Row{
		{"symbol": "AAA", "ts": "t1", "price": 1.0, "volume": 10},
		{"symbol": "BBB", "ts": "t1", "price": 2.0, "volume": 20},
	}, keys); err != nil {
		t.Fatalf("UpsertBatch failed: %v", err)
	}

	// BBB carries no volume, but AAA puts the column in the batch.
	if _, err := db.UpsertBatch(ctx, "quotes", []models.Row{
		{"symbol": "AAA", "ts": "t1", "price": 1.5, "volume": 11},
		{"symbol": "BBB", "ts": "t1", "price": 2.5},
	}, keys); err != nil {
		t.Fatalf("UpsertBatch update failed: %v", err)
	}

	// A batch where no row carries volume leaves the column untouched.
	if _, err := db.UpsertBatch(ctx, "quotes", []models.Row{
		{"symbol": "AAA", "ts": "t1", "price": 1.75},
	}, keys); err != nil {
		t.Fatalf("UpsertBatch price-only failed: %v", err)
	}

	tests := []struct {
		symbol     string
		wantPrice  float64
		wantVolume sql.NullInt64
	}{
		{symbol: "AAA", wantPrice: 1.75, wantVolume: sql.NullInt64{Int64: 11, Valid: true}},
		{symbol: "BBB", wantPrice: 2.5, wantVolume: sql.NullInt64{}},
	}
	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			var (
				price  float64
				volume sql.NullInt64
			)
			err := db.QueryRowContext(ctx,
				"SELECT price, volume FROM quotes WHERE symbol = ? AND ts = 't1'", tt.symbol).Scan(&price, &volume)
			if err != nil {
				t.Fatal(err)
			}
			if price != tt.wantPrice || volume != tt.wantVolume {
				t.Errorf("price = %v, volume = %+v, want %v, %+v", price, volume, tt.wantPrice, tt.wantVolume)
			}
		})
	}
}

func TestUpsertBatch_LargeBatch(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()
	createQuotesTable(t, db)

	// More rows than fit in one staging insert.
	rows := make([]models.Row, 0, 9000)
	for i := 0; i < 9000; i++ {
		rows = append(rows, models.Row{"symbol": fmt.Sprintf("S%04d", i), "ts": "t1", "price": float64(i), "volume": i})
	}

	n, err := db.UpsertBatch(context.Background(), "quotes", rows, []string{"symbol", "ts"})
	if err != nil {
		t.Fatalf("UpsertBatch failed: %v", err)
	}
	if n != 9000 {
		t.Errorf("rows affected = %d, want 9000", n)
	}
}

func TestUpsertBatch_Errors(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()
	createQuotesTable(t, db)
	ctx := context.Background()

	tests := []struct {
		name  string
		table string
		rows  []models.Row
		keys  []string
		want  error
	}{
		{"UnknownTable", "nope", []models.Row{{"id": 1}}, []string{"id"}, staging.ErrUnknownTable},
		{"BadIdentifier", "quotes--", []models.Row{{"id": 1}}, []string{"id"}, staging.ErrInvalidIdentifier},
		{"KeyNotColumn", "quotes", []models.Row{{"symbol": "A"}}, []string{"isin"}, staging.ErrInvalidConflictKeys},
		{"NoKeys", "quotes", []models.Row{{"symbol": "A"}}, nil, staging.ErrInvalidConflictKeys},
		{"MissingKeyValue", "quotes", []models.Row{{"symbol": "A"}}, []string{"symbol", "ts"}, staging.ErrInvalidConflictKeys},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := db.UpsertBatch(ctx, tt.table, tt.rows, tt.keys)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}

	n, err := db.UpsertBatch(ctx, "quotes", nil, []string{"symbol"})
	if err != nil || n != 0 {
		t.Errorf("empty batch = %d, %v", n, err)
	}
}

func TestUpsertBatch_KeysOnly(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "CREATE TABLE tags (name TEXT PRIMARY KEY)"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if _, err := db.UpsertBatch(ctx, "tags", []models.Row{{"name": "a"}, {"name": "b"}}, []string{"name"}); err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
	}

	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tags").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestUpsertBatch_TimeValues(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()
	createQuotesTable(t, db)
	ctx := context.Background()

	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600))
	if _, err := db.UpsertBatch(ctx, "quotes", []models.Row{{"symbol": "T", "ts": ts, "price": 1.0}}, []string{"symbol", "ts"}); err != nil {
		t.Fatal(err)
	}

	var stored string
	if err := db.QueryRowContext(ctx, "SELECT ts FROM quotes WHERE symbol = 'T'").Scan(&stored); err != nil {
		t.Fatal(err)
	}
	if stored != "2024-01-02 02:04:05.000" {
		t.Errorf("ts = %q, want UTC timestamp", stored)
	}
}
