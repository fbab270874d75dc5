package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type mockRow struct {
	scan func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scan(dest...) }

// mockRows serves logs in order. Only the methods the store calls are
// implemented; the embedded interface panics on anything else.
type mockRows struct {
	pgx.Rows
	logs   []UsageLog
	pos    int
	err    error
	closed bool
}

func (r *mockRows) Next() bool {
	if r.pos >= len(r.logs) {
		return false
	}
	r.pos++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	l := r.logs[r.pos-1]
	*(dest[0].(*string)) = l.ID
	*(dest[1].(*string)) = l.CallerID
	*(dest[2].(*string)) = l.CacheKey
	*(dest[3].(*string)) = l.Provider
	*(dest[4].(*string)) = l.Model
	*(dest[5].(*int)) = l.InputTokens
	*(dest[6].(*int)) = l.OutputTokens
	*(dest[7].(*float64)) = l.CostUSD
	*(dest[8].(*int64)) = l.LatencyMs
	*(dest[9].(*time.Time)) = l.CreatedAt
	return nil
}

func (r *mockRows) Err() error { return r.err }
func (r *mockRows) Close() { r.closed = true }

type mockDB struct {
	row      *mockRow
	rows     *mockRows
	queryErr error
	execErr  error
	args     [][]any
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	m.args = append(m.args, args)
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	return m.rows, nil
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	m.args = append(m.args, args)
	return m.row
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("CREATE TABLE"), m.execErr
}

func TestPostgresStore_LogUsage(t *testing.T) {
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	db := &mockDB{row: &mockRow{scan: func(dest ...any) error {
		*(dest[0].(*string)) = "log-1"
		*(dest[1].(*time.Time)) = created
		return nil
	}}}
	s := NewPostgresStore(db)

	l := &UsageLog{CallerID: "ip1", CacheKey: "analysis:abc", Provider: "claude", Model: "m", InputTokens: 10, OutputTokens: 5, CostUSD: 0.01, LatencyMs: 300}
	if err := s.LogUsage(context.Background(), l); err != nil {
		t.Fatalf("LogUsage failed: %v", err)
	}
	if l.ID != "log-1" || !l.CreatedAt.Equal(created) {
		t.Errorf("Expected generated fields to be scanned back, got %+v", l)
	}
	if args := db.args[0]; args[0] != "ip1" || args[1] != "analysis:abc" || args[6] != 0.01 {
		t.Errorf("unexpected insert args %v", args)
	}
}

func TestPostgresStore_LogUsageError(t *testing.T) {
	db := &mockDB{row: &mockRow{scan: func(dest ...any) error { return errors.New("conn reset") }}}
	if err := NewPostgresStore(db).LogUsage(context.Background(), &UsageLog{}); err == nil {
		t.Error("Expected error")
	}
}

func TestPostgresStore_GetUsageByCaller(t *testing.T) {
	rows := &mockRows{logs: []UsageLog{
		{ID: "b", CallerID: "ip1", CostUSD: 0.02},
		{ID: "a", CallerID: "ip1", CostUSD: 0.01},
	}}
	db := &mockDB{rows: rows}
	s := NewPostgresStore(db)

	from, to := time.Now().Add(-time.Hour), time.Now()
	logs, err := s.GetUsageByCaller(context.Background(), "ip1", from, to)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 || logs[0].ID != "b" || logs[1].CostUSD != 0.01 {
		t.Errorf("unexpected logs %+v", logs)
	}
	if !rows.closed {
		t.Error("Expected rows to be closed")
	}
	if db.args[0][0] != "ip1" {
		t.Errorf("unexpected query args %v", db.args[0])
	}
}

func TestPostgresStore_GetUsageByCallerErrors(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	db := &mockDB{queryErr: errors.New("conn reset")}
	if _, err := NewPostgresStore(db).GetUsageByCaller(ctx, "ip1", now, now); err == nil {
		t.Error("Expected query error")
	}

	db = &mockDB{rows: &mockRows{err: errors.New("broken stream")}}
	if _, err := NewPostgresStore(db).GetUsageByCaller(ctx, "ip1", now, now); err == nil {
		t.Error("Expected iteration error")
	}
}

func TestPostgresStore_GetTotalCostByCaller(t *testing.T) {
	db := &mockDB{row: &mockRow{scan: func(dest ...any) error {
		*(dest[0].(*float64)) = 1.5
		return nil
	}}}

	total, err := NewPostgresStore(db).GetTotalCostByCaller(context.Background(), "ip1", time.Now(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if total != 1.5 {
		t.Errorf("Expected 1.5, got %f", total)
	}
}

func TestPostgresStore_Migrate(t *testing.T) {
	if err := NewPostgresStore(&mockDB{}).Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := NewPostgresStore(&mockDB{execErr: errors.New("denied")}).Migrate(context.Background()); err == nil {
		t.Error("Expected error")
	}
}
