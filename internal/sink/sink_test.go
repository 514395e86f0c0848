package sink

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/salesgrid/salesgrid/internal/aggregate"
)

func newTestSink(t *testing.T) *SQLiteSink {
	t.Helper()
	s, err := NewSQLiteSink(filepath.Join(t.TempDir(), "results.db"))
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testPartial() aggregate.Partial {
	return aggregate.Partial{
		{Region: "North", ProductID: 1001}: {SumAmount: 59.97, Count: 3},
		{Region: "North", ProductID: 2044}: {SumAmount: 10.00, Count: 2},
		{Region: "West", ProductID: 1001}:  {SumAmount: 19.99, Count: 1},
	}
}

func TestPersistAndReadBack(t *testing.T) {
	s := newTestSink(t)
	ctx := context.Background()

	if err := s.Persist(ctx, testPartial()); err != nil {
		t.Fatalf("persist: %v", err)
	}

	rows, err := s.Rows(ctx)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3: %v", len(rows), rows)
	}

	// Ordered by region then product.
	if rows[0].Region != "North" || rows[0].ProductID != 1001 {
		t.Errorf("row 0 = %+v, want North/1001", rows[0])
	}
	if rows[2].Region != "West" {
		t.Errorf("row 2 = %+v, want West first by region order", rows[2])
	}
	if math.Abs(rows[0].SumAmount-59.97) > 1e-9 || rows[0].Count != 3 {
		t.Errorf("row 0 values = %+v", rows[0])
	}
}

func TestPersistUpsertsExistingGroups(t *testing.T) {
	s := newTestSink(t)
	ctx := context.Background()

	if err := s.Persist(ctx, testPartial()); err != nil {
		t.Fatalf("first persist: %v", err)
	}

	updated := aggregate.Partial{
		{Region: "North", ProductID: 1001}: {SumAmount: 100.00, Count: 5},
	}
	if err := s.Persist(ctx, updated); err != nil {
		t.Fatalf("second persist: %v", err)
	}

	rows, err := s.Rows(ctx)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	// Re-running replaces the matching group and leaves the rest.
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3 after upsert: %v", len(rows), rows)
	}
	if rows[0].SumAmount != 100.00 || rows[0].Count != 5 {
		t.Errorf("row 0 after upsert = %+v, want replaced values", rows[0])
	}
	if rows[1].Count != 2 {
		t.Errorf("row 1 = %+v, should be untouched", rows[1])
	}
}

func TestPersistEmptyAggregate(t *testing.T) {
	s := newTestSink(t)
	ctx := context.Background()

	if err := s.Persist(ctx, aggregate.Identity()); err != nil {
		t.Fatalf("persist empty: %v", err)
	}
	rows, err := s.Rows(ctx)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("got %d rows, want 0", len(rows))
	}
}

func TestPersistCancelledContext(t *testing.T) {
	s := newTestSink(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Persist(ctx, testPartial()); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestReopenSeesData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.db")
	ctx := context.Background()

	s, err := NewSQLiteSink(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Persist(ctx, testPartial()); err != nil {
		t.Fatalf("persist: %v", err)
	}
	s.Close()

	s2, err := NewSQLiteSink(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	rows, err := s2.Rows(ctx)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("got %d rows after reopen, want 3", len(rows))
	}
}
