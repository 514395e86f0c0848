package aggregate

import (
	"math"
	"math/rand"
	"testing"

	"github.com/salesgrid/salesgrid/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// newTestRecord creates a record with the fields aggregation cares about.
func newTestRecord(region string, productID int64, price float64, qty int64) types.SalesRecord {
	return types.SalesRecord{
		Region:    region,
		ProductID: productID,
		Price:     price,
		Quantity:  qty,
	}
}

// randomRecords generates a deterministic pseudo-random record set.
func randomRecords(n int, seed int64) []types.SalesRecord {
	rng := rand.New(rand.NewSource(seed))
	regions := []string{"North", "South", "East", "West", "Central"}
	recs := make([]types.SalesRecord, n)
	for i := range recs {
		recs[i] = newTestRecord(
			regions[rng.Intn(len(regions))],
			int64(1000+rng.Intn(20)),
			math.Round(rng.Float64()*10000)/100,
			int64(1+rng.Intn(9)),
		)
	}
	return recs
}

// assertPartialEqual compares two partials bucket by bucket.
func assertPartialEqual(t *testing.T, got, want Partial) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("partial size: got %d groups, want %d", len(got), len(want))
	}
	for k, wb := range want {
		gb, ok := got[k]
		if !ok {
			t.Errorf("missing group %+v", k)
			continue
		}
		if gb.Count != wb.Count {
			t.Errorf("group %+v count: got %d, want %d", k, gb.Count, wb.Count)
		}
		if math.Abs(gb.SumAmount-wb.SumAmount) > 1e-6 {
			t.Errorf("group %+v sum: got %f, want %f", k, gb.SumAmount, wb.SumAmount)
		}
	}
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestAggregateGroupsByRegionAndProduct(t *testing.T) {
	recs := []types.SalesRecord{
		newTestRecord("North", 1001, 10.0, 2),
		newTestRecord("North", 1001, 5.0, 1),
		newTestRecord("North", 1002, 3.0, 3),
		newTestRecord("South", 1001, 7.5, 2),
	}

	p := Aggregate(recs)

	want := Partial{
		{Region: "North", ProductID: 1001}: {SumAmount: 25.0, Count: 2},
		{Region: "North", ProductID: 1002}: {SumAmount: 9.0, Count: 1},
		{Region: "South", ProductID: 1001}: {SumAmount: 15.0, Count: 1},
	}
	assertPartialEqual(t, p, want)
}

func TestAggregateEmptyInput(t *testing.T) {
	p := Aggregate(nil)
	if len(p) != 0 {
		t.Errorf("expected identity for empty input, got %d groups", len(p))
	}
}

func TestMergeIdentity(t *testing.T) {
	a := Aggregate(randomRecords(100, 1))

	left := Merge(a, Identity())
	right := Merge(Identity(), a)

	assertPartialEqual(t, left, a)
	assertPartialEqual(t, right, a)
}

func TestMergeCommutative(t *testing.T) {
	a := Aggregate(randomRecords(200, 2))
	b := Aggregate(randomRecords(150, 3))

	assertPartialEqual(t, Merge(a, b), Merge(b, a))
}

func TestMergeAssociative(t *testing.T) {
	a := Aggregate(randomRecords(100, 4))
	b := Aggregate(randomRecords(100, 5))
	c := Aggregate(randomRecords(100, 6))

	assertPartialEqual(t, Merge(a, Merge(b, c)), Merge(Merge(a, b), c))
	assertPartialEqual(t, Merge(c, Merge(a, b)), Merge(Merge(b, c), a))
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	a := Aggregate(randomRecords(50, 7))
	b := Aggregate(randomRecords(50, 8))
	aCount, bCount := a.TotalCount(), b.TotalCount()

	_ = Merge(a, b)

	if a.TotalCount() != aCount {
		t.Error("Merge mutated left operand")
	}
	if b.TotalCount() != bCount {
		t.Error("Merge mutated right operand")
	}
}

// TestPartitionEquivalence verifies the central correctness property:
// aggregating the whole dataset equals merging per-chunk aggregates for any
// contiguous, non-overlapping partition covering the dataset exactly once.
func TestPartitionEquivalence(t *testing.T) {
	recs := randomRecords(1000, 9)
	whole := Aggregate(recs)

	rng := rand.New(rand.NewSource(10))
	for trial := 0; trial < 20; trial++ {
		// Random partition into contiguous chunks.
		merged := Identity()
		start := 0
		for start < len(recs) {
			end := start + 1 + rng.Intn(200)
			if end > len(recs) {
				end = len(recs)
			}
			merged = MergeInto(merged, Aggregate(recs[start:end]))
			start = end
		}
		assertPartialEqual(t, merged, whole)
	}
}

func TestRowsRoundTrip(t *testing.T) {
	p := Aggregate(randomRecords(500, 11))

	rows := p.Rows()
	back := FromRows(rows)

	assertPartialEqual(t, back, p)

	// Rows must be sorted for deterministic output.
	for i := 1; i < len(rows); i++ {
		prev, cur := rows[i-1], rows[i]
		if prev.Region > cur.Region ||
			(prev.Region == cur.Region && prev.ProductID >= cur.ProductID) {
			t.Fatalf("rows not sorted at index %d: %+v before %+v", i, prev, cur)
		}
	}
}

func TestTotals(t *testing.T) {
	recs := []types.SalesRecord{
		newTestRecord("North", 1001, 10.0, 2), // 20.0
		newTestRecord("South", 1002, 4.0, 5),  // 20.0
	}
	p := Aggregate(recs)

	if got := p.TotalCount(); got != 2 {
		t.Errorf("TotalCount: got %d, want 2", got)
	}
	if got := p.TotalAmount(); math.Abs(got-40.0) > 1e-9 {
		t.Errorf("TotalAmount: got %f, want 40.0", got)
	}
}
