// ============================================================================
// SalesGrid Aggregator - Partial Aggregate Algebra
// ============================================================================
//
// Package: internal/aggregate
// File: aggregate.go
// Purpose: Pure aggregation logic shared by the worker agent (per-chunk
//          computation) and the coordinator (merge step).
//
// Algebra:
//   Partial forms a commutative monoid under Merge with Identity() as the
//   neutral element:
//     Merge(a, b) == Merge(b, a)
//     Merge(a, Merge(b, c)) == Merge(Merge(a, b), c)
//     Merge(a, Identity()) == a
//
//   This is what makes chunk completion order irrelevant: the coordinator
//   can merge partial results in whatever order responses arrive. Merge is
//   NOT idempotent (Merge(a, a) != a), so duplicate suppression lives in
//   the coordinator's completed-chunk gate, not here.
//
// ============================================================================

package aggregate

import (
	"sort"

	"github.com/salesgrid/salesgrid/pkg/types"
)

// Key groups sales records for aggregation.
type Key struct {
	Region    string
	ProductID int64
}

// Bucket holds the accumulated values for one aggregation key.
type Bucket struct {
	SumAmount float64
	Count     int64
}

// Partial maps aggregation keys to their accumulated buckets. The empty
// map is the monoid identity.
type Partial map[Key]Bucket

// Row is the wire/storage representation of one aggregated group. Partial
// uses struct keys, which do not serialize as JSON object keys, so frames,
// checkpoints, and the sink all exchange sorted row slices instead.
type Row struct {
	Region    string  `json:"region"`
	ProductID int64   `json:"product_id"`
	SumAmount float64 `json:"sum_amount"`
	Count     int64   `json:"count"`
}

// Identity returns the empty partial aggregate.
func Identity() Partial {
	return make(Partial)
}

// Aggregate computes the partial aggregate of a record sequence, grouping
// by (region, product_id). Deterministic and side-effect free; safe to run
// on any subset of the dataset.
func Aggregate(records []types.SalesRecord) Partial {
	p := make(Partial, 64)
	for _, rec := range records {
		k := Key{Region: rec.Region, ProductID: rec.ProductID}
		b := p[k]
		b.SumAmount += rec.Amount()
		b.Count++
		p[k] = b
	}
	return p
}

// Merge combines two partial aggregates key-wise into a new Partial.
// Neither input is mutated. Commutative and associative by construction.
func Merge(a, b Partial) Partial {
	out := make(Partial, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		acc := out[k]
		acc.SumAmount += v.SumAmount
		acc.Count += v.Count
		out[k] = acc
	}
	return out
}

// MergeInto folds b into a in place and returns a. Used by the coordinator
// accumulator where allocating a fresh map per chunk completion is wasteful.
func MergeInto(a, b Partial) Partial {
	if a == nil {
		a = make(Partial, len(b))
	}
	for k, v := range b {
		acc := a[k]
		acc.SumAmount += v.SumAmount
		acc.Count += v.Count
		a[k] = acc
	}
	return a
}

// Rows flattens the partial into rows sorted by (region, product_id).
// Sorting makes wire frames, checkpoints, and test output deterministic.
func (p Partial) Rows() []Row {
	rows := make([]Row, 0, len(p))
	for k, b := range p {
		rows = append(rows, Row{
			Region:    k.Region,
			ProductID: k.ProductID,
			SumAmount: b.SumAmount,
			Count:     b.Count,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Region != rows[j].Region {
			return rows[i].Region < rows[j].Region
		}
		return rows[i].ProductID < rows[j].ProductID
	})
	return rows
}

// FromRows rebuilds a Partial from its row representation.
func FromRows(rows []Row) Partial {
	p := make(Partial, len(rows))
	for _, r := range rows {
		k := Key{Region: r.Region, ProductID: r.ProductID}
		b := p[k]
		b.SumAmount += r.SumAmount
		b.Count += r.Count
		p[k] = b
	}
	return p
}

// TotalCount returns the number of records represented by the partial.
func (p Partial) TotalCount() int64 {
	var n int64
	for _, b := range p {
		n += b.Count
	}
	return n
}

// TotalAmount returns the grand total sale amount across all groups.
func (p Partial) TotalAmount() float64 {
	var sum float64
	for _, b := range p {
		sum += b.SumAmount
	}
	return sum
}
