// ============================================================================
// SalesGrid Record Source
// ============================================================================
//
// Package: internal/dataset
// File: source.go
// Purpose: Lazy, finite, restartable access to the sales dataset,
//          partitionable into contiguous chunks by record index.
//
// The coordinator only needs TotalCount() to partition; workers call
// ReadRange() for the chunks assigned to them. Both sides of a job open
// the same CSV file independently, so ReadRange must be safe for
// concurrent read-only use.
//
// ============================================================================

package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/salesgrid/salesgrid/pkg/types"
)

// ErrRangeOutOfBounds indicates a ReadRange request outside the dataset.
var ErrRangeOutOfBounds = errors.New("record range out of bounds")

// orderDateLayout matches the timestamps written by the generator.
const orderDateLayout = "2006-01-02 15:04:05"

// csvHeader is the canonical column order for dataset files.
var csvHeader = []string{
	"TransactionID", "OrderDate", "ProductID", "ProductName",
	"Category", "Price", "Quantity", "CustomerID", "Region",
}

// Source produces sales records by contiguous index range. Implementations
// must be safe for concurrent ReadRange calls.
type Source interface {
	// ReadRange returns the records in the half-open range [start, end).
	ReadRange(start, end int) ([]types.SalesRecord, error)
	// TotalCount returns the number of records in the dataset.
	TotalCount() int
}

// MemorySource serves records from an in-memory slice. The slice is never
// mutated after construction, so concurrent reads need no locking.
type MemorySource struct {
	records []types.SalesRecord
}

// NewMemorySource wraps a record slice as a Source. The caller must not
// modify the slice afterwards.
func NewMemorySource(records []types.SalesRecord) *MemorySource {
	return &MemorySource{records: records}
}

// ReadRange returns records[start:end], validating bounds.
func (s *MemorySource) ReadRange(start, end int) ([]types.SalesRecord, error) {
	if start < 0 || end < start || end > len(s.records) {
		return nil, fmt.Errorf("%w: [%d:%d) of %d", ErrRangeOutOfBounds, start, end, len(s.records))
	}
	return s.records[start:end], nil
}

// TotalCount returns the dataset size.
func (s *MemorySource) TotalCount() int {
	return len(s.records)
}

// OpenCSV loads a dataset CSV into memory and returns it as a Source.
//
// The file layout matches the generator's output: a header row followed by
// TransactionID, OrderDate, ProductID, ProductName, Category, Price,
// Quantity, CustomerID, Region columns.
func OpenCSV(path string) (*MemorySource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = len(csvHeader)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read dataset header: %w", err)
	}
	for i, col := range csvHeader {
		if header[i] != col {
			return nil, fmt.Errorf("unexpected dataset column %d: got %q, want %q", i, header[i], col)
		}
	}

	var records []types.SalesRecord
	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read dataset row: %w", err)
		}
		rec, err := parseRow(row)
		if err != nil {
			return nil, fmt.Errorf("dataset line %d: %w", line, err)
		}
		records = append(records, rec)
	}

	return NewMemorySource(records), nil
}

func parseRow(row []string) (types.SalesRecord, error) {
	var rec types.SalesRecord
	var err error

	if rec.TransactionID, err = strconv.ParseInt(row[0], 10, 64); err != nil {
		return rec, fmt.Errorf("transaction id %q: %w", row[0], err)
	}
	if rec.OrderDate, err = time.Parse(orderDateLayout, row[1]); err != nil {
		// Date-only values appear in hand-written fixtures.
		if rec.OrderDate, err = time.Parse("2006-01-02", row[1]); err != nil {
			return rec, fmt.Errorf("order date %q: %w", row[1], err)
		}
	}
	if rec.ProductID, err = strconv.ParseInt(row[2], 10, 64); err != nil {
		return rec, fmt.Errorf("product id %q: %w", row[2], err)
	}
	rec.ProductName = row[3]
	rec.Category = row[4]
	if rec.Price, err = strconv.ParseFloat(row[5], 64); err != nil {
		return rec, fmt.Errorf("price %q: %w", row[5], err)
	}
	if rec.Quantity, err = strconv.ParseInt(row[6], 10, 64); err != nil {
		return rec, fmt.Errorf("quantity %q: %w", row[6], err)
	}
	if rec.CustomerID, err = strconv.ParseInt(row[7], 10, 64); err != nil {
		return rec, fmt.Errorf("customer id %q: %w", row[7], err)
	}
	rec.Region = row[8]

	return rec, nil
}
