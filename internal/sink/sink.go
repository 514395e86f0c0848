// ============================================================================
// SalesGrid Result Sink
// ============================================================================
//
// Package: internal/sink
// File: sink.go
// Purpose: Destination for the final job aggregate. The production
//          implementation writes one row per (region, product) group to
//          SQLite with an upsert, so re-running a job refreshes the table
//          instead of duplicating it.
//
// ============================================================================

package sink

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/salesgrid/salesgrid/internal/aggregate"
)

// Sink receives the final aggregate of a successful job. The coordinator
// calls Persist exactly once per job.
type Sink interface {
	Persist(ctx context.Context, result aggregate.Partial) error
}

const schema = `
CREATE TABLE IF NOT EXISTS sales_aggregates (
    region     TEXT    NOT NULL,
    product_id INTEGER NOT NULL,
    sum_amount REAL    NOT NULL,
    count      INTEGER NOT NULL,
    PRIMARY KEY (region, product_id)
);`

const upsert = `
INSERT INTO sales_aggregates (region, product_id, sum_amount, count)
VALUES (?, ?, ?, ?)
ON CONFLICT (region, product_id)
DO UPDATE SET sum_amount = excluded.sum_amount, count = excluded.count;`

// SQLiteSink persists aggregates to a local SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (creating if needed) the database at path and
// ensures the sales_aggregates table exists.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sales_aggregates table: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Persist upserts every group of the aggregate in one transaction, so a
// failed write leaves the table at its previous state.
func (s *SQLiteSink) Persist(ctx context.Context, result aggregate.Partial) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsert)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, row := range result.Rows() {
		if _, err := stmt.ExecContext(ctx, row.Region, row.ProductID, row.SumAmount, row.Count); err != nil {
			return fmt.Errorf("upsert %s/%d: %w", row.Region, row.ProductID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rows reads the whole sales_aggregates table back, ordered by region
// then product. Used for verification and the demo output.
func (s *SQLiteSink) Rows(ctx context.Context) ([]aggregate.Row, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT region, product_id, sum_amount, count
		 FROM sales_aggregates
		 ORDER BY region, product_id`)
	if err != nil {
		return nil, fmt.Errorf("query sales_aggregates: %w", err)
	}
	defer rows.Close()

	var out []aggregate.Row
	for rows.Next() {
		var r aggregate.Row
		if err := rows.Scan(&r.Region, &r.ProductID, &r.SumAmount, &r.Count); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
