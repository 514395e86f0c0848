// Package types defines the core domain model shared by the SalesGrid
// coordinator, worker agent, and aggregation layers.
package types

import (
	"fmt"
	"time"
)

// ChunkID uniquely identifies one contiguous slice of the dataset.
// IDs are monotonic, assigned once at job start during partitioning.
type ChunkID int

// WorkerID uniquely identifies a worker agent process.
type WorkerID string

// WorkerStatus represents the coordinator's view of a worker's liveness.
type WorkerStatus string

// Worker liveness states. Suspected is distinct from Dead: a Suspected
// worker has missed an assignment deadline but may still respond, while a
// Dead worker has stopped heartbeating entirely.
const (
	WorkerIdle      WorkerStatus = "idle"      // Connected, ready for an assignment
	WorkerBusy      WorkerStatus = "busy"      // Currently processing a chunk
	WorkerSuspected WorkerStatus = "suspected" // Missed an assignment deadline
	WorkerDead      WorkerStatus = "dead"      // Missed three consecutive heartbeats
)

// SalesRecord is a single immutable sales transaction. The column set
// mirrors the CSV layout produced by the dataset generator.
type SalesRecord struct {
	TransactionID int64     `json:"transaction_id"`
	OrderDate     time.Time `json:"order_date"`
	ProductID     int64     `json:"product_id"`
	ProductName   string    `json:"product_name"`
	Category      string    `json:"category"`
	Price         float64   `json:"price"`
	Quantity      int64     `json:"quantity"`
	CustomerID    int64     `json:"customer_id"`
	Region        string    `json:"region"`
}

// Amount is the derived sale value for the record.
func (r SalesRecord) Amount() float64 {
	return r.Price * float64(r.Quantity)
}

// Chunk describes one unit of work: a half-open range [Start, End) of
// record indices into the Record Source. Immutable once created.
type Chunk struct {
	ID    ChunkID `json:"id"`
	Start int     `json:"start"`
	End   int     `json:"end"`
}

// Len returns the number of records covered by the chunk.
func (c Chunk) Len() int {
	return c.End - c.Start
}

func (c Chunk) String() string {
	return fmt.Sprintf("chunk-%d[%d:%d]", c.ID, c.Start, c.End)
}

// Assignment records "this chunk, given to this worker, at this attempt".
// Exactly one assignment per chunk is active at any instant; superseded
// assignments are retained only for diagnostics.
type Assignment struct {
	ChunkID      ChunkID   `json:"chunk_id"`
	WorkerID     WorkerID  `json:"worker_id"`
	Attempt      int       `json:"attempt"`
	DispatchedAt time.Time `json:"dispatched_at"`
	Deadline     time.Time `json:"deadline"`
}
