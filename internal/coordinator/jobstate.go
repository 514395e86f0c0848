// ============================================================================
// SalesGrid Coordinator - Job State Machine
// ============================================================================
//
// Package: internal/coordinator
// File: jobstate.go
// Purpose: Tracks the lifecycle of every chunk in a job.
//
// Chunk state transitions:
//   Pending (queued)
//      ↓ popPending() + markInFlight()
//   InFlight (assigned to a worker, deadline set)
//      ↓ complete()           or deadline/error/death → requeueFront()
//   Completed (merged exactly once into the accumulator)
//
// Data structures:
//   chunks    map[ChunkID]Chunk       - immutable chunk descriptors
//   pending   []ChunkID               - FIFO queue; retries go to the FRONT
//   inFlight  map[ChunkID]Assignment  - the single ACTIVE assignment per chunk
//   completed map[ChunkID]struct{}    - merge gate (at-most-once per chunk)
//   attempts  map[ChunkID]int         - dispatch count per chunk
//   acc       aggregate.Partial       - running merged result
//
// Concurrency:
//   NOT self-synchronized. jobState is owned exclusively by the
//   coordinator's control loop; every mutation happens on that one
//   goroutine. I/O goroutines never touch it, they only post events.
//
// ============================================================================

package coordinator

import (
	"time"

	"github.com/salesgrid/salesgrid/internal/aggregate"
	"github.com/salesgrid/salesgrid/pkg/types"
)

const noChunk = types.ChunkID(-1)

type jobState struct {
	chunks    map[types.ChunkID]types.Chunk
	pending   []types.ChunkID
	inFlight  map[types.ChunkID]types.Assignment
	completed map[types.ChunkID]struct{}
	attempts  map[types.ChunkID]int
	acc       aggregate.Partial

	// superseded keeps replaced assignments for diagnostics only; it is
	// never consulted by the scheduling logic.
	superseded []types.Assignment
}

// newJobState partitions totalRecords into chunks of chunkSize (the last
// chunk may be shorter) and queues them all as pending.
func newJobState(totalRecords, chunkSize int) *jobState {
	st := &jobState{
		chunks:    make(map[types.ChunkID]types.Chunk),
		inFlight:  make(map[types.ChunkID]types.Assignment),
		completed: make(map[types.ChunkID]struct{}),
		attempts:  make(map[types.ChunkID]int),
		acc:       aggregate.Identity(),
	}

	var id types.ChunkID
	for start := 0; start < totalRecords; start += chunkSize {
		end := start + chunkSize
		if end > totalRecords {
			end = totalRecords
		}
		st.chunks[id] = types.Chunk{ID: id, Start: start, End: end}
		st.pending = append(st.pending, id)
		id++
	}
	return st
}

// popPending removes and returns the next pending chunk, or (Chunk{}, false)
// when the queue is empty.
func (st *jobState) popPending() (types.Chunk, bool) {
	if len(st.pending) == 0 {
		return types.Chunk{}, false
	}
	id := st.pending[0]
	st.pending = st.pending[1:]
	return st.chunks[id], true
}

// markInFlight records the active assignment for a chunk. A previous
// assignment for the same chunk (a timed-out attempt being superseded) is
// moved to the diagnostics log.
func (st *jobState) markInFlight(asg types.Assignment) {
	if old, ok := st.inFlight[asg.ChunkID]; ok {
		st.superseded = append(st.superseded, old)
	}
	st.inFlight[asg.ChunkID] = asg
	st.attempts[asg.ChunkID] = asg.Attempt
}

// complete merges a chunk's partial into the accumulator, gated on
// set-membership: a chunk already in the completed set is never merged
// again, no matter how many responses arrive for it. Returns false when
// the response was a duplicate and was discarded.
func (st *jobState) complete(id types.ChunkID, partial aggregate.Partial) bool {
	if _, done := st.completed[id]; done {
		return false
	}
	st.completed[id] = struct{}{}
	st.acc = aggregate.MergeInto(st.acc, partial)

	delete(st.inFlight, id)
	st.removePending(id)
	return true
}

// requeueFront abandons the active assignment for a chunk and puts the
// chunk at the FRONT of the pending queue, prioritizing retries over fresh
// chunks to bound tail latency. No-op for completed chunks.
func (st *jobState) requeueFront(id types.ChunkID) {
	if _, done := st.completed[id]; done {
		return
	}
	if old, ok := st.inFlight[id]; ok {
		st.superseded = append(st.superseded, old)
		delete(st.inFlight, id)
	}
	for _, p := range st.pending {
		if p == id {
			return // already queued
		}
	}
	st.pending = append([]types.ChunkID{id}, st.pending...)
}

// removePending drops a chunk from the pending queue, preserving order.
// Needed when a late response completes a chunk that was requeued.
func (st *jobState) removePending(id types.ChunkID) {
	for i, p := range st.pending {
		if p == id {
			st.pending = append(st.pending[:i], st.pending[i+1:]...)
			return
		}
	}
}

// expired returns the active assignments whose deadline has passed.
func (st *jobState) expired(now time.Time) []types.Assignment {
	var out []types.Assignment
	for _, asg := range st.inFlight {
		if now.After(asg.Deadline) {
			out = append(out, asg)
		}
	}
	return out
}

// isCompleted reports whether a chunk has been merged.
func (st *jobState) isCompleted(id types.ChunkID) bool {
	_, done := st.completed[id]
	return done
}

// done reports whether every chunk has been merged exactly once.
func (st *jobState) done() bool {
	return len(st.completed) == len(st.chunks)
}

// remaining returns the number of chunks not yet completed.
func (st *jobState) remaining() int {
	return len(st.chunks) - len(st.completed)
}

// stats returns queue depth counters for logging and metrics.
func (st *jobState) stats() (pending, inFlight, completed int) {
	return len(st.pending), len(st.inFlight), len(st.completed)
}
