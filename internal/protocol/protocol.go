// ============================================================================
// SalesGrid Wire Protocol - Message Definitions
// ============================================================================
//
// Package: internal/protocol
// File: protocol.go
// Purpose: Typed messages exchanged between coordinator and worker agents.
//
// Framing (see frame.go):
//   Each message travels as [4-byte big-endian length][JSON envelope].
//   The envelope carries the message type tag plus the raw payload, so a
//   reader can dispatch on type before decoding the body.
//
// Message flow:
//   worker  -> coordinator: HELLO          (once, immediately after connect)
//   coordinator -> worker : CHUNK_REQUEST  (one per assignment)
//   worker  -> coordinator: CHUNK_RESPONSE (result or in-band error)
//   worker  -> coordinator: HEARTBEAT      (periodic liveness signal)
//
// Compute failures are reported inside a CHUNK_RESPONSE with Status=Error
// instead of closing the connection, so the coordinator can requeue the
// chunk without tearing down the worker.
//
// ============================================================================

package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/salesgrid/salesgrid/internal/aggregate"
)

// MsgType tags the payload carried by an envelope.
type MsgType string

const (
	MsgHello         MsgType = "HELLO"
	MsgChunkRequest  MsgType = "CHUNK_REQUEST"
	MsgChunkResponse MsgType = "CHUNK_RESPONSE"
	MsgHeartbeat     MsgType = "HEARTBEAT"
)

// ChunkStatus reports the outcome of a chunk computation.
type ChunkStatus string

const (
	StatusOk    ChunkStatus = "ok"
	StatusError ChunkStatus = "error"
)

// Envelope wraps every frame payload with its type tag.
type Envelope struct {
	Type    MsgType         `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Hello identifies a worker to the coordinator right after the TCP
// connection is established.
type Hello struct {
	WorkerID string `json:"worker_id"`
	// Addr is the worker's listen address, used for log correlation only.
	Addr string `json:"addr,omitempty"`
}

// ChunkRequest assigns one chunk to a worker. Range bounds are record
// indices into the shared Record Source, half-open [RangeStart, RangeEnd).
type ChunkRequest struct {
	ChunkID    int `json:"chunk_id"`
	RangeStart int `json:"range_start"`
	RangeEnd   int `json:"range_end"`
}

// ChunkResponse carries the partial aggregate for a chunk, or an in-band
// error message when the worker failed to read or compute the range.
type ChunkResponse struct {
	ChunkID      int             `json:"chunk_id"`
	Status       ChunkStatus     `json:"status"`
	Partial      []aggregate.Row `json:"partial,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// Heartbeat is the liveness signal a worker emits between assignments (and
// while computing, so a slow worker is distinguishable from a dead one).
type Heartbeat struct {
	WorkerID string `json:"worker_id"`
	SentAtMs int64  `json:"sent_at_ms"`
}

// Decode unmarshals the envelope payload into msg, which must match the
// envelope's type tag.
func Decode(env *Envelope, msg any) error {
	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return nil
}
