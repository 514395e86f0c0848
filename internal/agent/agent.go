// ============================================================================
// SalesGrid Worker Agent
// ============================================================================
//
// Package: internal/agent
// File: agent.go
// Purpose: Worker side of the chunk protocol. The agent listens on TCP,
//          identifies itself with a HELLO frame when the coordinator
//          connects, heartbeats on a fixed cadence, and answers each
//          CHUNK_REQUEST with the partial aggregate of its record range.
//
// Liveness vs progress:
//   Heartbeats run on their own goroutine, so a worker grinding through a
//   large chunk still proves it is alive. Compute failures travel in-band
//   as an error-status CHUNK_RESPONSE; the connection stays up.
//
// Concurrency:
//   One connection at a time per agent (the coordinator owns the dial).
//   Chunk requests on a connection are served sequentially in arrival
//   order. A mutex serializes response and heartbeat frames so they never
//   interleave on the wire.
//
// ============================================================================

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/salesgrid/salesgrid/internal/aggregate"
	"github.com/salesgrid/salesgrid/internal/dataset"
	"github.com/salesgrid/salesgrid/internal/protocol"
	"github.com/salesgrid/salesgrid/pkg/types"
)

// Agent serves chunk computations from a local dataset copy.
type Agent struct {
	id                types.WorkerID
	src               dataset.Source
	heartbeatInterval time.Duration
	log               *slog.Logger

	mu     sync.Mutex
	ln     net.Listener
	active net.Conn
	closed bool

	wg sync.WaitGroup
}

// Option customizes an Agent.
type Option func(*Agent)

// WithHeartbeatInterval overrides the heartbeat cadence. Must match the
// coordinator's configured interval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(a *Agent) { a.heartbeatInterval = d }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.log = l }
}

// WithWorkerID fixes the worker identity instead of generating one.
// Intended for tests and diagnostics.
func WithWorkerID(id types.WorkerID) Option {
	return func(a *Agent) { a.id = id }
}

// New builds an Agent computing over src. Each Agent gets a unique worker
// identity; a restarted process is a new worker.
func New(src dataset.Source, opts ...Option) *Agent {
	a := &Agent{
		id:                types.WorkerID("worker-" + uuid.NewString()),
		src:               src,
		heartbeatInterval: 2 * time.Second,
		log:               slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ID returns the agent's worker identity.
func (a *Agent) ID() types.WorkerID {
	return a.id
}

// Start binds addr (use ":0" for an ephemeral port) and serves in the
// background until Close. Returns the bound address.
func (a *Agent) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen on %s: %w", addr, err)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		ln.Close()
		return "", errors.New("agent closed")
	}
	a.ln = ln
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.acceptLoop(ln)
	}()

	a.log.Info("agent listening", "worker", a.id, "addr", ln.Addr())
	return ln.Addr().String(), nil
}

// Serve binds addr and blocks until ctx is cancelled or the listener
// fails.
func (a *Agent) Serve(ctx context.Context, addr string) error {
	if _, err := a.Start(addr); err != nil {
		return err
	}
	<-ctx.Done()
	return a.Close()
}

// Close stops the listener and tears down the active connection.
func (a *Agent) Close() error {
	a.mu.Lock()
	a.closed = true
	ln := a.ln
	conn := a.active
	a.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	if conn != nil {
		conn.Close()
	}
	a.wg.Wait()
	return err
}

func (a *Agent) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return // listener closed
		}

		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			conn.Close()
			return
		}
		a.active = conn
		a.mu.Unlock()

		// The coordinator holds a single connection; serving inline keeps
		// one computation at a time per worker.
		a.serveConn(conn)

		a.mu.Lock()
		a.active = nil
		a.mu.Unlock()
	}
}

func (a *Agent) serveConn(conn net.Conn) {
	defer conn.Close()

	// writeMu serializes response and heartbeat frames on this connection.
	var writeMu sync.Mutex
	write := func(msgType protocol.MsgType, msg any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return protocol.WriteFrame(conn, msgType, msg)
	}

	hello := protocol.Hello{WorkerID: string(a.id), Addr: conn.LocalAddr().String()}
	if err := write(protocol.MsgHello, hello); err != nil {
		a.log.Warn("hello failed", "error", err)
		return
	}
	a.log.Info("coordinator connected", "remote", conn.RemoteAddr())

	stopHeartbeat := make(chan struct{})
	defer close(stopHeartbeat)
	go a.heartbeatLoop(write, stopHeartbeat)

	for {
		env, err := protocol.ReadFrame(conn)
		if err != nil {
			a.log.Info("coordinator disconnected", "remote", conn.RemoteAddr(), "error", err)
			return
		}
		if env.Type != protocol.MsgChunkRequest {
			a.log.Warn("unexpected frame", "type", env.Type)
			continue
		}

		var req protocol.ChunkRequest
		if err := protocol.Decode(env, &req); err != nil {
			a.log.Warn("bad chunk request", "error", err)
			return
		}

		if err := write(protocol.MsgChunkResponse, a.compute(req)); err != nil {
			a.log.Warn("response write failed", "chunk", req.ChunkID, "error", err)
			return
		}
	}
}

// heartbeatLoop emits HEARTBEAT frames until the connection is done. A
// write failure just stops the loop; the read side notices the broken
// connection on its own.
func (a *Agent) heartbeatLoop(write func(protocol.MsgType, any) error, stop <-chan struct{}) {
	ticker := time.NewTicker(a.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			hb := protocol.Heartbeat{WorkerID: string(a.id), SentAtMs: time.Now().UnixMilli()}
			if err := write(protocol.MsgHeartbeat, hb); err != nil {
				return
			}
		}
	}
}

// compute aggregates one chunk's record range. Failures are reported
// in-band so the coordinator can retry the chunk elsewhere.
func (a *Agent) compute(req protocol.ChunkRequest) protocol.ChunkResponse {
	started := time.Now()

	records, err := a.src.ReadRange(req.RangeStart, req.RangeEnd)
	if err != nil {
		a.log.Warn("chunk read failed",
			"chunk", req.ChunkID, "range_start", req.RangeStart, "range_end", req.RangeEnd, "error", err)
		return protocol.ChunkResponse{
			ChunkID:      req.ChunkID,
			Status:       protocol.StatusError,
			ErrorMessage: err.Error(),
		}
	}

	partial := aggregate.Aggregate(records)
	a.log.Debug("chunk computed",
		"chunk", req.ChunkID, "records", len(records),
		"groups", len(partial), "elapsed", time.Since(started))

	return protocol.ChunkResponse{
		ChunkID: req.ChunkID,
		Status:  protocol.StatusOk,
		Partial: partial.Rows(),
	}
}
