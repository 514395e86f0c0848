// ============================================================================
// SalesGrid Coordinator - Worker Connections & Registry
// ============================================================================
//
// Package: internal/coordinator
// File: workers.go
// Purpose: Per-worker TCP connection management and the coordinator-side
//          view of each worker's liveness.
//
// Connection model:
//   The coordinator dials every configured worker address and keeps one
//   long-lived connection per worker for the duration of the job. Each
//   connection gets two goroutines:
//     - reader: blocks on ReadFrame, posts events into the control loop
//     - writer: drains an outbox channel, writes ChunkRequest frames
//   Neither goroutine ever touches jobState; a read/write suspends only
//   its own connection's task, never the control loop.
//
//   Connection loss is recovered locally: the manager redials with backoff
//   until the job finishes, and the control loop requeues whatever the
//   lost worker was holding.
//
// Liveness:
//   workerState tracks {Idle, Busy, Suspected, Dead} plus the heartbeat
//   clock. Transitions are driven by the control loop (see coordinator.go):
//   deadline miss => Suspected, three missed heartbeats => Dead.
//
// ============================================================================

package coordinator

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/salesgrid/salesgrid/internal/protocol"
	"github.com/salesgrid/salesgrid/pkg/types"
)

// workerState is the control loop's view of one worker pool slot. Owned
// exclusively by the control loop, like jobState.
type workerState struct {
	addr          string
	id            types.WorkerID
	status        types.WorkerStatus
	connected     bool
	lastHeartbeat time.Time
	assigned      types.ChunkID
	conn          *workerConn
}

// alive reports whether the worker can currently accept or finish work.
func (ws *workerState) alive() bool {
	return ws.connected && ws.status != types.WorkerDead
}

// workerConn is the I/O side of one live connection. The control loop only
// holds this lightweight handle; the raw net.Conn is owned by the reader
// and writer goroutines.
type workerConn struct {
	id     types.WorkerID
	addr   string
	conn   net.Conn
	outbox chan protocol.ChunkRequest

	closeOnce sync.Once
}

func (wc *workerConn) close() {
	wc.closeOnce.Do(func() {
		close(wc.outbox)
		wc.conn.Close()
	})
}

// send queues a chunk request without ever blocking the control loop.
// A full outbox means the writer is wedged; the caller treats that like a
// connection loss.
func (wc *workerConn) send(req protocol.ChunkRequest) bool {
	select {
	case wc.outbox <- req:
		return true
	default:
		return false
	}
}

// ============================================================================
// Control loop events
// ============================================================================

type evConnected struct {
	conn *workerConn
}

type evDisconnected struct {
	addr string
	id   types.WorkerID
	err  error
}

type evResponse struct {
	workerID types.WorkerID
	resp     protocol.ChunkResponse
}

type evHeartbeat struct {
	workerID types.WorkerID
	sentAt   time.Time
}

// ============================================================================
// Connection manager
// ============================================================================

// manageWorker dials addr and services the connection until the job's
// context is cancelled. Runs as one goroutine per configured address.
func (j *job) manageWorker(addr string) {
	defer j.wg.Done()

	backoff := initialRedialBackoff
	for {
		select {
		case <-j.ctx.Done():
			return
		default:
		}

		wc, err := j.dialWorker(addr)
		if err != nil {
			j.log.Debug("worker dial failed", "addr", addr, "error", err, "backoff", backoff)
			select {
			case <-j.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxRedialBackoff {
				backoff = maxRedialBackoff
			}
			continue
		}
		backoff = initialRedialBackoff

		// Tie the connection's lifetime to the job. A dial can complete
		// concurrently with job completion; without this the conn would
		// never be registered with the control loop, nothing would close
		// it, and readLoop would block forever on a healthy connection.
		stop := context.AfterFunc(j.ctx, wc.close)
		j.post(evConnected{conn: wc})
		err = j.readLoop(wc)
		stop()
		wc.close()
		j.post(evDisconnected{addr: addr, id: wc.id, err: err})
	}
}

// dialWorker establishes the connection and performs the hello exchange:
// the worker identifies itself in the first frame.
func (j *job) dialWorker(addr string) (*workerConn, error) {
	conn, err := net.DialTimeout("tcp", addr, j.cfg.DialTimeout)
	if err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(j.cfg.DialTimeout))
	env, err := protocol.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read hello: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	if env.Type != protocol.MsgHello {
		conn.Close()
		return nil, fmt.Errorf("expected HELLO, got %s", env.Type)
	}
	var hello protocol.Hello
	if err := protocol.Decode(env, &hello); err != nil {
		conn.Close()
		return nil, err
	}
	if hello.WorkerID == "" {
		conn.Close()
		return nil, fmt.Errorf("worker at %s sent empty id", addr)
	}

	wc := &workerConn{
		id:     types.WorkerID(hello.WorkerID),
		addr:   addr,
		conn:   conn,
		outbox: make(chan protocol.ChunkRequest, 16),
	}
	go wc.writeLoop()
	return wc, nil
}

// writeLoop drains the outbox. A write failure closes the connection,
// which in turn unblocks the reader and triggers the disconnect path.
func (wc *workerConn) writeLoop() {
	for req := range wc.outbox {
		if err := protocol.WriteFrame(wc.conn, protocol.MsgChunkRequest, req); err != nil {
			wc.conn.Close()
			return
		}
	}
}

// readLoop translates incoming frames into control loop events. Frames from
// one connection are posted in receive order, so the control loop sees each
// worker's events FIFO.
func (j *job) readLoop(wc *workerConn) error {
	for {
		env, err := protocol.ReadFrame(wc.conn)
		if err != nil {
			return err
		}

		switch env.Type {
		case protocol.MsgChunkResponse:
			var resp protocol.ChunkResponse
			if err := protocol.Decode(env, &resp); err != nil {
				return err
			}
			j.post(evResponse{workerID: wc.id, resp: resp})

		case protocol.MsgHeartbeat:
			var hb protocol.Heartbeat
			if err := protocol.Decode(env, &hb); err != nil {
				return err
			}
			j.post(evHeartbeat{workerID: wc.id, sentAt: time.UnixMilli(hb.SentAtMs)})

		default:
			j.log.Warn("unexpected frame from worker", "worker", wc.id, "type", env.Type)
		}
	}
}

// post delivers an event to the control loop, dropping it if the job has
// already finished.
func (j *job) post(ev any) {
	select {
	case j.events <- ev:
	case <-j.ctx.Done():
	}
}
