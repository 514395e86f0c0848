// ============================================================================
// SalesGrid Coordinator - Control Loop
// ============================================================================
//
// Package: internal/coordinator
// File: coordinator.go
// Purpose: Partitions the dataset into chunks, dispatches them to worker
//          agents over TCP, merges returned partial aggregates, and
//          recovers from slow, failed, or dead workers.
//
// Core loops and ownership:
//   One control-loop goroutine per job owns jobState and the worker
//   registry outright. It consumes a single event channel fed by the
//   per-connection I/O goroutines (worker-connected, worker-response,
//   heartbeat, disconnect) plus a periodic sweep tick. No locks guard the
//   scheduling state because nothing else ever touches it.
//
// Failure handling:
//   - Assignment deadline exceeded: worker marked Suspected, chunk
//     requeued at the FRONT of the pending queue.
//   - Three missed heartbeats: worker marked Dead, its chunk requeued
//     immediately, connection torn down (the manager redials).
//   - Chunk dispatched more than 1+maxRetriesPerChunk times without
//     completing: job fails with ErrChunkRetriesExhausted.
//   - Whole pool lost with work remaining, no recovery within the sweep
//     window: job fails with ErrAllWorkersDead.
//
// Correctness:
//   The final aggregate must equal Aggregate(all records) no matter how
//   many times chunks were retried. Merging is gated on the completed-
//   chunk set (jobstate.go), so a late duplicate response for a finished
//   chunk is discarded, never double-counted.
//
// ============================================================================

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/salesgrid/salesgrid/internal/aggregate"
	"github.com/salesgrid/salesgrid/internal/checkpoint"
	"github.com/salesgrid/salesgrid/internal/dataset"
	"github.com/salesgrid/salesgrid/internal/metrics"
	"github.com/salesgrid/salesgrid/internal/protocol"
	"github.com/salesgrid/salesgrid/internal/sink"
	"github.com/salesgrid/salesgrid/pkg/types"
)

const (
	initialRedialBackoff = 250 * time.Millisecond
	maxRedialBackoff     = 5 * time.Second

	// missedHeartbeatLimit is how many consecutive heartbeat intervals may
	// elapse silently before a worker is declared Dead.
	missedHeartbeatLimit = 3
)

// Config carries the recognized coordinator options.
type Config struct {
	// ChunkSize is the number of records per chunk; the last chunk of a
	// job may be shorter.
	ChunkSize int
	// WorkerAddresses is the fixed pool of worker TCP endpoints.
	WorkerAddresses []string
	// AssignmentTimeout is the base deadline for one chunk attempt.
	AssignmentTimeout time.Duration
	// PerRecordCost scales the deadline with chunk length, so larger
	// chunks get proportionally more time: deadline = AssignmentTimeout +
	// PerRecordCost × len(chunk).
	PerRecordCost time.Duration
	// HeartbeatInterval is the expected worker heartbeat cadence. Must
	// satisfy HeartbeatInterval × 3 < AssignmentTimeout.
	HeartbeatInterval time.Duration
	// MaxRetriesPerChunk bounds re-dispatches of a single chunk beyond
	// its first attempt.
	MaxRetriesPerChunk int
	// SweepInterval is how often deadlines and heartbeats are checked.
	SweepInterval time.Duration
	// DeadPoolSweeps is how many consecutive sweeps the pool may be fully
	// dead before the job aborts with ErrAllWorkersDead.
	DeadPoolSweeps int
	// DialTimeout bounds worker connection establishment.
	DialTimeout time.Duration
}

func (cfg *Config) withDefaults() Config {
	out := *cfg
	if out.AssignmentTimeout == 0 {
		out.AssignmentTimeout = 10 * time.Second
	}
	if out.HeartbeatInterval == 0 {
		out.HeartbeatInterval = 2 * time.Second
	}
	if out.MaxRetriesPerChunk == 0 {
		out.MaxRetriesPerChunk = 3
	}
	if out.SweepInterval == 0 {
		out.SweepInterval = 500 * time.Millisecond
	}
	if out.DeadPoolSweeps == 0 {
		out.DeadPoolSweeps = 20
	}
	if out.DialTimeout == 0 {
		out.DialTimeout = 3 * time.Second
	}
	return out
}

func (cfg Config) validate() error {
	if cfg.ChunkSize <= 0 {
		return &ConfigError{Option: "chunkSize", Reason: fmt.Sprintf("must be positive, got %d", cfg.ChunkSize)}
	}
	if len(cfg.WorkerAddresses) == 0 {
		return &ConfigError{Option: "workerAddresses", Reason: "worker pool is empty"}
	}
	if cfg.MaxRetriesPerChunk < 0 {
		return &ConfigError{Option: "maxRetriesPerChunk", Reason: "must not be negative"}
	}
	if cfg.HeartbeatInterval*missedHeartbeatLimit >= cfg.AssignmentTimeout {
		return &ConfigError{
			Option: "heartbeatInterval",
			Reason: fmt.Sprintf("heartbeat interval ×%d (%s) must stay below assignment timeout (%s)",
				missedHeartbeatLimit, cfg.HeartbeatInterval*missedHeartbeatLimit, cfg.AssignmentTimeout),
		}
	}
	return nil
}

// Coordinator builds and runs distribution jobs against a fixed worker pool.
type Coordinator struct {
	cfg     Config
	sink    sink.Sink
	ckpt    *checkpoint.Manager
	metrics *metrics.Collector
	log     *slog.Logger
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithSink sets the destination for the final aggregate. Persist is called
// exactly once per successful job.
func WithSink(s sink.Sink) Option {
	return func(c *Coordinator) { c.sink = s }
}

// WithCheckpoint enables periodic job-progress checkpoints so a restarted
// coordinator can resume, skipping already-completed chunks.
func WithCheckpoint(m *checkpoint.Manager) Option {
	return func(c *Coordinator) { c.ckpt = m }
}

// WithMetrics wires a Prometheus collector into the control loop.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// New validates the configuration and builds a Coordinator. Returns a
// *ConfigError for invalid parameters.
func New(cfg Config, opts ...Option) (*Coordinator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{cfg: cfg, log: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// JobHandle tracks one running job. Await blocks the caller; Abort cancels
// the job. Neither interferes with the control loop's dispatching.
type JobHandle struct {
	done      chan struct{}
	abortCh   chan struct{}
	abortOnce sync.Once

	// written once by the control loop before done is closed
	result aggregate.Partial
	err    error
}

// Await blocks until every chunk is completed exactly once or the job
// fails, returning the final aggregate or a *JobError. The ctx only bounds
// the wait; cancelling it does not abort the job.
func (h *JobHandle) Await(ctx context.Context) (aggregate.Partial, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return h.result, h.err
	}
}

// Abort cancels the job: worker connections stop accepting further work
// and outstanding Await calls resolve with ErrAborted. Safe to call more
// than once, and a no-op after the job has finished.
func (h *JobHandle) Abort() {
	h.abortOnce.Do(func() { close(h.abortCh) })
}

// job is the runtime state of one StartJob call.
type job struct {
	cfg    Config
	coord  *Coordinator
	st     *jobState
	handle *JobHandle

	// workers is keyed by dial address: one pool slot per configured
	// endpoint. byID indexes live identities for event routing. Both are
	// owned by the control loop.
	workers map[string]*workerState
	byID    map[types.WorkerID]*workerState

	events chan any
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *slog.Logger

	deadSweeps int
	startedAt  time.Time
}

// StartJob partitions the dataset, connects the worker pool, and starts
// the control loop. It returns immediately; use the handle to Await the
// final aggregate.
func (c *Coordinator) StartJob(src dataset.Source) (*JobHandle, error) {
	total := src.TotalCount()
	st := newJobState(total, c.cfg.ChunkSize)

	handle := &JobHandle{
		done:    make(chan struct{}),
		abortCh: make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		cfg:       c.cfg,
		coord:     c,
		st:        st,
		handle:    handle,
		workers:   make(map[string]*workerState, len(c.cfg.WorkerAddresses)),
		byID:      make(map[types.WorkerID]*workerState),
		events:    make(chan any, 256),
		ctx:       ctx,
		cancel:    cancel,
		log:       c.log,
		startedAt: time.Now(),
	}
	for _, addr := range c.cfg.WorkerAddresses {
		j.workers[addr] = &workerState{addr: addr, status: types.WorkerIdle, assigned: noChunk}
	}

	c.resumeFromCheckpoint(j, total)

	j.log.Info("job started",
		"records", total,
		"chunks", len(st.chunks),
		"chunk_size", c.cfg.ChunkSize,
		"workers", len(c.cfg.WorkerAddresses),
		"remaining", st.remaining())

	for _, addr := range c.cfg.WorkerAddresses {
		j.wg.Add(1)
		go j.manageWorker(addr)
	}
	go j.run()

	return handle, nil
}

// resumeFromCheckpoint pre-marks completed chunks recorded by a previous
// run of the same job. Safe because merge is gated per chunk: replaying a
// partially-completed job never double-counts.
func (c *Coordinator) resumeFromCheckpoint(j *job, totalRecords int) {
	if c.ckpt == nil {
		return
	}
	data, err := c.ckpt.Load()
	if err != nil {
		if !errors.Is(err, checkpoint.ErrNotFound) {
			c.log.Warn("checkpoint unreadable, starting fresh", "error", err)
		}
		return
	}
	if data.ChunkSize != c.cfg.ChunkSize || data.TotalRecords != totalRecords {
		c.log.Warn("checkpoint does not match job, starting fresh",
			"checkpoint_chunk_size", data.ChunkSize,
			"checkpoint_records", data.TotalRecords)
		return
	}

	for _, id := range data.CompletedChunks {
		cid := types.ChunkID(id)
		j.st.completed[cid] = struct{}{}
		j.st.removePending(cid)
	}
	j.st.acc = aggregate.FromRows(data.Rows)
	c.log.Info("resumed from checkpoint", "completed_chunks", len(data.CompletedChunks))
}

// ============================================================================
// Control loop
// ============================================================================

func (j *job) run() {
	sweep := time.NewTicker(j.cfg.SweepInterval)
	defer sweep.Stop()

	// A dataset smaller than one chunk completes without dispatching.
	if j.st.done() {
		j.finish(j.st.acc, nil)
		return
	}

	for {
		select {
		case <-j.handle.abortCh:
			j.finish(nil, &JobError{Reason: ErrAborted})
			return

		case ev := <-j.events:
			if fatal := j.handleEvent(ev); fatal != nil {
				j.finish(nil, fatal)
				return
			}

		case now := <-sweep.C:
			if fatal := j.sweep(now); fatal != nil {
				j.finish(nil, fatal)
				return
			}
		}

		j.dispatch()

		if j.st.done() {
			j.finish(j.st.acc, nil)
			return
		}
	}
}

func (j *job) handleEvent(ev any) *JobError {
	switch e := ev.(type) {
	case evConnected:
		j.onConnected(e.conn)
	case evDisconnected:
		return j.onDisconnected(e)
	case evHeartbeat:
		if ws := j.byID[e.workerID]; ws != nil {
			ws.lastHeartbeat = time.Now()
		}
	case evResponse:
		return j.onResponse(e)
	}
	return nil
}

func (j *job) onConnected(wc *workerConn) {
	ws := j.workers[wc.addr]
	if ws == nil {
		// Shouldn't happen: managers only dial configured addresses.
		j.log.Warn("connection for unknown address", "addr", wc.addr)
		wc.close()
		return
	}
	if ws.conn != nil {
		ws.conn.close()
	}
	if ws.id != "" {
		delete(j.byID, ws.id)
	}

	ws.id = wc.id
	ws.conn = wc
	ws.connected = true
	ws.status = types.WorkerIdle
	ws.assigned = noChunk
	ws.lastHeartbeat = time.Now()
	j.byID[wc.id] = ws
	j.deadSweeps = 0

	j.log.Info("worker connected", "worker", wc.id, "addr", wc.addr)
}

func (j *job) onDisconnected(e evDisconnected) *JobError {
	ws := j.workers[e.addr]
	if ws == nil || ws.id != e.id {
		return nil // stale event from an already-replaced connection
	}
	ws.connected = false
	ws.conn = nil
	j.log.Warn("worker disconnected", "worker", e.id, "addr", e.addr, "error", e.err)

	// In-flight work on a lost connection is abandoned by the worker;
	// requeue it right away instead of waiting for the deadline sweep.
	if id := ws.assigned; id != noChunk {
		ws.assigned = noChunk
		ws.status = types.WorkerIdle
		return j.failAttempt(id, "connection lost")
	}
	return nil
}

func (j *job) onResponse(e evResponse) *JobError {
	id := types.ChunkID(e.resp.ChunkID)

	ws := j.byID[e.workerID]
	if ws != nil {
		// Any frame proves liveness.
		ws.lastHeartbeat = time.Now()
		if ws.assigned == id {
			ws.assigned = noChunk
		}
		// A Suspected worker that finally answered is slow, not dead.
		if ws.status == types.WorkerBusy || ws.status == types.WorkerSuspected {
			ws.status = types.WorkerIdle
		}
	}

	if e.resp.Status == protocol.StatusError {
		if j.coord.metrics != nil {
			j.coord.metrics.RecordComputeError()
		}
		j.log.Warn("worker reported chunk error",
			"worker", e.workerID, "chunk", id, "error", e.resp.ErrorMessage)
		return j.failAttempt(id, "worker error: "+e.resp.ErrorMessage)
	}

	asg, tracked := j.st.inFlight[id]

	if !j.st.complete(id, aggregate.FromRows(e.resp.Partial)) {
		// Late duplicate from a retried attempt: the chunk already
		// counted exactly once, discard silently.
		if j.coord.metrics != nil {
			j.coord.metrics.RecordDuplicate()
		}
		j.log.Debug("duplicate response discarded", "worker", e.workerID, "chunk", id)
		return nil
	}

	var latency time.Duration
	if tracked {
		latency = time.Since(asg.DispatchedAt)
	}
	if j.coord.metrics != nil {
		// A completion from a superseded attempt (the chunk was requeued,
		// no active assignment) has no dispatch time to measure against;
		// count it without skewing the latency histogram.
		if tracked {
			j.coord.metrics.RecordCompleted(latency.Seconds())
		} else {
			j.coord.metrics.RecordLateCompletion()
		}
	}
	j.log.Debug("chunk completed",
		"worker", e.workerID, "chunk", id,
		"latency", latency, "remaining", j.st.remaining())
	return nil
}

// failAttempt handles one failed attempt at a chunk: requeue at the front
// of the queue, or declare the job failed once the retry budget is gone.
// No-op when a concurrent retry already completed the chunk.
func (j *job) failAttempt(id types.ChunkID, cause string) *JobError {
	if j.st.isCompleted(id) {
		return nil
	}
	if j.st.attempts[id] > j.cfg.MaxRetriesPerChunk {
		return &JobError{
			Reason: ErrChunkRetriesExhausted,
			Detail: fmt.Sprintf("%s failed %d times, last cause: %s", j.st.chunks[id], j.st.attempts[id], cause),
		}
	}
	j.st.requeueFront(id)
	if j.coord.metrics != nil {
		j.coord.metrics.RecordRequeue()
	}
	j.log.Info("chunk requeued", "chunk", id, "attempts", j.st.attempts[id], "cause", cause)
	return nil
}

// sweep runs the periodic failure detection: assignment deadlines, worker
// heartbeats, total pool loss, and progress checkpointing.
func (j *job) sweep(now time.Time) *JobError {
	// Deadline check: slow worker => Suspected, chunk retried elsewhere.
	for _, asg := range j.st.expired(now) {
		if ws := j.byID[asg.WorkerID]; ws != nil && ws.assigned == asg.ChunkID {
			ws.status = types.WorkerSuspected
			ws.assigned = noChunk
		}
		j.log.Warn("assignment deadline exceeded",
			"chunk", asg.ChunkID, "worker", asg.WorkerID, "attempt", asg.Attempt)
		if fatal := j.failAttempt(asg.ChunkID, "deadline exceeded"); fatal != nil {
			return fatal
		}
	}

	// Heartbeat check: silence => Dead, assignment reclaimed immediately.
	for _, ws := range j.workers {
		if !ws.connected || ws.status == types.WorkerDead {
			continue
		}
		if now.Sub(ws.lastHeartbeat) >= missedHeartbeatLimit*j.cfg.HeartbeatInterval {
			ws.status = types.WorkerDead
			if j.coord.metrics != nil {
				j.coord.metrics.RecordWorkerDeath()
			}
			j.log.Warn("worker marked dead",
				"worker", ws.id, "addr", ws.addr,
				"last_heartbeat", ws.lastHeartbeat)

			if id := ws.assigned; id != noChunk {
				ws.assigned = noChunk
				if fatal := j.failAttempt(id, "worker dead"); fatal != nil {
					return fatal
				}
			}
			if ws.conn != nil {
				ws.conn.close() // manager redials; reconnect revives the slot
			}
		}
	}

	// Total pool loss: give the redial managers a bounded window before
	// declaring the job unrecoverable.
	alive := 0
	for _, ws := range j.workers {
		if ws.alive() {
			alive++
		}
	}
	if alive == 0 && !j.st.done() {
		j.deadSweeps++
		if j.deadSweeps >= j.cfg.DeadPoolSweeps {
			return &JobError{
				Reason: ErrAllWorkersDead,
				Detail: fmt.Sprintf("%d chunks unfinished", j.st.remaining()),
			}
		}
	} else {
		j.deadSweeps = 0
	}

	j.writeCheckpoint()

	if j.coord.metrics != nil {
		pending, inFlight, _ := j.st.stats()
		j.coord.metrics.SetQueueStats(pending, inFlight)
		j.coord.metrics.SetLiveWorkers(alive)
	}
	return nil
}

// dispatch hands pending chunks to idle connected workers, oldest retry
// first. Called after every event so a worker never sits idle while work
// is queued.
func (j *job) dispatch() {
	now := time.Now()
	j.dispatchTo(types.WorkerIdle, now)

	// A pool where every connected worker is Suspected would stall
	// forever: nothing is Idle, nothing is computing. Retry on the
	// suspected workers instead, so a wedged pool burns through the retry
	// budget and fails loudly rather than hanging.
	if len(j.st.pending) > 0 && !j.anyWorkerProgressing() {
		j.dispatchTo(types.WorkerSuspected, now)
	}
}

func (j *job) anyWorkerProgressing() bool {
	for _, ws := range j.workers {
		if ws.connected && (ws.status == types.WorkerIdle || ws.status == types.WorkerBusy) {
			return true
		}
	}
	return false
}

func (j *job) dispatchTo(status types.WorkerStatus, now time.Time) {
	for _, addr := range j.cfg.WorkerAddresses {
		ws := j.workers[addr]
		if !ws.connected || ws.status != status || ws.assigned != noChunk {
			continue
		}

		chunk, ok := j.st.popPending()
		if !ok {
			return
		}

		asg := types.Assignment{
			ChunkID:      chunk.ID,
			WorkerID:     ws.id,
			Attempt:      j.st.attempts[chunk.ID] + 1,
			DispatchedAt: now,
			Deadline:     now.Add(j.cfg.AssignmentTimeout + time.Duration(chunk.Len())*j.cfg.PerRecordCost),
		}
		j.st.markInFlight(asg)

		sent := ws.conn.send(protocol.ChunkRequest{
			ChunkID:    int(chunk.ID),
			RangeStart: chunk.Start,
			RangeEnd:   chunk.End,
		})
		if !sent {
			// Writer wedged; treat like a lost connection.
			j.st.requeueFront(chunk.ID)
			ws.conn.close()
			ws.connected = false
			continue
		}

		ws.status = types.WorkerBusy
		ws.assigned = chunk.ID
		if j.coord.metrics != nil {
			j.coord.metrics.RecordDispatch()
		}
		j.log.Debug("chunk dispatched",
			"chunk", chunk.ID, "worker", ws.id,
			"attempt", asg.Attempt, "deadline", asg.Deadline)
	}
}

// writeCheckpoint persists current progress; failures are logged, never
// fatal, because the checkpoint is an optimization.
func (j *job) writeCheckpoint() {
	if j.coord.ckpt == nil {
		return
	}
	if err := j.coord.ckpt.Write(j.checkpointData()); err != nil {
		j.log.Warn("checkpoint write failed", "error", err)
	}
}

func (j *job) checkpointData() checkpoint.Data {
	ids := make([]int, 0, len(j.st.completed))
	for id := range j.st.completed {
		ids = append(ids, int(id))
	}
	total := 0
	for _, c := range j.st.chunks {
		total += c.Len()
	}
	return checkpoint.Data{
		ChunkSize:       j.cfg.ChunkSize,
		TotalRecords:    total,
		CompletedChunks: ids,
		Rows:            j.st.acc.Rows(),
	}
}

// finish resolves the job exactly once: tears down connections, persists
// the final aggregate on success, and releases Await callers.
func (j *job) finish(result aggregate.Partial, jobErr *JobError) {
	j.cancel()
	for _, ws := range j.workers {
		if ws.conn != nil {
			ws.conn.close()
		}
	}
	j.wg.Wait()

	if jobErr != nil {
		j.log.Error("job failed", "error", jobErr, "elapsed", time.Since(j.startedAt))
		j.handle.err = jobErr
		close(j.handle.done)
		return
	}

	j.writeCheckpoint()

	// Persist is called exactly once per successful job. Retrying a
	// failed persist is the sink layer's concern, not the coordinator's.
	if j.coord.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := j.coord.sink.Persist(ctx, result); err != nil {
			j.log.Error("persist failed", "error", err)
		}
	}

	j.log.Info("job completed",
		"groups", len(result),
		"records", result.TotalCount(),
		"total_amount", result.TotalAmount(),
		"elapsed", time.Since(j.startedAt))

	j.handle.result = result
	close(j.handle.done)
}
