// ============================================================================
// SalesGrid End-to-End Integration Tests
// ============================================================================
//
// Spins up real worker agents on loopback TCP and drives whole jobs
// through the coordinator: happy path across a pool, and a worker killed
// while holding an assignment. The bar in every scenario is the same: the
// distributed result must equal a single pass over the records, with the
// sink written exactly once.
//
// ============================================================================

package integration

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/salesgrid/salesgrid/internal/agent"
	"github.com/salesgrid/salesgrid/internal/aggregate"
	"github.com/salesgrid/salesgrid/internal/coordinator"
	"github.com/salesgrid/salesgrid/internal/dataset"
	"github.com/salesgrid/salesgrid/internal/sink"
	"github.com/salesgrid/salesgrid/pkg/types"
)

const heartbeatEvery = 25 * time.Millisecond

func testConfig(addrs []string) coordinator.Config {
	return coordinator.Config{
		ChunkSize:          100,
		WorkerAddresses:    addrs,
		AssignmentTimeout:  3 * time.Second,
		HeartbeatInterval:  heartbeatEvery,
		MaxRetriesPerChunk: 3,
		SweepInterval:      10 * time.Millisecond,
		DeadPoolSweeps:     200,
		DialTimeout:        time.Second,
	}
}

// slowSource delays every read so chunks stay in flight long enough to
// kill a worker mid-assignment. firstRead closes when any worker starts
// computing.
type slowSource struct {
	inner dataset.Source
	delay time.Duration

	once      sync.Once
	firstRead chan struct{}
}

func newSlowSource(inner dataset.Source, delay time.Duration) *slowSource {
	return &slowSource{inner: inner, delay: delay, firstRead: make(chan struct{})}
}

func (s *slowSource) ReadRange(start, end int) ([]types.SalesRecord, error) {
	s.once.Do(func() { close(s.firstRead) })
	time.Sleep(s.delay)
	return s.inner.ReadRange(start, end)
}

func (s *slowSource) TotalCount() int { return s.inner.TotalCount() }

func requireSameAggregate(t *testing.T, got, want aggregate.Partial) {
	t.Helper()
	require.Len(t, got, len(want), "group count")
	for key, wb := range want {
		gb, ok := got[key]
		require.True(t, ok, "missing group %+v", key)
		require.Equal(t, wb.Count, gb.Count, "count for %+v", key)
		require.InDelta(t, wb.SumAmount, gb.SumAmount, 1e-6, "sum for %+v", key)
	}
}

func TestDistributedAggregation(t *testing.T) {
	records := dataset.GenerateRecords(dataset.GenerateConfig{Rows: 1000, Seed: 42})
	src := dataset.NewMemorySource(records)

	addrs := make([]string, 3)
	for i := range addrs {
		a := agent.New(src, agent.WithHeartbeatInterval(heartbeatEvery))
		addr, err := a.Start("127.0.0.1:0")
		require.NoError(t, err)
		t.Cleanup(func() { a.Close() })
		addrs[i] = addr
	}

	dbPath := filepath.Join(t.TempDir(), "results.db")
	snk, err := sink.NewSQLiteSink(dbPath)
	require.NoError(t, err)
	defer snk.Close()

	c, err := coordinator.New(testConfig(addrs), coordinator.WithSink(snk))
	require.NoError(t, err)

	h, err := c.StartJob(src)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	got, err := h.Await(ctx)
	require.NoError(t, err)

	want := aggregate.Aggregate(records)
	requireSameAggregate(t, got, want)

	// The sink holds the same rows the job produced.
	rows, err := snk.Rows(context.Background())
	require.NoError(t, err)
	persisted := aggregate.FromRows(rows)
	requireSameAggregate(t, persisted, want)
	require.Equal(t, int64(1000), persisted.TotalCount())
}

func TestWorkerKilledMidJob(t *testing.T) {
	records := dataset.GenerateRecords(dataset.GenerateConfig{Rows: 1000, Seed: 77})
	src := newSlowSource(dataset.NewMemorySource(records), 30*time.Millisecond)

	agents := make([]*agent.Agent, 3)
	addrs := make([]string, 3)
	for i := range agents {
		agents[i] = agent.New(src, agent.WithHeartbeatInterval(heartbeatEvery))
		addr, err := agents[i].Start("127.0.0.1:0")
		require.NoError(t, err)
		addrs[i] = addr
	}
	t.Cleanup(func() {
		for _, a := range agents {
			a.Close()
		}
	})

	c, err := coordinator.New(testConfig(addrs))
	require.NoError(t, err)

	h, err := c.StartJob(src)
	require.NoError(t, err)

	// Kill one worker once computation has started; its assignment must
	// requeue and land on a survivor.
	select {
	case <-src.firstRead:
	case <-time.After(10 * time.Second):
		t.Fatal("no worker started computing")
	}
	require.NoError(t, agents[0].Close())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	got, err := h.Await(ctx)
	require.NoError(t, err)

	// Every record counted exactly once despite the retries.
	want := aggregate.Aggregate(records)
	require.Equal(t, want.TotalCount(), got.TotalCount())
	require.InDelta(t, want.TotalAmount(), got.TotalAmount(), 1e-6)
	requireSameAggregate(t, got, want)
}
