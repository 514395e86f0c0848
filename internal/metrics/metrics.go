// ============================================================================
// SalesGrid Metrics
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Prometheus instrumentation for the coordinator. Counters for
//          the chunk lifecycle (dispatched, completed, requeued), the
//          anomalies worth alerting on (duplicates discarded, compute
//          errors, worker deaths), and gauges for queue depth and pool
//          health. Exposed over HTTP by the CLI layer.
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the coordinator's Prometheus metrics. Construct one
// per registry with NewCollector; methods are safe for concurrent use.
type Collector struct {
	registry prometheus.Registerer

	chunksDispatched   prometheus.Counter
	chunksCompleted    prometheus.Counter
	chunksRequeued     prometheus.Counter
	duplicateResponses prometheus.Counter
	computeErrors      prometheus.Counter
	workerDeaths       prometheus.Counter

	chunkLatency prometheus.Histogram

	pendingChunks  prometheus.Gauge
	inFlightChunks prometheus.Gauge
	liveWorkers    prometheus.Gauge
}

// NewCollector builds and registers the coordinator metrics on reg. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh
// prometheus.NewRegistry so repeated construction never panics.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		registry: reg,
		chunksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "salesgrid_chunks_dispatched_total",
			Help: "Chunk assignments sent to workers, retries included.",
		}),
		chunksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "salesgrid_chunks_completed_total",
			Help: "Chunks merged into the job aggregate.",
		}),
		chunksRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "salesgrid_chunks_requeued_total",
			Help: "Chunks returned to the front of the pending queue after a failed attempt.",
		}),
		duplicateResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "salesgrid_duplicate_responses_total",
			Help: "Responses discarded because the chunk had already completed.",
		}),
		computeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "salesgrid_compute_errors_total",
			Help: "Chunk responses carrying a worker-side error.",
		}),
		workerDeaths: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "salesgrid_worker_deaths_total",
			Help: "Workers declared dead after missed heartbeats.",
		}),
		chunkLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "salesgrid_chunk_latency_seconds",
			Help:    "Time from chunk dispatch to accepted response.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		pendingChunks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "salesgrid_pending_chunks",
			Help: "Chunks waiting in the pending queue.",
		}),
		inFlightChunks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "salesgrid_in_flight_chunks",
			Help: "Chunks currently assigned to workers.",
		}),
		liveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "salesgrid_live_workers",
			Help: "Connected workers not marked dead.",
		}),
	}

	reg.MustRegister(
		c.chunksDispatched,
		c.chunksCompleted,
		c.chunksRequeued,
		c.duplicateResponses,
		c.computeErrors,
		c.workerDeaths,
		c.chunkLatency,
		c.pendingChunks,
		c.inFlightChunks,
		c.liveWorkers,
	)
	return c
}

func (c *Collector) RecordDispatch() {
	c.chunksDispatched.Inc()
}

// RecordCompleted counts one merged chunk and observes its dispatch-to-
// response latency.
func (c *Collector) RecordCompleted(latencySeconds float64) {
	c.chunksCompleted.Inc()
	c.chunkLatency.Observe(latencySeconds)
}

// RecordLateCompletion counts a merged chunk whose response arrived from a
// superseded attempt. There is no active assignment to time against, so
// the latency histogram is left untouched.
func (c *Collector) RecordLateCompletion() {
	c.chunksCompleted.Inc()
}

func (c *Collector) RecordRequeue() {
	c.chunksRequeued.Inc()
}

func (c *Collector) RecordDuplicate() {
	c.duplicateResponses.Inc()
}

func (c *Collector) RecordComputeError() {
	c.computeErrors.Inc()
}

func (c *Collector) RecordWorkerDeath() {
	c.workerDeaths.Inc()
}

func (c *Collector) SetQueueStats(pending, inFlight int) {
	c.pendingChunks.Set(float64(pending))
	c.inFlightChunks.Set(float64(inFlight))
}

func (c *Collector) SetLiveWorkers(n int) {
	c.liveWorkers.Set(float64(n))
}

// Handler serves the registry in Prometheus text format. Only valid when
// the Collector was built on a *prometheus.Registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
