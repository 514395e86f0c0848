// ============================================================================
// SalesGrid CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra-based command line surface for the distributed sales
//          aggregation system.
//
// Command Structure:
//   salesgrid                       # Root command
//   ├── coordinator                 # Run a job against a worker pool
//   │   └── --config, -c           # Specify config file
//   ├── worker                      # Run a worker agent
//   │   └── --listen               # Override listen address
//   ├── generate                    # Generate a synthetic sales CSV
//   │   └── --rows, --seed, --out
//   ├── demo                        # Self-contained in-process run
//   ├── --version                   # Display version information
//   └── --help                      # Display help information
//
// Configuration Management:
//   YAML config file (default: configs/default.yaml). Durations are
//   expressed as integer milliseconds (fields suffixed _ms) so the file
//   stays unambiguous.
//
// coordinator Command:
//   1. Load config and dataset CSV
//   2. Open the SQLite sink and checkpoint file
//   3. Start the metrics HTTP server (if enabled)
//   4. Run the job; SIGINT/SIGTERM aborts it gracefully
//
//   Examples:
//     ./salesgrid coordinator
//     ./salesgrid coordinator -c custom-config.yaml
//
// worker Command:
//   Serves chunk computations from a local copy of the dataset until
//   interrupted.
//
//   Examples:
//     ./salesgrid worker --listen :7101
//
// generate Command:
//   Writes a reproducible synthetic sales dataset:
//     ./salesgrid generate --rows 100000 --seed 42 --out data/sales.csv
//
// demo Command:
//   Generates a dataset, starts three in-process workers, runs one job,
//   and prints the aggregate summary. No external setup required.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/salesgrid/salesgrid/internal/agent"
	"github.com/salesgrid/salesgrid/internal/aggregate"
	"github.com/salesgrid/salesgrid/internal/checkpoint"
	"github.com/salesgrid/salesgrid/internal/coordinator"
	"github.com/salesgrid/salesgrid/internal/dataset"
	"github.com/salesgrid/salesgrid/internal/metrics"
	"github.com/salesgrid/salesgrid/internal/sink"
)

// Config maps the YAML config file. Durations are integer milliseconds.
type Config struct {
	Dataset string `yaml:"dataset"`

	Job struct {
		ChunkSize           int      `yaml:"chunk_size"`
		Workers             []string `yaml:"workers"`
		AssignmentTimeoutMs int      `yaml:"assignment_timeout_ms"`
		PerRecordCostUs     int      `yaml:"per_record_cost_us"`
		HeartbeatIntervalMs int      `yaml:"heartbeat_interval_ms"`
		MaxRetriesPerChunk  int      `yaml:"max_retries_per_chunk"`
		SweepIntervalMs     int      `yaml:"sweep_interval_ms"`
		DeadPoolSweeps      int      `yaml:"dead_pool_sweeps"`
		DialTimeoutMs       int      `yaml:"dial_timeout_ms"`
	} `yaml:"job"`

	Worker struct {
		Listen              string `yaml:"listen"`
		HeartbeatIntervalMs int    `yaml:"heartbeat_interval_ms"`
	} `yaml:"worker"`

	Sink struct {
		Path string `yaml:"path"`
	} `yaml:"sink"`

	Checkpoint struct {
		Path string `yaml:"path"`
	} `yaml:"checkpoint"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "salesgrid",
		Short: "SalesGrid: distributed sales-record aggregation",
		Long: `SalesGrid aggregates large sales datasets across a pool of workers:
- Chunked dispatch over a length-prefixed TCP protocol
- At-most-once merge per chunk, retries on worker failure
- Heartbeat-based failure detection
- SQLite result sink and resumable checkpoints`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildCoordinatorCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildGenerateCommand())
	rootCmd.AddCommand(buildDemoCommand())

	return rootCmd
}

func buildCoordinatorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Start a coordinator and run one aggregation job",
		Long:  "Load the dataset, dispatch chunks to the configured worker pool, and persist the final aggregate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCoordinator()
		},
	}
	return cmd
}

func runCoordinator() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Printf("Loading dataset from %s\n", cfg.Dataset)
	src, err := dataset.OpenCSV(cfg.Dataset)
	if err != nil {
		return fmt.Errorf("failed to load dataset: %w", err)
	}
	log.Printf("Dataset loaded: %d records, chunk size %d, %d workers\n",
		src.TotalCount(), cfg.Job.ChunkSize, len(cfg.Job.Workers))

	opts := []coordinator.Option{}

	var snk *sink.SQLiteSink
	if cfg.Sink.Path != "" {
		snk, err = sink.NewSQLiteSink(cfg.Sink.Path)
		if err != nil {
			return fmt.Errorf("failed to open result sink: %w", err)
		}
		defer snk.Close()
		opts = append(opts, coordinator.WithSink(snk))
	}

	if cfg.Checkpoint.Path != "" {
		opts = append(opts, coordinator.WithCheckpoint(checkpoint.NewManager(cfg.Checkpoint.Path)))
	}

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		opts = append(opts, coordinator.WithMetrics(metrics.NewCollector(reg)))
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler(reg))
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			log.Printf("Starting metrics server on %s\n", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Printf("Metrics server error: %v\n", err)
			}
		}()
	}

	c, err := coordinator.New(coordinatorConfig(cfg), opts...)
	if err != nil {
		return err
	}

	handle, err := c.StartJob(src)
	if err != nil {
		return fmt.Errorf("failed to start job: %w", err)
	}

	// SIGINT/SIGTERM aborts the job; a second signal kills the process.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Received shutdown signal, aborting job...")
		handle.Abort()
		signal.Stop(sigChan)
	}()

	result, err := handle.Await(context.Background())
	if err != nil {
		return fmt.Errorf("job failed: %w", err)
	}

	printSummary(result)
	if snk != nil {
		log.Printf("Results persisted to %s\n", cfg.Sink.Path)
	}
	return nil
}

func buildWorkerCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a worker agent",
		Long:  "Serve chunk computations from a local copy of the dataset until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(listen)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	return cmd
}

func runWorker(listen string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if listen == "" {
		listen = cfg.Worker.Listen
	}
	if listen == "" {
		return fmt.Errorf("listen address is required (use --listen or set worker.listen)")
	}

	log.Printf("Loading dataset from %s\n", cfg.Dataset)
	src, err := dataset.OpenCSV(cfg.Dataset)
	if err != nil {
		return fmt.Errorf("failed to load dataset: %w", err)
	}

	var agentOpts []agent.Option
	if cfg.Worker.HeartbeatIntervalMs > 0 {
		agentOpts = append(agentOpts, agent.WithHeartbeatInterval(time.Duration(cfg.Worker.HeartbeatIntervalMs)*time.Millisecond))
	}
	a := agent.New(src, agentOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Worker %s serving %d records on %s\n", a.ID(), src.TotalCount(), listen)
	if err := a.Serve(ctx, listen); err != nil {
		return fmt.Errorf("worker failed: %w", err)
	}
	log.Println("Worker stopped. Goodbye!")
	return nil
}

func buildGenerateCommand() *cobra.Command {
	var rows int
	var seed int64
	var out string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a synthetic sales dataset",
		Long:  "Write a reproducible CSV of synthetic sales records for benchmarking and demos",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Printf("Generating %d records (seed %d) into %s\n", rows, seed, out)
			if err := dataset.Generate(out, dataset.GenerateConfig{Rows: rows, Seed: seed}); err != nil {
				return fmt.Errorf("failed to generate dataset: %w", err)
			}
			log.Println("Dataset written successfully")
			return nil
		},
	}

	cmd.Flags().IntVar(&rows, "rows", 100000, "number of records to generate")
	cmd.Flags().Int64Var(&seed, "seed", 42, "random seed")
	cmd.Flags().StringVar(&out, "out", "data/sales.csv", "output CSV path")
	return cmd
}

func buildDemoCommand() *cobra.Command {
	var rows int
	var workers int

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a self-contained demo job",
		Long:  "Generate a dataset, start in-process workers, run one aggregation job, and print the summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(rows, workers)
		},
	}

	cmd.Flags().IntVar(&rows, "rows", 10000, "records to generate")
	cmd.Flags().IntVar(&workers, "workers", 3, "in-process workers to start")
	return cmd
}

func runDemo(rows, workers int) error {
	if rows <= 0 {
		return fmt.Errorf("need a positive row count, got %d", rows)
	}
	if workers <= 0 {
		return fmt.Errorf("need at least one worker, got %d", workers)
	}

	log.Printf("Generating %d records...\n", rows)
	src := dataset.NewMemorySource(dataset.GenerateRecords(dataset.GenerateConfig{Rows: rows, Seed: 42}))

	heartbeat := 500 * time.Millisecond
	addrs := make([]string, workers)
	for i := 0; i < workers; i++ {
		a := agent.New(src, agent.WithHeartbeatInterval(heartbeat))
		addr, err := a.Start("127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("failed to start worker %d: %w", i, err)
		}
		defer a.Close()
		addrs[i] = addr
		log.Printf("Worker %d listening on %s\n", i, addr)
	}

	c, err := coordinator.New(coordinator.Config{
		ChunkSize:         1000,
		WorkerAddresses:   addrs,
		AssignmentTimeout: 10 * time.Second,
		HeartbeatInterval: heartbeat,
		SweepInterval:     100 * time.Millisecond,
	})
	if err != nil {
		return err
	}

	started := time.Now()
	handle, err := c.StartJob(src)
	if err != nil {
		return fmt.Errorf("failed to start job: %w", err)
	}
	result, err := handle.Await(context.Background())
	if err != nil {
		return fmt.Errorf("demo job failed: %w", err)
	}

	log.Printf("Job finished in %s\n", time.Since(started))
	printSummary(result)
	return nil
}

// printSummary renders the aggregate as a per-region table with the top
// product groups.
func printSummary(result aggregate.Partial) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║               SalesGrid Aggregation Summary               ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Records counted:  %d\n", result.TotalCount())
	fmt.Printf("Total amount:     %.2f\n", result.TotalAmount())
	fmt.Printf("Groups:           %d\n", len(result))
	fmt.Println()

	type regionTotal struct {
		region string
		amount float64
		count  int64
	}
	byRegion := map[string]*regionTotal{}
	for key, b := range result {
		rt := byRegion[key.Region]
		if rt == nil {
			rt = &regionTotal{region: key.Region}
			byRegion[key.Region] = rt
		}
		rt.amount += b.SumAmount
		rt.count += b.Count
	}

	regions := make([]*regionTotal, 0, len(byRegion))
	for _, rt := range byRegion {
		regions = append(regions, rt)
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].amount > regions[j].amount })

	fmt.Printf("%-10s %14s %10s\n", "REGION", "AMOUNT", "RECORDS")
	for _, rt := range regions {
		fmt.Printf("%-10s %14.2f %10d\n", rt.region, rt.amount, rt.count)
	}
	fmt.Println()
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &cfg, nil
}

func coordinatorConfig(cfg *Config) coordinator.Config {
	return coordinator.Config{
		ChunkSize:          cfg.Job.ChunkSize,
		WorkerAddresses:    cfg.Job.Workers,
		AssignmentTimeout:  time.Duration(cfg.Job.AssignmentTimeoutMs) * time.Millisecond,
		PerRecordCost:      time.Duration(cfg.Job.PerRecordCostUs) * time.Microsecond,
		HeartbeatInterval:  time.Duration(cfg.Job.HeartbeatIntervalMs) * time.Millisecond,
		MaxRetriesPerChunk: cfg.Job.MaxRetriesPerChunk,
		SweepInterval:      time.Duration(cfg.Job.SweepIntervalMs) * time.Millisecond,
		DeadPoolSweeps:     cfg.Job.DeadPoolSweeps,
		DialTimeout:        time.Duration(cfg.Job.DialTimeoutMs) * time.Millisecond,
	}
}
