package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "salesgrid", cmd.Use, "Root command should be 'salesgrid'")
	assert.Equal(t, "1.0.0", cmd.Version, "Version should be 1.0.0")

	commands := cmd.Commands()
	assert.Len(t, commands, 4, "Should have 4 subcommands")

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Use] = true
	}
	assert.True(t, commandNames["coordinator"], "Should have 'coordinator' command")
	assert.True(t, commandNames["worker"], "Should have 'worker' command")
	assert.True(t, commandNames["generate"], "Should have 'generate' command")
	assert.True(t, commandNames["demo"], "Should have 'demo' command")

	configFlag := cmd.PersistentFlags().Lookup("config")
	assert.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue, "Default config path should be configs/default.yaml")
}

func TestBuildCoordinatorCommand(t *testing.T) {
	cmd := buildCoordinatorCommand()

	assert.Equal(t, "coordinator", cmd.Use)
	assert.Contains(t, cmd.Short, "coordinator")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
}

func TestBuildWorkerCommand(t *testing.T) {
	cmd := buildWorkerCommand()

	assert.Equal(t, "worker", cmd.Use)
	assert.NotNil(t, cmd.Flags().Lookup("listen"), "Should have --listen flag")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
}

func TestBuildGenerateCommand(t *testing.T) {
	cmd := buildGenerateCommand()

	assert.Equal(t, "generate", cmd.Use)
	for _, flag := range []string{"rows", "seed", "out"} {
		assert.NotNil(t, cmd.Flags().Lookup(flag), "Should have --%s flag", flag)
	}
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.yaml")

	configContent := `
dataset: data/sales.csv

job:
  chunk_size: 1000
  workers:
    - 127.0.0.1:7101
    - 127.0.0.1:7102
  assignment_timeout_ms: 10000
  per_record_cost_us: 50
  heartbeat_interval_ms: 2000
  max_retries_per_chunk: 3
  sweep_interval_ms: 500
  dead_pool_sweeps: 20
  dial_timeout_ms: 3000

worker:
  listen: ":7101"
  heartbeat_interval_ms: 2000

sink:
  path: results.db

checkpoint:
  path: job.checkpoint

metrics:
  enabled: true
  port: 9090
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err, "Failed to write test config file")

	cfg, err := loadConfig(configPath)
	require.NoError(t, err, "loadConfig should not return an error")
	require.NotNil(t, cfg, "Config should not be nil")

	assert.Equal(t, "data/sales.csv", cfg.Dataset)
	assert.Equal(t, 1000, cfg.Job.ChunkSize)
	assert.Equal(t, []string{"127.0.0.1:7101", "127.0.0.1:7102"}, cfg.Job.Workers)
	assert.Equal(t, 10000, cfg.Job.AssignmentTimeoutMs)
	assert.Equal(t, 50, cfg.Job.PerRecordCostUs)
	assert.Equal(t, 2000, cfg.Job.HeartbeatIntervalMs)
	assert.Equal(t, 3, cfg.Job.MaxRetriesPerChunk)
	assert.Equal(t, ":7101", cfg.Worker.Listen)
	assert.Equal(t, "results.db", cfg.Sink.Path)
	assert.Equal(t, "job.checkpoint", cfg.Checkpoint.Path)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9090, cfg.Metrics.Port)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := loadConfig("/nonexistent/config.yaml")

	assert.Error(t, err, "loadConfig should return an error for nonexistent file")
	assert.Nil(t, cfg, "Config should be nil on error")
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	invalidYAML := `
job:
  chunk_size: "not a number"
  invalid yaml structure
    broken indentation
`
	err := os.WriteFile(configPath, []byte(invalidYAML), 0644)
	require.NoError(t, err)

	cfg, err := loadConfig(configPath)
	assert.Error(t, err, "loadConfig should return an error for invalid YAML")
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestLoadConfig_PartialConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "partial.yaml")

	partialConfig := `
job:
  chunk_size: 500
`
	err := os.WriteFile(configPath, []byte(partialConfig), 0644)
	require.NoError(t, err)

	cfg, err := loadConfig(configPath)
	require.NoError(t, err, "Partial config should parse successfully")
	assert.Equal(t, 500, cfg.Job.ChunkSize)
	assert.Empty(t, cfg.Job.Workers, "Unset fields should have zero values")
	assert.Empty(t, cfg.Sink.Path)
}

func TestCoordinatorConfigConversion(t *testing.T) {
	var cfg Config
	cfg.Job.ChunkSize = 1000
	cfg.Job.Workers = []string{"a:1", "b:2"}
	cfg.Job.AssignmentTimeoutMs = 10000
	cfg.Job.PerRecordCostUs = 50
	cfg.Job.HeartbeatIntervalMs = 2000
	cfg.Job.MaxRetriesPerChunk = 5
	cfg.Job.SweepIntervalMs = 250
	cfg.Job.DialTimeoutMs = 1500

	cc := coordinatorConfig(&cfg)
	assert.Equal(t, 1000, cc.ChunkSize)
	assert.Equal(t, []string{"a:1", "b:2"}, cc.WorkerAddresses)
	assert.Equal(t, 10*time.Second, cc.AssignmentTimeout)
	assert.Equal(t, 50*time.Microsecond, cc.PerRecordCost)
	assert.Equal(t, 2*time.Second, cc.HeartbeatInterval)
	assert.Equal(t, 5, cc.MaxRetriesPerChunk)
	assert.Equal(t, 250*time.Millisecond, cc.SweepInterval)
	assert.Equal(t, 1500*time.Millisecond, cc.DialTimeout)
}

func TestRunDemo_InvalidArguments(t *testing.T) {
	err := runDemo(0, 3)
	assert.Error(t, err, "runDemo should reject a zero row count")
	assert.Contains(t, err.Error(), "row count")

	err = runDemo(100, 0)
	assert.Error(t, err, "runDemo should reject an empty worker pool")
}

func TestRunWorker_MissingListenAddress(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("dataset: missing.csv\n"), 0644))

	old := configFile
	configFile = configPath
	defer func() { configFile = old }()

	err := runWorker("")
	assert.Error(t, err, "runWorker should fail without a listen address or dataset")
}
