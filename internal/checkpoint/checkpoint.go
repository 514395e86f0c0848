// ============================================================================
// SalesGrid Checkpoint Manager
// ============================================================================
//
// Package: internal/checkpoint
// File: checkpoint.go
// Purpose: Durable job-progress checkpoints. The coordinator records the
//          set of completed chunks together with the merged aggregate so
//          a restarted run of the same job can skip finished work.
//
// Write safety:
//   Checkpoints are written to a temp file in the target directory and
//   renamed into place, so a crash mid-write leaves the previous
//   checkpoint intact; readers never observe a torn file.
//
// Compatibility:
//   A checkpoint binds to one job shape (chunk size + record count). The
//   coordinator compares both before resuming; a mismatch means the file
//   describes a different partitioning and is ignored.
//
// ============================================================================

package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/salesgrid/salesgrid/internal/aggregate"
)

const schemaVersion = 1

var (
	// ErrNotFound means no checkpoint file exists yet.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrCorrupted means the file exists but cannot be decoded.
	ErrCorrupted = errors.New("checkpoint corrupted")
	// ErrIncompatibleVersion means the file was written by a different
	// schema version.
	ErrIncompatibleVersion = errors.New("checkpoint schema version mismatch")
)

// Data is one checkpoint: enough to rebuild the coordinator's completed
// set and accumulated aggregate without recomputing any chunk.
type Data struct {
	Version         int             `json:"version"`
	SavedAt         time.Time       `json:"saved_at"`
	ChunkSize       int             `json:"chunk_size"`
	TotalRecords    int             `json:"total_records"`
	CompletedChunks []int           `json:"completed_chunks"`
	Rows            []aggregate.Row `json:"rows"`
}

// Manager reads and writes checkpoints at a fixed path. Safe for
// concurrent use.
type Manager struct {
	mu   sync.Mutex
	path string
}

// NewManager returns a Manager storing checkpoints at path. The file is
// created on the first Write.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write atomically replaces the checkpoint file with data.
func (m *Manager) Write(data Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.Version = schemaVersion
	data.SavedAt = time.Now().UTC()

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close checkpoint: %w", err)
	}

	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

// Load reads the current checkpoint. Returns ErrNotFound when none has
// been written, ErrCorrupted for undecodable content, and
// ErrIncompatibleVersion for a schema mismatch.
func (m *Manager) Load() (Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Data{}, ErrNotFound
		}
		return Data{}, fmt.Errorf("read checkpoint: %w", err)
	}

	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return Data{}, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if data.Version != schemaVersion {
		return Data{}, fmt.Errorf("%w: file has v%d, want v%d", ErrIncompatibleVersion, data.Version, schemaVersion)
	}
	return data, nil
}

// Remove deletes the checkpoint file, if present.
func (m *Manager) Remove() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}
