package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/salesgrid/salesgrid/internal/aggregate"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(filepath.Join(t.TempDir(), "job.checkpoint"))
}

func testData() Data {
	return Data{
		ChunkSize:       100,
		TotalRecords:    1000,
		CompletedChunks: []int{0, 2, 5},
		Rows: []aggregate.Row{
			{Region: "North", ProductID: 1001, SumAmount: 59.97, Count: 3},
			{Region: "South", ProductID: 2044, SumAmount: 12.50, Count: 1},
		},
	}
}

func TestLoadMissing(t *testing.T) {
	m := testManager(t)
	if _, err := m.Load(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWriteLoadRoundtrip(t *testing.T) {
	m := testManager(t)
	if err := m.Write(testData()); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Version != schemaVersion {
		t.Errorf("version = %d, want %d", got.Version, schemaVersion)
	}
	if got.ChunkSize != 100 || got.TotalRecords != 1000 {
		t.Errorf("job shape = (%d, %d), want (100, 1000)", got.ChunkSize, got.TotalRecords)
	}
	if len(got.CompletedChunks) != 3 {
		t.Errorf("completed chunks = %v, want 3 entries", got.CompletedChunks)
	}
	if len(got.Rows) != 2 {
		t.Fatalf("rows = %v, want 2 entries", got.Rows)
	}
	if got.Rows[0].Region != "North" || got.Rows[0].Count != 3 {
		t.Errorf("row 0 = %+v", got.Rows[0])
	}
}

func TestWriteReplacesPrevious(t *testing.T) {
	m := testManager(t)
	first := testData()
	if err := m.Write(first); err != nil {
		t.Fatalf("write: %v", err)
	}

	second := testData()
	second.CompletedChunks = []int{0, 1, 2, 3, 4, 5}
	if err := m.Write(second); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	got, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.CompletedChunks) != 6 {
		t.Errorf("completed chunks = %v, want the rewritten set", got.CompletedChunks)
	}
}

func TestLoadCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.checkpoint")
	if err := os.WriteFile(path, []byte("not json{"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewManager(path)
	if _, err := m.Load(); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted, got %v", err)
	}
}

func TestLoadWrongVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.checkpoint")
	if err := os.WriteFile(path, []byte(`{"version": 99}`), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewManager(path)
	if _, err := m.Load(); !errors.Is(err, ErrIncompatibleVersion) {
		t.Fatalf("expected ErrIncompatibleVersion, got %v", err)
	}
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(filepath.Join(dir, "job.checkpoint"))
	if err := m.Write(testData()); err != nil {
		t.Fatalf("write: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("expected only the checkpoint file, found %v", names)
	}
}

func TestRemove(t *testing.T) {
	m := testManager(t)
	if err := m.Remove(); err != nil {
		t.Fatalf("remove missing: %v", err)
	}

	if err := m.Write(testData()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := m.Remove(); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := m.Load(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
}
