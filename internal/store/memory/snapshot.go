package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/worldchamps/kioskq/pkg/types"
)

// schemaVersion is bumped whenever SnapshotData changes incompatibly.
const schemaVersion = 1

// SnapshotData is the on-disk form of a memory store.
type SnapshotData struct {
	SchemaVer  int                                `json:"schema_version"`
	Partitions map[types.PropertyID][]types.Job `json:"partitions"`
}

// Snapshotter reads and atomically rewrites a snapshot file.
type Snapshotter struct {
	path string
	mu   sync.Mutex
}

// NewSnapshotter returns a Snapshotter for path.
func NewSnapshotter(path string) *Snapshotter {
	return &Snapshotter{path: path}
}

// Path returns the snapshot file path.
func (s *Snapshotter) Path() string {
	return s.path
}

// Write replaces the snapshot file: the data goes to <path>.tmp first and is
// renamed over the old file, so a crash never leaves a half written
// snapshot behind.
func (s *Snapshotter) Write(data SnapshotData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data.SchemaVer = schemaVersion

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing file yields empty data (first start).
func (s *Snapshotter) Load() (SnapshotData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return SnapshotData{SchemaVer: schemaVersion, Partitions: map[types.PropertyID][]types.Job{}}, nil
	}
	if err != nil {
		return SnapshotData{}, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var data SnapshotData
	if err := json.Unmarshal(raw, &data); err != nil {
		return SnapshotData{}, fmt.Errorf("snapshot %s is corrupted: %w", s.path, err)
	}
	if data.SchemaVer != schemaVersion {
		return SnapshotData{}, fmt.Errorf("unsupported snapshot schema version %d", data.SchemaVer)
	}
	if data.Partitions == nil {
		data.Partitions = map[types.PropertyID][]types.Job{}
	}
	return data, nil
}

// sortByCreation restores insertion order; UUIDv7 ids break CreatedAt ties.
func sortByCreation(jobs []types.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}
