// Package backfill repairs gaps in the index left by earlier pipeline
// versions: missing previews, missing image vectors, wrong categories.
package backfill

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"
)

// CheckpointStats accumulates across resumed runs.
type CheckpointStats struct {
	Scanned int `json:"scanned"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Checkpoint records which documents a backfill run has already handled, so
// an interrupted run resumes instead of re-embedding everything.
type Checkpoint struct {
	Stats      CheckpointStats
	LastUpdate string

	ids  map[string]bool
	path string
}

// checkpointFile is the on-disk shape: the id set is persisted as a sorted
// array so the file stays diffable and readable by other tooling.
type checkpointFile struct {
	ProcessedIDs []string        `json:"processedIds"`
	Stats        CheckpointStats `json:"stats"`
	LastUpdate   string          `json:"lastUpdate"`
}

// NewCheckpoint creates an empty checkpoint that saves to path.
func NewCheckpoint(path string) *Checkpoint {
	return &Checkpoint{ids: make(map[string]bool), path: path}
}

// LoadCheckpoint reads a checkpoint file; a missing file yields an empty
// checkpoint bound to the same path.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	cp := NewCheckpoint(path)
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("backfill: read checkpoint: %w", err)
	}
	var file checkpointFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("backfill: parse checkpoint %s: %w", path, err)
	}
	for _, id := range file.ProcessedIDs {
		cp.ids[id] = true
	}
	cp.Stats = file.Stats
	cp.LastUpdate = file.LastUpdate
	return cp, nil
}

// Seen reports whether id was handled by a previous run.
func (c *Checkpoint) Seen(id string) bool { return c.ids[id] }

// Mark records id as handled.
func (c *Checkpoint) Mark(id string) { c.ids[id] = true }

// Count returns how many ids the checkpoint holds.
func (c *Checkpoint) Count() int { return len(c.ids) }

// Save writes the checkpoint atomically.
func (c *Checkpoint) Save() error {
	c.LastUpdate = time.Now().UTC().Format(time.RFC3339)
	ids := make([]string, 0, len(c.ids))
	for id := range c.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	raw, err := json.MarshalIndent(checkpointFile{
		ProcessedIDs: ids,
		Stats:        c.Stats,
		LastUpdate:   c.LastUpdate,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("backfill: marshal checkpoint: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("backfill: write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("backfill: replace checkpoint: %w", err)
	}
	return nil
}
