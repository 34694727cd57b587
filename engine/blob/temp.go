package blob

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
)

// TempRegistry hands out uniquely named files under one temp dir and tracks
// them so every exit path can clean up. Removal is idempotent and never
// errors; a dangling temp file is a disk leak, not a processing failure.
type TempRegistry struct {
	dir  string
	mu   sync.Mutex
	open map[string]struct{}
	seq  atomic.Int64
}

// NewTempRegistry creates the temp dir if needed.
func NewTempRegistry(dir string) (*TempRegistry, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("blob: temp dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("blob: temp dir: %w", err)
	}
	return &TempRegistry{dir: abs, open: make(map[string]struct{})}, nil
}

// Dir returns the registry's base directory.
func (t *TempRegistry) Dir() string { return t.dir }

// Create returns a new empty temp file carrying the given extension.
// The path is always directly under the registry dir.
func (t *TempRegistry) Create(ext string) (string, error) {
	ext = sanitizeExt(ext)
	name := fmt.Sprintf("ingest-%d-%d%s", os.Getpid(), t.seq.Add(1), ext)
	path := filepath.Join(t.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("blob: create temp: %w", err)
	}
	f.Close()
	t.mu.Lock()
	t.open[path] = struct{}{}
	t.mu.Unlock()
	return path, nil
}

// Remove deletes a tracked temp file. Best effort, never errors.
func (t *TempRegistry) Remove(path string) {
	if path == "" {
		return
	}
	t.mu.Lock()
	delete(t.open, path)
	t.mu.Unlock()
	_ = os.Remove(path)
}

// RemoveAll deletes every tracked file. Called on shutdown.
func (t *TempRegistry) RemoveAll() {
	t.mu.Lock()
	paths := make([]string, 0, len(t.open))
	for p := range t.open {
		paths = append(paths, p)
	}
	t.open = make(map[string]struct{})
	t.mu.Unlock()
	for _, p := range paths {
		_ = os.Remove(p)
	}
}

// UsageBytes sums the sizes of files currently in the temp dir.
func (t *TempRegistry) UsageBytes() int64 {
	var total int64
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		if info, err := e.Info(); err == nil && !e.IsDir() {
			total += info.Size()
		}
	}
	return total
}

// sanitizeExt keeps only a plain ".xyz" suffix; anything else is dropped so a
// hostile key cannot smuggle separators into the temp file name.
func sanitizeExt(ext string) string {
	if ext == "" || !strings.HasPrefix(ext, ".") {
		return ""
	}
	for _, r := range ext[1:] {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return ""
		}
	}
	if len(ext) > 8 {
		return ""
	}
	return ext
}
