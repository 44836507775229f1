package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FS writes one numbered JSON document per record into a directory.
type FS struct {
	dir string

	mu   sync.Mutex
	next int
}

// NewFS creates the directory if needed and verifies it is writable.
func NewFS(dir string) (*FS, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("dataset directory is required")
	}
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(dir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create dataset directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat dataset directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("dataset path %q is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dataset directory: %w", err)
	}
	// Continue numbering after any records from a previous run.
	next := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			next++
		}
	}
	return &FS{dir: dir, next: next}, nil
}

// Push writes one record as an indented JSON document.
func (f *FS) Push(_ context.Context, record map[string]any) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	f.mu.Lock()
	seq := f.next
	f.next++
	f.mu.Unlock()

	path := filepath.Join(f.dir, fmt.Sprintf("%09d.json", seq))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// Size counts the JSON documents in the directory.
func (f *FS) Size(_ context.Context) (int, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return 0, fmt.Errorf("read dataset directory: %w", err)
	}
	n := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			n++
		}
	}
	return n, nil
}
