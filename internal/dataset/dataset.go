// Package dataset stores the structured records handlers extract from
// crawled pages.
package dataset

import (
	"context"
	"sync"
)

// Dataset is an append-only store of structured crawl output.
type Dataset interface {
	// Push appends one record.
	Push(ctx context.Context, record map[string]any) error
	// Size returns the number of records stored so far.
	Size(ctx context.Context) (int, error)
}

// Memory is an in-memory Dataset for tests and throwaway runs.
type Memory struct {
	mu      sync.Mutex
	records []map[string]any
}

// NewMemory constructs an empty in-memory dataset.
func NewMemory() *Memory {
	return &Memory{}
}

// Push appends one record.
func (m *Memory) Push(_ context.Context, record map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

// Size returns the number of stored records.
func (m *Memory) Size(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records), nil
}

// Records returns a copy of everything pushed so far.
func (m *Memory) Records() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, len(m.records))
	copy(out, m.records)
	return out
}
