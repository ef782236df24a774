package sequence

import (
	"context"
	"errors"
	"sync"
)

// Memory is an in-process allocator with the same contract as Generator,
// used by tests and seeds that run without a database.
type Memory struct {
	mu   sync.Mutex
	last map[string]int64
}

// NewMemory constructs an empty Memory allocator.
func NewMemory() *Memory {
	return &Memory{last: make(map[string]int64)}
}

// NextID reserves and formats the next id for prefix.
func (m *Memory) NextID(ctx context.Context, prefix string) (string, error) {
	if prefix == "" {
		return "", errors.New("sequence: prefix required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last[prefix]++
	n := m.last[prefix]
	if n > maxValue {
		return "", ErrExhausted
	}
	return Format(prefix, n), nil
}
