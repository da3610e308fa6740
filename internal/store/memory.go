package store

import (
	"context"
	"sync"
)

// Memory is an in-process Store used by tests and ephemeral clients.
// It holds defensive copies of every value so callers cannot alias the
// stored bytes.
type Memory struct {
	mu     sync.RWMutex
	values map[string][]byte

	// FailWrites makes Set and Delete report ErrUnavailable. Tests use it
	// to exercise the StorageUnavailable path.
	FailWrites bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string][]byte)}
}

// Get implements Store.Get.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

// Set implements Store.Set.
func (m *Memory) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return unavailable("set", key, errSimulated)
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	m.values[key] = stored
	return nil
}

// Delete implements Store.Delete.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return unavailable("delete", key, errSimulated)
	}

	delete(m.values, key)
	return nil
}

// Close implements Store.Close. It is a no-op for the in-memory store.
func (m *Memory) Close() error { return nil }

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}

type simulatedError struct{}

func (simulatedError) Error() string { return "simulated write failure" }

var errSimulated = simulatedError{}
