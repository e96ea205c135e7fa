package steps

import (
	"context"
	"sync"
)

// MemoryStore keeps step records in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]map[string][]byte // runID → step → output
}

// NewMemoryStore creates an empty in-memory step store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]map[string][]byte)}
}

func (m *MemoryStore) Load(_ context.Context, runID, step string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out, ok := m.runs[runID][step]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(out))
	copy(cp, out)
	return cp, true, nil
}

func (m *MemoryStore) Save(_ context.Context, runID, step string, output []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		run = make(map[string][]byte)
		m.runs[runID] = run
	}
	if _, exists := run[step]; exists {
		return ErrStepExists
	}
	cp := make([]byte, len(output))
	copy(cp, output)
	run[step] = cp
	return nil
}

func (m *MemoryStore) Forget(_ context.Context, runID string) error {
	m.mu.Lock()
	delete(m.runs, runID)
	m.mu.Unlock()
	return nil
}

// Steps lists the recorded step names of a run.
func (m *MemoryStore) Steps(runID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.runs[runID]))
	for name := range m.runs[runID] {
		names = append(names, name)
	}
	return names
}

func (m *MemoryStore) Close() error { return nil }
