package ledger

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// Memory is an in-process Ledger.  It does not survive restarts.
type Memory struct {
	mu      sync.Mutex
	entries map[string]Entry
}

var _ Ledger = (*Memory)(nil)

// NewMemory returns an empty Memory ledger.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

func (m *Memory) Put(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.entries[e.ID]; ok {
		if err := checkForward(prev, e); err != nil {
			return err
		}
	}
	e.Capabilities = slices.Clone(e.Capabilities)
	m.entries[e.ID] = e
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	e.Capabilities = slices.Clone(e.Capabilities)
	return e, ok, nil
}

func (m *Memory) List(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	entries := slices.Collect(maps.Values(m.entries))
	m.mu.Unlock()

	for i := range entries {
		entries[i].Capabilities = slices.Clone(entries[i].Capabilities)
	}
	sortEntries(entries)
	return entries, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

func (m *Memory) Close() error { return nil }
