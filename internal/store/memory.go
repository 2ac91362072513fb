package store

import (
	"context"
	"maps"
	"sort"
	"sync"
)

// Memory is an in-process Store used when no Redis URL is configured.
type Memory struct {
	mu      sync.RWMutex
	status  map[string]Status
	batches map[string]map[int]BatchRecord
}

func NewMemory() *Memory {
	return &Memory{status: make(map[string]Status), batches: make(map[string]map[int]BatchRecord)}
}

func (m *Memory) SetStatus(_ context.Context, runID string, st Status) error {
	st.Metadata = maps.Clone(st.Metadata)
	m.mu.Lock()
	m.status[runID] = st
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetStatus(_ context.Context, runID string) (Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.status[runID]
	if !ok {
		return Status{}, ErrNotFound
	}
	st.Metadata = maps.Clone(st.Metadata)
	return st, nil
}

func (m *Memory) SaveBatch(_ context.Context, runID string, rec BatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.batches[runID] == nil {
		m.batches[runID] = make(map[int]BatchRecord)
	}
	m.batches[runID][rec.Start] = rec
	return nil
}

func (m *Memory) Batches(_ context.Context, runID string) ([]BatchRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]BatchRecord, 0, len(m.batches[runID]))
	for _, rec := range m.batches[runID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}

func (m *Memory) Close() error { return nil }
