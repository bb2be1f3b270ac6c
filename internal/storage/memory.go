package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"recordable/server/internal/score"
)

type memoryEntry struct {
	data      []byte
	finalTick int
	createdAt time.Time
}

// MemoryStore keeps scores in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[score.ID]memoryEntry
	now     func() time.Time
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[score.ID]memoryEntry), now: time.Now}
}

// StoreScore implements Store.
func (m *MemoryStore) StoreScore(ctx context.Context, data []byte) (score.ID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := score.NewID()
	entry := memoryEntry{data: append([]byte(nil), data...), finalTick: describe(data), createdAt: m.now().UTC()}
	m.mu.Lock()
	m.entries[id] = entry
	m.mu.Unlock()
	return id, nil
}

// RequestScore implements Store. The view aliases the stored bytes, which are never mutated.
func (m *MemoryStore) RequestScore(ctx context.Context, id score.ID) (*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	entry, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return NewRequest(id, entry.data, nil), nil
}

// List implements Lister, newest first.
func (m *MemoryStore) List(ctx context.Context) ([]Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	infos := make([]Info, 0, len(m.entries))
	for id, entry := range m.entries {
		infos = append(infos, Info{ID: id, Bytes: len(entry.data), FinalTick: entry.finalTick, Codec: "none", CreatedAt: entry.createdAt})
	}
	m.mu.RUnlock()
	sortInfos(infos)
	return infos, nil
}

// Delete implements Deleter.
func (m *MemoryStore) Delete(ctx context.Context, id score.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; !ok {
		return ErrNotFound
	}
	delete(m.entries, id)
	return nil
}

// Len returns how many scores are held.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func sortInfos(infos []Info) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
}
