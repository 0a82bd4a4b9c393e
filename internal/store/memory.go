package store

import (
	"context"
	"sync"
	"time"

	"github.com/metalfleet/fleetd/pkg/types"
)

// MemoryStore is an in-memory Store used by tests and single-process demo
// deployments. It honors the same CAS and flag semantics as the SQLite
// backend; the contract tests run against both.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[types.ObjectID]types.ManagedObject
	history map[types.ObjectID][]types.HistoryEntry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[types.ObjectID]types.ManagedObject),
		history: make(map[types.ObjectID][]types.HistoryEntry),
	}
}

func (m *MemoryStore) Create(_ context.Context, obj types.ManagedObject) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objects[obj.ID]; ok {
		return ErrDuplicateObject
	}
	if obj.UpdatedAt.IsZero() {
		obj.UpdatedAt = time.Now().UTC()
	}
	m.objects[obj.ID] = obj
	return nil
}

func (m *MemoryStore) Read(_ context.Context, id types.ObjectID) (types.ManagedObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[id]
	if !ok {
		return types.ManagedObject{}, ErrNotFound
	}
	return obj, nil
}

func (m *MemoryStore) ListCandidates(_ context.Context, f Filter) ([]types.ObjectID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []types.ObjectID
	for id, obj := range m.objects {
		if f.Kind != "" && obj.Kind != f.Kind {
			continue
		}
		if !f.IncludeQuarantined && obj.Quarantined {
			continue
		}
		if !f.IncludeDeleted && obj.DeletedAt != nil {
			continue
		}
		ids = append(ids, id)
		if f.Limit > 0 && len(ids) >= f.Limit {
			break
		}
	}
	return ids, nil
}

func (m *MemoryStore) WriteIfVersion(_ context.Context, id types.ObjectID, observedVersion int64, next types.ObjectState) (types.ManagedObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[id]
	if !ok {
		return types.ManagedObject{}, ErrNotFound
	}
	if obj.StateVersion != observedVersion || obj.DeletedAt != nil {
		return types.ManagedObject{}, ErrConflict
	}

	obj.State = next
	obj.StateVersion++
	obj.UpdatedAt = time.Now().UTC()
	m.objects[id] = obj
	return obj, nil
}

func (m *MemoryStore) AppendHistory(_ context.Context, entry types.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}
	m.history[entry.ObjectID] = append(m.history[entry.ObjectID], entry)
	return nil
}

func (m *MemoryStore) ListHistory(_ context.Context, id types.ObjectID, limit int) ([]types.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.history[id]
	out := make([]types.HistoryEntry, 0, len(entries))
	// Newest first, matching the SQLite backend's ordering.
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkDisrupted(_ context.Context, id types.ObjectID, disrupted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[id]
	if !ok {
		return ErrNotFound
	}
	obj.Disrupted = disrupted
	obj.UpdatedAt = time.Now().UTC()
	m.objects[id] = obj
	return nil
}

func (m *MemoryStore) ListDisrupted(_ context.Context) ([]types.ObjectID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []types.ObjectID
	for id, obj := range m.objects {
		if obj.Disrupted && obj.DeletedAt == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MemoryStore) SetQuarantined(_ context.Context, id types.ObjectID, quarantined bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[id]
	if !ok {
		return ErrNotFound
	}
	obj.Quarantined = quarantined
	obj.UpdatedAt = time.Now().UTC()
	m.objects[id] = obj
	return nil
}

func (m *MemoryStore) CountActive(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, obj := range m.objects {
		if obj.DeletedAt == nil {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Close() error { return nil }
