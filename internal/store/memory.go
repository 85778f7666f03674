package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Memory is a thread-safe in-memory Store. It backs tests and hosts that
// embed the engine without an external database.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string]Doc
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string]map[string]Doc)}
}

func (m *Memory) FindByID(_ context.Context, collection, id string) (Doc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.collections[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(doc), nil
}

func (m *Memory) Find(_ context.Context, collection string, filter Filter, limit int) ([]Doc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Doc
	for _, doc := range m.collections[collection] {
		if matches(doc, filter) {
			out = append(out, clone(doc))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) Create(_ context.Context, collection string, doc Doc) (Doc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := clone(doc)
	if stored.ID() == "" {
		stored["id"] = uuid.NewString()
	}

	if m.collections[collection] == nil {
		m.collections[collection] = make(map[string]Doc)
	}
	m.collections[collection][stored.ID()] = stored
	return clone(stored), nil
}

func (m *Memory) Update(_ context.Context, collection, id string, patch Doc) (Doc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.collections[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	for k, v := range patch {
		if k == "id" {
			continue
		}
		doc[k] = v
	}
	return clone(doc), nil
}

func matches(doc Doc, filter Filter) bool {
	for field, want := range filter {
		if doc[field] != want {
			return false
		}
	}
	return true
}

func clone(doc Doc) Doc {
	out := make(Doc, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
