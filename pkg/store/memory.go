package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// Memory is an in-process Store backend. Records are held as JSON documents
// so they round-trip exactly like documents in the durable backend.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string]json.RawMessage
}

func NewMemory() *Memory {
	return &Memory{collections: make(map[string]map[string]json.RawMessage)}
}

func (m *Memory) Put(ctx context.Context, collection, key string, record any) error {
	doc, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("store: encoding record %s/%s: %w", collection, key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.col(collection)[key] = doc
	return nil
}

func (m *Memory) Create(ctx context.Context, collection, key string, record any) error {
	doc, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("store: encoding record %s/%s: %w", collection, key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	col := m.col(collection)
	if _, exists := col[key]; exists {
		return fmt.Errorf("%w: %s/%s", ErrConflict, collection, key)
	}
	col[key] = doc
	return nil
}

func (m *Memory) Get(ctx context.Context, collection, key string, out any) error {
	m.mu.RLock()
	doc, ok := m.collections[collection][key]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, key)
	}
	return json.Unmarshal(doc, out)
}

func (m *Memory) Update(ctx context.Context, collection, key string, partial map[string]any) error {
	patch, err := json.Marshal(partial)
	if err != nil {
		return fmt.Errorf("store: encoding patch for %s/%s: %w", collection, key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	col := m.col(collection)
	doc, ok := col[key]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, key)
	}

	merged, err := jsonpatch.MergePatch(doc, patch)
	if err != nil {
		return fmt.Errorf("store: merging patch into %s/%s: %w", collection, key, err)
	}
	col[key] = merged
	return nil
}

func (m *Memory) Query(ctx context.Context, collection string, filter Filter, less Less) ([]json.RawMessage, error) {
	m.mu.RLock()
	var docs []json.RawMessage
	for _, doc := range m.collections[collection] {
		if filter == nil || filter(doc) {
			docs = append(docs, doc)
		}
	}
	m.mu.RUnlock()

	if less != nil {
		sort.SliceStable(docs, func(i, j int) bool { return less(docs[i], docs[j]) })
	}
	return docs, nil
}

func (m *Memory) Delete(ctx context.Context, collection, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections[collection], key)
	return nil
}

// col returns the named collection, creating it if absent. Callers must hold
// the write lock.
func (m *Memory) col(collection string) map[string]json.RawMessage {
	col, ok := m.collections[collection]
	if !ok {
		col = make(map[string]json.RawMessage)
		m.collections[collection] = col
	}
	return col
}
