package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemStorage keeps stores in process memory. Nothing survives a restart.
type MemStorage struct {
	mutex  *sync.RWMutex
	stores map[string]*MemCache
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		mutex:  &sync.RWMutex{},
		stores: make(map[string]*MemCache),
	}
}

func (m *MemStorage) Open(ctx context.Context, name string) (Store, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	store, ok := m.stores[name]
	if !ok {
		store = NewMemCache(name)
		m.stores[name] = store
	}
	return store, nil
}

func (m *MemStorage) Has(ctx context.Context, name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.stores[name]
	return ok, nil
}

func (m *MemStorage) Delete(ctx context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	store, ok := m.stores[name]
	if !ok {
		return false, nil
	}
	store.clear()
	delete(m.stores, name)
	return true, nil
}

func (m *MemStorage) Keys(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemStorage) Close() error {
	return nil
}

type MemCache struct {
	name  string
	mutex *sync.RWMutex
	db    map[string]CacheEntry
}

func NewMemCache(name string) *MemCache {
	return &MemCache{
		name:  name,
		mutex: &sync.RWMutex{},
		db:    make(map[string]CacheEntry),
	}
}

func (m *MemCache) Name() string {
	return m.name
}

func (m *MemCache) All(ctx context.Context, prefix string) ([]CacheEntry, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entries := make([]CacheEntry, 0)
	for key, entry := range m.db {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (m *MemCache) Get(ctx context.Context, key string) (CacheEntry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entry, ok := m.db[key]
	return entry, ok, nil
}

func (m *MemCache) Put(ctx context.Context, entry CacheEntry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[entry.Key] = entry
	return nil
}

func (m *MemCache) Purge(ctx context.Context, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, key)
	return nil
}

func (m *MemCache) Has(ctx context.Context, key string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.db[key]
	return ok, nil
}

func (m *MemCache) AllKeys(ctx context.Context, prefix string, cb func(string)) error {
	m.mutex.RLock()
	keys := make([]string, 0, len(m.db))
	for key := range m.db {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	m.mutex.RUnlock()
	sort.Strings(keys)
	for _, key := range keys {
		cb(key)
	}
	return nil
}

// clear drops all entries, so handles to a deleted store read as empty.
func (m *MemCache) clear() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db = make(map[string]CacheEntry)
}
