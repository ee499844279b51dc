package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a named store does not exist.
var ErrNotFound = errors.New("store not found")

// Storage is a set of named stores, persisted across proxy restarts.
// Store names embed the version identifier of the deployment that created them.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the store with the given name, creating it if absent.
	Open(ctx context.Context, name string) (Store, error)
	// Has reports whether a store with the given name exists.
	Has(ctx context.Context, name string) (bool, error)
	// Delete removes the named store and all of its entries.
	// It returns false if there was no such store.
	Delete(ctx context.Context, name string) (bool, error)
	// Keys returns the names of all stores, sorted.
	Keys(ctx context.Context) ([]string, error)
	// Close releases the resources held by the storage.
	Close() error
}

// Store is a key-value container of serialized HTTP responses.
// Keys are request identities, see package cachekey.
//
// Implementations must be thread-safe!
type Store interface {
	// Name returns the name the store was opened with.
	Name() string
	// All returns all cache entries that have the specific key prefix.
	All(ctx context.Context, prefix string) ([]CacheEntry, error)
	// Get returns the entry for the given key.
	// The boolean is false if there is no such entry.
	Get(ctx context.Context, key string) (CacheEntry, bool, error)
	// Put stores the entry, replacing any entry with the same key.
	Put(ctx context.Context, entry CacheEntry) error
	// Purge removes the entry for the given key.
	Purge(ctx context.Context, key string) error
	// Has checks if the specified key exists in the store.
	Has(ctx context.Context, key string) (bool, error)
	// AllKeys calls the given callback for each key with the given prefix.
	AllKeys(ctx context.Context, prefix string, cb func(string)) error
}

type CacheEntry struct {
	Key      string    `json:"key"`
	StoredAt time.Time `json:"stored_at"`
	Bytes    []byte    `json:"bytes"`
}
