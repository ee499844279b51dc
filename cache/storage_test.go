package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

// testStorage runs the behaviour every storage provider must share.
func testStorage(t *testing.T, storage Storage) {
	ctx := context.Background()

	for _, name := range []string{"app-v1", "app-v2", "app-v3"} {
		if _, err := storage.Open(ctx, name); err != nil {
			t.Fatalf("Could not open %s: %v", name, err)
		}
	}
	names, err := storage.Keys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 3 || names[0] != "app-v1" || names[2] != "app-v3" {
		t.Fatalf("Unexpected store names: %v", names)
	}

	store, err := storage.Open(ctx, "app-v3")
	if err != nil {
		t.Fatal(err)
	}
	if store.Name() != "app-v3" {
		t.Fatalf("Unexpected store name %s", store.Name())
	}

	entries := []CacheEntry{
		{Key: "GET:https://app.example/a.js\t", StoredAt: time.Unix(100, 0), Bytes: []byte("a")},
		{Key: "GET:https://app.example/a.js\t\naccept-encoding: gzip", StoredAt: time.Unix(200, 0), Bytes: []byte("a-gzip")},
		{Key: "GET:https://app.example/a%20b_c.js\t", StoredAt: time.Unix(300, 0), Bytes: []byte("ab")},
		{Key: "GET:https://app.example/A.js\t", StoredAt: time.Unix(400, 0), Bytes: []byte("A")},
	}
	for _, entry := range entries {
		if err := store.Put(ctx, entry); err != nil {
			t.Fatalf("Could not put %q: %v", entry.Key, err)
		}
	}

	found, err := store.All(ctx, "GET:https://app.example/a.js\t")
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 2 {
		t.Fatalf("Expected 2 variants, got %d", len(found))
	}

	// wildcard characters in keys are literal
	found, err = store.All(ctx, "GET:https://app.example/a%20b_")
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || string(found[0].Bytes) != "ab" {
		t.Fatalf("Unexpected entries for escaped prefix: %v", found)
	}

	entry, ok, err := store.Get(ctx, "GET:https://app.example/A.js\t")
	if err != nil || !ok {
		t.Fatalf("Expected entry, got ok=%v err=%v", ok, err)
	}
	if string(entry.Bytes) != "A" || !entry.StoredAt.Equal(time.Unix(400, 0)) {
		t.Fatalf("Unexpected entry %+v", entry)
	}

	// same key is last-write-wins, store time keeps sub-second precision
	if err := store.Put(ctx, CacheEntry{Key: "GET:https://app.example/A.js\t", StoredAt: time.Unix(400, 250), Bytes: []byte("A2")}); err != nil {
		t.Fatal(err)
	}
	entry, _, _ = store.Get(ctx, "GET:https://app.example/A.js\t")
	if string(entry.Bytes) != "A2" || !entry.StoredAt.Equal(time.Unix(400, 250)) {
		t.Fatalf("Expected overwritten entry, got %s at %v", entry.Bytes, entry.StoredAt)
	}

	keys := make([]string, 0)
	if err := store.AllKeys(ctx, "", func(key string) { keys = append(keys, key) }); err != nil {
		t.Fatal(err)
	}
	if len(keys) != 4 {
		t.Fatalf("Expected 4 keys, got %v", keys)
	}

	if err := store.Purge(ctx, "GET:https://app.example/A.js\t"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.Has(ctx, "GET:https://app.example/A.js\t"); ok {
		t.Fatal("Purged entry still present")
	}
	if _, ok, _ := store.Get(ctx, "GET:https://app.example/missing\t"); ok {
		t.Fatal("Missing entry reported as found")
	}

	// stores are independent
	other, _ := storage.Open(ctx, "app-v1")
	if found, _ := other.All(ctx, ""); len(found) != 0 {
		t.Fatalf("Expected empty store, got %d entries", len(found))
	}

	deleted, err := storage.Delete(ctx, "app-v3")
	if err != nil || !deleted {
		t.Fatalf("Expected delete, got %v %v", deleted, err)
	}
	if ok, _ := storage.Has(ctx, "app-v3"); ok {
		t.Fatal("Deleted store still present")
	}
	deleted, err = storage.Delete(ctx, "app-v3")
	if err != nil || deleted {
		t.Fatalf("Expected no-op delete, got %v %v", deleted, err)
	}

	// reopening a deleted store yields an empty one
	store, _ = storage.Open(ctx, "app-v3")
	if found, _ := store.All(ctx, ""); len(found) != 0 {
		t.Fatalf("Expected reopened store to be empty, got %d entries", len(found))
	}
}

func TestMemStorage(t *testing.T) {
	testStorage(t, NewMemStorage())
}

func TestSQLiteStorage(t *testing.T) {
	storage, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer storage.Close()
	testStorage(t, storage)
}

func TestSQLiteStoragePersists(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	storage, err := NewSQLiteStorage(filename)
	if err != nil {
		t.Fatal(err)
	}
	store, _ := storage.Open(ctx, "app-v1")
	store.Put(ctx, CacheEntry{Key: "GET:https://app.example/\t", StoredAt: time.Now(), Bytes: []byte("x")})
	storage.Close()

	storage, err = NewSQLiteStorage(filename)
	if err != nil {
		t.Fatal(err)
	}
	defer storage.Close()
	if ok, _ := storage.Has(ctx, "app-v1"); !ok {
		t.Fatal("Store did not survive a restart")
	}
	store, _ = storage.Open(ctx, "app-v1")
	if ok, _ := store.Has(ctx, "GET:https://app.example/\t"); !ok {
		t.Fatal("Entry did not survive a restart")
	}
}

func TestEscapeGlob(t *testing.T) {
	if got := escapeGlob(`/a*b?[c]\`); got != `/a\*b\?\[c\]\\` {
		t.Fatalf("Unexpected escape %s", got)
	}
}
