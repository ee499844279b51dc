package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/always-cache/appcache/cache"
	"github.com/always-cache/appcache/strategy"
)

const testConfig = `
scope: https://app.example
origin: http://127.0.0.1:3000
name: juststep-cache
version: v2.1.7
manifest:
  - ./
  - ./index.html
  - ./manifest.json
claimClients: false
rules:
  - prefix: /api/
    policy: network-only
storage:
  provider: memory
clientIdleTimeout: 5m
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	filename := filepath.Join(t.TempDir(), "appcache.yml")
	if err := os.WriteFile(filename, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return filename
}

func TestGetConfig(t *testing.T) {
	config, err := getConfig(writeConfig(t, testConfig))
	if err != nil {
		t.Fatal(err)
	}
	if config.Scope != "https://app.example" || config.Version != "v2.1.7" {
		t.Fatalf("Unexpected config %+v", config)
	}
	if len(config.Manifest) != 3 || config.Manifest[1] != "./index.html" {
		t.Fatalf("Unexpected manifest %v", config.Manifest)
	}
	if !config.SkipWaiting || config.ClaimClients {
		t.Fatal("Defaults not merged with the file")
	}
	if len(config.Rules) != 1 || config.Rules[0].Policy != strategy.NetworkOnlyPolicy {
		t.Fatalf("Unexpected rules %v", config.Rules)
	}
	if config.ClientIdleTimeout != 5*time.Minute || config.Port != 8080 {
		t.Fatalf("Unexpected durations or port %+v", config)
	}

	worker := config.workerConfig()
	if worker.CacheName() != "juststep-cache-v2.1.7" || !worker.DisableClaim || worker.DisableSkipWaiting {
		t.Fatalf("Unexpected worker config %+v", worker)
	}
}

func TestGetConfigEnvOverrides(t *testing.T) {
	t.Setenv("APPCACHE_VERSION", "v2.1.8")
	t.Setenv("APPCACHE_SKIP_WAITING", "false")
	t.Setenv("APPCACHE_STORAGE_PROVIDER", "sqlite")
	t.Setenv("APPCACHE_MANIFEST", "./,./styles.css")

	config, err := getConfig(writeConfig(t, testConfig))
	if err != nil {
		t.Fatal(err)
	}
	if config.Version != "v2.1.8" || config.SkipWaiting {
		t.Fatalf("Environment did not override the file: %+v", config)
	}
	if config.Storage.Provider != "sqlite" || len(config.Manifest) != 2 {
		t.Fatalf("Unexpected storage or manifest %+v", config)
	}
}

func TestGetConfigMissingFile(t *testing.T) {
	if _, err := getConfig(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatal("Expected error for missing file")
	}
}

func TestConfigValidate(t *testing.T) {
	config := defaultConfig()
	if err := config.validate(); err == nil {
		t.Fatal("Expected error without scope")
	}
	config.Scope = "https://app.example"
	if err := config.validate(); err == nil {
		t.Fatal("Expected error without version")
	}
	config.Version = "v1"
	if err := config.validate(); err != nil {
		t.Fatal(err)
	}

	config.Scope = "/relative"
	if _, _, err := config.urls(); err == nil {
		t.Fatal("Expected error for relative scope")
	}
	config.Scope = "https://app.example"
	scope, origin, err := config.urls()
	if err != nil {
		t.Fatal(err)
	}
	if origin != scope {
		t.Fatal("Origin does not default to the scope")
	}
}

func TestOpenStorage(t *testing.T) {
	storage, err := openStorage(StorageConfig{Provider: "memory"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := storage.(*cache.MemStorage); !ok {
		t.Fatalf("Unexpected storage %T", storage)
	}

	storage, err = openStorage(StorageConfig{Provider: "sqlite", Path: filepath.Join(t.TempDir(), "cache.db")})
	if err != nil {
		t.Fatal(err)
	}
	storage.Close()

	if _, err := openStorage(StorageConfig{Provider: "redis"}); err == nil {
		t.Fatal("Expected error for redis without address")
	}
	if _, err := openStorage(StorageConfig{Provider: "leveldb"}); err == nil {
		t.Fatal("Expected error for unknown provider")
	}
}
