package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStorage keeps every store in a Redis hash, and the set of store names in a Redis set.
// All keys are namespaced with a prefix so that several deployments can share a database.
type RedisStorage struct {
	redis  *redis.Client
	prefix string
}

// NewRedisStorage creates a storage on top of the given client.
// The prefix defaults to "appcache:".
func NewRedisStorage(client *redis.Client, prefix string) *RedisStorage {
	if client == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = "appcache:"
	}
	return &RedisStorage{redis: client, prefix: prefix}
}

func (s *RedisStorage) namesKey() string {
	return s.prefix + "stores"
}

func (s *RedisStorage) storeKey(name string) string {
	return s.prefix + "store:" + name
}

func (s *RedisStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := s.redis.SAdd(ctx, s.namesKey(), name).Err(); err != nil {
		storeErrors.WithLabelValues("open").Inc()
		return nil, fmt.Errorf("redis sadd: %w", err)
	}
	return &RedisCache{redis: s.redis, name: name, key: s.storeKey(name)}, nil
}

func (s *RedisStorage) Has(ctx context.Context, name string) (bool, error) {
	ok, err := s.redis.SIsMember(ctx, s.namesKey(), name).Result()
	if err != nil {
		return false, fmt.Errorf("redis sismember: %w", err)
	}
	return ok, nil
}

func (s *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, s.namesKey(), name)
		pipe.Del(ctx, s.storeKey(name))
		return nil
	})
	if err != nil {
		storeErrors.WithLabelValues("delete").Inc()
		return false, fmt.Errorf("redis delete store %s: %w", name, err)
	}
	return removed.Val() > 0, nil
}

func (s *RedisStorage) Keys(ctx context.Context) ([]string, error) {
	names, err := s.redis.SMembers(ctx, s.namesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Close closes the underlying client.
func (s *RedisStorage) Close() error {
	return s.redis.Close()
}

type RedisCache struct {
	redis *redis.Client
	name  string
	key   string
}

func (c *RedisCache) Name() string {
	return c.name
}

func (c *RedisCache) All(ctx context.Context, prefix string) ([]CacheEntry, error) {
	entries := make([]CacheEntry, 0)
	iter := c.redis.HScan(ctx, c.key, 0, escapeGlob(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		field := iter.Val()
		// fields and values alternate
		if !iter.Next(ctx) {
			break
		}
		if !strings.HasPrefix(field, prefix) {
			continue
		}
		var entry CacheEntry
		if err := json.Unmarshal([]byte(iter.Val()), &entry); err != nil {
			storeErrors.WithLabelValues("get").Inc()
			return entries, fmt.Errorf("decode entry %s: %w", field, err)
		}
		entries = append(entries, entry)
	}
	if err := iter.Err(); err != nil {
		storeErrors.WithLabelValues("get").Inc()
		return entries, fmt.Errorf("redis hscan: %w", err)
	}
	return entries, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (CacheEntry, bool, error) {
	entry := CacheEntry{Key: key}
	data, err := c.redis.HGet(ctx, c.key, key).Bytes()
	if err == redis.Nil {
		return entry, false, nil
	}
	if err != nil {
		storeErrors.WithLabelValues("get").Inc()
		return entry, false, fmt.Errorf("redis hget: %w", err)
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		storeErrors.WithLabelValues("get").Inc()
		return entry, false, fmt.Errorf("decode entry %s: %w", key, err)
	}
	return entry, true, nil
}

func (c *RedisCache) Put(ctx context.Context, entry CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		storeErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := c.redis.HSet(ctx, c.key, entry.Key, data).Err(); err != nil {
		storeErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

func (c *RedisCache) Purge(ctx context.Context, key string) error {
	if err := c.redis.HDel(ctx, c.key, key).Err(); err != nil {
		storeErrors.WithLabelValues("purge").Inc()
		return fmt.Errorf("redis hdel: %w", err)
	}
	return nil
}

func (c *RedisCache) Has(ctx context.Context, key string) (bool, error) {
	ok, err := c.redis.HExists(ctx, c.key, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis hexists: %w", err)
	}
	return ok, nil
}

func (c *RedisCache) AllKeys(ctx context.Context, prefix string, cb func(string)) error {
	fields, err := c.redis.HKeys(ctx, c.key).Result()
	if err != nil {
		return fmt.Errorf("redis hkeys: %w", err)
	}
	sort.Strings(fields)
	for _, field := range fields {
		if strings.HasPrefix(field, prefix) {
			cb(field)
		}
	}
	return nil
}

// escapeGlob quotes the characters that are special in Redis MATCH patterns.
func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
