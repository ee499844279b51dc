package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/always-cache/appcache"
	"github.com/always-cache/appcache/cache"
	policyrules "github.com/always-cache/appcache/pkg/policy-rules"
	"github.com/always-cache/appcache/strategy"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// envPrefix is prepended to the environment variable of every config key.
const envPrefix = "APPCACHE_"

type Config struct {
	// Origin served by the proxy, e.g. https://app.example
	Scope string `yaml:"scope" env:"SCOPE"`
	// Server the scope is served from. Defaults to the scope.
	Origin string `yaml:"origin" env:"ORIGIN"`
	// Hostname of the origin, if the origin is just an IP address.
	Host string `yaml:"host" env:"HOST"`

	Name     string   `yaml:"name" env:"NAME"`
	Version  string   `yaml:"version" env:"VERSION"`
	Manifest []string `yaml:"manifest" env:"MANIFEST"`

	SkipWaiting  bool              `yaml:"skipWaiting" env:"SKIP_WAITING"`
	ClaimClients bool              `yaml:"claimClients" env:"CLAIM_CLIENTS"`
	Policy       strategy.Policy   `yaml:"policy" env:"POLICY"`
	Rules        policyrules.Rules `yaml:"rules"`

	Storage StorageConfig `yaml:"storage" envPrefix:"STORAGE_"`
	Log     LogConfig     `yaml:"log" envPrefix:"LOG_"`

	Port              int           `yaml:"port" env:"PORT"`
	FetchTimeout      time.Duration `yaml:"fetchTimeout" env:"FETCH_TIMEOUT"`
	ClientIdleTimeout time.Duration `yaml:"clientIdleTimeout" env:"CLIENT_IDLE_TIMEOUT"`
}

type StorageConfig struct {
	// One of sqlite, memory or redis.
	Provider string `yaml:"provider" env:"PROVIDER"`
	// SQLite database file, "memory" for an in-memory database.
	Path        string `yaml:"path" env:"PATH"`
	RedisAddr   string `yaml:"redisAddr" env:"REDIS_ADDR"`
	RedisPrefix string `yaml:"redisPrefix" env:"REDIS_PREFIX"`
}

type LogConfig struct {
	// Log file to use in addition to stdout. Rotated when it reaches MaxSize megabytes.
	File       string `yaml:"file" env:"FILE"`
	MaxSize    int    `yaml:"maxSize" env:"MAX_SIZE"`
	MaxBackups int    `yaml:"maxBackups" env:"MAX_BACKUPS"`
	Compress   bool   `yaml:"compress" env:"COMPRESS"`
}

func defaultConfig() Config {
	return Config{
		Name:         "appcache",
		SkipWaiting:  true,
		ClaimClients: true,
		Policy:       strategy.AutoPolicy,
		Storage: StorageConfig{
			Provider: "sqlite",
			Path:     "cache.db",
		},
		Log: LogConfig{
			MaxSize:    100,
			MaxBackups: 3,
		},
		Port:              8080,
		FetchTimeout:      30 * time.Second,
		ClientIdleTimeout: 30 * time.Minute,
	}
}

// getConfig reads the config file, if any, and then the environment.
// Environment variables override the file.
func getConfig(filename string) (Config, error) {
	config := defaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := env.ParseWithOptions(&config, env.Options{Prefix: envPrefix}); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, nil
}

func (c Config) validate() error {
	if c.Scope == "" {
		return errors.New("scope is required")
	}
	if c.Version == "" {
		return errors.New("version is required")
	}
	if c.Port <= 0 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// urls returns the parsed scope and origin URLs.
func (c Config) urls() (url.URL, url.URL, error) {
	scope, err := url.Parse(c.Scope)
	if err != nil {
		return url.URL{}, url.URL{}, fmt.Errorf("parse scope: %w", err)
	}
	if scope.Scheme == "" || scope.Host == "" {
		return url.URL{}, url.URL{}, fmt.Errorf("scope must be an absolute URL: %s", c.Scope)
	}
	origin := *scope
	if c.Origin != "" {
		parsed, err := url.Parse(c.Origin)
		if err != nil {
			return url.URL{}, url.URL{}, fmt.Errorf("parse origin: %w", err)
		}
		origin = *parsed
	}
	return *scope, origin, nil
}

func (c Config) workerConfig() appcache.WorkerConfig {
	return appcache.WorkerConfig{
		Name:               c.Name,
		Version:            c.Version,
		Manifest:           c.Manifest,
		DisableSkipWaiting: !c.SkipWaiting,
		DisableClaim:       !c.ClaimClients,
		Policy:             c.Policy,
		Rules:              c.Rules,
	}
}

// openStorage creates the configured storage provider.
func openStorage(config StorageConfig) (cache.Storage, error) {
	switch config.Provider {
	case "sqlite":
		filename := config.Path
		if filename == "memory" {
			filename = ""
		}
		return cache.NewSQLiteStorage(filename)
	case "memory":
		return cache.NewMemStorage(), nil
	case "redis":
		if config.RedisAddr == "" {
			return nil, errors.New("redis storage needs an address")
		}
		client := redis.NewClient(&redis.Options{Addr: config.RedisAddr})
		return cache.NewRedisStorage(client, config.RedisPrefix), nil
	}
	return nil, fmt.Errorf("unsupported cache provider: %s", config.Provider)
}
