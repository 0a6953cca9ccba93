// Package config provides configuration loading for entityd.
package config

import (
	"fmt"
	"time"
)

// Config is the full process configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
	Store       StoreConfig       `koanf:"store"`
	Cache       CacheConfig       `koanf:"cache"`
	NATS        NATSConfig        `koanf:"nats"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	EntityCache EntityCacheConfig `koanf:"entitycache"`
	Workspace   WorkspaceConfig   `koanf:"workspace"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// StoreConfig selects and configures the document store backend.
type StoreConfig struct {
	// Provider is "memory" or "surrealdb".
	Provider  string `koanf:"provider"`
	SurrealDB struct {
		URL       string `koanf:"url"`
		User      string `koanf:"user"`
		Pass      string `koanf:"pass"`
		Namespace string `koanf:"namespace"`
		Database  string `koanf:"database"`
	} `koanf:"surrealdb"`
}

// CacheConfig selects and configures the response cache backend.
type CacheConfig struct {
	// Provider is "memory" or "nats".
	Provider  string        `koanf:"provider"`
	Bucket    string        `koanf:"bucket"`
	ObjectTTL time.Duration `koanf:"object_ttl"`
	ListTTL   time.Duration `koanf:"list_ttl"`
}

// NATSConfig holds the pub/sub connection settings. The connection serves
// both webhook publishing and the KV response cache.
type NATSConfig struct {
	URL string `koanf:"url"`
}

// EmbeddingsConfig holds the embedding provider settings.
type EmbeddingsConfig struct {
	BaseURL string        `koanf:"base_url"`
	Model   string        `koanf:"model"`
	APIKey  string        `koanf:"api_key"`
	Timeout time.Duration `koanf:"timeout"`
}

// EntityCacheConfig holds the in-process entity configuration cache TTL.
type EntityCacheConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

// WorkspaceConfig controls workspace resolution.
type WorkspaceConfig struct {
	// Override pins every request to one workspace instead of deriving it
	// from the Host header. Meant for single-tenant deployments.
	Override string `koanf:"override"`
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch c.Store.Provider {
	case "memory":
	case "surrealdb":
		if c.Store.SurrealDB.URL == "" {
			return fmt.Errorf("store.surrealdb.url required for surrealdb provider")
		}
	default:
		return fmt.Errorf("unknown store.provider %q", c.Store.Provider)
	}
	switch c.Cache.Provider {
	case "memory":
	case "nats":
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url required for nats cache provider")
		}
	default:
		return fmt.Errorf("unknown cache.provider %q", c.Cache.Provider)
	}
	if c.Embeddings.BaseURL == "" {
		return fmt.Errorf("embeddings.base_url required")
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Store.Provider == "" {
		cfg.Store.Provider = "memory"
	}
	if cfg.Cache.Provider == "" {
		cfg.Cache.Provider = "memory"
	}
	if cfg.Cache.Bucket == "" {
		cfg.Cache.Bucket = "entityd-responses"
	}
	if cfg.Cache.ObjectTTL == 0 {
		cfg.Cache.ObjectTTL = 6 * time.Hour
	}
	if cfg.Cache.ListTTL == 0 {
		cfg.Cache.ListTTL = 5 * time.Minute
	}

	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}

	if cfg.EntityCache.TTL == 0 {
		cfg.EntityCache.TTL = 5 * time.Minute
	}
}
