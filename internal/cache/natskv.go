package cache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// NATSKV is a Cache backed by a NATS JetStream key/value bucket, shared by
// all instances of the service.
//
// JetStream KV expires per bucket, not per key, so each entry carries its
// own deadline in an envelope and expired entries are treated as misses.
// The bucket TTL acts as the upper bound that eventually reclaims storage.
type NATSKV struct {
	kv         jetstream.KeyValue
	defaultTTL time.Duration
	logger     *zap.Logger
}

type kvEnvelope struct {
	Value   json.RawMessage `json:"v"`
	Expires int64           `json:"exp,omitempty"` // unix seconds, 0 = bucket TTL only
}

// NewNATSKV creates (or binds to) the named bucket. maxTTL bounds bucket
// retention and must be at least as large as any per-entry TTL callers use.
func NewNATSKV(ctx context.Context, nc *nats.Conn, bucket string, defaultTTL, maxTTL time.Duration, logger *zap.Logger) (*NATSKV, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    maxTTL,
	})
	if err != nil {
		return nil, err
	}
	return &NATSKV{kv: kv, defaultTTL: defaultTTL, logger: logger}, nil
}

// encodeKey maps arbitrary cache keys (paths with slashes, filter strings)
// onto the restricted NATS KV key alphabet.
func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (c *NATSKV) Get(ctx context.Context, key string) ([]byte, bool) {
	entry, err := c.kv.Get(ctx, encodeKey(key))
	if err != nil {
		if !errors.Is(err, jetstream.ErrKeyNotFound) {
			c.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	var env kvEnvelope
	if err := json.Unmarshal(entry.Value(), &env); err != nil {
		c.logger.Warn("cache entry corrupt", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if env.Expires > 0 && time.Now().Unix() > env.Expires {
		c.Delete(ctx, key)
		return nil, false
	}
	return env.Value, true
}

func (c *NATSKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	env := kvEnvelope{Value: value}
	if ttl > 0 {
		env.Expires = time.Now().Add(ttl).Unix()
	}
	raw, err := json.Marshal(env)
	if err != nil {
		c.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
		return
	}
	if _, err := c.kv.Put(ctx, encodeKey(key), raw); err != nil {
		c.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *NATSKV) Delete(ctx context.Context, key string) {
	if err := c.kv.Purge(ctx, encodeKey(key)); err != nil {
		c.logger.Warn("cache delete failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *NATSKV) FlushAll(ctx context.Context) {
	keys, err := c.kv.Keys(ctx)
	if err != nil {
		if !errors.Is(err, jetstream.ErrNoKeysFound) {
			c.logger.Warn("cache flush failed", zap.Error(err))
		}
		return
	}
	for _, k := range keys {
		if err := c.kv.Purge(ctx, k); err != nil {
			c.logger.Warn("cache flush failed", zap.String("key", k), zap.Error(err))
		}
	}
}
