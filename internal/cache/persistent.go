package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"goflare.io/aegis/internal/config"
	"goflare.io/aegis/internal/models"
	"goflare.io/aegis/pkg/serialization"
)

// Persisted key layout: entries live under "cache:<table>:<id>", and the
// set of live keys for a layer under "cache_metadata:<layerName>", which
// is what warm reload walks on restart.
const (
	persistKeyPrefix  = "cache:"
	persistMetaPrefix = "cache_metadata:"
)

// wireEntry is the serialized form of an entry in the persistent substrate.
type wireEntry struct {
	Data        any           `json:"data"`
	Timestamp   time.Time     `json:"timestamp"`
	TTL         time.Duration `json:"ttl"`
	Accessed    time.Time     `json:"accessed"`
	AccessCount int64         `json:"accessCount"`
	Table       string        `json:"table"`
	EntityID    string        `json:"entityId"`
	Tags        []string      `json:"tags,omitempty"`
	Size        int64         `json:"size"`
}

// redisStore mirrors a persistent layer into redis. Every call runs under
// the circuit breaker; callers treat failures as degradation, never as
// operation errors.
type redisStore struct {
	client    *redis.Client
	breaker   *gobreaker.CircuitBreaker
	codec     serialization.Codec
	layerName string
	logger    *zap.Logger
}

func newRedisStore(cfg *config.PersistentConfig, breakerSettings gobreaker.Settings, codec serialization.Codec, layerName string, logger *zap.Logger) *redisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &redisStore{
		client:    client,
		breaker:   gobreaker.NewCircuitBreaker(breakerSettings),
		codec:     codec,
		layerName: layerName,
		logger:    logger,
	}
}

func (s *redisStore) metaKey() string {
	return persistMetaPrefix + s.layerName
}

func (s *redisStore) connect(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to persistent cache substrate: %w", err)
	}
	return nil
}

func (s *redisStore) close() error {
	return s.client.Close()
}

func (s *redisStore) execute(fn func() error) error {
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// set writes an entry through to redis with its remaining TTL.
func (s *redisStore) set(ctx context.Context, key string, entry *models.Entry) error {
	payload, err := s.codec.Marshal(wireEntry{
		Data:        entry.Data,
		Timestamp:   entry.Timestamp,
		TTL:         entry.TTL,
		Accessed:    entry.Accessed,
		AccessCount: entry.AccessCount,
		Table:       entry.Metadata.Table,
		EntityID:    entry.Metadata.EntityID,
		Tags:        entry.Metadata.Tags,
		Size:        entry.Metadata.Size,
	})
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	remaining := time.Until(entry.Timestamp.Add(entry.TTL))
	if remaining <= 0 {
		return nil
	}

	return s.execute(func() error {
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, persistKeyPrefix+key, payload, remaining)
		pipe.SAdd(ctx, s.metaKey(), key)
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (s *redisStore) delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.execute(func() error {
		pipe := s.client.TxPipeline()
		for _, key := range keys {
			pipe.Del(ctx, persistKeyPrefix+key)
		}
		pipe.SRem(ctx, s.metaKey(), toAny(keys)...)
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (s *redisStore) clear(ctx context.Context) error {
	return s.execute(func() error {
		keys, err := s.client.SMembers(ctx, s.metaKey()).Result()
		if err != nil {
			return err
		}
		pipe := s.client.TxPipeline()
		for _, key := range keys {
			pipe.Del(ctx, persistKeyPrefix+key)
		}
		pipe.Del(ctx, s.metaKey())
		_, err = pipe.Exec(ctx)
		return err
	})
}

// load walks the layer's key index and rebuilds the in-process map,
// dropping entries that expired while the process was down.
func (s *redisStore) load(ctx context.Context) (map[string]*models.Entry, error) {
	var keys []string
	if err := s.execute(func() error {
		var err error
		keys, err = s.client.SMembers(ctx, s.metaKey()).Result()
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to read cache key index: %w", err)
	}

	entries := make(map[string]*models.Entry, len(keys))
	now := time.Now()
	var stale []string

	for _, key := range keys {
		raw, err := s.client.Get(ctx, persistKeyPrefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			stale = append(stale, key)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load cache entry %q: %w", key, err)
		}

		var we wireEntry
		if err := s.codec.Unmarshal(raw, &we); err != nil {
			s.logger.Warn("Dropping undecodable persisted cache entry",
				zap.String("key", key), zap.Error(err))
			stale = append(stale, key)
			continue
		}

		entry := &models.Entry{
			Data:        we.Data,
			Timestamp:   we.Timestamp,
			TTL:         we.TTL,
			Accessed:    we.Accessed,
			AccessCount: we.AccessCount,
			Metadata: models.EntryMetadata{
				Table:    we.Table,
				EntityID: we.EntityID,
				Tags:     we.Tags,
				Size:     we.Size,
			},
		}
		if entry.Expired(now) {
			stale = append(stale, key)
			continue
		}
		entries[key] = entry
	}

	if len(stale) > 0 {
		if err := s.delete(ctx, stale...); err != nil {
			s.logger.Warn("Failed to prune stale persisted cache keys", zap.Error(err))
		}
	}

	return entries, nil
}

func toAny(keys []string) []any {
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}
