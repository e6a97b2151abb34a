package cache

import (
	"context"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"goflare.io/aegis/internal/models"
	"goflare.io/aegis/pkg/serialization"
)

// EntryKey builds the layer lookup key for an entity.
func EntryKey(table, id string) string {
	return table + ":" + id
}

// Signature derives an opaque, stable key for a query against a table.
func Signature(codec serialization.Codec, table string, q any) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(table))
	if data, err := codec.Marshal(q); err == nil {
		_, _ = h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SetOptions tune a single Set call. Zero values fall back to the target
// layer's defaults.
type SetOptions struct {
	TTL   time.Duration
	Layer string
	Tags  []string
}

// Get returns the cached payload for (table, id), or nil with a miss or
// degraded result. Cache failures never propagate: the cache is an
// optimization, correctness belongs to the backend.
func (e *Engine) Get(ctx context.Context, table, id string) (value any, res Result) {
	_, span := e.tracer.Start(ctx, "cache.Get",
		trace.WithAttributes(attribute.String("cache.key", EntryKey(table, id))))
	defer span.End()

	start := time.Now()
	defer func() {
		e.stats.RecordGetTime(time.Since(start))
		if r := recover(); r != nil {
			e.logger.Error("Cache get panicked, degrading to miss",
				zap.String("table", table), zap.String("id", id), zap.Any("panic", r))
			value, res = nil, degradedResult(fmt.Errorf("cache get panicked: %v", r))
		}
		span.SetAttributes(attribute.Bool("cache.hit", res.Hit()))
	}()

	return e.lookup(table, id)
}

func (e *Engine) lookup(table, id string) (any, Result) {
	key := EntryKey(table, id)
	now := time.Now()

	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return nil, degradedResult(fmt.Errorf("cache engine not initialized"))
	}

	if e.filter != nil && !e.filter.TestString(key) {
		e.stats.Misses.Inc()
		e.mu.Unlock()
		e.m.CacheMissesTotal.WithLabelValues("bloom").Inc()
		e.emit(Event{Type: EventMiss, Fields: map[string]any{"table": table, "id": id}})
		return nil, missResult()
	}

	var expired map[*Layer][]string
	for i, layer := range e.layers {
		entry, ok := layer.lookup(key)
		if !ok {
			layer.misses.Inc()
			continue
		}
		if entry.Expired(now) {
			// Purge opportunistically; an invalid entry must never hit.
			layer.remove(key)
			e.stats.MemoryUsage.Sub(entry.Metadata.Size)
			layer.misses.Inc()
			if layer.store != nil {
				if expired == nil {
					expired = make(map[*Layer][]string)
				}
				expired[layer] = append(expired[layer], key)
			}
			continue
		}

		entry.Touch(now)
		layer.hits.Inc()
		e.stats.Hits.Inc()
		promoted, promoLayer, promoPolicy := e.promote(i, key, entry, now)
		data := entry.Data
		layerName := layer.Name
		e.mu.Unlock()

		e.flushExpired(expired)
		if promoted > 0 {
			e.m.CacheEvictionsTotal.WithLabelValues(promoLayer, promoPolicy).Add(float64(promoted))
			e.emit(Event{Type: EventEviction, Fields: map[string]any{
				"layer": promoLayer, "evicted": promoted, "policy": promoPolicy,
			}})
		}
		e.m.CacheHitsTotal.WithLabelValues(layerName).Inc()
		e.emit(Event{Type: EventHit, Fields: map[string]any{
			"table": table, "id": id, "layer": layerName,
		}})
		return data, hitResult(layerName)
	}

	e.stats.Misses.Inc()
	e.mu.Unlock()

	e.flushExpired(expired)
	e.m.CacheMissesTotal.WithLabelValues("all").Inc()
	e.emit(Event{Type: EventMiss, Fields: map[string]any{"table": table, "id": id}})
	return nil, missResult()
}

// promote copies a hot entry from a slower layer into the memory tier.
// Promotion copies, never moves: the source layer keeps its entry. Any
// entries evicted to make room are returned so the caller can emit the
// eviction event outside the lock. Caller holds e.mu.
func (e *Engine) promote(layerIdx int, key string, entry *models.Entry, now time.Time) (evictedCount int, layerName, policy string) {
	if layerIdx == 0 || entry.AccessCount < e.cfg.PromotionThreshold {
		return 0, "", ""
	}
	memory := e.layers[0]
	if memory.Type != LayerTypeMemory {
		return 0, "", ""
	}

	var old int64
	if prev, ok := memory.lookup(key); ok {
		old = prev.Metadata.Size
	}
	evicted, freed, stored := memory.put(key, entry.Copy(), now)
	if stored {
		e.stats.MemoryUsage.Add(entry.Metadata.Size - old - freed)
	} else {
		e.stats.MemoryUsage.Sub(freed)
	}
	if len(evicted) > 0 {
		e.stats.Evictions.Add(int64(len(evicted)))
	}
	return len(evicted), memory.Name, memory.Policy
}

func (e *Engine) flushExpired(expired map[*Layer][]string) {
	if expired == nil {
		return
	}
	ctx := context.Background()
	for layer, keys := range expired {
		if err := layer.store.delete(ctx, keys...); err != nil {
			e.logger.Warn("Failed to delete expired persisted entries", zap.Error(err))
		}
	}
}

// Set stores a payload for (table, id). Failures are swallowed: the call
// logs and no-ops, matching the get path's fail-soft contract.
func (e *Engine) Set(ctx context.Context, table, id string, data any, opts SetOptions) {
	_, span := e.tracer.Start(ctx, "cache.Set",
		trace.WithAttributes(attribute.String("cache.key", EntryKey(table, id))))
	defer span.End()

	start := time.Now()
	defer func() {
		e.stats.RecordSetTime(time.Since(start))
		if r := recover(); r != nil {
			e.logger.Error("Cache set panicked, ignoring",
				zap.String("table", table), zap.String("id", id), zap.Any("panic", r))
		}
	}()

	key := EntryKey(table, id)
	size := e.codec.EstimateSize(data)
	now := time.Now()

	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		e.logger.Warn("Cache set on uninitialized engine, ignoring", zap.String("key", key))
		return
	}

	layer := e.targetLayer(opts.Layer)
	if layer == nil {
		e.mu.Unlock()
		e.logger.Warn("Cache set to unknown layer, ignoring",
			zap.String("layer", opts.Layer), zap.String("key", key))
		return
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = layer.TTL
	}
	entry := models.NewEntry(data, ttl, models.EntryMetadata{
		Table:    table,
		EntityID: id,
		Tags:     opts.Tags,
		Size:     size,
	})

	var old int64
	if prev, ok := layer.lookup(key); ok {
		old = prev.Metadata.Size
	}
	evicted, freed, stored := layer.put(key, entry, now)
	if stored {
		e.stats.Sets.Inc()
		e.stats.MemoryUsage.Add(size - old - freed)
		if e.filter != nil {
			e.filter.AddString(key)
		}
	} else {
		e.stats.MemoryUsage.Sub(freed)
	}
	if len(evicted) > 0 {
		e.stats.Evictions.Add(int64(len(evicted)))
	}
	layerName := layer.Name
	policy := layer.Policy
	layerSize := layer.size()
	store := layer.store
	e.mu.Unlock()

	e.m.CacheSizeGauge.WithLabelValues(layerName).Set(float64(layerSize))
	if len(evicted) > 0 {
		e.m.CacheEvictionsTotal.WithLabelValues(layerName, policy).Add(float64(len(evicted)))
		e.emit(Event{Type: EventEviction, Fields: map[string]any{
			"layer": layerName, "evicted": len(evicted), "policy": policy,
		}})
	}
	if !stored {
		e.logger.Warn("Cache layer full and nothing evictable, set skipped",
			zap.String("layer", layerName), zap.String("key", key))
		return
	}

	if store != nil {
		if len(evicted) > 0 {
			if err := store.delete(ctx, evicted...); err != nil {
				e.logger.Warn("Failed to delete evicted persisted entries", zap.Error(err))
			}
		}
		if err := store.set(ctx, key, entry); err != nil {
			e.logger.Warn("Failed to persist cache entry",
				zap.String("key", key), zap.Error(err))
		}
	}
}

// targetLayer resolves a layer by name; "" means the fastest layer.
// Caller holds e.mu.
func (e *Engine) targetLayer(name string) *Layer {
	if name == "" {
		if len(e.layers) == 0 {
			return nil
		}
		return e.layers[0]
	}
	for _, layer := range e.layers {
		if layer.Name == name {
			return layer
		}
	}
	return nil
}

// Delete removes a key from every layer. Best effort.
func (e *Engine) Delete(ctx context.Context, table, id string) {
	key := EntryKey(table, id)

	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return
	}
	var stores []*redisStore
	for _, layer := range e.layers {
		if entry, ok := layer.remove(key); ok {
			e.stats.MemoryUsage.Sub(entry.Metadata.Size)
			if layer.store != nil {
				stores = append(stores, layer.store)
			}
		}
	}
	e.stats.Deletes.Inc()
	e.mu.Unlock()

	for _, store := range stores {
		if err := store.delete(ctx, key); err != nil {
			e.logger.Warn("Failed to delete persisted cache entry",
				zap.String("key", key), zap.Error(err))
		}
	}
}

// ClearTable removes every key matching "<table>:*" from every layer.
func (e *Engine) ClearTable(ctx context.Context, table string) {
	prefix := table + ":"

	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return
	}
	removedByStore := make(map[*redisStore][]string)
	var total int
	for _, layer := range e.layers {
		removed := layer.removePrefix(prefix)
		for key, entry := range removed {
			e.stats.MemoryUsage.Sub(entry.Metadata.Size)
			if layer.store != nil {
				removedByStore[layer.store] = append(removedByStore[layer.store], key)
			}
		}
		total += len(removed)
	}
	e.mu.Unlock()

	for store, keys := range removedByStore {
		if err := store.delete(ctx, keys...); err != nil {
			e.logger.Warn("Failed to clear persisted table entries",
				zap.String("table", table), zap.Error(err))
		}
	}
	e.emit(Event{Type: EventClearTable, Fields: map[string]any{
		"table": table, "removed": total,
	}})
}

// ClearAll empties every layer and resets cumulative stats.
func (e *Engine) ClearAll(ctx context.Context) {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return
	}
	var stores []*redisStore
	for _, layer := range e.layers {
		layer.flush()
		if layer.store != nil {
			stores = append(stores, layer.store)
		}
	}
	e.stats.Reset()
	if e.filter != nil {
		e.filter.ClearAll()
	}
	e.mu.Unlock()

	for _, store := range stores {
		if err := store.clear(ctx); err != nil {
			e.logger.Warn("Failed to clear persisted cache", zap.Error(err))
		}
	}
	e.emit(Event{Type: EventClearAll, Fields: map[string]any{}})
}

// GetQuery looks up a cached query result by its signature.
func (e *Engine) GetQuery(ctx context.Context, signature string) (any, Result) {
	return e.Get(ctx, QueryTable, signature)
}

// SetQuery caches a query result under its signature, tagged so writes
// can invalidate it.
func (e *Engine) SetQuery(ctx context.Context, signature string, data any, tags []string) {
	e.Set(ctx, QueryTable, signature, data, SetOptions{
		TTL:  e.cfg.QueryTTL,
		Tags: tags,
	})
}

// InvalidateQueries removes every cached query whose tags intersect the
// given set. This is how mutations keep list reads from going stale.
func (e *Engine) InvalidateQueries(ctx context.Context, tags []string) {
	if len(tags) == 0 {
		return
	}
	prefix := QueryTable + ":"

	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return
	}
	removedByStore := make(map[*redisStore][]string)
	var total int
	for _, layer := range e.layers {
		for key, entry := range layer.entries {
			if !strings.HasPrefix(key, prefix) || !entry.HasTag(tags) {
				continue
			}
			delete(layer.entries, key)
			e.stats.MemoryUsage.Sub(entry.Metadata.Size)
			total++
			if layer.store != nil {
				removedByStore[layer.store] = append(removedByStore[layer.store], key)
			}
		}
	}
	e.mu.Unlock()

	for store, keys := range removedByStore {
		if err := store.delete(ctx, keys...); err != nil {
			e.logger.Warn("Failed to invalidate persisted query entries", zap.Error(err))
		}
	}
	if total > 0 {
		e.emit(Event{Type: EventInvalidate, Fields: map[string]any{
			"tags": tags, "removed": total,
		}})
	}
}
