package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"goflare.io/aegis/internal/config"
	"goflare.io/aegis/internal/metrics"
	"goflare.io/aegis/internal/models"
	"goflare.io/aegis/pkg/serialization"
)

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		Enabled:            true,
		MemoryEnabled:      true,
		MemoryMaxSize:      100,
		MemoryTTL:          time.Minute,
		MemoryPolicy:       config.PolicyLRU,
		PromotionThreshold: 3,
		CleanupInterval:    time.Minute,
		HitRatioInterval:   time.Minute,
		QueryTTL:           time.Minute,
	}
}

func newTestEngine(t *testing.T, cfg config.CacheConfig) *Engine {
	t.Helper()
	e := New(cfg, serialization.JSON(), zap.NewNop(), metrics.Nop())
	require.NoError(t, e.Initialize(context.Background()))
	t.Cleanup(func() { _ = e.Destroy(context.Background()) })
	return e
}

func seedEntry(data any, at time.Time, accessCount int64, size int64) *models.Entry {
	return &models.Entry{
		Data:        data,
		Timestamp:   at,
		TTL:         time.Hour,
		Accessed:    at,
		AccessCount: accessCount,
		Metadata:    models.EntryMetadata{Size: size},
	}
}

func TestLayerPutEnforcesCapacityBeforeInsert(t *testing.T) {
	l := newLayer("memory", LayerTypeMemory, 2, time.Minute, config.PolicyLRU)
	now := time.Now()

	l.entries["a"] = seedEntry("a", now.Add(-3*time.Minute), 0, 1)
	l.entries["b"] = seedEntry("b", now.Add(-2*time.Minute), 0, 1)

	evicted, _, stored := l.put("c", seedEntry("c", now, 0, 1), now)
	assert.True(t, stored)
	assert.Equal(t, []string{"a"}, evicted, "least recently accessed entry goes first")
	assert.LessOrEqual(t, l.size(), l.MaxSize)
	_, ok := l.lookup("c")
	assert.True(t, ok)
}

func TestLayerPutExistingKeyNeverEvicts(t *testing.T) {
	l := newLayer("memory", LayerTypeMemory, 2, time.Minute, config.PolicyLRU)
	now := time.Now()

	l.entries["a"] = seedEntry("a", now, 0, 1)
	l.entries["b"] = seedEntry("b", now, 0, 1)

	evicted, _, stored := l.put("a", seedEntry("a2", now, 0, 1), now)
	assert.True(t, stored)
	assert.Empty(t, evicted, "overwriting in place needs no capacity")
	assert.Equal(t, 2, l.size())
}

func TestEvictionLFUOrdersByAccessCount(t *testing.T) {
	l := newLayer("memory", LayerTypeMemory, 3, time.Minute, config.PolicyLFU)
	now := time.Now()

	l.entries["hot"] = seedEntry(1, now, 10, 1)
	l.entries["warm"] = seedEntry(2, now, 5, 1)
	l.entries["cold"] = seedEntry(3, now, 1, 1)

	victims, _ := l.evict(2, now)
	assert.Equal(t, []string{"cold", "warm"}, victims)
}

func TestEvictionTieBreaksByKey(t *testing.T) {
	l := newLayer("memory", LayerTypeMemory, 3, time.Minute, config.PolicyLFU)
	now := time.Now()

	l.entries["b"] = seedEntry(1, now, 2, 1)
	l.entries["a"] = seedEntry(2, now, 2, 1)
	l.entries["c"] = seedEntry(3, now, 2, 1)

	victims, _ := l.evict(2, now)
	assert.Equal(t, []string{"a", "b"}, victims, "equal rank falls back to key order")
}

func TestEvictionFIFOOrdersByInsertionTime(t *testing.T) {
	l := newLayer("memory", LayerTypeMemory, 3, time.Minute, config.PolicyFIFO)
	now := time.Now()

	l.entries["newest"] = seedEntry(1, now, 0, 1)
	l.entries["oldest"] = seedEntry(2, now.Add(-2*time.Hour), 0, 1)
	l.entries["middle"] = seedEntry(3, now.Add(-time.Hour), 0, 1)

	victims, _ := l.evict(1, now)
	assert.Equal(t, []string{"oldest"}, victims)
}

func TestEvictionTTLRemovesOnlyExpired(t *testing.T) {
	l := newLayer("memory", LayerTypeMemory, 3, time.Minute, config.PolicyTTL)
	now := time.Now()

	live := seedEntry(1, now, 0, 1)
	l.entries["live"] = live
	expired := seedEntry(2, now.Add(-2*time.Hour), 0, 1)
	expired.TTL = time.Minute
	l.entries["expired"] = expired

	victims, _ := l.evict(3, now)
	assert.Equal(t, []string{"expired"}, victims, "live entries are not TTL victims")

	// With nothing expired, a full layer refuses the insert instead of
	// breaking the capacity bound.
	full := newLayer("memory", LayerTypeMemory, 1, time.Minute, config.PolicyTTL)
	full.entries["live"] = seedEntry(1, now, 0, 1)
	_, _, stored := full.put("more", seedEntry(2, now, 0, 1), now)
	assert.False(t, stored)
	assert.Equal(t, 1, full.size())
}

func TestEngineSetGetRoundTrip(t *testing.T) {
	e := newTestEngine(t, testCacheConfig())
	ctx := context.Background()

	e.Set(ctx, "users", "u1", map[string]any{"name": "Alice"}, SetOptions{})

	value, res := e.Get(ctx, "users", "u1")
	require.True(t, res.Hit())
	assert.Equal(t, MemoryLayerName, res.Layer)
	assert.Equal(t, map[string]any{"name": "Alice"}, value)

	_, res = e.Get(ctx, "users", "nope")
	assert.Equal(t, KindMiss, res.Kind)

	snap := e.Stats()
	assert.Equal(t, int64(1), snap.Hits)
	assert.Equal(t, int64(1), snap.Misses)
	assert.Equal(t, int64(1), snap.Sets)
}

func TestEngineExpiredEntryIsMissAndPurged(t *testing.T) {
	e := newTestEngine(t, testCacheConfig())
	ctx := context.Background()

	e.Set(ctx, "users", "u1", "v", SetOptions{TTL: time.Millisecond})
	time.Sleep(5 * time.Millisecond)

	_, res := e.Get(ctx, "users", "u1")
	assert.Equal(t, KindMiss, res.Kind)

	e.mu.Lock()
	_, still := e.layers[0].lookup(EntryKey("users", "u1"))
	e.mu.Unlock()
	assert.False(t, still, "expired entry purged on read")
}

func TestEngineBloomFilterShortCircuitsMisses(t *testing.T) {
	cfg := testCacheConfig()
	cfg.Bloom = config.BloomConfig{Enabled: true, ExpectedItems: 1000, FalsePositiveRate: 0.01}
	e := newTestEngine(t, cfg)
	ctx := context.Background()

	e.Set(ctx, "users", "u1", "v", SetOptions{})
	_, res := e.Get(ctx, "users", "u1")
	assert.True(t, res.Hit())

	_, res = e.Get(ctx, "users", "never-set")
	assert.Equal(t, KindMiss, res.Kind)
}

func TestEngineGetBeforeInitializeDegrades(t *testing.T) {
	e := New(testCacheConfig(), serialization.JSON(), zap.NewNop(), metrics.Nop())
	_, res := e.Get(context.Background(), "users", "u1")
	assert.Equal(t, KindDegraded, res.Kind)
	assert.Error(t, res.Cause)
}

func TestEngineDoubleInitializeAndDestroyAreIdempotent(t *testing.T) {
	e := New(testCacheConfig(), serialization.JSON(), zap.NewNop(), metrics.Nop())
	ctx := context.Background()
	require.NoError(t, e.Initialize(ctx))
	require.NoError(t, e.Initialize(ctx))
	require.NoError(t, e.Destroy(ctx))
	require.NoError(t, e.Destroy(ctx))
}

func TestEngineClearTableRemovesOnlyThatTable(t *testing.T) {
	e := newTestEngine(t, testCacheConfig())
	ctx := context.Background()

	e.Set(ctx, "users", "u1", "a", SetOptions{})
	e.Set(ctx, "users", "u2", "b", SetOptions{})
	e.Set(ctx, "orders", "o1", "c", SetOptions{})

	e.ClearTable(ctx, "users")

	_, res := e.Get(ctx, "users", "u1")
	assert.False(t, res.Hit())
	_, res = e.Get(ctx, "orders", "o1")
	assert.True(t, res.Hit())

	// Clearing an absent table is a no-op.
	e.ClearTable(ctx, "missing")
}

func TestEngineQueryCacheInvalidationByTag(t *testing.T) {
	e := newTestEngine(t, testCacheConfig())
	ctx := context.Background()

	sig := Signature(serialization.JSON(), "users", map[string]any{"limit": 10})
	e.SetQuery(ctx, sig, []string{"u1", "u2"}, []string{"users"})

	_, res := e.GetQuery(ctx, sig)
	require.True(t, res.Hit())

	e.InvalidateQueries(ctx, []string{"orders"})
	_, res = e.GetQuery(ctx, sig)
	assert.True(t, res.Hit(), "unrelated tag leaves the query cached")

	e.InvalidateQueries(ctx, []string{"users"})
	_, res = e.GetQuery(ctx, sig)
	assert.False(t, res.Hit())
}

func TestSignatureIsStableAndDiscriminates(t *testing.T) {
	codec := serialization.JSON()
	q1 := map[string]any{"filters": map[string]any{"name": "a"}}
	assert.Equal(t, Signature(codec, "users", q1), Signature(codec, "users", q1))
	assert.NotEqual(t, Signature(codec, "users", q1), Signature(codec, "orders", q1))
}

func TestEngineEmitsEvents(t *testing.T) {
	e := newTestEngine(t, testCacheConfig())
	ctx := context.Background()

	var types []EventType
	e.Notify(func(ev Event) { types = append(types, ev.Type) })

	e.Set(ctx, "users", "u1", "v", SetOptions{})
	e.Get(ctx, "users", "u1")
	e.Get(ctx, "users", "absent")

	assert.Contains(t, types, EventHit)
	assert.Contains(t, types, EventMiss)
}

func TestEngineListenerPanicIsIsolated(t *testing.T) {
	e := newTestEngine(t, testCacheConfig())
	ctx := context.Background()

	e.Notify(func(Event) { panic("listener bug") })
	e.Set(ctx, "users", "u1", "v", SetOptions{})

	_, res := e.Get(ctx, "users", "u1")
	assert.True(t, res.Hit())
}

func TestEnginePromotionCopiesIntoMemoryTier(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testCacheConfig()
	cfg.Persistent = &config.PersistentConfig{
		Addr:    mr.Addr(),
		MaxSize: 100,
		TTL:     time.Hour,
		Policy:  config.PolicyLRU,
	}
	e := newTestEngine(t, cfg)
	ctx := context.Background()

	// Plant the entry in the persistent tier only, one read short of the
	// promotion threshold.
	key := EntryKey("users", "u1")
	e.mu.Lock()
	persistent := e.layers[1]
	entry := seedEntry("payload", time.Now(), cfg.PromotionThreshold-1, 8)
	persistent.entries[key] = entry
	e.mu.Unlock()

	_, res := e.Get(ctx, "users", "u1")
	require.True(t, res.Hit())
	assert.Equal(t, PersistentLayerName, res.Layer)

	e.mu.Lock()
	promoted, inMemory := e.layers[0].lookup(key)
	source, inPersistent := persistent.lookup(key)
	e.mu.Unlock()

	require.True(t, inMemory, "hot entry copied into the memory tier")
	assert.True(t, inPersistent, "promotion copies, the source keeps its entry")
	require.NotNil(t, promoted)
	assert.NotSame(t, source, promoted)
	assert.Equal(t, "payload", promoted.Data)
}

func TestEnginePromotionOverflowEmitsEviction(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testCacheConfig()
	cfg.MemoryMaxSize = 1
	cfg.Persistent = &config.PersistentConfig{
		Addr:    mr.Addr(),
		MaxSize: 100,
		TTL:     time.Hour,
		Policy:  config.PolicyLRU,
	}
	e := newTestEngine(t, cfg)
	ctx := context.Background()

	var evictions []Event
	e.Notify(func(ev Event) {
		if ev.Type == EventEviction {
			evictions = append(evictions, ev)
		}
	})

	// Fill the single memory slot, then plant a hot entry in the
	// persistent tier so the next read promotes it over the resident.
	e.Set(ctx, "users", "cold", "cold-payload", SetOptions{})

	hotKey := EntryKey("users", "hot")
	e.mu.Lock()
	e.layers[1].entries[hotKey] = seedEntry("hot-payload", time.Now(), cfg.PromotionThreshold-1, 8)
	e.mu.Unlock()

	_, res := e.Get(ctx, "users", "hot")
	require.True(t, res.Hit())

	e.mu.Lock()
	_, coldResident := e.layers[0].lookup(EntryKey("users", "cold"))
	_, hotResident := e.layers[0].lookup(hotKey)
	e.mu.Unlock()
	require.False(t, coldResident, "promotion displaced the resident entry")
	require.True(t, hotResident)

	require.Len(t, evictions, 1, "promotion-driven evictions are observable")
	assert.Equal(t, MemoryLayerName, evictions[0].Fields["layer"])
	assert.Equal(t, 1, evictions[0].Fields["evicted"])
	assert.Equal(t, config.PolicyLRU, evictions[0].Fields["policy"])
}

func TestEnginePersistentWarmReload(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testCacheConfig()
	cfg.MemoryEnabled = false
	cfg.Persistent = &config.PersistentConfig{
		Addr:    mr.Addr(),
		MaxSize: 100,
		TTL:     time.Hour,
		Policy:  config.PolicyLRU,
	}
	ctx := context.Background()

	first := New(cfg, serialization.JSON(), zap.NewNop(), metrics.Nop())
	require.NoError(t, first.Initialize(ctx))
	first.Set(ctx, "users", "u1", map[string]any{"name": "Alice"}, SetOptions{})
	require.NoError(t, first.Destroy(ctx))

	second := New(cfg, serialization.JSON(), zap.NewNop(), metrics.Nop())
	require.NoError(t, second.Initialize(ctx))
	t.Cleanup(func() { _ = second.Destroy(ctx) })

	value, res := second.Get(ctx, "users", "u1")
	require.True(t, res.Hit(), "entries survive a restart via the key index")
	assert.Equal(t, map[string]any{"name": "Alice"}, value)
}

func TestEnginePersistentRedisDownDegradesToMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testCacheConfig()
	cfg.Persistent = &config.PersistentConfig{
		Addr:    mr.Addr(),
		MaxSize: 100,
		TTL:     time.Hour,
		Policy:  config.PolicyLRU,
	}
	e := newTestEngine(t, cfg)
	ctx := context.Background()

	e.Set(ctx, "users", "u1", "v", SetOptions{})
	mr.Close()

	// The in-process mirror still answers; writes to the dead store are
	// swallowed.
	e.Set(ctx, "users", "u2", "w", SetOptions{Layer: PersistentLayerName})
	_, res := e.Get(ctx, "users", "u1")
	assert.True(t, res.Hit())
}

func TestEngineSweepRemovesExpiredEntries(t *testing.T) {
	e := newTestEngine(t, testCacheConfig())
	ctx := context.Background()

	e.Set(ctx, "users", "gone", "v", SetOptions{TTL: time.Millisecond})
	e.Set(ctx, "users", "kept", "v", SetOptions{TTL: time.Hour})
	time.Sleep(5 * time.Millisecond)

	e.sweep()

	e.mu.Lock()
	_, gone := e.layers[0].lookup(EntryKey("users", "gone"))
	_, kept := e.layers[0].lookup(EntryKey("users", "kept"))
	e.mu.Unlock()
	assert.False(t, gone)
	assert.True(t, kept)
}

func TestStatsHitRatioRecompute(t *testing.T) {
	s := models.NewStats()
	assert.Zero(t, s.Snapshot().HitRatio, "no traffic means ratio zero, not NaN")

	s.Hits.Add(3)
	s.Misses.Add(1)
	s.RecomputeHitRatio()
	assert.InDelta(t, 0.75, s.Snapshot().HitRatio, 1e-9)
}

func TestEngineClearAllResetsStats(t *testing.T) {
	e := newTestEngine(t, testCacheConfig())
	ctx := context.Background()

	e.Set(ctx, "users", "u1", "v", SetOptions{})
	e.Get(ctx, "users", "u1")
	e.ClearAll(ctx)

	snap := e.Stats()
	assert.Zero(t, snap.Hits)
	assert.Zero(t, snap.Sets)
	assert.Zero(t, snap.MemoryUsage)

	_, res := e.Get(ctx, "users", "u1")
	assert.False(t, res.Hit())
}
