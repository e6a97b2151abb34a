// Package cache implements the multi-tier cache engine: an always-present
// in-process tier plus an optional redis-backed persistent tier, with
// per-layer eviction policies, promotion between tiers, a query-result
// cache and tag-based invalidation. Per-operation failures degrade to
// misses; only lifecycle failures surface as errors.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"goflare.io/aegis/internal/config"
	"goflare.io/aegis/internal/metrics"
	"goflare.io/aegis/internal/models"
	"goflare.io/aegis/pkg/serialization"
)

// QueryTable is the virtual table holding cached query results.
const QueryTable = "queries"

// LifecycleError is the fatal error kind raised by Initialize and
// Destroy. Per-operation failures never surface as errors.
type LifecycleError struct {
	Op     string
	Config map[string]any
	Err    error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("cache %s failed: %v", e.Op, e.Err)
}

func (e *LifecycleError) Unwrap() error { return e.Err }

// Engine owns the cache tiers, ordered fastest-first.
type Engine struct {
	cfg    config.CacheConfig
	codec  serialization.Codec
	logger *zap.Logger
	m      *metrics.Metrics
	tracer trace.Tracer

	mu     sync.Mutex
	layers []*Layer
	filter *bloom.BloomFilter

	stats *models.Stats

	listeners []Listener

	initialized bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// New creates an engine; Initialize must be called before use.
func New(cfg config.CacheConfig, codec serialization.Codec, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if m == nil {
		m = metrics.Nop()
	}
	return &Engine{
		cfg:    cfg,
		codec:  codec,
		logger: logger,
		m:      m,
		tracer: otel.Tracer("aegis/cache"),
		stats:  models.NewStats(),
	}
}

// Notify registers a listener for engine events.
func (e *Engine) Notify(fn Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Initialize builds the configured layers and starts the cleanup and
// hit-ratio tickers. A second call is a no-op with a warning.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		e.logger.Warn("Cache engine already initialized, ignoring")
		return nil
	}

	var layers []*Layer

	if e.cfg.MemoryEnabled {
		layers = append(layers, newLayer(
			MemoryLayerName, LayerTypeMemory,
			e.cfg.MemoryMaxSize, e.cfg.MemoryTTL, e.cfg.MemoryPolicy,
		))
	}

	if pc := e.cfg.Persistent; pc != nil {
		layer := newLayer(
			PersistentLayerName, LayerTypePersistent,
			pc.MaxSize, pc.TTL, pc.Policy,
		)
		layer.store = newRedisStore(pc, e.cfg.Breaker, e.codec, layer.Name, e.logger)

		if err := layer.store.connect(ctx); err != nil {
			return &LifecycleError{Op: "initialize", Err: err}
		}

		entries, err := layer.store.load(ctx)
		if err != nil {
			// Warm reload is an optimization; a cold persistent layer
			// still works.
			e.logger.Warn("Persistent cache warm reload failed, starting cold", zap.Error(err))
		} else {
			var bytes int64
			for key, entry := range entries {
				layer.entries[key] = entry
				bytes += entry.Metadata.Size
			}
			e.stats.MemoryUsage.Add(bytes)
			e.logger.Info("Persistent cache layer reloaded",
				zap.Int("entries", len(entries)))
		}
		layers = append(layers, layer)
	}

	if len(layers) == 0 {
		return &LifecycleError{Op: "initialize", Err: fmt.Errorf("no cache layers configured")}
	}

	if e.cfg.Bloom.Enabled {
		e.filter = bloom.NewWithEstimates(e.cfg.Bloom.ExpectedItems, e.cfg.Bloom.FalsePositiveRate)
		for _, layer := range layers {
			for key := range layer.entries {
				e.filter.AddString(key)
			}
		}
	}

	e.layers = layers
	e.stopCh = make(chan struct{})
	e.initialized = true

	e.wg.Add(2)
	go e.cleanupLoop()
	go e.hitRatioLoop()

	e.logger.Info("Cache engine initialized",
		zap.Int("layers", len(layers)),
		zap.Bool("persistent", e.cfg.Persistent != nil))

	return nil
}

// Destroy stops the tickers, clears every layer and releases listeners.
// Safe to call when already destroyed.
func (e *Engine) Destroy(ctx context.Context) error {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return nil
	}
	e.initialized = false
	close(e.stopCh)
	layers := e.layers
	e.layers = nil
	e.listeners = nil
	e.mu.Unlock()

	e.wg.Wait()

	var firstErr error
	for _, layer := range layers {
		layer.flush()
		if layer.store != nil {
			if err := layer.store.close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	e.stats.Reset()

	if firstErr != nil {
		return &LifecycleError{Op: "destroy", Err: firstErr}
	}
	e.logger.Info("Cache engine destroyed")
	return nil
}

// Initialized reports lifecycle state.
func (e *Engine) Initialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized
}

// Stats returns a point-in-time snapshot of the engine counters.
func (e *Engine) Stats() models.StatsSnapshot {
	snap := e.stats.Snapshot()
	e.mu.Lock()
	for _, layer := range e.layers {
		snap.Layers[layer.Name] = layer.statsSnapshot()
	}
	e.mu.Unlock()
	return snap
}

// emit fans an event out to listeners, isolating panics so one listener
// cannot take down the caller. Must not hold e.mu.
func (e *Engine) emit(ev Event) {
	e.mu.Lock()
	listeners := make([]Listener, len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("Cache event listener panicked",
						zap.String("event", string(ev.Type)),
						zap.Any("panic", r))
				}
			}()
			fn(ev)
		}()
	}
}

// cleanupLoop deletes expired entries on a timer, independent of access
// patterns and capacity.
func (e *Engine) cleanupLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.sweep()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) sweep() {
	now := time.Now()
	type sweepResult struct {
		layer   *Layer
		removed []string
	}
	var results []sweepResult

	e.mu.Lock()
	for _, layer := range e.layers {
		removed, freed := layer.sweepExpired(now)
		if len(removed) > 0 {
			e.stats.MemoryUsage.Sub(freed)
			e.m.CacheSizeGauge.WithLabelValues(layer.Name).Set(float64(layer.size()))
			results = append(results, sweepResult{layer, removed})
		}
	}
	e.mu.Unlock()

	ctx := context.Background()
	for _, r := range results {
		if r.layer.store != nil {
			if err := r.layer.store.delete(ctx, r.removed...); err != nil {
				e.logger.Warn("Failed to sweep persisted cache entries", zap.Error(err))
			}
		}
		e.logger.Debug("Cache cleanup sweep removed expired entries",
			zap.String("layer", r.layer.Name),
			zap.Int("removed", len(r.removed)))
	}
}

// hitRatioLoop periodically recomputes the cumulative hit ratio.
func (e *Engine) hitRatioLoop() {
	defer e.wg.Done()
	interval := e.cfg.HitRatioInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.stats.RecomputeHitRatio()
		case <-e.stopCh:
			return
		}
	}
}
