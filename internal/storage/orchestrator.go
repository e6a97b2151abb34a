// Package storage implements the compliance-aware orchestrator: a single
// entry point for CRUD/query/transaction operations that layers consent
// enforcement, field encryption, multi-tier caching, write batching and
// audit logging over a pluggable backend.
package storage

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"goflare.io/aegis/internal/cache"
	"goflare.io/aegis/internal/config"
	"goflare.io/aegis/internal/metrics"
	"goflare.io/aegis/pkg/driver"
)

// Services bundles the injected collaborators. Backend is required; the
// rest are optional and gate their pipeline stages.
type Services struct {
	Backend       driver.Backend
	Encryption    driver.EncryptionService
	Consent       driver.ConsentManager
	Audit         driver.AuditLogger
	Queue         driver.UpdateQueue
	SubjectRights driver.SubjectRights
	Validator     Validator
}

// Orchestrator composes the cache engine, the compliance services and the
// backend into the public persistence API.
type Orchestrator struct {
	cfg    *config.Config
	logger *zap.Logger
	m      *metrics.Metrics
	tracer trace.Tracer

	backend       driver.Backend
	encryption    driver.EncryptionService
	consent       driver.ConsentManager
	audit         driver.AuditLogger
	queue         driver.UpdateQueue
	subjectRights driver.SubjectRights
	validator     Validator

	engine *cache.Engine
	events *emitter
	sf     singleflight.Group

	opsTotal    atomic.Int64
	errsTotal   atomic.Int64
	opsDuration atomic.Int64 // nanoseconds

	mu          sync.Mutex
	initialized bool
	openTx      map[string]struct{}
}

// New wires an orchestrator; Initialize must be called before use.
func New(cfg *config.Config, svcs Services, m *metrics.Metrics) (*Orchestrator, error) {
	if svcs.Backend == nil {
		return nil, fmt.Errorf("storage backend is required")
	}
	if m == nil {
		m = metrics.Nop()
	}

	o := &Orchestrator{
		cfg:           cfg,
		logger:        cfg.Logger,
		m:             m,
		tracer:        otel.Tracer("aegis/storage"),
		backend:       svcs.Backend,
		encryption:    svcs.Encryption,
		consent:       svcs.Consent,
		audit:         svcs.Audit,
		queue:         svcs.Queue,
		subjectRights: svcs.SubjectRights,
		validator:     svcs.Validator,
		events:        newEmitter(cfg.Logger),
		openTx:        make(map[string]struct{}),
	}

	if cfg.Cache.Enabled {
		o.engine = cache.New(cfg.Cache, cfg.Codec, cfg.Logger, m)
	}
	return o, nil
}

// Initialize connects the backend, then brings up the compliance services
// and finally the performance services. Teardown runs the exact reverse
// order. A second call is a guarded no-op.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	if o.initialized {
		o.mu.Unlock()
		o.logger.Warn("Storage orchestrator already initialized, ignoring")
		return nil
	}
	o.mu.Unlock()

	if err := o.backend.Connect(ctx); err != nil {
		return &InitError{Phase: "initialize", Config: o.cfg.Sanitized(),
			Err: fmt.Errorf("failed to connect backend: %w", err)}
	}

	if o.cfg.Compliance.Enabled {
		if o.cfg.Compliance.EncryptionEnabled && o.encryption == nil {
			o.teardownBackend(ctx)
			return &InitError{Phase: "initialize", Config: o.cfg.Sanitized(),
				Err: fmt.Errorf("encryption enabled but no encryption service provided")}
		}
		if o.cfg.Compliance.AuditEnabled && o.audit == nil {
			o.teardownBackend(ctx)
			return &InitError{Phase: "initialize", Config: o.cfg.Sanitized(),
				Err: fmt.Errorf("audit enabled but no audit logger provided")}
		}
	}

	if o.engine != nil {
		if err := o.engine.Initialize(ctx); err != nil {
			o.teardownBackend(ctx)
			return &InitError{Phase: "initialize", Config: o.cfg.Sanitized(), Err: err}
		}
		// Bridge engine events onto the public emitter.
		o.engine.Notify(func(ev cache.Event) {
			out := Event{Type: EventType(ev.Type), Fields: ev.Fields}
			if table, ok := ev.Fields["table"].(string); ok {
				out.Table = table
			}
			if id, ok := ev.Fields["id"].(string); ok {
				out.ID = id
			}
			o.events.emit(out)
		})
	}

	o.mu.Lock()
	o.initialized = true
	o.mu.Unlock()

	o.logger.Info("Storage orchestrator initialized",
		zap.Bool("cache", o.engine != nil),
		zap.Bool("compliance", o.cfg.Compliance.Enabled),
		zap.Bool("queue", o.queueEnabled()))
	return nil
}

// Close tears down in reverse initialization order: queue, cache,
// audit, backend. Safe to call repeatedly.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if !o.initialized {
		o.mu.Unlock()
		return nil
	}
	o.initialized = false
	o.mu.Unlock()

	var firstErr error

	if o.queue != nil {
		if err := o.queue.Close(); err != nil {
			firstErr = err
		}
	}
	if o.engine != nil {
		if err := o.engine.Destroy(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if o.audit != nil {
		if err := o.audit.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	o.rollbackOpenTransactions(ctx)
	if err := o.backend.Disconnect(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	o.events.close()

	if firstErr != nil {
		return &InitError{Phase: "destroy", Config: o.cfg.Sanitized(), Err: firstErr}
	}
	o.logger.Info("Storage orchestrator closed")
	return nil
}

func (o *Orchestrator) teardownBackend(ctx context.Context) {
	if err := o.backend.Disconnect(ctx); err != nil {
		o.logger.Warn("Failed to disconnect backend during aborted initialization", zap.Error(err))
	}
}

func (o *Orchestrator) isInitialized() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.initialized
}

func (o *Orchestrator) queueEnabled() bool {
	return o.cfg.Queue.Enabled && o.queue != nil && o.queue.Enabled()
}

// On subscribes a handler to an event type.
func (o *Orchestrator) On(t EventType, fn Handler) Subscription {
	return o.events.on(t, fn)
}

// Off removes a subscription.
func (o *Orchestrator) Off(t EventType, sub Subscription) {
	o.events.off(t, sub)
}

// Engine exposes the cache engine for monitoring; nil when caching is
// disabled.
func (o *Orchestrator) Engine() *cache.Engine { return o.engine }
