// Package aegis is a compliance-aware persistence façade. Every
// operation against the underlying backend runs through a pipeline of
// consent checking, validation, field encryption, optional write
// queueing, multi-tier caching and audit logging, with GDPR metadata
// derived per table and operation.
package aegis

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"goflare.io/aegis/internal/config"
	"goflare.io/aegis/internal/models"
	"goflare.io/aegis/internal/storage"
	"goflare.io/aegis/pkg/driver"
)

// Aegis wraps a backend with the compliance pipeline. Construct it with
// New; the zero value is not usable.
type Aegis struct {
	orch   *storage.Orchestrator
	logger *zap.Logger
}

// New assembles and initializes the façade around a backend. Options
// configure caching, compliance services and tuning; the defaults give
// an in-memory cache, an in-memory consent registry and a query-only
// audit window. Operations without an actor in their context run as the
// system and skip the consent gate.
func New(ctx context.Context, backend driver.Backend, opts ...Option) (*Aegis, error) {
	b, err := newBuilder(backend, opts)
	if err != nil {
		return nil, err
	}

	orch, err := storage.New(b.cfg, b.services, b.metrics)
	if err != nil {
		return nil, fmt.Errorf("assemble storage: %w", err)
	}
	if err := orch.Initialize(ctx); err != nil {
		return nil, err
	}

	return &Aegis{orch: orch, logger: b.cfg.Logger}, nil
}

// WithActor returns a context carrying the acting user's id. Operations
// without an actor run as the system and bypass consent checks.
func WithActor(ctx context.Context, userID string) context.Context {
	return storage.WithActor(ctx, userID)
}

// Create persists a new record and returns it with generated fields.
func (a *Aegis) Create(ctx context.Context, table string, entity driver.Entity) (driver.Entity, error) {
	return a.orch.Create(ctx, table, entity)
}

// Read fetches one record by id.
func (a *Aegis) Read(ctx context.Context, table, id string) (driver.Entity, error) {
	return a.orch.Read(ctx, table, id)
}

// Update overwrites an existing record.
func (a *Aegis) Update(ctx context.Context, table, id string, entity driver.Entity) (driver.Entity, error) {
	return a.orch.Update(ctx, table, id, entity)
}

// Delete removes a record.
func (a *Aegis) Delete(ctx context.Context, table, id string) error {
	return a.orch.Delete(ctx, table, id)
}

// CreateMany persists a batch in one backend call.
func (a *Aegis) CreateMany(ctx context.Context, table string, entities []driver.Entity) ([]driver.Entity, error) {
	return a.orch.CreateMany(ctx, table, entities)
}

// Query returns matching records; repeated identical queries are served
// from cache until the table changes.
func (a *Aegis) Query(ctx context.Context, table string, q driver.Query) ([]driver.Entity, error) {
	return a.orch.Query(ctx, table, q)
}

// Count reports how many records match the filter.
func (a *Aegis) Count(ctx context.Context, table string, q driver.Query) (int64, error) {
	return a.orch.Count(ctx, table, q)
}

// Exists reports whether a record is present.
func (a *Aegis) Exists(ctx context.Context, table, id string) (bool, error) {
	return a.orch.Exists(ctx, table, id)
}

// Clear drops every record in a table.
func (a *Aegis) Clear(ctx context.Context, table string) error {
	return a.orch.Clear(ctx, table)
}

// BeginTransaction opens a backend transaction.
func (a *Aegis) BeginTransaction(ctx context.Context, isolation string) (*driver.Transaction, error) {
	return a.orch.BeginTransaction(ctx, isolation)
}

// CommitTransaction commits an open transaction.
func (a *Aegis) CommitTransaction(ctx context.Context, txID string) error {
	return a.orch.CommitTransaction(ctx, txID)
}

// RollbackTransaction aborts an open transaction.
func (a *Aegis) RollbackTransaction(ctx context.Context, txID string) error {
	return a.orch.RollbackTransaction(ctx, txID)
}

// GrantConsent records consent for the given purposes.
func (a *Aegis) GrantConsent(ctx context.Context, userID string, purposes []string) error {
	return a.orch.GrantConsent(ctx, userID, purposes)
}

// RevokeConsent withdraws consent for the given purposes.
func (a *Aegis) RevokeConsent(ctx context.Context, userID string, purposes []string) error {
	return a.orch.RevokeConsent(ctx, userID, purposes)
}

// CheckConsent reports whether the user grants a purpose.
func (a *Aegis) CheckConsent(ctx context.Context, userID, purpose string) (bool, error) {
	return a.orch.CheckConsent(ctx, userID, purpose)
}

// GetConsentStatus lists a user's recorded consent decisions.
func (a *Aegis) GetConsentStatus(ctx context.Context, userID, purposeID string) ([]driver.ConsentStatus, error) {
	return a.orch.GetConsentStatus(ctx, userID, purposeID)
}

// ExportUserData gathers everything stored about a user (right of
// access).
func (a *Aegis) ExportUserData(ctx context.Context, userID string) (map[string][]driver.Entity, error) {
	return a.orch.ExportUserData(ctx, userID)
}

// DeleteUserData erases everything stored about a user (right to
// erasure) and returns the number of deleted records.
func (a *Aegis) DeleteUserData(ctx context.Context, userID string) (int64, error) {
	return a.orch.DeleteUserData(ctx, userID)
}

// GetAuditLogs reads back recorded audit entries.
func (a *Aegis) GetAuditLogs(ctx context.Context, q driver.AuditQuery) ([]driver.AuditEntry, error) {
	return a.orch.GetAuditLogs(ctx, q)
}

// RotateEncryptionKey creates a new key generation.
func (a *Aegis) RotateEncryptionKey(ctx context.Context) (driver.KeyVersion, error) {
	return a.orch.RotateEncryptionKey(ctx)
}

// EncryptionKeyVersions lists all key generations.
func (a *Aegis) EncryptionKeyVersions(ctx context.Context) ([]driver.KeyVersion, error) {
	return a.orch.EncryptionKeyVersions(ctx)
}

// GetStorageInfo describes the backend.
func (a *Aegis) GetStorageInfo(ctx context.Context) (driver.StorageInfo, error) {
	return a.orch.GetStorageInfo(ctx)
}

// GetPerformanceMetrics merges backend, pipeline and cache metrics.
func (a *Aegis) GetPerformanceMetrics(ctx context.Context) (map[string]any, error) {
	return a.orch.GetPerformanceMetrics(ctx)
}

// GetConfiguration returns the effective configuration with secrets
// masked.
func (a *Aegis) GetConfiguration() map[string]any {
	return a.orch.GetConfiguration()
}

// GetCapabilities reports which optional services are active.
func (a *Aegis) GetCapabilities() map[string]bool {
	return a.orch.GetCapabilities()
}

// GetStatus aggregates backend health with component readiness.
func (a *Aegis) GetStatus(ctx context.Context) driver.HealthStatus {
	return a.orch.GetStatus(ctx)
}

// CacheStats returns a snapshot of cache counters, or the zero snapshot
// when caching is disabled.
func (a *Aegis) CacheStats() models.StatsSnapshot {
	if engine := a.orch.Engine(); engine != nil {
		return engine.Stats()
	}
	return models.StatsSnapshot{}
}

// Backup streams a backend snapshot to w.
func (a *Aegis) Backup(ctx context.Context, w io.Writer) error {
	return a.orch.Backup(ctx, w)
}

// Restore replaces backend contents from a snapshot.
func (a *Aegis) Restore(ctx context.Context, r io.Reader) error {
	return a.orch.Restore(ctx, r)
}

// On registers an event handler and returns its subscription id.
func (a *Aegis) On(t storage.EventType, fn storage.Handler) storage.Subscription {
	return a.orch.On(t, fn)
}

// Off removes a previously registered handler.
func (a *Aegis) Off(t storage.EventType, sub storage.Subscription) {
	a.orch.Off(t, sub)
}

// Close shuts the pipeline down: the queue drains, the cache flushes,
// audit and backend close. Safe to call repeatedly.
func (a *Aegis) Close(ctx context.Context) error {
	return a.orch.Close(ctx)
}

// SystemActor is the reserved actor id that bypasses consent checks.
const SystemActor = config.SystemActor
