// Package driver defines the interfaces the persistence façade consumes:
// the durable storage backend, the compliance services (encryption,
// consent, audit) and the optional update queue. Implementations live
// elsewhere; the orchestrator depends only on these seams.
package driver

import (
	"context"
	"io"
)

// Backend is a durable CRUD/query/transaction provider.
type Backend interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	Create(ctx context.Context, table string, entity Entity) (Entity, error)
	Read(ctx context.Context, table, id string) (Entity, error)
	Update(ctx context.Context, table, id string, entity Entity) (Entity, error)
	Delete(ctx context.Context, table, id string) error

	CreateMany(ctx context.Context, table string, entities []Entity) ([]Entity, error)
	UpdateMany(ctx context.Context, table string, filter Query, patch Entity) (int64, error)
	DeleteMany(ctx context.Context, table string, filter Query) (int64, error)

	Query(ctx context.Context, table string, q Query) ([]Entity, error)
	Count(ctx context.Context, table string, q Query) (int64, error)
	Exists(ctx context.Context, table, id string) (bool, error)

	Aggregate(ctx context.Context, table string, pipeline []map[string]any) ([]Entity, error)
	Search(ctx context.Context, table, term string, fields []string) ([]Entity, error)

	BeginTransaction(ctx context.Context, isolation string) (*Transaction, error)
	CommitTransaction(ctx context.Context, txID string) error
	RollbackTransaction(ctx context.Context, txID string) error

	CreateTable(ctx context.Context, table string, schema map[string]string) error
	DropTable(ctx context.Context, table string) error
	AlterTable(ctx context.Context, table string, changes map[string]string) error
	CreateIndex(ctx context.Context, table, name string, fields []string) error
	DropIndex(ctx context.Context, table, name string) error

	Clear(ctx context.Context, table string) error
	Vacuum(ctx context.Context) error
	Analyze(ctx context.Context) error
	Backup(ctx context.Context, w io.Writer) error
	Restore(ctx context.Context, r io.Reader) error

	GetStorageInfo(ctx context.Context) (StorageInfo, error)
	GetPerformanceMetrics(ctx context.Context) (map[string]any, error)
	GetHealthStatus(ctx context.Context) (HealthStatus, error)
}

// EncryptionService transforms sensitive entity fields for storage and
// back. Key material and algorithms are an implementation concern.
type EncryptionService interface {
	ProcessForStorage(ctx context.Context, table string, entity Entity) (Entity, error)
	ProcessFromStorage(ctx context.Context, table string, entity Entity) (Entity, error)

	CreateNewVersion(ctx context.Context) (KeyVersion, error)
	Versions(ctx context.Context) ([]KeyVersion, error)
	CurrentVersion(ctx context.Context) (KeyVersion, error)

	CreateNewTableVersion(ctx context.Context, table string) (KeyVersion, error)
	TableVersions(ctx context.Context, table string) ([]KeyVersion, error)
	CurrentTableVersion(ctx context.Context, table string) (KeyVersion, error)
}

// ConsentManager answers whether a data subject granted a processing
// purpose and records grant/revoke changes.
type ConsentManager interface {
	CheckConsent(ctx context.Context, userID, purpose string) (bool, error)
	GrantConsent(ctx context.Context, userID string, purposes []string) error
	RevokeConsent(ctx context.Context, userID string, purposes []string) error

	// GetConsentStatus reports all purposes for the user, or only the
	// given one when purposeID is non-empty.
	GetConsentStatus(ctx context.Context, userID, purposeID string) ([]ConsentStatus, error)
}

// AuditLogger persists and queries the audit trail.
type AuditLogger interface {
	LogOperation(ctx context.Context, entry AuditEntry) error
	LogConsentChange(ctx context.Context, userID, purposeID, change string, details map[string]any) error
	Query(ctx context.Context, q AuditQuery) ([]AuditEntry, error)
	Ready() bool
	Close() error
}

// QueueResult is the eventual outcome of an enqueued mutation.
type QueueResult interface {
	// Wait blocks until the operation was applied (or exhausted its
	// retries) and returns the stored entity where applicable.
	Wait(ctx context.Context) (Entity, error)
}

// UpdateQueue batches mutations instead of writing synchronously.
type UpdateQueue interface {
	EnqueueCreate(ctx context.Context, table string, entity Entity) (QueueResult, error)
	EnqueueUpdate(ctx context.Context, table, id string, entity Entity) (QueueResult, error)
	EnqueueDelete(ctx context.Context, table, id string) (QueueResult, error)
	Enabled() bool
	Close() error
}

// SubjectRights implements data-subject rights (export, erasure) when the
// application needs behavior beyond the orchestrator's table scan.
type SubjectRights interface {
	Export(ctx context.Context, userID string) (map[string][]Entity, error)
	Erase(ctx context.Context, userID string) (int64, error)
}
