package driver

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by backends when no entity exists for the
	// requested id.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicateID is returned when creating an entity whose id is
	// already present in the table.
	ErrDuplicateID = errors.New("duplicate entity id")

	// ErrTxNotSupported is returned by backends without transaction support.
	ErrTxNotSupported = errors.New("transactions not supported")
)

// Reserved entity field names. Every persisted record carries these; the
// orchestrator never assumes fields beyond them.
const (
	FieldID        = "id"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
	FieldVersion   = "version"
	FieldMetadata  = "metadata"
)

// Entity is a schemaless persisted record. Field names follow the wire
// format of the stored documents (camelCase).
type Entity map[string]any

// ID returns the entity id, or "" when unset.
func (e Entity) ID() string {
	id, _ := e[FieldID].(string)
	return id
}

// Clone returns a shallow copy of the entity. Nested values are shared.
func (e Entity) Clone() Entity {
	if e == nil {
		return nil
	}
	out := make(Entity, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// SortField describes one ordering criterion of a query.
type SortField struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

/// Query is the backend-neutral query shape: equality filters plus
// ordering and pagination. Anything richer is a backend concern.
type Query struct {
	Filters map[string]any `json:"filters,omitempty"`
	Sort    []SortField    `json:"sort,omitempty"`
	Limit   int            `json:"limit,omitempty"`
	Offset  int            `json:"offset,omitempty"`
}

// Transaction is an opaque handle created, committed and rolled back by
// the backend. Callers only track the id.
type Transaction struct {
	ID        string        `json:"id"`
	StartTime time.Time     `json:"startTime"`
	Isolation string        `json:"isolation,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
}

// OperationType identifies a queued mutation.
type OperationType string

const (
	OperationCreate OperationType = "create"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
)

// QueuedOperation is a deferred mutation handed to an update queue.
type QueuedOperation struct {
	ID         string        `json:"id"`
	Type       OperationType `json:"type"`
	Table      string        `json:"table"`
	EntityID   string        `json:"entityId,omitempty"`
	Data       Entity        `json:"data,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	Priority   int           `json:"priority"`
	RetryCount int           `json:"retryCount"`
	MaxRetries int           `json:"maxRetries"`
	LastError  string        `json:"lastError,omitempty"`
}

// AuditEntry is one recorded data-processing action.
type AuditEntry struct {
	ID                string         `json:"id"`
	Timestamp         time.Time      `json:"timestamp"`
	UserID            string         `json:"userId"`
	Action            string         `json:"action"`
	Resource          string         `json:"resource"`
	ResourceID        string         `json:"resourceId,omitempty"`
	Success           bool           `json:"success"`
	ErrorMessage      string         `json:"errorMessage,omitempty"`
	LegalBasis        string         `json:"legalBasis,omitempty"`
	ProcessingPurpose string         `json:"processingPurpose,omitempty"`
	DataCategories    []string       `json:"dataCategories,omitempty"`
	RetentionPeriod   time.Duration  `json:"retentionPeriod,omitempty"`
	Details           map[string]any `json:"details,omitempty"`
}

// AuditQuery filters audit log reads. Zero values are unconstrained.
type AuditQuery struct {
	UserID   string
	Action   string
	Resource string
	Since    time.Time
	Until    time.Time
	Success  *bool
	Limit    int
}

// ConsentStatus reports the state of one purpose for one user.
type ConsentStatus struct {
	PurposeID string    `json:"purposeId"`
	Granted   bool      `json:"granted"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// KeyVersion describes one encryption key generation.
type KeyVersion struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	Current   bool      `json:"current"`
}

// StorageInfo describes a backend for monitoring surfaces.
type StorageInfo struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Version     string `json:"version,omitempty"`
	TableCount  int    `json:"tableCount"`
	EntityCount int64  `json:"entityCount"`
	SizeBytes   int64  `json:"sizeBytes,omitempty"`
}

// HealthStatus is the backend's self-reported health.
type HealthStatus struct {
	Healthy bool              `json:"healthy"`
	Details map[string]string `json:"details,omitempty"`
}
