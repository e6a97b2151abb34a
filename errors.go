package aegis

import (
	"goflare.io/aegis/internal/config"
	"goflare.io/aegis/internal/storage"
	"goflare.io/aegis/pkg/driver"
)

// Sentinel errors surfaced by the façade.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = driver.ErrNotFound

	// ErrDuplicateID is returned when creating a record whose id is
	// already taken.
	ErrDuplicateID = driver.ErrDuplicateID

	// ErrNotInitialized is returned for operations on a closed façade.
	ErrNotInitialized = storage.ErrNotInitialized
)

// Error types callers can match with errors.As.
type (
	// StorageError carries a machine-readable code and sanitized
	// details.
	StorageError = storage.StorageError

	// ConsentError reports an operation blocked by a missing consent
	// grant.
	ConsentError = storage.ConsentError

	// ValidationError reports a data-element rule violation.
	ValidationError = storage.ValidationError

	// TransactionNotFoundError reports an unknown transaction handle.
	TransactionNotFoundError = storage.TransactionNotFoundError
)

// Event plumbing, re-exported so subscribers only import this package.
type (
	Event        = storage.Event
	EventType    = storage.EventType
	Handler      = storage.Handler
	Subscription = storage.Subscription
)

// Event types emitted by the pipeline.
const (
	EventDataCreated        = storage.EventDataCreated
	EventDataUpdated        = storage.EventDataUpdated
	EventDataDeleted        = storage.EventDataDeleted
	EventTableCleared       = storage.EventTableCleared
	EventOperationCompleted = storage.EventOperationCompleted
	EventConsentGranted     = storage.EventConsentGranted
	EventConsentRevoked     = storage.EventConsentRevoked
	EventUserDataDeleted    = storage.EventUserDataDeleted
	EventCacheHit           = storage.EventCacheHit
	EventCacheMiss          = storage.EventCacheMiss
	EventCacheEviction      = storage.EventCacheEviction
)

// Entity and query types, re-exported for convenience.
type (
	Entity     = driver.Entity
	Query      = driver.Query
	SortField  = driver.SortField
	AuditEntry = driver.AuditEntry
	AuditQuery = driver.AuditQuery
)

// Config is the full configuration tree, reachable through WithConfig.
type Config = config.Config

// Validation types for WithValidator.
type (
	Validator     = storage.Validator
	RuleValidator = storage.RuleValidator
	FieldRule     = storage.FieldRule
)

// NewRuleValidator creates an empty rule-based validator. Register per
// table rules on it and pass it to WithValidator.
func NewRuleValidator() *RuleValidator { return storage.NewRuleValidator() }
