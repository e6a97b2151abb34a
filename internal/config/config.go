package config

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"goflare.io/aegis/pkg/serialization"
)

// Eviction policies supported by cache layers.
const (
	PolicyLRU  = "lru"
	PolicyLFU  = "lfu"
	PolicyFIFO = "fifo"
	PolicyTTL  = "ttl"
)

// Operation names used in consent purpose and GDPR lookup keys.
const (
	OpCreate = "create"
	OpRead   = "read"
	OpUpdate = "update"
	OpDelete = "delete"
	OpQuery  = "query"
	OpCount  = "count"
	OpClear  = "clear"
)

// Conservative GDPR defaults applied when a table is not registered.
const (
	DefaultLegalBasis   = "legitimate_interest"
	DefaultPurpose      = "service_provision"
	DefaultDataCategory = "personal_identifier"
	FallbackPurpose     = "essential"
)

// SystemActor is the sentinel user id that bypasses the consent gate.
const SystemActor = "system"

var (
	ErrInvalidMaxSize   = errors.New("layer max size must be greater than 0")
	ErrInvalidPolicy    = errors.New("unknown eviction policy")
	ErrInvalidThreshold = errors.New("promotion threshold must be at least 1")
)

// Config is the root configuration of the façade.
type Config struct {
	Logger *zap.Logger
	Codec  serialization.Codec

	Cache      CacheConfig
	Compliance ComplianceConfig
	GDPR       GDPRConfig
	Queue      QueueConfig
	Backend    BackendConfig
}

// CacheConfig configures the multi-tier cache engine.
type CacheConfig struct {
	Enabled bool

	MemoryEnabled bool
	MemoryMaxSize int
	MemoryTTL     time.Duration
	MemoryPolicy  string

	// Persistent is nil when no persistent tier is configured.
	Persistent *PersistentConfig

	PromotionThreshold int64
	CleanupInterval    time.Duration
	HitRatioInterval   time.Duration

	// QueryTTL bounds cached query results; list reads go stale faster
	// than entity reads.
	QueryTTL time.Duration

	Bloom   BloomConfig
	Breaker gobreaker.Settings
}

// PersistentConfig configures the redis-backed tier.
type PersistentConfig struct {
	Addr     string
	Password string
	DB       int
	MaxSize  int
	TTL      time.Duration
	Policy   string
}

// BloomConfig configures the presence filter in front of the layers.
type BloomConfig struct {
	Enabled           bool
	ExpectedItems     uint
	FalsePositiveRate float64
}

// ComplianceConfig gates the consent/encryption/audit stages.
type ComplianceConfig struct {
	Enabled             bool
	BlockWithoutConsent bool

	// ConsentPurposes maps "<op>:<table>" or "<op>:*" keys to purposes.
	// Unmatched operations fall back to FallbackPurpose.
	ConsentPurposes map[string]string

	EncryptionEnabled bool
	AuditEnabled      bool
}

// GDPRConfig holds the metadata derivation maps, injected rather than
// hardcoded so per-table behavior is overridable.
type GDPRConfig struct {
	LegalBasisByOperation map[string]string
	// PurposeByTableOp is keyed "<table>:<op>".
	PurposeByTableOp  map[string]string
	CategoriesByTable map[string][]string
	RetentionByTable  map[string]time.Duration
	DefaultRetention  time.Duration

	// UserDataTables maps table name to the field holding the data
	// subject's user id, used by export and erasure.
	UserDataTables map[string]string
}

// QueueConfig configures the optional write-batching path.
type QueueConfig struct {
	Enabled       bool
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
}

// BackendConfig carries backend tuning the orchestrator treats as opaque.
type BackendConfig struct {
	Timeout time.Duration
}

// Option mutates a Config during construction.
type Option func(*Config) error

// New creates a Config with production defaults and applies options.
func New(options ...Option) (*Config, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Logger: logger,
		Codec:  serialization.JSON(),
		Cache: CacheConfig{
			Enabled:            true,
			MemoryEnabled:      true,
			MemoryMaxSize:      10000,
			MemoryTTL:          5 * time.Minute,
			MemoryPolicy:       PolicyLRU,
			PromotionThreshold: 3,
			CleanupInterval:    time.Minute,
			HitRatioInterval:   30 * time.Second,
			QueryTTL:           time.Minute,
			Bloom: BloomConfig{
				Enabled:           true,
				ExpectedItems:     100000,
				FalsePositiveRate: 0.01,
			},
			Breaker: gobreaker.Settings{
				Name:        "persistent-cache",
				MaxRequests: 3,
				Interval:    60 * time.Second,
				Timeout:     30 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures > 5
				},
			},
		},
		Compliance: ComplianceConfig{
			Enabled:             true,
			BlockWithoutConsent: true,
			ConsentPurposes:     map[string]string{},
			EncryptionEnabled:   false,
			AuditEnabled:        true,
		},
		GDPR: GDPRConfig{
			LegalBasisByOperation: map[string]string{},
			PurposeByTableOp:      map[string]string{},
			CategoriesByTable:     map[string][]string{},
			RetentionByTable:      map[string]time.Duration{},
			DefaultRetention:      365 * 24 * time.Hour,
			UserDataTables:        map[string]string{},
		},
		Queue: QueueConfig{
			Enabled:       false,
			BatchSize:     50,
			FlushInterval: 100 * time.Millisecond,
			MaxRetries:    3,
		},
		Backend: BackendConfig{
			Timeout: 30 * time.Second,
		},
	}

	for _, option := range options {
		if err := option(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, cfg.Validate()
}

// Validate checks invariants the engine depends on.
func (c *Config) Validate() error {
	if c.Cache.Enabled {
		if c.Cache.MemoryEnabled && c.Cache.MemoryMaxSize <= 0 {
			return ErrInvalidMaxSize
		}
		if !validPolicy(c.Cache.MemoryPolicy) {
			return ErrInvalidPolicy
		}
		if c.Cache.PromotionThreshold < 1 {
			return ErrInvalidThreshold
		}
		if p := c.Cache.Persistent; p != nil {
			if p.MaxSize <= 0 {
				return ErrInvalidMaxSize
			}
			if !validPolicy(p.Policy) {
				return ErrInvalidPolicy
			}
		}
	}
	return nil
}

func validPolicy(policy string) bool {
	switch policy {
	case PolicyLRU, PolicyLFU, PolicyFIFO, PolicyTTL:
		return true
	}
	return false
}

// Sanitized returns a copy of the config safe to embed in error payloads:
// secrets blanked, logger dropped.
func (c *Config) Sanitized() map[string]any {
	out := map[string]any{
		"cacheEnabled":        c.Cache.Enabled,
		"memoryMaxSize":       c.Cache.MemoryMaxSize,
		"memoryPolicy":        c.Cache.MemoryPolicy,
		"promotionThreshold":  c.Cache.PromotionThreshold,
		"complianceEnabled":   c.Compliance.Enabled,
		"blockWithoutConsent": c.Compliance.BlockWithoutConsent,
		"encryptionEnabled":   c.Compliance.EncryptionEnabled,
		"auditEnabled":        c.Compliance.AuditEnabled,
		"queueEnabled":        c.Queue.Enabled,
	}
	if p := c.Cache.Persistent; p != nil {
		out["persistentAddr"] = p.Addr
		out["persistentMaxSize"] = p.MaxSize
		out["persistentPolicy"] = p.Policy
	}
	return out
}

// WithLogger sets a custom logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) error {
		if logger != nil {
			c.Logger = logger
		}
		return nil
	}
}

// WithCodec sets the serialization codec used for size estimation and the
// persistent tier.
func WithCodec(codec serialization.Codec) Option {
	return func(c *Config) error {
		c.Codec = codec
		return nil
	}
}
