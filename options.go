package aegis

import (
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"goflare.io/aegis/internal/config"
	"goflare.io/aegis/internal/metrics"
	"goflare.io/aegis/internal/storage"
	"goflare.io/aegis/pkg/audit"
	"goflare.io/aegis/pkg/consent"
	"goflare.io/aegis/pkg/crypto"
	"goflare.io/aegis/pkg/driver"
	"goflare.io/aegis/pkg/queue"
	"goflare.io/aegis/pkg/serialization"
)

// Option configures the façade during New.
type Option func(*builder) error

type builder struct {
	cfg      *config.Config
	services storage.Services
	metrics  *metrics.Metrics

	encryptionKey   []byte
	sensitiveFields map[string][]string
	auditSink       io.Writer
	auditFile       string
	configFile      string
	configOverrides []func(*config.Config)
}

func newBuilder(backend driver.Backend, opts []Option) (*builder, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("default config: %w", err)
	}

	b := &builder{
		cfg:             cfg,
		sensitiveFields: make(map[string][]string),
	}
	b.services.Backend = backend

	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if b.configFile != "" {
		if err := b.cfg.LoadFile(b.configFile); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	for _, override := range b.configOverrides {
		override(b.cfg)
	}
	if err := b.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	if err := b.buildDefaults(); err != nil {
		return nil, err
	}
	return b, nil
}

// buildDefaults fills in services the options requested but did not
// provide concrete implementations for.
func (b *builder) buildDefaults() error {
	if b.metrics == nil {
		b.metrics = metrics.Nop()
	}

	if b.cfg.Compliance.Enabled {
		if b.services.Consent == nil {
			b.services.Consent = consent.NewManager()
		}
		if b.cfg.Compliance.EncryptionEnabled && b.services.Encryption == nil {
			if b.encryptionKey == nil {
				return fmt.Errorf("encryption enabled but no service or key configured")
			}
			opts := make([]crypto.Option, 0, len(b.sensitiveFields))
			for table, fields := range b.sensitiveFields {
				opts = append(opts, crypto.WithSensitiveFields(table, fields...))
			}
			cipher, err := crypto.New(b.encryptionKey, opts...)
			if err != nil {
				return fmt.Errorf("field cipher: %w", err)
			}
			b.services.Encryption = cipher
		}
		if b.cfg.Compliance.AuditEnabled && b.services.Audit == nil {
			switch {
			case b.auditFile != "":
				logger, err := audit.NewFileLogger(b.auditFile, b.cfg.Logger)
				if err != nil {
					return err
				}
				b.services.Audit = logger
			case b.auditSink != nil:
				b.services.Audit = audit.NewLogger(b.auditSink, b.cfg.Logger)
			default:
				b.services.Audit = audit.NewLogger(io.Discard, b.cfg.Logger)
			}
		}
	}

	if b.cfg.Queue.Enabled && b.services.Queue == nil {
		q, err := queue.New(b.services.Backend, queue.Config{
			BatchSize:     b.cfg.Queue.BatchSize,
			FlushInterval: b.cfg.Queue.FlushInterval,
			MaxRetries:    b.cfg.Queue.MaxRetries,
		}, b.cfg.Logger)
		if err != nil {
			return err
		}
		b.services.Queue = q
	}
	return nil
}

// WithLogger sets the structured logger used across all components.
func WithLogger(logger *zap.Logger) Option {
	return func(b *builder) error {
		if logger == nil {
			return fmt.Errorf("logger must not be nil")
		}
		b.cfg.Logger = logger
		return nil
	}
}

// WithConfig applies arbitrary configuration changes. Overrides run
// after any config file is loaded, so programmatic settings win.
func WithConfig(fn func(*config.Config)) Option {
	return func(b *builder) error {
		b.configOverrides = append(b.configOverrides, fn)
		return nil
	}
}

// WithConfigFile overlays settings from a YAML file.
func WithConfigFile(path string) Option {
	return func(b *builder) error {
		b.configFile = path
		return nil
	}
}

// WithCodec selects the cache wire codec, "json" or "gob".
func WithCodec(name string) Option {
	return func(b *builder) error {
		switch name {
		case "json":
			b.cfg.Codec = serialization.JSON()
		case "gob":
			b.cfg.Codec = serialization.Gob()
		default:
			return fmt.Errorf("unsupported codec %q", name)
		}
		return nil
	}
}

// WithCache tunes the memory tier.
func WithCache(maxSize int, ttl time.Duration, policy string) Option {
	return func(b *builder) error {
		b.cfg.Cache.Enabled = true
		b.cfg.Cache.MemoryMaxSize = maxSize
		b.cfg.Cache.MemoryTTL = ttl
		b.cfg.Cache.MemoryPolicy = policy
		return nil
	}
}

// WithoutCache disables caching entirely.
func WithoutCache() Option {
	return func(b *builder) error {
		b.cfg.Cache.Enabled = false
		return nil
	}
}

// WithRedis adds the redis-backed persistent tier.
func WithRedis(addr, password string, db int) Option {
	return func(b *builder) error {
		b.cfg.Cache.Enabled = true
		b.cfg.Cache.Persistent = &config.PersistentConfig{
			Addr:     addr,
			Password: password,
			DB:       db,
			MaxSize:  b.cfg.Cache.MemoryMaxSize,
			TTL:      time.Hour,
			Policy:   config.PolicyLRU,
		}
		return nil
	}
}

// WithCompliance enables the consent gate and audit trail. Without
// further options an in-memory consent registry and a query-only audit
// window are used.
func WithCompliance(blockWithoutConsent bool) Option {
	return func(b *builder) error {
		b.cfg.Compliance.Enabled = true
		b.cfg.Compliance.AuditEnabled = true
		b.cfg.Compliance.BlockWithoutConsent = blockWithoutConsent
		return nil
	}
}

// WithEncryptionKey enables field encryption with a cipher derived from
// the master key. Sensitive fields are declared per table with
// WithSensitiveFields.
func WithEncryptionKey(key []byte) Option {
	return func(b *builder) error {
		b.cfg.Compliance.Enabled = true
		b.cfg.Compliance.EncryptionEnabled = true
		b.encryptionKey = key
		return nil
	}
}

// WithSensitiveFields declares which fields of a table the cipher must
// protect.
func WithSensitiveFields(table string, fields ...string) Option {
	return func(b *builder) error {
		b.sensitiveFields[table] = append(b.sensitiveFields[table], fields...)
		return nil
	}
}

// WithEncryption supplies a custom encryption service.
func WithEncryption(svc driver.EncryptionService) Option {
	return func(b *builder) error {
		b.cfg.Compliance.Enabled = true
		b.cfg.Compliance.EncryptionEnabled = true
		b.services.Encryption = svc
		return nil
	}
}

// WithConsent supplies a custom consent manager.
func WithConsent(mgr driver.ConsentManager) Option {
	return func(b *builder) error {
		b.cfg.Compliance.Enabled = true
		b.services.Consent = mgr
		return nil
	}
}

// WithAudit supplies a custom audit logger.
func WithAudit(logger driver.AuditLogger) Option {
	return func(b *builder) error {
		b.cfg.Compliance.Enabled = true
		b.cfg.Compliance.AuditEnabled = true
		b.services.Audit = logger
		return nil
	}
}

// WithAuditFile writes the audit trail as JSON lines to the given file.
func WithAuditFile(path string) Option {
	return func(b *builder) error {
		b.cfg.Compliance.Enabled = true
		b.cfg.Compliance.AuditEnabled = true
		b.auditFile = path
		return nil
	}
}

// WithAuditSink writes the audit trail as JSON lines to w.
func WithAuditSink(w io.Writer) Option {
	return func(b *builder) error {
		b.cfg.Compliance.Enabled = true
		b.cfg.Compliance.AuditEnabled = true
		b.auditSink = w
		return nil
	}
}

// WithQueue defers writes to a background worker.
func WithQueue(batchSize int, flushInterval time.Duration) Option {
	return func(b *builder) error {
		b.cfg.Queue.Enabled = true
		if batchSize > 0 {
			b.cfg.Queue.BatchSize = batchSize
		}
		if flushInterval > 0 {
			b.cfg.Queue.FlushInterval = flushInterval
		}
		return nil
	}
}

// WithUpdateQueue supplies a custom update queue.
func WithUpdateQueue(q driver.UpdateQueue) Option {
	return func(b *builder) error {
		b.cfg.Queue.Enabled = true
		b.services.Queue = q
		return nil
	}
}

// WithValidator registers data-element validation rules.
func WithValidator(v storage.Validator) Option {
	return func(b *builder) error {
		b.services.Validator = v
		return nil
	}
}

// WithSubjectRights delegates export and erasure to a custom service
// instead of the registered user-data table scan.
func WithSubjectRights(sr driver.SubjectRights) Option {
	return func(b *builder) error {
		b.services.SubjectRights = sr
		return nil
	}
}

// WithMetrics exports prometheus metrics under the given namespace to
// the default registerer.
func WithMetrics(namespace string) Option {
	return func(b *builder) error {
		b.metrics = metrics.New(namespace)
		return nil
	}
}

// WithUserDataTable registers a table as holding user-owned records for
// export and erasure, keyed by the field naming the owner.
func WithUserDataTable(table, ownerField string) Option {
	return func(b *builder) error {
		if b.cfg.GDPR.UserDataTables == nil {
			b.cfg.GDPR.UserDataTables = make(map[string]string)
		}
		b.cfg.GDPR.UserDataTables[table] = ownerField
		return nil
	}
}

// WithConsentPurpose maps an "<operation>:<table>" (or "<operation>:*")
// key to the consent purpose it requires.
func WithConsentPurpose(key, purpose string) Option {
	return func(b *builder) error {
		if b.cfg.Compliance.ConsentPurposes == nil {
			b.cfg.Compliance.ConsentPurposes = make(map[string]string)
		}
		b.cfg.Compliance.ConsentPurposes[key] = purpose
		return nil
	}
}
