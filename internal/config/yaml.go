package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type fileConfig struct {
	Cache struct {
		Enabled            *bool    `yaml:"enabled"`
		MemoryEnabled      *bool    `yaml:"memoryEnabled"`
		MemoryMaxSize      int      `yaml:"memoryMaxSize"`
		MemoryTTL          Duration `yaml:"memoryTtl"`
		MemoryPolicy       string   `yaml:"memoryPolicy"`
		PromotionThreshold int64    `yaml:"promotionThreshold"`
		CleanupInterval    Duration `yaml:"cleanupInterval"`
		QueryTTL           Duration `yaml:"queryTtl"`
		Persistent         *struct {
			Addr     string   `yaml:"addr"`
			Password string   `yaml:"password"`
			DB       int      `yaml:"db"`
			MaxSize  int      `yaml:"maxSize"`
			TTL      Duration `yaml:"ttl"`
			Policy   string   `yaml:"policy"`
		} `yaml:"persistent"`
	} `yaml:"cache"`

	Compliance struct {
		Enabled             *bool             `yaml:"enabled"`
		BlockWithoutConsent *bool             `yaml:"blockWithoutConsent"`
		ConsentPurposes     map[string]string `yaml:"consentPurposes"`
		EncryptionEnabled   *bool             `yaml:"encryptionEnabled"`
		AuditEnabled        *bool             `yaml:"auditEnabled"`
	} `yaml:"compliance"`

	GDPR struct {
		LegalBasisByOperation map[string]string   `yaml:"legalBasisByOperation"`
		PurposeByTableOp      map[string]string   `yaml:"purposeByTableOperation"`
		CategoriesByTable     map[string][]string `yaml:"categoriesByTable"`
		RetentionByTable      map[string]Duration `yaml:"retentionByTable"`
		DefaultRetention      Duration            `yaml:"defaultRetention"`
		UserDataTables        map[string]string   `yaml:"userDataTables"`
	} `yaml:"gdpr"`

	Queue struct {
		Enabled       *bool    `yaml:"enabled"`
		BatchSize     int      `yaml:"batchSize"`
		FlushInterval Duration `yaml:"flushInterval"`
		MaxRetries    int      `yaml:"maxRetries"`
	} `yaml:"queue"`
}

// LoadFile overlays a YAML file onto the config. Absent keys keep their
// current values.
func (c *Config) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if fc.Cache.Enabled != nil {
		c.Cache.Enabled = *fc.Cache.Enabled
	}
	if fc.Cache.MemoryEnabled != nil {
		c.Cache.MemoryEnabled = *fc.Cache.MemoryEnabled
	}
	if fc.Cache.MemoryMaxSize > 0 {
		c.Cache.MemoryMaxSize = fc.Cache.MemoryMaxSize
	}
	if fc.Cache.MemoryTTL > 0 {
		c.Cache.MemoryTTL = fc.Cache.MemoryTTL.Std()
	}
	if fc.Cache.MemoryPolicy != "" {
		c.Cache.MemoryPolicy = fc.Cache.MemoryPolicy
	}
	if fc.Cache.PromotionThreshold > 0 {
		c.Cache.PromotionThreshold = fc.Cache.PromotionThreshold
	}
	if fc.Cache.CleanupInterval > 0 {
		c.Cache.CleanupInterval = fc.Cache.CleanupInterval.Std()
	}
	if fc.Cache.QueryTTL > 0 {
		c.Cache.QueryTTL = fc.Cache.QueryTTL.Std()
	}
	if p := fc.Cache.Persistent; p != nil {
		pc := &PersistentConfig{
			Addr:     p.Addr,
			Password: p.Password,
			DB:       p.DB,
			MaxSize:  p.MaxSize,
			TTL:      p.TTL.Std(),
			Policy:   p.Policy,
		}
		if pc.MaxSize == 0 {
			pc.MaxSize = 100000
		}
		if pc.TTL == 0 {
			pc.TTL = time.Hour
		}
		if pc.Policy == "" {
			pc.Policy = PolicyTTL
		}
		c.Cache.Persistent = pc
	}

	if fc.Compliance.Enabled != nil {
		c.Compliance.Enabled = *fc.Compliance.Enabled
	}
	if fc.Compliance.BlockWithoutConsent != nil {
		c.Compliance.BlockWithoutConsent = *fc.Compliance.BlockWithoutConsent
	}
	for k, v := range fc.Compliance.ConsentPurposes {
		c.Compliance.ConsentPurposes[k] = v
	}
	if fc.Compliance.EncryptionEnabled != nil {
		c.Compliance.EncryptionEnabled = *fc.Compliance.EncryptionEnabled
	}
	if fc.Compliance.AuditEnabled != nil {
		c.Compliance.AuditEnabled = *fc.Compliance.AuditEnabled
	}

	for k, v := range fc.GDPR.LegalBasisByOperation {
		c.GDPR.LegalBasisByOperation[k] = v
	}
	for k, v := range fc.GDPR.PurposeByTableOp {
		c.GDPR.PurposeByTableOp[k] = v
	}
	for k, v := range fc.GDPR.CategoriesByTable {
		c.GDPR.CategoriesByTable[k] = v
	}
	for k, v := range fc.GDPR.RetentionByTable {
		c.GDPR.RetentionByTable[k] = v.Std()
	}
	if fc.GDPR.DefaultRetention > 0 {
		c.GDPR.DefaultRetention = fc.GDPR.DefaultRetention.Std()
	}
	for k, v := range fc.GDPR.UserDataTables {
		c.GDPR.UserDataTables[k] = v
	}

	if fc.Queue.Enabled != nil {
		c.Queue.Enabled = *fc.Queue.Enabled
	}
	if fc.Queue.BatchSize > 0 {
		c.Queue.BatchSize = fc.Queue.BatchSize
	}
	if fc.Queue.FlushInterval > 0 {
		c.Queue.FlushInterval = fc.Queue.FlushInterval.Std()
	}
	if fc.Queue.MaxRetries > 0 {
		c.Queue.MaxRetries = fc.Queue.MaxRetries
	}

	return c.Validate()
}
