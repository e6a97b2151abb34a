package storage

import (
	"context"
	"io"
	"time"

	"goflare.io/aegis/pkg/driver"
)

// GetStorageInfo describes the underlying backend.
func (o *Orchestrator) GetStorageInfo(ctx context.Context) (driver.StorageInfo, error) {
	v, err := o.run(ctx, "storage_info", "", func(ctx context.Context) (any, error) {
		return o.backend.GetStorageInfo(ctx)
	})
	if err != nil {
		return driver.StorageInfo{}, err
	}
	return v.(driver.StorageInfo), nil
}

// GetPerformanceMetrics merges backend metrics with the orchestrator's
// own counters and, when caching is on, the cache statistics snapshot.
func (o *Orchestrator) GetPerformanceMetrics(ctx context.Context) (map[string]any, error) {
	v, err := o.run(ctx, "performance_metrics", "", func(ctx context.Context) (any, error) {
		out, err := o.backend.GetPerformanceMetrics(ctx)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = make(map[string]any)
		}

		ops := o.opsTotal.Load()
		out["operations"] = ops
		out["errors"] = o.errsTotal.Load()
		if ops > 0 {
			out["averageOperationTime"] = time.Duration(o.opsDuration.Load() / ops)
		}
		if o.engine != nil {
			out["cache"] = o.engine.Stats()
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

// GetConfiguration returns the effective configuration with secrets
// masked.
func (o *Orchestrator) GetConfiguration() map[string]any {
	return o.cfg.Sanitized()
}

// GetCapabilities reports which optional services this orchestrator was
// assembled with.
func (o *Orchestrator) GetCapabilities() map[string]bool {
	return map[string]bool{
		"cache":         o.engine != nil,
		"encryption":    o.encryptionActive(),
		"consent":       o.cfg.Compliance.Enabled && o.consent != nil,
		"audit":         o.auditActive(),
		"queue":         o.queueEnabled(),
		"subjectRights": o.subjectRights != nil,
		"validation":    o.validator != nil,
	}
}

// GetStatus aggregates backend health with component readiness. It never
// errors; an unreachable backend is reported as unhealthy.
func (o *Orchestrator) GetStatus(ctx context.Context) driver.HealthStatus {
	if !o.isInitialized() {
		return driver.HealthStatus{
			Healthy: false,
			Details: map[string]string{"orchestrator": "not initialized"},
		}
	}

	status, err := o.backend.GetHealthStatus(ctx)
	if err != nil {
		status = driver.HealthStatus{
			Healthy: false,
			Details: map[string]string{"backend": err.Error()},
		}
	}
	if status.Details == nil {
		status.Details = make(map[string]string)
	}

	if o.engine != nil && !o.engine.Initialized() {
		status.Healthy = false
		status.Details["cache"] = "not initialized"
	}
	if o.auditActive() && !o.audit.Ready() {
		status.Healthy = false
		status.Details["audit"] = "not ready"
	}
	return status
}

// Backup streams a backend snapshot to w.
func (o *Orchestrator) Backup(ctx context.Context, w io.Writer) error {
	_, err := o.run(ctx, "backup", "", func(ctx context.Context) (any, error) {
		if err := o.backend.Backup(ctx, w); err != nil {
			return nil, err
		}
		o.auditRecord(ctx, auditRecord{action: "backup", success: true})
		return nil, nil
	})
	return err
}

// Restore replaces backend contents from a snapshot. The cache is
// cleared afterwards since nothing cached can be trusted to match.
func (o *Orchestrator) Restore(ctx context.Context, r io.Reader) error {
	_, err := o.run(ctx, "restore", "", func(ctx context.Context) (any, error) {
		if err := o.backend.Restore(ctx, r); err != nil {
			return nil, err
		}
		if o.engine != nil {
			o.engine.ClearAll(ctx)
		}
		o.auditRecord(ctx, auditRecord{action: "restore", success: true})
		return nil, nil
	})
	return err
}

// RotateEncryptionKey creates a new key generation; existing records
// stay readable under their recorded version.
func (o *Orchestrator) RotateEncryptionKey(ctx context.Context) (driver.KeyVersion, error) {
	v, err := o.run(ctx, "rotate_key", "", func(ctx context.Context) (any, error) {
		if o.encryption == nil {
			return nil, &StorageError{
				Code:    CodeEncryptionFailed,
				Message: "no encryption service configured",
			}
		}
		kv, err := o.encryption.CreateNewVersion(ctx)
		if err != nil {
			return nil, err
		}
		o.auditRecord(ctx, auditRecord{
			action:  "rotate_key",
			success: true,
			details: map[string]any{"version": kv.Version},
		})
		return kv, nil
	})
	if err != nil {
		return driver.KeyVersion{}, err
	}
	return v.(driver.KeyVersion), nil
}

// EncryptionKeyVersions lists all key generations.
func (o *Orchestrator) EncryptionKeyVersions(ctx context.Context) ([]driver.KeyVersion, error) {
	v, err := o.run(ctx, "key_versions", "", func(ctx context.Context) (any, error) {
		if o.encryption == nil {
			return []driver.KeyVersion{}, nil
		}
		return o.encryption.Versions(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]driver.KeyVersion), nil
}
