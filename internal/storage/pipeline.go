package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"goflare.io/aegis/internal/config"
	"goflare.io/aegis/pkg/driver"
)

// stage names the pipeline position an operation reached, terminal on
// success; failures short-circuit to stageFailed carrying the last stage.
type stage string

const (
	stagePending        stage = "pending"
	stageConsentChecked stage = "consent_checked"
	stageValidated      stage = "validated"
	stageEncrypted      stage = "encrypted"
	stageWritten        stage = "written"
	stageQueued         stage = "queued"
	stageCacheSynced    stage = "cache_synced"
	stageAudited        stage = "audited"
	stageEmitted        stage = "emitted"
	stageFailed         stage = "failed"
)

// run is the per-operation measurement wrapper: it counts the operation,
// accumulates elapsed time, bumps the error counter on failure, and emits
// operation_completed on both paths before the error (if any) propagates.
func (o *Orchestrator) run(ctx context.Context, op, table string, fn func(context.Context) (any, error)) (any, error) {
	ctx, span := o.tracer.Start(ctx, "storage."+op,
		trace.WithAttributes(
			attribute.String("storage.operation", op),
			attribute.String("storage.table", table),
		))
	defer span.End()

	start := time.Now()
	o.opsTotal.Inc()

	var value any
	var err error
	if !o.isInitialized() {
		err = ErrNotInitialized
	} else {
		value, err = fn(ctx)
	}

	elapsed := time.Since(start)
	o.opsDuration.Add(int64(elapsed))
	o.m.OperationDuration.WithLabelValues(op).Observe(elapsed.Seconds())

	status := "success"
	if err != nil {
		status = "error"
		o.errsTotal.Inc()
		o.m.ErrorsTotal.WithLabelValues(op).Inc()
		span.RecordError(err)
	}
	o.m.OperationsTotal.WithLabelValues(op, table, status).Inc()

	o.events.emit(Event{
		Type:  EventOperationCompleted,
		Table: table,
		Fields: map[string]any{
			"operation": op,
			"success":   err == nil,
			"duration":  elapsed,
		},
	})

	return value, err
}

// resolvePurpose finds the consent purpose for an (operation, table) pair
// by specificity: exact "<op>:<table>", then generic "<op>:*", then the
// literal fallback purpose.
func (o *Orchestrator) resolvePurpose(op, table string) string {
	purposes := o.cfg.Compliance.ConsentPurposes
	if p, ok := purposes[op+":"+table]; ok {
		return p
	}
	if p, ok := purposes[op+":*"]; ok {
		return p
	}
	return config.FallbackPurpose
}

// consentGate blocks the operation when the resolved purpose is not
// granted. System-attributed calls bypass the gate; the denial itself is
// audit-logged.
func (o *Orchestrator) consentGate(ctx context.Context, op, table string) error {
	if !o.cfg.Compliance.Enabled || o.consent == nil {
		return nil
	}
	if isSystemActor(ctx) {
		return nil
	}

	actor := ActorFrom(ctx)
	purpose := o.resolvePurpose(op, table)

	granted, err := o.consent.CheckConsent(ctx, actor, purpose)
	if err != nil {
		// Deny by default: an unreachable consent store must not open
		// the gate.
		o.logger.Warn("Consent check failed, treating as not granted",
			zap.String("user", actor), zap.String("purpose", purpose), zap.Error(err))
		granted = false
	}

	if granted || !o.cfg.Compliance.BlockWithoutConsent {
		return nil
	}

	cerr := &ConsentError{UserID: actor, Purpose: purpose, Table: table, Op: op}
	o.auditRecord(ctx, auditRecord{
		action:   "consent_blocked",
		table:    table,
		success:  false,
		errorMsg: cerr.Error(),
		details:  map[string]any{"purpose": purpose, "operation": op},
	})
	return cerr
}

// validate applies registered data-element rules; tables without rules
// pass.
func (o *Orchestrator) validate(table string, entity driver.Entity) error {
	if o.validator == nil {
		return nil
	}
	return o.validator.Validate(table, entity)
}

// encryptForStorage transforms sensitive fields on the write path.
func (o *Orchestrator) encryptForStorage(ctx context.Context, table string, entity driver.Entity) (driver.Entity, error) {
	if !o.encryptionActive() {
		return entity, nil
	}
	out, err := o.encryption.ProcessForStorage(ctx, table, entity)
	if err != nil {
		return nil, encryptionError(table, err)
	}
	return out, nil
}

// decryptFromStorage applies the inverse transform on the read path.
func (o *Orchestrator) decryptFromStorage(ctx context.Context, table string, entity driver.Entity) (driver.Entity, error) {
	if !o.encryptionActive() || entity == nil {
		return entity, nil
	}
	out, err := o.encryption.ProcessFromStorage(ctx, table, entity)
	if err != nil {
		return nil, encryptionError(table, err)
	}
	return out, nil
}

func (o *Orchestrator) encryptionActive() bool {
	return o.cfg.Compliance.Enabled && o.cfg.Compliance.EncryptionEnabled && o.encryption != nil
}

// gdprMeta is the derived legal metadata recorded with write audits.
type gdprMeta struct {
	legalBasis string
	purpose    string
	categories []string
	retention  time.Duration
}

// deriveGDPR resolves legal basis by operation, processing purpose by
// (table, operation) and data categories by table, each falling back to a
// conservative default when the table is not registered.
func (o *Orchestrator) deriveGDPR(op, table string) gdprMeta {
	g := o.cfg.GDPR

	basis, ok := g.LegalBasisByOperation[op]
	if !ok {
		basis = config.DefaultLegalBasis
	}

	purpose, ok := g.PurposeByTableOp[table+":"+op]
	if !ok {
		purpose = config.DefaultPurpose
	}

	categories, ok := g.CategoriesByTable[table]
	if !ok {
		categories = []string{config.DefaultDataCategory}
	}

	retention, ok := g.RetentionByTable[table]
	if !ok {
		retention = g.DefaultRetention
	}

	return gdprMeta{legalBasis: basis, purpose: purpose, categories: categories, retention: retention}
}

type auditRecord struct {
	action     string
	table      string
	resourceID string
	success    bool
	errorMsg   string
	gdpr       *gdprMeta
	details    map[string]any
}

// auditRecord writes one audit entry. Audit is mandatory bookkeeping, but
// a failing audit sink must not take down the data path; failures are
// logged loudly instead.
func (o *Orchestrator) auditRecord(ctx context.Context, rec auditRecord) {
	if !o.auditActive() {
		return
	}

	entry := driver.AuditEntry{
		ID:           uuid.NewString(),
		Timestamp:    time.Now(),
		UserID:       auditActor(ctx),
		Action:       rec.action,
		Resource:     rec.table,
		ResourceID:   rec.resourceID,
		Success:      rec.success,
		ErrorMessage: rec.errorMsg,
		Details:      rec.details,
	}
	if rec.gdpr != nil {
		entry.LegalBasis = rec.gdpr.legalBasis
		entry.ProcessingPurpose = rec.gdpr.purpose
		entry.DataCategories = rec.gdpr.categories
		entry.RetentionPeriod = rec.gdpr.retention
	}

	if err := o.audit.LogOperation(ctx, entry); err != nil {
		o.logger.Error("Failed to write audit entry",
			zap.String("action", rec.action),
			zap.String("table", rec.table),
			zap.Error(err))
	}
}

func (o *Orchestrator) auditActive() bool {
	return o.cfg.Compliance.Enabled && o.cfg.Compliance.AuditEnabled && o.audit != nil
}

// auditFailure records a failed operation, tagging the pipeline stage it
// died in.
func (o *Orchestrator) auditFailure(ctx context.Context, op, table, id string, at stage, err error) {
	o.auditRecord(ctx, auditRecord{
		action:     op,
		table:      table,
		resourceID: id,
		success:    false,
		errorMsg:   err.Error(),
		details:    map[string]any{"stage": string(at)},
	})
}

// toEntity coerces a cached payload back to an Entity. Entries reloaded
// from the persistent tier decode as plain maps.
func toEntity(v any) (driver.Entity, bool) {
	switch e := v.(type) {
	case driver.Entity:
		return e, true
	case map[string]any:
		return driver.Entity(e), true
	}
	return nil, false
}

// toEntities coerces a cached query result back to an entity slice.
func toEntities(v any) ([]driver.Entity, bool) {
	switch list := v.(type) {
	case []driver.Entity:
		return list, true
	case []any:
		out := make([]driver.Entity, 0, len(list))
		for _, item := range list {
			e, ok := toEntity(item)
			if !ok {
				return nil, false
			}
			out = append(out, e)
		}
		return out, true
	}
	return nil, false
}
