package storage

import (
	"context"

	"go.uber.org/zap"

	"goflare.io/aegis/pkg/driver"
)

// ExportUserData gathers every record owned by the user across the
// registered user-data tables, in plaintext form. A configured
// SubjectRights service takes precedence over the table scan.
func (o *Orchestrator) ExportUserData(ctx context.Context, userID string) (map[string][]driver.Entity, error) {
	v, err := o.run(ctx, "export_user_data", "", func(ctx context.Context) (any, error) {
		return o.doExportUserData(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string][]driver.Entity), nil
}

func (o *Orchestrator) doExportUserData(ctx context.Context, userID string) (map[string][]driver.Entity, error) {
	var (
		export map[string][]driver.Entity
		err    error
	)
	if o.subjectRights != nil {
		export, err = o.subjectRights.Export(ctx, userID)
	} else {
		export, err = o.scanUserData(ctx, userID)
	}
	if err != nil {
		o.auditFailure(ctx, "export_user_data", "", userID, stagePending, err)
		return nil, err
	}

	total := 0
	for _, list := range export {
		total += len(list)
	}
	o.auditRecord(ctx, auditRecord{
		action:     "export_user_data",
		resourceID: userID,
		success:    true,
		details:    map[string]any{"tables": len(export), "records": total},
	})
	return export, nil
}

func (o *Orchestrator) scanUserData(ctx context.Context, userID string) (map[string][]driver.Entity, error) {
	export := make(map[string][]driver.Entity)
	for table, ownerField := range o.cfg.GDPR.UserDataTables {
		raw, err := o.backend.Query(ctx, table, driver.Query{
			Filters: map[string]any{ownerField: userID},
		})
		if err != nil {
			return nil, err
		}
		list := make([]driver.Entity, 0, len(raw))
		for _, item := range raw {
			entity, err := o.decryptFromStorage(ctx, table, item)
			if err != nil {
				return nil, err
			}
			list = append(list, entity)
		}
		export[table] = list
	}
	return export, nil
}

// DeleteUserData erases every record owned by the user (right to
// erasure) and purges their cached copies. Returns the number of deleted
// records.
func (o *Orchestrator) DeleteUserData(ctx context.Context, userID string) (int64, error) {
	v, err := o.run(ctx, "delete_user_data", "", func(ctx context.Context) (any, error) {
		return o.doDeleteUserData(ctx, userID)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (o *Orchestrator) doDeleteUserData(ctx context.Context, userID string) (int64, error) {
	var (
		deleted int64
		err     error
	)
	if o.subjectRights != nil {
		deleted, err = o.subjectRights.Erase(ctx, userID)
	} else {
		deleted, err = o.eraseUserData(ctx, userID)
	}
	if err != nil {
		o.auditFailure(ctx, "delete_user_data", "", userID, stagePending, err)
		return 0, err
	}

	// Cached entries cannot be matched by owner, so the affected tables
	// are flushed wholesale.
	if o.engine != nil {
		for table := range o.cfg.GDPR.UserDataTables {
			o.engine.ClearTable(ctx, table)
			o.invalidateQueries(ctx, table)
		}
	}

	o.auditRecord(ctx, auditRecord{
		action:     "delete_user_data",
		resourceID: userID,
		success:    true,
		details:    map[string]any{"deleted": deleted},
	})
	o.events.emit(Event{Type: EventUserDataDeleted, ID: userID, Fields: map[string]any{"deleted": deleted}})

	o.logger.Info("User data deleted",
		zap.String("user", userID), zap.Int64("records", deleted))
	return deleted, nil
}

func (o *Orchestrator) eraseUserData(ctx context.Context, userID string) (int64, error) {
	var total int64
	for table, ownerField := range o.cfg.GDPR.UserDataTables {
		n, err := o.backend.DeleteMany(ctx, table, driver.Query{
			Filters: map[string]any{ownerField: userID},
		})
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// GrantConsent records the user's consent for the given purposes.
func (o *Orchestrator) GrantConsent(ctx context.Context, userID string, purposes []string) error {
	_, err := o.run(ctx, "grant_consent", "", func(ctx context.Context) (any, error) {
		return nil, o.changeConsent(ctx, userID, purposes, true)
	})
	return err
}

// RevokeConsent withdraws the user's consent for the given purposes.
func (o *Orchestrator) RevokeConsent(ctx context.Context, userID string, purposes []string) error {
	_, err := o.run(ctx, "revoke_consent", "", func(ctx context.Context) (any, error) {
		return nil, o.changeConsent(ctx, userID, purposes, false)
	})
	return err
}

func (o *Orchestrator) changeConsent(ctx context.Context, userID string, purposes []string, grant bool) error {
	if o.consent == nil {
		return &StorageError{
			Code:    CodeInitializeFailed,
			Message: "no consent manager configured",
		}
	}

	change := "revoked"
	event := EventConsentRevoked
	apply := o.consent.RevokeConsent
	if grant {
		change = "granted"
		event = EventConsentGranted
		apply = o.consent.GrantConsent
	}

	if err := apply(ctx, userID, purposes); err != nil {
		return err
	}

	if o.auditActive() {
		for _, purpose := range purposes {
			if err := o.audit.LogConsentChange(ctx, userID, purpose, change, nil); err != nil {
				o.logger.Error("Failed to audit consent change",
					zap.String("user", userID), zap.String("purpose", purpose), zap.Error(err))
			}
		}
	}

	o.events.emit(Event{Type: event, ID: userID, Fields: map[string]any{"purposes": purposes}})
	return nil
}

// CheckConsent reports whether the user has granted a purpose.
func (o *Orchestrator) CheckConsent(ctx context.Context, userID, purpose string) (bool, error) {
	v, err := o.run(ctx, "check_consent", "", func(ctx context.Context) (any, error) {
		if o.consent == nil {
			return true, nil
		}
		return o.consent.CheckConsent(ctx, userID, purpose)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// GetConsentStatus lists the recorded consent decisions for a user,
// optionally narrowed to one purpose.
func (o *Orchestrator) GetConsentStatus(ctx context.Context, userID, purposeID string) ([]driver.ConsentStatus, error) {
	v, err := o.run(ctx, "consent_status", "", func(ctx context.Context) (any, error) {
		if o.consent == nil {
			return []driver.ConsentStatus{}, nil
		}
		return o.consent.GetConsentStatus(ctx, userID, purposeID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]driver.ConsentStatus), nil
}

// GetAuditLogs reads back recorded audit entries.
func (o *Orchestrator) GetAuditLogs(ctx context.Context, q driver.AuditQuery) ([]driver.AuditEntry, error) {
	v, err := o.run(ctx, "audit_query", "", func(ctx context.Context) (any, error) {
		if o.audit == nil {
			return []driver.AuditEntry{}, nil
		}
		return o.audit.Query(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	return v.([]driver.AuditEntry), nil
}
