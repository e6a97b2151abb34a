package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"goflare.io/aegis/internal/cache"
	"goflare.io/aegis/internal/config"
	"goflare.io/aegis/pkg/driver"
)

// Create persists a new record. The entity travels through consent,
// validation, encryption, the write path (queued or direct), cache sync
// and audit; the returned entity carries the generated id and timestamps
// in plaintext form.
func (o *Orchestrator) Create(ctx context.Context, table string, entity driver.Entity) (driver.Entity, error) {
	v, err := o.run(ctx, config.OpCreate, table, func(ctx context.Context) (any, error) {
		return o.doCreate(ctx, table, entity)
	})
	if err != nil {
		return nil, err
	}
	return v.(driver.Entity), nil
}

func (o *Orchestrator) doCreate(ctx context.Context, table string, entity driver.Entity) (driver.Entity, error) {
	at := stagePending

	if err := o.consentGate(ctx, config.OpCreate, table); err != nil {
		return nil, err
	}
	at = stageConsentChecked

	record := entity.Clone()
	if record.ID() == "" {
		record[driver.FieldID] = uuid.NewString()
	}
	now := time.Now()
	record[driver.FieldCreatedAt] = now
	record[driver.FieldUpdatedAt] = now
	id := record.ID()

	if err := o.validate(table, record); err != nil {
		o.auditFailure(ctx, config.OpCreate, table, id, at, err)
		return nil, err
	}
	at = stageValidated

	stored, err := o.encryptForStorage(ctx, table, record)
	if err != nil {
		o.auditFailure(ctx, config.OpCreate, table, id, at, err)
		return nil, err
	}
	at = stageEncrypted

	if o.queueEnabled() {
		res, err := o.queue.EnqueueCreate(ctx, table, stored)
		if err != nil {
			o.auditFailure(ctx, config.OpCreate, table, id, at, err)
			return nil, err
		}
		at = stageQueued
		if _, err := res.Wait(ctx); err != nil {
			o.auditFailure(ctx, config.OpCreate, table, id, at, err)
			return nil, err
		}
	} else {
		if _, err := o.backend.Create(ctx, table, stored); err != nil {
			o.auditFailure(ctx, config.OpCreate, table, id, at, err)
			return nil, err
		}
	}
	at = stageWritten

	o.cacheSet(ctx, table, id, record)
	o.invalidateQueries(ctx, table)
	at = stageCacheSynced

	meta := o.deriveGDPR(config.OpCreate, table)
	o.auditRecord(ctx, auditRecord{
		action:     config.OpCreate,
		table:      table,
		resourceID: id,
		success:    true,
		gdpr:       &meta,
	})
	o.events.emit(Event{Type: EventDataCreated, Table: table, ID: id})
	return record, nil
}

// Read returns a single record, serving repeated lookups from cache and
// collapsing concurrent backend reads for the same key.
func (o *Orchestrator) Read(ctx context.Context, table, id string) (driver.Entity, error) {
	v, err := o.run(ctx, config.OpRead, table, func(ctx context.Context) (any, error) {
		return o.doRead(ctx, table, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(driver.Entity), nil
}

func (o *Orchestrator) doRead(ctx context.Context, table, id string) (driver.Entity, error) {
	if err := o.consentGate(ctx, config.OpRead, table); err != nil {
		return nil, err
	}

	// A cache hit is still a data access and gets the same audit entry
	// as a backend-served read.
	if o.engine != nil {
		if cached, res := o.engine.Get(ctx, table, id); res.Hit() {
			if entity, ok := toEntity(cached); ok {
				o.auditRecord(ctx, auditRecord{
					action:     config.OpRead,
					table:      table,
					resourceID: id,
					success:    true,
				})
				return entity, nil
			}
			o.logger.Warn("Cached value has unexpected shape, rereading",
				zap.String("table", table), zap.String("id", id))
		}
	}

	key := cache.EntryKey(table, id)
	v, err, _ := o.sf.Do(key, func() (any, error) {
		raw, err := o.backend.Read(ctx, table, id)
		if err != nil {
			return nil, err
		}
		entity, err := o.decryptFromStorage(ctx, table, raw)
		if err != nil {
			return nil, err
		}
		o.cacheSet(ctx, table, id, entity)
		return entity, nil
	})
	if err != nil {
		if !errors.Is(err, driver.ErrNotFound) {
			o.auditFailure(ctx, config.OpRead, table, id, stageConsentChecked, err)
		}
		return nil, err
	}

	o.auditRecord(ctx, auditRecord{
		action:     config.OpRead,
		table:      table,
		resourceID: id,
		success:    true,
	})
	return v.(driver.Entity), nil
}

// Update overwrites an existing record and refreshes the cached copy.
func (o *Orchestrator) Update(ctx context.Context, table, id string, entity driver.Entity) (driver.Entity, error) {
	v, err := o.run(ctx, config.OpUpdate, table, func(ctx context.Context) (any, error) {
		return o.doUpdate(ctx, table, id, entity)
	})
	if err != nil {
		return nil, err
	}
	return v.(driver.Entity), nil
}

func (o *Orchestrator) doUpdate(ctx context.Context, table, id string, entity driver.Entity) (driver.Entity, error) {
	at := stagePending

	if err := o.consentGate(ctx, config.OpUpdate, table); err != nil {
		return nil, err
	}
	at = stageConsentChecked

	record := entity.Clone()
	record[driver.FieldID] = id
	record[driver.FieldUpdatedAt] = time.Now()

	if err := o.validate(table, record); err != nil {
		o.auditFailure(ctx, config.OpUpdate, table, id, at, err)
		return nil, err
	}
	at = stageValidated

	stored, err := o.encryptForStorage(ctx, table, record)
	if err != nil {
		o.auditFailure(ctx, config.OpUpdate, table, id, at, err)
		return nil, err
	}
	at = stageEncrypted

	if o.queueEnabled() {
		res, err := o.queue.EnqueueUpdate(ctx, table, id, stored)
		if err != nil {
			o.auditFailure(ctx, config.OpUpdate, table, id, at, err)
			return nil, err
		}
		at = stageQueued
		if _, err := res.Wait(ctx); err != nil {
			o.auditFailure(ctx, config.OpUpdate, table, id, at, err)
			return nil, err
		}
	} else {
		if _, err := o.backend.Update(ctx, table, id, stored); err != nil {
			o.auditFailure(ctx, config.OpUpdate, table, id, at, err)
			return nil, err
		}
	}
	at = stageWritten

	o.cacheSet(ctx, table, id, record)
	o.invalidateQueries(ctx, table)

	meta := o.deriveGDPR(config.OpUpdate, table)
	o.auditRecord(ctx, auditRecord{
		action:     config.OpUpdate,
		table:      table,
		resourceID: id,
		success:    true,
		gdpr:       &meta,
	})

	o.events.emit(Event{Type: EventDataUpdated, Table: table, ID: id})
	return record, nil
}

// Delete removes a record from the backend and evicts its cached copy.
func (o *Orchestrator) Delete(ctx context.Context, table, id string) error {
	_, err := o.run(ctx, config.OpDelete, table, func(ctx context.Context) (any, error) {
		return nil, o.doDelete(ctx, table, id)
	})
	return err
}

func (o *Orchestrator) doDelete(ctx context.Context, table, id string) error {
	at := stagePending

	if err := o.consentGate(ctx, config.OpDelete, table); err != nil {
		return err
	}
	at = stageConsentChecked

	if o.queueEnabled() {
		res, err := o.queue.EnqueueDelete(ctx, table, id)
		if err != nil {
			o.auditFailure(ctx, config.OpDelete, table, id, at, err)
			return err
		}
		at = stageQueued
		if _, err := res.Wait(ctx); err != nil {
			o.auditFailure(ctx, config.OpDelete, table, id, at, err)
			return err
		}
	} else {
		if err := o.backend.Delete(ctx, table, id); err != nil {
			o.auditFailure(ctx, config.OpDelete, table, id, at, err)
			return err
		}
	}

	if o.engine != nil {
		o.engine.Delete(ctx, table, id)
	}
	o.invalidateQueries(ctx, table)

	meta := o.deriveGDPR(config.OpDelete, table)
	o.auditRecord(ctx, auditRecord{
		action:     config.OpDelete,
		table:      table,
		resourceID: id,
		success:    true,
		gdpr:       &meta,
	})

	o.events.emit(Event{Type: EventDataDeleted, Table: table, ID: id})
	return nil
}

// Query runs a filtered read, caching the decrypted result set under a
// deterministic signature. Any write against the table invalidates it.
func (o *Orchestrator) Query(ctx context.Context, table string, q driver.Query) ([]driver.Entity, error) {
	v, err := o.run(ctx, config.OpQuery, table, func(ctx context.Context) (any, error) {
		return o.doQuery(ctx, table, q)
	})
	if err != nil {
		return nil, err
	}
	return v.([]driver.Entity), nil
}

func (o *Orchestrator) doQuery(ctx context.Context, table string, q driver.Query) ([]driver.Entity, error) {
	if err := o.consentGate(ctx, config.OpQuery, table); err != nil {
		return nil, err
	}

	var sig string
	if o.engine != nil {
		sig = cache.Signature(o.cfg.Codec, table, q)
		if cached, res := o.engine.GetQuery(ctx, sig); res.Hit() {
			if list, ok := toEntities(cached); ok {
				o.auditRecord(ctx, auditRecord{
					action:  config.OpQuery,
					table:   table,
					success: true,
					details: map[string]any{"results": len(list)},
				})
				return list, nil
			}
		}
	}

	raw, err := o.backend.Query(ctx, table, q)
	if err != nil {
		o.auditFailure(ctx, config.OpQuery, table, "", stageConsentChecked, err)
		return nil, err
	}

	list := make([]driver.Entity, 0, len(raw))
	for _, item := range raw {
		entity, err := o.decryptFromStorage(ctx, table, item)
		if err != nil {
			o.auditFailure(ctx, config.OpQuery, table, "", stageEncrypted, err)
			return nil, err
		}
		list = append(list, entity)
	}

	if o.engine != nil {
		o.engine.SetQuery(ctx, sig, list, []string{table})
	}

	o.auditRecord(ctx, auditRecord{
		action:  config.OpQuery,
		table:   table,
		success: true,
		details: map[string]any{"results": len(list)},
	})
	return list, nil
}

// Count reports how many records match the filter. Counts are cheap and
// always answered by the backend.
func (o *Orchestrator) Count(ctx context.Context, table string, q driver.Query) (int64, error) {
	v, err := o.run(ctx, config.OpCount, table, func(ctx context.Context) (any, error) {
		if err := o.consentGate(ctx, config.OpCount, table); err != nil {
			return nil, err
		}
		n, err := o.backend.Count(ctx, table, q)
		if err != nil {
			o.auditFailure(ctx, config.OpCount, table, "", stageConsentChecked, err)
			return nil, err
		}
		o.auditRecord(ctx, auditRecord{
			action:  config.OpCount,
			table:   table,
			success: true,
			details: map[string]any{"results": n},
		})
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// Exists reports whether a record with the given id is present.
func (o *Orchestrator) Exists(ctx context.Context, table, id string) (bool, error) {
	v, err := o.run(ctx, config.OpRead, table, func(ctx context.Context) (any, error) {
		if err := o.consentGate(ctx, config.OpRead, table); err != nil {
			return nil, err
		}
		ok, err := o.backend.Exists(ctx, table, id)
		if err != nil {
			o.auditFailure(ctx, config.OpRead, table, id, stageConsentChecked, err)
			return nil, err
		}
		o.auditRecord(ctx, auditRecord{
			action:     config.OpRead,
			table:      table,
			resourceID: id,
			success:    true,
			details:    map[string]any{"exists": ok},
		})
		return ok, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Clear drops every record in a table, along with its cached entries and
// any query results referencing it.
func (o *Orchestrator) Clear(ctx context.Context, table string) error {
	_, err := o.run(ctx, config.OpClear, table, func(ctx context.Context) (any, error) {
		if err := o.consentGate(ctx, config.OpClear, table); err != nil {
			return nil, err
		}
		if err := o.backend.Clear(ctx, table); err != nil {
			o.auditFailure(ctx, config.OpClear, table, "", stageConsentChecked, err)
			return nil, err
		}
		if o.engine != nil {
			o.engine.ClearTable(ctx, table)
		}
		o.invalidateQueries(ctx, table)
		o.auditRecord(ctx, auditRecord{
			action:  config.OpClear,
			table:   table,
			success: true,
		})
		o.events.emit(Event{Type: EventTableCleared, Table: table})
		return nil, nil
	})
	return err
}

// CreateMany persists a batch in one backend call. The batch shares a
// single consent check and audit entry; creation events are emitted per
// record.
func (o *Orchestrator) CreateMany(ctx context.Context, table string, entities []driver.Entity) ([]driver.Entity, error) {
	v, err := o.run(ctx, config.OpCreate, table, func(ctx context.Context) (any, error) {
		return o.doCreateMany(ctx, table, entities)
	})
	if err != nil {
		return nil, err
	}
	return v.([]driver.Entity), nil
}

func (o *Orchestrator) doCreateMany(ctx context.Context, table string, entities []driver.Entity) ([]driver.Entity, error) {
	if err := o.consentGate(ctx, config.OpCreate, table); err != nil {
		return nil, err
	}

	now := time.Now()
	records := make([]driver.Entity, 0, len(entities))
	stored := make([]driver.Entity, 0, len(entities))
	for _, entity := range entities {
		record := entity.Clone()
		if record.ID() == "" {
			record[driver.FieldID] = uuid.NewString()
		}
		record[driver.FieldCreatedAt] = now
		record[driver.FieldUpdatedAt] = now

		if err := o.validate(table, record); err != nil {
			o.auditFailure(ctx, config.OpCreate, table, record.ID(), stageConsentChecked, err)
			return nil, err
		}
		enc, err := o.encryptForStorage(ctx, table, record)
		if err != nil {
			o.auditFailure(ctx, config.OpCreate, table, record.ID(), stageValidated, err)
			return nil, err
		}
		records = append(records, record)
		stored = append(stored, enc)
	}

	if _, err := o.backend.CreateMany(ctx, table, stored); err != nil {
		o.auditFailure(ctx, config.OpCreate, table, "", stageEncrypted, err)
		return nil, err
	}

	for _, record := range records {
		o.cacheSet(ctx, table, record.ID(), record)
	}
	o.invalidateQueries(ctx, table)

	meta := o.deriveGDPR(config.OpCreate, table)
	o.auditRecord(ctx, auditRecord{
		action:  config.OpCreate,
		table:   table,
		success: true,
		gdpr:    &meta,
		details: map[string]any{"batch": len(records)},
	})

	for _, record := range records {
		o.events.emit(Event{Type: EventDataCreated, Table: table, ID: record.ID()})
	}
	return records, nil
}

// cacheSet stores the plaintext entity so cache hits never need a
// decryption pass.
func (o *Orchestrator) cacheSet(ctx context.Context, table, id string, entity driver.Entity) {
	if o.engine == nil {
		return
	}
	o.engine.Set(ctx, table, id, entity, cache.SetOptions{Tags: []string{table}})
}

func (o *Orchestrator) invalidateQueries(ctx context.Context, table string) {
	if o.engine == nil {
		return
	}
	o.engine.InvalidateQueries(ctx, []string{table})
}
