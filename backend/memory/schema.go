package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goflare.io/aegis/pkg/driver"
)

// CreateTable registers a table with its schema. Creating an existing
// table is a no-op so startup code can call it unconditionally.
func (s *Store) CreateTable(ctx context.Context, tbl string, schema map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(tbl)
	for field, kind := range schema {
		t.schema[field] = kind
	}
	return nil
}

// DropTable removes a table and everything in it.
func (s *Store) DropTable(ctx context.Context, tbl string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, tbl)
	return nil
}

// AlterTable merges schema changes; an empty value removes the field
// from the schema.
func (s *Store) AlterTable(ctx context.Context, tbl string, changes map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[tbl]
	if !ok {
		return fmt.Errorf("table %q: %w", tbl, driver.ErrNotFound)
	}
	for field, kind := range changes {
		if kind == "" {
			delete(t.schema, field)
			continue
		}
		t.schema[field] = kind
	}
	return nil
}

// CreateIndex records an index definition. Lookups stay map-based; the
// definition is kept so schema round-trips through Backup/Restore
// consumers that inspect it.
func (s *Store) CreateIndex(ctx context.Context, tbl, name string, fields []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(tbl)
	t.indexes[name] = append([]string(nil), fields...)
	return nil
}

// DropIndex removes an index definition.
func (s *Store) DropIndex(ctx context.Context, tbl, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[tbl]
	if !ok {
		return fmt.Errorf("table %q: %w", tbl, driver.ErrNotFound)
	}
	if _, exists := t.indexes[name]; !exists {
		return fmt.Errorf("index %q on table %q: %w", name, tbl, driver.ErrNotFound)
	}
	delete(t.indexes, name)
	return nil
}

// BeginTransaction snapshots the whole store. The snapshot model gives
// serializable semantics for the single-writer case this backend serves;
// concurrent transactions see last-commit-wins.
func (s *Store) BeginTransaction(ctx context.Context, isolation string) (*driver.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &driver.Transaction{
		ID:        uuid.NewString(),
		StartTime: time.Now(),
		Isolation: isolation,
	}
	s.snapshots[tx.ID] = s.copyTables()
	return tx, nil
}

// CommitTransaction discards the snapshot, keeping all changes made
// since Begin.
func (s *Store) CommitTransaction(ctx context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[txID]; !ok {
		return fmt.Errorf("transaction %q: %w", txID, driver.ErrNotFound)
	}
	delete(s.snapshots, txID)
	return nil
}

// RollbackTransaction restores the snapshot taken at Begin.
func (s *Store) RollbackTransaction(ctx context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, ok := s.snapshots[txID]
	if !ok {
		return fmt.Errorf("transaction %q: %w", txID, driver.ErrNotFound)
	}
	s.tables = snapshot
	delete(s.snapshots, txID)
	return nil
}

func (s *Store) copyTables() map[string]table {
	out := make(map[string]table, len(s.tables))
	for name, t := range s.tables {
		c := newTable()
		for id, record := range t.rows {
			c.rows[id] = record.Clone()
		}
		for field, kind := range t.schema {
			c.schema[field] = kind
		}
		for idx, fields := range t.indexes {
			c.indexes[idx] = append([]string(nil), fields...)
		}
		out[name] = c
	}
	return out
}
