package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"goflare.io/aegis/pkg/driver"
)

// BeginTransaction opens a database transaction tracked by id. The
// transaction handle is backend-internal; CRUD calls continue to run on
// the main connection, so this surface serves explicit commit/rollback
// sequencing rather than isolation of the callers' own reads.
func (s *Store) BeginTransaction(ctx context.Context, isolation string) (*driver.Transaction, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, txOptions(isolation))
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}

	handle := &driver.Transaction{
		ID:        uuid.NewString(),
		StartTime: time.Now(),
		Isolation: isolation,
	}
	s.mu.Lock()
	s.txs[handle.ID] = tx
	s.mu.Unlock()
	return handle, nil
}

// CommitTransaction commits a tracked transaction.
func (s *Store) CommitTransaction(ctx context.Context, txID string) error {
	tx, err := s.claimTx(txID)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction %q: %w", txID, err)
	}
	return nil
}

// RollbackTransaction aborts a tracked transaction.
func (s *Store) RollbackTransaction(ctx context.Context, txID string) error {
	tx, err := s.claimTx(txID)
	if err != nil {
		return err
	}
	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("rollback transaction %q: %w", txID, err)
	}
	return nil
}

func (s *Store) claimTx(txID string) (*sql.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txID]
	if !ok {
		return nil, fmt.Errorf("transaction %q: %w", txID, driver.ErrNotFound)
	}
	delete(s.txs, txID)
	return tx, nil
}

func txOptions(isolation string) *sql.TxOptions {
	switch strings.ToLower(isolation) {
	case "read_only":
		return &sql.TxOptions{ReadOnly: true}
	case "serializable":
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	default:
		return nil
	}
}

// CreateTable makes sure the document table exists. The schema argument
// is advisory; documents are stored whole.
func (s *Store) CreateTable(ctx context.Context, tbl string, schema map[string]string) error {
	_, err := s.ensureTable(ctx, tbl)
	return err
}

// DropTable removes the table entirely.
func (s *Store) DropTable(ctx context.Context, tbl string) error {
	if !identifierPattern.MatchString(tbl) {
		return fmt.Errorf("invalid table name %q", tbl)
	}
	db, err := s.conn()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, tbl)); err != nil {
		return fmt.Errorf("drop table %q: %w", tbl, err)
	}
	s.mu.Lock()
	delete(s.tables, tbl)
	s.mu.Unlock()
	return nil
}

// AlterTable is a no-op for document tables; the schema lives in the
// documents.
func (s *Store) AlterTable(ctx context.Context, tbl string, changes map[string]string) error {
	_, err := s.ensureTable(ctx, tbl)
	return err
}

// CreateIndex builds an expression index over document fields so filter
// and sort clauses on those fields stop scanning.
func (s *Store) CreateIndex(ctx context.Context, tbl, name string, fields []string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid index name %q", name)
	}
	db, err := s.ensureTable(ctx, tbl)
	if err != nil {
		return err
	}

	exprs := make([]string, 0, len(fields))
	for _, field := range fields {
		if !identifierPattern.MatchString(field) {
			return fmt.Errorf("invalid index field %q", field)
		}
		exprs = append(exprs, fmt.Sprintf("json_extract(doc, '$.%s')", field))
	}
	ddl := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q (%s)`, name, tbl, strings.Join(exprs, ", "))
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create index %q: %w", name, err)
	}
	return nil
}

// DropIndex removes an index.
func (s *Store) DropIndex(ctx context.Context, tbl, name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid index name %q", name)
	}
	db, err := s.conn()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`DROP INDEX IF EXISTS %q`, name)); err != nil {
		return fmt.Errorf("drop index %q: %w", name, err)
	}
	return nil
}

// Clear deletes all rows of a table.
func (s *Store) Clear(ctx context.Context, tbl string) error {
	s.writes.Inc()
	db, err := s.ensureTable(ctx, tbl)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q`, tbl)); err != nil {
		return fmt.Errorf("clear table %q: %w", tbl, err)
	}
	return nil
}

// Vacuum compacts the database file.
func (s *Store) Vacuum(ctx context.Context) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, "VACUUM")
	return err
}

// Analyze refreshes the query planner statistics.
func (s *Store) Analyze(ctx context.Context) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, "ANALYZE")
	return err
}

// Backup streams every table as a single JSON document, in the same
// shape the memory backend uses, so backups are portable between the
// two.
func (s *Store) Backup(ctx context.Context, w io.Writer) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	names, err := s.userTables(ctx, db)
	if err != nil {
		return err
	}

	dump := make(map[string]map[string]driver.Entity, len(names))
	for _, tbl := range names {
		rows, err := db.QueryContext(ctx, fmt.Sprintf(`SELECT id, doc FROM %q`, tbl))
		if err != nil {
			return fmt.Errorf("backup %q: %w", tbl, err)
		}
		table := make(map[string]driver.Entity)
		for rows.Next() {
			var id, doc string
			if err := rows.Scan(&id, &doc); err != nil {
				rows.Close()
				return fmt.Errorf("backup scan %q: %w", tbl, err)
			}
			entity, err := decodeDoc(doc)
			if err != nil {
				rows.Close()
				return err
			}
			table[id] = entity
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		dump[tbl] = table
	}
	return json.NewEncoder(w).Encode(dump)
}

// Restore replaces the database contents from a Backup stream.
func (s *Store) Restore(ctx context.Context, r io.Reader) error {
	var dump map[string]map[string]driver.Entity
	if err := json.NewDecoder(r).Decode(&dump); err != nil {
		return fmt.Errorf("decode backup: %w", err)
	}

	db, err := s.conn()
	if err != nil {
		return err
	}
	existing, err := s.userTables(ctx, db)
	if err != nil {
		return err
	}
	for _, tbl := range existing {
		if err := s.DropTable(ctx, tbl); err != nil {
			return err
		}
	}

	for tbl, records := range dump {
		if _, err := s.ensureTable(ctx, tbl); err != nil {
			return err
		}
		entities := make([]driver.Entity, 0, len(records))
		for _, record := range records {
			entities = append(entities, record)
		}
		if _, err := s.CreateMany(ctx, tbl, entities); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) userTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// GetStorageInfo reports table and row counts plus the database size.
func (s *Store) GetStorageInfo(ctx context.Context) (driver.StorageInfo, error) {
	db, err := s.conn()
	if err != nil {
		return driver.StorageInfo{}, err
	}

	names, err := s.userTables(ctx, db)
	if err != nil {
		return driver.StorageInfo{}, err
	}

	var entities int64
	for _, tbl := range names {
		var n int64
		if err := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %q`, tbl)).Scan(&n); err != nil {
			return driver.StorageInfo{}, err
		}
		entities += n
	}

	var pageCount, pageSize int64
	_ = db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount)
	_ = db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)

	return driver.StorageInfo{
		Name:        s.path,
		Type:        "sqlite",
		TableCount:  len(names),
		EntityCount: entities,
		SizeBytes:   pageCount * pageSize,
	}, nil
}

// GetPerformanceMetrics reports operation counters and pool stats.
func (s *Store) GetPerformanceMetrics(ctx context.Context) (map[string]any, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	stats := db.Stats()
	return map[string]any{
		"reads":           s.reads.Load(),
		"writes":          s.writes.Load(),
		"openConnections": stats.OpenConnections,
		"inUse":           stats.InUse,
	}, nil
}

// GetHealthStatus pings the database.
func (s *Store) GetHealthStatus(ctx context.Context) (driver.HealthStatus, error) {
	db, err := s.conn()
	if err != nil {
		return driver.HealthStatus{
			Healthy: false,
			Details: map[string]string{"backend": "not connected"},
		}, nil
	}
	if err := db.PingContext(ctx); err != nil {
		return driver.HealthStatus{
			Healthy: false,
			Details: map[string]string{"backend": err.Error()},
		}, nil
	}
	return driver.HealthStatus{
		Healthy: true,
		Details: map[string]string{"backend": "sqlite"},
	}, nil
}
