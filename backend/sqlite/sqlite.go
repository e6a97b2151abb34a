// Package sqlite provides a document-per-row backend on SQLite. Each
// logical table maps to one SQL table holding the entity id and its JSON
// document; filters and ordering run through json_extract so no schema
// migration is needed when entities grow fields.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	_ "modernc.org/sqlite"

	"goflare.io/aegis/pkg/driver"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store is a driver.Backend persisting to a SQLite database file (or
// ":memory:").
type Store struct {
	path string

	mu     sync.Mutex
	db     *sql.DB
	txs    map[string]*sql.Tx
	tables map[string]bool

	reads  atomic.Int64
	writes atomic.Int64
}

// NewStore creates a store for the database at path. Nothing is opened
// until Connect.
func NewStore(path string) *Store {
	return &Store{
		path:   path,
		txs:    make(map[string]*sql.Tx),
		tables: make(map[string]bool),
	}
}

// Connect opens the database and switches it to WAL mode.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return fmt.Errorf("set journal mode: %w", err)
	}

	s.db = db
	return nil
}

// Disconnect rolls back open transactions and closes the database.
func (s *Store) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	for id, tx := range s.txs {
		_ = tx.Rollback()
		delete(s.txs, id)
	}
	err := s.db.Close()
	s.db = nil
	s.tables = make(map[string]bool)
	return err
}

func (s *Store) conn() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("sqlite backend not connected")
	}
	return s.db, nil
}

// ensureTable creates the document table on first use.
func (s *Store) ensureTable(ctx context.Context, tbl string) (*sql.DB, error) {
	if !identifierPattern.MatchString(tbl) {
		return nil, fmt.Errorf("invalid table name %q", tbl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("sqlite backend not connected")
	}
	if s.tables[tbl] {
		return s.db, nil
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (id TEXT PRIMARY KEY, doc TEXT NOT NULL)`, tbl)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create table %q: %w", tbl, err)
	}
	s.tables[tbl] = true
	return s.db, nil
}

func encodeDoc(entity driver.Entity) (string, error) {
	doc, err := json.Marshal(entity)
	if err != nil {
		return "", fmt.Errorf("encode entity: %w", err)
	}
	return string(doc), nil
}

func decodeDoc(doc string) (driver.Entity, error) {
	var entity driver.Entity
	if err := json.Unmarshal([]byte(doc), &entity); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	return entity, nil
}

// Create inserts a record.
func (s *Store) Create(ctx context.Context, tbl string, entity driver.Entity) (driver.Entity, error) {
	s.writes.Inc()
	db, err := s.ensureTable(ctx, tbl)
	if err != nil {
		return nil, err
	}

	record := entity.Clone()
	if record.ID() == "" {
		record[driver.FieldID] = uuid.NewString()
	}
	doc, err := encodeDoc(record)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`INSERT INTO %q (id, doc) VALUES (?, ?)`, tbl)
	if _, err := db.ExecContext(ctx, query, record.ID(), doc); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, fmt.Errorf("table %q id %q: %w", tbl, record.ID(), driver.ErrDuplicateID)
		}
		return nil, fmt.Errorf("insert into %q: %w", tbl, err)
	}
	return record, nil
}

// Read fetches one record by id.
func (s *Store) Read(ctx context.Context, tbl, id string) (driver.Entity, error) {
	s.reads.Inc()
	db, err := s.ensureTable(ctx, tbl)
	if err != nil {
		return nil, err
	}

	var doc string
	query := fmt.Sprintf(`SELECT doc FROM %q WHERE id = ?`, tbl)
	err = db.QueryRowContext(ctx, query, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("table %q id %q: %w", tbl, id, driver.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select from %q: %w", tbl, err)
	}
	return decodeDoc(doc)
}

// Update overwrites an existing record.
func (s *Store) Update(ctx context.Context, tbl, id string, entity driver.Entity) (driver.Entity, error) {
	s.writes.Inc()
	db, err := s.ensureTable(ctx, tbl)
	if err != nil {
		return nil, err
	}

	record := entity.Clone()
	record[driver.FieldID] = id
	doc, err := encodeDoc(record)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`UPDATE %q SET doc = ? WHERE id = ?`, tbl)
	res, err := db.ExecContext(ctx, query, doc, id)
	if err != nil {
		return nil, fmt.Errorf("update %q: %w", tbl, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("table %q id %q: %w", tbl, id, driver.ErrNotFound)
	}
	return record, nil
}

// Delete removes a record by id.
func (s *Store) Delete(ctx context.Context, tbl, id string) error {
	s.writes.Inc()
	db, err := s.ensureTable(ctx, tbl)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, tbl)
	res, err := db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete from %q: %w", tbl, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("table %q id %q: %w", tbl, id, driver.ErrNotFound)
	}
	return nil
}

// CreateMany inserts a batch in one transaction.
func (s *Store) CreateMany(ctx context.Context, tbl string, entities []driver.Entity) ([]driver.Entity, error) {
	s.writes.Inc()
	db, err := s.ensureTable(ctx, tbl)
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch insert: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`INSERT INTO %q (id, doc) VALUES (?, ?)`, tbl)
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("prepare batch insert: %w", err)
	}
	defer stmt.Close()

	records := make([]driver.Entity, 0, len(entities))
	for _, entity := range entities {
		record := entity.Clone()
		if record.ID() == "" {
			record[driver.FieldID] = uuid.NewString()
		}
		doc, err := encodeDoc(record)
		if err != nil {
			return nil, err
		}
		if _, err := stmt.ExecContext(ctx, record.ID(), doc); err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint") {
				return nil, fmt.Errorf("table %q id %q: %w", tbl, record.ID(), driver.ErrDuplicateID)
			}
			return nil, fmt.Errorf("batch insert into %q: %w", tbl, err)
		}
		records = append(records, record)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch insert: %w", err)
	}
	return records, nil
}

// UpdateMany patches every record matching the filter. Patching happens
// in Go since the documents are opaque JSON.
func (s *Store) UpdateMany(ctx context.Context, tbl string, filter driver.Query, patch driver.Entity) (int64, error) {
	s.writes.Inc()
	matched, err := s.Query(ctx, tbl, driver.Query{Filters: filter.Filters})
	if err != nil {
		return 0, err
	}

	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin batch update: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`UPDATE %q SET doc = ? WHERE id = ?`, tbl)
	var n int64
	for _, record := range matched {
		for k, v := range patch {
			if k == driver.FieldID {
				continue
			}
			record[k] = v
		}
		doc, err := encodeDoc(record)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, query, doc, record.ID()); err != nil {
			return 0, fmt.Errorf("batch update %q: %w", tbl, err)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit batch update: %w", err)
	}
	return n, nil
}

// DeleteMany removes every record matching the filter.
func (s *Store) DeleteMany(ctx context.Context, tbl string, filter driver.Query) (int64, error) {
	s.writes.Inc()
	db, err := s.ensureTable(ctx, tbl)
	if err != nil {
		return 0, err
	}

	where, args := whereClause(filter.Filters)
	query := fmt.Sprintf(`DELETE FROM %q%s`, tbl, where)
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete from %q: %w", tbl, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Query returns matching records, ordered and paginated in SQL.
func (s *Store) Query(ctx context.Context, tbl string, q driver.Query) ([]driver.Entity, error) {
	s.reads.Inc()
	db, err := s.ensureTable(ctx, tbl)
	if err != nil {
		return nil, err
	}

	where, args := whereClause(q.Filters)
	query := fmt.Sprintf(`SELECT doc FROM %q%s%s`, tbl, where, orderClause(q.Sort))
	if q.Limit > 0 || q.Offset > 0 {
		limit := q.Limit
		if limit <= 0 {
			limit = -1 // SQLite: no limit
		}
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, q.Offset)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", tbl, err)
	}
	defer rows.Close()

	out := make([]driver.Entity, 0)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan %q: %w", tbl, err)
		}
		entity, err := decodeDoc(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, entity)
	}
	return out, rows.Err()
}

// Count reports how many records match the filter.
func (s *Store) Count(ctx context.Context, tbl string, q driver.Query) (int64, error) {
	s.reads.Inc()
	db, err := s.ensureTable(ctx, tbl)
	if err != nil {
		return 0, err
	}

	where, args := whereClause(q.Filters)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %q%s`, tbl, where)
	var n int64
	if err := db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %q: %w", tbl, err)
	}
	return n, nil
}

// Exists reports whether the id is present.
func (s *Store) Exists(ctx context.Context, tbl, id string) (bool, error) {
	s.reads.Inc()
	db, err := s.ensureTable(ctx, tbl)
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf(`SELECT 1 FROM %q WHERE id = ?`, tbl)
	var one int
	err = db.QueryRowContext(ctx, query, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %q: %w", tbl, err)
	}
	return true, nil
}

// Aggregate supports match and limit stages, mirroring the memory
// backend.
func (s *Store) Aggregate(ctx context.Context, tbl string, pipeline []map[string]any) ([]driver.Entity, error) {
	q := driver.Query{}
	for _, stage := range pipeline {
		for name, arg := range stage {
			switch name {
			case "match":
				filters, ok := arg.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("aggregate: match stage wants a filter map")
				}
				if q.Filters == nil {
					q.Filters = make(map[string]any)
				}
				for k, v := range filters {
					q.Filters[k] = v
				}
			case "limit":
				limit, ok := arg.(int)
				if !ok {
					if f, fok := arg.(float64); fok {
						limit, ok = int(f), true
					}
				}
				if !ok {
					return nil, fmt.Errorf("aggregate: limit stage wants a number")
				}
				q.Limit = limit
			default:
				return nil, fmt.Errorf("aggregate: unsupported stage %q", name)
			}
		}
	}
	return s.Query(ctx, tbl, q)
}

// Search matches the term case-insensitively inside the given document
// fields; with no fields it scans the whole document.
func (s *Store) Search(ctx context.Context, tbl, term string, fields []string) ([]driver.Entity, error) {
	s.reads.Inc()
	db, err := s.ensureTable(ctx, tbl)
	if err != nil {
		return nil, err
	}

	var conds []string
	var args []any
	if len(fields) == 0 {
		conds = append(conds, "instr(lower(doc), lower(?)) > 0")
		args = append(args, term)
	} else {
		for _, field := range fields {
			conds = append(conds, "instr(lower(json_extract(doc, ?)), lower(?)) > 0")
			args = append(args, "$."+field, term)
		}
	}

	query := fmt.Sprintf(`SELECT doc FROM %q WHERE %s ORDER BY id`, tbl, strings.Join(conds, " OR "))
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", tbl, err)
	}
	defer rows.Close()

	out := make([]driver.Entity, 0)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan %q: %w", tbl, err)
		}
		entity, err := decodeDoc(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, entity)
	}
	return out, rows.Err()
}

func whereClause(filters map[string]any) (string, []any) {
	if len(filters) == 0 {
		return "", nil
	}
	fields := make([]string, 0, len(filters))
	for field := range filters {
		fields = append(fields, field)
	}
	// Deterministic clause order keeps query plans stable.
	sort.Strings(fields)

	conds := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields))
	for _, field := range fields {
		if field == driver.FieldID {
			conds = append(conds, "id = ?")
		} else {
			conds = append(conds, "json_extract(doc, ?) = ?")
			args = append(args, "$."+field)
		}
		args = append(args, filters[field])
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func orderClause(keys []driver.SortField) string {
	if len(keys) == 0 {
		return " ORDER BY id"
	}
	parts := make([]string, 0, len(keys)+1)
	for _, key := range keys {
		if !identifierPattern.MatchString(key.Field) {
			continue
		}
		dir := "ASC"
		if key.Desc {
			dir = "DESC"
		}
		parts = append(parts, fmt.Sprintf("json_extract(doc, '$.%s') %s", key.Field, dir))
	}
	parts = append(parts, "id ASC")
	return " ORDER BY " + strings.Join(parts, ", ")
}

