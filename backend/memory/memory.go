// Package memory provides a fully featured in-memory backend. It backs
// tests and single-process deployments, and doubles as the reference
// semantics for other backends.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"goflare.io/aegis/pkg/driver"
)

// Store is a threadsafe in-memory driver.Backend.
type Store struct {
	mu        sync.RWMutex
	connected bool
	tables    map[string]table

	// snapshots holds pre-transaction copies of the whole store, keyed
	// by transaction id. Rollback swaps the snapshot back in.
	snapshots map[string]map[string]table

	reads  atomic.Int64
	writes atomic.Int64
}

type table struct {
	rows    map[string]driver.Entity
	schema  map[string]string
	indexes map[string][]string
}

func newTable() table {
	return table{
		rows:    make(map[string]driver.Entity),
		schema:  make(map[string]string),
		indexes: make(map[string][]string),
	}
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		tables:    make(map[string]table),
		snapshots: make(map[string]map[string]table),
	}
}

// Connect marks the store ready.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

// Disconnect marks the store unavailable but keeps its data, so a
// reconnect sees the same contents.
func (s *Store) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *Store) table(name string) table {
	t, ok := s.tables[name]
	if !ok {
		t = newTable()
		s.tables[name] = t
	}
	return t
}

// Create inserts a record, rejecting duplicate ids.
func (s *Store) Create(ctx context.Context, tbl string, entity driver.Entity) (driver.Entity, error) {
	s.writes.Inc()
	s.mu.Lock()
	defer s.mu.Unlock()

	record := entity.Clone()
	if record.ID() == "" {
		record[driver.FieldID] = uuid.NewString()
	}
	t := s.table(tbl)
	if _, exists := t.rows[record.ID()]; exists {
		return nil, fmt.Errorf("table %q id %q: %w", tbl, record.ID(), driver.ErrDuplicateID)
	}
	t.rows[record.ID()] = record
	return record.Clone(), nil
}

// Read returns a copy of the record.
func (s *Store) Read(ctx context.Context, tbl, id string) (driver.Entity, error) {
	s.reads.Inc()
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.tables[tbl].rows[id]
	if !ok {
		return nil, fmt.Errorf("table %q id %q: %w", tbl, id, driver.ErrNotFound)
	}
	return record.Clone(), nil
}

// Update overwrites an existing record.
func (s *Store) Update(ctx context.Context, tbl, id string, entity driver.Entity) (driver.Entity, error) {
	s.writes.Inc()
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[tbl]
	if !ok {
		return nil, fmt.Errorf("table %q id %q: %w", tbl, id, driver.ErrNotFound)
	}
	if _, exists := t.rows[id]; !exists {
		return nil, fmt.Errorf("table %q id %q: %w", tbl, id, driver.ErrNotFound)
	}
	record := entity.Clone()
	record[driver.FieldID] = id
	t.rows[id] = record
	return record.Clone(), nil
}

// Delete removes a record.
func (s *Store) Delete(ctx context.Context, tbl, id string) error {
	s.writes.Inc()
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[tbl]
	if !ok {
		return fmt.Errorf("table %q id %q: %w", tbl, id, driver.ErrNotFound)
	}
	if _, exists := t.rows[id]; !exists {
		return fmt.Errorf("table %q id %q: %w", tbl, id, driver.ErrNotFound)
	}
	delete(t.rows, id)
	return nil
}

// CreateMany inserts a batch atomically: one duplicate fails the whole
// batch before anything is written.
func (s *Store) CreateMany(ctx context.Context, tbl string, entities []driver.Entity) ([]driver.Entity, error) {
	s.writes.Inc()
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(tbl)
	records := make([]driver.Entity, 0, len(entities))
	for _, entity := range entities {
		record := entity.Clone()
		if record.ID() == "" {
			record[driver.FieldID] = uuid.NewString()
		}
		if _, exists := t.rows[record.ID()]; exists {
			return nil, fmt.Errorf("table %q id %q: %w", tbl, record.ID(), driver.ErrDuplicateID)
		}
		records = append(records, record)
	}
	for _, record := range records {
		t.rows[record.ID()] = record
	}

	out := make([]driver.Entity, len(records))
	for i, record := range records {
		out[i] = record.Clone()
	}
	return out, nil
}

// UpdateMany applies a patch to every record matching the filter.
func (s *Store) UpdateMany(ctx context.Context, tbl string, filter driver.Query, patch driver.Entity) (int64, error) {
	s.writes.Inc()
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, record := range s.tables[tbl].rows {
		if !matches(record, filter.Filters) {
			continue
		}
		for k, v := range patch {
			if k == driver.FieldID {
				continue
			}
			record[k] = v
		}
		n++
	}
	return n, nil
}

// DeleteMany removes every record matching the filter.
func (s *Store) DeleteMany(ctx context.Context, tbl string, filter driver.Query) (int64, error) {
	s.writes.Inc()
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tables[tbl]
	var n int64
	for id, record := range t.rows {
		if matches(record, filter.Filters) {
			delete(t.rows, id)
			n++
		}
	}
	return n, nil
}

// Query returns copies of matching records, sorted and paginated.
func (s *Store) Query(ctx context.Context, tbl string, q driver.Query) ([]driver.Entity, error) {
	s.reads.Inc()
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]driver.Entity, 0)
	for _, record := range s.tables[tbl].rows {
		if matches(record, q.Filters) {
			out = append(out, record.Clone())
		}
	}
	sortEntities(out, q.Sort)
	return paginate(out, q.Offset, q.Limit), nil
}

// Count reports how many records match the filter.
func (s *Store) Count(ctx context.Context, tbl string, q driver.Query) (int64, error) {
	s.reads.Inc()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, record := range s.tables[tbl].rows {
		if matches(record, q.Filters) {
			n++
		}
	}
	return n, nil
}

// Exists reports whether the id is present.
func (s *Store) Exists(ctx context.Context, tbl, id string) (bool, error) {
	s.reads.Inc()
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tables[tbl].rows[id]
	return ok, nil
}

// Aggregate supports match and limit stages; richer pipelines are a
// real database's job.
func (s *Store) Aggregate(ctx context.Context, tbl string, pipeline []map[string]any) ([]driver.Entity, error) {
	s.reads.Inc()
	s.mu.RLock()
	out := make([]driver.Entity, 0)
	for _, record := range s.tables[tbl].rows {
		out = append(out, record.Clone())
	}
	s.mu.RUnlock()

	for _, stage := range pipeline {
		for name, arg := range stage {
			switch name {
			case "match":
				filters, ok := arg.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("aggregate: match stage wants a filter map")
				}
				kept := out[:0]
				for _, record := range out {
					if matches(record, filters) {
						kept = append(kept, record)
					}
				}
				out = kept
			case "limit":
				limit, ok := toInt(arg)
				if !ok {
					return nil, fmt.Errorf("aggregate: limit stage wants a number")
				}
				if len(out) > limit {
					out = out[:limit]
				}
			default:
				return nil, fmt.Errorf("aggregate: unsupported stage %q", name)
			}
		}
	}
	return out, nil
}

// Search returns records where any of the given fields contains the
// term, case-insensitively. Empty fields means all string fields.
func (s *Store) Search(ctx context.Context, tbl, term string, fields []string) ([]driver.Entity, error) {
	s.reads.Inc()
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(term)
	out := make([]driver.Entity, 0)
	for _, record := range s.tables[tbl].rows {
		if searchMatch(record, needle, fields) {
			out = append(out, record.Clone())
		}
	}
	sortEntities(out, []driver.SortField{{Field: driver.FieldID}})
	return out, nil
}

// Clear drops every row of a table, keeping its schema and indexes.
func (s *Store) Clear(ctx context.Context, tbl string) error {
	s.writes.Inc()
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tables[tbl]; ok {
		t.rows = make(map[string]driver.Entity)
		s.tables[tbl] = t
	}
	return nil
}

// Vacuum is a no-op; maps reclaim nothing.
func (s *Store) Vacuum(ctx context.Context) error { return nil }

// Analyze is a no-op.
func (s *Store) Analyze(ctx context.Context) error { return nil }

func searchMatch(record driver.Entity, needle string, fields []string) bool {
	if len(fields) == 0 {
		for _, v := range record {
			if str, ok := v.(string); ok && strings.Contains(strings.ToLower(str), needle) {
				return true
			}
		}
		return false
	}
	for _, field := range fields {
		if str, ok := record[field].(string); ok && strings.Contains(strings.ToLower(str), needle) {
			return true
		}
	}
	return false
}

// matches checks equality filters. Numeric values compare by magnitude
// so a JSON-decoded float64 matches the int it came from.
func matches(record driver.Entity, filters map[string]any) bool {
	for field, want := range filters {
		got, ok := record[field]
		if !ok || !valueEqual(got, want) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toInt(v any) (int, bool) {
	f, ok := toFloat(v)
	return int(f), ok
}

// sortEntities orders by each sort field in turn, with the id as the
// final tiebreak so results are stable across runs.
func sortEntities(list []driver.Entity, keys []driver.SortField) {
	sort.SliceStable(list, func(i, j int) bool {
		for _, key := range keys {
			c := compareValues(list[i][key.Field], list[j][key.Field])
			if c == 0 {
				continue
			}
			if key.Desc {
				return c > 0
			}
			return c < 0
		}
		return list[i].ID() < list[j].ID()
	})
}

func compareValues(a, b any) int {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	if at, aok := a.(time.Time); aok {
		if bt, bok := b.(time.Time); bok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			}
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func paginate(list []driver.Entity, offset, limit int) []driver.Entity {
	if offset >= len(list) {
		return []driver.Entity{}
	}
	list = list[offset:]
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}

// Backup writes the whole store as JSON.
func (s *Store) Backup(ctx context.Context, w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dump := make(map[string]map[string]driver.Entity, len(s.tables))
	for name, t := range s.tables {
		dump[name] = t.rows
	}
	return json.NewEncoder(w).Encode(dump)
}

// Restore replaces the store contents from a JSON backup.
func (s *Store) Restore(ctx context.Context, r io.Reader) error {
	var dump map[string]map[string]driver.Entity
	if err := json.NewDecoder(r).Decode(&dump); err != nil {
		return fmt.Errorf("decode backup: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables = make(map[string]table, len(dump))
	for name, rows := range dump {
		t := newTable()
		for id, record := range rows {
			t.rows[id] = record
		}
		s.tables[name] = t
	}
	return nil
}

// GetStorageInfo describes the store.
func (s *Store) GetStorageInfo(ctx context.Context) (driver.StorageInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entities int64
	for _, t := range s.tables {
		entities += int64(len(t.rows))
	}
	return driver.StorageInfo{
		Name:        "memory",
		Type:        "memory",
		TableCount:  len(s.tables),
		EntityCount: entities,
	}, nil
}

// GetPerformanceMetrics reports operation counters.
func (s *Store) GetPerformanceMetrics(ctx context.Context) (map[string]any, error) {
	return map[string]any{
		"reads":  s.reads.Load(),
		"writes": s.writes.Load(),
	}, nil
}

// GetHealthStatus reports connectivity.
func (s *Store) GetHealthStatus(ctx context.Context) (driver.HealthStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return driver.HealthStatus{
		Healthy: s.connected,
		Details: map[string]string{"backend": "memory"},
	}, nil
}
