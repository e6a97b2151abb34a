package sqlite

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goflare.io/aegis/pkg/driver"
)

func newConnectedStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(filepath.Join(t.TempDir(), "aegis.db"))
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { _ = s.Disconnect(context.Background()) })
	return s
}

func seedUsers(t *testing.T, s *Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := s.Create(context.Background(), "users", driver.Entity{
			"id":   fmt.Sprintf("u%02d", i),
			"name": fmt.Sprintf("user-%d", i),
			"age":  20 + i,
		})
		require.NoError(t, err)
	}
}

func TestConnectCreatesFile(t *testing.T) {
	s := newConnectedStore(t)
	health, err := s.GetHealthStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, health.Healthy)
}

func TestCreateReadUpdateDelete(t *testing.T) {
	s := newConnectedStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, "users", driver.Entity{"id": "u1", "name": "Alice"})
	require.NoError(t, err)
	assert.Equal(t, "u1", created.ID())

	got, err := s.Read(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got["name"])

	updated, err := s.Update(ctx, "users", "u1", driver.Entity{"id": "u1", "name": "Alicia"})
	require.NoError(t, err)
	assert.Equal(t, "Alicia", updated["name"])

	require.NoError(t, s.Delete(ctx, "users", "u1"))
	_, err = s.Read(ctx, "users", "u1")
	assert.ErrorIs(t, err, driver.ErrNotFound)
}

func TestCreateDuplicateID(t *testing.T) {
	s := newConnectedStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "users", driver.Entity{"id": "u1"})
	require.NoError(t, err)
	_, err = s.Create(ctx, "users", driver.Entity{"id": "u1"})
	assert.ErrorIs(t, err, driver.ErrDuplicateID)
}

func TestUpdateAndDeleteMissing(t *testing.T) {
	s := newConnectedStore(t)
	ctx := context.Background()
	seedUsers(t, s, 1)

	_, err := s.Update(ctx, "users", "nope", driver.Entity{"name": "x"})
	assert.ErrorIs(t, err, driver.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "users", "nope"), driver.ErrNotFound)
}

func TestCreateManyRollsBackOnCollision(t *testing.T) {
	s := newConnectedStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "users", driver.Entity{"id": "u1"})
	require.NoError(t, err)

	_, err = s.CreateMany(ctx, "users", []driver.Entity{
		{"id": "u2"},
		{"id": "u1"},
	})
	require.ErrorIs(t, err, driver.ErrDuplicateID)

	ok, err := s.Exists(ctx, "users", "u2")
	require.NoError(t, err)
	assert.False(t, ok, "the insert transaction was rolled back")
}

func TestQueryFiltersOnDocumentFields(t *testing.T) {
	s := newConnectedStore(t)
	ctx := context.Background()
	seedUsers(t, s, 6)

	got, err := s.Query(ctx, "users", driver.Query{
		Filters: map[string]any{"name": "user-3"},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "u03", got[0].ID())

	got, err = s.Query(ctx, "users", driver.Query{
		Filters: map[string]any{"id": "u02"},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "user-2", got[0]["name"])
}

func TestQuerySortAndPaginate(t *testing.T) {
	s := newConnectedStore(t)
	ctx := context.Background()
	seedUsers(t, s, 6)

	got, err := s.Query(ctx, "users", driver.Query{
		Sort:   []driver.SortField{{Field: "age", Desc: true}},
		Limit:  2,
		Offset: 1,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "u04", got[0].ID())
	assert.Equal(t, "u03", got[1].ID())
}

func TestQueryEmptyTable(t *testing.T) {
	s := newConnectedStore(t)
	got, err := s.Query(context.Background(), "nothing", driver.Query{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCountAndExists(t *testing.T) {
	s := newConnectedStore(t)
	ctx := context.Background()
	seedUsers(t, s, 3)

	n, err := s.Count(ctx, "users", driver.Query{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = s.Count(ctx, "users", driver.Query{Filters: map[string]any{"name": "user-1"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ok, err := s.Exists(ctx, "users", "u01")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Exists(ctx, "users", "zz")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateManyAndDeleteMany(t *testing.T) {
	s := newConnectedStore(t)
	ctx := context.Background()
	seedUsers(t, s, 4)

	n, err := s.UpdateMany(ctx, "users",
		driver.Query{Filters: map[string]any{"name": "user-2"}},
		driver.Entity{"tier": "gold"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Read(ctx, "users", "u02")
	require.NoError(t, err)
	assert.Equal(t, "gold", got["tier"])
	assert.Equal(t, "user-2", got["name"])

	n, err = s.DeleteMany(ctx, "users",
		driver.Query{Filters: map[string]any{"tier": "gold"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	remaining, err := s.Count(ctx, "users", driver.Query{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), remaining)
}

func TestSearchMatchesSubstringsCaseInsensitively(t *testing.T) {
	s := newConnectedStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "users", driver.Entity{"id": "u1", "name": "Alice Smith"})
	require.NoError(t, err)
	_, err = s.Create(ctx, "users", driver.Entity{"id": "u2", "name": "Bob"})
	require.NoError(t, err)

	got, err := s.Search(ctx, "users", "smith", []string{"name"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "u1", got[0].ID())
}

func TestTransactionLifecycle(t *testing.T) {
	s := newConnectedStore(t)
	ctx := context.Background()
	seedUsers(t, s, 1)

	tx, err := s.BeginTransaction(ctx, "serializable")
	require.NoError(t, err)
	require.NoError(t, s.CommitTransaction(ctx, tx.ID))

	assert.ErrorIs(t, s.CommitTransaction(ctx, tx.ID), driver.ErrNotFound)

	tx, err = s.BeginTransaction(ctx, "")
	require.NoError(t, err)
	require.NoError(t, s.RollbackTransaction(ctx, tx.ID))
	assert.ErrorIs(t, s.RollbackTransaction(ctx, tx.ID), driver.ErrNotFound)
}

func TestSchemaAndMaintenance(t *testing.T) {
	s := newConnectedStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTable(ctx, "users", nil))
	require.NoError(t, s.CreateIndex(ctx, "users", "users_by_name", []string{"name"}))
	seedUsers(t, s, 2)
	require.NoError(t, s.DropIndex(ctx, "users", "users_by_name"))
	require.NoError(t, s.Analyze(ctx))
	require.NoError(t, s.Vacuum(ctx))

	require.NoError(t, s.Clear(ctx, "users"))
	n, err := s.Count(ctx, "users", driver.Query{})
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.DropTable(ctx, "users"))
}

func TestInvalidTableNameRejected(t *testing.T) {
	s := newConnectedStore(t)
	_, err := s.Create(context.Background(), "users; DROP TABLE x", driver.Entity{"id": "u1"})
	assert.Error(t, err)
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	s := newConnectedStore(t)
	ctx := context.Background()
	seedUsers(t, s, 3)
	_, err := s.Create(ctx, "orders", driver.Entity{"id": "o1", "total": 9.5})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, s.Backup(ctx, &buf))

	restored := newConnectedStore(t)
	require.NoError(t, restored.Restore(ctx, &buf))

	n, err := restored.Count(ctx, "users", driver.Query{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	order, err := restored.Read(ctx, "orders", "o1")
	require.NoError(t, err)
	assert.Equal(t, 9.5, order["total"])
}

func TestStorageInfoAndMetrics(t *testing.T) {
	s := newConnectedStore(t)
	ctx := context.Background()
	seedUsers(t, s, 2)

	info, err := s.GetStorageInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", info.Type)
	assert.Equal(t, int64(2), info.EntityCount)

	metrics, err := s.GetPerformanceMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), metrics["writes"])
}
