package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"goflare.io/aegis/backend/memory"
	"goflare.io/aegis/pkg/driver"
)

func newTestQueue(t *testing.T, cfg Config) (*Queue, *memory.Store) {
	t.Helper()
	backend := memory.NewStore()
	q, err := New(backend, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, backend
}

func TestNewRequiresBackend(t *testing.T) {
	_, err := New(nil, Config{}, zap.NewNop())
	assert.Error(t, err)
}

func TestEnqueueCreateResolvesFuture(t *testing.T) {
	q, backend := newTestQueue(t, Config{FlushInterval: 5 * time.Millisecond})
	ctx := context.Background()

	res, err := q.EnqueueCreate(ctx, "users", driver.Entity{"id": "u1", "name": "Alice"})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	entity, err := res.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, "u1", entity.ID())

	stored, err := backend.Read(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", stored["name"])
}

func TestEnqueueUpdateAndDelete(t *testing.T) {
	q, backend := newTestQueue(t, Config{FlushInterval: 5 * time.Millisecond})
	ctx := context.Background()

	_, err := backend.Create(ctx, "users", driver.Entity{"id": "u1", "name": "Alice"})
	require.NoError(t, err)

	res, err := q.EnqueueUpdate(ctx, "users", "u1", driver.Entity{"id": "u1", "name": "Alicia"})
	require.NoError(t, err)
	_, err = res.Wait(ctx)
	require.NoError(t, err)

	stored, err := backend.Read(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "Alicia", stored["name"])

	res, err = q.EnqueueDelete(ctx, "users", "u1")
	require.NoError(t, err)
	_, err = res.Wait(ctx)
	require.NoError(t, err)

	_, err = backend.Read(ctx, "users", "u1")
	assert.ErrorIs(t, err, driver.ErrNotFound)
}

func TestFailedOperationResolvesWithError(t *testing.T) {
	q, _ := newTestQueue(t, Config{FlushInterval: 5 * time.Millisecond, MaxRetries: 1})
	ctx := context.Background()

	res, err := q.EnqueueDelete(ctx, "users", "missing")
	require.NoError(t, err)
	_, err = res.Wait(ctx)
	assert.Error(t, err)
}

func TestBatchAppliesDeletesBeforeCreates(t *testing.T) {
	// A long flush interval keeps both operations in the same batch, so
	// priority ordering decides: the delete of u1 runs before the create
	// re-inserting it.
	q, backend := newTestQueue(t, Config{BatchSize: 100, FlushInterval: 100 * time.Millisecond})
	ctx := context.Background()

	_, err := backend.Create(ctx, "users", driver.Entity{"id": "u1", "name": "old"})
	require.NoError(t, err)

	createRes, err := q.EnqueueCreate(ctx, "users", driver.Entity{"id": "u1", "name": "new"})
	require.NoError(t, err)
	deleteRes, err := q.EnqueueDelete(ctx, "users", "u1")
	require.NoError(t, err)

	_, err = createRes.Wait(ctx)
	require.NoError(t, err)
	_, err = deleteRes.Wait(ctx)
	require.NoError(t, err)

	stored, err := backend.Read(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "new", stored["name"])
}

func TestCloseDrainsPendingWork(t *testing.T) {
	backend := memory.NewStore()
	q, err := New(backend, Config{BatchSize: 1000, FlushInterval: time.Hour}, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	futures := make([]driver.QueueResult, 0, 10)
	for i := 0; i < 10; i++ {
		res, err := q.EnqueueCreate(ctx, "users",
			driver.Entity{"id": fmt.Sprintf("u%d", i)})
		require.NoError(t, err)
		futures = append(futures, res)
	}

	require.NoError(t, q.Close())
	for _, res := range futures {
		_, err := res.Wait(ctx)
		require.NoError(t, err)
	}

	n, err := backend.Count(ctx, "users", driver.Query{})
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
}

func TestClosedQueueRejectsWork(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	require.True(t, q.Enabled())
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
	assert.False(t, q.Enabled())

	_, err := q.EnqueueCreate(context.Background(), "users", driver.Entity{"id": "u1"})
	assert.Error(t, err)
}

func TestEnqueueRacingCloseAlwaysResolves(t *testing.T) {
	backend := memory.NewStore()
	q, err := New(backend, Config{BatchSize: 4, FlushInterval: time.Millisecond}, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	// Hammer enqueue from several goroutines while Close lands in the
	// middle. Every future handed out must resolve; one stuck in the
	// channel behind the worker's final drain would block Wait forever.
	var mu sync.Mutex
	var accepted []driver.QueueResult

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; ; i++ {
				res, err := q.EnqueueCreate(ctx, "users",
					driver.Entity{"id": fmt.Sprintf("g%d-%d", g, i)})
				if err != nil {
					return
				}
				mu.Lock()
				accepted = append(accepted, res)
				mu.Unlock()
			}
		}(g)
	}

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, q.Close())
	wg.Wait()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, res := range accepted {
		_, err := res.Wait(waitCtx)
		require.NoError(t, err, "every accepted operation resolves after Close")
	}

	n, err := backend.Count(ctx, "users", driver.Query{})
	require.NoError(t, err)
	assert.Equal(t, int64(len(accepted)), n)
}

func TestConcurrentEnqueues(t *testing.T) {
	q, backend := newTestQueue(t, Config{BatchSize: 8, FlushInterval: 5 * time.Millisecond})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := q.EnqueueCreate(ctx, "users",
				driver.Entity{"id": fmt.Sprintf("u%d", i)})
			if err != nil {
				t.Error(err)
				return
			}
			if _, err := res.Wait(ctx); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	n, err := backend.Count(ctx, "users", driver.Query{})
	require.NoError(t, err)
	assert.Equal(t, int64(50), n)
}
