// Package queue defers write operations to a background worker that
// applies them in prioritized batches with retries. Callers receive a
// future that resolves when their operation has been applied.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"goflare.io/aegis/internal/retrier"
	"goflare.io/aegis/pkg/driver"
)

const (
	// Deletes outrank updates outrank creates, so erasure requests are
	// never stuck behind bulk inserts.
	priorityCreate = 0
	priorityUpdate = 1
	priorityDelete = 2

	defaultBatchSize     = 64
	defaultFlushInterval = 100 * time.Millisecond
	defaultMaxRetries    = 3
	bufferFactor         = 4
)

// Config tunes the queue worker.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
}

// future resolves a single queued operation.
type future struct {
	done   chan struct{}
	entity driver.Entity
	err    error
}

func newFuture() *future { return &future{done: make(chan struct{})} }

func (f *future) resolve(entity driver.Entity, err error) {
	f.entity = entity
	f.err = err
	close(f.done)
}

// Wait blocks until the operation was applied or ctx expires.
func (f *future) Wait(ctx context.Context) (driver.Entity, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return f.entity, f.err
	}
}

type task struct {
	op  driver.QueuedOperation
	fut *future
}

// Queue is a driver.UpdateQueue applying deferred writes against a
// backend.
type Queue struct {
	backend driver.Backend
	logger  *zap.Logger
	retry   *retrier.Retrier
	cfg     Config

	tasks chan *task
	stop  chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New starts the queue worker. Close drains pending work before
// returning.
func New(backend driver.Backend, cfg Config, logger *zap.Logger) (*Queue, error) {
	if backend == nil {
		return nil, fmt.Errorf("queue requires a backend")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}

	retry, err := retrier.New(cfg.MaxRetries, 50*time.Millisecond, 2*time.Second,
		2.0, 0.2, retrier.ExponentialBackoff, func(error) bool { return true })
	if err != nil {
		return nil, fmt.Errorf("queue retrier: %w", err)
	}

	q := &Queue{
		backend: backend,
		logger:  logger,
		retry:   retry,
		cfg:     cfg,
		tasks:   make(chan *task, cfg.BatchSize*bufferFactor),
		stop:    make(chan struct{}),
	}
	q.wg.Add(1)
	go q.worker()
	return q, nil
}

// EnqueueCreate defers an insert.
func (q *Queue) EnqueueCreate(ctx context.Context, table string, entity driver.Entity) (driver.QueueResult, error) {
	return q.enqueue(ctx, driver.QueuedOperation{
		Type:     driver.OperationCreate,
		Table:    table,
		EntityID: entity.ID(),
		Data:     entity,
		Priority: priorityCreate,
	})
}

// EnqueueUpdate defers an overwrite.
func (q *Queue) EnqueueUpdate(ctx context.Context, table, id string, entity driver.Entity) (driver.QueueResult, error) {
	return q.enqueue(ctx, driver.QueuedOperation{
		Type:     driver.OperationUpdate,
		Table:    table,
		EntityID: id,
		Data:     entity,
		Priority: priorityUpdate,
	})
}

// EnqueueDelete defers a removal.
func (q *Queue) EnqueueDelete(ctx context.Context, table, id string) (driver.QueueResult, error) {
	return q.enqueue(ctx, driver.QueuedOperation{
		Type:     driver.OperationDelete,
		Table:    table,
		EntityID: id,
		Priority: priorityDelete,
	})
}

func (q *Queue) enqueue(ctx context.Context, op driver.QueuedOperation) (driver.QueueResult, error) {
	op.ID = uuid.NewString()
	op.Timestamp = time.Now()
	op.MaxRetries = q.cfg.MaxRetries
	t := &task{op: op, fut: newFuture()}

	// The send happens under the mutex so it is atomic with Close: once
	// closed is set no task can slip into the channel behind the
	// worker's final drain, where its future would never resolve.
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, fmt.Errorf("queue closed")
	}
	select {
	case q.tasks <- t:
		return t.fut, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Enabled reports whether the queue accepts work.
func (q *Queue) Enabled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.closed
}

// Close stops intake, flushes everything already queued and waits for
// the worker to finish.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	close(q.stop)
	q.wg.Wait()
	return nil
}

// worker batches tasks until BatchSize is reached or FlushInterval
// elapses, then applies the batch highest priority first.
func (q *Queue) worker() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*task, 0, q.cfg.BatchSize)
	for {
		select {
		case t := <-q.tasks:
			batch = append(batch, t)
			if len(batch) >= q.cfg.BatchSize {
				q.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				q.flush(batch)
				batch = batch[:0]
			}
		case <-q.stop:
			// Drain whatever made it into the channel before intake
			// closed.
			for {
				select {
				case t := <-q.tasks:
					batch = append(batch, t)
				default:
					if len(batch) > 0 {
						q.flush(batch)
					}
					return
				}
			}
		}
	}
}

func (q *Queue) flush(batch []*task) {
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].op.Priority > batch[j].op.Priority
	})

	ctx := context.Background()
	for _, t := range batch {
		entity, err := q.apply(ctx, &t.op)
		if err != nil {
			q.logger.Error("Queued operation failed",
				zap.String("operation", string(t.op.Type)),
				zap.String("table", t.op.Table),
				zap.String("entity", t.op.EntityID),
				zap.Int("retries", t.op.RetryCount),
				zap.Error(err))
		}
		t.fut.resolve(entity, err)
	}
}

func (q *Queue) apply(ctx context.Context, op *driver.QueuedOperation) (driver.Entity, error) {
	var entity driver.Entity
	attempts := 0
	err := q.retry.Run(ctx, func() error {
		attempts++
		var err error
		switch op.Type {
		case driver.OperationCreate:
			entity, err = q.backend.Create(ctx, op.Table, op.Data)
		case driver.OperationUpdate:
			entity, err = q.backend.Update(ctx, op.Table, op.EntityID, op.Data)
		case driver.OperationDelete:
			err = q.backend.Delete(ctx, op.Table, op.EntityID)
		default:
			return fmt.Errorf("unknown operation type %q", op.Type)
		}
		if err != nil {
			op.LastError = err.Error()
		}
		return err
	})
	op.RetryCount = attempts - 1
	return entity, err
}
