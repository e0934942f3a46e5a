// Package writequeue serializes every database mutation through a single
// FIFO worker. Commit order therefore defines event order: each op's
// completion callback runs after its transaction commits and before the
// next op starts, so in-memory projections and change events never observe
// writes out of order.
package writequeue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/common/apperr"
	"github.com/agenthive/agenthive/internal/common/logger"
	"github.com/agenthive/agenthive/internal/db"
)

// Op is a mutation executed inside a write transaction.
type Op func(ctx context.Context, tx *sqlx.Tx) error

// Callback runs after the op's transaction committed (err == nil) or
// rolled back. Callbacks run on the queue worker, in commit order.
type Callback func(err error)

const defaultBuffer = 1024

// busyRetries bounds transparent retries of transactions that fail on
// lock contention before the error surfaces as Conflict.
const busyRetries = 3

type item struct {
	ctx   context.Context
	op    Op
	after Callback
	done  chan error
}

// Queue is the single-writer mutation pipeline.
type Queue struct {
	pool  *db.Pool
	items chan *item
	depth atomic.Int64

	mu     sync.Mutex
	closed bool

	workerDone chan struct{}
	log        *logger.Logger
}

// New creates a queue over the pool's writer connection.
func New(pool *db.Pool) *Queue {
	return &Queue{
		pool:       pool,
		items:      make(chan *item, defaultBuffer),
		workerDone: make(chan struct{}),
		log:        logger.New("write-queue"),
	}
}

// Start launches the worker goroutine.
func (q *Queue) Start() {
	go q.run()
}

// Submit enqueues op and blocks until it is durable (committed) or failed.
// The optional callback runs on the worker after commit, before the next op.
func (q *Queue) Submit(ctx context.Context, op Op, after Callback) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return apperr.New(apperr.KindUnavailable, "write queue is shut down")
	}
	q.mu.Unlock()

	it := &item{ctx: ctx, op: op, after: after, done: make(chan error, 1)}

	select {
	case q.items <- it:
		q.depth.Add(1)
	case <-ctx.Done():
		return apperr.Wrap(apperr.KindResourceExhausted, ctx.Err(), "write queue full")
	}

	select {
	case err := <-it.done:
		return err
	case <-ctx.Done():
		// The op may still commit; the caller just stops waiting.
		return apperr.Wrap(apperr.KindDeadline, ctx.Err(), "timed out waiting for write")
	}
}

// Depth reports the number of queued, not yet committed ops.
func (q *Queue) Depth() int {
	return int(q.depth.Load())
}

// Close stops accepting new ops and drains the backlog until ctx expires.
// An un-drained backlog is logged and dropped.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	close(q.items)

	select {
	case <-q.workerDone:
		return nil
	case <-ctx.Done():
		remaining := q.Depth()
		q.log.Error("Shutdown deadline reached with writes still queued",
			zap.Int("remaining", remaining))
		return fmt.Errorf("write queue drain incomplete: %d ops dropped", remaining)
	}
}

func (q *Queue) run() {
	defer close(q.workerDone)
	for it := range q.items {
		err := q.execute(it)
		q.depth.Add(-1)
		it.done <- err
		if it.after != nil {
			it.after(err)
		}
	}
}

func (q *Queue) execute(it *item) error {
	// A cancelled caller context must not abort the transaction midway;
	// the op runs to completion once dequeued.
	ctx := context.WithoutCancel(it.ctx)

	var lastErr error
	for attempt := 0; attempt <= busyRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 25 * time.Millisecond)
		}
		lastErr = q.runTx(ctx, it.op)
		if lastErr == nil || !isBusy(lastErr) {
			return lastErr
		}
	}
	return apperr.Wrap(apperr.KindConflict, lastErr, "write contention persisted after retries")
}

func (q *Queue) runTx(ctx context.Context, op Op) error {
	tx, err := q.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := op(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			q.log.Warn("Rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// isBusy detects lock-contention errors from either backend by message,
// which avoids importing driver error types here.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "deadlock detected")
}
