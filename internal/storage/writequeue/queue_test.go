package writequeue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agenthive/agenthive/internal/common/apperr"
	"github.com/agenthive/agenthive/internal/db"
)

func testQueue(t *testing.T) (*Queue, *db.Pool) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	writer, err := db.OpenSQLite(path)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	reader, err := db.OpenSQLiteReader(path)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	pool := db.NewPool(writer, reader)
	t.Cleanup(func() { pool.Close() })

	if _, err := writer.Exec(`CREATE TABLE entries (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	q := New(pool)
	q.Start()
	return q, pool
}

func TestSubmitReturnsAfterCommit(t *testing.T) {
	q, pool := testQueue(t)
	defer q.Close(context.Background())

	err := q.Submit(context.Background(), func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO entries (value) VALUES (?)`, "first")
		return err
	}, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Durable before Submit returns: visible on the reader immediately.
	var count int
	if err := pool.Reader().Get(&count, `SELECT COUNT(*) FROM entries`); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestCallbacksRunInCommitOrder(t *testing.T) {
	q, _ := testQueue(t)
	defer q.Close(context.Background())

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup

	values := []string{"a", "b", "c", "d"}
	for _, v := range values {
		v := v
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Submit(context.Background(), func(ctx context.Context, tx *sqlx.Tx) error {
				_, err := tx.ExecContext(ctx, `INSERT INTO entries (value) VALUES (?)`, v)
				return err
			}, func(err error) {
				if err != nil {
					t.Errorf("callback for %s got error: %v", v, err)
					return
				}
				mu.Lock()
				order = append(order, v)
				mu.Unlock()
			})
		}()
		// Stagger submissions so queue order is deterministic.
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(values) {
		t.Fatalf("callbacks ran %d times, want %d", len(order), len(values))
	}
	for i, v := range values {
		if order[i] != v {
			t.Fatalf("callback order %v, want %v", order, values)
		}
	}
}

func TestFailedOpRollsBack(t *testing.T) {
	q, pool := testQueue(t)
	defer q.Close(context.Background())

	wantErr := apperr.New(apperr.KindValidation, "bad value")
	var cbErr error
	err := q.Submit(context.Background(), func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO entries (value) VALUES (?)`, "doomed"); err != nil {
			return err
		}
		return wantErr
	}, func(err error) { cbErr = err })

	if err == nil {
		t.Fatal("expected submit to fail")
	}
	if cbErr == nil {
		t.Fatal("expected callback to receive the error")
	}

	var count int
	if err := pool.Reader().Get(&count, `SELECT COUNT(*) FROM entries`); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("rolled-back insert visible, count = %d", count)
	}
}

func TestCloseDrainsBacklog(t *testing.T) {
	q, pool := testQueue(t)

	for i := 0; i < 10; i++ {
		go q.Submit(context.Background(), func(ctx context.Context, tx *sqlx.Tx) error {
			_, err := tx.ExecContext(ctx, `INSERT INTO entries (value) VALUES (?)`, "x")
			return err
		}, nil)
	}
	// Give the submitters time to enqueue.
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	var count int
	if err := pool.Reader().Get(&count, `SELECT COUNT(*) FROM entries`); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 10 {
		t.Errorf("count = %d, want 10", count)
	}
	if q.Depth() != 0 {
		t.Errorf("depth = %d after drain", q.Depth())
	}
}

func TestSubmitAfterCloseFails(t *testing.T) {
	q, _ := testQueue(t)
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	err := q.Submit(context.Background(), func(ctx context.Context, tx *sqlx.Tx) error { return nil }, nil)
	if !apperr.Is(err, apperr.KindUnavailable) {
		t.Fatalf("err = %v, want Unavailable", err)
	}
}
