package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/common/logger"
	"github.com/agenthive/agenthive/internal/storage/writequeue"
)

// Audit appends one row per authenticated tool call. Unauthenticated
// attempts are logged but never audited, so the table only contains rows
// attributable to a real subject.
type Audit struct {
	queue *writequeue.Queue
	log   *logger.Logger
}

// NewAudit creates the audit appender.
func NewAudit(queue *writequeue.Queue) *Audit {
	return &Audit{queue: queue, log: logger.New("audit")}
}

// Record appends an audit row asynchronously. Dispatch latency must not
// depend on audit durability, so failures are logged and dropped.
func (a *Audit) Record(ctx context.Context, subject, tool, requestID, outcome, detail string) {
	id := uuid.New().String()
	now := time.Now().UTC()
	go func() {
		err := a.queue.Submit(context.WithoutCancel(ctx), func(ctx context.Context, tx *sqlx.Tx) error {
			_, err := tx.ExecContext(ctx, tx.Rebind(
				`INSERT INTO audit_log (id, subject, tool, request_id, outcome, detail, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`),
				id, subject, tool, requestID, outcome, detail, now)
			return err
		}, nil)
		if err != nil {
			a.log.Error("Audit append failed",
				zap.String("subject", subject),
				zap.String("tool", tool),
				zap.Error(err))
		}
	}()
}
