package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/llmbroker/internal/domain"
)

// DispatchQueueRepo is a visibility-timeout queue
// of job ids built directly on Postgres with SELECT ... FOR UPDATE SKIP
// LOCKED, so a crashed worker's claimed message becomes visible again once
// its timeout elapses instead of being lost.
type DispatchQueueRepo struct{ Pool PgxPool }

// NewDispatchQueueRepo constructs a DispatchQueueRepo with the given pool.
func NewDispatchQueueRepo(p PgxPool) *DispatchQueueRepo { return &DispatchQueueRepo{Pool: p} }

// Enqueue makes jobID available to Read immediately.
func (q *DispatchQueueRepo) Enqueue(ctx domain.Context, jobID string) error {
	tracer := otel.Tracer("repo.dispatch_queue")
	ctx, span := tracer.Start(ctx, "dispatch_queue.Enqueue")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.operation", "INSERT"), attribute.String("db.sql.table", "dispatch_queue"))

	now := time.Now().UTC()
	_, err := q.Pool.Exec(ctx, `INSERT INTO dispatch_queue (msg_id, job_id, read_count, enqueued_at, visible_at)
		VALUES ($1,$2,0,$3,$3)`,
		uuid.New().String(), jobID, now,
	)
	if err != nil {
		return fmt.Errorf("op=dispatch_queue.enqueue: %w", err)
	}
	return nil
}

// Read claims up to maxCount visible messages, hiding them from other
// readers for vtSeconds. A crashed reader's messages become visible again
// once vtSeconds elapses without a Delete or Archive.
func (q *DispatchQueueRepo) Read(ctx domain.Context, vtSeconds int, maxCount int) ([]domain.QueueMessage, error) {
	tracer := otel.Tracer("repo.dispatch_queue")
	ctx, span := tracer.Start(ctx, "dispatch_queue.Read")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "dispatch_queue"),
		attribute.Int("vt_seconds", vtSeconds),
		attribute.Int("max_count", maxCount),
	)

	now := time.Now().UTC()
	newVisibleAt := now.Add(time.Duration(vtSeconds) * time.Second)

	rows, err := q.Pool.Query(ctx, `
		UPDATE dispatch_queue SET read_count = read_count + 1, visible_at = $1
		WHERE msg_id IN (
			SELECT msg_id FROM dispatch_queue
			WHERE visible_at <= $2
			ORDER BY enqueued_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING msg_id, job_id, read_count, enqueued_at, visible_at`,
		newVisibleAt, now, maxCount,
	)
	if err != nil {
		return nil, fmt.Errorf("op=dispatch_queue.read: %w", err)
	}
	defer rows.Close()

	var out []domain.QueueMessage
	for rows.Next() {
		var m domain.QueueMessage
		if err := rows.Scan(&m.MsgID, &m.JobID, &m.ReadCount, &m.EnqueuedAt, &m.VisibleAt); err != nil {
			return nil, fmt.Errorf("op=dispatch_queue.read.scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=dispatch_queue.read.rows: %w", err)
	}
	return out, nil
}

// Delete removes a message once no further dispatch is needed for its job:
// the job settled, was cancelled or raced, or was handed to the provider's
// webhook (waiting_llm).
func (q *DispatchQueueRepo) Delete(ctx domain.Context, msgID string) error {
	tracer := otel.Tracer("repo.dispatch_queue")
	ctx, span := tracer.Start(ctx, "dispatch_queue.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.operation", "DELETE"), attribute.String("db.sql.table", "dispatch_queue"))

	_, err := q.Pool.Exec(ctx, `DELETE FROM dispatch_queue WHERE msg_id=$1`, msgID)
	if err != nil {
		return fmt.Errorf("op=dispatch_queue.delete: %w", err)
	}
	return nil
}

// Archive moves a message out of the live queue into history, used when a
// message must not be read again and is kept for audit (the worker archives
// a malformed message and the message of an exhausted job). The queue row
// is deleted and a record is kept in dispatch_queue_history.
func (q *DispatchQueueRepo) Archive(ctx domain.Context, msgID string) error {
	tracer := otel.Tracer("repo.dispatch_queue")
	ctx, span := tracer.Start(ctx, "dispatch_queue.Archive")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.operation", "UPDATE"), attribute.String("db.sql.table", "dispatch_queue"))

	_, err := q.Pool.Exec(ctx, `
		WITH moved AS (
			DELETE FROM dispatch_queue WHERE msg_id=$1
			RETURNING msg_id, job_id, read_count, enqueued_at, visible_at
		)
		INSERT INTO dispatch_queue_history (msg_id, job_id, read_count, enqueued_at, visible_at, archived_at)
		SELECT msg_id, job_id, read_count, enqueued_at, visible_at, $2 FROM moved`,
		msgID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("op=dispatch_queue.archive: %w", err)
	}
	return nil
}
