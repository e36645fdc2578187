package postgres

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/llmbroker/internal/domain"
)

// Log writes a diagnostic log entry. Diagnostic logging never blocks the
// caller's guard decision: failures are logged and swallowed.
func (r *JobRepo) Log(ctx domain.Context, entry domain.DiagnosticLogEntry) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Log")
	defer span.End()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	payloadJSON, err := marshalOrNil(entry.ResponsePayload)
	if err != nil {
		slog.Warn("diagnostic log: marshal payload failed", slog.Any("error", err))
		return
	}

	_, err = r.Pool.Exec(ctx, `INSERT INTO diagnostic_log (
		id, event_type, job_id, provider_slug, tenant_id, error_code, error_message,
		job_status_at_receipt, expected_response_id, received_response_id, response_payload, created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		entry.ID, entry.EventType, entry.JobID, entry.ProviderSlug, entry.TenantID, entry.ErrorCode, entry.ErrorMessage,
		entry.JobStatusAtReceipt, entry.ExpectedResponseID, entry.ReceivedResponseID, payloadJSON, entry.CreatedAt,
	)
	if err != nil {
		slog.Warn("diagnostic log: insert failed", slog.Any("error", err), slog.String("event_type", entry.EventType))
	}
}

// AddToDLQ inserts a dead-letter entry, verbatim payload intact for replay.
func (r *JobRepo) AddToDLQ(ctx domain.Context, entry domain.DeadLetterEntry) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.AddToDLQ")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.operation", "INSERT"), attribute.String("db.sql.table", "dead_letter_queue"))

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.State == "" {
		entry.State = domain.DLQState("pending")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	payloadJSON, err := marshalOrNil(entry.Payload)
	if err != nil {
		return "", fmt.Errorf("op=dlq.add.marshal_payload: %w", err)
	}

	_, err = r.Pool.Exec(ctx, `INSERT INTO dead_letter_queue (
		id, job_id, provider_slug, error_code, error_message, payload, state, created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		entry.ID, entry.JobID, entry.ProviderSlug, entry.ErrorCode, entry.ErrorMessage, payloadJSON, entry.State, entry.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("op=dlq.add: %w", err)
	}
	return entry.ID, nil
}

// ResolveDLQ marks a dead-letter entry resolved, typically after a manual or
// automatic replay succeeds.
func (r *JobRepo) ResolveDLQ(ctx domain.Context, dlqID string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ResolveDLQ")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.operation", "UPDATE"), attribute.String("db.sql.table", "dead_letter_queue"))

	tag, err := r.Pool.Exec(ctx, `UPDATE dead_letter_queue SET state=$2 WHERE id=$1`, dlqID, domain.DLQState("resolved"))
	if err != nil {
		return fmt.Errorf("op=dlq.resolve: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=dlq.resolve: %w", domain.ErrNotFound)
	}
	return nil
}

// PendingDLQOlderThan lists still-pending dead-letter entries created before
// now-cooldown, bounded by limit, for the DLQ replay driver.
func (r *JobRepo) PendingDLQOlderThan(ctx domain.Context, cooldown time.Duration, limit int) ([]domain.DeadLetterEntry, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.PendingDLQOlderThan")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.operation", "SELECT"), attribute.String("db.sql.table", "dead_letter_queue"))

	cutoff := time.Now().UTC().Add(-cooldown)
	rows, err := r.Pool.Query(ctx, `SELECT id, job_id, provider_slug, error_code, error_message, payload, state, created_at
		FROM dead_letter_queue WHERE state=$1 AND created_at < $2 ORDER BY created_at ASC LIMIT $3`,
		domain.DLQState("pending"), cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("op=dlq.pending_older_than: %w", err)
	}
	defer rows.Close()

	var out []domain.DeadLetterEntry
	for rows.Next() {
		var e domain.DeadLetterEntry
		var payloadJSON []byte
		if err := rows.Scan(&e.ID, &e.JobID, &e.ProviderSlug, &e.ErrorCode, &e.ErrorMessage, &payloadJSON, &e.State, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=dlq.pending_older_than.scan: %w", err)
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &e.Payload); err != nil {
				return nil, fmt.Errorf("op=dlq.pending_older_than.unmarshal: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=dlq.pending_older_than.rows: %w", err)
	}
	return out, nil
}

// RecordWebhook inserts the (provider_slug, webhook_id) idempotency marker
// used by the duplicate-delivery guard. fresh is false when the pair
// was already recorded, meaning this delivery is a retransmit to ignore.
func (r *JobRepo) RecordWebhook(ctx domain.Context, rec domain.WebhookRecord) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RecordWebhook")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.operation", "INSERT"), attribute.String("db.sql.table", "webhook_receipts"))

	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}

	row := r.Pool.QueryRow(ctx, `INSERT INTO webhook_receipts (webhook_id, job_id, provider_slug, event_type, received_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (provider_slug, webhook_id) DO NOTHING
		RETURNING webhook_id`,
		rec.WebhookID, rec.JobID, rec.ProviderSlug, rec.EventType, rec.ReceivedAt,
	)
	var returned string
	if err := row.Scan(&returned); err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("op=webhook.record: %w", err)
	}
	return true, nil
}
