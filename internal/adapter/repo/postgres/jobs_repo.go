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

// JobRepo provides transactional persistence of job records:
// guarded state transitions, and atomic claim, on top of a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

func marshalOrNil(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	switch m := v.(type) {
	case map[string]any:
		if len(m) == 0 {
			return nil, nil
		}
	case []domain.Message:
		if len(m) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

// Create inserts a new job in JobQueued. The row becomes visible to readers
// in the same statement that creates it, so no caller ever observes a
// half-created job.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "jobs"),
	)

	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	j.Status = domain.JobQueued
	now := time.Now().UTC()
	j.CreatedAt, j.UpdatedAt = now, now

	messagesJSON, err := marshalOrNil(j.Messages)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.create.marshal_messages: %w", err)
	}
	inputJSON, err := marshalOrNil(j.Input)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.create.marshal_input: %w", err)
	}
	contextJSON, err := marshalOrNil(j.Context)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.create.marshal_context: %w", err)
	}

	q := `INSERT INTO jobs (
		id, tenant_id, user_id, provider_id, feature_tag, background,
		prompt, system_prompt, messages, input, api_method, model,
		status, retry_count, context, created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`
	_, err = r.Pool.Exec(ctx, q,
		j.ID, j.TenantID, j.UserID, j.ProviderID, j.FeatureTag, j.Background,
		j.Prompt, j.SystemPrompt, messagesJSON, inputJSON, j.APIMethod, j.Model,
		j.Status, j.RetryCount, contextJSON, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.create: %w", err)
	}
	return j, nil
}

const jobSelectColumns = `id, tenant_id, user_id, provider_id, feature_tag, background,
	prompt, system_prompt, messages, input, api_method, model,
	status, retry_count, started_at, completed_at, llm_response_id,
	result_ref, error_message, context, created_at, updated_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var messagesJSON, inputJSON, resultJSON, contextJSON []byte
	if err := row.Scan(
		&j.ID, &j.TenantID, &j.UserID, &j.ProviderID, &j.FeatureTag, &j.Background,
		&j.Prompt, &j.SystemPrompt, &messagesJSON, &inputJSON, &j.APIMethod, &j.Model,
		&j.Status, &j.RetryCount, &j.StartedAt, &j.CompletedAt, &j.LLMResponseID,
		&resultJSON, &j.ErrorMessage, &contextJSON, &j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return domain.Job{}, err
	}
	if len(messagesJSON) > 0 {
		if err := json.Unmarshal(messagesJSON, &j.Messages); err != nil {
			return domain.Job{}, fmt.Errorf("op=job.scan.unmarshal_messages: %w", err)
		}
	}
	if len(inputJSON) > 0 {
		if err := json.Unmarshal(inputJSON, &j.Input); err != nil {
			return domain.Job{}, fmt.Errorf("op=job.scan.unmarshal_input: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		j.ResultRef = &domain.JobResult{}
		if err := json.Unmarshal(resultJSON, j.ResultRef); err != nil {
			return domain.Job{}, fmt.Errorf("op=job.scan.unmarshal_result: %w", err)
		}
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &j.Context); err != nil {
			return domain.Job{}, fmt.Errorf("op=job.scan.unmarshal_context: %w", err)
		}
	}
	return j, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.operation", "SELECT"), attribute.String("db.sql.table", "jobs"))

	row := r.Pool.QueryRow(ctx, `SELECT `+jobSelectColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// GetByLLMResponseID resolves a job by its provider-assigned response id,
// used when a callback's metadata carries no job_id.
func (r *JobRepo) GetByLLMResponseID(ctx domain.Context, responseID string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.GetByLLMResponseID")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.operation", "SELECT"), attribute.String("db.sql.table", "jobs"))

	row := r.Pool.QueryRow(ctx, `SELECT `+jobSelectColumns+` FROM jobs WHERE llm_response_id=$1 LIMIT 1`, responseID)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get_by_response_id: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get_by_response_id: %w", err)
	}
	return j, nil
}

// Claim is the atomic claim operation: one conditional update moves a job
// from {queued, retrying} to running and returns the full row, or
// ErrConflict if the precondition failed (another worker already claimed it,
// or it was cancelled).
func (r *JobRepo) Claim(ctx domain.Context, jobID string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Claim")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.operation", "UPDATE"), attribute.String("db.sql.table", "jobs"))

	now := time.Now().UTC()
	row := r.Pool.QueryRow(ctx, `
		UPDATE jobs SET status=$2, started_at=$3, updated_at=$3
		WHERE id=$1 AND status = ANY($4)
		RETURNING `+jobSelectColumns,
		jobID, domain.JobRunning, now, []domain.JobStatus{domain.JobQueued, domain.JobRetrying},
	)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.claim: %w", domain.ErrConflict)
		}
		return domain.Job{}, fmt.Errorf("op=job.claim: %w", err)
	}
	return j, nil
}

// Transition performs a guarded update: it is keyed on (id,
// status=one-of-RequiredPriorStatuses(target)). Zero matched rows means the
// job was cancelled or raced, surfaced to the caller as ErrConflict so it
// can take the "skipped" path.
func (r *JobRepo) Transition(ctx domain.Context, jobID string, target domain.JobStatus, mutate domain.JobMutation) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "jobs"),
		attribute.String("target_status", string(target)),
	)

	prior, ok := domain.RequiredPriorStatuses(target)
	if !ok {
		return fmt.Errorf("op=job.transition: %w: no guard defined for target %s", domain.ErrInvalidArgument, target)
	}

	now := time.Now().UTC()
	var resultJSON []byte
	if mutate.ResultRef != nil {
		var err error
		resultJSON, err = json.Marshal(mutate.ResultRef)
		if err != nil {
			return fmt.Errorf("op=job.transition.marshal_result: %w", err)
		}
	}

	var completedAt *time.Time
	if mutate.SetCompletedAt {
		completedAt = &now
	}
	var startedAt *time.Time
	if mutate.SetStartedAt {
		startedAt = &now
	}

	q := `UPDATE jobs SET
		status = $2,
		retry_count = retry_count + CASE WHEN $3 THEN 1 ELSE 0 END,
		error_message = COALESCE($4, error_message),
		llm_response_id = COALESCE($5, llm_response_id),
		result_ref = COALESCE($6, result_ref),
		started_at = COALESCE($7, started_at),
		completed_at = COALESCE($8, completed_at),
		updated_at = $9
	WHERE id = $1 AND status = ANY($10)`

	tag, err := r.Pool.Exec(ctx, q,
		jobID, target, mutate.IncRetryCount, mutate.ErrorMessage, mutate.LLMResponseID,
		nullIfEmpty(resultJSON), startedAt, completedAt, now, prior,
	)
	if err != nil {
		return fmt.Errorf("op=job.transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.transition: %w", domain.ErrConflict)
	}
	return nil
}

func nullIfEmpty(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// ReapStaleRunning promotes jobs stuck in JobRunning past olderThan to
// JobRetrying, so a redelivered dispatch message can re-claim them.
func (r *JobRepo) ReapStaleRunning(ctx domain.Context, olderThan time.Duration) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ReapStaleRunning")
	defer span.End()

	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := r.Pool.Exec(ctx, `
		UPDATE jobs SET status=$1, updated_at=$2
		WHERE status=$3 AND started_at IS NOT NULL AND started_at < $4`,
		domain.JobRetrying, time.Now().UTC(), domain.JobRunning, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("op=job.reap_stale_running: %w", err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		slog.Info("reaped stale running jobs", slog.Int("count", n), slog.Duration("older_than", olderThan))
	}
	return n, nil
}
