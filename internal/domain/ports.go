package domain

import "time"

//go:generate mockery --name=JobStore --with-expecter --filename=job_store_mock.go
//go:generate mockery --name=DispatchQueue --with-expecter --filename=dispatch_queue_mock.go
//go:generate mockery --name=RateLimiter --with-expecter --filename=rate_limiter_mock.go
//go:generate mockery --name=ProviderGateway --with-expecter --filename=provider_gateway_mock.go
//go:generate mockery --name=PostProcessorRegistry --with-expecter --filename=post_processor_registry_mock.go
//go:generate mockery --name=Notifier --with-expecter --filename=notifier_mock.go

// JobStore provides transactional persistence of job records: guarded state
// transitions, atomic claim, diagnostic log, and the dead-letter table.
type JobStore interface {
	// Create persists a new job in JobQueued. Creation and the row's
	// visibility happen in one statement so no caller ever observes a
	// half-created job.
	Create(ctx Context, j Job) (Job, error)
	// Get loads a job by id.
	Get(ctx Context, id string) (Job, error)
	// GetByLLMResponseID resolves a job by its provider-assigned response
	// id, used when a callback carries no job_id in its metadata.
	GetByLLMResponseID(ctx Context, responseID string) (Job, error)

	// Claim is the only unconditional-looking transition: it atomically
	// moves a job from {queued, retrying} to running and returns the full
	// row, or ErrConflict if the precondition failed.
	Claim(ctx Context, jobID string) (Job, error)

	// Transition performs a guarded status update keyed on (id,
	// status=one-of-expectedPrior). If zero rows match, it returns
	// ErrConflict, the caller's signal to take the "skipped" path.
	Transition(ctx Context, jobID string, target JobStatus, mutate JobMutation) error

	// Log appends a diagnostic record. A logging failure is swallowed by
	// the implementation and never propagated to the caller.
	Log(ctx Context, entry DiagnosticLogEntry)

	// AddToDLQ files a verbatim callback payload for later replay.
	AddToDLQ(ctx Context, entry DeadLetterEntry) (string, error)
	// ResolveDLQ marks a dead-letter entry resolved.
	ResolveDLQ(ctx Context, dlqID string) error
	// PendingDLQOlderThan lists DLQ entries in state pending whose
	// CreatedAt predates the cooldown, for the periodic replay sweep.
	PendingDLQOlderThan(ctx Context, cooldown time.Duration, limit int) ([]DeadLetterEntry, error)

	// RecordWebhook performs the idempotency insert on (provider_slug,
	// webhook_id); fresh reports true for a new row, false for a
	// pre-existing one.
	RecordWebhook(ctx Context, rec WebhookRecord) (fresh bool, err error)

	// ReapStaleRunning promotes jobs stuck in JobRunning past olderThan to
	// JobRetrying, so a redelivered queue message can re-claim a job whose
	// worker died between claim and completion.
	ReapStaleRunning(ctx Context, olderThan time.Duration) (int, error)
}

// JobMutation carries the field writes that accompany a Transition call
// (retry_count increment, error_message, llm_response_id, result_ref,
// completed_at/started_at). Fields left nil are left untouched.
type JobMutation struct {
	IncRetryCount  bool
	ErrorMessage   *string
	LLMResponseID  *string
	ResultRef      *JobResult
	SetStartedAt   bool
	SetCompletedAt bool
}

// DispatchQueue is a durable FIFO with visibility-timeout redelivery and
// a per-message archive.
type DispatchQueue interface {
	// Enqueue publishes a new message carrying job_id.
	Enqueue(ctx Context, jobID string) error
	// Read removes up to maxCount messages atomically (skip-locked) and
	// makes them invisible for vtSeconds.
	Read(ctx Context, vtSeconds int, maxCount int) ([]QueueMessage, error)
	// Delete removes a message permanently (success path).
	Delete(ctx Context, msgID string) error
	// Archive moves a message to the history table (non-retryable
	// failure path).
	Archive(ctx Context, msgID string) error
}

// RateLimiter is an atomic per-tenant monthly quota check-and-increment.
type RateLimiter interface {
	// Increment consumes one unit of the tenant's quota. ok is false when
	// the tenant has exhausted its quota for the period; counter is still
	// populated in that case so the caller can report used/quota/remaining.
	Increment(ctx Context, tenantID, period string, defaultQuota int) (counter RateCounter, ok bool, err error)
}

// LLMResult is the provider gateway's normalized success shape.
type LLMResult struct {
	Output     string
	Usage      map[string]any
	Model      string
	ResponseID string
}

// ProviderCall bundles the inputs a provider gateway call takes, after
// input-bag sanitization has removed the protected routing keys.
type ProviderCall struct {
	Prompt       string
	SystemPrompt *string
	Messages     []Message
	Input        map[string]any
	Model        string
}

// ProviderGateway is one call surface over the three model backends,
// normalizing both the sync call and the async submit-only call.
type ProviderGateway interface {
	// Call executes the sync-provider path for a given provider slug, at
	// the provider's configured timeout.
	Call(ctx Context, provider ProviderSlug, cfg ProviderConfig, call ProviderCall) (LLMResult, error)
	// SubmitBackground posts a job in background mode to the async
	// provider and returns immediately with the provider-assigned
	// response id.
	SubmitBackground(ctx Context, provider ProviderSlug, cfg ProviderConfig, call ProviderCall, jobID string) (responseID string, err error)
	// FetchResult retrieves a full response body for an async provider
	// when the callback carried only an id.
	FetchResult(ctx Context, provider ProviderSlug, responseID string) (LLMResult, error)
}

// PostProcessor is a registered side-effect function keyed by feature tag.
// It returns an error if the domain write failed; the model call itself
// already succeeded by the time this runs.
type PostProcessor func(ctx Context, outputText string, tenantScopedContext map[string]any) error

// PostProcessorRegistry resolves a feature tag to its processor and enforces
// tenant scoping before invocation.
type PostProcessorRegistry interface {
	// Resolve returns the processor for tag, or nil if none is
	// registered, which the worker treats as "no-op, complete normally."
	Resolve(tag string) PostProcessor
	// Run enforces that context["tenant_id"] equals tenantID (overwriting
	// any caller-supplied value) before invoking the processor.
	Run(ctx Context, tag string, outputText string, tenantID string, callerContext map[string]any) error
}

// NotificationEvent is one of the four lifecycle events the worker emits on
// a best-effort, fire-and-forget channel.
type NotificationEvent string

const (
	NotificationStarted              NotificationEvent = "started"
	NotificationCompleted            NotificationEvent = "completed"
	NotificationExhausted            NotificationEvent = "exhausted"
	NotificationPostProcessingFailed NotificationEvent = "post_processing_failed"
)

// Notifier is the non-blocking side channel. Implementations must never let
// a delivery failure affect job status.
type Notifier interface {
	Notify(ctx Context, event NotificationEvent, job Job)
}

// ProviderConfigStore is the read-only catalog lookup behind every "load
// provider config" step in ingress and the worker.
type ProviderConfigStore interface {
	Get(ctx Context, slug ProviderSlug) (ProviderConfig, error)
	List(ctx Context) ([]ProviderConfig, error)
}
