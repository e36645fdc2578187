// Package domain defines core entities, ports, and domain-specific errors.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrForbidden       = errors.New("forbidden")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInternal        = errors.New("internal error")
)

// Context is a type alias to stdlib context.Context for convenience across layers.
type Context = context.Context

// JobStatus captures the lifecycle state of a job: queued -> running ->
// {completed, waiting_llm} -> ... -> a terminal state (completed,
// exhausted, post_processing_failed, cancelled).
type JobStatus string

const (
	JobQueued               JobStatus = "queued"
	JobRunning              JobStatus = "running"
	JobWaitingLLM           JobStatus = "waiting_llm"
	JobRetrying             JobStatus = "retrying"
	JobCompleted            JobStatus = "completed"
	JobExhausted            JobStatus = "exhausted"
	JobPostProcessingFailed JobStatus = "post_processing_failed"
	JobCancelled            JobStatus = "cancelled"
)

// IsTerminal reports whether status has no outgoing transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobExhausted, JobPostProcessingFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// requiredPriorStatus is the transition guard table: every non-claim
// transition is keyed on the prior status it requires. The job store consults it
// to build the conditional `UPDATE ... WHERE status = ANY($prior)` clause.
var requiredPriorStatus = map[JobStatus][]JobStatus{
	JobWaitingLLM:           {JobRunning},
	JobCompleted:            {JobRunning, JobWaitingLLM},
	JobRetrying:             {JobRunning, JobWaitingLLM},
	JobExhausted:            {JobRunning, JobWaitingLLM},
	JobPostProcessingFailed: {JobRunning, JobWaitingLLM},
	JobCancelled:            {JobQueued, JobRunning, JobWaitingLLM, JobRetrying},
}

// RequiredPriorStatuses returns the set of statuses that legally precede
// target. ok is false for a target with no guarded predecessor (e.g. the
// initial JobQueued, which is only ever produced by Create).
func RequiredPriorStatuses(target JobStatus) (prior []JobStatus, ok bool) {
	prior, ok = requiredPriorStatus[target]
	return prior, ok
}

// APIMethod selects the call shape a provider expects.
type APIMethod string

const (
	APIMethodChat      APIMethod = "chat"
	APIMethodResponses APIMethod = "responses"
)

// ProviderKind distinguishes the two calling conventions the gateway
// supports. Two providers answer inline; the third only acknowledges the
// submission and delivers its answer later through a signed callback.
type ProviderKind string

const (
	ProviderKindSync  ProviderKind = "sync"
	ProviderKindAsync ProviderKind = "async"
)

// ProviderSlug names one of the three configured backends.
type ProviderSlug string

const (
	ProviderSyncA  ProviderSlug = "sync-a"
	ProviderSyncB  ProviderSlug = "sync-b"
	ProviderAsyncC ProviderSlug = "async-c"
)

// Message is one turn of a structured chat payload, optionally supplied in
// place of (or alongside) Prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// JobResult is what a provider call produced. It is persisted verbatim in
// ResultRef so a post_processing_failed job still exposes the raw output.
type JobResult struct {
	Output     string         `json:"output"`
	Usage      map[string]any `json:"usage,omitempty"`
	Model      string         `json:"model,omitempty"`
	ResponseID string         `json:"response_id,omitempty"`
}

// Job is one submitted prompt and its execution state. The payload fields
// are set once at submission time; the execution fields are only ever
// touched through a guarded transition (see RequiredPriorStatuses).
type Job struct {
	ID         string
	TenantID   string
	UserID     *string
	ProviderID ProviderSlug
	FeatureTag *string
	Background bool

	// Payload, immutable once the job is created.
	Prompt       string
	SystemPrompt *string
	Messages     []Message
	Input        map[string]any
	APIMethod    APIMethod
	Model        string

	// Execution state, mutated only by guarded transitions.
	Status        JobStatus
	RetryCount    int
	StartedAt     *time.Time
	CompletedAt   *time.Time
	LLMResponseID *string
	ResultRef     *JobResult
	ErrorMessage  *string

	// Context is the tenant-scoped opaque bag handed to post-processors.
	// The registry overwrites its tenant_id with Job.TenantID before a
	// processor runs; a caller-supplied tenant_id inside Context is never
	// trusted.
	Context map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DefaultTimeoutSeconds is used when a provider row omits TimeoutSeconds.
const DefaultTimeoutSeconds = 120

// ProviderConfig is the static catalog row describing one provider backend.
type ProviderConfig struct {
	Slug              ProviderSlug
	Kind              ProviderKind
	Active            bool
	TimeoutSeconds    int
	MaxRetries        int
	RetryDelaySeconds int
	DefaultModel      string
	Config            map[string]any
}

// Timeout returns the provider's call deadline.
func (p ProviderConfig) Timeout() time.Duration {
	s := p.TimeoutSeconds
	if s <= 0 {
		s = DefaultTimeoutSeconds
	}
	return time.Duration(s) * time.Second
}

// RateCounter is the per-tenant monthly quota row.
type RateCounter struct {
	TenantID string
	Period   string
	Used     int
	Quota    int
	ResetAt  time.Time
}

// Remaining reports the quota left in the current period.
func (r RateCounter) Remaining() int {
	if r.Quota <= r.Used {
		return 0
	}
	return r.Quota - r.Used
}

// WebhookRecord implements callback idempotency: a uniqueness constraint on
// (ProviderSlug, WebhookID) ensures a redelivered callback is a no-op.
type WebhookRecord struct {
	WebhookID    string
	JobID        string
	ProviderSlug ProviderSlug
	EventType    string
	ReceivedAt   time.Time
}

// DiagnosticLogEntry is one append-only observability record. ResponsePayload
// must be sanitized before it reaches this struct; it must never carry
// model output text (see internal/service/callback.Sanitize).
type DiagnosticLogEntry struct {
	ID                 string
	EventType          string
	JobID              *string
	ProviderSlug       *string
	TenantID           *string
	ErrorCode          *string
	ErrorMessage       *string
	JobStatusAtReceipt *string
	ExpectedResponseID *string
	ReceivedResponseID *string
	ResponsePayload    map[string]any
	CreatedAt          time.Time
}

// DLQState is the lifecycle of one dead-letter entry.
type DLQState string

const (
	DLQPending  DLQState = "pending"
	DLQResolved DLQState = "resolved"
)

// DeadLetterEntry stores a callback payload verbatim (needed for replay)
// whose processing could not complete. A single job may have multiple
// entries across retries.
type DeadLetterEntry struct {
	ID           string
	JobID        string
	ProviderSlug ProviderSlug
	ErrorCode    string
	ErrorMessage string
	Payload      map[string]any
	State        DLQState
	CreatedAt    time.Time
}

// QueueMessage is the dispatch queue's ephemeral envelope: a job id plus the
// bookkeeping needed to implement visibility-timeout redelivery.
type QueueMessage struct {
	MsgID      string
	JobID      string
	ReadCount  int
	EnqueuedAt time.Time
	VisibleAt  time.Time
}
