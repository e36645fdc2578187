// Package ingress validates a submission, consumes quota, creates the job
// record, enqueues it, and returns a ticket, in that order,
// so the record always exists before a worker can ever observe a message
// referencing it.
package ingress

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/llmbroker/internal/domain"
	"github.com/fairyhunter13/llmbroker/internal/observability"
)

// featureTagPattern enforces `[A-Za-z0-9_-]+`, at most 100 chars.
var featureTagPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

const (
	minPromptLen = 1
	maxPromptLen = 100_000
)

// ValidationError is a 400-class failure the HTTP layer renders as-is.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Submission is the ingress request body, already decoded by the HTTP
// layer (go-playground/validator struct tags live on the transport-level
// DTO in adapter/httpserver; this is the service-level shape).
type Submission struct {
	TenantID     string
	UserID       *string
	Prompt       string
	SystemPrompt *string
	Messages     []domain.Message
	ProviderSlug string
	FeatureTag   *string
	Input        map[string]any
	Background   bool
}

// Ticket is what Submit hands back to the caller on success.
type Ticket struct {
	JobID     string
	Status    domain.JobStatus
	Used      int
	Quota     int
	Remaining int
}

// Service orchestrates ingress. Every collaborator is an explicit field,
// nothing is a hidden global.
type Service struct {
	Store        domain.JobStore
	Queue        domain.DispatchQueue
	RateLimiter  domain.RateLimiter
	Providers    domain.ProviderConfigStore
	DefaultQuota int
}

// New constructs an ingress Service.
func New(store domain.JobStore, queue domain.DispatchQueue, limiter domain.RateLimiter, providers domain.ProviderConfigStore, defaultQuota int) *Service {
	return &Service{Store: store, Queue: queue, RateLimiter: limiter, Providers: providers, DefaultQuota: defaultQuota}
}

func validate(sub Submission) error {
	if l := len(sub.Prompt); l < minPromptLen || l > maxPromptLen {
		return &ValidationError{Code: "INVALID_PROMPT_LENGTH", Message: fmt.Sprintf("prompt must be %d-%d characters", minPromptLen, maxPromptLen)}
	}
	if sub.FeatureTag != nil && !featureTagPattern.MatchString(*sub.FeatureTag) {
		return &ValidationError{Code: "INVALID_FEATURE_TAG", Message: "feature_tag must match [A-Za-z0-9_-]+ and be <=100 chars"}
	}
	if sub.ProviderSlug == "" {
		return &ValidationError{Code: "INVALID_PROVIDER", Message: "provider_slug is required"}
	}
	return nil
}

// currentPeriod returns the monthly quota period key for "now", anchored
// to UTC (RateLimiterRepo.periodResetAt rolls such a key over at the start
// of the next month, as in its "month" branch).
func currentPeriod(now time.Time) string {
	return now.UTC().Format("2006-01")
}

// Submit runs the full ingress sequence: validate -> load provider config
// (unknown or inactive is rejected) -> reject unsupported background mode
// -> consume quota -> create job -> enqueue -> return ticket.
func (s *Service) Submit(ctx domain.Context, sub Submission) (Ticket, error) {
	tracer := otel.Tracer("service.ingress")
	ctx, span := tracer.Start(ctx, "ingress.Submit")
	defer span.End()
	lg := observability.LoggerFromContext(ctx)

	if err := validate(sub); err != nil {
		return Ticket{}, err
	}

	provider, err := s.Providers.Get(ctx, domain.ProviderSlug(sub.ProviderSlug))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Ticket{}, &ValidationError{Code: "UNKNOWN_PROVIDER", Message: "provider_slug not recognized"}
		}
		return Ticket{}, fmt.Errorf("op=ingress.submit.load_provider: %w", err)
	}
	if !provider.Active {
		return Ticket{}, &ValidationError{Code: "UNKNOWN_PROVIDER", Message: "provider is not active"}
	}
	if sub.Background && provider.Kind != domain.ProviderKindAsync {
		return Ticket{}, &ValidationError{Code: "BACKGROUND_NOT_SUPPORTED", Message: "background mode requires an asynchronous provider"}
	}

	period := currentPeriod(time.Now())
	counter, ok, err := s.RateLimiter.Increment(ctx, sub.TenantID, period, s.DefaultQuota)
	if err != nil {
		return Ticket{}, fmt.Errorf("op=ingress.submit.rate_limit: %w", err)
	}
	if !ok {
		return Ticket{Used: counter.Used, Quota: counter.Quota, Remaining: counter.Remaining()}, domain.ErrRateLimited
	}

	apiMethod := domain.APIMethodChat
	if len(sub.Messages) > 0 {
		apiMethod = domain.APIMethodResponses
	}
	model := provider.DefaultModel

	job := domain.Job{
		TenantID:     sub.TenantID,
		UserID:       sub.UserID,
		ProviderID:   domain.ProviderSlug(sub.ProviderSlug),
		FeatureTag:   sub.FeatureTag,
		Background:   sub.Background,
		Prompt:       sub.Prompt,
		SystemPrompt: sub.SystemPrompt,
		Messages:     sub.Messages,
		Input:        sub.Input,
		APIMethod:    apiMethod,
		Model:        model,
		Context:      map[string]any{},
	}
	created, err := s.Store.Create(ctx, job)
	if err != nil {
		return Ticket{}, fmt.Errorf("op=ingress.submit.create_job: %w", err)
	}

	if err := s.Queue.Enqueue(ctx, created.ID); err != nil {
		return Ticket{}, fmt.Errorf("op=ingress.submit.enqueue: %w", err)
	}

	lg.Info("ingress accepted job",
		slog.String("job_id", created.ID),
		slog.String("tenant_id", created.TenantID),
		slog.String("provider_slug", string(created.ProviderID)))
	observability.RecordJobStatus(string(domain.JobQueued), string(created.ProviderID))

	return Ticket{JobID: created.ID, Status: created.Status, Used: counter.Used, Quota: counter.Quota, Remaining: counter.Remaining()}, nil
}
