package callback

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/llmbroker/internal/domain"
	"github.com/fairyhunter13/llmbroker/internal/observability"
)

// WebhookSecrets resolves the configured shared secret for a provider,
// used by guard 1.
type WebhookSecrets map[domain.ProviderSlug]string

// Service orchestrates the callback receiver: six guards in order, then
// dispatch on event type. Every collaborator is an explicit
// field.
type Service struct {
	Store          domain.JobStore
	Queue          domain.DispatchQueue
	Providers      domain.ProviderConfigStore
	Gateway        domain.ProviderGateway
	PostProcessors domain.PostProcessorRegistry
	Notifier       domain.Notifier
	Secrets        WebhookSecrets
}

// New constructs a callback Service.
func New(store domain.JobStore, queue domain.DispatchQueue, providers domain.ProviderConfigStore, gw domain.ProviderGateway, pp domain.PostProcessorRegistry, notifier domain.Notifier, secrets WebhookSecrets) *Service {
	return &Service{Store: store, Queue: queue, Providers: providers, Gateway: gw, PostProcessors: pp, Notifier: notifier, Secrets: secrets}
}

// Receive handles one inbound callback delivery. The receiver must always
// answer 200 OK and never leak state to the caller, so every branch here
// ends in a diagnostic log and a return, never a propagated error.
// verifyAuth selects whether the signature guard runs: the DLQ replay
// driver re-dispatches a stored payload without re-verifying the original
// signature, a deliberate replay.
func (s *Service) Receive(ctx domain.Context, provider domain.ProviderSlug, signatureHeader string, body []byte, verifyAuth bool) {
	tracer := otel.Tracer("service.callback")
	ctx, span := tracer.Start(ctx, "callback.Receive")
	defer span.End()
	lg := observability.LoggerFromContext(ctx)

	// Guard 1: authenticity.
	if verifyAuth {
		secret := s.Secrets[provider]
		if !verifySignature(secret, signatureHeader, body) {
			s.logGuard(ctx, "signature_invalid", nil, &provider, nil, Payload{})
			return
		}
	}

	payload, err := ParsePayload(provider, body)
	if err != nil {
		lg.Warn("callback: payload parse failed", slog.Any("error", err))
		s.fileProcessingError(ctx, "", provider, "", err, body)
		return
	}

	// Guard 2: job existence.
	job, err := s.resolveJob(ctx, payload)
	if err != nil {
		s.logGuard(ctx, "unknown_job", nil, &provider, nil, payload)
		return
	}

	// Guard 3: cancellation.
	if job.Status == domain.JobCancelled {
		s.logGuard(ctx, "cancelled_job_response", &job.ID, &provider, statusPtr(job.Status), payload)
		return
	}

	// Guard 4: terminal state.
	if job.Status.IsTerminal() {
		event := "late_success_ignored"
		if payload.Kind != EventCompleted {
			event = "late_failure_response"
		}
		s.logGuard(ctx, event, &job.ID, &provider, statusPtr(job.Status), payload)
		return
	}

	// Guard 5: stale response id.
	if job.LLMResponseID != nil && *job.LLMResponseID != "" && payload.ResponseID != "" && *job.LLMResponseID != payload.ResponseID {
		s.Store.Log(ctx, domain.DiagnosticLogEntry{
			EventType: "stale_response", JobID: &job.ID, ProviderSlug: providerSlugPtr(provider),
			ExpectedResponseID: job.LLMResponseID, ReceivedResponseID: &payload.ResponseID,
			ResponsePayload: Sanitize(payload),
		})
		observability.RecordWebhookGuardTrip("stale_response")
		return
	}

	// Guard 6: idempotency.
	if payload.WebhookID != "" {
		fresh, err := s.Store.RecordWebhook(ctx, domain.WebhookRecord{WebhookID: payload.WebhookID, JobID: job.ID, ProviderSlug: provider, EventType: payload.EventType})
		if err != nil {
			s.fileProcessingError(ctx, job.ID, provider, payload.ResponseID, err, body)
			return
		}
		if !fresh {
			s.logGuard(ctx, "duplicate_webhook", &job.ID, &provider, statusPtr(job.Status), payload)
			return
		}
	}

	if err := s.dispatch(ctx, job, provider, payload); err != nil {
		lg.Error("callback: processing error", slog.String("job_id", job.ID), slog.Any("error", err))
		s.fileProcessingError(ctx, job.ID, provider, payload.ResponseID, err, body)
	}
}

func (s *Service) resolveJob(ctx domain.Context, payload Payload) (domain.Job, error) {
	if payload.JobID != "" {
		return s.Store.Get(ctx, payload.JobID)
	}
	if payload.ResponseID != "" {
		return s.Store.GetByLLMResponseID(ctx, payload.ResponseID)
	}
	return domain.Job{}, domain.ErrNotFound
}

// dispatch runs after all six guards pass. Any error returned here is a
// processing error filed to the DLQ, not a guard trip.
func (s *Service) dispatch(ctx domain.Context, job domain.Job, provider domain.ProviderSlug, payload Payload) error {
	switch payload.Kind {
	case EventCompleted:
		return s.handleSuccess(ctx, job, provider, payload)
	default:
		return s.handleFailure(ctx, job, provider, payload)
	}
}

func (s *Service) handleSuccess(ctx domain.Context, job domain.Job, provider domain.ProviderSlug, payload Payload) error {
	lg := observability.LoggerFromContext(ctx)

	output := payload.Output
	var usage map[string]any = payload.Usage
	var model string
	if !payload.HasOutput {
		result, err := s.Gateway.FetchResult(ctx, provider, payload.ResponseID)
		if err != nil {
			return fmt.Errorf("op=callback.fetch_result: %w", err)
		}
		output = result.Output
		usage = result.Usage
		model = result.Model
	}
	resultRef := &domain.JobResult{Output: output, Usage: usage, Model: model, ResponseID: payload.ResponseID}

	if job.FeatureTag != nil && *job.FeatureTag != "" {
		current, err := s.Store.Get(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("op=callback.reread_before_postprocess: %w", err)
		}
		if current.Status != domain.JobWaitingLLM {
			s.Store.Log(ctx, domain.DiagnosticLogEntry{EventType: "skipped", JobID: &job.ID, JobStatusAtReceipt: statusPtr(current.Status)})
			return nil
		}

		if ppErr := s.PostProcessors.Run(ctx, *job.FeatureTag, output, job.TenantID, job.Context); ppErr != nil {
			errMsg := ppErr.Error()
			if err := s.Store.Transition(ctx, job.ID, domain.JobPostProcessingFailed, domain.JobMutation{ResultRef: resultRef, ErrorMessage: &errMsg, SetCompletedAt: true}); err != nil {
				if errors.Is(err, domain.ErrConflict) {
					s.Store.Log(ctx, domain.DiagnosticLogEntry{EventType: "skipped", JobID: &job.ID})
					return nil
				}
				return fmt.Errorf("op=callback.transition_post_processing_failed: %w", err)
			}
			observability.RecordJobStatus(string(domain.JobPostProcessingFailed), string(provider))
			job.Status = domain.JobPostProcessingFailed
			s.Notifier.Notify(ctx, domain.NotificationPostProcessingFailed, job)
			lg.Info("callback: post-processor failed", slog.String("job_id", job.ID), slog.Any("error", ppErr))
			return nil
		}
	}

	if err := s.Store.Transition(ctx, job.ID, domain.JobCompleted, domain.JobMutation{ResultRef: resultRef, SetCompletedAt: true}); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			s.Store.Log(ctx, domain.DiagnosticLogEntry{EventType: "skipped", JobID: &job.ID})
			return nil
		}
		return fmt.Errorf("op=callback.transition_completed: %w", err)
	}
	observability.RecordJobStatus(string(domain.JobCompleted), string(provider))
	job.Status = domain.JobCompleted
	s.Notifier.Notify(ctx, domain.NotificationCompleted, job)
	return nil
}

// handleFailure runs the failure/incomplete dispatch: the same retry
// policy as the worker, except "enqueue for retry" here means a guarded
// transition to retrying plus a *new* dispatch queue message, since the
// worker already deleted the original message right after submission.
func (s *Service) handleFailure(ctx domain.Context, job domain.Job, provider domain.ProviderSlug, payload Payload) error {
	cfg, err := s.Providers.Get(ctx, provider)
	if err != nil {
		return fmt.Errorf("op=callback.load_provider: %w", err)
	}

	code := domain.ErrCodeUnknown
	errMsg := "async provider reported failure"
	if payload.Err != nil {
		if payload.Err.Code != "" {
			code = domain.ErrorCode(payload.Err.Code)
		}
		if payload.Err.Message != "" {
			errMsg = payload.Err.Message
		}
	}
	retryable := code.Retryable() || payload.Kind == EventIncomplete

	if domain.ShouldRetry(retryable, job.RetryCount, cfg.MaxRetries) {
		if err := s.Store.Transition(ctx, job.ID, domain.JobRetrying, domain.JobMutation{IncRetryCount: true, ErrorMessage: &errMsg}); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				s.Store.Log(ctx, domain.DiagnosticLogEntry{EventType: "skipped", JobID: &job.ID})
				return nil
			}
			return fmt.Errorf("op=callback.transition_retrying: %w", err)
		}
		if err := s.Queue.Enqueue(ctx, job.ID); err != nil {
			return fmt.Errorf("op=callback.reenqueue: %w", err)
		}
		observability.RecordRetry(string(provider))
		observability.RecordJobStatus(string(domain.JobRetrying), string(provider))
		codeStr := string(code)
		s.Store.Log(ctx, domain.DiagnosticLogEntry{EventType: "retrying", JobID: &job.ID, ProviderSlug: providerSlugPtr(provider), ErrorCode: &codeStr, ErrorMessage: &errMsg})
		return nil
	}

	if err := s.Store.Transition(ctx, job.ID, domain.JobExhausted, domain.JobMutation{ErrorMessage: &errMsg, SetCompletedAt: true}); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			s.Store.Log(ctx, domain.DiagnosticLogEntry{EventType: "skipped", JobID: &job.ID})
			return nil
		}
		return fmt.Errorf("op=callback.transition_exhausted: %w", err)
	}
	observability.RecordJobStatus(string(domain.JobExhausted), string(provider))
	codeStr := string(code)
	s.Store.Log(ctx, domain.DiagnosticLogEntry{EventType: "exhausted", JobID: &job.ID, ProviderSlug: providerSlugPtr(provider), ErrorCode: &codeStr, ErrorMessage: &errMsg})
	job.Status = domain.JobExhausted
	s.Notifier.Notify(ctx, domain.NotificationExhausted, job)
	return nil
}

// fileProcessingError handles any step inside the receiver past the
// guards that fails: it gets diagnostic-logged and its full verbatim
// payload filed into the DLQ for later replay.
func (s *Service) fileProcessingError(ctx domain.Context, jobID string, provider domain.ProviderSlug, responseID string, cause error, body []byte) {
	var raw map[string]any
	_ = json.Unmarshal(body, &raw)

	errMsg := cause.Error()
	s.Store.Log(ctx, domain.DiagnosticLogEntry{EventType: "processing_error", JobID: nilIfEmpty(jobID), ProviderSlug: providerSlugPtr(provider), ErrorMessage: &errMsg})
	observability.RecordWebhookGuardTrip("processing_error")

	entry := domain.DeadLetterEntry{JobID: jobID, ProviderSlug: provider, ErrorCode: string(domain.ErrCodeUnknown), ErrorMessage: errMsg, Payload: raw}
	if _, err := s.Store.AddToDLQ(ctx, entry); err != nil {
		observability.LoggerFromContext(ctx).Error("callback: DLQ file failed", slog.Any("error", err))
		return
	}
	observability.RecordDLQEntry(string(provider), string(domain.ErrCodeUnknown))
}

func (s *Service) logGuard(ctx domain.Context, event string, jobID *string, provider *domain.ProviderSlug, statusAtReceipt *string, payload Payload) {
	entry := domain.DiagnosticLogEntry{EventType: event, JobID: jobID, JobStatusAtReceipt: statusAtReceipt, ResponsePayload: Sanitize(payload)}
	if provider != nil {
		entry.ProviderSlug = providerSlugPtr(*provider)
	}
	s.Store.Log(ctx, entry)
	observability.RecordWebhookGuardTrip(event)
}

func providerSlugPtr(s domain.ProviderSlug) *string {
	v := string(s)
	return &v
}

func statusPtr(s domain.JobStatus) *string {
	v := string(s)
	return &v
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
