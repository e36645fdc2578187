// Package worker implements the worker loop that leases queue messages,
// claims jobs, executes the per-provider path, honors cancellation, and
// manages the dispatch queue message's lifecycle.
package worker

import (
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/llmbroker/internal/domain"
	"github.com/fairyhunter13/llmbroker/internal/observability"
)

// Outcome is one message's processing result, returned for observability
// and for the `/llm-worker` response's `results` array.
type Outcome struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Result is what one worker invocation reports back to its caller.
type Result struct {
	Processed bool
	Count     int
	Results   []Outcome
}

// Service orchestrates the worker loop. Every collaborator is an explicit
// field, no hidden globals.
type Service struct {
	Store                    domain.JobStore
	Queue                    domain.DispatchQueue
	Providers                domain.ProviderConfigStore
	Gateway                  domain.ProviderGateway
	PostProcessors           domain.PostProcessorRegistry
	Notifier                 domain.Notifier
	VisibilityTimeoutSeconds int
	BatchSize                int
}

// New constructs a worker Service with the fixed lease-policy defaults
// (visibility timeout 300s, batch size 10) unless overridden by the caller.
func New(store domain.JobStore, queue domain.DispatchQueue, providers domain.ProviderConfigStore, gw domain.ProviderGateway, pp domain.PostProcessorRegistry, notifier domain.Notifier, visibilityTimeoutSeconds, batchSize int) *Service {
	if visibilityTimeoutSeconds <= 0 {
		visibilityTimeoutSeconds = 300
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Service{
		Store: store, Queue: queue, Providers: providers, Gateway: gw,
		PostProcessors: pp, Notifier: notifier,
		VisibilityTimeoutSeconds: visibilityTimeoutSeconds, BatchSize: batchSize,
	}
}

// RunOnce drains up to one batch of the dispatch queue and processes each
// message to completion.
func (s *Service) RunOnce(ctx domain.Context) (Result, error) {
	tracer := otel.Tracer("service.worker")
	ctx, span := tracer.Start(ctx, "worker.RunOnce")
	defer span.End()

	msgs, err := s.Queue.Read(ctx, s.VisibilityTimeoutSeconds, s.BatchSize)
	if err != nil {
		return Result{}, fmt.Errorf("op=worker.run_once.read: %w", err)
	}
	if len(msgs) == 0 {
		return Result{Processed: false}, nil
	}

	out := make([]Outcome, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, s.processMessage(ctx, msg))
	}
	return Result{Processed: true, Count: len(out), Results: out}, nil
}

func (s *Service) processMessage(ctx domain.Context, msg domain.QueueMessage) Outcome {
	lg := observability.LoggerFromContext(ctx)

	if msg.JobID == "" {
		if err := s.Queue.Archive(ctx, msg.MsgID); err != nil {
			lg.Warn("worker: archive of malformed message failed", slog.Any("error", err))
		}
		s.Store.Log(ctx, domain.DiagnosticLogEntry{EventType: "skipped"})
		return Outcome{Status: "skipped", Message: "message carried no job_id"}
	}

	job, err := s.Store.Claim(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			if delErr := s.Queue.Delete(ctx, msg.MsgID); delErr != nil {
				lg.Warn("worker: delete after unclaimable job failed", slog.Any("error", delErr))
			}
			s.Store.Log(ctx, domain.DiagnosticLogEntry{EventType: "skipped", JobID: &msg.JobID})
			return Outcome{JobID: msg.JobID, Status: "skipped", Message: "not claimable"}
		}
		lg.Error("worker: claim failed", slog.String("job_id", msg.JobID), slog.Any("error", err))
		return Outcome{JobID: msg.JobID, Status: "failed", Message: err.Error()}
	}

	observability.RecordJobStatus(string(domain.JobRunning), string(job.ProviderID))
	s.Notifier.Notify(ctx, domain.NotificationStarted, job)

	provider, err := s.Providers.Get(ctx, job.ProviderID)
	if err != nil || job.Model == "" {
		mutErr := "provider configuration unavailable"
		_ = s.Store.Transition(ctx, job.ID, domain.JobExhausted, domain.JobMutation{ErrorMessage: &mutErr, SetCompletedAt: true})
		if delErr := s.Queue.Delete(ctx, msg.MsgID); delErr != nil {
			lg.Warn("worker: delete after unknown provider failed", slog.Any("error", delErr))
		}
		s.Store.Log(ctx, domain.DiagnosticLogEntry{EventType: "failed", JobID: &job.ID, ProviderSlug: providerSlugPtr(job.ProviderID)})
		return Outcome{JobID: job.ID, Status: "failed", Message: mutErr}
	}

	call := buildProviderCall(job)

	if provider.Kind == domain.ProviderKindAsync {
		return s.dispatchAsync(ctx, job, provider, call, msg)
	}
	return s.dispatchSync(ctx, job, provider, call, msg)
}

func buildProviderCall(job domain.Job) domain.ProviderCall {
	return domain.ProviderCall{
		Prompt:       job.Prompt,
		SystemPrompt: job.SystemPrompt,
		Messages:     job.Messages,
		Input:        job.Input,
		Model:        job.Model,
	}
}

func providerSlugPtr(s domain.ProviderSlug) *string {
	v := string(s)
	return &v
}

// dispatchSync runs the sync provider path: call, pre-processor
// status check, post-processor dispatch, and the two terminal outcomes
// (post_processing_failed / completed), falling through to the shared
// retry policy on LLM failure.
func (s *Service) dispatchSync(ctx domain.Context, job domain.Job, provider domain.ProviderConfig, call domain.ProviderCall, msg domain.QueueMessage) Outcome {
	lg := observability.LoggerFromContext(ctx)

	result, err := s.Gateway.Call(ctx, job.ProviderID, provider, call)
	if err != nil {
		return s.applyRetryPolicy(ctx, job, provider, err, msg)
	}

	if job.FeatureTag == nil || *job.FeatureTag == "" {
		resultRef := &domain.JobResult{Output: result.Output, Usage: result.Usage, Model: result.Model, ResponseID: result.ResponseID}
		if err := s.Store.Transition(ctx, job.ID, domain.JobCompleted, domain.JobMutation{ResultRef: resultRef, SetCompletedAt: true}); err != nil {
			return s.handleTransitionConflict(ctx, job, msg, err)
		}
		if delErr := s.Queue.Delete(ctx, msg.MsgID); delErr != nil {
			lg.Warn("worker: delete after completion failed", slog.Any("error", delErr))
		}
		observability.RecordJobStatus(string(domain.JobCompleted), string(job.ProviderID))
		job.Status = domain.JobCompleted
		s.Notifier.Notify(ctx, domain.NotificationCompleted, job)
		return Outcome{JobID: job.ID, Status: string(domain.JobCompleted)}
	}

	// Pre-processor status check: re-read the job's current status
	// before running a domain side effect, so a cancellation that landed
	// mid-flight is honored instead of overwritten.
	current, err := s.Store.Get(ctx, job.ID)
	if err != nil {
		lg.Error("worker: re-read before post-processor failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return Outcome{JobID: job.ID, Status: "failed", Message: err.Error()}
	}
	if current.Status != domain.JobRunning {
		if delErr := s.Queue.Delete(ctx, msg.MsgID); delErr != nil {
			lg.Warn("worker: delete after pre-processor status check failed", slog.Any("error", delErr))
		}
		s.Store.Log(ctx, domain.DiagnosticLogEntry{EventType: "skipped", JobID: &job.ID, JobStatusAtReceipt: statusPtr(current.Status)})
		return Outcome{JobID: job.ID, Status: "skipped", Message: "job left running before post-processor"}
	}

	ppErr := s.PostProcessors.Run(ctx, *job.FeatureTag, result.Output, job.TenantID, job.Context)
	resultRef := &domain.JobResult{Output: result.Output, Usage: result.Usage, Model: result.Model, ResponseID: result.ResponseID}
	if ppErr != nil {
		errMsg := ppErr.Error()
		if err := s.Store.Transition(ctx, job.ID, domain.JobPostProcessingFailed, domain.JobMutation{ResultRef: resultRef, ErrorMessage: &errMsg, SetCompletedAt: true}); err != nil {
			return s.handleTransitionConflict(ctx, job, msg, err)
		}
		if delErr := s.Queue.Delete(ctx, msg.MsgID); delErr != nil {
			lg.Warn("worker: delete after post-processing failure failed", slog.Any("error", delErr))
		}
		s.Store.Log(ctx, domain.DiagnosticLogEntry{EventType: "post_processing_failed", JobID: &job.ID, ErrorMessage: &errMsg})
		observability.RecordJobStatus(string(domain.JobPostProcessingFailed), string(job.ProviderID))
		job.Status = domain.JobPostProcessingFailed
		s.Notifier.Notify(ctx, domain.NotificationPostProcessingFailed, job)
		return Outcome{JobID: job.ID, Status: string(domain.JobPostProcessingFailed), Message: errMsg}
	}

	if err := s.Store.Transition(ctx, job.ID, domain.JobCompleted, domain.JobMutation{ResultRef: resultRef, SetCompletedAt: true}); err != nil {
		return s.handleTransitionConflict(ctx, job, msg, err)
	}
	if delErr := s.Queue.Delete(ctx, msg.MsgID); delErr != nil {
		lg.Warn("worker: delete after completion failed", slog.Any("error", delErr))
	}
	observability.RecordJobStatus(string(domain.JobCompleted), string(job.ProviderID))
	job.Status = domain.JobCompleted
	s.Notifier.Notify(ctx, domain.NotificationCompleted, job)
	return Outcome{JobID: job.ID, Status: string(domain.JobCompleted)}
}

// dispatchAsync runs the async provider path: submit, transition to
// waiting_llm on success (completion is then driven entirely by the
// callback receiver), or apply the retry policy on submission failure.
func (s *Service) dispatchAsync(ctx domain.Context, job domain.Job, provider domain.ProviderConfig, call domain.ProviderCall, msg domain.QueueMessage) Outcome {
	lg := observability.LoggerFromContext(ctx)

	responseID, err := s.Gateway.SubmitBackground(ctx, job.ProviderID, provider, call, job.ID)
	if err != nil {
		return s.applyRetryPolicy(ctx, job, provider, err, msg)
	}

	if err := s.Store.Transition(ctx, job.ID, domain.JobWaitingLLM, domain.JobMutation{LLMResponseID: &responseID}); err != nil {
		return s.handleTransitionConflict(ctx, job, msg, err)
	}
	if delErr := s.Queue.Delete(ctx, msg.MsgID); delErr != nil {
		lg.Warn("worker: delete after background submission failed", slog.Any("error", delErr))
	}
	observability.RecordJobStatus(string(domain.JobWaitingLLM), string(job.ProviderID))
	return Outcome{JobID: job.ID, Status: string(domain.JobWaitingLLM)}
}

// applyRetryPolicy implements the shared retry policy: retryable and
// under the provider's cap transitions to retrying and leaves the message
// in place for visibility-timeout redelivery; otherwise the job is
// exhausted and the message archived. A guard conflict at either update is
// treated as cancellation.
func (s *Service) applyRetryPolicy(ctx domain.Context, job domain.Job, provider domain.ProviderConfig, callErr error, msg domain.QueueMessage) Outcome {
	lg := observability.LoggerFromContext(ctx)

	var llmErr *domain.LLMError
	retryable := false
	code := string(domain.ErrCodeUnknown)
	if errors.As(callErr, &llmErr) {
		retryable = llmErr.Retryable
		code = string(llmErr.Code)
	}
	errMsg := callErr.Error()

	if domain.ShouldRetry(retryable, job.RetryCount, provider.MaxRetries) {
		if err := s.Store.Transition(ctx, job.ID, domain.JobRetrying, domain.JobMutation{IncRetryCount: true, ErrorMessage: &errMsg}); err != nil {
			return s.handleTransitionConflict(ctx, job, msg, err)
		}
		observability.RecordRetry(string(job.ProviderID))
		observability.RecordJobStatus(string(domain.JobRetrying), string(job.ProviderID))
		s.Store.Log(ctx, domain.DiagnosticLogEntry{EventType: "retrying", JobID: &job.ID, ProviderSlug: providerSlugPtr(job.ProviderID), ErrorCode: &code, ErrorMessage: &errMsg})
		return Outcome{JobID: job.ID, Status: string(domain.JobRetrying), Message: errMsg}
	}

	if err := s.Store.Transition(ctx, job.ID, domain.JobExhausted, domain.JobMutation{ErrorMessage: &errMsg, SetCompletedAt: true}); err != nil {
		return s.handleTransitionConflict(ctx, job, msg, err)
	}
	if archErr := s.Queue.Archive(ctx, msg.MsgID); archErr != nil {
		lg.Warn("worker: archive after exhaustion failed", slog.Any("error", archErr))
	}
	observability.RecordJobStatus(string(domain.JobExhausted), string(job.ProviderID))
	s.Store.Log(ctx, domain.DiagnosticLogEntry{EventType: "exhausted", JobID: &job.ID, ProviderSlug: providerSlugPtr(job.ProviderID), ErrorCode: &code, ErrorMessage: &errMsg})
	job.Status = domain.JobExhausted
	s.Notifier.Notify(ctx, domain.NotificationExhausted, job)
	return Outcome{JobID: job.ID, Status: string(domain.JobExhausted), Message: errMsg}
}

// handleTransitionConflict is reached whenever a guarded Transition call
// returns ErrConflict: the job was cancelled (or raced) between claim and
// this update. Cancellation is always the skipped path: the message is
// deleted and the outcome is recorded, never retried.
func (s *Service) handleTransitionConflict(ctx domain.Context, job domain.Job, msg domain.QueueMessage, err error) Outcome {
	lg := observability.LoggerFromContext(ctx)
	if !errors.Is(err, domain.ErrConflict) {
		lg.Error("worker: transition failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return Outcome{JobID: job.ID, Status: "failed", Message: err.Error()}
	}
	if delErr := s.Queue.Delete(ctx, msg.MsgID); delErr != nil {
		lg.Warn("worker: delete after cancellation failed", slog.Any("error", delErr))
	}
	s.Store.Log(ctx, domain.DiagnosticLogEntry{EventType: "skipped", JobID: &job.ID})
	return Outcome{JobID: job.ID, Status: "skipped", Message: "job cancelled or raced"}
}

func statusPtr(s domain.JobStatus) *string {
	v := string(s)
	return &v
}
