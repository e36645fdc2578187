package ingress_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llmbroker/internal/domain"
	"github.com/fairyhunter13/llmbroker/internal/service/ingress"
)

type fakeStore struct {
	created []domain.Job
	err     error
}

func (s *fakeStore) Create(_ domain.Context, j domain.Job) (domain.Job, error) {
	if s.err != nil {
		return domain.Job{}, s.err
	}
	j.ID = "job-generated"
	j.Status = domain.JobQueued
	s.created = append(s.created, j)
	return j, nil
}
func (s *fakeStore) Get(_ domain.Context, _ string) (domain.Job, error) {
	return domain.Job{}, domain.ErrNotFound
}
func (s *fakeStore) GetByLLMResponseID(_ domain.Context, _ string) (domain.Job, error) {
	return domain.Job{}, domain.ErrNotFound
}
func (s *fakeStore) Claim(_ domain.Context, _ string) (domain.Job, error) {
	return domain.Job{}, domain.ErrNotFound
}
func (s *fakeStore) Transition(_ domain.Context, _ string, _ domain.JobStatus, _ domain.JobMutation) error {
	return nil
}
func (s *fakeStore) Log(_ domain.Context, _ domain.DiagnosticLogEntry) {}
func (s *fakeStore) AddToDLQ(_ domain.Context, _ domain.DeadLetterEntry) (string, error) {
	return "", nil
}
func (s *fakeStore) ResolveDLQ(_ domain.Context, _ string) error { return nil }
func (s *fakeStore) PendingDLQOlderThan(_ domain.Context, _ time.Duration, _ int) ([]domain.DeadLetterEntry, error) {
	return nil, nil
}
func (s *fakeStore) RecordWebhook(_ domain.Context, _ domain.WebhookRecord) (bool, error) {
	return true, nil
}
func (s *fakeStore) ReapStaleRunning(_ domain.Context, _ time.Duration) (int, error) { return 0, nil }

type fakeQueue struct {
	enqueued []string
	err      error
}

func (q *fakeQueue) Enqueue(_ domain.Context, jobID string) error {
	if q.err != nil {
		return q.err
	}
	q.enqueued = append(q.enqueued, jobID)
	return nil
}
func (q *fakeQueue) Read(_ domain.Context, _ int, _ int) ([]domain.QueueMessage, error) {
	return nil, nil
}
func (q *fakeQueue) Delete(_ domain.Context, _ string) error  { return nil }
func (q *fakeQueue) Archive(_ domain.Context, _ string) error { return nil }

type fakeLimiter struct {
	counter domain.RateCounter
	ok      bool
	err     error
}

func (l *fakeLimiter) Increment(_ domain.Context, _, _ string, _ int) (domain.RateCounter, bool, error) {
	if l.err != nil {
		return domain.RateCounter{}, false, l.err
	}
	return l.counter, l.ok, nil
}

type fakeProviders struct {
	configs map[domain.ProviderSlug]domain.ProviderConfig
}

func (p *fakeProviders) Get(_ domain.Context, slug domain.ProviderSlug) (domain.ProviderConfig, error) {
	c, ok := p.configs[slug]
	if !ok {
		return domain.ProviderConfig{}, domain.ErrNotFound
	}
	return c, nil
}
func (p *fakeProviders) List(_ domain.Context) ([]domain.ProviderConfig, error) { return nil, nil }

func baseSubmission() ingress.Submission {
	return ingress.Submission{TenantID: "tenant-1", Prompt: "hello world", ProviderSlug: "sync-a"}
}

func okCounter(used, quota int) domain.RateCounter {
	return domain.RateCounter{TenantID: "tenant-1", Period: "2026-07", Used: used, Quota: quota, ResetAt: time.Now()}
}

// Boundary: a prompt of exactly 1 and exactly 100000 characters is valid.
func TestSubmit_PromptLengthBoundaries_Valid(t *testing.T) {
	for _, n := range []int{1, 100_000} {
		store := &fakeStore{}
		queue := &fakeQueue{}
		limiter := &fakeLimiter{counter: okCounter(0, 1000), ok: true}
		providers := &fakeProviders{configs: map[domain.ProviderSlug]domain.ProviderConfig{"sync-a": {Slug: "sync-a", Kind: domain.ProviderKindSync, Active: true, DefaultModel: "m1"}}}
		svc := ingress.New(store, queue, limiter, providers, 1000)

		sub := baseSubmission()
		sub.Prompt = strings.Repeat("a", n)
		_, err := svc.Submit(context.Background(), sub)
		assert.NoError(t, err, "prompt length %d must be accepted", n)
	}
}

// Boundary: an empty prompt or one past the 100000-character cap is
// rejected with INVALID_PROMPT_LENGTH.
func TestSubmit_PromptLengthBoundaries_Invalid(t *testing.T) {
	for _, n := range []int{0, 100_001} {
		store := &fakeStore{}
		queue := &fakeQueue{}
		limiter := &fakeLimiter{counter: okCounter(0, 1000), ok: true}
		providers := &fakeProviders{configs: map[domain.ProviderSlug]domain.ProviderConfig{"sync-a": {Slug: "sync-a", Kind: domain.ProviderKindSync, Active: true, DefaultModel: "m1"}}}
		svc := ingress.New(store, queue, limiter, providers, 1000)

		sub := baseSubmission()
		sub.Prompt = strings.Repeat("a", n)
		_, err := svc.Submit(context.Background(), sub)
		require.Error(t, err)
		var verr *ingress.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "INVALID_PROMPT_LENGTH", verr.Code)
	}
}

// A feature tag outside [A-Za-z0-9_-]{1,100} is rejected.
func TestSubmit_InvalidFeatureTag_Rejected(t *testing.T) {
	store := &fakeStore{}
	queue := &fakeQueue{}
	limiter := &fakeLimiter{counter: okCounter(0, 1000), ok: true}
	providers := &fakeProviders{configs: map[domain.ProviderSlug]domain.ProviderConfig{"sync-a": {Slug: "sync-a", Kind: domain.ProviderKindSync, Active: true, DefaultModel: "m1"}}}
	svc := ingress.New(store, queue, limiter, providers, 1000)

	bad := "has a space"
	sub := baseSubmission()
	sub.FeatureTag = &bad
	_, err := svc.Submit(context.Background(), sub)
	require.Error(t, err)
	var verr *ingress.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "INVALID_FEATURE_TAG", verr.Code)
}

// An unrecognized provider slug is rejected before any job is created.
func TestSubmit_UnknownProvider_Rejected(t *testing.T) {
	store := &fakeStore{}
	queue := &fakeQueue{}
	limiter := &fakeLimiter{counter: okCounter(0, 1000), ok: true}
	providers := &fakeProviders{configs: map[domain.ProviderSlug]domain.ProviderConfig{}}
	svc := ingress.New(store, queue, limiter, providers, 1000)

	sub := baseSubmission()
	sub.ProviderSlug = "nonexistent"
	_, err := svc.Submit(context.Background(), sub)
	require.Error(t, err)
	var verr *ingress.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "UNKNOWN_PROVIDER", verr.Code)
	assert.Empty(t, store.created, "quota and job creation must never run for a rejected provider")
}

// background=true against a sync-only provider is explicitly rejected with
// BACKGROUND_NOT_SUPPORTED, not silently accepted or misrouted.
func TestSubmit_BackgroundOnSyncProvider_Rejected(t *testing.T) {
	store := &fakeStore{}
	queue := &fakeQueue{}
	limiter := &fakeLimiter{counter: okCounter(0, 1000), ok: true}
	providers := &fakeProviders{configs: map[domain.ProviderSlug]domain.ProviderConfig{"sync-a": {Slug: "sync-a", Kind: domain.ProviderKindSync, Active: true, DefaultModel: "m1"}}}
	svc := ingress.New(store, queue, limiter, providers, 1000)

	sub := baseSubmission()
	sub.Background = true
	_, err := svc.Submit(context.Background(), sub)
	require.Error(t, err)
	var verr *ingress.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "BACKGROUND_NOT_SUPPORTED", verr.Code)
}

// background=true against an async provider is accepted.
func TestSubmit_BackgroundOnAsyncProvider_Accepted(t *testing.T) {
	store := &fakeStore{}
	queue := &fakeQueue{}
	limiter := &fakeLimiter{counter: okCounter(0, 1000), ok: true}
	providers := &fakeProviders{configs: map[domain.ProviderSlug]domain.ProviderConfig{"async-c": {Slug: "async-c", Kind: domain.ProviderKindAsync, Active: true, DefaultModel: "m1"}}}
	svc := ingress.New(store, queue, limiter, providers, 1000)

	sub := baseSubmission()
	sub.ProviderSlug = "async-c"
	sub.Background = true
	ticket, err := svc.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, ticket.Status)
}

// Quota boundary: the Nth submission (quota reached, Increment reports not
// ok) is rejected with ErrRateLimited and the counter snapshot attached;
// the N-1th goes through.
func TestSubmit_QuotaBoundary(t *testing.T) {
	providers := &fakeProviders{configs: map[domain.ProviderSlug]domain.ProviderConfig{"sync-a": {Slug: "sync-a", Kind: domain.ProviderKindSync, Active: true, DefaultModel: "m1"}}}

	t.Run("under quota accepted", func(t *testing.T) {
		store := &fakeStore{}
		queue := &fakeQueue{}
		limiter := &fakeLimiter{counter: okCounter(99, 100), ok: true}
		svc := ingress.New(store, queue, limiter, providers, 100)
		ticket, err := svc.Submit(context.Background(), baseSubmission())
		require.NoError(t, err)
		assert.Equal(t, 1, ticket.Remaining)
	})

	t.Run("at quota rejected", func(t *testing.T) {
		store := &fakeStore{}
		queue := &fakeQueue{}
		limiter := &fakeLimiter{counter: okCounter(100, 100), ok: false}
		svc := ingress.New(store, queue, limiter, providers, 100)
		ticket, err := svc.Submit(context.Background(), baseSubmission())
		require.ErrorIs(t, err, domain.ErrRateLimited)
		assert.Equal(t, 0, ticket.Remaining)
		assert.Empty(t, store.created, "a rejected submission must never create a job")
	})
}

// The happy path creates the job before enqueuing it, and the queue sees
// exactly the store-assigned id.
func TestSubmit_Happy_CreatesThenEnqueues(t *testing.T) {
	store := &fakeStore{}
	queue := &fakeQueue{}
	limiter := &fakeLimiter{counter: okCounter(1, 1000), ok: true}
	providers := &fakeProviders{configs: map[domain.ProviderSlug]domain.ProviderConfig{"sync-a": {Slug: "sync-a", Kind: domain.ProviderKindSync, Active: true, DefaultModel: "m1"}}}
	svc := ingress.New(store, queue, limiter, providers, 1000)

	ticket, err := svc.Submit(context.Background(), baseSubmission())
	require.NoError(t, err)
	require.Len(t, store.created, 1)
	assert.Equal(t, ticket.JobID, store.created[0].ID)
	assert.Equal(t, []string{ticket.JobID}, queue.enqueued)
	assert.Equal(t, domain.APIMethodChat, store.created[0].APIMethod)
}

// Structured messages (instead of a flat prompt) select the "responses"
// API method.
func TestSubmit_StructuredMessages_SelectsResponsesAPIMethod(t *testing.T) {
	store := &fakeStore{}
	queue := &fakeQueue{}
	limiter := &fakeLimiter{counter: okCounter(1, 1000), ok: true}
	providers := &fakeProviders{configs: map[domain.ProviderSlug]domain.ProviderConfig{"sync-a": {Slug: "sync-a", Kind: domain.ProviderKindSync, Active: true, DefaultModel: "m1"}}}
	svc := ingress.New(store, queue, limiter, providers, 1000)

	sub := baseSubmission()
	sub.Messages = []domain.Message{{Role: "user", Content: "hi"}}
	_, err := svc.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, domain.APIMethodResponses, store.created[0].APIMethod)
}
