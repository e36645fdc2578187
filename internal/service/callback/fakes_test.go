package callback_test

import (
	"time"

	"github.com/fairyhunter13/llmbroker/internal/domain"
)

// fakeStore is a minimal in-memory domain.JobStore, mirroring the worker
// package's fake with the additions the receiver exercises: RecordWebhook idempotency
// and DLQ filing.
type fakeStore struct {
	jobs       map[string]domain.Job
	logs       []domain.DiagnosticLogEntry
	dlqEntries []domain.DeadLetterEntry
	webhooks   map[string]bool // provider|webhook_id -> seen
	webhookErr error
}

func newFakeStore(jobs ...domain.Job) *fakeStore {
	s := &fakeStore{jobs: map[string]domain.Job{}, webhooks: map[string]bool{}}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *fakeStore) Create(_ domain.Context, j domain.Job) (domain.Job, error) {
	j.Status = domain.JobQueued
	s.jobs[j.ID] = j
	return j, nil
}

func (s *fakeStore) Get(_ domain.Context, id string) (domain.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (s *fakeStore) GetByLLMResponseID(_ domain.Context, responseID string) (domain.Job, error) {
	for _, j := range s.jobs {
		if j.LLMResponseID != nil && *j.LLMResponseID == responseID {
			return j, nil
		}
	}
	return domain.Job{}, domain.ErrNotFound
}

func (s *fakeStore) Claim(_ domain.Context, jobID string) (domain.Job, error) {
	j, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	j.Status = domain.JobRunning
	s.jobs[jobID] = j
	return j, nil
}

func (s *fakeStore) Transition(_ domain.Context, jobID string, target domain.JobStatus, mutate domain.JobMutation) error {
	j, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	prior, guarded := domain.RequiredPriorStatuses(target)
	if guarded {
		ok := false
		for _, p := range prior {
			if j.Status == p {
				ok = true
				break
			}
		}
		if !ok {
			return domain.ErrConflict
		}
	}
	j.Status = target
	if mutate.IncRetryCount {
		j.RetryCount++
	}
	if mutate.ErrorMessage != nil {
		j.ErrorMessage = mutate.ErrorMessage
	}
	if mutate.LLMResponseID != nil {
		j.LLMResponseID = mutate.LLMResponseID
	}
	if mutate.ResultRef != nil {
		j.ResultRef = mutate.ResultRef
	}
	if mutate.SetCompletedAt {
		now := time.Now()
		j.CompletedAt = &now
	}
	s.jobs[jobID] = j
	return nil
}

func (s *fakeStore) Log(_ domain.Context, entry domain.DiagnosticLogEntry) {
	s.logs = append(s.logs, entry)
}

func (s *fakeStore) AddToDLQ(_ domain.Context, entry domain.DeadLetterEntry) (string, error) {
	entry.ID = "dlq-fake"
	s.dlqEntries = append(s.dlqEntries, entry)
	return entry.ID, nil
}

func (s *fakeStore) ResolveDLQ(_ domain.Context, _ string) error { return nil }

func (s *fakeStore) PendingDLQOlderThan(_ domain.Context, _ time.Duration, _ int) ([]domain.DeadLetterEntry, error) {
	return nil, nil
}

func (s *fakeStore) RecordWebhook(_ domain.Context, rec domain.WebhookRecord) (bool, error) {
	if s.webhookErr != nil {
		return false, s.webhookErr
	}
	key := string(rec.ProviderSlug) + "|" + rec.WebhookID
	if s.webhooks[key] {
		return false, nil
	}
	s.webhooks[key] = true
	return true, nil
}

func (s *fakeStore) ReapStaleRunning(_ domain.Context, _ time.Duration) (int, error) { return 0, nil }

// fakeQueue records re-enqueues (handleFailure's retry path publishes a
// fresh message rather than reusing the worker's, which is already deleted).
type fakeQueue struct {
	enqueued []string
}

func (q *fakeQueue) Enqueue(_ domain.Context, jobID string) error {
	q.enqueued = append(q.enqueued, jobID)
	return nil
}
func (q *fakeQueue) Read(_ domain.Context, _ int, _ int) ([]domain.QueueMessage, error) {
	return nil, nil
}
func (q *fakeQueue) Delete(_ domain.Context, _ string) error  { return nil }
func (q *fakeQueue) Archive(_ domain.Context, _ string) error { return nil }

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
func (p *fakeProviders) List(_ domain.Context) ([]domain.ProviderConfig, error) {
	out := make([]domain.ProviderConfig, 0, len(p.configs))
	for _, c := range p.configs {
		out = append(out, c)
	}
	return out, nil
}

// fakeGateway only needs FetchResult for the receiver's "id-only success" branch.
type fakeGateway struct {
	fetchResult domain.LLMResult
	fetchErr    error
}

func (g *fakeGateway) Call(_ domain.Context, _ domain.ProviderSlug, _ domain.ProviderConfig, _ domain.ProviderCall) (domain.LLMResult, error) {
	return domain.LLMResult{}, nil
}
func (g *fakeGateway) SubmitBackground(_ domain.Context, _ domain.ProviderSlug, _ domain.ProviderConfig, _ domain.ProviderCall, _ string) (string, error) {
	return "", nil
}
func (g *fakeGateway) FetchResult(_ domain.Context, _ domain.ProviderSlug, _ string) (domain.LLMResult, error) {
	if g.fetchErr != nil {
		return domain.LLMResult{}, g.fetchErr
	}
	return g.fetchResult, nil
}

type fakePostProcessors struct {
	errs map[string]error
	runs int
}

func (p *fakePostProcessors) Resolve(tag string) domain.PostProcessor {
	if p.errs == nil {
		return nil
	}
	if _, ok := p.errs[tag]; !ok {
		return nil
	}
	return func(domain.Context, string, map[string]any) error { return nil }
}

func (p *fakePostProcessors) Run(_ domain.Context, tag string, _ string, _ string, _ map[string]any) error {
	p.runs++
	if p.errs == nil {
		return nil
	}
	return p.errs[tag]
}

type fakeNotifier struct {
	events []domain.NotificationEvent
}

func (n *fakeNotifier) Notify(_ domain.Context, event domain.NotificationEvent, _ domain.Job) {
	n.events = append(n.events, event)
}
