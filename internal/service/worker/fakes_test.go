package worker_test

import (
	"time"

	"github.com/fairyhunter13/llmbroker/internal/domain"
)

// fakeStore is a minimal in-memory domain.JobStore sufficient to drive the
// worker's guarded-transition discipline under test, mirroring the
// postgres adapter's semantics without a database.
type fakeStore struct {
	jobs       map[string]domain.Job
	logs       []domain.DiagnosticLogEntry
	claimErr   error
	dlqEntries []domain.DeadLetterEntry
}

func newFakeStore(jobs ...domain.Job) *fakeStore {
	s := &fakeStore{jobs: map[string]domain.Job{}}
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
	if s.claimErr != nil {
		return domain.Job{}, s.claimErr
	}
	j, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	if j.Status != domain.JobQueued && j.Status != domain.JobRetrying {
		return domain.Job{}, domain.ErrConflict
	}
	j.Status = domain.JobRunning
	now := time.Now()
	j.StartedAt = &now
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

func (s *fakeStore) RecordWebhook(_ domain.Context, _ domain.WebhookRecord) (bool, error) {
	return true, nil
}

func (s *fakeStore) ReapStaleRunning(_ domain.Context, _ time.Duration) (int, error) { return 0, nil }

// fakeQueue is a minimal domain.DispatchQueue recording deletes/archives so
// tests can assert the "delete on success, archive on non-retryable
// failure, do nothing on retryable failure" policy.
type fakeQueue struct {
	deleted  []string
	archived []string
	enqueued []string
	toRead   []domain.QueueMessage
	readErr  error
}

func (q *fakeQueue) Enqueue(_ domain.Context, jobID string) error {
	q.enqueued = append(q.enqueued, jobID)
	return nil
}
func (q *fakeQueue) Read(_ domain.Context, _ int, maxCount int) ([]domain.QueueMessage, error) {
	if q.readErr != nil {
		return nil, q.readErr
	}
	if len(q.toRead) == 0 {
		return nil, nil
	}
	n := maxCount
	if n > len(q.toRead) {
		n = len(q.toRead)
	}
	out := q.toRead[:n]
	q.toRead = q.toRead[n:]
	return out, nil
}
func (q *fakeQueue) Delete(_ domain.Context, msgID string) error {
	q.deleted = append(q.deleted, msgID)
	return nil
}
func (q *fakeQueue) Archive(_ domain.Context, msgID string) error {
	q.archived = append(q.archived, msgID)
	return nil
}

// fakeProviders is a static domain.ProviderConfigStore.
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

// fakeGateway is a scriptable domain.ProviderGateway: each call pops the
// next queued result/error so a test can simulate "fails once, then
// succeeds" sequences.
type fakeGateway struct {
	callResults   []domain.LLMResult
	callErrs      []error
	submitResults []string
	submitErrs    []error
	// onCall, if set, runs synchronously inside Call before it returns;
	// lets a test simulate state changing out from under an in-flight
	// provider call (e.g. an external cancellation).
	onCall func()
}

func (g *fakeGateway) Call(_ domain.Context, _ domain.ProviderSlug, _ domain.ProviderConfig, _ domain.ProviderCall) (domain.LLMResult, error) {
	if g.onCall != nil {
		g.onCall()
	}
	if len(g.callErrs) > 0 {
		err := g.callErrs[0]
		g.callErrs = g.callErrs[1:]
		if err != nil {
			return domain.LLMResult{}, err
		}
	}
	if len(g.callResults) > 0 {
		r := g.callResults[0]
		g.callResults = g.callResults[1:]
		return r, nil
	}
	return domain.LLMResult{}, nil
}

func (g *fakeGateway) SubmitBackground(_ domain.Context, _ domain.ProviderSlug, _ domain.ProviderConfig, _ domain.ProviderCall, _ string) (string, error) {
	if len(g.submitErrs) > 0 {
		err := g.submitErrs[0]
		g.submitErrs = g.submitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	if len(g.submitResults) > 0 {
		r := g.submitResults[0]
		g.submitResults = g.submitResults[1:]
		return r, nil
	}
	return "", nil
}

func (g *fakeGateway) FetchResult(_ domain.Context, _ domain.ProviderSlug, _ string) (domain.LLMResult, error) {
	return domain.LLMResult{}, nil
}

// fakePostProcessors lets a test register one scripted outcome per tag.
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

// fakeNotifier records every notification fired and never fails.
type fakeNotifier struct {
	events []domain.NotificationEvent
}

func (n *fakeNotifier) Notify(_ domain.Context, event domain.NotificationEvent, _ domain.Job) {
	n.events = append(n.events, event)
}
