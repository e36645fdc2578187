// Package httpserver contains the four HTTP endpoints of the broker: job
// submission, worker dispatch, webhook delivery, and on-demand DLQ replay.
// It is a thin transport layer delegating to the service packages for
// everything domain-shaped.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/llmbroker/internal/config"
	"github.com/fairyhunter13/llmbroker/internal/domain"
	"github.com/fairyhunter13/llmbroker/internal/service/callback"
	"github.com/fairyhunter13/llmbroker/internal/service/dlqreplay"
	"github.com/fairyhunter13/llmbroker/internal/service/ingress"
	"github.com/fairyhunter13/llmbroker/internal/service/worker"
)

// webhookSignatureHeader is the header every configured provider uses to
// carry its HMAC-SHA256 digest.
const webhookSignatureHeader = "X-Webhook-Signature"

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// Server aggregates every collaborator the HTTP layer needs.
type Server struct {
	Cfg       config.Config
	Ingress   *ingress.Service
	Worker    *worker.Service
	Callback  *callback.Service
	DLQReplay *dlqreplay.Driver
	DBCheck   func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, ing *ingress.Service, wrk *worker.Service, cb *callback.Service, dlq *dlqreplay.Driver, dbCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Ingress: ing, Worker: wrk, Callback: cb, DLQReplay: dlq, DBCheck: dbCheck}
}

// queryRequest is the transport-level DTO for POST /llm-query; validator
// struct tags enforce the structural shape, the domain rules (feature_tag
// pattern, prompt length) live in the ingress service.
type queryRequest struct {
	Prompt       string           `json:"prompt" validate:"required"`
	SystemPrompt *string          `json:"system_prompt"`
	ProviderSlug string           `json:"provider_slug" validate:"required"`
	FeatureTag   *string          `json:"feature_slug"`
	Input        map[string]any   `json:"input"`
	Background   bool             `json:"background"`
	Messages     []domain.Message `json:"messages"`
}

type rateLimitView struct {
	Used      int `json:"used"`
	Quota     int `json:"quota"`
	Remaining int `json:"remaining"`
}

// QueryHandler implements POST /llm-query.
func (s *Server) QueryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := s.tenantFromRequest(r)
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, domain.ErrForbidden) {
				status = http.StatusForbidden
			}
			http.Error(w, http.StatusText(status), status)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			verrs := map[string]string{}
			if ve, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					verrs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			writeError(w, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
			return
		}

		sub := ingress.Submission{
			TenantID:     tenantID,
			Prompt:       req.Prompt,
			SystemPrompt: req.SystemPrompt,
			Messages:     req.Messages,
			ProviderSlug: req.ProviderSlug,
			FeatureTag:   req.FeatureTag,
			Input:        req.Input,
			Background:   req.Background,
		}

		ticket, err := s.Ingress.Submit(r.Context(), sub)
		if err != nil && ticket.JobID == "" {
			writeError(w, err, nil)
			return
		}
		if err != nil {
			// Rate-limited: still report the counter view alongside 429.
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"job_id":     ticket.JobID,
				"status":     ticket.Status,
				"rate_limit": rateLimitView{Used: ticket.Used, Quota: ticket.Quota, Remaining: ticket.Remaining},
			})
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]any{
			"job_id":     ticket.JobID,
			"status":     ticket.Status,
			"rate_limit": rateLimitView{Used: ticket.Used, Quota: ticket.Quota, Remaining: ticket.Remaining},
		})
	}
}

// WorkerHandler implements POST /llm-worker: drains one batch of the
// dispatch queue. Auth is enforced by RequireQueueSecret at mount time.
func (s *Server) WorkerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := s.Worker.RunOnce(r.Context())
		if err != nil {
			writeError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"processed": result.Processed,
			"count":     result.Count,
			"results":   result.Results,
		})
	}
}

// WebhookHandler implements POST /llm-webhook, dispatching on the
// `source` query parameter: `source=dlq` is the on-demand DLQ replay path
// (guarded by `x-queue-secret` upstream), anything else is a provider
// callback keyed by `provider=<slug>` and authenticated by that provider's
// signature header inside the Callback Receiver itself.
func (s *Server) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readAll(r)
		if err != nil {
			// Even a malformed body earns the unconditional 200 OK: the
			// caller never learns anything from this endpoint's response.
			writeOK(w)
			return
		}

		if r.URL.Query().Get("source") == "dlq" {
			s.handleDLQReplay(r.Context(), body)
			writeOK(w)
			return
		}

		provider := domain.ProviderSlug(r.URL.Query().Get("provider"))
		sig := r.Header.Get(webhookSignatureHeader)
		s.Callback.Receive(r.Context(), provider, sig, body, true)
		writeOK(w)
	}
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type dlqReplayRequest struct {
	DLQID          string         `json:"dlq_id"`
	WebhookPayload map[string]any `json:"webhook_payload"`
	ProviderSlug   string         `json:"provider_slug"`
}

func (s *Server) handleDLQReplay(ctx context.Context, body []byte) {
	var req dlqReplayRequest
	if err := json.Unmarshal(body, &req); err != nil || req.DLQID == "" {
		return
	}
	payloadBody, err := json.Marshal(req.WebhookPayload)
	if err != nil {
		return
	}
	parsed, err := callback.ParsePayload(domain.ProviderSlug(req.ProviderSlug), payloadBody)
	if err != nil {
		return
	}
	jobID := parsed.JobID
	if jobID == "" && parsed.ResponseID != "" {
		if job, err := s.Ingress.Store.GetByLLMResponseID(ctx, parsed.ResponseID); err == nil {
			jobID = job.ID
		}
	}
	lg := noopWarnLogger{}
	s.DLQReplay.ReplayEntry(ctx, req.DLQID, jobID, domain.ProviderSlug(req.ProviderSlug), req.WebhookPayload, lg)
}

// noopWarnLogger satisfies dlqreplay's narrow logging interface; the HTTP
// path already logs at the service layer, so this on-demand replay stays
// quiet unless something panics.
type noopWarnLogger struct{}

func (noopWarnLogger) Warn(string, ...any) {}

func readAll(r *http.Request) ([]byte, error) {
	defer func() { _ = r.Body.Close() }()
	return io.ReadAll(io.LimitReader(r.Body, 1<<20))
}

// HealthzHandler reports process liveness unconditionally.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler reports whether the database dependency is reachable.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.DBCheck == nil {
			writeJSON(w, http.StatusOK, map[string]any{"checks": []any{}})
			return
		}
		if err := s.DBCheck(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"checks": []map[string]any{{"name": "db", "ok": false, "details": err.Error()}},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"checks": []map[string]any{{"name": "db", "ok": true}},
		})
	}
}
