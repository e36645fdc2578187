// Package providergw implements a single domain.ProviderGateway in front of
// the three configured LLM providers (sync-a, sync-b, async-c), normalizing
// their errors into one taxonomy and their results into one shape.
package providergw

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/llmbroker/internal/config"
	"github.com/fairyhunter13/llmbroker/internal/domain"
)

type credentials struct {
	apiKey  string
	baseURL string
}

// Gateway implements domain.ProviderGateway over HTTP, one http.Client per
// provider so each carries its own otelhttp span naming.
type Gateway struct {
	creds      map[domain.ProviderSlug]credentials
	httpClient map[domain.ProviderSlug]*http.Client
}

// New builds a Gateway wired to every provider's credentials and base URL
// from cfg. Providers without an API key configured are still registered;
// calling them simply fails fast with ErrCodeAuthenticationFailed.
func New(cfg config.Config) *Gateway {
	creds := map[domain.ProviderSlug]credentials{
		domain.ProviderSlug("sync-a"):  {apiKey: strings.TrimSpace(cfg.SyncAAPIKey), baseURL: cfg.SyncABaseURL},
		domain.ProviderSlug("sync-b"):  {apiKey: strings.TrimSpace(cfg.SyncBAPIKey), baseURL: cfg.SyncBBaseURL},
		domain.ProviderSlug("async-c"): {apiKey: strings.TrimSpace(cfg.AsyncCAPIKey), baseURL: cfg.AsyncCBaseURL},
	}

	httpClients := make(map[domain.ProviderSlug]*http.Client, len(creds))
	for slug := range creds {
		slug := slug
		transport := otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return fmt.Sprintf("LLM %s %s %s", slug, r.Method, r.URL.Host)
			}),
		)
		httpClients[slug] = &http.Client{Transport: transport}
	}

	return &Gateway{creds: creds, httpClient: httpClients}
}

func (g *Gateway) clientFor(provider domain.ProviderSlug, timeout time.Duration) (*http.Client, credentials, error) {
	c, ok := g.creds[provider]
	if !ok {
		return nil, credentials{}, domain.NewLLMError(provider, domain.ErrCodeInvalidRequest, "unknown provider", 0, nil)
	}
	if c.apiKey == "" {
		return nil, credentials{}, domain.NewLLMError(provider, domain.ErrCodeAuthenticationFailed, "no API key configured for provider", 0, nil)
	}
	hc := g.httpClient[provider]
	cloned := *hc
	cloned.Timeout = timeout
	return &cloned, c, nil
}

// Call performs a single synchronous provider round trip (sync-a/sync-b)
// and returns the parsed result or a normalized error. It never retries:
// the worker owns the retry-vs-exhaustion decision, and a retryable failure
// reaches it as a retryable LLMError so queue redelivery can drive the next
// attempt. Call is not valid for async-c providers, which only support
// SubmitBackground/FetchResult.
func (g *Gateway) Call(ctx domain.Context, provider domain.ProviderSlug, cfg domain.ProviderConfig, call domain.ProviderCall) (domain.LLMResult, error) {
	if cfg.Kind != domain.ProviderKind("sync") {
		return domain.LLMResult{}, domain.NewLLMError(provider, domain.ErrCodeBackgroundNotSupported, "Call is only valid for synchronous providers", 0, nil)
	}

	hc, creds, err := g.clientFor(provider, cfg.Timeout())
	if err != nil {
		return domain.LLMResult{}, err
	}
	return doChatCompletion(ctx, hc, creds, provider, cfg, sanitizedCall(call))
}

// SubmitBackground starts an asynchronous job with async-c and returns the
// provider-assigned response id the webhook callback will later reference.
func (g *Gateway) SubmitBackground(ctx domain.Context, provider domain.ProviderSlug, cfg domain.ProviderConfig, call domain.ProviderCall, jobID string) (string, error) {
	if cfg.Kind != domain.ProviderKind("async") {
		return "", domain.NewLLMError(provider, domain.ErrCodeBackgroundNotSupported, "SubmitBackground is only valid for asynchronous providers", 0, nil)
	}
	hc, creds, err := g.clientFor(provider, cfg.Timeout())
	if err != nil {
		return "", err
	}
	return submitResponsesAPI(ctx, hc, creds, provider, cfg, sanitizedCall(call), jobID)
}

// FetchResult retrieves the final output of a background response from
// async-c, used by the callback receiver when a success callback carries
// only the response id and no output body.
func (g *Gateway) FetchResult(ctx domain.Context, provider domain.ProviderSlug, responseID string) (domain.LLMResult, error) {
	hc, creds, err := g.clientFor(provider, 30*time.Second)
	if err != nil {
		return domain.LLMResult{}, err
	}
	return fetchResponsesAPI(ctx, hc, creds, provider, responseID)
}
