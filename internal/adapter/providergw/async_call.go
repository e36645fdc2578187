package providergw

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fairyhunter13/llmbroker/internal/domain"
	"github.com/fairyhunter13/llmbroker/internal/observability"
)

type submitRequestBody struct {
	Model      string           `json:"model"`
	Messages   []domain.Message `json:"messages"`
	Background bool             `json:"background"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
}

type submitResponseBody struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// submitResponsesAPI starts a background job on an async provider. The
// provider is expected to deliver its result via the configured webhook;
// FetchResult exists only as a fallback for when the callback carries an
// id without a body.
func submitResponsesAPI(ctx domain.Context, hc *http.Client, creds credentials, provider domain.ProviderSlug, cfg domain.ProviderConfig, call domain.ProviderCall, jobID string) (string, error) {
	model := call.Model
	if model == "" {
		model = cfg.DefaultModel
	}

	body := submitRequestBody{
		Model:      model,
		Messages:   buildMessages(call),
		Background: true,
		Metadata:   map[string]any{"job_id": jobID},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", domain.NewLLMError(provider, domain.ErrCodeInvalidRequest, "failed to marshal submit request", 0, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, creds.baseURL+"/responses", bytes.NewReader(payload))
	if err != nil {
		return "", domain.NewLLMError(provider, domain.ErrCodeInvalidRequest, "failed to build submit request", 0, err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		observability.RecordProviderCall(string(provider), "submit", "error", time.Since(start))
		return "", domain.NewLLMError(provider, classifyTransportError(err), "submit request failed", 0, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		observability.RecordProviderCall(string(provider), "submit", "error", time.Since(start))
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", domain.NewLLMError(provider, domain.MapHTTPStatus(resp.StatusCode), fmt.Sprintf("status %d: %s", resp.StatusCode, snippet), resp.StatusCode, nil)
	}

	var out submitResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		observability.RecordProviderCall(string(provider), "submit", "error", time.Since(start))
		return "", domain.NewLLMError(provider, domain.ErrCodeUnknown, "failed to decode submit response", resp.StatusCode, err)
	}
	if out.ID == "" {
		observability.RecordProviderCall(string(provider), "submit", "error", time.Since(start))
		return "", domain.NewLLMError(provider, domain.ErrCodeUnknown, "submit response carried no id", resp.StatusCode, nil)
	}

	observability.RecordProviderCall(string(provider), "submit", "success", time.Since(start))
	return out.ID, nil
}

type fetchResponseBody struct {
	ID     string `json:"id"`
	Model  string `json:"model"`
	Status string `json:"status"`
	Output []struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// fetchResponsesAPI polls an async provider for the final output of a
// background response by id.
func fetchResponsesAPI(ctx domain.Context, hc *http.Client, creds credentials, provider domain.ProviderSlug, responseID string) (domain.LLMResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, creds.baseURL+"/responses/"+responseID, nil)
	if err != nil {
		return domain.LLMResult{}, domain.NewLLMError(provider, domain.ErrCodeInvalidRequest, "failed to build fetch request", 0, err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.apiKey)

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		observability.RecordProviderCall(string(provider), "fetch", "error", time.Since(start))
		return domain.LLMResult{}, domain.NewLLMError(provider, classifyTransportError(err), "fetch request failed", 0, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		observability.RecordProviderCall(string(provider), "fetch", "error", time.Since(start))
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.LLMResult{}, domain.NewLLMError(provider, domain.MapHTTPStatus(resp.StatusCode), fmt.Sprintf("status %d: %s", resp.StatusCode, snippet), resp.StatusCode, nil)
	}

	var out fetchResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		observability.RecordProviderCall(string(provider), "fetch", "error", time.Since(start))
		return domain.LLMResult{}, domain.NewLLMError(provider, domain.ErrCodeUnknown, "failed to decode fetch response", resp.StatusCode, err)
	}

	var text string
	if len(out.Output) > 0 && len(out.Output[0].Content) > 0 {
		text = out.Output[0].Content[0].Text
	}
	if text == "" {
		observability.RecordProviderCall(string(provider), "fetch", "error", time.Since(start))
		return domain.LLMResult{}, domain.NewLLMError(provider, domain.ErrCodeUnknown, "fetch response carried no output text", resp.StatusCode, nil)
	}

	observability.RecordProviderCall(string(provider), "fetch", "success", time.Since(start))
	if out.Usage.PromptTokens > 0 {
		observability.RecordProviderTokens(string(provider), "prompt", out.Usage.PromptTokens)
	}
	if out.Usage.CompletionTokens > 0 {
		observability.RecordProviderTokens(string(provider), "completion", out.Usage.CompletionTokens)
	}

	return domain.LLMResult{
		Output:     text,
		Usage:      map[string]any{"prompt_tokens": out.Usage.PromptTokens, "completion_tokens": out.Usage.CompletionTokens},
		Model:      out.Model,
		ResponseID: out.ID,
	}, nil
}
