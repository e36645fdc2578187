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

func buildMessages(call domain.ProviderCall) []domain.Message {
	if len(call.Messages) > 0 {
		return call.Messages
	}
	var msgs []domain.Message
	if call.SystemPrompt != nil && *call.SystemPrompt != "" {
		msgs = append(msgs, domain.Message{Role: "system", Content: *call.SystemPrompt})
	}
	msgs = append(msgs, domain.Message{Role: "user", Content: call.Prompt})
	return msgs
}

type chatRequestBody struct {
	Model    string           `json:"model"`
	Messages []domain.Message `json:"messages"`
	Extra    map[string]any   `json:"-"`
}

func (b chatRequestBody) MarshalJSON() ([]byte, error) {
	m := map[string]any{"model": b.Model, "messages": b.Messages}
	for k, v := range b.Extra {
		m[k] = v
	}
	return json.Marshal(m)
}

type chatResponseBody struct {
	Model   string `json:"model"`
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// doChatCompletion performs a single attempt against a synchronous
// provider's chat-completions endpoint.
func doChatCompletion(ctx domain.Context, hc *http.Client, creds credentials, provider domain.ProviderSlug, cfg domain.ProviderConfig, call domain.ProviderCall) (domain.LLMResult, error) {
	model := call.Model
	if model == "" {
		model = cfg.DefaultModel
	}

	body := chatRequestBody{Model: model, Messages: buildMessages(call), Extra: call.Input}
	payload, err := json.Marshal(body)
	if err != nil {
		return domain.LLMResult{}, domain.NewLLMError(provider, domain.ErrCodeInvalidRequest, "failed to marshal request", 0, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, creds.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return domain.LLMResult{}, domain.NewLLMError(provider, domain.ErrCodeInvalidRequest, "failed to build request", 0, err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		observability.RecordProviderCall(string(provider), "sync", "error", time.Since(start))
		return domain.LLMResult{}, domain.NewLLMError(provider, classifyTransportError(err), "request failed", 0, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		observability.RecordProviderCall(string(provider), "sync", "error", time.Since(start))
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		code := domain.MapHTTPStatus(resp.StatusCode)
		return domain.LLMResult{}, domain.NewLLMError(provider, code, fmt.Sprintf("status %d: %s", resp.StatusCode, snippet), resp.StatusCode, nil)
	}

	var out chatResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		observability.RecordProviderCall(string(provider), "sync", "error", time.Since(start))
		return domain.LLMResult{}, domain.NewLLMError(provider, domain.ErrCodeUnknown, "failed to decode response", resp.StatusCode, err)
	}
	if len(out.Choices) == 0 {
		observability.RecordProviderCall(string(provider), "sync", "error", time.Since(start))
		return domain.LLMResult{}, domain.NewLLMError(provider, domain.ErrCodeUnknown, "empty choices in response", resp.StatusCode, nil)
	}

	observability.RecordProviderCall(string(provider), "sync", "success", time.Since(start))
	usedModel := out.Model
	if usedModel == "" {
		usedModel = model
	}
	recordTokens(provider, usedModel, out.Usage.PromptTokens, out.Usage.CompletionTokens, call, out.Choices[0].Message.Content)

	return domain.LLMResult{
		Output:     out.Choices[0].Message.Content,
		Usage:      map[string]any{"prompt_tokens": out.Usage.PromptTokens, "completion_tokens": out.Usage.CompletionTokens},
		Model:      usedModel,
		ResponseID: out.ID,
	}, nil
}
