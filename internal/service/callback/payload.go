// Package callback implements the idempotent webhook receiver, its six
// ordered guards, and the dead-letter filing path for processing errors.
package callback

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fairyhunter13/llmbroker/internal/domain"
)

// EventKind classifies the event-type discriminator a callback carries:
// `*.completed | *.failed | *.incomplete`.
type EventKind string

const (
	EventCompleted  EventKind = "completed"
	EventFailed     EventKind = "failed"
	EventIncomplete EventKind = "incomplete"
	EventUnknown    EventKind = "unknown"
)

// ClassifyEvent maps a raw event-type string (e.g. "response.completed")
// onto its EventKind.
func ClassifyEvent(eventType string) EventKind {
	switch {
	case strings.HasSuffix(eventType, ".completed"):
		return EventCompleted
	case strings.HasSuffix(eventType, ".failed"):
		return EventFailed
	case strings.HasSuffix(eventType, ".incomplete"):
		return EventIncomplete
	default:
		return EventUnknown
	}
}

// CallbackError is the optional error object a failure/incomplete callback
// carries.
type CallbackError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Payload is the minimal callback contract: an envelope id used as
// the webhook id, an event-type discriminator, a response id, optional
// usage, an optional error, and either the full output body or only an id
// (in which case the receiver fetches the body from the provider).
type Payload struct {
	WebhookID  string
	EventType  string
	Kind       EventKind
	ResponseID string
	JobID      string // from payload metadata, if the provider echoes it back
	Output     string
	HasOutput  bool
	Usage      map[string]any
	Err        *CallbackError
	Raw        map[string]any
}

// asyncCEnvelope is the async-c provider's callback shape: the only async
// provider this broker integrates with, modeled on the "responses API"
// webhook body used by async_call.go's fetch/submit pair.
type asyncCEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		Metadata struct {
			JobID string `json:"job_id"`
		} `json:"metadata"`
		Output []struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
		Usage map[string]any `json:"usage"`
		Error *CallbackError `json:"error"`
	} `json:"data"`
}

// ParsePayload decodes a raw callback body into the normalized Payload
// shape. Raw is retained verbatim; DLQ replay needs the exact original
// payload.
func ParsePayload(provider domain.ProviderSlug, body []byte) (Payload, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return Payload{}, fmt.Errorf("op=callback.parse_payload: %w", err)
	}

	var env asyncCEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Payload{}, fmt.Errorf("op=callback.parse_payload: %w", err)
	}

	var output string
	hasOutput := false
	if len(env.Data.Output) > 0 && len(env.Data.Output[0].Content) > 0 {
		output = env.Data.Output[0].Content[0].Text
		hasOutput = true
	}

	return Payload{
		WebhookID:  env.ID,
		EventType:  env.Type,
		Kind:       ClassifyEvent(env.Type),
		ResponseID: env.Data.ID,
		JobID:      env.Data.Metadata.JobID,
		Output:     output,
		HasOutput:  hasOutput,
		Usage:      env.Data.Usage,
		Err:        env.Data.Error,
		Raw:        raw,
	}, nil
}

// Sanitize builds the diagnostic-log-safe projection of a callback payload:
// structural fields only, never the model output text.
func Sanitize(p Payload) map[string]any {
	out := map[string]any{
		"webhook_id":  p.WebhookID,
		"event_type":  p.EventType,
		"response_id": p.ResponseID,
		"has_output":  p.HasOutput,
	}
	if p.JobID != "" {
		out["job_id"] = p.JobID
	}
	if p.Usage != nil {
		out["usage"] = p.Usage
	}
	if p.Err != nil {
		out["error"] = p.Err
	}
	return out
}
