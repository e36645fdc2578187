// Package notify implements the lifecycle-notification side channel: a
// fire-and-forget Kafka/Redpanda publisher, not the core dispatch queue.
// Dispatch lives entirely in Postgres because its visibility-timeout,
// SKIP LOCKED, and archive semantics don't map onto Kafka's offset-commit
// model; this producer exists only so external systems can observe job
// lifecycle events without polling the database.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/llmbroker/internal/domain"
)

type eventEnvelope struct {
	Event      domain.NotificationEvent `json:"event"`
	JobID      string                   `json:"job_id"`
	TenantID   string                   `json:"tenant_id"`
	Provider   domain.ProviderSlug      `json:"provider"`
	Status     domain.JobStatus         `json:"status"`
	RetryCount int                      `json:"retry_count"`
	OccurredAt time.Time                `json:"occurred_at"`
}

// Notifier publishes job lifecycle events to a Kafka/Redpanda topic. Publish
// failures are logged and swallowed: losing a notification never blocks or
// fails the job lifecycle operation that triggered it.
type Notifier struct {
	client *kgo.Client
	topic  string
}

// New constructs a Notifier. A nil *Notifier is safe to call Notify on (it
// becomes a no-op), so wiring can omit Kafka entirely in environments that
// don't need the side channel.
func New(brokers []string, topic string) (*Notifier, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=notify.new: no seed brokers provided")
	}

	tracerProvider := otel.GetTracerProvider()
	kotelTracer := kotel.NewTracer(kotel.TracerProvider(tracerProvider))
	kotelHook := kotel.NewKotel(kotel.WithTracer(kotelTracer))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(3),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.WithHooks(kotelHook.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=notify.new: %w", err)
	}

	return &Notifier{client: client, topic: topic}, nil
}

// Notify publishes a single lifecycle event, keyed by job id for
// per-job ordering. It does not wait for the broker ack past the client's
// own internal buffering; callers that need delivery confirmation should
// not depend on this side channel.
func (n *Notifier) Notify(ctx domain.Context, event domain.NotificationEvent, job domain.Job) {
	if n == nil || n.client == nil {
		return
	}

	envelope := eventEnvelope{
		Event:      event,
		JobID:      job.ID,
		TenantID:   job.TenantID,
		Provider:   job.ProviderID,
		Status:     job.Status,
		RetryCount: job.RetryCount,
		OccurredAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		slog.Warn("notify: marshal failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}

	record := &kgo.Record{
		Topic: n.topic,
		Key:   []byte(job.ID),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "event", Value: []byte(event)},
		},
	}

	n.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			slog.Warn("notify: produce failed", slog.String("job_id", job.ID), slog.String("event", string(event)), slog.Any("error", err))
		}
	})
}

// Close releases the underlying Kafka client.
func (n *Notifier) Close() {
	if n != nil && n.client != nil {
		n.client.Close()
	}
}
