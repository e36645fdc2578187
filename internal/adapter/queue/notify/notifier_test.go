package notify_test

import (
	"context"
	"testing"

	"github.com/fairyhunter13/llmbroker/internal/adapter/queue/notify"
	"github.com/fairyhunter13/llmbroker/internal/domain"
)

func TestNew_RejectsEmptyBrokers(t *testing.T) {
	_, err := notify.New(nil, "llm-job-events")
	if err == nil {
		t.Fatalf("expected error for empty brokers")
	}
}

func TestNotify_NilNotifierIsNoOp(t *testing.T) {
	var n *notify.Notifier
	// Must not panic even though the notifier was never constructed.
	n.Notify(context.Background(), domain.NotificationEvent("completed"), domain.Job{ID: "job-1"})
}
