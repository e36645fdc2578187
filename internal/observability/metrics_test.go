package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordJobStatus(t *testing.T) {
	JobsByStatusTotal.Reset()
	RecordJobStatus("completed", "sync-a")
	if got := testutil.ToFloat64(JobsByStatusTotal.WithLabelValues("completed", "sync-a")); got != 1 {
		t.Fatalf("expected 1, got %v", got)
	}
}

func TestRecordRetryAndDLQ(t *testing.T) {
	RetriesTotal.Reset()
	DLQEntriesTotal.Reset()

	RecordRetry("sync-a")
	RecordDLQEntry("sync-a", "TIMEOUT")

	if got := testutil.ToFloat64(RetriesTotal.WithLabelValues("sync-a")); got != 1 {
		t.Fatalf("expected 1 retry, got %v", got)
	}
	if got := testutil.ToFloat64(DLQEntriesTotal.WithLabelValues("sync-a", "TIMEOUT")); got != 1 {
		t.Fatalf("expected 1 dlq entry, got %v", got)
	}
}

func TestRecordWebhookGuardTrip(t *testing.T) {
	WebhookGuardTripsTotal.Reset()
	RecordWebhookGuardTrip("duplicate_webhook")
	if got := testutil.ToFloat64(WebhookGuardTripsTotal.WithLabelValues("duplicate_webhook")); got != 1 {
		t.Fatalf("expected 1, got %v", got)
	}
}

func TestRecordProviderCall(t *testing.T) {
	ProviderCallsTotal.Reset()
	RecordProviderCall("async-c", "submit", "success", 50*time.Millisecond)
	if got := testutil.ToFloat64(ProviderCallsTotal.WithLabelValues("async-c", "submit", "success")); got != 1 {
		t.Fatalf("expected 1, got %v", got)
	}
}

func TestRecordProviderTokens(t *testing.T) {
	ProviderTokensTotal.Reset()
	RecordProviderTokens("sync-a", "prompt", 42)
	if got := testutil.ToFloat64(ProviderTokensTotal.WithLabelValues("sync-a", "prompt")); got != 42 {
		t.Fatalf("expected 42, got %v", got)
	}
}
