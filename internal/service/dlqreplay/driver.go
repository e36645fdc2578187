// Package dlqreplay periodically selects dead-letter entries
// still pending after a cooldown and re-runs each against the current job
// state through the Callback Receiver's replay path.
package dlqreplay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/llmbroker/internal/domain"
	"github.com/fairyhunter13/llmbroker/internal/observability"
	"github.com/fairyhunter13/llmbroker/internal/service/callback"
)

// Replayer is the subset of callback.Service this driver depends on: one
// payload in, no signature re-verification (deliberate replay).
type Replayer interface {
	Receive(ctx domain.Context, provider domain.ProviderSlug, signatureHeader string, body []byte, verifyAuth bool)
}

// Driver periodically sweeps the dead-letter queue and replays each pending
// entry older than Cooldown.
type Driver struct {
	Store    domain.JobStore
	Receiver Replayer
	Cooldown time.Duration
	Batch    int
}

// New constructs a Driver.
func New(store domain.JobStore, receiver Replayer, cooldown time.Duration, batch int) *Driver {
	if batch <= 0 {
		batch = 20
	}
	return &Driver{Store: store, Receiver: receiver, Cooldown: cooldown, Batch: batch}
}

// ReplayResult reports what happened to one DLQ entry.
type ReplayResult struct {
	DLQID    string
	JobID    string
	Resolved bool
	Deferred bool
}

// RunOnce sweeps one batch of pending entries. A successful replay resolves
// the entry; a replay whose job has since reached a terminal state is a
// no-op that still resolves it; anything else is left
// pending for the next sweep.
func (d *Driver) RunOnce(ctx domain.Context) ([]ReplayResult, error) {
	tracer := otel.Tracer("service.dlqreplay")
	ctx, span := tracer.Start(ctx, "dlqreplay.RunOnce")
	defer span.End()
	lg := observability.LoggerFromContext(ctx)

	entries, err := d.Store.PendingDLQOlderThan(ctx, d.Cooldown, d.Batch)
	if err != nil {
		return nil, err
	}

	results := make([]ReplayResult, 0, len(entries))
	for _, entry := range entries {
		results = append(results, d.replayOne(ctx, entry, lg))
	}
	return results, nil
}

func (d *Driver) replayOne(ctx domain.Context, entry domain.DeadLetterEntry, lg interface {
	Warn(string, ...any)
}) ReplayResult {
	return d.ReplayEntry(ctx, entry.ID, entry.JobID, entry.ProviderSlug, entry.Payload, lg)
}

// ReplayEntry replays a single dead-letter entry, by id, against the
// current job state: the shared logic for both the periodic sweep
// (RunOnce) and the on-demand `/llm-webhook?source=dlq` endpoint, which
// hands this the same (dlq_id, payload, provider_slug) triple a sweep would
// have loaded from the table itself.
func (d *Driver) ReplayEntry(ctx domain.Context, dlqID, jobID string, provider domain.ProviderSlug, payload map[string]any, lg interface {
	Warn(string, ...any)
}) ReplayResult {
	job, err := d.Store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// The job row is gone (retention policy); nothing left to
			// reconcile against. Resolve so this entry stops being swept.
			_ = d.Store.ResolveDLQ(ctx, dlqID)
			return ReplayResult{DLQID: dlqID, JobID: jobID, Resolved: true}
		}
		lg.Warn("dlqreplay: job lookup failed", slog.String("dlq_id", dlqID), slog.Any("error", err))
		return ReplayResult{DLQID: dlqID, JobID: jobID, Deferred: true}
	}

	if job.Status.IsTerminal() {
		// Replaying against an already-terminal job is a no-op that
		// resolves the entry.
		_ = d.Store.ResolveDLQ(ctx, dlqID)
		return ReplayResult{DLQID: dlqID, JobID: jobID, Resolved: true}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		lg.Warn("dlqreplay: payload remarshal failed", slog.String("dlq_id", dlqID), slog.Any("error", err))
		return ReplayResult{DLQID: dlqID, JobID: jobID, Deferred: true}
	}

	d.Receiver.Receive(ctx, provider, "", body, false)

	// The receiver's guards (job existence, terminal state, idempotency)
	// decide whether this replay actually mutated state; re-read to decide
	// whether the entry can now be resolved.
	after, err := d.Store.Get(ctx, jobID)
	if err != nil {
		return ReplayResult{DLQID: dlqID, JobID: jobID, Deferred: true}
	}
	if after.Status.IsTerminal() || after.Status == domain.JobRetrying {
		if resolveErr := d.Store.ResolveDLQ(ctx, dlqID); resolveErr != nil {
			lg.Warn("dlqreplay: resolve failed", slog.String("dlq_id", dlqID), slog.Any("error", resolveErr))
			return ReplayResult{DLQID: dlqID, JobID: jobID, Deferred: true}
		}
		return ReplayResult{DLQID: dlqID, JobID: jobID, Resolved: true}
	}
	return ReplayResult{DLQID: dlqID, JobID: jobID, Deferred: true}
}

// callbackInterfaceGuard is a compile-time check that *callback.Service
// satisfies Replayer without importing it only for side effects.
var _ Replayer = (*callback.Service)(nil)
