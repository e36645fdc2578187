// Package app wires application components and startup helpers.
package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/llmbroker/internal/domain"
)

// Reaper periodically promotes jobs stuck in `running` back to `retrying`.
// A worker process that crashed or was killed mid-call leaves its claimed
// job unreachable by anything else, since a re-claim only falls through
// `queued` or `retrying`; the sweep restores claimability before the
// dispatch queue redelivers the message.
type Reaper struct {
	store      domain.JobStore
	staleAfter time.Duration
	sweepEvery time.Duration
}

// NewReaper constructs a Reaper with the given staleness threshold and
// sweep cadence.
func NewReaper(store domain.JobStore, staleAfter, sweepEvery time.Duration) *Reaper {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	return &Reaper{store: store, staleAfter: staleAfter, sweepEvery: sweepEvery}
}

// Run sweeps once immediately, then on every tick, until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	if r == nil || r.store == nil {
		return
	}
	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()

	r.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("reaper stopping")
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reaper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("app.reaper")
	ctx, span := tracer.Start(ctx, "Reaper.sweepOnce")
	defer span.End()
	span.SetAttributes(attribute.Float64("reaper.stale_after_seconds", r.staleAfter.Seconds()))

	n, err := r.store.ReapStaleRunning(ctx, r.staleAfter)
	if err != nil {
		span.RecordError(err)
		slog.Error("reaper sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("reaper.reaped", n))
}
