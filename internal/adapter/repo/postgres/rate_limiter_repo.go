package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/llmbroker/internal/domain"
)

// RateLimiterRepo is an atomic check-and-increment
// counter per (tenant_id, period), rolled over on its own schedule so no
// separate reset job is needed.
type RateLimiterRepo struct{ Pool PgxPool }

// NewRateLimiterRepo constructs a RateLimiterRepo with the given pool.
func NewRateLimiterRepo(p PgxPool) *RateLimiterRepo { return &RateLimiterRepo{Pool: p} }

// periodResetAt returns the next rollover boundary for a named period,
// anchored to UTC so the counter resets at the same wall-clock instant
// regardless of which instance evaluates it.
func periodResetAt(period string, now time.Time) time.Time {
	now = now.UTC()
	switch period {
	case "minute":
		return now.Truncate(time.Minute).Add(time.Minute)
	case "hour":
		return now.Truncate(time.Hour).Add(time.Hour)
	case "day":
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	case "month":
		y, m, _ := now.Date()
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	default:
		// A calendar-month key such as "2026-11" (what ingress passes) rolls
		// over like "month": at the start of the next UTC month.
		if _, err := time.Parse("2006-01", period); err == nil {
			y, m, _ := now.Date()
			return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
		}
		return now.Truncate(time.Minute).Add(time.Minute)
	}
}

// Increment performs the atomic check-and-increment: a fresh period
// starts a new counter at 1, a stale period rolls over and starts at 1, and
// an in-window period is bumped by one. ok reports whether the tenant is
// still within quota after this increment.
func (r *RateLimiterRepo) Increment(ctx domain.Context, tenantID, period string, defaultQuota int) (domain.RateCounter, bool, error) {
	tracer := otel.Tracer("repo.rate_limiter")
	ctx, span := tracer.Start(ctx, "rate_limiter.Increment")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPSERT"),
		attribute.String("db.sql.table", "rate_counters"),
		attribute.String("tenant_id", tenantID),
		attribute.String("period", period),
	)

	now := time.Now().UTC()
	freshReset := periodResetAt(period, now)

	// A plain upsert can't distinguish "incremented because under quota"
	// from "left alone because already at quota" in its own RETURNING
	// clause (it only sees the row post-write), and the whole point of
	// gating here is to stop a flood of rejected requests from inflating
	// `used` past what was actually let through. So the read-then-write
	// decision is made inside an explicit transaction: lock the row with
	// SELECT ... FOR UPDATE, decide in Go, then write exactly one of
	// "roll over", "increment", or "leave untouched".
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return domain.RateCounter{}, false, fmt.Errorf("op=rate_limiter.increment.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var c domain.RateCounter
	row := tx.QueryRow(ctx, `
		SELECT tenant_id, period, used, quota, reset_at
		FROM rate_counters
		WHERE tenant_id = $1 AND period = $2
		FOR UPDATE`,
		tenantID, period,
	)
	switch err := row.Scan(&c.TenantID, &c.Period, &c.Used, &c.Quota, &c.ResetAt); {
	case errors.Is(err, pgx.ErrNoRows):
		if _, err := tx.Exec(ctx, `
			INSERT INTO rate_counters (tenant_id, period, used, quota, reset_at)
			VALUES ($1, $2, 1, $3, $4)`,
			tenantID, period, defaultQuota, freshReset,
		); err != nil {
			return domain.RateCounter{}, false, fmt.Errorf("op=rate_limiter.increment.insert: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return domain.RateCounter{}, false, fmt.Errorf("op=rate_limiter.increment.commit: %w", err)
		}
		committed = true
		return domain.RateCounter{TenantID: tenantID, Period: period, Used: 1, Quota: defaultQuota, ResetAt: freshReset}, true, nil
	case err != nil:
		return domain.RateCounter{}, false, fmt.Errorf("op=rate_limiter.increment.select: %w", err)
	}

	stale := !c.ResetAt.After(now)
	allowed := stale || c.Used < c.Quota

	switch {
	case stale:
		c.Used, c.Quota, c.ResetAt = 1, defaultQuota, freshReset
	case allowed:
		c.Used, c.Quota = c.Used+1, defaultQuota
	default:
		c.Quota = defaultQuota
	}

	if _, err := tx.Exec(ctx, `
		UPDATE rate_counters SET used = $3, quota = $4, reset_at = $5
		WHERE tenant_id = $1 AND period = $2`,
		tenantID, period, c.Used, c.Quota, c.ResetAt,
	); err != nil {
		return domain.RateCounter{}, false, fmt.Errorf("op=rate_limiter.increment.update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.RateCounter{}, false, fmt.Errorf("op=rate_limiter.increment.commit: %w", err)
	}
	committed = true
	return c, allowed, nil
}
