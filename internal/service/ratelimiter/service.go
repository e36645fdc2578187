// Package ratelimiter implements an atomic per-tenant monthly quota
// check-and-increment, fronted by a best-effort Redis cache of the
// exhausted state so a tenant that keeps submitting after running out
// doesn't round-trip to Postgres for every rejected request.
//
// Postgres remains the sole source of truth and the only writer. The
// cache only ever short-circuits a call that would certainly be rejected;
// it never answers "allowed" on its own, because the quota contract needs
// a single atomic writer.
package ratelimiter

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/llmbroker/internal/domain"
)

// Service wraps the Postgres-backed domain.RateLimiter with an optional
// Redis front cache. A nil Redis client disables the cache without
// affecting correctness: every call simply falls through to Postgres.
type Service struct {
	store domain.RateLimiter
	cache *redis.Client
	ttl   time.Duration
}

// New constructs a rate limiter service. cache may be nil.
func New(store domain.RateLimiter, cache *redis.Client) *Service {
	return &Service{store: store, cache: cache, ttl: time.Hour}
}

func cacheKey(tenantID, period string) string {
	return fmt.Sprintf("ratelimit:exhausted:%s:%s", tenantID, period)
}

// Increment consumes one unit of the tenant's quota, consulting the exhausted-state
// cache before falling through to the atomic Postgres increment.
func (s *Service) Increment(ctx domain.Context, tenantID, period string, defaultQuota int) (domain.RateCounter, bool, error) {
	if s.cache != nil {
		if cached, hit := s.checkCache(ctx, tenantID, period, defaultQuota); hit {
			return cached, false, nil
		}
	}

	counter, ok, err := s.store.Increment(ctx, tenantID, period, defaultQuota)
	if err != nil {
		return counter, ok, err
	}

	if s.cache != nil {
		s.updateCache(ctx, tenantID, period, counter, ok)
	}

	return counter, ok, nil
}

// checkCache reports whether the tenant is already known to be exhausted
// for the current period, avoiding a Postgres round-trip for a call that
// would certainly be rejected. A cache miss or a Redis error always falls
// through to Postgres; the cache is an optimization, never a source of
// truth.
func (s *Service) checkCache(ctx domain.Context, tenantID, period string, defaultQuota int) (domain.RateCounter, bool) {
	val, err := s.cache.Get(ctx, cacheKey(tenantID, period)).Result()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("ratelimiter: cache get failed", slog.String("tenant_id", tenantID), slog.Any("error", err))
		}
		return domain.RateCounter{}, false
	}
	quota := defaultQuota
	if val != "" {
		if _, scanErr := fmt.Sscanf(val, "%d", &quota); scanErr != nil {
			quota = defaultQuota
		}
	}
	return domain.RateCounter{TenantID: tenantID, Period: period, Used: quota, Quota: quota}, true
}

// updateCache marks the tenant exhausted until the period resets, or
// clears any stale exhausted marker once the tenant is under quota again.
func (s *Service) updateCache(ctx domain.Context, tenantID, period string, counter domain.RateCounter, ok bool) {
	key := cacheKey(tenantID, period)
	if !ok {
		ttl := time.Until(counter.ResetAt)
		if ttl <= 0 {
			ttl = s.ttl
		}
		if err := s.cache.Set(ctx, key, counter.Quota, ttl).Err(); err != nil {
			slog.Warn("ratelimiter: cache set failed", slog.String("tenant_id", tenantID), slog.Any("error", err))
		}
		return
	}
	if err := s.cache.Del(ctx, key).Err(); err != nil {
		slog.Warn("ratelimiter: cache clear failed", slog.String("tenant_id", tenantID), slog.Any("error", err))
	}
}
