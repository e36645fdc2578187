package ratelimiter_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llmbroker/internal/domain"
	"github.com/fairyhunter13/llmbroker/internal/service/ratelimiter"
)

// fakeRateLimiter is the Postgres-backed domain.RateLimiter this service
// fronts; a test scripts its single response and counts calls so a cache
// hit's "no Postgres round-trip" claim can be asserted directly.
type fakeRateLimiter struct {
	counter domain.RateCounter
	ok      bool
	err     error
	calls   int
}

func (f *fakeRateLimiter) Increment(_ domain.Context, tenantID, period string, _ int) (domain.RateCounter, bool, error) {
	f.calls++
	if f.err != nil {
		return domain.RateCounter{}, false, f.err
	}
	c := f.counter
	c.TenantID = tenantID
	c.Period = period
	return c, f.ok, nil
}

func newMiniredis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

// With no cache configured, every call falls straight through to the
// backing store.
func TestIncrement_NoCache_AlwaysHitsStore(t *testing.T) {
	store := &fakeRateLimiter{counter: domain.RateCounter{Used: 1, Quota: 100}, ok: true}
	svc := ratelimiter.New(store, nil)

	_, ok, err := svc.Increment(context.Background(), "tenant-1", "2026-07", 100)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, store.calls)
}

// The first call for a tenant that runs out of quota writes an exhausted
// marker into the cache; a second call for the same tenant/period is then
// answered from the cache without touching the store.
func TestIncrement_ExhaustedCachesAndShortCircuits(t *testing.T) {
	client := newMiniredis(t)
	store := &fakeRateLimiter{counter: domain.RateCounter{Used: 100, Quota: 100, ResetAt: time.Now().Add(time.Hour)}, ok: false}
	svc := ratelimiter.New(store, client)

	_, ok, err := svc.Increment(context.Background(), "tenant-2", "2026-07", 100)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, store.calls)

	counter, ok, err := svc.Increment(context.Background(), "tenant-2", "2026-07", 100)
	require.NoError(t, err)
	require.False(t, ok, "a cache hit must still report the tenant as not-ok")
	require.Equal(t, 1, store.calls, "a cached exhausted marker must short-circuit the store call")
	require.Equal(t, 100, counter.Quota)
}

// The exhausted marker expires with the period (its TTL tracks the
// counter's reset time). Once it has, the next call falls through to the
// store again instead of replaying a stale exhausted verdict forever.
func TestIncrement_ExhaustedMarkerExpiresAtResetAt(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	store := &fakeRateLimiter{counter: domain.RateCounter{Used: 100, Quota: 100, ResetAt: time.Now().Add(time.Hour)}, ok: false}
	svc := ratelimiter.New(store, client)

	_, ok, err := svc.Increment(context.Background(), "tenant-3", "2026-07", 100)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, store.calls)

	// Still within the period: the marker is consulted, the store is not
	// called again.
	_, ok, err = svc.Increment(context.Background(), "tenant-3", "2026-07", 100)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, store.calls)

	// The period rolled over; the marker's TTL has elapsed.
	mr.FastForward(time.Hour + time.Minute)
	store.ok = true
	store.counter = domain.RateCounter{Used: 1, Quota: 100}

	_, ok, err = svc.Increment(context.Background(), "tenant-3", "2026-07", 100)
	require.NoError(t, err)
	require.True(t, ok, "an expired marker must fall through to the store, not replay the stale exhausted verdict")
	require.Equal(t, 2, store.calls)
}

// A Redis error on cache lookup must never block the call; it must fall
// through to the store as though the cache were absent.
func TestIncrement_CacheUnavailable_FallsThroughToStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mr.Close() // simulate the cache being unreachable

	store := &fakeRateLimiter{counter: domain.RateCounter{Used: 1, Quota: 100}, ok: true}
	svc := ratelimiter.New(store, client)

	_, ok, err := svc.Increment(context.Background(), "tenant-4", "2026-07", 100)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, store.calls)
}
