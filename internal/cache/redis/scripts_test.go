package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/xarb/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return &Client{rdb: rdb, prefix: "xarb"}, mr
}

func TestLockReleaseChecksToken(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	releaseA, err := lm.Acquire(ctx, "pair:a", time.Second)
	require.NoError(t, err)
	_, err = lm.Acquire(ctx, "pair:a", time.Second)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	// A's lock lapses and B takes it; A's late release must not free B's.
	mr.FastForward(2 * time.Second)
	releaseB, err := lm.Acquire(ctx, "pair:a", time.Second)
	require.NoError(t, err)
	releaseA()
	assert.True(t, mr.Exists("xarb:lock:pair:a"))
	_, err = lm.Acquire(ctx, "pair:a", time.Second)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	releaseB()
	releaseB()
	assert.False(t, mr.Exists("xarb:lock:pair:a"))
	_, err = lm.Acquire(ctx, "pair:a", time.Second)
	assert.NoError(t, err)
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	allow := func(key string) bool {
		ok, err := rl.Allow(ctx, key, 2, time.Second)
		require.NoError(t, err)
		return ok
	}
	assert.True(t, allow("api:1"))
	now = now.Add(400 * time.Millisecond)
	assert.True(t, allow("api:1"))
	assert.False(t, allow("api:1"))
	assert.True(t, allow("api:2"), "keys are independent")

	// the first request leaves the window, the second is still in it
	now = now.Add(700 * time.Millisecond)
	assert.True(t, allow("api:1"))
	assert.False(t, allow("api:1"))
}

func TestBookMirrorKeepsNewestSnapshot(t *testing.T) {
	c, mr := newTestClient(t)
	m := NewBookMirror(c)
	ctx := context.Background()
	at := time.UnixMilli(1700000000000).UTC()
	snap := func(bid string, ts time.Time) domain.TopOfBook {
		return domain.TopOfBook{
			Exchange: "bybit", Symbol: "BTCUSDT",
			BidPrice: decimal.RequireFromString(bid), BidQty: decimal.NewFromInt(1),
			AskPrice: decimal.RequireFromString(bid).Add(decimal.NewFromInt(1)), AskQty: decimal.NewFromInt(1),
			ObservedAt: ts, Source: domain.SourceWS,
		}
	}

	require.NoError(t, m.Store(ctx, snap("50000", at), time.Minute))
	require.NoError(t, m.Store(ctx, snap("49000", at.Add(-time.Second)), time.Minute))
	got, err := m.Load(ctx, "Bybit", "btcusdt")
	require.NoError(t, err)
	assert.True(t, got.BidPrice.Equal(decimal.NewFromInt(50000)), "older snapshot ignored")

	require.NoError(t, m.Store(ctx, snap("51000", at.Add(time.Second)), time.Minute))
	got, err = m.Load(ctx, "bybit", "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, got.BidPrice.Equal(decimal.NewFromInt(51000)))
	assert.Equal(t, at.Add(time.Second), got.ObservedAt)

	mr.FastForward(2 * time.Minute)
	_, err = m.Load(ctx, "bybit", "BTCUSDT")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
