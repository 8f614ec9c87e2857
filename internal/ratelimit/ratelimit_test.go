package ratelimit_test

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/partyhub/internal/errors"
	"github.com/victornm/partyhub/internal/ratelimit"
	"github.com/victornm/partyhub/internal/store"
)

func TestLimiter_Check(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

	l := makeLimiter(t, &now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Check(ctx, "u1", ratelimit.ActionLobbyCreate), "request %d should pass", i+1)
	}

	err := l.Check(ctx, "u1", ratelimit.ActionLobbyCreate)
	require.Error(t, err, "6th creation within the hour should be limited")
	assert.True(t, errors.Is(err, errors.ReasonRateLimited))

	e := errors.Convert(err)
	assert.True(t, e.Retryable())
	assert.Equal(t, 10*time.Minute, e.RetryAfter())

	require.NoError(t, l.Check(ctx, "u2", ratelimit.ActionLobbyCreate), "limits are per player")
	require.NoError(t, l.Check(ctx, "u1", ratelimit.ActionSettingsUpdate), "limits are per action")
}

func TestLimiter_BlockExpires(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

	l := makeLimiter(t, &now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Check(ctx, "u1", ratelimit.ActionLobbyCreate))
	}
	require.Error(t, l.Check(ctx, "u1", ratelimit.ActionLobbyCreate))

	now = now.Add(5 * time.Minute)
	require.Error(t, l.Check(ctx, "u1", ratelimit.ActionLobbyCreate), "still inside the block")

	now = now.Add(56 * time.Minute)
	require.NoError(t, l.Check(ctx, "u1", ratelimit.ActionLobbyCreate), "block and window both elapsed")
}

func TestLimiter_WindowResets(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

	l := makeLimiter(t, &now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Check(ctx, "u1", ratelimit.ActionLobbyCreate))
	}

	now = now.Add(61 * time.Minute)
	require.NoError(t, l.Check(ctx, "u1", ratelimit.ActionLobbyCreate), "a fresh window should start clean")
}

func TestLimiter_UnknownActionUsesDefault(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

	l := ratelimit.NewLimiter(ratelimit.Config{
		Store: makeStore(t),
		Rules: map[string]ratelimit.Rule{
			ratelimit.ActionDefault: {MaxRequests: 2, Window: time.Minute, BlockDuration: time.Minute},
		},
		Now: func() time.Time { return now },
	})
	ctx := context.Background()

	require.NoError(t, l.Check(ctx, "u1", "something_new"))
	require.NoError(t, l.Check(ctx, "u1", "something_new"))
	require.Error(t, l.Check(ctx, "u1", "something_new"))
}

func TestLimiter_FailsOpen(t *testing.T) {
	l := ratelimit.NewLimiter(ratelimit.Config{
		Store: failStore{},
	})

	require.NoError(t, l.Check(context.Background(), "u1", ratelimit.ActionLobbyCreate),
		"a degraded store should never block requests")
}

func makeLimiter(t *testing.T, now *time.Time) *ratelimit.Limiter {
	return ratelimit.NewLimiter(ratelimit.Config{
		Store: makeStore(t),
		Now:   func() time.Time { return *now },
	})
}

func makeStore(t *testing.T) store.Store {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	return store.NewRedis(store.Config{Redis: rc, Prefix: "partyhub"})
}

// failStore fails every operation, standing in for a degraded backend.
type failStore struct{}

var errDown = stderrors.New("store down")

func (failStore) Get(context.Context, string, any) error { return errDown }
func (failStore) Set(context.Context, string, any) error { return errDown }
func (failStore) SetNX(context.Context, string, any, time.Duration) (bool, error) {
	return false, errDown
}
func (failStore) Update(context.Context, map[string]any) error        { return errDown }
func (failStore) Remove(context.Context, string) error                { return errDown }
func (failStore) List(context.Context, string) ([]store.Entry, error) { return nil, errDown }
func (failStore) Subscribe(context.Context, string) (<-chan store.Change, error) {
	return nil, errDown
}
func (failStore) ServerTime(context.Context) (time.Time, error) { return time.Time{}, errDown }
