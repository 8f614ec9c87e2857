package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/victornm/partyhub/internal/store"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestRedis_SetGet(t *testing.T) {
	s := makeStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "lobbies/AB3F9", doc{Name: "alpha", Count: 3}))

	var got doc
	require.NoError(t, s.Get(ctx, "lobbies/AB3F9", &got))
	require.Equal(t, doc{Name: "alpha", Count: 3}, got)
}

func TestRedis_GetMissing(t *testing.T) {
	s := makeStore(t)

	var got doc
	err := s.Get(context.Background(), "lobbies/ZZZZZ", &got)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRedis_SetNX(t *testing.T) {
	s := makeStore(t)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "reservations/AB3F9", doc{Name: "first"}, time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "first write should win the key")

	ok, err = s.SetNX(ctx, "reservations/AB3F9", doc{Name: "second"}, time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "second write should lose the occupied key")

	var got doc
	require.NoError(t, s.Get(ctx, "reservations/AB3F9", &got))
	require.Equal(t, "first", got.Name)
}

func TestRedis_Update(t *testing.T) {
	s := makeStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "queue/u1", doc{Name: "one"}))
	require.NoError(t, s.Set(ctx, "queue/u2", doc{Name: "two"}))

	err := s.Update(ctx, map[string]any{
		"queue/u1": nil,
		"queue/u3": doc{Name: "three"},
	})
	require.NoError(t, err)

	var got doc
	require.ErrorIs(t, s.Get(ctx, "queue/u1", &got), store.ErrNotFound, "nil value should delete the path")
	require.NoError(t, s.Get(ctx, "queue/u2", &got), "untouched path should survive")
	require.NoError(t, s.Get(ctx, "queue/u3", &got))
	require.Equal(t, "three", got.Name)
}

func TestRedis_Remove(t *testing.T) {
	s := makeStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "lobbies/AB3F9", doc{}))
	require.NoError(t, s.Remove(ctx, "lobbies/AB3F9"))

	var got doc
	require.ErrorIs(t, s.Get(ctx, "lobbies/AB3F9", &got), store.ErrNotFound)

	require.NoError(t, s.Remove(ctx, "lobbies/AB3F9"), "removing an absent key should be a no-op")
}

func TestRedis_List(t *testing.T) {
	s := makeStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "queue/u2", doc{Name: "two"}))
	require.NoError(t, s.Set(ctx, "queue/u1", doc{Name: "one"}))
	require.NoError(t, s.Set(ctx, "lobbies/AB3F9", doc{Name: "other"}))

	entries, err := s.List(ctx, "queue/")
	require.NoError(t, err)
	require.Len(t, entries, 2, "only keys under the prefix should be listed")
	require.Equal(t, "queue/u1", entries[0].Key, "entries should come back key-ordered")
	require.Equal(t, "queue/u2", entries[1].Key)

	var got doc
	require.NoError(t, entries[0].Decode(&got))
	require.Equal(t, "one", got.Name)

	entries, err = s.List(ctx, "sessions/")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRedis_Subscribe(t *testing.T) {
	s := makeStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	changes, err := s.Subscribe(ctx, "queue/")
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "lobbies/AB3F9", doc{}), "off-prefix write should be filtered out")
	require.NoError(t, s.Set(ctx, "queue/u1", doc{}))
	require.NoError(t, s.Remove(ctx, "queue/u1"))

	got := []store.Change{<-changes, <-changes}
	require.Equal(t, store.Change{Key: "queue/u1", Kind: store.ChangeSet}, got[0])
	require.Equal(t, store.Change{Key: "queue/u1", Kind: store.ChangeRemoved}, got[1])
}

func TestRedis_ServerTime(t *testing.T) {
	s := makeStore(t)

	now, err := s.ServerTime(context.Background())
	require.NoError(t, err)
	require.False(t, now.IsZero())
}

func makeStore(t *testing.T) store.Store {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	return store.NewRedis(store.Config{
		Redis:  rc,
		Prefix: "partyhub",
	})
}
