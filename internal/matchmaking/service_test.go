package matchmaking_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/partyhub/internal/domain"
	"github.com/victornm/partyhub/internal/errors"
	"github.com/victornm/partyhub/internal/event"
	"github.com/victornm/partyhub/internal/lobby"
	"github.com/victornm/partyhub/internal/matchmaking"
	"github.com/victornm/partyhub/internal/queue"
	"github.com/victornm/partyhub/internal/ratelimit"
	"github.com/victornm/partyhub/internal/retry"
	"github.com/victornm/partyhub/internal/store"
)

func TestService_ProcessMatchmaking_FormsMatch(t *testing.T) {
	f := makeFixture(t)
	ctx := context.Background()

	plant(t, f.store, entry("p1", 1000, 30*time.Second))
	plant(t, f.store, entry("p2", 1050, 20*time.Second))
	plant(t, f.store, entry("p3", 1100, 10*time.Second))

	res, err := f.svc.ProcessMatchmaking(ctx)
	require.NoError(t, err)

	require.Len(t, res.Matches, 1)
	m := res.Matches[0]
	require.Len(t, m.Players, 3)

	entries, err := f.queue.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries, "matched players leave the queue")

	lobbies, err := f.store.List(ctx, "lobbies/")
	require.NoError(t, err)
	require.Len(t, lobbies, 1)

	var l domain.Lobby
	require.NoError(t, lobbies[0].Decode(&l))
	assert.Len(t, l.Players, 3)
	assert.Equal(t, "p1", l.HostUID, "the earliest queued player hosts")

	metrics, err := f.queue.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.MatchesFormed)
	assert.Equal(t, 3, metrics.TotalMatched)
	assert.Greater(t, metrics.AverageWaitMs, int64(0))
	assert.False(t, metrics.LastMatchAt.IsZero())

	var rec struct {
		LobbyCode  string   `json:"lobbyCode"`
		PlayerUIDs []string `json:"playerUids"`
	}
	require.NoError(t, f.store.Get(ctx, "match_history/"+m.MatchID, &rec))
	assert.Equal(t, l.Code, rec.LobbyCode)
	assert.ElementsMatch(t, []string{"p1", "p2", "p3"}, rec.PlayerUIDs)
}

func TestService_ProcessMatchmaking_NoMatchBelowMinimum(t *testing.T) {
	f := makeFixture(t)
	ctx := context.Background()

	plant(t, f.store, entry("p1", 1000, time.Second))
	plant(t, f.store, entry("p2", 1050, time.Second))

	res, err := f.svc.ProcessMatchmaking(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Matches)

	entries, err := f.queue.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "unmatched players stay queued")
}

func TestService_ProcessMatchmaking_DropsExpiredEntries(t *testing.T) {
	f := makeFixture(t)
	ctx := context.Background()

	expired := entry("p1", 1000, 10*time.Minute)
	expired.Preferences.MaxWaitTimeSeconds = 60
	plant(t, f.store, expired)

	res, err := f.svc.ProcessMatchmaking(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Matches)

	_, err = f.queue.Get(ctx, "p1")
	assert.True(t, errors.Is(err, errors.ReasonNotInQueue), "players past their max wait are dequeued")
}

func TestService_ProcessMatchmaking_BackfillsOpenLobbies(t *testing.T) {
	f := makeFixture(t)
	ctx := context.Background()

	l, err := f.lobby.CreateLobby(ctx, lobby.CreateLobbyRequest{
		HostUID:     "host1",
		DisplayName: "Host",
		MaxPlayers:  4,
		Settings: domain.LobbySettings{
			Rounds:           5,
			TimeLimitSeconds: 60,
			Categories:       []string{"general"},
		},
	})
	require.NoError(t, err)

	// p1 anchors the pick; p2 is far outside any backfill budget.
	plant(t, f.store, entry("p1", 1200, time.Minute))
	plant(t, f.store, entry("p2", 2500, time.Second))

	res, err := f.svc.ProcessMatchmaking(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Backfilled)

	got, err := f.lobby.GetLobby(ctx, l.Code)
	require.NoError(t, err)
	assert.Contains(t, got.Players, "p1", "the queued player should be placed into the open lobby")
	assert.NotContains(t, got.Players, "p2", "skill proximity to the first pick still binds")

	_, err = f.queue.Get(ctx, "p1")
	assert.True(t, errors.Is(err, errors.ReasonNotInQueue))
	_, err = f.queue.Get(ctx, "p2")
	assert.NoError(t, err)
}

func TestService_Run_DrivenByTicker(t *testing.T) {
	f := makeFixture(t)

	plant(t, f.store, entry("p1", 1000, 30*time.Second))
	plant(t, f.store, entry("p2", 1050, 20*time.Second))
	plant(t, f.store, entry("p3", 1100, 10*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()

	f.ticker.tick <- time.Now()

	require.Eventually(t, func() bool {
		entries, err := f.queue.List(context.Background())
		return err == nil && len(entries) == 0
	}, 5*time.Second, 10*time.Millisecond, "a tick should trigger a full pass")

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

type fixture struct {
	store  store.Store
	queue  *queue.Service
	lobby  *lobby.Service
	svc    *matchmaking.Service
	ticker *manualTicker
}

func makeFixture(t *testing.T) *fixture {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	st := store.NewRedis(store.Config{Redis: rc, Prefix: "partyhub"})
	eb := event.NewBus()
	noSleep := func(context.Context, time.Duration) error { return nil }
	policy := retry.NewPolicy(retry.Config{Sleep: noSleep})

	ls := lobby.NewService(lobby.Config{
		Store:    st,
		EventBus: eb,
		Codes: lobby.NewCodeGenerator(lobby.CodeGeneratorConfig{
			Store: st,
			Sleep: noSleep,
		}),
		Limiter: ratelimit.NewLimiter(ratelimit.Config{Store: st}),
		Retry:   policy,
	})
	t.Cleanup(ls.Close)

	qs := queue.NewService(queue.Config{
		Store:    st,
		EventBus: eb,
		Retry:    policy,
	})

	ticker := &manualTicker{tick: make(chan time.Time)}

	svc := matchmaking.NewService(matchmaking.Config{
		Store:     st,
		EventBus:  eb,
		Queue:     qs,
		Lobbies:   ls,
		Interval:  10 * time.Second,
		NewTicker: func(d time.Duration) matchmaking.Ticker { return ticker },
	})

	return &fixture{store: st, queue: qs, lobby: ls, svc: svc, ticker: ticker}
}

type manualTicker struct {
	tick chan time.Time
}

func (m *manualTicker) C() <-chan time.Time { return m.tick }
func (m *manualTicker) Stop()               {}

func plant(t *testing.T, st store.Store, e domain.QueueEntry) {
	require.NoError(t, st.Set(context.Background(), "queue/"+e.PlayerUID, e))
}
