package matchmaking_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/partyhub/internal/domain"
	"github.com/victornm/partyhub/internal/matchmaking"
)

func TestEngine_FindMatches_TooFewPlayers(t *testing.T) {
	e := matchmaking.NewEngine()

	assert.Nil(t, e.FindMatches(nil))
	assert.Nil(t, e.FindMatches([]domain.QueueEntry{
		entry("p1", 1200, 0),
		entry("p2", 1210, 0),
	}), "two players can never form a match")
}

func TestEngine_FindMatches_GroupsBySkill(t *testing.T) {
	e := matchmaking.NewEngine()

	// Three close ratings and two far outliers: one match of three forms,
	// the outlier pair stays queued.
	entries := []domain.QueueEntry{
		entry("p1", 1000, 0),
		entry("p2", 1050, 0),
		entry("p3", 1100, 0),
		entry("p4", 2000, 0),
		entry("p5", 2050, 0),
	}

	matches := e.FindMatches(entries)
	require.Len(t, matches, 1)

	m := matches[0]
	assert.NotEmpty(t, m.MatchID)
	require.Len(t, m.Players, 3)

	uids := make([]string, 0, 3)
	for _, p := range m.Players {
		uids = append(uids, p.PlayerUID)
	}
	assert.ElementsMatch(t, []string{"p1", "p2", "p3"}, uids)

	assert.InDelta(t, 1050, m.AverageSkillRating, 0.01)
	assert.Equal(t, 100, m.SkillRatingRange)
	assert.GreaterOrEqual(t, m.MatchQuality, matchmaking.QualityThreshold)
	assert.Greater(t, m.EstimatedGameDurationSeconds, 0)
}

func TestEngine_FindMatches_TargetSize(t *testing.T) {
	e := matchmaking.NewEngine()

	var entries []domain.QueueEntry
	for i := 0; i < 7; i++ {
		entries = append(entries, entry(string(rune('a'+i)), 1200+i*10, 0))
	}

	matches := e.FindMatches(entries)
	require.Len(t, matches, 1, "the trailing single player cannot form a second match")
	assert.Len(t, matches[0].Players, 6, "groups close at the target size")
}

func TestEngine_Compatible(t *testing.T) {
	e := matchmaking.NewEngine()
	now := time.Now()

	t.Run("medium flexibility allows a 200 point gap", func(t *testing.T) {
		assert.True(t, e.Compatible(entry("a", 1200, 0), entry("b", 1400, 0), now))
		assert.False(t, e.Compatible(entry("a", 1200, 0), entry("b", 1450, 0), now))
	})

	t.Run("the stricter player's window binds", func(t *testing.T) {
		strict := entry("a", 1200, 0)
		strict.Preferences.SkillRangeFlexibility = domain.FlexibilityStrict

		flexible := entry("b", 1350, 0)
		flexible.Preferences.SkillRangeFlexibility = domain.FlexibilityFlexible

		assert.False(t, e.Compatible(strict, flexible, now), "150 exceeds the strict window of 100")
	})

	t.Run("waiting widens the window", func(t *testing.T) {
		a := entry("a", 1200, 0)
		a.Preferences.SkillRangeFlexibility = domain.FlexibilityStrict
		b := entry("b", 1350, 0)
		b.Preferences.SkillRangeFlexibility = domain.FlexibilityStrict

		assert.False(t, e.Compatible(a, b, now))

		a.QueuedAt = now.Add(-2 * time.Minute)
		b.QueuedAt = now.Add(-2 * time.Minute)
		assert.True(t, e.Compatible(a, b, now), "two minutes of waiting widens each window by 100")
	})

	t.Run("widening is capped", func(t *testing.T) {
		a := entry("a", 1200, 0)
		b := entry("b", 1800, 0)
		a.QueuedAt = now.Add(-time.Hour)
		b.QueuedAt = now.Add(-time.Hour)

		assert.False(t, e.Compatible(a, b, now), "a 600 gap exceeds even the fully widened medium window")
	})

	t.Run("latency gap over 100ms is incompatible", func(t *testing.T) {
		a := entry("a", 1200, 0)
		b := entry("b", 1200, 0)
		b.ConnectionInfo.LatencyMs = a.ConnectionInfo.LatencyMs + 150

		assert.False(t, e.Compatible(a, b, now))
	})

	t.Run("different regions need two solid connections", func(t *testing.T) {
		a := entry("a", 1200, 0)
		b := entry("b", 1200, 0)
		b.ConnectionInfo.Region = "us-east"

		assert.True(t, e.Compatible(a, b, now), "good quality on both sides bridges regions")

		b.ConnectionInfo.ConnectionQuality = domain.ConnectionPoor
		assert.False(t, e.Compatible(a, b, now))
	})
}

func TestEngine_Quality(t *testing.T) {
	e := matchmaking.NewEngine()
	now := time.Now()

	balanced := []domain.QueueEntry{
		entry("a", 1200, 0), entry("b", 1200, 0), entry("c", 1200, 0),
	}
	spread := []domain.QueueEntry{
		entry("a", 1000, 0), entry("b", 1200, 0), entry("c", 1400, 0),
	}

	assert.Greater(t, e.Quality(balanced, now), e.Quality(spread, now),
		"tighter skill spread scores higher")

	poor := make([]domain.QueueEntry, len(balanced))
	copy(poor, balanced)
	for i := range poor {
		poor[i].ConnectionInfo.ConnectionQuality = domain.ConnectionPoor
	}
	assert.Greater(t, e.Quality(balanced, now), e.Quality(poor, now),
		"better connections score higher")

	waited := make([]domain.QueueEntry, len(balanced))
	copy(waited, balanced)
	for i := range waited {
		waited[i].QueuedAt = now.Add(-3 * time.Minute)
	}
	assert.Greater(t, e.Quality(waited, now), e.Quality(balanced, now),
		"longer waits are rewarded")

	assert.Zero(t, e.Quality(nil, now))
}

func TestEngine_BackfillPick(t *testing.T) {
	e := matchmaking.NewEngine()
	now := time.Now()

	t.Run("picks in queue order up to the free capacity", func(t *testing.T) {
		entries := []domain.QueueEntry{
			entry("p1", 1200, 0), entry("p2", 1200, 0), entry("p3", 1200, 0),
		}

		picked := e.BackfillPick(lobbyWith(2, 8), entries, 2, now)
		require.Len(t, picked, 2)
		assert.Equal(t, "p1", picked[0].PlayerUID)
		assert.Equal(t, "p2", picked[1].PlayerUID)

		assert.Nil(t, e.BackfillPick(lobbyWith(8, 8), entries, 0, now))
	})

	t.Run("the first pick anchors skill proximity", func(t *testing.T) {
		entries := []domain.QueueEntry{
			entry("p1", 1200, 0),
			entry("p2", 1500, 0),
			entry("p3", 1400, 0),
		}

		picked := e.BackfillPick(lobbyWith(2, 8), entries, 3, now)
		require.Len(t, picked, 2)
		assert.Equal(t, "p1", picked[0].PlayerUID)
		assert.Equal(t, "p3", picked[1].PlayerUID, "a 300 gap exceeds the medium backfill budget, 200 fits")
	})

	t.Run("a nearly full lobby loosens the budget", func(t *testing.T) {
		entries := []domain.QueueEntry{
			entry("p1", 1200, 0),
			entry("p2", 1500, 0),
		}

		picked := e.BackfillPick(lobbyWith(6, 8), entries, 2, now)
		require.Len(t, picked, 2, "the near-full bonus admits the 300 gap")
	})

	t.Run("different regions without solid connections are skipped", func(t *testing.T) {
		far := entry("p2", 1200, 0)
		far.ConnectionInfo.Region = "us-east"
		far.ConnectionInfo.ConnectionQuality = domain.ConnectionPoor

		picked := e.BackfillPick(lobbyWith(2, 8), []domain.QueueEntry{entry("p1", 1200, 0), far}, 2, now)
		require.Len(t, picked, 1)
		assert.Equal(t, "p1", picked[0].PlayerUID)
	})
}

func lobbyWith(players, max int) domain.Lobby {
	l := domain.Lobby{
		Code:       "AAAAA",
		MaxPlayers: max,
		Status:     domain.LobbyStatusWaiting,
		Players:    map[string]domain.PlayerRecord{},
	}
	for i := 0; i < players; i++ {
		l.Players[string(rune('a'+i))] = domain.PlayerRecord{}
	}
	return l
}

func entry(uid string, rating int, waited time.Duration) domain.QueueEntry {
	return domain.QueueEntry{
		PlayerUID:   uid,
		SkillRating: rating,
		DisplayName: "Player " + uid,
		QueuedAt:    time.Now().Add(-waited),
		Preferences: domain.QueuePreferences{
			MaxWaitTimeSeconds:    300,
			SkillRangeFlexibility: domain.FlexibilityMedium,
		},
		ConnectionInfo: domain.ConnectionInfo{
			Region:            "eu-west",
			LatencyMs:         40,
			ConnectionQuality: domain.ConnectionGood,
		},
	}
}
