package queue_test

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
	"github.com/victornm/partyhub/internal/queue"
	"github.com/victornm/partyhub/internal/retry"
	"github.com/victornm/partyhub/internal/store"
)

func TestService_Add(t *testing.T) {
	s := makeService(t)
	ctx := context.Background()

	entry, err := s.Add(ctx, queue.AddRequest{PlayerUID: "p1", SkillRating: 1200})
	require.NoError(t, err)

	assert.Equal(t, "p1", entry.PlayerUID)
	assert.False(t, entry.QueuedAt.IsZero())
	assert.Equal(t, 300, entry.Preferences.MaxWaitTimeSeconds, "unset max wait should default to 300")
	assert.Equal(t, domain.FlexibilityMedium, entry.Preferences.SkillRangeFlexibility)
	assert.Equal(t, domain.ConnectionFair, entry.ConnectionInfo.ConnectionQuality, "unset connection quality should default to fair")
	assert.Greater(t, entry.EstimatedWaitTimeSeconds, 0)

	_, err = s.Add(ctx, addRequest("p1", 1200))
	require.Error(t, err, "double enqueue should be rejected")
	assert.True(t, errors.Is(err, errors.ReasonAlreadyInQueue))
}

func TestService_Add_Validation(t *testing.T) {
	s := makeService(t)
	ctx := context.Background()

	_, err := s.Add(ctx, queue.AddRequest{})
	assert.True(t, errors.Is(err, errors.ReasonValidation))

	req := addRequest("p1", 1200)
	req.Preferences.MaxWaitTimeSeconds = 10
	_, err = s.Add(ctx, req)
	assert.True(t, errors.Is(err, errors.ReasonValidation), "max wait below 30s should be rejected")

	req.Preferences.MaxWaitTimeSeconds = 700
	_, err = s.Add(ctx, req)
	assert.True(t, errors.Is(err, errors.ReasonValidation), "max wait above 600s should be rejected")
}

func TestService_Remove(t *testing.T) {
	s := makeService(t)
	ctx := context.Background()

	_, err := s.Add(ctx, addRequest("p1", 1200))
	require.NoError(t, err)

	require.NoError(t, s.Remove(ctx, "p1", "player left"))

	_, err = s.Get(ctx, "p1")
	assert.True(t, errors.Is(err, errors.ReasonNotInQueue))

	assert.NoError(t, s.Remove(ctx, "p1", "player left"), "removing an absent entry should be a no-op")
}

func TestService_RemoveBatch(t *testing.T) {
	s := makeService(t)
	ctx := context.Background()

	for _, uid := range []string{"p1", "p2", "p3"} {
		_, err := s.Add(ctx, addRequest(uid, 1200))
		require.NoError(t, err)
	}

	require.NoError(t, s.RemoveBatch(ctx, []string{"p1", "p3"}, "matched"))

	entries, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "p2", entries[0].PlayerUID)
}

func TestService_Position(t *testing.T) {
	s := makeService(t)
	ctx := context.Background()

	for _, uid := range []string{"p1", "p2", "p3"} {
		_, err := s.Add(ctx, addRequest(uid, 1200))
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	for i, uid := range []string{"p1", "p2", "p3"} {
		pos, err := s.Position(ctx, uid)
		require.NoError(t, err)
		assert.Equal(t, i+1, pos, "position is FIFO by enqueue time")
	}

	_, err := s.Position(ctx, "ghost")
	assert.True(t, errors.Is(err, errors.ReasonNotInQueue))
}

func TestService_UpdatePreferences(t *testing.T) {
	s := makeService(t)
	ctx := context.Background()

	_, err := s.Add(ctx, addRequest("p1", 1200))
	require.NoError(t, err)

	strict := domain.FlexibilityStrict
	wait := 120
	updated, err := s.UpdatePreferences(ctx, "p1", queue.PreferencesPatch{
		MaxWaitTimeSeconds:    &wait,
		SkillRangeFlexibility: &strict,
	})
	require.NoError(t, err)
	assert.Equal(t, 120, updated.Preferences.MaxWaitTimeSeconds)
	assert.Equal(t, domain.FlexibilityStrict, updated.Preferences.SkillRangeFlexibility)

	bad := domain.SkillRangeFlexibility("extreme")
	_, err = s.UpdatePreferences(ctx, "p1", queue.PreferencesPatch{SkillRangeFlexibility: &bad})
	assert.True(t, errors.Is(err, errors.ReasonValidation))

	_, err = s.UpdatePreferences(ctx, "ghost", queue.PreferencesPatch{MaxWaitTimeSeconds: &wait})
	assert.True(t, errors.Is(err, errors.ReasonNotInQueue))
}

func TestService_Metrics(t *testing.T) {
	s := makeService(t)
	ctx := context.Background()

	m, err := s.Metrics(ctx)
	require.NoError(t, err)
	assert.Zero(t, m.Size, "absent metrics read as zero values")

	s.WriteMetrics(ctx, domain.QueueMetrics{Size: 4, AverageWaitMs: 30000, MatchesFormed: 2})

	m, err = s.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, m.Size)
	assert.Equal(t, int64(30000), m.AverageWaitMs)
}

func TestEstimateWait(t *testing.T) {
	tests := map[string]struct {
		queueSize int
		metrics   *domain.QueueMetrics
		rating    int
		want      int
	}{
		"base estimate for a mid queue at center rating": {
			queueSize: 4, metrics: &domain.QueueMetrics{}, rating: 1200,
			want: 45,
		},
		"thin queue scales the estimate up": {
			queueSize: 1, metrics: &domain.QueueMetrics{}, rating: 1200,
			want: 67,
		},
		"deep queue scales the estimate down": {
			queueSize: 8, metrics: &domain.QueueMetrics{}, rating: 1200,
			want: 31,
		},
		"observed average replaces the base": {
			queueSize: 4, metrics: &domain.QueueMetrics{AverageWaitMs: 100000}, rating: 1200,
			want: 100,
		},
		"outlier rating widens the estimate": {
			queueSize: 4, metrics: &domain.QueueMetrics{}, rating: 2200,
			want: 58,
		},
		"floor is 15 seconds": {
			queueSize: 8, metrics: &domain.QueueMetrics{AverageWaitMs: 1000}, rating: 1200,
			want: 15,
		},
		"ceiling is 300 seconds": {
			queueSize: 1, metrics: &domain.QueueMetrics{AverageWaitMs: 400000}, rating: 100,
			want: 300,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, queue.EstimateWait(tt.queueSize, tt.metrics, tt.rating))
		})
	}
}

func addRequest(uid string, rating int) queue.AddRequest {
	return queue.AddRequest{
		PlayerUID:   uid,
		SkillRating: rating,
		DisplayName: "Player " + uid,
		ConnectionInfo: domain.ConnectionInfo{
			Region:            "eu-west",
			LatencyMs:         40,
			ConnectionQuality: domain.ConnectionGood,
		},
	}
}

func makeService(t *testing.T) *queue.Service {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	return queue.NewService(queue.Config{
		Store:    store.NewRedis(store.Config{Redis: rc, Prefix: "partyhub"}),
		EventBus: event.NewBus(),
		Retry:    retry.NewPolicy(retry.Config{Sleep: func(context.Context, time.Duration) error { return nil }}),
	})
}
