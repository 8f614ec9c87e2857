package api

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/victornm/partyhub/internal/domain"
)

const maxConcurrent = 100

type Notification struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// PublishLobbyUpdated pushes the fresh lobby snapshot to every member's
// channel.
func (a *API) PublishLobbyUpdated(ctx context.Context, e domain.EventLobbyUpdated) error {
	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	for uid := range e.Lobby.Players {
		eg.Go(func() error {
			return a.publishNotification(ctx, uid, e.Name(), e.Lobby)
		})
	}

	return eg.Wait()
}

// PublishLobbyDeleted broadcasts the deletion on the lobby's own channel;
// members subscribed to the lobby stream learn their lobby is gone even after
// the membership map has been dropped.
func (a *API) PublishLobbyDeleted(ctx context.Context, e domain.EventLobbyDeleted) error {
	n := Notification{Event: e.Name(), Data: map[string]string{
		"code":   e.Code,
		"reason": e.Reason,
	}}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", e.Name(), err)
	}

	return a.redis.Publish(ctx, fmt.Sprintf("%s:lobby:%s", a.prefix, e.Code), b).Err()
}

// PublishMatchFormed notifies each matched player of their new lobby.
func (a *API) PublishMatchFormed(ctx context.Context, e domain.EventMatchFormed) error {
	data := struct {
		LobbyCode string                   `json:"lobbyCode"`
		Match     domain.MatchmakingResult `json:"match"`
	}{
		LobbyCode: e.LobbyCode,
		Match:     e.Match,
	}

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	for _, p := range e.Match.Players {
		eg.Go(func() error {
			return a.publishNotification(ctx, p.PlayerUID, e.Name(), data)
		})
	}

	return eg.Wait()
}

// PublishStatsUpdated notifies the player of their refreshed stats.
func (a *API) PublishStatsUpdated(ctx context.Context, e domain.EventStatsUpdated) error {
	data := struct {
		Stats        domain.PlayerStats `json:"stats"`
		RatingChange int                `json:"ratingChange"`
	}{
		Stats:        e.Stats,
		RatingChange: e.RatingChange,
	}

	return a.publishNotification(ctx, e.Stats.PlayerUID, e.Name(), data)
}

func (a *API) publishNotification(ctx context.Context, user, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, fmt.Sprintf("%s:user:%s", a.prefix, user), b).Err()
}
