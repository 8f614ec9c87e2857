package domain

const (
	EventNameLobbyCreated     = "lobby.created"
	EventNameLobbyUpdated     = "lobby.updated"
	EventNameLobbyDeleted     = "lobby.deleted"
	EventNameQueueJoined      = "queue.joined"
	EventNameQueueLeft        = "queue.left"
	EventNameMatchFormed      = "match.formed"
	EventNameStatsUpdated     = "stats.updated"
	EventNameCleanupCompleted = "cleanup.completed"
)

type EventLobbyCreated struct {
	Lobby Lobby
}

func (EventLobbyCreated) Name() string { return EventNameLobbyCreated }

type EventLobbyUpdated struct {
	Lobby Lobby
}

func (EventLobbyUpdated) Name() string { return EventNameLobbyUpdated }

type EventLobbyDeleted struct {
	Code   string
	Reason string
}

func (EventLobbyDeleted) Name() string { return EventNameLobbyDeleted }

type EventQueueJoined struct {
	Entry QueueEntry
}

func (EventQueueJoined) Name() string { return EventNameQueueJoined }

type EventQueueLeft struct {
	PlayerUID string
	Reason    string
}

func (EventQueueLeft) Name() string { return EventNameQueueLeft }

type EventMatchFormed struct {
	Match     MatchmakingResult
	LobbyCode string
}

func (EventMatchFormed) Name() string { return EventNameMatchFormed }

type EventStatsUpdated struct {
	Stats        PlayerStats
	RatingChange int
}

func (EventStatsUpdated) Name() string { return EventNameStatsUpdated }

// EventCleanupCompleted summarizes one sweep of the cleanup scheduler.
type EventCleanupCompleted struct {
	EmptyLobbies  int
	StaleLobbies  int
	StaleSessions int
}

func (EventCleanupCompleted) Name() string { return EventNameCleanupCompleted }
