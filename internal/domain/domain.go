package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type LobbyStatus string

const (
	LobbyStatusWaiting LobbyStatus = "waiting"
	LobbyStatusStarted LobbyStatus = "started"
	LobbyStatusEnded   LobbyStatus = "ended"
)

type PlayerStatus string

const (
	PlayerStatusWaiting      PlayerStatus = "waiting"
	PlayerStatusReady        PlayerStatus = "ready"
	PlayerStatusPlaying      PlayerStatus = "playing"
	PlayerStatusDisconnected PlayerStatus = "disconnected"
)

// LobbySettings are the host-configurable match settings.
type LobbySettings struct {
	Rounds           int      `json:"rounds"`
	TimeLimitSeconds int      `json:"timeLimitSeconds"`
	Categories       []string `json:"categories"`
}

// Lobby is a named, capacity-bounded group of players awaiting or playing a
// match. Players are keyed by player id; exactly one member carries IsHost
// while the lobby is non-empty.
type Lobby struct {
	Code       string                  `json:"code"`
	HostUID    string                  `json:"hostUid"`
	MaxPlayers int                     `json:"maxPlayers"`
	Status     LobbyStatus             `json:"status"`
	Settings   LobbySettings           `json:"settings"`
	Players    map[string]PlayerRecord `json:"players"`
	CreatedAt  time.Time               `json:"createdAt"`
	UpdatedAt  time.Time               `json:"updatedAt"`
}

type PlayerRecord struct {
	DisplayName string       `json:"displayName"`
	AvatarID    string       `json:"avatarId"`
	ProfileURL  string       `json:"profileUrl,omitempty"`
	JoinedAt    time.Time    `json:"joinedAt"`
	IsHost      bool         `json:"isHost"`
	Score       int          `json:"score"`
	Status      PlayerStatus `json:"status"`
	LastSeen    time.Time    `json:"lastSeen"`
}

type SkillRangeFlexibility string

const (
	FlexibilityStrict   SkillRangeFlexibility = "strict"
	FlexibilityMedium   SkillRangeFlexibility = "medium"
	FlexibilityFlexible SkillRangeFlexibility = "flexible"
)

type ConnectionQuality string

const (
	ConnectionPoor      ConnectionQuality = "poor"
	ConnectionFair      ConnectionQuality = "fair"
	ConnectionGood      ConnectionQuality = "good"
	ConnectionExcellent ConnectionQuality = "excellent"
)

type QueuePreferences struct {
	MaxWaitTimeSeconds    int                   `json:"maxWaitTimeSeconds"`
	SkillRangeFlexibility SkillRangeFlexibility `json:"skillRangeFlexibility"`
}

type ConnectionInfo struct {
	Region            string            `json:"region"`
	LatencyMs         int               `json:"latencyMs"`
	ConnectionQuality ConnectionQuality `json:"connectionQuality"`
}

// QueueEntry is a player's pending request to be matched into a lobby.
type QueueEntry struct {
	PlayerUID                string           `json:"playerUid"`
	SkillRating              int              `json:"skillRating"`
	XPLevel                  int              `json:"xpLevel"`
	DisplayName              string           `json:"displayName"`
	AvatarID                 string           `json:"avatarId"`
	ProfileURL               string           `json:"profileUrl,omitempty"`
	QueuedAt                 time.Time        `json:"queuedAt"`
	Preferences              QueuePreferences `json:"preferences"`
	ConnectionInfo           ConnectionInfo   `json:"connectionInfo"`
	EstimatedWaitTimeSeconds int              `json:"estimatedWaitTimeSeconds"`
}

// PlayerStats is the per-player rating record, created lazily on first match
// completion and mutated only by the rating service.
type PlayerStats struct {
	PlayerUID        string          `json:"playerUid"`
	GamesPlayed      int             `json:"gamesPlayed"`
	Wins             int             `json:"wins"`
	Losses           int             `json:"losses"`
	WinRate          decimal.Decimal `json:"winRate"`
	SkillRating      int             `json:"skillRating"`
	HighestRating    int             `json:"highestRating"`
	CurrentStreak    int             `json:"currentStreak"`
	LongestWinStreak int             `json:"longestWinStreak"`
	AveragePosition  decimal.Decimal `json:"averagePosition"`
	TotalXPEarned    int             `json:"totalXpEarned"`
	Achievements     []string        `json:"achievements"`
	LastPlayed       time.Time       `json:"lastPlayed"`
}

// GameResult is reported by the game-session controller when a match
// concludes, once per participant.
type GameResult struct {
	MatchID         string `json:"matchId"`
	Position        int    `json:"position"`
	TotalPlayers    int    `json:"totalPlayers"`
	Score           int    `json:"score"`
	XPEarned        int    `json:"xpEarned"`
	OpponentRatings []int  `json:"opponentRatings"`
}

// MatchmakingResult describes one formed group of queued players.
type MatchmakingResult struct {
	MatchID                      string       `json:"matchId"`
	Players                      []QueueEntry `json:"players"`
	AverageSkillRating           float64      `json:"averageSkillRating"`
	SkillRatingRange             int          `json:"skillRatingRange"`
	MatchQuality                 float64      `json:"matchQuality"`
	EstimatedGameDurationSeconds int          `json:"estimatedGameDurationSeconds"`
}

// QueueMetrics are the aggregate numbers refreshed after each matchmaking pass
// and fed back into wait-time estimation.
type QueueMetrics struct {
	Size          int       `json:"size"`
	AverageWaitMs int64     `json:"averageWaitMs"`
	TotalMatched  int       `json:"totalMatched"`
	MatchesFormed int       `json:"matchesFormed"`
	LastMatchAt   time.Time `json:"lastMatchAt"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}

// Session is a running game-session record. The coordination engine only ever
// reads LastActiveAt to reclaim stale sessions; the game controller owns the
// rest.
type Session struct {
	SessionID    string    `json:"sessionId"`
	LobbyCode    string    `json:"lobbyCode"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

type RankingTier string

const (
	TierBronze   RankingTier = "Bronze"
	TierSilver   RankingTier = "Silver"
	TierGold     RankingTier = "Gold"
	TierPlatinum RankingTier = "Platinum"
	TierDiamond  RankingTier = "Diamond"
	TierMaster   RankingTier = "Master"
)
