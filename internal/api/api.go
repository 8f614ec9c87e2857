// Package api exposes the coordination engine over HTTP JSON and fans domain
// events out to per-player pubsub channels.
package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/partyhub/internal/cleanup"
	"github.com/victornm/partyhub/internal/domain"
	"github.com/victornm/partyhub/internal/errors"
	"github.com/victornm/partyhub/internal/event"
	"github.com/victornm/partyhub/internal/lobby"
	"github.com/victornm/partyhub/internal/matchmaking"
	"github.com/victornm/partyhub/internal/queue"
	"github.com/victornm/partyhub/internal/rating"
)

type Config struct {
	Engine       *gin.Engine
	EventBus     *event.Bus
	Lobby        *lobby.Service
	Queue        *queue.Service
	Matchmaking  *matchmaking.Service
	Rating       *rating.Service
	Cleanup      *cleanup.Scheduler
	Redis        Redis
	PubsubPrefix string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	ls *lobby.Service
	qs *queue.Service
	ms *matchmaking.Service
	rs *rating.Service
	cs *cleanup.Scheduler

	redis  Redis
	prefix string
}

func New(c Config) *API {
	a := &API{
		ls:     c.Lobby,
		qs:     c.Queue,
		ms:     c.Matchmaking,
		rs:     c.Rating,
		cs:     c.Cleanup,
		redis:  c.Redis,
		prefix: c.PubsubPrefix,
	}

	a.register(c.Engine)

	// Register event handlers
	c.EventBus.SubscribeNamed(domain.EventNameLobbyUpdated, "api.pubsub", func(ctx context.Context, e event.Event) error {
		return a.PublishLobbyUpdated(ctx, e.(domain.EventLobbyUpdated))
	})
	c.EventBus.SubscribeNamed(domain.EventNameLobbyDeleted, "api.pubsub", func(ctx context.Context, e event.Event) error {
		return a.PublishLobbyDeleted(ctx, e.(domain.EventLobbyDeleted))
	})
	c.EventBus.SubscribeNamed(domain.EventNameMatchFormed, "api.pubsub", func(ctx context.Context, e event.Event) error {
		return a.PublishMatchFormed(ctx, e.(domain.EventMatchFormed))
	})
	c.EventBus.SubscribeNamed(domain.EventNameStatsUpdated, "api.pubsub", func(ctx context.Context, e event.Event) error {
		return a.PublishStatsUpdated(ctx, e.(domain.EventStatsUpdated))
	})

	return a
}

func (a *API) register(e *gin.Engine) {
	v1 := e.Group("/v1")

	v1.POST("/lobbies", a.createLobby)
	v1.GET("/lobbies", a.listLobbies)
	v1.GET("/lobbies/:code", a.getLobby)
	v1.DELETE("/lobbies/:code", a.deleteLobby)
	v1.POST("/lobbies/:code/join", a.joinLobby)
	v1.POST("/lobbies/:code/leave", a.leaveLobby)
	v1.POST("/lobbies/:code/kick", a.kickPlayer)
	v1.POST("/lobbies/:code/host", a.transferHost)
	v1.POST("/lobbies/:code/status", a.setLobbyStatus)
	v1.PATCH("/lobbies/:code/settings", a.updateSettings)
	v1.PATCH("/lobbies/:code/players/:uid/status", a.updatePlayerStatus)

	v1.POST("/queue", a.joinQueue)
	v1.GET("/queue/metrics", a.queueMetrics)
	v1.GET("/queue/:uid", a.queueStatus)
	v1.DELETE("/queue/:uid", a.leaveQueue)
	v1.PATCH("/queue/:uid/preferences", a.updateQueuePreferences)

	v1.POST("/matchmaking/process", a.processMatchmaking)

	v1.POST("/players/:uid/results", a.submitResult)
	v1.GET("/players/:uid/stats", a.playerStats)
	v1.GET("/leaderboard", a.leaderboard)

	v1.POST("/cleanup/sweep", a.sweep)
	v1.DELETE("/cleanup/lobbies/:code", a.forceCleanupLobby)
}

// errorBody is the wire shape of every failed response.
type errorBody struct {
	Reason       errors.Reason `json:"reason"`
	Message      string        `json:"message"`
	Retryable    bool          `json:"retryable"`
	RetryAfterMs int64         `json:"retryAfterMs,omitempty"`
}

func fail(c *gin.Context, err error) {
	e := errors.Convert(err)
	c.AbortWithStatusJSON(e.HTTPStatusCode(), errorBody{
		Reason:       e.Reason,
		Message:      e.UserMessage,
		Retryable:    e.Retryable(),
		RetryAfterMs: e.RetryAfter().Milliseconds(),
	})
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		fail(c, errors.New(errors.ReasonValidation,
			errors.WithMessagef("malformed request body: %v", err),
			errors.WithCause(err)))
		return false
	}
	return true
}

type createLobbyRequest struct {
	HostUID     string               `json:"hostUid"`
	DisplayName string               `json:"displayName"`
	AvatarID    string               `json:"avatarId"`
	ProfileURL  string               `json:"profileUrl"`
	MaxPlayers  int                  `json:"maxPlayers"`
	Settings    domain.LobbySettings `json:"settings"`
}

func (a *API) createLobby(c *gin.Context) {
	var req createLobbyRequest
	if !bind(c, &req) {
		return
	}

	l, err := a.ls.CreateLobby(c.Request.Context(), lobby.CreateLobbyRequest{
		HostUID:     req.HostUID,
		DisplayName: req.DisplayName,
		AvatarID:    req.AvatarID,
		ProfileURL:  req.ProfileURL,
		MaxPlayers:  req.MaxPlayers,
		Settings:    req.Settings,
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, l)
}

func (a *API) listLobbies(c *gin.Context) {
	lobbies, err := a.ls.ListOpenLobbies(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"lobbies": lobbies})
}

func (a *API) getLobby(c *gin.Context) {
	l, err := a.ls.GetLobby(c.Request.Context(), c.Param("code"))
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, l)
}

type memberRequest struct {
	PlayerUID   string `json:"playerUid"`
	DisplayName string `json:"displayName"`
	AvatarID    string `json:"avatarId"`
	ProfileURL  string `json:"profileUrl"`
}

func (a *API) joinLobby(c *gin.Context) {
	var req memberRequest
	if !bind(c, &req) {
		return
	}

	l, err := a.ls.JoinLobby(c.Request.Context(), lobby.JoinLobbyRequest{
		Code:        c.Param("code"),
		PlayerUID:   req.PlayerUID,
		DisplayName: req.DisplayName,
		AvatarID:    req.AvatarID,
		ProfileURL:  req.ProfileURL,
	})
	if err != nil {
		fail(c, err)
		return
	}

	a.ls.CheckAutoCountdown(c.Request.Context(), l.Code)
	c.JSON(http.StatusOK, l)
}

func (a *API) leaveLobby(c *gin.Context) {
	var req memberRequest
	if !bind(c, &req) {
		return
	}

	err := a.ls.LeaveLobby(c.Request.Context(), lobby.LeaveLobbyRequest{
		Code:      c.Param("code"),
		PlayerUID: req.PlayerUID,
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

type targetRequest struct {
	RequesterUID string `json:"requesterUid"`
	TargetUID    string `json:"targetUid"`
}

func (a *API) kickPlayer(c *gin.Context) {
	var req targetRequest
	if !bind(c, &req) {
		return
	}

	l, err := a.ls.KickPlayer(c.Request.Context(), lobby.KickPlayerRequest{
		Code:         c.Param("code"),
		TargetUID:    req.TargetUID,
		RequesterUID: req.RequesterUID,
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, l)
}

func (a *API) transferHost(c *gin.Context) {
	var req targetRequest
	if !bind(c, &req) {
		return
	}

	l, err := a.ls.TransferHost(c.Request.Context(), lobby.TransferHostRequest{
		Code:         c.Param("code"),
		TargetUID:    req.TargetUID,
		RequesterUID: req.RequesterUID,
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, l)
}

type setStatusRequest struct {
	RequesterUID string             `json:"requesterUid"`
	Status       domain.LobbyStatus `json:"status"`
}

func (a *API) setLobbyStatus(c *gin.Context) {
	var req setStatusRequest
	if !bind(c, &req) {
		return
	}

	l, err := a.ls.SetLobbyStatus(c.Request.Context(), lobby.SetLobbyStatusRequest{
		Code:         c.Param("code"),
		RequesterUID: req.RequesterUID,
		Status:       req.Status,
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, l)
}

type updateSettingsRequest struct {
	RequesterUID     string   `json:"requesterUid"`
	Rounds           *int     `json:"rounds"`
	TimeLimitSeconds *int     `json:"timeLimitSeconds"`
	Categories       []string `json:"categories"`
}

func (a *API) updateSettings(c *gin.Context) {
	var req updateSettingsRequest
	if !bind(c, &req) {
		return
	}

	settings, err := a.ls.UpdateLobbySettings(c.Request.Context(), lobby.UpdateSettingsRequest{
		Code:         c.Param("code"),
		RequesterUID: req.RequesterUID,
		Patch: lobby.SettingsPatch{
			Rounds:           req.Rounds,
			TimeLimitSeconds: req.TimeLimitSeconds,
			Categories:       req.Categories,
		},
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, settings)
}

type playerStatusRequest struct {
	Status domain.PlayerStatus `json:"status"`
}

func (a *API) updatePlayerStatus(c *gin.Context) {
	var req playerStatusRequest
	if !bind(c, &req) {
		return
	}

	err := a.ls.UpdatePlayerStatus(c.Request.Context(), lobby.UpdatePlayerStatusRequest{
		Code:      c.Param("code"),
		PlayerUID: c.Param("uid"),
		Status:    req.Status,
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

type deleteLobbyRequest struct {
	RequesterUID string `json:"requesterUid"`
	Reason       string `json:"reason"`
}

func (a *API) deleteLobby(c *gin.Context) {
	var req deleteLobbyRequest
	if c.Request.ContentLength > 0 && !bind(c, &req) {
		return
	}

	err := a.ls.DeleteLobby(c.Request.Context(), lobby.DeleteLobbyRequest{
		Code:         c.Param("code"),
		RequesterUID: req.RequesterUID,
		Reason:       req.Reason,
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

type joinQueueRequest struct {
	PlayerUID      string                  `json:"playerUid"`
	SkillRating    int                     `json:"skillRating"`
	XPLevel        int                     `json:"xpLevel"`
	DisplayName    string                  `json:"displayName"`
	AvatarID       string                  `json:"avatarId"`
	ProfileURL     string                  `json:"profileUrl"`
	Preferences    domain.QueuePreferences `json:"preferences"`
	ConnectionInfo domain.ConnectionInfo   `json:"connectionInfo"`
}

func (a *API) joinQueue(c *gin.Context) {
	var req joinQueueRequest
	if !bind(c, &req) {
		return
	}

	entry, err := a.qs.Add(c.Request.Context(), queue.AddRequest{
		PlayerUID:      req.PlayerUID,
		SkillRating:    req.SkillRating,
		XPLevel:        req.XPLevel,
		DisplayName:    req.DisplayName,
		AvatarID:       req.AvatarID,
		ProfileURL:     req.ProfileURL,
		Preferences:    req.Preferences,
		ConnectionInfo: req.ConnectionInfo,
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, entry)
}

func (a *API) leaveQueue(c *gin.Context) {
	if err := a.qs.Remove(c.Request.Context(), c.Param("uid"), "player left"); err != nil {
		fail(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (a *API) queueStatus(c *gin.Context) {
	ctx := c.Request.Context()
	uid := c.Param("uid")

	entry, err := a.qs.Get(ctx, uid)
	if err != nil {
		fail(c, err)
		return
	}

	pos, err := a.qs.Position(ctx, uid)
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"entry": entry, "position": pos})
}

type queuePreferencesRequest struct {
	MaxWaitTimeSeconds    *int                          `json:"maxWaitTimeSeconds"`
	SkillRangeFlexibility *domain.SkillRangeFlexibility `json:"skillRangeFlexibility"`
}

func (a *API) updateQueuePreferences(c *gin.Context) {
	var req queuePreferencesRequest
	if !bind(c, &req) {
		return
	}

	entry, err := a.qs.UpdatePreferences(c.Request.Context(), c.Param("uid"), queue.PreferencesPatch{
		MaxWaitTimeSeconds:    req.MaxWaitTimeSeconds,
		SkillRangeFlexibility: req.SkillRangeFlexibility,
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, entry)
}

func (a *API) queueMetrics(c *gin.Context) {
	m, err := a.qs.Metrics(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, m)
}

func (a *API) processMatchmaking(c *gin.Context) {
	res, err := a.ms.ProcessMatchmaking(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

type submitResultRequest struct {
	MatchID         string `json:"matchId"`
	Position        int    `json:"position"`
	TotalPlayers    int    `json:"totalPlayers"`
	Score           int    `json:"score"`
	XPEarned        int    `json:"xpEarned"`
	OpponentRatings []int  `json:"opponentRatings"`
}

func (a *API) submitResult(c *gin.Context) {
	var req submitResultRequest
	if !bind(c, &req) {
		return
	}

	stats, err := a.rs.UpdatePlayerStats(c.Request.Context(), c.Param("uid"), domain.GameResult{
		MatchID:         req.MatchID,
		Position:        req.Position,
		TotalPlayers:    req.TotalPlayers,
		Score:           req.Score,
		XPEarned:        req.XPEarned,
		OpponentRatings: req.OpponentRatings,
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

func (a *API) playerStats(c *gin.Context) {
	ctx := c.Request.Context()
	uid := c.Param("uid")

	stats, err := a.rs.GetPlayerStats(ctx, uid)
	if err != nil {
		fail(c, err)
		return
	}

	percentile, err := a.rs.Percentile(ctx, uid)
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stats":      stats,
		"tier":       rating.RankingTier(stats.SkillRating),
		"percentile": percentile,
	})
}

func (a *API) leaderboard(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	board, err := a.rs.Leaderboard(c.Request.Context(), limit)
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"leaderboard": board})
}

func (a *API) sweep(c *gin.Context) {
	res, err := a.cs.Sweep(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (a *API) forceCleanupLobby(c *gin.Context) {
	reason := c.Query("reason")
	if reason == "" {
		reason = "forced cleanup"
	}

	if err := a.cs.CleanupLobby(c.Request.Context(), c.Param("code"), reason); err != nil {
		fail(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
