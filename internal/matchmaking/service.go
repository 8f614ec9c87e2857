package matchmaking

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/partyhub/internal/domain"
	"github.com/victornm/partyhub/internal/errors"
	"github.com/victornm/partyhub/internal/event"
	"github.com/victornm/partyhub/internal/lobby"
	"github.com/victornm/partyhub/internal/metrics"
	"github.com/victornm/partyhub/internal/queue"
	"github.com/victornm/partyhub/internal/store"
	"github.com/victornm/partyhub/internal/telemetry"
)

const (
	defaultPassInterval = 10 * time.Second

	historyPrefix = "match_history/"
)

// Ticker abstracts the pass cadence so tests can drive passes manually.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

type Config struct {
	Store     store.Store
	EventBus  *event.Bus
	Queue     *queue.Service
	Lobbies   *lobby.Service
	History   *pgxpool.Pool
	Telemetry telemetry.Reporter

	// Interval between passes; defaults to 10s.
	Interval time.Duration

	// NewTicker is injectable for tests.
	NewTicker func(d time.Duration) Ticker

	// MatchSettings are applied to lobbies created for formed matches.
	MatchSettings domain.LobbySettings
}

// Service runs the periodic matchmaking pass: fill open lobbies first, then
// form fresh matches from whoever remains queued.
type Service struct {
	store     store.Store
	eb        *event.Bus
	queue     *queue.Service
	lobbies   *lobby.Service
	history   *pgxpool.Pool
	telemetry telemetry.Reporter
	engine    *Engine
	interval  time.Duration
	newTicker func(d time.Duration) Ticker
	settings  domain.LobbySettings
}

func NewService(c Config) *Service {
	s := &Service{
		store:     c.Store,
		eb:        c.EventBus,
		queue:     c.Queue,
		lobbies:   c.Lobbies,
		history:   c.History,
		telemetry: c.Telemetry,
		engine:    NewEngine(),
		interval:  c.Interval,
		newTicker: c.NewTicker,
		settings:  c.MatchSettings,
	}
	if s.telemetry == nil {
		s.telemetry = telemetry.Noop{}
	}
	if s.interval <= 0 {
		s.interval = defaultPassInterval
	}
	if s.newTicker == nil {
		s.newTicker = func(d time.Duration) Ticker {
			return realTicker{t: time.NewTicker(d)}
		}
	}
	if s.settings.Rounds == 0 {
		s.settings = domain.LobbySettings{
			Rounds:           5,
			TimeLimitSeconds: 60,
			Categories:       []string{"general"},
		}
	}
	return s
}

// Run drives passes until the context is cancelled. Pass failures are logged
// and the loop carries on.
func (s *Service) Run(ctx context.Context) error {
	ticker := s.newTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if _, err := s.ProcessMatchmaking(ctx); err != nil {
				slog.ErrorContext(ctx, "matchmaking: pass failed", "error", err)
				s.telemetry.CaptureException(ctx, err)
			}
		}
	}
}

// PassResult summarizes one matchmaking pass.
type PassResult struct {
	Backfilled int                        `json:"backfilled"`
	Matches    []domain.MatchmakingResult `json:"matches"`
	QueueSize  int                        `json:"queueSize"`
}

// ProcessMatchmaking runs one pass: snapshot the queue, top up open lobbies
// oldest-first, form matches from the remainder, create a lobby per match and
// refresh the queue metrics document.
func (s *Service) ProcessMatchmaking(ctx context.Context) (*PassResult, error) {
	ctx, done := s.telemetry.StartSpan(ctx, "matchmaking.pass")
	defer done()

	entries, err := s.queue.List(ctx)
	if err != nil {
		return nil, err
	}

	now, err := s.store.ServerTime(ctx)
	if err != nil {
		return nil, errors.New(errors.ReasonNetwork,
			errors.WithMessagef("server time: %v", err), errors.WithCause(err))
	}

	entries = s.dropExpired(ctx, entries, now)

	remaining, backfilled := s.fillExistingLobbies(ctx, entries, now)

	matches := s.engine.FindMatches(remaining)

	var placed []domain.MatchmakingResult
	for _, m := range matches {
		if err := s.placeMatch(ctx, m, now); err != nil {
			slog.ErrorContext(ctx, "matchmaking: placing match failed",
				"matchId", m.MatchID, "players", len(m.Players), "error", err)
			s.telemetry.CaptureException(ctx, err)
			continue
		}
		placed = append(placed, m)
		metrics.MatchesFormed.Inc()
		metrics.MatchQuality.Observe(m.MatchQuality)
	}

	s.refreshMetrics(ctx, len(entries)-backfilled, placed, now)

	return &PassResult{
		Backfilled: backfilled,
		Matches:    placed,
		QueueSize:  len(entries) - backfilled - countPlayers(placed),
	}, nil
}

// dropExpired dequeues players whose own max wait has elapsed.
func (s *Service) dropExpired(ctx context.Context, entries []domain.QueueEntry, now time.Time) []domain.QueueEntry {
	kept := entries[:0]
	var expired []string
	for _, e := range entries {
		maxWait := time.Duration(e.Preferences.MaxWaitTimeSeconds) * time.Second
		if maxWait > 0 && now.Sub(e.QueuedAt) > maxWait {
			expired = append(expired, e.PlayerUID)
			continue
		}
		kept = append(kept, e)
	}

	if len(expired) > 0 {
		if err := s.queue.RemoveBatch(ctx, expired, "wait time exceeded"); err != nil {
			slog.WarnContext(ctx, "matchmaking: expiring entries failed", "error", err)
		}
	}
	return kept
}

// fillExistingLobbies tops up waiting lobbies oldest-first with compatible
// queued players before any new match is formed. Picks are FIFO under the
// looser backfill budget, anchored on the first pick per lobby.
func (s *Service) fillExistingLobbies(ctx context.Context, entries []domain.QueueEntry, now time.Time) ([]domain.QueueEntry, int) {
	if len(entries) == 0 {
		return entries, 0
	}

	open, err := s.lobbies.ListOpenLobbies(ctx)
	if err != nil {
		slog.WarnContext(ctx, "matchmaking: listing open lobbies failed", "error", err)
		return entries, 0
	}
	if len(open) == 0 {
		return entries, 0
	}

	taken := make(map[string]bool)
	backfilled := 0

	for _, l := range open {
		free := l.MaxPlayers - len(l.Players)
		if free <= 0 {
			continue
		}

		available := make([]domain.QueueEntry, 0, len(entries))
		for _, e := range entries {
			if !taken[e.PlayerUID] {
				available = append(available, e)
			}
		}
		if len(available) == 0 {
			break
		}

		picked := s.engine.BackfillPick(l, available, free, now)
		if len(picked) == 0 {
			continue
		}

		batch := make([]lobby.MatchedPlayer, 0, len(picked))
		uids := make([]string, 0, len(picked))
		for _, e := range picked {
			batch = append(batch, lobby.MatchedPlayer{
				PlayerUID:   e.PlayerUID,
				DisplayName: e.DisplayName,
				AvatarID:    e.AvatarID,
				ProfileURL:  e.ProfileURL,
			})
			uids = append(uids, e.PlayerUID)
		}

		if _, err := s.lobbies.AddMatchedPlayers(ctx, l.Code, batch); err != nil {
			slog.WarnContext(ctx, "matchmaking: backfill failed", "code", l.Code, "error", err)
			continue
		}
		if err := s.queue.RemoveBatch(ctx, uids, "matched into lobby "+l.Code); err != nil {
			slog.WarnContext(ctx, "matchmaking: dequeue after backfill failed", "code", l.Code, "error", err)
		}

		for _, uid := range uids {
			taken[uid] = true
		}
		backfilled += len(uids)
		metrics.PlayersBackfilled.Add(float64(len(uids)))

		s.lobbies.CheckAutoCountdown(ctx, l.Code)
	}

	if backfilled == 0 {
		return entries, 0
	}

	remaining := make([]domain.QueueEntry, 0, len(entries)-backfilled)
	for _, e := range entries {
		if !taken[e.PlayerUID] {
			remaining = append(remaining, e)
		}
	}
	return remaining, backfilled
}

// placeMatch creates the lobby for a formed match, joins the remaining
// players, dequeues everyone and records the match history.
func (s *Service) placeMatch(ctx context.Context, m domain.MatchmakingResult, now time.Time) error {
	host := m.Players[0]
	for _, p := range m.Players[1:] {
		if p.QueuedAt.Before(host.QueuedAt) {
			host = p
		}
	}

	maxPlayers := len(m.Players)
	if maxPlayers < 2 {
		maxPlayers = 2
	}

	l, err := s.lobbies.CreateForMatch(ctx, lobby.MatchedPlayer{
		PlayerUID:   host.PlayerUID,
		DisplayName: host.DisplayName,
		AvatarID:    host.AvatarID,
		ProfileURL:  host.ProfileURL,
	}, maxPlayers, s.settings)
	if err != nil {
		return errors.New(errors.ReasonMatchCreationFailed,
			errors.WithMessagef("create lobby for match %s: %v", m.MatchID, err),
			errors.WithCause(err))
	}

	var rest []lobby.MatchedPlayer
	var uids []string
	for _, p := range m.Players {
		uids = append(uids, p.PlayerUID)
		if p.PlayerUID == host.PlayerUID {
			continue
		}
		rest = append(rest, lobby.MatchedPlayer{
			PlayerUID:   p.PlayerUID,
			DisplayName: p.DisplayName,
			AvatarID:    p.AvatarID,
			ProfileURL:  p.ProfileURL,
		})
	}

	if _, err := s.lobbies.AddMatchedPlayers(ctx, l.Code, rest); err != nil {
		return errors.New(errors.ReasonMatchCreationFailed,
			errors.WithMessagef("join matched players into %s: %v", l.Code, err),
			errors.WithCause(err))
	}

	if err := s.queue.RemoveBatch(ctx, uids, "matched into lobby "+l.Code); err != nil {
		slog.WarnContext(ctx, "matchmaking: dequeue after match failed", "code", l.Code, "error", err)
	}

	s.recordHistory(ctx, m, l.Code, now)
	s.eb.Publish(ctx, domain.EventMatchFormed{Match: m, LobbyCode: l.Code})

	s.lobbies.CheckAutoCountdown(ctx, l.Code)
	return nil
}

// matchRecord is the stored trace of a formed match, kept both in the shared
// store for live consumers and in Postgres for analytics.
type matchRecord struct {
	MatchID            string    `json:"matchId"`
	LobbyCode          string    `json:"lobbyCode"`
	PlayerUIDs         []string  `json:"playerUids"`
	AverageSkillRating float64   `json:"averageSkillRating"`
	SkillRatingRange   int       `json:"skillRatingRange"`
	MatchQuality       float64   `json:"matchQuality"`
	FormedAt           time.Time `json:"formedAt"`
}

func (s *Service) recordHistory(ctx context.Context, m domain.MatchmakingResult, lobbyCode string, now time.Time) {
	uids := make([]string, 0, len(m.Players))
	for _, p := range m.Players {
		uids = append(uids, p.PlayerUID)
	}

	rec := matchRecord{
		MatchID:            m.MatchID,
		LobbyCode:          lobbyCode,
		PlayerUIDs:         uids,
		AverageSkillRating: m.AverageSkillRating,
		SkillRatingRange:   m.SkillRatingRange,
		MatchQuality:       m.MatchQuality,
		FormedAt:           now,
	}

	if err := s.store.Set(ctx, historyPrefix+m.MatchID, rec); err != nil {
		slog.WarnContext(ctx, "matchmaking: history store write failed", "matchId", m.MatchID, "error", err)
	}

	if s.history == nil {
		return
	}

	const stmt = `
INSERT INTO match_history (match_id, lobby_code, player_uids, average_skill_rating, skill_rating_range, match_quality, formed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (match_id) DO NOTHING;`

	_, err := s.history.Exec(ctx, stmt,
		rec.MatchID, rec.LobbyCode, rec.PlayerUIDs,
		rec.AverageSkillRating, rec.SkillRatingRange, rec.MatchQuality, rec.FormedAt)
	if err != nil {
		slog.WarnContext(ctx, "matchmaking: history db write failed", "matchId", m.MatchID, "error", err)
		s.telemetry.AddBreadcrumb(ctx, "matchmaking", "history db write failed", map[string]any{
			"matchId": m.MatchID,
			"error":   err.Error(),
		})
	}
}

// refreshMetrics blends this pass's observed waits into the rolling average
// and rewrites the metrics document. Best effort.
func (s *Service) refreshMetrics(ctx context.Context, queueSize int, placed []domain.MatchmakingResult, now time.Time) {
	prev, err := s.queue.Metrics(ctx)
	if err != nil {
		slog.WarnContext(ctx, "matchmaking: reading metrics failed", "error", err)
		prev = &domain.QueueMetrics{}
	}

	m := *prev
	m.Size = queueSize - countPlayers(placed)
	if m.Size < 0 {
		m.Size = 0
	}
	m.LastUpdatedAt = now

	if len(placed) > 0 {
		var waitMs int64
		var n int64
		for _, match := range placed {
			for _, p := range match.Players {
				waitMs += now.Sub(p.QueuedAt).Milliseconds()
				n++
			}
		}
		observed := waitMs / n

		if m.AverageWaitMs == 0 {
			m.AverageWaitMs = observed
		} else {
			m.AverageWaitMs = (m.AverageWaitMs*7 + observed*3) / 10
		}
		m.TotalMatched += int(n)
		m.MatchesFormed += len(placed)
		m.LastMatchAt = now
	}

	s.queue.WriteMetrics(ctx, m)
	metrics.QueueDepth.Set(float64(m.Size))
}

func countPlayers(matches []domain.MatchmakingResult) int {
	n := 0
	for _, m := range matches {
		n += len(m.Players)
	}
	return n
}
