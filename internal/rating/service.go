package rating

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/victornm/partyhub/internal/domain"
	"github.com/victornm/partyhub/internal/errors"
	"github.com/victornm/partyhub/internal/event"
	"github.com/victornm/partyhub/internal/telemetry"
)

type Config struct {
	EventBus  *event.Bus
	DB        *pgxpool.Pool
	Telemetry telemetry.Reporter
}

// Service owns PlayerStats: rows are created lazily on a player's first match
// completion and mutated nowhere else.
type Service struct {
	eb        *event.Bus
	db        *pgxpool.Pool
	telemetry telemetry.Reporter
}

func NewService(c Config) *Service {
	s := &Service{
		eb:        c.EventBus,
		db:        c.DB,
		telemetry: c.Telemetry,
	}
	if s.telemetry == nil {
		s.telemetry = telemetry.Noop{}
	}
	return s
}

// UpdatePlayerStats applies one game result: rating change clamped into the
// valid band, win/loss counters, streaks, average position and XP. Invoked by
// the game-session controller after a match concludes.
func (s *Service) UpdatePlayerStats(ctx context.Context, playerUID string, result domain.GameResult) (*domain.PlayerStats, error) {
	if playerUID == "" {
		return nil, errors.New(errors.ReasonValidation, errors.WithMessagef("player uid is required"))
	}
	if result.TotalPlayers < 2 {
		return nil, errors.New(errors.ReasonValidation,
			errors.WithMessagef("totalPlayers must be at least 2, got %d", result.TotalPlayers))
	}
	if result.Position < 1 || result.Position > result.TotalPlayers {
		return nil, errors.New(errors.ReasonValidation,
			errors.WithMessagef("position must be between 1 and %d, got %d", result.TotalPlayers, result.Position))
	}

	stats, change, err := s.applyResult(ctx, playerUID, result)
	if err != nil {
		if errors.Is(err, errors.ReasonValidation) {
			return nil, err
		}
		s.telemetry.CaptureException(ctx, err)
		return nil, errors.New(errors.ReasonStatsUpdateFailed,
			errors.WithMessagef("update stats for %s: %v", playerUID, err),
			errors.WithCause(err))
	}

	s.eb.Publish(ctx, domain.EventStatsUpdated{Stats: *stats, RatingChange: change})
	return stats, nil
}

func (s *Service) applyResult(ctx context.Context, playerUID string, result domain.GameResult) (_ *domain.PlayerStats, _ int, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	stats, found, err := lockStats(ctx, tx, playerUID)
	if err != nil {
		return nil, 0, err
	}
	if !found {
		stats = newStats(playerUID)
	}

	change, err := CalculateRatingChange(stats.SkillRating, stats.GamesPlayed, result)
	if err != nil {
		return nil, 0, err
	}

	won := result.Position == 1
	games := stats.GamesPlayed

	stats.SkillRating = ClampRating(stats.SkillRating + change)
	if stats.SkillRating > stats.HighestRating {
		stats.HighestRating = stats.SkillRating
	}

	stats.GamesPlayed++
	if won {
		stats.Wins++
		if stats.CurrentStreak < 0 {
			stats.CurrentStreak = 0
		}
		stats.CurrentStreak++
		if stats.CurrentStreak > stats.LongestWinStreak {
			stats.LongestWinStreak = stats.CurrentStreak
		}
	} else {
		stats.Losses++
		if stats.CurrentStreak > 0 {
			stats.CurrentStreak = 0
		}
		stats.CurrentStreak--
	}

	stats.WinRate = decimal.NewFromInt(int64(stats.Wins)).
		Div(decimal.NewFromInt(int64(stats.GamesPlayed))).
		Round(4)
	stats.AveragePosition = stats.AveragePosition.
		Mul(decimal.NewFromInt(int64(games))).
		Add(decimal.NewFromInt(int64(result.Position))).
		Div(decimal.NewFromInt(int64(stats.GamesPlayed))).
		Round(4)
	stats.TotalXPEarned += result.XPEarned
	stats.LastPlayed = time.Now().UTC()
	stats.Achievements = withMilestones(stats)

	if err := upsertStats(ctx, tx, stats); err != nil {
		return nil, 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, 0, err
	}

	return stats, change, nil
}

// GetPlayerStats returns the stored stats, or a fresh default record for a
// player who hasn't completed a match yet.
func (s *Service) GetPlayerStats(ctx context.Context, playerUID string) (*domain.PlayerStats, error) {
	const stmt = `
SELECT player_uid, games_played, wins, losses, win_rate, skill_rating, highest_rating,
       current_streak, longest_win_streak, average_position, total_xp, achievements, last_played
FROM player_stats WHERE player_uid = $1;`

	var st domain.PlayerStats
	err := s.db.QueryRow(ctx, stmt, playerUID).Scan(
		&st.PlayerUID, &st.GamesPlayed, &st.Wins, &st.Losses, &st.WinRate,
		&st.SkillRating, &st.HighestRating, &st.CurrentStreak, &st.LongestWinStreak,
		&st.AveragePosition, &st.TotalXPEarned, &st.Achievements, &st.LastPlayed,
	)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return newStats(playerUID), nil
	}
	if err != nil {
		return nil, errors.New(errors.ReasonSkillRatingUnavailable,
			errors.WithMessagef("read stats for %s: %v", playerUID, err),
			errors.WithCause(err))
	}

	return &st, nil
}

// ListRatings returns every stored rating, the population for percentile
// queries.
func (s *Service) ListRatings(ctx context.Context) ([]int, error) {
	rows, err := s.db.Query(ctx, `SELECT skill_rating FROM player_stats;`)
	if err != nil {
		return nil, errors.New(errors.ReasonSkillRatingUnavailable,
			errors.WithMessagef("list ratings: %v", err),
			errors.WithCause(err))
	}

	ratings, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (int, error) {
		var rating int
		err := r.Scan(&rating)
		return rating, err
	})
	if err != nil {
		return nil, errors.New(errors.ReasonSkillRatingUnavailable,
			errors.WithMessagef("collect ratings: %v", err),
			errors.WithCause(err))
	}

	return ratings, nil
}

// Percentile locates a player's rating within the whole population.
func (s *Service) Percentile(ctx context.Context, playerUID string) (float64, error) {
	st, err := s.GetPlayerStats(ctx, playerUID)
	if err != nil {
		return 0, err
	}

	all, err := s.ListRatings(ctx)
	if err != nil {
		return 0, err
	}

	return CalculatePercentile(st.SkillRating, all), nil
}

// Leaderboard returns the top players by rating for the dashboard surface.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]domain.PlayerStats, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	const stmt = `
SELECT player_uid, games_played, wins, losses, win_rate, skill_rating, highest_rating,
       current_streak, longest_win_streak, average_position, total_xp, achievements, last_played
FROM player_stats ORDER BY skill_rating DESC, player_uid LIMIT $1;`

	rows, err := s.db.Query(ctx, stmt, limit)
	if err != nil {
		return nil, errors.New(errors.ReasonSkillRatingUnavailable,
			errors.WithMessagef("leaderboard: %v", err),
			errors.WithCause(err))
	}

	board, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.PlayerStats, error) {
		var st domain.PlayerStats
		err := r.Scan(
			&st.PlayerUID, &st.GamesPlayed, &st.Wins, &st.Losses, &st.WinRate,
			&st.SkillRating, &st.HighestRating, &st.CurrentStreak, &st.LongestWinStreak,
			&st.AveragePosition, &st.TotalXPEarned, &st.Achievements, &st.LastPlayed,
		)
		return st, err
	})
	if err != nil {
		return nil, errors.New(errors.ReasonSkillRatingUnavailable,
			errors.WithMessagef("collect leaderboard: %v", err),
			errors.WithCause(err))
	}

	return board, nil
}

func lockStats(ctx context.Context, tx pgx.Tx, playerUID string) (*domain.PlayerStats, bool, error) {
	const stmt = `
SELECT player_uid, games_played, wins, losses, win_rate, skill_rating, highest_rating,
       current_streak, longest_win_streak, average_position, total_xp, achievements, last_played
FROM player_stats WHERE player_uid = $1 FOR UPDATE;`

	var st domain.PlayerStats
	err := tx.QueryRow(ctx, stmt, playerUID).Scan(
		&st.PlayerUID, &st.GamesPlayed, &st.Wins, &st.Losses, &st.WinRate,
		&st.SkillRating, &st.HighestRating, &st.CurrentStreak, &st.LongestWinStreak,
		&st.AveragePosition, &st.TotalXPEarned, &st.Achievements, &st.LastPlayed,
	)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	return &st, true, nil
}

func upsertStats(ctx context.Context, tx pgx.Tx, st *domain.PlayerStats) error {
	const stmt = `
INSERT INTO player_stats (
	player_uid, games_played, wins, losses, win_rate, skill_rating, highest_rating,
	current_streak, longest_win_streak, average_position, total_xp, achievements, last_played
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (player_uid) DO UPDATE SET
	games_played = EXCLUDED.games_played,
	wins = EXCLUDED.wins,
	losses = EXCLUDED.losses,
	win_rate = EXCLUDED.win_rate,
	skill_rating = EXCLUDED.skill_rating,
	highest_rating = EXCLUDED.highest_rating,
	current_streak = EXCLUDED.current_streak,
	longest_win_streak = EXCLUDED.longest_win_streak,
	average_position = EXCLUDED.average_position,
	total_xp = EXCLUDED.total_xp,
	achievements = EXCLUDED.achievements,
	last_played = EXCLUDED.last_played;`

	_, err := tx.Exec(ctx, stmt,
		st.PlayerUID, st.GamesPlayed, st.Wins, st.Losses, st.WinRate,
		st.SkillRating, st.HighestRating, st.CurrentStreak, st.LongestWinStreak,
		st.AveragePosition, st.TotalXPEarned, st.Achievements, st.LastPlayed,
	)
	return err
}

func newStats(playerUID string) *domain.PlayerStats {
	return &domain.PlayerStats{
		PlayerUID:       playerUID,
		WinRate:         decimal.Zero,
		SkillRating:     InitialRating,
		HighestRating:   InitialRating,
		AveragePosition: decimal.Zero,
		Achievements:    []string{},
	}
}

func withMilestones(st *domain.PlayerStats) []string {
	has := make(map[string]bool, len(st.Achievements))
	for _, a := range st.Achievements {
		has[a] = true
	}

	add := func(key string, earned bool) {
		if earned && !has[key] {
			st.Achievements = append(st.Achievements, key)
			has[key] = true
		}
	}

	add("first_win", st.Wins >= 1)
	add("ten_games", st.GamesPlayed >= 10)
	add("win_streak_5", st.LongestWinStreak >= 5)
	add("hundred_games", st.GamesPlayed >= 100)

	return st.Achievements
}
