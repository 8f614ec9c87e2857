// Package rating implements the Elo-like skill rating system: per-match
// rating updates scaled by experience and finishing position, ranking tiers,
// and percentile queries.
package rating

import (
	"math"

	"github.com/victornm/partyhub/internal/domain"
	"github.com/victornm/partyhub/internal/errors"
)

const (
	MinRating     = 100
	MaxRating     = 3000
	InitialRating = 1200
)

// KFactor is the maximum per-match rating swing; volatility decreases as a
// player accumulates games.
func KFactor(gamesPlayed int) int {
	switch {
	case gamesPlayed < 10:
		return 64
	case gamesPlayed < 50:
		return 32
	default:
		return 16
	}
}

// PositionMultiplier scales the rating change by finishing position. It is
// symmetric around the median position: above 1 for top finishes, below 1 for
// bottom finishes, close to 1 mid-pack.
func PositionMultiplier(position, totalPlayers int) float64 {
	if totalPlayers < 2 || position < 1 || position > totalPlayers {
		return 1
	}

	median := float64(totalPlayers+1) / 2
	return 1 + (median-float64(position))/float64(totalPlayers-1)*0.8
}

// CalculateRatingChange derives the rating delta from the expected-vs-actual
// outcome against the opponent average, scaled by K-factor and position
// multiplier.
func CalculateRatingChange(currentRating, gamesPlayed int, result domain.GameResult) (int, error) {
	if result.Position < 1 {
		return 0, errors.New(errors.ReasonValidation,
			errors.WithMessagef("position must be at least 1, got %d", result.Position))
	}
	if len(result.OpponentRatings) == 0 {
		return 0, errors.New(errors.ReasonValidation,
			errors.WithMessagef("opponent ratings are required"))
	}

	total := result.TotalPlayers
	if total < result.Position {
		total = result.Position
	}
	if total < 2 {
		total = 2
	}

	sum := 0
	for _, r := range result.OpponentRatings {
		sum += r
	}
	oppAvg := float64(sum) / float64(len(result.OpponentRatings))

	expected := 1 / (1 + math.Pow(10, (oppAvg-float64(currentRating))/400))
	actual := float64(total-result.Position) / float64(total-1)

	delta := float64(KFactor(gamesPlayed)) * (actual - expected) * PositionMultiplier(result.Position, total)
	return int(math.Round(delta)), nil
}

// ClampRating forces a rating into the valid [100,3000] band.
func ClampRating(rating int) int {
	if rating < MinRating {
		return MinRating
	}
	if rating > MaxRating {
		return MaxRating
	}
	return rating
}

// ValidateRating reports whether rating lies in the valid band.
func ValidateRating(rating int) bool {
	return rating >= MinRating && rating <= MaxRating
}

// RankingTier maps a rating to its tier. Ratings below the floor clamp into
// Bronze.
func RankingTier(rating int) domain.RankingTier {
	switch {
	case rating < 800:
		return domain.TierBronze
	case rating < 1100:
		return domain.TierSilver
	case rating < 1400:
		return domain.TierGold
	case rating < 1700:
		return domain.TierPlatinum
	case rating < 2200:
		return domain.TierDiamond
	default:
		return domain.TierMaster
	}
}

// CalculatePercentile returns the share of the population strictly below
// rating, as a percentage. An empty population reads as the 50th percentile.
func CalculatePercentile(rating int, allRatings []int) float64 {
	if len(allRatings) == 0 {
		return 50
	}

	below := 0
	for _, r := range allRatings {
		if r < rating {
			below++
		}
	}
	return float64(below) / float64(len(allRatings)) * 100
}

// Estimate previews the rating swings for a pending match.
type Estimate struct {
	Best     int `json:"best"`
	Expected int `json:"expected"`
	Worst    int `json:"worst"`
}

// EstimateRatingChange previews best (1st place), expected (mid-pack) and
// worst (last place) outcomes. Internal failures degrade to an all-zero
// estimate rather than an error.
func EstimateRatingChange(currentRating, gamesPlayed, totalPlayers int, opponentRatings []int) Estimate {
	if totalPlayers < 2 {
		totalPlayers = 2
	}

	at := func(position int) int {
		d, err := CalculateRatingChange(currentRating, gamesPlayed, domain.GameResult{
			Position:        position,
			TotalPlayers:    totalPlayers,
			OpponentRatings: opponentRatings,
		})
		if err != nil {
			return 0
		}
		return d
	}

	if len(opponentRatings) == 0 {
		return Estimate{}
	}

	return Estimate{
		Best:     at(1),
		Expected: at((totalPlayers + 1) / 2),
		Worst:    at(totalPlayers),
	}
}
