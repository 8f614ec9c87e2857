// Package matchmaking forms matches out of the queue: a pure formation engine
// plus the periodic pass that fills open lobbies, creates lobbies for formed
// matches and refreshes queue metrics.
package matchmaking

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/victornm/partyhub/internal/domain"
)

const (
	targetMatchSize = 6
	minMatchSize    = 3

	// QualityThreshold is the floor below which a candidate group is not
	// released as a match.
	QualityThreshold = 0.3

	maxWaitWidening   = 300
	wideningPerMinute = 50

	maxLatencyGapMs = 100

	// Backfill into an already-open lobby runs under a looser budget than
	// fresh formation, but the picked group must stay reasonably balanced.
	backfillWideningCap   = 200
	backfillNearFullBonus = 100
	minBackfillBalance    = 0.4
)

// Engine is the pure match formation core. It never touches storage; the
// orchestrating pass feeds it queue snapshots.
type Engine struct {
	now func() time.Time
}

func NewEngine() *Engine {
	return &Engine{now: func() time.Time { return time.Now().UTC() }}
}

// FindMatches groups compatible players from the snapshot, FIFO-biased within
// skill order: entries are walked in ascending rating, each open group grows
// while the next entry stays inside both players' widened skill windows and
// connection compatibility holds. Groups of target size, or trailing groups of
// at least the minimum, become matches when their quality clears the floor.
func (e *Engine) FindMatches(entries []domain.QueueEntry) []domain.MatchmakingResult {
	if len(entries) < minMatchSize {
		return nil
	}

	now := e.now()

	sorted := make([]domain.QueueEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].SkillRating != sorted[j].SkillRating {
			return sorted[i].SkillRating < sorted[j].SkillRating
		}
		return sorted[i].QueuedAt.Before(sorted[j].QueuedAt)
	})

	var matches []domain.MatchmakingResult
	var group []domain.QueueEntry

	flush := func() {
		if len(group) >= minMatchSize {
			if m, ok := e.build(group, now); ok {
				matches = append(matches, m)
			}
		}
		group = nil
	}

	for _, entry := range sorted {
		if len(group) == 0 {
			group = append(group, entry)
			continue
		}

		if len(group) < targetMatchSize && e.Compatible(group[0], entry, now) && e.Compatible(group[len(group)-1], entry, now) {
			group = append(group, entry)
			if len(group) == targetMatchSize {
				flush()
			}
			continue
		}

		flush()
		group = append(group, entry)
	}
	flush()

	return matches
}

// Compatible reports whether two players can share a match right now. The
// skill gap must fit inside the narrower of the two players' windows, which
// widen with time spent waiting, and their connections must be compatible.
func (e *Engine) Compatible(a, b domain.QueueEntry, now time.Time) bool {
	gap := a.SkillRating - b.SkillRating
	if gap < 0 {
		gap = -gap
	}

	allowed := skillWindow(a, now)
	if w := skillWindow(b, now); w < allowed {
		allowed = w
	}
	if gap > allowed {
		return false
	}

	return connectionCompatible(a.ConnectionInfo, b.ConnectionInfo)
}

func (e *Engine) build(group []domain.QueueEntry, now time.Time) (domain.MatchmakingResult, bool) {
	quality := e.Quality(group, now)
	if quality < QualityThreshold {
		return domain.MatchmakingResult{}, false
	}

	minR, maxR := group[0].SkillRating, group[0].SkillRating
	sum := 0
	for _, p := range group {
		sum += p.SkillRating
		if p.SkillRating < minR {
			minR = p.SkillRating
		}
		if p.SkillRating > maxR {
			maxR = p.SkillRating
		}
	}

	players := make([]domain.QueueEntry, len(group))
	copy(players, group)

	return domain.MatchmakingResult{
		MatchID:                      uuid.Must(uuid.NewV7()).String(),
		Players:                      players,
		AverageSkillRating:           float64(sum) / float64(len(group)),
		SkillRatingRange:             maxR - minR,
		MatchQuality:                 quality,
		EstimatedGameDurationSeconds: 120 + 60*len(group),
	}, true
}

// Quality scores a candidate group in [0,1]: skill balance weighs heaviest,
// then connection quality, then how long the group has waited, then how close
// it is to a full match.
func (e *Engine) Quality(group []domain.QueueEntry, now time.Time) float64 {
	if len(group) == 0 {
		return 0
	}

	balance := 1 - ratingVariance(group)/100000
	if balance < 0 {
		balance = 0
	}

	conn := 0.0
	waitMs := 0.0
	for _, p := range group {
		conn += connectionScore(p.ConnectionInfo.ConnectionQuality)
		waitMs += float64(now.Sub(p.QueuedAt).Milliseconds())
	}
	conn /= float64(len(group))
	avgWaitMs := waitMs / float64(len(group))

	waitBonus := math.Min(1, avgWaitMs/120000)
	sizeBonus := math.Min(1, float64(len(group))/targetMatchSize)

	return 0.4*balance + 0.3*conn + 0.2*waitBonus + 0.1*sizeBonus
}

// BackfillPick selects queued players to top up an open lobby. FIFO order is
// primary; the first pick anchors skill proximity for the rest, each later
// pick must fit the narrower of its own and the anchor's backfill window, and
// the running balance of the picked group stays above the floor.
func (e *Engine) BackfillPick(l domain.Lobby, entries []domain.QueueEntry, free int, now time.Time) []domain.QueueEntry {
	if free <= 0 {
		return nil
	}

	nearFull := 4*len(l.Players) >= 3*l.MaxPlayers

	var picked []domain.QueueEntry
	for _, c := range entries {
		if len(picked) >= free {
			break
		}
		if len(picked) == 0 {
			picked = append(picked, c)
			continue
		}

		anchor := picked[0]
		gap := anchor.SkillRating - c.SkillRating
		if gap < 0 {
			gap = -gap
		}
		allowed := backfillWindow(c, now, nearFull)
		if w := backfillWindow(anchor, now, nearFull); w < allowed {
			allowed = w
		}
		if gap > allowed {
			continue
		}
		if !connectionCompatible(anchor.ConnectionInfo, c.ConnectionInfo) {
			continue
		}

		next := make([]domain.QueueEntry, 0, len(picked)+1)
		next = append(next, picked...)
		next = append(next, c)
		if 1-ratingVariance(next)/100000 < minBackfillBalance {
			continue
		}
		picked = next
	}

	return picked
}

// backfillWindow is the looser rating budget used when joining an existing
// lobby: 150/250/450 by flexibility, widened by wait time up to +200, plus a
// flat bonus when the lobby is three quarters full.
func backfillWindow(e domain.QueueEntry, now time.Time, nearFull bool) int {
	base := 250
	switch e.Preferences.SkillRangeFlexibility {
	case domain.FlexibilityStrict:
		base = 150
	case domain.FlexibilityFlexible:
		base = 450
	}

	waited := now.Sub(e.QueuedAt)
	if waited < 0 {
		waited = 0
	}
	widening := int(waited.Minutes()) * wideningPerMinute
	if widening > backfillWideningCap {
		widening = backfillWideningCap
	}

	w := base + widening
	if nearFull {
		w += backfillNearFullBonus
	}
	return w
}

// skillWindow is the acceptable rating gap for an entry: the flexibility base
// widened by 50 points per minute waited, capped at +300.
func skillWindow(e domain.QueueEntry, now time.Time) int {
	base := 200
	switch e.Preferences.SkillRangeFlexibility {
	case domain.FlexibilityStrict:
		base = 100
	case domain.FlexibilityFlexible:
		base = 400
	}

	waited := now.Sub(e.QueuedAt)
	if waited < 0 {
		waited = 0
	}
	widening := int(waited.Minutes()) * wideningPerMinute
	if widening > maxWaitWidening {
		widening = maxWaitWidening
	}

	return base + widening
}

// connectionCompatible requires a shared region or two solid connections, and
// latencies within 100ms of each other when both are known.
func connectionCompatible(a, b domain.ConnectionInfo) bool {
	sameRegion := a.Region != "" && a.Region == b.Region
	bothSolid := solidConnection(a.ConnectionQuality) && solidConnection(b.ConnectionQuality)
	if !sameRegion && !bothSolid {
		return false
	}

	if a.LatencyMs > 0 && b.LatencyMs > 0 {
		gap := a.LatencyMs - b.LatencyMs
		if gap < 0 {
			gap = -gap
		}
		if gap > maxLatencyGapMs {
			return false
		}
	}

	return true
}

func solidConnection(q domain.ConnectionQuality) bool {
	return q == domain.ConnectionGood || q == domain.ConnectionExcellent
}

func connectionScore(q domain.ConnectionQuality) float64 {
	switch q {
	case domain.ConnectionExcellent:
		return 1
	case domain.ConnectionGood:
		return 0.8
	case domain.ConnectionFair:
		return 0.6
	default:
		return 0.3
	}
}

func ratingVariance(group []domain.QueueEntry) float64 {
	mean := 0.0
	for _, p := range group {
		mean += float64(p.SkillRating)
	}
	mean /= float64(len(group))

	v := 0.0
	for _, p := range group {
		d := float64(p.SkillRating) - mean
		v += d * d
	}
	return v / float64(len(group))
}
