// Package cleanup reclaims abandoned coordination state: empty lobbies, stale
// lobbies and idle sessions, deleted in batched multi-path writes on a fixed
// cadence.
package cleanup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/victornm/partyhub/internal/domain"
	"github.com/victornm/partyhub/internal/event"
	"github.com/victornm/partyhub/internal/metrics"
	"github.com/victornm/partyhub/internal/store"
	"github.com/victornm/partyhub/internal/telemetry"
)

const (
	defaultInterval  = 2 * time.Minute
	defaultBatchSize = 50

	emptyLobbyAge   = 5 * time.Minute
	staleLobbyIdle  = 30 * time.Minute
	staleSessionAge = 10 * time.Minute

	// loadShedDuration is how long the scheduler runs degraded (doubled
	// interval, halved batch) after a sweep found more candidates than one
	// batch could hold.
	loadShedDuration = 30 * time.Minute
)

// Ticker abstracts the sweep cadence so tests can drive sweeps manually.
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
	Telemetry telemetry.Reporter

	Interval  time.Duration
	BatchSize int

	// NewTicker is injectable for tests.
	NewTicker func(d time.Duration) Ticker
}

type Scheduler struct {
	store     store.Store
	eb        *event.Bus
	telemetry telemetry.Reporter
	interval  time.Duration
	batchSize int
	newTicker func(d time.Duration) Ticker

	// shedUntil is shared between the Run loop and on-demand sweeps.
	mu        sync.Mutex
	shedUntil time.Time
}

func NewScheduler(c Config) *Scheduler {
	s := &Scheduler{
		store:     c.Store,
		eb:        c.EventBus,
		telemetry: c.Telemetry,
		interval:  c.Interval,
		batchSize: c.BatchSize,
		newTicker: c.NewTicker,
	}
	if s.telemetry == nil {
		s.telemetry = telemetry.Noop{}
	}
	if s.interval <= 0 {
		s.interval = defaultInterval
	}
	if s.batchSize <= 0 {
		s.batchSize = defaultBatchSize
	}
	if s.newTicker == nil {
		s.newTicker = func(d time.Duration) Ticker {
			return realTicker{t: time.NewTicker(d)}
		}
	}
	return s
}

// Run sweeps until the context is cancelled. While load shedding is active the
// ticker is recreated at double the interval.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		interval := s.interval
		if s.shedding(time.Now()) {
			interval *= 2
		}

		ticker := s.newTicker(interval)
		select {
		case <-ctx.Done():
			ticker.Stop()
			return ctx.Err()
		case <-ticker.C():
		}
		ticker.Stop()

		if _, err := s.Sweep(ctx); err != nil {
			slog.ErrorContext(ctx, "cleanup: sweep failed", "error", err)
			s.telemetry.CaptureException(ctx, err)
		}
	}
}

// SweepResult summarizes one cleanup pass.
type SweepResult struct {
	EmptyLobbies  int  `json:"emptyLobbies"`
	StaleLobbies  int  `json:"staleLobbies"`
	StaleSessions int  `json:"staleSessions"`
	Shedding      bool `json:"shedding"`
}

// Sweep scans lobbies and sessions, deletes everything past its threshold in
// one batched write, and arms load shedding when the candidate set overflows
// the batch.
func (s *Scheduler) Sweep(ctx context.Context) (*SweepResult, error) {
	ctx, done := s.telemetry.StartSpan(ctx, "cleanup.sweep")
	defer done()

	now, err := s.store.ServerTime(ctx)
	if err != nil {
		return nil, err
	}

	batch := s.batchSize
	if s.shedding(now) {
		batch /= 2
		if batch < 1 {
			batch = 1
		}
	}

	paths := make(map[string]any)
	var res SweepResult
	type removal struct {
		code   string
		reason string
	}
	var removals []removal
	overflow := false

	add := func(key string) bool {
		if len(paths) >= batch {
			overflow = true
			return false
		}
		paths[key] = nil
		return true
	}

	lobbies, err := s.store.List(ctx, "lobbies/")
	if err != nil {
		return nil, err
	}
	for _, e := range lobbies {
		var l domain.Lobby
		if err := e.Decode(&l); err != nil {
			slog.WarnContext(ctx, "cleanup: skipping undecodable lobby", "key", e.Key, "error", err)
			continue
		}

		switch {
		case len(l.Players) == 0 && now.Sub(l.CreatedAt) > emptyLobbyAge:
			if add(e.Key) {
				res.EmptyLobbies++
				removals = append(removals, removal{code: l.Code, reason: "empty lobby expired"})
			}
		case now.Sub(lastActivity(&l)) > staleLobbyIdle:
			if add(e.Key) {
				res.StaleLobbies++
				removals = append(removals, removal{code: l.Code, reason: "no player activity"})
			}
		}
	}

	sessions, err := s.store.List(ctx, "sessions/")
	if err != nil {
		return nil, err
	}
	for _, e := range sessions {
		var sess domain.Session
		if err := e.Decode(&sess); err != nil {
			slog.WarnContext(ctx, "cleanup: skipping undecodable session", "key", e.Key, "error", err)
			continue
		}
		if now.Sub(sess.LastActiveAt) > staleSessionAge {
			if add(e.Key) {
				res.StaleSessions++
			}
		}
	}

	if len(paths) > 0 {
		if err := s.store.Update(ctx, paths); err != nil {
			return nil, err
		}
	}

	for _, r := range removals {
		metrics.LobbiesCleaned.WithLabelValues(r.reason).Inc()
		s.eb.Publish(ctx, domain.EventLobbyDeleted{Code: r.code, Reason: r.reason})
	}

	if overflow {
		until := now.Add(loadShedDuration)
		s.mu.Lock()
		s.shedUntil = until
		s.mu.Unlock()
		res.Shedding = true
		slog.WarnContext(ctx, "cleanup: candidate overflow, shedding load",
			"batch", batch, "until", until)
	}

	if res.EmptyLobbies+res.StaleLobbies+res.StaleSessions > 0 {
		s.eb.Publish(ctx, domain.EventCleanupCompleted{
			EmptyLobbies:  res.EmptyLobbies,
			StaleLobbies:  res.StaleLobbies,
			StaleSessions: res.StaleSessions,
		})
	}

	return &res, nil
}

// CleanupLobby force-removes one lobby and its sessions, used when the game
// controller reports an unrecoverable session.
func (s *Scheduler) CleanupLobby(ctx context.Context, code, reason string) error {
	paths := map[string]any{"lobbies/" + code: nil}

	sessions, err := s.store.List(ctx, "sessions/")
	if err != nil {
		return err
	}
	for _, e := range sessions {
		var sess domain.Session
		if err := e.Decode(&sess); err != nil {
			continue
		}
		if sess.LobbyCode == code {
			paths[e.Key] = nil
		}
	}

	if err := s.store.Update(ctx, paths); err != nil {
		return err
	}

	metrics.LobbiesCleaned.WithLabelValues("forced").Inc()
	s.eb.Publish(ctx, domain.EventLobbyDeleted{Code: code, Reason: reason})
	return nil
}

func (s *Scheduler) shedding(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Before(s.shedUntil)
}

// lastActivity is the most recent lastSeen across members, falling back to
// the lobby's own updatedAt.
func lastActivity(l *domain.Lobby) time.Time {
	latest := l.UpdatedAt
	for _, p := range l.Players {
		if p.LastSeen.After(latest) {
			latest = p.LastSeen
		}
	}
	return latest
}
