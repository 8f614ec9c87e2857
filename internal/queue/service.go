// Package queue manages the matchmaking queue: one entry per unattached
// player, FIFO-ranked by enqueue time, with wait-time estimation fed by the
// aggregate metrics the matchmaking pass refreshes.
package queue

import (
	"context"
	"log/slog"
	"sort"

	"github.com/victornm/partyhub/internal/domain"
	"github.com/victornm/partyhub/internal/errors"
	"github.com/victornm/partyhub/internal/event"
	"github.com/victornm/partyhub/internal/retry"
	"github.com/victornm/partyhub/internal/store"
	"github.com/victornm/partyhub/internal/telemetry"
)

const (
	metricsKey  = "queue_metrics"
	entryPrefix = "queue/"

	baseWaitSeconds = 45
	minWaitSeconds  = 15
	maxWaitSeconds  = 300

	minMaxWaitSeconds = 30
	maxMaxWaitSeconds = 600
)

type Config struct {
	Store     store.Store
	EventBus  *event.Bus
	Retry     *retry.Policy
	Telemetry telemetry.Reporter
}

type Service struct {
	store     store.Store
	eb        *event.Bus
	retry     *retry.Policy
	telemetry telemetry.Reporter
}

func NewService(c Config) *Service {
	s := &Service{
		store:     c.Store,
		eb:        c.EventBus,
		retry:     c.Retry,
		telemetry: c.Telemetry,
	}
	if s.retry == nil {
		s.retry = retry.NewPolicy(retry.Config{})
	}
	if s.telemetry == nil {
		s.telemetry = telemetry.Noop{}
	}
	return s
}

type AddRequest struct {
	PlayerUID      string
	SkillRating    int
	XPLevel        int
	DisplayName    string
	AvatarID       string
	ProfileURL     string
	Preferences    domain.QueuePreferences
	ConnectionInfo domain.ConnectionInfo
}

// Add enqueues a player. A duplicate enqueue for an active entry fails with
// ALREADY_IN_QUEUE; the race between two concurrent enqueues is settled by
// the store's conditional write.
func (s *Service) Add(ctx context.Context, req AddRequest) (*domain.QueueEntry, error) {
	if req.PlayerUID == "" {
		return nil, errors.New(errors.ReasonValidation, errors.WithMessagef("player uid is required"))
	}
	if req.Preferences.MaxWaitTimeSeconds != 0 &&
		(req.Preferences.MaxWaitTimeSeconds < minMaxWaitSeconds || req.Preferences.MaxWaitTimeSeconds > maxMaxWaitSeconds) {
		return nil, errors.New(errors.ReasonValidation,
			errors.WithMessagef("maxWaitTimeSeconds must be between %d and %d, got %d",
				minMaxWaitSeconds, maxMaxWaitSeconds, req.Preferences.MaxWaitTimeSeconds))
	}

	applyPreferenceDefaults(&req.Preferences)
	applyConnectionDefaults(&req.ConnectionInfo)

	var added *domain.QueueEntry
	err := s.retry.Do(ctx, "queue.add", func(ctx context.Context) error {
		entries, err := s.List(ctx)
		if err != nil {
			return err
		}

		metrics, _ := s.Metrics(ctx)

		now, err := s.store.ServerTime(ctx)
		if err != nil {
			return netErr("server time", err)
		}

		entry := domain.QueueEntry{
			PlayerUID:      req.PlayerUID,
			SkillRating:    req.SkillRating,
			XPLevel:        req.XPLevel,
			DisplayName:    req.DisplayName,
			AvatarID:       req.AvatarID,
			ProfileURL:     req.ProfileURL,
			QueuedAt:       now,
			Preferences:    req.Preferences,
			ConnectionInfo: req.ConnectionInfo,
		}
		entry.EstimatedWaitTimeSeconds = EstimateWait(len(entries)+1, metrics, entry.SkillRating)

		ok, err := s.store.SetNX(ctx, entryKey(req.PlayerUID), entry, 0)
		if err != nil {
			return netErr("write queue entry", err)
		}
		if !ok {
			return errors.New(errors.ReasonAlreadyInQueue,
				errors.WithMessagef("player %s already has an active queue entry", req.PlayerUID))
		}

		added = &entry
		s.eb.Publish(ctx, domain.EventQueueJoined{Entry: entry})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return added, nil
}

// Remove dequeues the player. Removing an absent entry is a no-op.
func (s *Service) Remove(ctx context.Context, playerUID, reason string) error {
	return s.retry.Do(ctx, "queue.remove", func(ctx context.Context) error {
		var entry domain.QueueEntry
		err := s.store.Get(ctx, entryKey(playerUID), &entry)
		if err == store.ErrNotFound {
			return nil
		}
		if err != nil {
			return netErr("read queue entry", err)
		}

		if err := s.store.Remove(ctx, entryKey(playerUID)); err != nil {
			return netErr("remove queue entry", err)
		}

		s.eb.Publish(ctx, domain.EventQueueLeft{PlayerUID: playerUID, Reason: reason})
		return nil
	})
}

// RemoveBatch dequeues matched players in a single multi-path write.
func (s *Service) RemoveBatch(ctx context.Context, playerUIDs []string, reason string) error {
	if len(playerUIDs) == 0 {
		return nil
	}

	paths := make(map[string]any, len(playerUIDs))
	for _, uid := range playerUIDs {
		paths[entryKey(uid)] = nil
	}

	err := s.retry.Do(ctx, "queue.remove_batch", func(ctx context.Context) error {
		if err := s.store.Update(ctx, paths); err != nil {
			return netErr("batch dequeue", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, uid := range playerUIDs {
		s.eb.Publish(ctx, domain.EventQueueLeft{PlayerUID: uid, Reason: reason})
	}
	return nil
}

// Get returns the player's active entry, or NOT_IN_QUEUE.
func (s *Service) Get(ctx context.Context, playerUID string) (*domain.QueueEntry, error) {
	var entry domain.QueueEntry
	err := s.store.Get(ctx, entryKey(playerUID), &entry)
	if err == store.ErrNotFound {
		return nil, errors.New(errors.ReasonNotInQueue,
			errors.WithMessagef("player %s is not in the queue", playerUID))
	}
	if err != nil {
		return nil, netErr("read queue entry", err)
	}
	return &entry, nil
}

// Position is the player's FIFO rank: 1 plus the count of entries queued
// strictly earlier.
func (s *Service) Position(ctx context.Context, playerUID string) (int, error) {
	entry, err := s.Get(ctx, playerUID)
	if err != nil {
		return 0, err
	}

	entries, err := s.List(ctx)
	if err != nil {
		return 0, err
	}

	pos := 1
	for _, e := range entries {
		if e.QueuedAt.Before(entry.QueuedAt) {
			pos++
		}
	}
	return pos, nil
}

type PreferencesPatch struct {
	MaxWaitTimeSeconds    *int
	SkillRangeFlexibility *domain.SkillRangeFlexibility
}

// UpdatePreferences merges the partial preference fields and recomputes the
// wait estimate.
func (s *Service) UpdatePreferences(ctx context.Context, playerUID string, patch PreferencesPatch) (*domain.QueueEntry, error) {
	if patch.MaxWaitTimeSeconds != nil &&
		(*patch.MaxWaitTimeSeconds < minMaxWaitSeconds || *patch.MaxWaitTimeSeconds > maxMaxWaitSeconds) {
		return nil, errors.New(errors.ReasonValidation,
			errors.WithMessagef("maxWaitTimeSeconds must be between %d and %d, got %d",
				minMaxWaitSeconds, maxMaxWaitSeconds, *patch.MaxWaitTimeSeconds))
	}
	if patch.SkillRangeFlexibility != nil {
		switch *patch.SkillRangeFlexibility {
		case domain.FlexibilityStrict, domain.FlexibilityMedium, domain.FlexibilityFlexible:
		default:
			return nil, errors.New(errors.ReasonValidation,
				errors.WithMessagef("unknown skillRangeFlexibility %q", *patch.SkillRangeFlexibility))
		}
	}

	var updated *domain.QueueEntry
	err := s.retry.Do(ctx, "queue.preferences", func(ctx context.Context) error {
		entry, err := s.Get(ctx, playerUID)
		if err != nil {
			return err
		}

		if patch.MaxWaitTimeSeconds != nil {
			entry.Preferences.MaxWaitTimeSeconds = *patch.MaxWaitTimeSeconds
		}
		if patch.SkillRangeFlexibility != nil {
			entry.Preferences.SkillRangeFlexibility = *patch.SkillRangeFlexibility
		}

		entries, err := s.List(ctx)
		if err != nil {
			return err
		}
		metrics, _ := s.Metrics(ctx)
		entry.EstimatedWaitTimeSeconds = EstimateWait(len(entries), metrics, entry.SkillRating)

		if err := s.store.Set(ctx, entryKey(playerUID), entry); err != nil {
			return netErr("write queue entry", err)
		}

		updated = entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// List returns all active entries ordered by enqueue time.
func (s *Service) List(ctx context.Context) ([]domain.QueueEntry, error) {
	raw, err := s.store.List(ctx, entryPrefix)
	if err != nil {
		return nil, netErr("list queue", err)
	}

	entries := make([]domain.QueueEntry, 0, len(raw))
	for _, e := range raw {
		var entry domain.QueueEntry
		if err := e.Decode(&entry); err != nil {
			slog.WarnContext(ctx, "queue: skipping undecodable entry", "key", e.Key, "error", err)
			continue
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].QueuedAt.Before(entries[j].QueuedAt) })
	return entries, nil
}

// Subscribe streams queue changes for dashboards and the matchmaking driver.
func (s *Service) Subscribe(ctx context.Context) (<-chan store.Change, error) {
	return s.store.Subscribe(ctx, entryPrefix)
}

// Metrics reads the aggregate queue metrics document; absent metrics come
// back zero-valued.
func (s *Service) Metrics(ctx context.Context) (*domain.QueueMetrics, error) {
	var m domain.QueueMetrics
	err := s.store.Get(ctx, metricsKey, &m)
	if err == store.ErrNotFound {
		return &domain.QueueMetrics{}, nil
	}
	if err != nil {
		return nil, netErr("read queue metrics", err)
	}
	return &m, nil
}

// WriteMetrics persists the aggregates refreshed by the matchmaking pass.
// Metrics failures never abort the caller's primary operation.
func (s *Service) WriteMetrics(ctx context.Context, m domain.QueueMetrics) {
	if err := s.store.Set(ctx, metricsKey, m); err != nil {
		slog.WarnContext(ctx, "queue: metrics write failed", "error", err)
		s.telemetry.AddBreadcrumb(ctx, "queue", "metrics write failed", map[string]any{"error": err.Error()})
	}
}

// EstimateWait computes the wait estimate in seconds: the last observed
// average (or the 45s base), scaled up for a thin queue, down for a deep one,
// and widened for ratings far from the 1200 center, clamped to [15,300].
func EstimateWait(queueSize int, metrics *domain.QueueMetrics, rating int) int {
	base := float64(baseWaitSeconds)
	if metrics != nil && metrics.AverageWaitMs > 0 {
		base = float64(metrics.AverageWaitMs) / 1000
	}

	switch {
	case queueSize < 3:
		base *= 1.5
	case queueSize >= 6:
		base *= 0.7
	}

	dist := float64(rating - 1200)
	if dist < 0 {
		dist = -dist
	}
	base *= 1 + (dist/1000)*0.3

	if base < minWaitSeconds {
		base = minWaitSeconds
	}
	if base > maxWaitSeconds {
		base = maxWaitSeconds
	}
	return int(base)
}

func applyPreferenceDefaults(p *domain.QueuePreferences) {
	if p.MaxWaitTimeSeconds == 0 {
		p.MaxWaitTimeSeconds = 300
	}
	if p.SkillRangeFlexibility == "" {
		p.SkillRangeFlexibility = domain.FlexibilityMedium
	}
}

func applyConnectionDefaults(c *domain.ConnectionInfo) {
	if c.ConnectionQuality == "" {
		c.ConnectionQuality = domain.ConnectionFair
	}
}

func entryKey(uid string) string {
	return entryPrefix + uid
}

func netErr(op string, err error) error {
	return errors.New(errors.ReasonNetwork,
		errors.WithMessagef("%s: %v", op, err),
		errors.WithCause(err),
	)
}
