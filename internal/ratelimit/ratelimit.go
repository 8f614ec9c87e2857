// Package ratelimit throttles per-user, per-action request rates with
// store-backed sliding windows. Enforcement fails open: when the window state
// can't be read or written, the request is allowed rather than blocking every
// caller on a degraded store.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/victornm/partyhub/internal/errors"
	"github.com/victornm/partyhub/internal/metrics"
	"github.com/victornm/partyhub/internal/store"
	"github.com/victornm/partyhub/internal/telemetry"
)

const (
	ActionLobbyCreate    = "lobby_create"
	ActionChatMessage    = "chat_message"
	ActionSettingsUpdate = "settings_update"
	ActionDefault        = "default"
)

type Rule struct {
	MaxRequests   int
	Window        time.Duration
	BlockDuration time.Duration
}

// DefaultRules mirror the product limits: lobby creation 5/hour, chat 30/min,
// settings 20/min, everything else 100/min.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		ActionLobbyCreate:    {MaxRequests: 5, Window: time.Hour, BlockDuration: 10 * time.Minute},
		ActionChatMessage:    {MaxRequests: 30, Window: time.Minute, BlockDuration: 2 * time.Minute},
		ActionSettingsUpdate: {MaxRequests: 20, Window: time.Minute, BlockDuration: time.Minute},
		ActionDefault:        {MaxRequests: 100, Window: time.Minute, BlockDuration: time.Minute},
	}
}

type Config struct {
	Store     store.Store
	Rules     map[string]Rule
	Telemetry telemetry.Reporter
	Now       func() time.Time
}

type Limiter struct {
	store     store.Store
	rules     map[string]Rule
	telemetry telemetry.Reporter
	now       func() time.Time
}

func NewLimiter(c Config) *Limiter {
	l := &Limiter{
		store:     c.Store,
		rules:     c.Rules,
		telemetry: c.Telemetry,
		now:       c.Now,
	}
	if l.rules == nil {
		l.rules = DefaultRules()
	}
	if l.telemetry == nil {
		l.telemetry = telemetry.Noop{}
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

type window struct {
	Count        int       `json:"count"`
	WindowStart  time.Time `json:"windowStart"`
	BlockedUntil time.Time `json:"blockedUntil,omitempty"`
}

// Check returns nil when the request is allowed, or a RATE_LIMITED error with
// a retry-after hint when it isn't. Unknown actions fall back to the default
// rule.
func (l *Limiter) Check(ctx context.Context, userUID, action string) error {
	rule, ok := l.rules[action]
	if !ok {
		rule = l.rules[ActionDefault]
	}

	key := "ratelimits/" + action + "/" + userUID
	now := l.now()

	var w window
	err := l.store.Get(ctx, key, &w)
	if err != nil && err != store.ErrNotFound {
		l.failOpen(ctx, userUID, action, err)
		return nil
	}

	if !w.BlockedUntil.IsZero() && now.Before(w.BlockedUntil) {
		return l.limited(action, w.BlockedUntil.Sub(now))
	}

	if w.WindowStart.IsZero() || now.Sub(w.WindowStart) >= rule.Window {
		w = window{Count: 0, WindowStart: now}
	}

	if w.Count >= rule.MaxRequests {
		w.BlockedUntil = now.Add(rule.BlockDuration)
		if err := l.store.Set(ctx, key, w); err != nil {
			l.failOpen(ctx, userUID, action, err)
			return nil
		}
		return l.limited(action, rule.BlockDuration)
	}

	w.Count++
	w.BlockedUntil = time.Time{}
	if err := l.store.Set(ctx, key, w); err != nil {
		l.failOpen(ctx, userUID, action, err)
		return nil
	}

	return nil
}

func (l *Limiter) limited(action string, retryAfter time.Duration) error {
	metrics.RateLimitDenials.WithLabelValues(action).Inc()
	return errors.New(errors.ReasonRateLimited,
		errors.WithMessagef("rate limit exceeded for action %s", action),
		errors.WithRetryAfter(retryAfter),
	)
}

func (l *Limiter) failOpen(ctx context.Context, userUID, action string, err error) {
	slog.WarnContext(ctx, "ratelimit: store failure, failing open",
		"user", userUID,
		"action", action,
		"error", err,
	)
	l.telemetry.AddBreadcrumb(ctx, "ratelimit", "fail open", map[string]any{
		"action": action,
		"error":  err.Error(),
	})
}
