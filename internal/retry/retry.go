// Package retry categorizes failures and drives backoff for the retryable
// ones. Validation and permission failures are never retried; transport-level
// failures are retried on a fixed exponential schedule with jitter.
package retry

import (
	"context"
	stderrors "errors"
	"math/rand"
	"net"
	"time"

	"github.com/victornm/partyhub/internal/errors"
	"github.com/victornm/partyhub/internal/store"
	"github.com/victornm/partyhub/internal/telemetry"
)

type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryTemporary      Category = "temporary"
	CategoryRateLimited    Category = "rate_limited"
	CategoryAuthentication Category = "authentication"
	CategoryPermanent      Category = "permanent"
	CategoryUnknown        Category = "unknown"
)

type Classification struct {
	Category   Category
	Retryable  bool
	RetryAfter time.Duration
}

// Classify buckets an error into a retry category. Unknown errors are treated
// as non-retryable so a broken invariant can't spin the retry loop.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Category: CategoryUnknown}
	}

	var appErr *errors.Error
	if stderrors.As(err, &appErr) {
		return classifyReason(appErr)
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return Classification{Category: CategoryNetwork, Retryable: true}
	}
	if stderrors.Is(err, context.Canceled) {
		return Classification{Category: CategoryPermanent}
	}
	if stderrors.Is(err, store.ErrNotFound) {
		return Classification{Category: CategoryPermanent}
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return Classification{Category: CategoryNetwork, Retryable: true}
	}

	return Classification{Category: CategoryUnknown}
}

func classifyReason(e *errors.Error) Classification {
	switch e.Reason {
	case errors.ReasonNetwork:
		return Classification{Category: CategoryNetwork, Retryable: true}
	case errors.ReasonRateLimited:
		return Classification{Category: CategoryRateLimited, Retryable: true, RetryAfter: e.RetryAfter()}
	case errors.ReasonPermissionDenied:
		return Classification{Category: CategoryAuthentication}
	case errors.ReasonCodeGenerationFailed,
		errors.ReasonMatchmakingTimeout,
		errors.ReasonMatchCreationFailed,
		errors.ReasonSkillRatingUnavailable:
		return Classification{Category: CategoryTemporary, Retryable: true, RetryAfter: e.RetryAfter()}
	case errors.ReasonUnknown:
		return Classification{Category: CategoryUnknown, Retryable: e.Retryable()}
	default:
		return Classification{Category: CategoryPermanent}
	}
}

// backoffSchedule is shared with the lobby code generator.
var backoffSchedule = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
	800 * time.Millisecond,
	1600 * time.Millisecond,
}

const maxJitter = 100 * time.Millisecond

// Backoff returns the delay before retry number attempt (0-based), with
// jitter applied.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(backoffSchedule) {
		attempt = len(backoffSchedule) - 1
	}

	return backoffSchedule[attempt] + time.Duration(rand.Int63n(int64(maxJitter)))
}

type Config struct {
	// MaxAttempts bounds the total number of calls, first try included.
	// Zero means one try per schedule entry plus the initial call.
	MaxAttempts int
	Telemetry   telemetry.Reporter

	// Sleep is injectable for tests; defaults to a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Policy struct {
	maxAttempts int
	telemetry   telemetry.Reporter
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewPolicy(c Config) *Policy {
	p := &Policy{
		maxAttempts: c.MaxAttempts,
		telemetry:   c.Telemetry,
		sleep:       c.Sleep,
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = len(backoffSchedule) + 1
	}
	if p.telemetry == nil {
		p.telemetry = telemetry.Noop{}
	}
	if p.sleep == nil {
		p.sleep = sleepCtx
	}
	return p
}

// Do runs fn, retrying while the classified failure is retryable. A
// classified RetryAfter overrides the backoff schedule for that attempt. The
// last error is returned once attempts are exhausted or the failure turns
// non-retryable.
func (p *Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := Backoff(attempt - 1)
			if c := Classify(lastErr); c.RetryAfter > 0 {
				delay = c.RetryAfter
			}
			if err := p.sleep(ctx, delay); err != nil {
				return lastErr
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		c := Classify(err)
		if !c.Retryable {
			return err
		}

		p.telemetry.AddBreadcrumb(ctx, "retry", op, map[string]any{
			"attempt":  attempt + 1,
			"category": string(c.Category),
			"error":    err.Error(),
		})
	}

	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
