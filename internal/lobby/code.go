package lobby

import (
	"context"
	"math/rand"
	"regexp"
	"time"

	"github.com/victornm/partyhub/internal/errors"
	"github.com/victornm/partyhub/internal/retry"
	"github.com/victornm/partyhub/internal/store"
	"github.com/victornm/partyhub/internal/telemetry"
)

const (
	codeAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength      = 5
	maxCodeAttempts = 10
	reservationTTL  = 30 * time.Second
)

var codePattern = regexp.MustCompile(`^[A-Z0-9]{5}$`)

// ValidCode reports whether code has the 5-char uppercase alphanumeric shape.
func ValidCode(code string) bool {
	return codePattern.MatchString(code)
}

type CodeGeneratorConfig struct {
	Store     store.Store
	Telemetry telemetry.Reporter

	// Sleep is injectable for tests; defaults to a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// CodeGenerator allocates collision-safe lobby codes. A random draw is
// checked against existing lobbies and then reserved with a short-lived
// record; the reservation shrinks the window between check and lobby write
// but does not eliminate it.
type CodeGenerator struct {
	store     store.Store
	telemetry telemetry.Reporter
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewCodeGenerator(c CodeGeneratorConfig) *CodeGenerator {
	g := &CodeGenerator{
		store:     c.Store,
		telemetry: c.Telemetry,
		sleep:     c.Sleep,
	}
	if g.telemetry == nil {
		g.telemetry = telemetry.Noop{}
	}
	if g.sleep == nil {
		g.sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		}
	}
	return g
}

type reservation struct {
	ReservedAt time.Time `json:"reservedAt"`
}

// Generate draws codes until one is both unused and reservable, backing off
// between attempts. It fails with CODE_GENERATION_FAILED after exhausting
// attempts on collisions, or NETWORK_ERROR when every attempt failed at the
// transport level.
func (g *CodeGenerator) Generate(ctx context.Context) (string, error) {
	transportFailures := 0

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		if attempt > 0 {
			if err := g.sleep(ctx, retry.Backoff(attempt-1)); err != nil {
				return "", err
			}
		}

		code := randomCode()

		var existing struct{}
		err := g.store.Get(ctx, lobbyKey(code), &existing)
		if err == nil {
			continue // taken
		}
		if err != store.ErrNotFound {
			transportFailures++
			continue
		}

		ok, err := g.store.SetNX(ctx, reservationKey(code), reservation{ReservedAt: time.Now().UTC()}, reservationTTL)
		if err != nil {
			transportFailures++
			continue
		}
		if !ok {
			continue // reserved by a concurrent creator
		}

		return code, nil
	}

	var genErr *errors.Error
	if transportFailures == maxCodeAttempts {
		genErr = errors.New(errors.ReasonNetwork,
			errors.WithMessagef("code generation: all %d attempts failed at transport level", maxCodeAttempts))
	} else {
		genErr = errors.New(errors.ReasonCodeGenerationFailed,
			errors.WithMessagef("code generation: no free code after %d attempts", maxCodeAttempts))
	}

	g.telemetry.CaptureException(ctx, genErr)
	return "", genErr
}

func randomCode() string {
	b := make([]byte, codeLength)
	for i := range b {
		b[i] = codeAlphabet[rand.Intn(len(codeAlphabet))]
	}
	return string(b)
}

func lobbyKey(code string) string {
	return "lobbies/" + code
}

func reservationKey(code string) string {
	return "reservations/" + code
}
