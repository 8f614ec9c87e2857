package errors_test

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"

	"github.com/victornm/partyhub/internal/errors"
)

func TestNew(t *testing.T) {
	e := errors.New(errors.ReasonLobbyNotFound)

	assert.Equal(t, errors.ReasonLobbyNotFound, e.Reason)
	assert.Contains(t, e.Error(), "LOBBY_NOT_FOUND")
	assert.NotEmpty(t, e.UserMessage)
	assert.False(t, e.Retryable())

	assert.Equal(t, errors.ReasonUnknown, errors.New(errors.Reason("NO_SUCH_REASON")).Reason,
		"unmapped reasons collapse to unknown")
}

func TestOptions(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	e := errors.New(errors.ReasonNetwork,
		errors.WithCause(cause),
		errors.WithMessagef("store write failed after %d attempts", 3),
		errors.WithUserMessage("Please check your connection."),
		errors.WithRetryAfter(5*time.Second),
	)

	assert.ErrorIs(t, e, cause)
	assert.Contains(t, e.Error(), "store write failed after 3 attempts")
	assert.Contains(t, e.Error(), "connection refused")
	assert.Equal(t, "Please check your connection.", e.UserMessage)
	assert.True(t, e.Retryable())
	assert.Equal(t, 5*time.Second, e.RetryAfter())

	pinned := errors.New(errors.ReasonNetwork, errors.WithRetryable(false))
	assert.False(t, pinned.Retryable(), "the option overrides the reason's default")
}

func TestConvert(t *testing.T) {
	e := errors.New(errors.ReasonLobbyFull)
	assert.Same(t, e, errors.Convert(e))
	assert.Same(t, e, errors.Convert(fmt.Errorf("join: %w", e)), "wrapped errors convert to the inner one")

	foreign := errors.Convert(stderrors.New("boom"))
	assert.Equal(t, errors.ReasonUnknown, foreign.Reason)
	assert.ErrorContains(t, foreign, "boom")
}

func TestIs(t *testing.T) {
	e := errors.New(errors.ReasonAlreadyInQueue)

	assert.True(t, errors.Is(e, errors.ReasonAlreadyInQueue))
	assert.True(t, errors.Is(fmt.Errorf("enqueue: %w", e), errors.ReasonAlreadyInQueue))
	assert.False(t, errors.Is(e, errors.ReasonNotInQueue))
	assert.False(t, errors.Is(stderrors.New("boom"), errors.ReasonUnknown))
	assert.False(t, errors.Is(nil, errors.ReasonUnknown))
}

func TestStatusMapping(t *testing.T) {
	tests := map[string]struct {
		reason   errors.Reason
		grpcCode codes.Code
		httpCode int
	}{
		"validation":      {errors.ReasonValidation, codes.InvalidArgument, http.StatusBadRequest},
		"lobby not found": {errors.ReasonLobbyNotFound, codes.NotFound, http.StatusNotFound},
		"lobby full":      {errors.ReasonLobbyFull, codes.FailedPrecondition, http.StatusConflict},
		"not the host":    {errors.ReasonPermissionDenied, codes.PermissionDenied, http.StatusForbidden},
		"rate limited":    {errors.ReasonRateLimited, codes.ResourceExhausted, http.StatusTooManyRequests},
		"network":         {errors.ReasonNetwork, codes.Unavailable, http.StatusServiceUnavailable},
		"stats update":    {errors.ReasonStatsUpdateFailed, codes.Internal, http.StatusInternalServerError},
		"unknown":         {errors.ReasonUnknown, codes.Unknown, http.StatusInternalServerError},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			e := errors.New(tt.reason)
			assert.Equal(t, tt.grpcCode, e.GRPCStatus().Code())
			assert.Equal(t, tt.httpCode, e.HTTPStatusCode())
		})
	}
}
