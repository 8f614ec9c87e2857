package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Reason is the application-level error taxonomy. Every error surfaced by the
// coordination engine carries exactly one reason; transport mappings (gRPC
// code, HTTP status) and retryability derive from it.
type Reason string

const (
	ReasonValidation             Reason = "VALIDATION_ERROR"
	ReasonLobbyNotFound          Reason = "LOBBY_NOT_FOUND"
	ReasonLobbyFull              Reason = "LOBBY_FULL"
	ReasonLobbyAlreadyStarted    Reason = "LOBBY_ALREADY_STARTED"
	ReasonPermissionDenied       Reason = "PERMISSION_DENIED"
	ReasonCodeGenerationFailed   Reason = "CODE_GENERATION_FAILED"
	ReasonNetwork                Reason = "NETWORK_ERROR"
	ReasonAlreadyInQueue         Reason = "ALREADY_IN_QUEUE"
	ReasonNotInQueue             Reason = "NOT_IN_QUEUE"
	ReasonMatchmakingTimeout     Reason = "MATCHMAKING_TIMEOUT"
	ReasonMatchCreationFailed    Reason = "MATCH_CREATION_FAILED"
	ReasonStatsUpdateFailed      Reason = "STATS_UPDATE_FAILED"
	ReasonSkillRatingUnavailable Reason = "SKILL_RATING_UNAVAILABLE"
	ReasonRateLimited            Reason = "RATE_LIMITED"
	ReasonUnknown                Reason = "UNKNOWN_ERROR"
)

type reasonInfo struct {
	code        codes.Code
	retryable   bool
	userMessage string
}

var reasons = map[Reason]reasonInfo{
	ReasonValidation:             {codes.InvalidArgument, false, "Some of the provided values are invalid."},
	ReasonLobbyNotFound:          {codes.NotFound, false, "That lobby doesn't exist. Double-check the code."},
	ReasonLobbyFull:              {codes.FailedPrecondition, false, "This lobby is already full."},
	ReasonLobbyAlreadyStarted:    {codes.FailedPrecondition, false, "This game has already started."},
	ReasonPermissionDenied:       {codes.PermissionDenied, false, "Only the host can do that."},
	ReasonCodeGenerationFailed:   {codes.ResourceExhausted, true, "Couldn't create a lobby right now. Please try again."},
	ReasonNetwork:                {codes.Unavailable, true, "Connection problem. Please try again."},
	ReasonAlreadyInQueue:         {codes.AlreadyExists, false, "You're already in the matchmaking queue."},
	ReasonNotInQueue:             {codes.NotFound, false, "You're not in the matchmaking queue."},
	ReasonMatchmakingTimeout:     {codes.DeadlineExceeded, true, "Matchmaking took too long. Please re-queue."},
	ReasonMatchCreationFailed:    {codes.Internal, true, "Couldn't create your match. Please try again."},
	ReasonStatsUpdateFailed:      {codes.Internal, false, "Your results couldn't be saved."},
	ReasonSkillRatingUnavailable: {codes.Unavailable, true, "Ratings are temporarily unavailable."},
	ReasonRateLimited:            {codes.ResourceExhausted, true, "Slow down a little and try again."},
	ReasonUnknown:                {codes.Unknown, false, "Something went wrong."},
}

var code2http = map[codes.Code]int{
	codes.InvalidArgument:    http.StatusBadRequest,
	codes.NotFound:           http.StatusNotFound,
	codes.AlreadyExists:      http.StatusConflict,
	codes.FailedPrecondition: http.StatusConflict,
	codes.PermissionDenied:   http.StatusForbidden,
	codes.ResourceExhausted:  http.StatusTooManyRequests,
	codes.DeadlineExceeded:   http.StatusGatewayTimeout,
	codes.Unavailable:        http.StatusServiceUnavailable,
	codes.Unauthenticated:    http.StatusUnauthorized,
	codes.Internal:           http.StatusInternalServerError,
}

// Error carries a technical message for logs and a user-facing message for
// display, per the product's error handling contract.
type Error struct {
	Reason      Reason `json:"reason"`
	Message     string `json:"message"`
	UserMessage string `json:"userMessage"`

	retryable  bool
	retryAfter time.Duration
	err        error
}

func New(reason Reason, opts ...Option) *Error {
	info, ok := reasons[reason]
	if !ok {
		reason, info = ReasonUnknown, reasons[ReasonUnknown]
	}

	e := &Error{
		Reason:      reason,
		Message:     string(reason),
		UserMessage: info.userMessage,
		retryable:   info.retryable,
	}

	for _, opt := range opts {
		opt.apply(e)
	}

	return e
}

func (e *Error) Error() string {
	s := fmt.Sprintf("reason: %s, message: %s", e.Reason, e.Message)
	if e.err != nil {
		s += fmt.Sprintf(", err: %s", e.err)
	}

	return s
}

func (e *Error) Unwrap() error {
	return e.err
}

// Retryable reports whether a caller may retry the failed operation.
func (e *Error) Retryable() bool {
	return e.retryable
}

// RetryAfter returns the suggested delay before retrying, or zero when the
// caller should use its own backoff schedule.
func (e *Error) RetryAfter() time.Duration {
	return e.retryAfter
}

func (e *Error) GRPCStatus() *status.Status {
	return status.New(reasons[e.Reason].code, e.Message)
}

func (e *Error) HTTPStatusCode() int {
	if c, ok := code2http[reasons[e.Reason].code]; ok {
		return c
	}

	return http.StatusInternalServerError
}

// Convert coerces any error into an *Error, wrapping foreign errors as
// UNKNOWN_ERROR.
func Convert(err error) *Error {
	var e *Error
	if !errors.As(err, &e) {
		return New(ReasonUnknown, WithCause(err))
	}

	return e
}

// Is reports whether err carries the given reason.
func Is(err error, reason Reason) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	return e.Reason == reason
}

type Option interface {
	apply(*Error)
}

type optionFunc func(*Error)

func (f optionFunc) apply(e *Error) {
	f(e)
}

func WithCause(err error) Option {
	return optionFunc(func(e *Error) {
		e.err = err
	})
}

func WithMessagef(format string, args ...any) Option {
	return optionFunc(func(e *Error) {
		e.Message = fmt.Sprintf(format, args...)
	})
}

func WithUserMessage(msg string) Option {
	return optionFunc(func(e *Error) {
		e.UserMessage = msg
	})
}

func WithRetryAfter(d time.Duration) Option {
	return optionFunc(func(e *Error) {
		e.retryable = true
		e.retryAfter = d
	})
}

func WithRetryable(retryable bool) Option {
	return optionFunc(func(e *Error) {
		e.retryable = retryable
	})
}
