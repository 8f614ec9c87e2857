// Package lobby implements lobby lifecycle coordination: creation under
// collision-safe codes, membership, host transfer, debounced settings writes
// and status transitions. All mutation is optimistic read-then-write against
// the shared store; two callers racing the last slot can both pass validation,
// which is an accepted limitation of the storage model.
package lobby

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/victornm/partyhub/internal/domain"
	"github.com/victornm/partyhub/internal/errors"
	"github.com/victornm/partyhub/internal/event"
	"github.com/victornm/partyhub/internal/ratelimit"
	"github.com/victornm/partyhub/internal/retry"
	"github.com/victornm/partyhub/internal/store"
	"github.com/victornm/partyhub/internal/telemetry"
)

const (
	defaultMaxPlayers = 8
	maxLobbyPlayers   = 16

	minRounds    = 3
	maxRounds    = 15
	minTimeLimit = 30
	maxTimeLimit = 120

	defaultDebounceWindow = 500 * time.Millisecond
	countdownDuration     = 10 * time.Second
	countdownMinPlayers   = 3
)

type Config struct {
	Store     store.Store
	EventBus  *event.Bus
	Codes     *CodeGenerator
	Limiter   *ratelimit.Limiter
	Retry     *retry.Policy
	Telemetry telemetry.Reporter

	// DebounceWindow collapses rapid settings updates; defaults to 500ms.
	DebounceWindow time.Duration
}

type Service struct {
	store     store.Store
	eb        *event.Bus
	codes     *CodeGenerator
	limiter   *ratelimit.Limiter
	retry     *retry.Policy
	telemetry telemetry.Reporter
	window    time.Duration

	mu         sync.Mutex
	pending    map[string]*pendingSettings
	countdowns map[string]*time.Timer
	closed     bool
}

func NewService(c Config) *Service {
	s := &Service{
		store:      c.Store,
		eb:         c.EventBus,
		codes:      c.Codes,
		limiter:    c.Limiter,
		retry:      c.Retry,
		telemetry:  c.Telemetry,
		window:     c.DebounceWindow,
		pending:    make(map[string]*pendingSettings),
		countdowns: make(map[string]*time.Timer),
	}
	if s.window <= 0 {
		s.window = defaultDebounceWindow
	}
	if s.retry == nil {
		s.retry = retry.NewPolicy(retry.Config{})
	}
	if s.telemetry == nil {
		s.telemetry = telemetry.Noop{}
	}
	return s
}

// Close clears pending debounce timers and countdowns. Coalesced settings
// writers that haven't flushed yet are failed rather than written.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for code, p := range s.pending {
		p.timer.Stop()
		p.fail(errors.New(errors.ReasonUnknown, errors.WithMessagef("lobby %s: coordinator shutting down", code)))
		delete(s.pending, code)
	}
	for code, t := range s.countdowns {
		t.Stop()
		delete(s.countdowns, code)
	}
}

type CreateLobbyRequest struct {
	HostUID     string
	DisplayName string
	AvatarID    string
	ProfileURL  string
	MaxPlayers  int
	Settings    domain.LobbySettings
}

// CreateLobby validates the settings, allocates a code and writes the lobby
// with the creator as sole host.
func (s *Service) CreateLobby(ctx context.Context, req CreateLobbyRequest) (*domain.Lobby, error) {
	if req.HostUID == "" {
		return nil, errors.New(errors.ReasonValidation, errors.WithMessagef("host uid is required"))
	}
	if req.MaxPlayers == 0 {
		req.MaxPlayers = defaultMaxPlayers
	}
	if req.MaxPlayers < 2 || req.MaxPlayers > maxLobbyPlayers {
		return nil, errors.New(errors.ReasonValidation,
			errors.WithMessagef("maxPlayers must be between 2 and %d, got %d", maxLobbyPlayers, req.MaxPlayers))
	}
	if violations := validateSettings(req.Settings); len(violations) > 0 {
		return nil, errors.New(errors.ReasonValidation, errors.WithMessagef("%s", strings.Join(violations, "; ")))
	}

	if err := s.limiter.Check(ctx, req.HostUID, ratelimit.ActionLobbyCreate); err != nil {
		return nil, err
	}

	code, err := s.codes.Generate(ctx)
	if err != nil {
		return nil, err
	}

	now, err := s.serverTime(ctx)
	if err != nil {
		return nil, err
	}

	l := domain.Lobby{
		Code:       code,
		HostUID:    req.HostUID,
		MaxPlayers: req.MaxPlayers,
		Status:     domain.LobbyStatusWaiting,
		Settings:   req.Settings,
		Players: map[string]domain.PlayerRecord{
			req.HostUID: {
				DisplayName: req.DisplayName,
				AvatarID:    req.AvatarID,
				ProfileURL:  req.ProfileURL,
				JoinedAt:    now,
				IsHost:      true,
				Status:      domain.PlayerStatusWaiting,
				LastSeen:    now,
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.retry.Do(ctx, "lobby.create", func(ctx context.Context) error {
		if err := s.store.Set(ctx, lobbyKey(code), l); err != nil {
			return networkErr("write lobby", err)
		}
		return nil
	})
	if err != nil {
		s.telemetry.CaptureException(ctx, err)
		return nil, err
	}

	s.eb.Publish(ctx, domain.EventLobbyCreated{Lobby: l})
	return &l, nil
}

type JoinLobbyRequest struct {
	Code        string
	PlayerUID   string
	DisplayName string
	AvatarID    string
	ProfileURL  string
}

// JoinLobby adds a member. Rejoining as an existing member returns the
// current lobby unchanged without a write.
func (s *Service) JoinLobby(ctx context.Context, req JoinLobbyRequest) (*domain.Lobby, error) {
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	if !ValidCode(code) {
		return nil, errors.New(errors.ReasonValidation, errors.WithMessagef("malformed lobby code %q", req.Code))
	}
	if req.PlayerUID == "" {
		return nil, errors.New(errors.ReasonValidation, errors.WithMessagef("player uid is required"))
	}

	if err := s.limiter.Check(ctx, req.PlayerUID, ratelimit.ActionDefault); err != nil {
		return nil, err
	}

	var joined *domain.Lobby
	err := s.retry.Do(ctx, "lobby.join", func(ctx context.Context) error {
		l, err := s.readLobby(ctx, code)
		if err != nil {
			return err
		}

		if l.Status != domain.LobbyStatusWaiting {
			return errors.New(errors.ReasonLobbyAlreadyStarted,
				errors.WithMessagef("lobby %s is %s", code, l.Status))
		}

		if _, ok := l.Players[req.PlayerUID]; ok {
			joined = l
			return nil
		}

		if len(l.Players) >= l.MaxPlayers {
			return errors.New(errors.ReasonLobbyFull,
				errors.WithMessagef("lobby %s has %d/%d players", code, len(l.Players), l.MaxPlayers))
		}

		now, err := s.serverTime(ctx)
		if err != nil {
			return err
		}

		l.Players[req.PlayerUID] = domain.PlayerRecord{
			DisplayName: req.DisplayName,
			AvatarID:    req.AvatarID,
			ProfileURL:  req.ProfileURL,
			JoinedAt:    now,
			Status:      domain.PlayerStatusWaiting,
			LastSeen:    now,
		}
		l.UpdatedAt = now

		if err := s.store.Set(ctx, lobbyKey(code), l); err != nil {
			return networkErr("write lobby", err)
		}

		joined = l
		s.eb.Publish(ctx, domain.EventLobbyUpdated{Lobby: *l})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return joined, nil
}

// SettingsPatch carries the fields of a partial settings update; nil fields
// are left untouched.
type SettingsPatch struct {
	Rounds           *int
	TimeLimitSeconds *int
	Categories       []string
}

type UpdateSettingsRequest struct {
	Code         string
	RequesterUID string
	Patch        SettingsPatch
}

type pendingSettings struct {
	timer    *time.Timer
	settings domain.LobbySettings
	waiters  []chan settingsResult
}

type settingsResult struct {
	settings domain.LobbySettings
	err      error
}

func (p *pendingSettings) fail(err error) {
	for _, w := range p.waiters {
		w <- settingsResult{err: err}
	}
	p.waiters = nil
}

// UpdateLobbySettings merges a partial update after host and status checks.
// Writes are debounced: calls for the same lobby inside the window collapse
// into a single store write carrying the last call's merged values, and every
// coalesced caller receives the same resolved settings.
func (s *Service) UpdateLobbySettings(ctx context.Context, req UpdateSettingsRequest) (*domain.LobbySettings, error) {
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	if !ValidCode(code) {
		return nil, errors.New(errors.ReasonValidation, errors.WithMessagef("malformed lobby code %q", req.Code))
	}

	if err := s.limiter.Check(ctx, req.RequesterUID, ratelimit.ActionSettingsUpdate); err != nil {
		return nil, err
	}

	l, err := s.readLobby(ctx, code)
	if err != nil {
		return nil, err
	}
	if l.HostUID != req.RequesterUID {
		return nil, errors.New(errors.ReasonPermissionDenied,
			errors.WithMessagef("player %s is not the host of lobby %s", req.RequesterUID, code))
	}
	if l.Status != domain.LobbyStatusWaiting {
		return nil, errors.New(errors.ReasonLobbyAlreadyStarted,
			errors.WithMessagef("lobby %s is %s", code, l.Status))
	}

	merged := mergeSettings(l.Settings, req.Patch)
	if violations := validateSettings(merged); len(violations) > 0 {
		return nil, errors.New(errors.ReasonValidation, errors.WithMessagef("%s", strings.Join(violations, "; ")))
	}

	wait, err := s.enqueueSettingsWrite(code, merged)
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-wait:
		if res.err != nil {
			return nil, res.err
		}
		return &res.settings, nil
	}
}

// enqueueSettingsWrite installs or reschedules the single pending timer for
// the lobby. The latest merged settings always win.
func (s *Service) enqueueSettingsWrite(code string, merged domain.LobbySettings) (<-chan settingsResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New(errors.ReasonUnknown, errors.WithMessagef("coordinator shutting down"))
	}

	wait := make(chan settingsResult, 1)

	if p, ok := s.pending[code]; ok {
		p.settings = merged
		p.waiters = append(p.waiters, wait)
		p.timer.Reset(s.window)
		return wait, nil
	}

	p := &pendingSettings{settings: merged, waiters: []chan settingsResult{wait}}
	p.timer = time.AfterFunc(s.window, func() {
		s.flushSettings(code)
	})
	s.pending[code] = p

	return wait, nil
}

func (s *Service) flushSettings(code string) {
	s.mu.Lock()
	p, ok := s.pending[code]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, code)
	waiters, settings := p.waiters, p.settings
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var resolved domain.LobbySettings
	err := s.retry.Do(ctx, "lobby.settings", func(ctx context.Context) error {
		l, err := s.readLobby(ctx, code)
		if err != nil {
			return err
		}

		now, err := s.serverTime(ctx)
		if err != nil {
			return err
		}

		l.Settings = settings
		l.UpdatedAt = now
		if err := s.store.Set(ctx, lobbyKey(code), l); err != nil {
			return networkErr("write settings", err)
		}

		resolved = l.Settings
		s.eb.Publish(ctx, domain.EventLobbyUpdated{Lobby: *l})
		return nil
	})
	if err != nil {
		s.telemetry.CaptureException(ctx, err)
	}

	for _, w := range waiters {
		w <- settingsResult{settings: resolved, err: err}
	}
}

type KickPlayerRequest struct {
	Code         string
	TargetUID    string
	RequesterUID string
}

// KickPlayer removes a member. Host only; self-kick is rejected.
func (s *Service) KickPlayer(ctx context.Context, req KickPlayerRequest) (*domain.Lobby, error) {
	if req.TargetUID == req.RequesterUID {
		return nil, errors.New(errors.ReasonValidation, errors.WithMessagef("host cannot kick themselves"))
	}

	if err := s.limiter.Check(ctx, req.RequesterUID, ratelimit.ActionDefault); err != nil {
		return nil, err
	}

	var kicked *domain.Lobby
	err := s.retry.Do(ctx, "lobby.kick", func(ctx context.Context) error {
		l, err := s.readLobby(ctx, req.Code)
		if err != nil {
			return err
		}
		if l.HostUID != req.RequesterUID {
			return errors.New(errors.ReasonPermissionDenied,
				errors.WithMessagef("player %s is not the host of lobby %s", req.RequesterUID, req.Code))
		}
		if _, ok := l.Players[req.TargetUID]; !ok {
			return errors.New(errors.ReasonValidation,
				errors.WithMessagef("player %s is not in lobby %s", req.TargetUID, req.Code))
		}

		now, err := s.serverTime(ctx)
		if err != nil {
			return err
		}

		delete(l.Players, req.TargetUID)
		l.UpdatedAt = now
		if err := s.store.Set(ctx, lobbyKey(req.Code), l); err != nil {
			return networkErr("write lobby", err)
		}

		kicked = l
		s.eb.Publish(ctx, domain.EventLobbyUpdated{Lobby: *l})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return kicked, nil
}

type TransferHostRequest struct {
	Code         string
	TargetUID    string
	RequesterUID string
}

// TransferHost hands host duties to another member. Current host only;
// self-transfer is rejected.
func (s *Service) TransferHost(ctx context.Context, req TransferHostRequest) (*domain.Lobby, error) {
	if req.TargetUID == req.RequesterUID {
		return nil, errors.New(errors.ReasonValidation, errors.WithMessagef("cannot transfer host to yourself"))
	}

	var updated *domain.Lobby
	err := s.retry.Do(ctx, "lobby.transfer_host", func(ctx context.Context) error {
		l, err := s.readLobby(ctx, req.Code)
		if err != nil {
			return err
		}
		if l.HostUID != req.RequesterUID {
			return errors.New(errors.ReasonPermissionDenied,
				errors.WithMessagef("player %s is not the host of lobby %s", req.RequesterUID, req.Code))
		}
		if _, ok := l.Players[req.TargetUID]; !ok {
			return errors.New(errors.ReasonValidation,
				errors.WithMessagef("player %s is not in lobby %s", req.TargetUID, req.Code))
		}

		now, err := s.serverTime(ctx)
		if err != nil {
			return err
		}

		setHost(l, req.TargetUID)
		l.UpdatedAt = now
		if err := s.store.Set(ctx, lobbyKey(req.Code), l); err != nil {
			return networkErr("write lobby", err)
		}

		updated = l
		s.eb.Publish(ctx, domain.EventLobbyUpdated{Lobby: *l})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// TransferHostToEarliestPlayer is the automatic host failover: among members
// other than the current host, the earliest joined becomes host. No-op when
// the lobby holds only the departing host.
func (s *Service) TransferHostToEarliestPlayer(ctx context.Context, code string) (*domain.Lobby, error) {
	var updated *domain.Lobby
	err := s.retry.Do(ctx, "lobby.host_failover", func(ctx context.Context) error {
		l, err := s.readLobby(ctx, code)
		if err != nil {
			return err
		}

		next := earliestPlayer(l, l.HostUID)
		if next == "" {
			updated = l
			return nil
		}

		now, err := s.serverTime(ctx)
		if err != nil {
			return err
		}

		setHost(l, next)
		l.UpdatedAt = now
		if err := s.store.Set(ctx, lobbyKey(code), l); err != nil {
			return networkErr("write lobby", err)
		}

		updated = l
		s.eb.Publish(ctx, domain.EventLobbyUpdated{Lobby: *l})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

type LeaveLobbyRequest struct {
	Code      string
	PlayerUID string
}

// LeaveLobby removes the member. A departing host hands off to the earliest
// joined member; the last member leaving deletes the lobby.
func (s *Service) LeaveLobby(ctx context.Context, req LeaveLobbyRequest) error {
	return s.retry.Do(ctx, "lobby.leave", func(ctx context.Context) error {
		l, err := s.readLobby(ctx, req.Code)
		if err != nil {
			if errors.Is(err, errors.ReasonLobbyNotFound) {
				return nil
			}
			return err
		}

		if _, ok := l.Players[req.PlayerUID]; !ok {
			return nil
		}

		wasHost := l.HostUID == req.PlayerUID
		delete(l.Players, req.PlayerUID)

		if len(l.Players) == 0 {
			if err := s.store.Remove(ctx, lobbyKey(req.Code)); err != nil {
				return networkErr("remove lobby", err)
			}
			s.eb.Publish(ctx, domain.EventLobbyDeleted{Code: req.Code, Reason: "last player left"})
			return nil
		}

		now, err := s.serverTime(ctx)
		if err != nil {
			return err
		}

		if wasHost {
			if next := earliestPlayer(l, ""); next != "" {
				setHost(l, next)
			}
		}
		l.UpdatedAt = now

		if err := s.store.Set(ctx, lobbyKey(req.Code), l); err != nil {
			return networkErr("write lobby", err)
		}

		s.eb.Publish(ctx, domain.EventLobbyUpdated{Lobby: *l})
		return nil
	})
}

type UpdatePlayerStatusRequest struct {
	Code      string
	PlayerUID string
	Status    domain.PlayerStatus
}

// UpdatePlayerStatus updates a member's status and refreshes their lastSeen.
func (s *Service) UpdatePlayerStatus(ctx context.Context, req UpdatePlayerStatusRequest) error {
	if req.Status == "" {
		return errors.New(errors.ReasonValidation, errors.WithMessagef("status is required"))
	}

	return s.retry.Do(ctx, "lobby.player_status", func(ctx context.Context) error {
		l, err := s.readLobby(ctx, req.Code)
		if err != nil {
			return err
		}

		p, ok := l.Players[req.PlayerUID]
		if !ok {
			return errors.New(errors.ReasonValidation,
				errors.WithMessagef("player %s is not in lobby %s", req.PlayerUID, req.Code))
		}

		now, err := s.serverTime(ctx)
		if err != nil {
			return err
		}

		p.Status = req.Status
		p.LastSeen = now
		l.Players[req.PlayerUID] = p
		l.UpdatedAt = now

		if err := s.store.Set(ctx, lobbyKey(req.Code), l); err != nil {
			return networkErr("write lobby", err)
		}

		s.eb.Publish(ctx, domain.EventLobbyUpdated{Lobby: *l})
		return nil
	})
}

type SetLobbyStatusRequest struct {
	Code         string
	RequesterUID string
	Status       domain.LobbyStatus
}

// SetLobbyStatus drives the waiting -> started -> ended transitions. Host
// only; starting needs at least two players.
func (s *Service) SetLobbyStatus(ctx context.Context, req SetLobbyStatusRequest) (*domain.Lobby, error) {
	var updated *domain.Lobby
	err := s.retry.Do(ctx, "lobby.status", func(ctx context.Context) error {
		l, err := s.readLobby(ctx, req.Code)
		if err != nil {
			return err
		}
		if l.HostUID != req.RequesterUID {
			return errors.New(errors.ReasonPermissionDenied,
				errors.WithMessagef("player %s is not the host of lobby %s", req.RequesterUID, req.Code))
		}

		switch {
		case l.Status == domain.LobbyStatusWaiting && req.Status == domain.LobbyStatusStarted:
			if len(l.Players) < 2 {
				return errors.New(errors.ReasonValidation,
					errors.WithMessagef("lobby %s needs at least 2 players to start", req.Code))
			}
		case l.Status == domain.LobbyStatusStarted && req.Status == domain.LobbyStatusEnded:
		default:
			return errors.New(errors.ReasonValidation,
				errors.WithMessagef("invalid transition %s -> %s", l.Status, req.Status))
		}

		now, err := s.serverTime(ctx)
		if err != nil {
			return err
		}

		l.Status = req.Status
		l.UpdatedAt = now
		if err := s.store.Set(ctx, lobbyKey(req.Code), l); err != nil {
			return networkErr("write lobby", err)
		}

		updated = l
		s.eb.Publish(ctx, domain.EventLobbyUpdated{Lobby: *l})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

type DeleteLobbyRequest struct {
	Code         string
	RequesterUID string
	Reason       string
}

// DeleteLobby removes the lobby. Host only while players remain; anyone may
// delete an empty lobby, and deleting a non-existent lobby succeeds.
func (s *Service) DeleteLobby(ctx context.Context, req DeleteLobbyRequest) error {
	return s.retry.Do(ctx, "lobby.delete", func(ctx context.Context) error {
		l, err := s.readLobby(ctx, req.Code)
		if err != nil {
			if errors.Is(err, errors.ReasonLobbyNotFound) {
				return nil
			}
			return err
		}

		if len(l.Players) > 0 && l.HostUID != req.RequesterUID {
			return errors.New(errors.ReasonPermissionDenied,
				errors.WithMessagef("player %s cannot delete non-empty lobby %s", req.RequesterUID, req.Code))
		}

		if err := s.store.Remove(ctx, lobbyKey(req.Code)); err != nil {
			return networkErr("remove lobby", err)
		}

		reason := req.Reason
		if reason == "" {
			reason = "deleted by " + req.RequesterUID
		}
		s.eb.Publish(ctx, domain.EventLobbyDeleted{Code: req.Code, Reason: reason})
		return nil
	})
}

// MatchedPlayer is one queue-matched player headed into a formed lobby.
type MatchedPlayer struct {
	PlayerUID   string
	DisplayName string
	AvatarID    string
	ProfileURL  string
}

// CreateForMatch creates a lobby on behalf of the matchmaking pass, with the
// earliest-queued player as host. System-formed lobbies bypass the per-player
// creation limit.
func (s *Service) CreateForMatch(ctx context.Context, host MatchedPlayer, maxPlayers int, settings domain.LobbySettings) (*domain.Lobby, error) {
	if host.PlayerUID == "" {
		return nil, errors.New(errors.ReasonValidation, errors.WithMessagef("host uid is required"))
	}
	if maxPlayers < 2 || maxPlayers > maxLobbyPlayers {
		maxPlayers = defaultMaxPlayers
	}

	code, err := s.codes.Generate(ctx)
	if err != nil {
		return nil, err
	}

	now, err := s.serverTime(ctx)
	if err != nil {
		return nil, err
	}

	l := domain.Lobby{
		Code:       code,
		HostUID:    host.PlayerUID,
		MaxPlayers: maxPlayers,
		Status:     domain.LobbyStatusWaiting,
		Settings:   settings,
		Players: map[string]domain.PlayerRecord{
			host.PlayerUID: {
				DisplayName: host.DisplayName,
				AvatarID:    host.AvatarID,
				ProfileURL:  host.ProfileURL,
				JoinedAt:    now,
				IsHost:      true,
				Status:      domain.PlayerStatusWaiting,
				LastSeen:    now,
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.retry.Do(ctx, "lobby.create_for_match", func(ctx context.Context) error {
		if err := s.store.Set(ctx, lobbyKey(code), l); err != nil {
			return networkErr("write lobby", err)
		}
		return nil
	})
	if err != nil {
		s.telemetry.CaptureException(ctx, err)
		return nil, err
	}

	s.eb.Publish(ctx, domain.EventLobbyCreated{Lobby: l})
	return &l, nil
}

// AddMatchedPlayers joins a batch of matched players in a single write,
// skipping rate limits and anyone already in the lobby. Capacity still binds.
func (s *Service) AddMatchedPlayers(ctx context.Context, code string, players []MatchedPlayer) (*domain.Lobby, error) {
	var updated *domain.Lobby
	err := s.retry.Do(ctx, "lobby.add_matched", func(ctx context.Context) error {
		l, err := s.readLobby(ctx, code)
		if err != nil {
			return err
		}
		if l.Status != domain.LobbyStatusWaiting {
			return errors.New(errors.ReasonLobbyAlreadyStarted,
				errors.WithMessagef("lobby %s is %s", code, l.Status))
		}

		now, err := s.serverTime(ctx)
		if err != nil {
			return err
		}

		added := 0
		for _, p := range players {
			if _, ok := l.Players[p.PlayerUID]; ok {
				continue
			}
			if len(l.Players) >= l.MaxPlayers {
				return errors.New(errors.ReasonLobbyFull,
					errors.WithMessagef("lobby %s has %d/%d players", code, len(l.Players), l.MaxPlayers))
			}
			l.Players[p.PlayerUID] = domain.PlayerRecord{
				DisplayName: p.DisplayName,
				AvatarID:    p.AvatarID,
				ProfileURL:  p.ProfileURL,
				JoinedAt:    now,
				Status:      domain.PlayerStatusWaiting,
				LastSeen:    now,
			}
			added++
		}

		if added == 0 {
			updated = l
			return nil
		}

		l.UpdatedAt = now
		if err := s.store.Set(ctx, lobbyKey(code), l); err != nil {
			return networkErr("write lobby", err)
		}

		updated = l
		s.eb.Publish(ctx, domain.EventLobbyUpdated{Lobby: *l})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// GetLobby fetches a lobby without mutating it.
func (s *Service) GetLobby(ctx context.Context, code string) (*domain.Lobby, error) {
	return s.readLobby(ctx, code)
}

// ListOpenLobbies returns waiting lobbies with spare capacity, oldest first.
func (s *Service) ListOpenLobbies(ctx context.Context) ([]domain.Lobby, error) {
	entries, err := s.store.List(ctx, "lobbies/")
	if err != nil {
		return nil, networkErr("list lobbies", err)
	}

	var open []domain.Lobby
	for _, e := range entries {
		var l domain.Lobby
		if err := e.Decode(&l); err != nil {
			slog.WarnContext(ctx, "lobby: skipping undecodable record", "key", e.Key, "error", err)
			continue
		}
		if l.Status == domain.LobbyStatusWaiting && len(l.Players) < l.MaxPlayers {
			open = append(open, l)
		}
	}

	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.Before(open[j].CreatedAt) })
	return open, nil
}

// CheckAutoCountdown arms a start countdown once membership reaches the
// threshold, unless one is already pending. When the countdown fires the
// lobby is started if it still qualifies.
func (s *Service) CheckAutoCountdown(ctx context.Context, code string) {
	l, err := s.readLobby(ctx, code)
	if err != nil || l.Status != domain.LobbyStatusWaiting || len(l.Players) < countdownMinPlayers {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.countdowns[code]; ok {
		return
	}

	s.countdowns[code] = time.AfterFunc(countdownDuration, func() {
		s.mu.Lock()
		delete(s.countdowns, code)
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.startAfterCountdown(ctx, code)
	})
}

func (s *Service) startAfterCountdown(ctx context.Context, code string) {
	err := s.retry.Do(ctx, "lobby.countdown_start", func(ctx context.Context) error {
		l, err := s.readLobby(ctx, code)
		if err != nil {
			return err
		}
		if l.Status != domain.LobbyStatusWaiting || len(l.Players) < countdownMinPlayers {
			return nil
		}

		now, err := s.serverTime(ctx)
		if err != nil {
			return err
		}

		l.Status = domain.LobbyStatusStarted
		l.UpdatedAt = now
		if err := s.store.Set(ctx, lobbyKey(code), l); err != nil {
			return networkErr("write lobby", err)
		}

		s.eb.Publish(ctx, domain.EventLobbyUpdated{Lobby: *l})
		return nil
	})
	if err != nil && !errors.Is(err, errors.ReasonLobbyNotFound) {
		s.telemetry.CaptureException(ctx, err)
	}
}

func (s *Service) readLobby(ctx context.Context, code string) (*domain.Lobby, error) {
	var l domain.Lobby
	err := s.store.Get(ctx, lobbyKey(code), &l)
	if err == store.ErrNotFound {
		return nil, errors.New(errors.ReasonLobbyNotFound, errors.WithMessagef("lobby %s not found", code))
	}
	if err != nil {
		return nil, networkErr("read lobby", err)
	}
	if l.Players == nil {
		l.Players = make(map[string]domain.PlayerRecord)
	}
	return &l, nil
}

func (s *Service) serverTime(ctx context.Context) (time.Time, error) {
	t, err := s.store.ServerTime(ctx)
	if err != nil {
		return time.Time{}, networkErr("server time", err)
	}
	return t, nil
}

func validateSettings(st domain.LobbySettings) []string {
	var violations []string
	if st.Rounds < minRounds || st.Rounds > maxRounds {
		violations = append(violations, fmt.Sprintf("rounds must be between %d and %d, got %d", minRounds, maxRounds, st.Rounds))
	}
	if st.TimeLimitSeconds < minTimeLimit || st.TimeLimitSeconds > maxTimeLimit {
		violations = append(violations, fmt.Sprintf("timeLimitSeconds must be between %d and %d, got %d", minTimeLimit, maxTimeLimit, st.TimeLimitSeconds))
	}
	if len(st.Categories) == 0 {
		violations = append(violations, "at least one category is required")
	}
	return violations
}

func mergeSettings(base domain.LobbySettings, p SettingsPatch) domain.LobbySettings {
	if p.Rounds != nil {
		base.Rounds = *p.Rounds
	}
	if p.TimeLimitSeconds != nil {
		base.TimeLimitSeconds = *p.TimeLimitSeconds
	}
	if p.Categories != nil {
		base.Categories = p.Categories
	}
	return base
}

// setHost flips the IsHost flag so exactly one member carries it.
func setHost(l *domain.Lobby, uid string) {
	for id, p := range l.Players {
		p.IsHost = id == uid
		l.Players[id] = p
	}
	l.HostUID = uid
}

// earliestPlayer returns the member with the earliest join time, skipping the
// excluded uid. Empty when no such member exists.
func earliestPlayer(l *domain.Lobby, exclude string) string {
	var best string
	var bestAt time.Time
	for id, p := range l.Players {
		if id == exclude {
			continue
		}
		if best == "" || p.JoinedAt.Before(bestAt) {
			best, bestAt = id, p.JoinedAt
		}
	}
	return best
}

func networkErr(op string, err error) error {
	return errors.New(errors.ReasonNetwork,
		errors.WithMessagef("%s: %v", op, err),
		errors.WithCause(err),
	)
}
