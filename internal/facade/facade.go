// Package facade exposes lobby operations on top of the transport client and
// keeps a store in step with what the server pushes. It makes no matchmaking
// decisions of its own.
package facade

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MutableTeam/mutable-lobby/internal/client"
	"github.com/MutableTeam/mutable-lobby/internal/protocol"
	"github.com/MutableTeam/mutable-lobby/internal/store"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPollInterval   = 5 * time.Second
	DefaultHandoffTimeout = 15 * time.Second
	leaveTimeout          = 5 * time.Second
)

// ErrJoinInFlight is returned when a join of the same kind is still pending.
var ErrJoinInFlight = errors.New("a join of this kind is already in flight")

// Transport is the part of *client.Client the façade needs.
type Transport interface {
	Connect(ctx context.Context) error
	IsOpen() bool
	SessionID() string
	OnDisconnect(fn func(err error))
	JoinOrCreate(ctx context.Context, name string, options interface{}, opts ...client.JoinOption) (*client.RoomHandle, error)
	Create(ctx context.Context, name string, options interface{}, opts ...client.JoinOption) (*client.RoomHandle, error)
	JoinByID(ctx context.Context, roomID string, options interface{}, opts ...client.JoinOption) (*client.RoomHandle, error)
	Close() error
}

// Notifier surfaces errors to the user.
type Notifier interface {
	Notify(op string, err error)
}

// LogNotifier reports errors as log warnings.
type LogNotifier struct {
	Log logrus.FieldLogger
}

func (n LogNotifier) Notify(op string, err error) {
	n.Log.WithField("op", op).Warnf("lobby error: %v", err)
}

type Option func(*Facade)

// WithPollInterval sets the directory poll period. Zero disables polling.
func WithPollInterval(d time.Duration) Option { return func(f *Facade) { f.pollInterval = d } }

func WithHandoffTimeout(d time.Duration) Option { return func(f *Facade) { f.handoffTimeout = d } }

func WithNotifier(n Notifier) Option { return func(f *Facade) { f.notifier = n } }

func WithLogger(l logrus.FieldLogger) Option { return func(f *Facade) { f.log = l } }

// WithBattleSetup runs fn on every battle room handle before its first
// message, so game code can register its own handlers.
func WithBattleSetup(fn func(*client.RoomHandle)) Option {
	return func(f *Facade) { f.battleSetup = fn }
}

type Facade struct {
	t              Transport
	store          *store.Store
	log            logrus.FieldLogger
	notifier       Notifier
	pollInterval   time.Duration
	handoffTimeout time.Duration
	battleSetup    func(*client.RoomHandle)

	hubJoining   atomic.Bool
	lobbyJoining atomic.Bool
	lastPush     atomic.Int64
	polls        atomic.Int64
	connMu       sync.Mutex

	mu         sync.Mutex
	hub        *client.RoomHandle
	lobby      *client.RoomHandle
	battle     *client.RoomHandle
	pollCancel context.CancelFunc
}

func New(t Transport, opts ...Option) *Facade {
	f := &Facade{
		t:              t,
		store:          store.New(),
		log:            logrus.StandardLogger(),
		pollInterval:   DefaultPollInterval,
		handoffTimeout: DefaultHandoffTimeout,
	}
	for _, o := range opts {
		o(f)
	}
	if f.notifier == nil {
		f.notifier = LogNotifier{Log: f.log}
	}
	t.OnDisconnect(f.onDisconnect)
	return f
}

func (f *Facade) State() store.State { return f.store.State() }

// Subscribe registers fn for every state change.
func (f *Facade) Subscribe(fn func(store.State)) (cancel func()) { return f.store.Subscribe(fn) }

// Battle returns the battle room handle once the hand-off completed.
func (f *Facade) Battle() *client.RoomHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.battle
}

// fail reports err and records it in the store before returning it.
func (f *Facade) fail(op string, err error) error {
	f.notifier.Notify(op, err)
	f.store.Dispatch(store.ErrorRaised{Err: err})
	return err
}

// Connect opens the transport. Concurrent calls share one dial.
func (f *Facade) Connect(ctx context.Context) error {
	if err := f.t.Connect(ctx); err != nil {
		return f.fail("connect", err)
	}
	f.connMu.Lock()
	defer f.connMu.Unlock()
	st := f.store.State()
	if id := f.t.SessionID(); !st.IsConnected || st.SessionID != id {
		f.store.Dispatch(store.Connected{SessionID: id})
	}
	return nil
}

func (f *Facade) onDisconnect(err error) {
	f.stopPoll()
	f.mu.Lock()
	f.hub, f.lobby, f.battle = nil, nil, nil
	f.mu.Unlock()
	if err != nil {
		f.notifier.Notify("connection", err)
	}
	f.store.Dispatch(store.Disconnected{Err: err})
}

// JoinHub enters the hub. It is a no-op when already there.
func (f *Facade) JoinHub(ctx context.Context) error {
	if !f.hubJoining.CompareAndSwap(false, true) {
		return f.fail("joinHub", ErrJoinInFlight)
	}
	defer f.hubJoining.Store(false)

	if !f.t.IsOpen() {
		return f.fail("joinHub", protocol.ErrConnection)
	}
	f.mu.Lock()
	already := f.hub != nil
	f.mu.Unlock()
	if already {
		return nil
	}
	if _, err := f.t.JoinOrCreate(ctx, protocol.RoomHub, nil, client.WithSetup(f.bindHub)); err != nil {
		return f.fail("joinHub", err)
	}
	f.startPoll()
	return nil
}

// LeaveHub leaves the hub and stops the directory poll.
func (f *Facade) LeaveHub(ctx context.Context) error {
	f.stopPoll()
	f.mu.Lock()
	h := f.hub
	f.mu.Unlock()
	if h == nil {
		return nil
	}
	if err := h.Leave(ctx); err != nil {
		return f.fail("leaveHub", err)
	}
	return nil
}

// RequestActiveGames asks the hub for the directory. The answer arrives as a
// store update.
func (f *Facade) RequestActiveGames() error {
	f.mu.Lock()
	h := f.hub
	f.mu.Unlock()
	if h == nil {
		return f.fail("requestActiveGames", protocol.ErrNotInHub)
	}
	if err := h.Send(protocol.TypeGetLobbies, protocol.GetLobbiesPayload{}); err != nil {
		return f.fail("requestActiveGames", err)
	}
	return nil
}

// CreateLobby creates a lobby with the caller as host.
func (f *Facade) CreateLobby(ctx context.Context, opts protocol.CreateLobbyOptions) error {
	return f.joinLobby(ctx, "createLobby", func(setup client.JoinOption) error {
		_, err := f.t.Create(ctx, protocol.RoomLobby, opts, setup)
		return err
	})
}

// JoinLobby joins an existing lobby by id.
func (f *Facade) JoinLobby(ctx context.Context, lobbyID string) error {
	return f.joinLobby(ctx, "joinLobby", func(setup client.JoinOption) error {
		_, err := f.t.JoinByID(ctx, lobbyID, nil, setup, client.WithRoomName(protocol.RoomLobby))
		return err
	})
}

// QuickMatch joins a waiting lobby with matching settings or creates one.
func (f *Facade) QuickMatch(ctx context.Context, opts protocol.CreateLobbyOptions) error {
	return f.joinLobby(ctx, "quickMatch", func(setup client.JoinOption) error {
		_, err := f.t.JoinOrCreate(ctx, protocol.RoomLobby, opts, setup)
		return err
	})
}

func (f *Facade) joinLobby(ctx context.Context, op string, join func(client.JoinOption) error) error {
	if !f.lobbyJoining.CompareAndSwap(false, true) {
		return f.fail(op, ErrJoinInFlight)
	}
	defer f.lobbyJoining.Store(false)

	f.mu.Lock()
	inHub, inLobby := f.hub != nil, f.lobby != nil
	f.mu.Unlock()
	switch {
	case !inHub:
		return f.fail(op, protocol.ErrNotInHub)
	case inLobby:
		return f.fail(op, protocol.ErrAlreadyInRoom)
	}
	if err := join(client.WithSetup(f.bindLobby)); err != nil {
		return f.fail(op, err)
	}
	return nil
}

// ToggleReady asks the server to flip readiness. The store changes only when
// the server confirms.
func (f *Facade) ToggleReady() error {
	f.mu.Lock()
	h := f.lobby
	f.mu.Unlock()
	if h == nil {
		return f.fail("toggleReady", protocol.ErrNotInLobby)
	}
	if err := h.Send(protocol.TypeToggleReady, nil); err != nil {
		return f.fail("toggleReady", err)
	}
	return nil
}

// LeaveLobby leaves the current lobby and waits for the server to confirm.
func (f *Facade) LeaveLobby(ctx context.Context) error {
	f.mu.Lock()
	h := f.lobby
	f.mu.Unlock()
	if h == nil {
		return f.fail("leaveLobby", protocol.ErrNotInLobby)
	}
	if err := h.Send(protocol.TypeLeaveLobby, nil); err != nil {
		return f.fail("leaveLobby", err)
	}
	timer := time.NewTimer(leaveTimeout)
	defer timer.Stop()
	select {
	case <-h.Done():
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	// no confirmation; detach at the transport level instead
	return h.Leave(ctx)
}

// Close drops every room and the connection.
func (f *Facade) Close() error {
	f.stopPoll()
	return f.t.Close()
}

func (f *Facade) bindHub(h *client.RoomHandle) {
	f.mu.Lock()
	f.hub = h
	f.mu.Unlock()
	f.store.Dispatch(store.HubJoined{})

	h.OnMessage(protocol.TypeHubWelcome, func(data json.RawMessage) {
		var p protocol.HubWelcomePayload
		if f.decode("hub_welcome", data, &p) {
			f.store.Dispatch(store.PlayerCountChanged{TotalPlayers: p.TotalPlayers})
		}
	})
	h.OnMessage(protocol.TypePlayerCountUpdate, func(data json.RawMessage) {
		var p protocol.PlayerCountPayload
		if f.decode("player_count_update", data, &p) {
			f.store.Dispatch(store.PlayerCountChanged{TotalPlayers: p.TotalPlayers})
		}
	})
	h.OnMessage(protocol.TypeActiveLobbies, func(data json.RawMessage) {
		var p protocol.LobbiesPayload
		if f.decode("active_lobbies", data, &p) {
			f.lastPush.Store(time.Now().UnixNano())
			f.store.Dispatch(store.LobbiesReceived{Lobbies: p.Lobbies})
		}
	})
	h.OnMessage(protocol.TypeLobbiesDiscovered, func(data json.RawMessage) {
		var p protocol.LobbiesPayload
		if f.decode("lobbies_discovered", data, &p) {
			f.store.Dispatch(store.LobbiesReceived{Lobbies: p.Lobbies})
		}
	})
	h.OnStateChange(func(data json.RawMessage) {
		var s protocol.HubState
		if f.decode("hub state", data, &s) {
			f.store.Dispatch(store.PlayerCountChanged{TotalPlayers: s.TotalPlayers})
		}
	})
	h.OnError(func(err error) { f.fail("hub", err) })
	h.OnLeave(func(reason string) {
		f.mu.Lock()
		if f.hub == h {
			f.hub = nil
		}
		f.mu.Unlock()
		f.stopPoll()
		if reason != client.ReasonDisconnected {
			f.store.Dispatch(store.HubLeft{})
		}
	})
}

func (f *Facade) bindLobby(h *client.RoomHandle) {
	f.mu.Lock()
	f.lobby = h
	f.mu.Unlock()

	h.OnMessage(protocol.TypeLobbyWelcome, func(data json.RawMessage) {
		var l protocol.LobbyListing
		if f.decode("lobby_welcome", data, &l) {
			f.store.Dispatch(store.LobbyJoined{Listing: l})
		}
	})
	h.OnStateChange(func(data json.RawMessage) {
		var l protocol.LobbyListing
		if f.decode("lobby state", data, &l) {
			f.store.Dispatch(store.LobbyStateChanged{Listing: l})
		}
	})
	h.OnMessage(protocol.TypePlayerReadyChanged, func(data json.RawMessage) {
		var p protocol.PlayerReadyPayload
		if f.decode("player_ready_changed", data, &p) {
			f.store.Dispatch(store.ReadyChanged{SessionID: p.SessionID, Ready: p.Ready})
		}
	})
	h.OnMessage(protocol.TypeGameSessionUpdate, func(data json.RawMessage) {
		var p protocol.GameSessionUpdatePayload
		if f.decode("game_session_update", data, &p) {
			f.store.Dispatch(store.GameStarting{GameType: p.GameType, GameMode: p.GameMode})
		}
	})
	h.OnMessage(protocol.TypeJoinBattleRoom, func(data json.RawMessage) {
		var p protocol.JoinBattleRoomPayload
		if !f.decode("join_battle_room", data, &p) {
			return
		}
		f.store.Dispatch(store.HandoffReceived{Handle: p.Options})
		// joining awaits the read goroutine, so it cannot run here
		go f.handoff(h, p.Options)
	})
	h.OnMessage(protocol.TypeLobbyDissolved, func(data json.RawMessage) {
		var p protocol.LobbyDissolvedPayload
		if f.decode("lobby_dissolved", data, &p) {
			f.log.WithFields(logrus.Fields{"lobby": p.LobbyID, "reason": p.Reason}).Info("lobby dissolved")
		}
	})
	h.OnError(func(err error) { f.fail("lobby", err) })
	h.OnLeave(func(reason string) {
		f.mu.Lock()
		if f.lobby == h {
			f.lobby = nil
		}
		f.mu.Unlock()
		if reason != client.ReasonDisconnected {
			f.store.Dispatch(store.LobbyLeft{Reason: reason})
		}
	})
}

func (f *Facade) bindBattle(h *client.RoomHandle) {
	f.mu.Lock()
	f.battle = h
	f.mu.Unlock()
	f.store.Dispatch(store.BattleJoined{RoomID: h.ID()})

	h.OnMessage(protocol.TypeBattleAborted, func(data json.RawMessage) {
		var p protocol.BattleAbortedPayload
		if f.decode("battle_aborted", data, &p) {
			f.fail("battle", protocol.Errorf(protocol.CodeTransitionFailed, "battle aborted: %s", p.Reason))
		}
	})
	h.OnError(func(err error) { f.fail("battle", err) })
	h.OnLeave(func(reason string) {
		f.mu.Lock()
		if f.battle == h {
			f.battle = nil
		}
		f.mu.Unlock()
		if reason != client.ReasonDisconnected {
			f.store.Dispatch(store.BattleLeft{Reason: reason})
		}
	})
	if f.battleSetup != nil {
		f.battleSetup(h)
	}
}

// handoff moves from the lobby into the battle room named by gsh.
func (f *Facade) handoff(lobby *client.RoomHandle, gsh protocol.GameSessionHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), f.handoffTimeout)
	defer cancel()

	_, err := f.t.JoinByID(ctx, gsh.RoomID, protocol.SeatOptions{Token: gsh.Token}, client.WithSetup(f.bindBattle))
	if err != nil {
		f.fail("handoff", protocol.Wrap(protocol.ErrTransitionTimeout, err))
		return
	}
	if err := lobby.Leave(ctx); err != nil {
		f.log.Debugf("leaving lobby after hand-off: %v", err)
	}
}

func (f *Facade) decode(what string, data json.RawMessage, v interface{}) bool {
	if err := json.Unmarshal(data, v); err != nil {
		f.fail(what, protocol.Wrap(protocol.ErrMalformedMessage, err))
		return false
	}
	return true
}

func (f *Facade) startPoll() {
	if f.pollInterval <= 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.pollCancel = cancel
	go f.poll(ctx)
}

func (f *Facade) stopPoll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollCancel != nil {
		f.pollCancel()
		f.pollCancel = nil
	}
}

func (f *Facade) poll(ctx context.Context) {
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if f.pushHealthy() {
				continue
			}
			f.polls.Add(1)
			f.mu.Lock()
			h := f.hub
			f.mu.Unlock()
			if h == nil {
				continue
			}
			if err := h.Send(protocol.TypeGetLobbies, protocol.GetLobbiesPayload{}); err != nil {
				f.log.Debugf("directory poll: %v", err)
			}
		}
	}
}

// pushHealthy reports whether the hub pushed a directory within the last
// poll interval.
func (f *Facade) pushHealthy() bool {
	last := f.lastPush.Load()
	return last != 0 && time.Since(time.Unix(0, last)) < f.pollInterval
}
