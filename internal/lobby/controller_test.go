package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MutableTeam/mutable-lobby/internal/directory"
	"github.com/MutableTeam/mutable-lobby/internal/protocol"
	"github.com/MutableTeam/mutable-lobby/internal/room"
	"github.com/MutableTeam/mutable-lobby/internal/room/roomtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCoordinator struct {
	calls atomic.Int32
	err   error
}

func (f *fakeCoordinator) Begin(_ context.Context, l protocol.LobbyListing) (map[string]protocol.GameSessionHandle, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	roster := make([]protocol.RosterEntry, 0, len(l.Members))
	for _, m := range l.Members {
		roster = append(roster, protocol.RosterEntry{SessionID: m.SessionID, Name: m.Name, IsHost: m.IsHost})
	}
	out := make(map[string]protocol.GameSessionHandle, len(l.Members))
	for _, m := range l.Members {
		out[m.SessionID] = protocol.GameSessionHandle{
			LobbyID:  l.ID,
			RoomID:   "battle-" + l.ID,
			GameType: l.GameType,
			GameMode: l.GameMode,
			Roster:   roster,
			Token:    "token-" + m.SessionID,
		}
	}
	return out, nil
}

type harness struct {
	t     *testing.T
	m     *room.Manager
	dir   *directory.Directory
	coord *fakeCoordinator
}

func newHarness(t *testing.T, teardown time.Duration) *harness {
	t.Helper()
	m := room.NewManager(context.Background(), roomtest.Logger())
	t.Cleanup(m.Shutdown)
	h := &harness{t: t, m: m, dir: directory.New(), coord: &fakeCoordinator{}}
	m.Define(room.Definition{
		Name:      protocol.RoomHub,
		Category:  room.CategoryHub,
		Singleton: true,
		Factory: func(string, *room.Client, json.RawMessage) (room.Controller, error) {
			return room.BaseController{}, nil
		},
	})
	m.Define(Definition(Options{
		Config:        Config{HostAutoReady: true},
		TeardownAfter: teardown,
		Directory:     h.dir,
		Coordinator:   h.coord,
	}))
	return h
}

// player connects a session and puts it in the hub.
func (h *harness) player(name string) *room.Client {
	c := roomtest.NewClient(name)
	_, err := h.m.JoinOrCreate(c, room.Request{Name: protocol.RoomHub})
	require.NoError(h.t, err)
	roomtest.Drain(c)
	return c
}

func (h *harness) create(host *room.Client, o protocol.CreateLobbyOptions) *room.Room {
	r, err := h.m.Create(host, room.Request{Name: protocol.RoomLobby, Options: roomtest.Raw(h.t, o)})
	require.NoError(h.t, err)
	return r
}

func (h *harness) join(c *room.Client, r *room.Room) {
	_, err := h.m.JoinByID(c, room.Request{RoomID: r.ID()})
	require.NoError(h.t, err)
}

func (h *harness) send(c *room.Client, r *room.Room, typ string) {
	require.NoError(h.t, h.m.Deliver(c, protocol.Envelope{Room: r.ID(), Type: typ}))
}

func snapshot(t *testing.T, r *room.Room) protocol.LobbyListing {
	t.Helper()
	var snap protocol.LobbyListing
	require.True(t, r.Call(func() { snap = r.Controller().(*Controller).Snapshot() }), "lobby is gone")
	return snap
}

func TestCreateRequiresHub(t *testing.T) {
	h := newHarness(t, time.Minute)
	c := roomtest.NewClient("loner")
	_, err := h.m.Create(c, room.Request{Name: protocol.RoomLobby, Options: roomtest.Raw(t, opts(2))})
	assert.ErrorIs(t, err, protocol.ErrNotInHub)
}

func TestCreateRejectsInvalidOptions(t *testing.T) {
	h := newHarness(t, time.Minute)
	host := h.player("host")
	_, err := h.m.Create(host, room.Request{Name: protocol.RoomLobby, Options: roomtest.Raw(t, opts(1))})
	assert.ErrorIs(t, err, protocol.ErrInvalidLobbyConfig)
	_, err = h.m.Create(host, room.Request{Name: protocol.RoomLobby, Options: json.RawMessage(`{"maxPlayers":"two"}`)})
	assert.ErrorIs(t, err, protocol.ErrMalformedMessage)
	assert.Empty(t, h.m.Rooms(protocol.RoomLobby))
	assert.Zero(t, h.dir.Len())
}

func TestCreateSendsWelcomeAndPublishes(t *testing.T) {
	h := newHarness(t, time.Minute)
	host := h.player("host")
	r := h.create(host, opts(2))

	var welcome protocol.LobbyListing
	roomtest.RecvInto(t, host, protocol.TypeLobbyWelcome, &welcome)
	assert.Equal(t, r.ID(), welcome.ID)
	assert.Equal(t, host.SessionID, welcome.HostSessionID)
	require.Len(t, welcome.Members, 1)

	listed, ok := h.dir.Get(r.ID())
	require.True(t, ok)
	assert.Equal(t, protocol.StatusWaiting, listed.Status)
}

// Scenario 1: two-seat lobby, guest joins unready, then readies up.
func TestTwoPlayerLobbyHandsOffOnce(t *testing.T) {
	h := newHarness(t, time.Minute)
	host, guest := h.player("host"), h.player("guest")
	r := h.create(host, opts(2))
	h.join(guest, r)

	var state protocol.LobbyListing
	roomtest.RecvInto(t, guest, protocol.TypeLobbyWelcome, &state)
	assert.Equal(t, protocol.StatusFull, state.Status)
	m, _ := state.Member(guest.SessionID)
	assert.False(t, m.IsReady)
	assert.Zero(t, h.coord.calls.Load())

	h.send(guest, r, protocol.TypeToggleReady)

	var changed protocol.PlayerReadyPayload
	roomtest.RecvInto(t, host, protocol.TypePlayerReadyChanged, &changed)
	assert.Equal(t, protocol.PlayerReadyPayload{SessionID: guest.SessionID, Ready: true}, changed)

	for _, c := range []*room.Client{host, guest} {
		var update protocol.GameSessionUpdatePayload
		roomtest.RecvInto(t, c, protocol.TypeGameSessionUpdate, &update)
		assert.Equal(t, "archer-arena", update.GameType)

		var handoff protocol.JoinBattleRoomPayload
		roomtest.RecvInto(t, c, protocol.TypeJoinBattleRoom, &handoff)
		assert.Len(t, handoff.Options.Roster, 2)
		assert.Equal(t, "token-"+c.SessionID, handoff.Options.Token)
	}
	assert.EqualValues(t, 1, h.coord.calls.Load())
	assert.Equal(t, protocol.StatusInProgress, snapshot(t, r).Status)
}

// Scenario 2: the fourth seat fills unready, so the lobby is full but waits.
func TestFullLobbyWaitsForReadiness(t *testing.T) {
	h := newHarness(t, time.Minute)
	host := h.player("host")
	r := h.create(host, opts(4))
	a, b, c := h.player("a"), h.player("b"), h.player("c")
	h.join(a, r)
	h.join(b, r)
	h.send(a, r, protocol.TypeToggleReady)
	h.join(c, r)

	snap := snapshot(t, r)
	assert.Equal(t, protocol.StatusFull, snap.Status)
	assert.Equal(t, 2, snap.ReadyCount())
	roomtest.NoMessage(t, c, protocol.TypeJoinBattleRoom, 50*time.Millisecond)
	assert.Zero(t, h.coord.calls.Load())

	h.send(b, r, protocol.TypeToggleReady)
	h.send(c, r, protocol.TypeToggleReady)
	roomtest.RecvType(t, c, protocol.TypeJoinBattleRoom, roomtest.Wait)
	assert.EqualValues(t, 1, h.coord.calls.Load())
}

// Scenario 3: the host walks out of a waiting lobby.
func TestHostLeaveDissolvesLobby(t *testing.T) {
	h := newHarness(t, time.Minute)
	host, guest := h.player("host"), h.player("guest")
	r := h.create(host, opts(3))
	h.join(guest, r)

	h.send(host, r, protocol.TypeLeaveLobby)

	var left protocol.RoomLeftPayload
	roomtest.RecvInto(t, host, protocol.TypeRoomLeft, &left)
	assert.Equal(t, protocol.ReasonLeft, left.Reason)

	var dissolved protocol.LobbyDissolvedPayload
	roomtest.RecvInto(t, guest, protocol.TypeLobbyDissolved, &dissolved)
	assert.Equal(t, protocol.LobbyDissolvedPayload{LobbyID: r.ID(), Reason: protocol.ReasonHostLeft}, dissolved)
	roomtest.RecvInto(t, guest, protocol.TypeRoomLeft, &left)
	assert.Equal(t, protocol.ReasonHostLeft, left.Reason)

	<-r.Done()
	assert.Nil(t, guest.RoomFor(room.CategoryLobby))
	assert.NotNil(t, guest.RoomFor(room.CategoryHub), "guest falls back to the hub")
	_, listed := h.dir.Get(r.ID())
	assert.False(t, listed)

	_, err := h.m.JoinByID(h.player("late"), room.Request{Name: protocol.RoomLobby, RoomID: r.ID()})
	assert.ErrorIs(t, err, protocol.ErrLobbyNotFound)
}

func TestJoinByIDScopedToLobbies(t *testing.T) {
	h := newHarness(t, time.Minute)
	host := h.player("host")
	r := h.create(host, opts(2))

	guest := h.player("guest")
	_, err := h.m.JoinByID(guest, room.Request{Name: protocol.RoomLobby, RoomID: "missing"})
	assert.ErrorIs(t, err, protocol.ErrLobbyNotFound)
	_, err = h.m.JoinByID(guest, room.Request{Name: protocol.RoomLobby, RoomID: protocol.RoomHub})
	assert.ErrorIs(t, err, protocol.ErrLobbyNotFound)

	// unscoped joins keep the generic error
	_, err = h.m.JoinByID(guest, room.Request{RoomID: "missing"})
	assert.ErrorIs(t, err, protocol.ErrRoomNotFound)

	joined, err := h.m.JoinByID(guest, room.Request{Name: protocol.RoomLobby, RoomID: r.ID()})
	require.NoError(t, err)
	assert.Equal(t, r.ID(), joined.ID())
}

// Scenario 4: two sessions race for the last seat.
func TestRaceForLastSeat(t *testing.T) {
	h := newHarness(t, time.Minute)
	host := h.player("host")
	r := h.create(host, opts(2))
	a, b := h.player("a"), h.player("b")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, c := range []*room.Client{a, b} {
		wg.Add(1)
		go func(i int, c *room.Client) {
			defer wg.Done()
			_, errs[i] = h.m.JoinByID(c, room.Request{RoomID: r.ID()})
		}(i, c)
	}
	wg.Wait()

	var ok, full int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, protocol.ErrLobbyFull):
			full++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, full)
	assert.Len(t, snapshot(t, r).Members, 2)
}

func TestConcurrentTogglesTransitionAtMostOnce(t *testing.T) {
	h := newHarness(t, time.Minute)
	host := h.player("host")
	r := h.create(host, opts(4))
	guests := []*room.Client{h.player("a"), h.player("b"), h.player("c")}
	for _, g := range guests {
		h.join(g, r)
	}

	var wg sync.WaitGroup
	for _, g := range guests {
		wg.Add(1)
		go func(g *room.Client) {
			defer wg.Done()
			// an odd number of toggles leaves every guest ready unless the
			// lobby started first
			for i := 0; i < 21; i++ {
				_ = h.m.Deliver(g, protocol.Envelope{Room: r.ID(), Type: protocol.TypeToggleReady})
			}
		}(g)
	}
	wg.Wait()

	snap := snapshot(t, r)
	assert.Equal(t, protocol.StatusInProgress, snap.Status)
	assert.EqualValues(t, 1, h.coord.calls.Load())
}

func TestStartedLobbyRejectsEverything(t *testing.T) {
	h := newHarness(t, time.Minute)
	host, guest := h.player("host"), h.player("guest")
	r := h.create(host, opts(2))
	h.join(guest, r)
	h.send(guest, r, protocol.TypeToggleReady)
	roomtest.RecvType(t, guest, protocol.TypeJoinBattleRoom, roomtest.Wait)
	before := snapshot(t, r)

	for _, typ := range []string{protocol.TypeToggleReady, protocol.TypeLeaveLobby} {
		h.send(guest, r, typ)
		var perr protocol.ErrorPayload
		roomtest.RecvInto(t, guest, protocol.TypeError, &perr)
		assert.Equal(t, protocol.CodeLobbyInProgress, perr.Code, typ)
	}
	_, err := h.m.JoinByID(h.player("late"), room.Request{RoomID: r.ID()})
	assert.ErrorIs(t, err, protocol.ErrLobbyInProgress)

	assert.Equal(t, before, snapshot(t, r))
	assert.EqualValues(t, 1, h.coord.calls.Load())
}

func TestGuestDisconnectFreesSeat(t *testing.T) {
	h := newHarness(t, time.Minute)
	host, guest := h.player("host"), h.player("guest")
	r := h.create(host, opts(2))
	h.join(guest, r)
	roomtest.Drain(host)

	h.m.Disconnect(guest)
	var update protocol.ReadyCountPayload
	roomtest.RecvInto(t, host, protocol.TypeLobbyReadyUpdate, &update)
	assert.Equal(t, protocol.ReadyCountPayload{ReadyCount: 1, Total: 1}, update)
	assert.Equal(t, protocol.StatusWaiting, snapshot(t, r).Status)
}

func TestQuickMatchJoinsMatchingLobby(t *testing.T) {
	h := newHarness(t, time.Minute)
	host, guest, other := h.player("host"), h.player("guest"), h.player("other")
	r := h.create(host, opts(3))

	got, err := h.m.JoinOrCreate(guest, room.Request{Name: protocol.RoomLobby, Options: roomtest.Raw(t, opts(3))})
	require.NoError(t, err)
	assert.Equal(t, r.ID(), got.ID())

	different := opts(3)
	different.GameType = "galactic-vanguard"
	fresh, err := h.m.JoinOrCreate(other, room.Request{Name: protocol.RoomLobby, Options: roomtest.Raw(t, different)})
	require.NoError(t, err)
	assert.NotEqual(t, r.ID(), fresh.ID())
	assert.Equal(t, other.SessionID, snapshot(t, fresh).HostSessionID)
}

func TestCoordinatorFailureDissolves(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.coord.err = errors.New("no capacity")
	host, guest := h.player("host"), h.player("guest")
	r := h.create(host, opts(2))
	h.join(guest, r)
	h.send(guest, r, protocol.TypeToggleReady)

	var perr protocol.ErrorPayload
	roomtest.RecvInto(t, host, protocol.TypeError, &perr)
	assert.Equal(t, protocol.CodeTransitionFailed, perr.Code)
	var dissolved protocol.LobbyDissolvedPayload
	roomtest.RecvInto(t, guest, protocol.TypeLobbyDissolved, &dissolved)
	assert.Equal(t, protocol.ReasonTransitionFailed, dissolved.Reason)
	<-r.Done()
}

func TestStartedLobbyIsTornDown(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond)
	host, guest := h.player("host"), h.player("guest")
	r := h.create(host, opts(2))
	h.join(guest, r)
	h.send(guest, r, protocol.TypeToggleReady)

	select {
	case <-r.Done():
	case <-time.After(roomtest.Wait):
		t.Fatal("started lobby was never disposed")
	}
	var left protocol.RoomLeftPayload
	roomtest.RecvInto(t, host, protocol.TypeRoomLeft, &left)
	assert.Equal(t, protocol.ReasonHandoff, left.Reason)
	_, listed := h.dir.Get(r.ID())
	assert.False(t, listed)
}
