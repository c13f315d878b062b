// internal/lobby/controller.go
package lobby

import (
	"context"
	"encoding/json"
	"time"

	"github.com/MutableTeam/mutable-lobby/internal/directory"
	"github.com/MutableTeam/mutable-lobby/internal/protocol"
	"github.com/MutableTeam/mutable-lobby/internal/room"
	"github.com/sirupsen/logrus"
)

// DefaultTeardownAfter is how long a started lobby keeps answering before it
// is disposed.
const DefaultTeardownAfter = 10 * time.Second

// beginTimeout bounds the hand-off call made on the lobby goroutine.
const beginTimeout = 5 * time.Second

// Coordinator turns a started lobby into a game session. It is called once per
// lobby, on the lobby goroutine, and returns one handle per member keyed by
// session id.
type Coordinator interface {
	Begin(ctx context.Context, listing protocol.LobbyListing) (map[string]protocol.GameSessionHandle, error)
}

type Options struct {
	Config        Config
	TeardownAfter time.Duration
	Directory     *directory.Directory
	Coordinator   Coordinator
}

// Definition registers lobby rooms with a room manager. Lobbies require hub
// membership, and joinOrCreate on them is quick match.
func Definition(opts Options) room.Definition {
	if opts.TeardownAfter <= 0 {
		opts.TeardownAfter = DefaultTeardownAfter
	}
	return room.Definition{
		Name:     protocol.RoomLobby,
		Category: room.CategoryLobby,
		Requires: room.CategoryHub,
		NotFound: protocol.ErrLobbyNotFound,
		Factory: func(id string, creator *room.Client, options json.RawMessage) (room.Controller, error) {
			return NewController(id, creator, options, opts)
		},
	}
}

// Controller runs one lobby inside a room.
type Controller struct {
	room.BaseController

	opts       Options
	criteria   protocol.CreateLobbyOptions
	listing    *Listing
	hostJoined bool
}

func NewController(id string, creator *room.Client, options json.RawMessage, opts Options) (*Controller, error) {
	if creator == nil {
		return nil, protocol.Errorf(protocol.CodeInvalidLobby, "a lobby needs a host")
	}
	var o protocol.CreateLobbyOptions
	if err := protocol.DecodeOptions(options, &o); err != nil {
		return nil, err
	}
	l, err := New(id, Member{SessionID: creator.SessionID, Name: creator.Username}, o, opts.Config)
	if err != nil {
		return nil, err
	}
	return &Controller{opts: opts, criteria: o, listing: l}, nil
}

// Matches selects this lobby for a quick-match request. It only reads the
// creation criteria, which never change.
func (ctl *Controller) Matches(options json.RawMessage) bool {
	var o protocol.CreateLobbyOptions
	if err := protocol.DecodeOptions(options, &o); err != nil {
		return false
	}
	c := ctl.criteria
	if o.GameType != c.GameType || o.GameMode != c.GameMode {
		return false
	}
	if o.Wager != c.Wager || o.WagerToken.Symbol != c.WagerToken.Symbol {
		return false
	}
	return o.MaxPlayers == 0 || o.MaxPlayers == c.MaxPlayers
}

// Snapshot is only safe on the room goroutine; use Room.Call from elsewhere.
func (ctl *Controller) Snapshot() protocol.LobbyListing { return ctl.listing.Snapshot() }

func (ctl *Controller) OnJoin(r *room.Room, c *room.Client, _ json.RawMessage) error {
	if !ctl.hostJoined && c.SessionID == ctl.listing.HostSessionID() {
		ctl.hostJoined = true
		return nil
	}
	return ctl.listing.Join(Member{SessionID: c.SessionID, Name: c.Username})
}

func (ctl *Controller) OnJoined(r *room.Room, c *room.Client) {
	snap := ctl.listing.Snapshot()
	r.Send(c, protocol.TypeLobbyWelcome, snap)
	ctl.publish(r, snap)
	ctl.evaluate(r)
}

func (ctl *Controller) OnMessage(r *room.Room, c *room.Client, cmd protocol.Command) error {
	if ctl.listing.Status() == protocol.StatusInProgress {
		return protocol.ErrLobbyInProgress
	}
	switch cmd.(type) {
	case protocol.ToggleReady:
		ready, err := ctl.listing.ToggleReady(c.SessionID)
		if err != nil {
			return err
		}
		r.Broadcast(protocol.TypePlayerReadyChanged, protocol.PlayerReadyPayload{SessionID: c.SessionID, Ready: ready})
		r.Broadcast(protocol.TypeLobbyReadyUpdate, ctl.readyCount())
		ctl.publish(r, ctl.listing.Snapshot())
		ctl.evaluate(r)
		return nil
	case protocol.LeaveLobby:
		res, err := ctl.listing.Leave(c.SessionID)
		if err != nil {
			return err
		}
		r.Kick(c, protocol.ReasonLeft)
		ctl.afterLeave(r, c, res)
		return nil
	default:
		return protocol.Errorf(protocol.CodeUnknownMessage, "lobbies do not handle this message")
	}
}

// OnLeave handles transport-level departures. Once the lobby started the
// roster is frozen and the member is only detached.
func (ctl *Controller) OnLeave(r *room.Room, c *room.Client, consented bool) {
	if ctl.listing.Status() == protocol.StatusInProgress {
		if r.Len() == 0 {
			r.Dispose(protocol.ReasonHandoff)
		}
		return
	}
	res, err := ctl.listing.Leave(c.SessionID)
	if err != nil {
		return
	}
	ctl.afterLeave(r, c, res)
}

func (ctl *Controller) OnDispose(r *room.Room) {
	if ctl.opts.Directory != nil {
		ctl.opts.Directory.Remove(r.ID())
	}
}

func (ctl *Controller) afterLeave(r *room.Room, c *room.Client, res LeaveResult) {
	log := r.Logger().WithField("session", c.SessionID)
	switch {
	case res.Dissolved:
		log.Info("host left, dissolving lobby")
		r.Broadcast(protocol.TypeLobbyDissolved, protocol.LobbyDissolvedPayload{LobbyID: r.ID(), Reason: protocol.ReasonHostLeft})
		r.Dispose(protocol.ReasonHostLeft)
	case res.Empty:
		r.Dispose(protocol.ReasonLeft)
	default:
		r.Broadcast(protocol.TypeLobbyReadyUpdate, ctl.readyCount())
		ctl.publish(r, ctl.listing.Snapshot())
		ctl.evaluate(r)
	}
}

func (ctl *Controller) readyCount() protocol.ReadyCountPayload {
	return protocol.ReadyCountPayload{ReadyCount: ctl.listing.ReadyCount(), Total: ctl.listing.Len()}
}

func (ctl *Controller) publish(r *room.Room, snap protocol.LobbyListing) {
	r.SetState(snap)
	if ctl.opts.Directory != nil {
		ctl.opts.Directory.Publish(snap)
	}
}

// evaluate fires the hand-off when the lobby is full and everyone is ready.
// Start succeeds at most once, so the coordinator runs at most once.
func (ctl *Controller) evaluate(r *room.Room) {
	if !ctl.listing.ShouldStart() {
		return
	}
	if err := ctl.listing.Start(); err != nil {
		return
	}
	snap := ctl.listing.Snapshot()
	ctl.publish(r, snap)
	log := r.Logger().WithFields(logrus.Fields{"gameType": snap.GameType, "players": len(snap.Members)})
	log.Info("lobby full and ready, starting game session")

	if ctl.opts.Coordinator == nil {
		ctl.fail(r, protocol.Errorf(protocol.CodeTransitionFailed, "no session coordinator configured"))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), beginTimeout)
	handles, err := ctl.opts.Coordinator.Begin(ctx, snap)
	cancel()
	if err != nil {
		log.Errorf("session transition failed: %v", err)
		ctl.fail(r, err)
		return
	}

	r.Broadcast(protocol.TypeGameSessionUpdate, protocol.GameSessionUpdatePayload{GameType: snap.GameType, GameMode: snap.GameMode})
	for _, c := range r.Clients() {
		h, ok := handles[c.SessionID]
		if !ok {
			log.Warnf("no session handle for member %s", c.SessionID)
			continue
		}
		r.Send(c, protocol.TypeJoinBattleRoom, protocol.JoinBattleRoomPayload{Options: h})
	}
	r.Schedule(ctl.opts.TeardownAfter, func() {
		r.Dispose(protocol.ReasonHandoff)
	})
}

func (ctl *Controller) fail(r *room.Room, cause error) {
	err := protocol.Wrap(protocol.ErrTransitionFailed, cause)
	for _, c := range r.Clients() {
		c.SendError(r.ID(), "", err)
	}
	r.Broadcast(protocol.TypeLobbyDissolved, protocol.LobbyDissolvedPayload{LobbyID: r.ID(), Reason: protocol.ReasonTransitionFailed})
	r.Dispose(protocol.ReasonTransitionFailed)
}
