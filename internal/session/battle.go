// internal/session/battle.go
package session

import (
	"encoding/json"
	"time"

	"github.com/MutableTeam/mutable-lobby/internal/auth"
	"github.com/MutableTeam/mutable-lobby/internal/protocol"
	"github.com/MutableTeam/mutable-lobby/internal/room"
)

// Definition registers battle rooms. They are only ever provisioned by the
// coordinator; clients reach them by id.
func Definition() room.Definition {
	return room.Definition{
		Name:     protocol.RoomBattle,
		Category: room.CategorySession,
		Factory: func(string, *room.Client, json.RawMessage) (room.Controller, error) {
			return nil, protocol.Errorf(protocol.CodeRoomNotFound, "battle rooms cannot be created by clients")
		},
	}
}

type BattleConfig struct {
	LobbyID  string
	GameType string
	GameMode string
	Roster   []protocol.RosterEntry
	SeatTTL  time.Duration
	Signer   *auth.Signer
}

// Battle is the game session room. It admits the reserved roster only and
// relays game actions between them; game rules live in the clients.
type Battle struct {
	room.BaseController

	cfg       BattleConfig
	reserved  map[string]bool
	connected map[string]bool
	started   bool
	expired   bool
}

func NewBattle(cfg BattleConfig) *Battle {
	reserved := make(map[string]bool, len(cfg.Roster))
	for _, m := range cfg.Roster {
		reserved[m.SessionID] = true
	}
	return &Battle{cfg: cfg, reserved: reserved, connected: make(map[string]bool)}
}

func (b *Battle) OnStart(r *room.Room) {
	r.SetState(b.state(r))
	r.Schedule(b.cfg.SeatTTL, func() { b.expire(r) })
}

func (b *Battle) OnJoin(r *room.Room, c *room.Client, options json.RawMessage) error {
	if !b.reserved[c.SessionID] {
		return protocol.ErrSeatNotReserved
	}
	var seat protocol.SeatOptions
	if err := protocol.DecodeOptions(options, &seat); err != nil {
		return err
	}
	sub, err := b.cfg.Signer.VerifySeat(seat.Token, r.ID())
	if err != nil {
		return protocol.Wrap(protocol.ErrSeatNotReserved, err)
	}
	if sub != c.SessionID {
		return protocol.Errorf(protocol.CodeSeatNotReserved, "seat token belongs to another session")
	}
	return nil
}

func (b *Battle) OnJoined(r *room.Room, c *room.Client) {
	b.connected[c.SessionID] = true
	b.sync(r)
	if !b.started && len(b.connected) == len(b.reserved) {
		b.start(r)
	}
}

func (b *Battle) OnLeave(r *room.Room, c *room.Client, _ bool) {
	delete(b.connected, c.SessionID)
	if b.started && r.Len() == 0 {
		r.Dispose(protocol.ReasonLeft)
		return
	}
	b.sync(r)
}

func (b *Battle) OnMessage(r *room.Room, c *room.Client, cmd protocol.Command) error {
	switch cmd := cmd.(type) {
	case protocol.BattleAction:
		r.Broadcast(protocol.TypeBattleAction, protocol.BattleActionPayload{
			SessionID: c.SessionID,
			Action:    cmd.Action,
			Payload:   cmd.Payload,
		})
		return nil
	default:
		return protocol.Errorf(protocol.CodeUnknownMessage, "battle rooms only relay battle actions")
	}
}

func (b *Battle) start(r *room.Room) {
	b.started = true
	r.Logger().WithField("players", len(b.connected)).Info("battle started")
	r.Broadcast(protocol.TypeBattleStart, b.state(r))
}

// expire closes the reservation window. Absent members lose their seats; the
// battle goes ahead if at least two players made it.
func (b *Battle) expire(r *room.Room) {
	if b.started || b.expired {
		return
	}
	b.expired = true
	missing := make([]string, 0)
	for _, m := range b.cfg.Roster {
		if !b.connected[m.SessionID] {
			missing = append(missing, m.SessionID)
			delete(b.reserved, m.SessionID)
		}
	}
	if len(b.connected) >= 2 {
		r.Logger().WithField("missing", missing).Warn("seat reservations expired, starting without absent players")
		b.sync(r)
		b.start(r)
		return
	}
	r.Broadcast(protocol.TypeBattleAborted, protocol.BattleAbortedPayload{Reason: protocol.ReasonExpired, Missing: missing})
	r.Dispose(protocol.ReasonExpired)
}

func (b *Battle) sync(r *room.Room) {
	st := b.state(r)
	r.Broadcast(protocol.TypeBattleState, st)
	r.SetState(st)
}

func (b *Battle) state(r *room.Room) protocol.BattleState {
	connected := make([]string, 0, len(b.connected))
	for _, m := range b.cfg.Roster {
		if b.connected[m.SessionID] {
			connected = append(connected, m.SessionID)
		}
	}
	return protocol.BattleState{
		RoomID:    r.ID(),
		LobbyID:   b.cfg.LobbyID,
		GameType:  b.cfg.GameType,
		GameMode:  b.cfg.GameMode,
		Roster:    b.cfg.Roster,
		Connected: connected,
		Started:   b.started,
	}
}
