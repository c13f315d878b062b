// Package hub implements the always-on room every session joins first. It
// tracks presence and serves the lobby directory.
package hub

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/MutableTeam/mutable-lobby/internal/directory"
	"github.com/MutableTeam/mutable-lobby/internal/protocol"
	"github.com/MutableTeam/mutable-lobby/internal/room"
	"github.com/sirupsen/logrus"
)

// Definition registers the hub singleton.
func Definition(dir *directory.Directory) room.Definition {
	return room.Definition{
		Name:      protocol.RoomHub,
		Category:  room.CategoryHub,
		Singleton: true,
		Factory: func(string, *room.Client, json.RawMessage) (room.Controller, error) {
			return New(dir), nil
		},
	}
}

type Controller struct {
	room.BaseController

	dir         *directory.Directory
	joinedAt    map[string]time.Time
	unsubscribe func()
	// refreshQueued coalesces directory change signals into one broadcast.
	refreshQueued atomic.Bool
}

func New(dir *directory.Directory) *Controller {
	return &Controller{dir: dir, joinedAt: make(map[string]time.Time)}
}

func (h *Controller) OnStart(r *room.Room) {
	h.unsubscribe = h.dir.Subscribe(func() {
		if !h.refreshQueued.CompareAndSwap(false, true) {
			return
		}
		if !r.Post(func() { h.pushLobbies(r) }) {
			h.refreshQueued.Store(false)
		}
	})
	r.SetState(protocol.HubState{TotalPlayers: 0})
}

func (h *Controller) OnJoined(r *room.Room, c *room.Client) {
	h.joinedAt[c.SessionID] = time.Now()
	total := r.Len()
	r.Send(c, protocol.TypeHubWelcome, protocol.HubWelcomePayload{
		Message:      fmt.Sprintf("Welcome to the hub, %s!", c.Username),
		TotalPlayers: total,
	})
	r.Send(c, protocol.TypeActiveLobbies, protocol.LobbiesPayload{Lobbies: h.dir.List(directory.Filter{})})
	r.Broadcast(protocol.TypePlayerCountUpdate, protocol.PlayerCountPayload{TotalPlayers: total}, c)
	r.SetState(protocol.HubState{TotalPlayers: total})
	r.Logger().WithField("total", total).Debug("hub membership changed")
}

func (h *Controller) OnLeave(r *room.Room, c *room.Client, consented bool) {
	if joined, ok := h.joinTime(c.SessionID); ok {
		r.Logger().WithFields(logrus.Fields{
			"session":   c.SessionID,
			"consented": consented,
			"stayed":    time.Since(joined).Round(time.Millisecond).String(),
		}).Debug("left hub")
	}
	delete(h.joinedAt, c.SessionID)
	total := r.Len()
	r.Broadcast(protocol.TypePlayerCountUpdate, protocol.PlayerCountPayload{TotalPlayers: total})
	r.SetState(protocol.HubState{TotalPlayers: total})
}

func (h *Controller) OnMessage(r *room.Room, c *room.Client, cmd protocol.Command) error {
	switch cmd := cmd.(type) {
	case protocol.GetLobbies:
		lobbies := h.dir.List(directory.Filter{IncludeInProgress: cmd.IncludeInProgress})
		r.Send(c, protocol.TypeLobbiesDiscovered, protocol.LobbiesPayload{Lobbies: lobbies})
		return nil
	default:
		return protocol.Errorf(protocol.CodeUnknownMessage, "the hub does not handle this message")
	}
}

func (h *Controller) OnDispose(*room.Room) {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
}

// joinTime reports when a session entered the hub.
func (h *Controller) joinTime(sessionID string) (time.Time, bool) {
	t, ok := h.joinedAt[sessionID]
	return t, ok
}

func (h *Controller) pushLobbies(r *room.Room) {
	h.refreshQueued.Store(false)
	r.Broadcast(protocol.TypeActiveLobbies, protocol.LobbiesPayload{Lobbies: h.dir.List(directory.Filter{})})
}
