// internal/room/manager.go
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MutableTeam/mutable-lobby/internal/protocol"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Factory builds the controller for a new room. creator is nil for rooms the
// server provisions itself. Returning an error aborts creation before the
// room is registered.
type Factory func(id string, creator *Client, options json.RawMessage) (Controller, error)

// Definition registers a room name with the manager.
type Definition struct {
	Name     string
	Category Category
	// Singleton rooms have one instance; joinOrCreate always lands there.
	Singleton bool
	// Requires names the category a session must already occupy to join.
	Requires Category
	// NotFound is returned by a JoinByID scoped to this name when the id does
	// not name a live room of it. Defaults to ErrRoomNotFound.
	NotFound error
	Factory  Factory
}

// Matcher is implemented by controllers that filter joinOrCreate requests.
// Matches is called off the room goroutine, so it may only read state that
// never changes after construction.
type Matcher interface {
	Matches(options json.RawMessage) bool
}

// Request carries a join request from the transport.
type Request struct {
	Name      string
	RoomID    string
	Options   json.RawMessage
	RequestID string
}

// Manager owns every live room. It never touches room state directly; rooms
// unregister themselves when disposed.
type Manager struct {
	mu    sync.RWMutex
	defs  map[string]Definition
	rooms map[string]*Room

	ctx    context.Context
	cancel context.CancelFunc
	log    logrus.FieldLogger
}

func NewManager(parent context.Context, logger logrus.FieldLogger) *Manager {
	ctx, cancel := context.WithCancel(parent)
	return &Manager{
		defs:   make(map[string]Definition),
		rooms:  make(map[string]*Room),
		ctx:    ctx,
		cancel: cancel,
		log:    logger,
	}
}

// Define registers a room type. Defining the same name twice replaces it.
func (m *Manager) Define(def Definition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs[def.Name] = def
}

// Ensure creates the singleton instance of name if it is not running yet.
func (m *Manager) Ensure(name string) (*Room, error) {
	def, err := m.definition(name)
	if err != nil {
		return nil, err
	}
	if !def.Singleton {
		return nil, fmt.Errorf("room %q is not a singleton", name)
	}
	return m.singleton(def)
}

func (m *Manager) definition(name string) (Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.defs[name]
	if !ok {
		return Definition{}, protocol.Errorf(protocol.CodeRoomNotFound, "no room named %q", name)
	}
	return def, nil
}

func (m *Manager) singleton(def Definition) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rooms {
		if r.def.Name == def.Name {
			return r, nil
		}
	}
	id := def.Name
	ctrl, err := def.Factory(id, nil, nil)
	if err != nil {
		return nil, err
	}
	r := newRoom(id, def, ctrl, m)
	m.rooms[id] = r
	go r.loop()
	return r, nil
}

func (m *Manager) start(def Definition, ctrl Controller) *Room {
	r := newRoom(uuid.NewString(), def, ctrl, m)
	m.mu.Lock()
	m.rooms[r.id] = r
	m.mu.Unlock()
	go r.loop()
	m.log.WithFields(logrus.Fields{"room": r.id, "name": def.Name}).Info("room created")
	return r
}

func (m *Manager) unregister(r *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[r.id] == r {
		delete(m.rooms, r.id)
	}
}

func (m *Manager) checkRequires(c *Client, def Definition) error {
	if def.Requires == "" || c.RoomFor(def.Requires) != nil {
		return nil
	}
	if def.Requires == CategoryHub {
		return protocol.ErrNotInHub
	}
	return protocol.Errorf(protocol.CodeRoomNotFound, "join a %s room first", def.Requires)
}

// admit claims the session slot, runs join and releases the claim on failure.
func (m *Manager) admit(c *Client, r *Room, req Request) error {
	if err := c.claim(r.def.Category); err != nil {
		return err
	}
	if err := r.join(c, req.Options, req.RequestID); err != nil {
		c.unclaim(r.def.Category)
		return err
	}
	return nil
}

// JoinOrCreate joins the singleton for singleton names. For other names it
// tries every live room of that name and creates a new one when none admits.
func (m *Manager) JoinOrCreate(c *Client, req Request) (*Room, error) {
	def, err := m.definition(req.Name)
	if err != nil {
		return nil, err
	}
	if err := m.checkRequires(c, def); err != nil {
		return nil, err
	}
	if def.Singleton {
		r, err := m.singleton(def)
		if err != nil {
			return nil, err
		}
		if err := m.admit(c, r, req); err != nil {
			return nil, err
		}
		return r, nil
	}
	for _, r := range m.Rooms(def.Name) {
		if mt, ok := r.ctrl.(Matcher); ok && !mt.Matches(req.Options) {
			continue
		}
		err := m.admit(c, r, req)
		if err == nil {
			return r, nil
		}
		switch protocol.AsError(err).Code {
		case protocol.CodeAlreadyInRoom, protocol.CodeConnection:
			return nil, err
		}
	}
	return m.Create(c, req)
}

// Create always builds a new room with c as its first member.
func (m *Manager) Create(c *Client, req Request) (*Room, error) {
	def, err := m.definition(req.Name)
	if err != nil {
		return nil, err
	}
	if def.Singleton {
		return nil, protocol.Errorf(protocol.CodeRoomNotFound, "room %q cannot be created", def.Name)
	}
	if err := m.checkRequires(c, def); err != nil {
		return nil, err
	}
	if err := c.claim(def.Category); err != nil {
		return nil, err
	}
	// the creator's slot stays claimed while the controller is built
	id := uuid.NewString()
	ctrl, err := def.Factory(id, c, req.Options)
	if err != nil {
		c.unclaim(def.Category)
		return nil, err
	}
	r := newRoom(id, def, ctrl, m)
	m.mu.Lock()
	m.rooms[id] = r
	m.mu.Unlock()
	go r.loop()
	m.log.WithFields(logrus.Fields{"room": id, "name": def.Name, "creator": c.SessionID}).Info("room created")

	if err := r.join(c, req.Options, req.RequestID); err != nil {
		c.unclaim(def.Category)
		r.Close(protocol.ReasonDisposed)
		return nil, err
	}
	return r, nil
}

// JoinByID joins a specific room. With req.Name set, the room must be a live
// room of that name.
func (m *Manager) JoinByID(c *Client, req Request) (*Room, error) {
	notFound := error(protocol.ErrRoomNotFound)
	if req.Name != "" {
		def, err := m.definition(req.Name)
		if err != nil {
			return nil, err
		}
		if def.NotFound != nil {
			notFound = def.NotFound
		}
	}
	r, ok := m.Get(req.RoomID)
	if !ok || (req.Name != "" && r.def.Name != req.Name) {
		return nil, notFound
	}
	if err := m.checkRequires(c, r.def); err != nil {
		return nil, err
	}
	if err := m.admit(c, r, req); err != nil {
		// the room was disposed while the join was queued
		if errors.Is(err, protocol.ErrRoomNotFound) {
			return nil, notFound
		}
		return nil, err
	}
	return r, nil
}

// Host starts a server-owned room with a prebuilt controller.
func (m *Manager) Host(name string, ctrl Controller) (*Room, error) {
	def, err := m.definition(name)
	if err != nil {
		return nil, err
	}
	if m.ctx.Err() != nil {
		return nil, protocol.Wrap(protocol.ErrInternal, m.ctx.Err())
	}
	return m.start(def, ctrl), nil
}

// Leave detaches c from roomID at the client's request.
func (m *Manager) Leave(c *Client, roomID string) error {
	r, ok := m.Get(roomID)
	if !ok {
		return protocol.ErrRoomNotFound
	}
	r.leave(c, true)
	return nil
}

// Deliver routes a room message from c.
func (m *Manager) Deliver(c *Client, env protocol.Envelope) error {
	r, ok := m.Get(env.Room)
	if !ok || !r.Deliver(c, env.Type, env.RequestID, env.Data) {
		return protocol.ErrRoomNotFound
	}
	return nil
}

// Disconnect removes a closed session from every room it occupies.
func (m *Manager) Disconnect(c *Client) {
	c.Close()
	for _, r := range c.Rooms() {
		r.leave(c, false)
	}
}

func (m *Manager) Get(id string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	return r, ok
}

// Rooms lists live rooms of a name, oldest first.
func (m *Manager) Rooms(name string) []*Room {
	m.mu.RLock()
	out := make([]*Room, 0)
	for _, r := range m.rooms {
		if r.def.Name == name {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].created.Before(out[j].created) })
	return out
}

// Count returns the number of live rooms.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Shutdown disposes every room.
func (m *Manager) Shutdown() {
	m.cancel()
}
