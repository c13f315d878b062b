// internal/room/room.go
package room

import (
	"encoding/json"
	"runtime/debug"
	"time"

	"github.com/MutableTeam/mutable-lobby/internal/protocol"
	"github.com/sirupsen/logrus"
)

// Controller holds the game-specific behaviour of a room. Every callback runs
// on the room's own goroutine, one inbound message at a time, so controllers
// never need locks for their own state.
type Controller interface {
	// OnJoin decides admission. It must not write to c; the join has not been
	// confirmed to the client yet.
	OnJoin(r *Room, c *Client, options json.RawMessage) error
	// OnJoined runs after the client received room_joined.
	OnJoined(r *Room, c *Client)
	// OnLeave runs after c was removed. consented is false for transport drops.
	OnLeave(r *Room, c *Client, consented bool)
	OnMessage(r *Room, c *Client, cmd protocol.Command) error
	OnDispose(r *Room)
}

// Starter is implemented by controllers that need the live room before the
// first join, for example to subscribe to outside events.
type Starter interface {
	OnStart(r *Room)
}

// BaseController gives controllers no-op defaults.
type BaseController struct{}

func (BaseController) OnJoin(*Room, *Client, json.RawMessage) error { return nil }
func (BaseController) OnJoined(*Room, *Client)                      {}
func (BaseController) OnLeave(*Room, *Client, bool)                 {}
func (BaseController) OnMessage(*Room, *Client, protocol.Command) error {
	return protocol.ErrUnknownMessage
}
func (BaseController) OnDispose(*Room) {}

type message interface{ isRoomMsg() }

type joinMsg struct {
	client    *Client
	options   json.RawMessage
	requestID string
	reply     chan error
}

type leaveMsg struct {
	client    *Client
	consented bool
}

type clientMsg struct {
	client    *Client
	typ       string
	data      json.RawMessage
	requestID string
}

type callMsg struct {
	fn   func()
	done chan struct{}
}

type disposeMsg struct{ reason string }

func (joinMsg) isRoomMsg()    {}
func (leaveMsg) isRoomMsg()   {}
func (clientMsg) isRoomMsg()  {}
func (callMsg) isRoomMsg()    {}
func (disposeMsg) isRoomMsg() {}

// Room is a running room instance.
type Room struct {
	id       string
	def      Definition
	ctrl     Controller
	manager  *Manager
	inbox    chan message
	done     chan struct{}
	log      *logrus.Entry
	created  time.Time
	clients  map[string]*Client
	order    []string
	state    json.RawMessage
	timers   map[*time.Timer]struct{}
	disposed bool
}

func newRoom(id string, def Definition, ctrl Controller, m *Manager) *Room {
	return &Room{
		id:      id,
		def:     def,
		ctrl:    ctrl,
		manager: m,
		inbox:   make(chan message, 64),
		done:    make(chan struct{}),
		log:     m.log.WithFields(logrus.Fields{"room": id, "name": def.Name}),
		created: time.Now(),
		clients: make(map[string]*Client),
		timers:  make(map[*time.Timer]struct{}),
	}
}

func (r *Room) ID() string                 { return r.id }
func (r *Room) Name() string               { return r.def.Name }
func (r *Room) Category() Category         { return r.def.Category }
func (r *Room) Manager() *Manager          { return r.manager }
func (r *Room) Logger() logrus.FieldLogger { return r.log }
func (r *Room) Done() <-chan struct{}      { return r.done }
func (r *Room) CreatedAt() time.Time       { return r.created }
func (r *Room) Controller() Controller     { return r.ctrl }

func (r *Room) loop() {
	defer r.log.Debug("room loop exited")
	if s, ok := r.ctrl.(Starter); ok {
		_ = r.guard(func() error { s.OnStart(r); return nil })
	}
	for {
		select {
		case <-r.manager.ctx.Done():
			if !r.disposed {
				r.dispose(protocol.ReasonDisposed)
			}
			return
		case m := <-r.inbox:
			r.handle(m)
			if r.disposed {
				r.drain()
				return
			}
		}
	}
}

// drain answers messages that were queued behind a dispose so no caller hangs.
func (r *Room) drain() {
	for {
		select {
		case m := <-r.inbox:
			switch msg := m.(type) {
			case joinMsg:
				msg.reply <- protocol.ErrRoomNotFound
			case callMsg:
				if msg.done != nil {
					close(msg.done)
				}
			}
		default:
			return
		}
	}
}

func (r *Room) post(m message) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.inbox <- m:
		return true
	case <-r.done:
		return false
	}
}

func (r *Room) handle(m message) {
	switch msg := m.(type) {
	case joinMsg:
		msg.reply <- r.handleJoin(msg)
	case leaveMsg:
		r.handleLeave(msg.client, msg.consented)
	case clientMsg:
		r.handleClientMessage(msg)
	case callMsg:
		_ = r.guard(func() error { msg.fn(); return nil })
		if msg.done != nil {
			close(msg.done)
		}
	case disposeMsg:
		r.dispose(msg.reason)
	}
}

func (r *Room) handleJoin(msg joinMsg) error {
	if r.disposed {
		return protocol.ErrRoomNotFound
	}
	c := msg.client
	if _, ok := r.clients[c.SessionID]; ok {
		return protocol.ErrAlreadyInRoom
	}
	if err := r.guard(func() error { return r.ctrl.OnJoin(r, c, msg.options) }); err != nil {
		return err
	}
	if !c.attach(r.def.Category, r) {
		// session closed while the join was queued
		_ = r.guard(func() error { r.ctrl.OnLeave(r, c, false); return nil })
		return protocol.ErrConnection
	}
	r.clients[c.SessionID] = c
	r.order = append(r.order, c.SessionID)

	env, _ := protocol.NewEnvelope("", protocol.TypeRoomJoined, protocol.RoomJoinedPayload{RoomID: r.id, Name: r.def.Name})
	env.RequestID = msg.requestID
	c.Write(env)
	if r.state != nil {
		c.Write(protocol.Envelope{Room: r.id, Type: protocol.TypeState, Data: r.state})
	}
	r.log.WithField("session", c.SessionID).Infof("%s (%s) joined", c.Username, c.SessionID)
	_ = r.guard(func() error { r.ctrl.OnJoined(r, c); return nil })
	return nil
}

func (r *Room) handleLeave(c *Client, consented bool) {
	if !r.remove(c) {
		return
	}
	if consented {
		c.Send(r.id, protocol.TypeRoomLeft, protocol.RoomLeftPayload{Reason: protocol.ReasonLeft})
	}
	r.log.WithFields(logrus.Fields{"session": c.SessionID, "consented": consented}).Info("client left")
	_ = r.guard(func() error { r.ctrl.OnLeave(r, c, consented); return nil })
}

func (r *Room) handleClientMessage(msg clientMsg) {
	c := msg.client
	if _, ok := r.clients[c.SessionID]; !ok {
		c.SendError(r.id, msg.requestID, protocol.ErrRoomNotFound)
		return
	}
	cmd, err := protocol.Decode(msg.typ, msg.data)
	if err != nil {
		r.log.WithField("session", c.SessionID).Warnf("rejected message '%s': %v", msg.typ, err)
		c.SendError(r.id, msg.requestID, err)
		return
	}
	if err := r.guard(func() error { return r.ctrl.OnMessage(r, c, cmd) }); err != nil {
		r.log.WithField("session", c.SessionID).Infof("command '%s' rejected: %v", msg.typ, err)
		c.SendError(r.id, msg.requestID, err)
	}
}

// guard isolates a controller callback. A panic is logged and turned into an
// internal error so the room keeps serving its other members.
func (r *Room) guard(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.WithField("panic", p).Errorf("recovered controller panic\n%s", debug.Stack())
			err = protocol.ErrInternal
		}
	}()
	return fn()
}

func (r *Room) remove(c *Client) bool {
	if _, ok := r.clients[c.SessionID]; !ok {
		return false
	}
	delete(r.clients, c.SessionID)
	for i, id := range r.order {
		if id == c.SessionID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	c.release(r.def.Category, r)
	return true
}

func (r *Room) dispose(reason string) {
	if r.disposed {
		return
	}
	r.disposed = true
	for t := range r.timers {
		t.Stop()
	}
	for _, c := range r.Clients() {
		r.Kick(c, reason)
	}
	_ = r.guard(func() error { r.ctrl.OnDispose(r); return nil })
	r.manager.unregister(r)
	close(r.done)
	r.log.WithField("reason", reason).Info("room disposed")
}

// --- helpers for controllers; call only from the room goroutine ---

// Clients returns members in join order.
func (r *Room) Clients() []*Client {
	out := make([]*Client, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.clients[id])
	}
	return out
}

func (r *Room) Client(sessionID string) (*Client, bool) {
	c, ok := r.clients[sessionID]
	return c, ok
}

func (r *Room) Len() int { return len(r.clients) }

// Send writes a directed message to c.
func (r *Room) Send(c *Client, typ string, v interface{}) {
	c.Send(r.id, typ, v)
}

// Broadcast writes typ to every member except the listed clients.
func (r *Room) Broadcast(typ string, v interface{}, except ...*Client) {
	env, err := protocol.NewEnvelope(r.id, typ, v)
	if err != nil {
		r.log.Errorf("failed to marshal broadcast '%s': %v", typ, err)
		return
	}
	skip := make(map[string]bool, len(except))
	for _, c := range except {
		skip[c.SessionID] = true
	}
	for _, c := range r.Clients() {
		if skip[c.SessionID] {
			continue
		}
		c.Write(env)
	}
}

// SetState stores the room state and pushes it to every member. New members
// receive the latest state right after room_joined.
func (r *Room) SetState(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		r.log.Errorf("failed to marshal state: %v", err)
		return
	}
	r.state = data
	env := protocol.Envelope{Room: r.id, Type: protocol.TypeState, Data: data}
	for _, c := range r.Clients() {
		c.Write(env)
	}
}

// Kick detaches c without running OnLeave and tells it why.
func (r *Room) Kick(c *Client, reason string) {
	if !r.remove(c) {
		return
	}
	c.Send(r.id, protocol.TypeRoomLeft, protocol.RoomLeftPayload{Reason: reason})
}

// Schedule runs fn on the room goroutine after d. The returned func cancels it.
func (r *Room) Schedule(d time.Duration, fn func()) (cancel func()) {
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		r.post(callMsg{fn: func() {
			delete(r.timers, t)
			fn()
		}})
	})
	r.timers[t] = struct{}{}
	return func() {
		t.Stop()
		delete(r.timers, t)
	}
}

// Dispose tears the room down right away: timers stop, every member is
// kicked with reason and the room is unregistered before Dispose returns.
// Later messages in the inbox are dropped.
func (r *Room) Dispose(reason string) {
	r.dispose(reason)
}

// --- entry points for other goroutines ---

// Call runs fn on the room goroutine and waits for it. It returns false when
// the room is gone.
func (r *Room) Call(fn func()) bool {
	done := make(chan struct{})
	if !r.post(callMsg{fn: fn, done: done}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-r.done:
		return false
	}
}

// Post queues fn to run on the room goroutine without waiting for it.
func (r *Room) Post(fn func()) bool {
	return r.post(callMsg{fn: fn})
}

// Deliver queues a client message.
func (r *Room) Deliver(c *Client, typ, requestID string, data json.RawMessage) bool {
	return r.post(clientMsg{client: c, typ: typ, data: data, requestID: requestID})
}

// Close disposes the room from outside its goroutine.
func (r *Room) Close(reason string) {
	r.post(disposeMsg{reason: reason})
}

func (r *Room) join(c *Client, options json.RawMessage, requestID string) error {
	reply := make(chan error, 1)
	if !r.post(joinMsg{client: c, options: options, requestID: requestID, reply: reply}) {
		return protocol.ErrRoomNotFound
	}
	select {
	case err := <-reply:
		return err
	case <-r.done:
		select {
		case err := <-reply:
			return err
		default:
			return protocol.ErrRoomNotFound
		}
	}
}

func (r *Room) leave(c *Client, consented bool) {
	r.post(leaveMsg{client: c, consented: consented})
}
