// internal/room/client.go
package room

import (
	"sync"
	"time"

	"github.com/MutableTeam/mutable-lobby/internal/protocol"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Category groups rooms a single connection may occupy at most one of.
type Category string

const (
	CategoryHub     Category = "hub"
	CategoryLobby   Category = "lobby"
	CategorySession Category = "session"
)

// Client is one connection session. It is owned by the transport handler;
// rooms only reference it by SessionID and write to it.
type Client struct {
	SessionID   string
	Username    string
	ConnectedAt time.Time

	out chan protocol.Envelope
	log logrus.FieldLogger

	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	rooms   map[Category]*Room
	pending map[Category]bool
}

// NewClient creates a session with a fresh id and an outbound buffer of the
// given size.
func NewClient(username string, buffer int, logger logrus.FieldLogger) *Client {
	if buffer <= 0 {
		buffer = 64
	}
	id := uuid.NewString()
	return &Client{
		SessionID:   id,
		Username:    username,
		ConnectedAt: time.Now(),
		out:         make(chan protocol.Envelope, buffer),
		log:         logger.WithField("session", id),
		done:        make(chan struct{}),
		rooms:       make(map[Category]*Room),
		pending:     make(map[Category]bool),
	}
}

// Out is drained by the write pump.
func (c *Client) Out() <-chan protocol.Envelope { return c.out }

// Done is closed once the session is closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Write queues an envelope without blocking. A full buffer drops the message.
func (c *Client) Write(env protocol.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.out <- env:
		return true
	default:
		c.log.Warnf("outbound buffer full, dropped message type '%s' for room '%s'", env.Type, env.Room)
		return false
	}
}

// Send marshals v and queues it.
func (c *Client) Send(room, typ string, v interface{}) bool {
	env, err := protocol.NewEnvelope(room, typ, v)
	if err != nil {
		c.log.Errorf("failed to marshal '%s': %v", typ, err)
		return false
	}
	return c.Write(env)
}

// SendError reports err to the client as an error message, or a join_error
// when it answers a join request.
func (c *Client) SendError(room, requestID string, err error) {
	typ := protocol.TypeError
	if requestID != "" && room == "" {
		typ = protocol.TypeJoinError
	}
	env, mErr := protocol.NewEnvelope(room, typ, protocol.AsError(err).Payload())
	if mErr != nil {
		return
	}
	env.RequestID = requestID
	c.Write(env)
}

// Close marks the session closed. Further writes are dropped.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// RoomFor returns the room the session currently occupies in category cat.
func (c *Client) RoomFor(cat Category) *Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[cat]
}

// Rooms returns every room the session is attached to.
func (c *Client) Rooms() []*Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		out = append(out, r)
	}
	return out
}

// claim reserves the category slot for an in-flight join.
func (c *Client) claim(cat Category) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return protocol.ErrConnection
	}
	if c.rooms[cat] != nil || c.pending[cat] {
		return protocol.ErrAlreadyInRoom
	}
	c.pending[cat] = true
	return nil
}

func (c *Client) unclaim(cat Category) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, cat)
}

// attach completes a claim. It fails when the session closed meanwhile, in
// which case the caller must roll the admission back.
func (c *Client) attach(cat Category, r *Room) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, cat)
	if c.closed {
		return false
	}
	c.rooms[cat] = r
	return true
}

func (c *Client) release(cat Category, r *Room) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rooms[cat] == r {
		delete(c.rooms, cat)
	}
}
