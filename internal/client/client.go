// Package client is the transport side of the matchmaking protocol. One
// Client holds one websocket; rooms joined through it are multiplexed over
// that socket and surfaced as RoomHandles.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/MutableTeam/mutable-lobby/internal/protocol"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// Subprotocol must match the server's.
	Subprotocol = "matchmaking"

	DefaultDialTimeout = 10 * time.Second
	DefaultJoinTimeout = 10 * time.Second

	outboundBuffer = 64
	readLimit      = 1 << 20
	writeTimeout   = 5 * time.Second
)

// ReasonDisconnected is reported to OnLeave handlers when the socket goes away.
const ReasonDisconnected = "disconnected"

type Option func(*Client)

func WithUsername(name string) Option { return func(c *Client) { c.username = name } }

func WithLogger(l logrus.FieldLogger) Option { return func(c *Client) { c.log = l } }

func WithDialTimeout(d time.Duration) Option { return func(c *Client) { c.dialTimeout = d } }

func WithJoinTimeout(d time.Duration) Option { return func(c *Client) { c.joinTimeout = d } }

// Client is safe for concurrent use. All handlers registered on its room
// handles run on a single read goroutine.
type Client struct {
	serverURL   string
	username    string
	log         logrus.FieldLogger
	dialTimeout time.Duration
	joinTimeout time.Duration

	mu        sync.Mutex
	sess      *session
	dialing   chan struct{}
	dialErr   error
	sessionID string
	pending   map[string]*pendingJoin
	rooms     map[string]*RoomHandle
	onDrop    []func(error)
}

// session is one live socket.
type session struct {
	ws      *websocket.Conn
	out     chan protocol.Envelope
	cancel  context.CancelFunc
	once    sync.Once
	closing bool
}

type joinResult struct {
	handle *RoomHandle
	err    error
}

type pendingJoin struct {
	setup  func(*RoomHandle)
	result chan joinResult
}

func New(serverURL string, opts ...Option) *Client {
	c := &Client{
		serverURL:   serverURL,
		username:    "player",
		log:         logrus.StandardLogger(),
		dialTimeout: DefaultDialTimeout,
		joinTimeout: DefaultJoinTimeout,
		pending:     make(map[string]*pendingJoin),
		rooms:       make(map[string]*RoomHandle),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// OnDisconnect registers fn to run whenever a socket goes away, after every
// handle has settled. err is nil when Close was called.
func (c *Client) OnDisconnect(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDrop = append(c.onDrop, fn)
}

// IsOpen reports whether the socket is currently usable.
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

// SessionID is the id the server assigned to the current connection.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Connect opens the socket. It is a no-op when the socket is open, and
// callers arriving while a dial is in flight wait for that same dial.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		return nil
	}
	if ch := c.dialing; ch != nil {
		c.mu.Unlock()
		select {
		case <-ch:
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.sess != nil {
				return nil
			}
			if c.dialErr != nil {
				return c.dialErr
			}
			return protocol.ErrConnection
		case <-ctx.Done():
			return protocol.Wrap(protocol.ErrConnection, ctx.Err())
		}
	}
	ch := make(chan struct{})
	c.dialing = ch
	c.mu.Unlock()

	err := c.dial(ctx)

	c.mu.Lock()
	c.dialing = nil
	c.dialErr = err
	close(ch)
	c.mu.Unlock()
	return err
}

func (c *Client) dial(ctx context.Context) error {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return protocol.Wrap(protocol.ErrConnection, fmt.Errorf("bad server url: %w", err))
	}
	q := u.Query()
	q.Set("username", c.username)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return protocol.Wrap(protocol.ErrConnection, err)
	}
	ws.SetReadLimit(readLimit)

	// the first frame assigns the session id
	_, data, err := ws.Read(dialCtx)
	if err != nil {
		ws.CloseNow()
		return protocol.Wrap(protocol.ErrConnection, err)
	}
	var env protocol.Envelope
	var hello protocol.SessionPayload
	if err := json.Unmarshal(data, &env); err != nil || env.Type != protocol.TypeSession {
		ws.CloseNow()
		return protocol.Errorf(protocol.CodeConnection, "expected a session frame")
	}
	if err := json.Unmarshal(env.Data, &hello); err != nil {
		ws.CloseNow()
		return protocol.Wrap(protocol.ErrConnection, err)
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	s := &session{ws: ws, out: make(chan protocol.Envelope, outboundBuffer), cancel: loopCancel}
	c.mu.Lock()
	c.sess = s
	c.sessionID = hello.SessionID
	c.mu.Unlock()

	c.log.WithField("session", hello.SessionID).Info("connected to lobby server")
	go c.writeLoop(loopCtx, s)
	go c.readLoop(loopCtx, s)
	return nil
}

func (c *Client) readLoop(ctx context.Context, s *session) {
	for {
		_, data, err := s.ws.Read(ctx)
		if err != nil {
			c.mu.Lock()
			closing := s.closing
			c.mu.Unlock()
			if closing || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				err = nil
			}
			c.teardown(s, err)
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warnf("dropping undecodable frame: %v", err)
			continue
		}
		c.route(env)
	}
}

func (c *Client) writeLoop(ctx context.Context, s *session) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-s.out:
			data, err := json.Marshal(env)
			if err != nil {
				c.log.Warnf("failed to marshal outgoing '%s': %v", env.Type, err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = s.ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					c.log.Warnf("failed to write to websocket: %v", err)
				}
				return
			}
		}
	}
}

// enqueue hands an envelope to the writer without blocking.
func (c *Client) enqueue(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return protocol.ErrConnection
	}
	select {
	case c.sess.out <- env:
		return nil
	default:
		return protocol.Errorf(protocol.CodeConnection, "send buffer full")
	}
}

func (c *Client) route(env protocol.Envelope) {
	if env.Room == "" {
		c.routeControl(env)
		return
	}
	c.mu.Lock()
	h := c.rooms[env.Room]
	c.mu.Unlock()
	if h == nil {
		c.log.Debugf("dropping '%s' for unknown room %s", env.Type, env.Room)
		return
	}
	switch env.Type {
	case protocol.TypeRoomLeft:
		var p protocol.RoomLeftPayload
		_ = json.Unmarshal(env.Data, &p)
		c.detach(h, p.Reason)
	case protocol.TypeState:
		h.emitState(env.Data)
	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			p = protocol.ErrorPayload{Code: protocol.CodeInternal, Message: "undecodable error"}
		}
		h.emitError(protocol.FromPayload(p))
	default:
		h.emitMessage(env.Type, env.Data)
	}
}

func (c *Client) routeControl(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRoomJoined:
		var p protocol.RoomJoinedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.log.Warnf("bad room_joined: %v", err)
			return
		}
		c.mu.Lock()
		pj := c.pending[env.RequestID]
		delete(c.pending, env.RequestID)
		var h *RoomHandle
		if pj != nil {
			h = newRoomHandle(c, p.RoomID, p.Name)
			c.rooms[p.RoomID] = h
		}
		c.mu.Unlock()
		if pj == nil {
			// the caller gave up; do not keep a seat nobody uses
			_ = c.enqueue(protocol.Envelope{Room: p.RoomID, Type: protocol.TypeLeaveRoom})
			return
		}
		if pj.setup != nil {
			pj.setup(h)
		}
		pj.result <- joinResult{handle: h}
	case protocol.TypeJoinError, protocol.TypeError:
		var p protocol.ErrorPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			p = protocol.ErrorPayload{Code: protocol.CodeInternal, Message: "undecodable error"}
		}
		c.mu.Lock()
		pj := c.pending[env.RequestID]
		delete(c.pending, env.RequestID)
		c.mu.Unlock()
		if pj != nil {
			pj.result <- joinResult{err: protocol.FromPayload(p)}
			return
		}
		c.log.Warnf("server error: %s: %s", p.Code, p.Message)
	case protocol.TypeSession:
	default:
		c.log.Debugf("ignoring control message '%s'", env.Type)
	}
}

type joinConfig struct {
	setup func(*RoomHandle)
	name  string
}

// JoinOption customizes a join call.
type JoinOption func(*joinConfig)

// WithSetup runs fn on the read goroutine as soon as the join is confirmed,
// before any room message is dispatched. Register handlers there to see the
// room's first messages.
func WithSetup(fn func(*RoomHandle)) JoinOption {
	return func(jc *joinConfig) { jc.setup = fn }
}

// WithRoomName scopes JoinByID to rooms of name. Any other id is rejected as
// not found by the server.
func WithRoomName(name string) JoinOption {
	return func(jc *joinConfig) { jc.name = name }
}

// JoinOrCreate joins a room of that name that accepts the options, creating
// one when none does.
func (c *Client) JoinOrCreate(ctx context.Context, name string, options interface{}, opts ...JoinOption) (*RoomHandle, error) {
	return c.join(ctx, protocol.JoinRoomPayload{Name: name}, options, opts)
}

// Create always creates a new room.
func (c *Client) Create(ctx context.Context, name string, options interface{}, opts ...JoinOption) (*RoomHandle, error) {
	return c.join(ctx, protocol.JoinRoomPayload{Name: name, Create: true}, options, opts)
}

// JoinByID joins an existing room.
func (c *Client) JoinByID(ctx context.Context, roomID string, options interface{}, opts ...JoinOption) (*RoomHandle, error) {
	return c.join(ctx, protocol.JoinRoomPayload{RoomID: roomID}, options, opts)
}

func (c *Client) join(ctx context.Context, p protocol.JoinRoomPayload, options interface{}, opts []JoinOption) (*RoomHandle, error) {
	var jc joinConfig
	for _, o := range opts {
		o(&jc)
	}
	if jc.name != "" && p.RoomID != "" {
		p.Name = jc.name
	}
	if options != nil {
		raw, err := json.Marshal(options)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal join options: %w", err)
		}
		p.Options = raw
	}
	env, err := protocol.NewEnvelope("", protocol.TypeJoinRoom, p)
	if err != nil {
		return nil, err
	}
	env.RequestID = uuid.NewString()

	pj := &pendingJoin{setup: jc.setup, result: make(chan joinResult, 1)}
	c.mu.Lock()
	if c.sess == nil {
		c.mu.Unlock()
		return nil, protocol.ErrConnection
	}
	c.pending[env.RequestID] = pj
	c.mu.Unlock()

	if err := c.enqueue(env); err != nil {
		c.dropPending(env.RequestID)
		return nil, err
	}

	timer := time.NewTimer(c.joinTimeout)
	defer timer.Stop()
	var cause error
	select {
	case res := <-pj.result:
		return res.handle, res.err
	case <-timer.C:
		cause = errors.New("join timed out")
	case <-ctx.Done():
		cause = ctx.Err()
	}
	if c.dropPending(env.RequestID) {
		return nil, protocol.Wrap(protocol.ErrConnection, cause)
	}
	// the answer is already being delivered
	res := <-pj.result
	return res.handle, res.err
}

func (c *Client) dropPending(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[requestID]; !ok {
		return false
	}
	delete(c.pending, requestID)
	return true
}

// detach forgets a room handle and fires its leave handlers once.
func (c *Client) detach(h *RoomHandle, reason string) {
	c.mu.Lock()
	if c.rooms[h.id] == h {
		delete(c.rooms, h.id)
	}
	c.mu.Unlock()
	h.settle(reason)
}

// teardown settles everything that depended on s. cause is nil for a
// requested close.
func (c *Client) teardown(s *session, cause error) {
	s.once.Do(func() {
		c.mu.Lock()
		if c.sess == s {
			c.sess = nil
		}
		pending := c.pending
		c.pending = make(map[string]*pendingJoin)
		rooms := c.rooms
		c.rooms = make(map[string]*RoomHandle)
		drops := append([]func(error){}, c.onDrop...)
		c.mu.Unlock()
		s.cancel()

		if cause != nil {
			c.log.Warnf("lost connection to lobby server: %v", cause)
		}
		for _, pj := range pending {
			pj.result <- joinResult{err: protocol.Wrap(protocol.ErrConnection, errors.New("connection closed"))}
		}
		for _, h := range rooms {
			if cause != nil {
				h.emitError(protocol.Wrap(protocol.ErrConnection, cause))
			}
			h.settle(ReasonDisconnected)
		}
		for _, fn := range drops {
			fn(cause)
		}
	})
}

// Close shuts the socket down. Pending joins fail with ErrConnection and every
// handle's OnLeave fires. Calling it again is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	s := c.sess
	if s != nil {
		s.closing = true
	}
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	if err := s.ws.Close(websocket.StatusNormalClosure, "client closing"); err != nil {
		c.log.Debugf("close handshake: %v", err)
	}
	c.teardown(s, nil)
	return nil
}
