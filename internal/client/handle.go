package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/MutableTeam/mutable-lobby/internal/protocol"
)

// RoomHandle is one joined room. Handlers may be registered from any
// goroutine; they are invoked on the client's read goroutine in arrival order.
type RoomHandle struct {
	c    *Client
	id   string
	name string

	mu       sync.Mutex
	messages map[string][]func(json.RawMessage)
	any      []func(string, json.RawMessage)
	states   []func(json.RawMessage)
	leaves   []func(string)
	errs     []func(error)
	left     bool
	leftCh   chan struct{}
}

func newRoomHandle(c *Client, id, name string) *RoomHandle {
	return &RoomHandle{
		c:        c,
		id:       id,
		name:     name,
		messages: make(map[string][]func(json.RawMessage)),
		leftCh:   make(chan struct{}),
	}
}

func (h *RoomHandle) ID() string   { return h.id }
func (h *RoomHandle) Name() string { return h.name }

// Done is closed once the handle has left its room and its OnLeave
// handlers have returned.
func (h *RoomHandle) Done() <-chan struct{} { return h.leftCh }

// Send queues a room message. It fails once the handle has left.
func (h *RoomHandle) Send(typ string, payload interface{}) error {
	h.mu.Lock()
	left := h.left
	h.mu.Unlock()
	if left {
		return protocol.ErrRoomNotFound
	}
	env, err := protocol.NewEnvelope(h.id, typ, payload)
	if err != nil {
		return err
	}
	return h.c.enqueue(env)
}

// OnMessage registers fn for messages of type typ. Several handlers may be
// registered for the same type.
func (h *RoomHandle) OnMessage(typ string, fn func(json.RawMessage)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages[typ] = append(h.messages[typ], fn)
}

// OnAnyMessage registers fn for every room message.
func (h *RoomHandle) OnAnyMessage(fn func(typ string, data json.RawMessage)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.any = append(h.any, fn)
}

// OnStateChange registers fn for room state snapshots.
func (h *RoomHandle) OnStateChange(fn func(json.RawMessage)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, fn)
}

// OnLeave registers fn to run once when the handle leaves, with the reason.
func (h *RoomHandle) OnLeave(fn func(reason string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaves = append(h.leaves, fn)
}

func (h *RoomHandle) OnError(fn func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, fn)
}

// Leave asks the server to detach this session and waits for confirmation.
// It is a no-op after the first call settles. If the server does not answer
// within the join timeout the handle is settled locally.
func (h *RoomHandle) Leave(ctx context.Context) error {
	h.mu.Lock()
	left := h.left
	h.mu.Unlock()
	if left {
		return nil
	}
	if err := h.c.enqueue(protocol.Envelope{Room: h.id, Type: protocol.TypeLeaveRoom}); err != nil {
		h.c.detach(h, protocol.ReasonLeft)
		return nil
	}
	timer := time.NewTimer(h.c.joinTimeout)
	defer timer.Stop()
	select {
	case <-h.leftCh:
		return nil
	case <-timer.C:
		h.c.detach(h, protocol.ReasonLeft)
		return nil
	case <-ctx.Done():
		h.c.detach(h, protocol.ReasonLeft)
		return ctx.Err()
	}
}

func (h *RoomHandle) emitMessage(typ string, data json.RawMessage) {
	h.mu.Lock()
	fns := append([]func(json.RawMessage){}, h.messages[typ]...)
	all := append([]func(string, json.RawMessage){}, h.any...)
	h.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
	for _, fn := range all {
		fn(typ, data)
	}
	if len(fns) == 0 && len(all) == 0 {
		h.c.log.Debugf("no handler for '%s' in room %s", typ, h.id)
	}
}

func (h *RoomHandle) emitState(data json.RawMessage) {
	h.mu.Lock()
	fns := append([]func(json.RawMessage){}, h.states...)
	h.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

func (h *RoomHandle) emitError(err error) {
	h.mu.Lock()
	fns := append([]func(error){}, h.errs...)
	h.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

// settle marks the handle left and fires OnLeave exactly once.
func (h *RoomHandle) settle(reason string) {
	h.mu.Lock()
	if h.left {
		h.mu.Unlock()
		return
	}
	h.left = true
	fns := append([]func(string){}, h.leaves...)
	h.mu.Unlock()
	for _, fn := range fns {
		fn(reason)
	}
	close(h.leftCh)
}
