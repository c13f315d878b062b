// internal/handlers/ws.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MutableTeam/mutable-lobby/internal/middleware"
	"github.com/MutableTeam/mutable-lobby/internal/protocol"
	"github.com/MutableTeam/mutable-lobby/internal/room"
	"github.com/coder/websocket"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 5 * time.Second
	readLimit    = 64 << 10
)

// ServeWS upgrades one connection session. Every room the session joins is
// multiplexed over this socket.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	username := cleanUsername(r.URL.Query().Get("username"))

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{Subprotocol},
		OriginPatterns: s.allowedOrigins,
	})
	if err != nil {
		s.log.Warnf("websocket accept error: %v", err)
		return
	}
	defer c.CloseNow()

	if c.Subprotocol() != Subprotocol {
		c.Close(BadSubprotocolError, "client must speak the matchmaking subprotocol")
		return
	}
	if username == "" {
		c.Close(MissingUsernameError, "username is required")
		return
	}
	c.SetReadLimit(readLimit)

	client := room.NewClient(username, s.outboundBuffer, s.log)
	middleware.LogWebSocketConnect(s.log, r.RemoteAddr, client.SessionID, username)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client.Send("", protocol.TypeSession, protocol.SessionPayload{SessionID: client.SessionID, Username: username})
	go s.writePump(ctx, cancel, c, client)

	err = s.readPump(ctx, c, client)
	s.manager.Disconnect(client)
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure || websocket.CloseStatus(err) == websocket.StatusGoingAway {
		err = nil
	}
	middleware.LogWebSocketDisconnect(s.log, r.RemoteAddr, client.SessionID, err)
}

// readPump decodes envelopes until the connection fails.
func (s *Server) readPump(ctx context.Context, c *websocket.Conn, client *room.Client) error {
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			client.SendError("", "", protocol.Errorf(protocol.CodeMalformed, "binary frames are not supported"))
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			client.SendError("", "", protocol.Wrap(protocol.ErrMalformedMessage, err))
			continue
		}
		s.dispatch(client, env)
	}
}

func (s *Server) dispatch(client *room.Client, env protocol.Envelope) {
	log := s.log.WithField("session", client.SessionID)
	if env.Room == "" {
		switch env.Type {
		case protocol.TypeJoinRoom:
			if err := s.join(client, env); err != nil {
				log.Infof("join rejected: %v", err)
				client.SendError("", env.RequestID, err)
			}
		default:
			client.SendError("", env.RequestID, protocol.Errorf(protocol.CodeUnknownMessage, "unknown control message %q", env.Type))
		}
		return
	}

	if env.Type == protocol.TypeLeaveRoom {
		if err := s.manager.Leave(client, env.Room); err != nil {
			// already gone; confirm so the client can settle
			client.Send(env.Room, protocol.TypeRoomLeft, protocol.RoomLeftPayload{Reason: protocol.ReasonLeft})
		}
		return
	}
	if err := s.manager.Deliver(client, env); err != nil {
		client.SendError(env.Room, env.RequestID, err)
	}
}

func (s *Server) join(client *room.Client, env protocol.Envelope) error {
	var p protocol.JoinRoomPayload
	if err := protocol.DecodeOptions(env.Data, &p); err != nil {
		return err
	}
	req := room.Request{Name: p.Name, RoomID: p.RoomID, Options: p.Options, RequestID: env.RequestID}
	var err error
	switch {
	case p.RoomID != "":
		_, err = s.manager.JoinByID(client, req)
	case p.Name == "":
		err = protocol.Errorf(protocol.CodeMalformed, "join_room needs a name or a roomId")
	case p.Create:
		_, err = s.manager.Create(client, req)
	default:
		_, err = s.manager.JoinOrCreate(client, req)
	}
	return err
}

// writePump drains the session's outbound queue and keeps the socket alive.
func (s *Server) writePump(ctx context.Context, cancel context.CancelFunc, c *websocket.Conn, client *room.Client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			c.Close(ShuttingDownError, "server shutting down")
			return
		case env := <-client.Out():
			data, err := json.Marshal(env)
			if err != nil {
				s.log.Warnf("failed to marshal outgoing '%s' for %s: %v", env.Type, client.SessionID, err)
				continue
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
			err = c.Write(writeCtx, websocket.MessageText, data)
			cancelWrite()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.log.Warnf("failed to write to websocket for %s: %v", client.SessionID, err)
				}
				return
			}
		case <-ticker.C:
			pingCtx, cancelPing := context.WithTimeout(ctx, 15*time.Second)
			err := c.Ping(pingCtx)
			cancelPing()
			if err != nil {
				s.log.Warnf("failed to send ping to %s: %v. Assuming disconnect.", client.SessionID, err)
				return
			}
		}
	}
}
