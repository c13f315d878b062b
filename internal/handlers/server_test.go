package handlers_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/MutableTeam/mutable-lobby/internal/app/apptest"
	"github.com/MutableTeam/mutable-lobby/internal/handlers"
	"github.com/MutableTeam/mutable-lobby/internal/protocol"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsConn struct {
	t    *testing.T
	conn *websocket.Conn
	seq  int
}

func dial(t *testing.T, url string, subprotocols ...string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{Subprotocols: subprotocols})
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

// connect dials as username and consumes the session frame.
func connect(t *testing.T, env *apptest.Env, username string) (*wsConn, protocol.SessionPayload) {
	t.Helper()
	c := &wsConn{t: t, conn: dial(t, env.WSURL+"?username="+username, handlers.Subprotocol)}
	first := c.read()
	require.Equal(t, protocol.TypeSession, first.Type)
	var hello protocol.SessionPayload
	require.NoError(t, json.Unmarshal(first.Data, &hello))
	return c, hello
}

func (c *wsConn) read() protocol.Envelope {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	require.NoError(c.t, err)
	var env protocol.Envelope
	require.NoError(c.t, json.Unmarshal(data, &env))
	return env
}

// readUntil skips frames until one of type typ arrives.
func (c *wsConn) readUntil(typ string) protocol.Envelope {
	c.t.Helper()
	for i := 0; i < 50; i++ {
		env := c.read()
		if env.Type == typ {
			return env
		}
	}
	c.t.Fatalf("no %s frame", typ)
	return protocol.Envelope{}
}

func (c *wsConn) write(env protocol.Envelope) {
	c.t.Helper()
	data, err := json.Marshal(env)
	require.NoError(c.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, websocket.MessageText, data))
}

// join sends join_room and returns the matching room_joined or join_error.
func (c *wsConn) join(p protocol.JoinRoomPayload) protocol.Envelope {
	c.t.Helper()
	c.seq++
	env, err := protocol.NewEnvelope("", protocol.TypeJoinRoom, p)
	require.NoError(c.t, err)
	env.RequestID = fmt.Sprintf("req-%d", c.seq)
	c.write(env)
	for i := 0; i < 50; i++ {
		got := c.read()
		if got.RequestID == env.RequestID && (got.Type == protocol.TypeRoomJoined || got.Type == protocol.TypeJoinError) {
			return got
		}
	}
	c.t.Fatal("join was never answered")
	return protocol.Envelope{}
}

func roomID(t *testing.T, env protocol.Envelope) string {
	t.Helper()
	require.Equal(t, protocol.TypeRoomJoined, env.Type, string(env.Data))
	var p protocol.RoomJoinedPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	return p.RoomID
}

func rawOptions(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestHealthz(t *testing.T) {
	env := apptest.Start(t, nil)
	resp, err := http.Get(env.HTTPURL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListRoomsRejectsUnknownStatus(t *testing.T) {
	env := apptest.Start(t, nil)
	resp, err := http.Get(env.HTTPURL + "/api/rooms?status=closed")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionFrameIsSentFirst(t *testing.T) {
	env := apptest.Start(t, nil)
	_, hello := connect(t, env, "alice")
	assert.NotEmpty(t, hello.SessionID)
	assert.Equal(t, "alice", hello.Username)
}

func TestCloseCodes(t *testing.T) {
	env := apptest.Start(t, nil)

	t.Run("missing subprotocol", func(t *testing.T) {
		conn := dial(t, env.WSURL+"?username=alice")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _, err := conn.Read(ctx)
		assert.Equal(t, websocket.StatusCode(handlers.BadSubprotocolError), websocket.CloseStatus(err))
	})

	t.Run("missing username", func(t *testing.T) {
		conn := dial(t, env.WSURL, handlers.Subprotocol)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _, err := conn.Read(ctx)
		assert.Equal(t, websocket.StatusCode(handlers.MissingUsernameError), websocket.CloseStatus(err))
	})
}

func TestLobbyNeedsHub(t *testing.T) {
	env := apptest.Start(t, nil)
	alice, _ := connect(t, env, "alice")

	got := alice.join(protocol.JoinRoomPayload{Name: protocol.RoomLobby, Create: true,
		Options: rawOptions(t, protocol.CreateLobbyOptions{GameType: "arena", MaxPlayers: 2})})
	require.Equal(t, protocol.TypeJoinError, got.Type)
	var p protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(got.Data, &p))
	assert.Equal(t, protocol.CodeNotInHub, p.Code)
}

func TestUnknownRoomMessage(t *testing.T) {
	env := apptest.Start(t, nil)
	alice, _ := connect(t, env, "alice")
	alice.write(protocol.Envelope{Room: "nowhere", Type: protocol.TypeToggleReady, RequestID: "x"})

	got := alice.readUntil(protocol.TypeError)
	assert.Equal(t, "nowhere", got.Room)
	var p protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(got.Data, &p))
	assert.Equal(t, protocol.CodeRoomNotFound, p.Code)
}

func TestLobbyToBattleOverWebsocket(t *testing.T) {
	env := apptest.Start(t, nil)
	alice, aliceHello := connect(t, env, "alice")
	bob, _ := connect(t, env, "bob")

	for _, c := range []*wsConn{alice, bob} {
		hubID := roomID(t, c.join(protocol.JoinRoomPayload{Name: protocol.RoomHub}))
		assert.Equal(t, protocol.RoomHub, hubID)
		c.readUntil(protocol.TypeHubWelcome)
	}

	lobbyID := roomID(t, alice.join(protocol.JoinRoomPayload{
		Name:    protocol.RoomLobby,
		Create:  true,
		Options: rawOptions(t, protocol.CreateLobbyOptions{GameType: "arena", GameMode: "duel", MaxPlayers: 2}),
	}))
	welcome := alice.readUntil(protocol.TypeLobbyWelcome)
	assert.Equal(t, lobbyID, welcome.Room)

	resp, err := http.Get(env.HTTPURL + "/api/rooms?status=waiting")
	require.NoError(t, err)
	var listed protocol.LobbiesPayload
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	resp.Body.Close()
	require.Len(t, listed.Lobbies, 1)
	assert.Equal(t, lobbyID, listed.Lobbies[0].ID)
	assert.Equal(t, aliceHello.SessionID, listed.Lobbies[0].HostSessionID)

	assert.Equal(t, lobbyID, roomID(t, bob.join(protocol.JoinRoomPayload{RoomID: lobbyID})))
	bob.readUntil(protocol.TypeLobbyWelcome)
	bob.write(protocol.Envelope{Room: lobbyID, Type: protocol.TypeToggleReady})

	var handoff protocol.JoinBattleRoomPayload
	got := bob.readUntil(protocol.TypeJoinBattleRoom)
	require.NoError(t, json.Unmarshal(got.Data, &handoff))
	assert.Equal(t, lobbyID, handoff.Options.LobbyID)
	assert.NotEmpty(t, handoff.Options.Token)
	assert.Len(t, handoff.Options.Roster, 2)

	battleID := roomID(t, bob.join(protocol.JoinRoomPayload{
		RoomID:  handoff.Options.RoomID,
		Options: rawOptions(t, protocol.SeatOptions{Token: handoff.Options.Token}),
	}))
	assert.Equal(t, handoff.Options.RoomID, battleID)

	// alice's token is bound to alice
	aliceGot := alice.readUntil(protocol.TypeJoinBattleRoom)
	var aliceHandoff protocol.JoinBattleRoomPayload
	require.NoError(t, json.Unmarshal(aliceGot.Data, &aliceHandoff))
	assert.NotEqual(t, aliceHandoff.Options.Token, handoff.Options.Token)
	assert.Equal(t, battleID, aliceHandoff.Options.RoomID)
}

func TestDirectoryAllowsCrossOriginReads(t *testing.T) {
	env := apptest.Start(t, nil)
	req, err := http.NewRequest(http.MethodGet, env.HTTPURL+"/api/rooms", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://play.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
