// internal/protocol/messages.go
package protocol

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Envelope is the one frame shape carried over the websocket. Room is empty
// for connection-level control messages.
type Envelope struct {
	Room      string          `json:"room,omitempty"`
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals v into an envelope. A nil v produces no data field.
func NewEnvelope(room, typ string, v interface{}) (Envelope, error) {
	env := Envelope{Room: room, Type: typ}
	if v == nil {
		return env, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		env.Data = raw
		return env, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return env, err
	}
	env.Data = data
	return env, nil
}

// Control message types (Envelope.Room == "").
const (
	TypeSession    = "session"
	TypeJoinRoom   = "join_room"
	TypeRoomJoined = "room_joined"
	TypeJoinError  = "join_error"
	TypeLeaveRoom  = "leave_room"
	TypeRoomLeft   = "room_left"
	TypeState      = "state"
	TypeError      = "error"
)

// Hub messages.
const (
	TypeHubWelcome        = "hub_welcome"
	TypePlayerCountUpdate = "player_count_update"
	TypeGetLobbies        = "get_lobbies"
	TypeLobbiesDiscovered = "lobbies_discovered"
	TypeActiveLobbies     = "active_lobbies"
)

// Lobby messages.
const (
	TypeLobbyWelcome       = "lobby_welcome"
	TypeToggleReady        = "toggle_ready"
	TypeLeaveLobby         = "leave_lobby"
	TypePlayerReadyChanged = "player_ready_changed"
	TypeLobbyReadyUpdate   = "lobby_ready_update"
	TypeGameSessionUpdate  = "game_session_update"
	TypeJoinBattleRoom     = "join_battle_room"
	TypeLobbyDissolved     = "lobby_dissolved"
)

// Battle room messages.
const (
	TypeBattleState   = "battle_state"
	TypeBattleStart   = "battle_start"
	TypeBattleAction  = "battle_action"
	TypeBattleAborted = "battle_aborted"
)

// Room names registered on the server.
const (
	RoomHub    = "hub"
	RoomLobby  = "lobby"
	RoomBattle = "battle"
)

// Reasons carried by room_left and lobby_dissolved.
const (
	ReasonLeft             = "left"
	ReasonHostLeft         = "host_left"
	ReasonHandoff          = "handoff"
	ReasonDisposed         = "disposed"
	ReasonTransitionFailed = "transition_failed"
	ReasonExpired          = "reservation_expired"
)

// LobbyStatus is the matchmaking state of a lobby.
type LobbyStatus string

const (
	StatusWaiting    LobbyStatus = "waiting"
	StatusFull       LobbyStatus = "full"
	StatusInProgress LobbyStatus = "in-progress"
)

// ParseStatus accepts the three lobby statuses; anything else is rejected.
func ParseStatus(s string) (LobbyStatus, bool) {
	switch LobbyStatus(s) {
	case StatusWaiting, StatusFull, StatusInProgress:
		return LobbyStatus(s), true
	}
	return "", false
}

// WagerToken describes the currency a wager is denominated in.
type WagerToken struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name,omitempty"`
	Mint     string `json:"mint,omitempty"`
	Decimals int    `json:"decimals,omitempty"`
}

type LobbyMember struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
	IsReady   bool   `json:"isReady"`
	IsHost    bool   `json:"isHost"`
}

// LobbyListing is the full snapshot of one lobby. It doubles as the directory
// entry and the lobby room state.
type LobbyListing struct {
	ID            string        `json:"id"`
	HostSessionID string        `json:"hostSessionId"`
	HostName      string        `json:"hostName"`
	GameType      string        `json:"gameType"`
	GameMode      string        `json:"gameMode"`
	Wager         float64       `json:"wager"`
	WagerToken    WagerToken    `json:"wagerToken"`
	MaxPlayers    int           `json:"maxPlayers"`
	Status        LobbyStatus   `json:"status"`
	Members       []LobbyMember `json:"members"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// ReadyCount returns how many members are ready.
func (l LobbyListing) ReadyCount() int {
	n := 0
	for _, m := range l.Members {
		if m.IsReady {
			n++
		}
	}
	return n
}

// Member looks up a member by session id.
func (l LobbyListing) Member(sessionID string) (LobbyMember, bool) {
	for _, m := range l.Members {
		if m.SessionID == sessionID {
			return m, true
		}
	}
	return LobbyMember{}, false
}

type RosterEntry struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
	IsHost    bool   `json:"isHost"`
}

// GameSessionHandle is the hand-off a member receives once its lobby starts.
// Token is the member's own seat reservation for RoomID.
type GameSessionHandle struct {
	LobbyID    string        `json:"lobbyId"`
	RoomID     string        `json:"roomId"`
	GameType   string        `json:"gameType"`
	GameMode   string        `json:"gameMode"`
	Wager      float64       `json:"wager"`
	WagerToken WagerToken    `json:"wagerToken"`
	Roster     []RosterEntry `json:"roster"`
	Token      string        `json:"token"`
	ExpiresAt  time.Time     `json:"expiresAt"`
}

// --- control payloads ---

type SessionPayload struct {
	SessionID string `json:"sessionId"`
	Username  string `json:"username"`
}

type JoinRoomPayload struct {
	Name    string          `json:"name,omitempty"`
	RoomID  string          `json:"roomId,omitempty"`
	Create  bool            `json:"create,omitempty"`
	Options json.RawMessage `json:"options,omitempty"`
}

type RoomJoinedPayload struct {
	RoomID string `json:"roomId"`
	Name   string `json:"name"`
}

type RoomLeftPayload struct {
	Reason string `json:"reason"`
}

type ErrorPayload struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// --- hub payloads ---

type HubWelcomePayload struct {
	Message      string `json:"message"`
	TotalPlayers int    `json:"totalPlayers"`
}

type PlayerCountPayload struct {
	TotalPlayers int `json:"totalPlayers"`
}

type GetLobbiesPayload struct {
	IncludeInProgress bool `json:"includeInProgress,omitempty"`
}

type LobbiesPayload struct {
	Lobbies []LobbyListing `json:"lobbies"`
}

type HubState struct {
	TotalPlayers int `json:"totalPlayers"`
}

// --- lobby payloads ---

// CreateLobbyOptions are the options of a lobby create or quick-match request.
type CreateLobbyOptions struct {
	GameType   string     `json:"gameType"`
	GameMode   string     `json:"gameMode"`
	Wager      float64    `json:"wager"`
	WagerToken WagerToken `json:"wagerToken"`
	MaxPlayers int        `json:"maxPlayers"`
}

// MaxPlayersCap bounds lobby size.
const MaxPlayersCap = 16

// Validate checks create options before any lobby is built.
func (o CreateLobbyOptions) Validate() error {
	if strings.TrimSpace(o.GameType) == "" {
		return Errorf(CodeInvalidLobby, "gameType is required")
	}
	if o.MaxPlayers < 2 {
		return Errorf(CodeInvalidLobby, "maxPlayers must be at least 2, got %d", o.MaxPlayers)
	}
	if o.MaxPlayers > MaxPlayersCap {
		return Errorf(CodeInvalidLobby, "maxPlayers must be at most %d, got %d", MaxPlayersCap, o.MaxPlayers)
	}
	if math.IsNaN(o.Wager) || math.IsInf(o.Wager, 0) || o.Wager < 0 {
		return Errorf(CodeInvalidLobby, "wager must be a non-negative amount")
	}
	return nil
}

type PlayerReadyPayload struct {
	SessionID string `json:"sessionId"`
	Ready     bool   `json:"ready"`
}

type ReadyCountPayload struct {
	ReadyCount int `json:"readyCount"`
	Total      int `json:"total"`
}

type GameSessionUpdatePayload struct {
	GameType string `json:"gameType"`
	GameMode string `json:"gameMode,omitempty"`
}

type JoinBattleRoomPayload struct {
	Options GameSessionHandle `json:"options"`
}

type LobbyDissolvedPayload struct {
	LobbyID string `json:"lobbyId"`
	Reason  string `json:"reason"`
}

// --- battle payloads ---

// SeatOptions are the join options for a battle room.
type SeatOptions struct {
	Token string `json:"token"`
}

type BattleState struct {
	RoomID    string        `json:"roomId"`
	LobbyID   string        `json:"lobbyId"`
	GameType  string        `json:"gameType"`
	GameMode  string        `json:"gameMode"`
	Roster    []RosterEntry `json:"roster"`
	Connected []string      `json:"connected"`
	Started   bool          `json:"started"`
}

type BattleActionPayload struct {
	SessionID string          `json:"sessionId,omitempty"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type BattleAbortedPayload struct {
	Reason  string   `json:"reason"`
	Missing []string `json:"missing"`
}
