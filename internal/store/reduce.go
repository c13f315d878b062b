package store

import (
	"github.com/MutableTeam/mutable-lobby/internal/protocol"
)

// Action is an inbound event. The set is closed.
type Action interface{ isAction() }

type Connected struct{ SessionID string }

// Disconnected resets the session. Err is the cause of an unexpected drop.
type Disconnected struct{ Err error }

type HubJoined struct{}

type HubLeft struct{}

type PlayerCountChanged struct{ TotalPlayers int }

type LobbiesReceived struct{ Lobbies []protocol.LobbyListing }

// LobbyJoined carries the lobby_welcome snapshot.
type LobbyJoined struct{ Listing protocol.LobbyListing }

type LobbyStateChanged struct{ Listing protocol.LobbyListing }

type ReadyChanged struct {
	SessionID string
	Ready     bool
}

type LobbyLeft struct{ Reason string }

type GameStarting struct{ GameType, GameMode string }

type HandoffReceived struct{ Handle protocol.GameSessionHandle }

type BattleJoined struct{ RoomID string }

type BattleLeft struct{ Reason string }

type ErrorRaised struct{ Err error }

func (Connected) isAction()          {}
func (Disconnected) isAction()       {}
func (HubJoined) isAction()          {}
func (HubLeft) isAction()            {}
func (PlayerCountChanged) isAction() {}
func (LobbiesReceived) isAction()    {}
func (LobbyJoined) isAction()        {}
func (LobbyStateChanged) isAction()  {}
func (ReadyChanged) isAction()       {}
func (LobbyLeft) isAction()          {}
func (GameStarting) isAction()       {}
func (HandoffReceived) isAction()    {}
func (BattleJoined) isAction()       {}
func (BattleLeft) isAction()         {}
func (ErrorRaised) isAction()        {}

// Reduce returns the state after a. It never modifies s or anything s
// references.
func Reduce(s State, a Action) State {
	switch a := a.(type) {
	case Connected:
		return State{SessionID: a.SessionID, IsConnected: true}
	case Disconnected:
		out := State{SessionID: s.SessionID, LastError: s.LastError}
		if a.Err != nil {
			out.LastError = a.Err
		}
		return out
	case HubJoined:
		s.IsInHub = true
	case HubLeft:
		s.IsInHub = false
		s.TotalPlayers = 0
		s.AvailableLobbies = nil
	case PlayerCountChanged:
		s.TotalPlayers = a.TotalPlayers
	case LobbiesReceived:
		s.AvailableLobbies = cloneListings(a.Lobbies)
	case LobbyJoined:
		s = applyListing(s, a.Listing)
		s.IsInLobby = true
		s.IsGameStarting = a.Listing.Status == protocol.StatusInProgress
	case LobbyStateChanged:
		if !s.IsInLobby || a.Listing.ID != s.LobbyID {
			return s
		}
		s = applyListing(s, a.Listing)
		if a.Listing.Status == protocol.StatusInProgress {
			s.IsGameStarting = true
		}
	case ReadyChanged:
		if !s.IsInLobby {
			return s
		}
		players := make([]protocol.LobbyMember, len(s.Players))
		copy(players, s.Players)
		for i := range players {
			if players[i].SessionID == a.SessionID {
				players[i].IsReady = a.Ready
			}
		}
		s.Players = players
		if a.SessionID == s.SessionID {
			s.IsReady = a.Ready
		}
	case LobbyLeft:
		s.IsInLobby = false
		s.LobbyID = ""
		s.Players = nil
		s.IsReady = false
		s.IsHost = false
		s.Status = ""
		if s.Handoff == nil {
			s.IsGameStarting = false
			s.GameType = ""
			s.GameMode = ""
		}
	case GameStarting:
		s.IsGameStarting = true
		s.GameType = a.GameType
		s.GameMode = a.GameMode
	case HandoffReceived:
		h := a.Handle
		h.Roster = append([]protocol.RosterEntry(nil), h.Roster...)
		s.Handoff = &h
		s.IsGameStarting = true
	case BattleJoined:
		s.BattleRoomID = a.RoomID
	case BattleLeft:
		s.BattleRoomID = ""
		s.Handoff = nil
		s.IsGameStarting = false
	case ErrorRaised:
		s.LastError = a.Err
	}
	return s
}

func applyListing(s State, l protocol.LobbyListing) State {
	s.LobbyID = l.ID
	s.Players = append([]protocol.LobbyMember(nil), l.Members...)
	s.GameType = l.GameType
	s.GameMode = l.GameMode
	s.Status = l.Status
	self, ok := l.Member(s.SessionID)
	s.IsReady = ok && self.IsReady
	s.IsHost = ok && self.IsHost
	return s
}

func cloneListings(in []protocol.LobbyListing) []protocol.LobbyListing {
	out := make([]protocol.LobbyListing, len(in))
	for i, l := range in {
		l.Members = append([]protocol.LobbyMember(nil), l.Members...)
		out[i] = l
	}
	return out
}
