// Package store mirrors the server-pushed session state on the client. It is
// only ever changed by actions built from inbound messages; sending a command
// never touches it.
package store

import (
	"sync"

	"github.com/MutableTeam/mutable-lobby/internal/protocol"
)

// State is what a UI renders. Values returned by Store.State are copies.
type State struct {
	SessionID   string
	IsConnected bool

	IsInHub          bool
	TotalPlayers     int
	AvailableLobbies []protocol.LobbyListing

	IsInLobby bool
	LobbyID   string
	Players   []protocol.LobbyMember
	IsReady   bool
	IsHost    bool
	GameType  string
	GameMode  string
	Status    protocol.LobbyStatus

	IsGameStarting bool
	Handoff        *protocol.GameSessionHandle
	BattleRoomID   string

	LastError error
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := s
	if s.AvailableLobbies != nil {
		out.AvailableLobbies = make([]protocol.LobbyListing, len(s.AvailableLobbies))
		for i, l := range s.AvailableLobbies {
			l.Members = append([]protocol.LobbyMember(nil), l.Members...)
			out.AvailableLobbies[i] = l
		}
	}
	if s.Players != nil {
		out.Players = append([]protocol.LobbyMember(nil), s.Players...)
	}
	if s.Handoff != nil {
		h := *s.Handoff
		h.Roster = append([]protocol.RosterEntry(nil), h.Roster...)
		out.Handoff = &h
	}
	return out
}

// Store serializes dispatches and notifies subscribers in dispatch order.
// Subscribers run inside Dispatch and must not dispatch themselves.
type Store struct {
	dispatchMu sync.Mutex

	mu    sync.RWMutex
	state State
	subs  map[int]func(State)
	next  int
}

func New() *Store {
	return &Store{subs: make(map[int]func(State))}
}

// Dispatch applies a and returns the new state.
func (s *Store) Dispatch(a Action) State {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	s.state = Reduce(s.state, a)
	snap := s.state.Clone()
	subs := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snap.Clone())
	}
	return snap
}

func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Subscribe registers fn for every new state.
func (s *Store) Subscribe(fn func(State)) (cancel func()) {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}
