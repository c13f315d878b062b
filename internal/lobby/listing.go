// internal/lobby/listing.go
package lobby

import (
	"errors"
	"time"

	"github.com/MutableTeam/mutable-lobby/internal/protocol"
)

// ErrNotReady is returned by Start when the lobby is not full or not every
// member is ready.
var ErrNotReady = errors.New("lobby is not full and ready")

// Config holds per-server lobby policy.
type Config struct {
	// HostAutoReady marks the host ready on creation and locks its readiness.
	HostAutoReady bool
}

// Member identifies a session joining a lobby.
type Member struct {
	SessionID string
	Name      string
}

// LeaveResult tells the controller what a departure did to the lobby.
type LeaveResult struct {
	WasHost   bool
	Dissolved bool
	Empty     bool
}

// Listing is the lobby state machine. It is not safe for concurrent use; the
// lobby room goroutine owns it. Every method either applies fully or returns
// an error without touching state.
type Listing struct {
	cfg  Config
	data protocol.LobbyListing
}

// New creates a waiting lobby with host as its sole member.
func New(id string, host Member, opts protocol.CreateLobbyOptions, cfg Config) (*Listing, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Listing{
		cfg: cfg,
		data: protocol.LobbyListing{
			ID:            id,
			HostSessionID: host.SessionID,
			HostName:      host.Name,
			GameType:      opts.GameType,
			GameMode:      opts.GameMode,
			Wager:         opts.Wager,
			WagerToken:    opts.WagerToken,
			MaxPlayers:    opts.MaxPlayers,
			Status:        protocol.StatusWaiting,
			Members: []protocol.LobbyMember{{
				SessionID: host.SessionID,
				Name:      host.Name,
				IsHost:    true,
				IsReady:   cfg.HostAutoReady,
			}},
			CreatedAt: time.Now().UTC(),
		},
	}, nil
}

func (l *Listing) ID() string                   { return l.data.ID }
func (l *Listing) HostSessionID() string        { return l.data.HostSessionID }
func (l *Listing) Status() protocol.LobbyStatus { return l.data.Status }
func (l *Listing) Len() int                     { return len(l.data.Members) }
func (l *Listing) ReadyCount() int              { return l.data.ReadyCount() }

func (l *Listing) index(sessionID string) int {
	for i, m := range l.data.Members {
		if m.SessionID == sessionID {
			return i
		}
	}
	return -1
}

// Has reports whether sessionID is a member.
func (l *Listing) Has(sessionID string) bool { return l.index(sessionID) >= 0 }

// Join appends an unready member.
func (l *Listing) Join(m Member) error {
	if l.data.Status == protocol.StatusInProgress {
		return protocol.ErrLobbyInProgress
	}
	if l.Has(m.SessionID) {
		return protocol.ErrAlreadyInLobby
	}
	if len(l.data.Members) >= l.data.MaxPlayers {
		return protocol.ErrLobbyFull
	}
	l.data.Members = append(l.data.Members, protocol.LobbyMember{SessionID: m.SessionID, Name: m.Name})
	l.refresh()
	return nil
}

// ToggleReady flips the member's readiness and returns the new value.
func (l *Listing) ToggleReady(sessionID string) (bool, error) {
	if l.data.Status == protocol.StatusInProgress {
		return false, protocol.ErrLobbyInProgress
	}
	i := l.index(sessionID)
	if i < 0 {
		return false, protocol.ErrNotInLobby
	}
	if l.data.Members[i].IsHost && l.cfg.HostAutoReady {
		return false, protocol.ErrHostReadyLocked
	}
	l.data.Members[i].IsReady = !l.data.Members[i].IsReady
	return l.data.Members[i].IsReady, nil
}

// Leave removes a member. Readiness of the others is preserved.
func (l *Listing) Leave(sessionID string) (LeaveResult, error) {
	if l.data.Status == protocol.StatusInProgress {
		return LeaveResult{}, protocol.ErrLobbyInProgress
	}
	i := l.index(sessionID)
	if i < 0 {
		return LeaveResult{}, protocol.ErrNotInLobby
	}
	wasHost := l.data.Members[i].IsHost
	l.data.Members = append(l.data.Members[:i], l.data.Members[i+1:]...)
	l.refresh()
	return LeaveResult{
		WasHost:   wasHost,
		Dissolved: wasHost,
		Empty:     len(l.data.Members) == 0,
	}, nil
}

// ShouldStart reports whether every seat is filled and every member ready.
func (l *Listing) ShouldStart() bool {
	if l.data.Status != protocol.StatusFull {
		return false
	}
	return l.data.ReadyCount() == len(l.data.Members)
}

// Start moves a full, all-ready lobby to in-progress. It succeeds at most once.
func (l *Listing) Start() error {
	if l.data.Status == protocol.StatusInProgress {
		return protocol.ErrLobbyInProgress
	}
	if !l.ShouldStart() {
		return ErrNotReady
	}
	l.data.Status = protocol.StatusInProgress
	return nil
}

// Snapshot returns a deep copy of the listing.
func (l *Listing) Snapshot() protocol.LobbyListing {
	s := l.data
	s.Members = make([]protocol.LobbyMember, len(l.data.Members))
	copy(s.Members, l.data.Members)
	return s
}

func (l *Listing) refresh() {
	if l.data.Status == protocol.StatusInProgress {
		return
	}
	if len(l.data.Members) == l.data.MaxPlayers {
		l.data.Status = protocol.StatusFull
	} else {
		l.data.Status = protocol.StatusWaiting
	}
}
