// Package session moves a started lobby into its game session. The
// coordinator provisions a battle room that only admits the lobby's members
// and hands each member a signed seat reservation.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/MutableTeam/mutable-lobby/internal/auth"
	"github.com/MutableTeam/mutable-lobby/internal/cache"
	"github.com/MutableTeam/mutable-lobby/internal/protocol"
	"github.com/MutableTeam/mutable-lobby/internal/room"
	"github.com/sirupsen/logrus"
)

// DefaultSeatTTL bounds how long a reserved seat waits for its member.
const DefaultSeatTTL = 30 * time.Second

// Provisioner starts server-owned rooms. *room.Manager implements it.
type Provisioner interface {
	Host(name string, ctrl room.Controller) (*room.Room, error)
}

// Publisher receives a record of every match that starts.
type Publisher interface {
	PublishMatch(ctx context.Context, record cache.MatchRecord) error
}

type Options struct {
	Provisioner Provisioner
	Signer      *auth.Signer
	Publisher   Publisher
	SeatTTL     time.Duration
	Log         logrus.FieldLogger
}

type Coordinator struct {
	opts Options
}

func NewCoordinator(opts Options) *Coordinator {
	if opts.SeatTTL <= 0 {
		opts.SeatTTL = DefaultSeatTTL
	}
	if opts.Publisher == nil {
		opts.Publisher = cache.LogPublisher{Log: opts.Log}
	}
	return &Coordinator{opts: opts}
}

// Begin provisions the battle room for a started lobby and returns one
// handle per member. Either every member gets a handle or none does.
func (co *Coordinator) Begin(ctx context.Context, l protocol.LobbyListing) (map[string]protocol.GameSessionHandle, error) {
	if len(l.Members) == 0 {
		return nil, fmt.Errorf("lobby %s has no members", l.ID)
	}
	roster := make([]protocol.RosterEntry, 0, len(l.Members))
	for _, m := range l.Members {
		roster = append(roster, protocol.RosterEntry{SessionID: m.SessionID, Name: m.Name, IsHost: m.IsHost})
	}

	battle := NewBattle(BattleConfig{
		LobbyID:  l.ID,
		GameType: l.GameType,
		GameMode: l.GameMode,
		Roster:   roster,
		SeatTTL:  co.opts.SeatTTL,
		Signer:   co.opts.Signer,
	})
	r, err := co.opts.Provisioner.Host(protocol.RoomBattle, battle)
	if err != nil {
		return nil, fmt.Errorf("failed to provision battle room: %w", err)
	}

	handles := make(map[string]protocol.GameSessionHandle, len(roster))
	for _, m := range roster {
		token, expires, err := co.opts.Signer.IssueSeat(m.SessionID, r.ID(), l.ID, co.opts.SeatTTL)
		if err != nil {
			r.Close(protocol.ReasonTransitionFailed)
			return nil, err
		}
		handles[m.SessionID] = protocol.GameSessionHandle{
			LobbyID:    l.ID,
			RoomID:     r.ID(),
			GameType:   l.GameType,
			GameMode:   l.GameMode,
			Wager:      l.Wager,
			WagerToken: l.WagerToken,
			Roster:     roster,
			Token:      token,
			ExpiresAt:  expires,
		}
	}

	record := cache.MatchRecord{
		LobbyID:    l.ID,
		RoomID:     r.ID(),
		GameType:   l.GameType,
		GameMode:   l.GameMode,
		Wager:      l.Wager,
		WagerToken: l.WagerToken,
		Roster:     roster,
		StartedAt:  time.Now().Unix(),
	}
	if err := co.opts.Publisher.PublishMatch(ctx, record); err != nil && co.opts.Log != nil {
		co.opts.Log.WithField("lobby", l.ID).Warnf("failed to publish match record: %v", err)
	}
	if co.opts.Log != nil {
		co.opts.Log.WithFields(logrus.Fields{"lobby": l.ID, "room": r.ID(), "players": len(roster)}).Info("game session provisioned")
	}
	return handles, nil
}
