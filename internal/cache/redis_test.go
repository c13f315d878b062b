package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/MutableTeam/mutable-lobby/internal/protocol"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRedisRoundTrip needs a reachable Redis; set REDIS_ADDR to run it.
func TestRedisRoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	queue := "lobby_matches_test_" + uuid.NewString()
	p, err := ConnectRedis(ctx, Options{Addr: addr, QueueName: queue})
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	defer p.Close()
	defer p.rdb.Del(ctx, queue)

	record := MatchRecord{
		LobbyID:  "lobby-1",
		RoomID:   "room-1",
		GameType: "archer-arena",
		Wager:    1.5,
		Roster:   []protocol.RosterEntry{{SessionID: "a", Name: "A", IsHost: true}, {SessionID: "b", Name: "B"}},
	}
	require.NoError(t, p.PublishMatch(ctx, record))

	got, err := p.PopMatch(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, record, *got)

	empty, err := p.PopMatch(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestConnectRedisFailsFast(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := ConnectRedis(ctx, Options{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestLogPublisherNeverFails(t *testing.T) {
	assert.NoError(t, LogPublisher{}.PublishMatch(context.Background(), MatchRecord{LobbyID: "x"}))
}
