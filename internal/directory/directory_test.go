package directory

import (
	"testing"
	"time"

	"github.com/MutableTeam/mutable-lobby/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listing(id string, status protocol.LobbyStatus, created time.Time) protocol.LobbyListing {
	return protocol.LobbyListing{
		ID:         id,
		GameType:   "arena",
		MaxPlayers: 2,
		Status:     status,
		Members:    []protocol.LobbyMember{{SessionID: "h-" + id, Name: "host", IsHost: true, IsReady: true}},
		CreatedAt:  created,
	}
}

func TestListFiltersInProgressByDefault(t *testing.T) {
	d := New()
	now := time.Now()
	d.Publish(listing("b", protocol.StatusFull, now.Add(time.Second)))
	d.Publish(listing("a", protocol.StatusWaiting, now))
	d.Publish(listing("c", protocol.StatusInProgress, now.Add(2*time.Second)))

	got := d.List(Filter{})
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)

	assert.Len(t, d.List(Filter{IncludeInProgress: true}), 3)

	only := d.List(Filter{Statuses: []protocol.LobbyStatus{protocol.StatusInProgress}})
	require.Len(t, only, 1)
	assert.Equal(t, "c", only[0].ID)

	assert.Empty(t, d.List(Filter{GameType: "racing"}))
}

func TestReadersGetCopies(t *testing.T) {
	d := New()
	l := listing("a", protocol.StatusWaiting, time.Now())
	d.Publish(l)
	l.Members[0].Name = "changed after publish"

	got, ok := d.Get("a")
	require.True(t, ok)
	assert.Equal(t, "host", got.Members[0].Name)

	got.Members[0].Name = "changed by reader"
	again, _ := d.Get("a")
	assert.Equal(t, "host", again.Members[0].Name)
}

func TestSubscribeSignalsChanges(t *testing.T) {
	d := New()
	var n int
	cancel := d.Subscribe(func() { n++ })

	d.Publish(listing("a", protocol.StatusWaiting, time.Now()))
	d.Remove("a")
	d.Remove("a")
	assert.Equal(t, 2, n, "removing an unknown id is silent")

	cancel()
	d.Publish(listing("b", protocol.StatusWaiting, time.Now()))
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, d.Len())
}
