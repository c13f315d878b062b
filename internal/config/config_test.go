package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestLoadServerDefaults(t *testing.T) {
	for _, k := range []string{"PORT", "ALLOWED_ORIGINS", "REDIS_ADDR", "HOST_AUTO_READY", "LOBBY_TEARDOWN_AFTER", "SEAT_RESERVATION_TIMEOUT", "OUTBOUND_BUFFER", "MATCH_QUEUE_NAME"} {
		t.Setenv(k, "")
	}
	cfg := LoadServer()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Empty(t, cfg.RedisAddr)
	assert.True(t, cfg.HostAutoReady)
	assert.Equal(t, 10*time.Second, cfg.LobbyTeardownAfter)
	assert.Equal(t, 30*time.Second, cfg.SeatReservationTimeout)
	assert.Equal(t, 64, cfg.OutboundBuffer)
	assert.Equal(t, "lobby_matches", cfg.MatchQueueName)
}

func TestLoadServerOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ALLOWED_ORIGINS", "example.com, *.example.org ,")
	t.Setenv("HOST_AUTO_READY", "false")
	t.Setenv("LOBBY_TEARDOWN_AFTER", "3")
	t.Setenv("SEAT_RESERVATION_TIMEOUT", "1m")
	t.Setenv("OUTBOUND_BUFFER", "not-a-number")
	t.Setenv("SEAT_PRIVATE_KEY_PATH", "/etc/lobby/seat.key")
	t.Setenv("SEAT_PUBLIC_KEY_PATH", "/etc/lobby/seat.pub")

	cfg := LoadServer()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, []string{"example.com", "*.example.org"}, cfg.AllowedOrigins)
	assert.False(t, cfg.HostAutoReady)
	assert.Equal(t, 3*time.Second, cfg.LobbyTeardownAfter)
	assert.Equal(t, time.Minute, cfg.SeatReservationTimeout)
	assert.Equal(t, 64, cfg.OutboundBuffer)
	assert.Equal(t, "/etc/lobby/seat.key", cfg.SeatPrivateKeyPath)
	assert.Equal(t, "/etc/lobby/seat.pub", cfg.SeatPublicKeyPath)
}

func TestLoadClient(t *testing.T) {
	t.Setenv("LOBBY_SERVER_URL", "ws://lobby.test/ws")
	t.Setenv("LOBBY_POLL_INTERVAL", "0s")
	cfg := LoadClient()
	assert.Equal(t, "ws://lobby.test/ws", cfg.ServerURL)
	assert.Zero(t, cfg.PollInterval)
	assert.Equal(t, 15*time.Second, cfg.HandoffTimeout)
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, NewLogger("debug").GetLevel())
	assert.Equal(t, logrus.InfoLevel, NewLogger("loud").GetLevel())
}

func TestLoadHistorian(t *testing.T) {
	t.Setenv("HISTORIAN_BATCH_SIZE", "50")
	t.Setenv("HISTORIAN_FLUSH_DELAY", "2")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("MATCH_QUEUE_NAME", "")
	cfg := LoadHistorian()
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.FlushDelay)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "lobby_matches", cfg.QueueName)
}
