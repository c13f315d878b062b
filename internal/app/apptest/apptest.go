// Package apptest runs a complete lobby server on an httptest listener.
package apptest

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MutableTeam/mutable-lobby/internal/app"
	"github.com/MutableTeam/mutable-lobby/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type Env struct {
	App *app.App
	// HTTPURL is the server root, WSURL the websocket endpoint.
	HTTPURL string
	WSURL   string
}

// Config returns settings suited to tests: no Redis, short timers.
func Config() config.Server {
	return config.Server{
		LogLevel:               "warn",
		AllowedOrigins:         []string{"*"},
		HostAutoReady:          true,
		LobbyTeardownAfter:     time.Second,
		SeatReservationTimeout: 2 * time.Second,
		OutboundBuffer:         256,
	}
}

// Start serves a fresh app until the test ends. mutate may adjust the config.
func Start(t *testing.T, mutate func(*config.Server)) *Env {
	t.Helper()
	cfg := Config()
	if mutate != nil {
		mutate(&cfg)
	}
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	ctx, cancel := context.WithCancel(context.Background())
	a, err := app.New(ctx, cfg, logger)
	require.NoError(t, err)

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		cancel()
		a.Close()
		srv.Close()
	})
	return &Env{
		App:     a,
		HTTPURL: srv.URL,
		WSURL:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}
