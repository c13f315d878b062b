// Package app wires the lobby server together: room definitions, the lobby
// directory, the session coordinator and the HTTP endpoint.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/MutableTeam/mutable-lobby/internal/auth"
	"github.com/MutableTeam/mutable-lobby/internal/cache"
	"github.com/MutableTeam/mutable-lobby/internal/config"
	"github.com/MutableTeam/mutable-lobby/internal/directory"
	"github.com/MutableTeam/mutable-lobby/internal/handlers"
	"github.com/MutableTeam/mutable-lobby/internal/hub"
	"github.com/MutableTeam/mutable-lobby/internal/lobby"
	"github.com/MutableTeam/mutable-lobby/internal/protocol"
	"github.com/MutableTeam/mutable-lobby/internal/room"
	"github.com/MutableTeam/mutable-lobby/internal/session"
	"github.com/sirupsen/logrus"
)

type App struct {
	Manager   *room.Manager
	Directory *directory.Directory
	Server    *handlers.Server

	redis *cache.RedisPublisher
}

// New builds the server. With cfg.RedisAddr set, started matches are pushed to
// Redis; otherwise they are only logged.
func New(ctx context.Context, cfg config.Server, logger *logrus.Logger) (*App, error) {
	signer, err := newSigner(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create seat signer: %w", err)
	}

	a := &App{
		Manager:   room.NewManager(ctx, logger),
		Directory: directory.New(),
	}

	var pub session.Publisher = cache.LogPublisher{Log: logger}
	if cfg.RedisAddr != "" {
		a.redis, err = cache.ConnectRedis(ctx, cache.Options{
			Addr:      cfg.RedisAddr,
			DB:        cfg.RedisDB,
			QueueName: cfg.MatchQueueName,
		})
		if err != nil {
			a.Manager.Shutdown()
			return nil, err
		}
		pub = a.redis
	}

	coord := session.NewCoordinator(session.Options{
		Provisioner: a.Manager,
		Signer:      signer,
		Publisher:   pub,
		SeatTTL:     cfg.SeatReservationTimeout,
		Log:         logger,
	})

	a.Manager.Define(hub.Definition(a.Directory))
	a.Manager.Define(lobby.Definition(lobby.Options{
		Config:        lobby.Config{HostAutoReady: cfg.HostAutoReady},
		TeardownAfter: cfg.LobbyTeardownAfter,
		Directory:     a.Directory,
		Coordinator:   coord,
	}))
	a.Manager.Define(session.Definition())

	if _, err := a.Manager.Ensure(protocol.RoomHub); err != nil {
		a.Close()
		return nil, err
	}

	a.Server = handlers.NewServer(ctx, a.Manager, a.Directory, logger, handlers.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		OutboundBuffer: cfg.OutboundBuffer,
	})
	return a, nil
}

func (a *App) Handler() http.Handler { return a.Server.Routes() }

// Close disposes every room and releases the Redis connection.
func (a *App) Close() error {
	a.Manager.Shutdown()
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}

// newSigner loads the seat keys when both paths are configured and generates
// a pair otherwise.
func newSigner(cfg config.Server) (*auth.Signer, error) {
	switch {
	case cfg.SeatPrivateKeyPath != "" && cfg.SeatPublicKeyPath != "":
		return auth.NewSignerFromPath(cfg.SeatPrivateKeyPath, cfg.SeatPublicKeyPath)
	case cfg.SeatPrivateKeyPath != "" || cfg.SeatPublicKeyPath != "":
		return nil, fmt.Errorf("SEAT_PRIVATE_KEY_PATH and SEAT_PUBLIC_KEY_PATH must be set together")
	}
	return auth.NewSigner()
}
