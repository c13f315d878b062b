// cmd/lobbybot/main.go
//
// lobbybot is a headless lobby client. It joins the hub, quick-matches into a
// lobby, readies up and stays until the hand-off into the battle room.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/MutableTeam/mutable-lobby/internal/client"
	"github.com/MutableTeam/mutable-lobby/internal/config"
	"github.com/MutableTeam/mutable-lobby/internal/facade"
	"github.com/MutableTeam/mutable-lobby/internal/protocol"
	"github.com/MutableTeam/mutable-lobby/internal/store"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg := config.LoadClient()
	gameType := flag.String("game", "arena", "game type to queue for")
	gameMode := flag.String("mode", "duel", "game mode")
	players := flag.Int("players", 2, "lobby size")
	wager := flag.Float64("wager", 0, "wager amount")
	flag.StringVar(&cfg.Username, "name", cfg.Username, "player name")
	flag.Parse()

	logger := config.NewLogger(cfg.LogLevel)
	log := logger.WithField("bot", cfg.Username)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tr := client.New(cfg.ServerURL, client.WithUsername(cfg.Username), client.WithLogger(logger))
	done := make(chan struct{})
	var finish sync.Once
	f := facade.New(tr,
		facade.WithLogger(logger),
		facade.WithPollInterval(cfg.PollInterval),
		facade.WithHandoffTimeout(cfg.HandoffTimeout),
		facade.WithBattleSetup(func(h *client.RoomHandle) {
			h.OnAnyMessage(func(typ string, _ json.RawMessage) {
				log.Infof("battle %s: %s", h.ID(), typ)
				if typ == protocol.TypeBattleStart || typ == protocol.TypeBattleAborted {
					finish.Do(func() { close(done) })
				}
			})
		}),
	)
	defer f.Close()

	var readied bool
	f.Subscribe(func(s store.State) {
		log.WithFields(logrus.Fields{
			"hub":     s.IsInHub,
			"lobby":   s.LobbyID,
			"players": len(s.Players),
			"ready":   s.IsReady,
			"status":  s.Status,
		}).Debug("state")
		if s.IsInLobby && !s.IsReady && !readied {
			readied = true
			go func() {
				if err := f.ToggleReady(); err != nil {
					log.Warnf("toggle ready: %v", err)
				}
			}()
		}
	})

	if err := f.Connect(ctx); err != nil {
		log.Fatalf("connect: %v", err)
	}
	if err := f.JoinHub(ctx); err != nil {
		log.Fatalf("join hub: %v", err)
	}
	opts := protocol.CreateLobbyOptions{GameType: *gameType, GameMode: *gameMode, MaxPlayers: *players, Wager: *wager}
	if err := f.QuickMatch(ctx, opts); err != nil {
		log.Fatalf("quick match: %v", err)
	}
	log.Infof("queued for %s/%s", *gameType, *gameMode)

	select {
	case <-done:
		log.Info("battle room reached, exiting")
	case <-ctx.Done():
	}
}
