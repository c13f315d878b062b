// cmd/historian/main.go
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/MutableTeam/mutable-lobby/internal/cache"
	"github.com/MutableTeam/mutable-lobby/internal/config"
	"github.com/MutableTeam/mutable-lobby/internal/historian"
	_ "github.com/joho/godotenv/autoload"
)

func main() {
	cfg := config.LoadHistorian()
	logger := config.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queue, err := cache.ConnectRedis(ctx, cache.Options{
		Addr:      cfg.RedisAddr,
		DB:        cfg.RedisDB,
		QueueName: cfg.QueueName,
	})
	if err != nil {
		log.Fatalf("historian: %v", err)
	}
	defer queue.Close()

	svc := historian.New(queue, historian.LogSink(logger), historian.Options{
		BatchSize:  cfg.BatchSize,
		FlushDelay: cfg.FlushDelay,
		Log:        logger.WithField("queue", cfg.QueueName),
	})
	if err := svc.Run(ctx); err != nil {
		logger.Errorf("historian stopped: %v", err)
	}
}
