// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MutableTeam/mutable-lobby/internal/protocol"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultQueueName is the Redis list match records are pushed to.
const DefaultQueueName = "lobby_matches"

// MatchRecord holds what downstream consumers (settlement, game servers)
// need about a lobby that started.
type MatchRecord struct {
	LobbyID    string                 `json:"lobby_id"`
	RoomID     string                 `json:"room_id"`
	GameType   string                 `json:"game_type"`
	GameMode   string                 `json:"game_mode"`
	Wager      float64                `json:"wager"`
	WagerToken protocol.WagerToken    `json:"wager_token"`
	Roster     []protocol.RosterEntry `json:"roster"`
	StartedAt  int64                  `json:"started_at"`
}

// Options configures the Redis connection.
type Options struct {
	Addr      string
	DB        int
	QueueName string
}

// RedisPublisher pushes match records onto a Redis list.
type RedisPublisher struct {
	rdb   *redis.Client
	queue string
}

// ConnectRedis dials Redis and verifies the connection with a ping.
func ConnectRedis(ctx context.Context, opts Options) (*RedisPublisher, error) {
	if opts.QueueName == "" {
		opts.QueueName = DefaultQueueName
	}
	rdb := redis.NewClient(&redis.Options{
		Addr: opts.Addr,
		DB:   opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}
	return &RedisPublisher{rdb: rdb, queue: opts.QueueName}, nil
}

// PublishMatch serializes the record to JSON, then pushes it to the queue.
func (p *RedisPublisher) PublishMatch(ctx context.Context, record MatchRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal MatchRecord: %w", err)
	}
	if err := p.rdb.RPush(ctx, p.queue, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", p.queue, err)
	}
	return nil
}

// PopMatch blocks up to timeout for the oldest record. It returns nil, nil on
// timeout.
func (p *RedisPublisher) PopMatch(ctx context.Context, timeout time.Duration) (*MatchRecord, error) {
	res, err := p.rdb.BLPop(ctx, timeout, p.queue).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to BLPOP '%s': %w", p.queue, err)
	}
	var record MatchRecord
	if err := json.Unmarshal([]byte(res[1]), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal MatchRecord: %w", err)
	}
	return &record, nil
}

func (p *RedisPublisher) Close() error { return p.rdb.Close() }

// LogPublisher is used when Redis is not configured. It only logs.
type LogPublisher struct {
	Log logrus.FieldLogger
}

func (p LogPublisher) PublishMatch(_ context.Context, record MatchRecord) error {
	if p.Log != nil {
		p.Log.WithFields(logrus.Fields{
			"lobby":   record.LobbyID,
			"room":    record.RoomID,
			"players": len(record.Roster),
		}).Info("match started (no queue configured)")
	}
	return nil
}
