// internal/config/config.go
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Server holds the lobby server settings.
type Server struct {
	Port                   string
	LogLevel               string
	AllowedOrigins         []string
	RedisAddr              string
	RedisDB                int
	MatchQueueName         string
	HostAutoReady          bool
	LobbyTeardownAfter     time.Duration
	SeatReservationTimeout time.Duration
	OutboundBuffer         int
	// Seat token keys. Both empty means a key pair is generated at startup.
	SeatPrivateKeyPath string
	SeatPublicKeyPath  string
}

// LoadServer reads server settings from the environment.
func LoadServer() Server {
	return Server{
		Port:                   getEnv("PORT", "8080"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		AllowedOrigins:         getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		RedisAddr:              getEnv("REDIS_ADDR", ""),
		RedisDB:                getEnvInt("REDIS_DB", 0),
		MatchQueueName:         getEnv("MATCH_QUEUE_NAME", "lobby_matches"),
		HostAutoReady:          getEnvBool("HOST_AUTO_READY", true),
		LobbyTeardownAfter:     getEnvDuration("LOBBY_TEARDOWN_AFTER", 10*time.Second),
		SeatReservationTimeout: getEnvDuration("SEAT_RESERVATION_TIMEOUT", 30*time.Second),
		OutboundBuffer:         getEnvInt("OUTBOUND_BUFFER", 64),
		SeatPrivateKeyPath:     getEnv("SEAT_PRIVATE_KEY_PATH", ""),
		SeatPublicKeyPath:      getEnv("SEAT_PUBLIC_KEY_PATH", ""),
	}
}

// Client holds the settings of a lobby client.
type Client struct {
	ServerURL      string
	Username       string
	LogLevel       string
	PollInterval   time.Duration
	HandoffTimeout time.Duration
}

// LoadClient reads client settings from the environment.
func LoadClient() Client {
	return Client{
		ServerURL:      getEnv("LOBBY_SERVER_URL", "ws://localhost:8080/ws"),
		Username:       getEnv("LOBBY_USERNAME", "player"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		PollInterval:   getEnvDuration("LOBBY_POLL_INTERVAL", 5*time.Second),
		HandoffTimeout: getEnvDuration("HANDOFF_TIMEOUT", 15*time.Second),
	}
}

// Historian holds the settings of the match queue consumer.
type Historian struct {
	RedisAddr  string
	RedisDB    int
	QueueName  string
	BatchSize  int
	FlushDelay time.Duration
	LogLevel   string
}

// LoadHistorian reads historian settings from the environment.
func LoadHistorian() Historian {
	return Historian{
		RedisAddr:  getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:    getEnvInt("REDIS_DB", 0),
		QueueName:  getEnv("MATCH_QUEUE_NAME", "lobby_matches"),
		BatchSize:  getEnvInt("HISTORIAN_BATCH_SIZE", 20),
		FlushDelay: getEnvDuration("HISTORIAN_FLUSH_DELAY", 500*time.Millisecond),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
	}
}

// NewLogger builds the process logger at the given level. Unknown levels fall
// back to info.
func NewLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logger.Warnf("unknown LOG_LEVEL %q, using info", level)
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

// getEnv is a helper to read an environment variable or return a default value.
func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// getEnvInt is a helper to parse an environment variable as integer, else a default value.
func getEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func getEnvBool(key string, def bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return v
}

// getEnvDuration accepts Go durations ("15s") or plain seconds ("15").
func getEnvDuration(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

func getEnvList(key string, def []string) []string {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
