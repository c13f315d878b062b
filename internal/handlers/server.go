// internal/handlers/server.go
package handlers

import (
	"context"
	"net/http"

	"github.com/MutableTeam/mutable-lobby/internal/directory"
	"github.com/MutableTeam/mutable-lobby/internal/middleware"
	"github.com/MutableTeam/mutable-lobby/internal/protocol"
	"github.com/MutableTeam/mutable-lobby/internal/room"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

// Subprotocol is the websocket subprotocol clients must request.
const Subprotocol = "matchmaking"

// Server exposes the room manager over HTTP and websockets.
type Server struct {
	ctx            context.Context
	manager        *room.Manager
	dir            *directory.Directory
	log            logrus.FieldLogger
	allowedOrigins []string
	outboundBuffer int
}

type Options struct {
	AllowedOrigins []string
	OutboundBuffer int
}

// NewServer builds the endpoint. Connections are closed with
// ShuttingDownError once ctx is done.
func NewServer(ctx context.Context, m *room.Manager, dir *directory.Directory, logger logrus.FieldLogger, opts Options) *Server {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return &Server{
		ctx:            ctx,
		manager:        m,
		dir:            dir,
		log:            logger,
		allowedOrigins: opts.AllowedOrigins,
		outboundBuffer: opts.OutboundBuffer,
	}
}

// Routes returns the chi router for the server.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.LogMiddleware(s.log))
	r.Use(cors.New(cors.Options{
		AllowedOrigins: s.allowedOrigins,
		AllowedMethods: []string{http.MethodGet},
	}).Handler)

	r.Get("/healthz", Healthz)
	r.Get("/api/rooms", s.ListRooms)
	r.Get("/ws", s.ServeWS)
	return r
}

func Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListRooms serves the lobby directory for clients that cannot use the push
// channel. ?status= narrows to one status; in-progress lobbies are hidden
// unless asked for.
func (s *Server) ListRooms(w http.ResponseWriter, r *http.Request) {
	var f directory.Filter
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, ok := protocol.ParseStatus(raw)
		if !ok {
			http.Error(w, "invalid status", http.StatusBadRequest)
			return
		}
		f.Statuses = []protocol.LobbyStatus{status}
	}
	f.GameType = r.URL.Query().Get("gameType")
	writeJSON(w, http.StatusOK, protocol.LobbiesPayload{Lobbies: s.dir.List(f)})
}
