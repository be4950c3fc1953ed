package ws

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4 * 1024 * 1024 // 4MB, full state updates included

	// Send buffer size
	sendBufferSize = 256
)

// ServerConfig holds relay server configuration.
type ServerConfig struct {
	// AllowedOrigins is the origin allow-list. Empty allows everything
	// (development); "*" matches any origin.
	AllowedOrigins []string
	// HandshakeTimeout bounds the wait for the client's SyncStep1.
	HandshakeTimeout time.Duration
}

// Server upgrades websocket connections and runs the relay protocol
// against the room registry.
type Server struct {
	registry *Registry
	upgrader websocket.Upgrader
	cfg      ServerConfig
	logger   *zap.Logger
}

// NewServer creates a relay server.
func NewServer(registry *Registry, cfg ServerConfig, logger *zap.Logger) *Server {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Server{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced after accept so disallowed
			// origins get a policy-violation close code.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		cfg:    cfg,
		logger: logger,
	}
}

// Routes mounts the relay endpoint.
func (s *Server) Routes(r chi.Router) {
	r.Get("/ws/{workspaceID}", s.serveWS)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	if workspaceID == "" {
		http.Error(w, "workspace id required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Upgrade failed", zap.Error(err))
		return
	}

	if !s.originAllowed(r.Header.Get("Origin")) {
		s.logger.Warn("Rejecting disallowed origin",
			zap.String("origin", r.Header.Get("Origin")),
			zap.String("workspaceID", workspaceID),
		)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "origin not allowed")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(connWriteWait))
		conn.Close()
		return
	}

	room, err := s.registry.GetOrCreate(r.Context(), workspaceID)
	if err != nil {
		s.logger.Error("Room unavailable",
			zap.String("workspaceID", workspaceID),
			zap.Error(err),
		)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "room unavailable")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(connWriteWait))
		conn.Close()
		return
	}

	id := uuid.New().String()
	sess := &session{
		id:     id,
		conn:   conn,
		room:   room,
		server: s,
		send:   make(chan []byte, sendBufferSize),
		logger: s.logger.With(
			zap.String("workspaceID", workspaceID),
			zap.String("sessionID", id),
		),
	}
	sess.run()
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
