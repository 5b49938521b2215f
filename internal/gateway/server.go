package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nextlevelbuilder/roomclaw/internal/bus"
	"github.com/nextlevelbuilder/roomclaw/internal/config"
	httpapi "github.com/nextlevelbuilder/roomclaw/internal/http"
	"github.com/nextlevelbuilder/roomclaw/internal/metrics"
	"github.com/nextlevelbuilder/roomclaw/internal/store"
	"github.com/nextlevelbuilder/roomclaw/pkg/protocol"
)

// Coordinator is the reply engine as seen by the gateway.
type Coordinator interface {
	httpapi.ReplyTrigger
	httpapi.RoomResetter
}

// Server is the gateway: reply trigger, room history API and per-room
// WebSocket event streams.
type Server struct {
	cfg      config.GatewayConfig
	eventPub bus.EventPublisher
	messages store.MessageStore
	auth     *httpapi.Authenticator

	aiResponseHandler *httpapi.AIResponseHandler
	messagesHandler   *httpapi.MessagesHandler

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter
	clients     map[string]*Client
	mu          sync.RWMutex

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new gateway server. mentions classifies posted
// messages; it may be swapped at runtime by the caller's detector.
func NewServer(cfg config.GatewayConfig, eventPub bus.EventPublisher, messages store.MessageStore, coord Coordinator, mentions func(string) bool) *Server {
	s := &Server{
		cfg:      cfg,
		eventPub: eventPub,
		messages: messages,
		auth:     httpapi.NewAuthenticator(cfg.Token, cfg.JWTSecret),
		clients:  make(map[string]*Client),
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	// rate_limit_rpm <= 0 disables limiting.
	s.rateLimiter = NewRateLimiter(cfg.RateLimitRPM, 5)
	var limiter httpapi.Limiter
	if s.rateLimiter.Enabled() {
		limiter = s.rateLimiter
	}

	s.aiResponseHandler = httpapi.NewAIResponseHandler(coord, s.auth, limiter)
	s.messagesHandler = httpapi.NewMessagesHandler(messages, mentions, coord, s.auth, limiter)
	return s
}

// RateLimiter returns the server's rate limiter.
func (s *Server) RateLimiter() *RateLimiter { return s.rateLimiter }

// Authenticator returns the request authenticator.
func (s *Server) Authenticator() *httpapi.Authenticator { return s.auth }

// checkOrigin validates WebSocket connection origin against the allowed origins whitelist.
// If no origins are configured, all origins are allowed (dev mode).
// Empty Origin header (non-browser clients like the watcher CLI) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.originAllowed(origin) {
		return true
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, a := range s.cfg.AllowedOrigins {
		if origin == a || a == "*" {
			return true
		}
	}
	return false
}

// cors answers preflights and sets CORS headers for browser chat clients.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{
				"Authorization", "Content-Type", protocol.HeaderUserID, protocol.HeaderUserName,
			}, ", "))
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET "+protocol.PathWS, s.auth.Middleware(s.handleWebSocket))
	mux.HandleFunc("GET "+protocol.PathHealth, s.handleHealth)
	mux.Handle("GET "+protocol.PathMetrics, promhttp.Handler())

	s.aiResponseHandler.RegisterRoutes(mux)
	s.messagesHandler.RegisterRoutes(mux)

	s.mux = mux
	return mux
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.cors(metrics.Middleware(s.BuildMux()))
}

// Start begins listening for WebSocket and HTTP connections and blocks until
// ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the server on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway starting", "addr", ln.Addr().String(), "auth", s.auth.Mode(), "rate_limit_rpm", s.cfg.RateLimitRPM)

	go func() {
		<-ctx.Done()
		s.BroadcastShutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		s.closeClients()
	}()

	if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleWebSocket upgrades to a WebSocket streaming one room's events.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	room := strings.TrimSpace(r.URL.Query().Get("room"))
	if room == "" {
		http.Error(w, `{"error":"room query parameter is required"}`, http.StatusBadRequest)
		return
	}
	id := httpapi.IdentityFromContext(r.Context())

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, room, id.UserID)
	s.registerClient(client)

	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

// handleHealth reports store reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := s.messages.Ping(ctx); err != nil {
		slog.Warn("gateway.health_degraded", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"status":"degraded","protocol":%d}`, protocol.ProtocolVersion)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

// BroadcastShutdown tells every connected client the server is going away.
func (s *Server) BroadcastShutdown() {
	frame, _ := protocol.NewEvent(protocol.EventShutdown, "", nil)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.SendEvent(*frame)
	}
}

// closeClients drops hijacked WebSocket connections, which http.Server.Shutdown leaves open.
func (s *Server) closeClients() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.Close()
	}
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c

	s.eventPub.Subscribe(c.id, func(event bus.Event) {
		if event.Room != c.room {
			return
		}
		frame, err := protocol.NewEvent(event.Name, event.Room, event.Payload)
		if err != nil {
			slog.Error("ws.event_encode_failed", "event", event.Name, "error", err)
			return
		}
		c.SendEvent(*frame)
	})

	slog.Info("client connected", "id", c.id, "room", c.room, "user", c.userID)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	s.eventPub.Unsubscribe(c.id)
	slog.Info("client disconnected", "id", c.id, "room", c.room)
}
