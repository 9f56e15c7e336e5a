package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/gatewaycore/internal/bus"
	"github.com/nextlevelbuilder/gatewaycore/internal/config"
	"github.com/nextlevelbuilder/gatewaycore/internal/orchestrator"
	"github.com/nextlevelbuilder/gatewaycore/internal/sessions"
	"github.com/nextlevelbuilder/gatewaycore/internal/tools"
	"github.com/nextlevelbuilder/gatewaycore/pkg/protocol"
)

// Server is the Protocol & Connection Layer (§4.2): it upgrades HTTP to
// WebSocket, tracks connected Clients, fans out bus events to them, and
// dispatches inbound requests through the MethodRouter.
type Server struct {
	cfg      *config.Config
	bus      *bus.Bus
	orch     *orchestrator.Orchestrator
	sessions *sessions.Manager
	tools    *tools.Registry
	router   *MethodRouter

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter
	idempotency *IdempotencyCache

	clients map[string]*Client
	mu      sync.RWMutex

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new gateway server. Method handlers are registered
// separately via Router().Register (see RegisterMethods).
func NewServer(cfg *config.Config, b *bus.Bus, orch *orchestrator.Orchestrator, sm *sessions.Manager, toolsReg *tools.Registry) *Server {
	s := &Server{
		cfg:         cfg,
		bus:         b,
		orch:        orch,
		sessions:    sm,
		tools:       toolsReg,
		clients:     make(map[string]*Client),
		rateLimiter: NewRateLimiter(cfg.Gateway.RateLimitRPM, 5),
		idempotency: NewIdempotencyCache(),
		router:      NewMethodRouter(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Router returns the method router for registering handlers.
func (s *Server) Router() *MethodRouter { return s.router }

// checkOrigin validates WebSocket connection origin against the allowed
// origins whitelist. Empty Origin (non-browser clients) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start begins listening for WebSocket and HTTP connections, and runs the
// heartbeat broadcast + idle-connection sweep loops until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway starting", "addr", addr)

	go s.heartbeatLoop(ctx)
	go s.idleSweepLoop(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		s.idempotency.Close()
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// heartbeatLoop emits a heartbeat event to every client every
// heartbeat_interval_s seconds (default 30s, §3).
func (s *Server) heartbeatLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.Gateway.HeartbeatIntervalS) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.bus.Emit(bus.EventHeartbeat, map[string]interface{}{"timestamp": time.Now().Unix()})
		}
	}
}

// idleSweepLoop disconnects clients that have been idle for longer than
// idle_timeout_s (default 300s, §3), checked every 60s.
func (s *Server) idleSweepLoop(ctx context.Context) {
	idleTimeout := time.Duration(s.cfg.Gateway.IdleTimeoutS) * time.Second
	if idleTimeout <= 0 {
		idleTimeout = 300 * time.Second
	}
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			var stale []*Client
			for _, c := range s.clients {
				if c.IdleFor() > idleTimeout {
					stale = append(stale, c)
				}
			}
			s.mu.RUnlock()
			for _, c := range stale {
				slog.Info("gateway.idle_disconnect", "id", c.ID(), "idle_for", c.IdleFor())
				c.Close()
			}
		}
	}
}

// handleWebSocket upgrades HTTP to WebSocket and manages the connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s)
	s.registerClient(client)

	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

// BroadcastEvent sends an event to all connected clients.
func (s *Server) BroadcastEvent(ev protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.SendEvent(ev)
	}
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.bus.Subscribe(c.id, func(ev bus.Event) {
		c.SendEvent(protocol.NewEventFrame(string(ev.Type), ev.Payload, ev.Seq, ev.Timestamp.Unix()))
	})

	s.bus.Emit(bus.EventConnected, map[string]interface{}{"client_id": c.id})
	slog.Info("client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	_, ok := s.clients[c.id]
	delete(s.clients, c.id)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.bus.Unsubscribe(c.id)
	s.bus.Emit(bus.EventDisconnected, map[string]interface{}{"client_id": c.id})
	slog.Info("client disconnected", "id", c.id)
}

// StartTestServer creates a listener on :0 (random port) and returns the
// actual address and a start function. Used for integration tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}

	return addr, start
}
