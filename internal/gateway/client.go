package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/gatewaycore/internal/gwerr"
	"github.com/nextlevelbuilder/gatewaycore/pkg/protocol"
)

// DeviceIdentity identifies the device/application behind a connection,
// bound during the connect handshake.
type DeviceIdentity struct {
	DeviceID     string   `json:"device_id"`
	DeviceName   string   `json:"device_name"`
	Role         string   `json:"role,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Client wraps one WebSocket connection's lifecycle and per-connection
// session state (§3 Connection).
type Client struct {
	id            string
	conn          *websocket.Conn
	server        *Server
	connectedAt   time.Time

	mu              sync.Mutex
	identity        *DeviceIdentity
	isAuthenticated bool
	lastHeartbeat   time.Time

	writeMu  sync.Mutex
	closed   bool
	closeErr error
}

// NewClient wraps conn as a tracked Client of server.
func NewClient(conn *websocket.Conn, server *Server) *Client {
	now := time.Now()
	return &Client{
		id:            uuid.NewString(),
		conn:          conn,
		server:        server,
		connectedAt:   now,
		lastHeartbeat: now,
	}
}

// ID returns the connection's unique id.
func (c *Client) ID() string { return c.id }

// Authenticated reports whether the connect handshake has completed.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isAuthenticated
}

// Identity returns the bound device identity, if any.
func (c *Client) Identity() *DeviceIdentity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Client) bindIdentity(id DeviceIdentity) {
	c.mu.Lock()
	c.identity = &id
	c.isAuthenticated = true
	c.mu.Unlock()
}

// BindIdentity authenticates c with the given device identity. Called by
// the "connect" method handler (§6) once it has validated the request.
func (c *Client) BindIdentity(id DeviceIdentity) {
	c.bindIdentity(id)
}

func (c *Client) touchHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

// IdleFor reports how long it has been since the last inbound
// request/heartbeat from this connection.
func (c *Client) IdleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastHeartbeat)
}

// SendEvent writes a server-initiated event frame to the client.
func (c *Client) SendEvent(ev protocol.EventFrame) {
	c.writeJSON(ev)
}

func (c *Client) writeJSON(v interface{}) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	if err := c.conn.WriteJSON(v); err != nil {
		slog.Debug("gateway.client.write_failed", "id", c.id, "error", err)
	}
}

// Close closes the underlying connection.
func (c *Client) Close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.conn.Close()
}

// Run drives the read loop until the connection closes or ctx is
// cancelled. It never lets a panic escape across the connection boundary —
// a recover converts it into an internal_error response for the in-flight
// request.
func (c *Client) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var raw json.RawMessage
		if err := c.conn.ReadJSON(&raw); err != nil {
			return
		}
		c.handleFrame(ctx, raw)
	}
}

func (c *Client) handleFrame(ctx context.Context, raw json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("gateway.client.panic", "id", c.id, "recover", r)
			c.writeJSON(protocol.Err("unknown", "Internal error: handler panic"))
		}
	}()

	var req protocol.RequestFrame
	if err := json.Unmarshal(raw, &req); err != nil || req.Type != protocol.FrameRequest {
		c.writeJSON(protocol.Err("unknown", "Invalid message format: "+safeErrString(err)))
		return
	}
	if req.ID == "" {
		req.ID = "unknown"
	}

	c.touchHeartbeat()

	if cached, ok := c.server.idempotency.Get(req.IdempotencyKey); ok {
		cached.ID = req.ID
		c.writeJSON(cached)
		return
	}

	if c.server.rateLimiter.Enabled() && !c.server.rateLimiter.Allow(c.id) {
		c.writeJSON(protocol.Err(req.ID, "rate_limited"))
		return
	}

	payload, err := c.server.router.Dispatch(ctx, c, req.Method, req.Params)
	if err != nil {
		code, message := gwerr.AsResponse(err)
		resp := protocol.Err(req.ID, message)
		slog.Debug("gateway.method_error", "method", req.Method, "code", code, "error", err)
		c.writeJSON(resp)
		return
	}

	resp := protocol.OK(req.ID, payload)
	c.server.idempotency.Put(req.IdempotencyKey, resp)
	c.writeJSON(resp)
}

func safeErrString(err error) string {
	if err == nil {
		return "empty frame"
	}
	return err.Error()
}
