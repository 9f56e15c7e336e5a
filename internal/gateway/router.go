package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nextlevelbuilder/gatewaycore/internal/gwerr"
)

// MethodHandler handles one RPC method call and returns the response
// payload (marshalled into ResponseFrame.Payload) or an error.
type MethodHandler func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error)

// MethodRouter is the fixed method-name → handler dispatch table (§6). No
// reflective dispatch: methods are registered explicitly at startup.
type MethodRouter struct {
	mu       sync.RWMutex
	handlers map[string]MethodHandler
}

// NewMethodRouter builds an empty router.
func NewMethodRouter() *MethodRouter {
	return &MethodRouter{handlers: make(map[string]MethodHandler)}
}

// Register binds method to handler. Re-registering the same method name
// overwrites the previous handler.
func (r *MethodRouter) Register(method string, handler MethodHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = handler
}

// Dispatch routes a request to its registered handler.
func (r *MethodRouter) Dispatch(ctx context.Context, c *Client, method string, params json.RawMessage) (interface{}, error) {
	r.mu.RLock()
	h, ok := r.handlers[method]
	r.mu.RUnlock()
	if !ok {
		return nil, gwerr.New(gwerr.KindProtocol, "Unknown request method: "+method)
	}
	return h(ctx, c, params)
}
