// Package plugins implements the Plugin/Extension Loader (§4.9): local tool
// plugins loaded from a directory of JSON manifests, each describing a
// process-local plugin binary speaking net/rpc over hashicorp/go-plugin,
// registered into the Tool Service's Registry by tool name, with the names
// tracked per plugin as internal/mcp.Manager tracks them per server. Unlike
// MCP servers, plugins get no tool-policy group.
package plugins

import "fmt"

// Status mirrors a plugin's lifecycle state, surfaced via ListPlugins for
// the doctor/health subsystem (§4.10).
type Status string

const (
	StatusLoading  Status = "loading"
	StatusReady    Status = "ready"
	StatusError    Status = "error"
	StatusCrashed  Status = "crashed"
	StatusUnloaded Status = "unloaded"
)

// ToolSpec describes one tool a plugin exposes, matching the shape the Tool
// Service needs to register it (§4.5) without invoking the plugin process.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Manifest is the JSON file describing a plugin: one executable exposing
// one or more tools over the RPC protocol in rpc.go.
type Manifest struct {
	Name        string     `json:"name"`
	Version     string     `json:"version"`
	Description string     `json:"description,omitempty"`
	Path        string     `json:"path"`
	Enabled     bool       `json:"enabled"`
	Tools       []ToolSpec `json:"tools"`
}

// Error wraps a plugin-lifecycle failure with the plugin name and the
// operation that failed, matching the Tool Service's own error shape.
type Error struct {
	Plugin    string
	Operation string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("plugin %q: %s: %v", e.Plugin, e.Operation, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(plugin, op string, err error) *Error {
	return &Error{Plugin: plugin, Operation: op, Err: err}
}
