package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/gatewaycore/internal/tools"
)

// BridgeTool adapts one MCP server tool into the Tool Service's Registry
// (§4.5 point 3, "MCP tool (default)"). Once registered, a bridged tool is
// indistinguishable from a local tool to the dispatcher — Registry.dispatch
// falls through to whatever is registered under the name, bridged or not.
type BridgeTool struct {
	serverName string
	origName   string
	prefixed   string
	desc       string
	schema     map[string]interface{}

	client     *mcpclient.Client
	timeoutSec int
	connected  *atomic.Bool
}

// NewBridgeTool builds a BridgeTool from a discovered MCP tool. toolPrefix,
// when set, is prepended as "{prefix}_{name}" to avoid collisions between
// servers that expose tools with the same name; callers detect remaining
// collisions against the registry themselves (manager_connect.go).
func NewBridgeTool(serverName string, mcpTool mcpgo.Tool, client *mcpclient.Client, toolPrefix string, timeoutSec int, connected *atomic.Bool) *BridgeTool {
	name := mcpTool.Name
	prefixed := name
	if toolPrefix != "" {
		prefixed = toolPrefix + "_" + name
	}

	var schema map[string]interface{}
	if data, err := json.Marshal(mcpTool.InputSchema); err == nil {
		_ = json.Unmarshal(data, &schema)
	}
	if schema == nil {
		schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}

	return &BridgeTool{
		serverName: serverName,
		origName:   name,
		prefixed:   prefixed,
		desc:       mcpTool.Description,
		schema:     schema,
		client:     client,
		timeoutSec: timeoutSec,
		connected:  connected,
	}
}

// OriginalName returns the tool name as reported by the MCP server, before
// prefixing — used by filterTools to match against grant allow/deny lists.
func (b *BridgeTool) OriginalName() string { return b.origName }

func (b *BridgeTool) Name() string                         { return b.prefixed }
func (b *BridgeTool) Description() string                  { return fmt.Sprintf("[%s] %s", b.serverName, b.desc) }
func (b *BridgeTool) Parameters() map[string]interface{}    { return b.schema }

func (b *BridgeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if b.connected != nil && !b.connected.Load() {
		return tools.ErrorResult(fmt.Sprintf("MCP server %q is disconnected", b.serverName))
	}

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.origName
	req.Params.Arguments = args

	resp, err := b.client.CallTool(ctx, req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("MCP call to %q failed: %v", b.origName, err))
	}

	return bridgeResultFrom(resp)
}

// bridgeResultFrom flattens an MCP CallToolResult's text content blocks into
// the Tool Service's unified Result shape.
func bridgeResultFrom(resp *mcpgo.CallToolResult) *tools.Result {
	var texts []string
	for _, c := range resp.Content {
		if tc, ok := c.(mcpgo.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	joined := strings.Join(texts, "\n")

	if resp.IsError {
		if joined == "" {
			joined = "tool returned an error with no message"
		}
		return tools.ErrorResult(joined)
	}
	if joined == "" {
		joined = "(tool completed with no text output)"
	}
	return tools.SilentResult(joined)
}
