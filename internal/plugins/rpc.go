package plugins

import (
	"fmt"
	"net/rpc"

	hplugin "github.com/hashicorp/go-plugin"
)

// Handshake pins the magic cookie both the gateway process and plugin
// binaries must present before go-plugin will dispense a connection — the
// same defense-in-depth go-plugin's own examples use to reject a binary
// that was launched by accident rather than as a configured plugin.
var Handshake = hplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "GATEWAYCORE_PLUGIN",
	MagicCookieValue: "gatewaycore_tool_plugin_v1",
}

// PluginMap is the dispense table passed to hplugin.ClientConfig; "tool" is
// the only key the Tool Service's plugin loader currently dispenses.
func PluginMap() map[string]hplugin.Plugin {
	return map[string]hplugin.Plugin{"tool": &ToolGRPCPlugin{}}
}

// ExecuteArgs/ExecuteReply are the net/rpc wire types — gob-encodable, so
// every field must be exported, and the in-process tools.Result (which
// carries an unencodable error interface) is never sent directly.
type ExecuteArgs struct {
	ToolName string
	Args     map[string]interface{}
}

type ExecuteReply struct {
	ForLLM     string
	ForUser    string
	Silent     bool
	IsError    bool
	ErrMessage string
}

// ToolPlugin is what a plugin binary implements and what the gateway calls
// through an RPC client stub. The tools a plugin serves are taken from its
// JSON manifest on disk; the interface has no call to list them at runtime.
type ToolPlugin interface {
	Execute(args ExecuteArgs) (*ExecuteReply, error)
}

// ToolGRPCPlugin is misnamed only in spirit: go-plugin's historical name for
// this interface is "Plugin", and despite the field/plugin-map key "tool"
// it speaks net/rpc, not gRPC — kept simple since a single RPC method needs
// no protobuf service definition.
type ToolGRPCPlugin struct {
	Impl ToolPlugin // set by the plugin binary; nil on the host side
}

func (p *ToolGRPCPlugin) Server(*hplugin.MuxBroker) (interface{}, error) {
	return &toolRPCServer{impl: p.Impl}, nil
}

func (p *ToolGRPCPlugin) Client(b *hplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &toolRPCClient{client: c}, nil
}

// toolRPCServer runs inside the plugin binary, dispatching net/rpc calls to
// the real implementation. The gateway never instantiates one of these —
// it exists so this package can be imported unmodified by plugin authors.
type toolRPCServer struct {
	impl ToolPlugin
}

func (s *toolRPCServer) Execute(args ExecuteArgs, reply *ExecuteReply) error {
	if s.impl == nil {
		return fmt.Errorf("plugin: no implementation registered")
	}
	r, err := s.impl.Execute(args)
	if err != nil {
		return err
	}
	*reply = *r
	return nil
}

// toolRPCClient runs in the gateway process, forwarding Execute calls to the
// plugin binary over the go-plugin-managed net/rpc connection.
type toolRPCClient struct {
	client *rpc.Client
}

func (c *toolRPCClient) Execute(args ExecuteArgs) (*ExecuteReply, error) {
	var reply ExecuteReply
	if err := c.client.Call("Plugin.Execute", args, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}
