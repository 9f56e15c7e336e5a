package plugins

import (
	"context"

	"github.com/nextlevelbuilder/gatewaycore/internal/tools"
)

// toolAdapter makes one plugin-declared ToolSpec satisfy tools.Tool,
// forwarding Execute over the plugin's RPC connection. Several adapters
// share one client when a manifest declares more than one tool.
type toolAdapter struct {
	spec   ToolSpec
	client ToolPlugin
}

func (a *toolAdapter) Name() string        { return a.spec.Name }
func (a *toolAdapter) Description() string { return a.spec.Description }
func (a *toolAdapter) Parameters() map[string]interface{} {
	if a.spec.Parameters == nil {
		return map[string]interface{}{}
	}
	return a.spec.Parameters
}

// Execute ignores ctx — the classic net/rpc transport go-plugin uses here
// has no cancellation hook, unlike the gRPC plugins in the corpus's other
// retrieval example. A stuck plugin process is caught by go-plugin's own
// health-check ping rather than by context cancellation.
func (a *toolAdapter) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	reply, err := a.client.Execute(ExecuteArgs{ToolName: a.spec.Name, Args: args})
	if err != nil {
		r := tools.NewResult("plugin " + a.spec.Name + " failed: " + err.Error())
		r.IsError = true
		r.Err = err
		return r
	}
	r := tools.NewResult(reply.ForLLM)
	r.ForUser = reply.ForUser
	r.Silent = reply.Silent
	r.IsError = reply.IsError
	if reply.ErrMessage != "" {
		r.Err = &Error{Plugin: a.spec.Name, Operation: "execute", Err: errString(reply.ErrMessage)}
	}
	return r
}

type errString string

func (e errString) Error() string { return string(e) }
