package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/gatewaycore/internal/bus"
	"github.com/nextlevelbuilder/gatewaycore/internal/config"
	"github.com/nextlevelbuilder/gatewaycore/internal/providers"
	"github.com/nextlevelbuilder/gatewaycore/internal/sessions"
)

// Tool is implemented by every dispatchable tool, whether backed by a local
// implementation (filesystem.go, shell.go, browser.go) or bridged from an
// MCP server (internal/mcp.BridgeTool registers into the same Registry).
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// AsyncCallback receives the result of a tool that returned Result.Async
// once the underlying operation actually finishes.
type AsyncCallback func(toolName, toolCallID string, result *Result)

// AgentHandoff routes an agentType:"agent" tool call (§4.5 dispatch backend
// 2) to the agent manager. The agent manager itself is external to the
// Gateway Core; deployments that run a single agent with no handoff target
// leave this nil and handoff calls fail with a clear error.
type AgentHandoff interface {
	Handoff(ctx context.Context, agentName, prompt string, args map[string]interface{}) *Result
}

// ExecContext carries the correlation and session/user context that gets
// attached to tool.call.start/result/error events and forwarded to tools
// via the context helpers in context_keys.go.
type ExecContext struct {
	RequestID    string
	ConnectionID string
	SessionKey   string
	UserID       string
	Channel      string
	ChatID       string
	PeerKind     string
	Workspace    string
}

// Registry is the Tool Service's unified dispatcher (§4.5): local tools,
// agent handoff, and MCP-bridged tools all resolve through the same
// Execute/ExecuteBatch path, which also owns tool.call.* event emission and
// the batch HITL risk-gating protocol.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool

	bus     *bus.Bus
	handoff AgentHandoff

	highRiskExtra     []string
	moderateRiskExtra []string
}

// NewRegistry creates an empty Registry. b may be nil in tests that don't
// care about tool.call.* events.
func NewRegistry(b *bus.Bus) *Registry {
	return &Registry{tools: make(map[string]Tool), bus: b}
}

// SetAgentHandoff wires dispatch backend 2 (§4.5 point 2).
func (r *Registry) SetAgentHandoff(h AgentHandoff) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handoff = h
}

// ApplyRiskConfig extends the builtin HIGH/MODERATE allowlists per
// config.ToolsConfig.HighRisk/ModerateRisk (§4.5 point 1).
func (r *Registry) ApplyRiskConfig(cfg *config.ToolsConfig) {
	if cfg == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.highRiskExtra = cfg.HighRisk
	r.moderateRiskExtra = cfg.ModerateRisk
}

// Register adds or replaces a tool under its own Name().
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Unregister removes a tool, used by the MCP manager when a server
// disconnects or a tool is filtered out by grants.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a registered tool by exact name (no alias resolution — that's
// PolicyEngine.resolveAlias's job on the way in).
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool name, sorted for deterministic policy
// evaluation and logging.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ProviderDefs returns every registered tool as a provider-facing schema,
// unfiltered by policy (PolicyEngine.FilterTools applies policy on top, and
// is what agent/loop.go actually calls).
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	names := r.List()
	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		if t, ok := r.Get(name); ok {
			defs = append(defs, ToProviderDef(t))
		}
	}
	return defs
}

// ToProviderDef converts a Tool into the schema shape the LLM provider API
// expects.
func ToProviderDef(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}

// handoffAgentType/handoffAgentName/handoffPrompt are the reserved arg keys
// the LLM uses to request dispatch backend 2 (§4.5 point 2).
const (
	handoffAgentType = "agentType"
	handoffAgentName = "agent_name"
	handoffPrompt    = "prompt"
)

// mcpServiceNameKey/mcpToolNameKey are the reserved arg keys stripped from
// forwarded args before calling dispatch backend 3 (§4.5 point 3).
const (
	mcpServiceNameKey = "service_name"
	mcpToolNameKey    = "tool_name"
	mcpCommandKey     = "command"
)

// ExecuteWithContext resolves and runs a single tool call through the
// three-backend dispatch order, emitting tool.call.start then
// tool.call.result/error. It does not apply HITL risk gating — callers
// executing a batch emitted by the LLM must call ExecuteBatch instead, which
// pre-scans risk before invoking this for any call.
func (r *Registry) ExecuteWithContext(ctx context.Context, toolCallID, toolName string, args map[string]interface{}, ec ExecContext, cb AsyncCallback) *Result {
	if cb != nil {
		ctx = WithToolAsyncCB(ctx, cb)
	}
	if ec.Workspace != "" {
		ctx = WithToolWorkspace(ctx, ec.Workspace)
	}
	if ec.Channel != "" {
		ctx = WithToolChannel(ctx, ec.Channel)
	}
	if ec.ChatID != "" {
		ctx = WithToolChatID(ctx, ec.ChatID)
	}
	if ec.PeerKind != "" {
		ctx = WithToolPeerKind(ctx, ec.PeerKind)
	}

	r.emitStart(toolCallID, toolName, ec)

	result := r.dispatch(ctx, toolName, args)

	if result.IsError {
		r.emitError(toolCallID, toolName, ec, result)
	} else {
		r.emitResult(toolCallID, toolName, ec, result)
	}
	return result
}

// dispatch resolves a tool call through the three backends in order
// (§4.5): local tool, agent handoff, MCP (default — MCP tools are plain
// registry entries registered by internal/mcp.Manager, so "default" here
// just means "whatever is registered under that name").
func (r *Registry) dispatch(ctx context.Context, toolName string, args map[string]interface{}) *Result {
	if t, ok := r.Get(toolName); ok {
		return t.Execute(ctx, args)
	}

	if at, _ := args[handoffAgentType].(string); at == "agent" {
		return r.dispatchHandoff(ctx, args)
	}

	return r.dispatchMCP(ctx, toolName, args)
}

func (r *Registry) dispatchHandoff(ctx context.Context, args map[string]interface{}) *Result {
	r.mu.RLock()
	h := r.handoff
	r.mu.RUnlock()

	if h == nil {
		return ErrorResult("agent handoff requested but no agent manager is configured")
	}
	agentName, _ := args[handoffAgentName].(string)
	prompt, _ := args[handoffPrompt].(string)
	if agentName == "" {
		return ErrorResult("agent handoff missing agent_name")
	}

	forwarded := stripHandoffKeys(args)
	return h.Handoff(ctx, agentName, prompt, forwarded)
}

// dispatchMCP looks up an MCP-bridged tool by service_name (falling back to
// the original dispatch name) and strips the reserved keys before
// forwarding (§4.5 point 3). tool_name and command are not consulted: the
// call goes to whatever tool is registered under service_name. MCP tools register directly into this
// same Registry (internal/mcp.Manager.connectServer), so by the time
// dispatch reaches here the lookup is just another Get — there is no
// separate MCP transport hop at this layer.
func (r *Registry) dispatchMCP(ctx context.Context, toolName string, args map[string]interface{}) *Result {
	serviceName, _ := args[mcpServiceNameKey].(string)
	if serviceName == "" {
		serviceName = toolName
	}

	t, ok := r.Get(serviceName)
	if !ok {
		return ErrorResult(fmt.Sprintf("tool %q is not registered (no local tool, handoff, or MCP server provides it)", toolName))
	}

	forwarded := stripMCPKeys(args)
	return t.Execute(ctx, forwarded)
}

func stripHandoffKeys(args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		if k == handoffAgentType || k == handoffAgentName || k == handoffPrompt {
			continue
		}
		out[k] = v
	}
	return out
}

func stripMCPKeys(args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		if k == mcpServiceNameKey || k == mcpToolNameKey || k == handoffAgentType {
			continue
		}
		out[k] = v
	}
	return out
}

func (r *Registry) emitStart(toolCallID, toolName string, ec ExecContext) {
	if r.bus == nil {
		return
	}
	r.bus.Emit(bus.EventToolCallStart, buildToolCallEvent(toolCallID, toolName, ec, nil, ""))
}

func (r *Registry) emitResult(toolCallID, toolName string, ec ExecContext, result *Result) {
	if r.bus == nil {
		return
	}
	r.bus.Emit(bus.EventToolCallResult, buildToolCallEvent(toolCallID, toolName, ec, result, ""))
}

func (r *Registry) emitError(toolCallID, toolName string, ec ExecContext, result *Result) {
	if r.bus == nil {
		return
	}
	r.bus.Emit(bus.EventToolCallError, buildToolCallEvent(toolCallID, toolName, ec, result, result.ForLLM))
}

// toolCallEvent is the tool.call.* event body (§4.5): request and
// connection correlation ids, tool name, session/user context, and either
// the result or the error string.
type toolCallEvent struct {
	ToolCallID   string `json:"tool_call_id"`
	ToolName     string `json:"tool_name"`
	RequestID    string `json:"request_id,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
	SessionKey   string `json:"session_key,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	Result       string `json:"result,omitempty"`
	Error        string `json:"error,omitempty"`
}

func buildToolCallEvent(toolCallID, toolName string, ec ExecContext, result *Result, errStr string) toolCallEvent {
	p := toolCallEvent{
		ToolCallID:   toolCallID,
		ToolName:     toolName,
		RequestID:    ec.RequestID,
		ConnectionID: ec.ConnectionID,
		SessionKey:   ec.SessionKey,
		UserID:       ec.UserID,
		Error:        errStr,
	}
	if result != nil && errStr == "" {
		p.Result = result.ForLLM
	}
	return p
}

// --- Batch HITL risk gating (§4.5 points 1-5) ---

// BatchOutcome is the result of ExecuteBatch: either every call in the
// batch executed (Results populated, Confirmation nil) or the batch was
// parked awaiting HITL approval (Confirmation populated, Results nil).
type BatchOutcome struct {
	Results      []*Result
	Confirmation *ConfirmationRequired
}

// ExecuteBatch runs a batch of tool calls emitted in one LLM turn through
// the HITL pre-scan/execute protocol. approvedCallIDs is the caller-supplied
// `approved_call_ids` set (§4.5 point 4) — empty on the first pass.
func (r *Registry) ExecuteBatch(ctx context.Context, calls []sessions.ToolCallRef, ec ExecContext, approvedCallIDs map[string]bool, cb AsyncCallback) BatchOutcome {
	risk := make([]RiskTier, len(calls))
	for i, c := range calls {
		action, _ := c.Args["action"].(string)
		risk[i] = RiskTierFor(c.Name, action, r.highRiskExtra, r.moderateRiskExtra)
	}

	for i, c := range calls {
		if risk[i] == RiskHigh && !approvedCallIDs[c.ID] {
			slog.Info("tool batch parked for confirmation",
				"tool", c.Name, "tool_call_id", c.ID, "batch_size", len(calls))
			return BatchOutcome{
				Confirmation: &ConfirmationRequired{
					ToolCallID:   c.ID,
					ToolName:     c.Name,
					Args:         c.Args,
					AllToolCalls: calls,
					Risk:         risk[i],
				},
			}
		}
	}

	results := make([]*Result, len(calls))
	for i, c := range calls {
		results[i] = r.ExecuteWithContext(ctx, c.ID, c.Name, c.Args, ec, cb)
	}
	return BatchOutcome{Results: results}
}

// ConfirmedContinuationMessage builds the synthetic user message injected
// after a HITL-approved batch finishes executing (§4.5 point 5): the text
// blocks of each result plus the confirmation marker, so the conversation
// loop resumes as if the user had replied.
func ConfirmedContinuationMessage(results []*Result) string {
	msg := ""
	for _, res := range results {
		if res == nil {
			continue
		}
		msg += res.ForLLM + "\n"
	}
	msg += "(user has confirmed and executed) please continue."
	return msg
}
