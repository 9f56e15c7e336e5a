package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/gatewaycore/internal/agent"
	"github.com/nextlevelbuilder/gatewaycore/internal/channels"
	"github.com/nextlevelbuilder/gatewaycore/internal/config"
	"github.com/nextlevelbuilder/gatewaycore/internal/gwerr"
	"github.com/nextlevelbuilder/gatewaycore/internal/mcp"
	"github.com/nextlevelbuilder/gatewaycore/internal/memory"
	"github.com/nextlevelbuilder/gatewaycore/internal/orchestrator"
	"github.com/nextlevelbuilder/gatewaycore/internal/plugins"
	"github.com/nextlevelbuilder/gatewaycore/internal/sessions"
	"github.com/nextlevelbuilder/gatewaycore/internal/tools"
	"github.com/nextlevelbuilder/gatewaycore/pkg/protocol"
)

// Methods binds the composition root's components to the §6 method table.
// RegisterMethods is the single place that wires request params to the
// Orchestrator/Sessions/Tools/MCP/Channels services; handlers themselves
// stay thin, translating gwerr.Error into the res{ok:false} shape via the
// router's existing AsResponse path.
type Methods struct {
	cfg       *config.Config
	cfgPath   string
	orch      *orchestrator.Orchestrator
	sessions  *sessions.Manager
	toolsReg  *tools.Registry
	mcpMgr    *mcp.Manager
	channels  *channels.Manager
	memory    *memory.Service
	plugins   *plugins.Manager
	startedAt time.Time
}

// NewMethods builds the method bindings. cfgPath is the on-disk config file
// path, needed by config.reload to re-read it and by
// config.update/reset/switch_model to persist edits. mem may be nil
// (memory.enabled=false or no Neo4j configured); handlers degrade to
// memory_unavailable in that case (memory.graph to an empty snapshot)
// rather than panicking. pluginMgr may be
// nil in tests that don't exercise the plugin loader.
func NewMethods(cfg *config.Config, cfgPath string, orch *orchestrator.Orchestrator, sm *sessions.Manager, toolsReg *tools.Registry, mcpMgr *mcp.Manager, chMgr *channels.Manager, mem *memory.Service, pluginMgr *plugins.Manager) *Methods {
	return &Methods{
		cfg:       cfg,
		cfgPath:   cfgPath,
		orch:      orch,
		sessions:  sm,
		toolsReg:  toolsReg,
		mcpMgr:    mcpMgr,
		channels:  chMgr,
		memory:    mem,
		plugins:   pluginMgr,
		startedAt: time.Now(),
	}
}

// RegisterMethods binds every §6 method onto s's router.
func RegisterMethods(s *Server, m *Methods) {
	r := s.Router()

	r.Register("connect", m.connect)
	r.Register("health", m.health)
	r.Register("status", m.status)
	r.Register("system.info", m.systemInfo)
	r.Register("send", m.send)
	r.Register("agent", m.agentRun)

	r.Register("memory.query", m.memoryQuery)
	r.Register("memory.cluster", m.memoryCluster)
	r.Register("memory.summarize", m.memorySummarize)
	r.Register("memory.graph", m.memoryGraph)
	r.Register("memory.decay", m.memoryDecay)
	r.Register("memory.cleanup", m.memoryCleanup)

	r.Register("sessions.list", m.sessionsList)
	r.Register("session.detail", m.sessionDetail)
	r.Register("session.delete", m.sessionDelete)

	r.Register("tools.list", m.toolsList)
	r.Register("tool.call", m.toolCall)
	r.Register("tool.confirm", m.toolConfirm)

	r.Register("config.get", m.configGet)
	r.Register("config.reload", m.configReload)
	r.Register("config.update", m.configUpdate)
	r.Register("config.reset", m.configReset)
	r.Register("config.switch_model", m.configSwitchModel)
	r.Register("config.diagnose", m.configDiagnose)
}

func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return gwerr.New(gwerr.KindValidation, "invalid params: "+err.Error())
	}
	return nil
}

// --- connect / health / status -------------------------------------------

type connectParams struct {
	Identity        DeviceIdentity `json:"identity"`
	ProtocolVersion int            `json:"protocol_version"`
}

func (m *Methods) connect(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	var p connectParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Identity.DeviceID == "" {
		return nil, gwerr.New(gwerr.KindValidation, "identity.device_id is required")
	}
	if p.ProtocolVersion != 0 && p.ProtocolVersion != protocol.ProtocolVersion {
		return nil, gwerr.New(gwerr.KindProtocol, fmt.Sprintf("unsupported protocol_version %d, server supports %d", p.ProtocolVersion, protocol.ProtocolVersion))
	}

	c.BindIdentity(p.Identity)

	return map[string]interface{}{
		"connection_id": c.ID(),
		"capabilities":  []string{"streaming", "tool_confirm", "memory_query", "config_reload"},
		"health":        "ok",
	}, nil
}

func (m *Methods) health(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"status":             "ok",
		"uptime_s":           int(time.Since(m.startedAt).Seconds()),
		"active_connections": activeConnections(c),
		"channels":           m.channels.GetEnabledChannels(),
	}, nil
}

// activeConnections reports the connection count via c's server.
func activeConnections(c *Client) int {
	c.server.mu.RLock()
	defer c.server.mu.RUnlock()
	return len(c.server.clients)
}

func (m *Methods) status(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"gateway_status": "running",
		"channels":       m.channels.GetStatus(),
		"agents":         []string{"default"},
		"nodes":          m.mcpMgr.ServerStatus(),
		"plugins":        m.pluginStatus(),
	}, nil
}

// pluginStatus reports each loaded plugin's Status by name, or an empty map
// when the plugin loader is disabled (pluginMgr == nil), mirroring how
// memory.* handlers degrade gracefully rather than erroring on an absent
// subsystem.
func (m *Methods) pluginStatus() map[string]plugins.Status {
	if m.plugins == nil {
		return map[string]plugins.Status{}
	}
	return m.plugins.ListPlugins()
}

func (m *Methods) systemInfo(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"version":  "dev",
		"uptime_s": int(time.Since(m.startedAt).Seconds()),
		"channels": m.channels.GetEnabledChannels(),
		"features": []string{"tool_confirm", "memory_query", "mcp", "config_hot_reload"},
	}, nil
}

// --- send / agent ----------------------------------------------------------

type sendParams struct {
	Channel     string `json:"channel"`
	Target      string `json:"target"`
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
}

func (m *Methods) send(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	var p sendParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Channel == "" || p.Target == "" {
		return nil, gwerr.New(gwerr.KindValidation, "channel and target are required")
	}
	if err := m.channels.SendToChannel(ctx, p.Channel, p.Target, p.Content); err != nil {
		return nil, gwerr.Wrap(gwerr.KindInternal, "send failed", err)
	}
	return map[string]interface{}{
		"status":     "sent",
		"channel":    p.Channel,
		"target":     p.Target,
		"message_id": "",
	}, nil
}

type agentParams struct {
	AgentName string `json:"agent_name"`
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id"`
	Stream    bool   `json:"stream"`
}

func (m *Methods) agentRun(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	var p agentParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Prompt == "" {
		return nil, gwerr.New(gwerr.KindValidation, "prompt is required")
	}

	sender := p.SessionID
	if sender == "" {
		sender = c.ID()
	}
	sessionKey := orchestrator.SessionKeyFor("gateway", sender)
	runID := newRunID()

	req := agent.RunRequest{
		SessionKey: sessionKey,
		Message:    p.Prompt,
		Channel:    "gateway",
		ChatID:     sender,
		PeerKind:   "direct",
		RunID:      runID,
		Stream:     p.Stream,
	}

	out := m.orch.Submit(ctx, req)
	go m.awaitOutcome(c, sessionKey, runID, out)

	return map[string]interface{}{
		"run_id": runID,
		"status": "accepted",
	}, nil
}

// awaitOutcome forwards a background run's terminal state to the
// connection as agent.* bus-style events once the orchestrator's worker
// finishes (or parks on a HITL confirmation).
func (m *Methods) awaitOutcome(c *Client, sessionKey, runID string, out <-chan orchestrator.Outcome) {
	res := <-out
	switch {
	case res.NeedsConfirmation != nil:
		c.SendEvent(protocol.NewEventFrame("agent.confirm_required", map[string]interface{}{
			"run_id":       runID,
			"session_key":  sessionKey,
			"tool_call_id": res.NeedsConfirmation.ToolCallID,
			"tool_name":    res.NeedsConfirmation.ToolName,
			"risk":         res.NeedsConfirmation.Risk,
		}, 0, time.Now().Unix()))
	case res.Err != nil:
		c.SendEvent(protocol.NewEventFrame("agent.error", map[string]interface{}{
			"run_id": runID,
			"error":  res.Err.Error(),
		}, 0, time.Now().Unix()))
	default:
		c.SendEvent(protocol.NewEventFrame("agent.complete", map[string]interface{}{
			"run_id":  runID,
			"content": res.Result.Content,
			"usage":   res.Result.Usage,
		}, 0, time.Now().Unix()))
	}
}

// --- memory ------------------------------------------------------------

// memoryUserID defaults an optional request-level user_id the same way
// sessions and the orchestrator do (§3 Session: "defaulting to default_user").
func memoryUserID(userID string) string {
	if userID == "" {
		return "default_user"
	}
	return userID
}

type memoryQueryParams struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	TopK      int    `json:"top_k"`
}

func (m *Methods) memoryQuery(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	var p memoryQueryParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Query == "" {
		return nil, gwerr.New(gwerr.KindValidation, "query is required")
	}
	if m.memory == nil || !m.memory.Enabled() {
		return nil, gwerr.New(gwerr.KindMemoryUnavailable, "memory service is not configured")
	}
	context, total, err := m.memory.Query(ctx, p.Query, p.SessionID, memoryUserID(p.UserID), p.TopK)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindInternal, "memory query failed", err)
	}
	return map[string]interface{}{
		"query":   p.Query,
		"context": context,
		"total":   total,
	}, nil
}

type memorySessionParams struct {
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id"`
	Incremental bool   `json:"incremental"`
}

func (m *Methods) memoryCluster(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	var p memorySessionParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, gwerr.New(gwerr.KindValidation, "session_id is required")
	}
	if m.memory == nil || !m.memory.Enabled() {
		return nil, gwerr.New(gwerr.KindMemoryUnavailable, "memory service is not configured")
	}
	created, err := m.memory.ClusterSession(ctx, p.SessionID, memoryUserID(p.UserID))
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindInternal, "memory cluster failed", err)
	}
	return map[string]interface{}{"session_id": p.SessionID, "concepts_created": created}, nil
}

func (m *Methods) memorySummarize(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	var p memorySessionParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, gwerr.New(gwerr.KindValidation, "session_id is required")
	}
	if m.memory == nil || !m.memory.Enabled() {
		return nil, gwerr.New(gwerr.KindMemoryUnavailable, "memory service is not configured")
	}
	summary, count, err := m.memory.SummarizeSession(ctx, p.SessionID, memoryUserID(p.UserID), p.Incremental)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindInternal, "memory summarize failed", err)
	}
	return map[string]interface{}{"session_id": p.SessionID, "summary": summary, "message_count": count}, nil
}

func (m *Methods) memoryGraph(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	var p memorySessionParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, gwerr.New(gwerr.KindValidation, "session_id is required")
	}
	if m.memory == nil || !m.memory.Enabled() {
		return map[string]interface{}{
			"nodes": []interface{}{}, "edges": []interface{}{}, "stats": map[string]int64{},
		}, nil
	}
	nodes, edges, stats, err := m.memory.GraphSnapshot(ctx, p.SessionID, memoryUserID(p.UserID))
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindInternal, "memory graph lookup failed", err)
	}
	return map[string]interface{}{"nodes": nodes, "edges": edges, "stats": stats}, nil
}

func (m *Methods) memoryDecay(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	var p memorySessionParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, gwerr.New(gwerr.KindValidation, "session_id is required")
	}
	if m.memory == nil || !m.memory.Enabled() {
		return nil, gwerr.New(gwerr.KindMemoryUnavailable, "memory service is not configured")
	}
	updated, err := m.memory.DecaySession(ctx, p.SessionID, memoryUserID(p.UserID))
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindInternal, "memory decay failed", err)
	}
	return map[string]interface{}{"session_id": p.SessionID, "nodes_updated": updated}, nil
}

func (m *Methods) memoryCleanup(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	if m.memory == nil || !m.memory.Enabled() {
		return nil, gwerr.New(gwerr.KindMemoryUnavailable, "memory service is not configured")
	}
	deleted, err := m.memory.CleanupSession(ctx)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindInternal, "memory cleanup failed", err)
	}
	return map[string]interface{}{"nodes_deleted": deleted}, nil
}

// --- sessions ------------------------------------------------------------

type sessionIDParams struct {
	SessionID string `json:"session_id"`
}

func (m *Methods) sessionsList(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	infos := m.sessions.List("")
	return map[string]interface{}{
		"sessions": infos,
		"total":    len(infos),
	}, nil
}

func (m *Methods) sessionDetail(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	var p sessionIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, gwerr.New(gwerr.KindValidation, "session_id is required")
	}
	history := m.sessions.GetHistory(p.SessionID)
	return map[string]interface{}{
		"session_id": p.SessionID,
		"messages":   history,
	}, nil
}

func (m *Methods) sessionDelete(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	var p sessionIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, gwerr.New(gwerr.KindValidation, "session_id is required")
	}
	if err := m.sessions.Delete(p.SessionID); err != nil {
		return nil, gwerr.Wrap(gwerr.KindInternal, "delete session failed", err)
	}
	return map[string]interface{}{"status": "deleted"}, nil
}

// --- tools ---------------------------------------------------------------

func (m *Methods) toolsList(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	names := m.toolsReg.List()
	return map[string]interface{}{
		"tools": names,
		"total": len(names),
	}, nil
}

type toolCallParams struct {
	ToolName string                 `json:"tool_name"`
	Params   map[string]interface{} `json:"params"`
}

func (m *Methods) toolCall(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	var p toolCallParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.ToolName == "" {
		return nil, gwerr.New(gwerr.KindValidation, "tool_name is required")
	}

	ec := tools.ExecContext{
		RequestID:    newRunID(),
		ConnectionID: c.ID(),
	}
	result := m.toolsReg.ExecuteWithContext(ctx, ec.RequestID, p.ToolName, p.Params, ec, nil)
	return map[string]interface{}{
		"tool":   p.ToolName,
		"result": result,
	}, nil
}

type toolConfirmParams struct {
	SessionKey      string          `json:"session_key"`
	Approve         bool            `json:"approve"`
	ApprovedCallIDs map[string]bool `json:"approved_call_ids"`
}

func (m *Methods) toolConfirm(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	var p toolConfirmParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.SessionKey == "" {
		return nil, gwerr.New(gwerr.KindValidation, "session_key is required")
	}

	out := m.orch.ResolveConfirmation(ctx, p.SessionKey, p.Approve, p.ApprovedCallIDs)
	runID := newRunID()
	go m.awaitOutcome(c, p.SessionKey, runID, out)

	return map[string]interface{}{
		"run_id": runID,
		"status": "accepted",
	}, nil
}

// --- config ----------------------------------------------------------------

func (m *Methods) configGet(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	snap := m.cfg.Snapshot()
	return snap, nil
}

func (m *Methods) configReload(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	fresh, err := config.Load(m.cfgPath)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindInternal, "reload config failed", err)
	}
	m.cfg.ReplaceFrom(fresh)
	if m.mcpMgr != nil {
		if err := m.mcpMgr.Reload(ctx, m.cfg.Tools.McpServers); err != nil {
			return nil, gwerr.Wrap(gwerr.KindInternal, "mcp reload failed", err)
		}
	}
	return map[string]interface{}{"status": "reloaded"}, nil
}

func (m *Methods) configUpdate(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	var patch config.Config
	if err := decodeParams(raw, &patch); err != nil {
		return nil, err
	}
	m.cfg.ReplaceFrom(&patch)
	if err := config.Save(m.cfgPath, m.cfg); err != nil {
		return nil, gwerr.Wrap(gwerr.KindInternal, "save config failed", err)
	}
	return map[string]interface{}{"status": "updated"}, nil
}

func (m *Methods) configReset(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	m.cfg.ReplaceFrom(config.Default())
	if err := config.Save(m.cfgPath, m.cfg); err != nil {
		return nil, gwerr.Wrap(gwerr.KindInternal, "save config failed", err)
	}
	return map[string]interface{}{"status": "reset"}, nil
}

type switchModelParams struct {
	Model string `json:"model"`
}

func (m *Methods) configSwitchModel(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	var p switchModelParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Model == "" {
		return nil, gwerr.New(gwerr.KindValidation, "model is required")
	}
	m.cfg.Providers.Anthropic.Model = p.Model
	if err := config.Save(m.cfgPath, m.cfg); err != nil {
		return nil, gwerr.Wrap(gwerr.KindInternal, "save config failed", err)
	}
	return map[string]interface{}{"status": "switched", "model": p.Model}, nil
}

func (m *Methods) configDiagnose(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	issues := []string{}
	if m.cfg.Providers.Anthropic.APIKey == "" {
		issues = append(issues, "anthropic api key not configured")
	}
	memEnabled := m.cfg.Memory.Enabled == nil || *m.cfg.Memory.Enabled
	if memEnabled && m.cfg.Memory.Neo4jURI == "" {
		issues = append(issues, "memory enabled but neo4j uri not configured")
	}
	return map[string]interface{}{
		"healthy": len(issues) == 0,
		"issues":  issues,
	}, nil
}

func newRunID() string {
	return fmt.Sprintf("run_%d", time.Now().UnixNano())
}
