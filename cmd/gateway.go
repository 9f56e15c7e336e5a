package cmd

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/gatewaycore/internal/agent"
	"github.com/nextlevelbuilder/gatewaycore/internal/bus"
	"github.com/nextlevelbuilder/gatewaycore/internal/channels"
	"github.com/nextlevelbuilder/gatewaycore/internal/config"
	"github.com/nextlevelbuilder/gatewaycore/internal/gateway"
	"github.com/nextlevelbuilder/gatewaycore/internal/mcp"
	"github.com/nextlevelbuilder/gatewaycore/internal/memory"
	"github.com/nextlevelbuilder/gatewaycore/internal/orchestrator"
	"github.com/nextlevelbuilder/gatewaycore/internal/plugins"
	"github.com/nextlevelbuilder/gatewaycore/internal/providers"
	"github.com/nextlevelbuilder/gatewaycore/internal/sessions"
	"github.com/nextlevelbuilder/gatewaycore/internal/tools"
	"github.com/nextlevelbuilder/gatewaycore/internal/upgrade"
)

// runGateway is the composition root: it wires every service named in
// SPEC_FULL §4 into one process, starts the WebSocket server, and blocks
// until SIGINT/SIGTERM.
func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("gateway.config_load_failed", "error", err)
		os.Exit(1)
	}

	if cfg.Providers.Anthropic.APIKey == "" {
		slog.Error("gateway.no_provider_configured", "hint", "set GATEWAYCORE_ANTHROPIC_API_KEY")
		os.Exit(1)
	}

	if cfg.Database.Backend == "postgres" {
		checkPostgresSchemaOrWarn(cfg.Database.PostgresDSN)
	}

	workspace := resolveWorkspace()

	eventBus := bus.New()
	channelRouter := bus.NewChannelRouter(eventBus, 256)

	provider := providers.NewAnthropicProvider(
		cfg.Providers.Anthropic.APIKey,
		providers.WithAnthropicModel(cfg.Providers.Anthropic.Model),
		providers.WithAnthropicBaseURL(cfg.Providers.Anthropic.APIBase),
	)

	sessionMgr := sessions.NewManager(cfg.Sessions.Storage)

	toolsReg := tools.NewRegistry(eventBus)
	toolsReg.ApplyRiskConfig(&cfg.Tools)
	registerLocalTools(toolsReg, workspace)
	browserTools := tools.RegisterBrowserTools(toolsReg, workspace)
	defer browserTools.Close()

	toolPolicy := tools.NewPolicyEngine(&cfg.Tools)

	pluginsDir := cfg.Tools.PluginsDir
	if pluginsDir == "" {
		pluginsDir = filepath.Join(workspace, "plugins")
	}
	pluginMgr := plugins.NewManager(toolsReg, pluginsDir)
	if err := pluginMgr.Start(context.Background()); err != nil {
		slog.Warn("gateway.plugins_start_failed", "error", err)
	}
	defer pluginMgr.Stop()
	if pluginWatcher, err := plugins.NewWatcher(pluginsDir, pluginMgr); err != nil {
		slog.Debug("gateway.plugins_watch_unavailable", "dir", pluginsDir, "error", err)
	} else {
		pluginWatchCtx, pluginWatchCancel := context.WithCancel(context.Background())
		defer pluginWatchCancel()
		go pluginWatcher.Run(pluginWatchCtx)
	}

	mcpMgr := mcp.NewManager(toolsReg, mcp.WithConfigs(cfg.Tools.McpServers))
	mcpCtx, mcpCancel := context.WithCancel(context.Background())
	defer mcpCancel()
	if err := mcpMgr.Start(mcpCtx); err != nil {
		slog.Warn("gateway.mcp_start_failed", "error", err)
	}
	defer mcpMgr.Stop()

	memSvc, classifier := buildMemoryService(eventBus, provider, cfg.Memory)
	if memSvc != nil {
		memSvc.Start(eventBus)
		defer memSvc.Close(context.Background())
	}

	agentLoop := agent.NewLoop(agent.LoopConfig{
		ID:         "default",
		Provider:   provider,
		Model:      cfg.Providers.Anthropic.Model,
		Workspace:  workspace,
		Sessions:   sessionMgr,
		Tools:      toolsReg,
		ToolPolicy: toolPolicy,
		Compaction: agent.CompactionSettings{
			HistoryShare:     cfg.Sessions.CompactionHistoryShare,
			MinMessages:      cfg.Sessions.CompactionMinMessages,
			KeepLastMessages: cfg.Sessions.CompactionKeepLast,
		},
	})

	var recallClassifier orchestrator.RecallClassifier
	var memRecaller orchestrator.MemoryRecaller
	if classifier != nil {
		recallClassifier = classifier
	}
	if memSvc != nil {
		memRecaller = memSvc
	}
	orch := orchestrator.New(eventBus, sessionMgr, agentLoop, recallClassifier, memRecaller, cfg.Orchestrator)

	channelsMgr := channels.NewManager(channelRouter)

	srv := gateway.NewServer(cfg, eventBus, orch, sessionMgr, toolsReg)
	methods := gateway.NewMethods(cfg, cfgPath, orch, sessionMgr, toolsReg, mcpMgr, channelsMgr, memSvc, pluginMgr)
	gateway.RegisterMethods(srv, methods)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := channelsMgr.StartAll(ctx); err != nil {
		slog.Warn("gateway.channels_start_failed", "error", err)
	}

	go bridgeInboundToAgent(ctx, channelRouter, orch)

	watcher, err := config.NewWatcher(cfgPath, func(fresh *config.Config) {
		cfg.ReplaceFrom(fresh)
		eventBus.Emit(bus.EventConfigReloaded, map[string]interface{}{"path": cfgPath})
		if reloadErr := mcpMgr.Reload(mcpCtx, cfg.Tools.McpServers); reloadErr != nil {
			slog.Warn("gateway.mcp_reload_failed", "error", reloadErr)
		}
	})
	if err != nil {
		slog.Warn("gateway.config_watch_failed", "error", err)
	} else {
		go watcher.Run(ctx)
	}

	if memSvc != nil {
		go runMemoryMaintenanceSweep(ctx, memSvc, time.Duration(cfg.Memory.DecayIntervalS)*time.Second)
	}

	slog.Info("gateway.starting", "host", cfg.Gateway.Host, "port", cfg.Gateway.Port)
	if err := srv.Start(ctx); err != nil {
		slog.Error("gateway.server_failed", "error", err)
		os.Exit(1)
	}

	if err := channelsMgr.StopAll(context.Background()); err != nil {
		slog.Warn("gateway.channels_stop_failed", "error", err)
	}
	slog.Info("gateway.stopped")
}

// bridgeInboundToAgent drains the ChannelRouter's inbound queue and submits
// each message to the Orchestrator, then relays the completed turn back as
// an OutboundMessage (§2 SYSTEM OVERVIEW). No concrete channel adapter
// publishes onto this router in this deployment, but the bridge keeps the
// channel.message → orchestrator → outbound path wired and ready for one.
func bridgeInboundToAgent(ctx context.Context, router *bus.ChannelRouter, orch *orchestrator.Orchestrator) {
	for {
		msg, ok := router.ConsumeInbound(ctx)
		if !ok {
			return
		}

		sessionKey := orchestrator.SessionKeyFor(msg.Channel, msg.SenderID)
		req := agent.RunRequest{
			SessionKey:   sessionKey,
			Message:      msg.Content,
			Media:        msg.Media,
			Channel:      msg.Channel,
			ChatID:       msg.ChatID,
			PeerKind:     msg.PeerKind,
			RunID:        sessionKey + ":" + time.Now().Format("150405.000000000"),
			UserID:       msg.UserID,
			HistoryLimit: msg.HistoryLimit,
		}

		out := orch.Submit(ctx, req)
		go func(channel, chatID string) {
			res := <-out
			if res.Err != nil || res.NeedsConfirmation != nil || res.Result == nil {
				return
			}
			router.PublishOutbound(bus.OutboundMessage{
				Channel: channel,
				ChatID:  chatID,
				Content: res.Result.Content,
			})
		}(msg.Channel, msg.ChatID)
	}
}

// registerLocalTools wires every non-browser local tool implementation
// (§4.5 dispatch backend 1) into reg. Browser tools are registered
// separately by tools.RegisterBrowserTools since they share one headless
// session that needs its own teardown.
func registerLocalTools(reg *tools.Registry, workspace string) {
	const restrictToWorkspace = true

	reg.Register(tools.NewReadFileTool(workspace, restrictToWorkspace))
	reg.Register(tools.NewWriteFileTool(workspace, restrictToWorkspace))
	reg.Register(tools.NewDeleteFileTool(workspace, restrictToWorkspace))
	reg.Register(tools.NewMoveFileTool(workspace, restrictToWorkspace))
	reg.Register(tools.NewReplaceInFileTool(workspace, restrictToWorkspace))

	reg.Register(tools.NewExecTool(workspace, restrictToWorkspace))
	reg.Register(tools.NewRunScriptTool(workspace, restrictToWorkspace))

	reg.Register(tools.NewComputerControlTool())
}

// resolveWorkspace returns the directory tools are sandboxed under.
// GATEWAYCORE_WORKSPACE overrides the default (the process's working
// directory), matching the GATEWAYCORE_* env convention config_load.go uses.
func resolveWorkspace() string {
	if v := os.Getenv("GATEWAYCORE_WORKSPACE"); v != "" {
		return v
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// buildMemoryService constructs the Memory Service (§4.4) when memory is
// enabled and a Neo4j URI is configured. A connection failure or disabled
// config degrades to (nil, nil) rather than failing startup — every
// memory.* caller already treats a nil service as memory_unavailable.
func buildMemoryService(b *bus.Bus, provider providers.Provider, cfg config.MemoryConfig) (*memory.Service, *memory.Classifier) {
	enabled := cfg.Enabled == nil || *cfg.Enabled
	if !enabled || cfg.Neo4jURI == "" {
		slog.Info("gateway.memory_disabled")
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := memory.NewStore(ctx, cfg.Neo4jURI, cfg.Neo4jUsername, cfg.Neo4jPassword, cfg.Neo4jDatabase)
	if err != nil {
		slog.Warn("gateway.memory_store_unreachable", "error", err)
		return nil, nil
	}

	classifier := memory.NewClassifier(provider, cfg.ClassifierModel)
	svc := memory.NewService(b, store, classifier, provider, nil, cfg)
	return svc, classifier
}

// runMemoryMaintenanceSweep runs the wall-clock-driven maintenance rows
// (time decay) on a ticker until ctx is cancelled. interval falls back to
// the decay default if unset.
func runMemoryMaintenanceSweep(ctx context.Context, svc *memory.Service, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.RunMaintenanceSweep(ctx)
		}
	}
}

func checkPostgresSchemaOrWarn(dsn string) {
	if dsn == "" {
		slog.Warn("gateway.postgres_dsn_missing", "hint", "set GATEWAYCORE_POSTGRES_DSN")
		return
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		slog.Warn("gateway.postgres_open_failed", "error", err)
		return
	}
	defer db.Close()

	status, err := upgrade.CheckSchema(db)
	if err != nil {
		slog.Warn("gateway.schema_check_failed", "error", err)
		return
	}
	if !status.Compatible {
		slog.Error("gateway.schema_incompatible", "current", status.CurrentVersion, "required", status.RequiredVersion, "hint", upgrade.FormatError(status))
		os.Exit(1)
	}
}
