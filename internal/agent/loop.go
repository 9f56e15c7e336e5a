package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nextlevelbuilder/gatewaycore/internal/config"
	"github.com/nextlevelbuilder/gatewaycore/internal/providers"
	"github.com/nextlevelbuilder/gatewaycore/internal/sessions"
	"github.com/nextlevelbuilder/gatewaycore/internal/tools"
	"github.com/nextlevelbuilder/gatewaycore/pkg/protocol"
)

// Loop is the agent execution loop for one agent instance.
// Think → Act → Observe cycle with batch tool execution (§4.3/§4.5).
type Loop struct {
	id            string
	provider      providers.Provider
	model         string
	contextWindow int
	maxIterations int
	workspace     string

	sessions        *sessions.Manager
	tools           *tools.Registry
	toolPolicy      *tools.PolicyEngine    // optional: filters tools sent to LLM
	agentToolPolicy *config.ToolPolicySpec // per-agent tool policy (nil = no restrictions)
	activeRuns      atomic.Int32           // number of currently executing runs

	// Per-session summarization lock: prevents concurrent summarize goroutines for the same session.
	summarizeMu sync.Map // sessionKey → *sync.Mutex

	// Compaction thresholds, sourced from config.SessionsConfig.
	compaction CompactionSettings

	// Event callback for broadcasting agent events (run.started, chunk, tool.call, etc.)
	onEvent func(event AgentEvent)

	maxMessageChars int    // 0 = use default (32000)
	thinkingLevel   string // "off", "low", "medium", "high"
}

// CompactionSettings bounds when maybeSummarize compacts a session's history.
type CompactionSettings struct {
	HistoryShare     float64 // fraction of context window that triggers summarization
	MinMessages      int     // minimum history length before compaction considers firing
	KeepLastMessages int     // messages kept verbatim after a compaction pass
}

// AgentEvent is emitted during agent execution for WS broadcasting.
type AgentEvent struct {
	Type    string      `json:"type"`    // "run.started", "run.completed", "run.failed", "chunk", "tool.call", "tool.result"
	AgentID string      `json:"agentId"`
	RunID   string      `json:"runId"`
	Payload interface{} `json:"payload,omitempty"`
}

// LoopConfig configures a new Loop.
type LoopConfig struct {
	ID            string
	Provider      providers.Provider
	Model         string
	ContextWindow int
	MaxIterations int
	Workspace     string

	Sessions        *sessions.Manager
	Tools           *tools.Registry
	ToolPolicy      *tools.PolicyEngine
	AgentToolPolicy *config.ToolPolicySpec
	OnEvent         func(AgentEvent)

	Compaction CompactionSettings

	MaxMessageChars int
	ThinkingLevel   string
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 20
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 200000
	}
	if cfg.Compaction.HistoryShare <= 0 {
		cfg.Compaction.HistoryShare = 0.75
	}
	if cfg.Compaction.MinMessages <= 0 {
		cfg.Compaction.MinMessages = 50
	}
	if cfg.Compaction.KeepLastMessages <= 0 {
		cfg.Compaction.KeepLastMessages = 4
	}

	return &Loop{
		id:              cfg.ID,
		provider:        cfg.Provider,
		model:           cfg.Model,
		contextWindow:   cfg.ContextWindow,
		maxIterations:   cfg.MaxIterations,
		workspace:       cfg.Workspace,
		sessions:        cfg.Sessions,
		tools:           cfg.Tools,
		toolPolicy:      cfg.ToolPolicy,
		agentToolPolicy: cfg.AgentToolPolicy,
		onEvent:         cfg.OnEvent,
		compaction:      cfg.Compaction,
		maxMessageChars: cfg.MaxMessageChars,
		thinkingLevel:   cfg.ThinkingLevel,
	}
}

// RunRequest is the input for processing a message through the agent.
type RunRequest struct {
	SessionKey        string   // composite key: {channel}_{sender} (orchestrator.SessionKeyFor)
	Message           string   // user message (or a synthetic continuation after HITL approval)
	Media             []string // local file paths to images (already sanitized)
	Channel           string   // source channel
	ChatID            string   // source chat ID
	PeerKind          string   // "direct" or "group" (for tool context)
	RunID             string   // unique run identifier
	UserID            string   // external user ID for multi-tenant scoping
	Stream            bool     // whether to stream response chunks
	ExtraSystemPrompt string   // optional: injected into system prompt (e.g. recalled memory)
	HistoryLimit      int      // max user turns to keep in context (0=unlimited)

	// ApprovedCallIDs carries the caller-supplied `approved_call_ids` when
	// this run is resuming a HITL-parked batch (§4.5 point 4). Nil on a
	// fresh message.
	ApprovedCallIDs map[string]bool
}

// RunResult is the output of a completed agent run.
type RunResult struct {
	Content    string           `json:"content"`
	RunID      string           `json:"runId"`
	Iterations int              `json:"iterations"`
	Usage      *providers.Usage `json:"usage,omitempty"`
	Media      []MediaResult    `json:"media,omitempty"` // media files from tool results (MEDIA: prefix)
}

// MediaResult represents a media file produced by a tool during the agent run.
type MediaResult struct {
	Path        string `json:"path"`                    // local file path
	ContentType string `json:"content_type,omitempty"`  // MIME type
	AsVoice     bool   `json:"as_voice,omitempty"`       // send as voice message (Telegram OGG)
}

// Run processes a single message through the agent loop.
// It blocks until completion and returns the final response. The
// orchestrator owns turn message persistence (BeginTurn/CommitTurn) — Run
// never appends the user/assistant turn messages to the session itself.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	l.activeRuns.Add(1)
	defer l.activeRuns.Add(-1)

	ctx, span := tracer.Start(ctx, "agent.run")
	defer span.End()

	l.emit(AgentEvent{Type: protocol.AgentEventRunStarted, AgentID: l.id, RunID: req.RunID})

	result, err := l.runLoop(ctx, req)

	l.emitAgentSpan(ctx, result, err)

	if err != nil {
		l.emit(AgentEvent{
			Type:    protocol.AgentEventRunFailed,
			AgentID: l.id,
			RunID:   req.RunID,
			Payload: map[string]string{"error": err.Error()},
		})
		return nil, err
	}

	l.emit(AgentEvent{Type: protocol.AgentEventRunCompleted, AgentID: l.id, RunID: req.RunID})
	return result, nil
}

// buildExecContext sets up per-user workspace isolation and tool-facing
// context values, returning the enriched ctx plus the matching ExecContext
// for the registry.
func (l *Loop) buildExecContext(ctx context.Context, req RunRequest) (context.Context, tools.ExecContext) {
	if l.workspace != "" {
		effectiveWorkspace := l.workspace
		if req.UserID != "" {
			effectiveWorkspace = filepath.Join(l.workspace, sanitizePathSegment(req.UserID))
			if err := os.MkdirAll(effectiveWorkspace, 0755); err != nil {
				slog.Warn("failed to create user workspace directory", "workspace", effectiveWorkspace, "user", req.UserID, "error", err)
			}
		}
		ctx = tools.WithToolWorkspace(ctx, effectiveWorkspace)
	}
	if req.Channel != "" {
		ctx = tools.WithToolChannel(ctx, req.Channel)
	}
	if req.ChatID != "" {
		ctx = tools.WithToolChatID(ctx, req.ChatID)
	}
	if req.PeerKind != "" {
		ctx = tools.WithToolPeerKind(ctx, req.PeerKind)
	}

	ec := tools.ExecContext{
		SessionKey: req.SessionKey,
		UserID:     req.UserID,
		Channel:    req.Channel,
		ChatID:     req.ChatID,
		PeerKind:   req.PeerKind,
		Workspace:  tools.ToolWorkspaceFromCtx(ctx),
	}
	return ctx, ec
}

// ResumeConfirmation executes a previously-parked tool batch once HITL
// approval merges the approved IDs in, then feeds the results back as a
// synthetic user message and runs one more turn so the conversation
// continues as if the user had replied (§4.5 point 5). The original batch
// (from the parked PendingConfirmation) is replayed as-is rather than
// re-querying the LLM for a fresh set of tool calls, so approval always
// executes exactly the calls the operator reviewed.
func (l *Loop) ResumeConfirmation(ctx context.Context, req RunRequest, pendingCalls []sessions.ToolCallRef, approvedCallIDs map[string]bool) (*RunResult, error) {
	ctx, span := tracer.Start(ctx, "agent.resume_confirmation")
	defer span.End()

	ctx, ec := l.buildExecContext(ctx, req)

	outcome := l.tools.ExecuteBatch(ctx, pendingCalls, ec, approvedCallIDs, nil)
	if outcome.Confirmation != nil {
		// A different HIGH-risk call in the same batch is still unapproved
		// (or chained into a fresh one) — park again.
		return nil, fmt.Errorf("tool call requires confirmation: %w", outcome.Confirmation)
	}

	req.Message = tools.ConfirmedContinuationMessage(outcome.Results)
	req.ApprovedCallIDs = nil
	return l.runLoop(ctx, req)
}

func (l *Loop) runLoop(ctx context.Context, req RunRequest) (*RunResult, error) {
	ctx, ec := l.buildExecContext(ctx, req)

	// Cache agent's context window on the session (first run only).
	if l.sessions.GetContextWindow(req.SessionKey) <= 0 {
		l.sessions.SetContextWindow(req.SessionKey, l.contextWindow)
	}

	// Truncate oversized user messages gracefully (feed truncation notice into LLM).
	maxChars := l.maxMessageChars
	if maxChars <= 0 {
		maxChars = 32_000
	}
	if len(req.Message) > maxChars {
		originalLen := len(req.Message)
		req.Message = req.Message[:maxChars] +
			fmt.Sprintf("\n\n[System: Message was truncated from %d to %d characters due to size limit. "+
				"Please ask the user to send shorter messages or use the read_file tool for large content.]",
				originalLen, maxChars)
		slog.Warn("security.message_truncated",
			"agent", l.id, "user", req.UserID,
			"original_len", originalLen, "truncated_to", maxChars,
		)
	}

	// 1. Build messages from session history.
	history := l.sessions.GetHistory(req.SessionKey)
	summary := l.sessions.GetSummary(req.SessionKey)

	messages := l.buildMessages(history, summary, req.Message, req.ExtraSystemPrompt, req.Channel, req.HistoryLimit)

	// 2. Attach vision images to the current user message (last in messages slice).
	// Images are only attached to the live request, NOT persisted in session history.
	if len(req.Media) > 0 {
		if images := loadImages(req.Media); len(images) > 0 {
			messages[len(messages)-1].Images = images
			slog.Info("vision: attached images to user message", "count", len(images), "agent", l.id, "session", req.SessionKey)
		}
		for _, p := range req.Media {
			if err := os.Remove(p); err != nil {
				slog.Debug("vision: failed to clean temp media file", "path", p, "error", err)
			}
		}
	}

	// 3. Run LLM iteration loop.
	var loopDetector toolLoopState // detects repeated no-progress tool calls
	var totalUsage providers.Usage
	iteration := 0
	var finalContent string
	var mediaResults []MediaResult // media files from tool MEDIA: results

	ctx = providers.WithRetryHook(ctx, func(attempt, maxAttempts int, err error) {
		l.emit(AgentEvent{
			Type:    protocol.AgentEventRunRetrying,
			AgentID: l.id,
			RunID:   req.RunID,
			Payload: map[string]string{
				"attempt":     fmt.Sprintf("%d", attempt),
				"maxAttempts": fmt.Sprintf("%d", maxAttempts),
				"error":       err.Error(),
			},
		})
	})

	for iteration < l.maxIterations {
		iteration++

		slog.Debug("agent iteration", "agent", l.id, "iteration", iteration, "messages", len(messages))

		var toolDefs []providers.ToolDefinition
		if l.toolPolicy != nil {
			toolDefs = l.toolPolicy.FilterTools(l.tools, l.id, l.provider.Name(), l.agentToolPolicy, nil)
		} else {
			toolDefs = l.tools.ProviderDefs()
		}

		chatReq := providers.ChatRequest{
			Messages: messages,
			Tools:    toolDefs,
			Model:    l.model,
			Options: map[string]interface{}{
				providers.OptMaxTokens:   8192,
				providers.OptTemperature: 0.7,
			},
		}
		if l.thinkingLevel != "" && l.thinkingLevel != "off" {
			if tc, ok := l.provider.(providers.ThinkingCapable); ok && tc.SupportsThinking() {
				chatReq.Options[providers.OptThinkingLevel] = l.thinkingLevel
			} else {
				slog.Debug("thinking_level ignored: provider does not support thinking",
					"provider", l.provider.Name(), "level", l.thinkingLevel)
			}
		}

		var resp *providers.ChatResponse
		var err error

		if req.Stream {
			resp, err = l.provider.ChatStream(ctx, chatReq, func(chunk providers.StreamChunk) {
				if chunk.Thinking != "" {
					l.emit(AgentEvent{
						Type:    protocol.ChatEventThinking,
						AgentID: l.id,
						RunID:   req.RunID,
						Payload: map[string]string{"content": chunk.Thinking},
					})
				}
				if chunk.Content != "" {
					l.emit(AgentEvent{
						Type:    protocol.ChatEventChunk,
						AgentID: l.id,
						RunID:   req.RunID,
						Payload: map[string]string{"content": chunk.Content},
					})
				}
			})
		} else {
			resp, err = l.provider.Chat(ctx, chatReq)
		}

		if err != nil {
			l.emitLLMSpan(ctx, iteration, messages, nil, err)
			return nil, fmt.Errorf("LLM call failed (iteration %d): %w", iteration, err)
		}

		l.emitLLMSpan(ctx, iteration, messages, resp, nil)

		if resp.Usage != nil {
			totalUsage.PromptTokens += resp.Usage.PromptTokens
			totalUsage.CompletionTokens += resp.Usage.CompletionTokens
			totalUsage.TotalTokens += resp.Usage.TotalTokens
			totalUsage.ThinkingTokens += resp.Usage.ThinkingTokens
		}

		// No tool calls → done.
		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			break
		}

		assistantMsg := providers.Message{
			Role:                "assistant",
			Content:             resp.Content,
			ToolCalls:           resp.ToolCalls,
			RawAssistantContent: resp.RawAssistantContent, // preserve thinking blocks for Anthropic passback
		}
		messages = append(messages, assistantMsg)

		calls := make([]sessions.ToolCallRef, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			calls[i] = sessions.ToolCallRef{ID: tc.ID, Name: tc.Name, Args: tc.Arguments}
			l.emit(AgentEvent{
				Type:    protocol.AgentEventToolCall,
				AgentID: l.id,
				RunID:   req.RunID,
				Payload: map[string]interface{}{"name": tc.Name, "id": tc.ID},
			})
		}

		outcome := l.tools.ExecuteBatch(ctx, calls, ec, req.ApprovedCallIDs, nil)
		if outcome.Confirmation != nil {
			// Park: the orchestrator persists this on the session and
			// surfaces it to the caller; Run returns the confirmation
			// wrapped as an error so callers that only check `err` still
			// see a clear failure.
			return nil, fmt.Errorf("tool call requires confirmation: %w", outcome.Confirmation)
		}
		// A confirmation is only honored once: clear it so a later HIGH
		// call in a *different* turn parks again instead of auto-approving.
		req.ApprovedCallIDs = nil

		for i, result := range outcome.Results {
			tc := resp.ToolCalls[i]
			argsJSON, _ := json.Marshal(tc.Arguments)
			slog.Info("tool call", "agent", l.id, "tool", tc.Name, "args_len", len(argsJSON))

			argsHash := loopDetector.record(tc.Name, tc.Arguments)
			l.emitToolSpan(ctx, tc.Name, tc.ID, string(argsJSON), result)
			loopDetector.recordResult(argsHash, result.ForLLM)

			if result.IsError {
				errMsg := result.ForLLM
				if len(errMsg) > 200 {
					errMsg = errMsg[:200] + "..."
				}
				slog.Warn("tool error", "agent", l.id, "tool", tc.Name, "error", errMsg)
			}

			l.emit(AgentEvent{
				Type:    protocol.AgentEventToolResult,
				AgentID: l.id,
				RunID:   req.RunID,
				Payload: map[string]interface{}{
					"name":     tc.Name,
					"id":       tc.ID,
					"is_error": result.IsError,
				},
			})

			if mr := parseMediaResult(result.ForLLM); mr != nil {
				mediaResults = append(mediaResults, *mr)
			}

			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    result.ForLLM,
				ToolCallID: tc.ID,
			})

			if level, msg := loopDetector.detect(tc.Name, argsHash); level != "" {
				if level == "critical" {
					slog.Warn("tool loop critical", "agent", l.id, "tool", tc.Name, "message", msg)
					finalContent = "I was unable to complete this task — I got stuck repeatedly calling " + tc.Name + " without making progress. Please try rephrasing your request."
					break
				}
				slog.Warn("tool loop warning", "agent", l.id, "tool", tc.Name, "message", msg)
				messages = append(messages, providers.Message{Role: "user", Content: msg})
			}
		}
		if finalContent != "" {
			break
		}
	}

	finalContent = SanitizeAssistantContent(finalContent)
	isSilent := IsSilentReply(finalContent)
	if finalContent == "" {
		finalContent = "..."
	}

	l.sessions.UpdateMetadata(req.SessionKey, l.model, l.provider.Name(), req.Channel)
	l.sessions.AccumulateTokens(req.SessionKey, int64(totalUsage.PromptTokens), int64(totalUsage.CompletionTokens))

	if totalUsage.PromptTokens > 0 {
		msgCount := len(history) + 2
		l.sessions.SetLastPromptTokens(req.SessionKey, totalUsage.PromptTokens, msgCount)
	}

	if isSilent {
		slog.Info("agent loop: NO_REPLY detected, suppressing delivery",
			"agent", l.id, "session", req.SessionKey)
		finalContent = ""
	}

	l.maybeSummarize(ctx, req.SessionKey)

	return &RunResult{
		Content:    finalContent,
		RunID:      req.RunID,
		Iterations: iteration,
		Usage:      &totalUsage,
		Media:      mediaResults,
	}, nil
}

// parseMediaResult extracts a MediaResult from a tool result string containing "MEDIA:" prefix.
// Handles formats: "MEDIA:/path/to/file" and "[[audio_as_voice]]\nMEDIA:/path/to/file".
// Returns nil if no MEDIA: prefix is found.
func parseMediaResult(toolOutput string) *MediaResult {
	s := toolOutput
	asVoice := false

	if strings.Contains(s, "[[audio_as_voice]]") {
		asVoice = true
		s = strings.ReplaceAll(s, "[[audio_as_voice]]", "")
		s = strings.TrimSpace(s)
	}

	idx := strings.Index(s, "MEDIA:")
	if idx < 0 {
		return nil
	}
	path := strings.TrimSpace(s[idx+6:])
	if path == "" {
		return nil
	}
	if nl := strings.IndexByte(path, '\n'); nl >= 0 {
		path = strings.TrimSpace(path[:nl])
	}

	return &MediaResult{
		Path:        path,
		ContentType: mimeFromExt(filepath.Ext(path)),
		AsVoice:     asVoice,
	}
}

// mimeFromExt returns a MIME type for common media file extensions.
func mimeFromExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

// sanitizePathSegment makes a userID safe for use as a directory name.
// Replaces colons, spaces, and other unsafe chars with underscores.
func sanitizePathSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
