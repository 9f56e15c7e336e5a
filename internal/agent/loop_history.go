package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/gatewaycore/internal/providers"
)

// buildMessages constructs the full message list for an LLM request: system
// prompt, optional summary of older history, the (already turn-limited and
// pairing-repaired) history, and the current user message.
func (l *Loop) buildMessages(history []providers.Message, summary, userMessage, extraSystemPrompt, channel string, historyLimit int) []providers.Message {
	var messages []providers.Message

	systemPrompt := BuildSystemPrompt(SystemPromptConfig{
		AgentID:     l.id,
		Model:       l.model,
		Workspace:   l.workspace,
		Channel:     channel,
		ToolNames:   l.tools.List(),
		ExtraPrompt: extraSystemPrompt,
	})

	messages = append(messages, providers.Message{
		Role:    "system",
		Content: systemPrompt,
	})

	if summary != "" {
		messages = append(messages, providers.Message{
			Role:    "user",
			Content: fmt.Sprintf("[Previous conversation summary]\n%s", summary),
		})
		messages = append(messages, providers.Message{
			Role:    "assistant",
			Content: "I understand the context from our previous conversation. How can I help you?",
		})
	}

	trimmed := limitHistoryTurns(history, historyLimit)
	messages = append(messages, sanitizeHistory(trimmed)...)

	messages = append(messages, providers.Message{
		Role:    "user",
		Content: userMessage,
	})

	return messages
}

// SystemPromptConfig parameterizes BuildSystemPrompt.
type SystemPromptConfig struct {
	AgentID     string
	Model       string
	Workspace   string
	Channel     string
	ToolNames   []string
	ExtraPrompt string
}

// BuildSystemPrompt composes the agent's system prompt: identity, workspace,
// available tools, and any extra context injected by the caller (recalled
// memory, subagent framing, etc. — §4.3/§4.4).
func BuildSystemPrompt(cfg SystemPromptConfig) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s, a conversational AI agent operating over the %s channel.\n", cfg.AgentID, orDefault(cfg.Channel, "default"))
	b.WriteString("Respond helpfully and concisely. Use the available tools when they let you answer more accurately than guessing.\n")

	if cfg.Workspace != "" {
		fmt.Fprintf(&b, "\nYour workspace directory is %s. File tools are scoped to this directory.\n", cfg.Workspace)
	}

	if len(cfg.ToolNames) > 0 {
		b.WriteString("\nAvailable tools:\n")
		for _, name := range cfg.ToolNames {
			fmt.Fprintf(&b, "- %s\n", name)
		}
	}

	if cfg.ExtraPrompt != "" {
		b.WriteString("\n")
		b.WriteString(cfg.ExtraPrompt)
		b.WriteString("\n")
	}

	b.WriteString("\nIf you have nothing useful to say, reply with exactly NO_REPLY and nothing else.\n")

	return b.String()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// limitHistoryTurns keeps only the last N user turns (and their associated
// assistant/tool messages) from history. A "turn" = one user message plus
// all subsequent non-user messages until the next user message.
func limitHistoryTurns(msgs []providers.Message, limit int) []providers.Message {
	if limit <= 0 || len(msgs) == 0 {
		return msgs
	}

	userCount := 0
	lastUserIndex := len(msgs)

	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			userCount++
			if userCount > limit {
				return msgs[lastUserIndex:]
			}
			lastUserIndex = i
		}
	}

	return msgs
}

// sanitizeHistory repairs tool_use/tool_result pairing in session history.
//
// Problems this fixes:
//   - Orphaned tool messages at start of history (after truncation)
//   - tool_result without matching tool_use in preceding assistant message
//   - assistant with tool_calls but missing tool_results
func sanitizeHistory(msgs []providers.Message) []providers.Message {
	if len(msgs) == 0 {
		return msgs
	}

	start := 0
	for start < len(msgs) && msgs[start].Role == "tool" {
		slog.Warn("dropping orphaned tool message at history start",
			"tool_call_id", msgs[start].ToolCallID)
		start++
	}

	if start >= len(msgs) {
		return nil
	}

	var result []providers.Message
	for i := start; i < len(msgs); i++ {
		msg := msgs[i]

		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			expectedIDs := make(map[string]bool, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				expectedIDs[tc.ID] = true
			}

			result = append(result, msg)

			for i+1 < len(msgs) && msgs[i+1].Role == "tool" {
				i++
				toolMsg := msgs[i]
				if expectedIDs[toolMsg.ToolCallID] {
					result = append(result, toolMsg)
					delete(expectedIDs, toolMsg.ToolCallID)
				} else {
					slog.Warn("dropping mismatched tool result",
						"tool_call_id", toolMsg.ToolCallID)
				}
			}

			for id := range expectedIDs {
				slog.Warn("synthesizing missing tool result", "tool_call_id", id)
				result = append(result, providers.Message{
					Role:       "tool",
					Content:    "[Tool result missing — session was compacted]",
					ToolCallID: id,
				})
			}
		} else if msg.Role == "tool" {
			slog.Warn("dropping orphaned tool message mid-history",
				"tool_call_id", msg.ToolCallID)
		} else {
			result = append(result, msg)
		}
	}

	return result
}

// maybeSummarize compacts a session's history into a running summary once it
// crosses the configured history-share/message-count thresholds (§4.6).
func (l *Loop) maybeSummarize(ctx context.Context, sessionKey string) {
	history := l.sessions.GetHistory(sessionKey)

	lastPT, lastMC := l.sessions.GetLastPromptTokens(sessionKey)
	tokenEstimate := estimateTokensWithCalibration(history, lastPT, lastMC)

	threshold := int(float64(l.contextWindow) * l.compaction.HistoryShare)
	if len(history) <= l.compaction.MinMessages && tokenEstimate <= threshold {
		return
	}

	// Per-session lock: prevent concurrent summarize goroutines for the same
	// session. TryLock is non-blocking — if another run is already
	// summarizing, skip; the next run re-triggers if still needed.
	muI, _ := l.summarizeMu.LoadOrStore(sessionKey, &sync.Mutex{})
	sessionMu := muI.(*sync.Mutex)
	if !sessionMu.TryLock() {
		slog.Debug("summarization already in progress, skipping", "session", sessionKey)
		return
	}

	keepLast := l.compaction.KeepLastMessages

	go func() {
		defer sessionMu.Unlock()

		history := l.sessions.GetHistory(sessionKey)
		if len(history) <= keepLast {
			return
		}

		sctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		summary := l.sessions.GetSummary(sessionKey)
		toSummarize := history[:len(history)-keepLast]

		var sb strings.Builder
		for _, m := range toSummarize {
			if m.Role == "user" {
				fmt.Fprintf(&sb, "user: %s\n", m.Content)
			} else if m.Role == "assistant" {
				fmt.Fprintf(&sb, "assistant: %s\n", SanitizeAssistantContent(m.Content))
			}
		}

		prompt := "Provide a concise summary of this conversation, preserving key context:\n"
		if summary != "" {
			prompt += "Existing context: " + summary + "\n"
		}
		prompt += "\n" + sb.String()

		resp, err := l.provider.Chat(sctx, providers.ChatRequest{
			Messages: []providers.Message{{Role: "user", Content: prompt}},
			Model:    l.model,
			Options:  map[string]interface{}{providers.OptMaxTokens: 1024, providers.OptTemperature: 0.3},
		})
		if err != nil {
			slog.Warn("summarization failed", "session", sessionKey, "error", err)
			return
		}

		l.sessions.SetSummary(sessionKey, SanitizeAssistantContent(resp.Content))
		l.sessions.TruncateHistory(sessionKey, keepLast)
		l.sessions.IncrementCompaction(sessionKey)
		l.sessions.Save(sessionKey)
	}()
}

// estimateTokensWithCalibration uses the last measured (promptTokens,
// messageCount) pair from the provider to scale the cheap chars/3 estimate,
// which is far more accurate for multilingual content than a flat heuristic.
func estimateTokensWithCalibration(history []providers.Message, lastPromptTokens, lastMessageCount int) int {
	estimate := EstimateTokens(history)
	if lastPromptTokens <= 0 || lastMessageCount <= 0 || len(history) == 0 {
		return estimate
	}
	perMessage := float64(lastPromptTokens) / float64(lastMessageCount)
	calibrated := int(perMessage * float64(len(history)))
	if calibrated <= 0 {
		return estimate
	}
	return calibrated
}
