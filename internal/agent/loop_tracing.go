package agent

import (
	"context"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/gatewaycore/internal/providers"
	"github.com/nextlevelbuilder/gatewaycore/internal/tools"
)

var tracer = otel.Tracer("gatewaycore/agent")

func (l *Loop) emit(event AgentEvent) {
	if l.onEvent != nil {
		l.onEvent(event)
	}
}

// ID returns the agent's identifier.
func (l *Loop) ID() string { return l.id }

// Model returns the model identifier for this agent loop.
func (l *Loop) Model() string { return l.model }

// IsRunning returns whether the agent is currently processing.
func (l *Loop) IsRunning() bool { return l.activeRuns.Load() > 0 }

// emitLLMSpan records one provider call as an OTel span child of ctx's span.
func (l *Loop) emitLLMSpan(ctx context.Context, iteration int, messages []providers.Message, resp *providers.ChatResponse, callErr error) {
	_, span := tracer.Start(ctx, "llm.call", trace.WithAttributes(
		attribute.String("provider", l.provider.Name()),
		attribute.String("model", l.model),
		attribute.Int("iteration", iteration),
		attribute.Int("history_len", len(messages)),
	))
	defer span.End()

	if callErr != nil {
		span.SetStatus(codes.Error, callErr.Error())
		span.RecordError(callErr)
		return
	}
	if resp == nil {
		return
	}
	if resp.Usage != nil {
		span.SetAttributes(
			attribute.Int("tokens.prompt", resp.Usage.PromptTokens),
			attribute.Int("tokens.completion", resp.Usage.CompletionTokens),
			attribute.Int("tokens.cache_creation", resp.Usage.CacheCreationTokens),
			attribute.Int("tokens.cache_read", resp.Usage.CacheReadTokens),
		)
	}
	span.SetAttributes(
		attribute.String("finish_reason", resp.FinishReason),
		attribute.String("output.preview", truncateStr(resp.Content, 500)),
	)
}

// emitToolSpan records one tool execution as an OTel span.
func (l *Loop) emitToolSpan(ctx context.Context, toolName, toolCallID, input string, result *tools.Result) {
	_, span := tracer.Start(ctx, "tool.call", trace.WithAttributes(
		attribute.String("tool.name", toolName),
		attribute.String("tool.call_id", toolCallID),
		attribute.String("input.preview", truncateStr(input, 500)),
	))
	defer span.End()

	if result == nil {
		return
	}
	span.SetAttributes(attribute.String("output.preview", truncateStr(result.ForLLM, 500)))
	if result.IsError {
		span.SetStatus(codes.Error, truncateStr(result.ForLLM, 200))
	}
	if result.Usage != nil {
		span.SetAttributes(
			attribute.String("tool.provider", result.Provider),
			attribute.String("tool.model", result.Model),
			attribute.Int("tokens.prompt", result.Usage.PromptTokens),
			attribute.Int("tokens.completion", result.Usage.CompletionTokens),
		)
	}
}

// emitAgentSpan annotates the run's root span (already started by the caller
// via tracer.Start) with the final outcome.
func (l *Loop) emitAgentSpan(ctx context.Context, result *RunResult, runErr error) {
	span := trace.SpanFromContext(ctx)
	if runErr != nil {
		span.SetStatus(codes.Error, runErr.Error())
		span.RecordError(runErr)
		return
	}
	if result != nil {
		span.SetAttributes(attribute.String("output.preview", truncateStr(result.Content, 500)))
	}
}

func truncateStr(s string, maxLen int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}

// EstimateTokens returns a rough token estimate for a slice of messages.
// Used internally for summarization thresholds and externally for adaptive throttle.
func EstimateTokens(messages []providers.Message) int {
	total := 0
	for _, m := range messages {
		total += utf8.RuneCountInString(m.Content) / 3
	}
	return total
}
