package protocol

// Server-initiated event names. This mirrors the bus package's closed
// EventType set one-to-one — the protocol layer forwards every Bus event
// to authenticated connections as an `event` frame carrying seq+timestamp.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"

	EventChannelMessage = "channel.message"

	EventConversationStart    = "conversation.start"
	EventConversationComplete = "conversation.complete"
	EventConversationError    = "conversation.error"

	EventInteractionCompleted = "interaction.completed"

	EventMemorySaved      = "memory.saved"
	EventMemoryRecalled   = "memory.recalled"
	EventMemoryClustered  = "memory.clustered"
	EventMemorySummarized = "memory.summarized"

	EventToolCallStart  = "tool.call.start"
	EventToolCallResult = "tool.call.result"
	EventToolCallError  = "tool.call.error"

	EventConfigChanged  = "config.changed"
	EventConfigReloaded = "config.reloaded"

	EventHeartbeat    = "heartbeat"
	EventHealthUpdate = "health.update"

	EventAgentStart    = "agent.start"
	EventAgentStream   = "agent.stream"
	EventAgentComplete = "agent.complete"
	EventAgentError    = "agent.error"
)

// Agent lifecycle subtypes carried in agent.* event payloads, used by the
// Conversation Orchestrator to report run progress and by channel adapters
// to drive streaming/reaction UI.
const (
	AgentEventRunStarted   = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
	AgentEventRunRetrying  = "run.retrying"
	AgentEventToolCall     = "tool.call"
	AgentEventToolResult   = "tool.result"
)

// Chat event subtypes, carried in agent.stream event payloads.
const (
	ChatEventChunk    = "chunk"
	ChatEventMessage  = "message"
	ChatEventThinking = "thinking"
)
