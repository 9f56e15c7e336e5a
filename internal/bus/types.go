// Package bus implements the Gateway's in-process event bus: a typed
// publish/subscribe spine with bounded history that every other service
// communicates through instead of calling each other directly.
package bus

import "context"

// EventType is a member of the closed set of event names the bus accepts.
// Emitting an EventType outside this set is a programmer error (panics in
// Emit) rather than a silently-accepted free-form string, matching the
// "closed set of event types" invariant.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"

	EventChannelMessage EventType = "channel.message"

	EventConversationStart    EventType = "conversation.start"
	EventConversationComplete EventType = "conversation.complete"
	EventConversationError    EventType = "conversation.error"

	EventInteractionCompleted EventType = "interaction.completed"

	EventMemorySaved      EventType = "memory.saved"
	EventMemoryRecalled   EventType = "memory.recalled"
	EventMemoryClustered  EventType = "memory.clustered"
	EventMemorySummarized EventType = "memory.summarized"

	EventToolCallStart  EventType = "tool.call.start"
	EventToolCallResult EventType = "tool.call.result"
	EventToolCallError  EventType = "tool.call.error"

	EventConfigChanged  EventType = "config.changed"
	EventConfigReloaded EventType = "config.reloaded"

	EventHeartbeat   EventType = "heartbeat"
	EventHealthUpdate EventType = "health.update"

	EventAgentStart    EventType = "agent.start"
	EventAgentStream   EventType = "agent.stream"
	EventAgentComplete EventType = "agent.complete"
	EventAgentError    EventType = "agent.error"
)

// closedEventTypes is the membership set backing IsValid.
var closedEventTypes = map[EventType]struct{}{
	EventConnected: {}, EventDisconnected: {},
	EventChannelMessage:       {},
	EventConversationStart:    {},
	EventConversationComplete: {},
	EventConversationError:    {},
	EventInteractionCompleted: {},
	EventMemorySaved:          {},
	EventMemoryRecalled:       {},
	EventMemoryClustered:      {},
	EventMemorySummarized:     {},
	EventToolCallStart:        {},
	EventToolCallResult:       {},
	EventToolCallError:        {},
	EventConfigChanged:        {},
	EventConfigReloaded:       {},
	EventHeartbeat:            {},
	EventHealthUpdate:         {},
	EventAgentStart:           {},
	EventAgentStream:          {},
	EventAgentComplete:        {},
	EventAgentError:           {},
}

// IsValid reports whether t belongs to the closed event-type set.
func (t EventType) IsValid() bool {
	_, ok := closedEventTypes[t]
	return ok
}

// InboundMessage represents a message received from a channel (web UI,
// enterprise IM platform, webhook). It is carried as the payload of a
// channel.message event.
type InboundMessage struct {
	Channel      string            `json:"channel"`
	SenderID     string            `json:"sender_id"`
	ChatID       string            `json:"chat_id"`
	Content      string            `json:"content"`
	Media        []string          `json:"media,omitempty"`
	PeerKind     string            `json:"peer_kind,omitempty"` // "direct" or "group" — feeds session key + concurrency class
	UserID       string            `json:"user_id,omitempty"`   // normalized user id for per-user scoping (memory, sessions)
	HistoryLimit int               `json:"history_limit,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	AgentID      string            `json:"agent_id,omitempty"` // explicit agent set by the originating channel; empty = the default agent
}

// OutboundMessage represents a reply to be dispatched back to a channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []MediaAttachment `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MediaAttachment is a media file accompanying an outbound message.
type MediaAttachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// MessageRouter abstracts inbound/outbound channel-message plumbing,
// layered on top of the Bus's channel.message event type. Channel adapters
// (external, out of scope) and the Conversation Orchestrator depend on this
// interface rather than the concrete Bus.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
