package bus

import "context"

// ChannelRouter is the channel-backed MessageRouter implementation. Every
// PublishInbound also re-emits a channel.message event on the owning Bus so
// that Bus subscribers (metrics, memory listeners, connection fanout) see
// the same traffic the Conversation Orchestrator consumes.
type ChannelRouter struct {
	bus      *Bus
	inbound  chan InboundMessage
	outbound chan OutboundMessage
}

// NewChannelRouter builds a ChannelRouter with the given buffer depth per
// direction, publishing channel.message events on bus.
func NewChannelRouter(b *Bus, bufferSize int) *ChannelRouter {
	return &ChannelRouter{
		bus:      b,
		inbound:  make(chan InboundMessage, bufferSize),
		outbound: make(chan OutboundMessage, bufferSize),
	}
}

func (r *ChannelRouter) PublishInbound(msg InboundMessage) {
	r.bus.Emit(EventChannelMessage, msg)
	select {
	case r.inbound <- msg:
	default:
		// Orchestrator queues are the backpressure point; the router buffer
		// itself is sized generously and dropping here would duplicate the
		// session_queue_full semantics the orchestrator already owns.
		r.inbound <- msg
	}
}

func (r *ChannelRouter) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-r.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

func (r *ChannelRouter) PublishOutbound(msg OutboundMessage) {
	r.outbound <- msg
}

func (r *ChannelRouter) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-r.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

var _ MessageRouter = (*ChannelRouter)(nil)
