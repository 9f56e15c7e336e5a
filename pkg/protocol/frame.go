package protocol

import "encoding/json"

// ProtocolVersion is the wire protocol version reported on connect/health.
const ProtocolVersion = 1

// FrameType discriminates the three wire-level message shapes.
type FrameType string

const (
	FrameRequest  FrameType = "req"
	FrameResponse FrameType = "res"
	FrameEvent    FrameType = "event"
)

// RequestFrame is a client-initiated request.
type RequestFrame struct {
	Type           FrameType       `json:"type"`
	ID             string          `json:"id"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// ResponseFrame is the server's reply to a RequestFrame, echoing its ID.
type ResponseFrame struct {
	Type    FrameType   `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// EventFrame is a server-initiated, out-of-band push.
type EventFrame struct {
	Type      FrameType   `json:"type"`
	Event     string      `json:"event"`
	Payload   interface{} `json:"payload,omitempty"`
	Seq       uint64      `json:"seq,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

// OK builds a successful ResponseFrame for the given request id.
func OK(id string, payload interface{}) ResponseFrame {
	return ResponseFrame{Type: FrameResponse, ID: id, OK: true, Payload: payload}
}

// Err builds a failed ResponseFrame for the given request id.
func Err(id, message string) ResponseFrame {
	return ResponseFrame{Type: FrameResponse, ID: id, OK: false, Error: message}
}

// NewEventFrame wraps a bus event for wire transmission.
func NewEventFrame(name string, payload interface{}, seq uint64, unixTimestamp int64) EventFrame {
	return EventFrame{Type: FrameEvent, Event: name, Payload: payload, Seq: seq, Timestamp: unixTimestamp}
}
