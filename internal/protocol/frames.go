// Package protocol defines the wire frames for the remote gateway's
// WebSocket protocol. All frames are JSON text messages with a type
// discriminator: requests, responses, and server-push events.
package protocol

import "encoding/json"

// FrameType discriminates the three frame shapes on the wire.
type FrameType string

const (
	FrameRequest  FrameType = "req"
	FrameResponse FrameType = "res"
	FrameEvent    FrameType = "event"
)

// Methods the client sends.
const (
	MethodConnect       = "connect"
	MethodAgent         = "agent"
	MethodSessionsPatch = "sessions.patch"
)

// Events the server pushes. Anything else received before the handshake
// completes (periodic liveness ticks, for instance) is ignored.
const (
	EventChallenge = "connect.challenge"
	EventAgent     = "agent.event"
	EventTick      = "tick"
)

// Frame is the top-level wire message. Which fields are set depends on
// Type: req carries ID/Method/Params, res carries ID/OK/Payload/Error,
// event carries Event/Payload. IDs are strings of a counter that increases
// monotonically over one connection.
type Frame struct {
	Type FrameType `json:"type"`

	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`

	Event string `json:"event,omitempty"`
}

// FrameError is the error shape inside a failed response.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewRequest builds a req frame, marshaling params.
func NewRequest(id, method string, params any) (*Frame, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Frame{Type: FrameRequest, ID: id, Method: method, Params: raw}, nil
}

// Succeeded reports whether a res frame carries ok=true.
func (f *Frame) Succeeded() bool {
	return f.OK != nil && *f.OK
}

// ConnectParams is the payload of the connect request sent after the
// server's challenge. It carries the supported protocol version range and
// the auth token.
type ConnectParams struct {
	MinProtocolVersion int         `json:"minProtocolVersion"`
	MaxProtocolVersion int         `json:"maxProtocolVersion"`
	Auth               ConnectAuth `json:"auth"`
}

// ConnectAuth carries the client's credential.
type ConnectAuth struct {
	Token string `json:"token"`
}

// ConnectResult is the payload of a successful connect response.
type ConnectResult struct {
	ProtocolVersion int    `json:"protocolVersion"`
	Server          string `json:"server,omitempty"`
}

// AgentParams is the payload of an agent invocation request. SessionKey is
// mandatory: it is the causality key separating concurrent conversations
// multiplexed over one connection.
type AgentParams struct {
	Message        string            `json:"message"`
	AgentID        string            `json:"agentId"`
	SessionKey     string            `json:"sessionKey"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
}

// SessionsPatchParams mutates session-scoped outbound headers server-side.
// A nil Headers marshals as JSON null, which clears them.
type SessionsPatchParams struct {
	SessionKey string            `json:"sessionKey"`
	Headers    map[string]string `json:"headers"`
}

// Agent event stream kinds.
const (
	AgentEventDelta     = "delta"
	AgentEventFinal     = "final"
	AgentEventLifecycle = "lifecycle"
)

// AgentEventPayload is the payload of agent.event pushes. Delta events are
// incremental UX-only text; the final event carries the server's
// authoritative terminal text for the whole invocation.
type AgentEventPayload struct {
	SessionKey string `json:"sessionKey"`
	Kind       string `json:"kind"`
	Delta      string `json:"delta,omitempty"`
	Text       string `json:"text,omitempty"`
}
