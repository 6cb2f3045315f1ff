package gateway

import (
	"encoding/json"
	"fmt"
)

// Frame types on the wire. Every frame is exactly one of these.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

// Well-known request methods.
const (
	MethodConnect = "connect"
	MethodAgent   = "agent"
)

// EventAgentStream carries one chunk of a streaming agent run.
const EventAgentStream = "agent.stream"

// Agent stream tags.
const (
	StreamAssistant = "assistant"
	StreamLifecycle = "lifecycle"
)

// Lifecycle phases that settle a run.
const (
	PhaseEnd   = "end"
	PhaseError = "error"
)

// Message is the wire envelope shared by requests, responses and events.
// Which fields are meaningful depends on Type; the rest stay empty and are
// omitted during encoding.
type Message struct {
	Type string `json:"type"`

	// Request and response correlation.
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Response fields.
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`

	// Event fields.
	Event string `json:"event,omitempty"`
	Seq   *int64 `json:"seq,omitempty"`
}

// ErrorInfo carries a server-supplied error on a non-ok response.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IsOK reports whether a response frame was accepted by the server.
func (m *Message) IsOK() bool {
	return m.Type == TypeResponse && m.OK != nil && *m.OK
}

// NewRequest builds a request frame. Params marshaling errors are returned
// rather than silently dropped because a request without params is a
// different request.
func NewRequest(id, method string, params interface{}) (*Message, error) {
	msg := &Message{Type: TypeRequest, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s params: %w", method, err)
		}
		msg.Params = raw
	}
	return msg, nil
}

// ParseMessage decodes a wire frame and validates its type tag.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parsing frame: %w", err)
	}
	switch msg.Type {
	case TypeRequest, TypeResponse, TypeEvent:
		return &msg, nil
	default:
		return nil, fmt.Errorf("unknown frame type %q", msg.Type)
	}
}

// EncodeMessage serializes a frame for the transport.
func EncodeMessage(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", msg.Type, err)
	}
	return data, nil
}

// DecodePayload decodes a raw payload into a typed struct.
func DecodePayload[T any](raw json.RawMessage) (*T, error) {
	var out T
	if len(raw) == 0 {
		return &out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	return &out, nil
}

// ConnectParams is the handshake request sent as the first frame after the
// transport opens. The server rejects the connection if it cannot serve a
// protocol version within [MinProtocol, MaxProtocol].
type ConnectParams struct {
	MinProtocol int         `json:"minProtocol"`
	MaxProtocol int         `json:"maxProtocol"`
	Client      ClientInfo  `json:"client"`
	Auth        *AuthParams `json:"auth,omitempty"`
}

// ClientInfo identifies this client to the gateway.
type ClientInfo struct {
	ID          string `json:"id"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"`
	DisplayName string `json:"displayName,omitempty"`
}

// AuthParams carries the optional gateway auth token.
type AuthParams struct {
	Token string `json:"token,omitempty"`
}

// HelloSnapshot is the handshake response payload. The session key scopes
// agent-event routing for the rest of the connection.
type HelloSnapshot struct {
	Protocol   int    `json:"protocol"`
	SessionKey string `json:"sessionKey,omitempty"`
	Session    struct {
		Key string `json:"key,omitempty"`
	} `json:"session,omitempty"`
}

// Key returns the negotiated session key regardless of which field the
// server populated.
func (h *HelloSnapshot) Key() string {
	if h.SessionKey != "" {
		return h.SessionKey
	}
	return h.Session.Key
}

// AgentParams is the agent invocation request.
type AgentParams struct {
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
	SessionKey     string `json:"sessionKey,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// AgentAccept is the accept response for an agent request. The run ID keys
// the event stream that follows.
type AgentAccept struct {
	RunID          string `json:"runId"`
	Status         string `json:"status"`
	ConversationID string `json:"conversationId,omitempty"`
}

// AgentEventPayload is the payload of an agent stream event.
type AgentEventPayload struct {
	RunID      string         `json:"runId"`
	Seq        int64          `json:"seq"`
	Stream     string         `json:"stream"`
	TS         int64          `json:"ts,omitempty"`
	SessionKey string         `json:"sessionKey,omitempty"`
	Data       AgentEventData `json:"data"`
}

// AgentEventData holds the stream-specific fields of an agent event.
// Assistant events carry Delta or Text; lifecycle events carry Phase and,
// for failures, Error.
type AgentEventData struct {
	Phase string `json:"phase,omitempty"`
	Text  string `json:"text,omitempty"`
	Delta string `json:"delta,omitempty"`
	Error string `json:"error,omitempty"`
}

// Fragment returns the incremental text contribution of an assistant event.
func (d *AgentEventData) Fragment() string {
	if d.Delta != "" {
		return d.Delta
	}
	return d.Text
}
