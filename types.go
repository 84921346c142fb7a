package revoagent

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Inbound Frames
// ============================================================================

// Frame is one parsed inbound wire frame. The protocol is flat JSON with a
// required "type" discriminator; payload fields live alongside it. Raw keeps
// the full frame so typed payloads can be decoded on demand.
type Frame struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the full frame into the provided payload type.
func (f Frame) Decode(v interface{}) error {
	return json.Unmarshal(f.Raw, v)
}

// parseFrame validates and wraps one raw text frame. Frames without a
// recognizable type field are a protocol violation and are dropped upstream.
func parseFrame(data []byte) (Frame, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Frame{}, fmt.Errorf("malformed frame: %w", err)
	}
	if probe.Type == "" {
		return Frame{}, fmt.Errorf("frame missing type field")
	}
	return Frame{Type: probe.Type, Raw: append(json.RawMessage(nil), data...)}, nil
}

// ============================================================================
// Streaming Payloads
// ============================================================================

// StreamStartPayload begins a new streamed exchange.
type StreamStartPayload struct {
	Model string `json:"model,omitempty"`
}

// StreamChunkPayload carries one incremental fragment. Progress is forwarded
// exactly as received; the server is trusted to keep it monotonic.
type StreamChunkPayload struct {
	Content    string   `json:"content"`
	Progress   *float64 `json:"progress,omitempty"`
	WordIndex  int      `json:"word_index,omitempty"`
	TotalWords int      `json:"total_words,omitempty"`
}

// StreamErrorPayload terminates an exchange with a failure.
type StreamErrorPayload struct {
	Error string `json:"error"`
}

// ============================================================================
// Domain Event Payloads
// ============================================================================

// TypingPayload is sent while the backend is generating.
type TypingPayload struct {
	Status string `json:"status"`
}

// StatusUpdatePayload is the periodic activity update on the dashboard
// endpoint.
type StatusUpdatePayload struct {
	Timestamp         string `json:"timestamp,omitempty"`
	ActiveConnections int    `json:"active_connections"`
	SystemStatus      string `json:"system_status"`
}

// ConnectionPayload is the backend's connection confirmation banner.
type ConnectionPayload struct {
	Status       string `json:"status"`
	SystemStatus string `json:"system_status,omitempty"`
}

// ResponsePayload is a non-streamed single-shot reply.
type ResponsePayload struct {
	Response  string `json:"response"`
	Model     string `json:"model,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// ServerErrorPayload is a server-side error outside any exchange.
type ServerErrorPayload struct {
	Error string `json:"error"`
}

// ============================================================================
// Outbound
// ============================================================================

// ChatRequest initiates a streamed exchange on a chat endpoint.
type ChatRequest struct {
	Message     string  `json:"message"`
	SessionID   string  `json:"session_id"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// ============================================================================
// Chat Messages
// ============================================================================

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ChatMessage is an assembled (or assembling) message surfaced to
// collaborators. The SDK only ever creates a message or mutates it by ID;
// ownership of any message list stays with the caller.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Model     string    `json:"model,omitempty"`
	Progress  float64   `json:"progress,omitempty"`
	Streaming bool      `json:"streaming"`
	Complete  bool      `json:"complete"`
	Errored   bool      `json:"errored,omitempty"`
	Error     string    `json:"error,omitempty"`
}
