// Package agentapi defines the wire types exchanged with the in-sandbox
// agent server. The agent is a black box: this package only models the
// endpoints the controller calls and the structured event categories it
// must recognize on the streaming paths.
package agentapi

import "encoding/json"

// Agent server endpoints. The agent listens on Port inside the sandbox.
const (
	Port       = 8080
	HealthPath = "/health"
	ChatPath   = "/chat"
	StreamPath = "/chat/stream"
	WSPath     = "/ws/chat"
)

// Event types emitted on the NDJSON and WebSocket streaming paths.
const (
	EventStart   = "start"
	EventStream  = "stream"
	EventToolUse = "tool_use"
	EventDone    = "done"
	EventError   = "error"
)

// ChatRequest is the payload for POST /chat and POST /chat/stream.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// ChatResponse is the unary response from POST /chat.
type ChatResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
	Usage     *Usage `json:"usage,omitempty"`
}

// Usage reports token accounting attached to a completed turn.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StreamEvent is one NDJSON record on the streaming paths. Fields beyond
// Type are populated depending on the event category; unrecognized fields
// are preserved in Raw so the relay stays lossless.
type StreamEvent struct {
	Type      string          `json:"type"`
	Delta     string          `json:"delta,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Usage     *Usage          `json:"usage,omitempty"`
	Error     string          `json:"error,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// Session is one entry from the agent's GET /sessions listing.
type Session struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at"`
	Turns     int    `json:"turns"`
}
