package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is the envelope for all frames sent to clients. Consumers dispatch
// on Type and must ignore types they do not recognize.
type Event struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`

	// ChatID tags frames on shared transports (the WebSocket) where frames
	// from different chats interleave. Empty on per-request streams.
	ChatID string `json:"chatId,omitempty"`
}

// NewEvent creates a server-originated frame with the current timestamp.
func NewEvent(eventType string, payload interface{}) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Event{
		Type:      eventType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Frame types. A stream carries at most one session_init (always first) and
// is terminated by exactly one done or error frame.
const (
	TypeSessionInit       = "session_init"
	TypeText              = "text"
	TypeToolUse           = "tool_use"
	TypeToolResult        = "tool_result"
	TypePermissionRequest = "permission_request"
	TypeUsage             = "usage"
	TypeError             = "error"
	TypeDone              = "done"
)

// WebSocket client → server message types.
const (
	TypeChatSend          = "chat.send"
	TypeChatReplay        = "chat.replay"
	TypePermissionResolve = "permission.resolve"
)

// Error codes.
const (
	ErrInvalidMessage     = "INVALID_MESSAGE"
	ErrUpstreamFailed     = "UPSTREAM_FAILED"
	ErrPermissionNotFound = "PERMISSION_NOT_FOUND"
)

// TokenUsage is the usage snapshot attached to tool_use frames and the
// counters reported by the terminal usage frame.
type TokenUsage struct {
	InputTokens      int `json:"inputTokens"`
	OutputTokens     int `json:"outputTokens"`
	CacheWriteTokens int `json:"cacheWriteTokens"`
	CacheReadTokens  int `json:"cacheReadTokens"`
}

// Server → client payloads.

type SessionInitPayload struct {
	SessionID string `json:"sessionId"`
	Model     string `json:"model,omitempty"`
}

type TextPayload struct {
	Text string `json:"text"`
}

type ToolUsePayload struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
	Usage *TokenUsage     `json:"usage,omitempty"`
}

type ToolResultPayload struct {
	ToolUseID string          `json:"toolUseId,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"isError,omitempty"`
}

type PermissionRequestPayload struct {
	RequestID string          `json:"requestId"`
	Tool      string          `json:"tool"`
	Input     json.RawMessage `json:"input,omitempty"`
}

type UsagePayload struct {
	TokenUsage
	CostUSD float64 `json:"costUsd"`
	Model   string  `json:"model,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

type DonePayload struct{}

// Client → server payloads.

// Attachment is one inbound file reference on a chat message. Data is either
// a data:<mime>;base64,<payload> URI or literal text.
type Attachment struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Data string `json:"data"`
}

// ChatRequest is the body of POST /api/chat and of a chat.send WS message.
type ChatRequest struct {
	Message     string       `json:"message"`
	ChatID      string       `json:"chatId,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type ChatReplayPayload struct {
	ChatID string `json:"chatId"`
}

type PermissionResolvePayload struct {
	RequestID string `json:"requestId"`
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
}
