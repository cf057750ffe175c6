// Package upstream models the agent runtime's event stream and the HTTP
// client that consumes it. The upstream vocabulary is open-ended; events are
// classified best-effort and unrecognized shapes are left for the caller to
// drop.
package upstream

import "encoding/json"

// Kind classifies an upstream event into the shapes the relay understands.
type Kind int

const (
	// KindUnknown covers every shape the relay does not recognize.
	KindUnknown Kind = iota
	// KindInit is the system init event carrying the session handle.
	KindInit
	// KindAssistant is an assistant message with content blocks.
	KindAssistant
	// KindUserEcho is a user-role message carrying tool-result blocks.
	KindUserEcho
	// KindToolResult is a bare top-level tool result.
	KindToolResult
	// KindResult is the terminal summary event.
	KindResult
	// KindControlRequest asks for a tool-permission decision.
	KindControlRequest
)

// TokenUsage is the usage delta attached to upstream messages.
type TokenUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// ContentBlock is one block inside an upstream message. Exactly one of the
// per-type field groups is populated depending on Type.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// BlockList unmarshals message content that arrives either as a plain string
// or as an array of blocks.
type BlockList []ContentBlock

func (b *BlockList) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*b = BlockList{{Type: BlockText, Text: s}}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*b = BlockList(blocks)
	return nil
}

// Message is the message body of assistant and user events.
type Message struct {
	Role    string      `json:"role,omitempty"`
	Model   string      `json:"model,omitempty"`
	Content BlockList   `json:"content,omitempty"`
	Usage   *TokenUsage `json:"usage,omitempty"`
}

// Event is one upstream stream event. Fields are a union over the shapes the
// relay classifies; unknown types simply leave most of them zero.
type Event struct {
	Type      string   `json:"type"`
	Subtype   string   `json:"subtype,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Model     string   `json:"model,omitempty"`
	Message   *Message `json:"message,omitempty"`

	// bare tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`

	// result
	IsError bool        `json:"is_error,omitempty"`
	Result  string      `json:"result,omitempty"`
	Usage   *TokenUsage `json:"usage,omitempty"`

	// control_request
	RequestID string          `json:"request_id,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// Classify maps the event onto the relay's vocabulary.
func (e *Event) Classify() Kind {
	switch e.Type {
	case "system":
		if e.Subtype == "init" && e.SessionID != "" {
			return KindInit
		}
		return KindUnknown
	case "assistant":
		if e.Message != nil {
			return KindAssistant
		}
		return KindUnknown
	case "user":
		if e.Message != nil {
			return KindUserEcho
		}
		return KindUnknown
	case "tool_result":
		return KindToolResult
	case "result":
		return KindResult
	case "control_request":
		if e.RequestID != "" {
			return KindControlRequest
		}
		return KindUnknown
	default:
		return KindUnknown
	}
}
