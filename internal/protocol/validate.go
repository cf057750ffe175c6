package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeChatSend:          true,
	TypeChatReplay:        true,
	TypePermissionResolve: true,
}

// ValidateChatRequest validates a decoded chat request. A blank message is
// rejected before any stream is opened.
func ValidateChatRequest(req *ChatRequest) error {
	if strings.TrimSpace(req.Message) == "" {
		return fmt.Errorf("missing required field 'message'")
	}
	return nil
}

// ValidateClientMessage validates a raw JSON message from a WebSocket client.
// Returns the parsed Event and any validation error.
func ValidateClientMessage(raw []byte) (*Event, error) {
	var msg Event
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	// Validate required payload fields per type.
	switch msg.Type {
	case TypeChatSend:
		var p ChatRequest
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if err := ValidateChatRequest(&p); err != nil {
			return nil, fmt.Errorf("%s payload: %w", msg.Type, err)
		}

	case TypeChatReplay:
		var p ChatReplayPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.ChatID == "" {
			return nil, fmt.Errorf("missing required field 'chatId' in %s payload", msg.Type)
		}

	case TypePermissionResolve:
		var p PermissionResolvePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.RequestID == "" {
			return nil, fmt.Errorf("missing required field 'requestId' in %s payload", msg.Type)
		}
	}

	return &msg, nil
}

// NewErrorEvent creates an error frame ready to send to the client.
func NewErrorEvent(code, message string) (*Event, error) {
	return NewEvent(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
