package relay

import (
	"encoding/json"
	"net/http"
	"time"

	"agentrelay/internal/protocol"
)

// writeError sends a JSON error body with the same shape as streamed error
// frames' payloads.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(protocol.ErrorPayload{Message: message, Code: code})
}

// handleChat validates the request, then streams frames as NDJSON, one frame
// per line, flushed as they are produced. Validation failures are rejected
// before any streaming begins.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req protocol.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return
	}

	if err := protocol.ValidateChatRequest(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	enc := json.NewEncoder(w)
	emit := func(ev *protocol.Event) error {
		if err := enc.Encode(ev); err != nil {
			return err
		}
		if canFlush {
			flusher.Flush()
		}
		return nil
	}

	s.runTurn(r.Context(), &req, emit)
}

func (s *Server) handleResolvePermission(w http.ResponseWriter, r *http.Request) {
	var req protocol.PermissionResolvePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return
	}

	if req.RequestID == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "requestId is required")
		return
	}

	if !s.resolvePermission(&req) {
		writeError(w, http.StatusNotFound, protocol.ErrPermissionNotFound, "no pending permission request")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"resolved"}`))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339Nano),
	})
}
