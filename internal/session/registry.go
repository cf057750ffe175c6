// Package session tracks the upstream session handle for each chat so a
// later turn can resume the same upstream conversation.
package session

import (
	"sync"
	"time"
)

// ChatSession holds the most recent upstream handle for one chat identity.
type ChatSession struct {
	ChatID    string    `json:"chatId"`
	Handle    string    `json:"handle"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Registry maps chat identities to upstream session handles. It is
// process-wide and never persisted; entries are overwritten, not deleted.
//
// Two concurrent turns on the same chat identity race on Record: the last
// processed init event wins. That race is accepted behavior, so no per-chat
// serialization is layered on top of the registry lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*ChatSession
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*ChatSession),
	}
}

// Lookup returns the recorded handle for a chat, if any.
func (r *Registry) Lookup(chatID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cs, ok := r.sessions[chatID]
	if !ok {
		return "", false
	}
	return cs.Handle, true
}

// Record stores the handle for a chat, overwriting any prior one. An empty
// chat id has nothing to key on and is ignored.
func (r *Registry) Record(chatID, handle string) {
	if chatID == "" || handle == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[chatID] = &ChatSession{
		ChatID:    chatID,
		Handle:    handle,
		UpdatedAt: time.Now().UTC(),
	}
}

// List returns all recorded sessions.
func (r *Registry) List() []*ChatSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*ChatSession, 0, len(r.sessions))
	for _, cs := range r.sessions {
		result = append(result, cs)
	}
	return result
}
