// Package permission brokers out-of-band human decisions for tool
// invocations that require approval.
package permission

import "sync"

// Decision is the human response to a pending permission request.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Rendezvous tracks outstanding permission requests keyed by request id.
// The id is the sole correlation key and must be unique across concurrently
// pending entries; collisions are a caller error.
type Rendezvous struct {
	mu      sync.Mutex
	pending map[string]chan Decision
}

// New creates an empty rendezvous.
func New() *Rendezvous {
	return &Rendezvous{
		pending: make(map[string]chan Decision),
	}
}

// Register creates a pending entry and returns the channel the decision will
// arrive on. The channel receives at most one value.
func (r *Rendezvous) Register(requestID string) <-chan Decision {
	ch := make(chan Decision, 1)

	r.mu.Lock()
	r.pending[requestID] = ch
	r.mu.Unlock()

	return ch
}

// Resolve fulfills a pending entry and removes it. It reports whether a
// matching entry existed; resolving an unknown or already-resolved id is a
// no-op.
func (r *Rendezvous) Resolve(requestID string, d Decision) bool {
	r.mu.Lock()
	ch, ok := r.pending[requestID]
	if ok {
		delete(r.pending, requestID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	ch <- d
	return true
}

// Abandon removes a pending entry without resolving it. Used when the
// request that registered it is gone; the awaiting side sees nothing.
func (r *Rendezvous) Abandon(requestID string) {
	r.mu.Lock()
	delete(r.pending, requestID)
	r.mu.Unlock()
}

// PendingCount returns the number of outstanding entries.
func (r *Rendezvous) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
