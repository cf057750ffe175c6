package relay

import (
	"sync"

	"agentrelay/internal/protocol"
)

// FrameRing retains the most recent frames per chat so a WebSocket client
// attaching mid-turn can catch up. It never feeds the live per-request
// stream, which forwards frames unbuffered.
type FrameRing struct {
	mu       sync.RWMutex
	rings    map[string]*eventRing
	capacity int
}

// NewFrameRing creates a ring set with the given per-chat capacity.
func NewFrameRing(capacity int) *FrameRing {
	return &FrameRing{
		rings:    make(map[string]*eventRing),
		capacity: capacity,
	}
}

// Append records a frame for a chat. Frames without a chat id are not
// retained; there is nothing to replay them under.
func (f *FrameRing) Append(chatID string, ev *protocol.Event) {
	if chatID == "" {
		return
	}

	f.mu.Lock()
	r, ok := f.rings[chatID]
	if !ok {
		r = newEventRing(f.capacity)
		f.rings[chatID] = r
	}
	f.mu.Unlock()

	r.write(ev)
}

// Recent returns the retained frames for a chat in chronological order.
func (f *FrameRing) Recent(chatID string) []*protocol.Event {
	f.mu.RLock()
	r, ok := f.rings[chatID]
	f.mu.RUnlock()

	if !ok {
		return nil
	}
	return r.readAll()
}

// eventRing is a fixed-capacity circular buffer of frames.
type eventRing struct {
	mu       sync.RWMutex
	buf      []*protocol.Event
	capacity int
	pos      int // next write position
	full     bool
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{
		buf:      make([]*protocol.Event, capacity),
		capacity: capacity,
	}
}

func (r *eventRing) write(ev *protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.pos] = ev
	r.pos = (r.pos + 1) % r.capacity
	if r.pos == 0 {
		r.full = true
	}
}

func (r *eventRing) readAll() []*protocol.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.full {
		result := make([]*protocol.Event, r.pos)
		copy(result, r.buf[:r.pos])
		return result
	}

	result := make([]*protocol.Event, r.capacity)
	copy(result, r.buf[r.pos:])
	copy(result[r.capacity-r.pos:], r.buf[:r.pos])
	return result
}
