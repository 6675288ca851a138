// Package identity fans out session transitions from the auth layer.
// The sync layer consumes these events; it never issues them.
package identity

import (
	"sync"
	"sync/atomic"
)

// eventBufferSize is the buffer for subscriber channels. Identity
// transitions are rare; subscribers that cannot keep up have events
// dropped (non-blocking send).
const eventBufferSize = 4

// EventType marks a session transition.
type EventType uint8

const (
	SignedIn EventType = iota
	SignedOut
)

// Event is one identity transition.
type Event struct {
	Type   EventType
	UserID string // Set for SignedIn
}

type subscription struct {
	id     uint64
	ch     chan Event
	closed atomic.Bool
}

func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is a thread-safe identity event fan-out.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64

	current   string
	hasActive bool
}

// NewHub creates a new identity hub
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// SignedIn records an established session and notifies subscribers.
// An already-active session for a different user is signed out first.
func (h *Hub) SignedIn(userID string) {
	h.mu.Lock()
	if h.hasActive && h.current != userID {
		h.broadcastLocked(Event{Type: SignedOut})
	}
	h.current = userID
	h.hasActive = true
	h.broadcastLocked(Event{Type: SignedIn, UserID: userID})
	h.mu.Unlock()
}

// SignedOut records session end and notifies subscribers. Idempotent.
func (h *Hub) SignedOut() {
	h.mu.Lock()
	if h.hasActive {
		h.current = ""
		h.hasActive = false
		h.broadcastLocked(Event{Type: SignedOut})
	}
	h.mu.Unlock()
}

// Current returns the active user, if any
func (h *Hub) Current() (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current, h.hasActive
}

// Subscribe registers for identity transitions. The cancel function is
// idempotent. Subscribers joining mid-session receive the current
// SignedIn immediately so they never miss an active session.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	sub := &subscription{
		id: h.nextID.Add(1),
		ch: make(chan Event, eventBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	if h.hasActive {
		sub.ch <- Event{Type: SignedIn, UserID: h.current}
	}
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}

func (h *Hub) broadcastLocked(event Event) {
	for _, sub := range h.subscriptions {
		// Non-blocking send - drop if buffer full
		select {
		case sub.ch <- event:
		default:
		}
	}
}
