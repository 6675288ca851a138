package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/statline/feedsync/cfg"
)

func init() {
	RegisterSource(cfg.SourceMemory, func(config cfg.StreamConfiguration) (Source, error) {
		depth := config.QueueDepth
		if depth <= 0 {
			depth = defaultQueueDepth
		}
		return NewMemorySource(depth), nil
	})
}

// defaultQueueDepth is the per-subscription event buffer size.
// Subscribers that cannot keep up have events dropped (non-blocking send).
const defaultQueueDepth = 256

// statusBufferSize holds pending status transitions per subscription.
// Transitions are rare; a small buffer never fills in practice.
const statusBufferSize = 8

// MemorySource is an in-process change stream. It backs unit tests and
// local development, and doubles as the reference implementation of the
// Source contract: per-subscription buffered channels, non-blocking
// delivery, idempotent close.
type MemorySource struct {
	mu         sync.RWMutex
	subs       map[uint64]*memorySubscription
	nextID     atomic.Uint64
	queueDepth int
	closed     atomic.Bool
}

// NewMemorySource creates an in-memory source with the given per-subscription
// event buffer depth.
func NewMemorySource(queueDepth int) *MemorySource {
	return &MemorySource{
		subs:       make(map[uint64]*memorySubscription),
		queueDepth: queueDepth,
	}
}

type memorySubscription struct {
	id       uint64
	filter   Filter
	events   chan ChangeEvent
	status   chan Status
	source   *MemorySource
	closed   atomic.Bool
}

// Subscribe opens a subscription and immediately reports
// CONNECTING then SUBSCRIBED, mirroring a real transport handshake.
func (s *MemorySource) Subscribe(ctx context.Context, filter Filter) (Subscription, error) {
	if s.closed.Load() {
		return nil, ErrSourceClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &memorySubscription{
		id:     s.nextID.Add(1),
		filter: filter,
		events: make(chan ChangeEvent, s.queueDepth),
		status: make(chan Status, statusBufferSize),
		source: s,
	}

	s.mu.Lock()
	s.subs[sub.id] = sub
	s.mu.Unlock()

	sub.status <- StatusConnecting
	sub.status <- StatusSubscribed

	return sub, nil
}

// Publish delivers an event to all matching subscriptions (non-blocking).
func (s *MemorySource) Publish(event ChangeEvent) {
	event.ReceivedAt = time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subs {
		if sub.closed.Load() {
			continue
		}
		if sub.filter.Table != "" && sub.filter.Table != event.Table {
			continue
		}
		if sub.filter.ScopeID != "" && sub.filter.ScopeID != event.ScopeID {
			continue
		}
		if !sub.filter.MatchOp(event.Op) {
			continue
		}

		select {
		case sub.events <- event:
		default:
			log.Warn().
				Str("table", event.Table).
				Str("scope", event.ScopeID).
				Msg("Subscriber event buffer full, dropping event")
		}
	}
}

// InjectError pushes a CHANNEL_ERROR transition to every live subscription.
// Tests use it to simulate a transport failure.
func (s *MemorySource) InjectError() {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subs {
		if sub.closed.Load() {
			continue
		}
		select {
		case sub.status <- StatusError:
		default:
		}
	}
}

// SubscriptionCount returns the number of live subscriptions.
func (s *MemorySource) SubscriptionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, sub := range s.subs {
		if !sub.closed.Load() {
			count++
		}
	}
	return count
}

// Close tears down the source and all subscriptions.
func (s *MemorySource) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	// Channel closes happen under the write lock so they cannot race
	// with a Publish holding the read lock mid-send.
	s.mu.Lock()
	for _, sub := range s.subs {
		sub.shutdown()
	}
	s.subs = make(map[uint64]*memorySubscription)
	s.mu.Unlock()

	return nil
}

func (m *memorySubscription) Events() <-chan ChangeEvent {
	return m.events
}

func (m *memorySubscription) Status() <-chan Status {
	return m.status
}

// Close detaches the subscription from the source and closes its channels.
// A terminal CLOSED transition is delivered before the status channel closes.
func (m *memorySubscription) Close() error {
	m.source.mu.Lock()
	delete(m.source.subs, m.id)
	m.shutdown()
	m.source.mu.Unlock()

	return nil
}

func (m *memorySubscription) shutdown() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}

	select {
	case m.status <- StatusClosed:
	default:
	}
	close(m.status)
	close(m.events)
}
