// Package aggregate holds the locally cached aggregates the UI layer
// reads: an unread counter and an ordered feed cache per (table, owner).
//
// All mutations are serialized through a single writer goroutine. Both the
// live event path and the bulk mutation path enqueue onto the same loop,
// so an increment can never interleave with a mark-all-read reset.
package aggregate

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"
)

// ErrStopped is returned by mutations enqueued on a stopped store.
var ErrStopped = errors.New("aggregate: store stopped")

// commandQueueDepth bounds the writer loop's backlog. The enqueue path
// blocks (rather than drops) when full; aggregate mutations must not be
// lost.
const commandQueueDepth = 256

// updateBufferSize is the buffer for observer channels. Laggy observers
// miss intermediate updates but always see the latest on the next read.
const updateBufferSize = 16

// Update notifies observers that an aggregate changed.
type Update struct {
	Table   string
	ScopeID string
	Count   int64
	NewItem map[string]interface{} // Set when an INSERT added a feed item
}

type command struct {
	apply   func() (int64, error)
	promise *future.Promise[int64]
}

// Store is the local aggregate for one (table, owner) pair.
type Store struct {
	table   string
	scopeID string

	count atomic.Int64 // Mirror of the writer-owned value, for lock-free reads
	feed  *Feed

	cmds   chan command
	stopCh chan struct{}
	doneCh chan struct{}

	running atomic.Bool
	lifeMu  sync.Mutex

	// qmu orders enqueues against shutdown: Stop flips stopped under the
	// write lock before the writer drains, so a command either reaches a
	// live writer or fails immediately - never both, never neither.
	qmu     sync.RWMutex
	stopped bool

	obsMu     sync.RWMutex
	observers map[uint64]chan Update
	nextObsID atomic.Uint64
}

// NewStore creates a store for the given table and owner. feedCapacity
// bounds the feed cache; 0 disables the feed (counter-only shape).
func NewStore(table, scopeID string, feedCapacity int) *Store {
	s := &Store{
		table:     table,
		scopeID:   scopeID,
		cmds:      make(chan command, commandQueueDepth),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		observers: make(map[uint64]chan Update),
	}
	if feedCapacity > 0 {
		s.feed = NewFeed(feedCapacity)
	}
	return s
}

// Start launches the writer loop
func (s *Store) Start() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.running.Load() {
		return
	}
	s.running.Store(true)
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	s.qmu.Lock()
	s.stopped = false
	s.qmu.Unlock()

	go s.writeLoop()
}

// Stop drains nothing: pending commands fail with an error so callers
// are never left waiting on a promise that will not resolve.
func (s *Store) Stop() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if !s.running.Load() {
		return
	}

	// Refuse new enqueues first. In-flight ones hold the read lock across
	// their send, so once the write lock is acquired the queue can only
	// shrink - the writer's final drain leaves nothing unresolved.
	s.qmu.Lock()
	s.stopped = true
	s.qmu.Unlock()

	close(s.stopCh)
	<-s.doneCh
	s.running.Store(false)

	s.obsMu.Lock()
	for id, ch := range s.observers {
		close(ch)
		delete(s.observers, id)
	}
	s.obsMu.Unlock()
}

// Read returns the current counter value
func (s *Store) Read() int64 {
	return s.count.Load()
}

// FeedSnapshot returns the ordered feed items, newest first.
// Returns nil for counter-only stores.
func (s *Store) FeedSnapshot() []FeedItem {
	if s.feed == nil {
		return nil
	}
	return s.feed.Snapshot()
}

// Watch registers an observer. The returned cancel function is idempotent.
func (s *Store) Watch() (<-chan Update, func()) {
	ch := make(chan Update, updateBufferSize)
	id := s.nextObsID.Add(1)

	s.obsMu.Lock()
	s.observers[id] = ch
	s.obsMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.obsMu.Lock()
			if c, ok := s.observers[id]; ok {
				delete(s.observers, id)
				close(c)
			}
			s.obsMu.Unlock()
		})
	}
	return ch, cancel
}

// Apply enqueues a mutation on the writer loop. The returned future
// resolves with the counter value after the mutation ran. Mutations on a
// stopped store fail immediately with ErrStopped.
func (s *Store) Apply(fn func(current int64, feed *Feed) (int64, error)) *future.Future[int64] {
	p := future.NewPromise[int64]()

	cmd := command{
		apply: func() (int64, error) {
			return fn(s.count.Load(), s.feed)
		},
		promise: p,
	}

	s.qmu.RLock()
	if s.stopped || !s.running.Load() {
		s.qmu.RUnlock()
		p.Set(s.count.Load(), ErrStopped)
		return p.Future()
	}
	s.cmds <- cmd
	s.qmu.RUnlock()

	return p.Future()
}

// SetBaseline seeds the counter from a point-in-time query, replacing
// whatever the stream had accumulated.
func (s *Store) SetBaseline(count int64) *future.Future[int64] {
	return s.Apply(func(_ int64, _ *Feed) (int64, error) {
		if count < 0 {
			count = 0
		}
		return count, nil
	})
}

// Increment raises the counter by one
func (s *Store) Increment() *future.Future[int64] {
	return s.Apply(func(current int64, _ *Feed) (int64, error) {
		return current + 1, nil
	})
}

// Decrement lowers the counter by one, clamped at zero
func (s *Store) Decrement() *future.Future[int64] {
	return s.Apply(func(current int64, _ *Feed) (int64, error) {
		if current <= 0 {
			log.Warn().
				Str("table", s.table).
				Str("scope", s.scopeID).
				Msg("Decrement on empty counter clamped at zero")
			return 0, nil
		}
		return current - 1, nil
	})
}

// Reset zeroes the counter and clears the feed cache. Used at session end.
func (s *Store) Reset() *future.Future[int64] {
	return s.Apply(func(_ int64, feed *Feed) (int64, error) {
		if feed != nil {
			feed.Clear()
		}
		return 0, nil
	})
}

func (s *Store) writeLoop() {
	defer close(s.doneCh)

	for {
		select {
		case <-s.stopCh:
			s.failPending()
			return
		case cmd := <-s.cmds:
			value, err := cmd.apply()
			if err == nil {
				s.commit(value, nil)
			}
			cmd.promise.Set(value, err)
		}
	}
}

// failPending resolves commands that raced with shutdown
func (s *Store) failPending() {
	for {
		select {
		case cmd := <-s.cmds:
			cmd.promise.Set(s.count.Load(), ErrStopped)
		default:
			return
		}
	}
}

// commit publishes the post-mutation value to readers and observers
func (s *Store) commit(value int64, newItem map[string]interface{}) {
	s.count.Store(value)
	s.publish(Update{
		Table:   s.table,
		ScopeID: s.scopeID,
		Count:   value,
		NewItem: newItem,
	})
}

// NotifyItem publishes a new-item update without changing the counter.
// The applier calls it once the mutation that added the item has committed.
func (s *Store) NotifyItem(row map[string]interface{}) {
	s.publish(Update{
		Table:   s.table,
		ScopeID: s.scopeID,
		Count:   s.count.Load(),
		NewItem: row,
	})
}

func (s *Store) publish(u Update) {
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()

	for _, ch := range s.observers {
		// Non-blocking send - a slow observer drops intermediate updates
		select {
		case ch <- u:
		default:
		}
	}
}
